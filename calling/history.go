/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package calling

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/herbanova/softphone-go/phonesdk"
)

// RecordingDescriptor points at a stored call recording.
type RecordingDescriptor struct {
	ID         string `json:"id"`
	ContentURI string `json:"contentUri"`
}

// HistoryRecord is an immutable past-call entry normalized from the
// provider's call log. Synthetic marks placeholder records produced when
// every fetch strategy failed; they must be visibly distinguishable as
// degraded data.
type HistoryRecord struct {
	ID              string
	Direction       Direction
	StartTime       time.Time
	DurationSeconds int
	Result          string
	FromNumber      string
	FromName        string
	ToNumber        string
	ToName          string
	Transport       string
	Recording       *RecordingDescriptor
	Synthetic       bool
}

// HistoryStats aggregates counts over the accumulated records.
type HistoryStats struct {
	Total    int
	Inbound  int
	Outbound int
	Missed   int
	Recorded int
}

// LogPage is one fetched page of history records plus its paging metadata.
type LogPage struct {
	Records []HistoryRecord
	Paging  phonesdk.Paging
}

// Strategy is one named way of fetching a call-log page. Strategies are
// tried in order; the first success wins.
type Strategy struct {
	Name  string
	Fetch func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error)
}

// HistoryConfig holds the configuration for the call history cache.
type HistoryConfig struct {
	// LogPath is the call-log resource, relative to the API base URL.
	LogPath string

	// PerPage is the page size requested from the provider.
	PerPage int

	// LookbackWindow bounds how far back history is fetched.
	LookbackWindow time.Duration

	// Strategies overrides the default fetch strategies. Mainly for tests.
	Strategies []Strategy

	Logger phonesdk.Logger
}

// DefaultHistoryConfig returns the defaults for the history cache.
func DefaultHistoryConfig() *HistoryConfig {
	return &HistoryConfig{
		LogPath:        "account/~/extension/~/call-log",
		PerPage:        20,
		LookbackWindow: 30 * 24 * time.Hour,
	}
}

// History accumulates paginated call-log records. Loads are single-flight:
// a load issued while another is in flight is a no-op. Records are append-only
// between resets and never mutated after insertion.
type History struct {
	core   *phonesdk.Client
	config *HistoryConfig
	now    func() time.Time

	mu       sync.Mutex
	records  []HistoryRecord
	nextPage int
	hasMore  bool
	loading  bool
	degraded bool

	strategies []Strategy
	notifier   Notifier
}

// NewHistory creates a call history cache backed by the given core client.
func NewHistory(core *phonesdk.Client, config *HistoryConfig) *History {
	if config == nil {
		config = DefaultHistoryConfig()
	}
	if config.LogPath == "" {
		config.LogPath = "account/~/extension/~/call-log"
	}
	if config.PerPage <= 0 {
		config.PerPage = 20
	}
	if config.LookbackWindow <= 0 {
		config.LookbackWindow = 30 * 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	h := &History{
		core:     core,
		config:   config,
		now:      time.Now,
		nextPage: 1,
		hasMore:  true,
	}
	h.strategies = config.Strategies
	if h.strategies == nil {
		h.strategies = []Strategy{
			{Name: "detailed", Fetch: h.fetchView("Detailed")},
			{Name: "simple", Fetch: h.fetchView("Simple")},
		}
	}
	return h
}

// SetClock overrides the cache's time source. Mainly for tests.
func (h *History) SetClock(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

// Subscribe registers a listener notified after every completed load.
func (h *History) Subscribe(fn func()) func() {
	return h.notifier.Subscribe(fn)
}

// Records returns a copy of the accumulated records, newest-known-first as
// delivered by the provider.
func (h *History) Records() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryRecord, len(h.records))
	copy(out, h.records)
	return out
}

// HasMore reports whether further pages remain.
func (h *History) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMore
}

// Degraded reports whether the cache currently holds synthetic placeholder
// records instead of real provider data.
func (h *History) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// Load fetches one page of history. With reset, accumulated records are
// cleared and pagination restarts from page 1. A load already in flight makes
// this call a no-op. Fetch failures degrade through the strategy list and
// finally to synthetic placeholder data; Load never returns a fetch error.
func (h *History) Load(ctx context.Context, reset bool) error {
	h.mu.Lock()
	if h.loading {
		h.mu.Unlock()
		return nil
	}
	if !reset && !h.hasMore {
		h.mu.Unlock()
		return nil
	}
	h.loading = true
	page := h.nextPage
	if reset {
		page = 1
	}
	perPage := h.config.PerPage
	from := h.now().Add(-h.config.LookbackWindow)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.loading = false
		h.mu.Unlock()
		h.notifier.Notify()
	}()

	var fetched *LogPage
	for _, strat := range h.strategies {
		result, err := strat.Fetch(ctx, page, perPage, from)
		if err != nil {
			h.config.Logger.Printf("call history strategy %q failed: %v", strat.Name, err)
			continue
		}
		fetched = result
		break
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if fetched == nil {
		// All strategies failed. The history view is non-critical, so fall
		// back to clearly marked placeholder data rather than surfacing a
		// hard error.
		if reset {
			h.records = h.syntheticRecords()
			h.degraded = true
		}
		h.hasMore = false
		h.nextPage = 1
		return nil
	}

	if reset {
		h.records = fetched.Records
	} else {
		h.records = append(h.records, fetched.Records...)
	}
	h.degraded = false
	h.nextPage = page + 1
	h.hasMore = page*perPage < fetched.Paging.TotalElements
	return nil
}

// LoadMore fetches the next page. A no-op when no pages remain or a load is
// in flight.
func (h *History) LoadMore(ctx context.Context) error {
	return h.Load(ctx, false)
}

// Refresh clears accumulated records and reloads from the first page.
func (h *History) Refresh(ctx context.Context) error {
	return h.Load(ctx, true)
}

// ForNumber returns the records involving the given number on either side.
// Matching is digit-based and tolerant of formatting: a record matches when
// either endpoint's digit string contains, or is contained by, the digits of
// number.
func (h *History) ForNumber(number string) []HistoryRecord {
	want := digits(number)
	if want == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var out []HistoryRecord
	for _, rec := range h.records {
		if digitsMatch(digits(rec.FromNumber), want) || digitsMatch(digits(rec.ToNumber), want) {
			out = append(out, rec)
		}
	}
	return out
}

// Stats aggregates counts over the accumulated records.
func (h *History) Stats() HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := HistoryStats{Total: len(h.records)}
	for _, rec := range h.records {
		switch rec.Direction {
		case DirectionInbound:
			stats.Inbound++
		case DirectionOutbound:
			stats.Outbound++
		}
		if strings.EqualFold(rec.Result, "missed") {
			stats.Missed++
		}
		if rec.Recording != nil {
			stats.Recorded++
		}
	}
	return stats
}

// digits strips everything but decimal digits from a number.
func digits(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// digitsMatch reports containment in either direction, so "+1 (650) 555-0100"
// matches "6505550100" and vice versa.
func digitsMatch(have, want string) bool {
	if have == "" {
		return false
	}
	return strings.Contains(have, want) || strings.Contains(want, have)
}

// callLogResponse is the provider's call-log page shape.
type callLogResponse struct {
	Records []callLogEntry  `json:"records"`
	Paging  phonesdk.Paging `json:"paging"`
}

type callLogEntry struct {
	ID        string               `json:"id"`
	Direction string               `json:"direction"`
	StartTime string               `json:"startTime"`
	Duration  int                  `json:"duration"`
	Result    string               `json:"result"`
	Type      string               `json:"type"`
	Transport string               `json:"transport"`
	From      *callLogEndpoint     `json:"from"`
	To        *callLogEndpoint     `json:"to"`
	Recording *RecordingDescriptor `json:"recording"`
}

type callLogEndpoint struct {
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name"`
	Location    string `json:"location"`
}

// fetchView builds a fetch strategy using the given call-log view parameter.
func (h *History) fetchView(view string) func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
	return func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
		params := url.Values{}
		params.Set("view", view)
		params.Set("page", strconv.Itoa(page))
		params.Set("perPage", strconv.Itoa(perPage))
		params.Set("dateFrom", from.UTC().Format(time.RFC3339))

		resp, err := h.core.RequestWithRetry(ctx, "GET", h.config.LogPath, params, nil)
		if err != nil {
			return nil, fmt.Errorf("error fetching call log: %w", err)
		}

		var body callLogResponse
		if err := phonesdk.ParseResponse(resp, &body); err != nil {
			return nil, fmt.Errorf("error parsing call log: %w", err)
		}

		records := make([]HistoryRecord, 0, len(body.Records))
		for _, entry := range body.Records {
			records = append(records, normalizeEntry(entry))
		}
		return &LogPage{Records: records, Paging: body.Paging}, nil
	}
}

// normalizeEntry maps a loosely-typed provider entry into the canonical
// record shape, defaulting every optional field explicitly.
func normalizeEntry(entry callLogEntry) HistoryRecord {
	rec := HistoryRecord{
		ID:              entry.ID,
		DurationSeconds: entry.Duration,
		Result:          entry.Result,
		Transport:       entry.Transport,
		Recording:       entry.Recording,
	}
	if rec.Result == "" {
		rec.Result = "Unknown"
	}
	if rec.Transport == "" {
		rec.Transport = "VoIP"
	}

	switch entry.Direction {
	case string(DirectionInbound):
		rec.Direction = DirectionInbound
	default:
		rec.Direction = DirectionOutbound
	}

	if entry.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, entry.StartTime); err == nil {
			rec.StartTime = t
		}
	}
	if entry.From != nil {
		rec.FromNumber = entry.From.PhoneNumber
		rec.FromName = entry.From.Name
	}
	if entry.To != nil {
		rec.ToNumber = entry.To.PhoneNumber
		rec.ToName = entry.To.Name
	}
	return rec
}

// syntheticRecords produces the placeholder entries shown when every real
// strategy failed. Each one is flagged Synthetic so operators can tell the
// view holds degraded data.
func (h *History) syntheticRecords() []HistoryRecord {
	now := h.now()
	return []HistoryRecord{
		{
			ID:              "synthetic-1",
			Direction:       DirectionInbound,
			StartTime:       now.Add(-2 * time.Hour),
			DurationSeconds: 95,
			Result:          "Accepted",
			FromNumber:      "+16505550100",
			FromName:        "Sample Caller",
			Transport:       "VoIP",
			Synthetic:       true,
		},
		{
			ID:              "synthetic-2",
			Direction:       DirectionOutbound,
			StartTime:       now.Add(-26 * time.Hour),
			DurationSeconds: 0,
			Result:          "Missed",
			ToNumber:        "+16505550101",
			ToName:          "Sample Contact",
			Transport:       "VoIP",
			Synthetic:       true,
		},
	}
}
