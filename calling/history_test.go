/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package calling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/herbanova/softphone-go/phonesdk"
)

func newTestHistory(t *testing.T, strategies []Strategy) *History {
	t.Helper()
	core, err := phonesdk.NewClient("token", &phonesdk.Config{BaseURL: "http://unused.invalid"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	config := DefaultHistoryConfig()
	config.Strategies = strategies
	return NewHistory(core, config)
}

func pageOf(ids []string, page, perPage, total int) *LogPage {
	records := make([]HistoryRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, HistoryRecord{ID: id, Direction: DirectionInbound, FromNumber: "+16505550111"})
	}
	return &LogPage{
		Records: records,
		Paging:  phonesdk.Paging{Page: page, PerPage: perPage, TotalElements: total},
	}
}

func TestLoadAccumulatesPages(t *testing.T) {
	var fetches int32
	h := newTestHistory(t, []Strategy{{
		Name: "primary",
		Fetch: func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
			atomic.AddInt32(&fetches, 1)
			switch page {
			case 1:
				return pageOf([]string{"r1", "r2"}, 1, 2, 3), nil
			case 2:
				return pageOf([]string{"r3"}, 2, 2, 3), nil
			default:
				return pageOf(nil, page, 2, 3), nil
			}
		},
	}})

	if err := h.Load(context.Background(), true); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := len(h.Records()); got != 2 {
		t.Fatalf("expected 2 records, got %d", got)
	}
	if !h.HasMore() {
		t.Fatal("expected more pages after the first of two")
	}

	if err := h.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore failed: %v", err)
	}
	recs := h.Records()
	if len(recs) != 3 || recs[2].ID != "r3" {
		t.Fatalf("expected 3 accumulated records ending in r3, got %+v", recs)
	}
	if h.HasMore() {
		t.Error("expected no more pages at total=3 with perPage=2 after page 2")
	}

	// LoadMore past the end is a no-op.
	if err := h.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore failed: %v", err)
	}
	if atomic.LoadInt32(&fetches) != 2 {
		t.Errorf("expected 2 fetches, got %d", fetches)
	}
}

func TestRefreshResetsToFreshPage(t *testing.T) {
	h := newTestHistory(t, []Strategy{{
		Name: "primary",
		Fetch: func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
			if page != 1 {
				return pageOf([]string{fmt.Sprintf("old-%d", page)}, page, 1, 10), nil
			}
			return pageOf([]string{"fresh"}, 1, 1, 10), nil
		},
	}})

	_ = h.Load(context.Background(), true)
	_ = h.LoadMore(context.Background())
	if got := len(h.Records()); got != 2 {
		t.Fatalf("setup: expected 2 accumulated records, got %d", got)
	}

	if err := h.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	recs := h.Records()
	if len(recs) != 1 || recs[0].ID != "fresh" {
		t.Errorf("reset must yield exactly the new first page, got %+v", recs)
	}
	if !h.HasMore() {
		t.Error("reset must recompute hasMore from the fresh page")
	}
}

func TestStrategyFallbackOrder(t *testing.T) {
	var order []string
	h := newTestHistory(t, []Strategy{
		{Name: "primary", Fetch: func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
			order = append(order, "primary")
			return nil, errors.New("provider 500")
		}},
		{Name: "secondary", Fetch: func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
			order = append(order, "secondary")
			return pageOf([]string{"r1"}, 1, 20, 1), nil
		}},
	})

	if err := h.Load(context.Background(), true); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(order) != 2 || order[0] != "primary" || order[1] != "secondary" {
		t.Errorf("expected primary then secondary, got %v", order)
	}
	if h.Degraded() {
		t.Error("a successful fallback is not degraded data")
	}
	if len(h.Records()) != 1 {
		t.Errorf("expected the fallback page, got %+v", h.Records())
	}
}

func TestAllStrategiesFailYieldsSyntheticData(t *testing.T) {
	failing := func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
		return nil, errors.New("unreachable")
	}
	h := newTestHistory(t, []Strategy{
		{Name: "primary", Fetch: failing},
		{Name: "secondary", Fetch: failing},
	})

	if err := h.Load(context.Background(), true); err != nil {
		t.Fatalf("Load must not surface fetch errors, got %v", err)
	}
	recs := h.Records()
	if len(recs) == 0 {
		t.Fatal("expected synthetic placeholder records")
	}
	for _, rec := range recs {
		if !rec.Synthetic {
			t.Errorf("placeholder record not flagged synthetic: %+v", rec)
		}
	}
	if !h.Degraded() {
		t.Error("cache must report degraded data")
	}
	if h.HasMore() {
		t.Error("degraded fallback must mark hasMore false")
	}

	// A later successful refresh replaces the synthetic data.
	h.strategies = []Strategy{{Name: "recovered", Fetch: func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
		return pageOf([]string{"real"}, 1, 20, 1), nil
	}}}
	if err := h.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if h.Degraded() {
		t.Error("degraded flag must clear on real data")
	}
	if recs := h.Records(); len(recs) != 1 || recs[0].Synthetic {
		t.Errorf("expected real records after recovery, got %+v", recs)
	}
}

func TestLoadIsSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var fetches int32
	h := newTestHistory(t, []Strategy{{
		Name: "slow",
		Fetch: func(ctx context.Context, page, perPage int, from time.Time) (*LogPage, error) {
			atomic.AddInt32(&fetches, 1)
			close(started)
			<-release
			return pageOf([]string{"r1"}, 1, 20, 1), nil
		},
	}})

	done := make(chan error, 1)
	go func() { done <- h.Load(context.Background(), true) }()
	<-started

	// The second load must return immediately without fetching.
	if err := h.Load(context.Background(), true); err != nil {
		t.Fatalf("concurrent Load failed: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Load failed: %v", err)
	}
	if atomic.LoadInt32(&fetches) != 1 {
		t.Errorf("expected a single fetch, got %d", fetches)
	}
}

func TestForNumberMatchesDigitsBothWays(t *testing.T) {
	h := newTestHistory(t, nil)
	h.mu.Lock()
	h.records = []HistoryRecord{
		{ID: "a", FromNumber: "+1 (650) 555-0100", ToNumber: "101"},
		{ID: "b", FromNumber: "+16505550111", ToNumber: "102"},
		{ID: "c", FromNumber: "", ToNumber: "6505550100"},
	}
	h.mu.Unlock()

	ids := func(recs []HistoryRecord) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	// Full number matches formatted and bare variants.
	got := ids(h.ForNumber("6505550100"))
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("unexpected matches for full number: %v", got)
	}
	// A short extension is contained by the stored number.
	got = ids(h.ForNumber("0111"))
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("unexpected matches for partial number: %v", got)
	}
	// A longer dialed string contains the stored short number.
	got = ids(h.ForNumber("+1-650-555-0102"))
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("unexpected containment matches: %v", got)
	}
	if h.ForNumber("") != nil {
		t.Error("empty number must match nothing")
	}
}

func TestStats(t *testing.T) {
	h := newTestHistory(t, nil)
	h.mu.Lock()
	h.records = []HistoryRecord{
		{Direction: DirectionInbound, Result: "Accepted"},
		{Direction: DirectionInbound, Result: "Missed"},
		{Direction: DirectionOutbound, Result: "Accepted", Recording: &RecordingDescriptor{ID: "rec1"}},
	}
	h.mu.Unlock()

	stats := h.Stats()
	want := HistoryStats{Total: 3, Inbound: 2, Outbound: 1, Missed: 1, Recorded: 1}
	if stats != want {
		t.Errorf("got %+v, want %+v", stats, want)
	}
}

func TestDefaultStrategiesAgainstAPI(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	var gotViews []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view := r.URL.Query().Get("view")
		gotViews = append(gotViews, view)
		if view == "Detailed" {
			// Force the fallback to the simple view.
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"errorCode":"CMN-301","message":"unavailable"}`)
			return
		}

		if got := r.URL.Query().Get("dateFrom"); got != now.Add(-30*24*time.Hour).Format(time.RFC3339) {
			t.Errorf("unexpected dateFrom %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"records": []map[string]interface{}{
				{
					"id":        "log-1",
					"direction": "Inbound",
					"startTime": "2026-05-30T08:00:00Z",
					"duration":  61,
					"result":    "Accepted",
					"from":      map[string]string{"phoneNumber": "+16505550111", "name": "Alice"},
					"to":        map[string]string{"phoneNumber": "+16505550100"},
					"recording": map[string]string{"id": "rec-1", "contentUri": srvURL(r) + "/recording/rec-1/content"},
				},
				{
					// Sparse entry; the normalizer fills defaults.
					"id": "log-2",
				},
			},
			"paging": map[string]int{"page": 1, "perPage": 20, "totalElements": 2},
		})
	}))
	defer srv.Close()

	core, err := phonesdk.NewClient("token", &phonesdk.Config{BaseURL: srv.URL, MaxRetries: 0})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	h := NewHistory(core, nil)
	h.SetClock(func() time.Time { return now })

	if err := h.Load(context.Background(), true); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(gotViews) != 2 || gotViews[0] != "Detailed" || gotViews[1] != "Simple" {
		t.Fatalf("expected Detailed then Simple, got %v", gotViews)
	}

	recs := h.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	first := recs[0]
	if first.ID != "log-1" || first.Direction != DirectionInbound || first.DurationSeconds != 61 {
		t.Errorf("unexpected first record: %+v", first)
	}
	if first.FromName != "Alice" || first.Recording == nil || first.Recording.ID != "rec-1" {
		t.Errorf("unexpected first record detail: %+v", first)
	}
	sparse := recs[1]
	if sparse.Result != "Unknown" || sparse.Transport != "VoIP" || sparse.Direction != DirectionOutbound {
		t.Errorf("normalizer must default sparse fields, got %+v", sparse)
	}
	if h.HasMore() {
		t.Error("expected no more pages at total=2 with perPage=20")
	}
}

func TestDownloadRecording(t *testing.T) {
	content := []byte("audio-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recording/rec-1/content" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Write(content)
	}))
	defer srv.Close()

	core, err := phonesdk.NewClient("token", &phonesdk.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	h := NewHistory(core, nil)
	h.mu.Lock()
	h.records = []HistoryRecord{{
		ID:        "log-1",
		Recording: &RecordingDescriptor{ID: "rec-1", ContentURI: srv.URL + "/recording/rec-1/content"},
	}}
	h.mu.Unlock()

	got, err := h.DownloadRecording(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("DownloadRecording failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("unexpected content %q", got)
	}

	if _, err := h.DownloadRecording(context.Background(), "missing"); err == nil {
		t.Error("expected an error for an unknown recording")
	}
	if _, err := h.DownloadRecording(context.Background(), ""); err == nil {
		t.Error("expected an error for an empty recording ID")
	}
}

// srvURL rebuilds the test server URL from the inbound request.
func srvURL(r *http.Request) string {
	return "http://" + r.Host
}
