/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

// Package softphone composes the telephony session layer: credential vault,
// authenticated transport session, per-call state machines, active call
// registry, reconnection and refresh supervision, and the call history cache.
//
// A Phone is an explicit, constructible service object. Everything it needs
// (HTTP client, transport factory, durable store, clock) is injected, so
// tests build isolated instances instead of sharing process-wide state.
package softphone

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/herbanova/softphone-go/auth"
	"github.com/herbanova/softphone-go/calling"
	"github.com/herbanova/softphone-go/device"
	"github.com/herbanova/softphone-go/phonesdk"
	"github.com/herbanova/softphone-go/sipws"
	"github.com/herbanova/softphone-go/vault"
)

// ConnState describes the transport session lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Transport is the signaling session the Phone drives. The sipws package
// provides the production implementation.
type Transport interface {
	calling.Transport

	Start(ctx context.Context) error
	Dispose() error
	Connected() bool
	OnInbound(func(*sipws.InboundCall))
	OnSessionEvent(func(*sipws.SessionEvent))
	OnClose(func(error))
}

// TransportFactory builds a fresh signaling session from a device
// registration. A new transport is built for every (re)connect because
// transports are single-use.
type TransportFactory func(reg *device.Registration) Transport

// Config holds the configuration for a Phone.
type Config struct {
	// ClientID and ClientSecret identify the application to the provider.
	ClientID     string
	ClientSecret string

	// PrivateKey signs JWT bearer assertions for the token exchange.
	// Ignored when Assertion is set.
	PrivateKey *rsa.PrivateKey

	// Subject is the extension the assertion authenticates as.
	Subject string

	// Assertion is a pre-issued long-lived token used directly instead of
	// the signed-assertion exchange. Sessions in this mode have no refresh
	// token and skip the refresh supervisor.
	Assertion string

	// FallbackCallerID is appended to the assignable caller IDs when not
	// already present.
	FallbackCallerID string

	// RefreshInterval is how often the refresh supervisor checks and renews
	// short-lived tokens.
	RefreshInterval time.Duration

	// DisplayRefreshInterval drives a periodic notification so views can
	// refresh expiry countdowns. It is never a source of truth for state.
	DisplayRefreshInterval time.Duration

	// ReconnectInitialDelay and ReconnectMaxDelay bound the transport-loss
	// recovery backoff.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	// HistoryRefreshDelay is how long after a call ends the history refresh
	// waits, giving provider-side indexing time to catch up.
	HistoryRefreshDelay time.Duration

	// EnableMedia attaches a WebRTC media path to each call session.
	EnableMedia bool
	Media       *calling.MediaConfig

	Logger phonesdk.Logger
}

// DefaultConfig returns the defaults for a Phone.
func DefaultConfig() *Config {
	return &Config{
		RefreshInterval:        30 * time.Minute,
		DisplayRefreshInterval: time.Minute,
		ReconnectInitialDelay:  2 * time.Second,
		ReconnectMaxDelay:      60 * time.Second,
		HistoryRefreshDelay:    3 * time.Second,
	}
}

// Phone is the top-level softphone session object.
type Phone struct {
	mu sync.Mutex

	core     *phonesdk.Client
	auth     *auth.Client
	devices  *device.Client
	store    vault.Store
	vault    *vault.Vault
	registry *calling.Registry
	history  *calling.History

	config *Config
	logger phonesdk.Logger
	now    func() time.Time

	transportFactory TransportFactory
	transport        Transport

	state             ConnState
	shouldBeConnected bool
	reconnecting      bool

	creds     *vault.CredentialRecord
	extension *auth.ExtensionInfo
	callerIDs []string

	// warning is the persistent user-facing message set on unrecoverable
	// failures (for example a failed token refresh).
	warning string

	notifier    calling.Notifier
	supervisors chan struct{}
}

// Option customizes a Phone at construction time.
type Option func(*Phone)

// WithStore overrides the durable store backing the credential vault and the
// cached device registration.
func WithStore(store vault.Store) Option {
	return func(p *Phone) { p.store = store }
}

// WithTransportFactory overrides how signaling sessions are built.
func WithTransportFactory(f TransportFactory) Option {
	return func(p *Phone) { p.transportFactory = f }
}

// WithClock overrides the time source for the Phone, its history cache, and
// the vault's expiry checks.
func WithClock(now func() time.Time) Option {
	return func(p *Phone) {
		p.now = now
		p.history.SetClock(now)
	}
}

// New creates a Phone against the given core client.
func New(core *phonesdk.Client, config *Config, opts ...Option) *Phone {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.DisplayRefreshInterval <= 0 {
		config.DisplayRefreshInterval = defaults.DisplayRefreshInterval
	}
	if config.ReconnectInitialDelay <= 0 {
		config.ReconnectInitialDelay = defaults.ReconnectInitialDelay
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if config.HistoryRefreshDelay <= 0 {
		config.HistoryRefreshDelay = defaults.HistoryRefreshDelay
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	p := &Phone{
		core:     core,
		config:   config,
		logger:   config.Logger,
		now:      time.Now,
		state:    StateDisconnected,
		store:    vault.NewMemStore(),
		registry: calling.NewRegistry(),
		history: calling.NewHistory(core, &calling.HistoryConfig{
			Logger: config.Logger,
		}),
		auth: auth.New(core, &auth.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
		}),
	}
	p.transportFactory = func(reg *device.Registration) Transport {
		return sipws.New(reg, nil)
	}

	for _, opt := range opts {
		opt(p)
	}

	// The vault and device client are built after the options so that an
	// injected store and an injected clock compose in either order.
	p.vault = vault.New(p.store, vault.WithClock(p.now))
	p.devices = device.New(core, p.store, nil)

	// Registry and history changes surface through the Phone's single
	// notification stream.
	p.registry.Subscribe(p.notifier.Notify)
	p.history.Subscribe(p.notifier.Notify)
	return p
}

// Subscribe registers a listener invoked with no arguments on every state
// change. Listeners re-read state through the Phone's getters. The returned
// function unsubscribes.
func (p *Phone) Subscribe(fn func()) func() {
	return p.notifier.Subscribe(fn)
}

// State returns the transport session state.
func (p *Phone) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsConnected reports whether the session is fully usable: a valid token and
// a live signaling transport. This is the authoritative gate for actions;
// IsLoggedIn is a display nuance only.
func (p *Phone) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateConnected && p.transport != nil && p.transport.Connected() &&
		p.core.GetAccessToken() != ""
}

// IsLoggedIn reports whether an unexpired credential is held. Views use it
// for display only; actions gate on IsConnected.
func (p *Phone) IsLoggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.creds == nil {
		return false
	}
	return p.creds.ExpiresAt.After(p.now())
}

// Warning returns the persistent user-facing warning, empty when none.
func (p *Phone) Warning() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warning
}

// Extension returns the authenticated extension identity, nil when logged
// out.
func (p *Phone) Extension() *auth.ExtensionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.extension
}

// CallerIDs returns the assignable caller IDs, default first.
func (p *Phone) CallerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.callerIDs))
	copy(out, p.callerIDs)
	return out
}

// ActiveCalls returns the current call sessions in creation order.
func (p *Phone) ActiveCalls() []*calling.Session {
	return p.registry.List()
}

// Connect establishes the telephony session. If already connected, or a
// connect is in flight, it is a no-op. Stored credentials are reused when
// still valid; otherwise a fresh authentication exchange runs. The transport
// registration is always provisioned fresh. A device/session quota condition
// is surfaced as a distinguishable error telling the caller to wait before
// retrying.
func (p *Phone) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateConnected {
		p.mu.Unlock()
		p.logger.Printf("softphone: already connected")
		return nil
	}
	if p.state == StateConnecting {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.shouldBeConnected = true
	p.warning = ""
	p.mu.Unlock()
	p.notifier.Notify()

	err := p.establish(ctx)
	if err != nil {
		p.mu.Lock()
		p.state = StateDisconnected
		p.shouldBeConnected = false
		p.mu.Unlock()
		p.notifier.Notify()
		return err
	}

	p.mu.Lock()
	p.state = StateConnected
	p.mu.Unlock()
	p.armSupervisors()
	p.notifier.Notify()
	return nil
}

// establish runs the full connect sequence: credentials, identity, transport.
func (p *Phone) establish(ctx context.Context) error {
	creds := p.vault.Load()
	if creds != nil {
		// Reuse the stored credential without re-authenticating. A failed
		// identity fetch means the token is no longer honored; fall through
		// to a fresh exchange.
		p.core.SetAccessToken(creds.AccessToken)
		if ext, err := p.auth.GetExtension(ctx); err == nil {
			p.logger.Printf("softphone: reusing stored credentials for %s", ext.Name)
			return p.finishConnect(ctx, creds, ext)
		}
		p.logger.Printf("softphone: stored credentials rejected, authenticating fresh")
		p.vault.Clear()
		p.core.SetAccessToken("")
	}

	token, err := p.authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	p.core.SetAccessToken(token.AccessToken)

	ext, err := p.auth.GetExtension(ctx)
	if err != nil {
		p.core.SetAccessToken("")
		return fmt.Errorf("identity lookup failed: %w", err)
	}

	creds = &vault.CredentialRecord{
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
		ExpiresAt:     token.ExpiresAt,
		Mode:          token.Mode,
		ExtensionID:   ext.ID,
		ExtensionName: ext.Name,
	}
	return p.finishConnect(ctx, creds, ext)
}

// authenticate performs the configured token exchange.
func (p *Phone) authenticate(ctx context.Context) (*auth.TokenInfo, error) {
	if p.config.Assertion != "" {
		// Pre-issued assertion mode: the assertion is itself the bearer
		// token and never refreshes.
		return &auth.TokenInfo{
			AccessToken: p.config.Assertion,
			ExpiresAt:   p.now().Add(24 * time.Hour),
			Mode:        vault.AuthModeAssertion,
		}, nil
	}

	assertion, err := p.auth.SignAssertion(p.config.PrivateKey, p.config.Subject)
	if err != nil {
		return nil, err
	}
	return p.auth.ExchangeAssertion(ctx, assertion)
}

// finishConnect fetches caller IDs, provisions the transport fresh, starts
// it, and persists the resulting credential record.
func (p *Phone) finishConnect(ctx context.Context, creds *vault.CredentialRecord, ext *auth.ExtensionInfo) error {
	callerIDs, err := p.auth.ListCallerIDs(ctx, p.config.FallbackCallerID)
	if err != nil {
		return fmt.Errorf("caller ID lookup failed: %w", err)
	}

	reg, err := p.devices.Provision(ctx)
	if err != nil {
		// The quota error is already typed; callers can detect it with
		// phonesdk.IsDeviceQuota and wait before retrying.
		return fmt.Errorf("transport provisioning failed: %w", err)
	}

	transport := p.transportFactory(reg)
	p.wireTransport(transport)
	if err := transport.Start(ctx); err != nil {
		p.devices.ClearCache()
		return fmt.Errorf("transport start failed: %w", err)
	}

	creds.CallerIDs = callerIDs
	creds.DeviceID = reg.DeviceID
	if err := p.vault.Save(creds); err != nil {
		transport.Dispose()
		return fmt.Errorf("error persisting credentials: %w", err)
	}

	p.mu.Lock()
	p.transport = transport
	p.creds = creds
	p.extension = ext
	p.callerIDs = callerIDs
	p.mu.Unlock()
	return nil
}

// wireTransport attaches the inbound, event, and close handlers to a fresh
// transport.
func (p *Phone) wireTransport(t Transport) {
	t.OnInbound(p.handleInbound)
	t.OnSessionEvent(p.handleSessionEvent)
	t.OnClose(func(err error) { go p.recover(err) })
}

// Disconnect tears the session down: best-effort hangup of active calls,
// transport disposal, best-effort registration revocation. The stored
// credential record is preserved; use Logout to purge it.
func (p *Phone) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.shouldBeConnected = false
	transport := p.transport
	p.transport = nil
	p.state = StateDisconnected
	p.mu.Unlock()
	p.disarmSupervisors()

	for _, session := range p.registry.List() {
		if err := session.Hangup(); err != nil {
			p.logger.Printf("softphone: hangup during disconnect failed: %v", err)
		}
	}

	if transport != nil {
		if err := transport.Dispose(); err != nil {
			p.logger.Printf("softphone: transport dispose failed: %v", err)
		}
	}

	if err := p.devices.Revoke(ctx); err != nil {
		p.logger.Printf("softphone: registration revoke failed: %v", err)
	}

	p.notifier.Notify()
	return nil
}

// Logout disconnects and purges the stored credentials, revoking the access
// token best-effort.
func (p *Phone) Logout(ctx context.Context) error {
	if err := p.Disconnect(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	creds := p.creds
	p.creds = nil
	p.extension = nil
	p.callerIDs = nil
	p.mu.Unlock()

	token := p.core.GetAccessToken()
	if creds == nil && token == "" {
		p.vault.Clear()
		p.notifier.Notify()
		return nil
	}
	if err := p.auth.Revoke(ctx, token); err != nil {
		p.logger.Printf("softphone: token revoke failed: %v", err)
	}
	p.vault.Clear()
	p.core.SetAccessToken("")
	p.notifier.Notify()
	return nil
}

// MakeCall places an outbound call to the given number. The display name is
// attached to the session for views that resolve contacts.
func (p *Phone) MakeCall(number, displayName string) (*calling.Session, error) {
	if !p.IsConnected() {
		return nil, fmt.Errorf("cannot place a call while disconnected")
	}
	p.mu.Lock()
	transport := p.transport
	callerID := ""
	if len(p.callerIDs) > 0 {
		callerID = p.callerIDs[0]
	}
	p.mu.Unlock()

	session := calling.NewOutboundSession(transport, uuid.New().String(), number, displayName, callerID,
		p.sessionOptions()...)
	p.registry.Add(session)

	if err := session.Dial(); err != nil {
		p.registry.Remove(session.ID())
		return nil, err
	}
	return session, nil
}

// sessionOptions builds the shared options for every new call session.
func (p *Phone) sessionOptions() []calling.SessionOption {
	opts := []calling.SessionOption{
		calling.WithClock(p.now),
		calling.WithOnTerminal(p.handleTerminal),
	}
	if p.config.EnableMedia {
		if media, err := calling.NewMedia(p.config.Media); err == nil {
			opts = append(opts, calling.WithMedia(media))
		} else {
			p.logger.Printf("softphone: media setup failed, continuing signaling-only: %v", err)
		}
	}
	return opts
}

// handleInbound registers a ringing session for an incoming call.
func (p *Phone) handleInbound(call *sipws.InboundCall) {
	p.mu.Lock()
	transport := p.transport
	p.mu.Unlock()
	if transport == nil {
		return
	}

	session := calling.NewInboundSession(transport, call.CallID, call.From, call.FromName, call.SDP,
		p.sessionOptions()...)
	p.registry.Add(session)
}

// handleSessionEvent routes a provider event to its call session. Events for
// unknown calls are dropped.
func (p *Phone) handleSessionEvent(ev *sipws.SessionEvent) {
	session := p.registry.Get(ev.CallID)
	if session == nil {
		p.logger.Printf("softphone: event %s for unknown call %s", ev.Kind, ev.CallID)
		return
	}
	session.ApplyEvent(calling.EventKind(ev.Kind), ev.SDP, ev.Cause)
}

// handleTerminal evicts an ended session and schedules a delayed history
// refresh so provider-side indexing can catch up first.
func (p *Phone) handleTerminal(session *calling.Session) {
	p.registry.Remove(session.ID())
	time.AfterFunc(p.config.HistoryRefreshDelay, func() {
		if err := p.history.Refresh(context.Background()); err != nil {
			p.logger.Printf("softphone: post-call history refresh failed: %v", err)
		}
	})
}

// LoadCallHistory fetches one page of history; with reset it restarts from
// the first page.
func (p *Phone) LoadCallHistory(ctx context.Context, reset bool) error {
	return p.history.Load(ctx, reset)
}

// LoadMoreCallHistory fetches the next history page, a no-op when none
// remain.
func (p *Phone) LoadMoreCallHistory(ctx context.Context) error {
	return p.history.LoadMore(ctx)
}

// RefreshCallHistory clears and reloads the history from the first page.
func (p *Phone) RefreshCallHistory(ctx context.Context) error {
	return p.history.Refresh(ctx)
}

// CallHistory returns the accumulated history records.
func (p *Phone) CallHistory() []calling.HistoryRecord {
	return p.history.Records()
}

// CallHistoryHasMore reports whether further history pages remain.
func (p *Phone) CallHistoryHasMore() bool {
	return p.history.HasMore()
}

// CallHistoryDegraded reports whether the history currently holds synthetic
// placeholder data.
func (p *Phone) CallHistoryDegraded() bool {
	return p.history.Degraded()
}

// CallHistoryForNumber returns the records involving the given number on
// either side, digit-matched tolerantly of formatting.
func (p *Phone) CallHistoryForNumber(number string) []calling.HistoryRecord {
	return p.history.ForNumber(number)
}

// CallStats aggregates counts over the accumulated history.
func (p *Phone) CallStats() calling.HistoryStats {
	return p.history.Stats()
}

// DownloadRecording fetches the audio content of a recorded call.
func (p *Phone) DownloadRecording(ctx context.Context, recordingID string) ([]byte, error) {
	return p.history.DownloadRecording(ctx, recordingID)
}
