/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package softphone

import (
	"context"
	"errors"
	"time"

	"github.com/herbanova/softphone-go/calling"
	"github.com/herbanova/softphone-go/vault"
)

var errNetworkResumed = errors.New("network connectivity resumed")

// armSupervisors starts the background refresh and display timers. Any
// previously running supervisors are stopped first.
func (p *Phone) armSupervisors() {
	p.disarmSupervisors()

	p.mu.Lock()
	stop := make(chan struct{})
	p.supervisors = stop
	p.mu.Unlock()

	go p.refreshLoop(stop)
	go p.displayLoop(stop)
}

// disarmSupervisors stops the background timers.
func (p *Phone) disarmSupervisors() {
	p.mu.Lock()
	if p.supervisors != nil {
		close(p.supervisors)
		p.supervisors = nil
	}
	p.mu.Unlock()
}

// refreshLoop periodically renews short-lived tokens while the session holds
// a refresh token and the transport is up.
func (p *Phone) refreshLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.refreshCredentials(context.Background()); err != nil {
				return
			}
		}
	}
}

// refreshCredentials exchanges the refresh token for a fresh pair and
// re-persists the credential record. A refresh failure is unrecoverable for
// the session: the Phone force-disconnects and raises a persistent warning.
func (p *Phone) refreshCredentials(ctx context.Context) error {
	p.mu.Lock()
	creds := p.creds
	var refreshToken string
	if creds != nil {
		refreshToken = creds.RefreshToken
	}
	refreshable := creds != nil && creds.Refreshable()
	p.mu.Unlock()
	if !refreshable {
		return nil
	}
	if !p.IsConnected() {
		return nil
	}

	token, err := p.auth.Refresh(ctx, refreshToken)
	if err != nil {
		p.logger.Printf("softphone: token refresh failed, disconnecting: %v", err)
		p.mu.Lock()
		p.warning = "Your telephony session expired and could not be renewed. Please reconnect."
		p.mu.Unlock()
		if derr := p.Disconnect(ctx); derr != nil {
			p.logger.Printf("softphone: forced disconnect failed: %v", derr)
		}
		return err
	}

	// Mutate the shared record under the lock and persist a snapshot so the
	// marshal does not read fields another goroutine may be writing.
	p.mu.Lock()
	creds.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		creds.RefreshToken = token.RefreshToken
	}
	creds.ExpiresAt = token.ExpiresAt
	snapshot := creds.Clone()
	p.mu.Unlock()

	p.core.SetAccessToken(token.AccessToken)
	if err := p.vault.Save(snapshot); err != nil {
		p.logger.Printf("softphone: error persisting refreshed credentials: %v", err)
	}
	p.notifier.Notify()
	return nil
}

// displayLoop drives a periodic notification so views can refresh expiry
// countdowns. State itself stays event-driven; this timer is only a display
// fallback.
func (p *Phone) displayLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(p.config.DisplayRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.notifier.Notify()
		}
	}
}

// recover runs after an unexpected transport loss. It rebuilds the signaling
// session with exponential backoff, doubling from the initial delay up to the
// cap, for as long as the session should be connected. On success, answered
// calls are re-invited and the close listener is re-armed by the fresh
// transport wiring.
func (p *Phone) recover(cause error) {
	p.mu.Lock()
	if p.reconnecting || !p.shouldBeConnected {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.state = StateConnecting
	p.transport = nil
	p.mu.Unlock()
	p.logger.Printf("softphone: transport lost (%v), reconnecting", cause)
	p.notifier.Notify()

	delay := p.config.ReconnectInitialDelay
	for {
		p.mu.Lock()
		should := p.shouldBeConnected
		p.mu.Unlock()
		if !should {
			break
		}

		if err := p.rebuildTransport(context.Background()); err != nil {
			p.logger.Printf("softphone: reconnect attempt failed, next in %s: %v", delay, err)
			time.Sleep(delay)
			delay = nextBackoff(delay, p.config.ReconnectMaxDelay)
			continue
		}

		p.mu.Lock()
		p.reconnecting = false
		p.state = StateConnected
		p.mu.Unlock()
		p.logger.Printf("softphone: transport re-established")
		p.notifier.Notify()
		return
	}

	p.mu.Lock()
	p.reconnecting = false
	p.mu.Unlock()
}

// NotifyNetworkUp hints that network connectivity was restored, for hosts
// that can observe it (OS online events, interface changes). If the session
// should be connected but the transport is down and no recovery is running,
// one starts immediately. Safe to call at any time.
func (p *Phone) NotifyNetworkUp() {
	p.mu.Lock()
	idle := !p.reconnecting && p.shouldBeConnected &&
		(p.transport == nil || !p.transport.Connected())
	p.mu.Unlock()
	if idle {
		go p.recover(errNetworkResumed)
	}
}

// rebuildTransport provisions a fresh registration, starts a new signaling
// session, and re-invites the calls that were answered when the old one died.
func (p *Phone) rebuildTransport(ctx context.Context) error {
	reg, err := p.devices.Provision(ctx)
	if err != nil {
		return err
	}

	transport := p.transportFactory(reg)
	p.wireTransport(transport)
	if err := transport.Start(ctx); err != nil {
		p.devices.ClearCache()
		return err
	}

	p.mu.Lock()
	p.transport = transport
	var snapshot *vault.CredentialRecord
	if p.creds != nil {
		p.creds.DeviceID = reg.DeviceID
		snapshot = p.creds.Clone()
	}
	p.mu.Unlock()

	if snapshot != nil {
		if err := p.vault.Save(snapshot); err != nil {
			p.logger.Printf("softphone: error persisting rebuilt registration: %v", err)
		}
	}

	for _, session := range p.registry.List() {
		state := session.State()
		if state != calling.StateAnswered && state != calling.StateHold {
			continue
		}
		if err := session.Reinvite(transport); err != nil {
			p.logger.Printf("softphone: re-invite of call %s failed: %v", session.ID(), err)
		}
	}
	return nil
}

// nextBackoff doubles the delay up to the cap. The resulting sequence is
// non-decreasing and bounded.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}
