/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

// Package vault persists telephony credentials across restarts. Records are
// stored as a single JSON blob under one key so that load, save, and clear
// are atomic from the caller's perspective: a record is either wholly present
// and unexpired, or absent. There is no partially valid state.
package vault

import (
	"encoding/json"
	"fmt"
	"time"
)

// credentialKey is the single durable-store key holding the credential blob.
const credentialKey = "softphone.credentials"

// ExpirySafetyBuffer is how close to expiry a stored token may be before
// Load treats it as already expired and purges it. Reusing a token that
// expires mid-connect produces confusing mid-registration auth failures.
const ExpirySafetyBuffer = 5 * time.Minute

// AuthMode describes how the access token was obtained, which determines
// whether it can be refreshed.
type AuthMode string

const (
	// AuthModeJWT is the assertion-for-token exchange; tokens are short
	// lived and come with a refresh token.
	AuthModeJWT AuthMode = "jwt"
	// AuthModeAssertion is a pre-issued long-lived token; there is nothing
	// to refresh.
	AuthModeAssertion AuthMode = "assertion"
)

// CredentialRecord is the durable session identity: tokens, expiry, the
// authenticated extension, the caller IDs it may present, and the device
// provisioned for its transport.
type CredentialRecord struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Mode         AuthMode  `json:"mode"`

	ExtensionID   string   `json:"extensionId,omitempty"`
	ExtensionName string   `json:"extensionName,omitempty"`
	CallerIDs     []string `json:"callerIds,omitempty"`

	DeviceID string `json:"deviceId,omitempty"`
}

// Refreshable reports whether this record's session mode issues short-lived
// tokens that must be periodically refreshed.
func (r *CredentialRecord) Refreshable() bool {
	return r.Mode == AuthModeJWT && r.RefreshToken != ""
}

// Clone returns an independent copy of the record. Callers that share a
// record across goroutines snapshot it under their own lock and hand the
// copy to slower operations like persistence.
func (r *CredentialRecord) Clone() *CredentialRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.CallerIDs != nil {
		out.CallerIDs = make([]string, len(r.CallerIDs))
		copy(out.CallerIDs, r.CallerIDs)
	}
	return &out
}

// Store is the durable key/value backend the vault writes through. It is the
// only capability the vault needs: no listing, no queries.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// Vault loads and saves CredentialRecords through a Store. The zero Clock
// uses wall time; tests inject a fixed clock.
type Vault struct {
	store Store
	now   func() time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock injects the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// New creates a Vault over the given durable store.
func New(store Store, opts ...Option) *Vault {
	v := &Vault{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Load returns the stored credential record, or nil if none is stored, the
// stored blob is unreadable, or the token expires within the safety buffer.
// Expired and unreadable records are proactively cleared so later loads are
// cheap and the invariant (wholly present or absent) holds.
func (v *Vault) Load() *CredentialRecord {
	raw, ok := v.store.Get(credentialKey)
	if !ok || raw == "" {
		return nil
	}

	var record CredentialRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		v.Clear()
		return nil
	}

	if record.AccessToken == "" || record.ExpiresAt.IsZero() {
		v.Clear()
		return nil
	}

	if !v.now().Add(ExpirySafetyBuffer).Before(record.ExpiresAt) {
		v.Clear()
		return nil
	}

	return &record
}

// Save persists the record as one blob. Partial writes cannot occur: either
// the whole record lands or the previous blob remains.
func (v *Vault) Save(record *CredentialRecord) error {
	if record == nil {
		return fmt.Errorf("cannot save nil credential record")
	}
	if record.AccessToken == "" {
		return fmt.Errorf("cannot save credential record without access token")
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("cannot save credential record without expiry")
	}

	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("error encoding credential record: %w", err)
	}

	v.store.Set(credentialKey, string(blob))
	return nil
}

// Clear removes the stored record.
func (v *Vault) Clear() {
	v.store.Remove(credentialKey)
}
