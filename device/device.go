/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

// Package device provisions the SIP-over-WebSocket transport registration
// with the telephony platform and manages the locally cached registration
// descriptor.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/herbanova/softphone-go/phonesdk"
	"github.com/herbanova/softphone-go/vault"
)

// registrationKey is the durable-store key for the cached registration
// descriptor.
const registrationKey = "softphone.registration"

// Registration is the transport-level connection descriptor returned by the
// provisioning endpoint: where to connect and how to authenticate the
// signaling channel.
type Registration struct {
	// DeviceID identifies this endpoint to the provider. Locally generated
	// per provisioning run so stale server-side registrations never collide
	// with a fresh one.
	DeviceID string `json:"deviceId"`

	// SignalingURL is the WSS endpoint for the SIP signaling channel.
	SignalingURL string `json:"signalingUrl"`

	// AuthorizationID, Username, and Password are the transport credentials.
	AuthorizationID string `json:"authorizationId"`
	Username        string `json:"username"`
	Password        string `json:"password"`

	// Domain is the SIP domain for the registered endpoint.
	Domain string `json:"domain"`

	// Expiry is the registration lifetime in seconds.
	Expiry int `json:"expiry"`
}

// Config holds the configuration for the device plugin.
type Config struct {
	// ProvisionPath is the transport-credential provisioning endpoint.
	ProvisionPath string
	// SIPFlags are extra provisioning parameters sent with each request.
	SIPFlags map[string]string
}

// DefaultConfig returns the default configuration for the device plugin.
func DefaultConfig() *Config {
	return &Config{
		ProvisionPath: "client-info/sip-provision",
	}
}

// Client is the device provisioning API client.
type Client struct {
	mu     sync.Mutex
	core   *phonesdk.Client
	config *Config
	store  vault.Store

	current *Registration
}

// New creates a new device plugin. The store holds the cached registration
// descriptor between runs so Revoke can still find the device ID after a
// restart.
func New(core *phonesdk.Client, store vault.Store, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		core:   core,
		config: config,
		store:  store,
	}
}

// Provision requests fresh transport credentials. Any cached registration is
// discarded first: reusing a descriptor of uncertain age trips the provider's
// duplicate-registration check ("too many registered contacts"), so fresh is
// always safer than stale.
func (c *Client) Provision(ctx context.Context) (*Registration, error) {
	c.ClearCache()

	deviceID := uuid.New().String()
	payload := map[string]interface{}{
		"sipInfo": []map[string]string{{"transport": "WSS"}},
		"device": map[string]string{
			"deviceId": deviceID,
		},
	}
	for k, v := range c.config.SIPFlags {
		payload[k] = v
	}

	resp, err := c.core.RequestWithRetry(ctx, http.MethodPost, c.config.ProvisionPath, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("error provisioning transport: %w", err)
	}

	var body struct {
		SIPInfo []struct {
			Transport       string `json:"transport"`
			OutboundProxy   string `json:"outboundProxy"`
			Domain          string `json:"domain"`
			AuthorizationID string `json:"authorizationId"`
			Username        string `json:"username"`
			Password        string `json:"password"`
		} `json:"sipInfo"`
		SIPFlags struct {
			DeviceRegExpiry int `json:"deviceRegExpiry"`
		} `json:"sipFlags"`
	}
	if err := phonesdk.ParseResponse(resp, &body); err != nil {
		return nil, err
	}

	var reg *Registration
	for _, info := range body.SIPInfo {
		if info.Transport != "WSS" {
			continue
		}
		reg = &Registration{
			DeviceID:        deviceID,
			SignalingURL:    "wss://" + info.OutboundProxy,
			AuthorizationID: info.AuthorizationID,
			Username:        info.Username,
			Password:        info.Password,
			Domain:          info.Domain,
			Expiry:          body.SIPFlags.DeviceRegExpiry,
		}
		break
	}
	if reg == nil {
		return nil, fmt.Errorf("provisioning response contained no WSS transport entry")
	}

	c.mu.Lock()
	c.current = reg
	c.mu.Unlock()

	if blob, err := json.Marshal(reg); err == nil {
		c.store.Set(registrationKey, string(blob))
	}

	return reg, nil
}

// Current returns the in-memory registration, falling back to the cached
// descriptor from a previous run. Returns nil if neither exists.
func (c *Client) Current() *Registration {
	c.mu.Lock()
	if c.current != nil {
		reg := *c.current
		c.mu.Unlock()
		return &reg
	}
	c.mu.Unlock()

	raw, ok := c.store.Get(registrationKey)
	if !ok {
		return nil
	}
	var reg Registration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		c.store.Remove(registrationKey)
		return nil
	}
	return &reg
}

// Revoke deletes the provisioned registration server-side. Errors are
// returned for logging but the caller treats revocation as best-effort;
// the provider expires abandoned registrations on its own.
func (c *Client) Revoke(ctx context.Context) error {
	reg := c.Current()
	c.ClearCache()
	if reg == nil {
		return nil
	}

	path := fmt.Sprintf("client-info/sip-provision/%s", reg.DeviceID)
	resp, err := c.core.RequestWithContext(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return fmt.Errorf("error revoking registration: %w", err)
	}
	return phonesdk.ParseResponse(resp, nil)
}

// ClearCache drops the in-memory and durable registration artifacts.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.store.Remove(registrationKey)
}
