/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

// Package auth implements the telephony platform's OAuth surface: the
// assertion-for-token exchange, refresh-token rotation, and best-effort
// revocation on logout.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/herbanova/softphone-go/phonesdk"
	"github.com/herbanova/softphone-go/vault"
)

// Config holds the configuration for the auth plugin.
type Config struct {
	// ClientID and ClientSecret identify the application to the token
	// endpoint (HTTP basic auth on grant requests).
	ClientID     string
	ClientSecret string

	// TokenPath is the token endpoint path relative to the API base URL.
	TokenPath string
	// RevokePath is the token revocation endpoint path.
	RevokePath string

	// AssertionTTL is how long a signed JWT assertion remains valid.
	AssertionTTL time.Duration
}

// DefaultConfig returns the default configuration for the auth plugin.
func DefaultConfig() *Config {
	return &Config{
		TokenPath:    "oauth/token",
		RevokePath:   "oauth/revoke",
		AssertionTTL: 5 * time.Minute,
	}
}

// TokenInfo is the normalized result of any token grant.
type TokenInfo struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Mode         vault.AuthMode
}

// Client is the auth API client.
type Client struct {
	core   *phonesdk.Client
	config *Config
	now    func() time.Time
}

// New creates a new auth plugin.
func New(core *phonesdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TokenPath == "" {
		config.TokenPath = "oauth/token"
	}
	if config.RevokePath == "" {
		config.RevokePath = "oauth/revoke"
	}
	if config.AssertionTTL == 0 {
		config.AssertionTTL = 5 * time.Minute
	}
	return &Client{
		core:   core,
		config: config,
		now:    time.Now,
	}
}

// SignAssertion builds and signs a JWT bearer assertion for the token
// exchange. The platform expects RS256 with the client ID as issuer and the
// token endpoint audience.
func (c *Client) SignAssertion(key *rsa.PrivateKey, subject string) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key is required")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("error creating signer: %w", err)
	}

	now := c.now()
	claims := map[string]interface{}{
		"iss": c.config.ClientID,
		"sub": subject,
		"aud": c.core.BaseURL.String() + "/" + c.config.TokenPath,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(c.config.AssertionTTL).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("error encoding claims: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("error signing assertion: %w", err)
	}

	return jws.CompactSerialize()
}

// ExchangeAssertion exchanges a JWT bearer assertion for an access token
// and, for refreshable grants, a refresh token.
func (c *Client) ExchangeAssertion(ctx context.Context, assertion string) (*TokenInfo, error) {
	if assertion == "" {
		return nil, fmt.Errorf("assertion is required")
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	info, err := c.grant(ctx, form)
	if err != nil {
		return nil, err
	}
	info.Mode = vault.AuthModeJWT
	return info, nil
}

// Refresh exchanges a refresh token for a new access/refresh pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenInfo, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	info, err := c.grant(ctx, form)
	if err != nil {
		return nil, err
	}
	info.Mode = vault.AuthModeJWT
	return info, nil
}

// grant posts a token request and normalizes the response.
func (c *Client) grant(ctx context.Context, form url.Values) (*TokenInfo, error) {
	resp, err := c.core.RequestForm(ctx, c.config.TokenPath, form, map[string]string{
		"Authorization": "Basic " + c.basicCredentials(),
	})
	if err != nil {
		return nil, fmt.Errorf("error requesting token: %w", err)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := phonesdk.ParseResponse(resp, &body); err != nil {
		return nil, err
	}

	if body.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	expiresIn := body.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return &TokenInfo{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// Revoke invalidates a token server-side. Callers treat failures as
// non-fatal; the local credential purge is what actually ends the session.
func (c *Client) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", token)

	resp, err := c.core.RequestForm(ctx, c.config.RevokePath, form, map[string]string{
		"Authorization": "Basic " + c.basicCredentials(),
	})
	if err != nil {
		return fmt.Errorf("error revoking token: %w", err)
	}

	return phonesdk.ParseResponse(resp, nil)
}

func (c *Client) basicCredentials() string {
	return base64.StdEncoding.EncodeToString([]byte(c.config.ClientID + ":" + c.config.ClientSecret))
}
