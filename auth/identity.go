/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package auth

import (
	"context"
	"net/http"
	"net/url"

	"github.com/herbanova/softphone-go/phonesdk"
)

// ExtensionInfo identifies the authenticated extension.
type ExtensionInfo struct {
	ID              string `json:"id"`
	ExtensionNumber string `json:"extensionNumber"`
	Name            string `json:"name"`
	Contact         struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
	} `json:"contact"`
	Status string `json:"status"`
}

// PhoneNumber is one number assigned to the account, as returned by the
// phone-number listing endpoint.
type PhoneNumber struct {
	PhoneNumber string   `json:"phoneNumber"`
	Primary     bool     `json:"primary"`
	UsageType   string   `json:"usageType"`
	Features    []string `json:"features"`
}

// GetExtension fetches the authenticated extension's identity.
func (c *Client) GetExtension(ctx context.Context) (*ExtensionInfo, error) {
	resp, err := c.core.RequestWithRetry(ctx, http.MethodGet, "account/~/extension/~", nil, nil)
	if err != nil {
		return nil, err
	}

	var info ExtensionInfo
	if err := phonesdk.ParseResponse(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListCallerIDs returns the numbers this session may present as outbound
// caller ID. Order matters for default selection: the primary number first,
// then secondary numbers carrying the CallerId feature, then fallback (if
// configured and not already listed).
func (c *Client) ListCallerIDs(ctx context.Context, fallback string) ([]string, error) {
	params := url.Values{}
	params.Set("usageType", "DirectNumber")
	params.Set("perPage", "100")

	resp, err := c.core.RequestWithRetry(ctx, http.MethodGet, "account/~/extension/~/phone-number", params, nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Records []PhoneNumber   `json:"records"`
		Paging  phonesdk.Paging `json:"paging"`
	}
	if err := phonesdk.ParseResponse(resp, &body); err != nil {
		return nil, err
	}

	var numbers []string
	seen := make(map[string]bool)

	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			numbers = append(numbers, n)
		}
	}

	for _, rec := range body.Records {
		if rec.Primary {
			add(rec.PhoneNumber)
		}
	}
	for _, rec := range body.Records {
		if rec.Primary {
			continue
		}
		if hasFeature(rec.Features, "CallerId") {
			add(rec.PhoneNumber)
		}
	}
	add(fallback)

	return numbers, nil
}

func hasFeature(features []string, want string) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}
