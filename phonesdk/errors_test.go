/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package phonesdk

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func errorResponse(status int, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     http.Header{},
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestNewAPIErrorTypes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"auth", 401, `{"errorCode":"TokenInvalid","message":"token expired"}`, IsAuthError},
		{"forbidden", 403, `{"errorCode":"InsufficientPermissions","message":"no"}`, IsForbidden},
		{"not found", 404, `{"errorCode":"CMN-102","message":"missing"}`, IsNotFound},
		{"rate limited", 429, `{"errorCode":"CMN-301","message":"slow down"}`, IsRateLimited},
		{"server", 503, `{"errorCode":"CMN-300","message":"maintenance"}`, IsServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(errorResponse(tt.status, nil), []byte(tt.body))
			if !tt.check(err) {
				t.Errorf("wrong type for %d: %v", tt.status, err)
			}
		})
	}
}

func TestDeviceQuotaDetection(t *testing.T) {
	t.Run("by error code", func(t *testing.T) {
		for _, code := range []string{"CMN-211", "AGW-402"} {
			body := fmt.Sprintf(`{"errorCode":%q,"message":"quota"}`, code)
			err := NewAPIError(errorResponse(403, nil), []byte(body))
			if !IsDeviceQuota(err) {
				t.Errorf("code %s not detected as quota: %v", code, err)
			}
			// Quota beats the generic 403 classification.
			if IsForbidden(err) {
				t.Errorf("quota error must not classify as plain forbidden")
			}
		}
	})

	t.Run("by message", func(t *testing.T) {
		body := `{"errorCode":"CMN-999","message":"Too Many Registered contacts for this extension"}`
		err := NewAPIError(errorResponse(429, nil), []byte(body))
		if !IsDeviceQuota(err) {
			t.Errorf("message match not detected: %v", err)
		}
	})

	t.Run("user guidance in message", func(t *testing.T) {
		err := NewAPIError(errorResponse(403, nil), []byte(`{"errorCode":"CMN-211","message":"quota"}`))
		if !strings.Contains(err.Error(), "wait a few minutes") {
			t.Errorf("quota error must instruct the user to wait, got %q", err.Error())
		}
	})
}

func TestNewAPIErrorParsesBothBodyShapes(t *testing.T) {
	t.Run("REST shape", func(t *testing.T) {
		err := NewAPIError(errorResponse(400, nil),
			[]byte(`{"errorCode":"CMN-101","message":"bad param","errors":[{"errorCode":"CMN-101","message":"bad param"}]}`))
		var apiErr *APIError
		if !asAPIError(err, &apiErr) {
			t.Fatalf("expected APIError, got %T", err)
		}
		if apiErr.ErrorCode != "CMN-101" || apiErr.Message != "bad param" {
			t.Errorf("unexpected fields: %+v", apiErr)
		}
	})

	t.Run("OAuth shape", func(t *testing.T) {
		err := NewAPIError(errorResponse(400, nil),
			[]byte(`{"error":"invalid_grant","error_description":"assertion expired"}`))
		var apiErr *APIError
		if !asAPIError(err, &apiErr) {
			t.Fatalf("expected APIError, got %T", err)
		}
		if apiErr.ErrorCode != "invalid_grant" || apiErr.Message != "assertion expired" {
			t.Errorf("unexpected fields: %+v", apiErr)
		}
	})

	t.Run("non-JSON body preserved raw", func(t *testing.T) {
		err := NewAPIError(errorResponse(500, nil), []byte("<html>oops</html>"))
		var apiErr *APIError
		if !asAPIError(err, &apiErr) {
			t.Fatalf("expected APIError, got %T", err)
		}
		if string(apiErr.RawBody) != "<html>oops</html>" {
			t.Error("raw body must be preserved when parsing fails")
		}
	})
}

func TestNewAPIErrorRetryAfter(t *testing.T) {
	err := NewAPIError(errorResponse(429, map[string]string{"Retry-After": "17"}), nil)
	var apiErr *APIError
	if !asAPIError(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.RetryAfter != 17*time.Second {
		t.Errorf("unexpected RetryAfter %s", apiErr.RetryAfter)
	}
}

func TestHelpersRejectUnrelatedErrors(t *testing.T) {
	plain := fmt.Errorf("just a network thing")
	for name, check := range map[string]func(error) bool{
		"auth":      IsAuthError,
		"forbidden": IsForbidden,
		"quota":     IsDeviceQuota,
		"not found": IsNotFound,
		"rate":      IsRateLimited,
		"server":    IsServerError,
	} {
		if check(plain) {
			t.Errorf("%s helper matched an unrelated error", name)
		}
	}
}

// asAPIError unwraps to the embedded *APIError regardless of the sub-type.
func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}
