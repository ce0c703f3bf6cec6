/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package phonesdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is the base error type for all platform API errors.
// It provides structured access to the HTTP status code, error message,
// provider error code, and raw response body. All specific error sub-types
// embed this struct, so consumers can use errors.As(err, &apiErr) to access
// common fields regardless of the specific error type.
type APIError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int

	// Status is the HTTP status line (e.g., "404 Not Found").
	Status string

	// Message is the error message from the API response body.
	Message string

	// ErrorCode is the provider-specific error code (e.g., "CMN-211").
	ErrorCode string

	// RetryAfter is the duration to wait before retrying, parsed from
	// the Retry-After header. Zero if not applicable.
	RetryAfter time.Duration

	// RawBody is the raw response body bytes, preserved for debugging.
	RawBody []byte

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error: %d", e.StatusCode)
	if e.ErrorCode != "" {
		msg += " [" + e.ErrorCode + "]"
	}
	if e.Message != "" {
		msg += " - " + e.Message
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// --- Specific error sub-types ---

// AuthError is returned for HTTP 401 Unauthorized responses and for token
// grant failures. It forces full local credential teardown in the session
// layer.
type AuthError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *AuthError) Unwrap() error { return e.APIError }

// ForbiddenError is returned for HTTP 403 Forbidden responses.
type ForbiddenError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ForbiddenError) Unwrap() error { return e.APIError }

// DeviceQuotaError indicates the provider rejected a session or transport
// registration because the account already has too many registered
// endpoints. Callers should wait for stale registrations to expire before
// retrying; retrying immediately will fail again.
type DeviceQuotaError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *DeviceQuotaError) Unwrap() error { return e.APIError }

// Error includes the wait-and-retry instruction for user-facing surfaces.
func (e *DeviceQuotaError) Error() string {
	return e.APIError.Error() + " (session quota reached; wait a few minutes before reconnecting)"
}

// NotFoundError is returned for HTTP 404 Not Found responses.
type NotFoundError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *NotFoundError) Unwrap() error { return e.APIError }

// RateLimitError is returned for HTTP 429 Too Many Requests responses.
// The RetryAfter field (inherited from APIError) indicates how long to wait.
type RateLimitError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *RateLimitError) Unwrap() error { return e.APIError }

// ServerError is returned for HTTP 5xx responses (500, 502, 503, 504).
type ServerError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ServerError) Unwrap() error { return e.APIError }

// --- Factory ---

// apiErrorBody parses the platform's error response JSON. The provider uses
// two shapes: OAuth errors ({"error", "error_description"}) and REST errors
// ({"errorCode", "message", "errors": [...]}). Both are accepted.
type apiErrorBody struct {
	Message          string `json:"message"`
	ErrorCode        string `json:"errorCode"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Errors           []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

// quotaErrorCodes are provider error codes that signal the registered-session
// quota condition regardless of the HTTP status carrying them.
var quotaErrorCodes = map[string]bool{
	"CMN-211": true, // too many registered contacts
	"AGW-402": true, // session quota exceeded
}

// NewAPIError creates a structured error from an HTTP response and its body.
// It parses the JSON body for the message and provider error code, reads the
// Retry-After header, and returns the appropriate error sub-type based on the
// status code and error code.
func NewAPIError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
	}

	var parsed apiErrorBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil {
			base.Message = parsed.Message
			base.ErrorCode = parsed.ErrorCode
			if base.Message == "" {
				base.Message = parsed.ErrorDescription
			}
			if base.ErrorCode == "" {
				base.ErrorCode = parsed.Error
			}
			if base.ErrorCode == "" && len(parsed.Errors) > 0 {
				base.ErrorCode = parsed.Errors[0].ErrorCode
				if base.Message == "" {
					base.Message = parsed.Errors[0].Message
				}
			}
		}
		// If JSON parsing fails, leave Message empty — RawBody preserves the original
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			base.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	// Quota conditions are identified by provider error code, not status:
	// the provider reports them as 403 or 429 depending on the surface.
	if quotaErrorCodes[base.ErrorCode] || strings.Contains(strings.ToLower(base.Message), "too many registered") {
		return &DeviceQuotaError{APIError: base}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized: // 401
		return &AuthError{APIError: base}
	case http.StatusForbidden: // 403
		return &ForbiddenError{APIError: base}
	case http.StatusNotFound: // 404
		return &NotFoundError{APIError: base}
	case http.StatusTooManyRequests: // 429
		return &RateLimitError{APIError: base}
	case http.StatusInternalServerError, // 500
		http.StatusBadGateway,         // 502
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout:     // 504
		return &ServerError{APIError: base}
	default:
		return base
	}
}

// --- Convenience functions ---

// IsAuthError reports whether err is an authentication error (HTTP 401).
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsForbidden reports whether err is a forbidden error (HTTP 403).
func IsForbidden(err error) bool {
	var e *ForbiddenError
	return errors.As(err, &e)
}

// IsDeviceQuota reports whether err is a registered-session quota error.
func IsDeviceQuota(err error) bool {
	var e *DeviceQuotaError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a not found error (HTTP 404).
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsRateLimited reports whether err is a rate limit error (HTTP 429).
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a server error (HTTP 5xx).
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}
