/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package phonesdk

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	t.Run("with defaults", func(t *testing.T) {
		client, err := NewClient("token", nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.GetAccessToken() != "token" {
			t.Errorf("unexpected token %q", client.GetAccessToken())
		}
		if client.Config.MaxRetries != 3 {
			t.Errorf("unexpected default MaxRetries %d", client.Config.MaxRetries)
		}
	})

	t.Run("empty token allowed", func(t *testing.T) {
		client, err := NewClient("", nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.GetAccessToken() != "" {
			t.Error("expected empty token at construction")
		}
	})

	t.Run("invalid base URL", func(t *testing.T) {
		if _, err := NewClient("token", &Config{BaseURL: "://nope"}); err == nil {
			t.Error("expected an error for an invalid base URL")
		}
	})
}

func TestTokenRotationIsVisible(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	client, err := NewClient("tok-1", &Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	resp, err := client.Request(http.MethodGet, "account/~/extension/~", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if gotAuth.Load() != "Bearer tok-1" {
		t.Errorf("unexpected auth header %v", gotAuth.Load())
	}

	// The rotated token must apply to the very next request.
	client.SetAccessToken("tok-2")
	resp, err = client.Request(http.MethodGet, "account/~/extension/~", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if gotAuth.Load() != "Bearer tok-2" {
		t.Errorf("unexpected auth header after rotation %v", gotAuth.Load())
	}
}

func TestRequestCarriesTrackingID(t *testing.T) {
	var tracking atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracking.Store(r.Header.Get("TrackingID"))
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	client, err := NewClient("tok", &Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	check := func(label string) {
		t.Helper()
		id, _ := tracking.Load().(string)
		if !strings.HasPrefix(id, "softphone-go_") {
			t.Errorf("%s: expected a tracking identifier, got %q", label, id)
		}
	}

	resp, err := client.Request(http.MethodGet, "account/~/extension/~", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	check("Request")

	resp, err = client.RequestURL(context.Background(), http.MethodGet, srv.URL+"/content/1")
	if err != nil {
		t.Fatalf("RequestURL failed: %v", err)
	}
	resp.Body.Close()
	check("RequestURL")
}

func TestRequestRetries429WithRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	client, err := NewClient("token", &Config{
		BaseURL:        srv.URL,
		MaxRetries:     2,
		RetryBaseDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	start := time.Now()
	resp, err := client.Request(http.MethodGet, "thing", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after retry, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Retry-After of 1s not honored, waited only %s", elapsed)
	}
}

func TestRequestRetriesTransientServerErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) == 1 {
					w.WriteHeader(status)
					return
				}
				fmt.Fprint(w, `{}`)
			}))
			defer srv.Close()

			client, err := NewClient("token", &Config{
				BaseURL:        srv.URL,
				MaxRetries:     2,
				RetryBaseDelay: time.Millisecond,
			})
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}

			resp, err := client.Request(http.MethodGet, "thing", nil, nil)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("expected recovery, got %d", resp.StatusCode)
			}
		})
	}
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errorCode":"CMN-101","message":"bad request"}`)
	}))
	defer srv.Close()

	client, err := NewClient("token", &Config{
		BaseURL:        srv.URL,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	resp, err := client.Request(http.MethodGet, "thing", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls)
	}
}

func TestRequestExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient("token", &Config{
		BaseURL:        srv.URL,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	resp, err := client.Request(http.MethodGet, "thing", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected the final failure response, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d", calls)
	}
}

func TestRequestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient("token", &Config{
		BaseURL:        srv.URL,
		MaxRetries:     5,
		RetryBaseDelay: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.RequestWithRetry(ctx, http.MethodGet, "thing", nil, nil); err == nil {
		t.Error("expected cancellation during the retry wait")
	}
}

func TestParseResponse(t *testing.T) {
	t.Run("success with value", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusOK,
			Body:       http.NoBody,
		}
		if err := ParseResponse(resp, nil); err != nil {
			t.Errorf("nil target must be allowed: %v", err)
		}
	})

	t.Run("error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"errorCode":"TokenInvalid","message":"token expired"}`)
		}))
		defer srv.Close()

		client, err := NewClient("token", &Config{BaseURL: srv.URL, MaxRetries: 0})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		resp, err := client.Request(http.MethodGet, "thing", nil, nil)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		perr := ParseResponse(resp, &struct{}{})
		if perr == nil {
			t.Fatal("expected a typed error")
		}
		if !IsAuthError(perr) {
			t.Errorf("expected an auth error, got %v", perr)
		}
	})
}
