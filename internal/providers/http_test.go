package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/arbiterhq/arbiter/internal/registry"
)

func TestDoRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %s", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("expected auth header, got %s", auth)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := DoRequest(context.Background(), srv.Client(), srv.URL,
		map[string]string{"hello": "world"},
		map[string]string{"Authorization": "Bearer sk-test"})
	if err != nil {
		t.Fatalf("DoRequest: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDoRequestForwardsRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Request-ID"); got != "req-7" {
			t.Errorf("expected X-Request-ID req-7, got %q", got)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx := WithRequestID(context.Background(), "req-7")
	if _, err := DoRequest(ctx, srv.Client(), srv.URL, map[string]string{}, nil); err != nil {
		t.Fatal(err)
	}
}

func TestDoRequestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	_, err := DoRequest(context.Background(), srv.Client(), srv.URL, map[string]string{}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429", se.StatusCode)
	}
	if se.RetryAfterSecs != 42 {
		t.Errorf("RetryAfterSecs = %d, want 42", se.RetryAfterSecs)
	}
}

func TestDoStreamRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	_, err := DoStreamRequest(context.Background(), srv.Client(), srv.URL, map[string]string{}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", se.StatusCode)
	}
}

func TestScanSSE(t *testing.T) {
	input := strings.Join([]string{
		`data: {"n":1}`,
		``,
		`: keep-alive comment`,
		`data: {"n":2}`,
		`data: [DONE]`,
		`data: {"n":3}`,
	}, "\n")

	var got []string
	err := ScanSSE(strings.NewReader(input), func(data []byte) bool {
		got = append(got, string(data))
		return true
	})
	if err != nil {
		t.Fatalf("ScanSSE: %v", err)
	}
	if len(got) != 2 || got[0] != `{"n":1}` || got[1] != `{"n":2}` {
		t.Errorf("unexpected payloads: %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	se := &StatusError{}
	se.ParseRetryAfter("60")
	if se.RetryAfterSecs != 60 {
		t.Errorf("RetryAfterSecs = %d, want 60", se.RetryAfterSecs)
	}

	se = &StatusError{}
	se.ParseRetryAfter("")
	if se.RetryAfterSecs != 0 {
		t.Errorf("RetryAfterSecs = %d, want 0", se.RetryAfterSecs)
	}

	se = &StatusError{}
	se.ParseRetryAfter("not-a-number")
	if se.RetryAfterSecs != 0 {
		t.Errorf("RetryAfterSecs = %d, want 0", se.RetryAfterSecs)
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !RetryableStatus(code) {
			t.Errorf("expected %d retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if RetryableStatus(code) {
			t.Errorf("expected %d not retryable", code)
		}
	}
}

func TestEstimate(t *testing.T) {
	m := &registry.Model{ID: "m1", InputPerMTokens: 2.0, OutputPerMTokens: 6.0}

	est := Estimate(m, 10, 1_000_000, 500_000)
	if est.BaseUSD != 5.0 {
		t.Errorf("BaseUSD = %v, want 5.0", est.BaseUSD)
	}
	if est.FeeUSD != 0.5 {
		t.Errorf("FeeUSD = %v, want 0.5", est.FeeUSD)
	}
	if est.TotalUSD != 5.5 {
		t.Errorf("TotalUSD = %v, want 5.5", est.TotalUSD)
	}
}

func TestHealthCacheMemoizes(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var hc HealthCache
	for i := 0; i < 3; i++ {
		status, err := hc.Check(context.Background(), srv.Client(), srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		if !status.Healthy {
			t.Fatal("expected healthy")
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 probe within TTL, got %d", hits.Load())
	}
}

func TestHealthCacheEmptyEndpoint(t *testing.T) {
	var hc HealthCache
	status, err := hc.Check(context.Background(), http.DefaultClient, "")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Healthy {
		t.Error("empty endpoint should report healthy")
	}
}
