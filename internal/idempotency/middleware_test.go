package idempotency

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func send(handler http.Handler, key, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/arbitrate", nil)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func countingHandler(calls *int, status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func TestMiddlewarePassThroughWithoutKey(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls int
	handler := Middleware(c)(countingHandler(&calls, http.StatusOK, `{"status":"ok"}`))

	for i := 0; i < 2; i++ {
		rec := send(handler, "", "")
		if rec.Code != http.StatusOK || rec.Header().Get("Idempotency-Replay") != "" {
			t.Fatalf("request %d: code=%d replay=%q", i, rec.Code, rec.Header().Get("Idempotency-Replay"))
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (no caching without a key)", calls)
	}
}

func TestMiddlewareCachesFirstResponse(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls int
	handler := Middleware(c)(countingHandler(&calls, http.StatusCreated, `{"id":"dec_123"}`))

	rec := send(handler, "first-key-001", "")
	if calls != 1 || rec.Code != http.StatusCreated {
		t.Fatalf("calls=%d code=%d", calls, rec.Code)
	}
	if rec.Header().Get("Idempotency-Replay") != "" {
		t.Fatal("first response must not carry the replay marker")
	}

	// Verify the entry was cached under the tenant-scoped key.
	resp, ok := c.Get("\x00first-key-001")
	if !ok {
		t.Fatal("response not cached")
	}
	if string(resp.Body) != `{"id":"dec_123"}` || resp.Status != http.StatusCreated {
		t.Fatalf("cached = %d %q", resp.Status, resp.Body)
	}
}

func TestMiddlewareReplaysDuplicates(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls int
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "original-req")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"dec_456"}`))
	}))

	send(handler, "dup-key", "")
	rec := send(handler, "dup-key", "")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (duplicate must not reach handler)", calls)
	}
	if rec.Code != http.StatusCreated || rec.Body.String() != `{"id":"dec_456"}` {
		t.Fatalf("replay = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Idempotency-Replay") != "true" {
		t.Fatal("replay marker missing")
	}
	if rec.Header().Get("X-Request-Id") != "original-req" {
		t.Fatalf("cached header lost: %q", rec.Header().Get("X-Request-Id"))
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("cached Content-Type lost: %q", rec.Header().Get("Content-Type"))
	}
}

func TestMiddlewareKeysAreIndependent(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls int
	handler := Middleware(c)(countingHandler(&calls, http.StatusCreated, `{}`))

	send(handler, "key-a", "")
	send(handler, "key-b", "")
	if calls != 2 {
		t.Fatalf("calls = %d, want one per distinct key", calls)
	}

	for _, key := range []string{"key-a", "key-b"} {
		rec := send(handler, key, "")
		if rec.Header().Get("Idempotency-Replay") != "true" {
			t.Fatalf("%s repeat not replayed", key)
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d after replays, want still 2", calls)
	}
}

func TestMiddlewareTenantScopesKeys(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls int
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"tenant":"` + r.Header.Get("X-Tenant-ID") + `"}`))
	}))

	send(handler, "shared-key", "acme")

	// Same key from another tenant must execute, not replay acme's response.
	rec := send(handler, "shared-key", "globex")
	if calls != 2 {
		t.Fatalf("calls = %d, want one per tenant", calls)
	}
	if rec.Body.String() != `{"tenant":"globex"}` {
		t.Fatalf("cross-tenant replay: %s", rec.Body.String())
	}

	// Same key, same tenant: replayed.
	rec = send(handler, "shared-key", "acme")
	if calls != 2 || rec.Header().Get("Idempotency-Replay") != "true" {
		t.Fatalf("same-tenant repeat not replayed (calls=%d)", calls)
	}
}

func TestMiddlewareDoesNotCacheServerErrors(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls int
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	if rec := send(handler, "retry-after-502", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("first call = %d", rec.Code)
	}

	rec := send(handler, "retry-after-502", "")
	if calls != 2 {
		t.Fatalf("calls = %d, retry must reach the handler", calls)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("Idempotency-Replay") == "true" {
		t.Fatalf("retry = %d replay=%q", rec.Code, rec.Header().Get("Idempotency-Replay"))
	}
}

func TestMiddlewareConcurrentSameKey(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls atomic.Int64
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"concurrent"}`))
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := send(handler, "concurrent-key", "")
			if rec.Code != http.StatusCreated {
				t.Errorf("code = %d", rec.Code)
			}
			if rec.Body.String() != `{"id":"concurrent"}` {
				t.Errorf("body = %s", rec.Body.String())
			}
		}()
	}
	wg.Wait()

	// Get-then-Put is not atomic, so more than one execution is acceptable;
	// the point of running 50 goroutines is the race detector.
	if calls.Load() < 1 {
		t.Fatal("handler never invoked")
	}
}
