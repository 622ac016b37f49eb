package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"gemfi/storage/sqlstore"
)

type memoryIdempotency struct {
	mu      sync.Mutex
	records map[string]sqlstore.IdempotencyKey
}

func (m *memoryIdempotency) LookupIdempotency(_ context.Context, key string) (sqlstore.IdempotencyKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[key]
	return record, ok, nil
}

func (m *memoryIdempotency) SaveIdempotency(_ context.Context, record sqlstore.IdempotencyKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.Key]; !ok {
		m.records[record.Key] = record
	}
	return nil
}

func withSubject(r *http.Request, subject string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject))
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	store := &memoryIdempotency{records: map[string]sqlstore.IdempotencyKey{}}
	calls := 0
	handler := WithIdempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if IdempotencyKey(r.Context()) != "k-1" {
			t.Errorf("expected key in context")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":1}`)
	}))

	for i := 0; i < 2; i++ {
		req := withSubject(httptest.NewRequest(http.MethodPost, "/v1/loans", strings.NewReader("{}")), "alice")
		req.Header.Set(HeaderIdempotencyKey, "k-1")
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusCreated || res.Body.String() != `{"id":1}` {
			t.Fatalf("attempt %d: unexpected response %d %s", i, res.Code, res.Body.String())
		}
		if i == 1 && res.Header().Get("Idempotent-Replay") != "true" {
			t.Fatalf("expected replay marker on second attempt")
		}
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
}

func TestIdempotencyRejectsForeignReuse(t *testing.T) {
	store := &memoryIdempotency{records: map[string]sqlstore.IdempotencyKey{
		"k-2": {Key: "k-2", Subject: "alice", Method: http.MethodPost, Path: "/v1/loans", Status: http.StatusCreated},
	}}
	handler := WithIdempotency(store, nil)(okHandler())
	req := withSubject(httptest.NewRequest(http.MethodPost, "/v1/loans", nil), "mallory")
	req.Header.Set(HeaderIdempotencyKey, "k-2")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", res.Code)
	}
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	store := &memoryIdempotency{records: map[string]sqlstore.IdempotencyKey{}}
	calls := 0
	handler := WithIdempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/loans/1/repay", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-3")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected retryable failures to re-execute, got %d calls", calls)
	}
}
