package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"gemfi/gateway/middleware"
	"gemfi/native/catalog"
	nativecommon "gemfi/native/common"
	"gemfi/native/lending"
	"gemfi/storage/journal"
	"gemfi/storage/sqlstore"
)

var testEpoch = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

type stubTransferer struct {
	mu       sync.Mutex
	requests []lending.TransferRequest
}

func (s *stubTransferer) Transfer(_ context.Context, req lending.TransferRequest) (lending.TransferReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return lending.TransferReceipt{ID: req.ID, Reference: "stub:" + req.ID, CompletedAt: testEpoch}, nil
}

type testEnv struct {
	handler    http.Handler
	srv        *Server
	engine     *lending.Engine
	store      *sqlstore.Store
	events     *journal.Journal
	transferer *stubTransferer
	now        time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cat, err := catalog.New("test-1", nativecommon.Denomination{Symbol: "USD", Decimals: 2}, []catalog.Asset{
		{ID: "ruby-1", Name: "Pigeon blood ruby", Category: "ruby", Valuation: uint256.NewInt(100_000), BaseRateBps: 800},
		{ID: "citrine-1", Name: "Citrine", Category: "citrine", Valuation: uint256.NewInt(2_000), BaseRateBps: 800},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store, err := sqlstore.Open(sqlstore.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	events, err := journal.OpenMemory()
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	env := &testEnv{store: store, events: events, transferer: &stubTransferer{}, now: testEpoch}
	pauses := nativecommon.NewPauses()
	engine, err := lending.NewEngine(cat, store, env.transferer,
		lending.WithClock(func() time.Time { return env.now }),
		lending.WithEventSink(events),
		lending.WithPauses(pauses),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	env.engine = engine
	srv, err := New(Options{
		Engine:      engine,
		Admin:       store,
		Pauses:      pauses,
		Events:      events,
		Idempotency: store,
		ExportDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	env.srv = srv
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, subject, scopes string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if subject != "" {
		req.Header.Set(middleware.HeaderDevSubject, subject)
	}
	if scopes != "" {
		req.Header.Set(middleware.HeaderDevScopes, scopes)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func loanRequest(principal string, assets ...string) map[string]any {
	collateral := make([]map[string]any, 0, len(assets))
	for _, id := range assets {
		collateral = append(collateral, map[string]any{"assetId": id, "quantity": 1})
	}
	return map[string]any{
		"stablecoin":           "USDC",
		"principal":            principal,
		"interestRateBps":      800,
		"termSeconds":          lending.SecondsPerYear,
		"inquiryWindowSeconds": 3600,
		"collateral":           collateral,
	}
}

func (e *testEnv) requestLoan(t *testing.T, borrower, principal string, assets ...string) loanView {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/loans", borrower, middleware.ScopeBorrower, loanRequest(principal, assets...))
	if rec.Code != http.StatusCreated {
		t.Fatalf("request loan: status %d body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[loanView](t, rec)
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/assets/ruby-1/terms", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("terms: status %d", rec.Code)
	}
	terms := decodeBody[termsView](t, rec)
	if terms.MaxLoan != "700.00" || terms.LiquidationThreshold != "850.00" {
		t.Fatalf("unexpected terms %+v", terms)
	}

	loan := env.requestLoan(t, "alice", "500.00", "ruby-1")
	if loan.State != string(lending.StateInquiry) || loan.Principal != "500.00" || loan.CollateralValue != "1000.00" {
		t.Fatalf("unexpected loan %+v", loan)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/fund", loan.ID), "bob", middleware.ScopeLender, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fund: status %d body %s", rec.Code, rec.Body.String())
	}
	funded := decodeBody[loanView](t, rec)
	if funded.State != string(lending.StateActive) || funded.Lender != "bob" || funded.Obligation != "500.00" {
		t.Fatalf("unexpected funded loan %+v", funded)
	}

	env.now = env.now.Add(24 * time.Hour)
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/repay", loan.ID), "alice", middleware.ScopeBorrower, map[string]any{"amount": "400.00"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("partial repay: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/repay", loan.ID), "alice", middleware.ScopeBorrower, map[string]any{"amount": "600.00"})
	if rec.Code != http.StatusOK {
		t.Fatalf("repay: status %d body %s", rec.Code, rec.Body.String())
	}
	if repaid := decodeBody[loanView](t, rec); repaid.State != string(lending.StateRepaid) {
		t.Fatalf("expected repaid, got %s", repaid.State)
	}
	if len(env.transferer.requests) != 1 || env.transferer.requests[0].To != "alice" {
		t.Fatalf("expected collateral release to alice, got %+v", env.transferer.requests)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1/receipts/LOAN-%06d", loan.ID), "alice", middleware.ScopeBorrower, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt: status %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"repaid"`) {
		t.Fatalf("receipt missing status: %s", rec.Body.String())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	loan := env.requestLoan(t, "alice", "10.00", "citrine-1")

	cases := []struct {
		name    string
		method  string
		path    string
		subject string
		scopes  string
		body    any
		status  int
		code    string
	}{
		{"unknown asset", http.MethodGet, "/v1/assets/nope", "", "", nil, http.StatusNotFound, "not_found"},
		{"over max ltv", http.MethodPost, "/v1/loans", "carol", middleware.ScopeBorrower, loanRequest("900.00", "ruby-1"), http.StatusUnprocessableEntity, "insufficient_collateral"},
		{"collateral in use", http.MethodPost, "/v1/loans", "carol", middleware.ScopeBorrower, loanRequest("5.00", "citrine-1"), http.StatusConflict, "collateral_unavailable"},
		{"bad amount", http.MethodPost, "/v1/loans", "carol", middleware.ScopeBorrower, loanRequest("ten", "ruby-1"), http.StatusBadRequest, "invalid_parameter"},
		{"missing loan", http.MethodGet, "/v1/loans/999", "alice", middleware.ScopeBorrower, nil, http.StatusNotFound, "not_found"},
		{"repay unfunded", http.MethodPost, fmt.Sprintf("/v1/loans/%d/repay", loan.ID), "alice", middleware.ScopeBorrower, map[string]any{"amount": "10.00"}, http.StatusConflict, "invalid_state"},
		{"liquidate unfunded", http.MethodPost, fmt.Sprintf("/v1/loans/%d/liquidate", loan.ID), "bob", middleware.ScopeLender, nil, http.StatusConflict, "invalid_state"},
		{"foreign loan", http.MethodGet, fmt.Sprintf("/v1/loans/%d", loan.ID), "mallory", middleware.ScopeBorrower, nil, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.subject, tc.scopes, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status %d, want %d: %s", rec.Code, tc.status, rec.Body.String())
			}
			if got := decodeBody[errorResponse](t, rec); got.Error.Code != tc.code {
				t.Fatalf("code %q, want %q", got.Error.Code, tc.code)
			}
		})
	}

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/fund", loan.ID), "alice", middleware.ScopeBorrower, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("borrower funding: status %d", rec.Code)
	}
}

func TestPausedActionIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPut, "/v1/admin/pauses/request", "ops", middleware.ScopeAdmin, map[string]any{"paused": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v1/loans", "alice", middleware.ScopeBorrower, loanRequest("10.00", "ruby-1"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("paused request: status %d", rec.Code)
	}
	if body := decodeBody[errorResponse](t, rec); !body.Error.Retryable || body.Error.Code != "paused" {
		t.Fatalf("unexpected body %+v", body)
	}
	paused, err := env.store.PausedActions(context.Background())
	if err != nil || len(paused) != 1 || paused[0] != lending.ActionRequest {
		t.Fatalf("persisted pauses %v err %v", paused, err)
	}

	rec = env.do(t, http.MethodPut, "/v1/admin/pauses/request", "ops", middleware.ScopeAdmin, map[string]any{"paused": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: status %d", rec.Code)
	}
	env.requestLoan(t, "alice", "10.00", "ruby-1")

	rec = env.do(t, http.MethodPut, "/v1/admin/pauses/everything", "ops", middleware.ScopeAdmin, map[string]any{"paused": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: status %d", rec.Code)
	}
	rec = env.do(t, http.MethodPut, "/v1/admin/pauses/request", "alice", middleware.ScopeBorrower, map[string]any{"paused": true})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin pause: status %d", rec.Code)
	}
}

func TestIdempotentLoanRequest(t *testing.T) {
	env := newTestEnv(t)
	body := loanRequest("10.00", "ruby-1")

	first := env.do(t, http.MethodPost, "/v1/loans", "alice", middleware.ScopeBorrower, body, middleware.HeaderIdempotencyKey, "req-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first: status %d body %s", first.Code, first.Body.String())
	}
	second := env.do(t, http.MethodPost, "/v1/loans", "alice", middleware.ScopeBorrower, body, middleware.HeaderIdempotencyKey, "req-1")
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: status %d body %s", second.Code, second.Body.String())
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("replay header missing")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs")
	}
	loans, err := env.engine.List(context.Background(), lending.LoanFilter{Borrower: "alice"})
	if err != nil || len(loans) != 1 {
		t.Fatalf("expected one loan, got %d err %v", len(loans), err)
	}
}

func TestLiquidationCheckAndLenderGate(t *testing.T) {
	env := newTestEnv(t)
	loan := env.requestLoan(t, "alice", "700.00", "ruby-1")
	if rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/fund", loan.ID), "bob", middleware.ScopeLender, nil); rec.Code != http.StatusOK {
		t.Fatalf("fund: status %d", rec.Code)
	}

	path := fmt.Sprintf("/v1/loans/%d/liquidation?valuation=ruby-1:800.00", loan.ID)
	rec := env.do(t, http.MethodGet, path, "bob", middleware.ScopeLender, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("check: status %d body %s", rec.Code, rec.Body.String())
	}
	verdict := decodeBody[verdictView](t, rec)
	if !verdict.Liquidatable || verdict.Threshold != "680.00" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/liquidate", loan.ID), "eve", middleware.ScopeLender, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign lender liquidation: status %d", rec.Code)
	}
	// Catalog valuation still backs the loan above threshold.
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/liquidate", loan.ID), "bob", middleware.ScopeLender, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("healthy liquidation: status %d body %s", rec.Code, rec.Body.String())
	}

	env.now = env.now.Add(time.Duration(lending.SecondsPerYear+1) * time.Second)
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/liquidate", loan.ID), "bob", middleware.ScopeLender, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("matured liquidation: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[loanView](t, rec); got.State != string(lending.StateLiquidated) {
		t.Fatalf("expected liquidated, got %s", got.State)
	}
}

func TestAdminLendersAndExport(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPut, "/v1/admin/lenders/0xABC", "ops", middleware.ScopeAdmin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set lender: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/v1/admin/lenders", "ops", middleware.ScopeAdmin, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"address":"0xabc"`) {
		t.Fatalf("list lenders: status %d body %s", rec.Code, rec.Body.String())
	}

	loan := env.requestLoan(t, "alice", "10.00", "ruby-1")
	env.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/fund", loan.ID), "bob", middleware.ScopeLender, nil)
	env.requestLoan(t, "alice", "10.00", "citrine-1")

	rec = env.do(t, http.MethodPost, "/v1/admin/exports/receipts", "ops", middleware.ScopeAdmin, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("export: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[map[string]any](t, rec); got["rows"] != float64(1) {
		t.Fatalf("expected only the funded loan exported, got %v", got)
	}

	env.now = env.now.Add(2 * time.Hour)
	rec = env.do(t, http.MethodPost, "/v1/admin/sweep", "ops", middleware.ScopeAdmin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: status %d", rec.Code)
	}
	if got := decodeBody[map[string]any](t, rec); got["expired"] != float64(1) || got["liquidated"] != float64(0) {
		t.Fatalf("unexpected sweep result %v", got)
	}
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	env := newTestEnv(t)
	first := env.requestLoan(t, "alice", "10.00", "ruby-1")

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set(middleware.HeaderDevSubject, "watcher")
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events?since=0", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var entry journal.Entry
	if err := wsjson.Read(ctx, conn, &entry); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if entry.Seq != 1 || entry.LoanID != first.ID || entry.Type != string(lending.EventRequested) {
		t.Fatalf("unexpected replay entry %+v", entry)
	}

	second := env.requestLoan(t, "alice", "10.00", "citrine-1")
	if err := wsjson.Read(ctx, conn, &entry); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if entry.Seq != 2 || entry.LoanID != second.ID {
		t.Fatalf("unexpected live entry %+v", entry)
	}
}
