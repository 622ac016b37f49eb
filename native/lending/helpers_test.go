package lending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"gemfi/native/catalog"
	nativecommon "gemfi/native/common"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingTransferer struct {
	mu       sync.Mutex
	requests []TransferRequest
	// failures maps a transfer id to the number of times it should still
	// fail before succeeding.
	failures map[string]int
	failAll  bool
}

func newRecordingTransferer() *recordingTransferer {
	return &recordingTransferer{failures: make(map[string]int)}
}

func (r *recordingTransferer) Transfer(_ context.Context, req TransferRequest) (TransferReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return TransferReceipt{}, errors.New("custody offline")
	}
	if remaining := r.failures[req.ID]; remaining > 0 {
		r.failures[req.ID] = remaining - 1
		return TransferReceipt{}, errors.New("custody timeout")
	}
	r.requests = append(r.requests, req)
	return TransferReceipt{ID: req.ID, Reference: "ref-" + req.ID}, nil
}

func (r *recordingTransferer) delivered() []TransferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TransferRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

type staticAuthorizer struct {
	allowed map[string]bool
	err     error
}

func (a staticAuthorizer) Authorize(_ context.Context, lender string) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return a.allowed[lender], nil
}

type mapPriceFeed struct {
	mu     sync.Mutex
	prices map[string]*uint256.Int
	err    error
}

func (f *mapPriceFeed) Valuation(_ context.Context, assetID string) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.prices[assetID]; ok {
		return v, nil
	}
	return nil, ErrNoPrice
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, event := range s.events {
		out[i] = event.Type
	}
	return out
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New("test-1", nativecommon.Denomination{Symbol: "USD"}, []catalog.Asset{
		{ID: "gem-a", Name: "Ruby", Category: "ruby", Valuation: uint256.NewInt(100_000), BaseRateBps: 800},
		{ID: "gem-b", Name: "Citrine", Category: "citrine", Valuation: uint256.NewInt(2_000), BaseRateBps: 800},
		{ID: "gem-c", Name: "Sapphire", Category: "sapphire", Valuation: uint256.NewInt(50_000), BaseRateBps: 750},
		{ID: "dust", Name: "Emerald dust", Category: "emerald", Kind: catalog.KindFungible, Supply: 10, Valuation: uint256.NewInt(1_000), BaseRateBps: 900},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return cat
}

type testHarness struct {
	engine     *Engine
	store      *MemoryStore
	clock      *fakeClock
	transferer *recordingTransferer
	sink       *recordingSink
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()
	h := &testHarness{
		store:      NewMemoryStore(),
		clock:      newFakeClock(),
		transferer: newRecordingTransferer(),
		sink:       &recordingSink{},
	}
	base := []Option{WithClock(h.clock.Now), WithEventSink(h.sink), WithEscrowAccount("escrow-1")}
	engine, err := NewEngine(testCatalog(t), h.store, h.transferer, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

func requestParams(principal uint64, refs ...CollateralRef) RequestParams {
	return RequestParams{
		Borrower:             "alice",
		Stablecoin:           "usdc",
		Principal:            uint256.NewInt(principal),
		InterestRateBps:      800,
		TermSeconds:          SecondsPerYear,
		InquiryWindowSeconds: 3600,
		Collateral:           refs,
	}
}

func one(assetID string) CollateralRef { return CollateralRef{AssetID: assetID, Quantity: 1} }

func (h *testHarness) mustRequest(t *testing.T, params RequestParams) *Loan {
	t.Helper()
	loan, err := h.engine.Request(context.Background(), params)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return loan
}

func (h *testHarness) mustFund(t *testing.T, loanID uint64, lender string) *Loan {
	t.Helper()
	loan, err := h.engine.Fund(context.Background(), loanID, lender)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return loan
}
