package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gemfi/native/ledger"
)

func sampleReceipt() ledger.Receipt {
	return ledger.Receipt{
		ReceiptID:    "LOAN-000001-gem-a",
		LoanID:       1,
		Borrower:     "alice",
		Lender:       "lender-1",
		Stablecoin:   "USDC",
		Unit:         "USDC",
		LoanAmount:   "700.000000",
		InterestRate: "8.00",
		IssuedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaturityAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:       "active",
		Collateral:   []ledger.CollateralLine{{AssetID: "gem-a", Kind: "unique", Quantity: 1, Value: "1000.000000"}},
	}
}

func TestAskSendsReceiptContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer key")
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[0].Content, "LOAN-000001-gem-a") {
			t.Errorf("unexpected prompt %+v", req.Messages)
		}
		if req.Messages[1].Content != "When is it due?" || req.Model != "small" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" On 2026-01-01. "}}]}`))
	}))
	defer srv.Close()

	client := New(Config{Endpoint: srv.URL, APIKey: "key", Model: "small"})
	answer, err := client.Ask(context.Background(), sampleReceipt(), "  When is it due? ")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer != "On 2026-01-01." {
		t.Fatalf("unexpected answer %q", answer)
	}
}

func TestAskErrors(t *testing.T) {
	var disabled *Client = New(Config{})
	if _, err := disabled.Ask(context.Background(), sampleReceipt(), "hi"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	client := New(Config{Endpoint: srv.URL})
	if _, err := client.Ask(context.Background(), sampleReceipt(), " "); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("expected ErrEmptyQuestion, got %v", err)
	}
	if _, err := client.Ask(context.Background(), sampleReceipt(), "hi"); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected upstream status in error, got %v", err)
	}
}
