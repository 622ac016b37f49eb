package ledger

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"gemfi/native/catalog"
	nativecommon "gemfi/native/common"
	"gemfi/native/lending"
)

var usdc = nativecommon.Denomination{Symbol: "USDC", Decimals: 6}

func fundedLoan() *lending.Loan {
	funded := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &lending.Loan{
		ID:              42,
		Borrower:        "alice",
		Lender:          "bob",
		Stablecoin:      "USDC",
		Principal:       uint256.NewInt(1_000_000_000),
		InterestRateBps: 800,
		TermSeconds:     lending.SecondsPerYear,
		Collateral: []lending.CollateralItem{
			{AssetID: "auragem-009", Kind: catalog.KindUnique, Quantity: 1, Valuation: uint256.NewInt(3_000_000_000)},
		},
		RequestedAt: funded.Add(-time.Hour),
		FundedAt:    funded,
		State:       lending.StateActive,
	}
}

func TestToReceiptRendersActiveLoan(t *testing.T) {
	loan := fundedLoan()
	now := loan.FundedAt.Add(lending.SecondsPerYear * time.Second)

	receipt, err := ToReceipt(loan, now, usdc)
	if err != nil {
		t.Fatalf("to receipt: %v", err)
	}
	if receipt.ReceiptID != "LOAN-000042-auragem-009" {
		t.Fatalf("unexpected receipt id %q", receipt.ReceiptID)
	}
	if receipt.LoanAmount != "1000.000000" {
		t.Fatalf("unexpected loan amount %q", receipt.LoanAmount)
	}
	if receipt.InterestRate != "8.00" {
		t.Fatalf("unexpected interest rate %q", receipt.InterestRate)
	}
	if receipt.AccruedInterest != "80.000000" || receipt.Outstanding != "1080.000000" {
		t.Fatalf("unexpected accrual %q / %q", receipt.AccruedInterest, receipt.Outstanding)
	}
	if !receipt.MaturityAt.Equal(now) {
		t.Fatalf("expected maturity %s, got %s", now, receipt.MaturityAt)
	}
	if receipt.Status != "active" {
		t.Fatalf("expected active status, got %q", receipt.Status)
	}
	if len(receipt.Collateral) != 1 || receipt.Collateral[0].Value != "3000.000000" {
		t.Fatalf("unexpected collateral lines %+v", receipt.Collateral)
	}
	if len(receipt.Digest) != 64 || !receipt.Verify() {
		t.Fatalf("digest does not verify: %q", receipt.Digest)
	}
}

func TestToReceiptIsDeterministic(t *testing.T) {
	loan := fundedLoan()
	now := loan.FundedAt.Add(90 * 24 * time.Hour)

	first, err := ToReceipt(loan, now, usdc)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := ToReceipt(loan.Clone(), now.In(time.FixedZone("CET", 3600)), usdc)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("receipts differ:\n%+v\n%+v", first, second)
	}

	later, err := ToReceipt(loan, now.Add(24*time.Hour), usdc)
	if err != nil {
		t.Fatalf("later: %v", err)
	}
	if later.Digest == first.Digest {
		t.Fatalf("digest must change with accrual")
	}
}

func TestToReceiptRejectsUnfundedLoan(t *testing.T) {
	loan := fundedLoan()
	loan.FundedAt = time.Time{}
	loan.Lender = ""
	loan.State = lending.StateInquiry
	if _, err := ToReceipt(loan, time.Now(), usdc); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded, got %v", err)
	}
	if _, err := ToReceipt(nil, time.Now(), usdc); err == nil {
		t.Fatalf("expected error for nil loan")
	}
}

func TestToReceiptClosedLoan(t *testing.T) {
	loan := fundedLoan()
	loan.State = lending.StateRepaid
	loan.ClosedAt = loan.FundedAt.Add(lending.SecondsPerYear * time.Second)
	loan.RepaidAmount = uint256.NewInt(1_080_000_000)

	receipt, err := ToReceipt(loan, loan.ClosedAt.Add(30*24*time.Hour), usdc)
	if err != nil {
		t.Fatalf("to receipt: %v", err)
	}
	if receipt.Outstanding != "0.000000" || receipt.AccruedInterest != "80.000000" {
		t.Fatalf("closed loan must freeze accrual, got %q / %q", receipt.AccruedInterest, receipt.Outstanding)
	}
	if receipt.RepaidAmount != "1080.000000" || receipt.ClosedAt == nil {
		t.Fatalf("expected settlement details, got %+v", receipt)
	}

	tampered := receipt
	tampered.Outstanding = "1.000000"
	if tampered.Verify() {
		t.Fatalf("tampered receipt must not verify")
	}
}

func TestParseReceiptID(t *testing.T) {
	cases := map[string]uint64{
		"LOAN-000042-gem-a": 42,
		"loan-000007-x":     7,
		"15":                15,
	}
	for raw, want := range cases {
		got, err := ParseReceiptID(raw)
		if err != nil || got != want {
			t.Fatalf("ParseReceiptID(%q) = %d, %v; want %d", raw, got, err, want)
		}
	}
	for _, raw := range []string{"", "0", "LOAN-abc", "RCPT-1"} {
		if _, err := ParseReceiptID(raw); !errors.Is(err, lending.ErrInvalidParameter) {
			t.Fatalf("ParseReceiptID(%q): expected invalid parameter, got %v", raw, err)
		}
	}
}
