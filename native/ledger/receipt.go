// Package ledger projects loans into human facing receipts. Receipts are
// derived on demand and are never a source of truth.
package ledger

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	nativecommon "gemfi/native/common"
	"gemfi/native/lending"
)

var ErrNotFunded = lending.ErrNotFunded

// CollateralLine describes one collateral item on a receipt.
type CollateralLine struct {
	AssetID   string `json:"assetId"`
	Kind      string `json:"kind"`
	Quantity  uint64 `json:"quantity"`
	Valuation string `json:"valuation"`
	Value     string `json:"value"`
}

// Receipt is the rendering of a funded loan at a pinned instant. Amounts are
// decimal strings in the catalog denomination.
type Receipt struct {
	ReceiptID       string           `json:"receiptId"`
	LoanID          uint64           `json:"loanId"`
	Borrower        string           `json:"borrower"`
	Lender          string           `json:"lender"`
	Stablecoin      string           `json:"stablecoin"`
	Unit            string           `json:"unit"`
	LoanAmount      string           `json:"loanAmount"`
	InterestRate    string           `json:"interestRate"`
	InterestRateBps uint64           `json:"interestRateBps"`
	IssuedAt        time.Time        `json:"issuedAt"`
	MaturityAt      time.Time        `json:"maturityAt"`
	Status          string           `json:"status"`
	AccruedInterest string           `json:"accruedInterest"`
	Outstanding     string           `json:"outstanding"`
	RepaidAmount    string           `json:"repaidAmount,omitempty"`
	ClosedAt        *time.Time       `json:"closedAt,omitempty"`
	Collateral      []CollateralLine `json:"collateral"`
	AsOf            time.Time        `json:"asOf"`
	Digest          string           `json:"digest"`
}

// ReceiptID formats the stable receipt identifier of a loan.
func ReceiptID(loan *lending.Loan) string {
	asset := "NONE"
	if len(loan.Collateral) > 0 {
		asset = loan.Collateral[0].AssetID
	}
	return fmt.Sprintf("LOAN-%06d-%s", loan.ID, asset)
}

// ToReceipt renders loan as of now. The result depends only on its inputs:
// two calls with the same loan and instant yield identical receipts.
func ToReceipt(loan *lending.Loan, now time.Time, unit nativecommon.Denomination) (Receipt, error) {
	if loan == nil {
		return Receipt{}, errors.New("ledger: nil loan")
	}
	if !loan.Funded() {
		return Receipt{}, fmt.Errorf("%w: loan %d is %s", ErrNotFunded, loan.ID, loan.State)
	}
	now = now.UTC()
	accrued := loan.AccruedInterest(now)
	outstanding := loan.Obligation(now)
	if loan.State.Terminal() {
		outstanding = nativecommon.CloneAmount(nil)
	}
	receipt := Receipt{
		ReceiptID:       ReceiptID(loan),
		LoanID:          loan.ID,
		Borrower:        loan.Borrower,
		Lender:          loan.Lender,
		Stablecoin:      loan.Stablecoin,
		Unit:            unit.Symbol,
		LoanAmount:      unit.Format(loan.Principal),
		InterestRate:    decimal.New(int64(loan.InterestRateBps), -2).StringFixed(2),
		InterestRateBps: loan.InterestRateBps,
		IssuedAt:        loan.FundedAt.UTC(),
		MaturityAt:      loan.Maturity().UTC(),
		Status:          string(loan.State),
		AccruedInterest: unit.Format(accrued),
		Outstanding:     unit.Format(outstanding),
		AsOf:            now,
	}
	if loan.RepaidAmount != nil {
		receipt.RepaidAmount = unit.Format(loan.RepaidAmount)
	}
	if !loan.ClosedAt.IsZero() {
		closed := loan.ClosedAt.UTC()
		receipt.ClosedAt = &closed
	}
	receipt.Collateral = make([]CollateralLine, len(loan.Collateral))
	for i, item := range loan.Collateral {
		receipt.Collateral[i] = CollateralLine{
			AssetID:   item.AssetID,
			Kind:      string(item.Kind),
			Quantity:  item.Quantity,
			Valuation: unit.Format(item.Valuation),
			Value:     unit.Format(item.Value()),
		}
	}
	digest, err := receipt.computeDigest()
	if err != nil {
		return Receipt{}, err
	}
	receipt.Digest = digest
	return receipt, nil
}

// computeDigest hashes the canonical JSON encoding of the receipt with the
// digest field blanked.
func (r Receipt) computeDigest() (string, error) {
	r.Digest = ""
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("ledger: encode receipt: %w", err)
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest and reports whether the receipt is untampered.
func (r Receipt) Verify() bool {
	digest, err := r.computeDigest()
	return err == nil && digest == r.Digest
}

// ParseReceiptID extracts the loan id from a receipt identifier. A bare
// decimal loan id is accepted as well.
func ParseReceiptID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if id, err := strconv.ParseUint(trimmed, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	rest, ok := strings.CutPrefix(strings.ToUpper(trimmed), "LOAN-")
	if !ok {
		return 0, fmt.Errorf("%w: receipt id %q", lending.ErrInvalidParameter, raw)
	}
	digits, _, _ := strings.Cut(rest, "-")
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: receipt id %q", lending.ErrInvalidParameter, raw)
	}
	return id, nil
}
