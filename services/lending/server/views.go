package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"gemfi/native/catalog"
	nativecommon "gemfi/native/common"
	"gemfi/native/lending"
)

const maxBodyBytes = 1 << 20

type assetView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Cut         string `json:"cut,omitempty"`
	Color       string `json:"color,omitempty"`
	Kind        string `json:"kind"`
	Supply      uint64 `json:"supply"`
	Valuation   string `json:"valuation"`
	BaseRateBps uint64 `json:"baseRateBps"`
	Unit        string `json:"unit"`
}

func toAssetView(a catalog.Asset, unit nativecommon.Denomination) assetView {
	return assetView{
		ID:          a.ID,
		Name:        a.Name,
		Category:    a.Category,
		Cut:         a.Cut,
		Color:       a.Color,
		Kind:        string(a.Kind),
		Supply:      a.Supply,
		Valuation:   unit.Format(a.Valuation),
		BaseRateBps: a.BaseRateBps,
		Unit:        unit.Symbol,
	}
}

type termsView struct {
	AssetID                 string `json:"assetId"`
	Quantity                int64  `json:"quantity"`
	CollateralValue         string `json:"collateralValue"`
	MaxLoan                 string `json:"maxLoan"`
	LiquidationThreshold    string `json:"liquidationThreshold"`
	MaxLTVBps               uint64 `json:"maxLtvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	BaseRateBps             uint64 `json:"baseRateBps"`
	Unit                    string `json:"unit"`
}

type collateralView struct {
	AssetID   string `json:"assetId"`
	Kind      string `json:"kind"`
	Quantity  uint64 `json:"quantity"`
	Valuation string `json:"valuation"`
}

type loanView struct {
	ID                   uint64           `json:"id"`
	Borrower             string           `json:"borrower"`
	Lender               string           `json:"lender,omitempty"`
	Stablecoin           string           `json:"stablecoin"`
	Principal            string           `json:"principal"`
	InterestRateBps      uint64           `json:"interestRateBps"`
	TermSeconds          uint64           `json:"termSeconds"`
	InquiryWindowSeconds uint64           `json:"inquiryWindowSeconds"`
	Collateral           []collateralView `json:"collateral"`
	CollateralValue      string           `json:"collateralValue"`
	State                string           `json:"state"`
	RequestedAt          time.Time        `json:"requestedAt"`
	InquiryDeadline      time.Time        `json:"inquiryDeadline"`
	FundedAt             *time.Time       `json:"fundedAt,omitempty"`
	MaturityAt           *time.Time       `json:"maturityAt,omitempty"`
	ClosedAt             *time.Time       `json:"closedAt,omitempty"`
	RepaidAmount         string           `json:"repaidAmount,omitempty"`
	AccruedInterest      string           `json:"accruedInterest,omitempty"`
	Obligation           string           `json:"obligation,omitempty"`
	Unit                 string           `json:"unit"`
}

func toLoanView(loan *lending.Loan, now time.Time, unit nativecommon.Denomination) loanView {
	view := loanView{
		ID:                   loan.ID,
		Borrower:             loan.Borrower,
		Lender:               loan.Lender,
		Stablecoin:           loan.Stablecoin,
		Principal:            unit.Format(loan.Principal),
		InterestRateBps:      loan.InterestRateBps,
		TermSeconds:          loan.TermSeconds,
		InquiryWindowSeconds: loan.InquiryWindowSeconds,
		Collateral:           make([]collateralView, 0, len(loan.Collateral)),
		CollateralValue:      unit.Format(loan.CollateralValue()),
		State:                string(loan.State),
		RequestedAt:          loan.RequestedAt.UTC(),
		InquiryDeadline:      loan.InquiryDeadline().UTC(),
		FundedAt:             optionalTime(loan.FundedAt),
		MaturityAt:           optionalTime(loan.Maturity()),
		ClosedAt:             optionalTime(loan.ClosedAt),
		Unit:                 unit.Symbol,
	}
	for _, item := range loan.Collateral {
		view.Collateral = append(view.Collateral, collateralView{
			AssetID:   item.AssetID,
			Kind:      string(item.Kind),
			Quantity:  item.Quantity,
			Valuation: unit.Format(item.Valuation),
		})
	}
	if loan.RepaidAmount != nil {
		view.RepaidAmount = unit.Format(loan.RepaidAmount)
	}
	if loan.State == lending.StateActive {
		view.AccruedInterest = unit.Format(loan.AccruedInterest(now))
		view.Obligation = unit.Format(loan.Obligation(now))
	}
	return view
}

type verdictView struct {
	LoanID          uint64    `json:"loanId"`
	Liquidatable    bool      `json:"liquidatable"`
	Matured         bool      `json:"matured"`
	Eligible        bool      `json:"eligible"`
	Ratio           string    `json:"ratio"`
	Obligation      string    `json:"obligation"`
	CollateralValue string    `json:"collateralValue"`
	Threshold       string    `json:"threshold"`
	AsOf            time.Time `json:"asOf"`
}

func toVerdictView(v lending.LiquidationVerdict, unit nativecommon.Denomination) verdictView {
	return verdictView{
		LoanID:          v.LoanID,
		Liquidatable:    v.Liquidatable,
		Matured:         v.Matured,
		Eligible:        v.Eligible(),
		Ratio:           v.Ratio.String(),
		Obligation:      unit.Format(v.Obligation),
		CollateralValue: unit.Format(v.CollateralValue),
		Threshold:       unit.Format(v.Threshold),
		AsOf:            v.AsOf.UTC(),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func loanIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("invalid loan id %q", raw)
	}
	return id, nil
}

func parseAmount(unit nativecommon.Denomination, field, raw string) (*uint256.Int, error) {
	amount, err := unit.Parse(raw)
	if err != nil {
		return nil, badRequest("%s: %v", field, err)
	}
	return amount, nil
}

// parseValuations reads repeated valuation=<asset>:<amount> query values.
func parseValuations(unit nativecommon.Denomination, values []string) (map[string]*uint256.Int, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]*uint256.Int, len(values))
	for _, raw := range values {
		assetID, amount, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(assetID) == "" {
			return nil, badRequest("valuation %q must be <asset>:<amount>", raw)
		}
		parsed, err := parseAmount(unit, "valuation "+assetID, amount)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSpace(assetID)] = parsed
	}
	return out, nil
}

func parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: invalid limit %q", lending.ErrInvalidParameter, raw)
	}
	return limit, nil
}
