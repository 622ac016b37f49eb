package lending

import (
	"time"

	"github.com/holiman/uint256"

	"gemfi/native/catalog"
	nativecommon "gemfi/native/common"
)

// State enumerates the lifecycle positions of a loan.
type State string

const (
	// StateRequested marks a loan that is still being assembled and has not
	// been committed to the store.
	StateRequested State = "requested"
	// StateInquiry is a committed request waiting for a lender within its
	// inquiry window.
	StateInquiry State = "inquiry"
	// StateActive is a funded loan accruing interest.
	StateActive State = "active"
	// StateRepaid is terminal: the borrower settled and collateral returned.
	StateRepaid State = "repaid"
	// StateLiquidated is terminal: collateral was handed to the lender.
	StateLiquidated State = "liquidated"
	// StateExpired is terminal: nobody funded the request in time.
	StateExpired State = "expired"
)

var transitions = map[State][]State{
	StateRequested: {StateInquiry},
	StateInquiry:   {StateActive, StateExpired},
	StateActive:    {StateRepaid, StateLiquidated},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateRepaid, StateLiquidated, StateExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateRequested, StateInquiry, StateActive, StateRepaid, StateLiquidated, StateExpired:
		return true
	default:
		return false
	}
}

// CollateralItem references a quantity of one catalog asset locked by a loan.
type CollateralItem struct {
	AssetID  string
	Kind     catalog.Kind
	Quantity uint64
	// Valuation is the per-unit catalog valuation captured at request time.
	Valuation *uint256.Int
}

// Value returns the request-time value of the whole item.
func (c CollateralItem) Value() *uint256.Int {
	return valueOf(c.Valuation, c.Quantity)
}

// Clone returns a deep copy of the collateral item.
func (c CollateralItem) Clone() CollateralItem {
	clone := c
	clone.Valuation = nativecommon.CloneAmount(c.Valuation)
	return clone
}

// Loan is the aggregate root of the lending domain.
type Loan struct {
	ID                   uint64
	Borrower             string
	Lender               string
	Stablecoin           string
	Principal            *uint256.Int
	InterestRateBps      uint64
	TermSeconds          uint64
	InquiryWindowSeconds uint64
	Collateral           []CollateralItem
	RequestedAt          time.Time
	// FundedAt is the zero time until a lender funds the loan.
	FundedAt time.Time
	// ClosedAt records when a terminal state was reached.
	ClosedAt time.Time
	// RepaidAmount is the settlement amount accepted by Repay.
	RepaidAmount *uint256.Int
	State        State
}

// Funded reports whether the loan has been funded.
func (l *Loan) Funded() bool {
	return l != nil && !l.FundedAt.IsZero()
}

// InquiryDeadline is the last instant at which the loan may be funded.
func (l *Loan) InquiryDeadline() time.Time {
	return l.RequestedAt.Add(time.Duration(l.InquiryWindowSeconds) * time.Second)
}

// Maturity returns fundedAt + term, or the zero time for unfunded loans.
func (l *Loan) Maturity() time.Time {
	if !l.Funded() {
		return time.Time{}
	}
	return l.FundedAt.Add(time.Duration(l.TermSeconds) * time.Second)
}

// CollateralValue sums the request-time value of every collateral item.
func (l *Loan) CollateralValue() *uint256.Int {
	total := new(uint256.Int)
	for _, item := range l.Collateral {
		total = addSaturating(total, item.Value())
	}
	return total
}

// Clone returns a deep copy so callers can never mutate engine owned state.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = nativecommon.CloneAmount(l.Principal)
	if l.RepaidAmount != nil {
		clone.RepaidAmount = new(uint256.Int).Set(l.RepaidAmount)
	}
	clone.Collateral = make([]CollateralItem, len(l.Collateral))
	for i, item := range l.Collateral {
		clone.Collateral[i] = item.Clone()
	}
	return &clone
}

// LoanFilter narrows List results. Zero values match everything.
type LoanFilter struct {
	Borrower string
	Lender   string
	States   []State
	Limit    int
}

// Matches reports whether loan satisfies the filter.
func (f LoanFilter) Matches(loan *Loan) bool {
	if loan == nil {
		return false
	}
	if f.Borrower != "" && loan.Borrower != f.Borrower {
		return false
	}
	if f.Lender != "" && loan.Lender != f.Lender {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if loan.State == s {
			return true
		}
	}
	return false
}
