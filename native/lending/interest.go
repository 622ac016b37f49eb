package lending

import (
	"time"

	"github.com/holiman/uint256"
)

// accrualEnd caps accrual at the moment the loan closed so terminal loans
// report a frozen obligation.
func (l *Loan) accrualEnd(now time.Time) time.Time {
	if !l.ClosedAt.IsZero() && l.ClosedAt.Before(now) {
		return l.ClosedAt
	}
	return now
}

// AccruedInterest returns the simple interest owed at now. Unfunded loans
// accrue nothing.
func (l *Loan) AccruedInterest(now time.Time) *uint256.Int {
	if !l.Funded() {
		return new(uint256.Int)
	}
	return AccruedInterest(l.Principal, l.InterestRateBps, l.accrualEnd(now).Sub(l.FundedAt))
}

// Obligation is principal plus accrued interest at now.
func (l *Loan) Obligation(now time.Time) *uint256.Int {
	return addSaturating(l.Principal, l.AccruedInterest(now))
}
