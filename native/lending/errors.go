package lending

import (
	"errors"
	"fmt"

	"gemfi/native/catalog"
	nativecommon "gemfi/native/common"
)

var (
	ErrNotFound                = errors.New("lending: not found")
	ErrInvalidQuantity         = errors.New("lending: quantity must be positive")
	ErrInsufficientCollateral  = errors.New("lending: principal exceeds maximum loan amount")
	ErrCollateralUnavailable   = errors.New("lending: collateral locked by another loan")
	ErrInquiryExpired          = errors.New("lending: inquiry window elapsed")
	ErrInvalidState            = errors.New("lending: illegal state transition")
	ErrNotLiquidatable         = errors.New("lending: loan not eligible for liquidation")
	ErrNotFunded               = errors.New("lending: loan not funded")
	ErrInvalidParameter        = errors.New("lending: invalid parameter")
	ErrUnsupportedDenomination = errors.New("lending: stablecoin not accepted")
	ErrLenderNotAuthorized     = errors.New("lending: lender not authorized")
	ErrInsufficientRepayment   = errors.New("lending: repayment below outstanding obligation")
	// ErrCollaborator marks failures of an external boundary (custody,
	// authorization, price feed, store). The loan is left untouched and the
	// call may be retried.
	ErrCollaborator = errors.New("lending: collaborator failure")
	ErrPaused       = nativecommon.ErrModulePaused
	// ErrNoPrice is returned by a PriceFeed that has no quote for an asset.
	// The engine then values the asset at its request-time valuation.
	ErrNoPrice = errors.New("lending: no price for asset")
	// ErrFundingPending is returned by PendingFunding.Result before the
	// attempt finished.
	ErrFundingPending = errors.New("lending: funding still pending")
)

// Error decorates a lending failure with the operation and loan it concerns.
// Kind is always one of the package sentinels so callers branch with
// errors.Is; Err carries the underlying cause when there is one.
type Error struct {
	Op     string
	LoanID uint64
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		if e.LoanID != 0 {
			msg = fmt.Sprintf("%s loan %d: %s", e.Op, e.LoanID, msg)
		} else {
			msg = fmt.Sprintf("%s: %s", e.Op, msg)
		}
	}
	if e.Err != nil && !errors.Is(e.Err, e.Kind) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, loanID uint64, kind error, cause error) error {
	return &Error{Op: op, LoanID: loanID, Kind: kind, Err: cause}
}

func collaboratorError(op string, loanID uint64, cause error) error {
	return opError(op, loanID, ErrCollaborator, cause)
}

// IsRetryable reports whether err stems from a collaborator failure that left
// loan state untouched.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCollaborator)
}

// IsBusinessRule reports whether err is a rejection by a lifecycle rule that
// must not be retried unchanged.
func IsBusinessRule(err error) bool {
	if err == nil || IsRetryable(err) {
		return false
	}
	for _, kind := range []error{
		ErrNotFound,
		ErrInvalidQuantity,
		ErrInsufficientCollateral,
		ErrCollateralUnavailable,
		ErrInquiryExpired,
		ErrInvalidState,
		ErrNotLiquidatable,
		ErrNotFunded,
		ErrInvalidParameter,
		ErrUnsupportedDenomination,
		ErrLenderNotAuthorized,
		ErrInsufficientRepayment,
		ErrPaused,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func catalogError(op string, err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return opError(op, 0, ErrNotFound, err)
	}
	return opError(op, 0, ErrInvalidParameter, err)
}
