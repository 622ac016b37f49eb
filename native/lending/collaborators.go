package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"gemfi/native/catalog"
)

// TransferPurpose labels why collateral leaves escrow.
type TransferPurpose string

const (
	PurposeRelease   TransferPurpose = "release"
	PurposeLiquidate TransferPurpose = "liquidate"
)

var transferNamespace = uuid.MustParse("6f1c7a52-3f0e-5d8b-9a47-2c1e5b7d9f30")

// TransferID derives the deterministic identifier of the index-th collateral
// transfer performed for purpose on a loan. Retries reuse the same id so
// custody adapters can deduplicate.
func TransferID(loanID uint64, purpose TransferPurpose, index int) string {
	name := fmt.Sprintf("gemfi/loan/%d/%s/%d", loanID, purpose, index)
	return uuid.NewSHA1(transferNamespace, []byte(name)).String()
}

// TransferRequest asks custody to move one collateral item.
type TransferRequest struct {
	ID       string
	LoanID   uint64
	Purpose  TransferPurpose
	AssetID  string
	Kind     catalog.Kind
	Quantity uint64
	From     string
	To       string
}

// TransferReceipt acknowledges a completed custody change.
type TransferReceipt struct {
	ID string
	// Reference is the custody specific handle, e.g. a transaction hash.
	Reference   string
	CompletedAt time.Time
}

// TransferRecord is the persisted trace of a completed transfer.
type TransferRecord struct {
	TransferRequest
	Reference   string
	CompletedAt time.Time
}

// CollateralTransferer performs the actual custody change for collateral.
// Implementations must treat TransferRequest.ID as an idempotency key.
type CollateralTransferer interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferReceipt, error)
}

// LenderAuthorizer decides whether a prospective lender may fund loans.
type LenderAuthorizer interface {
	Authorize(ctx context.Context, lender string) (bool, error)
}

// PriceFeed reports the current per-unit valuation of an asset in the
// catalog denomination.
type PriceFeed interface {
	Valuation(ctx context.Context, assetID string) (*uint256.Int, error)
}

// StablecoinRegistry answers whether a denomination is accepted for new
// loans.
type StablecoinRegistry interface {
	Accepts(ctx context.Context, symbol string) (bool, error)
}

// EventType names a lifecycle transition.
type EventType string

const (
	EventRequested  EventType = "loan.requested"
	EventFunded     EventType = "loan.funded"
	EventRepaid     EventType = "loan.repaid"
	EventLiquidated EventType = "loan.liquidated"
	EventExpired    EventType = "loan.expired"
)

// Event is emitted after a transition has been committed.
type Event struct {
	Type EventType
	At   time.Time
	Loan *Loan
}

// EventSink receives committed lifecycle events. Failures are logged and do
// not roll back the transition.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Metrics receives engine instrumentation.
type Metrics interface {
	ObserveTransition(from, to State)
	ObserveOperation(op string, elapsed time.Duration, err error)
	ObserveCollaboratorFailure(collaborator string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(State, State)                {}
func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) ObserveCollaboratorFailure(string)             {}
