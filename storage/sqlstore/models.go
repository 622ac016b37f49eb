package sqlstore

import (
	"time"

	"gorm.io/gorm"
)

// LoanRecord persists the loan aggregate. Amounts are decimal strings of
// minimum units so both sqlite and postgres store them losslessly.
type LoanRecord struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement"`
	Borrower             string `gorm:"size:128;index"`
	Lender               string `gorm:"size:128;index"`
	Stablecoin           string `gorm:"size:16"`
	Principal            string `gorm:"size:80;not null"`
	InterestRateBps      uint64
	TermSeconds          uint64
	InquiryWindowSeconds uint64
	State                string `gorm:"size:16;index"`
	RequestedAt          time.Time
	FundedAt             *time.Time
	ClosedAt             *time.Time
	RepaidAmount         string             `gorm:"size:80"`
	Collateral           []CollateralRecord `gorm:"foreignKey:LoanID"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (LoanRecord) TableName() string { return "loans" }

// CollateralRecord is one item of a loan's ordered collateral list.
type CollateralRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	LoanID    uint64 `gorm:"index"`
	Position  int
	AssetID   string `gorm:"size:64;index"`
	Kind      string `gorm:"size:16"`
	Quantity  uint64
	Valuation string `gorm:"size:80"`
}

func (CollateralRecord) TableName() string { return "loan_collateral" }

// CollateralLock holds the units of an asset reserved by an open loan.
// Rows are deleted in the same transaction that closes the loan.
type CollateralLock struct {
	LoanID    uint64 `gorm:"primaryKey"`
	AssetID   string `gorm:"primaryKey;size:64;index"`
	Quantity  uint64
	CreatedAt time.Time
}

// AssetHolding is the number of units of an asset reserved by open loans.
// It is the row concurrent requests serialize on; CollateralLock keeps the
// per-loan breakdown.
type AssetHolding struct {
	AssetID   string `gorm:"primaryKey;size:64"`
	Locked    uint64 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// TransferLog records a completed custody transfer keyed by its
// deterministic transfer id.
type TransferLog struct {
	ID          string `gorm:"primaryKey;size:36"`
	LoanID      uint64 `gorm:"index"`
	Purpose     string `gorm:"size:16"`
	AssetID     string `gorm:"size:64"`
	Kind        string `gorm:"size:16"`
	Quantity    uint64
	FromAccount string `gorm:"size:128"`
	ToAccount   string `gorm:"size:128"`
	Reference   string `gorm:"size:128"`
	CompletedAt time.Time
}

// CustodyEntry is a book-entry custody movement.
type CustodyEntry struct {
	TransferID  string `gorm:"primaryKey;size:36"`
	LoanID      uint64 `gorm:"index"`
	AssetID     string `gorm:"size:64;index"`
	Quantity    uint64
	FromAccount string `gorm:"size:128;index"`
	ToAccount   string `gorm:"size:128;index"`
	CreatedAt   time.Time
}

// ChainSubmission is a signed on-chain custody transaction, recorded before
// broadcast so a retry awaits it instead of signing another.
type ChainSubmission struct {
	TransferID string `gorm:"primaryKey;size:36"`
	TxHash     string `gorm:"size:66;uniqueIndex"`
	RawTx      []byte
	Nonce      uint64
	CreatedAt  time.Time
}

// LenderAllowance is a runtime managed whitelist entry.
type LenderAllowance struct {
	Address   string `gorm:"primaryKey;size:128"`
	Allowed   bool
	UpdatedBy string `gorm:"size:128"`
	UpdatedAt time.Time
}

// StablecoinSetting toggles acceptance of a denomination.
type StablecoinSetting struct {
	Symbol    string `gorm:"primaryKey;size:16"`
	Enabled   bool
	UpdatedAt time.Time
}

// PauseSetting persists operator pauses across restarts.
type PauseSetting struct {
	Action    string `gorm:"primaryKey;size:32"`
	Paused    bool
	UpdatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Subject   string `gorm:"size:128"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LoanRecord{},
		&CollateralRecord{},
		&CollateralLock{},
		&AssetHolding{},
		&TransferLog{},
		&CustodyEntry{},
		&ChainSubmission{},
		&LenderAllowance{},
		&StablecoinSetting{},
		&PauseSetting{},
		&IdempotencyKey{},
	)
}
