// Package sqlstore persists lending state through gorm. Production runs on
// postgres; embedded deployments and tests use the pure Go sqlite driver.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gemfi/native/catalog"
	"gemfi/native/lending"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrUnsupportedDriver = errors.New("sqlstore: unsupported driver")

// Store implements lending.Store and the administrative settings consumed by
// the lending service.
type Store struct {
	db *gorm.DB
}

var _ lending.Store = (*Store)(nil)

// Open connects to the database selected by driver and migrates the schema.
// For sqlite the dsn is a file path or a "file:" URI.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: nil db")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateLoan(ctx context.Context, loan *lending.Loan, supply map[string]uint64) (*lending.Loan, error) {
	if loan == nil {
		return nil, fmt.Errorf("%w: nil loan", lending.ErrInvalidParameter)
	}
	record := toRecord(loan)
	record.ID = 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := reserveHoldings(tx, loan.Collateral, supply); err != nil {
			return err
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		locks := make([]CollateralLock, 0, len(loan.Collateral))
		for _, item := range loan.Collateral {
			locks = append(locks, CollateralLock{LoanID: record.ID, AssetID: item.AssetID, Quantity: item.Quantity})
		}
		if len(locks) == 0 {
			return nil
		}
		return tx.Create(&locks).Error
	})
	if err != nil {
		return nil, err
	}
	return fromRecord(record)
}

func (s *Store) UpdateLoan(ctx context.Context, loan *lending.Loan, expected lending.State) error {
	if loan == nil {
		return fmt.Errorf("%w: nil loan", lending.ErrInvalidParameter)
	}
	record := toRecord(loan)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&LoanRecord{}).
			Where("id = ? AND state = ?", loan.ID, string(expected)).
			Updates(map[string]any{
				"lender":        record.Lender,
				"state":         record.State,
				"funded_at":     record.FundedAt,
				"closed_at":     record.ClosedAt,
				"repaid_amount": record.RepaidAmount,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current LoanRecord
			if err := tx.Select("id", "state").First(&current, loan.ID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: loan %d", lending.ErrNotFound, loan.ID)
				}
				return err
			}
			return fmt.Errorf("%w: loan %d is %s", lending.ErrInvalidState, loan.ID, current.State)
		}
		if loan.State.Terminal() {
			return releaseHoldings(tx, loan.ID)
		}
		return nil
	})
}

// reserveHoldings adds the collateral quantities to the per-asset holding
// rows. Each row is changed by a single conditional UPDATE, so concurrent
// transactions from any number of processes serialize on the row and at most
// supply units are ever reserved. Assets are visited in id order to keep lock
// acquisition deadlock free.
func reserveHoldings(tx *gorm.DB, items []lending.CollateralItem, supply map[string]uint64) error {
	ordered := make([]lending.CollateralItem, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AssetID < ordered[j].AssetID })
	for _, item := range ordered {
		if err := tx.Clauses(onConflictDoNothing).Create(&AssetHolding{AssetID: item.AssetID}).Error; err != nil {
			return err
		}
		res := tx.Model(&AssetHolding{}).
			Where("asset_id = ? AND locked + ? <= ?", item.AssetID, item.Quantity, supply[item.AssetID]).
			Update("locked", gorm.Expr("locked + ?", item.Quantity))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", lending.ErrCollateralUnavailable, item.AssetID)
		}
	}
	return nil
}

func releaseHoldings(tx *gorm.DB, loanID uint64) error {
	var locks []CollateralLock
	if err := tx.Where("loan_id = ?", loanID).Order("asset_id").Find(&locks).Error; err != nil {
		return err
	}
	for _, lock := range locks {
		if err := tx.Model(&AssetHolding{}).
			Where("asset_id = ? AND locked >= ?", lock.AssetID, lock.Quantity).
			Update("locked", gorm.Expr("locked - ?", lock.Quantity)).Error; err != nil {
			return err
		}
	}
	return tx.Where("loan_id = ?", loanID).Delete(&CollateralLock{}).Error
}

func (s *Store) GetLoan(ctx context.Context, id uint64) (*lending.Loan, error) {
	var record LoanRecord
	err := s.db.WithContext(ctx).
		Preload("Collateral", orderByPosition).
		First(&record, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: loan %d", lending.ErrNotFound, id)
		}
		return nil, err
	}
	return fromRecord(record)
}

func (s *Store) ListLoans(ctx context.Context, filter lending.LoanFilter) ([]*lending.Loan, error) {
	query := s.db.WithContext(ctx).Preload("Collateral", orderByPosition).Order("id")
	if filter.Borrower != "" {
		query = query.Where("borrower = ?", filter.Borrower)
	}
	if filter.Lender != "" {
		query = query.Where("lender = ?", filter.Lender)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		query = query.Where("state IN ?", states)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var records []LoanRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]*lending.Loan, 0, len(records))
	for _, record := range records {
		loan, err := fromRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, loan)
	}
	return out, nil
}

func (s *Store) LockedQuantity(ctx context.Context, assetID string) (uint64, error) {
	var holding AssetHolding
	err := s.db.WithContext(ctx).First(&holding, "asset_id = ?", assetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return holding.Locked, err
}

func (s *Store) RecordTransfer(ctx context.Context, record lending.TransferRecord) error {
	row := TransferLog{
		ID:          record.ID,
		LoanID:      record.LoanID,
		Purpose:     string(record.Purpose),
		AssetID:     record.AssetID,
		Kind:        string(record.Kind),
		Quantity:    record.Quantity,
		FromAccount: record.From,
		ToAccount:   record.To,
		Reference:   record.Reference,
		CompletedAt: record.CompletedAt.UTC(),
	}
	return s.db.WithContext(ctx).Clauses(onConflictDoNothing).Create(&row).Error
}

func (s *Store) Transfers(ctx context.Context, loanID uint64) ([]lending.TransferRecord, error) {
	var rows []TransferLog
	if err := s.db.WithContext(ctx).Where("loan_id = ?", loanID).Order("completed_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]lending.TransferRecord, len(rows))
	for i, row := range rows {
		out[i] = lending.TransferRecord{
			TransferRequest: lending.TransferRequest{
				ID:       row.ID,
				LoanID:   row.LoanID,
				Purpose:  lending.TransferPurpose(row.Purpose),
				AssetID:  row.AssetID,
				Kind:     catalog.Kind(row.Kind),
				Quantity: row.Quantity,
				From:     row.FromAccount,
				To:       row.ToAccount,
			},
			Reference:   row.Reference,
			CompletedAt: row.CompletedAt,
		}
	}
	return out, nil
}

func orderByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position")
}

func toRecord(loan *lending.Loan) LoanRecord {
	record := LoanRecord{
		ID:                   loan.ID,
		Borrower:             loan.Borrower,
		Lender:               loan.Lender,
		Stablecoin:           loan.Stablecoin,
		Principal:            amountString(loan.Principal),
		InterestRateBps:      loan.InterestRateBps,
		TermSeconds:          loan.TermSeconds,
		InquiryWindowSeconds: loan.InquiryWindowSeconds,
		State:                string(loan.State),
		RequestedAt:          loan.RequestedAt.UTC(),
		FundedAt:             optionalTime(loan.FundedAt),
		ClosedAt:             optionalTime(loan.ClosedAt),
	}
	if loan.RepaidAmount != nil {
		record.RepaidAmount = loan.RepaidAmount.Dec()
	}
	record.Collateral = make([]CollateralRecord, len(loan.Collateral))
	for i, item := range loan.Collateral {
		record.Collateral[i] = CollateralRecord{
			Position:  i,
			AssetID:   item.AssetID,
			Kind:      string(item.Kind),
			Quantity:  item.Quantity,
			Valuation: amountString(item.Valuation),
		}
	}
	return record
}

func fromRecord(record LoanRecord) (*lending.Loan, error) {
	principal, err := parseAmount(record.Principal)
	if err != nil {
		return nil, fmt.Errorf("loan %d principal: %w", record.ID, err)
	}
	loan := &lending.Loan{
		ID:                   record.ID,
		Borrower:             record.Borrower,
		Lender:               record.Lender,
		Stablecoin:           record.Stablecoin,
		Principal:            principal,
		InterestRateBps:      record.InterestRateBps,
		TermSeconds:          record.TermSeconds,
		InquiryWindowSeconds: record.InquiryWindowSeconds,
		RequestedAt:          record.RequestedAt.UTC(),
		State:                lending.State(record.State),
	}
	if record.FundedAt != nil {
		loan.FundedAt = record.FundedAt.UTC()
	}
	if record.ClosedAt != nil {
		loan.ClosedAt = record.ClosedAt.UTC()
	}
	if record.RepaidAmount != "" {
		repaid, err := parseAmount(record.RepaidAmount)
		if err != nil {
			return nil, fmt.Errorf("loan %d repaid amount: %w", record.ID, err)
		}
		loan.RepaidAmount = repaid
	}
	loan.Collateral = make([]lending.CollateralItem, len(record.Collateral))
	for i, item := range record.Collateral {
		valuation, err := parseAmount(item.Valuation)
		if err != nil {
			return nil, fmt.Errorf("loan %d collateral %s: %w", record.ID, item.AssetID, err)
		}
		loan.Collateral[i] = lending.CollateralItem{
			AssetID:   item.AssetID,
			Kind:      catalog.Kind(item.Kind),
			Quantity:  item.Quantity,
			Valuation: valuation,
		}
	}
	return loan, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(s)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
