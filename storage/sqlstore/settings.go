package sqlstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var onConflictDoNothing = clause.OnConflict{DoNothing: true}

func upsertColumns(key string, columns ...string) clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: key}},
		DoUpdates: clause.AssignmentColumns(columns),
	}
}

// SetLender adds or revokes a lender on the persisted whitelist.
func (s *Store) SetLender(ctx context.Context, address string, allowed bool, actor string) error {
	row := LenderAllowance{
		Address:   normalizeAddress(address),
		Allowed:   allowed,
		UpdatedBy: actor,
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(upsertColumns("address", "allowed", "updated_by", "updated_at")).
		Create(&row).Error
}

// LenderAllowed reports whether address is whitelisted. Unknown addresses are
// not allowed.
func (s *Store) LenderAllowed(ctx context.Context, address string) (bool, error) {
	var row LenderAllowance
	err := s.db.WithContext(ctx).First(&row, "address = ?", normalizeAddress(address)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Allowed, nil
}

// Lenders lists the whitelist entries ordered by address.
func (s *Store) Lenders(ctx context.Context) ([]LenderAllowance, error) {
	var rows []LenderAllowance
	err := s.db.WithContext(ctx).Order("address").Find(&rows).Error
	return rows, err
}

// SetStablecoin enables or disables a denomination for new loans.
func (s *Store) SetStablecoin(ctx context.Context, symbol string, enabled bool) error {
	row := StablecoinSetting{
		Symbol:    normalizeSymbol(symbol),
		Enabled:   enabled,
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(upsertColumns("symbol", "enabled", "updated_at")).
		Create(&row).Error
}

// Stablecoin returns the persisted flag for symbol. found is false when no
// operator override exists.
func (s *Store) Stablecoin(ctx context.Context, symbol string) (enabled, found bool, err error) {
	var row StablecoinSetting
	err = s.db.WithContext(ctx).First(&row, "symbol = ?", normalizeSymbol(symbol)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return row.Enabled, true, nil
}

// Stablecoins returns every persisted override.
func (s *Store) Stablecoins(ctx context.Context) (map[string]bool, error) {
	var rows []StablecoinSetting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[row.Symbol] = row.Enabled
	}
	return out, nil
}

// SetPause persists an operator pause switch.
func (s *Store) SetPause(ctx context.Context, action string, paused bool) error {
	row := PauseSetting{
		Action:    strings.ToLower(strings.TrimSpace(action)),
		Paused:    paused,
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(upsertColumns("action", "paused", "updated_at")).
		Create(&row).Error
}

// PausedActions returns the actions currently paused.
func (s *Store) PausedActions(ctx context.Context) ([]string, error) {
	var rows []PauseSetting
	if err := s.db.WithContext(ctx).Where("paused = ?", true).Order("action").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.Action
	}
	return out, nil
}

// RecordCustodyEntry appends a book-entry movement. created is false when
// an entry with the same transfer id already exists.
func (s *Store) RecordCustodyEntry(ctx context.Context, entry CustodyEntry) (created bool, err error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Clauses(onConflictDoNothing).Create(&entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindCustodyEntry loads a book-entry movement by transfer id.
func (s *Store) FindCustodyEntry(ctx context.Context, transferID string) (CustodyEntry, error) {
	var entry CustodyEntry
	err := s.db.WithContext(ctx).First(&entry, "transfer_id = ?", transferID).Error
	return entry, err
}

// CustodyEntries lists movements for a loan in creation order.
func (s *Store) CustodyEntries(ctx context.Context, loanID uint64) ([]CustodyEntry, error) {
	var entries []CustodyEntry
	err := s.db.WithContext(ctx).Where("loan_id = ?", loanID).Order("created_at, transfer_id").Find(&entries).Error
	return entries, err
}

// RecordSubmission stores a signed transaction for a transfer id. created is
// false when one was already recorded; the caller must then await that one.
func (s *Store) RecordSubmission(ctx context.Context, sub ChainSubmission) (created bool, err error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Clauses(onConflictDoNothing).Create(&sub)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindSubmission loads the signed transaction recorded for transferID.
func (s *Store) FindSubmission(ctx context.Context, transferID string) (ChainSubmission, bool, error) {
	var sub ChainSubmission
	err := s.db.WithContext(ctx).First(&sub, "transfer_id = ?", transferID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChainSubmission{}, false, nil
	}
	if err != nil {
		return ChainSubmission{}, false, err
	}
	return sub, true, nil
}

// ClearSubmission forgets a transaction that reverted so the transfer can be
// signed again.
func (s *Store) ClearSubmission(ctx context.Context, transferID string) error {
	return s.db.WithContext(ctx).Delete(&ChainSubmission{}, "transfer_id = ?", transferID).Error
}

// LookupIdempotency returns the stored response for key, if any.
func (s *Store) LookupIdempotency(ctx context.Context, key string) (IdempotencyKey, bool, error) {
	var record IdempotencyKey
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return IdempotencyKey{}, false, nil
	}
	if err != nil {
		return IdempotencyKey{}, false, err
	}
	return record, true, nil
}

// SaveIdempotency stores a response. The first writer for a key wins.
func (s *Store) SaveIdempotency(ctx context.Context, record IdempotencyKey) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(onConflictDoNothing).Create(&record).Error
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
