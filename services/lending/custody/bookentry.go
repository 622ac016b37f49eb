// Package custody moves pledged collateral between accounts on behalf of the
// lending engine.
package custody

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gemfi/native/lending"
	"gemfi/storage/sqlstore"
)

// Ledger persists book-entry movements. sqlstore.Store satisfies it.
type Ledger interface {
	RecordCustodyEntry(ctx context.Context, entry sqlstore.CustodyEntry) (bool, error)
	FindCustodyEntry(ctx context.Context, transferID string) (sqlstore.CustodyEntry, error)
}

// BookEntry records collateral movements in the custody ledger without
// touching a chain. Replaying a transfer id returns the original receipt.
type BookEntry struct {
	ledger Ledger
	now    func() time.Time
}

var _ lending.CollateralTransferer = (*BookEntry)(nil)

func NewBookEntry(ledger Ledger) *BookEntry {
	return &BookEntry{ledger: ledger, now: func() time.Time { return time.Now().UTC() }}
}

func (b *BookEntry) Transfer(ctx context.Context, req lending.TransferRequest) (lending.TransferReceipt, error) {
	if err := validateRequest(req); err != nil {
		return lending.TransferReceipt{}, err
	}
	entry := sqlstore.CustodyEntry{
		TransferID:  req.ID,
		LoanID:      req.LoanID,
		AssetID:     req.AssetID,
		Quantity:    req.Quantity,
		FromAccount: req.From,
		ToAccount:   req.To,
		CreatedAt:   b.now(),
	}
	created, err := b.ledger.RecordCustodyEntry(ctx, entry)
	if err != nil {
		return lending.TransferReceipt{}, fmt.Errorf("custody: record %s: %w", req.ID, err)
	}
	if !created {
		entry, err = b.ledger.FindCustodyEntry(ctx, req.ID)
		if err != nil {
			return lending.TransferReceipt{}, fmt.Errorf("custody: load %s: %w", req.ID, err)
		}
		if entry.AssetID != req.AssetID || entry.ToAccount != req.To || entry.Quantity != req.Quantity {
			return lending.TransferReceipt{}, fmt.Errorf("custody: transfer %s replayed with different parameters", req.ID)
		}
	}
	return lending.TransferReceipt{
		ID:          req.ID,
		Reference:   "book:" + entry.TransferID,
		CompletedAt: entry.CreatedAt,
	}, nil
}

func validateRequest(req lending.TransferRequest) error {
	switch {
	case strings.TrimSpace(req.ID) == "":
		return fmt.Errorf("custody: transfer id required")
	case strings.TrimSpace(req.AssetID) == "":
		return fmt.Errorf("custody: asset required")
	case req.Quantity == 0:
		return fmt.Errorf("custody: quantity must be positive")
	case strings.TrimSpace(req.To) == "":
		return fmt.Errorf("custody: destination required")
	}
	return nil
}
