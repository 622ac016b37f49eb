package lending

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists loans, their collateral locks and completed custody
// transfers. Implementations must make CreateLoan and UpdateLoan atomic:
// a loan record and its collateral locks are written or removed together.
type Store interface {
	// CreateLoan assigns the next monotonic id, records the loan and locks
	// its collateral. supply maps each referenced asset to the number of
	// units that may be locked at once; exceeding it fails with
	// ErrCollateralUnavailable and nothing is written.
	CreateLoan(ctx context.Context, loan *Loan, supply map[string]uint64) (*Loan, error)
	// UpdateLoan overwrites the loan provided its persisted state still
	// equals expected, failing with ErrInvalidState otherwise. Collateral
	// locks are released when the new state is terminal.
	UpdateLoan(ctx context.Context, loan *Loan, expected State) error
	GetLoan(ctx context.Context, id uint64) (*Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]*Loan, error)
	// LockedQuantity reports the units of an asset held by open loans.
	LockedQuantity(ctx context.Context, assetID string) (uint64, error)
	RecordTransfer(ctx context.Context, record TransferRecord) error
	Transfers(ctx context.Context, loanID uint64) ([]TransferRecord, error)
}

// MemoryStore is a process local Store used by tests and development
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    uint64
	loans     map[uint64]*Loan
	locked    map[string]uint64
	transfers map[uint64][]TransferRecord
}

// NewMemoryStore returns an empty store whose first loan id is 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:    1,
		loans:     make(map[uint64]*Loan),
		locked:    make(map[string]uint64),
		transfers: make(map[uint64][]TransferRecord),
	}
}

func (s *MemoryStore) CreateLoan(_ context.Context, loan *Loan, supply map[string]uint64) (*Loan, error) {
	if loan == nil {
		return nil, fmt.Errorf("%w: nil loan", ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range loan.Collateral {
		if s.locked[item.AssetID]+item.Quantity > supply[item.AssetID] {
			return nil, fmt.Errorf("%w: %s", ErrCollateralUnavailable, item.AssetID)
		}
	}
	stored := loan.Clone()
	stored.ID = s.nextID
	s.nextID++
	for _, item := range stored.Collateral {
		s.locked[item.AssetID] += item.Quantity
	}
	s.loans[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) UpdateLoan(_ context.Context, loan *Loan, expected State) error {
	if loan == nil {
		return fmt.Errorf("%w: nil loan", ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.loans[loan.ID]
	if !ok {
		return fmt.Errorf("%w: loan %d", ErrNotFound, loan.ID)
	}
	if current.State != expected {
		return fmt.Errorf("%w: loan %d is %s", ErrInvalidState, loan.ID, current.State)
	}
	if loan.State.Terminal() && !current.State.Terminal() {
		for _, item := range current.Collateral {
			remaining := s.locked[item.AssetID] - item.Quantity
			if remaining == 0 {
				delete(s.locked, item.AssetID)
			} else {
				s.locked[item.AssetID] = remaining
			}
		}
	}
	s.loans[loan.ID] = loan.Clone()
	return nil
}

func (s *MemoryStore) GetLoan(_ context.Context, id uint64) (*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loan, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("%w: loan %d", ErrNotFound, id)
	}
	return loan.Clone(), nil
}

func (s *MemoryStore) ListLoans(_ context.Context, filter LoanFilter) ([]*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.loans))
	for id := range s.loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Loan, 0, len(ids))
	for _, id := range ids {
		loan := s.loans[id]
		if !filter.Matches(loan) {
			continue
		}
		out = append(out, loan.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LockedQuantity(_ context.Context, assetID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked[assetID], nil
}

func (s *MemoryStore) RecordTransfer(_ context.Context, record TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transfers[record.LoanID] {
		if existing.ID == record.ID {
			return nil
		}
	}
	s.transfers[record.LoanID] = append(s.transfers[record.LoanID], record)
	return nil
}

func (s *MemoryStore) Transfers(_ context.Context, loanID uint64) ([]TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.transfers[loanID]
	out := make([]TransferRecord, len(records))
	copy(out, records)
	return out, nil
}
