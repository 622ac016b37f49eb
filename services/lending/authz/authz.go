// Package authz provides lending.LenderAuthorizer implementations.
package authz

import (
	"context"
	"errors"
	"strings"
	"time"

	"gemfi/native/lending"
)

const defaultTimeout = 2 * time.Second

// Static authorizes a fixed set of lender addresses.
type Static struct {
	allowed map[string]struct{}
}

var _ lending.LenderAuthorizer = (*Static)(nil)

func NewStatic(lenders ...string) *Static {
	s := &Static{allowed: make(map[string]struct{}, len(lenders))}
	for _, lender := range lenders {
		if key := normalize(lender); key != "" {
			s.allowed[key] = struct{}{}
		}
	}
	return s
}

func (s *Static) Authorize(_ context.Context, lender string) (bool, error) {
	_, ok := s.allowed[normalize(lender)]
	return ok, nil
}

// WhitelistStore is the persisted lender whitelist.
type WhitelistStore interface {
	LenderAllowed(ctx context.Context, address string) (bool, error)
}

// Store consults the persisted whitelist, bounding each lookup by a timeout.
type Store struct {
	store   WhitelistStore
	timeout time.Duration
}

var _ lending.LenderAuthorizer = (*Store)(nil)

func NewStore(store WhitelistStore, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{store: store, timeout: timeout}
}

func (s *Store) Authorize(ctx context.Context, lender string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.LenderAllowed(ctx, normalize(lender))
}

// Any authorizes a lender when at least one delegate does. Errors are only
// reported when no delegate approved.
type Any []lending.LenderAuthorizer

var _ lending.LenderAuthorizer = Any(nil)

func (a Any) Authorize(ctx context.Context, lender string) (bool, error) {
	var errs []error
	for _, delegate := range a {
		if delegate == nil {
			continue
		}
		ok, err := delegate.Authorize(ctx, lender)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// AllowAll authorizes every lender. Used when no whitelist is configured.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string) (bool, error) { return true, nil }

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
