package authz

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeWhitelist struct {
	allowed map[string]bool
	err     error
	block   bool
}

func (f *fakeWhitelist) LenderAllowed(ctx context.Context, address string) (bool, error) {
	if f.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if f.err != nil {
		return false, f.err
	}
	return f.allowed[address], nil
}

func TestStaticNormalizesAddresses(t *testing.T) {
	s := NewStatic(" 0xABC ", "")
	ok, err := s.Authorize(context.Background(), "0xabc")
	if err != nil || !ok {
		t.Fatalf("expected lender to be authorized, got %v %v", ok, err)
	}
	if ok, _ := s.Authorize(context.Background(), "0xdef"); ok {
		t.Fatalf("expected unknown lender to be rejected")
	}
}

func TestStoreTimesOut(t *testing.T) {
	s := NewStore(&fakeWhitelist{block: true}, 10*time.Millisecond)
	_, err := s.Authorize(context.Background(), "0xabc")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAnyPrefersApproval(t *testing.T) {
	failing := NewStore(&fakeWhitelist{err: errors.New("db down")}, time.Second)
	approving := NewStatic("lender-1")

	ok, err := Any{failing, approving}.Authorize(context.Background(), "LENDER-1")
	if err != nil || !ok {
		t.Fatalf("expected approval despite failing delegate, got %v %v", ok, err)
	}

	ok, err = Any{failing, approving}.Authorize(context.Background(), "lender-2")
	if ok || err == nil {
		t.Fatalf("expected denial with the delegate error, got %v %v", ok, err)
	}

	ok, err = Any{NewStatic()}.Authorize(context.Background(), "lender-2")
	if ok || err != nil {
		t.Fatalf("expected a clean denial, got %v %v", ok, err)
	}
}

func TestAllowAll(t *testing.T) {
	if ok, err := (AllowAll{}).Authorize(context.Background(), "anyone"); !ok || err != nil {
		t.Fatalf("expected allow, got %v %v", ok, err)
	}
}
