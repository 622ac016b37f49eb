package lending

import (
	"context"
	"sync"
)

// PendingFunding is an in-flight Fund call. Cancel abandons it; the loan is
// left untouched unless the transition had already committed, in which case
// Result still reports the funded loan.
type PendingFunding struct {
	LoanID uint64
	Lender string

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	loan *Loan
	err  error
}

// FundAsync starts funding in the background and returns immediately.
func (e *Engine) FundAsync(ctx context.Context, loanID uint64, lender string) *PendingFunding {
	taskCtx, cancel := context.WithCancel(ctx)
	p := &PendingFunding{
		LoanID: loanID,
		Lender: lender,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer cancel()
		loan, err := e.Fund(taskCtx, loanID, lender)
		p.mu.Lock()
		p.loan, p.err = loan, err
		p.mu.Unlock()
	}()
	return p
}

// Done is closed once the funding attempt finished, successfully or not.
func (p *PendingFunding) Done() <-chan struct{} { return p.done }

// Cancel abandons the attempt. It is safe to call more than once.
func (p *PendingFunding) Cancel() { p.cancel() }

// Wait blocks until the attempt finished or ctx is done.
func (p *PendingFunding) Wait(ctx context.Context) (*Loan, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrFundingPending while the
// attempt is still running.
func (p *PendingFunding) Result() (*Loan, error) {
	select {
	case <-p.done:
	default:
		return nil, ErrFundingPending
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loan.Clone(), p.err
}
