package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"gemfi/native/lending"
)

func testEvent(id uint64, typ lending.EventType, state lending.State) lending.Event {
	return lending.Event{
		Type: typ,
		At:   time.Date(2025, 1, 1, 0, 0, int(id), 0, time.UTC),
		Loan: &lending.Loan{ID: id, Borrower: "alice", Principal: uint256.NewInt(1_000), State: state},
	}
}

func TestJournalAppendAndReplay(t *testing.T) {
	j, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		if err := j.Publish(ctx, testEvent(i, lending.EventRequested, lending.StateInquiry)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if head := j.Head(); head != 3 {
		t.Fatalf("expected head 3, got %d", head)
	}
	entries, err := j.Since(1, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 2 || entries[1].LoanID != 3 {
		t.Fatalf("unexpected replay %+v", entries)
	}
	if entries[0].Amount != "1000" || entries[0].Type != string(lending.EventRequested) {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	limited, err := j.Since(0, 1)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(limited) != 1 || limited[0].Seq != 1 {
		t.Fatalf("expected first entry only, got %+v", limited)
	}
}

func TestJournalPersistsHeadAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Publish(context.Background(), testEvent(1, lending.EventFunded, lending.StateActive)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := j.Append(Entry{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	seq, err := reopened.Append(Entry{Type: "loan.repaid", LoanID: 1})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected sequence to continue at 2, got %d", seq)
	}
}

func TestJournalNotify(t *testing.T) {
	j, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	ch := make(chan Entry, 1)
	j.Notify(ch)
	if err := j.Publish(context.Background(), testEvent(9, lending.EventExpired, lending.StateExpired)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// A full channel must not block the writer.
	if err := j.Publish(context.Background(), testEvent(10, lending.EventExpired, lending.StateExpired)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := <-ch
	if got.LoanID != 9 || got.State != string(lending.StateExpired) {
		t.Fatalf("unexpected notification %+v", got)
	}
	if err := j.Publish(context.Background(), lending.Event{Type: lending.EventFunded}); err == nil {
		t.Fatalf("expected error for event without loan")
	}
}
