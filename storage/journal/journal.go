// Package journal keeps an append-only audit trail of committed loan
// lifecycle events in LevelDB.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"gemfi/native/lending"
)

var (
	entryPrefix = []byte("evt/")
	headKey     = []byte("meta/head")

	ErrClosed = errors.New("journal: closed")
)

// Entry is the persisted form of a lifecycle event.
type Entry struct {
	Seq      uint64    `json:"seq"`
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
	LoanID   uint64    `json:"loanId"`
	State    string    `json:"state"`
	Borrower string    `json:"borrower"`
	Lender   string    `json:"lender,omitempty"`
	Amount   string    `json:"principal"`
}

// Journal is a lending.EventSink backed by LevelDB. Sequence numbers are
// dense and start at 1.
type Journal struct {
	mu     sync.Mutex
	db     *leveldb.DB
	head   uint64
	closed bool
	notify []chan<- Entry
}

var _ lending.EventSink = (*Journal)(nil)

// Open creates or opens a journal at path.
func Open(path string) (*Journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return newJournal(db)
}

// OpenMemory returns a journal that lives only in memory.
func OpenMemory() (*Journal, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newJournal(db)
}

func newJournal(db *leveldb.DB) (*Journal, error) {
	j := &Journal{db: db}
	raw, err := db.Get(headKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, err
	default:
		if len(raw) != 8 {
			_ = db.Close()
			return nil, fmt.Errorf("journal: corrupt head marker")
		}
		j.head = binary.BigEndian.Uint64(raw)
	}
	return j, nil
}

// Publish appends the event. It satisfies lending.EventSink.
func (j *Journal) Publish(_ context.Context, event lending.Event) error {
	if event.Loan == nil {
		return errors.New("journal: event without loan")
	}
	entry := Entry{
		Type:     string(event.Type),
		At:       event.At.UTC(),
		LoanID:   event.Loan.ID,
		State:    string(event.Loan.State),
		Borrower: event.Loan.Borrower,
		Lender:   event.Loan.Lender,
	}
	if event.Loan.Principal != nil {
		entry.Amount = event.Loan.Principal.Dec()
	}
	_, err := j.Append(entry)
	return err
}

// Append assigns the next sequence number and persists entry atomically with
// the head marker.
func (j *Journal) Append(entry Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	entry.Seq = j.head + 1
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], entry.Seq)
	batch := new(leveldb.Batch)
	batch.Put(entryKey(entry.Seq), payload)
	batch.Put(headKey, head[:])
	if err := j.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, err
	}
	j.head = entry.Seq
	for _, ch := range j.notify {
		select {
		case ch <- entry:
		default:
		}
	}
	return entry.Seq, nil
}

// Head returns the last assigned sequence number.
func (j *Journal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Since returns up to limit entries with a sequence number greater than seq.
// A non-positive limit returns everything.
func (j *Journal) Since(seq uint64, limit int) ([]Entry, error) {
	iter := j.db.NewIterator(&util.Range{Start: entryKey(seq + 1), Limit: entryKey(^uint64(0))}, nil)
	defer iter.Release()
	var out []Entry
	for iter.Next() {
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("journal: decode entry: %w", err)
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, iter.Error()
}

// Notify registers ch to receive entries as they are appended. Sends never
// block; slow receivers miss entries and can catch up through Since.
func (j *Journal) Notify(ch chan<- Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.notify = append(j.notify, ch)
}

// Unsubscribe stops deliveries to ch.
func (j *Journal) Unsubscribe(ch chan<- Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, existing := range j.notify {
		if existing == ch {
			j.notify = append(j.notify[:i], j.notify[i+1:]...)
			return
		}
	}
}

// Close flushes and closes the underlying database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}
