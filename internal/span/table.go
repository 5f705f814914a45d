// Package span turns intercepted calls into start/end span events.
package span

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Record is one intercepted call.
type Record struct {
	ID       uint64
	Hook     string
	Method   string
	URI      string
	Start    time.Time
	End      time.Time
	Duration time.Duration
	// Dropped marks a record closed at teardown without a span_end event.
	Dropped bool
}

// Completed reports whether the record has an end.
func (r *Record) Completed() bool { return !r.End.IsZero() || r.Dropped }

var (
	ErrDuplicateSpan = errors.New("span id already in flight")
	ErrUnknownSpan   = errors.New("span id not in flight")
)

// Table holds in-flight records. Take removes the record, so a second Take
// for the same id fails and an end can be emitted at most once.
type Table interface {
	Put(r *Record) error
	Take(id uint64) (*Record, bool)
	Len() int
	// Drain removes and returns every in-flight record in id order.
	Drain() []*Record
}

// MemTable is a mutex-protected Table.
type MemTable struct {
	mu      sync.Mutex
	records map[uint64]*Record
}

// NewMemTable creates an empty table.
func NewMemTable() *MemTable {
	return &MemTable{records: make(map[uint64]*Record)}
}

func (t *MemTable) Put(r *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[r.ID]; ok {
		return ErrDuplicateSpan
	}
	t.records[r.ID] = r
	return nil
}

func (t *MemTable) Take(id uint64) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	return r, ok
}

func (t *MemTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *MemTable) Drain() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	t.records = make(map[uint64]*Record)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
