package session

import (
	"sync"

	"github.com/samber/lo"
)

// ReadState is the post-update receipt list for one message.
type ReadState struct {
	MessageID int64
	ReadBy    []string // user ids in first-read order
}

// Receipts is the read-receipt ledger for one session. Receipt lists only
// ever grow: marking is a set union, so repeated or out-of-order marks
// converge to the same state regardless of delivery order.
type Receipts struct {
	mu        sync.Mutex
	byMessage map[int64][]string
}

// NewReceipts returns an empty ledger.
func NewReceipts() *Receipts {
	return &Receipts{byMessage: make(map[int64][]string)}
}

// Mark adds userID to each message's receipt list if absent and returns the
// resulting lists for all requested ids, marked-already or not. The caller
// broadcasts every returned state so peers converge.
func (r *Receipts) Mark(ids []int64, userID string) []ReadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]ReadState, 0, len(ids))
	for _, id := range lo.Uniq(ids) {
		if !lo.Contains(r.byMessage[id], userID) {
			r.byMessage[id] = append(r.byMessage[id], userID)
		}
		states = append(states, ReadState{MessageID: id, ReadBy: r.snapshot(id)})
	}
	return states
}

// Seed unions previously persisted readers into the ledger, typically while
// serving history. Seeding never removes a reader.
func (r *Receipts) Seed(id int64, readers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reader := range readers {
		if !lo.Contains(r.byMessage[id], reader) {
			r.byMessage[id] = append(r.byMessage[id], reader)
		}
	}
}

// Get returns the current receipt list for one message.
func (r *Receipts) Get(id int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(id)
}

func (r *Receipts) snapshot(id int64) []string {
	readers := r.byMessage[id]
	out := make([]string, len(readers))
	copy(out, readers)
	return out
}
