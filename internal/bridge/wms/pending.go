package wms

import (
	"sync"
	"time"
)

// Pending describes one command sent to the warehouse that has not been
// acknowledged yet.
type Pending struct {
	RequestID string
	Command   string
	OrderID   string
	IssuedAt  time.Time
}

// pendingTable tracks outstanding commands keyed by order id. A matching ack
// resolves the entry; otherwise the timeout fires and the entry is discarded.
type pendingTable struct {
	timeout   time.Duration
	onTimeout func(Pending)

	mu      sync.Mutex
	entries map[string]*pendingEntry
}

type pendingEntry struct {
	Pending
	timer *time.Timer
}

func newPendingTable(timeout time.Duration, onTimeout func(Pending)) *pendingTable {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &pendingTable{
		timeout:   timeout,
		onTimeout: onTimeout,
		entries:   make(map[string]*pendingEntry),
	}
}

// add registers an outstanding command. A previous entry for the same order
// is replaced and its timer cancelled.
func (t *pendingTable) add(requestID, command, orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[orderID]; ok {
		prev.timer.Stop()
	}

	entry := &pendingEntry{
		Pending: Pending{
			RequestID: requestID,
			Command:   command,
			OrderID:   orderID,
			IssuedAt:  time.Now().UTC(),
		},
	}
	entry.timer = time.AfterFunc(t.timeout, func() {
		if t.expire(orderID, entry) && t.onTimeout != nil {
			t.onTimeout(entry.Pending)
		}
	})
	t.entries[orderID] = entry
}

// resolve removes the entry for the order, reporting whether one existed.
func (t *pendingTable) resolve(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[orderID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.entries, orderID)
	return true
}

// expire removes the entry only if it is still the same one the timer was
// armed for, so a replaced entry cannot be expired by a stale timer.
func (t *pendingTable) expire(orderID string, entry *pendingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[orderID]
	if !ok || current != entry {
		return false
	}
	delete(t.entries, orderID)
	return true
}

// size reports the number of outstanding commands.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// stopAll cancels every timer. Entries are kept out of the map so late
// replies after Close are ignored.
func (t *pendingTable) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, id)
	}
}
