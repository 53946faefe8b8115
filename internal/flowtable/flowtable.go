// Package flowtable tracks per-remote-peer activity and packet counts for
// reverse routing and idle eviction, independent of however the forwarder
// keeps the underlying UDP socket on its own side.
package flowtable

import (
	"sync"
	"time"

	"github.com/openbmx/udptcptun/internal/frame"
)

// IdleTimeout is the fixed, non-configurable eviction threshold.
const IdleTimeout = 10 * time.Minute

// Flow is the logical record for one remote UDP peer.
type Flow struct {
	Key          frame.Endpoint
	Packets      uint64
	LastActivity time.Time
}

// Table maps remote peer endpoints to Flow records.
type Table struct {
	mu    sync.Mutex
	flows map[frame.Endpoint]*Flow
}

// New returns an empty flow table.
func New() *Table {
	return &Table{flows: make(map[frame.Endpoint]*Flow)}
}

// Touch records a packet for key's flow, creating the Flow on first sight
// and reporting whether it was new.
func (t *Table) Touch(key frame.Endpoint, now time.Time) (isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.flows[key]
	if !ok {
		f = &Flow{Key: key}
		t.flows[key] = f
	}
	f.Packets++
	f.LastActivity = now
	return !ok
}

// Get returns a copy of the flow record for key, if present.
func (t *Table) Get(key frame.Endpoint) (Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[key]
	if !ok {
		return Flow{}, false
	}
	return *f, true
}

// Len reports the number of tracked flows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// SweepIdle removes every flow whose last activity is at least
// IdleTimeout in the past as of now, and returns their keys so the caller
// can release any associated resources (e.g. a pooled socket).
func (t *Table) SweepIdle(now time.Time) []frame.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idle []frame.Endpoint
	for key, f := range t.flows {
		if now.Sub(f.LastActivity) >= IdleTimeout {
			idle = append(idle, key)
			delete(t.flows, key)
		}
	}
	return idle
}

// Reset empties the table, so that no Flow recorded before the call is
// visible afterwards.
func (t *Table) Reset() {
	t.mu.Lock()
	t.flows = make(map[frame.Endpoint]*Flow)
	t.mu.Unlock()
}
