package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// TouchAfter is how old an in-flight mark for an unchanged CID must be before
// a new trigger refreshes the cached copy's freshness.
const TouchAfter = 30 * time.Minute

// Decision is what a refresh trigger should do.
type Decision int

const (
	Skip Decision = iota
	Fetch
	Touch
)

func (d Decision) String() string {
	switch d {
	case Fetch:
		return "fetch"
	case Touch:
		return "touch"
	default:
		return "skip"
	}
}

type mark struct {
	cid      cid.Cid
	markedAt time.Time
}

// InFlight records which advertisement each peer was last asked to fetch.
// Begin is an atomic check-and-mark, so concurrent triggers for the same
// (peer, cid) produce a single Fetch.
type InFlight struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[peer.ID]mark
}

// NewInFlight creates an empty table.
func NewInFlight(c clock.Clock) *InFlight {
	return &InFlight{clock: c, entries: make(map[peer.ID]mark)}
}

// Begin decides and records the action for a trigger on (id, c).
func (f *InFlight) Begin(id peer.ID, c cid.Cid) Decision {
	if !c.Defined() {
		return Skip
	}
	now := f.clock.Now()

	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.entries[id]; ok && m.cid.Equals(c) {
		if now.Sub(m.markedAt) > TouchAfter {
			f.entries[id] = mark{cid: c, markedAt: now}
			return Touch
		}
		return Skip
	}
	f.entries[id] = mark{cid: c, markedAt: now}
	return Fetch
}

// Clear removes the mark for id if it still refers to c.
func (f *InFlight) Clear(id peer.ID, c cid.Cid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.entries[id]; ok && m.cid.Equals(c) {
		delete(f.entries, id)
	}
}

// Forget drops any mark for id.
func (f *InFlight) Forget(id peer.ID) {
	f.mu.Lock()
	delete(f.entries, id)
	f.mu.Unlock()
}

// Marked returns the CID currently marked for id.
func (f *InFlight) Marked(id peer.ID) (cid.Cid, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.entries[id]
	return m.cid, ok
}
