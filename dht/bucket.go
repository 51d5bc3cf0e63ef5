package dht

import (
	"sync"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

// updateResult reports what addOrUpdate did with a candidate id, and is
// how the engine decides whether the bucket-full LRU-probe policy
// applies.
type updateResult int

const (
	resultAdded updateResult = iota
	resultUpdated
	resultFull
)

// bucket is a single k-bucket: a bounded, LRU-ordered live set plus a
// bounded FIFO replacement cache healing it when a live entry is evicted.
// front = least-recently-seen, back = most-recently-seen, matching the
// data model in §3.
type bucket struct {
	mu           sync.Mutex
	live         []NodeID
	replacements []NodeID
	lastUsed     time.Time
}

func newBucket() *bucket {
	return &bucket{
		live:         make([]NodeID, 0, constants.K),
		replacements: make([]NodeID, 0, constants.K),
	}
}

// touch records that the bucket was just consulted or mutated.
func (b *bucket) touch(now time.Time) {
	b.lastUsed = now
}

// addOrUpdate applies the live/replacement discipline for id, observed at
// now. Callers hold no lock; addOrUpdate takes its own.
func (b *bucket) addOrUpdate(id NodeID, now time.Time) updateResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.live {
		if existing == id {
			b.live = append(b.live[:i], b.live[i+1:]...)
			b.live = append(b.live, id)
			b.touch(now)
			return resultUpdated
		}
	}

	if len(b.live) < constants.K {
		b.live = append(b.live, id)
		b.touch(now)
		return resultAdded
	}

	b.pushReplacementLocked(id)
	b.touch(now)
	return resultFull
}

// pushReplacementLocked inserts id into the replacement FIFO, or moves it
// to the back if already present, evicting the oldest entry if the cache
// overflows. Callers must hold b.mu.
func (b *bucket) pushReplacementLocked(id NodeID) {
	for i, existing := range b.replacements {
		if existing == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append(b.replacements, id)
	if len(b.replacements) > constants.K {
		b.replacements = b.replacements[len(b.replacements)-constants.K:]
	}
}

// remove drops id from the live set only, per §4.3: remove() never
// touches the replacement cache.
func (b *bucket) remove(id NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.live {
		if existing == id {
			b.live = append(b.live[:i], b.live[i+1:]...)
			return true
		}
	}
	return false
}

// head returns the least-recently-seen live id, if any.
func (b *bucket) head() (NodeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.live) == 0 {
		return NodeID{}, false
	}
	return b.live[0], true
}

// evictHead drops the current head of the live set.
func (b *bucket) evictHead() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.live) > 0 {
		b.live = b.live[1:]
	}
}

// promoteReplacement moves the oldest replacement candidate, if any, to
// the back of the live set. Returns whether a promotion happened.
func (b *bucket) promoteReplacement(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.replacements) == 0 {
		return false
	}
	id := b.replacements[0]
	b.replacements = b.replacements[1:]
	b.live = append(b.live, id)
	b.touch(now)
	return true
}

// contacts returns a defensive copy of the live set; it touches lastUsed
// iff the bucket is non-empty, per §4.3's findClosest contract.
func (b *bucket) contacts(now time.Time) []NodeID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.live) == 0 {
		return nil
	}
	b.touch(now)
	out := make([]NodeID, len(b.live))
	copy(out, b.live)
	return out
}

func (b *bucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

func (b *bucket) lastUsedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
