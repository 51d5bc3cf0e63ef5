package dht

import (
	"sort"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

// RoutingTable is the 256 k-buckets for one local identity, per §3/§4.3.
type RoutingTable struct {
	self    NodeID
	buckets [constants.NumBuckets]*bucket
}

// NewRoutingTable builds an empty table for the given local id.
func NewRoutingTable(self NodeID) *RoutingTable {
	rt := &RoutingTable{self: self}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}
	return rt
}

// Self returns the local id the table was built around.
func (rt *RoutingTable) Self() NodeID { return rt.self }

// bucketFor returns the bucket id belongs to, or -1 if id is self (the
// routing table never holds its own identity).
func (rt *RoutingTable) bucketFor(id NodeID) int {
	if id == rt.self {
		return -1
	}
	return BucketIndex(rt.self, id)
}

// AddOrUpdate is the routing table's single mutation entry point: it
// rejects the local id, otherwise moves id to the back of its bucket's
// live set, appends it if there is room, or defers to the replacement
// cache if the bucket is full. Returns the bucket touched (meaningless
// when id == self, since nothing is mutated) and the outcome.
func (rt *RoutingTable) AddOrUpdate(id NodeID) (updateResult, int) {
	idx := rt.bucketFor(id)
	if idx < 0 {
		return resultUpdated, -1
	}
	return rt.buckets[idx].addOrUpdate(id, time.Now()), idx
}

// Remove drops id from its bucket's live set. It is a no-op for self or
// an id never seen.
func (rt *RoutingTable) Remove(id NodeID) bool {
	idx := rt.bucketFor(id)
	if idx < 0 {
		return false
	}
	return rt.buckets[idx].remove(id)
}

// HeadOf returns the least-recently-seen live id in bucket i.
func (rt *RoutingTable) HeadOf(i int) (NodeID, bool) {
	if i < 0 || i >= constants.NumBuckets {
		return NodeID{}, false
	}
	return rt.buckets[i].head()
}

// Evict drops the head of bucket i's live set.
func (rt *RoutingTable) Evict(i int) {
	if i < 0 || i >= constants.NumBuckets {
		return
	}
	rt.buckets[i].evictHead()
}

// PromoteReplacement moves bucket i's oldest replacement candidate, if
// any, into the live set.
func (rt *RoutingTable) PromoteReplacement(i int) bool {
	if i < 0 || i >= constants.NumBuckets {
		return false
	}
	return rt.buckets[i].promoteReplacement(time.Now())
}

// FindClosest returns up to count ids ordered by ascending XOR distance
// to target. It starts at target's home bucket and fans out to
// neighboring buckets (alternating +/- offsets) until enough candidates
// are gathered, matching §4.3's scan-then-sort algorithm. Self is never
// present in a routing table, so it never appears in the result; the
// sort is stable, so ids seen earlier in the scan win ties (impossible
// in practice for distinct 256-bit ids, but kept for determinism).
func (rt *RoutingTable) FindClosest(target NodeID, count int) []NodeID {
	if count <= 0 {
		return nil
	}
	now := time.Now()
	start := rt.bucketFor(target)
	if start < 0 {
		start = 0
	}

	var candidates []NodeID
	candidates = append(candidates, rt.buckets[start].contacts(now)...)

	for offset := 1; len(candidates) < count*2 && (start-offset >= 0 || start+offset < constants.NumBuckets); offset++ {
		if lo := start - offset; lo >= 0 {
			candidates = append(candidates, rt.buckets[lo].contacts(now)...)
		}
		if hi := start + offset; hi < constants.NumBuckets {
			candidates = append(candidates, rt.buckets[hi].contacts(now)...)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di := XOR(candidates[i], target)
		dj := XOR(candidates[j], target)
		return CompareDistance(di, dj) < 0
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// Size returns the total number of live contacts across all buckets.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.size()
	}
	return total
}

// BucketDump is one bucket's inspection snapshot.
type BucketDump struct {
	Index    int
	Contacts []NodeID
	LastUsed time.Time
}

// Dump returns a snapshot of every non-empty bucket, for inspection
// tooling (the HTTP control surface's /routing-table endpoint).
func (rt *RoutingTable) Dump() []BucketDump {
	var out []BucketDump
	now := time.Now()
	for i, b := range rt.buckets {
		c := b.contacts(now)
		if len(c) == 0 {
			continue
		}
		out = append(out, BucketDump{Index: i, Contacts: c, LastUsed: b.lastUsedAt()})
	}
	return out
}

// StaleBuckets returns the indices of every non-empty bucket whose
// lastUsed is older than refreshInterval, the driver for the scheduler's
// bucket-refresh task.
func (rt *RoutingTable) StaleBuckets(refreshInterval time.Duration) []int {
	now := time.Now()
	var stale []int
	for i, b := range rt.buckets {
		if b.size() == 0 {
			continue
		}
		if now.Sub(b.lastUsedAt()) >= refreshInterval {
			stale = append(stale, i)
		}
	}
	return stale
}

// AllBucketIndexes returns every bucket index that currently holds at
// least one live contact, for the scheduler's liveness-ping task.
func (rt *RoutingTable) AllBucketIndexes() []int {
	var out []int
	for i, b := range rt.buckets {
		if b.size() > 0 {
			out = append(out, i)
		}
	}
	return out
}
