package dht

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

// Scheduler drives the five periodic tasks of §4.8/§9's design note: bucket
// refresh, seen-requests GC, republish, repair, and liveness-ping. Each runs
// on its own ticker goroutine rather than literally cooperatively
// scheduling — the same single-thread-to-goroutines mapping engine.go's doc
// comment explains for the request path.
type Scheduler struct {
	e    *Engine
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler builds a scheduler for e. Call Start to begin running tasks
// and Stop to shut them down cleanly.
func NewScheduler(e *Engine) *Scheduler {
	return &Scheduler{e: e, stop: make(chan struct{})}
}

// Start launches all five periodic tasks. It returns immediately; each task
// runs until Stop is called.
func (s *Scheduler) Start() {
	s.run(constants.RefreshInterval, s.refreshTick)
	s.run(constants.CleanupInterval, s.gcTick)
	s.run(constants.RepublishInterval, s.republishTick)
	s.run(constants.RepairInterval, s.repairTick)
	s.run(constants.LivelinessInterval, s.livenessTick)
}

// Stop signals every task goroutine to exit and waits for them to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) run(interval time.Duration, tick func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				tick()
			}
		}
	}()
}

// refreshTick runs FIND_NODE against a random id in every bucket that has
// gone quiet for longer than RefreshInterval (§4.8's bucket refresh).
func (s *Scheduler) refreshTick() {
	for _, idx := range s.e.rt.StaleBuckets(constants.RefreshInterval) {
		target := randomIDInBucket(s.e.self, idx)
		ctx, cancel := context.WithTimeout(context.Background(), constants.RequestTimeout)
		s.e.FindNode(ctx, target)
		cancel()
	}
}

func (s *Scheduler) gcTick() {
	s.e.seen.gc(constants.CleanupInterval, time.Now())
}

func (s *Scheduler) republishTick() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.RequestTimeout*constants.K)
	defer cancel()
	s.e.Republish(ctx)
}

func (s *Scheduler) repairTick() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.RequestTimeout*constants.K)
	defer cancel()
	s.e.Repair(ctx)
}

// livenessTick pings the least-recently-seen contact in every non-empty
// bucket; a contact that fails to answer is evicted and dropped, and a
// replacement (if any) promoted in its place.
func (s *Scheduler) livenessTick() {
	for _, idx := range s.e.rt.AllBucketIndexes() {
		head, ok := s.e.rt.HeadOf(idx)
		if !ok {
			continue
		}
		headHex := head.String()
		ctx, cancel := context.WithTimeout(context.Background(), constants.BucketFullProbeTimeout)
		ok = s.e.rpcPing(ctx, headHex)
		cancel()
		if ok {
			continue
		}
		s.e.rt.Evict(idx)
		s.e.rt.PromoteReplacement(idx)
		s.e.link.DropPeer(headHex)
	}
}

// randomIDInBucket builds an id that BucketIndex(self, id) == idx: it keeps
// self's bits above idx unchanged, flips the bit at idx, and randomizes
// everything below it, matching §4.8's random-target bucket refresh.
func randomIDInBucket(self NodeID, idx int) NodeID {
	id := self
	byteIdx := idx / 8
	bitIdx := uint(idx % 8)
	mask := byte(0x80) >> bitIdx

	id[byteIdx] ^= mask

	tail := make([]byte, constants.IDLen-byteIdx-1)
	_, _ = rand.Read(tail)
	copy(id[byteIdx+1:], tail)

	if bitIdx < 7 {
		var randByte [1]byte
		_, _ = rand.Read(randByte[:])
		lowerMask := byte(0xFF) >> (bitIdx + 1)
		id[byteIdx] = (id[byteIdx] &^ lowerMask) | (randByte[0] & lowerMask)
	}

	return id
}
