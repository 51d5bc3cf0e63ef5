package dht

import (
	"context"
	"sync"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

// Store publishes data under key, per §4.7's storeValue: it locates the
// key's neighborhood via FIND_NODE, gives freshly-discovered peers a
// moment to connect, then fans STOREs out to the closest connected
// targets and requires WriteQuorum acknowledgements before the write is
// considered durable. On success the record is also kept locally with
// publisher=true. On quorum failure, nothing is marked as authored by
// this node — the caller gets a *QuorumNotMet it can retry.
func (e *Engine) Store(ctx context.Context, key []byte, data []byte) error {
	keyID := KeyID(key)
	targets := e.FindNode(ctx, keyID)

	rec := Record{
		Data: data,
		TS:   time.Now().UnixMilli(),
		Pub:  e.self.String(),
	}

	select {
	case <-time.After(constants.PublishSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	connected := make([]NodeID, 0, len(targets))
	for _, t := range targets {
		if e.link.IsConnected(t.String()) {
			connected = append(connected, t)
		}
	}

	needed := constants.WriteQuorum
	if len(connected) == 0 {
		return &QuorumNotMet{Acks: 0, Needed: needed}
	}

	type outcome struct{ ok bool }
	results := make(chan outcome, len(connected))
	for _, t := range connected {
		go func(t NodeID) {
			rctx, cancel := context.WithTimeout(context.Background(), constants.RequestTimeout)
			defer cancel()
			err := e.rpcStore(rctx, t.String(), keyID, rec)
			results <- outcome{ok: err == nil}
		}(t)
	}

	acks := 0
	for i := 0; i < len(connected); i++ {
		if (<-results).ok {
			acks++
			if acks >= needed {
				break
			}
		}
	}

	if acks < needed {
		return &QuorumNotMet{Acks: acks, Needed: needed}
	}

	e.store.setPublished(keyID, rec, time.Now())
	return nil
}

// Get performs storeValue's counterpart findValue: a local hit if the key
// is present and unexpired, otherwise the iterative FIND_VALUE lookup.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, bool) {
	keyID := KeyID(key)
	if rec, ok := e.store.get(keyID, time.Now()); ok {
		return rec.Data, true
	}
	rec, ok := e.FindValue(ctx, keyID)
	if !ok {
		return nil, false
	}
	return rec.Data, true
}

// GetErr is Get's error-returning counterpart, for callers (the HTTP
// control surface's /get) that want to distinguish "not found" from other
// failures via errors.Is rather than a bare bool.
func (e *Engine) GetErr(ctx context.Context, key []byte) ([]byte, error) {
	data, ok := e.Get(ctx, key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return data, nil
}

// IsPrimaryReplica reports whether this node is among the K known-closest
// nodes to keyID: true iff fewer than K other known ids are strictly
// closer to keyID than this node is (self is never literally a member of
// the routing table, so "among the K closest" is computed relative to
// self rather than looked up directly). handleStore calls this to decide
// whether an incoming STORE is a primary responsibility (full STORE_TTL)
// or an incidental cache copy (CACHE_TTL).
func (e *Engine) IsPrimaryReplica(keyID NodeID) bool {
	selfDist := XOR(e.self, keyID)
	closer := 0
	for _, c := range e.rt.FindClosest(keyID, constants.K) {
		if CompareDistance(XOR(c, keyID), selfDist) < 0 {
			closer++
		}
	}
	return closer < constants.K
}

// Republish re-announces every record this node authored and still holds
// unexpired, per §4.7/§4.8's hourly publisher task: it reruns FIND_NODE
// for the key and pushes STORE to each of the K closest currently-
// connected peers. Errors are swallowed; a failed republish simply tries
// again next tick.
func (e *Engine) Republish(ctx context.Context) {
	for _, h := range e.store.snapshot(time.Now(), true) {
		targets := e.FindNode(ctx, h.Key)
		var wg sync.WaitGroup
		for _, t := range targets {
			if !e.link.IsConnected(t.String()) {
				continue
			}
			wg.Add(1)
			go func(t NodeID) {
				defer wg.Done()
				rctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
				defer cancel()
				_ = e.rpcStore(rctx, t.String(), h.Key, h.Entry.Record)
			}(t)
		}
		wg.Wait()
	}
}

// Repair reaps expired entries and, for every publisher-authored record
// still held, probes each of the K closest peers with HAS_VALUE, pushing
// a STORE to any that report they don't have it. Only publisher entries
// participate — see DESIGN.md's resolution of the corresponding open
// question in §9.
func (e *Engine) Repair(ctx context.Context) {
	now := time.Now()
	e.store.reapExpired(now)

	for _, h := range e.store.snapshot(now, true) {
		targets := e.rt.FindClosest(h.Key, constants.K)
		for _, t := range targets {
			if t == e.self || !e.link.IsConnected(t.String()) {
				continue
			}
			go e.repairOne(ctx, t, h.Key, h.Entry.Record)
		}
		e.store.touchRepair(h.Key, now)
	}
}

func (e *Engine) repairOne(ctx context.Context, target NodeID, key NodeID, rec Record) {
	hctx, cancel := context.WithTimeout(ctx, constants.HasValueTimeout)
	defer cancel()
	has, err := e.rpcHasValue(hctx, target.String(), key)
	if err != nil || has {
		return
	}
	sctx, cancel2 := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel2()
	_ = e.rpcStore(sctx, target.String(), key, rec)
}
