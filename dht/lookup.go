package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

// lookupState tracks one iterative lookup's shortlist and query history,
// generalized from the teacher's LookupState (dht/algorithms.go) to carry
// the closestQueried bookkeeping §4.6 needs for termination.
type lookupState struct {
	target         NodeID
	mu             sync.Mutex
	shortlist      []NodeID
	queried        map[NodeID]bool
	haveClosest    bool
	closestQueried NodeID
}

func newLookupState(target NodeID, seed []NodeID) *lookupState {
	ls := &lookupState{
		target:  target,
		queried: make(map[NodeID]bool),
	}
	ls.merge(seed)
	return ls
}

// merge unions candidates into the shortlist (deduping, excluding target-
// irrelevant entries already filtered by the caller) and keeps it sorted
// ascending by distance to target, truncated to K.
func (ls *lookupState) merge(candidates []NodeID) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.mergeLocked(candidates)
}

func (ls *lookupState) mergeLocked(candidates []NodeID) {
	seen := make(map[NodeID]bool, len(ls.shortlist))
	for _, id := range ls.shortlist {
		seen[id] = true
	}
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		ls.shortlist = append(ls.shortlist, id)
	}
	target := ls.target
	sort.SliceStable(ls.shortlist, func(i, j int) bool {
		di := XOR(ls.shortlist[i], target)
		dj := XOR(ls.shortlist[j], target)
		return CompareDistance(di, dj) < 0
	})
	if len(ls.shortlist) > constants.K {
		ls.shortlist = ls.shortlist[:constants.K]
	}
}

// unqueried returns, in distance order, the unqueried shortlist entries,
// up to the full shortlist (the caller further splits these into
// connected-vs-not).
func (ls *lookupState) unqueried() []NodeID {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]NodeID, 0, len(ls.shortlist))
	for _, id := range ls.shortlist {
		if !ls.queried[id] {
			out = append(out, id)
		}
	}
	return out
}

func (ls *lookupState) markQueried(id NodeID) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.queried[id] = true
	d := XOR(id, ls.target)
	if !ls.haveClosest {
		ls.haveClosest = true
		ls.closestQueried = id
		return
	}
	cd := XOR(ls.closestQueried, ls.target)
	if CompareDistance(d, cd) < 0 {
		ls.closestQueried = id
	}
}

// converged reports whether the best shortlist entry is no longer
// strictly closer than the best id queried so far — §4.6's termination
// condition (ii).
func (ls *lookupState) converged() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.haveClosest || len(ls.shortlist) == 0 {
		return false
	}
	best := XOR(ls.shortlist[0], ls.target)
	closest := XOR(ls.closestQueried, ls.target)
	return CompareDistance(best, closest) >= 0
}

func (ls *lookupState) result() []NodeID {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]NodeID, len(ls.shortlist))
	copy(out, ls.shortlist)
	return out
}

// tryDial enforces the engine-wide MAX_DIALS cap on simultaneous
// connect hints in flight across all lookups (§5 backpressure).
func (e *Engine) tryDial(peerHex string) {
	if e.inflightDials.Load() >= constants.MaxDials {
		return
	}
	e.inflightDials.Add(1)
	e.link.ConnectHint(peerHex)
	go func() {
		time.Sleep(constants.BucketFullProbeTimeout)
		e.inflightDials.Add(-1)
	}()
}

// roundProbe is what one probed peer returned this round: either a found
// record (FIND_VALUE only) or a list of closer nodes.
type roundProbe struct {
	peer   NodeID
	record *Record
	nodes  []NodeID
	err    error
}

// runLookup executes the shared iterative-lookup skeleton of §4.6 for
// both FIND_NODE and FIND_VALUE, differing only in the probe function and
// an optional per-response hook (used by FindValue to track bestRecord
// and drive opportunistic caching).
func (e *Engine) runLookup(ctx context.Context, target NodeID, probe func(ctx context.Context, peerHex string, id NodeID) roundProbe, onResponse func(ls *lookupState, p roundProbe)) *lookupState {
	seed := e.rt.FindClosest(target, constants.K)
	ls := newLookupState(target, seed)

	for {
		unqueried := ls.unqueried()
		if len(unqueried) == 0 {
			break
		}

		// Dial hints: for the closest α unqueried candidates, nudge the
		// transport to connect to any not already connected.
		alphaWindow := unqueried
		if len(alphaWindow) > constants.Alpha {
			alphaWindow = alphaWindow[:constants.Alpha]
		}
		for _, id := range alphaWindow {
			hex := id.String()
			if !e.link.IsConnected(hex) {
				e.tryDial(hex)
			}
		}

		// Candidate selection: up to α unqueried ids that are currently
		// connected, closest first.
		var chosen []NodeID
		for _, id := range unqueried {
			if len(chosen) >= constants.Alpha {
				break
			}
			if e.link.IsConnected(id.String()) {
				chosen = append(chosen, id)
			}
		}

		if len(chosen) == 0 {
			select {
			case <-ctx.Done():
				return ls
			case <-time.After(constants.LookupRetryPause):
			}
			continue
		}

		var wg sync.WaitGroup
		results := make([]roundProbe, len(chosen))
		for i, id := range chosen {
			ls.markQueried(id)
			wg.Add(1)
			go func(i int, id NodeID) {
				defer wg.Done()
				rctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
				defer cancel()
				results[i] = probe(rctx, id.String(), target)
				results[i].peer = id
			}(i, id)
		}
		wg.Wait()

		var newNodes []NodeID
		for _, r := range results {
			if r.err != nil {
				e.rt.Remove(r.peer)
				continue
			}
			if onResponse != nil {
				onResponse(ls, r)
			}
			newNodes = append(newNodes, r.nodes...)
		}
		if len(newNodes) > 0 {
			ls.merge(e.filterNodes(newNodes))
		}

		if ls.converged() {
			break
		}
	}

	return ls
}

// FindNode performs the iterative FIND_NODE lookup of §4.6 and returns
// the converged shortlist of ids closest to target.
func (e *Engine) FindNode(ctx context.Context, target NodeID) []NodeID {
	probe := func(ctx context.Context, peerHex string, target NodeID) roundProbe {
		nodes, err := e.rpcFindNode(ctx, peerHex, target)
		return roundProbe{nodes: nodes, err: err}
	}
	ls := e.runLookup(ctx, target, probe, nil)
	return ls.result()
}

// FindValue performs the iterative FIND_VALUE lookup of §4.6: it does not
// return on the first hit, instead converging like FIND_NODE while
// tracking the newest record seen (bestRecord), opportunistically caching
// it one hop closer to the key, and caching it locally with CACHE_TTL on
// termination.
func (e *Engine) FindValue(ctx context.Context, key NodeID) (Record, bool) {
	var mu sync.Mutex
	var best Record
	haveBest := false

	probe := func(ctx context.Context, peerHex string, target NodeID) roundProbe {
		res, err := e.rpcFindValue(ctx, peerHex, target)
		if err != nil {
			return roundProbe{err: err}
		}
		if res.Found {
			rec, uerr := UnmarshalRecord(res.RecordJSON)
			if uerr != nil {
				return roundProbe{}
			}
			return roundProbe{record: &rec}
		}
		return roundProbe{nodes: res.Nodes}
	}

	onResponse := func(ls *lookupState, p roundProbe) {
		if p.record == nil {
			return
		}
		mu.Lock()
		isNew := !haveBest || p.record.Newer(best)
		if isNew {
			best = *p.record
			haveBest = true
		}
		mu.Unlock()
		if !isNew {
			return
		}
		e.cacheOneHopCloser(ls, p.peer, key, *p.record)
	}

	ls := e.runLookup(ctx, key, probe, onResponse)
	_ = ls

	if !haveBest {
		return Record{}, false
	}
	e.store.applyStore(key, best, time.Now(), true)
	return best, true
}

// cacheOneHopCloser implements §4.6's opportunistic caching: the first
// currently-connected shortlist entry strictly closer to key than
// responder gets a fire-and-forget STORE of rec.
func (e *Engine) cacheOneHopCloser(ls *lookupState, responder NodeID, key NodeID, rec Record) {
	responderDist := XOR(responder, key)
	for _, candidate := range ls.result() {
		if candidate == responder {
			continue
		}
		cd := XOR(candidate, key)
		if CompareDistance(cd, responderDist) >= 0 {
			continue
		}
		hex := candidate.String()
		if !e.link.IsConnected(hex) {
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), constants.RequestTimeout)
			defer cancel()
			_ = e.rpcStore(ctx, hex, key, rec)
		}()
		return
	}
}
