package dht

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

// Engine is the protocol engine of §4.5: it owns the routing table and
// value store, dispatches inbound frames, correlates outgoing requests
// with their responses, and drives the LRU-probe bucket-full policy.
//
// The source specification describes a single cooperatively-scheduled
// thread of execution; Go's idiomatic equivalent is not literally one
// goroutine but independent goroutines over lock-protected state, which
// is what every teacher-derived structure here (bucket, RoutingTable,
// tracker, valueStore) already does. Correctness properties the spec
// attributes to single-threading — per-peer inbound ordering, at-most-
// once completion — are instead guaranteed by the PeerLink contract
// (ordered delivery per peer) and by tracker's locking, respectively.
type Engine struct {
	self NodeID

	rt    *RoutingTable
	store *valueStore
	seen  *seenRequests

	link   PeerLink
	signal SignalSink
	log    *slog.Logger

	findNodeWaiters  *tracker[[]NodeID]
	findValueWaiters *tracker[FindValueResult]
	storeWaiters     *tracker[struct{}]
	hasValueWaiters  *tracker[bool]
	pingWaiters      *tracker[struct{}]

	inflightDials atomic.Int32
	closed        atomic.Bool
}

// NewEngine builds an engine for local identity self, wired to the given
// transport and (optionally nil) signaling sink.
func NewEngine(self NodeID, link PeerLink, signal SignalSink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		self:             self,
		rt:               NewRoutingTable(self),
		store:            newValueStore(),
		seen:             newSeenRequests(),
		link:             link,
		signal:           signal,
		log:              log.With("component", "dht"),
		findNodeWaiters:  newTracker[[]NodeID](),
		findValueWaiters: newTracker[FindValueResult](),
		storeWaiters:     newTracker[struct{}](),
		hasValueWaiters:  newTracker[bool](),
		pingWaiters:      newTracker[struct{}](),
	}
}

// LocalID returns this engine's own identity.
func (e *Engine) LocalID() NodeID { return e.self }

// RoutingTable exposes the underlying table for inspection and for the
// iterative-lookup/scheduler code in this same package.
func (e *Engine) RoutingTable() *RoutingTable { return e.rt }

// ConnectedPeers lists every peer this engine's transport currently has a
// link to, for the HTTP control surface's /status endpoint.
func (e *Engine) ConnectedPeers() []string { return e.link.ConnectedPeers() }

// StoredCount returns the number of records currently held locally,
// expired or not, for the /status endpoint.
func (e *Engine) StoredCount() int { return e.store.count() }

// Ping is the Core API's exported liveness probe (§6): it sends PING to
// peerHex and reports whether PONG arrived before ctx's deadline.
func (e *Engine) Ping(ctx context.Context, peerHex string) bool {
	return e.rpcPing(ctx, peerHex)
}

// Close marks the engine closed; in-flight waiters still fire on their
// own timers (§5: "timer expiry is the sole source of cancel").
func (e *Engine) Close() {
	e.closed.Store(true)
}

func (e *Engine) send(peerHex string, frame []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.link.Send(peerHex, frame); err != nil {
		e.log.Debug("send failed", "peer", peerHex, "err", err)
		return err
	}
	return nil
}

// logIfNoWaiter records a response that arrived for a message id with no
// (or already-fired) registered waiter: a late response racing its own
// timeout, or a reply to a request this engine never made. Harmless,
// matching §7's SendFailure/late-response handling.
func (e *Engine) logIfNoWaiter(peerHex string, delivered bool) {
	if !delivered {
		e.log.Debug("response with no waiter", "peer", peerHex, "err", ErrNoWaiter)
	}
}

func deadlineOrDefault(ctx context.Context, def time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return 0
	}
	return def
}

// ---------------------------------------------------------------------
// Transport-driven events (§4.5)
// ---------------------------------------------------------------------

// OnPeerConnected is called by the transport once a link to peerHex is
// established and its identity known. It touches the routing table and,
// if the destination bucket is full, launches the LRU-probe policy.
func (e *Engine) OnPeerConnected(peerHex string) {
	id, err := NodeIDFromHex(peerHex)
	if err != nil {
		e.log.Warn("connected peer has malformed id", "peer", peerHex)
		return
	}
	result, idx := e.rt.AddOrUpdate(id)
	if result == resultFull {
		go e.resolveBucketFull(idx, id)
	}
}

// OnPeerDisconnected removes peerHex from the routing table. Any request
// still pending against it is left alone; its own timer will fire.
func (e *Engine) OnPeerDisconnected(peerHex string) {
	id, err := NodeIDFromHex(peerHex)
	if err != nil {
		return
	}
	e.rt.Remove(id)
}

// OnMessage dispatches one inbound frame from peerHex.
func (e *Engine) OnMessage(peerHex string, frame []byte) {
	typ, err := PeekType(frame)
	if err != nil {
		e.log.Debug("malformed frame: empty", "peer", peerHex)
		return
	}

	if typ.IsSignal() {
		if e.signal != nil {
			e.signal.OnSignal(peerHex, frame)
		}
		return
	}

	switch typ {
	case TypePing:
		e.handlePing(peerHex, frame)
	case TypePong:
		e.handlePong(peerHex, frame)
	case TypeFindNode:
		e.handleFindNode(peerHex, frame)
	case TypeFindNodeResponse:
		e.handleFindNodeResponse(peerHex, frame)
	case TypeStore:
		e.handleStore(peerHex, frame)
	case TypeStoreAck:
		e.handleStoreAck(peerHex, frame)
	case TypeFindValue:
		e.handleFindValue(peerHex, frame)
	case TypeFindValueResponse:
		e.handleFindValueResponse(peerHex, frame)
	case TypeHasValue:
		e.handleHasValue(peerHex, frame)
	case TypeHasValueResponse:
		e.handleHasValueResponse(peerHex, frame)
	default:
		e.log.Debug("unknown message type", "peer", peerHex, "type", byte(typ), "err", ErrUnknownType)
	}
}

func (e *Engine) checkIdentity(peerHex string, claimed NodeID) bool {
	if claimed.String() != peerHex {
		e.log.Warn("dropping peer", "peer", peerHex, "claimed", claimed.String(), "err", ErrIdentityMismatch)
		e.link.DropPeer(peerHex)
		return false
	}
	return true
}

func (e *Engine) handlePing(peerHex string, frame []byte) {
	id, err := DecodePing(frame)
	if err != nil {
		e.log.Debug("malformed PING", "peer", peerHex)
		return
	}
	if !e.checkIdentity(peerHex, id) {
		return
	}
	e.rt.AddOrUpdate(id)
	e.send(peerHex, EncodePong(e.self))
}

func (e *Engine) handlePong(peerHex string, frame []byte) {
	id, err := DecodePong(frame)
	if err != nil {
		e.log.Debug("malformed PONG", "peer", peerHex)
		return
	}
	if !e.checkIdentity(peerHex, id) {
		return
	}
	e.rt.AddOrUpdate(id)
	e.logIfNoWaiter(peerHex, e.pingWaiters.complete(peerHex, struct{}{}))
}

func (e *Engine) handleFindNode(peerHex string, frame []byte) {
	msgID, target, err := DecodeFindNode(frame)
	if err != nil {
		e.log.Debug("malformed FIND_NODE", "peer", peerHex)
		return
	}
	if e.seen.observe(peerHex, msgID, time.Now()) {
		return
	}
	closest := e.rt.FindClosest(target, constants.K)
	e.send(peerHex, EncodeFindNodeResponse(msgID, closest))
}

func (e *Engine) handleFindNodeResponse(peerHex string, frame []byte) {
	msgID, nodes, err := DecodeFindNodeResponse(frame)
	if err != nil {
		e.log.Debug("malformed FIND_NODE_RESPONSE", "peer", peerHex)
		return
	}
	filtered := e.filterNodes(nodes)
	for _, n := range filtered {
		e.rt.AddOrUpdate(n)
	}
	e.logIfNoWaiter(peerHex, e.findNodeWaiters.complete(msgID.String(), filtered))
}

// filterNodes drops self from a peer-supplied node list before it ever
// reaches a caller's shortlist (§8 invariant 10: self-exclusion). Entry
// length needs no check here: the decoder only yields fixed-size NodeIDs.
func (e *Engine) filterNodes(nodes []NodeID) []NodeID {
	out := make([]NodeID, 0, len(nodes))
	for _, n := range nodes {
		if n == e.self {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (e *Engine) handleStore(peerHex string, frame []byte) {
	msgID, key, recJSON, err := DecodeStore(frame)
	if err != nil {
		e.log.Debug("malformed STORE", "peer", peerHex)
		return
	}
	rec, err := UnmarshalRecord(recJSON)
	if err != nil {
		e.log.Debug("malformed STORE record payload", "peer", peerHex)
		return
	}
	// isPrimaryReplica decides retention (§4.7): a STORE landing on one of
	// the key's K closest nodes is this node's primary responsibility and
	// gets the full STORE_TTL; anywhere else it's treated as an
	// opportunistic cache copy with the shorter CACHE_TTL.
	primary := e.IsPrimaryReplica(key)
	e.store.applyStore(key, rec, time.Now(), !primary)
	if id, err := NodeIDFromHex(peerHex); err == nil {
		e.rt.AddOrUpdate(id)
	}
	e.send(peerHex, EncodeStoreAck(msgID))
}

func (e *Engine) handleStoreAck(peerHex string, frame []byte) {
	msgID, err := DecodeStoreAck(frame)
	if err != nil {
		e.log.Debug("malformed STORE_ACK", "peer", peerHex)
		return
	}
	if id, err := NodeIDFromHex(peerHex); err == nil {
		e.rt.AddOrUpdate(id)
	}
	e.logIfNoWaiter(peerHex, e.storeWaiters.complete(msgID.String(), struct{}{}))
}

func (e *Engine) handleFindValue(peerHex string, frame []byte) {
	msgID, key, err := DecodeFindValue(frame)
	if err != nil {
		e.log.Debug("malformed FIND_VALUE", "peer", peerHex)
		return
	}
	if rec, ok := e.store.get(key, time.Now()); ok {
		recJSON, err := MarshalRecord(rec)
		if err != nil {
			e.log.Error("failed to marshal local record", "err", err)
			return
		}
		e.send(peerHex, EncodeFindValueResponseFound(msgID, recJSON))
		return
	}
	closest := e.rt.FindClosest(key, constants.K)
	e.send(peerHex, EncodeFindValueResponseNotFound(msgID, closest))
}

func (e *Engine) handleFindValueResponse(peerHex string, frame []byte) {
	msgID, res, err := DecodeFindValueResponse(frame)
	if err != nil {
		e.log.Debug("malformed FIND_VALUE_RESPONSE", "peer", peerHex)
		return
	}
	if !res.Found {
		res.Nodes = e.filterNodes(res.Nodes)
		for _, n := range res.Nodes {
			e.rt.AddOrUpdate(n)
		}
	}
	e.logIfNoWaiter(peerHex, e.findValueWaiters.complete(msgID.String(), res))
}

func (e *Engine) handleHasValue(peerHex string, frame []byte) {
	msgID, key, err := DecodeHasValue(frame)
	if err != nil {
		e.log.Debug("malformed HAS_VALUE", "peer", peerHex)
		return
	}
	has := e.store.has(key, time.Now())
	e.send(peerHex, EncodeHasValueResponse(msgID, has))
}

func (e *Engine) handleHasValueResponse(peerHex string, frame []byte) {
	msgID, has, err := DecodeHasValueResponse(frame)
	if err != nil {
		e.log.Debug("malformed HAS_VALUE_RESPONSE", "peer", peerHex)
		return
	}
	e.logIfNoWaiter(peerHex, e.hasValueWaiters.complete(msgID.String(), has))
}

// ---------------------------------------------------------------------
// Outgoing RPCs (used by lookup.go, publish.go, scheduler.go)
// ---------------------------------------------------------------------

func (e *Engine) rpcPing(ctx context.Context, peerHex string) bool {
	done := make(chan bool, 1)
	e.pingWaiters.register(peerHex, deadlineOrDefault(ctx, constants.BucketFullProbeTimeout), func(_ struct{}, timedOut bool) {
		done <- !timedOut
	})
	if err := e.send(peerHex, EncodePing(e.self)); err != nil {
		e.pingWaiters.cancel(peerHex)
		return false
	}
	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) rpcFindNode(ctx context.Context, peerHex string, target NodeID) ([]NodeID, error) {
	msgID, err := NewMessageID()
	if err != nil {
		return nil, err
	}
	type result struct {
		nodes []NodeID
		ok    bool
	}
	done := make(chan result, 1)
	e.findNodeWaiters.register(msgID.String(), deadlineOrDefault(ctx, constants.RequestTimeout), func(nodes []NodeID, timedOut bool) {
		done <- result{nodes: nodes, ok: !timedOut}
	})
	if err := e.send(peerHex, EncodeFindNode(msgID, target)); err != nil {
		e.findNodeWaiters.cancel(msgID.String())
		return nil, err
	}
	select {
	case r := <-done:
		if !r.ok {
			return nil, context.DeadlineExceeded
		}
		return r.nodes, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) rpcFindValue(ctx context.Context, peerHex string, key NodeID) (FindValueResult, error) {
	msgID, err := NewMessageID()
	if err != nil {
		return FindValueResult{}, err
	}
	type result struct {
		value FindValueResult
		ok    bool
	}
	done := make(chan result, 1)
	e.findValueWaiters.register(msgID.String(), deadlineOrDefault(ctx, constants.RequestTimeout), func(v FindValueResult, timedOut bool) {
		done <- result{value: v, ok: !timedOut}
	})
	if err := e.send(peerHex, EncodeFindValue(msgID, key)); err != nil {
		e.findValueWaiters.cancel(msgID.String())
		return FindValueResult{}, err
	}
	select {
	case r := <-done:
		if !r.ok {
			return FindValueResult{}, context.DeadlineExceeded
		}
		return r.value, nil
	case <-ctx.Done():
		return FindValueResult{}, ctx.Err()
	}
}

func (e *Engine) rpcStore(ctx context.Context, peerHex string, key NodeID, rec Record) error {
	recJSON, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	msgID, err := NewMessageID()
	if err != nil {
		return err
	}
	done := make(chan bool, 1)
	e.storeWaiters.register(msgID.String(), deadlineOrDefault(ctx, constants.RequestTimeout), func(_ struct{}, timedOut bool) {
		done <- !timedOut
	})
	if err := e.send(peerHex, EncodeStore(msgID, key, recJSON)); err != nil {
		e.storeWaiters.cancel(msgID.String())
		return err
	}
	select {
	case ok := <-done:
		if !ok {
			return context.DeadlineExceeded
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) rpcHasValue(ctx context.Context, peerHex string, key NodeID) (bool, error) {
	msgID, err := NewMessageID()
	if err != nil {
		return false, err
	}
	type result struct {
		has bool
		ok  bool
	}
	done := make(chan result, 1)
	e.hasValueWaiters.register(msgID.String(), deadlineOrDefault(ctx, constants.HasValueTimeout), func(has bool, timedOut bool) {
		done <- result{has: has, ok: !timedOut}
	})
	if err := e.send(peerHex, EncodeHasValue(msgID, key)); err != nil {
		e.hasValueWaiters.cancel(msgID.String())
		return false, err
	}
	select {
	case r := <-done:
		if !r.ok {
			return false, context.DeadlineExceeded
		}
		return r.has, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ---------------------------------------------------------------------
// Bucket-full LRU-probe policy (§4.5)
// ---------------------------------------------------------------------

func (e *Engine) resolveBucketFull(idx int, newcomer NodeID) {
	head, ok := e.rt.HeadOf(idx)
	if !ok {
		e.rt.PromoteReplacement(idx)
		e.rt.AddOrUpdate(newcomer)
		return
	}
	headHex := head.String()

	if !e.link.IsConnected(headHex) {
		e.evictAndPromote(idx, newcomer)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.BucketFullProbeTimeout)
	defer cancel()
	if e.rpcPing(ctx, headHex) {
		// Head answered: it wins, the newcomer stays in the replacement
		// cache where addOrUpdate already placed it.
		return
	}
	e.evictAndPromote(idx, newcomer)
}

func (e *Engine) evictAndPromote(idx int, newcomer NodeID) {
	e.rt.Evict(idx)
	e.rt.PromoteReplacement(idx)
	e.rt.AddOrUpdate(newcomer)
}
