package dht

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

func TestEnginePingPong(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()
	_, bID := net.newNode()
	net.connect(aID, bID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !a.Ping(ctx, bID.String()) {
		t.Fatal("expected PING to b to succeed")
	}
	if a.RoutingTable().Size() != 1 {
		t.Fatal("b should be in a's routing table after connecting")
	}
}

func TestEnginePingUnreachablePeerFails(t *testing.T) {
	net := newFakeNetwork()
	a, _ := net.newNode()
	unknown, _ := NewNodeID()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if a.Ping(ctx, unknown.String()) {
		t.Fatal("PING to an unconnected peer must fail")
	}
}

func TestEngineFindNodeDiscoversMesh(t *testing.T) {
	net := newFakeNetwork()
	const n = 12
	ids := make([]NodeID, n)
	engines := make([]*Engine, n)
	for i := 0; i < n; i++ {
		e, id := net.newNode()
		engines[i] = e
		ids[i] = id
	}
	net.meshAll(ids)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target, _ := NewNodeID()
	result := engines[0].FindNode(ctx, target)
	if len(result) == 0 {
		t.Fatal("expected FindNode to return candidates from a fully meshed network")
	}
	for i := 1; i < len(result); i++ {
		prev := XOR(result[i-1], target)
		cur := XOR(result[i], target)
		if CompareDistance(prev, cur) > 0 {
			t.Fatal("FindNode result must be sorted by ascending distance to target")
		}
	}
}

func TestEngineStoreAndGetRoundTrip(t *testing.T) {
	net := newFakeNetwork()
	const n = 25 // > 2*WriteQuorum so quorum is reachable in a full mesh
	ids := make([]NodeID, n)
	engines := make([]*Engine, n)
	for i := 0; i < n; i++ {
		e, id := net.newNode()
		engines[i] = e
		ids[i] = id
	}
	net.meshAll(ids)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engines[0].Store(ctx, []byte("greeting"), []byte("hello, kademlia")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	value, ok := engines[n-1].Get(ctx2, []byte("greeting"))
	if !ok {
		t.Fatal("expected Get from a different node to find the stored value")
	}
	if string(value) != "hello, kademlia" {
		t.Fatalf("got %q, want %q", value, "hello, kademlia")
	}
}

func TestEngineStoreFailsQuorumWhenIsolated(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()
	b, bID := net.newNode()
	net.connect(aID, bID)
	_ = b

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := a.Store(ctx, []byte("lonely-key"), []byte("value"))
	if err == nil {
		t.Fatal("expected a quorum failure with only one connected peer")
	}
	var qerr *QuorumNotMet
	if !errors.As(err, &qerr) {
		t.Fatalf("expected a *QuorumNotMet, got %v", err)
	}
	if qerr.Needed != constants.WriteQuorum {
		t.Fatalf("expected Needed=%d, got %d", constants.WriteQuorum, qerr.Needed)
	}
}

func TestEngineRepairPropagatesToMissingReplica(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()
	b, bID := net.newNode()
	net.connect(aID, bID)

	key := KeyID([]byte("needs-repair"))
	a.store.setPublished(key, Record{Data: []byte("payload"), TS: 1, Pub: aID.String()}, time.Now())
	// b doesn't know this key yet; a's routing table must know about b to
	// consider it a repair target.
	a.rt.AddOrUpdate(bID)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.Repair(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := b.store.get(key, time.Now()); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected repair to push the missing record to b")
}

func TestEngineSendAfterCloseFailsWithErrEngineClosed(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()
	_, bID := net.newNode()
	net.connect(aID, bID)

	a.Close()
	err := a.send(bID.String(), EncodePing(aID))
	if !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed after Close, got %v", err)
	}
}

func TestEngineHandlePongWithNoWaiterIsHarmless(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()
	_, bID := net.newNode()
	net.connect(aID, bID)

	// No rpcPing is in flight, so this PONG has nothing registered for it;
	// handlePong must not panic and must leave b in a's routing table.
	a.handlePong(bID.String(), EncodePong(bID))
	if a.RoutingTable().Size() != 1 {
		t.Fatal("an unsolicited PONG should still be recorded in the routing table")
	}
}

func TestCheckIdentityDropsMismatchedPeer(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()
	_, bID := net.newNode()
	net.connect(aID, bID)

	other, _ := NewNodeID()
	if a.checkIdentity(bID.String(), other) {
		t.Fatal("checkIdentity must reject a claimed id that doesn't match the peer hex")
	}
	if a.link.IsConnected(bID.String()) {
		t.Fatal("a mismatched identity should cause the peer to be dropped")
	}
}

func TestGetErrReturnsErrKeyNotFound(t *testing.T) {
	net := newFakeNetwork()
	a, _ := net.newNode()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := a.GetErr(ctx, []byte("absent-key"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestOnMessageUnknownTypeDoesNotPanic(t *testing.T) {
	net := newFakeNetwork()
	a, _ := net.newNode()
	a.OnMessage("deadbeef", []byte{0xFF})
}

func TestHandleStoreRetainsPrimaryAtFullTTL(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()
	_, bID := net.newNode()
	net.connect(aID, bID)

	// a's routing table only knows b, so a is trivially among the
	// "K closest known" nodes to any key: this STORE must be retained as
	// a primary responsibility (full STORE_TTL, outlives CACHE_TTL).
	key := KeyID([]byte("primary-key"))
	rec := Record{Data: []byte("v"), TS: 1, Pub: bID.String()}
	recJSON, err := MarshalRecord(rec)
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	msgID, err := NewMessageID()
	if err != nil {
		t.Fatalf("NewMessageID: %v", err)
	}
	a.handleStore(bID.String(), EncodeStore(msgID, key, recJSON))

	later := time.Now().Add(constants.CacheTTL + time.Second)
	if _, ok := a.store.get(key, later); !ok {
		t.Fatal("a primary replica's STORE should outlive CACHE_TTL")
	}
}

func TestHandleStoreCachesNonPrimaryAtCacheTTL(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()
	_, bID := net.newNode()
	net.connect(aID, bID)

	key, _ := NewNodeID()
	selfDist := XOR(aID, key)

	// Populate a's routing table with K ids strictly closer to key than a
	// itself, so a is no longer among the K closest: IsPrimaryReplica(key)
	// must be false and the received STORE should only be cached.
	for added := 0; added < constants.K; {
		id, err := NewNodeID()
		if err != nil {
			t.Fatalf("NewNodeID: %v", err)
		}
		if CompareDistance(XOR(id, key), selfDist) >= 0 {
			continue
		}
		if res, _ := a.RoutingTable().AddOrUpdate(id); res == resultAdded {
			added++
		}
	}
	if a.IsPrimaryReplica(key) {
		t.Fatal("test setup failed: a should not be a primary replica for key")
	}

	rec := Record{Data: []byte("v"), TS: 1, Pub: bID.String()}
	recJSON, err := MarshalRecord(rec)
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	msgID, err := NewMessageID()
	if err != nil {
		t.Fatalf("NewMessageID: %v", err)
	}
	a.handleStore(bID.String(), EncodeStore(msgID, key, recJSON))

	later := time.Now().Add(constants.CacheTTL + time.Second)
	if _, ok := a.store.get(key, later); ok {
		t.Fatal("a non-primary-replica STORE should have expired with CACHE_TTL")
	}
}

func TestEngineIsPrimaryReplica(t *testing.T) {
	net := newFakeNetwork()
	a, aID := net.newNode()

	key := aID // distance 0 from a: a is always among the closest to its own id
	if !a.IsPrimaryReplica(key) {
		t.Fatal("a should always be a primary replica for its own id")
	}

	// Fill a's routing table with K closer-than-anything-else ids is hard
	// to engineer directly; instead confirm the trivially-true case above
	// and that an engine with zero routing table entries is primary for
	// any key (closer count is always 0 < K).
	other, _ := NewNodeID()
	if !a.IsPrimaryReplica(other) {
		t.Fatal("with an empty routing table, a is primary for every key")
	}
}
