package tcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kutluhann/dfss-kad/dht"
)

// recordingSink implements dht.PeerEventSink and records every event, for
// asserting what a Transport delivered without wiring a full Engine.
type recordingSink struct {
	mu        sync.Mutex
	connected []string
	dropped   []string
	messages  [][2]string // [peerHex, string(frame)]
}

func (s *recordingSink) OnPeerConnected(peerHex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, peerHex)
}

func (s *recordingSink) OnPeerDisconnected(peerHex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, peerHex)
}

func (s *recordingSink) OnMessage(peerHex string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, [2]string{peerHex, string(frame)})
}

func (s *recordingSink) sawConnected(peerHex string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.connected {
		if p == peerHex {
			return true
		}
	}
	return false
}

func newTestTransport(t *testing.T) (*Transport, dht.NodeID, *recordingSink) {
	t.Helper()
	id, err := dht.NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	tr := New(id, nil)
	sink := &recordingSink{}
	tr.SetSink(sink)
	return tr, id, sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDialHandshakeAndSend(t *testing.T) {
	a, aID, aSink := newTestTransport(t)
	b, bID, bSink := newTestTransport(t)
	defer a.Close()
	defer b.Close()

	addr, err := b.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	peerHex, err := a.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if peerHex != bID.String() {
		t.Fatalf("handshake returned %q, want %q", peerHex, bID.String())
	}

	waitFor(t, func() bool { return bSink.sawConnected(aID.String()) })
	if !a.IsConnected(bID.String()) {
		t.Fatal("a should be connected to b")
	}

	if err := a.Send(bID.String(), []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool {
		bSink.mu.Lock()
		defer bSink.mu.Unlock()
		return len(bSink.messages) == 1 && bSink.messages[0][1] == "hello"
	})

	peers := a.ConnectedPeers()
	if len(peers) != 1 || peers[0] != bID.String() {
		t.Fatalf("unexpected ConnectedPeers: %v", peers)
	}
	_ = aSink
}

func TestDropPeerFiresDisconnectOnBothSides(t *testing.T) {
	a, aID, aSink := newTestTransport(t)
	b, bID, bSink := newTestTransport(t)
	defer a.Close()
	defer b.Close()

	addr, err := b.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := a.Dial(addr); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitFor(t, func() bool { return bSink.sawConnected(aID.String()) })

	a.DropPeer(bID.String())
	waitFor(t, func() bool { return !a.IsConnected(bID.String()) })
	waitFor(t, func() bool {
		aSink.mu.Lock()
		defer aSink.mu.Unlock()
		for _, p := range aSink.dropped {
			if p == bID.String() {
				return true
			}
		}
		return false
	})
	waitFor(t, func() bool {
		bSink.mu.Lock()
		defer bSink.mu.Unlock()
		for _, p := range bSink.dropped {
			if p == aID.String() {
				return true
			}
		}
		return false
	})
}

func TestWaitForPeerUnblocksOnConnect(t *testing.T) {
	a, _, _ := newTestTransport(t)
	b, bID, _ := newTestTransport(t)
	defer a.Close()
	defer b.Close()

	addr, err := b.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan bool, 1)
	go func() { done <- a.WaitForPeer(ctx, bID.String()) }()

	time.Sleep(10 * time.Millisecond)
	if _, err := a.Dial(addr); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("WaitForPeer should report success once connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForPeer never returned")
	}
}

func TestWaitForPeerTimesOutWhenNeverConnected(t *testing.T) {
	a, _, _ := newTestTransport(t)
	defer a.Close()
	unknown, _ := dht.NewNodeID()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if a.WaitForPeer(ctx, unknown.String()) {
		t.Fatal("WaitForPeer should not succeed for a peer that never connects")
	}
}

func TestConnectHintWithoutPriorAddressIsNoop(t *testing.T) {
	a, _, _ := newTestTransport(t)
	defer a.Close()
	unknown, _ := dht.NewNodeID()

	// No address is known for unknown, so this must not panic or block.
	a.ConnectHint(unknown.String())
	time.Sleep(10 * time.Millisecond)
	if a.IsConnected(unknown.String()) {
		t.Fatal("ConnectHint should not connect a peer it has no address for")
	}
}
