// Package tcp implements dht.PeerLink over plain TCP connections,
// grounded on the length-prefixed framing idiom common across the
// example pack's network layers (e.g. ritikchawla-key-value-store's
// src/network/transport.go dialer config) and on the "reliable, ordered
// delivery" requirement SPEC_FULL.md's external interfaces section holds
// PeerLink to, which rules out the teacher's original raw UDP sockets.
//
// Every connection opens with a fixed-size identity handshake (each side
// writes its own 32-byte NodeID) before any length-prefixed application
// frame is exchanged, so the engine never has to be told a peer's
// address — dial and framing are entirely this package's concern.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
	"github.com/kutluhann/dfss-kad/dht"
)

const dialTimeout = 5 * time.Second

// maxFrameLen bounds an inbound frame so a misbehaving peer cannot force
// an unbounded allocation.
const maxFrameLen = constants.MaxRecordPayload + 4096

type peerConn struct {
	conn net.Conn
	addr string

	writeMu sync.Mutex
}

// Transport is a TCP-backed PeerLink. The zero value is not usable; build
// one with New.
type Transport struct {
	self    dht.NodeID
	selfHex string
	log     *slog.Logger

	mu       sync.Mutex
	conns    map[string]*peerConn
	addrBook map[string]string
	waiters  map[string][]chan struct{}

	sink     dht.PeerEventSink
	listener net.Listener
	closed   bool
}

// New builds a transport for local identity self. Call SetSink before
// Listen or Dial so inbound events have somewhere to go.
func New(self dht.NodeID, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		self:     self,
		selfHex:  self.String(),
		log:      log.With("component", "tcp"),
		conns:    make(map[string]*peerConn),
		addrBook: make(map[string]string),
		waiters:  make(map[string][]chan struct{}),
	}
}

// SetSink installs the engine as the recipient of connect/disconnect/
// message events. Must be called before Listen or Dial.
func (t *Transport) SetSink(sink dht.PeerEventSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Listen starts accepting inbound connections on addr (e.g. "0.0.0.0:0")
// and returns the address actually bound, so callers can pass ":0" and
// discover the chosen port.
func (t *Transport) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("tcp: listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return ln.Addr().String(), nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go t.handleInbound(c)
	}
}

func (t *Transport) handleInbound(c net.Conn) {
	peerHex, err := t.handshake(c)
	if err != nil {
		t.log.Debug("handshake failed", "remote", c.RemoteAddr(), "err", err)
		c.Close()
		return
	}
	t.register(peerHex, c.RemoteAddr().String(), c)
}

// Dial opens an outbound connection to addr, completes the identity
// handshake, and registers the peer. Used by bootstrap and by the
// localnet harness, which knows every peer's address up front.
func (t *Transport) Dial(addr string) (string, error) {
	c, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return "", fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	peerHex, err := t.handshake(c)
	if err != nil {
		c.Close()
		return "", err
	}
	t.register(peerHex, addr, c)
	return peerHex, nil
}

// handshake exchanges raw NodeIDs with whatever is on the other end of c
// and returns the peer's hex id.
func (t *Transport) handshake(c net.Conn) (string, error) {
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Write(t.self[:])
		errCh <- err
	}()

	var peerID dht.NodeID
	if _, err := io.ReadFull(c, peerID[:]); err != nil {
		<-errCh
		return "", fmt.Errorf("tcp: read peer id: %w", err)
	}
	if err := <-errCh; err != nil {
		return "", fmt.Errorf("tcp: write self id: %w", err)
	}
	return peerID.String(), nil
}

func (t *Transport) register(peerHex, addr string, c net.Conn) {
	pc := &peerConn{conn: c, addr: addr}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return
	}
	if old, ok := t.conns[peerHex]; ok {
		old.conn.Close()
	}
	t.conns[peerHex] = pc
	t.addrBook[peerHex] = addr
	sink := t.sink
	waiters := t.waiters[peerHex]
	delete(t.waiters, peerHex)
	t.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if sink != nil {
		sink.OnPeerConnected(peerHex)
	}
	go t.readLoop(peerHex, pc)
}

func (t *Transport) readLoop(peerHex string, pc *peerConn) {
	defer t.dropLocked(peerHex, pc)

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(pc.conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameLen {
			t.log.Warn("oversized frame, dropping peer", "peer", peerHex, "len", n)
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(pc.conn, frame); err != nil {
			return
		}

		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink.OnMessage(peerHex, frame)
		}
	}
}

func (t *Transport) dropLocked(peerHex string, pc *peerConn) {
	pc.conn.Close()

	t.mu.Lock()
	if cur, ok := t.conns[peerHex]; ok && cur == pc {
		delete(t.conns, peerHex)
	}
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink.OnPeerDisconnected(peerHex)
	}
}

// Send writes one length-prefixed frame to peerHex. Implements
// dht.PeerLink.
func (t *Transport) Send(peerHex string, frame []byte) error {
	t.mu.Lock()
	pc, ok := t.conns[peerHex]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcp: not connected to %s", peerHex)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if _, err := pc.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := pc.conn.Write(frame)
	return err
}

// ConnectHint asks the transport to (re)connect to peerHex if it knows an
// address for it from a prior direct connection. Wire FIND_NODE/
// FIND_VALUE replies carry only NodeIDs, never addresses, so a peer this
// node has never directly connected to cannot be dialed from a hint
// alone; it can only be reached once introduced via Dial (bootstrap or
// the localnet harness). Implements dht.PeerLink.
func (t *Transport) ConnectHint(peerHex string) {
	t.mu.Lock()
	if _, connected := t.conns[peerHex]; connected {
		t.mu.Unlock()
		return
	}
	addr, known := t.addrBook[peerHex]
	t.mu.Unlock()
	if !known {
		return
	}
	go func() {
		if _, err := t.Dial(addr); err != nil {
			t.log.Debug("reconnect hint failed", "peer", peerHex, "err", err)
		}
	}()
}

// DropPeer closes and forgets the connection to peerHex, if any.
// Implements dht.PeerLink.
func (t *Transport) DropPeer(peerHex string) {
	t.mu.Lock()
	pc, ok := t.conns[peerHex]
	t.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// IsConnected implements dht.PeerLink.
func (t *Transport) IsConnected(peerHex string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[peerHex]
	return ok
}

// ConnectedPeers implements dht.PeerLink.
func (t *Transport) ConnectedPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns))
	for hex := range t.conns {
		out = append(out, hex)
	}
	return out
}

// WaitForPeer blocks until peerHex is connected or ctx is done, reporting
// which happened first. Implements dht.PeerLink.
func (t *Transport) WaitForPeer(ctx context.Context, peerHex string) bool {
	t.mu.Lock()
	if _, ok := t.conns[peerHex]; ok {
		t.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	t.waiters[peerHex] = append(t.waiters[peerHex], ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close shuts down the listener and every open connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	ln := t.listener
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, pc := range conns {
		pc.conn.Close()
	}
	return nil
}
