package dht

import "context"

// PeerLink is the transport contract the core depends on (§6): a
// reliable, ordered, message-oriented link between peers, with
// connect/disconnect signaling. Framing, NAT traversal, bootstrap
// discovery and session establishment all live on the other side of this
// interface.
type PeerLink interface {
	// Send delivers frame to peerHex best-effort: if the peer is no
	// longer connected the frame is silently dropped and the caller's
	// own request timer is what detects the failure.
	Send(peerHex string, frame []byte) error

	// ConnectHint asks the transport to try to establish a link to
	// peerHex. It is asynchronous and may fail silently.
	ConnectHint(peerHex string)

	// DropPeer force-closes any link to peerHex.
	DropPeer(peerHex string)

	// IsConnected reports whether a link to peerHex is currently open.
	IsConnected(peerHex string) bool

	// ConnectedPeers lists every peer currently linked.
	ConnectedPeers() []string

	// WaitForPeer blocks until peerHex is connected or ctx is done,
	// reporting which happened first.
	WaitForPeer(ctx context.Context, peerHex string) bool
}

// PeerEventSink is implemented by the engine and driven by the transport:
// onPeerConnected/onMessage/onPeerDisconnected in §4.5's terms. Declaring
// it here lets a transport package depend only on this interface, never
// on the concrete Engine type.
type PeerEventSink interface {
	OnPeerConnected(peerHex string)
	OnPeerDisconnected(peerHex string)
	OnMessage(peerHex string, frame []byte)
}

// SignalSink receives SIGNAL_{OFFER,ANSWER,ICE} frames the core forwards
// without ever inspecting their payload (§4.2). A host wires exactly one
// SignalSink into the engine at construction time; the engine never
// mutates it, matching §9's "dynamic callback fields become typed ports"
// note.
type SignalSink interface {
	OnSignal(peerHex string, frame []byte)
}
