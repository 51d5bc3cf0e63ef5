// Package constants holds the fixed parameters of the DHT protocol.
//
// These mirror the wire-level and algorithmic constants fixed by the
// overlay: changing them on one node without changing them network-wide
// breaks interoperability (bucket counts, id width, quorum size).
package constants

import "time"

const (
	// IDLen is the width of a NodeID/key hash in bytes (256 bits).
	IDLen = 32

	// MsgIDLen is the width of a MessageID in bytes.
	MsgIDLen = 8

	// NumBuckets is the number of k-buckets in a routing table, one per
	// possible bit position of IDLen*8.
	NumBuckets = IDLen * 8

	// K is the maximum number of live contacts held per bucket, and the
	// fan-out of closest-node replies.
	K = 20

	// Alpha is the concurrency of probes within an iterative lookup.
	Alpha = 3

	// WriteQuorum is the minimum number of STORE_ACKs required for a
	// publish to succeed: ceil(K/2).
	WriteQuorum = (K + 1) / 2

	// MaxDials is the maximum number of simultaneous connect hints a
	// lookup may have in flight against the transport.
	MaxDials = 4

	// StoreTTL is how long a STORE-received record lives before expiry.
	StoreTTL = time.Hour

	// CacheTTL is how long an opportunistically-cached lookup result
	// lives: one quarter of StoreTTL.
	CacheTTL = StoreTTL / 4

	// RefreshInterval is how often a stale bucket is refreshed with a
	// random-target FIND_NODE.
	RefreshInterval = 15 * time.Minute

	// RepublishInterval is how often a node re-announces the records it
	// authored.
	RepublishInterval = time.Hour

	// RepairInterval is how often held records are checked against their
	// intended replica set and pushed to peers missing them.
	RepairInterval = 10 * time.Second

	// LivelinessInterval is how often each bucket head is pinged to
	// confirm it is still reachable.
	LivelinessInterval = 5 * time.Minute

	// CleanupInterval is how often the seen-requests de-duplication set
	// is garbage collected.
	CleanupInterval = time.Minute

	// BucketFullProbeTimeout bounds the liveness probe sent to a bucket
	// head before accepting a replacement candidate.
	BucketFullProbeTimeout = 3 * time.Second

	// RequestTimeout bounds FIND_NODE / FIND_VALUE / STORE round trips.
	RequestTimeout = 5 * time.Second

	// HasValueTimeout bounds the HAS_VALUE repair probe.
	HasValueTimeout = 2 * time.Second

	// PublishSettleDelay is the brief pause storeValue takes before
	// issuing STOREs, so that peers discovered during the preceding
	// FIND_NODE have a chance to finish connecting.
	PublishSettleDelay = 1500 * time.Millisecond

	// LookupRetryPause is how long an iterative lookup waits before
	// retrying candidate selection when every shortlist entry is either
	// queried or not yet connected.
	LookupRetryPause = 100 * time.Millisecond

	// MaxRecordPayload is the recommended cap on STORE record payload
	// size, even though the wire length field can address up to 4 GiB.
	MaxRecordPayload = 64 * 1024
)
