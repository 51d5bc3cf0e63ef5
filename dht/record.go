package dht

import (
	"encoding/json"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

// Record is the versioned value tuple stored and replicated by the DHT.
// Data marshals as base64 under encoding/json's default []byte handling,
// matching the wire format's "recordJSON with data in base64".
type Record struct {
	Data []byte `json:"data"`
	TS   int64  `json:"ts"`
	Pub  string `json:"pub"`
}

// Newer reports whether a is strictly newer than b: a later timestamp
// wins outright; on a timestamp tie, the lexicographically larger
// publisher hex id wins. This total order is the sole conflict resolver
// (last-write-wins on (timestamp, publisher-id)).
func (a Record) Newer(b Record) bool {
	if a.TS != b.TS {
		return a.TS > b.TS
	}
	return a.Pub > b.Pub
}

// MarshalRecord / UnmarshalRecord wrap the STORE body's recordJSON
// encoding in one place so the codec and the engine don't each
// reimplement it.
func MarshalRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(b, &r)
	return r, err
}

// StoreEntry is a locally held record plus the bookkeeping needed for
// expiry, republishing and repair.
type StoreEntry struct {
	Record     Record
	ExpiresAt  time.Time
	Publisher  bool
	LastRepair time.Time
}

// Expired reports whether the entry's TTL has passed as of now.
func (e StoreEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func newStoredEntry(r Record, now time.Time, ttl time.Duration, publisher bool) StoreEntry {
	return StoreEntry{
		Record:    r,
		ExpiresAt: now.Add(ttl),
		Publisher: publisher,
	}
}

// storeTTLFor returns the TTL assigned to a freshly accepted record: the
// full hour for an authored/received STORE, a quarter of that for an
// opportunistically cached lookup result.
func storeTTLFor(cached bool) time.Duration {
	if cached {
		return constants.CacheTTL
	}
	return constants.StoreTTL
}
