package dht

import (
	"testing"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
)

func TestValueStoreApplyStoreRejectsStale(t *testing.T) {
	s := newValueStore()
	key, _ := NewNodeID()
	now := time.Now()

	newer := Record{TS: 20, Pub: "bb"}
	older := Record{TS: 10, Pub: "aa"}

	if !s.applyStore(key, newer, now, false) {
		t.Fatal("first write should be accepted")
	}
	if s.applyStore(key, older, now, false) {
		t.Fatal("an older record must be rejected")
	}
	got, ok := s.get(key, now)
	if !ok || got.TS != 20 {
		t.Fatal("expected the newer record to remain")
	}
}

func TestValueStoreExpiry(t *testing.T) {
	s := newValueStore()
	key, _ := NewNodeID()
	now := time.Now()
	s.applyStore(key, Record{TS: 1}, now, true) // cached -> CACHE_TTL

	if !s.has(key, now) {
		t.Fatal("expected the entry to be present immediately")
	}
	later := now.Add(constants.CacheTTL + time.Second)
	if s.has(key, later) {
		t.Fatal("expected the cached entry to have expired")
	}
}

func TestValueStoreSetPublishedIsFullTTLAndMarked(t *testing.T) {
	s := newValueStore()
	key, _ := NewNodeID()
	now := time.Now()
	s.setPublished(key, Record{TS: 1}, now)

	snap := s.snapshot(now, true)
	if len(snap) != 1 {
		t.Fatalf("expected 1 publisher-authored entry, got %d", len(snap))
	}
	if !snap[0].Entry.Publisher {
		t.Fatal("expected Publisher=true")
	}

	later := now.Add(constants.CacheTTL + time.Second)
	if !s.has(key, later) {
		t.Fatal("a published entry should outlive CACHE_TTL")
	}
}

func TestValueStoreReapExpired(t *testing.T) {
	s := newValueStore()
	key, _ := NewNodeID()
	now := time.Now()
	s.applyStore(key, Record{TS: 1}, now, true)

	later := now.Add(constants.CacheTTL + time.Second)
	s.reapExpired(later)
	if s.count() != 0 {
		t.Fatal("expected the expired entry to have been reaped")
	}
}

func TestValueStoreSnapshotFiltersPublisherOnly(t *testing.T) {
	s := newValueStore()
	now := time.Now()
	published, _ := NewNodeID()
	cached, _ := NewNodeID()
	s.setPublished(published, Record{TS: 1}, now)
	s.applyStore(cached, Record{TS: 1}, now, false)

	all := s.snapshot(now, false)
	if len(all) != 2 {
		t.Fatalf("expected 2 total entries, got %d", len(all))
	}
	publisherOnly := s.snapshot(now, true)
	if len(publisherOnly) != 1 || publisherOnly[0].Key != published {
		t.Fatal("expected only the published entry in the publisher-only snapshot")
	}
}
