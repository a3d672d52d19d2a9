package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/registry"
)

const testServer = "test_server"

// newTestStore creates a Store connected to a local Redis instance and
// removes all test presence keys before and after the test. Tests that call
// this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T, serverName string) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		for _, pattern := range []string{KeyPrefix + "test_*", KeyPrefix + "server:test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, serverName, nil)
}

func TestOnlineAndGet(t *testing.T) {
	store := newTestStore(t, testServer)
	ctx := context.Background()
	connected := time.Now().Add(-time.Minute)

	if err := store.Online(ctx, "test_alice", connected); err != nil {
		t.Fatalf("Online() error: %v", err)
	}

	entry, err := store.Get(ctx, "test_alice")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a presence entry")
	}
	if entry.Status != string(protocol.StatusOnline) || entry.Server != testServer {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.ConnectedAt != connected.Unix() {
		t.Errorf("expected connected_at %d, got %d", connected.Unix(), entry.ConnectedAt)
	}

	ttl, err := store.Client().TTL(ctx, KeyPrefix+"test_alice").Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 || ttl > TTL {
		t.Errorf("expected TTL in (0, %s], got %s", TTL, ttl)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t, testServer)

	entry, err := store.Get(context.Background(), "test_nobody")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry, got %+v", entry)
	}
}

func TestUpdateStatus(t *testing.T) {
	store := newTestStore(t, testServer)
	ctx := context.Background()

	store.Online(ctx, "test_bob", time.Now())
	if err := store.UpdateStatus(ctx, "test_bob", protocol.StatusTyping); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}

	entry, _ := store.Get(ctx, "test_bob")
	if entry == nil || entry.Status != string(protocol.StatusTyping) {
		t.Errorf("expected typing, got %+v", entry)
	}
}

func TestOfflineAndList(t *testing.T) {
	store := newTestStore(t, testServer)
	ctx := context.Background()

	store.Online(ctx, "test_a", time.Now())
	store.Online(ctx, "test_b", time.Now())

	if err := store.Offline(ctx, "test_a"); err != nil {
		t.Fatalf("Offline() error: %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "test_b" {
		t.Errorf("expected only test_b online, got %+v", entries)
	}
}

func TestOffline_KeepsOtherServersRecord(t *testing.T) {
	mine := newTestStore(t, testServer)
	other := NewStoreWithClient(mine.Client(), "test_other", nil)
	ctx := context.Background()

	other.Online(ctx, "test_roamer", time.Now())
	if err := mine.Offline(ctx, "test_roamer"); err != nil {
		t.Fatalf("Offline() error: %v", err)
	}

	entry, _ := mine.Get(ctx, "test_roamer")
	if entry == nil || entry.Server != "test_other" {
		t.Errorf("expected record owned by test_other to survive, got %+v", entry)
	}
}

func TestList_PrunesExpired(t *testing.T) {
	store := newTestStore(t, testServer)
	ctx := context.Background()

	store.Online(ctx, "test_gone", time.Now())
	store.Client().Del(ctx, KeyPrefix+"test_gone")

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %+v", entries)
	}
	if n, _ := store.Client().SCard(ctx, store.indexKey()).Result(); n != 0 {
		t.Errorf("expected index pruned, has %d members", n)
	}
}

func TestUpdateStatus_RenewsIndexTTL(t *testing.T) {
	store := newTestStore(t, testServer)
	ctx := context.Background()

	store.Online(ctx, "test_dave", time.Now())
	store.Client().Expire(ctx, store.indexKey(), 10*time.Second)

	if err := store.UpdateStatus(ctx, "test_dave", protocol.StatusTyping); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}
	ttl, err := store.Client().TTL(ctx, store.indexKey()).Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 10*time.Second {
		t.Errorf("expected index TTL renewed past 10s, got %s", ttl)
	}
}

func TestRefresh_RecreatesExpiredRecord(t *testing.T) {
	store := newTestStore(t, testServer)
	ctx := context.Background()
	connected := time.Now().Add(-2 * time.Hour)

	store.Online(ctx, "test_kept", connected)
	// test_lost expired while its client stayed connected.
	store.Online(ctx, "test_lost", connected)
	store.Client().Del(ctx, KeyPrefix+"test_lost", store.indexKey())

	users := []protocol.UserStatus{
		{Name: "test_kept", Status: protocol.StatusTyping},
		{Name: "test_lost", Status: protocol.StatusOnline},
	}
	at := time.Now()
	if err := store.Refresh(ctx, users, at); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	kept, _ := store.Get(ctx, "test_kept")
	if kept == nil || kept.Status != string(protocol.StatusTyping) || kept.ConnectedAt != connected.Unix() {
		t.Errorf("expected test_kept typing with original connected_at, got %+v", kept)
	}
	lost, _ := store.Get(ctx, "test_lost")
	if lost == nil || lost.Server != testServer || lost.ConnectedAt != at.Unix() {
		t.Errorf("expected test_lost recreated, got %+v", lost)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries listed, got %+v", entries)
	}
	for _, k := range []string{KeyPrefix + "test_lost", store.indexKey()} {
		ttl, _ := store.Client().TTL(ctx, k).Result()
		if ttl <= 0 || ttl > TTL {
			t.Errorf("%s: expected TTL in (0, %s], got %s", k, TTL, ttl)
		}
	}
}

func TestObserve_IdleClientSurvivesExpiry(t *testing.T) {
	store := newTestStore(t, testServer)
	ctx := context.Background()

	cfg := registry.DefaultConfig()
	cfg.JoinDelay = time.Hour
	cfg.LeaveGrace = time.Hour
	cfg.RefreshInterval = 20 * time.Millisecond
	reg := registry.New(cfg, zap.NewNop(), store)
	defer reg.Close()

	if _, err := reg.Register("test_idle", nopChannel{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitForEntry(t, store, "test_idle", func(e *Entry) bool { return e != nil })

	// Expire the record and the index while the client stays connected.
	store.Client().Del(ctx, KeyPrefix+"test_idle", store.indexKey())

	waitForEntry(t, store, "test_idle", func(e *Entry) bool { return e != nil })
	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "test_idle" {
		t.Errorf("expected idle client listed, got %+v", entries)
	}
}

type nopChannel struct{}

func (nopChannel) WriteMessage([]byte) error { return nil }
func (nopChannel) Close() error              { return nil }

func TestObserve_FollowsRegistry(t *testing.T) {
	store := newTestStore(t, testServer)
	ctx := context.Background()

	cfg := registry.DefaultConfig()
	cfg.JoinDelay = time.Hour
	cfg.LeaveGrace = time.Hour
	reg := registry.New(cfg, zap.NewNop(), store)
	defer reg.Close()

	if _, err := reg.Register("test_carol", nopChannel{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitForEntry(t, store, "test_carol", func(e *Entry) bool { return e != nil })

	if err := reg.SetTyping("test_carol", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	waitForEntry(t, store, "test_carol", func(e *Entry) bool {
		return e != nil && e.Status == string(protocol.StatusTyping)
	})

	reg.Deregister("test_carol")
	waitForEntry(t, store, "test_carol", func(e *Entry) bool { return e == nil })

	if entry, _ := store.Get(ctx, "test_carol"); entry != nil {
		t.Errorf("expected record removed, got %+v", entry)
	}
}

func waitForEntry(t *testing.T, store *Store, clientID string, cond func(*Entry) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := store.Get(context.Background(), clientID)
		if err == nil && cond(entry) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for presence of %s", clientID)
}
