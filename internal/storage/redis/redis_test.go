package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/pagelimit/internal/config"
	"github.com/goodtune/pagelimit/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		Namespace:    "test",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestPartition_GetMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	_, err := store.Sync().Get(context.Background(), "groups")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestPartition_SetAndGet(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sync := store.Sync()

	err := sync.Set(ctx, map[string][]byte{
		"groups":         []byte(`[{"id":"a"}]`),
		"dailyResetTime": []byte(`"04:00"`),
	})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := sync.Get(ctx, "groups")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `[{"id":"a"}]` {
		t.Errorf("Expected groups value, got %s", value)
	}

	// The hash lives under the namespaced key
	if got := mr.HGet("pagelimit:test:partition:sync", "dailyResetTime"); got != `"04:00"` {
		t.Errorf("Expected raw hash field \"04:00\", got %q", got)
	}
}

func TestPartition_RevisionIncrementsPerWrite(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.Sync().Set(ctx, map[string][]byte{"groups": []byte("[]")}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	rev, err := store.Revision(ctx, "sync")
	if err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	if rev != 3 {
		t.Errorf("Expected revision 3, got %d", rev)
	}
}

func TestPartition_RejectsReservedField(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	err := store.Sync().Set(context.Background(), map[string][]byte{revisionField: []byte("1")})
	if err == nil {
		t.Fatal("Expected error for reserved field")
	}
}

func TestPartition_SeparateNamespaces(t *testing.T) {
	mr := miniredis.RunT(t)

	open := func(ns string) *Store {
		store, err := Open(config.RedisConfig{
			Host:         mr.Addr(),
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
			Namespace:    ns,
		})
		if err != nil {
			t.Fatalf("Failed to open Redis store: %v", err)
		}
		return store
	}

	a := open("alice")
	defer func() { _ = a.Close() }()
	b := open("bob")
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	if err := a.Sync().Set(ctx, map[string][]byte{"groups": []byte("[1]")}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := b.Sync().Get(ctx, "groups"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected other namespace to be empty, got %v", err)
	}
}
