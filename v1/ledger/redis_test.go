package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-baton/v1/lock"
)

func TestRedisBackendUpsert(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := lock.New(lock.NewRedis(client, ""))
	l, err := New(NewRedisBackend(client, ""), locker)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()
	ctx := context.Background()
	if _, err := l.Upsert(ctx, testKey, StatusInProgress, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, err := l.Upsert(ctx, testKey, StatusFailed, "boom")
	if err != nil || rec.RetryCount != 1 {
		t.Fatalf("upsert failed: %+v %v", rec, err)
	}
	got, ok, err := l.Find(ctx, testKey)
	if err != nil || !ok || got.Status != StatusFailed || got.Details != "boom" {
		t.Fatalf("find: %+v ok %v err %v", got, ok, err)
	}
	if ttl := mr.TTL(DefaultRedisKey); ttl != 0 {
		t.Fatalf("ledger key must not expire, ttl %v", ttl)
	}
	for _, k := range mr.Keys() {
		if strings.Contains(k, ":tmp:") {
			t.Fatalf("temporary key left behind: %s", k)
		}
	}
	if mr.Exists(lock.DefaultRedisPrefix + LockName) {
		t.Fatal("ledger lock left behind")
	}
}

func TestRedisBackendCorruption(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	if err := mr.Set("custom", "not json"); err != nil {
		t.Fatalf("set: %v", err)
	}
	l, err := New(NewRedisBackend(client, "custom"), lock.New(lock.NewInMemory()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()
	ctx := context.Background()
	if all, err := l.All(ctx); err != nil || len(all) != 0 {
		t.Fatalf("all on corrupt ledger: %+v %v", all, err)
	}
	if _, err := l.Upsert(ctx, testKey, StatusPending, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	raw, _ := mr.Get("custom")
	if _, err := Parse([]byte(raw)); err != nil {
		t.Fatalf("document invalid after reset: %v", err)
	}
}
