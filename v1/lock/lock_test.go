package lock

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/syncbus"
)

const deadPID = 999999

func everyoneAlive(int) bool { return true }

func deadHolder(pid int) bool { return pid != deadPID }

func backends(t *testing.T) map[string]func() Backend {
	t.Helper()
	return map[string]func() Backend{
		"memory": func() Backend { return NewInMemory() },
		"fs": func() Backend {
			return NewFileSystem(t.TempDir(), nil)
		},
		"redis": func() Backend {
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatalf("miniredis run: %v", err)
			}
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() {
				_ = client.Close()
				mr.Close()
			})
			return NewRedis(client, "")
		},
	}
}

func TestSingleWinnerUnderContention(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					l := New(b, WithIdentity(Identity{PID: 1000 + i, Host: "h"}), WithLiveness(everyoneAlive))
					ok, err := l.TryAcquire(ctx, "issue-org_repo-42")
					if err != nil {
						t.Errorf("try acquire: %v", err)
						return
					}
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins)
			}
		})
	}
}

func TestReclaimDeadLocalHolder(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()
			host := LocalIdentity().Host
			dead := New(b, WithIdentity(Identity{PID: deadPID, Host: host}), WithLiveness(deadHolder))
			if ok, err := dead.TryAcquire(ctx, "job"); err != nil || !ok {
				t.Fatalf("first acquire: ok %v err %v", ok, err)
			}
			l := New(b, WithLiveness(deadHolder))
			stale, err := l.IsStale(ctx, "job")
			if err != nil || !stale {
				t.Fatalf("expected stale lock, got %v err %v", stale, err)
			}
			if err := l.Acquire(ctx, "job", time.Second); err != nil {
				t.Fatalf("acquire over dead holder: %v", err)
			}
			e, ok, err := b.Read(ctx, "job")
			if err != nil || !ok {
				t.Fatalf("read: ok %v err %v", ok, err)
			}
			if e.Meta.PID != l.Identity().PID {
				t.Fatalf("expected new holder pid %d, got %d", l.Identity().PID, e.Meta.PID)
			}
		})
	}
}

func TestLiveHolderIsNotReclaimed(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()
			holder := New(b, WithLiveness(everyoneAlive))
			if err := holder.Acquire(ctx, "job", 0); err != nil {
				t.Fatalf("acquire: %v", err)
			}
			other := New(b, WithIdentity(Identity{PID: 4242, Host: holder.Identity().Host}),
				WithLiveness(everyoneAlive), WithPollInterval(10*time.Millisecond))
			err := other.Acquire(ctx, "job", 100*time.Millisecond)
			if !stdErrors.Is(err, batonerrors.ErrLockTimeout) {
				t.Fatalf("expected ErrLockTimeout, got %v", err)
			}
			if ok, _ := other.Reclaim(ctx, "job"); ok {
				t.Fatal("live lock must not be reclaimed")
			}
		})
	}
}

func TestExpiredLockIsReclaimed(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()
			holder := New(b, WithIdentity(Identity{PID: 1, Host: "remote"}), WithLiveness(everyoneAlive))
			if err := holder.Acquire(ctx, "job", 0); err != nil {
				t.Fatalf("acquire: %v", err)
			}
			later := func() time.Time { return time.Now().Add(3 * time.Hour) }
			l := New(b, WithLiveness(everyoneAlive), WithClock(later))
			if err := l.Acquire(ctx, "job", 0); err != nil {
				t.Fatalf("acquire expired lock: %v", err)
			}
		})
	}
}

func TestRemoteHolderSkipsLivenessCheck(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()
	remote := New(b, WithIdentity(Identity{PID: deadPID, Host: "elsewhere"}))
	if err := remote.Acquire(ctx, "job", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l := New(b, WithLiveness(deadHolder))
	if stale, _ := l.IsStale(ctx, "job"); stale {
		t.Fatal("remote holder must not be judged by local pid check")
	}
	infos, err := l.List(ctx)
	if err != nil || len(infos) != 1 {
		t.Fatalf("list: %v %v", infos, err)
	}
	if infos[0].Liveness != LivenessRemote {
		t.Fatalf("expected remote liveness, got %s", infos[0].Liveness)
	}
}

func TestReleaseOwnership(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()
			owner := New(b, WithLiveness(everyoneAlive))
			other := New(b, WithIdentity(Identity{PID: 7, Host: "other"}), WithLiveness(everyoneAlive))
			if err := other.Release(ctx, "job"); err != nil {
				t.Fatalf("release of absent lock: %v", err)
			}
			if err := owner.Acquire(ctx, "job", 0); err != nil {
				t.Fatalf("acquire: %v", err)
			}
			if err := other.Release(ctx, "job"); !stdErrors.Is(err, batonerrors.ErrLockOwnershipMismatch) {
				t.Fatalf("expected ErrLockOwnershipMismatch, got %v", err)
			}
			if _, ok, _ := b.Read(ctx, "job"); !ok {
				t.Fatal("lock removed by non-owner")
			}
			if err := owner.Release(ctx, "job"); err != nil {
				t.Fatalf("owner release: %v", err)
			}
			if len(owner.Held()) != 0 {
				t.Fatalf("expected nothing held, got %v", owner.Held())
			}
			if err := owner.Acquire(ctx, "job", 0); err != nil {
				t.Fatalf("reacquire: %v", err)
			}
			if err := other.Release(ctx, "job", Force()); err != nil {
				t.Fatalf("force release: %v", err)
			}
			if _, ok, _ := b.Read(ctx, "job"); ok {
				t.Fatal("force release left the lock in place")
			}
		})
	}
}

func TestReleaseWakesWaiterThroughBus(t *testing.T) {
	b := NewInMemory()
	bus := syncbus.NewInMemoryBus()
	ctx := context.Background()
	holder := New(b, WithBus(bus), WithLiveness(everyoneAlive))
	waiter := New(b, WithIdentity(Identity{PID: 5, Host: holder.Identity().Host}),
		WithBus(bus), WithLiveness(everyoneAlive), WithPollInterval(time.Minute))
	if err := holder.Acquire(ctx, "job", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- waiter.Acquire(ctx, "job", 10*time.Second) }()
	time.Sleep(50 * time.Millisecond)
	if err := holder.Release(ctx, "job"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	b := NewInMemory()
	holder := New(b, WithLiveness(everyoneAlive))
	if err := holder.Acquire(context.Background(), "job", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	other := New(b, WithIdentity(Identity{PID: 2, Host: "h"}), WithPollInterval(10*time.Millisecond))
	if err := other.Acquire(ctx, "job", time.Minute); !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestInvalidNames(t *testing.T) {
	l := New(NewInMemory())
	for _, name := range []string{"", "..", "a/b", "a:b", ".hidden"} {
		if _, err := l.TryAcquire(context.Background(), name); !stdErrors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
	if got := SanitizeName("org/repo#42"); got != "org_repo_42" {
		t.Fatalf("unexpected sanitized name %q", got)
	}
}

func TestListAndForceClear(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()
			l := New(b, WithLiveness(everyoneAlive))
			for _, n := range []string{"issue-b", "issue-a", "ledger"} {
				if err := l.Acquire(ctx, n, 0, Resource("res-"+n)); err != nil {
					t.Fatalf("acquire %s: %v", n, err)
				}
			}
			infos, err := l.List(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(infos) != 3 || infos[0].Name != "issue-a" || infos[2].Name != "ledger" {
				t.Fatalf("unexpected list %+v", infos)
			}
			if infos[0].Resource != "res-issue-a" || !infos[0].Complete || infos[0].Liveness != LivenessAlive {
				t.Fatalf("unexpected info %+v", infos[0])
			}
			if err := l.ForceClear(ctx, "ledger"); err != nil {
				t.Fatalf("force clear: %v", err)
			}
			n, err := l.ForceClearAll(ctx)
			if err != nil || n != 2 {
				t.Fatalf("force clear all: n %d err %v", n, err)
			}
			if infos, _ := l.List(ctx); len(infos) != 0 {
				t.Fatalf("expected no locks, got %+v", infos)
			}
		})
	}
}

func TestRenewAndKeepalive(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()
			l := New(b, WithLiveness(everyoneAlive))
			if err := l.Renew(ctx, "job"); !stdErrors.Is(err, batonerrors.ErrLockOwnershipMismatch) {
				t.Fatalf("renew of unheld lock: %v", err)
			}
			if err := l.Acquire(ctx, "job", 0); err != nil {
				t.Fatalf("acquire: %v", err)
			}
			before, _, _ := b.Read(ctx, "job")
			time.Sleep(5 * time.Millisecond)
			k := l.Keepalive(ctx, "job", 10*time.Millisecond)
			time.Sleep(50 * time.Millisecond)
			k.Stop()
			after, _, _ := b.Read(ctx, "job")
			if !after.Meta.AcquiredAt.After(before.Meta.AcquiredAt) {
				t.Fatalf("timestamp not renewed: %v -> %v", before.Meta.AcquiredAt, after.Meta.AcquiredAt)
			}
			if err := l.ForceClear(ctx, "job"); err != nil {
				t.Fatalf("force clear: %v", err)
			}
			if ok, err := l.TryAcquire(ctx, "job"); err != nil || !ok {
				t.Fatalf("reacquire: ok %v err %v", ok, err)
			}
			// a different holder replaces ours behind our back
			if _, err := b.Remove(ctx, "job"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			thief := New(b, WithIdentity(Identity{PID: 3, Host: "h"}))
			if ok, _ := thief.TryAcquire(ctx, "job"); !ok {
				t.Fatal("thief acquire failed")
			}
			k = l.Keepalive(ctx, "job", 10*time.Millisecond)
			defer k.Stop()
			select {
			case <-k.Lost():
			case <-time.After(time.Second):
				t.Fatal("keepalive did not report the lost lock")
			}
		})
	}
}
