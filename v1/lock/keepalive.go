package lock

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
)

// Keepalive periodically renews a held lock so that long jobs are not
// mistaken for expired ones.
type Keepalive struct {
	ticker *time.Ticker
	stop   chan struct{}
	lost   chan struct{}
	once   sync.Once
	done   sync.WaitGroup
}

// Keepalive starts renewing name every interval until Stop is called or the
// lock is lost. A non-positive interval returns a Keepalive that does nothing.
func (l *Locker) Keepalive(ctx context.Context, name string, interval time.Duration) *Keepalive {
	k := &Keepalive{stop: make(chan struct{}), lost: make(chan struct{})}
	if interval <= 0 {
		return k
	}
	k.ticker = time.NewTicker(interval)
	k.done.Add(1)
	go func() {
		defer k.done.Done()
		for {
			select {
			case <-k.ticker.C:
				err := l.Renew(ctx, name)
				if err == nil {
					continue
				}
				if stdErrors.Is(err, batonerrors.ErrLockOwnershipMismatch) {
					l.logger.Error("baton: lock lost while held", "lock", name)
					close(k.lost)
					return
				}
				l.logger.Warn("baton: lock renewal failed", "lock", name, "error", err)
			case <-k.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return k
}

// Lost is closed when a renewal finds the lock held by someone else.
func (k *Keepalive) Lost() <-chan struct{} { return k.lost }

// Stop ends renewal and waits for the renewing goroutine to exit.
func (k *Keepalive) Stop() {
	k.once.Do(func() {
		if k.ticker != nil {
			k.ticker.Stop()
		}
		close(k.stop)
	})
	k.done.Wait()
}
