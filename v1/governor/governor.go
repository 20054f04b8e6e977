// Package governor caps how many jobs run at once across every process
// sharing a lock store.
package governor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
)

// DefaultJobPrefix marks the locks that represent running jobs.
const DefaultJobPrefix = "issue-"

// Option configures a Governor.
type Option func(*Governor)

// WithJobPrefix changes which lock names count as jobs.
func WithJobPrefix(prefix string) Option {
	return func(g *Governor) { g.prefix = prefix }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// WithMetrics publishes the active job count on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// Governor counts active jobs from the lock store. Its answer is advisory:
// it is not atomic with a later acquire, so the cap can be exceeded briefly.
type Governor struct {
	locker  *lock.Locker
	prefix  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Governor reading locks through locker.
func New(locker *lock.Locker, opts ...Option) *Governor {
	g := &Governor{locker: locker, prefix: DefaultJobPrefix}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Active returns the number of jobs currently counted as running. Local
// holders count only while alive, remote holders always count, and locks
// whose metadata is still being written count.
func (g *Governor) Active(ctx context.Context) (int, error) {
	infos, err := g.locker.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, g.prefix) {
			continue
		}
		switch info.Liveness {
		case lock.LivenessAlive, lock.LivenessRemote, lock.LivenessUnknown:
			n++
		}
	}
	g.metrics.ActiveJobs(n)
	return n, nil
}

// Check reports whether another job may start under maxConcurrent. A
// non-positive maximum means unlimited.
func (g *Governor) Check(ctx context.Context, maxConcurrent int) (bool, error) {
	if maxConcurrent <= 0 {
		return true, nil
	}
	n, err := g.Active(ctx)
	if err != nil {
		return false, err
	}
	if n >= maxConcurrent {
		g.logger.Debug("baton: concurrency cap reached", "active", n, "max", maxConcurrent)
		return false, nil
	}
	return true, nil
}
