package coordinator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/governor"
	"github.com/mirkobrombin/go-baton/v1/ledger"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
	"github.com/mirkobrombin/go-baton/v1/syncbus"
)

const (
	DefaultMaxRetries    = 2
	DefaultMaxConcurrent = 3
	DefaultLockTimeout   = 5 * time.Second
	DefaultSweepLimit    = 16
	DefaultWorkers       = 4
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-baton/v1/coordinator")

// ProcessFunc performs the work for one trigger. A returned error or a panic
// records a processing failure.
type ProcessFunc func(ctx context.Context, key ledger.Key) error

// LockName returns the lock guarding key.
func LockName(key ledger.Key) string {
	return governor.DefaultJobPrefix + lock.SanitizeName(key.Repo) + "-" + strconv.Itoa(key.Number)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) { c.maxRetries = n }
}

// WithMaxConcurrent sets the governor cap. Zero disables it.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) { c.maxConcurrent = n }
}

// WithLockTimeout bounds the wait for a key lock.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTimeout = d }
}

// WithSweepLimit bounds how many stale locks one Handle call reclaims.
func WithSweepLimit(n int) Option {
	return func(c *Coordinator) { c.sweepLimit = n }
}

// WithWorkers bounds HandleAll concurrency.
func WithWorkers(n int) Option {
	return func(c *Coordinator) { c.workers = n }
}

// WithRenewInterval keeps key locks fresh while the callback runs.
func WithRenewInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.renewInterval = d }
}

// WithBus publishes outcome notices on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics counts outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator runs triggers through the lock store, the ledger and the
// governor. It is safe for concurrent use.
type Coordinator struct {
	locker   *lock.Locker
	ledger   *ledger.Ledger
	governor *governor.Governor

	maxRetries    int
	maxConcurrent int
	lockTimeout   time.Duration
	sweepLimit    int
	workers       int
	renewInterval time.Duration

	bus     syncbus.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New wires a Coordinator.
func New(locker *lock.Locker, l *ledger.Ledger, g *governor.Governor, opts ...Option) *Coordinator {
	c := &Coordinator{
		locker:        locker,
		ledger:        l,
		governor:      g,
		maxRetries:    DefaultMaxRetries,
		maxConcurrent: DefaultMaxConcurrent,
		lockTimeout:   DefaultLockTimeout,
		sweepLimit:    DefaultSweepLimit,
		workers:       DefaultWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Locker returns the lock store used by c.
func (c *Coordinator) Locker() *lock.Locker { return c.locker }

// exhausted reports whether rec has used up its retries. The first attempt
// is not a retry, so a key gets at most 1+maxRetries attempts.
func (c *Coordinator) exhausted(rec ledger.Record) bool {
	return rec.Status == ledger.StatusFailed && rec.RetryCount > c.maxRetries
}

// Handle runs one trigger. The returned error is the Result's Err; none of
// the outcomes should stop the caller's loop.
func (c *Coordinator) Handle(ctx context.Context, key ledger.Key, fn ProcessFunc) (Result, error) {
	ctx, span := tracer.Start(ctx, "coordinator.Handle", trace.WithAttributes(
		attribute.String("baton.key", key.String()),
	))
	res := c.handle(ctx, key, fn)
	span.SetAttributes(attribute.String("baton.outcome", string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	span.End()

	c.metrics.Outcome(string(res.Outcome))
	logArgs := []any{"key", key.String(), "outcome", res.Outcome}
	if res.Reason != "" {
		logArgs = append(logArgs, "reason", res.Reason)
	}
	switch res.Outcome {
	case OutcomeError, OutcomeFailed, OutcomeRetriesExhausted:
		c.logger.Warn("baton: trigger handled", append(logArgs, "error", res.Err)...)
	default:
		c.logger.Info("baton: trigger handled", logArgs...)
	}
	if res.Outcome.Notify() {
		c.notify(ctx, res)
	}
	return res, res.Err
}

func (c *Coordinator) handle(ctx context.Context, key ledger.Key, fn ProcessFunc) Result {
	res := Result{Key: key}
	name := LockName(key)

	// 1. ledger pre-check
	rec, found, err := c.ledger.Find(ctx, key)
	if err != nil {
		return c.fault(res, err)
	}
	if found {
		res.Record = rec
		if reason, skip := c.skipReason(rec); skip {
			if rec.Status != ledger.StatusInProgress {
				return c.skipped(res, reason)
			}
			info, held, err := c.locker.Inspect(ctx, name)
			if err != nil {
				return c.fault(res, err)
			}
			if held && !info.Stale {
				return c.skipped(res, reason)
			}
			c.logger.Info("baton: resuming interrupted attempt", "key", key.String(), "lock_held", held)
		}
	}

	// 2. opportunistic sweep
	c.sweep(ctx)

	// 3. governor
	ok, err := c.governor.Check(ctx, c.maxConcurrent)
	if err != nil {
		return c.fault(res, err)
	}
	if !ok {
		res.Outcome = OutcomeDeferred
		res.Reason = fmt.Sprintf("concurrency cap of %d reached", c.maxConcurrent)
		return res
	}

	// 4. key lock
	if err := c.locker.Acquire(ctx, name, c.lockTimeout, lock.Resource(key.String())); err != nil {
		if stdErrors.Is(err, batonerrors.ErrLockTimeout) {
			res.Outcome = OutcomeBusy
			res.Reason = "lock held by another process"
			return res
		}
		return c.fault(res, err)
	}
	// 8. release on every path
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), name); err != nil {
			c.logger.Warn("baton: key lock release failed", "key", key.String(), "lock", name, "error", err)
		}
	}()
	keepalive := c.locker.Keepalive(ctx, name, c.renewInterval)
	defer keepalive.Stop()

	// 5. double check under the lock
	rec, found, err = c.ledger.Find(ctx, key)
	if err != nil {
		return c.fault(res, err)
	}
	if found {
		res.Record = rec
		switch {
		case rec.Status == ledger.StatusCompleted:
			return c.skipped(res, "already completed")
		case c.exhausted(rec):
			return c.skipped(res, "retries exhausted")
		case rec.Status == ledger.StatusInProgress:
			// we hold the lock, so whoever marked it is gone
			rec, err = c.ledger.Upsert(ctx, key, ledger.StatusFailed, "interrupted")
			if err != nil {
				return c.fault(res, err)
			}
			res.Record = rec
			if c.exhausted(rec) {
				res.Outcome = OutcomeRetriesExhausted
				res.Err = fmt.Errorf("%w: %s after %d attempts", batonerrors.ErrRetriesExhausted, key, rec.RetryCount)
				return res
			}
		}
	}
	rec, err = c.ledger.Upsert(ctx, key, ledger.StatusInProgress, "attempt "+strconv.Itoa(rec.RetryCount+1))
	if err != nil {
		return c.fault(res, err)
	}
	res.Record = rec

	// 6. process
	res.Attempted = true
	procErr := c.invoke(ctx, key, fn)

	// 7. record
	if procErr == nil {
		rec, err = c.ledger.Upsert(ctx, key, ledger.StatusCompleted, "")
		if err != nil {
			return c.fault(res, err)
		}
		res.Record = rec
		res.Outcome = OutcomeCompleted
		return res
	}
	rec, err = c.ledger.Upsert(ctx, key, ledger.StatusFailed, procErr.Error())
	if err != nil {
		return c.fault(res, err)
	}
	res.Record = rec
	if c.exhausted(rec) {
		res.Outcome = OutcomeRetriesExhausted
		res.Err = fmt.Errorf("%w: %s after %d attempts: %w", batonerrors.ErrRetriesExhausted, key, rec.RetryCount, procErr)
		return res
	}
	res.Outcome = OutcomeFailed
	res.Err = fmt.Errorf("%w: %s: %w", batonerrors.ErrProcessingFailure, key, procErr)
	return res
}

func (c *Coordinator) skipReason(rec ledger.Record) (string, bool) {
	switch {
	case rec.Status == ledger.StatusCompleted:
		return "already completed", true
	case c.exhausted(rec):
		return "retries exhausted", true
	case rec.Status == ledger.StatusInProgress:
		return "in progress elsewhere", true
	}
	return "", false
}

func (c *Coordinator) skipped(res Result, reason string) Result {
	res.Outcome = OutcomeSkipped
	res.Reason = reason
	return res
}

func (c *Coordinator) fault(res Result, err error) Result {
	res.Outcome = OutcomeError
	res.Err = err
	return res
}

// invoke runs fn, turning a panic into an error.
func (c *Coordinator) invoke(ctx context.Context, key ledger.Key, fn ProcessFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("baton: processing callback panicked", "key", key.String(), "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, key)
}

// sweep reclaims up to sweepLimit stale locks.
func (c *Coordinator) sweep(ctx context.Context) {
	if c.sweepLimit <= 0 {
		return
	}
	infos, err := c.locker.List(ctx)
	if err != nil {
		c.logger.Warn("baton: stale lock sweep failed", "error", err)
		return
	}
	reclaimed := 0
	for _, info := range infos {
		if reclaimed >= c.sweepLimit {
			return
		}
		if !info.Stale {
			continue
		}
		ok, err := c.locker.Reclaim(ctx, info.Name)
		if err != nil {
			c.logger.Warn("baton: stale lock reclaim failed", "lock", info.Name, "error", err)
			continue
		}
		if ok {
			reclaimed++
		}
	}
}

func (c *Coordinator) notify(ctx context.Context, res Result) {
	if c.bus == nil {
		return
	}
	n := Notice{
		ID:         uuid.NewString(),
		Key:        res.Key.String(),
		Repo:       res.Key.Repo,
		Number:     res.Key.Number,
		Outcome:    res.Outcome,
		RetryCount: res.Record.RetryCount,
		MaxRetries: c.maxRetries,
		Details:    res.Record.Details,
		At:         time.Now(),
	}
	payload, err := json.Marshal(n)
	if err != nil {
		c.logger.Warn("baton: notice encoding failed", "key", n.Key, "error", err)
		return
	}
	if err := c.bus.Publish(context.WithoutCancel(ctx), NoticeTopic, payload); err != nil {
		c.logger.Warn("baton: notice not published", "key", n.Key, "error", err)
	}
}

// HandleAll runs fn for every key, at most workers at a time, and returns
// the results in the order of keys.
func (c *Coordinator) HandleAll(ctx context.Context, keys []ledger.Key, fn ProcessFunc) []Result {
	results := make([]Result, len(keys))
	var g errgroup.Group
	if c.workers > 0 {
		g.SetLimit(c.workers)
	}
	for i, key := range keys {
		g.Go(func() error {
			results[i], _ = c.Handle(ctx, key, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
