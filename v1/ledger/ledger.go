package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/ristretto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
)

const (
	// LockName is the lock serializing ledger writers.
	LockName = "ledger"

	DefaultLockTimeout   = 10 * time.Second
	DefaultWriteAttempts = 3
	DefaultRetryInterval = 50 * time.Millisecond
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-baton/v1/ledger")

// Backend persists the ledger document. Writes go to a temporary location
// first and are swapped in by Commit, which must be atomic.
type Backend interface {
	// Read returns the canonical document, or nil when none exists yet.
	Read(ctx context.Context) ([]byte, error)
	// WriteTemp stores data at a location unique to this call.
	WriteTemp(ctx context.Context, data []byte) (string, error)
	// ReadTemp reads back a temporary copy.
	ReadTemp(ctx context.Context, ref string) ([]byte, error)
	// Commit atomically replaces the canonical document with ref.
	Commit(ctx context.Context, ref string) error
	// Discard removes an uncommitted temporary copy.
	Discard(ctx context.Context, ref string) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockTimeout bounds how long a writer waits for the ledger lock.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.lockTimeout = d }
}

// WithWriteAttempts sets how many compute-and-write attempts Upsert makes.
func WithWriteAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.attempts = n
		}
	}
}

// WithRetryInterval sets the pause between write attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Ledger) { l.retryInterval = d }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics records ledger activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the durable execution ledger. Reads are lock-free; every write
// holds the ledger lock from the Locker it was built with.
type Ledger struct {
	backend       Backend
	locker        *lock.Locker
	lockTimeout   time.Duration
	attempts      int
	retryInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	snapshots     *ristretto.Cache
}

// New returns a Ledger persisting through backend and serializing writers
// through locker.
func New(backend Backend, locker *lock.Locker, opts ...Option) (*Ledger, error) {
	snapshots, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e3,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		backend:       backend,
		locker:        locker,
		lockTimeout:   DefaultLockTimeout,
		attempts:      DefaultWriteAttempts,
		retryInterval: DefaultRetryInterval,
		now:           time.Now,
		snapshots:     snapshots,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Close releases the snapshot cache.
func (l *Ledger) Close() {
	l.snapshots.Close()
}

// snapshot parses data, reusing a cached parse of identical content.
func (l *Ledger) snapshot(data []byte) (*Document, error) {
	if data == nil {
		return emptyDocument(), nil
	}
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	if v, ok := l.snapshots.Get(id); ok {
		if doc, ok := v.(*Document); ok {
			return doc, nil
		}
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	l.snapshots.Set(id, doc, int64(len(data)))
	return doc, nil
}

func (l *Ledger) load(ctx context.Context) (*Document, error) {
	data, err := l.backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	return l.snapshot(data)
}

// Find returns the record for key. A document that fails validation is
// logged and reported as not found.
func (l *Ledger) Find(ctx context.Context, key Key) (Record, bool, error) {
	doc, err := l.load(ctx)
	if stdErrors.Is(err, batonerrors.ErrLedgerCorruption) {
		l.logger.Warn("baton: ledger unreadable, treating as empty", "key", key.String(), "error", err)
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	i := doc.find(key.String())
	if i < 0 {
		return Record{}, false, nil
	}
	return doc.Records[i], true, nil
}

// All returns every record in creation order.
func (l *Ledger) All(ctx context.Context) ([]Record, error) {
	doc, err := l.load(ctx)
	if stdErrors.Is(err, batonerrors.ErrLedgerCorruption) {
		l.logger.Warn("baton: ledger unreadable, treating as empty", "error", err)
		return []Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(doc.Records))
	copy(out, doc.Records)
	return out, nil
}

// Upsert moves key to status and returns the stored record. A transition
// into failed increments the retry count. Completed records only accept
// completed again.
func (l *Ledger) Upsert(ctx context.Context, key Key, status Status, details string) (rec Record, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Upsert", trace.WithAttributes(
		attribute.String("baton.key", key.String()),
		attribute.String("baton.status", string(status)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := l.locker.Acquire(ctx, LockName, l.lockTimeout, lock.Resource("ledger")); err != nil {
		l.metrics.LedgerWrite(false)
		return Record{}, fmt.Errorf("%w: %w", batonerrors.ErrLedgerWriteFailure, err)
	}
	defer func() {
		if rerr := l.locker.Release(context.WithoutCancel(ctx), LockName); rerr != nil {
			l.logger.Warn("baton: ledger lock release failed", "error", rerr)
		}
	}()

	attempt := 0
	op := func() error {
		attempt++
		r, err := l.write(ctx, key, status, details)
		if err != nil {
			if stdErrors.Is(err, batonerrors.ErrInvalidTransition) {
				return backoff.Permanent(err)
			}
			l.logger.Warn("baton: ledger write attempt failed", "key", key.String(), "attempt", attempt, "error", err)
			return err
		}
		rec = r
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.retryInterval), uint64(l.attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if stdErrors.Is(err, batonerrors.ErrInvalidTransition) {
			return Record{}, err
		}
		l.metrics.LedgerWrite(false)
		return Record{}, fmt.Errorf("%w: %s after %d attempts: %w", batonerrors.ErrLedgerWriteFailure, key, attempt, err)
	}
	l.metrics.LedgerWrite(true)
	return rec, nil
}

// write performs one compute-and-swap cycle. The caller holds the ledger lock.
func (l *Ledger) write(ctx context.Context, key Key, status Status, details string) (Record, error) {
	data, err := l.backend.Read(ctx)
	if err != nil {
		return Record{}, err
	}
	doc, err := l.snapshot(data)
	if err != nil {
		l.metrics.LedgerReset()
		l.logger.Warn("baton: ledger corrupted, resetting to empty", "error", err)
		doc = emptyDocument()
	}
	next, rec, err := doc.apply(key, status, details, l.now())
	if err != nil {
		return Record{}, err
	}
	out, err := next.Encode()
	if err != nil {
		return Record{}, err
	}
	ref, err := l.backend.WriteTemp(ctx, out)
	if err != nil {
		return Record{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = l.backend.Discard(context.WithoutCancel(ctx), ref)
		}
	}()
	back, err := l.backend.ReadTemp(ctx, ref)
	if err != nil {
		return Record{}, err
	}
	if !bytes.Equal(back, out) {
		return Record{}, fmt.Errorf("baton: temporary ledger copy differs from what was written")
	}
	if _, err := Parse(back); err != nil {
		return Record{}, fmt.Errorf("baton: temporary ledger copy failed verification: %w", err)
	}
	if err := l.backend.Commit(ctx, ref); err != nil {
		return Record{}, err
	}
	committed = true
	return rec, nil
}
