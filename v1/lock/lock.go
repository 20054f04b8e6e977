package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/metrics"
	"github.com/mirkobrombin/go-baton/v1/syncbus"
)

const (
	DefaultStaleAge      = 2 * time.Hour
	DefaultMetadataGrace = 10 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond

	// reclaimRetries bounds how many times TryAcquire retries creation right
	// after reclaiming a stale lock.
	reclaimRetries = 3
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-baton/v1/lock")

// ErrInvalidName is returned for names that cannot be stored by every backend.
var ErrInvalidName = stdErrors.New("baton: invalid lock name")

// Identity names the process holding a lock.
type Identity struct {
	PID  int
	Host string
}

// LocalIdentity returns the identity of the current process.
func LocalIdentity() Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return Identity{PID: os.Getpid(), Host: host}
}

// Meta is the holder metadata stored alongside a lock.
type Meta struct {
	PID        int
	Host       string
	Resource   string
	Token      string
	AcquiredAt time.Time
}

// Entry is a backend's view of an existing lock.
type Entry struct {
	Meta Meta
	// Complete is false while some metadata field is missing or unreadable.
	Complete bool
	// Created is the last time the container saw metadata activity. It is
	// used to age incomplete entries.
	Created time.Time
	// Version is an opaque value identifying this incarnation of the lock,
	// used by compare-and-remove.
	Version string
}

// Backend stores lock containers. Create must be an all-or-nothing
// create-if-absent operation.
type Backend interface {
	// Create creates the container for name and writes meta into it. It
	// returns false, without error, when the container already exists.
	Create(ctx context.Context, name string, meta Meta) (bool, error)
	// Read returns the entry for name. The boolean is false when absent.
	Read(ctx context.Context, name string) (Entry, bool, error)
	// Touch sets the acquisition time of name if its token still matches.
	Touch(ctx context.Context, name, token string, at time.Time) (bool, error)
	// RemoveIf removes name only while its version equals version. It
	// returns false when the lock is gone or was replaced.
	RemoveIf(ctx context.Context, name, version string) (bool, error)
	// Remove removes name unconditionally.
	Remove(ctx context.Context, name string) (bool, error)
	// Names lists the locks currently present.
	Names(ctx context.Context) ([]string, error)
}

// Liveness describes what is known about a lock holder.
type Liveness string

const (
	LivenessAlive   Liveness = "alive"
	LivenessDead    Liveness = "dead"
	LivenessRemote  Liveness = "remote"
	LivenessUnknown Liveness = "unknown"
)

// Info describes a lock for diagnostics.
type Info struct {
	Name       string        `json:"name"`
	PID        int           `json:"holder_pid"`
	Host       string        `json:"holder_host"`
	Resource   string        `json:"resource"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Age        time.Duration `json:"age"`
	Liveness   Liveness      `json:"liveness"`
	Complete   bool          `json:"complete"`
	Stale      bool          `json:"stale"`
}

// Option configures a Locker.
type Option func(*Locker)

// WithIdentity overrides the identity recorded as holder.
func WithIdentity(id Identity) Option {
	return func(l *Locker) { l.id = id }
}

// WithStaleAge sets the age after which any lock is considered stale.
func WithStaleAge(d time.Duration) Option {
	return func(l *Locker) { l.staleAge = d }
}

// WithMetadataGrace sets how long a lock may stay without complete metadata
// before it is considered orphaned.
func WithMetadataGrace(d time.Duration) Option {
	return func(l *Locker) { l.grace = d }
}

// WithPollInterval sets the retry interval used by Acquire.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) { l.poll = d }
}

// WithBus propagates releases through bus.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Locker) { l.bus = bus }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// WithLiveness replaces the process check used for local holders.
func WithLiveness(fn func(pid int) bool) Option {
	return func(l *Locker) { l.alive = fn }
}

// WithMetrics records lock activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Locker) { l.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// Locker implements acquisition, staleness detection and reclamation on top
// of a Backend. It is safe for concurrent use.
type Locker struct {
	backend  Backend
	id       Identity
	staleAge time.Duration
	grace    time.Duration
	poll     time.Duration
	bus      syncbus.Bus
	logger   *slog.Logger
	alive    func(pid int) bool
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.Mutex
	held map[string]string
}

// New returns a Locker storing locks in backend.
func New(backend Backend, opts ...Option) *Locker {
	l := &Locker{
		backend:  backend,
		id:       LocalIdentity(),
		staleAge: DefaultStaleAge,
		grace:    DefaultMetadataGrace,
		poll:     DefaultPollInterval,
		alive:    ProcessAlive,
		now:      time.Now,
		held:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Identity returns the identity recorded by this Locker.
func (l *Locker) Identity() Identity { return l.id }

// SanitizeName maps s onto the characters accepted in lock names.
func SanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || SanitizeName(name) != name || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// AcquireOption configures a single acquisition.
type AcquireOption func(*Meta)

// Resource sets the free-text resource label stored with the lock.
func Resource(label string) AcquireOption {
	return func(m *Meta) { m.Resource = label }
}

// Acquire blocks until name is held, ctx is done or timeout elapses. A
// timeout yields ErrLockTimeout; a zero timeout makes a single attempt.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration, opts ...AcquireOption) (err error) {
	ctx, span := tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(
		attribute.String("baton.lock", name),
		attribute.Int64("baton.timeout_ms", timeout.Milliseconds()),
	))
	defer func() {
		if err != nil && !stdErrors.Is(err, batonerrors.ErrLockTimeout) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := validateName(name); err != nil {
		return err
	}
	start := l.now()
	var wake <-chan syncbus.Event
	if l.bus != nil && timeout > 0 {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if ch, err := l.bus.Subscribe(subCtx, unlockTopic(name)); err == nil {
			wake = ch
		} else {
			l.logger.Debug("baton: release subscription unavailable, polling only", "lock", name, "error", err)
		}
	}

	for {
		ok, err := l.TryAcquire(ctx, name, opts...)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := timeout - l.now().Sub(start)
		if remaining <= 0 {
			l.metrics.LockTimedOut()
			return fmt.Errorf("%w: %s after %v", batonerrors.ErrLockTimeout, name, timeout)
		}
		wait := l.poll
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-wake:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// TryAcquire makes one attempt to take name, reclaiming it first when the
// current holder is stale.
func (l *Locker) TryAcquire(ctx context.Context, name string, opts ...AcquireOption) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	token, err := uuid.GenerateUUID()
	if err != nil {
		return false, err
	}
	meta := Meta{PID: l.id.PID, Host: l.id.Host, Resource: name, Token: token}
	for _, opt := range opts {
		opt(&meta)
	}

	for attempt := 0; attempt <= reclaimRetries; attempt++ {
		meta.AcquiredAt = l.now()
		created, err := l.backend.Create(ctx, name, meta)
		if err != nil {
			return false, err
		}
		if created {
			l.mu.Lock()
			l.held[name] = token
			l.mu.Unlock()
			l.metrics.LockAcquired()
			return true, nil
		}
		entry, ok, err := l.backend.Read(ctx, name)
		if err != nil {
			return false, err
		}
		if !ok {
			// released between Create and Read
			continue
		}
		stale, reason := l.judge(entry)
		if !stale {
			return false, nil
		}
		if _, err := l.reclaimEntry(ctx, name, entry, reason); err != nil {
			return false, err
		}
	}
	return false, nil
}

// judge applies the staleness rules to entry.
func (l *Locker) judge(e Entry) (bool, string) {
	now := l.now()
	if !e.Complete {
		if now.Sub(e.Created) > l.grace {
			return true, "incomplete metadata"
		}
		return false, ""
	}
	if l.staleAge > 0 && now.Sub(e.Meta.AcquiredAt) > l.staleAge {
		return true, "expired"
	}
	if e.Meta.Host == l.id.Host && !l.alive(e.Meta.PID) {
		return true, "holder exited"
	}
	return false, ""
}

func (l *Locker) liveness(e Entry) Liveness {
	switch {
	case !e.Complete:
		return LivenessUnknown
	case e.Meta.Host != l.id.Host:
		return LivenessRemote
	case l.alive(e.Meta.PID):
		return LivenessAlive
	}
	return LivenessDead
}

func (l *Locker) reclaimEntry(ctx context.Context, name string, e Entry, reason string) (bool, error) {
	removed, err := l.backend.RemoveIf(ctx, name, e.Version)
	if err != nil {
		return false, err
	}
	if !removed {
		// someone else reclaimed or replaced it first
		return false, nil
	}
	l.forget(name, e.Meta.Token)
	l.metrics.LockReclaimed()
	l.logger.Warn("baton: reclaimed stale lock",
		"lock", name, "reason", reason, "holder_pid", e.Meta.PID, "holder_host", e.Meta.Host)
	l.publishRelease(ctx, name)
	return true, nil
}

// IsStale reports whether name exists and is stale.
func (l *Locker) IsStale(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	e, ok, err := l.backend.Read(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	stale, _ := l.judge(e)
	return stale, nil
}

// Reclaim removes name if it is stale. It returns false when the lock is not
// stale or another process removed it first.
func (l *Locker) Reclaim(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	e, ok, err := l.backend.Read(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	stale, reason := l.judge(e)
	if !stale {
		return false, nil
	}
	return l.reclaimEntry(ctx, name, e, reason)
}

// ReleaseOption configures Release.
type ReleaseOption func(*releaseOptions)

type releaseOptions struct {
	force bool
}

// Force removes the lock even when this Locker is not the recorded holder.
func Force() ReleaseOption {
	return func(o *releaseOptions) { o.force = true }
}

// Release frees name. Releasing a lock that does not exist is a no-op. A
// release by a non-holder fails with ErrLockOwnershipMismatch and leaves the
// lock in place unless Force is given.
func (l *Locker) Release(ctx context.Context, name string, opts ...ReleaseOption) error {
	if err := validateName(name); err != nil {
		return err
	}
	var o releaseOptions
	for _, opt := range opts {
		opt(&o)
	}
	l.mu.Lock()
	token, mine := l.held[name]
	l.mu.Unlock()

	e, ok, err := l.backend.Read(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		l.forget(name, token)
		return nil
	}
	if !mine || e.Meta.Token != token {
		l.metrics.LockMismatch()
		if !o.force {
			l.logger.Warn("baton: refusing to release lock held by another owner",
				"lock", name, "holder_pid", e.Meta.PID, "holder_host", e.Meta.Host)
			return fmt.Errorf("%w: %s", batonerrors.ErrLockOwnershipMismatch, name)
		}
		l.logger.Warn("baton: force-releasing lock held by another owner",
			"lock", name, "holder_pid", e.Meta.PID, "holder_host", e.Meta.Host)
		if _, err := l.backend.Remove(ctx, name); err != nil {
			return err
		}
		l.forget(name, token)
		l.publishRelease(ctx, name)
		return nil
	}
	if _, err := l.backend.RemoveIf(ctx, name, e.Version); err != nil {
		return err
	}
	l.forget(name, token)
	l.publishRelease(ctx, name)
	return nil
}

// ReleaseAll releases every lock this Locker holds.
func (l *Locker) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, name := range l.Held() {
		if err := l.Release(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// Renew refreshes the acquisition time of a lock this Locker holds.
func (l *Locker) Renew(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	l.mu.Lock()
	token, mine := l.held[name]
	l.mu.Unlock()
	if !mine {
		return fmt.Errorf("%w: %s", batonerrors.ErrLockOwnershipMismatch, name)
	}
	ok, err := l.backend.Touch(ctx, name, token, l.now())
	if err != nil {
		return err
	}
	if !ok {
		l.forget(name, token)
		return fmt.Errorf("%w: %s", batonerrors.ErrLockOwnershipMismatch, name)
	}
	return nil
}

// Held returns the names currently held by this Locker, sorted.
func (l *Locker) Held() []string {
	l.mu.Lock()
	names := make([]string, 0, len(l.held))
	for name := range l.held {
		names = append(names, name)
	}
	l.mu.Unlock()
	sort.Strings(names)
	return names
}

// Inspect describes name. The boolean is false when the lock does not exist.
func (l *Locker) Inspect(ctx context.Context, name string) (Info, bool, error) {
	if err := validateName(name); err != nil {
		return Info{}, false, err
	}
	e, ok, err := l.backend.Read(ctx, name)
	if err != nil || !ok {
		return Info{}, false, err
	}
	return l.describe(name, e), true, nil
}

func (l *Locker) describe(name string, e Entry) Info {
	stale, _ := l.judge(e)
	info := Info{
		Name:       name,
		PID:        e.Meta.PID,
		Host:       e.Meta.Host,
		Resource:   e.Meta.Resource,
		AcquiredAt: e.Meta.AcquiredAt,
		Liveness:   l.liveness(e),
		Complete:   e.Complete,
		Stale:      stale,
	}
	if e.Complete {
		info.Age = l.now().Sub(e.Meta.AcquiredAt)
	} else {
		info.Age = l.now().Sub(e.Created)
	}
	return info
}

// List describes every lock present in the backend.
func (l *Locker) List(ctx context.Context) ([]Info, error) {
	names, err := l.backend.Names(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		e, ok, err := l.backend.Read(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		infos = append(infos, l.describe(name, e))
	}
	return infos, nil
}

// ForceClear removes name unconditionally.
func (l *Locker) ForceClear(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	removed, err := l.backend.Remove(ctx, name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.held, name)
	l.mu.Unlock()
	if removed {
		l.logger.Warn("baton: lock force-cleared", "lock", name)
		l.publishRelease(ctx, name)
	}
	return nil
}

// ForceClearAll removes every lock and returns how many were removed.
func (l *Locker) ForceClearAll(ctx context.Context) (int, error) {
	names, err := l.backend.Names(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		removed, err := l.backend.Remove(ctx, name)
		if err != nil {
			return n, err
		}
		if removed {
			n++
			l.publishRelease(ctx, name)
		}
	}
	l.mu.Lock()
	l.held = make(map[string]string)
	l.mu.Unlock()
	if n > 0 {
		l.logger.Warn("baton: all locks force-cleared", "count", n)
	}
	return n, nil
}

func (l *Locker) forget(name, token string) {
	l.mu.Lock()
	if t, ok := l.held[name]; ok && (token == "" || t == token) {
		delete(l.held, name)
	}
	l.mu.Unlock()
}

func (l *Locker) publishRelease(ctx context.Context, name string) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(context.WithoutCancel(ctx), unlockTopic(name), nil); err != nil {
		l.logger.Debug("baton: release not propagated", "lock", name, "error", err)
	}
}

func unlockTopic(name string) string {
	return "unlock:" + name
}
