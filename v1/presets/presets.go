// Package presets wires complete baton stacks for the common deployments.
package presets

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-baton/v1/config"
	"github.com/mirkobrombin/go-baton/v1/coordinator"
	"github.com/mirkobrombin/go-baton/v1/governor"
	"github.com/mirkobrombin/go-baton/v1/ledger"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
	"github.com/mirkobrombin/go-baton/v1/syncbus"
)

// Remote buses are guarded by a circuit breaker so a flapping broker does
// not slow down every release.
const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// Stack is a wired set of baton components.
type Stack struct {
	Config      config.Config
	Locker      *lock.Locker
	Ledger      *ledger.Ledger
	Governor    *governor.Governor
	Coordinator *coordinator.Coordinator
	// Bus is nil when no bus is configured.
	Bus     syncbus.Bus
	Metrics *metrics.Metrics

	closers []func() error
}

// Close releases every connection opened for the stack.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return stdErrors.Join(errs...)
}

// Option customizes a preset.
type Option func(*options)

type options struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     syncbus.Bus
}

// WithConfig replaces the default tunables.
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = &cfg }
}

// WithLogger sets the logger of every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records activity on m instead of a fresh set of collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBus uses bus instead of the one the configuration names.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg == nil {
		cfg := config.Default()
		o.cfg = &cfg
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	return o
}

// NewFileSystem builds a stack sharing locks and the ledger through the
// filesystem, the primary deployment.
func NewFileSystem(lockRoot, ledgerPath string, opts ...Option) (*Stack, error) {
	o := collect(opts)
	o.cfg.Backend = "fs"
	o.cfg.LockRoot = lockRoot
	o.cfg.LedgerPath = ledgerPath
	return assemble(o, lock.NewFileSystem(lockRoot, o.logger), ledger.NewFileBackend(ledgerPath), nil)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "baton:".
	Prefix string
}

// NewRedis builds a stack keeping locks and the ledger in Redis and
// propagating releases over Redis pub/sub.
func NewRedis(ro RedisOptions, opts ...Option) (*Stack, error) {
	o := collect(opts)
	if ro.Prefix == "" {
		ro.Prefix = "baton:"
	}
	client := redis.NewClient(&redis.Options{Addr: ro.Addr, Password: ro.Password, DB: ro.DB})
	closers := []func() error{client.Close}
	if o.bus == nil {
		rb := syncbus.NewRedisBus(client)
		closers = append(closers, rb.Close)
		o.bus = rb
	}
	o.cfg.Backend = "redis"
	o.cfg.RedisAddr = ro.Addr
	o.cfg.RedisPrefix = ro.Prefix
	return assemble(o, lock.NewRedis(client, ro.Prefix+"lock:"), ledger.NewRedisBackend(client, ro.Prefix+"ledger"), closers)
}

// NewInMemory builds a single-process stack with no external dependencies.
func NewInMemory(opts ...Option) (*Stack, error) {
	o := collect(opts)
	if o.bus == nil {
		o.bus = syncbus.NewInMemoryBus()
	}
	o.cfg.Backend = "memory"
	return assemble(o, lock.NewInMemory(), ledger.NewMemoryBackend(), nil)
}

// FromConfig builds the stack cfg describes, including its bus.
func FromConfig(cfg config.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = append([]Option{WithConfig(cfg)}, opts...)
	o := collect(opts)

	var closers []func() error
	var client *redis.Client
	redisClient := func() *redis.Client {
		if client == nil {
			client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			closers = append(closers, client.Close)
		}
		return client
	}
	fail := func(err error) (*Stack, error) {
		s := &Stack{closers: closers}
		_ = s.Close()
		return nil, err
	}

	if o.bus == nil {
		switch cfg.Bus {
		case "memory":
			o.bus = syncbus.NewInMemoryBus()
		case "redis":
			rb := syncbus.NewRedisBus(redisClient())
			closers = append(closers, rb.Close)
			o.bus = syncbus.NewCircuitBreaker(rb, breakerThreshold, breakerTimeout)
		case "nats":
			conn, err := nats.Connect(cfg.NATSURL, nats.Name("baton"))
			if err != nil {
				return fail(fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err))
			}
			closers = append(closers, func() error { conn.Close(); return nil })
			o.bus = syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), breakerThreshold, breakerTimeout)
		case "kafka":
			kb, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, nil)
			if err != nil {
				return fail(fmt.Errorf("connect kafka: %w", err))
			}
			closers = append(closers, kb.Close)
			o.bus = syncbus.NewCircuitBreaker(kb, breakerThreshold, breakerTimeout)
		}
	}

	var lb lock.Backend
	var db ledger.Backend
	switch cfg.Backend {
	case "fs":
		lb = lock.NewFileSystem(cfg.LockRoot, o.logger)
		db = ledger.NewFileBackend(cfg.LedgerPath)
	case "redis":
		lb = lock.NewRedis(redisClient(), cfg.RedisPrefix+"lock:")
		db = ledger.NewRedisBackend(redisClient(), cfg.RedisPrefix+"ledger")
	case "memory":
		lb = lock.NewInMemory()
		db = ledger.NewMemoryBackend()
	}
	s, err := assemble(o, lb, db, closers)
	if err != nil {
		return fail(err)
	}
	return s, nil
}

func assemble(o options, lb lock.Backend, db ledger.Backend, closers []func() error) (*Stack, error) {
	cfg := *o.cfg
	locker := lock.New(lb,
		lock.WithStaleAge(cfg.StaleLockAge),
		lock.WithMetadataGrace(cfg.MetadataGrace),
		lock.WithPollInterval(cfg.PollInterval),
		lock.WithBus(o.bus),
		lock.WithLogger(o.logger),
		lock.WithMetrics(o.metrics),
	)
	l, err := ledger.New(db, locker,
		ledger.WithLockTimeout(cfg.HistoryLockTimeout),
		ledger.WithLogger(o.logger),
		ledger.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}
	g := governor.New(locker, governor.WithLogger(o.logger), governor.WithMetrics(o.metrics))
	c := coordinator.New(locker, l, g,
		coordinator.WithMaxRetries(cfg.MaxRetries),
		coordinator.WithMaxConcurrent(cfg.MaxConcurrent),
		coordinator.WithLockTimeout(cfg.LockTimeout),
		coordinator.WithSweepLimit(cfg.SweepLimit),
		coordinator.WithWorkers(cfg.Workers),
		coordinator.WithRenewInterval(cfg.RenewInterval),
		coordinator.WithBus(o.bus),
		coordinator.WithLogger(o.logger),
		coordinator.WithMetrics(o.metrics),
	)
	closers = append(closers, func() error { l.Close(); return nil })
	return &Stack{
		Config:      cfg,
		Locker:      locker,
		Ledger:      l,
		Governor:    g,
		Coordinator: c,
		Bus:         o.bus,
		Metrics:     o.metrics,
		closers:     closers,
	}, nil
}
