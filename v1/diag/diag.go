// Package diag serves the operator endpoints of a baton process: lock and
// ledger inspection, forced lock removal, Prometheus metrics and a live
// stream of outcome notices.
package diag

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-baton/v1/coordinator"
	"github.com/mirkobrombin/go-baton/v1/ledger"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/syncbus"
)

const shutdownTimeout = 5 * time.Second

// Server exposes diagnostics over HTTP.
type Server struct {
	locker   *lock.Locker
	ledger   *ledger.Ledger
	bus      syncbus.Bus
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithBus enables the notice streams.
func WithBus(bus syncbus.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithGatherer serves g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New returns a Server over locker and l.
func New(locker *lock.Locker, l *ledger.Ledger, opts ...Option) *Server {
	s := &Server{locker: locker, ledger: l}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the routing for every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /locks", s.handleLocks)
	mux.HandleFunc("POST /locks/clear", s.handleClear)
	mux.HandleFunc("GET /ledger", s.handleLedger)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /events/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("baton: diagnostics listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	infos, err := s.locker.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stale, _ := strconv.ParseBool(r.URL.Query().Get("stale")); stale {
		filtered := infos[:0]
		for _, info := range infos {
			if info.Stale {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if all, _ := strconv.ParseBool(q.Get("all")); all {
		n, err := s.locker.ForceClearAll(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
		return
	}
	name := q.Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing name or all=true"))
		return
	}
	if err := s.locker.ForceClear(r.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if stdErrors.Is(err, lock.ErrInvalidName) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": 1})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("key"); raw != "" {
		key, err := ledger.ParseKey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rec, ok, err := s.ledger.Find(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("no record for %s", key))
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	records, err := s.ledger.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// subscribe opens the notice stream for one client.
func (s *Server) subscribe(ctx context.Context) (<-chan syncbus.Event, func(), error) {
	if s.bus == nil {
		return nil, nil, fmt.Errorf("no bus configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	ch, err := s.bus.Subscribe(ctx, coordinator.NoticeTopic)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return ch, func() {
		cancel()
		_ = s.bus.Unsubscribe(context.Background(), coordinator.NoticeTopic, ch)
	}, nil
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ch, stop, err := s.subscribe(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer stop()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: notice\ndata: %s\n\n", ev.Payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ch, stop, err := s.subscribe(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer stop()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	// reader goroutine notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, ev.Payload); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
