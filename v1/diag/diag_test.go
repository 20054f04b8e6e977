package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-baton/v1/ledger"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
	"github.com/mirkobrombin/go-baton/v1/syncbus"
)

type fixture struct {
	locker *lock.Locker
	ledger *ledger.Ledger
	bus    *syncbus.InMemoryBus
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	locker := lock.New(lock.NewInMemory())
	l, err := ledger.New(ledger.NewMemoryBackend(), locker)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(l.Close)
	bus := syncbus.NewInMemoryBus()
	reg := metrics.NewRegistry()
	m := metrics.New()
	m.Register(reg)
	m.LockAcquired()
	s := New(locker, l, WithBus(bus), WithGatherer(reg))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{locker: locker, ledger: l, bus: bus, srv: srv}
}

func TestLocksAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, n := range []string{"issue-a-1", "issue-b-2"} {
		if err := f.locker.Acquire(ctx, n, 0); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	resp, err := http.Get(f.srv.URL + "/locks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var infos []lock.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(infos) != 2 || infos[0].Name != "issue-a-1" || infos[0].Liveness != lock.LivenessAlive {
		t.Fatalf("unexpected locks %+v", infos)
	}

	resp, err = http.Post(f.srv.URL+"/locks/clear?name=issue-a-1", "", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: %v %v", resp, err)
	}
	resp.Body.Close()
	resp, err = http.Post(f.srv.URL+"/locks/clear", "", nil)
	if err != nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("clear without target: %v %v", resp, err)
	}
	resp.Body.Close()
	resp, err = http.Post(f.srv.URL+"/locks/clear?all=true", "", nil)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	var out map[string]int
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out["cleared"] != 1 {
		t.Fatalf("expected one lock cleared, got %v", out)
	}
	if infos, _ := f.locker.List(ctx); len(infos) != 0 {
		t.Fatalf("locks left: %+v", infos)
	}
}

func TestClearRejectsPathNames(t *testing.T) {
	base := t.TempDir()
	victim := filepath.Join(base, "victim.lock")
	if err := os.MkdirAll(filepath.Join(victim, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	locker := lock.New(lock.NewFileSystem(filepath.Join(base, "locks"), nil))
	l, err := ledger.New(ledger.NewMemoryBackend(), locker)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(l.Close)
	srv := httptest.NewServer(New(locker, l).Handler())
	t.Cleanup(srv.Close)

	for _, name := range []string{"../victim", "a/b", ".hidden"} {
		resp, err := http.Post(srv.URL+"/locks/clear?name="+url.QueryEscape(name), "", nil)
		if err != nil {
			t.Fatalf("clear %q: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("clear %q: expected 400, got %d", name, resp.StatusCode)
		}
	}
	if _, err := os.Stat(filepath.Join(victim, "data")); err != nil {
		t.Fatalf("directory outside the lock root was touched: %v", err)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	f := newFixture(t)
	key := ledger.Key{Repo: "org/repo", Number: 42}
	if _, err := f.ledger.Upsert(context.Background(), key, ledger.StatusFailed, "boom"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	resp, err := http.Get(f.srv.URL + "/ledger")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var records []ledger.Record
	_ = json.NewDecoder(resp.Body).Decode(&records)
	resp.Body.Close()
	if len(records) != 1 || records[0].RetryCount != 1 {
		t.Fatalf("unexpected records %+v", records)
	}
	resp, err = http.Get(f.srv.URL + "/ledger?key=" + strings.ReplaceAll(key.String(), "#", "%23"))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("get key: %v %v", resp, err)
	}
	resp.Body.Close()
	resp, err = http.Get(f.srv.URL + "/ledger?key=org/repo%2399")
	if err != nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing key: %v %v", resp, err)
	}
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "baton_lock_acquired_total 1") {
			found = true
		}
	}
	if !found {
		t.Fatal("lock counter not exported")
	}
}

func TestSSEStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if err := f.bus.Publish(ctx, "baton.outcomes", []byte(`{"key":"org/repo#42"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	reader := bufio.NewReader(resp.Body)
	lines := make(chan string, 2)
	go func() {
		for i := 0; i < 2; i++ {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()
	want := []string{"event: notice", `data: {"key":"org/repo#42"}`}
	for _, w := range want {
		select {
		case got := <-lines:
			if got != w {
				t.Fatalf("expected %q, got %q", w, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := f.bus.Publish(context.Background(), "baton.outcomes", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestStreamsWithoutBus(t *testing.T) {
	locker := lock.New(lock.NewInMemory())
	l, err := ledger.New(ledger.NewMemoryBackend(), locker)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	defer l.Close()
	srv := httptest.NewServer(New(locker, l).Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
