package ledger

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
)

var testKey = Key{Repo: "org/repo", Number: 42}

func newFileLedger(t *testing.T, dir string, opts ...Option) *Ledger {
	t.Helper()
	locker := lock.New(lock.NewFileSystem(filepath.Join(dir, "locks"), nil), lock.WithPollInterval(5*time.Millisecond))
	l, err := New(NewFileBackend(filepath.Join(dir, "ledger.json")), locker, opts...)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func newMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := metrics.NewRegistry()
	m := metrics.New()
	m.Register(reg)
	return m, reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestKeyRoundTrip(t *testing.T) {
	if testKey.String() != "org/repo#42" {
		t.Fatalf("unexpected key %q", testKey.String())
	}
	k, err := ParseKey("org/repo#42")
	if err != nil || k != testKey {
		t.Fatalf("parse: %+v %v", k, err)
	}
	if _, err := ParseKey("org/repo"); err == nil {
		t.Fatal("expected error for key without number")
	}
}

func TestUpsertAndFind(t *testing.T) {
	l := newFileLedger(t, t.TempDir())
	ctx := context.Background()
	if _, ok, err := l.Find(ctx, testKey); err != nil || ok {
		t.Fatalf("expected no record, ok %v err %v", ok, err)
	}
	rec, err := l.Upsert(ctx, testKey, StatusInProgress, "attempt 1")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rec.Status != StatusInProgress || rec.RetryCount != 0 || rec.Key != "org/repo#42" {
		t.Fatalf("unexpected record %+v", rec)
	}
	got, ok, err := l.Find(ctx, testKey)
	if err != nil || !ok {
		t.Fatalf("find: ok %v err %v", ok, err)
	}
	if got.Status != StatusInProgress || got.Details != "attempt 1" {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := l.Upsert(ctx, Key{Repo: "org/other", Number: 1}, StatusPending, ""); err != nil {
		t.Fatalf("upsert second key: %v", err)
	}
	all, err := l.All(ctx)
	if err != nil || len(all) != 2 || all[0].Key != "org/repo#42" {
		t.Fatalf("unexpected records %+v err %v", all, err)
	}
}

func TestRetryCountOnlyCountsTransitionsIntoFailed(t *testing.T) {
	l := newFileLedger(t, t.TempDir())
	ctx := context.Background()
	steps := []struct {
		status Status
		want   int
	}{
		{StatusPending, 0},
		{StatusInProgress, 0},
		{StatusFailed, 1},
		{StatusFailed, 1},
		{StatusInProgress, 1},
		{StatusFailed, 2},
		{StatusInProgress, 2},
		{StatusCompleted, 2},
		{StatusCompleted, 2},
	}
	for i, s := range steps {
		rec, err := l.Upsert(ctx, testKey, s.status, "")
		if err != nil {
			t.Fatalf("step %d: upsert %s: %v", i, s.status, err)
		}
		if rec.RetryCount != s.want {
			t.Fatalf("step %d: %s: expected retry count %d, got %d", i, s.status, s.want, rec.RetryCount)
		}
	}
	if _, err := l.Upsert(ctx, testKey, StatusInProgress, ""); !stdErrors.Is(err, batonerrors.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	rec, _, _ := l.Find(ctx, testKey)
	if rec.Status != StatusCompleted {
		t.Fatalf("completed record changed to %s", rec.Status)
	}

	other := Key{Repo: "org/repo", Number: 7}
	rec, err := l.Upsert(ctx, other, StatusFailed, "boom")
	if err != nil || rec.RetryCount != 1 {
		t.Fatalf("first failure on a new key: %+v %v", rec, err)
	}
}

func TestUpdatedAtIsMonotonic(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	l := newFileLedger(t, t.TempDir(), WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	if _, err := l.Upsert(ctx, testKey, StatusInProgress, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	clock = base.Add(-time.Hour)
	rec, err := l.Upsert(ctx, testKey, StatusFailed, "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rec.UpdatedAt.Before(base) {
		t.Fatalf("updated_at went backwards: %v < %v", rec.UpdatedAt, base)
	}
	if !rec.CreatedAt.Equal(base) {
		t.Fatalf("created_at changed: %v", rec.CreatedAt)
	}
}

func TestConcurrentUpsertsProduceOneRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		l := newFileLedger(t, dir)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Upsert(ctx, testKey, StatusInProgress, "same"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("upsert: %v", err)
	}
	all, err := newFileLedger(t, dir).All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || all[0].RetryCount != 0 {
		t.Fatalf("expected exactly one record, got %+v", all)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "ledger.json"+tempMarker+"*"))
	if len(matches) != 0 {
		t.Fatalf("temporary copies left behind: %v", matches)
	}
}

func TestCorruptionIsResetOnNextWrite(t *testing.T) {
	dir := t.TempDir()
	m, reg := newMetrics()
	l := newFileLedger(t, dir, WithMetrics(m))
	ctx := context.Background()
	path := filepath.Join(dir, "ledger.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"records":[{"key":`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok, err := l.Find(ctx, testKey); err != nil || ok {
		t.Fatalf("corrupt ledger: expected not found without error, ok %v err %v", ok, err)
	}
	if _, err := l.Upsert(ctx, testKey, StatusInProgress, ""); err != nil {
		t.Fatalf("upsert after corruption: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("document still invalid: %v", err)
	}
	if len(doc.Records) != 1 || doc.Records[0].Key != testKey.String() {
		t.Fatalf("unexpected document %+v", doc)
	}
	if v := counterValue(t, reg, "baton_ledger_corruption_resets_total"); v != 1 {
		t.Fatalf("expected one corruption reset, got %v", v)
	}
}

func TestValidationRejectsBrokenInvariants(t *testing.T) {
	cases := map[string]string{
		"version":   `{"version":9,"records":[]}`,
		"duplicate": `{"version":1,"records":[{"key":"a#1","repo":"a","number":1,"status":"pending"},{"key":"a#1","repo":"a","number":1,"status":"pending"}]}`,
		"status":    `{"version":1,"records":[{"key":"a#1","repo":"a","number":1,"status":"weird"}]}`,
		"retries":   `{"version":1,"records":[{"key":"a#1","repo":"a","number":1,"status":"failed","retry_count":-1}]}`,
		"key":       `{"version":1,"records":[{"key":"b#2","repo":"a","number":1,"status":"pending"}]}`,
		"empty":     ``,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); !stdErrors.Is(err, batonerrors.ErrLedgerCorruption) {
			t.Fatalf("%s: expected ErrLedgerCorruption, got %v", name, err)
		}
	}
	if doc, err := Parse(nil); err != nil || len(doc.Records) != 0 {
		t.Fatalf("missing document: %+v %v", doc, err)
	}
}

type flakyBackend struct {
	Backend
	mu      sync.Mutex
	commits int
	reads   int
}

func (f *flakyBackend) ReadTemp(ctx context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	return []byte("{torn"), nil
}

func (f *flakyBackend) Commit(ctx context.Context, ref string) error {
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	return f.Backend.Commit(ctx, ref)
}

func TestUnverifiedWriteIsNeverCommitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	good := newFileLedger(t, dir)
	ctx := context.Background()
	if _, err := good.Upsert(ctx, testKey, StatusInProgress, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	before, _ := os.ReadFile(path)

	m, reg := newMetrics()
	fb := &flakyBackend{Backend: NewFileBackend(path)}
	locker := lock.New(lock.NewFileSystem(filepath.Join(dir, "locks"), nil))
	l, err := New(fb, locker, WithRetryInterval(time.Millisecond), WithMetrics(m))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()
	_, err = l.Upsert(ctx, testKey, StatusFailed, "")
	if !stdErrors.Is(err, batonerrors.ErrLedgerWriteFailure) {
		t.Fatalf("expected ErrLedgerWriteFailure, got %v", err)
	}
	if fb.reads != DefaultWriteAttempts || fb.commits != 0 {
		t.Fatalf("expected %d verified attempts and no commit, got reads %d commits %d", DefaultWriteAttempts, fb.reads, fb.commits)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatal("canonical document changed after failed write")
	}
	if v := counterValue(t, reg, "baton_ledger_write_failures_total"); v != 1 {
		t.Fatalf("expected one write failure, got %v", v)
	}
	if held, _ := locker.List(ctx); len(held) != 0 {
		t.Fatalf("ledger lock left behind: %+v", held)
	}
}

func TestWriteFailsWhenLedgerLockIsBusy(t *testing.T) {
	dir := t.TempDir()
	holder := lock.New(lock.NewFileSystem(filepath.Join(dir, "locks"), nil))
	ctx := context.Background()
	if err := holder.Acquire(ctx, LockName, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l := newFileLedger(t, dir, WithLockTimeout(20*time.Millisecond))
	_, err := l.Upsert(ctx, testKey, StatusInProgress, "")
	if !stdErrors.Is(err, batonerrors.ErrLedgerWriteFailure) || !stdErrors.Is(err, batonerrors.ErrLockTimeout) {
		t.Fatalf("expected write failure caused by lock timeout, got %v", err)
	}
}

func TestWatchSignalsReplacement(t *testing.T) {
	dir := t.TempDir()
	l := newFileLedger(t, dir)
	fb := NewFileBackend(filepath.Join(dir, "ledger.json"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := fb.Watch(ctx, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := l.Upsert(ctx, testKey, StatusInProgress, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signalled")
	}
	cancel()
	for range ch {
	}
}
