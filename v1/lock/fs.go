package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	lockSuffix    = ".lock"
	reclaimSuffix = ".reclaim-"
	guardSuffix   = ".guard"

	// A guard is held for a stat, a read and a rename; anything older belongs
	// to a remover that died.
	guardStaleAge = 30 * time.Second
	guardPoll     = 2 * time.Millisecond
)

// Metadata files written inside each lock directory, in write order.
const (
	fieldPID       = "pid"
	fieldHost      = "host"
	fieldResource  = "resource"
	fieldTimestamp = "timestamp"
	fieldToken     = "token"
)

// FileSystem is a Backend storing each lock as a directory under root.
// Directory creation is the atomic create-if-absent step, so any number of
// processes sharing the filesystem can contend for the same name.
type FileSystem struct {
	root   string
	logger *slog.Logger
}

// NewFileSystem returns a filesystem backend rooted at root. The directory is
// created on first use.
func NewFileSystem(root string, logger *slog.Logger) *FileSystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSystem{root: root, logger: logger}
}

// Root returns the lock directory.
func (f *FileSystem) Root() string { return f.root }

func (f *FileSystem) dir(name string) string {
	return filepath.Join(f.root, name+lockSuffix)
}

// Create implements Backend.
func (f *FileSystem) Create(ctx context.Context, name string, meta Meta) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return false, fmt.Errorf("baton: create lock root: %w", err)
	}
	dir := f.dir(name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if stdErrors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("baton: create lock %s: %w", name, err)
	}
	fields := [][2]string{
		{fieldPID, strconv.Itoa(meta.PID)},
		{fieldHost, meta.Host},
		{fieldResource, meta.Resource},
		{fieldTimestamp, meta.AcquiredAt.UTC().Format(time.RFC3339Nano)},
		{fieldToken, meta.Token},
	}
	for _, kv := range fields {
		if err := writeField(dir, kv[0], kv[1]); err != nil {
			f.undo(ctx, name, meta.Token)
			return false, fmt.Errorf("baton: write lock metadata %s: %w", name, err)
		}
	}
	return true, nil
}

// undo removes a half-written lock if it is still ours.
func (f *FileSystem) undo(ctx context.Context, name, token string) {
	unlock, err := f.guard(context.WithoutCancel(ctx), name)
	if err != nil {
		return
	}
	defer unlock()
	dir := f.dir(name)
	if tok, _ := readField(dir, fieldToken); tok == "" || tok == token {
		_, _ = f.discard(dir)
	}
}

func writeField(dir, field, value string) error {
	tmp := filepath.Join(dir, "."+field+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, field)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func readField(dir, field string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, field))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Read implements Backend.
func (f *FileSystem) Read(ctx context.Context, name string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	return readDir(f.dir(name))
}

func readDir(dir string) (Entry, bool, error) {
	st, err := os.Stat(dir)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e := Entry{Created: st.ModTime(), Complete: true}
	get := func(field string) string {
		v, err := readField(dir, field)
		if err != nil {
			e.Complete = false
		}
		return v
	}
	pid, err := strconv.Atoi(get(fieldPID))
	if err != nil {
		e.Complete = false
	}
	e.Meta.PID = pid
	e.Meta.Host = get(fieldHost)
	e.Meta.Resource = get(fieldResource)
	at, err := time.Parse(time.RFC3339Nano, get(fieldTimestamp))
	if err != nil {
		e.Complete = false
	}
	e.Meta.AcquiredAt = at
	e.Meta.Token = get(fieldToken)
	if e.Meta.Host == "" || e.Meta.Token == "" {
		e.Complete = false
	}
	e.Version = e.Meta.Token
	return e, true, nil
}

// Touch implements Backend.
func (f *FileSystem) Touch(ctx context.Context, name, token string, at time.Time) (bool, error) {
	unlock, err := f.guard(ctx, name)
	if err != nil {
		return false, err
	}
	defer unlock()
	dir := f.dir(name)
	tok, err := readField(dir, fieldToken)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if tok != token {
		return false, nil
	}
	if err := writeField(dir, fieldTimestamp, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveIf implements Backend. The token check and the removal run under the
// name's guard, so the directory is only ever moved out of place once it is
// known to be the incarnation that was judged.
func (f *FileSystem) RemoveIf(ctx context.Context, name, version string) (bool, error) {
	unlock, err := f.guard(ctx, name)
	if err != nil {
		return false, err
	}
	defer unlock()

	dir := f.dir(name)
	if _, err := os.Stat(dir); err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	tok, err := readField(dir, fieldToken)
	if err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if tok != version {
		return false, nil
	}
	return f.discard(dir)
}

// Remove implements Backend.
func (f *FileSystem) Remove(ctx context.Context, name string) (bool, error) {
	unlock, err := f.guard(ctx, name)
	if err != nil {
		return false, err
	}
	defer unlock()
	return f.discard(f.dir(name))
}

// discard renames dir to a unique tombstone, making the name free in one
// step, and deletes the tombstone. The caller holds the guard.
func (f *FileSystem) discard(dir string) (bool, error) {
	tomb := dir + reclaimSuffix + uuid.NewString()
	if err := os.Rename(dir, tomb); err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, os.RemoveAll(tomb)
}

// guard serializes removals of name across processes with an os.Mkdir
// mutex next to the lock directory. A guard older than guardStaleAge was
// left by a crashed remover and is broken.
func (f *FileSystem) guard(ctx context.Context, name string) (func(), error) {
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return nil, fmt.Errorf("baton: create lock root: %w", err)
	}
	g := f.dir(name) + guardSuffix
	for {
		err := os.Mkdir(g, 0o755)
		if err == nil {
			return func() { _ = os.Remove(g) }, nil
		}
		if !stdErrors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("baton: guard lock %s: %w", name, err)
		}
		if st, err := os.Stat(g); err == nil && time.Since(st.ModTime()) > guardStaleAge {
			f.logger.Warn("baton: breaking abandoned lock guard", "lock", name, "age", time.Since(st.ModTime()))
			_ = os.Remove(g)
			continue
		}
		t := time.NewTimer(guardPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Names implements Backend.
func (f *FileSystem) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.root)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), lockSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), lockSuffix))
	}
	return names, nil
}
