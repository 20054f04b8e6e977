package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const tempMarker = ".tmp-"

// FileBackend keeps the ledger as a single JSON file. Temporary copies are
// written next to it so that Commit is a same-directory rename.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend for the document at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the canonical document path.
func (f *FileBackend) Path() string { return f.path }

// Read implements Backend.
func (f *FileBackend) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteTemp implements Backend.
func (f *FileBackend) WriteTemp(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return "", err
	}
	tmp := f.path + tempMarker + uuid.NewString()
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// ReadTemp implements Backend.
func (f *FileBackend) ReadTemp(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.owns(ref) {
		return nil, fmt.Errorf("baton: %q is not a temporary ledger copy", ref)
	}
	return os.ReadFile(ref)
}

// Commit implements Backend.
func (f *FileBackend) Commit(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !f.owns(ref) {
		return fmt.Errorf("baton: %q is not a temporary ledger copy", ref)
	}
	if err := os.Rename(ref, f.path); err != nil {
		return err
	}
	if dir, err := os.Open(filepath.Dir(f.path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

// Discard implements Backend.
func (f *FileBackend) Discard(_ context.Context, ref string) error {
	if !f.owns(ref) {
		return nil
	}
	if err := os.Remove(ref); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileBackend) owns(ref string) bool {
	return strings.HasPrefix(ref, f.path+tempMarker)
}

// Watch signals on the returned channel whenever the document is replaced or
// rewritten. Signals are coalesced; the channel closes when ctx is done.
func (f *FileBackend) Watch(ctx context.Context, logger *slog.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	target := filepath.Clean(f.path)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("baton: ledger watch error", "path", f.path, "error", err)
			}
		}
	}()
	return out, nil
}
