package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
)

// FormatVersion is the document format written by this package.
const FormatVersion = 1

// Status is the processing state of a trigger key.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Key identifies a trigger: a repository and an issue number.
type Key struct {
	Repo   string
	Number int
}

// String renders the key as org/repo#42.
func (k Key) String() string {
	return k.Repo + "#" + strconv.Itoa(k.Number)
}

// ParseKey parses the form produced by Key.String.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndexByte(s, '#')
	if i <= 0 {
		return Key{}, fmt.Errorf("baton: invalid trigger key %q", s)
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return Key{}, fmt.Errorf("baton: invalid trigger key %q: %w", s, err)
	}
	return Key{Repo: s[:i], Number: n}, nil
}

// Record is the execution state of one trigger key.
type Record struct {
	Key        string    `json:"key" yaml:"key"`
	Repo       string    `json:"repo" yaml:"repo"`
	Number     int       `json:"number" yaml:"number"`
	Status     Status    `json:"status" yaml:"status"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
	RetryCount int       `json:"retry_count" yaml:"retry_count"`
	Details    string    `json:"details,omitempty" yaml:"details,omitempty"`
}

// Document is the persisted collection of records, in creation order.
type Document struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

func emptyDocument() *Document {
	return &Document{Version: FormatVersion, Records: []Record{}}
}

// Validate checks the document format and the per-record invariants.
func (d *Document) Validate() error {
	if d.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", batonerrors.ErrLedgerCorruption, d.Version)
	}
	seen := make(map[string]struct{}, len(d.Records))
	for i, r := range d.Records {
		if r.Key == "" || r.Key != (Key{Repo: r.Repo, Number: r.Number}).String() {
			return fmt.Errorf("%w: record %d has inconsistent key %q", batonerrors.ErrLedgerCorruption, i, r.Key)
		}
		if _, dup := seen[r.Key]; dup {
			return fmt.Errorf("%w: duplicate record %q", batonerrors.ErrLedgerCorruption, r.Key)
		}
		seen[r.Key] = struct{}{}
		if !r.Status.Valid() {
			return fmt.Errorf("%w: record %q has unknown status %q", batonerrors.ErrLedgerCorruption, r.Key, r.Status)
		}
		if r.RetryCount < 0 {
			return fmt.Errorf("%w: record %q has negative retry count", batonerrors.ErrLedgerCorruption, r.Key)
		}
		if r.UpdatedAt.Before(r.CreatedAt) {
			return fmt.Errorf("%w: record %q updated before creation", batonerrors.ErrLedgerCorruption, r.Key)
		}
	}
	return nil
}

// Parse decodes and validates a ledger document. Missing data yields an empty
// document; anything unreadable wraps ErrLedgerCorruption.
func Parse(data []byte) (*Document, error) {
	if data == nil {
		return emptyDocument(), nil
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", batonerrors.ErrLedgerCorruption, err)
	}
	if d.Records == nil {
		d.Records = []Record{}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Encode renders d as indented JSON.
func (d *Document) Encode() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func (d *Document) find(key string) int {
	for i := range d.Records {
		if d.Records[i].Key == key {
			return i
		}
	}
	return -1
}

// apply returns a copy of d with key moved to status.
func (d *Document) apply(key Key, status Status, details string, now time.Time) (*Document, Record, error) {
	if !status.Valid() {
		return nil, Record{}, fmt.Errorf("%w: unknown status %q", batonerrors.ErrInvalidTransition, status)
	}
	next := &Document{Version: FormatVersion, Records: make([]Record, len(d.Records), len(d.Records)+1)}
	copy(next.Records, d.Records)

	k := key.String()
	i := next.find(k)
	if i < 0 {
		r := Record{
			Key:       k,
			Repo:      key.Repo,
			Number:    key.Number,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
			Details:   details,
		}
		if status == StatusFailed {
			r.RetryCount = 1
		}
		next.Records = append(next.Records, r)
		return next, r, nil
	}

	r := next.Records[i]
	if r.Status == StatusCompleted && status != StatusCompleted {
		return nil, Record{}, fmt.Errorf("%w: %s is completed", batonerrors.ErrInvalidTransition, k)
	}
	if status == StatusFailed && r.Status != StatusFailed {
		r.RetryCount++
	}
	if now.Before(r.UpdatedAt) {
		now = r.UpdatedAt
	}
	r.Status = status
	r.Details = details
	r.UpdatedAt = now
	next.Records[i] = r
	return next, r, nil
}
