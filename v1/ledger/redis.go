package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
)

// DefaultRedisKey is the key holding the ledger document.
const DefaultRedisKey = "baton:ledger"

// tempTTL bounds how long an abandoned temporary copy survives.
const tempTTL = time.Minute

// RedisBackend keeps the ledger as one Redis string. Temporary copies live
// under their own keys and are swapped in with RENAME.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
}

// NewRedisBackend returns a backend storing the document at key.
func NewRedisBackend(client redis.UniversalClient, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func (r *RedisBackend) owns(ref string) bool {
	return strings.HasPrefix(ref, r.key+":tmp:")
}

// Read implements Backend.
func (r *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return data, nil
}

// WriteTemp implements Backend.
func (r *RedisBackend) WriteTemp(ctx context.Context, data []byte) (string, error) {
	ref := r.key + ":tmp:" + uuid.NewString()
	if err := r.client.Set(ctx, ref, data, tempTTL).Err(); err != nil {
		return "", mapRedisErr(err)
	}
	return ref, nil
}

// ReadTemp implements Backend.
func (r *RedisBackend) ReadTemp(ctx context.Context, ref string) ([]byte, error) {
	if !r.owns(ref) {
		return nil, fmt.Errorf("baton: %q is not a temporary ledger copy", ref)
	}
	return r.client.Get(ctx, ref).Bytes()
}

// Commit implements Backend. RENAME carries the temporary TTL along, so the
// rename and the PERSIST run in one transaction.
func (r *RedisBackend) Commit(ctx context.Context, ref string) error {
	if !r.owns(ref) {
		return fmt.Errorf("baton: %q is not a temporary ledger copy", ref)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Rename(ctx, ref, r.key)
		pipe.Persist(ctx, r.key)
		return nil
	})
	return mapRedisErr(err)
}

// Discard implements Backend.
func (r *RedisBackend) Discard(ctx context.Context, ref string) error {
	if !r.owns(ref) {
		return nil
	}
	return r.client.Del(ctx, ref).Err()
}

// mapRedisErr translates transport failures into the shared sentinels.
func mapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", batonerrors.ErrTimeout, err)
	case stdErrors.Is(err, redis.ErrClosed):
		return batonerrors.ErrConnectionClosed
	}
	return err
}
