package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	batonerrors "github.com/mirkobrombin/go-baton/v1/errors"
)

// DefaultRedisPrefix namespaces lock keys.
const DefaultRedisPrefix = "baton:lock:"

const metaSuffix = ":meta"

// createScript sets the lock key and its metadata hash in one step, or does
// nothing when the key exists.
var createScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX") then
    redis.call("DEL", KEYS[2])
    redis.call("HSET", KEYS[2], "pid", ARGV[2], "host", ARGV[3], "resource", ARGV[4], "acquired_at", ARGV[5], "token", ARGV[6])
    return 1
end
return 0
`)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("DEL", KEYS[2])
    return redis.call("DEL", KEYS[1])
end
return 0
`)

var touchScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
    return 0
end
if redis.call("HGET", KEYS[2], "token") ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[2], "acquired_at", ARGV[2])
return 1
`)

// Redis is a Backend storing each lock as a key created with SET NX plus a
// metadata hash. Holders on other hosts are always reported as remote.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis backend. An empty prefix selects DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// keys returns the lock key and its metadata hash. The name is a hash tag so
// both land in the same cluster slot, as the scripts require.
func (r *Redis) keys(name string) []string {
	k := r.prefix + "{" + name + "}"
	return []string{k, k + metaSuffix}
}

// Create implements Backend.
func (r *Redis) Create(ctx context.Context, name string, meta Meta) (bool, error) {
	value := meta.Token + "@" + strconv.FormatInt(meta.AcquiredAt.UnixNano(), 10)
	n, err := createScript.Run(ctx, r.client, r.keys(name),
		value,
		meta.PID,
		meta.Host,
		meta.Resource,
		meta.AcquiredAt.UTC().Format(time.RFC3339Nano),
		meta.Token,
	).Int()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

// Read implements Backend.
func (r *Redis) Read(ctx context.Context, name string) (Entry, bool, error) {
	keys := r.keys(name)
	value, err := r.client.Get(ctx, keys[0]).Result()
	if stdErrors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, mapRedisErr(err)
	}
	fields, err := r.client.HGetAll(ctx, keys[1]).Result()
	if err != nil {
		return Entry{}, false, mapRedisErr(err)
	}
	e := Entry{Version: value}
	if i := strings.LastIndexByte(value, '@'); i >= 0 {
		if ns, err := strconv.ParseInt(value[i+1:], 10, 64); err == nil {
			e.Created = time.Unix(0, ns)
		}
	}
	e.Meta, e.Complete = parseFields(fields)
	if e.Complete && e.Meta.AcquiredAt.After(e.Created) {
		e.Created = e.Meta.AcquiredAt
	}
	return e, true, nil
}

func parseFields(f map[string]string) (Meta, bool) {
	var m Meta
	complete := true
	if pid, err := strconv.Atoi(f["pid"]); err == nil {
		m.PID = pid
	} else {
		complete = false
	}
	m.Host = f["host"]
	m.Resource = f["resource"]
	m.Token = f["token"]
	if m.Host == "" || m.Token == "" {
		complete = false
	}
	if _, ok := f["resource"]; !ok {
		complete = false
	}
	if at, err := time.Parse(time.RFC3339Nano, f["acquired_at"]); err == nil {
		m.AcquiredAt = at
	} else {
		complete = false
	}
	return m, complete
}

// Touch implements Backend.
func (r *Redis) Touch(ctx context.Context, name, token string, at time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, r.client, r.keys(name), token, at.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

// RemoveIf implements Backend.
func (r *Redis) RemoveIf(ctx context.Context, name, version string) (bool, error) {
	n, err := delScript.Run(ctx, r.client, r.keys(name), version).Int()
	if stdErrors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

// Remove implements Backend.
func (r *Redis) Remove(ctx context.Context, name string) (bool, error) {
	keys := r.keys(name)
	n, err := r.client.Del(ctx, keys[0]).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	if err := r.client.Del(ctx, keys[1]).Err(); err != nil {
		return false, mapRedisErr(err)
	}
	return n > 0, nil
}

// Names implements Backend. A cluster client is scanned master by master.
func (r *Redis) Names(ctx context.Context) ([]string, error) {
	cc, ok := r.client.(*redis.ClusterClient)
	if !ok {
		names, err := r.scan(ctx, r.client)
		return names, mapRedisErr(err)
	}
	var mu sync.Mutex
	var names []string
	err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		found, err := r.scan(ctx, node)
		mu.Lock()
		names = append(names, found...)
		mu.Unlock()
		return err
	})
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return names, nil
}

func (r *Redis) scan(ctx context.Context, c redis.Cmdable) ([]string, error) {
	var names []string
	iter := c.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, metaSuffix) {
			continue
		}
		name := strings.TrimPrefix(key, r.prefix)
		if !strings.HasPrefix(name, "{") || !strings.HasSuffix(name, "}") {
			continue
		}
		names = append(names, name[1:len(name)-1])
	}
	return names, iter.Err()
}

// mapRedisErr translates transport failures into the shared sentinels.
func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", batonerrors.ErrTimeout, err)
	case stdErrors.Is(err, redis.ErrClosed):
		return batonerrors.ErrConnectionClosed
	}
	return err
}
