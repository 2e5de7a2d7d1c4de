package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares generations across processes and survives restarts, so several
// client processes (or a restarted one) agree on which entries are dropped.
// With a TTL, idle counters expire and read as 0; the TTL must then outlive every
// entry TTL.
type Redis struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration
}

var _ GenStore = (*Redis)(nil)

// NewRedis builds a Redis store. ttl <= 0 disables expiry.
func NewRedis(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	return &Redis{rdb: client, ns: namespace, ttl: ttl}
}

func (s *Redis) key(k string) string { return "nearcache:gen:" + s.ns + ":" + k }

func (s *Redis) Snapshot(ctx context.Context, k string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(k, res)
}

// SnapshotMany reads every key with one MGET.
func (s *Redis) SnapshotMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		var g uint64
		switch vv := v.(type) {
		case nil:
		case string:
			g, err = parseGen(ks[i], vv)
		case []byte:
			g, err = parseGen(ks[i], string(vv))
		default:
			g, err = parseGen(ks[i], fmt.Sprint(vv))
		}
		if err != nil {
			return nil, err
		}
		out[ks[i]] = g
	}
	return out, nil
}

// Bump increments the counter. With a TTL, INCR and EXPIRE share one pipelined
// round trip.
func (s *Redis) Bump(ctx context.Context, k string) (uint64, error) {
	full := s.key(k)
	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, full).Result()
		return uint64(v), err
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, full)
		p.Expire(ctx, full, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is a no-op; Redis expires counters itself when a TTL is set.
func (s *Redis) Cleanup(time.Duration) int { return 0 }

func (s *Redis) Close(context.Context) error { return s.rdb.Close() }

func parseGen(k, v string) (uint64, error) {
	g, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: parse %s: %w", k, err)
	}
	return g, nil
}
