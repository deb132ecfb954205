// Package idempotency caches outbound collaborator-call responses keyed by
// the idempotency key a handler supplies (the task id, per the handler
// contract described in the scheduling core's error-handling design):
// a handler retried after a timeout replays the same key and gets back the
// exact response the first attempt produced, instead of double-applying a
// non-idempotent external effect (placing a duplicate order, for example).
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantrail/tradingcore/core/logging"
)

// Response is the cached shape of an outbound HTTP call's result, enough to
// replay it byte-for-byte on a retry.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend is the durable side of the cache; RedisBackend is the production
// implementation, but callers may supply any Backend (or nil, to run purely
// off the in-process fallback).
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisBackend adapts a go-redis client to Backend.
type RedisBackend struct {
	Client *redis.Client
}

func (b *RedisBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return b.Client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

const defaultTTL = 24 * time.Hour

type entry struct {
	Resp      Response
	Timestamp time.Time
}

// Store is the in-process+durable two-tier idempotency cache: a Backend when
// one is wired, falling back to an in-memory sync.Map (with its own 1h TTL)
// when the durable side is unreachable or unconfigured, so a handler never
// fails to look up its own prior attempt just because Redis is briefly down.
type Store struct {
	backend Backend
	cache   sync.Map
	log     *logging.Logger
}

func NewStore(backend Backend, log *logging.Logger) *Store {
	return &Store{backend: backend, log: log}
}

// Get returns the cached response for key, if one was ever Set under it.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			s.logError("get", key, err)
		} else if val != "" {
			var e entry
			if err := json.Unmarshal([]byte(val), &e); err == nil {
				return e.Resp, true
			}
		}
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > time.Hour {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

// Set records resp as the durable effect of key, so a later handler retry
// with the same key replays it instead of re-issuing the call.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		if bytes, err := json.Marshal(e); err == nil {
			if err := s.backend.Set(ctx, key, string(bytes), defaultTTL); err != nil {
				s.logError("set", key, err)
			}
		}
	}

	s.cache.Store(key, e)
}

func (s *Store) logError(op, key string, err error) {
	if s.log == nil {
		return
	}
	logging.Log(s.log, "warn", "idempotency backend error, falling back to in-memory cache", logging.Fields{
		"op": op, "key": key, "error": err,
	})
}
