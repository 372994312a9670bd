package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/auth"
)

const idempotencyHeader = "Idempotency-Key"

// storedResponse is the replayable outcome of a completed request.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// ReplayStore persists responses keyed by idempotency key for a bounded
// window. Get returns nil when the key is unknown.
type ReplayStore interface {
	Get(ctx context.Context, key string) (*storedResponse, error)
	Set(ctx context.Context, key string, resp *storedResponse) error
}

const replayTTL = 24 * time.Hour

// MemoryReplayStore keeps replay state in process memory. Fine for a
// single instance; use the redis store behind a load balancer.
type MemoryReplayStore struct {
	cache *gocache.Cache
}

func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{cache: gocache.New(replayTTL, time.Hour)}
}

func (s *MemoryReplayStore) Get(_ context.Context, key string) (*storedResponse, error) {
	if v, ok := s.cache.Get(key); ok {
		return v.(*storedResponse), nil
	}
	return nil, nil
}

func (s *MemoryReplayStore) Set(_ context.Context, key string, resp *storedResponse) error {
	s.cache.SetDefault(key, resp)
	return nil
}

// RedisReplayStore shares replay state across instances.
type RedisReplayStore struct {
	client *redis.Client
}

func NewRedisReplayStore(client *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{client: client}
}

func (s *RedisReplayStore) Get(ctx context.Context, key string) (*storedResponse, error) {
	raw, err := s.client.Get(ctx, "idem:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "idempotency store read")
	}
	var resp storedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "idempotency store decode")
	}
	return &resp, nil
}

func (s *RedisReplayStore) Set(ctx context.Context, key string, resp *storedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, "idem:"+key, raw, replayTTL).Err(); err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, err, "idempotency store write")
	}
	return nil
}

// captureWriter buffers a response so it can be stored for replay.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return c.ResponseWriter.Write(p)
}

// idempotent replays a prior response when the same authenticated caller
// repeats an Idempotency-Key. Requests without the header pass through.
func idempotent(store ReplayStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			// Keys are scoped per user so callers cannot replay each
			// other's responses.
			if p, ok := auth.FromContext(r.Context()); ok {
				key = p.UserID + ":" + key
			}
			key = r.Method + ":" + r.URL.Path + ":" + key

			if prior, err := store.Get(r.Context(), key); err != nil {
				writeError(w, r, err)
				return
			} else if prior != nil {
				w.Header().Set("Content-Type", prior.ContentType)
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(prior.Status)
				_, _ = w.Write(prior.Body)
				return
			}

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			// 5xx outcomes are not replayable; the caller should retry.
			if cw.status < http.StatusInternalServerError {
				_ = store.Set(r.Context(), key, &storedResponse{
					Status:      cw.status,
					ContentType: cw.Header().Get("Content-Type"),
					Body:        cw.buf.Bytes(),
				})
			}
		})
	}
}
