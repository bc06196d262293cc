// Package cache holds the shared infrastructure around the engine: the
// materialized view cache, the maintenance job lock and the stream of job
// reports. Redis serves clustered deployments; ristretto and an in-process
// lock serve a single node.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/memory"
)

var _ memory.ViewCache = (*Redis)(nil)

const (
	viewPrefix = "substrate:view:"
	lockPrefix = "substrate:lock:"
	// ReportStream receives one entry per finished maintenance job.
	ReportStream = "substrate:maintenance"
)

// Redis is a view cache, job locker and report publisher over one client.
type Redis struct {
	rdb    *redis.Client
	tokens sync.Map // lock name -> token of the lock this process holds
	logger *zap.Logger
}

// NewRedis connects to redisURL and pings it.
func NewRedis(ctx context.Context, redisURL string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, logger: logger}, nil
}

// Put stores v as JSON under key for ttl.
func (r *Redis) Put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode view %s: %w", key, err)
	}
	if err := r.rdb.Set(ctx, viewPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("put view %s: %w", key, err)
	}
	return nil
}

// Get decodes the value under key into dst.
func (r *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := r.rdb.Get(ctx, viewPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get view %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode view %s: %w", key, err)
	}
	return true, nil
}

// unlockScript deletes the lock only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lock takes the cluster-wide lock of name for at most ttl. It returns
// ok=false when another node holds it.
func (r *Redis) Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error) {
	key := lockPrefix + name
	token := uuid.NewString()
	ok, err = r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	r.tokens.Store(name, token)
	return func() {
		r.tokens.CompareAndDelete(name, token)
		// The job context may already be canceled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, r.rdb, []string{key}, token).Err(); err != nil {
			r.logger.Warn("release lock failed", zap.String("lock", name), zap.Error(err))
		}
	}, true, nil
}

// extendScript renews the lock only while it still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Extend resets the expiry of a lock taken by this process to ttl. It
// returns false once the lock expired or another node took it.
func (r *Redis) Extend(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token, held := r.tokens.Load(name)
	if !held {
		return false, nil
	}
	n, err := extendScript.Run(ctx, r.rdb, []string{lockPrefix + name}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", name, err)
	}
	return n == 1, nil
}

// Publish appends a job report to the report stream.
func (r *Redis) Publish(ctx context.Context, report *memory.JobReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: ReportStream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{
			"job":  string(report.Job),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", ReportStream, err)
	}
	r.logger.Debug("published job report",
		zap.String("job", string(report.Job)),
		zap.Int64("affected", report.Affected))
	return nil
}

// Subscribe follows the report stream from now on. The channel closes when
// ctx is canceled.
func (r *Redis) Subscribe(ctx context.Context) <-chan *memory.JobReport {
	ch := make(chan *memory.JobReport, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{ReportStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				continue
			}

			for _, s := range results {
				for _, msg := range s.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var report memory.JobReport
					if json.Unmarshal([]byte(data), &report) != nil {
						continue
					}
					select {
					case ch <- &report:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
