package store

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type redisBackend struct {
	client *redis.Client
	locks  partitionLocks
	cfg    config
}

var _ Backend = (*redisBackend)(nil)

// NewRedis returns a Backend keeping each partition in one Redis hash
// (field per entity identifier). Updates use WATCH/MULTI so writers in other
// processes are detected and the transaction retried.
// The caller owns the redis.Client lifecycle; Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) Backend {
	return &redisBackend{client: client, cfg: applyOptions(opts)}
}

func (r *redisBackend) key(partition string) string {
	if r.cfg.prefix == "" {
		return partition
	}
	return r.cfg.prefix + ":" + partition
}

func toRecords(m map[string]string) Records {
	out := make(Records, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out
}

func (r *redisBackend) Load(ctx context.Context, partition string) (Records, error) {
	qctx, cancel := r.cfg.queryCtx(ctx)
	defer cancel()
	m, err := r.client.HGetAll(qctx, r.key(partition)).Result()
	if err != nil {
		return nil, unavailable(err, "store: load partition %s", partition)
	}
	return toRecords(m), nil
}

func (r *redisBackend) Update(ctx context.Context, partition string, fn func(Records) (Records, error)) error {
	unlock, err := r.locks.lock(ctx, partition)
	if err != nil {
		return err
	}
	defer unlock()

	qctx, cancel := r.cfg.queryCtx(ctx)
	defer cancel()
	key := r.key(partition)

	txf := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(qctx, key).Result()
		if err != nil {
			return unavailable(err, "store: load partition %s", partition)
		}
		current := toRecords(m)
		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		upserts, deletes := diff(current, next)
		if len(upserts) == 0 && len(deletes) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
			if len(deletes) > 0 {
				pipe.HDel(qctx, key, deletes...)
			}
			if len(upserts) > 0 {
				values := make(map[string]interface{}, len(upserts))
				for id, data := range upserts {
					values[id] = data
				}
				pipe.HSet(qctx, key, values)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt <= r.cfg.maxRetries; attempt++ {
		err := r.client.Watch(qctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return unavailable(err, "store: update partition %s", partition)
		}
		r.cfg.logger.Debug("partition %s changed concurrently, retrying (%d)", partition, attempt+1)
	}
	return unavailable(redis.TxFailedErr, "store: update partition %s: too many conflicts", partition)
}

func (r *redisBackend) Reset(ctx context.Context, partition string) error {
	qctx, cancel := r.cfg.queryCtx(ctx)
	defer cancel()
	if err := r.client.Del(qctx, r.key(partition)).Err(); err != nil {
		return unavailable(err, "store: reset partition %s", partition)
	}
	return nil
}

func (r *redisBackend) Repair(ctx context.Context, partition string, check func(Records) error) (bool, error) {
	return repairByUpdate(ctx, r.Update, partition, check)
}

func (r *redisBackend) Partitions(ctx context.Context) ([]string, error) {
	qctx, cancel := r.cfg.queryCtx(ctx)
	defer cancel()
	pattern := "*"
	trim := ""
	if r.cfg.prefix != "" {
		trim = r.cfg.prefix + ":"
		pattern = trim + "*"
	}
	var out []string
	iter := r.client.Scan(qctx, 0, pattern, 100).Iterator()
	for iter.Next(qctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), trim))
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err, "store: list partitions")
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op since the caller owns the redis.Client lifecycle.
func (r *redisBackend) Close() error {
	return nil
}
