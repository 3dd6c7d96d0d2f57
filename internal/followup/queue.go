package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout of the durable queue.
const (
	DueKey        = "followup:due"
	ReadyKey      = "followup:ready"
	ProcessingKey = "followup:processing"
	ClaimedKey    = "followup:claimed"
	StatsKey      = "followup:stats"
	JobKeyPrefix  = "followup:job:"
)

const (
	statCompleted = "completed"
	statFailed    = "failed"
	statSkipped   = "skipped"
	statRetried   = "retried"
)

// promoteScript moves due members to the ready list atomically so concurrent promoters never
// hand the same member out twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

type queue struct {
	rdb *redis.Client
}

func docKey(key string) string { return JobKeyPrefix + key }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// replace removes the given keys and stores the new jobs in one transaction.
func (q *queue) replace(ctx context.Context, remove []string, put []*Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range remove {
			pipe.Del(ctx, docKey(key))
			pipe.ZRem(ctx, DueKey, key)
			pipe.LRem(ctx, ReadyKey, 0, key)
		}
		for _, job := range put {
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			pipe.Set(ctx, docKey(job.Key), data, 0)
			pipe.ZAdd(ctx, DueKey, redis.Z{Score: score(job.FireAt), Member: job.Key})
		}
		return nil
	})
	return err
}

// load returns the stored job, or nil when it does not exist.
func (q *queue) load(ctx context.Context, key string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, docKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", key, err)
	}
	return &job, nil
}

// current reports whether key still holds generation.
func (q *queue) current(ctx context.Context, key, generation string) (bool, error) {
	job, err := q.load(ctx, key)
	if err != nil || job == nil {
		return false, err
	}
	return job.Generation == generation, nil
}

func (q *queue) promote(ctx context.Context, now time.Time, limit int64) (int64, error) {
	return promoteScript.Run(ctx, q.rdb, []string{DueKey, ReadyKey}, now.UnixMilli(), limit).Int64()
}

// claim moves the next ready key to the processing list. block > 0 waits up to block.
func (q *queue) claim(ctx context.Context, block time.Duration, now time.Time) (string, error) {
	var (
		key string
		err error
	)
	if block > 0 {
		key, err = q.rdb.BRPopLPush(ctx, ReadyKey, ProcessingKey, block).Result()
	} else {
		key, err = q.rdb.RPopLPush(ctx, ReadyKey, ProcessingKey).Result()
	}
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if err := q.rdb.ZAdd(ctx, ClaimedKey, redis.Z{Score: score(now), Member: key}).Err(); err != nil {
		return key, err
	}
	return key, nil
}

func (q *queue) finish(ctx context.Context, key string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingKey, 1, key)
		pipe.ZRem(ctx, ClaimedKey, key)
		return nil
	})
	return err
}

// update applies fn to the stored job if it still carries generation. When fn returns false the
// job is deleted, otherwise it is saved and put back on the due set at its FireAt.
// It reports false when the job was cancelled or superseded in the meantime.
func (q *queue) update(ctx context.Context, key, generation string, fn func(*Job) bool) (bool, error) {
	doc := docKey(key)
	applied := false
	err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, doc).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return err
		}
		if job.Generation != generation {
			return nil
		}
		keep := fn(&job)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !keep {
				pipe.Del(ctx, doc)
				pipe.ZRem(ctx, DueKey, key)
				return nil
			}
			pipe.Set(ctx, doc, data, 0)
			pipe.ZAdd(ctx, DueKey, redis.Z{Score: score(job.FireAt), Member: key})
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, doc)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return applied, err
}

// sweep returns processing entries claimed before cutoff to the due set. Entries that never got a
// claim timestamp are stamped so the next sweep can judge them.
func (q *queue) sweep(ctx context.Context, cutoff, now time.Time) (int, error) {
	processing, err := q.rdb.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for _, key := range processing {
		if err := q.rdb.ZAddNX(ctx, ClaimedKey, redis.Z{Score: score(now), Member: key}).Err(); err != nil {
			return 0, err
		}
	}

	stale, err := q.rdb.ZRangeByScore(ctx, ClaimedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, key := range stale {
		removed, err := q.rdb.ZRem(ctx, ClaimedKey, key).Result()
		if err != nil {
			return recovered, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LRem(ctx, ProcessingKey, 1, key).Err(); err != nil {
			return recovered, err
		}
		exists, err := q.rdb.Exists(ctx, docKey(key)).Result()
		if err != nil {
			return recovered, err
		}
		if exists == 0 {
			continue
		}
		if err := q.rdb.ZAddNX(ctx, DueKey, redis.Z{Score: score(now), Member: key}).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *queue) incr(ctx context.Context, field string) {
	_ = q.rdb.HIncrBy(ctx, StatsKey, field, 1).Err()
}

func (q *queue) stats(ctx context.Context) (Stats, error) {
	var (
		due, ready, processing *redis.IntCmd
		counters               *redis.MapStringStringCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		due = pipe.ZCard(ctx, DueKey)
		ready = pipe.LLen(ctx, ReadyKey)
		processing = pipe.LLen(ctx, ProcessingKey)
		counters = pipe.HGetAll(ctx, StatsKey)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	c := counters.Val()
	parse := func(field string) int64 {
		n, _ := strconv.ParseInt(c[field], 10, 64)
		return n
	}
	return Stats{
		Due:        due.Val(),
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Completed:  parse(statCompleted),
		Failed:     parse(statFailed),
		Skipped:    parse(statSkipped),
		Retried:    parse(statRetried),
	}, nil
}
