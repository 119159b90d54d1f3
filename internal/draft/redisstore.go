package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/portal/model"
)

// DefaultRedisPrefix is prepended to every draft key.
const DefaultRedisPrefix = "portal:draft:"

const (
	redisMetaField = "meta"
	redisStepField = "step:"
)

// saveStepScript writes a step and, independently, the draft header. Each
// write is skipped when the stored timestamp is newer.
//
// KEYS[1] draft hash
// ARGV[1] step field, ARGV[2] timestamp (unix micros), ARGV[3] step payload,
// ARGV[4] header payload, ARGV[5] ttl in milliseconds (0 = none)
var saveStepScript = redis.NewScript(`
local ts = tonumber(ARGV[2])
local stepTs = redis.call('HGET', KEYS[1], 'ts:' .. ARGV[1])
local written = 0
if (not stepTs) or tonumber(stepTs) <= ts then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3], 'ts:' .. ARGV[1], ARGV[2])
	written = 1
end
local metaTs = redis.call('HGET', KEYS[1], 'ts:meta')
if (not metaTs) or tonumber(metaTs) <= ts then
	redis.call('HSET', KEYS[1], 'meta', ARGV[4], 'ts:meta', ARGV[2])
end
if tonumber(ARGV[5]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return written
`)

type redisMeta struct {
	CompletedSteps model.StepSet `json:"completed_steps"`
	CurrentStep    int           `json:"current_step"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type redisStep struct {
	Data      model.SubDocument `json:"data"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RedisStore keeps each draft in a hash: one field per step plus a header.
// Drafts expire after the configured TTL of inactivity.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed draft store. A zero ttl keeps drafts
// until they are deleted.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisPrefix, ttl: ttl}
}

func (s *RedisStore) key(ownerID string) string {
	return s.prefix + ownerID
}

// Load reads every field of the owner's hash.
func (s *RedisStore) Load(ctx context.Context, ownerID string) (model.DraftRecord, error) {
	key := s.key(ownerID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return model.DraftRecord{}, fmt.Errorf("redis hgetall %q: %w", key, err)
	}
	rawMeta, ok := fields[redisMetaField]
	if !ok {
		return model.DraftRecord{}, ErrNotFound
	}

	var meta redisMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return model.DraftRecord{}, fmt.Errorf("unmarshal draft header %q: %w", key, err)
	}

	rec := model.DraftRecord{
		OwnerID:        ownerID,
		Document:       model.Document{},
		CompletedSteps: meta.CompletedSteps,
		CurrentStep:    meta.CurrentStep,
		UpdatedAt:      meta.UpdatedAt,
		StepUpdatedAt:  map[model.StepKey]time.Time{},
	}
	for field, raw := range fields {
		stepKey, isStep := strings.CutPrefix(field, redisStepField)
		if !isStep {
			continue
		}
		var st redisStep
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return model.DraftRecord{}, fmt.Errorf("unmarshal draft step %q: %w", field, err)
		}
		rec.Document[model.StepKey(stepKey)] = st.Data
		rec.StepUpdatedAt[model.StepKey(stepKey)] = st.UpdatedAt
	}
	return rec, nil
}

// SaveStep runs the compare-and-set script.
func (s *RedisStore) SaveStep(ctx context.Context, w StepWrite) error {
	stepJSON, err := json.Marshal(redisStep{Data: w.Data, UpdatedAt: w.UpdatedAt})
	if err != nil {
		return fmt.Errorf("marshal draft step: %w", err)
	}
	metaJSON, err := json.Marshal(redisMeta{
		CompletedSteps: w.CompletedSteps,
		CurrentStep:    w.CurrentStep,
		UpdatedAt:      w.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal draft header: %w", err)
	}

	key := s.key(w.OwnerID)
	err = saveStepScript.Run(ctx, s.client, []string{key},
		redisStepField+string(w.Key),
		w.UpdatedAt.UnixMicro(),
		stepJSON,
		metaJSON,
		s.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis save step %q: %w", key, err)
	}
	return nil
}

// Delete removes the owner's hash.
func (s *RedisStore) Delete(ctx context.Context, ownerID string) error {
	key := s.key(ownerID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// List scans the draft keyspace. It is meant for staff tooling, not hot paths.
func (s *RedisStore) List(ctx context.Context, filters model.DraftFilters) ([]model.DraftRecord, error) {
	var records []model.DraftRecord
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan drafts: %w", err)
		}
		for _, k := range keys {
			owner := strings.TrimPrefix(k, s.prefix)
			rec, err := s.Load(ctx, owner)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return applyFilters(records, filters), nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
