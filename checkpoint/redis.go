package checkpoint

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/langgraph-go/stategraph/errors"
)

// RedisSaver stores checkpoints in Redis. Each session owns a sorted set of
// step indexes and a hash of serialized checkpoints keyed by step index; a
// set indexes the session ids.
type RedisSaver struct {
	client     backend.UniversalClient
	prefix     string
	ttl        time.Duration
	serializer Serializer
}

// RedisOption configures a RedisSaver.
type RedisOption func(*RedisSaver)

// WithRedisTTL expires a session's keys ttl after its latest write.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSaver) {
		s.ttl = ttl
	}
}

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisSaver) {
		s.prefix = prefix
	}
}

// NewRedisSaver connects to a Redis server.
func NewRedisSaver(address, password string, db int, opts ...RedisOption) *RedisSaver {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisSaverFromClient(client, opts...)
}

// NewRedisSaverFromURL connects using a redis:// URL.
func NewRedisSaverFromURL(url string, opts ...RedisOption) (*RedisSaver, error) {
	options, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisSaverFromClient(backend.NewClient(options), opts...), nil
}

// NewRedisSaverFromClient creates a saver from an existing client.
func NewRedisSaverFromClient(client backend.UniversalClient, opts ...RedisOption) *RedisSaver {
	saver := &RedisSaver{
		client:     client,
		prefix:     "stategraph:",
		serializer: JSONSerializer{},
	}
	for _, opt := range opts {
		opt(saver)
	}
	return saver
}

func (s *RedisSaver) stepsKey(sessionID string) string {
	return s.prefix + "session:" + sessionID + ":steps"
}

func (s *RedisSaver) dataKey(sessionID string) string {
	return s.prefix + "session:" + sessionID + ":data"
}

func (s *RedisSaver) indexKey() string {
	return s.prefix + "sessions"
}

// saveScript appends a checkpoint unless its step does not advance.
// KEYS: steps, data, index. ARGV: session id, step, payload, ttl ms.
var saveScript = backend.NewScript(`
local latest = redis.call("ZREVRANGE", KEYS[1], 0, 0, "WITHSCORES")
local step = tonumber(ARGV[2])
if latest[2] ~= nil and tonumber(latest[2]) >= step then
	return {0, latest[2]}
end
redis.call("ZADD", KEYS[1], step, ARGV[2])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[1])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
	redis.call("PEXPIRE", KEYS[2], ttl)
end
return {1, ARGV[2]}
`)

// Save appends a checkpoint atomically.
func (s *RedisSaver) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := s.serializer.Serialize(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	res, err := saveScript.Run(ctx, s.client,
		[]string{s.stepsKey(cp.SessionID), s.dataKey(cp.SessionID), s.indexKey()},
		cp.SessionID, strconv.Itoa(cp.StepIndex), data, s.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return storageError(err, "save checkpoint", cp.SessionID, cp.StepIndex)
	}
	if applied, _ := res[0].(int64); applied == 0 {
		latest, _ := strconv.Atoi(fmt.Sprint(res[1]))
		return stepConflict(cp.SessionID, cp.StepIndex, latest)
	}
	return nil
}

// Load returns the latest checkpoint of a session.
func (s *RedisSaver) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	list, err := s.List(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// List returns checkpoints of a session, newest first.
func (s *RedisSaver) List(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	steps, err := s.client.ZRevRange(ctx, s.stepsKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, storageError(err, "list steps", sessionID, -1)
	}
	if len(steps) == 0 {
		return []*Checkpoint{}, nil
	}

	values, err := s.client.HMGet(ctx, s.dataKey(sessionID), steps...).Result()
	if err != nil {
		return nil, storageError(err, "load checkpoints", sessionID, -1)
	}

	result := make([]*Checkpoint, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("checkpoint %s/%s is missing", sessionID, steps[i])
		}
		cp, err := decodeCheckpoint(s.serializer, []byte(str))
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

// Delete removes a session.
func (s *RedisSaver) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.stepsKey(sessionID), s.dataKey(sessionID))
	pipe.SRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageError(err, "delete session", sessionID, -1)
	}
	return nil
}

// Sessions returns the stored session ids. Sessions whose keys expired are
// dropped from the index lazily.
func (s *RedisSaver) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil && !stderrors.Is(err, backend.Nil) {
		return nil, storageError(err, "list sessions", "", -1)
	}

	live := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.stepsKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		live = append(live, id)
	}
	sort.Strings(live)
	return live, nil
}

// Ping checks the connection.
func (s *RedisSaver) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorCodePersistence, "redis ping")
	}
	return nil
}

// Close closes the redis client.
func (s *RedisSaver) Close() error {
	return s.client.Close()
}
