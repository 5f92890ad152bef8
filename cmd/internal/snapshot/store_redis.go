package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a shared Store backed by Redis, for multi-node deployments
// where a SQL database is not available.
//
// Keys (prefix defaults to "easel"):
//   - <prefix>:snap:<sessionID>    hash {data, version, updated}
//   - <prefix>:chat:<sessionID>    list of JSON messages
//   - <prefix>:chatids:<sessionID> hash messageID -> seq
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("snapshot: nil redis client")
	}
	s := &RedisStore{client: client, prefix: "easel"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// DialRedis connects to addr, pings it and returns a store owning the client.
func DialRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s, err := NewRedisStore(client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *RedisStore) snapKey(id string) string    { return s.prefix + ":snap:" + id }
func (s *RedisStore) chatKey(id string) string    { return s.prefix + ":chat:" + id }
func (s *RedisStore) chatIDsKey(id string) string { return s.prefix + ":chatids:" + id }

// GetSnapshot returns the stored snapshot or ErrNotFound.
func (s *RedisStore) GetSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := checkSessionID(sessionID); err != nil {
		return Snapshot{}, err
	}
	vals, err := s.client.HMGet(ctx, s.snapKey(sessionID), "data", "version", "updated").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	data, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	if data == "" || verStr == "" {
		return Snapshot{}, ErrNotFound
	}
	version, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("corrupt snapshot version: %w", err)
	}
	out := Snapshot{SessionID: sessionID, Data: []byte(data), Version: version}
	if updStr, _ := vals[2].(string); updStr != "" {
		if ms, err := strconv.ParseInt(updStr, 10, 64); err == nil {
			out.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return out, nil
}

// PutSnapshot overwrites the snapshot and returns the new version.
func (s *RedisStore) PutSnapshot(ctx context.Context, sessionID string, data []byte) (int64, error) {
	if err := checkSnapshot(sessionID, data); err != nil {
		return 0, err
	}
	key := s.snapKey(sessionID)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, "version", 1)
		pipe.HSet(ctx, key, "data", data, "updated", time.Now().UTC().UnixMilli())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("put snapshot: %w", err)
	}
	return incr.Val(), nil
}

// appendScript atomically dedupes on message id, allocates the seq and appends.
// Returns {seq, duplicated(0|1)}.
var appendScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
  return {tonumber(existing), 1}
end
local seq = redis.call('LLEN', KEYS[1]) + 1
local raw = string.gsub(ARGV[2], '"seq":0', '"seq":' .. seq, 1)
redis.call('RPUSH', KEYS[1], raw)
redis.call('HSET', KEYS[2], ARGV[1], seq)
return {seq, 0}
`)

// ListMessages returns the newest limit messages in append order.
func (s *RedisStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	raw, err := s.client.LRange(ctx, s.chatKey(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// ListMessagesAfter returns up to limit messages after afterSeq in append order.
// The list index of a message is its seq minus one.
func (s *RedisStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	if afterSeq < 0 {
		afterSeq = 0
	}

	raw, err := s.client.LRange(ctx, s.chatKey(sessionID), afterSeq, afterSeq+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// AppendMessage appends m unless its ID was already stored for the session.
func (s *RedisStore) AppendMessage(ctx context.Context, m Message) (AppendResult, error) {
	m, err := normalizeMessage(m)
	if err != nil {
		return AppendResult{}, err
	}
	m.Seq = 0
	body, err := json.Marshal(m)
	if err != nil {
		return AppendResult{}, err
	}

	res, err := appendScript.Run(ctx, s.client,
		[]string{s.chatKey(m.SessionID), s.chatIDsKey(m.SessionID)},
		m.ID, string(body),
	).Int64Slice()
	if err != nil {
		return AppendResult{}, fmt.Errorf("append message: %w", err)
	}
	if len(res) != 2 {
		return AppendResult{}, fmt.Errorf("append message: unexpected script reply %v", res)
	}

	seq, dup := res[0], res[1] == 1
	if !dup {
		m.Seq = seq
		return AppendResult{Stored: m}, nil
	}

	raw, err := s.client.LIndex(ctx, s.chatKey(m.SessionID), seq-1).Result()
	if err != nil {
		return AppendResult{}, fmt.Errorf("load duplicate: %w", err)
	}
	var existing Message
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return AppendResult{}, fmt.Errorf("decode message: %w", err)
	}
	return AppendResult{Stored: existing, Duplicated: true}, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store dialed it.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
