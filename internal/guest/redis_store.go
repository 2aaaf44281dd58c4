package guest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medibot/internal/models"
	"medibot/internal/redis"
)

const redisKeyPrefix = "medibot:guest:"

// incrementScript checks, increments, appends and renews expiry in one step.
// KEYS: session hash, message list. ARGV: limit, window ms, now ms, text.
var incrementScript = redis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'message_count') or '0')
if count >= tonumber(ARGV[1]) then
	return {count, 0}
end
count = redis.call('HINCRBY', KEYS[1], 'message_count', 1)
redis.call('HSETNX', KEYS[1], 'created_at', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[3] .. '|' .. ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return {count, 1}
`)

// RedisStore keeps guest sessions as expiring hashes.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(guestID string) string  { return redisKeyPrefix + guestID }
func messagesKey(guestID string) string { return redisKeyPrefix + guestID + ":messages" }

func (s *RedisStore) Get(ctx context.Context, guestID string, now time.Time) (*models.GuestSession, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(guestID))
	if err != nil {
		return nil, fmt.Errorf("lookup guest session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	sess := &models.GuestSession{GuestID: guestID}
	sess.MessageCount, _ = strconv.Atoi(fields["message_count"])
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		sess.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ttl, err := s.client.TTL(ctx, sessionKey(guestID)); err == nil && ttl > 0 {
		sess.ExpiresAt = now.Add(ttl)
	}

	entries, err := s.client.LRange(ctx, messagesKey(guestID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list guest messages: %w", err)
	}
	for _, e := range entries {
		at, text, _ := strings.Cut(e, "|")
		msg := models.GuestMessage{Text: text}
		if ms, err := strconv.ParseInt(at, 10, 64); err == nil {
			msg.At = time.UnixMilli(ms).UTC()
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, nil
}

func (s *RedisStore) Increment(ctx context.Context, guestID, text string, limit int, window time.Duration, now time.Time) (int, bool, error) {
	res, err := s.client.Run(ctx, incrementScript,
		[]string{sessionKey(guestID), messagesKey(guestID)},
		limit, window.Milliseconds(), now.UnixMilli(), text,
	)
	if err != nil {
		return 0, false, fmt.Errorf("increment guest session: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("increment guest session: unexpected reply %v", res)
	}
	count, _ := vals[0].(int64)
	applied, _ := vals[1].(int64)
	return int(count), applied == 1, nil
}

func (s *RedisStore) Reset(ctx context.Context, guestID string) error {
	if err := s.client.Del(ctx, sessionKey(guestID), messagesKey(guestID)); err != nil {
		return fmt.Errorf("reset guest session: %w", err)
	}
	return nil
}
