// Package session implements the Session Context Store: an append-only,
// time-bounded history of conversation turns per (merchant, user, session),
// held in Redis lists.
//
// Keys are namespaced by instance name so multiple Parley instances can
// safely share one Redis server. Agents only append or read turns, never
// mutate them in place.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one conversation turn. Turns are immutable once appended.
type Turn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Refined   string `json:"refined,omitempty"`  // Compressed question, user turns only
	Intent    string `json:"intent,omitempty"`   // Classified intent, user turns only
	Source    string `json:"source,omitempty"`   // Resolution tier, assistant turns only
	Timestamp int64  `json:"timestamp"`          // Unix milliseconds
	TicketID  string `json:"ticketId,omitempty"` // Trace ID of the turn that produced this
}

// Key identifies one conversation.
type Key struct {
	MerchantID string
	UserID     string
	SessionID  string
}

// redisKey returns the list key for a conversation.
// Pattern: parley:{instance}:session:{merchant_id}:{user_id}:{session_id}
func (k Key) redisKey(instanceName string) string {
	return fmt.Sprintf("parley:%s:session:%s:%s:%s", instanceName, k.MerchantID, k.UserID, k.SessionID)
}

// Store provides instance-scoped access to conversation histories.
// The store is safe for concurrent use from multiple goroutines.
type Store struct {
	rdb          *redis.Client
	instanceName string
	ttl          time.Duration
}

// NewStore creates a session store for the given instance. Every append
// refreshes the retention TTL on the conversation's list.
func NewStore(redisOpts *redis.Options, instanceName string, ttl time.Duration) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session TTL must be positive, got %v", ttl)
	}

	return &Store{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		ttl:          ttl,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Append adds a turn to the end of a conversation and refreshes the
// retention TTL.
func (s *Store) Append(ctx context.Context, key Key, turn *Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to serialize turn: %w", err)
	}

	redisKey := key.redisKey(s.instanceName)
	if err := s.rdb.RPush(ctx, redisKey, data).Err(); err != nil {
		return fmt.Errorf("failed to append turn to Redis: %w", err)
	}

	if err := s.rdb.Expire(ctx, redisKey, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session TTL: %w", err)
	}

	return nil
}

// Range reads turns by index, LRANGE semantics: 0 is the oldest turn,
// negative indices count from the end. Returns an empty slice for unknown
// conversations.
func (s *Store) Range(ctx context.Context, key Key, from, to int64) ([]Turn, error) {
	raw, err := s.rdb.LRange(ctx, key.redisKey(s.instanceName), from, to).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read turns from Redis: %w", err)
	}

	turns := make([]Turn, 0, len(raw))
	for i, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("failed to deserialize turn at index %d: %w", i, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// All returns the full turn history for a conversation, oldest first.
func (s *Store) All(ctx context.Context, key Key) ([]Turn, error) {
	return s.Range(ctx, key, 0, -1)
}

// Recent returns the last n turns for a conversation, oldest first.
func (s *Store) Recent(ctx context.Context, key Key, n int64) ([]Turn, error) {
	if n <= 0 {
		return nil, fmt.Errorf("recent turn count must be positive, got %d", n)
	}
	return s.Range(ctx, key, -n, -1)
}
