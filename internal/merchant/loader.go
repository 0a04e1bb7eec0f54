package merchant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// ErrProfileNotFound is returned when no profile exists for a merchant.
var ErrProfileNotFound = errors.New("merchant profile not found")

// IsNotFound reports whether err means the merchant has no profile.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound)
}

// Loader retrieves a merchant's profile from a backing store.
type Loader interface {
	Load(ctx context.Context, merchantID string) (*Profile, error)
}

// FileLoader reads profiles from {dir}/{merchant_id}.yml.
type FileLoader struct {
	Dir string
}

// Load implements Loader.
func (l *FileLoader) Load(_ context.Context, merchantID string) (*Profile, error) {
	path := filepath.Join(l.Dir, merchantID+".yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, merchantID)
		}
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile file %s: %w", path, err)
	}
	if profile.MerchantID == "" {
		profile.MerchantID = merchantID
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", merchantID, err)
	}

	return &profile, nil
}

// ProfileKey returns the Redis key for a merchant's profile document.
// Pattern: parley:{instance}:merchant:{merchant_id}
func ProfileKey(instanceName, merchantID string) string {
	return fmt.Sprintf("parley:%s:merchant:%s", instanceName, merchantID)
}

// HitsKey returns the Redis key for a merchant's hot-question hit counters.
// Pattern: parley:{instance}:merchant:{merchant_id}:hits
func HitsKey(instanceName, merchantID string) string {
	return fmt.Sprintf("parley:%s:merchant:%s:hits", instanceName, merchantID)
}

// RedisLoader reads profiles from a Redis document store: one JSON document
// per merchant, with hit counters in a sibling hash so increments never
// rewrite the document.
type RedisLoader struct {
	rdb          *redis.Client
	instanceName string
}

// NewRedisLoader creates a document-store loader.
func NewRedisLoader(rdb *redis.Client, instanceName string) (*RedisLoader, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &RedisLoader{rdb: rdb, instanceName: instanceName}, nil
}

// Load implements Loader.
func (l *RedisLoader) Load(ctx context.Context, merchantID string) (*Profile, error) {
	data, err := l.rdb.Get(ctx, ProfileKey(l.instanceName, merchantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, merchantID)
		}
		return nil, fmt.Errorf("failed to read profile from Redis: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile document: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", merchantID, err)
	}

	return &profile, nil
}

// Save writes a profile document. Used by administrative tooling and tests.
func (l *RedisLoader) Save(ctx context.Context, profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to serialize profile: %w", err)
	}
	if err := l.rdb.Set(ctx, ProfileKey(l.instanceName, profile.MerchantID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write profile to Redis: %w", err)
	}
	return nil
}

// IncrementHit atomically bumps a hot question's hit counter.
func (l *RedisLoader) IncrementHit(ctx context.Context, merchantID, questionID string) error {
	if err := l.rdb.HIncrBy(ctx, HitsKey(l.instanceName, merchantID), questionID, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment hit counter: %w", err)
	}
	return nil
}

// HitCount reads a hot question's counter. Missing counters read as zero.
func (l *RedisLoader) HitCount(ctx context.Context, merchantID, questionID string) (int64, error) {
	val, err := l.rdb.HGet(ctx, HitsKey(l.instanceName, merchantID), questionID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read hit counter: %w", err)
	}
	return val, nil
}

// FallbackLoader tries a primary loader and falls back to a secondary on any
// failure other than a missing profile. The reference deployment pairs a
// Redis document store with local files.
type FallbackLoader struct {
	Primary  Loader
	Fallback Loader
}

// Load implements Loader.
func (l *FallbackLoader) Load(ctx context.Context, merchantID string) (*Profile, error) {
	profile, err := l.Primary.Load(ctx, merchantID)
	if err == nil {
		return profile, nil
	}
	if IsNotFound(err) {
		return nil, err
	}

	log.Printf("[Merchant] Primary profile source failed for %s, using fallback: %v", merchantID, err)
	return l.Fallback.Load(ctx, merchantID)
}
