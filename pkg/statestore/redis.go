package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alcabala/verifactu/pkg/chain"
)

// Redis persists chain state in Redis, one key per issuer. Keys never expire;
// the chain head must survive arbitrarily long idle periods.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to the Redis instance described by a redis:// URL.
func OpenRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedis wraps an already-configured client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func redisKey(issuerTaxID string) string {
	return fmt.Sprintf("verifactu:chain:%s", issuerTaxID)
}

// Load implements Store.
func (r *Redis) Load(ctx context.Context, issuerTaxID string) (*chain.State, error) {
	raw, err := r.client.Get(ctx, redisKey(issuerTaxID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain state: %w", err)
	}

	var state chain.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode chain state: %w", err)
	}
	return &state, nil
}

// Save implements Store. The state is stored as canonical JSON.
func (r *Redis) Save(ctx context.Context, issuerTaxID string, state chain.State) error {
	raw, err := state.CanonicalJSON()
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKey(issuerTaxID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save chain state: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
