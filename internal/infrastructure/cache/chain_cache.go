package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// Key suffixes under the configured namespace.
const (
	chainHeadKey       = ":chain:head"
	chainCheckpointKey = ":chain:checkpoint"
)

// Cache TTLs. The head is authoritative in the store, so a short TTL bounds
// staleness after out-of-band writes; checkpoints are only produced by
// verification and live longer.
const (
	headTTL       = 5 * time.Minute
	checkpointTTL = 24 * time.Hour
)

// ChainCache keeps the chain head and the latest verification checkpoint in
// Redis so the writer warm-starts without a table scan and verifications can
// resume from a pinned position. Misses and Redis failures degrade to the
// slow path; they are never fatal to the caller.
type ChainCache struct {
	client    *redis.Client
	logger    *zap.Logger
	namespace string
}

// NewChainCache creates a cache under the namespace prefix.
func NewChainCache(client *redis.Client, logger *zap.Logger, namespace string) *ChainCache {
	if namespace == "" {
		namespace = "aegis"
	}
	return &ChainCache{
		client:    client,
		logger:    logger,
		namespace: namespace,
	}
}

func (c *ChainCache) GetHead(ctx context.Context) (*audit.ChainState, error) {
	data, err := c.client.Get(ctx, c.namespace+chainHeadKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewExternalError("redis", "failed to read chain head").WithCause(err)
	}

	var state audit.ChainState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("dropping undecodable cached chain head", zap.Error(err))
		return nil, nil
	}
	return &state, nil
}

func (c *ChainCache) SetHead(ctx context.Context, state *audit.ChainState) error {
	if state == nil {
		return errors.NewValidationError("NIL_CHAIN_STATE", "chain state cannot be nil")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return errors.NewInternalError("failed to encode chain head").WithCause(err)
	}
	if err := c.client.Set(ctx, c.namespace+chainHeadKey, data, headTTL).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to cache chain head").WithCause(err)
	}
	return nil
}

func (c *ChainCache) GetCheckpoint(ctx context.Context) (*audit.ChainCheckpoint, error) {
	data, err := c.client.Get(ctx, c.namespace+chainCheckpointKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewExternalError("redis", "failed to read checkpoint").WithCause(err)
	}

	var cp audit.ChainCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		c.logger.Warn("dropping undecodable cached checkpoint", zap.Error(err))
		return nil, nil
	}
	return &cp, nil
}

func (c *ChainCache) SetCheckpoint(ctx context.Context, cp *audit.ChainCheckpoint) error {
	if cp == nil {
		return errors.NewValidationError("NIL_CHECKPOINT", "checkpoint cannot be nil")
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return errors.NewInternalError("failed to encode checkpoint").WithCause(err)
	}
	if err := c.client.Set(ctx, c.namespace+chainCheckpointKey, data, checkpointTTL).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to cache checkpoint").WithCause(err)
	}
	return nil
}

func (c *ChainCache) Invalidate(ctx context.Context) error {
	err := c.client.Del(ctx, c.namespace+chainHeadKey, c.namespace+chainCheckpointKey).Err()
	if err != nil {
		return errors.NewExternalError("redis", "failed to invalidate chain cache").WithCause(err)
	}
	return nil
}
