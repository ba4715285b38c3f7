package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/supportrag/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Response cache keys are tenant-scoped so identical queries from different
// tenants never share an entry.
func responseKey(tenantID, queryHash string) string {
	return fmt.Sprintf("response:%s:%s", tenantID, queryHash)
}

func (c *Client) SetResponse(ctx context.Context, tenantID, queryHash string, resp interface{}, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	err = c.client.Set(ctx, responseKey(tenantID, queryHash), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set response cache: %w", err)
	}

	logger.Debug("Response cached",
		zap.String("tenant_id", tenantID),
		zap.String("query_hash", queryHash),
		zap.Duration("ttl", ttl),
	)
	return nil
}

func (c *Client) GetResponse(ctx context.Context, tenantID, queryHash string, out interface{}) (bool, error) {
	data, err := c.client.Get(ctx, responseKey(tenantID, queryHash)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get response cache: %w", err)
	}

	err = json.Unmarshal(data, out)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	logger.Debug("Response cache hit",
		zap.String("tenant_id", tenantID),
		zap.String("query_hash", queryHash),
	)
	return true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("embedding:%s", textHash), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("text_hash", textHash))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("embedding:%s", textHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	err = json.Unmarshal(data, &embedding)
	if err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}

// InvalidateTenant drops every cached response for one tenant. Called after
// knowledge-base writes so stale answers are not served.
func (c *Client) InvalidateTenant(ctx context.Context, tenantID string) error {
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("response:%s:*", tenantID), 0).Iterator()
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Response cache invalidated", zap.String("tenant_id", tenantID))
	return nil
}
