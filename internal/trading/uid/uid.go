// Package uid issues order ids.
package uid

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/redis/go-redis/v9"
)

// Client issues unique ids.
type Client interface {
	LoadNextOrderID(ctx context.Context) (model.OrderID, error)
}

// LocalClient issues ids from an in-process counter.
type LocalClient struct {
	next atomic.Uint64
}

// NewLocalClient creates a LocalClient whose first id is first.
func NewLocalClient(first model.OrderID) *LocalClient {
	c := &LocalClient{}
	c.next.Store(uint64(first))
	return c
}

// LoadNextOrderID implements Client.
func (c *LocalClient) LoadNextOrderID(ctx context.Context) (model.OrderID, error) {
	return model.OrderID(c.next.Add(1) - 1), nil
}

// Reserve makes sure every later id is greater than id.
func (c *LocalClient) Reserve(id model.OrderID) {
	for {
		current := c.next.Load()
		if current > uint64(id) || c.next.CompareAndSwap(current, uint64(id)+1) {
			return
		}
	}
}

// Incrementer is the part of a Redis client used by RedisClient.
type Incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisClient issues ids shared by every server using the same Redis key.
type RedisClient struct {
	redis Incrementer
	key   string
}

// NewRedisClient creates a RedisClient incrementing key.
func NewRedisClient(client Incrementer, key string) *RedisClient {
	return &RedisClient{redis: client, key: key}
}

// LoadNextOrderID implements Client.
func (c *RedisClient) LoadNextOrderID(ctx context.Context) (model.OrderID, error) {
	id, err := c.redis.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to load next order id: %w", err)
	}
	return model.OrderID(id), nil
}

// NewRedisConnection opens a Redis connection and checks it with a ping.
func NewRedisConnection(ctx context.Context, address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
