package uid

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalClientIssuesUniqueIDs(t *testing.T) {
	c := NewLocalClient(1)
	var mu sync.Mutex
	seen := make(map[model.OrderID]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id, err := c.LoadNextOrderID(context.Background())
				assert.NoError(t, err)
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
	_, ok := seen[1]
	assert.True(t, ok)
}

func TestLocalClientReserve(t *testing.T) {
	c := NewLocalClient(1)
	c.Reserve(41)
	id, err := c.LoadNextOrderID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.OrderID(42), id)
	c.Reserve(10)
	id, err = c.LoadNextOrderID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.OrderID(43), id)
}

type fakeIncrementer struct {
	values map[string]int64
	err    error
}

func (f *fakeIncrementer) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.values[key]++
	return redis.NewIntResult(f.values[key], nil)
}

func TestRedisClient(t *testing.T) {
	fake := &fakeIncrementer{values: map[string]int64{"order_id": 9}}
	c := NewRedisClient(fake, "order_id")
	id, err := c.LoadNextOrderID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.OrderID(10), id)

	fake.err = errors.New("down")
	_, err = c.LoadNextOrderID(context.Background())
	assert.Error(t, err)
}
