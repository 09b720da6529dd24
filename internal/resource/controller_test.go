package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	// Test with limit
	c := NewController(Config{MemoryLimitBytes: 100})

	// Acquire 50
	err := c.AcquireMemory(50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.MemoryUsage())

	// Acquire 40
	err = c.AcquireMemory(40)
	require.NoError(t, err)
	assert.Equal(t, int64(90), c.MemoryUsage())

	// Acquire 20 (should fail - limit exceeded)
	err = c.AcquireMemory(20)
	assert.ErrorIs(t, err, ErrMemoryLimitExceeded)
	assert.Equal(t, int64(90), c.MemoryUsage())

	// Release 50
	c.ReleaseMemory(50)
	assert.Equal(t, int64(40), c.MemoryUsage())

	// Now Acquire 20 should succeed
	err = c.AcquireMemory(20)
	require.NoError(t, err)
	assert.Equal(t, int64(60), c.MemoryUsage())
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 0})

	err := c.AcquireMemory(1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), c.MemoryUsage())

	c.ReleaseMemory(500)
	assert.Equal(t, int64(500), c.MemoryUsage())
	assert.Zero(t, c.Pressure())
}

func TestController_Pressure(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 1000})
	require.NoError(t, c.AcquireMemory(400))

	assert.InDelta(t, 0.4, c.Pressure(), 1e-9)

	// Shrinking the budget raises pressure without touching usage.
	c.SetBudget(500)
	assert.InDelta(t, 0.8, c.Pressure(), 1e-9)

	// Budget is capped by the hard limit.
	c.SetBudget(5000)
	assert.Equal(t, int64(1000), c.Budget())
}

func TestController_TryAcquireWorkers(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 3})

	assert.Equal(t, 3, c.TryAcquireWorkers(8))
	assert.Equal(t, 0, c.TryAcquireWorkers(1))

	c.ReleaseWorkers(2)
	assert.Equal(t, 2, c.TryAcquireWorkers(2))
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1000}) // 1KB/s
	ctx := context.Background()

	assert.NoError(t, c.AcquireIO(ctx, 100))

	// Requests above the burst are spread and respect the context deadline.
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireIO(short, 1500))

	unlimited := NewController(Config{})
	assert.NoError(t, unlimited.AcquireIO(ctx, 1000000))
}

func TestController_Workers(t *testing.T) {
	assert.Equal(t, 1, NewController(Config{}).MaxWorkers())
	assert.Equal(t, 6, NewController(Config{MaxBackgroundWorkers: 6}).MaxWorkers())

	var nilController *Controller
	assert.Equal(t, 1, nilController.MaxWorkers())
}

func TestController_NilChecks(t *testing.T) {
	var c *Controller
	assert.NoError(t, c.AcquireMemory(10))
	c.ReleaseMemory(10) // Should not panic
	assert.Zero(t, c.MemoryUsage())
	assert.Zero(t, c.Pressure())
	assert.Equal(t, 4, c.TryAcquireWorkers(4))
	assert.NoError(t, c.AcquireIO(context.Background(), 10))
}
