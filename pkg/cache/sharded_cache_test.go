package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestGetOrComputeHonoursTTL(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	c := NewWithClock(clk.Now)

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	for i := 0; i < 5; i++ {
		e, _, err := c.GetOrCompute("balance:u1", 5*time.Second, compute)
		require.NoError(t, err)
		assert.Equal(t, 1, e.Value)
	}
	assert.Equal(t, 1, calls)

	// exactly at the boundary the entry is still served
	clk.Advance(5 * time.Second)
	_, hit, _ := c.GetOrCompute("balance:u1", 5*time.Second, compute)
	assert.True(t, hit)

	clk.Advance(time.Millisecond)
	e, hit, err := c.GetOrCompute("balance:u1", 5*time.Second, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, e.Value)
	assert.Equal(t, clk.Now(), e.ComputedAt)
}

func TestErrorsAreNotCached(t *testing.T) {
	c := New()
	boom := errors.New("boom")
	_, _, err := c.GetOrCompute("k", time.Minute, func() (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestDeleteContainingAndCleanup(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	c := NewWithClock(clk.Now)
	c.Set("balance:u1:", 1)
	c.Set("positions:u1:BTCUSDT", 2)
	c.Set("balance:u2:", 3)

	assert.Equal(t, 2, c.DeleteContaining(":u1:"))
	assert.Equal(t, 1, c.Len())

	clk.Advance(time.Minute)
	c.Set("fresh", 4)
	assert.Equal(t, 1, c.Cleanup(30*time.Second))
	_, ok := c.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Stats().TotalItems)
}
