package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastWriteWins(t *testing.T) {
	c := New[string]()
	tick := time.Unix(100, 0)
	c.now = func() time.Time { return tick }

	_, ok := c.Load("k")
	assert.False(t, ok)

	c.Store("k", "first")
	tick = tick.Add(time.Second)
	c.Store("k", "second")

	e, ok := c.Load("k")
	require.True(t, ok)
	assert.Equal(t, "second", e.Value)
	assert.Equal(t, time.Unix(101, 0), e.Timestamp)
	assert.Equal(t, 1, c.Len())
}

func TestGenerateKey(t *testing.T) {
	k := GenerateKey("42", "creative", "art")
	assert.Len(t, k, 64)
	assert.Equal(t, k, GenerateKey("42", "creative", "art"))
	assert.NotEqual(t, GenerateKey("4", "2creative"), GenerateKey("42", "creative"))
}

func TestBoundedEvictsOldestStore(t *testing.T) {
	c := NewBounded[int](2)

	c.Store("a", 1)
	c.Store("b", 2)
	c.Store("a", 3)
	c.Store("c", 4)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Load("b")
	assert.False(t, ok)

	e, ok := c.Load("a")
	require.True(t, ok)
	assert.Equal(t, 3, e.Value)
	_, ok = c.Load("c")
	assert.True(t, ok)
}
