package secrets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_ExpiresEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCache[string](time.Minute)
	c.now = func() time.Time { return now }

	c.Put("a", "1")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_PurgeAndBust(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCache[int](time.Minute)
	c.now = func() time.Time { return now }

	c.Put("old", 1)
	now = now.Add(90 * time.Second)
	c.Put("new", 2)
	c.purge()
	assert.Equal(t, 1, c.Len())

	c.Bust("new")
	assert.Equal(t, 0, c.Len())
}
