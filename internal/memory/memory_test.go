package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New(2)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", []byte("1"))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.True(t, c.Has("a"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestInsertion(t *testing.T) {
	const capacity = 1000
	c := New(capacity)

	for i := 0; i <= capacity; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte{byte(i)})
	}

	assert.Equal(t, capacity, c.Len())
	assert.False(t, c.Has("k0"), "first-inserted key must be evicted")
	for i := 1; i <= capacity; i++ {
		assert.True(t, c.Has(fmt.Sprintf("k%d", i)))
	}
}

func TestCache_ReadsDoNotReorder(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("a"))
	c.Set("b", []byte("b"))

	_, _ = c.Get("a")
	c.Set("c", []byte("c"))

	assert.False(t, c.Has("a"), "FIFO ignores reads")
	assert.Equal(t, []string{"b", "c"}, c.Keys())
}

func TestCache_ResetKeepsPosition(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("a"))
	c.Set("b", []byte("b"))
	c.Set("a", []byte("A"))

	assert.Equal(t, []string{"a", "b"}, c.Keys())

	c.Set("c", []byte("c"))
	assert.False(t, c.Has("a"))
}

func TestCache_OnEvict(t *testing.T) {
	c := New(1)
	var evicted []string
	c.OnEvict(func(key string, size int) {
		evicted = append(evicted, fmt.Sprintf("%s:%d", key, size))
	})

	c.Set("a", []byte("xyz"))
	c.Set("b", []byte("q"))

	assert.Equal(t, []string{"a:3"}, evicted)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := New(4)
	c.Set("a", []byte("12"))
	c.Set("b", []byte("345"))
	assert.Equal(t, int64(5), c.Bytes())

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, []string{"b"}, c.Keys())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())
}

func TestCache_NonPositiveCapacity(t *testing.T) {
	c := New(0)
	assert.Equal(t, 1, c.Capacity())
}

func TestCache_Concurrent(t *testing.T) {
	c := New(64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", w, i)
				c.Set(key, []byte(key))
				_, _ = c.Get(key)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 64, c.Len())
}
