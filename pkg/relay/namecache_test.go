package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MichaelXi3/libprovenance/pkg/provenance"
)

func ident(oid uint64) provenance.Identifier {
	var id provenance.Identifier
	id.SetTypeTag(provenance.EntPath)
	id.SetObjectID(oid)
	return id
}

func TestNameCacheInsertAndLookup(t *testing.T) {
	cache := NewNameCache()

	_, ok := cache.Lookup(ident(1))
	assert.False(t, ok)

	cache.InsertIfAbsent(ident(1), "/etc/passwd")
	name, ok := cache.Lookup(ident(1))
	require.True(t, ok)
	assert.Equal(t, "/etc/passwd", name)
	assert.Equal(t, 1, cache.Len())
}

func TestNameCacheFirstWriterWins(t *testing.T) {
	cache := NewNameCache()

	cache.InsertIfAbsent(ident(7), "/first")
	cache.InsertIfAbsent(ident(7), "/second")

	name, ok := cache.Lookup(ident(7))
	require.True(t, ok)
	assert.Equal(t, "/first", name)
	assert.Equal(t, 1, cache.Len())
}

// Concurrent inserts for one identifier must settle on a single name: every
// later lookup sees the same winner, never a mix, never a miss.
func TestNameCacheConcurrentInsert(t *testing.T) {
	cache := NewNameCache()
	id := ident(99)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cache.InsertIfAbsent(id, fmt.Sprintf("/candidate/%d", i))
		}(i)
	}
	wg.Wait()

	winner, ok := cache.Lookup(id)
	require.True(t, ok)
	for i := 0; i < 100; i++ {
		name, ok := cache.Lookup(id)
		require.True(t, ok)
		assert.Equal(t, winner, name)
	}
	assert.Equal(t, 1, cache.Len())
}

func TestNameCacheDistinctIdentifiers(t *testing.T) {
	cache := NewNameCache()
	for i := uint64(0); i < 100; i++ {
		cache.InsertIfAbsent(ident(i), fmt.Sprintf("/path/%d", i))
	}
	assert.Equal(t, 100, cache.Len())

	name, ok := cache.Lookup(ident(42))
	require.True(t, ok)
	assert.Equal(t, "/path/42", name)
}
