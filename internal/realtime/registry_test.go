package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBindJoinsUserRoom(t *testing.T) {
	registry := NewRegistry()
	conn := newFakeConn("c1", "")

	assert.True(t, registry.Bind(conn, "alice"))
	assert.False(t, registry.Bind(conn, "alice"), "rebinding the same handle is not a new connection")

	userID, ok := registry.Identity("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, 1, registry.Count("alice"))
	require.Len(t, registry.Members(RoomFor("alice")), 1)
}

func TestRegistryRebindMovesRooms(t *testing.T) {
	registry := NewRegistry()
	conn := newFakeConn("c1", "")
	registry.Bind(conn, "alice")
	registry.Bind(conn, "bob")

	assert.Equal(t, 0, registry.Count("alice"))
	assert.Equal(t, 1, registry.Count("bob"))
}

func TestRegistryUnbind(t *testing.T) {
	registry := NewRegistry()
	registry.Bind(newFakeConn("c1", ""), "alice")
	registry.Bind(newFakeConn("c2", ""), "alice")

	userID, ok := registry.Unbind("c1")
	assert.True(t, ok)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, 1, registry.Count("alice"))

	_, ok = registry.Unbind("c1")
	assert.False(t, ok)
	_, ok = registry.Identity("c1")
	assert.False(t, ok)
	assert.Nil(t, registry.Members(RoomFor("carol")))
}

func TestRegistryReset(t *testing.T) {
	registry := NewRegistry()
	registry.Bind(newFakeConn("c1", ""), "alice")
	registry.Bind(newFakeConn("c2", ""), "bob")

	registry.Reset()

	assert.Equal(t, 0, registry.Count("alice"))
	assert.Equal(t, 0, registry.Count("bob"))
	_, ok := registry.Identity("c2")
	assert.False(t, ok)
}

func TestRegistryConcurrentBindAndUnbind(t *testing.T) {
	registry := NewRegistry()
	const workers = 50

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle := fmt.Sprintf("c%d", i)
			registry.Bind(newFakeConn(handle, ""), fmt.Sprintf("user-%d", i%5))
			_ = registry.Members(RoomFor("user-0"))
			if i%2 == 0 {
				registry.Unbind(handle)
			}
		}()
	}
	wg.Wait()

	total := 0
	for i := range 5 {
		total += registry.Count(fmt.Sprintf("user-%d", i))
	}
	assert.Equal(t, workers/2, total)
}
