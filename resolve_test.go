package plotsync

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronewatch/plotsync/store"
	"github.com/dronewatch/plotsync/utils"
)

func resolverServer(t *testing.T, db *store.Store) *Server {
	t.Helper()
	srv, err := NewServer(utils.NewDefaultLogger(slog.LevelError), db, nil, Options{NodeID: 99})
	require.NoError(t, err)
	return srv
}

func TestResolveTwoNodeDuplicate(t *testing.T) {
	db := store.New()
	db.Append(store.Plot{DroneID: 5, NodeID: 1, Timestamp: 100, Latitude: 10.0, Longitude: 20.0})
	db.Append(store.Plot{DroneID: 5, NodeID: 2, Timestamp: 140, Latitude: 10.0, Longitude: 20.0})

	srv := resolverServer(t, db)
	srv.resolveClocks()

	// node 2 is the reference; its duplicate is removed and node 1's
	// plot is shifted into node 2's clock frame
	require.Equal(t, 1, db.Len())
	p := db.At(0)
	assert.Equal(t, uint32(1), p.NodeID)
	assert.Equal(t, int64(140), p.Timestamp)
}

func TestResolveReferenceUntouched(t *testing.T) {
	db := store.New()
	db.Append(store.Plot{DroneID: 1, NodeID: 3, Timestamp: 50, Latitude: 1, Longitude: 1})
	db.Append(store.Plot{DroneID: 2, NodeID: 1, Timestamp: 70, Latitude: 2, Longitude: 2})
	db.Append(store.Plot{DroneID: 2, NodeID: 3, Timestamp: 90, Latitude: 2, Longitude: 2})
	db.Append(store.Plot{DroneID: 3, NodeID: 2, Timestamp: 80, Latitude: 3, Longitude: 3})

	srv := resolverServer(t, db)
	srv.resolveClocks()

	// reference is node 3 (numerically largest)
	for _, p := range db.Snapshot() {
		if p.NodeID == 3 {
			assert.Contains(t, []int64{50}, p.Timestamp,
				"reference plots keep their timestamps")
		}
	}
	// node 1 matched node 3's plot at (2,2): offset 90-70=20
	found := false
	for _, p := range db.Snapshot() {
		if p.NodeID == 1 {
			found = true
			assert.Equal(t, int64(90), p.Timestamp)
		}
	}
	assert.True(t, found)
}

func TestResolveUnmatchedNodePassthrough(t *testing.T) {
	db := store.New()
	db.Append(store.Plot{DroneID: 1, NodeID: 1, Timestamp: 100, Latitude: 5, Longitude: 5})
	db.Append(store.Plot{DroneID: 2, NodeID: 2, Timestamp: 200, Latitude: 6, Longitude: 6})

	srv := resolverServer(t, db)
	srv.resolveClocks()

	// no coordinate overlap: nothing removed, nothing shifted
	require.Equal(t, 2, db.Len())
	for _, p := range db.Snapshot() {
		switch p.NodeID {
		case 1:
			assert.Equal(t, int64(100), p.Timestamp)
		case 2:
			assert.Equal(t, int64(200), p.Timestamp)
		}
	}
}

func TestResolveOnlyFirstDuplicateUsed(t *testing.T) {
	db := store.New()
	db.Append(store.Plot{DroneID: 5, NodeID: 1, Timestamp: 100, Latitude: 10, Longitude: 20})
	db.Append(store.Plot{DroneID: 5, NodeID: 2, Timestamp: 140, Latitude: 10, Longitude: 20})
	db.Append(store.Plot{DroneID: 5, NodeID: 1, Timestamp: 300, Latitude: 10, Longitude: 20})
	db.Append(store.Plot{DroneID: 5, NodeID: 2, Timestamp: 340, Latitude: 10, Longitude: 20})

	srv := resolverServer(t, db)
	srv.resolveClocks()

	// one offset, one deletion per node: the second duplicate pair
	// stays in the store
	assert.Equal(t, 3, db.Len())
}

func TestResolveEmptyStore(t *testing.T) {
	db := store.New()
	srv := resolverServer(t, db)
	assert.NotPanics(t, func() { srv.resolveClocks() })
	assert.Equal(t, 0, db.Len())
}

func TestResolveSecondRunRemovesNothing(t *testing.T) {
	db := store.New()
	db.Append(store.Plot{DroneID: 5, NodeID: 1, Timestamp: 100, Latitude: 10, Longitude: 20})
	db.Append(store.Plot{DroneID: 5, NodeID: 2, Timestamp: 140, Latitude: 10, Longitude: 20})

	srv := resolverServer(t, db)
	srv.resolveClocks()
	require.Equal(t, 1, db.Len())
	first := db.Snapshot()

	// re-running on its own output is not a safe retry, but it must
	// neither remove more plots nor panic
	assert.NotPanics(t, func() { srv.resolveClocks() })
	assert.Equal(t, 1, db.Len())
	assert.Equal(t, first, db.Snapshot())
}

func TestResolveSortsStore(t *testing.T) {
	db := store.New()
	db.Append(store.Plot{DroneID: 1, NodeID: 2, Timestamp: 300, Latitude: 1, Longitude: 1})
	db.Append(store.Plot{DroneID: 2, NodeID: 2, Timestamp: 100, Latitude: 2, Longitude: 2})
	db.Append(store.Plot{DroneID: 3, NodeID: 2, Timestamp: 200, Latitude: 3, Longitude: 3})

	srv := resolverServer(t, db)
	srv.resolveClocks()

	var prev int64
	for _, p := range db.Snapshot() {
		assert.GreaterOrEqual(t, p.Timestamp, prev)
		prev = p.Timestamp
	}
}
