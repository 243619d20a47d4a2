package plotsync

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronewatch/plotsync/protocol"
	"github.com/dronewatch/plotsync/store"
	"github.com/dronewatch/plotsync/utils"
)

func newTestServer(t *testing.T, db *store.Store, opts Options) *Server {
	t.Helper()
	srv, err := NewServer(utils.NewDefaultLogger(slog.LevelError), db, nil, opts)
	require.NoError(t, err)
	return srv
}

func TestServerAbsorbBatch(t *testing.T) {
	db := store.New()
	srv := newTestServer(t, db, Options{NodeID: 1})
	ctx := context.Background()

	payload := EncodeBatch([]store.Plot{
		{DroneID: 5, NodeID: 2, Timestamp: 140, Latitude: 10, Longitude: 20},
		{DroneID: 6, NodeID: 2, Timestamp: 150, Latitude: 11, Longitude: 21},
	})
	rec := protocol.Record('B', payload)

	require.NoError(t, srv.inbox.Drain(ctx, protocol.Records{rec}))
	srv.drainInbox(ctx)

	require.Equal(t, 2, db.Len())
	// replicated-in plots are never flagged for re-replication
	assert.Equal(t, store.Flags(0), db.At(0).Flags)
	assert.Equal(t, store.Flags(0), db.At(1).Flags)
	assert.Equal(t, uint32(5), db.At(0).DroneID)
}

func TestServerMalformedBatchDiscarded(t *testing.T) {
	db := store.New()
	srv := newTestServer(t, db, Options{NodeID: 1})
	ctx := context.Background()

	bad := protocol.Records{
		protocol.Record('B', []byte{1, 2}),          // shorter than the count header
		protocol.Record('B', []byte{1, 0, 0, 0, 9}), // not a record multiple
	}
	require.NoError(t, srv.inbox.Drain(ctx, bad))

	assert.NotPanics(t, func() { srv.drainInbox(ctx) })
	assert.Equal(t, 0, db.Len())

	// the loop keeps absorbing after a bad batch
	good := EncodeBatch([]store.Plot{{DroneID: 1, NodeID: 2, Timestamp: 1}})
	require.NoError(t, srv.inbox.Drain(ctx, protocol.Records{protocol.Record('B', good)}))
	srv.drainInbox(ctx)
	assert.Equal(t, 1, db.Len())
}

func TestServerDuplicateBatchSuppressed(t *testing.T) {
	db := store.New()
	srv := newTestServer(t, db, Options{NodeID: 1})
	ctx := context.Background()

	payload := EncodeBatch([]store.Plot{{DroneID: 5, NodeID: 2, Timestamp: 140}})
	rec := protocol.Record('B', payload)

	require.NoError(t, srv.inbox.Drain(ctx, protocol.Records{rec, rec}))
	srv.drainInbox(ctx)

	// the exact redelivery was dropped
	assert.Equal(t, 1, db.Len())
}

func TestServerHandshakeAbsorbed(t *testing.T) {
	db := store.New()
	srv := newTestServer(t, db, Options{NodeID: 1})
	ctx := context.Background()

	hello := protocol.Record('H', []byte{2, 0, 0, 0})
	require.NoError(t, srv.inbox.Drain(ctx, protocol.Records{hello}))

	assert.NotPanics(t, func() { srv.drainInbox(ctx) })
	assert.Equal(t, 0, db.Len())
}

func TestServerReplicateNewClearsFlags(t *testing.T) {
	db := store.New()
	srv := newTestServer(t, db, Options{NodeID: 1})
	ctx := context.Background()

	db.Add(7, 1, 100, 10, 20)
	db.Add(8, 1, 110, 11, 21)
	db.Append(store.Plot{DroneID: 9, NodeID: 2, Timestamp: 90}) // replicated in, not ours

	require.NoError(t, srv.replicateNew(ctx))

	for _, p := range db.Snapshot() {
		assert.Equal(t, store.Flags(0), p.Flags&store.FlagNew)
	}

	// nothing NEW left: the next scan is a no-op, not an error
	require.NoError(t, srv.replicateNew(ctx))
}

func TestServerRunStopsAndResolvesOnce(t *testing.T) {
	db := store.New()
	db.Append(store.Plot{DroneID: 5, NodeID: 1, Timestamp: 100, Latitude: 10, Longitude: 20})
	db.Append(store.Plot{DroneID: 5, NodeID: 2, Timestamp: 140, Latitude: 10, Longitude: 20})

	srv := newTestServer(t, db, Options{NodeID: 1, TimeMult: 1000})

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	srv.RequestStop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	// the resolver ran on shutdown: duplicate gone, timestamp aligned
	require.Equal(t, 1, db.Len())
	assert.Equal(t, int64(140), db.At(0).Timestamp)

	// a second Run on a stopped server must not resolve again
	require.NoError(t, srv.Run(context.Background()))
	assert.Equal(t, 1, db.Len())
}

func TestServerReplicationEndToEnd(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	db1, db2 := store.New(), store.New()

	// time multiplier shrinks the 20-adjusted-second replication
	// interval to a few wall milliseconds
	s1, err := NewServer(log, db1, nil, Options{NodeID: 1, TimeMult: 5000})
	require.NoError(t, err)
	s2, err := NewServer(log, db2, nil, Options{NodeID: 2, TimeMult: 5000})
	require.NoError(t, err)

	ctx := context.Background()
	const addr = "tcp://127.0.0.1:32177"

	require.NoError(t, s1.Listen(ctx, addr))
	defer s1.Close()
	require.NoError(t, s2.Connect(ctx, addr))
	defer s2.Close()

	// the dial is asynchronous; broadcast only reaches peers with an
	// installed link, so wait for it before producing data
	linkUp := time.Now().Add(10 * time.Second)
	for len(s2.Peers()) == 0 && time.Now().Before(linkUp) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, s2.Peers(), "link never came up")

	db2.Add(7, 2, 123, 10.5, 20.5)

	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() { done1 <- s1.Run(ctx) }()
	go func() { done2 <- s2.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for db1.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, 1, db1.Len(), "plot did not replicate")
	got := db1.At(0)
	assert.Equal(t, uint32(7), got.DroneID)
	assert.Equal(t, uint32(2), got.NodeID)
	assert.Equal(t, int64(123), got.Timestamp)
	assert.Equal(t, store.Flags(0), got.Flags)

	// the source cleared its NEW flag on broadcast
	assert.Equal(t, store.Flags(0), db2.At(0).Flags&store.FlagNew)

	s1.RequestStop()
	s2.RequestStop()
	require.NoError(t, <-done1)
	require.NoError(t, <-done2)
}
