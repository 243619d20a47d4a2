package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type records = [][]byte

func TestFDQueueDrainFeed(t *testing.T) {
	q := NewFDQueue[records](1024, 10*time.Millisecond, 1)

	err := q.Drain(context.Background(), records{[]byte("one"), []byte("two")})
	require.NoError(t, err)
	assert.Equal(t, 6, q.Size())

	recs, err := q.Feed(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("one"), recs[0])

	recs, err = q.Feed(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("two"), recs[0])
	assert.Equal(t, 0, q.Size())
}

func TestFDQueueBatchSize(t *testing.T) {
	q := NewFDQueue[records](1024, 10*time.Millisecond, 6)

	err := q.Drain(context.Background(), records{[]byte("aaa"), []byte("bbb"), []byte("ccc")})
	require.NoError(t, err)

	recs, err := q.Feed(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2) // 6 bytes collected, third record left behind

	recs, err = q.Feed(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestFDQueueFeedEmptyTimesOut(t *testing.T) {
	q := NewFDQueue[records](1024, 5*time.Millisecond, 1)

	start := time.Now()
	recs, err := q.Feed(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, recs)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestFDQueueOverflow(t *testing.T) {
	q := NewFDQueue[records](4, 5*time.Millisecond, 1)

	err := q.Drain(context.Background(), records{[]byte("abcd"), []byte("efgh")})
	assert.ErrorIs(t, err, ErrOverflow)

	// Overflow is terminal.
	_, err = q.Feed(context.Background())
	assert.ErrorIs(t, err, ErrOverflow)
	err = q.Drain(context.Background(), records{[]byte("x")})
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFDQueueClose(t *testing.T) {
	q := NewFDQueue[records](1024, time.Second, 1)
	require.NoError(t, q.Close())

	err := q.Drain(context.Background(), records{[]byte("x")})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Feed(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, q.Size())
}

func TestFDQueueProducerConsumer(t *testing.T) {
	q := NewFDQueue[records](64, time.Second, 1)

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			_ = q.Drain(context.Background(), records{[]byte{byte(i)}})
		}
	}()

	got := 0
	deadline := time.Now().Add(5 * time.Second)
	for got < n && time.Now().Before(deadline) {
		recs, err := q.Feed(context.Background())
		require.NoError(t, err)
		for _, rec := range recs {
			assert.Equal(t, byte(got), rec[0])
			got++
		}
	}
	assert.Equal(t, n, got)
}
