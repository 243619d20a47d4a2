package utils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("plotsync: feed/drain queue is closed")
var ErrOverflow = errors.New("plotsync: feed/drain queue is overflowed")

// FDQueue is a bounded byte-budget queue connecting a producer (Drain) to a
// consumer (Feed). It backs the per-peer send queues and the replication
// loop's inbox. Drain blocks for at most the configured time limit when the
// queue is full; once that limit is exceeded the queue is marked overflowed
// and stays unusable, so a slow consumer surfaces as an explicit error
// instead of unbounded memory growth.
type FDQueue[T ~[][]byte] struct {
	ctx       context.Context
	close     context.CancelFunc
	timelimit time.Duration
	batchSize int
	maxSize   int

	mu       sync.Mutex
	data     T
	size     int
	notEmpty chan struct{}
	notFull  chan struct{}

	overflowed atomic.Bool
}

// NewFDQueue creates a queue holding at most limit payload bytes. Feed
// returns as soon as it has collected batchSize bytes, or whatever is
// buffered when the time limit expires.
func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &FDQueue[T]{
		ctx:       ctx,
		close:     cancel,
		timelimit: timelimit,
		batchSize: batchSize,
		maxSize:   limit,
		notEmpty:  make(chan struct{}, 1),
		notFull:   make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.close()
	q.mu.Lock()
	q.data = nil
	q.size = 0
	q.mu.Unlock()
	return nil
}

func (q *FDQueue[T]) Size() int {
	if q.ctx.Err() != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Drain appends records to the queue, waiting for the consumer when the
// byte budget is exhausted. Records are never split.
func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	if q.overflowed.Load() {
		return ErrOverflow
	}

	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()

	for len(recs) > 0 {
		q.mu.Lock()
		free := q.maxSize - q.size
		stored := 0
		for _, rec := range recs {
			if len(rec) > free {
				break
			}
			q.data = append(q.data, rec)
			q.size += len(rec)
			free -= len(rec)
			stored++
		}
		q.mu.Unlock()

		if stored > 0 {
			recs = recs[stored:]
			signal(q.notEmpty)
			continue
		}

		select {
		case <-q.notFull:
		case <-q.ctx.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-timer.C:
			q.overflowed.Store(true)
			return ErrOverflow
		}
	}
	return nil
}

// Feed removes and returns buffered records. It blocks until at least
// batchSize bytes are available or the time limit expires; an empty result
// with a nil error means the queue stayed empty for the whole window.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	if q.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if q.overflowed.Load() {
		return nil, ErrOverflow
	}

	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()

	collected := 0
	for {
		q.mu.Lock()
		taken, takenBytes := 0, 0
		for _, rec := range q.data {
			recs = append(recs, rec)
			collected += len(rec)
			takenBytes += len(rec)
			taken++
			if collected >= q.batchSize {
				break
			}
		}
		if taken > 0 {
			q.data = q.data[taken:]
			q.size -= takenBytes
		}
		q.mu.Unlock()

		if taken > 0 {
			signal(q.notFull)
		}
		if collected >= q.batchSize {
			return recs, nil
		}

		select {
		case <-q.notEmpty:
		case <-q.ctx.Done():
			return recs, nil
		case <-ctx.Done():
			return recs, nil
		case <-timer.C:
			return recs, nil
		}
	}
}
