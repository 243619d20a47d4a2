package protocol

import (
	"context"
	"io"
)

// Feeder and Drainer are the two halves of record flow: a Feeder is read
// from, a Drainer is written to. Connections, queues and the replication
// loop are all composed out of these.

type Feeder interface {
	// Feed reads and returns records. The EoF convention follows
	// io.Reader: either `recs, EoF` or `recs, nil` followed by
	// `nil, EoF`.
	Feed(ctx context.Context) (recs Records, err error)
}

type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type FeedCloser interface {
	Feeder
	io.Closer
}

type DrainCloser interface {
	Drainer
	io.Closer
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Relay moves one batch from a feeder to a drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if err != nil {
		if len(recs) > 0 {
			_ = drainer.Drain(ctx, recs)
		}
		return err
	}
	return drainer.Drain(ctx, recs)
}

// PumpCtx relays batches until an error occurs or the context is cancelled.
func PumpCtx(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}
