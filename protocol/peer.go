package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Peer drives one established connection: a read goroutine splits the byte
// stream into TLV records and drains them into inout, a write goroutine
// feeds outbound records from inout and writes them with writev. The two
// sides of inout are wired up by the Net install callback.
type Peer struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	mu    sync.Mutex
	conn  net.Conn
	inout FeedDrainCloser
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}

		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // remote hung up cleanly
			}
			return err
		}
		buf.Write(idle[:n])

		recs, err := Split(&buf)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue // partial record, keep reading
		}

		if err := p.inout.Drain(ctx, recs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		recs, err := p.inout.Feed(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		b := net.Buffers(recs)
		for len(b) > 0 {
			if _, err = b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keep runs both directions until either fails or the peer is closed.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(2)
	defer p.wg.Add(-2)

	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// we probably closed it ourselves
				rerr = nil
			}
			// closing the conn unblocks the writer
			cerr = p.conn.Close()
		case werr = <-writeErrCh:
			if errors.Is(werr, net.ErrClosed) {
				werr = nil
			}
			cerr = p.conn.Close()
		}
		p.closed.Store(true)
	}

	if errors.Is(cerr, net.ErrClosed) {
		cerr = nil
	}
	p.mu.Lock()
	p.conn = nil
	p.mu.Unlock()
	return
}

// Close shuts the connection down and waits for Keep to return. The conn
// is closed first so a reader blocked in Read wakes up.
func (p *Peer) Close() {
	p.closed.Store(true)

	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
}
