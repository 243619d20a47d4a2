package plotsync

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dronewatch/plotsync/protocol"
	"github.com/dronewatch/plotsync/store"
	"github.com/dronewatch/plotsync/utils"
)

const (
	// DefaultReplInterval is how many adjusted seconds pass between
	// scans for unreplicated plots.
	DefaultReplInterval = 20

	// DefaultTickSleep bounds the busy-wait of the replication loop.
	DefaultTickSleep = time.Millisecond
)

var (
	ErrAlreadyRunning = errors.New("plotsync: replication loop already running")

	// ErrBatchAlignment is an internal invariant violation: an
	// outbound batch failed to align to record boundaries. Unlike
	// inbound format errors it is fatal, it means our own marshalling
	// is corrupt.
	ErrBatchAlignment = errors.New("plotsync: outbound batch does not align to record boundaries")
)

type Options struct {
	// NodeID identifies this node in handshakes and local plots.
	NodeID uint32

	// ClockSkew shifts the adjusted-time epoch, emulating a
	// desynchronized node clock.
	ClockSkew time.Duration

	// TimeMult speeds the adjusted clock up or down; 1.0 is wall time.
	TimeMult float64

	// ReplInterval is the broadcast period in adjusted seconds.
	ReplInterval int64

	TickSleep   time.Duration
	DedupWindow int // recently seen batch digests kept
	QueueLimit  int // per-peer send queue byte budget
	InboxLimit  int // inbound queue byte budget
}

func (o *Options) SetDefaults() {
	if o.TimeMult == 0 {
		o.TimeMult = 1.0
	}
	if o.ReplInterval == 0 {
		o.ReplInterval = DefaultReplInterval
	}
	if o.TickSleep == 0 {
		o.TickSleep = DefaultTickSleep
	}
	if o.DedupWindow == 0 {
		o.DedupWindow = 512
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 1 << 22
	}
	if o.InboxLimit == 0 {
		o.InboxLimit = 1 << 24
	}
}

// Server owns the replication loop: a single actor that periodically
// broadcasts unreplicated plots to every connected peer, absorbs inbound
// batches into the store, and, when told to stop, reconciles node clocks
// exactly once before returning.
type Server struct {
	log  utils.Logger
	opts Options

	clock   *Clock
	db      *store.Store
	journal *store.Journal // optional

	net   *protocol.Net
	inbox *utils.FDQueue[protocol.Records]
	outq  *xsync.MapOf[string, *utils.FDQueue[protocol.Records]]
	seen  *lru.Cache[uint64, struct{}]

	stopped  atomic.Bool
	running  atomic.Bool
	resolved atomic.Bool

	lastRepl int64
}

// NewServer wires a server around an existing store. journal may be nil
// for a purely in-memory node.
func NewServer(log utils.Logger, db *store.Store, journal *store.Journal, opts Options) (*Server, error) {
	opts.SetDefaults()

	seen, err := lru.New[uint64, struct{}](opts.DedupWindow)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		log:     log,
		opts:    opts,
		clock:   NewClock(opts.ClockSkew, opts.TimeMult),
		db:      db,
		journal: journal,
		inbox:   utils.NewFDQueue[protocol.Records](opts.InboxLimit, time.Millisecond, opts.InboxLimit),
		outq:    xsync.NewMapOf[string, *utils.FDQueue[protocol.Records]](),
		seen:    seen,
	}
	srv.net = protocol.NewNet(log, srv.install, srv.destroy)

	return srv, nil
}

// peerLink is the queue pair a transport peer talks to: outbound records
// come from this peer's own send queue, inbound records land in the
// shared loop inbox.
type peerLink struct {
	out   *utils.FDQueue[protocol.Records]
	inbox *utils.FDQueue[protocol.Records]
}

func (l *peerLink) Feed(ctx context.Context) (protocol.Records, error) { return l.out.Feed(ctx) }
func (l *peerLink) Drain(ctx context.Context, recs protocol.Records) error {
	return l.inbox.Drain(ctx, recs)
}
func (l *peerLink) Close() error { return l.out.Close() }

func (s *Server) install(name string) protocol.FeedDrainCloser {
	out := utils.NewFDQueue[protocol.Records](s.opts.QueueLimit, time.Second, 1)
	s.outq.Store(name, out)

	// announce ourselves first thing on every fresh connection
	hello := protocol.Record('H', binary.LittleEndian.AppendUint32(nil, s.opts.NodeID))
	if err := out.Drain(context.Background(), protocol.Records{hello}); err != nil {
		s.log.Warn("loop: couldn't queue handshake", "peer", name, "err", err)
	}

	return &peerLink{out: out, inbox: s.inbox}
}

func (s *Server) destroy(name string) {
	if out, ok := s.outq.LoadAndDelete(name); ok {
		_ = out.Close()
	}
}

func normalizeAddr(addr string) string {
	if !strings.Contains(addr, "://") {
		return "tcp://" + addr
	}
	return addr
}

// Listen binds the replication endpoint.
func (s *Server) Listen(ctx context.Context, addr string) error {
	return s.net.Listen(ctx, normalizeAddr(addr))
}

// Connect dials a peer and keeps the link alive with backoff.
func (s *Server) Connect(ctx context.Context, addr string) error {
	return s.net.Connect(ctx, normalizeAddr(addr))
}

// Peers lists the currently installed peer links.
func (s *Server) Peers() []string {
	var peers []string
	s.outq.Range(func(name string, _ *utils.FDQueue[protocol.Records]) bool {
		peers = append(peers, name)
		return true
	})
	return peers
}

// AdjustedTime exposes the loop's scheduling clock.
func (s *Server) AdjustedTime() int64 {
	return s.clock.Adjusted()
}

// NodeID returns the identity this node announces to peers.
func (s *Server) NodeID() uint32 {
	return s.opts.NodeID
}

// RequestStop asks the loop to stop cooperatively. It takes effect at the
// next tick boundary; the current tick finishes first.
func (s *Server) RequestStop() {
	s.stopped.Store(true)
}

// Run drives the replication loop until RequestStop or ctx cancellation,
// then reconciles clocks exactly once and returns. A non-nil error means
// an internal invariant broke and the store was left as-is.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.lastRepl = 0

	for !s.stopped.Load() && ctx.Err() == nil {
		// the transport makes progress on its own goroutines; the
		// loop's job each tick is the broadcast check and the drain
		if s.clock.Adjusted()-s.lastRepl > s.opts.ReplInterval {
			if err := s.replicateNew(ctx); err != nil {
				return err
			}
			s.lastRepl = s.clock.Adjusted()
		}

		s.drainInbox(ctx)

		time.Sleep(s.opts.TickSleep)
	}

	if s.resolved.CompareAndSwap(false, true) {
		s.resolveClocks()
		if s.journal != nil {
			if err := s.journal.Rewrite(s.db); err != nil {
				s.log.Error("loop: couldn't rewrite journal after resolution", "err", err)
			}
		}
	}

	return nil
}

// replicateNew scans the store for plots still flagged NEW, clears the
// flag, and broadcasts them as one batch. No NEW plots means no batch.
func (s *Server) replicateNew(ctx context.Context) error {
	var plots []store.Plot
	for i := 0; i < s.db.Len(); i++ {
		if s.db.At(i).Flags&store.FlagNew == 0 {
			continue
		}
		s.db.Mutate(i, func(p *store.Plot) {
			p.Flags &^= store.FlagNew
		})
		plots = append(plots, s.db.At(i))
	}

	if len(plots) == 0 {
		s.log.Debug("loop: no new plots to replicate")
		return nil
	}

	payload := EncodeBatch(plots)
	if (len(payload)-4)%store.RecordSize != 0 {
		return ErrBatchAlignment
	}

	rec := protocol.Record('B', payload)
	sent := 0
	s.outq.Range(func(name string, out *utils.FDQueue[protocol.Records]) bool {
		if err := out.Drain(ctx, protocol.Records{rec}); err != nil {
			s.log.Warn("loop: couldn't queue batch for peer", "peer", name, "err", err)
		} else {
			sent++
		}
		return true
	})

	PlotsReplicatedOut.Add(float64(len(plots)))
	BatchesSent.Inc()
	s.log.Info("loop: replicated plots", "count", len(plots), "peers", sent)
	return nil
}

// drainInbox absorbs whatever the transport has delivered so far. Bad
// batches are reported and dropped; they never stop the loop.
func (s *Server) drainInbox(ctx context.Context) {
	recs, err := s.inbox.Feed(ctx)
	if err != nil {
		if !errors.Is(err, utils.ErrClosed) {
			s.log.Error("loop: inbox failed", "err", err)
		}
		return
	}

	for _, rec := range recs {
		switch lit := protocol.Lit(rec); lit {
		case 'H':
			body, _ := protocol.Take('H', rec)
			if len(body) == 4 {
				s.log.Info("loop: peer announced itself",
					"node", binary.LittleEndian.Uint32(body))
			}

		case 'B':
			s.absorbBatch(rec)

		default:
			s.log.Warn("loop: unknown record type", "lit", string(lit))
		}
	}
}

func (s *Server) absorbBatch(rec []byte) {
	body, _, err := protocol.TakeWary('B', rec)
	if err != nil {
		BatchesMalformed.Inc()
		s.log.Warn("loop: unparseable batch record", "err", err)
		return
	}

	// the transport redelivers on reconnect; drop exact duplicates
	digest := xxhash.Sum64(body)
	if _, dup := s.seen.Get(digest); dup {
		BatchesDuplicate.Inc()
		s.log.Debug("loop: duplicate batch suppressed", "digest", digest)
		return
	}
	s.seen.Add(digest, struct{}{})

	plots, err := DecodeBatch(body)
	if err != nil {
		BatchesMalformed.Inc()
		s.log.Warn("loop: malformed batch discarded",
			"err", err, "size", len(body))
		return
	}

	for _, p := range plots {
		s.db.Append(p)
		if s.journal != nil {
			if err := s.journal.Append(p); err != nil {
				s.log.Error("loop: couldn't journal plot", "err", err)
			}
		}
	}

	BatchesReceived.Inc()
	PlotsReplicatedIn.Add(float64(len(plots)))
	s.log.Info("loop: replicated in plots", "count", len(plots))
}

// Close tears the transport down. Run must have returned already.
func (s *Server) Close() error {
	err := s.net.Close()
	_ = s.inbox.Close()
	return err
}
