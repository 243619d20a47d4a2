// Package discovery gossips node presence over SWIM so replicas find
// each other without a static peer list. Each member advertises its
// replication endpoint in the node metadata; joiners get dialed through
// a callback.
package discovery

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/dronewatch/plotsync/utils"
)

// Options configures a gossip member.
type Options struct {
	// NodeName must be unique across the cluster.
	NodeName string

	// BindAddr and BindPort are the gossip endpoint, distinct from
	// the replication endpoint.
	BindAddr string
	BindPort int

	// ReplAddr is the replication endpoint advertised to other
	// members, e.g. "tcp://10.0.0.5:9812".
	ReplAddr string

	// Seeds are gossip addresses of known members to join through.
	Seeds []string

	// OnJoin fires with a member's advertised replication address
	// whenever a node enters the cluster. May be nil.
	OnJoin func(replAddr string)
}

// delegate advertises the replication address as node metadata. The
// gossip payload hooks are unused; plots travel over their own TCP
// links, never over gossip.
type delegate struct {
	meta []byte
}

func (d *delegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// events turns membership changes into replication dials.
type events struct {
	log    utils.Logger
	self   string
	onJoin func(string)
}

func (e *events) NotifyJoin(n *memberlist.Node) {
	if n.Name == e.self {
		return
	}
	replAddr := string(n.Meta)
	e.log.Info("discovery: member joined", "name", n.Name, "addr", n.Address(), "repl", replAddr)
	if e.onJoin != nil && replAddr != "" {
		e.onJoin(replAddr)
	}
}

func (e *events) NotifyLeave(n *memberlist.Node) {
	e.log.Info("discovery: member left", "name", n.Name)
}

func (e *events) NotifyUpdate(n *memberlist.Node) {
	e.log.Debug("discovery: member updated", "name", n.Name)
}

// Service is a running gossip member.
type Service struct {
	log  utils.Logger
	ml   *memberlist.Memberlist
	self string
}

// Start creates the gossip member and joins the seed nodes, if any.
// Unreachable seeds are logged, not fatal; the node keeps gossiping and
// picks peers up as they appear.
func Start(log utils.Logger, opts Options) (*Service, error) {
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = opts.NodeName
	if opts.BindAddr != "" {
		cfg.BindAddr = opts.BindAddr
	}
	if opts.BindPort != 0 {
		cfg.BindPort = opts.BindPort
		cfg.AdvertisePort = opts.BindPort
	}
	cfg.Delegate = &delegate{meta: []byte(opts.ReplAddr)}
	cfg.Events = &events{log: log, self: opts.NodeName, onJoin: opts.OnJoin}
	cfg.LogOutput = io.Discard // membership changes are logged by events

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't start gossip member: %w", err)
	}

	svc := &Service{log: log, ml: ml, self: opts.NodeName}

	if len(opts.Seeds) > 0 {
		n, err := ml.Join(opts.Seeds)
		if err != nil {
			log.Warn("discovery: join incomplete", "seeds", opts.Seeds, "err", err)
		} else {
			log.Info("discovery: joined cluster", "contacted", n)
		}
	}

	return svc, nil
}

// Members lists the advertised replication addresses of every live
// member except this node.
func (s *Service) Members() []string {
	var addrs []string
	for _, m := range s.ml.Members() {
		if m.Name == s.self {
			continue
		}
		if repl := string(m.Meta); repl != "" {
			addrs = append(addrs, repl)
		}
	}
	return addrs
}

// NumMembers counts live members including this node.
func (s *Service) NumMembers() int {
	return s.ml.NumMembers()
}

// Stop announces departure and shuts the gossip member down.
func (s *Service) Stop() error {
	if err := s.ml.Leave(5 * time.Second); err != nil {
		s.log.Warn("discovery: leave failed", "err", err)
	}
	return s.ml.Shutdown()
}
