package plotsync

import (
	"strconv"

	"github.com/dronewatch/plotsync/store"
)

// resolveClocks reconciles node clocks after replication has fully
// stopped. Every node reported timestamps in its own adjusted-time frame;
// where two nodes observed the same physical plot (exact coordinate
// match) the pair yields that node's offset against the reference clock.
// The reference is the numerically largest node id: the last-finishing
// node is assumed to have seen data spanning the whole session.
//
// Safe to call only once per dataset: a second invocation finds the
// duplicates already gone and corrects nothing further.
func (s *Server) resolveClocks() {
	if s.db.Len() == 0 {
		s.log.Info("resolve: store is empty, nothing to reconcile")
		return
	}

	s.db.SortByTime()

	nodes := s.db.Nodes()
	ref := nodes[len(nodes)-1]
	s.log.Info("resolve: reference node elected", "node", ref, "nodes", len(nodes))

	offsets := make(map[uint32]int64, len(nodes)-1)
	for _, node := range nodes[:len(nodes)-1] {
		off, matched := s.matchOffset(node, ref)
		if !matched {
			// zero offset means "leave the clock alone"; surface
			// it, the node may genuinely be synchronized or we may
			// simply have no shared observation
			ResolveUnmatchedNodes.Inc()
			s.log.Info("resolve: no duplicate observation, clock left uncorrected", "node", node)
		}
		offsets[node] = off
		ResolveNodeOffset.WithLabelValues(strconv.FormatUint(uint64(node), 10)).Set(float64(off))
	}

	corrected := 0
	for i := 0; i < s.db.Len(); i++ {
		p := s.db.At(i)
		if p.NodeID == ref {
			continue
		}
		if off := offsets[p.NodeID]; off != 0 {
			s.db.Mutate(i, func(q *store.Plot) {
				q.Timestamp += off
			})
			corrected++
		}
	}

	s.log.Info("resolve: clocks aligned",
		"reference", ref, "corrected", corrected, "plots", s.db.Len())
}

// matchOffset walks the sorted store looking for the first plot of node
// that has a later coordinate-exact twin reported by the reference node.
// The twin is a confirmed duplicate: its timestamp difference is the
// node's clock offset and the twin itself is removed. Only the first
// match counts; a node contributes at most one offset and one deletion.
func (s *Server) matchOffset(node, ref uint32) (offset int64, matched bool) {
	for i := 0; i < s.db.Len(); i++ {
		p := s.db.At(i)
		if p.NodeID != node {
			continue
		}
		for j := i + 1; j < s.db.Len(); j++ {
			q := s.db.At(j)
			if q.NodeID == ref && q.SamePosition(&p) {
				offset = q.Timestamp - p.Timestamp
				s.db.EraseAt(j)
				ResolveDuplicatesRemoved.Inc()
				s.log.Debug("resolve: duplicate matched",
					"node", node, "offset", offset, "drone", p.DroneID)
				return offset, true
			}
		}
	}
	return 0, false
}
