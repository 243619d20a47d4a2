package plotsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

var PlotsReplicatedOut = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "plotsync_plots_replicated_out_total",
	Help: "Plots broadcast to peers",
})

var PlotsReplicatedIn = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "plotsync_plots_replicated_in_total",
	Help: "Plots absorbed from peer batches",
})

var BatchesSent = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "plotsync_batches_sent_total",
	Help: "Replication batches broadcast",
})

var BatchesReceived = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "plotsync_batches_received_total",
	Help: "Replication batches received from peers",
})

var BatchesMalformed = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "plotsync_batches_malformed_total",
	Help: "Inbound batches discarded as malformed",
})

var BatchesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "plotsync_batches_duplicate_total",
	Help: "Inbound batches suppressed as exact redeliveries",
})

var ResolveDuplicatesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "plotsync_resolve_duplicates_removed_total",
	Help: "Reference-node duplicates removed during resolution",
})

var ResolveUnmatchedNodes = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "plotsync_resolve_unmatched_nodes_total",
	Help: "Nodes left uncorrected because no duplicate matched",
})

var ResolveNodeOffset = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "plotsync_resolve_node_offset_seconds",
	Help: "Clock offset applied per node during resolution",
}, []string{"node"})

// Metrics lists every collector of the package for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		PlotsReplicatedOut,
		PlotsReplicatedIn,
		BatchesSent,
		BatchesReceived,
		BatchesMalformed,
		BatchesDuplicate,
		ResolveDuplicatesRemoved,
		ResolveUnmatchedNodes,
		ResolveNodeOffset,
	}
}
