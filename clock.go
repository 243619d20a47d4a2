// Package plotsync replicates timestamped drone observations ("plots")
// across a small set of peer nodes and, once every node has stopped
// producing data, reconciles the clock skew between them from duplicate
// observations.
package plotsync

import "time"

// Clock produces the adjusted time that drives all replication
// scheduling: seconds elapsed since the start epoch, scaled by a speed
// multiplier so simulations can run faster or slower than wall time. The
// start epoch may carry a deliberate skew to emulate a desynchronized
// node.
type Clock struct {
	start time.Time
	mult  float64
}

// NewClock fixes the epoch at construction: now plus the given skew.
// A multiplier of 0 is normalized to 1.
func NewClock(skew time.Duration, mult float64) *Clock {
	if mult == 0 {
		mult = 1.0
	}
	return &Clock{
		start: time.Now().Add(skew),
		mult:  mult,
	}
}

// Adjusted returns the current adjusted time, truncated to whole seconds.
func (c *Clock) Adjusted() int64 {
	return int64(time.Since(c.start).Seconds() * c.mult)
}
