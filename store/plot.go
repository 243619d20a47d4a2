// Package store holds drone plot observations: the fixed-size Plot record,
// the in-memory ordered Store the replication loop and the resolver work
// on, and a pebble-backed Journal for durability across restarts.
package store

import (
	"encoding/binary"
	"errors"
	"math"
)

// Flags is the per-plot status bitset. Flags never travel on the wire.
type Flags uint16

const (
	// FlagNew marks a locally produced plot that has not been
	// replicated out yet. The replication loop clears it on broadcast.
	FlagNew Flags = 1 << iota
)

// RecordSize is the wire size of one serialized plot. Encoder and decoder
// share it; any batch whose payload is not a multiple of it is malformed.
const RecordSize = 4 + 4 + 8 + 8 + 8

var ErrRecordSize = errors.New("plotsync: plot record has wrong size")

// Plot is one timestamped sensor observation: a drone seen by a node at a
// position, stamped in the node's local adjusted-time frame.
type Plot struct {
	DroneID   uint32
	NodeID    uint32
	Timestamp int64
	Latitude  float64
	Longitude float64
	Flags     Flags
}

// SamePosition reports whether two plots describe the same coordinates.
// The resolver treats an exact match as the same physical observation.
func (p *Plot) SamePosition(o *Plot) bool {
	return p.Latitude == o.Latitude && p.Longitude == o.Longitude
}

// AppendRecord serializes the plot as one fixed-size little-endian record:
// drone id, node id, timestamp, latitude, longitude.
func (p *Plot) AppendRecord(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, p.DroneID)
	buf = binary.LittleEndian.AppendUint32(buf, p.NodeID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Latitude))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Longitude))
	return buf
}

// ParseRecord decodes one fixed-size record. The flags of the returned
// plot are zero: what a peer replicates in is never replicated back out.
func ParseRecord(rec []byte) (p Plot, err error) {
	if len(rec) != RecordSize {
		return p, ErrRecordSize
	}
	p.DroneID = binary.LittleEndian.Uint32(rec[0:4])
	p.NodeID = binary.LittleEndian.Uint32(rec[4:8])
	p.Timestamp = int64(binary.LittleEndian.Uint64(rec[8:16]))
	p.Latitude = math.Float64frombits(binary.LittleEndian.Uint64(rec[16:24]))
	p.Longitude = math.Float64frombits(binary.LittleEndian.Uint64(rec[24:32]))
	return p, nil
}
