/*
Package protocol frames the plotsync TCP stream and drives the peer
connections.

Stream framing is a compact TLV (type-length-value) encoding. Record types
are uppercase letters A-Z; three header forms are selected by body size and
the case of the type byte passed to the encoder:

  - tiny, 1-byte header ['0'+len] for bodies of 0-9 bytes (lowercase types
    only; the type byte is normalized to '0')
  - short, 2-byte header [lowercase type, len] for bodies up to 255 bytes
  - long, 5-byte header [uppercase type, uint32 LE len] for bodies up to 2GB

All multi-byte integers on the wire are little-endian. Parsing comes in two
flavors: Take for trusted input (nil returns signal errors) and TakeWary for
bytes straight off the network (explicit errors).
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrAddressInvalid    = errors.New("plotsync: invalid address")
	ErrAddressDuplicated = errors.New("plotsync: address already in use")
	ErrAddressUnknown    = errors.New("plotsync: address unknown")

	ErrIncomplete   = errors.New("plotsync: incomplete TLV data")
	ErrBadRecord    = errors.New("plotsync: bad TLV record format")
	ErrDisconnected = errors.New("plotsync: disconnected by user")
)

// ProbeHeader inspects a TLV header without consuming it.
// lit is the record type ('A'-'Z', '0' for tiny, '-' for garbage, 0 when the
// header is still incomplete); hdrlen and bodylen describe the record.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	b := data[0]
	switch {
	case b >= '0' && b <= '9': // tiny
		lit = '0'
		hdrlen = 1
		bodylen = int(b - '0')
	case b >= 'a' && b <= 'z': // short
		if len(data) < 2 {
			return 0, 0, 0
		}
		lit = b - CaseBit
		hdrlen = 2
		bodylen = int(data[1])
	case b >= 'A' && b <= 'Z': // long
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			lit = '-'
			return
		}
		lit = b
		hdrlen = 5
		bodylen = int(bl)
	default:
		lit = '-'
	}
	return
}

// Split consumes every complete TLV record from the buffer. A partial
// record at the tail is not an error: it stays in the buffer for the next
// read to finish. Garbage that can never parse yields ErrBadRecord.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			err = errors.Join(ErrBadRecord, fmt.Errorf("lead byte 0x%02x", data.Bytes()[0]))
			return
		}
		if lit == 0 || hlen+blen > data.Len() { // incomplete
			return
		}

		record := make([]byte, hlen+blen)
		n, rerr := data.Read(record)
		if rerr != nil {
			return recs, rerr
		}
		if n != hlen+blen {
			panic("impossible buffer reading")
		}

		recs = append(recs, record)
	}

	return
}

// AppendHeader appends a TLV header, picking the shortest form the body
// length and type case allow.
func AppendHeader(into []byte, lit byte, bodylen int) (ret []byte) {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	if bodylen < 10 && (lit&CaseBit) != 0 {
		ret = append(into, byte('0'+bodylen))
	} else if bodylen > 0xff {
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		ret = append(into, biglit)
		ret = binary.LittleEndian.AppendUint32(ret, uint32(bodylen))
	} else {
		ret = append(into, lit|CaseBit, byte(bodylen))
	}
	return ret
}

// Take extracts the body of a record of the given type from trusted data.
// Returns nil body on error; rest is the unconsumed remainder.
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data // incomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil // wrong type
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

// TakeAny extracts whatever record comes first, reporting its type.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = data[0] & ^CaseBit
	body, rest = Take(lit, data)
	return
}

// TakeWary is Take for untrusted input: errors are explicit.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

// Lit reports the canonical type of a complete TLV record.
func Lit(rec []byte) byte {
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	default:
		return '-'
	}
}

// Append appends a complete TLV record to the buffer.
// A lowercase lit enables the tiny form for small bodies.
func Append(into []byte, lit byte, body ...[]byte) (res []byte) {
	total := TotalLen(body)
	res = AppendHeader(into, lit, total)
	for _, b := range body {
		res = append(res, b...)
	}
	return res
}

// Record builds a complete TLV record.
func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	ret := make([]byte, 0, total+5)
	ret = AppendHeader(ret, lit, total)
	for _, b := range body {
		ret = append(ret, b...)
	}
	return ret
}

// Concat glues byte slices together with a single allocation.
func Concat(msg ...[]byte) []byte {
	total := TotalLen(msg)
	ret := make([]byte, 0, total)
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// TotalLen sums the lengths of the given slices.
func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}
