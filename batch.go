package plotsync

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dronewatch/plotsync/store"
)

// A replication batch is a uint32 little-endian record count followed by
// that many fixed-size plot records. The batch travels as the body of a
// 'B' TLV record; the TLV layer delimits batches on the stream, this codec
// owns the payload.

var (
	ErrBatchTooShort   = errors.New("plotsync: batch shorter than its count header")
	ErrBatchMisaligned = errors.New("plotsync: batch payload is not a multiple of the record size")
	ErrBatchCount      = errors.New("plotsync: batch count does not match payload length")
)

// EncodeBatch serializes plots in encounter order behind a count prefix.
func EncodeBatch(plots []store.Plot) []byte {
	buf := make([]byte, 0, 4+len(plots)*store.RecordSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(plots)))
	for i := range plots {
		buf = plots[i].AppendRecord(buf)
	}
	return buf
}

// DecodeBatch is the exact inverse of EncodeBatch. All failure modes are
// format errors: the caller discards the batch and carries on, because
// batches arrive from untrusted peers.
func DecodeBatch(payload []byte) ([]store.Plot, error) {
	if len(payload) < 4 {
		return nil, ErrBatchTooShort
	}
	body := payload[4:]
	if len(body)%store.RecordSize != 0 {
		return nil, errors.Join(ErrBatchMisaligned,
			fmt.Errorf("payload %d bytes, record size %d", len(body), store.RecordSize))
	}

	count := binary.LittleEndian.Uint32(payload[:4])
	if int(count)*store.RecordSize != len(body) {
		return nil, errors.Join(ErrBatchCount,
			fmt.Errorf("count %d, payload holds %d records", count, len(body)/store.RecordSize))
	}

	plots := make([]store.Plot, 0, count)
	for off := 0; off < len(body); off += store.RecordSize {
		p, err := store.ParseRecord(body[off : off+store.RecordSize])
		if err != nil {
			return nil, err
		}
		plots = append(plots, p)
	}
	return plots, nil
}

// IsFormatError reports whether err is a recoverable malformed-batch
// error, as opposed to an internal invariant violation.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrBatchTooShort) ||
		errors.Is(err, ErrBatchMisaligned) ||
		errors.Is(err, ErrBatchCount) ||
		errors.Is(err, store.ErrRecordSize)
}
