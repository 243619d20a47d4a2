package protocol

// Records is a batch of wire records. Keeping batches as slices of raw
// frames lets the transport use writev (net.Buffers) and lets queues move
// data without re-framing it.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
