package store

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// Journal is the durable copy of the plot set. Every accepted plot is
// appended under a monotonic sequence key; Load replays the journal into a
// Store at startup, and Rewrite replaces the whole journal with the
// reconciled dataset after the resolver has run.
type Journal struct {
	db   *pebble.DB
	next uint64
}

var journalLo = []byte{'P'}
var journalHi = []byte{'P' + 1}

const journalValueSize = RecordSize + 2 // record + flags

func journalKey(seq uint64) []byte {
	key := make([]byte, 0, 9)
	key = append(key, 'P')
	return binary.BigEndian.AppendUint64(key, seq)
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}

	j := &Journal{db: db}

	// recover the next sequence number from the last key
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: journalLo, UpperBound: journalHi})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "journal: iterate")
	}
	if iter.Last() && len(iter.Key()) == 9 {
		j.next = binary.BigEndian.Uint64(iter.Key()[1:]) + 1
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "journal: iterate")
	}

	return j, nil
}

// Append persists one plot, flags included, so an unreplicated plot is
// still marked NEW after a restart.
func (j *Journal) Append(p Plot) error {
	val := make([]byte, 0, journalValueSize)
	val = p.AppendRecord(val)
	val = binary.LittleEndian.AppendUint16(val, uint16(p.Flags))

	err := j.db.Set(journalKey(j.next), val, pebble.Sync)
	if err != nil {
		return errors.Wrap(err, "journal: append")
	}
	j.next++
	return nil
}

// Load replays the journal into the store in append order and reports how
// many plots were restored.
func (j *Journal) Load(s *Store) (int, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: journalLo, UpperBound: journalHi})
	if err != nil {
		return 0, errors.Wrap(err, "journal: load")
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		if len(val) != journalValueSize {
			return count, errors.Errorf("journal: corrupt entry of %d bytes", len(val))
		}
		p, err := ParseRecord(val[:RecordSize])
		if err != nil {
			return count, errors.Wrap(err, "journal: load")
		}
		p.Flags = Flags(binary.LittleEndian.Uint16(val[RecordSize:]))
		s.Append(p)
		count++
	}
	return count, errors.Wrap(iter.Error(), "journal: load")
}

// Rewrite atomically replaces the journal contents with the store's
// current plots. Called after resolution so a restart sees the corrected,
// deduplicated dataset.
func (j *Journal) Rewrite(s *Store) error {
	batch := j.db.NewBatch()
	if err := batch.DeleteRange(journalLo, journalHi, nil); err != nil {
		return errors.Wrap(err, "journal: rewrite")
	}

	plots := s.Snapshot()
	seq := uint64(0)
	for i := range plots {
		val := make([]byte, 0, journalValueSize)
		val = plots[i].AppendRecord(val)
		val = binary.LittleEndian.AppendUint16(val, uint16(plots[i].Flags))
		if err := batch.Set(journalKey(seq), val, nil); err != nil {
			return errors.Wrap(err, "journal: rewrite")
		}
		seq++
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "journal: rewrite")
	}
	j.next = seq
	return nil
}

func (j *Journal) Close() error {
	return errors.Wrap(j.db.Close(), "journal: close")
}
