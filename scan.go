package ledgerdb

import (
	"bytes"
	"context"
	"log/slog"

	"go.etcd.io/bbolt"
)

const (
	debugLogRawScans = false
)

// RawRange defines a range of encoded index values. The constructors use
// mnemonics: O means open, I means inclusive, E means exclusive; the first
// letter is for the lower bound, the second for the upper bound.
//
// Bounds apply to the value part of an index entry, so an exclusive bound
// skips every entry with that value regardless of which row it points to.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawPrefix(p []byte) RawRange {
	return RawRange{Prefix: p}
}
func (rang RawRange) Reversed() RawRange { rang.Reverse = !rang.Reverse; return rang }

func (r *RawRange) lowerOK(val []byte) bool {
	if r.Lower == nil {
		return true
	}
	cmp := bytes.Compare(val, r.Lower)
	return cmp > 0 || (cmp == 0 && r.LowerInc)
}

func (r *RawRange) upperOK(val []byte) bool {
	if r.Upper == nil {
		return true
	}
	cmp := bytes.Compare(val, r.Upper)
	return cmp < 0 || (cmp == 0 && r.UpperInc)
}

func (r *RawRange) start(c *bbolt.Cursor) ([]byte, []byte) {
	if r.Reverse {
		upper := r.Upper
		if upper == nil {
			upper = r.Prefix
		}
		if upper != nil {
			return boltSeekLast(c, upper)
		}
		return c.Last()
	}
	lower := r.Lower
	if lower == nil {
		lower = r.Prefix
	}
	if lower != nil {
		return c.Seek(lower)
	}
	return c.First()
}

// scanIndex walks the entries of idx within r, calling f with the encoded
// index value and the raw primary key of each entry. The slices are only
// valid until f returns.
func scanIndex(ctx context.Context, logger *slog.Logger, tableBuck *bbolt.Bucket, idx *Index, r RawRange, f func(val, pk, v []byte) (bool, error)) error {
	buck := idx.bucketIn(tableBuck)
	if buck == nil {
		return &StorageError{Op: "scan", Table: idx.table.name, Index: idx.name, Err: ErrNotCreated}
	}
	c := buck.Cursor()
	for k, v := r.start(c); k != nil; k, v = boltAdvance(c, r.Reverse) {
		val, pk, err := idx.splitEntry(k, v)
		if err != nil {
			return err
		}
		if r.Prefix != nil && !bytes.HasPrefix(val, r.Prefix) {
			break
		}
		if r.Reverse {
			if !r.lowerOK(val) {
				break
			}
			if !r.upperOK(val) {
				continue
			}
		} else {
			if !r.upperOK(val) {
				break
			}
			if !r.lowerOK(val) {
				continue
			}
		}
		if debugLogRawScans {
			logger.LogAttrs(ctx, slog.LevelDebug, "MATCH", slog.String("index", idx.FullName()), hexAttr("val", val), hexAttr("pk", pk))
		}
		cont, err := f(val, pk, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}
