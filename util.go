package ledgerdb

import (
	"encoding/hex"
	"log/slog"
	"strings"

	"go.etcd.io/bbolt"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func splitByte(s string, sep byte) (string, string, bool) {
	i := strings.IndexByte(s, sep)
	if i < 0 {
		return s, "", false
	} else {
		return s[:i], s[i+1:], true
	}
}

// successor returns the smallest byte string greater than every string
// prefixed by prefix. Returns false if prefix consists entirely of 0xFF bytes.
func successor(prefix []byte) ([]byte, bool) {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			succ := append([]byte(nil), prefix[:i+1]...)
			succ[i]++
			return succ, true
		}
	}
	return nil, false
}

// boltSeekLast positions c on the last key that is <= every key prefixed by bound.
func boltSeekLast(c *bbolt.Cursor, bound []byte) ([]byte, []byte) {
	if len(bound) == 0 {
		return c.Last()
	}
	if succ, ok := successor(bound); ok {
		k, _ := c.Seek(succ)
		if k == nil {
			return c.Last()
		}
		return c.Prev()
	}
	return c.Last()
}

func boltAdvance(c *bbolt.Cursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return c.Prev()
	} else {
		return c.Next()
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

type hexBytes []byte

func (b hexBytes) String() string {
	return hex.EncodeToString(b)
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}

// countKeys returns the number of keys in b. Bucket stats are computed from
// committed pages only, so writable transactions walk a cursor instead.
func countKeys(b *bbolt.Bucket) int {
	if !b.Tx().Writable() {
		return b.Stats().KeyN
	}
	var n int
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
