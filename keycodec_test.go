package ledgerdb

import (
	"bytes"
	"math"
	"reflect"
	"testing"
	"time"
)

func encodeKeyT[T any](t testing.TB, v T) []byte {
	t.Helper()
	enc := keyEncodingFor(reflect.TypeOf(v))
	return must(enc.encodeAny(nil, v))
}

func checkOrdered[T any](t *testing.T, values ...T) {
	t.Helper()
	var prev []byte
	for i, v := range values {
		cur := encodeKeyT(t, v)
		if i > 0 && bytes.Compare(prev, cur) >= 0 {
			t.Errorf("** encoding of %v (%x) is not above %v (%x)", v, cur, values[i-1], prev)
		}
		prev = cur
	}
}

func checkRoundTrip[T any](t *testing.T, values ...T) {
	t.Helper()
	for _, v := range values {
		enc := keyEncodingFor(reflect.TypeOf(v))
		raw := encodeKeyT(t, v)
		got, err := enc.decodeAny(raw)
		if err != nil {
			t.Errorf("** decode %x: %v", raw, err)
			continue
		}
		deepEqual(t, got.(T), v)
		n, err := enc.skip(append(raw, 0xAB))
		ok(t, err)
		deepEqual(t, n, len(raw))
	}
}

func TestKeyCodec_Encoding(t *testing.T) {
	deepEqual(t, encodeKeyT(t, 1), x("20 8000000000000001"))
	deepEqual(t, encodeKeyT(t, -1), x("20 7fffffffffffffff"))
	deepEqual(t, encodeKeyT(t, ID(5)), x("21 0000000000000005"))
	deepEqual(t, encodeKeyT(t, true), x("11"))
	deepEqual(t, encodeKeyT(t, "ab"), x("50 6162 0001"))
	deepEqual(t, encodeKeyT(t, "a\x00"), x("50 61 00ff 0001"))
	deepEqual(t, encodeKeyT(t, AB{1, 2}), x("20 8000000000000001 20 8000000000000002"))
	deepEqual(t, encodeKeyT(t, time.Unix(1, 5)), x("40 8000000000000001 00000005"))
}

func TestKeyCodec_Ordering(t *testing.T) {
	checkOrdered(t, math.MinInt64, -300, -1, 0, 1, 2, 255, 256, math.MaxInt64)
	checkOrdered(t, uint64(0), 1, 255, 256, math.MaxUint64)
	checkOrdered(t, math.Inf(-1), -1e10, -1.5, -0.0001, 0, 0.0001, 1, 1.5, 1e10, math.Inf(1))
	checkOrdered(t, "", "\x00", "\x00\x00", "\x01", "a", "a\x00", "a\x00b", "a\x01", "ab", "b", "\xff")
	checkOrdered(t, false, true)
	checkOrdered(t, AB{-5, 9}, AB{1, 2}, AB{1, 3}, AB{2, -100})
	checkOrdered(t,
		time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1969, 12, 31, 23, 59, 59, 999, time.UTC),
		time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 0, 0, 0, 1, time.UTC),
	)

	type pair struct {
		S string
		N int
	}
	checkOrdered(t, pair{"a", 100}, pair{"a\x00", -100}, pair{"ab", -100}, pair{"b", 0})
}

func TestKeyCodec_RoundTrip(t *testing.T) {
	checkRoundTrip(t, math.MinInt64, -1, 0, 42, math.MaxInt64)
	checkRoundTrip(t, ID(0), ID(7), ID(math.MaxUint64))
	checkRoundTrip(t, -2.5, 0.0, 3.25, math.Inf(1))
	checkRoundTrip(t, "", "hello", "a\x00b\x00", "\x00\x01\xff")
	checkRoundTrip(t, false, true)
	checkRoundTrip(t, AB{-5, 9})
	checkRoundTrip(t, time.Date(1950, 3, 4, 5, 6, 7, 8, time.UTC), time.Date(2030, 1, 2, 3, 4, 5, 999999999, time.UTC))
}

func TestKeyCodec_Coerce(t *testing.T) {
	enc := keyEncodingFor(reflect.TypeOf(ID(0)))
	deepEqual(t, must(enc.encodeAny(nil, 5)), encodeKeyT(t, ID(5)))
	deepEqual(t, must(enc.encodeAny(nil, uint8(5))), encodeKeyT(t, ID(5)))
	id := ID(9)
	deepEqual(t, must(enc.encodeAny(nil, &id)), encodeKeyT(t, ID(9)))

	if _, err := enc.encodeAny(nil, "5"); err == nil {
		t.Errorf("string coerced to ID")
	}
	if _, err := enc.encodeAny(nil, nil); err == nil {
		t.Errorf("nil coerced to ID")
	}

	type Name string
	senc := keyEncodingFor(reflect.TypeOf(Name("")))
	deepEqual(t, must(senc.encodeAny(nil, "x")), encodeKeyT(t, Name("x")))
	if _, err := senc.encodeAny(nil, 65); err == nil {
		t.Errorf("int coerced to string")
	}
}

func TestKeyCodec_DecodeErrors(t *testing.T) {
	enc := keyEncodingFor(reflect.TypeOf(""))
	for _, raw := range [][]byte{nil, x("50 61"), x("50 61 00"), x("20 8000000000000001"), x("50 61 00 02")} {
		if _, err := enc.decodeAny(raw); err == nil {
			t.Errorf("** decode %x succeeded, wanted error", raw)
		}
	}
	ienc := keyEncodingFor(reflect.TypeOf(0))
	if _, err := ienc.decodeAny(x("20 80")); err == nil {
		t.Errorf("** decode of truncated int succeeded")
	}
}

func TestKeyCodec_StringPrefix(t *testing.T) {
	enc := keyEncodingFor(reflect.TypeOf(""))
	deepEqual(t, enc.isSingleString(), true)
	deepEqual(t, keyEncodingFor(reflect.TypeOf(AB{})).isSingleString(), false)

	prefix := enc.encodeStringPrefix("ab")
	for _, s := range []string{"ab", "abc", "ab\x00"} {
		if !bytes.HasPrefix(encodeKeyT(t, s), prefix) {
			t.Errorf("** %q does not start with prefix %x", s, prefix)
		}
	}
	for _, s := range []string{"a", "b", "aab"} {
		if bytes.HasPrefix(encodeKeyT(t, s), prefix) {
			t.Errorf("** %q starts with prefix %x", s, prefix)
		}
	}
}

func TestKeyCodec_UnsupportedTypes(t *testing.T) {
	for _, typ := range []reflect.Type{reflect.TypeOf([]int{}), reflect.TypeOf(map[string]int{}), reflect.TypeOf(struct{}{})} {
		var enc keyEncoding
		if err := enc.collect(typ, nil); err == nil {
			t.Errorf("** %v accepted as key type", typ)
		}
	}
}
