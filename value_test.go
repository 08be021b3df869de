package ledgerdb

import (
	"testing"
)

func TestValue_EncodeDecode(t *testing.T) {
	rows := indexRows{
		{IndexOrd: 1, KeyRaw: x("50 61 0001")},
		{IndexOrd: 2, KeyRaw: x("20 8000000000000001")},
	}
	raw := encodeValue(3, 7, []byte("data"), rows)

	var vle value
	ok(t, vle.decode(raw))
	deepEqual(t, vle.Flags, vfDefault)
	deepEqual(t, vle.SchemaVer, uint64(3))
	deepEqual(t, vle.ModCount, uint64(7))
	deepEqual(t, vle.Data, []byte("data"))

	var got []string
	ok(t, decodeIndexKeys(vle.Index, func(ord uint64, key []byte) {
		got = append(got, hexstr([]byte{byte(ord)})+":"+hexstr(key))
	}))
	deepEqual(t, got, []string{"01:50610001", "02:208000000000000001"})
}

func TestValue_DecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short", x("01 00")},
		{"bad flags", x("03 00 00 00 00")},
		{"size mismatch", x("01 00 00 05 00 6161")},
		{"bad header", x("ff ff ff ff ff")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vle value
			if err := vle.decode(tt.raw); err == nil {
				t.Fatalf("decode(%x) succeeded, wanted error", tt.raw)
			}
		})
	}

	if err := decodeIndexKeys(x("02 01 05 6161"), func(uint64, []byte) {}); err == nil {
		t.Errorf("decodeIndexKeys accepted a truncated key")
	}
}

func TestFindRemovedIndexKeys(t *testing.T) {
	old := indexRows{
		{IndexOrd: 1, KeyRaw: []byte("a")},
		{IndexOrd: 1, KeyRaw: []byte("c")},
		{IndexOrd: 2, KeyRaw: []byte("a")},
		{IndexOrd: 3, KeyRaw: []byte("z")},
	}
	cur := indexRows{
		{IndexOrd: 1, KeyRaw: []byte("b")},
		{IndexOrd: 1, KeyRaw: []byte("c")},
		{IndexOrd: 3, KeyRaw: []byte("z")},
	}
	var removed []string
	ok(t, findRemovedIndexKeys(appendIndexKeys(nil, old), cur, func(ord uint64, key []byte) {
		removed = append(removed, string(rune('0'+ord))+string(key))
	}))
	deepEqual(t, removed, []string{"1a", "2a"})
}

func TestIndexRows_Sort(t *testing.T) {
	rows := indexRows{
		{IndexOrd: 2, KeyRaw: []byte("a")},
		{IndexOrd: 1, KeyRaw: []byte("b")},
		{IndexOrd: 1, KeyRaw: []byte("a")},
	}
	rows.sort()
	var got []string
	for _, r := range rows {
		got = append(got, string(rune('0'+r.IndexOrd))+string(r.KeyRaw))
	}
	deepEqual(t, got, []string{"1a", "1b", "2a"})
}
