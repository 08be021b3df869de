package auditlog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testLog struct {
	*Log
	t   testing.TB
	dir string
	now time.Time
}

func open(t testing.TB, dir string, o Options) *testLog {
	t.Helper()
	tl := &testLog{t: t, dir: dir, now: start}
	o.Now = func() time.Time { return tl.now }
	o.Logger = slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o.Verbose = true
	l, err := Open(context.Background(), dir, o)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	tl.Log = l
	return tl
}

func (tl *testLog) append(op Op, ok bool, detail string) {
	tl.t.Helper()
	ensure(tl.Append(context.Background(), Event{Op: op, OK: ok, Detail: detail}))
}

func (tl *testLog) events() []string {
	tl.t.Helper()
	evs, err := tl.Events(context.Background())
	ensure(err)
	var result []string
	for _, ev := range evs {
		result = append(result, ev.String())
	}
	return result
}

func (tl *testLog) fileNames() []string {
	names, err := tl.segmentNames()
	ensure(err)
	return names
}

func TestLog_AppendAndRead(t *testing.T) {
	l := open(t, t.TempDir(), Options{})
	l.append(OpSetup, true, "")
	l.now = l.now.Add(90 * time.Second)
	l.append(OpUnlock, false, "invalid credentials")
	l.append(OpUnlock, true, "")

	deepEq(t, l.events(), []string{
		"2024-01-01T00:00:00Z setup ok",
		"2024-01-01T00:01:30Z unlock failed (invalid credentials)",
		"2024-01-01T00:01:30Z unlock ok",
	})
	deepEq(t, l.fileNames(), []string{"audit-000000000001-20240101T000000-0000000000000001.log"})
}

func TestLog_ReopenContinuesSegment(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, Options{})
	l.append(OpSetup, true, "")
	l.now = l.now.Add(time.Hour)
	l.append(OpLock, true, "")
	ensure(l.Close())

	l = open(t, dir, Options{})
	l.now = start.Add(2 * time.Hour)
	l.append(OpUnlock, true, "")

	deepEq(t, l.events(), []string{
		"2024-01-01T00:00:00Z setup ok",
		"2024-01-01T01:00:00Z lock ok",
		"2024-01-01T02:00:00Z unlock ok",
	})
	deepEq(t, len(l.fileNames()), 1)
}

func TestLog_Rotation(t *testing.T) {
	l := open(t, t.TempDir(), Options{MaxFileSize: segmentHeaderSize + 40})
	for i := 0; i < 5; i++ {
		l.now = start.Add(time.Duration(i) * time.Minute)
		l.append(OpUnlock, true, strings.Repeat("x", 10))
	}
	names := l.fileNames()
	if len(names) < 2 {
		t.Fatalf("got %d segments, wanted rotation: %v", len(names), names)
	}
	deepEq(t, names[0], "audit-000000000001-20240101T000000-0000000000000001.log")
	if !strings.HasPrefix(names[1], "audit-000000000002-") {
		t.Errorf("second segment = %q", names[1])
	}

	evs := l.events()
	deepEq(t, len(evs), 5)
	deepEq(t, evs[4], "2024-01-01T00:04:00Z unlock ok (xxxxxxxxxx)")
}

func TestLog_TrimsCorruptedTail(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, Options{})
	l.append(OpSetup, true, "")
	l.append(OpUnlock, true, "")
	ensure(l.Close())

	fn := filepath.Join(dir, l.fileNames()[0])
	data := must(os.ReadFile(fn))
	data[len(data)-1] ^= 0xFF
	data = append(data, 0x05, 0x00, 'j', 'u')
	ensure(os.WriteFile(fn, data, 0o600))

	l = open(t, dir, Options{})
	deepEq(t, l.events(), []string{"2024-01-01T00:00:00Z setup ok"})

	l.append(OpRecover, true, "")
	deepEq(t, l.events(), []string{
		"2024-01-01T00:00:00Z setup ok",
		"2024-01-01T00:00:00Z recover ok",
	})
}

func TestLog_DeletesSegmentWithCorruptedHeader(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, Options{})
	l.append(OpSetup, true, "")
	ensure(l.Close())

	fn := filepath.Join(dir, l.fileNames()[0])
	data := must(os.ReadFile(fn))
	data[20] ^= 0xFF
	ensure(os.WriteFile(fn, data, 0o600))

	l = open(t, dir, Options{})
	deepEq(t, len(l.fileNames()), 0)
	deepEq(t, len(l.events()), 0)

	l.append(OpSetup, true, "again")
	deepEq(t, l.events(), []string{"2024-01-01T00:00:00Z setup ok (again)"})
}

func TestLog_SyncedAppendsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, Options{Sync: true})
	l.append(OpSetup, true, "")
	l.append(OpLock, true, "")
	ensure(fdatasync(l.segWriter.f))
	ensure(l.Close())

	l = open(t, dir, Options{Sync: true})
	deepEq(t, l.events(), []string{
		"2024-01-01T00:00:00Z setup ok",
		"2024-01-01T00:00:00Z lock ok",
	})
}

func TestLog_Closed(t *testing.T) {
	l := open(t, t.TempDir(), Options{Sync: true})
	l.append(OpSetup, true, "")
	ensure(l.Sync())
	ensure(l.Close())
	ensure(l.Close())
	if err := l.Append(context.Background(), Event{Op: OpLock, OK: true}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close err = %v, wanted ErrClosed", err)
	}
}

func TestParseName(t *testing.T) {
	seq, ts, id, err := parseSegmentName("123-20230101T000000-11223344aabbccdd")
	if err != nil {
		t.Fatal(err)
	}
	if e := uint32(123); seq != e {
		t.Errorf("seq = %v, expected %v", seq, e)
	}
	if e := uint32(1672531200); ts != e {
		t.Errorf("ts = %v, expected %v", ts, e)
	}
	if e := uint64(0x11223344_aabbccdd); id != e {
		t.Errorf("id = %x, expected %x", id, e)
	}

	for _, name := range []string{"x", "abc-20230101T000000-1", "1-2023-1", "1-20230101T000000-zz"} {
		if _, _, _, err := parseSegmentName(name); err == nil {
			t.Errorf("parseSegmentName(%q) succeeded", name)
		}
	}
}

func TestFormatName(t *testing.T) {
	name := formatSegmentName("x", "y", 123, 1672531200, 0x11223344_aabbccdd)
	exp := "x000000000123-20230101T000000-11223344aabbccddy"
	if name != exp {
		t.Errorf("name = %q, expected %q", name, exp)
	}
}

func TestSegmentHeader(t *testing.T) {
	var buf [segmentHeaderSize]byte
	fillSegmentHeader(buf[:], 7, 1672531200)
	if !bytes.Equal(buf[:8], []byte("AUDITLOG")) {
		t.Errorf("magic = %q", buf[:8])
	}
	h, err := readHeader(buf[:], 7)
	ensure(err)
	deepEq(t, h.Timestamp, uint32(1672531200))

	if _, err := readHeader(buf[:], 8); err != errCorruptedFile {
		t.Errorf("readHeader with wrong ordinal err = %v", err)
	}
	buf[9] = 1
	if _, err := readHeader(buf[:], 7); err != errCorruptedFile {
		t.Errorf("readHeader with bad checksum err = %v", err)
	}
}

type logWriter struct {
	t testing.TB
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

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
