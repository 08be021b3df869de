// Package auditlog implements an append-only log of key management events.
//
// The log is a directory of segment files. A new segment is started when the
// current one reaches MaxFileSize. Every record carries its own checksum; when
// the log is opened, the last segment is trimmed after its first corrupted
// record, so a crash in the middle of a write loses only that write.
//
// File format:
//
//   - file = segmentHeader record*
//   - segmentHeader = magic:64 ver:8 pad:8 flags:16 pad:32 segmentNumber:32 timestamp:32 reserved:64*4 checksum:64
//   - record = size:uvarint tsDelta:uvarint data:size checksum:64
//
// Record data is a msgpack-encoded Event. Timestamps are whole seconds; a
// record stores the delta from the previous record of the segment.
package auditlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported audit log version")
	ErrClosed             = errors.New("audit log is closed")
	errCorruptedFile      = errors.New("corrupted audit log segment")
	errCorruptedRecord    = errors.New("corrupted audit log record")
)

type Op string

const (
	OpSetup          Op = "setup"
	OpUnlock         Op = "unlock"
	OpLock           Op = "lock"
	OpRecover        Op = "recover"
	OpChangePassword Op = "change_password"
)

// Event is a single audit log entry. Time is filled in when reading and has
// one second resolution.
type Event struct {
	Time   time.Time `msgpack:"-"`
	Op     Op        `msgpack:"op"`
	OK     bool      `msgpack:"ok"`
	Detail string    `msgpack:"d,omitempty"`
}

func (ev Event) String() string {
	status := "ok"
	if !ev.OK {
		status = "failed"
	}
	if ev.Detail != "" {
		return fmt.Sprintf("%s %s %s (%s)", ev.Time.UTC().Format(time.RFC3339), ev.Op, status, ev.Detail)
	}
	return fmt.Sprintf("%s %s %s", ev.Time.UTC().Format(time.RFC3339), ev.Op, status)
}

type Options struct {
	FileName    string // e.g. "audit-*.log"
	MaxFileSize int64  // new segment after this size
	Now         func() time.Time
	Logger      *slog.Logger
	Verbose     bool

	// Sync makes every Append fsync the segment file.
	Sync bool
}

const DefaultMaxFileSize = 1024 * 1024

const (
	magic          = 0x474f4c5449445541 // "AUDITLOG" as little-endian uint64
	version0 uint8 = 0

	segmentHeaderSize = 8 * 8
	checksumSize      = 8
	timestampFmt      = "20060102T150405"
)

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	_              uint32
	SegmentOrdinal uint32
	Timestamp      uint32
	_              [4]uint64
	Checksum       uint64
}

// Log is an open audit log. It is safe for concurrent use.
type Log struct {
	dir            string
	fileNamePrefix string
	fileNameSuffix string
	maxFileSize    int64
	now            func() time.Time
	logger         *slog.Logger
	verbose        bool
	sync           bool

	writeLock sync.Mutex
	writeErr  error
	closed    bool
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter
}

// Open opens the log in dir, creating the directory if needed, and prepares
// it for appending.
func Open(ctx context.Context, dir string, o Options) (*Log, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "audit-*.log"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("auditlog: %w", err)
	}
	l := &Log{
		dir:            dir,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		maxFileSize:    o.MaxFileSize,
		now:            o.Now,
		logger:         o.Logger,
		verbose:        o.Verbose,
		sync:           o.Sync,
	}
	if err := l.prepareToWrite(ctx); err != nil {
		return nil, fmt.Errorf("auditlog: %w", err)
	}
	return l, nil
}

func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) timestamp() uint32 {
	v := l.now().Unix()
	if v < 0 || uint64(v)&0xFFFF_FFFF_0000_0000 != 0 {
		panic("audit log timestamp out of range")
	}
	return uint32(v)
}

// prepareToWrite finds the last segment, drops it if its header is damaged,
// trims a corrupted tail, and reopens it for appending.
func (l *Log) prepareToWrite(ctx context.Context) error {
	for {
		names, err := l.segmentNames()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		lastName := names[len(names)-1]
		seq, _, firstRec, err := parseSegmentName(strings.TrimSuffix(strings.TrimPrefix(lastName, l.fileNamePrefix), l.fileNameSuffix))
		if err != nil {
			return err
		}
		fn := filepath.Join(l.dir, lastName)
		data, err := os.ReadFile(fn)
		if err != nil {
			return err
		}

		h, err := readHeader(data, seq)
		if err == errCorruptedFile {
			l.logger.LogAttrs(ctx, slog.LevelWarn, "auditlog: deleting corrupted file", slog.String("file", lastName), slog.Int("size", len(data)))
			if err := os.Remove(fn); err != nil {
				return fmt.Errorf("failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil {
			return err
		}

		sr := segmentReader{data: data, off: segmentHeaderSize, ts: h.Timestamp}
		var count uint64
		for {
			_, _, err := sr.next()
			if err != nil {
				break
			}
			count++
		}
		if sr.off < len(data) {
			l.logger.LogAttrs(ctx, slog.LevelWarn, "auditlog: trimming corrupted tail", slog.String("file", lastName), slog.Int("good", sr.off), slog.Int("size", len(data)))
			if err := os.Truncate(fn, int64(sr.off)); err != nil {
				return err
			}
		}

		f, err := os.OpenFile(fn, os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		l.writeSeg = h.SegmentOrdinal
		l.writeRec = firstRec + count - 1
		l.segWriter = &segmentWriter{f: f, seg: h.SegmentOrdinal, ts: sr.ts, size: int64(sr.off), records: count}
		return nil
	}
}

// Append writes ev at the current time.
func (l *Log) Append(ctx context.Context, ev Event) error {
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("auditlog: %w", err)
	}

	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.writeErr != nil {
		return l.writeErr
	}

	ts := l.timestamp()
	l.writeRec++

	if sw := l.segWriter; sw != nil && sw.records > 0 && sw.size+int64(len(data)+maxRecHeaderLen+checksumSize) > l.maxFileSize {
		sw.close()
		l.segWriter = nil
	}
	if l.segWriter == nil {
		l.writeSeg++
		sw, err := l.startSegment(l.writeSeg, ts, l.writeRec)
		if err != nil {
			return l.fail(ctx, err)
		}
		l.segWriter = sw
		if l.verbose {
			l.logger.LogAttrs(ctx, slog.LevelDebug, "auditlog: started segment", slog.Uint64("seg", uint64(sw.seg)))
		}
	}

	if err := l.segWriter.writeRecord(ts, data); err != nil {
		return l.fail(ctx, err)
	}
	if l.sync {
		if err := fdatasync(l.segWriter.f); err != nil {
			return l.fail(ctx, err)
		}
	}
	if l.verbose {
		l.logger.LogAttrs(ctx, slog.LevelDebug, "auditlog: appended", slog.String("op", string(ev.Op)), slog.Bool("ok", ev.OK))
	}
	return nil
}

// Sync flushes the current segment to stable storage.
func (l *Log) Sync() error {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	if l.segWriter == nil {
		return nil
	}
	return fdatasync(l.segWriter.f)
}

func (l *Log) Close() error {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.segWriter != nil {
		err := l.segWriter.close()
		l.segWriter = nil
		return err
	}
	return nil
}

func (l *Log) fail(ctx context.Context, err error) error {
	l.logger.LogAttrs(ctx, slog.LevelError, "auditlog: write failed", slog.Any("err", err))
	if l.segWriter != nil {
		l.segWriter.close()
		l.segWriter = nil
	}
	if l.writeErr == nil {
		l.writeErr = err
	}
	return err
}

// Events returns every readable event, oldest first. A corrupted record ends
// the segment it is in.
func (l *Log) Events(ctx context.Context) ([]Event, error) {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	names, err := l.segmentNames()
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		seq, _, _, err := parseSegmentName(strings.TrimSuffix(strings.TrimPrefix(name, l.fileNamePrefix), l.fileNameSuffix))
		if err != nil {
			return events, err
		}
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return events, err
		}
		h, err := readHeader(data, seq)
		if err != nil {
			l.logger.LogAttrs(ctx, slog.LevelWarn, "auditlog: skipping unreadable segment", slog.String("file", name), slog.Any("err", err))
			continue
		}
		sr := segmentReader{data: data, off: segmentHeaderSize, ts: h.Timestamp}
		for sr.off < len(data) {
			ts, payload, err := sr.next()
			if err != nil {
				l.logger.LogAttrs(ctx, slog.LevelWarn, "auditlog: corrupted record", slog.String("file", name), slog.Int("off", sr.off), slog.Any("err", err))
				break
			}
			var ev Event
			if err := msgpack.Unmarshal(payload, &ev); err != nil {
				l.logger.LogAttrs(ctx, slog.LevelWarn, "auditlog: undecodable record", slog.String("file", name), slog.Any("err", err))
				continue
			}
			ev.Time = time.Unix(int64(ts), 0).UTC()
			events = append(events, ev)
		}
	}
	return events, nil
}

// segmentNames returns the segment file names in segment order.
func (l *Log) segmentNames() ([]string, error) {
	ents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, l.fileNamePrefix) || !strings.HasSuffix(name, l.fileNameSuffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func readHeader(data []byte, expectedSeq uint32) (*segmentHeader, error) {
	if len(data) < segmentHeaderSize {
		return nil, errCorruptedFile
	}
	var h segmentHeader
	n, err := binary.Decode(data[:segmentHeaderSize], binary.LittleEndian, &h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	if h.Magic != magic {
		return nil, errCorruptedFile
	}
	if xxhash.Sum64(data[:segmentHeaderSize-checksumSize]) != h.Checksum {
		return nil, errCorruptedFile
	}
	if h.SegmentOrdinal != expectedSeq {
		return nil, errCorruptedFile
	}
	if h.Version > version0 {
		return nil, ErrUnsupportedVersion
	}
	return &h, nil
}

type segmentReader struct {
	data []byte
	off  int
	ts   uint32
}

// next decodes the record at the current offset. The offset only advances
// past records that are intact.
func (sr *segmentReader) next() (uint32, []byte, error) {
	b := sr.data[sr.off:]
	size, n1 := binary.Uvarint(b)
	if n1 <= 0 {
		return 0, nil, errCorruptedRecord
	}
	tsDelta, n2 := binary.Uvarint(b[n1:])
	if n2 <= 0 || tsDelta > 0xFFFF_FFFF {
		return 0, nil, errCorruptedRecord
	}
	hlen := n1 + n2
	if uint64(len(b)-hlen) < size+checksumSize {
		return 0, nil, errCorruptedRecord
	}
	end := hlen + int(size)
	if xxhash.Sum64(b[:end]) != binary.LittleEndian.Uint64(b[end:]) {
		return 0, nil, errCorruptedRecord
	}
	sr.ts += uint32(tsDelta)
	sr.off += end + checksumSize
	return sr.ts, b[hlen:end], nil
}

type segmentWriter struct {
	f       *os.File
	seg     uint32
	ts      uint32
	size    int64
	records uint64
}

func (l *Log) startSegment(seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(l.fileNamePrefix, l.fileNameSuffix, seg, ts, rec)

	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], seg, ts)
	if _, err := f.Write(hbuf[:]); err != nil {
		return nil, err
	}

	ok = true
	return &segmentWriter{f: f, seg: seg, ts: ts, size: segmentHeaderSize}, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}

	buf := make([]byte, 0, maxRecHeaderLen+len(data)+checksumSize)
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	buf = binary.AppendUvarint(buf, uint64(tsDelta))
	buf = append(buf, data...)
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))

	if _, err := sw.f.Write(buf); err != nil {
		return err
	}
	sw.size += int64(len(buf))
	sw.records++
	return nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, seg, ts uint32) {
	h := segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
	}
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-checksumSize:], xxhash.Sum64(buf[:segmentHeaderSize-checksumSize]))
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
