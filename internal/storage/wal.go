package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// Operation identifies the kind of mutation a WalEntry records.
type Operation uint8

const (
	OpWrite Operation = iota
	OpRemove
	OpClear
	OpCheckpoint
)

// MaxEntrySize bounds a single WAL record; any length-prefix above this
// causes truncation at the last valid entry.
const MaxEntrySize = 10 * 1024 * 1024

// WalEntry is a single append-only record in the write-ahead log.
type WalEntry struct {
	Sequence  uint64
	Timestamp int64
	Operation Operation
	Key       string
	MetaPath  string
	DataPath  string
	MetaBytes []byte
	DataBytes []byte
}

// encode serializes e into a length-prefixed frame:
// [u32 little-endian length][fields...][u32 crc], where crc is the CRC32C
// of the encoded fields that precede it.
func (e *WalEntry) encode() []byte {
	body := encodeFields(e)
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

func encodeFields(e *WalEntry) []byte {
	var buf []byte
	putU64 := func(v uint64) { buf = appendU64(buf, v) }
	putI64 := func(v int64) { buf = appendU64(buf, uint64(v)) }
	putByte := func(v byte) { buf = append(buf, v) }
	putString := func(s string) {
		buf = appendU32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	putBytes := func(b []byte) {
		buf = appendU32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}

	putU64(e.Sequence)
	putI64(e.Timestamp)
	putByte(byte(e.Operation))
	putString(e.Key)
	putString(e.MetaPath)
	putString(e.DataPath)
	putBytes(e.MetaBytes)
	putBytes(e.DataBytes)

	crc := ChecksumCastagnoli(buf)
	out := make([]byte, len(buf)+4)
	copy(out, buf)
	binary.LittleEndian.PutUint32(out[len(buf):], crc)
	return out
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// decodeWalEntry parses a WalEntry from body (the frame contents after the
// length prefix, including the trailing CRC), verifying the CRC.
func decodeWalEntry(body []byte) (*WalEntry, error) {
	if len(body) < 4 {
		return nil, cueerrors.New(cueerrors.CodeCorruption, "wal entry too short").
			WithComponent("storage").WithOperation("wal_decode")
	}
	fields := body[:len(body)-4]
	wantCRC := binary.LittleEndian.Uint32(body[len(body)-4:])
	if ChecksumCastagnoli(fields) != wantCRC {
		return nil, cueerrors.New(cueerrors.CodeCorruption, "wal entry checksum mismatch").
			WithComponent("storage").WithOperation("wal_decode")
	}

	r := &reader{buf: fields}
	e := &WalEntry{}
	var err error
	if e.Sequence, err = r.u64(); err != nil {
		return nil, err
	}
	var ts uint64
	if ts, err = r.u64(); err != nil {
		return nil, err
	}
	e.Timestamp = int64(ts)
	var op byte
	if op, err = r.byte(); err != nil {
		return nil, err
	}
	e.Operation = Operation(op)
	if e.Key, err = r.str(); err != nil {
		return nil, err
	}
	if e.MetaPath, err = r.str(); err != nil {
		return nil, err
	}
	if e.DataPath, err = r.str(); err != nil {
		return nil, err
	}
	if e.MetaBytes, err = r.bytes(); err != nil {
		return nil, err
	}
	if e.DataBytes, err = r.bytes(); err != nil {
		return nil, err
	}
	return e, nil
}

// reader is a minimal cursor over a byte slice for WAL field decoding.
type reader struct {
	buf []byte
	pos int
}

func errShort() error {
	return cueerrors.New(cueerrors.CodeSerialization, "wal entry field truncated").
		WithComponent("storage").WithOperation("wal_decode")
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, errShort()
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, errShort()
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) bytes() ([]byte, error) {
	if r.pos+4 > len(r.buf) {
		return nil, errShort()
	}
	n := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	if int(n) > MaxEntrySize || r.pos+int(n) > len(r.buf) {
		return nil, errShort()
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

// WAL is the append-only write-ahead log backing crash recovery. Appends
// are serialized by a single mutex.
type WAL struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	size     int64
	maxBytes int64
	sequence uint64
	log      *zap.Logger
}

func openWAL(path string, maxBytes int64, log *zap.Logger) (*WAL, error) {
	if maxBytes <= 0 {
		maxBytes = MaxEntrySize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, cueerrors.Wrap(cueerrors.CodeIO, err, "creating wal directory").
			WithComponent("storage").WithOperation("open_wal")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cueerrors.Wrap(cueerrors.CodeIO, err, "opening wal file").
			WithComponent("storage").WithOperation("open_wal").
			WithHint(cueerrors.HintCheckPermissions)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, cueerrors.Wrap(cueerrors.CodeIO, err, "statting wal file").
			WithComponent("storage").WithOperation("open_wal")
	}

	return &WAL{
		path:     path,
		file:     f,
		writer:   bufio.NewWriter(f),
		size:     stat.Size(),
		maxBytes: maxBytes,
		log:      log,
	}, nil
}

// Append writes entry durably to the log, rotating first once the log's
// size has reached maxBytes.
func (w *WAL) Append(entry WalEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size >= w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	w.sequence++
	entry.Sequence = w.sequence
	entry.Timestamp = time.Now().Unix()
	frame := entry.encode()

	n, err := w.writer.Write(frame)
	if err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "appending wal entry").
			WithComponent("storage").WithOperation("wal_append")
	}
	if err := w.writer.Flush(); err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "flushing wal entry").
			WithComponent("storage").WithOperation("wal_append")
	}
	if err := w.file.Sync(); err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "syncing wal entry").
			WithComponent("storage").WithOperation("wal_append")
	}
	w.size += int64(n)
	return nil
}

// rotateLocked renames the current log to a timestamped backup and starts a
// fresh log with a leading Checkpoint record. Caller must hold w.mu.
func (w *WAL) rotateLocked() error {
	if err := w.writer.Flush(); err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "flushing wal before rotation").
			WithComponent("storage").WithOperation("wal_rotate")
	}
	if err := w.file.Close(); err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "closing wal before rotation").
			WithComponent("storage").WithOperation("wal_rotate")
	}

	backup := fmt.Sprintf("%s.%d", w.path, time.Now().Unix())
	if err := os.Rename(w.path, backup); err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "renaming wal for rotation").
			WithComponent("storage").WithOperation("wal_rotate")
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "opening new wal after rotation").
			WithComponent("storage").WithOperation("wal_rotate")
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.size = 0

	w.sequence++
	checkpoint := WalEntry{Operation: OpCheckpoint, Sequence: w.sequence, Timestamp: time.Now().Unix()}
	frame := checkpoint.encode()
	n, err := w.writer.Write(frame)
	if err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "writing checkpoint record").
			WithComponent("storage").WithOperation("wal_rotate")
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	w.size += int64(n)
	return nil
}

// ReadAll replays every entry in the current log in append order,
// stopping at the first CRC mismatch or deserialization failure. Lengths
// above MaxEntrySize truncate replay at the last valid entry.
func (w *WAL) ReadAll() ([]WalEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return nil, cueerrors.Wrap(cueerrors.CodeIO, err, "flushing wal before replay").
			WithComponent("storage").WithOperation("wal_replay")
	}

	f, err := os.Open(w.path)
	if err != nil {
		return nil, cueerrors.Wrap(cueerrors.CodeIO, err, "opening wal for replay").
			WithComponent("storage").WithOperation("wal_replay")
	}
	defer func() { _ = f.Close() }()

	var entries []WalEntry
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			w.log.Warn("wal replay stopped: truncated length prefix", zap.Error(err))
			break
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > MaxEntrySize {
			w.log.Warn("wal replay stopped: entry exceeds max size", zap.Uint32("length", n))
			break
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(f, body); err != nil {
			w.log.Warn("wal replay stopped: truncated entry body", zap.Error(err))
			break
		}

		entry, err := decodeWalEntry(body)
		if err != nil {
			w.log.Warn("wal replay stopped: entry decode failed", zap.Error(err))
			break
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Close flushes and closes the underlying log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
