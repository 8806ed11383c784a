package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/cuenv/cuenv/internal/metrics"
	"github.com/cuenv/cuenv/pkg/cueerrors"
	"github.com/cuenv/cuenv/pkg/retry"
)

// Config controls the backend's compression and concurrency behavior.
type Config struct {
	CompressionEnabled bool          `yaml:"compression_enabled"`
	ChecksumsEnabled   bool          `yaml:"checksums_enabled"`
	MinCompressSize    int           `yaml:"min_compress_size"`
	CompressionLevel   int           `yaml:"compression_level"`
	MaxInFlightIO      int           `yaml:"max_in_flight_io"`
	IOAcquireTimeout   time.Duration `yaml:"io_acquire_timeout"`
	FsyncOnWrite       bool          `yaml:"fsync_on_write"`
	WALMaxBytes        int64         `yaml:"wal_max_bytes"`
}

// DefaultConfig returns zstd level 3, 1024-byte minimum compress size,
// 100 in-flight filesystem operations, and a 10 MiB WAL rotation
// threshold.
func DefaultConfig() Config {
	return Config{
		CompressionEnabled: true,
		ChecksumsEnabled:   true,
		MinCompressSize:    1024,
		CompressionLevel:   3,
		MaxInFlightIO:      100,
		IOAcquireTimeout:   5 * time.Second,
		FsyncOnWrite:       true,
		WALMaxBytes:        10 * 1024 * 1024,
	}
}

// Backend is the on-disk storage layer: binary format, compression, CRC,
// WAL-backed atomic writes.
type Backend struct {
	root    string
	cfg     Config
	log     *zap.Logger
	ioSem   chan struct{}
	wal     *WAL
	encLvl  zstd.EncoderLevel
	retryer *retry.Retryer
	metrics *metrics.Collector
}

// SetMetrics attaches a collector that records a WAL append counter.
func (b *Backend) SetMetrics(m *metrics.Collector) {
	b.metrics = m
}

func (b *Backend) recordWalAppend(start time.Time, size int, err error) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordOperation("wal_append", time.Since(start), int64(size), err == nil)
}

// New constructs a Backend rooted at root, replaying any existing WAL
// before returning.
func New(root string, cfg Config, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxInFlightIO <= 0 {
		cfg.MaxInFlightIO = 100
	}
	if cfg.IOAcquireTimeout <= 0 {
		cfg.IOAcquireTimeout = 5 * time.Second
	}

	for _, dir := range []string{
		root,
		filepath.Join(root, "entries"),
		filepath.Join(root, "wal"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cueerrors.Wrap(cueerrors.CodeIO, err, "creating storage directory").
				WithComponent("storage").WithOperation("new").WithDetail("dir", dir)
		}
	}

	wal, err := openWAL(filepath.Join(root, "wal", "wal.log"), cfg.WALMaxBytes, log)
	if err != nil {
		return nil, err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 3
	retryCfg.InitialDelay = 20 * time.Millisecond

	b := &Backend{
		root:    root,
		cfg:     cfg,
		log:     log,
		ioSem:   make(chan struct{}, cfg.MaxInFlightIO),
		wal:     wal,
		encLvl:  zstd.EncoderLevelFromZstd(cfg.CompressionLevel),
		retryer: retry.New(retryCfg),
	}

	b.recover()
	return b, nil
}

// Close flushes and closes the WAL.
func (b *Backend) Close() error {
	return b.wal.Close()
}

// Root returns the storage root directory.
func (b *Backend) Root() string { return b.root }

// acquireIO takes a slot on the in-flight I/O semaphore, failing with
// Timeout rather than queueing indefinitely behind a saturated disk.
func (b *Backend) acquireIO() (func(), error) {
	select {
	case b.ioSem <- struct{}{}:
		return func() { <-b.ioSem }, nil
	case <-time.After(b.cfg.IOAcquireTimeout):
		return nil, cueerrors.New(cueerrors.CodeTimeout, "i/o semaphore acquisition timed out").
			WithComponent("storage").WithOperation("acquire_io").
			WithDetail("timeout", b.cfg.IOAcquireTimeout.String())
	}
}

// Write serializes a header and payload to path, compressing when enabled
// and the input is at least MinCompressSize bytes, and writes atomically
// via a temp sibling file plus rename.
func (b *Backend) Write(path string, data []byte) error {
	release, err := b.acquireIO()
	if err != nil {
		return err
	}
	defer release()

	payload := data
	flags := uint16(0)
	if b.cfg.CompressionEnabled && len(data) >= b.cfg.MinCompressSize {
		compressed, err := b.compress(data)
		if err != nil {
			return cueerrors.Wrap(cueerrors.CodeCompression, err, "zstd compression failed").
				WithComponent("storage").WithOperation("write").WithDetail("path", path)
		}
		payload = compressed
		flags |= FlagCompressed
	}

	header := &StorageHeader{
		Magic:            Magic,
		Version:          CurrentVersion,
		Flags:            flags,
		Timestamp:        time.Now().Unix(),
		UncompressedSize: uint64(len(data)),
		CompressedSize:   uint64(len(payload)),
		DataCRC:          ChecksumCastagnoli(payload),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "creating parent directory").
			WithComponent("storage").WithOperation("write").WithDetail("path", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "creating temp file").
			WithComponent("storage").WithOperation("write").WithDetail("path", path).
			WithHint(cueerrors.HintCheckPermissions)
	}
	tmpName := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(header.Encode()); err != nil {
		_ = tmp.Close()
		return cueerrors.Wrap(cueerrors.CodeIO, err, "writing header").
			WithComponent("storage").WithOperation("write").WithDetail("path", path)
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return cueerrors.Wrap(cueerrors.CodeIO, err, "writing payload").
			WithComponent("storage").WithOperation("write").WithDetail("path", path)
	}

	if b.cfg.FsyncOnWrite {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return cueerrors.Wrap(cueerrors.CodeIO, err, "fsyncing temp file").
				WithComponent("storage").WithOperation("write").WithDetail("path", path)
		}
	}
	if err := tmp.Close(); err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "closing temp file").
			WithComponent("storage").WithOperation("write").WithDetail("path", path)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return cueerrors.Wrap(cueerrors.CodeIO, err, "renaming temp file into place").
			WithComponent("storage").WithOperation("write").WithDetail("path", path)
	}
	succeeded = true
	return nil
}

// Read reads path, validates its header, verifies the payload CRC, and
// returns decompressed bytes.
func (b *Backend) Read(path string) ([]byte, error) {
	release, err := b.acquireIO()
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cueerrors.Wrap(cueerrors.CodeIO, err, "file does not exist").
				WithComponent("storage").WithOperation("read").WithDetail("path", path)
		}
		return nil, cueerrors.Wrap(cueerrors.CodeIO, err, "reading file").
			WithComponent("storage").WithOperation("read").WithDetail("path", path)
	}

	header, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}

	payload := raw[HeaderSize:]
	if uint64(len(payload)) != header.CompressedSize {
		return nil, cueerrors.New(cueerrors.CodeCorruption, "payload length mismatch").
			WithComponent("storage").WithOperation("read").WithDetail("path", path)
	}
	if ChecksumCastagnoli(payload) != header.DataCRC {
		return nil, cueerrors.New(cueerrors.CodeCorruption, "payload checksum mismatch").
			WithComponent("storage").WithOperation("read").WithDetail("path", path).
			WithHint(cueerrors.HintClearAndRetry)
	}

	if !header.Compressed() {
		return payload, nil
	}

	decompressed, err := b.decompress(payload, int(header.UncompressedSize))
	if err != nil {
		return nil, cueerrors.Wrap(cueerrors.CodeCorruption, err, "zstd decompression failed").
			WithComponent("storage").WithOperation("read").WithDetail("path", path)
	}
	return decompressed, nil
}

func (b *Backend) compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(b.encLvl))
	if err != nil {
		return nil, err
	}
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (b *Backend) decompress(data []byte, sizeHint int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, make([]byte, 0, sizeHint))
}

// WriteCacheEntry durably stores metadata and data for key: it appends a
// Write record to the WAL, then writes metadata then data. On data-write
// failure it best-effort removes the metadata file.
func (b *Backend) WriteCacheEntry(key, metadataPath, dataPath string, metadata, data []byte) error {
	entry := WalEntry{
		Operation: OpWrite,
		Key:       key,
		MetaPath:  metadataPath,
		DataPath:  dataPath,
		MetaBytes: metadata,
		DataBytes: data,
	}
	start := time.Now()
	err := b.retryer.Do(func() error { return b.wal.Append(entry) })
	b.recordWalAppend(start, len(metadata)+len(data), err)
	if err != nil {
		return err
	}

	if err := b.retryer.Do(func() error { return b.Write(metadataPath, metadata) }); err != nil {
		return err
	}
	if err := b.retryer.Do(func() error { return b.Write(dataPath, data) }); err != nil {
		_ = os.Remove(metadataPath)
		return err
	}
	return nil
}

// RemoveCacheEntry appends a Remove record to the WAL, then best-effort
// unlinks both files. The WAL append itself is retried: a momentarily
// unavailable store should not abandon a pending eviction.
func (b *Backend) RemoveCacheEntry(key, metadataPath, dataPath string) error {
	entry := WalEntry{
		Operation: OpRemove,
		Key:       key,
		MetaPath:  metadataPath,
		DataPath:  dataPath,
	}
	start := time.Now()
	err := b.retryer.Do(func() error { return b.wal.Append(entry) })
	b.recordWalAppend(start, 0, err)
	if err != nil {
		return err
	}
	_ = os.Remove(metadataPath)
	_ = os.Remove(dataPath)
	return nil
}

// LogClear appends a Clear record to the WAL before a bulk clear begins,
// so a replay after a crash mid-clear sees the intent on record.
func (b *Backend) LogClear() error {
	start := time.Now()
	err := b.wal.Append(WalEntry{Operation: OpClear})
	b.recordWalAppend(start, 0, err)
	return err
}

// Transaction groups multiple cache-entry mutations so that all of their WAL
// records are durable before any are applied to the filesystem.
type Transaction struct {
	backend *Backend
	ops     []txOp
}

type txOp struct {
	entry WalEntry
	apply func() error
}

// BeginTransaction starts a new Transaction.
func (b *Backend) BeginTransaction() *Transaction {
	return &Transaction{backend: b}
}

// AddWrite queues a cache-entry write within the transaction.
func (t *Transaction) AddWrite(key, metadataPath, dataPath string, metadata, data []byte) {
	t.ops = append(t.ops, txOp{
		entry: WalEntry{Operation: OpWrite, Key: key, MetaPath: metadataPath, DataPath: dataPath, MetaBytes: metadata, DataBytes: data},
		apply: func() error {
			if err := t.backend.Write(metadataPath, metadata); err != nil {
				return err
			}
			if err := t.backend.Write(dataPath, data); err != nil {
				_ = os.Remove(metadataPath)
				return err
			}
			return nil
		},
	})
}

// AddRemove queues a cache-entry removal within the transaction.
func (t *Transaction) AddRemove(key, metadataPath, dataPath string) {
	t.ops = append(t.ops, txOp{
		entry: WalEntry{Operation: OpRemove, Key: key, MetaPath: metadataPath, DataPath: dataPath},
		apply: func() error {
			_ = os.Remove(metadataPath)
			_ = os.Remove(dataPath)
			return nil
		},
	})
}

// Commit durably appends every queued operation's WAL record, then applies
// them in order.
func (t *Transaction) Commit() error {
	for _, op := range t.ops {
		if err := t.backend.wal.Append(op.entry); err != nil {
			return err
		}
	}
	for _, op := range t.ops {
		if err := op.apply(); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards queued operations without touching the WAL or
// filesystem.
func (t *Transaction) Rollback() {
	t.ops = nil
}

// recover replays the WAL: a Write operation is applied by direct file
// write (bypassing the WAL to avoid feedback) only when its data file is
// missing; a Write whose data file exists is skipped and its files are
// left as they are. Remove is a best-effort unlink, Clear and Checkpoint
// are no-ops. It continues past individual failures, logging each.
func (b *Backend) recover() {
	entries, err := b.wal.ReadAll()
	if err != nil {
		b.log.Warn("wal replay aborted", zap.Error(err))
		return
	}

	for _, e := range entries {
		switch e.Operation {
		case OpWrite:
			if _, err := os.Stat(e.DataPath); err == nil {
				continue
			}
			if len(e.MetaBytes) > 0 {
				if err := b.Write(e.MetaPath, e.MetaBytes); err != nil {
					b.log.Warn("wal recovery: failed to rewrite metadata file",
						zap.String("key", e.Key), zap.Error(err))
				}
			}
			if len(e.DataBytes) > 0 {
				if err := b.Write(e.DataPath, e.DataBytes); err != nil {
					b.log.Warn("wal recovery: failed to rewrite data file",
						zap.String("key", e.Key), zap.Error(err))
				}
			}
		case OpRemove:
			_ = os.Remove(e.MetaPath)
			_ = os.Remove(e.DataPath)
		case OpClear, OpCheckpoint:
			// no-op
		}
	}
}

var _ io.Closer = (*Backend)(nil)

func (b *Backend) String() string {
	return fmt.Sprintf("storage.Backend{root=%s}", b.root)
}
