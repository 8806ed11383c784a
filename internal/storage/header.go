// Package storage implements the binary on-disk cache format: a fixed
// header, CRC32C checksums, optional zstd compression, atomic writes, and a
// write-ahead log for crash recovery.
package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// Magic is the 4-byte identifier that prefixes every storage file
// (0x43554556, ASCII "CUEV").
var Magic = [4]byte{'C', 'U', 'E', 'V'}

// CurrentVersion is the storage format version this package writes.
// Readers accept any version <= CurrentVersion.
const CurrentVersion uint16 = 2

// Flag bits within StorageHeader.Flags.
const (
	FlagCompressed uint16 = 1 << 0
	FlagEncrypted  uint16 = 1 << 1 // reserved, never set by this package
)

// HeaderSize is the fixed, byte-exact size of an encoded StorageHeader:
// magic(4) + version(2) + flags(2) + headerCRC(4) + timestamp(8) +
// uncompressedSize(8) + compressedSize(8) + dataCRC(4) + reserved(16).
const HeaderSize = 4 + 2 + 2 + 4 + 8 + 8 + 8 + 4 + 16

// castagnoliTable is the CRC32C polynomial table used throughout this
// package.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumCastagnoli computes the CRC32C checksum of data.
func ChecksumCastagnoli(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// StorageHeader is the fixed-layout binary structure that prefixes every
// cache file (metadata or data).
type StorageHeader struct {
	Magic            [4]byte
	Version          uint16
	Flags            uint16
	HeaderCRC        uint32
	Timestamp        int64
	UncompressedSize uint64
	CompressedSize   uint64
	DataCRC          uint32
	Reserved         [16]byte
}

// Compressed reports whether FlagCompressed is set.
func (h *StorageHeader) Compressed() bool {
	return h.Flags&FlagCompressed != 0
}

// Encode serializes h into its fixed HeaderSize-byte on-disk form, computing
// HeaderCRC over the encoding with that field zeroed.
func (h *StorageHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	encodeInto(buf, h, 0)

	crc := ChecksumCastagnoli(buf)
	h.HeaderCRC = crc
	encodeInto(buf, h, crc)
	return buf
}

// encodeInto writes h's fields into buf, substituting headerCRC for the
// HeaderCRC field so the caller can first compute it over a zeroed copy.
func encodeInto(buf []byte, h *StorageHeader, headerCRC uint32) {
	off := 0
	copy(buf[off:off+4], h.Magic[:])
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], h.Version)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.Flags)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], headerCRC)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.Timestamp))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.UncompressedSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.CompressedSize)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.DataCRC)
	off += 4
	copy(buf[off:off+16], h.Reserved[:])
}

// DecodeHeader parses a StorageHeader from the first HeaderSize bytes of
// buf, validating magic, version, and the header CRC.
func DecodeHeader(buf []byte) (*StorageHeader, error) {
	if len(buf) < HeaderSize {
		return nil, cueerrors.New(cueerrors.CodeCorruption, "truncated header").
			WithComponent("storage").
			WithOperation("decode_header")
	}

	h := &StorageHeader{}
	off := 0
	copy(h.Magic[:], buf[off:off+4])
	off += 4
	h.Version = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.Flags = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.HeaderCRC = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.UncompressedSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.CompressedSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.DataCRC = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	copy(h.Reserved[:], buf[off:off+16])

	if h.Magic != Magic {
		return nil, cueerrors.New(cueerrors.CodeCorruption, "magic number mismatch").
			WithComponent("storage").WithOperation("decode_header")
	}
	if h.Version > CurrentVersion {
		return nil, cueerrors.New(cueerrors.CodeVersionMismatch, "storage version newer than supported").
			WithComponent("storage").WithOperation("decode_header").
			WithDetail("version", h.Version).WithDetail("current_version", CurrentVersion)
	}

	check := make([]byte, HeaderSize)
	encodeInto(check, h, 0)
	if ChecksumCastagnoli(check) != h.HeaderCRC {
		return nil, cueerrors.New(cueerrors.CodeCorruption, "header checksum mismatch").
			WithComponent("storage").WithOperation("decode_header")
	}
	if !h.Compressed() && h.CompressedSize != h.UncompressedSize {
		return nil, cueerrors.New(cueerrors.CodeCorruption, "uncompressed size mismatch").
			WithComponent("storage").WithOperation("decode_header")
	}

	return h, nil
}
