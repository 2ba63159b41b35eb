package cappeddb

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// File header layout. All integers are big endian.
const (
	HeaderSize = 64

	magic           = "RSCAPPED"
	headerVersion   = 2
	versionOffset   = 8
	cursorOffset    = 16
	baseOffset      = 24
	capacityOffset  = 32
	highWaterOffset = 40
)

// Block header layout: compressed length, then xxhash64 of the compressed bytes
const (
	BlockHeaderSize = 16
	blockHashOffset = 8
)

var (
	ErrTooShort = errors.New("file too short to contain a header")
	ErrMagic    = errors.New("not a capped database file")
	ErrVersion  = errors.New("unsupported capped database version")
)

// fileHeader is the persisted state of the database
type fileHeader struct {
	Cursor    int64 // next block ID
	Base      int64 // IDs below this are invalid since the last resize
	Capacity  int64 // size of the data region
	HighWater int64 // highest position ever written, including failed blocks
}

func (h fileHeader) Bytes() []byte {
	b := make([]byte, HeaderSize)
	copy(b, magic)
	binary.BigEndian.PutUint64(b[versionOffset:], headerVersion)
	binary.BigEndian.PutUint64(b[cursorOffset:], uint64(h.Cursor))
	binary.BigEndian.PutUint64(b[baseOffset:], uint64(h.Base))
	binary.BigEndian.PutUint64(b[capacityOffset:], uint64(h.Capacity))
	binary.BigEndian.PutUint64(b[highWaterOffset:], uint64(h.HighWater))
	return b
}

func parseHeader(b []byte) (h fileHeader, err error) {
	if len(b) < HeaderSize {
		return h, ErrTooShort
	}
	if string(b[:len(magic)]) != magic {
		return h, ErrMagic
	}
	if v := binary.BigEndian.Uint64(b[versionOffset:]); v != headerVersion {
		return h, errors.Wrapf(ErrVersion, "version %d", v)
	}
	h = fileHeader{
		Cursor:    int64(binary.BigEndian.Uint64(b[cursorOffset:])),
		Base:      int64(binary.BigEndian.Uint64(b[baseOffset:])),
		Capacity:  int64(binary.BigEndian.Uint64(b[capacityOffset:])),
		HighWater: int64(binary.BigEndian.Uint64(b[highWaterOffset:])),
	}
	if h.Cursor < 0 || h.Base < 0 || h.Base > h.Cursor || h.HighWater < h.Cursor || h.Capacity <= 0 {
		return h, errors.Errorf("inconsistent header: %+v", h)
	}
	return h, nil
}

func blockHeader(length int64, hash uint64) []byte {
	b := make([]byte, BlockHeaderSize)
	binary.BigEndian.PutUint64(b, uint64(length))
	binary.BigEndian.PutUint64(b[blockHashOffset:], hash)
	return b
}

// isZero reports if b only holds zero bytes, like a file that was sized
// before its header was written.
func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func parseBlockHeader(b []byte) (length int64, hash uint64) {
	return int64(binary.BigEndian.Uint64(b)), binary.BigEndian.Uint64(b[blockHashOffset:])
}
