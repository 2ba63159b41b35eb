// Package cappeddb implements a fixed size file used as a circular log for
// large payloads. Every block is addressed by the write cursor position at
// which it was started. Old blocks are never deleted, they expire when the
// cursor wraps around and overwrites them.
package cappeddb

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/ringstat/ringstat/utils"
)

const (
	DefaultSize = 100 * datasize.MB
	MinSize     = 1 * datasize.KB

	// readChunkSize limits how much is read between overwrite checks
	readChunkSize = 32 * 1024

	fileMode = 0o644
)

var (
	ErrClosed            = errors.New("capped database is closed")
	ErrReadOnly          = errors.New("capped database is read-only")
	ErrRolledOverMidRead = errors.New("block was overwritten while reading")
	ErrCorruptBlock      = errors.New("corrupt block")
	ErrBlockTooLarge     = errors.New("block does not fit in the capped database")
)

// Options configure a DB
type Options struct {
	Size datasize.ByteSize

	// ExitHook closes the DB when the process exits through logrus.Exit
	// or logrus.Fatal.
	ExitHook bool

	// SignalHook closes the DB on SIGINT or SIGTERM, then delivers the
	// signal again. Only use it when nothing else handles these signals.
	SignalHook bool

	// ReadOnly opens an existing file without ever writing to it. Size is
	// ignored, the capacity comes from the file. Positions are read once,
	// blocks written later by another process count as expired.
	ReadOnly bool
}

// DB is a capped database. All methods are safe for concurrent use.
type DB struct {
	path string
	l    logrus.FieldLogger

	// closing is set before writeMu is taken, so queued writers give up
	closing atomic.Bool

	// writeMu serializes writers, one block at a time
	writeMu utils.MonitoredMutex
	s2w     *s2.Writer

	// stateMu guards the file handles and positions. Writers hold it
	// exclusively for every physical write, readers share it for every
	// physical read together with their overwrite check.
	stateMu   sync.RWMutex
	writeFile *os.File
	readFile  *os.File
	closed    bool
	readOnly  bool
	cursor    int64 // committed write position, next block ID
	highWater int64 // highest position a write has touched
	base      int64 // IDs below this are invalid
	capacity  int64

	statsMu sync.Mutex
	stats   map[string]*Stats

	stopSignals func()
}

// Open opens or creates the capped database at path. If the file exists
// with a different size, it is resized, which invalidates all blocks.
func Open(path string, opt Options, l logrus.FieldLogger) (*DB, error) {
	if opt.ReadOnly {
		return openReadOnly(path, l)
	}
	if opt.Size == 0 {
		opt.Size = DefaultSize
	}
	if opt.Size < MinSize {
		return nil, errors.Errorf("capped database size %s is below the minimum of %s",
			opt.Size.HR(), MinSize.HR())
	}
	l = l.WithField("component", "cappeddb").WithField("path", path)

	wf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, fileMode)
	if err != nil {
		return nil, errors.Wrap(err, "open capped database")
	}
	db := &DB{
		path:      path,
		l:         l,
		writeFile: wf,
		stats:     make(map[string]*Stats),
	}
	db.writeMu.Logger = l
	db.writeMu.Name = "cappeddb_write"

	if err := db.load(int64(opt.Size.Bytes())); err != nil {
		_ = wf.Close()
		return nil, err
	}
	if db.readFile, err = os.Open(path); err != nil {
		_ = wf.Close()
		return nil, errors.Wrap(err, "open capped database for reading")
	}

	if opt.ExitHook {
		logrus.RegisterExitHandler(db.exitHook)
	}
	if opt.SignalHook {
		db.stopSignals = db.handleSignals()
	}
	db.updateGauges()
	l.WithFields(logrus.Fields{
		"capacity": datasize.ByteSize(db.capacity).HR(),
		"cursor":   db.cursor,
	}).Info("Opened capped database")
	return db, nil
}

func openReadOnly(path string, l logrus.FieldLogger) (*DB, error) {
	l = l.WithField("component", "cappeddb").WithField("path", path)
	rf, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open capped database")
	}
	h, err := readHeader(rf)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}
	db := &DB{
		path:      path,
		l:         l,
		readFile:  rf,
		readOnly:  true,
		cursor:    h.Cursor,
		highWater: h.HighWater,
		base:      h.Base,
		capacity:  h.Capacity,
		stats:     make(map[string]*Stats),
	}
	l.WithFields(logrus.Fields{
		"capacity": datasize.ByteSize(db.capacity).HR(),
		"cursor":   db.cursor,
	}).Debug("Opened capped database read-only")
	return db, nil
}

func readHeader(f *os.File) (fileHeader, error) {
	hb := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hb, 0); err != nil {
		return fileHeader{}, errors.Wrap(err, "read capped database header")
	}
	h, err := parseHeader(hb)
	if err != nil {
		return fileHeader{}, errors.Wrap(err, "parse capped database header")
	}
	return h, nil
}

// load reads the header, or initializes a new file
func (db *DB) load(capacity int64) error {
	st, err := db.writeFile.Stat()
	if err != nil {
		return errors.Wrap(err, "stat capped database")
	}
	hb := make([]byte, min(st.Size(), HeaderSize))
	if _, err := db.writeFile.ReadAt(hb, 0); err != nil {
		return errors.Wrap(err, "read capped database header")
	}
	if isZero(hb) {
		// New, or sized without a header before a crash
		return db.initialize(capacity)
	}

	h, err := parseHeader(hb)
	if err != nil {
		return errors.Wrap(err, "parse capped database header")
	}
	db.cursor = h.Cursor
	db.highWater = h.HighWater
	db.base = h.Base
	db.capacity = h.Capacity
	if st.Size() < HeaderSize+h.Capacity {
		// Partially written file, restore the full size
		if err := db.writeFile.Truncate(HeaderSize + h.Capacity); err != nil {
			return errors.Wrap(err, "size capped database")
		}
	}
	if h.Capacity != capacity {
		db.l.WithFields(logrus.Fields{
			"from": datasize.ByteSize(h.Capacity).HR(),
			"to":   datasize.ByteSize(capacity).HR(),
		}).Info("Configured size changed, resizing")
		return db.resize(capacity)
	}
	return nil
}

// initialize sets up an empty database. The header goes first, so that a
// crash leaves a file that load can complete.
func (db *DB) initialize(capacity int64) error {
	db.capacity = capacity
	db.cursor, db.base, db.highWater = 0, 0, 0
	if err := db.writeHeader(); err != nil {
		return err
	}
	if err := db.writeFile.Truncate(HeaderSize + capacity); err != nil {
		return errors.Wrap(err, "size capped database")
	}
	return nil
}

// writeHeader persists the positions. Callers hold stateMu or have
// exclusive access.
func (db *DB) writeHeader() error {
	h := fileHeader{Cursor: db.cursor, Base: db.base, Capacity: db.capacity, HighWater: db.highWater}
	if _, err := db.writeFile.WriteAt(h.Bytes(), 0); err != nil {
		return errors.Wrap(err, "write capped database header")
	}
	return nil
}

// smallestNonExpired must be called with stateMu held
func (db *DB) smallestNonExpired() int64 {
	return max(db.base, db.highWater-db.capacity)
}

// expired must be called with stateMu held
func (db *DB) expired(id int64) bool {
	return id < db.smallestNonExpired() || id >= db.cursor
}

// IsExpired reports if a block can no longer be read. IDs that were never
// written count as expired.
func (db *DB) IsExpired(id int64) bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.expired(id)
}

// SmallestNonExpiredID returns the lowest ID that can still be valid
func (db *DB) SmallestNonExpiredID() int64 {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.smallestNonExpired()
}

// Cursor returns the ID the next block will get
func (db *DB) Cursor() int64 {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.cursor
}

// Capacity returns the size of the data region in bytes
func (db *DB) Capacity() int64 {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.capacity
}

// Path returns the file path
func (db *DB) Path() string {
	return db.path
}

// physical splits a logical range into at most two file ranges.
// Must be called with stateMu held.
func (db *DB) physical(pos int64, n int) (off1 int64, n1 int, off2 int64) {
	rel := pos % db.capacity
	n1 = n
	if room := db.capacity - rel; int64(n) > room {
		n1 = int(room)
	}
	return HeaderSize + rel, n1, HeaderSize
}

// writeAt writes p at logical position pos. The high water mark is
// advanced and persisted first, so that the overwritten range stays expired
// for readers and after a reopen, even if the block is never completed.
func (db *DB) writeAt(p []byte, pos int64) error {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if end := pos + int64(len(p)); end > db.highWater {
		db.highWater = end
		if err := db.writeHeader(); err != nil {
			return err
		}
	}
	off1, n1, off2 := db.physical(pos, len(p))
	if _, err := db.writeFile.WriteAt(p[:n1], off1); err != nil {
		return errors.Wrap(err, "write capped database")
	}
	if n1 < len(p) {
		if _, err := db.writeFile.WriteAt(p[n1:], off2); err != nil {
			return errors.Wrap(err, "write capped database")
		}
	}
	return nil
}

// readAt reads p from logical position pos of block id. It returns
// errOverwritten if the block expired before the read.
func (db *DB) readAt(p []byte, pos, id int64) error {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	if db.expired(id) {
		return errOverwritten
	}
	off1, n1, off2 := db.physical(pos, len(p))
	if _, err := db.readFile.ReadAt(p[:n1], off1); err != nil {
		return errors.Wrap(err, "read capped database")
	}
	if n1 < len(p) {
		if _, err := db.readFile.ReadAt(p[n1:], off2); err != nil {
			return errors.Wrap(err, "read capped database")
		}
	}
	return nil
}

var errOverwritten = errors.New("overwritten")

// Write writes one block of the given payload type. The payload is
// streamed by fn and compressed on the fly. It returns the block ID, or
// -1 without error if the database is closing. On error the ID is -1 too.
func (db *DB) Write(typ string, fn func(w io.Writer) error) (int64, error) {
	if db.readOnly {
		return -1, ErrReadOnly
	}
	if db.closing.Load() {
		return -1, nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if db.closing.Load() {
		return -1, nil
	}

	t0 := time.Now()
	db.stateMu.RLock()
	id := db.cursor
	capacity := db.capacity
	db.stateMu.RUnlock()

	bw := &blockWriter{
		db:       db,
		id:       id,
		pos:      id + BlockHeaderSize,
		capacity: capacity,
		hash:     xxhash.New(),
	}
	if db.s2w == nil {
		db.s2w = s2.NewWriter(bw, s2.WriterConcurrency(1))
	} else {
		db.s2w.Reset(bw)
	}
	cw := &countingWriter{w: db.s2w}
	if err := fn(cw); err != nil {
		db.s2w = nil
		return -1, errors.Wrap(err, "write payload")
	}
	if err := db.s2w.Close(); err != nil {
		db.s2w = nil
		return -1, errors.Wrap(err, "compress payload")
	}

	length := bw.pos - id - BlockHeaderSize
	if err := db.writeAt(blockHeader(length, bw.hash.Sum64()), id); err != nil {
		return -1, err
	}

	db.stateMu.Lock()
	db.cursor = bw.pos
	err := db.writeHeader()
	cursor := db.cursor
	db.stateMu.Unlock()
	if err != nil {
		return -1, err
	}

	dt := time.Since(t0)
	db.addStats(typ, cw.n, bw.pos-id, dt)
	metricCursor.Set(float64(cursor))
	return id, nil
}

// WriteBytes writes data as one block
func (db *DB) WriteBytes(typ string, data []byte) (int64, error) {
	return db.Write(typ, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Read returns the payload of block id, or the expired value if the block
// has been overwritten or never existed.
func (db *DB) Read(id int64, expired []byte) ([]byte, error) {
	var buf bytes.Buffer
	isExpired, err := db.ReadTo(id, &buf)
	if err != nil {
		return nil, err
	}
	if isExpired {
		return expired, nil
	}
	return buf.Bytes(), nil
}

// ReadTo writes the payload of block id to w. The compressed block is
// verified before anything is written to w. If the block is expired,
// nothing is written and expired is true.
func (db *DB) ReadTo(id int64, w io.Writer) (expired bool, err error) {
	hb := make([]byte, BlockHeaderSize)
	if err := db.readAt(hb, id, id); err != nil {
		if err == errOverwritten {
			metricReads.WithLabelValues("expired").Inc()
			return true, nil
		}
		return false, err
	}
	length, hash := parseBlockHeader(hb)
	if length < 0 || length > db.Capacity()-BlockHeaderSize {
		metricReads.WithLabelValues("corrupt").Inc()
		return false, errors.Wrapf(ErrCorruptBlock, "block %d: invalid length %d", id, length)
	}

	br := &blockReader{db: db, id: id, pos: id + BlockHeaderSize, end: id + BlockHeaderSize + length}
	compressed := make([]byte, length)
	if _, err := io.ReadFull(br, compressed); err != nil {
		if err == errOverwritten {
			metricReads.WithLabelValues("rolled_over").Inc()
			return false, errors.Wrapf(ErrRolledOverMidRead, "block %d", id)
		}
		return false, err
	}
	if xxhash.Sum64(compressed) != hash {
		if db.IsExpired(id) {
			metricReads.WithLabelValues("rolled_over").Inc()
			return false, errors.Wrapf(ErrRolledOverMidRead, "block %d", id)
		}
		metricReads.WithLabelValues("corrupt").Inc()
		return false, errors.Wrapf(ErrCorruptBlock, "block %d: checksum mismatch", id)
	}

	r := s2.NewReader(bytes.NewReader(compressed))
	if _, err := io.Copy(w, r); err != nil {
		metricReads.WithLabelValues("corrupt").Inc()
		return false, errors.Wrapf(ErrCorruptBlock, "block %d: %v", id, err)
	}
	metricReads.WithLabelValues("ok").Inc()
	return false, nil
}

// Resize changes the capacity. This invalidates all existing blocks,
// because their physical positions depend on the capacity.
func (db *DB) Resize(size datasize.ByteSize) error {
	if size < MinSize {
		return errors.Errorf("capped database size %s is below the minimum of %s",
			size.HR(), MinSize.HR())
	}
	if db.readOnly {
		return ErrReadOnly
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if db.closed {
		return ErrClosed
	}

	// Readers must not use the old handle with the new layout
	if err := db.readFile.Close(); err != nil {
		db.l.WithError(err).Warn("Error closing read handle")
	}
	err := db.resize(int64(size.Bytes()))
	rf, openErr := os.Open(db.path)
	if openErr != nil {
		// Without a read handle the database is unusable
		db.closed = true
		_ = db.writeFile.Close()
		return multierror.Append(err, errors.Wrap(openErr, "reopen capped database"))
	}
	db.readFile = rf
	if err != nil {
		return err
	}
	db.updateGauges()
	db.l.WithField("capacity", size.HR()).Info("Resized capped database")
	return nil
}

// resize must be called with exclusive access
func (db *DB) resize(capacity int64) error {
	if err := db.writeFile.Truncate(HeaderSize + capacity); err != nil {
		return errors.Wrap(err, "resize capped database")
	}
	db.capacity = capacity
	db.base = db.cursor
	db.highWater = db.cursor
	return db.writeHeader()
}

// Close flushes the header and closes the file. Writers that are still
// waiting get -1. It is safe to call Close more than once.
func (db *DB) Close() error {
	db.closing.Store(true)
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if db.stopSignals != nil {
		db.stopSignals()
	}
	if db.readOnly {
		return errors.Wrap(db.readFile.Close(), "close capped database")
	}

	var merr *multierror.Error
	if err := db.writeHeader(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := db.writeFile.Sync(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "sync capped database"))
	}
	if err := db.writeFile.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "close capped database"))
	}
	if err := db.readFile.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "close capped database read handle"))
	}
	db.l.WithField("cursor", db.cursor).Info("Closed capped database")
	return merr.ErrorOrNil()
}

func (db *DB) updateGauges() {
	metricCapacity.Set(float64(db.capacity))
	metricCursor.Set(float64(db.cursor))
}
