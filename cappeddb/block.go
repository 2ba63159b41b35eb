package cappeddb

import (
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// blockWriter receives the compressed stream of one block
type blockWriter struct {
	db       *DB
	id       int64
	pos      int64
	capacity int64
	hash     *xxhash.Digest
}

func (w *blockWriter) Write(p []byte) (int, error) {
	if w.pos+int64(len(p))-w.id > w.capacity {
		return 0, errors.Wrapf(ErrBlockTooLarge, "capacity %d", w.capacity)
	}
	_, _ = w.hash.Write(p)
	if err := w.db.writeAt(p, w.pos); err != nil {
		return 0, err
	}
	w.pos += int64(len(p))
	return len(p), nil
}

// blockReader reads the compressed bytes of one block in chunks, checking
// for every chunk that the block has not been overwritten yet.
type blockReader struct {
	db  *DB
	id  int64
	pos int64
	end int64
}

// afterChunkRead is called between chunks without any lock held. Tests
// replace it to write while a read is in progress.
var afterChunkRead = func(id, pos int64) {}

func (r *blockReader) Read(p []byte) (int, error) {
	if r.pos >= r.end {
		return 0, io.EOF
	}
	n := min(int64(len(p)), r.end-r.pos, readChunkSize)
	if err := r.db.readAt(p[:n], r.pos, r.id); err != nil {
		return 0, err
	}
	r.pos += n
	afterChunkRead(r.id, r.pos)
	return int(n), nil
}

// countingWriter counts the uncompressed payload bytes
type countingWriter struct {
	w io.Writer
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}
