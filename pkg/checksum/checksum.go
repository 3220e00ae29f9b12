// Package checksum computes SHA-256 digests of plugin archives. Archives are
// hashed while they stream into the object store so the catalog never reads
// an upload twice.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Writer hashes and counts everything written to it.
type Writer struct {
	h hash.Hash
	n int64
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, _ := w.h.Write(p)
	w.n += int64(n)
	return n, nil
}

// Sum returns the lowercase hex digest of the bytes written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.n
}

// TeeReader returns a reader that hashes r as it is consumed.
func TeeReader(r io.Reader) (io.Reader, *Writer) {
	w := NewWriter()
	return io.TeeReader(r, w), w
}
