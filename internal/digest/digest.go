package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// HexLen is the length of an encoded digest string.
const HexLen = sha256.Size * 2

// Hasher accumulates a content digest over a stream of chunks. Feeding the
// same bytes in any chunking yields the same digest as a single Sum call.
type Hasher struct {
	h hash.Hash
	n int64
}

func New() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// BytesWritten returns the total number of bytes fed so far.
func (h *Hasher) BytesWritten() int64 {
	return h.n
}

// Sum returns the hex-encoded digest of everything written so far.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Sum computes the digest of a byte slice in one shot.
func Sum(data []byte) string {
	s := sha256.Sum256(data)
	return hex.EncodeToString(s[:])
}

// File computes the digest of a file by streaming it in chunks.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(), nil
}
