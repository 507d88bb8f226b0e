package ingest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	md5simd "github.com/minio/md5-simd"
)

// Hasher computes archive content hashes. One Hasher is shared by all
// workers; the underlying server multiplexes concurrent streams.
type Hasher struct {
	srv md5simd.Server
}

// NewHasher starts a hashing server. Call Close when done.
func NewHasher() *Hasher {
	return &Hasher{srv: md5simd.NewServer()}
}

// Close stops the hashing server.
func (h *Hasher) Close() {
	h.srv.Close()
}

// HashFile returns the hex MD5 digest of the file at path.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hh := h.srv.NewHash()
	defer hh.Close()
	if _, err := io.Copy(hh, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hh.Sum(nil)), nil
}
