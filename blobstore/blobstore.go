// Package blobstore implements the content-addressed payload store: blobs
// are keyed by the SHA-256 hash of their bytes, sharded into a directory
// tree, written atomically via temp-file-then-rename, and transparently
// xz-compressed above a size threshold -- grounded on the teacher's own
// sha1-keyed bundle-part file layout in storage/bundle_item.go, generalized
// to a content hash and the teacher's own xz dependency.
package blobstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// Hash is a blob's content address.
type Hash [32]byte

func hashOf(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ErrHashMismatch is returned by Get when the stored bytes no longer hash
// to the requested key, indicating on-disk corruption.
var ErrHashMismatch = fmt.Errorf("blobstore: hash mismatch")

// ErrTooLarge is returned by Put when data exceeds the store's MaxBlobSize.
var ErrTooLarge = fmt.Errorf("blobstore: blob exceeds max size")

// ErrNotFound is returned by Get when no blob exists for the given hash.
var ErrNotFound = fmt.Errorf("blobstore: blob not found")

const compressionThreshold = 4096

// Config bounds blob size and path sharding depth.
type Config struct {
	MaxBlobSize int
	ShardDepth  int // number of two-hex-character directory levels
}

func DefaultConfig() Config {
	return Config{MaxBlobSize: 64 << 20, ShardDepth: 2}
}

// Store is a content-addressed blob store rooted at a directory.
type Store struct {
	dir string
	cfg Config
}

func Open(dir string, cfg Config) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	return &Store{dir: dir, cfg: cfg}, nil
}

// path shards a hash into nested two-hex-character directories, e.g.
// "ab/cd/abcdef01...".
func (s *Store) path(h Hash) string {
	hexStr := h.String()

	parts := make([]string, 0, s.cfg.ShardDepth+1)
	for i := 0; i < s.cfg.ShardDepth && i*2+2 <= len(hexStr); i++ {
		parts = append(parts, hexStr[i*2:i*2+2])
	}
	parts = append(parts, hexStr)

	return filepath.Join(append([]string{s.dir}, parts...)...)
}

// Put writes data to the store, returning its content hash. Writes are
// atomic via a temp file in the shard directory followed by a rename. Data
// at or above the compression threshold is transparently xz-compressed on
// disk; Get decompresses transparently.
func (s *Store) Put(data []byte) (Hash, error) {
	if len(data) > s.cfg.MaxBlobSize {
		return Hash{}, ErrTooLarge
	}

	h := hashOf(data)
	dest := s.path(h)

	if _, err := os.Stat(dest); err == nil {
		return h, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return Hash{}, fmt.Errorf("blobstore: create shard dir: %w", err)
	}

	tmp, err := ioutil.TempFile(filepath.Dir(dest), "blob-*.tmp")
	if err != nil {
		return Hash{}, fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	writeErr := func() error {
		defer tmp.Close()

		if len(data) >= compressionThreshold {
			w, err := xz.NewWriter(tmp)
			if err != nil {
				return fmt.Errorf("blobstore: create xz writer: %w", err)
			}
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("blobstore: write compressed blob: %w", err)
			}
			return w.Close()
		}

		_, err := tmp.Write(data)
		return err
	}()

	if writeErr != nil {
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("blobstore: write blob: %w", writeErr)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("blobstore: rename into place: %w", err)
	}

	log.WithField("hash", h.String()).Debug("blob stored")
	return h, nil
}

// Get reads the blob for hash, verifying its content hash on load and
// transparently decompressing it if it was stored compressed.
func (s *Store) Get(h Hash) ([]byte, error) {
	raw, err := ioutil.ReadFile(s.path(h))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("blobstore: read blob: %w", err)
	}

	data, err := decompressIfXz(raw)
	if err != nil {
		return nil, fmt.Errorf("blobstore: decompress blob: %w", err)
	}

	if hashOf(data) != h {
		return nil, ErrHashMismatch
	}

	return data, nil
}

// Has reports whether a blob for hash exists on disk, without verifying it.
func (s *Store) Has(h Hash) bool {
	_, err := os.Stat(s.path(h))
	return err == nil
}

// Delete removes the blob for hash, if present.
func (s *Store) Delete(h Hash) error {
	err := os.Remove(s.path(h))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete blob: %w", err)
	}
	return nil
}

var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

func decompressIfXz(raw []byte) ([]byte, error) {
	if len(raw) < len(xzMagic) || !bytes.Equal(raw[:len(xzMagic)], xzMagic) {
		return raw, nil
	}

	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return ioutil.ReadAll(r)
}
