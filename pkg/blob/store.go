// Package blob implements the content-addressed file store. Every mod file in
// the catalog lives here exactly once, keyed by its sha-256 digest and shared
// across versions and modpacks.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// PutResult reports the outcome of a Put.
type PutResult struct {
	Digest string
	Size   int64
	// Deduped is true when an identical blob was already stored and the
	// incoming copy was discarded.
	Deduped bool
}

// Store is a write-once content-addressed blob store rooted at a directory.
// Layout: objects/<first-two-hex>/<digest>, with a tmp/ spool directory on the
// same filesystem so the final rename is atomic.
type Store struct {
	root string
}

const copyChunk = 1 << 20

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"objects", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("blob: ensure %s dir: %w", sub, err)
		}
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) objectPath(digest string) string {
	return filepath.Join(s.root, "objects", digest[:2], digest)
}

// ValidDigest reports whether d is a well-formed lowercase hex sha-256 digest.
func ValidDigest(d string) bool {
	if len(d) != 64 {
		return false
	}
	for _, c := range d {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Put consumes r, hashing while spooling to a temp file, then links the blob
// under its digest. Concurrent puts of equal content are safe: the rename is
// serialized by the OS and the loser is discarded as a dedup hit.
func (s *Store) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	return s.put(ctx, r, "")
}

// PutExpected behaves like Put but fails without publishing anything if the
// computed digest differs from want.
func (s *Store) PutExpected(ctx context.Context, r io.Reader, want string) (PutResult, error) {
	if !ValidDigest(want) {
		return PutResult{}, apperr.Validation("malformed digest %q", want)
	}
	return s.put(ctx, r, want)
}

func (s *Store) put(ctx context.Context, r io.Reader, want string) (res PutResult, err error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("blob: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	var size int64
	buf := make([]byte, copyChunk)
	for {
		if err := ctx.Err(); err != nil {
			return PutResult{}, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return PutResult{}, fmt.Errorf("blob: spool: %w", werr)
			}
			h.Write(buf[:n])
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return PutResult{}, fmt.Errorf("blob: read source: %w", rerr)
		}
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if want != "" && digest != want {
		return PutResult{}, apperr.Validation("digest mismatch: declared %s, computed %s", want, digest)
	}

	dst := s.objectPath(digest)
	if _, err := os.Stat(dst); err == nil {
		return PutResult{Digest: digest, Size: size, Deduped: true}, nil
	}

	if err := tmp.Sync(); err != nil {
		return PutResult{}, fmt.Errorf("blob: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return PutResult{}, fmt.Errorf("blob: close temp: %w", err)
	}
	cleanup = false

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		_ = os.Remove(tmpName)
		return PutResult{}, fmt.Errorf("blob: ensure shard dir: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return PutResult{}, fmt.Errorf("blob: chmod: %w", err)
	}
	// Link rather than rename: link fails with EEXIST, so a concurrent put
	// of the same digest resolves as a dedup instead of an overwrite. Either
	// way the winner's bytes are identical to the loser's by construction.
	if err := os.Link(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		if os.IsExist(err) {
			return PutResult{Digest: digest, Size: size, Deduped: true}, nil
		}
		return PutResult{}, fmt.Errorf("blob: publish: %w", err)
	}
	_ = os.Remove(tmpName)
	s.syncDir(filepath.Dir(dst))

	return PutResult{Digest: digest, Size: size}, nil
}

// syncDir fsyncs a directory so the rename itself is durable.
func (s *Store) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Open returns a reader over the blob. NotFound when absent.
func (s *Store) Open(_ context.Context, digest string) (io.ReadSeekCloser, error) {
	if !ValidDigest(digest) {
		return nil, apperr.Validation("malformed digest %q", digest)
	}
	f, err := os.Open(s.objectPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("blob %s not stored", digest)
		}
		return nil, fmt.Errorf("blob: open %s: %w", digest, err)
	}
	return f, nil
}

// Exists reports whether the blob is stored.
func (s *Store) Exists(_ context.Context, digest string) (bool, error) {
	if !ValidDigest(digest) {
		return false, apperr.Validation("malformed digest %q", digest)
	}
	if _, err := os.Stat(s.objectPath(digest)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("blob: stat %s: %w", digest, err)
	}
	return true, nil
}

// Stat returns the stored size and modification time of a blob.
func (s *Store) Stat(digest string) (int64, time.Time, error) {
	if !ValidDigest(digest) {
		return 0, time.Time{}, apperr.Validation("malformed digest %q", digest)
	}
	fi, err := os.Stat(s.objectPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, time.Time{}, apperr.NotFound("blob %s not stored", digest)
		}
		return 0, time.Time{}, fmt.Errorf("blob: stat %s: %w", digest, err)
	}
	return fi.Size(), fi.ModTime(), nil
}

// Remove deletes a blob file. Only the GC sweeper calls this; removing a blob
// still referenced by a version manifest violates I1.
func (s *Store) Remove(digest string) error {
	if !ValidDigest(digest) {
		return apperr.Validation("malformed digest %q", digest)
	}
	if err := os.Remove(s.objectPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: remove %s: %w", digest, err)
	}
	return nil
}
