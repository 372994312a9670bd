package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func digestOf(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestPutStoresUnderShardedPath(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("forge-1.20.1-installer")

	res, err := s.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, digestOf(payload), res.Digest)
	require.Equal(t, int64(len(payload)), res.Size)
	require.False(t, res.Deduped)

	path := filepath.Join(s.Root(), "objects", res.Digest[:2], res.Digest)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), fi.Mode().Perm())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPutDeduplicates(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("same bytes twice")

	first, err := s.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	require.False(t, first.Deduped)

	second, err := s.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	require.True(t, second.Deduped)
	require.Equal(t, first.Digest, second.Digest)
	require.Equal(t, first.Size, second.Size)
}

func TestPutExpectedMismatchNeverPublishes(t *testing.T) {
	s := newTestStore(t)
	wrong := digestOf([]byte("something else"))

	_, err := s.PutExpected(context.Background(), strings.NewReader("actual bytes"), wrong)
	require.Error(t, err)

	ok, err := s.Exists(context.Background(), digestOf([]byte("actual bytes")))
	require.NoError(t, err)
	require.False(t, ok)

	// temp spool must be cleaned up
	entries, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPutCancelledCleansTemp(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, bytes.NewReader([]byte("never lands")))
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOpenNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Open(context.Background(), strings.Repeat("ab", 32))
	require.Error(t, err)
}

func TestOpenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("jar contents")
	res, err := s.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)

	r, err := s.Open(context.Background(), res.Digest)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestRejectsMalformedDigest(t *testing.T) {
	s := newTestStore(t)
	for _, d := range []string{"", "xyz", "../../etc/passwd", strings.Repeat("A", 64), strings.Repeat("a", 63)} {
		_, err := s.Open(context.Background(), d)
		require.Error(t, err, "digest %q", d)
		_, err = s.Exists(context.Background(), d)
		require.Error(t, err, "digest %q", d)
	}
}

// Two concurrent puts of byte-equal content must yield the same digest and
// exactly one stored file.
func TestConcurrentPutSameContent(t *testing.T) {
	s := newTestStore(t)
	payload := bytes.Repeat([]byte("dedup me "), 4096)

	const n = 8
	results := make([]PutResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Put(context.Background(), bytes.NewReader(payload))
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	want := digestOf(payload)
	stored := 0
	for _, res := range results {
		require.Equal(t, want, res.Digest)
		if !res.Deduped {
			stored++
		}
	}
	// Exactly one writer published; every loser reported a dedup.
	require.Equal(t, 1, stored)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "objects", want[:2]))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// No leaked temp files either.
	tmp, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
	require.NoError(t, err)
	require.Empty(t, tmp)
}
