package blob

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ReferenceSource yields the set of digests currently referenced by any
// version manifest. The sweep takes one snapshot up front so that a blob
// linked mid-sweep is never deleted by a stale negative.
type ReferenceSource interface {
	ReferencedDigests(ctx context.Context) (map[string]struct{}, error)
}

// SweepReport summarizes one GC pass.
type SweepReport struct {
	Scanned      int
	Deleted      int
	DeletedBytes int64
	Skipped      int // unreferenced but inside the grace window
}

// Sweeper deletes blobs that no VersionFile references and whose storedAt is
// older than the grace window, tolerating in-flight imports.
type Sweeper struct {
	store *Store
	refs  ReferenceSource
	grace time.Duration
	log   *slog.Logger
}

// NewSweeper builds a sweeper over the given store.
func NewSweeper(store *Store, refs ReferenceSource, grace time.Duration, log *slog.Logger) *Sweeper {
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	return &Sweeper{store: store, refs: refs, grace: grace, log: log}
}

// Sweep runs one pass. The reference snapshot is taken before any deletion.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	referenced, err := s.refs.ReferencedDigests(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("blob gc: snapshot references: %w", err)
	}
	cutoff := time.Now().Add(-s.grace)

	var rep SweepReport
	objRoot := filepath.Join(s.store.root, "objects")
	err = filepath.WalkDir(objRoot, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		digest := d.Name()
		if !ValidDigest(digest) {
			return nil
		}
		rep.Scanned++
		if _, ok := referenced[digest]; ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.ModTime().After(cutoff) {
			rep.Skipped++
			return nil
		}
		if err := s.store.Remove(digest); err != nil {
			return err
		}
		rep.Deleted++
		rep.DeletedBytes += fi.Size()
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("blob gc: sweep: %w", err)
	}
	if s.log != nil {
		s.log.Info("blob gc sweep complete",
			"scanned", rep.Scanned, "deleted", rep.Deleted,
			"bytes", rep.DeletedBytes, "in_grace", rep.Skipped)
	}
	return rep, nil
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil && s.log != nil {
				s.log.Error("blob gc sweep failed", "error", err)
			}
		}
	}
}
