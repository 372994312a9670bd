package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/blob"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/modclient"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

const (
	minParallelism = 1
	maxParallelism = 10
)

// Config bounds the pipeline.
type Config struct {
	DefaultParallelism int           // worker pool size when the request says 0
	WallClockMax       time.Duration // total import cap, 0 means 30m
}

// Importer runs the archive import pipeline.
type Importer struct {
	blobs *blob.Store
	mods  *modclient.Client
	store *catalog.Store
	perms *perm.Engine
	log   *slog.Logger
	cfg   Config
}

// New assembles an importer.
func New(blobs *blob.Store, mods *modclient.Client, store *catalog.Store, perms *perm.Engine, log *slog.Logger, cfg Config) *Importer {
	if cfg.DefaultParallelism == 0 {
		cfg.DefaultParallelism = 5
	}
	if cfg.WallClockMax == 0 {
		cfg.WallClockMax = 30 * time.Minute
	}
	return &Importer{blobs: blobs, mods: mods, store: store, perms: perms, log: log, cfg: cfg}
}

// Request is one import job.
type Request struct {
	Archive     io.ReaderAt
	Size        int64
	PublisherID string
	ActorUserID string
	// Parallelism is clamped to 1..10; 0 takes the configured default.
	Parallelism  int
	SlugOverride string
	Visibility   catalog.Visibility
}

// FailedEntry is a remote entry omitted from the version.
type FailedEntry struct {
	ProjectID int64  `json:"projectId"`
	FileID    int64  `json:"fileId"`
	Reason    string `json:"reason"`
}

// Report summarizes a completed import.
type Report struct {
	ModpackID      string        `json:"modpackId"`
	VersionID      string        `json:"versionId"`
	TotalRequested int           `json:"totalRequested"`
	Downloaded     int           `json:"downloaded"`
	Deduped        int           `json:"deduped"`
	FailedEntries  []FailedEntry `json:"failedEntries"`
	OverrideFiles  int           `json:"overrideFiles"`
}

// task is one unit of blob ingestion work.
type task struct {
	relPath string
	open    func(ctx context.Context) (io.ReadCloser, error)
}

// Run executes the pipeline: parse, classify, resolve, ingest, commit.
// Transient resolution failures abort the whole import before any side
// effects; blobs written before a later failure are left for GC.
func (im *Importer) Run(ctx context.Context, req Request) (*Report, error) {
	pub, err := im.store.GetPublisher(ctx, req.PublisherID)
	if err != nil {
		return nil, err
	}
	if pub.Banned {
		return nil, apperr.Forbidden("publisher is banned")
	}
	if err := im.perms.Require(ctx, req.ActorUserID, perm.ModpackManageVersions,
		perm.Resource{PublisherID: req.PublisherID}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, im.cfg.WallClockMax)
	defer cancel()

	parallelism := req.Parallelism
	if parallelism == 0 {
		parallelism = im.cfg.DefaultParallelism
	}
	if parallelism < minParallelism || parallelism > maxParallelism {
		return nil, apperr.Validation("parallelism must be between %d and %d",
			minParallelism, maxParallelism).WithField("parallelDownloads")
	}

	a, err := parseArchive(req.Archive, req.Size)
	if err != nil {
		return nil, err
	}

	slug := req.SlugOverride
	if slug == "" {
		slug = catalog.Slugify(a.manifest.Name)
	}
	if !catalog.ValidSlug(slug) {
		return nil, apperr.Validation("slug %q is not a valid slug", slug).WithField("slug")
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = catalog.VisibilityPublic
	}
	if !visibility.Valid() {
		return nil, apperr.Validation("unknown visibility %q", visibility).WithField("visibility")
	}

	report := &Report{
		TotalRequested: len(a.manifest.Files),
		OverrideFiles:  len(a.overrides),
	}

	pairs := make([]modclient.Pair, 0, len(a.manifest.Files))
	for _, e := range a.manifest.Files {
		pairs = append(pairs, e.Pair())
	}
	resolutions, err := im.mods.ResolveBatch(ctx, pairs)
	if err != nil {
		return nil, err
	}
	var resolved []modclient.Resolution
	var transient int
	for _, r := range resolutions {
		switch r.Status {
		case modclient.StatusOK:
			resolved = append(resolved, r)
		case modclient.StatusMissing:
			report.FailedEntries = append(report.FailedEntries, FailedEntry{
				ProjectID: r.Pair.ProjectID,
				FileID:    r.Pair.FileID,
				Reason:    "not found in external catalog",
			})
		default:
			transient++
			im.log.Warn("import resolution failed",
				"project_id", r.Pair.ProjectID, "file_id", r.Pair.FileID, "err", r.Err)
		}
	}
	if transient > 0 {
		return nil, apperr.UpstreamUnavailable(
			"%d of %d entries failed transiently, retry the import", transient, len(pairs))
	}

	files, downloaded, deduped, err := im.ingest(ctx, parallelism, resolved, a.overrides)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindTimeout:
			return nil, apperr.Wrap(apperr.KindTimeout, err,
				"import exceeded the %s wall clock", im.cfg.WallClockMax)
		case apperr.KindCancelled:
			return nil, apperr.Wrap(apperr.KindCancelled, err, "import cancelled")
		}
		return nil, err
	}
	report.Downloaded = downloaded
	report.Deduped = deduped

	modpackID, versionID, err := im.store.CommitVersionImport(ctx, catalog.ImportCommit{
		PublisherID: req.PublisherID,
		Modpack: catalog.Modpack{
			Slug:       slug,
			Name:       a.manifest.Name,
			Visibility: visibility,
			Pricing:    catalog.Pricing{Kind: catalog.PricingFree},
		},
		Version: catalog.ModpackVersion{
			VersionString:        a.manifest.Version,
			TargetRuntimeVersion: a.manifest.RuntimeVersion,
			LoaderVersion:        a.manifest.LoaderVersion,
			CreatedBy:            req.ActorUserID,
		},
		Files: files,
	})
	if err != nil {
		return nil, err
	}
	report.ModpackID = modpackID
	report.VersionID = versionID

	im.log.Info("import committed",
		"modpack_id", modpackID, "version_id", versionID,
		"files", len(files), "downloaded", downloaded, "deduped", deduped,
		"missing", len(report.FailedEntries))
	return report, nil
}

// ingest streams every resolved remote entry and override through the blob
// store with a bounded worker pool. The blob store serializes publication,
// so workers need no pre-checks.
func (im *Importer) ingest(ctx context.Context, parallelism int, resolved []modclient.Resolution, overrides []override) ([]catalog.VersionFile, int, int, error) {
	tasks := make([]task, 0, len(resolved)+len(overrides))
	seen := make(map[string]bool, len(resolved))
	for _, r := range resolved {
		r := r
		rel := remoteRelPath(r.File.FileName, seen)
		tasks = append(tasks, task{
			relPath: rel,
			open: func(ctx context.Context) (io.ReadCloser, error) {
				rc, _, err := im.mods.Download(ctx, r.File.DownloadURL)
				return rc, err
			},
		})
	}
	for _, o := range overrides {
		o := o
		if seen[o.relPath] {
			return nil, 0, 0, apperr.Validation("duplicate override path %q", o.relPath)
		}
		seen[o.relPath] = true
		tasks = append(tasks, task{
			relPath: o.relPath,
			open: func(ctx context.Context) (io.ReadCloser, error) {
				return o.file.Open()
			},
		})
	}

	var (
		mu         sync.Mutex
		files      []catalog.VersionFile
		downloaded int
		deduped    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			rc, err := t.open(gctx)
			if err != nil {
				return fmt.Errorf("open %q: %w", t.relPath, err)
			}
			defer func() { _ = rc.Close() }()
			res, err := im.blobs.Put(gctx, rc)
			if err != nil {
				return fmt.Errorf("store %q: %w", t.relPath, err)
			}
			mu.Lock()
			files = append(files, catalog.VersionFile{
				Digest:       res.Digest,
				RelativePath: t.relPath,
				Size:         res.Size,
			})
			if res.Deduped {
				deduped++
			} else {
				downloaded++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, 0, 0, ctx.Err()
		}
		return nil, 0, 0, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelativePath < files[j].RelativePath })
	return files, downloaded, deduped, nil
}

// remoteRelPath places a remote entry under mods/ with a slugged file name,
// suffixing on collision so manifest paths stay unique.
func remoteRelPath(fileName string, seen map[string]bool) string {
	ext := strings.ToLower(path.Ext(fileName))
	if ext == "" {
		ext = ".jar"
	}
	stem := catalog.Slugify(strings.TrimSuffix(fileName, path.Ext(fileName)))
	if stem == "" {
		stem = "mod"
	}
	rel := "mods/" + stem + ext
	for n := 2; seen[rel]; n++ {
		rel = fmt.Sprintf("mods/%s-%d%s", stem, n, ext)
	}
	seen[rel] = true
	return rel
}
