// Package modclient talks to the external mod catalog API: rate-limited,
// retrying metadata resolution plus streaming binary downloads.
package modclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// Pair identifies one remote mod file in the external catalog.
type Pair struct {
	ProjectID int64 `json:"projectID"`
	FileID    int64 `json:"fileID"`
}

func (p Pair) String() string { return fmt.Sprintf("%d/%d", p.ProjectID, p.FileID) }

// Status classifies a per-pair resolution outcome.
type Status string

const (
	StatusOK        Status = "ok"
	StatusMissing   Status = "missing"
	StatusTransient Status = "transient"
)

// Project is the catalog's project metadata.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// File is the catalog's file metadata for one binary.
type File struct {
	ID          int64  `json:"id"`
	FileName    string `json:"fileName"`
	FileLength  int64  `json:"fileLength"`
	DownloadURL string `json:"downloadUrl"`
}

// Resolution is the per-pair result of a batch resolve.
type Resolution struct {
	Pair    Pair
	Status  Status
	Project *Project
	File    *File
	Err     error
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	// RequestsPerSecond feeds the process-wide token bucket. Default 8.
	RequestsPerSecond float64
	// MetadataTimeout bounds each metadata call. Default 30s.
	MetadataTimeout time.Duration
	// DownloadTimeout bounds each binary download. Default 2m.
	DownloadTimeout time.Duration
	// MaxAttempts per metadata call, retrying 5xx/429/network errors. Default 4.
	MaxAttempts int
}

// Client is the external catalog client. Safe for concurrent use; all calls
// share one token bucket.
type Client struct {
	http     *resty.Client
	download *http.Client
	limiter  *rate.Limiter
	dlMax    time.Duration
}

// New builds a Client from options.
func New(opts Options) *Client {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 8
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = 30 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)

	rc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.MetadataTimeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(opts.MaxAttempts - 1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true // network error
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})
	if opts.APIKey != "" {
		rc.SetHeader("x-api-key", opts.APIKey)
	}
	// Every attempt, retries included, pays a token.
	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	return &Client{
		http:     rc,
		download: &http.Client{},
		limiter:  limiter,
		dlMax:    opts.DownloadTimeout,
	}
}

type projectEnvelope struct {
	Data Project `json:"data"`
}

type fileEnvelope struct {
	Data File `json:"data"`
}

// ResolveBatch resolves every pair to project metadata, file metadata and a
// download URL. Per-pair outcomes are classified ok / missing / transient; the
// returned error is non-nil only when the context ends.
func (c *Client) ResolveBatch(ctx context.Context, pairs []Pair) ([]Resolution, error) {
	results := make([]Resolution, len(pairs))
	projects := make(map[int64]*Project)

	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = c.resolve(ctx, p, projects)
	}
	return results, nil
}

func (c *Client) resolve(ctx context.Context, p Pair, projects map[int64]*Project) Resolution {
	res := Resolution{Pair: p}

	proj, ok := projects[p.ProjectID]
	if !ok {
		var env projectEnvelope
		st, err := c.getJSON(ctx, fmt.Sprintf("/v1/mods/%d", p.ProjectID), &env)
		switch {
		case err != nil:
			res.Status, res.Err = StatusTransient, err
			return res
		case st == http.StatusNotFound:
			res.Status = StatusMissing
			res.Err = apperr.NotFound("project %d not in catalog", p.ProjectID)
			return res
		case st >= 400:
			res.Status = StatusMissing
			res.Err = apperr.New(apperr.KindUpstreamUnavailable, "catalog rejected project %d: HTTP %d", p.ProjectID, st)
			return res
		}
		proj = &env.Data
		projects[p.ProjectID] = proj
	}
	res.Project = proj

	var env fileEnvelope
	st, err := c.getJSON(ctx, fmt.Sprintf("/v1/mods/%d/files/%d", p.ProjectID, p.FileID), &env)
	switch {
	case err != nil:
		res.Status, res.Err = StatusTransient, err
		return res
	case st == http.StatusNotFound:
		res.Status = StatusMissing
		res.Err = apperr.NotFound("file %s not in catalog", p)
		return res
	case st >= 400:
		res.Status = StatusMissing
		res.Err = apperr.New(apperr.KindUpstreamUnavailable, "catalog rejected file %s: HTTP %d", p, st)
		return res
	}
	if env.Data.DownloadURL == "" {
		// Catalog knows the file but refuses distribution.
		res.Status = StatusMissing
		res.Err = apperr.NotFound("file %s has no download URL", p)
		return res
	}
	res.Status = StatusOK
	res.File = &env.Data
	return res
}

// getJSON performs one metadata GET. A nil error with a status >= 400 means
// the failure is terminal; transient failures (retry budget exhausted on
// 5xx/429, network errors) come back as an error.
func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	resp, err := c.http.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "catalog GET %s", path)
	}
	st := resp.StatusCode()
	if st >= 500 || st == http.StatusTooManyRequests {
		// Retries already happened inside resty.
		return st, apperr.New(apperr.KindUpstreamUnavailable, "catalog GET %s: HTTP %d after retries", path, st)
	}
	return st, nil
}

// Download streams the binary at url. The caller owns the returned reader.
// The reported size is -1 when the server does not declare Content-Length.
func (c *Client) Download(ctx context.Context, url string) (rc io.ReadCloser, size int64, err error) {
	dctx, cancel := context.WithTimeout(ctx, c.dlMax)
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	if err := c.limiter.Wait(dctx); err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(dctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindValidation, err, "download URL %s", url)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "download %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, 0, apperr.NotFound("download %s: HTTP 404", url)
		}
		return nil, 0, apperr.New(apperr.KindUpstreamUnavailable, "download %s: HTTP %d", url, resp.StatusCode)
	}
	return &cancelReadCloser{body: resp.Body, cancel: cancel}, resp.ContentLength, nil
}

// cancelReadCloser ties the download deadline's cancel func to Close so the
// timer is released with the stream.
type cancelReadCloser struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.body.Read(p) }

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.body.Close()
}
