package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yanquisalexander/modpackstore/pkg/access"
	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/blob"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/importer"
)

// maxArchiveBytes caps an uploaded import archive.
const maxArchiveBytes = 2 << 30

// handleImport accepts a multipart archive upload and runs the import
// pipeline. The archive part is spooled to disk because zip reading
// needs random access.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, apperr.Validation("multipart parse: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("archive")
	if err != nil {
		writeError(w, r, apperr.Validation("missing archive part").WithField("archive"))
		return
	}
	defer file.Close()

	req := importer.Request{
		Archive:      file,
		Size:         header.Size,
		PublisherID:  chi.URLParam(r, "pid"),
		ActorUserID:  principal(r).UserID,
		SlugOverride: r.FormValue("slug"),
		Visibility:   catalog.Visibility(r.FormValue("visibility")),
	}
	if raw := r.FormValue("parallelDownloads"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, apperr.Validation("parallelDownloads must be an integer").WithField("parallelDownloads"))
			return
		}
		req.Parallelism = n
	}

	report, err := s.importer.Run(r.Context(), req)
	if err != nil {
		s.metrics.ImportsTotal.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}
	s.metrics.ImportsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	d, err := s.access.Resolve(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// versionInModpack loads a version and checks it belongs to the modpack
// named in the URL.
func (s *Server) versionInModpack(r *http.Request) (*catalog.ModpackVersion, error) {
	v, err := s.store.GetVersion(r.Context(), chi.URLParam(r, "vid"))
	if err != nil {
		return nil, err
	}
	if v.ModpackID != chi.URLParam(r, "mid") {
		return nil, apperr.NotFound("version %s", v.ID)
	}
	return v, nil
}

// handleListVersionFiles serves the manifest the desktop client
// consumes: every file of a version with its digest and path.
func (s *Server) handleListVersionFiles(w http.ResponseWriter, r *http.Request) {
	d, err := s.access.Resolve(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !d.Allowed {
		writeError(w, r, accessDenied(d))
		return
	}
	v, err := s.versionInModpack(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	files, err := s.store.ListVersionFiles(r.Context(), v.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleStreamFile streams one blob of a version. The digest doubles as
// a strong ETag, so clients revalidate for free.
func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	d, err := s.access.Resolve(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !d.Allowed {
		writeError(w, r, accessDenied(d))
		return
	}
	v, err := s.versionInModpack(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	digest := chi.URLParam(r, "digest")
	if !blob.ValidDigest(digest) {
		writeError(w, r, apperr.Validation("malformed digest").WithField("digest"))
		return
	}
	ok, err := s.store.VersionHasFile(r.Context(), v.ID, digest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, apperr.NotFound("digest %s is not part of version %s", digest, v.ID))
		return
	}

	rc, err := s.blobs.Open(r.Context(), digest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	_, stored, err := s.blobs.Stat(digest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", `"`+digest+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, digest, stored, rc)
}

// accessDenied maps a denial decision to the error surface.
func accessDenied(d *access.Decision) error {
	if d.Reason == access.ReasonUnavailable {
		return apperr.NotFound("modpack is unavailable")
	}
	return apperr.Forbidden("access denied: %s", d.Reason)
}
