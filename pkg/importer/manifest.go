// Package importer turns an uploaded modpack archive into a draft version:
// manifest parsing, external catalog resolution, parallel blob ingestion and
// a single-transaction commit.
package importer

import (
	"archive/zip"
	"encoding/json"
	"io"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/modclient"
)

const manifestName = "manifest.json"

const overridesPrefix = "overrides/"

// manifestSchema is the structural contract for the archive manifest.
const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "version", "runtimeVersion", "files"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"runtimeVersion": {"type": "string", "minLength": 1},
		"loaderVersion": {"type": "string"},
		"files": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["projectId", "fileId"],
				"properties": {
					"projectId": {"type": "integer", "minimum": 1},
					"fileId": {"type": "integer", "minimum": 1},
					"required": {"type": "boolean"}
				}
			}
		}
	}
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

// Manifest is the top-level JSON document of an import archive.
type Manifest struct {
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	RuntimeVersion string          `json:"runtimeVersion"`
	LoaderVersion  *string         `json:"loaderVersion,omitempty"`
	Files          []ManifestEntry `json:"files"`
}

// ManifestEntry names one remote file by external catalog coordinates.
type ManifestEntry struct {
	ProjectID int64 `json:"projectId"`
	FileID    int64 `json:"fileId"`
	Required  bool  `json:"required"`
}

// Pair converts the entry to a resolver pair.
func (e ManifestEntry) Pair() modclient.Pair {
	return modclient.Pair{ProjectID: e.ProjectID, FileID: e.FileID}
}

// override is a verbatim archive file shipped under overrides/.
type override struct {
	relPath string
	file    *zip.File
}

// archive is the parsed import upload.
type archive struct {
	manifest  Manifest
	overrides []override
}

// parseArchive reads the zip, validates the manifest against the schema and
// classifies overrides. No blob ingestion happens here.
func parseArchive(r io.ReaderAt, size int64) (*archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, apperr.Validation("archive is not a readable zip: %v", err)
	}

	var a archive
	manifestFound := false
	for _, f := range zr.File {
		switch {
		case f.Name == manifestName:
			manifestFound = true
			if err := readManifest(f, &a.manifest); err != nil {
				return nil, err
			}
		case strings.HasPrefix(f.Name, overridesPrefix):
			if f.FileInfo().IsDir() {
				continue
			}
			rel, err := normalizeOverridePath(f.Name)
			if err != nil {
				return nil, err
			}
			a.overrides = append(a.overrides, override{relPath: rel, file: f})
		}
	}
	if !manifestFound {
		return nil, apperr.Validation("archive has no %s", manifestName).WithField("manifest")
	}
	return &a, nil
}

func readManifest(f *zip.File, into *Manifest) error {
	rc, err := f.Open()
	if err != nil {
		return apperr.Validation("manifest is unreadable: %v", err)
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(io.LimitReader(rc, 4<<20))
	if err != nil {
		return apperr.Validation("manifest is unreadable: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperr.Validation("manifest is not valid JSON: %v", err).WithField("manifest")
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return apperr.Validation("manifest rejected: %v", err).WithField("manifest")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apperr.Validation("manifest rejected: %v", err).WithField("manifest")
	}
	return nil
}

// normalizeOverridePath strips the overrides/ prefix and rejects anything
// that could escape the version root.
func normalizeOverridePath(name string) (string, error) {
	rel := strings.TrimPrefix(name, overridesPrefix)
	if rel == "" {
		return "", apperr.Validation("override path %q is empty", name)
	}
	if strings.Contains(rel, `\`) {
		return "", apperr.Validation("override path %q uses backslashes", name)
	}
	if path.IsAbs(rel) {
		return "", apperr.Validation("override path %q is absolute", name)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return "", apperr.Validation("override path %q escapes the archive root", name)
	}
	return clean, nil
}
