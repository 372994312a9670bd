package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// ImportCommit is the transactional tail of an archive import: the modpack
// upsert, the draft version and its whole file manifest land atomically.
// Rolling back never touches stored blobs.
type ImportCommit struct {
	PublisherID string
	Modpack     Modpack        // slug, name, visibility; reused when the slug exists
	Version     ModpackVersion // version string, runtime, loader, changelog
	Files       []VersionFile  // digest, relative path, size per entry
}

// CommitVersionImport executes the import commit. Conflict when the slug is
// taken by another publisher or the (modpack, version) pair already exists.
func (s *Store) CommitVersionImport(ctx context.Context, c ImportCommit) (modpackID, versionID string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	err = tx.QueryRowContext(ctx, `
		SELECT id, publisher_id FROM modpacks WHERE slug = $1 FOR UPDATE`,
		c.Modpack.Slug).Scan(&modpackID, &ownerID)
	switch {
	case err == sql.ErrNoRows:
		modpackID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO modpacks (id, publisher_id, slug, name, short_description, description,
				icon_url, banner_url, visibility, pricing_kind, price_amount, price_currency,
				subscription_channels)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			modpackID, c.PublisherID, c.Modpack.Slug, c.Modpack.Name,
			c.Modpack.ShortDescription, c.Modpack.Description, c.Modpack.IconURL,
			c.Modpack.BannerURL, string(c.Modpack.Visibility),
			string(c.Modpack.Pricing.Kind), decimalOrNil(c.Modpack.Pricing),
			currencyOrNil(c.Modpack.Pricing), pq.Array(c.Modpack.Pricing.Channels))
		if err != nil {
			return "", "", fmt.Errorf("catalog: import modpack: %w", err)
		}
	case err != nil:
		return "", "", fmt.Errorf("catalog: lock modpack slug: %w", err)
	case ownerID != c.PublisherID:
		return "", "", apperr.Conflict("slug %q is taken", c.Modpack.Slug)
	}

	versionID = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO modpack_versions (id, modpack_id, version_string,
			target_runtime_version, loader_version, changelog, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		versionID, modpackID, c.Version.VersionString, c.Version.TargetRuntimeVersion,
		c.Version.LoaderVersion, c.Version.Changelog, c.Version.CreatedBy)
	if isUniqueViolation(err) {
		return "", "", apperr.Conflict("version %q already exists", c.Version.VersionString)
	}
	if err != nil {
		return "", "", fmt.Errorf("catalog: import version: %w", err)
	}

	for _, f := range c.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (digest, byte_length) VALUES ($1, $2)
			ON CONFLICT (digest) DO NOTHING`, f.Digest, f.Size); err != nil {
			return "", "", fmt.Errorf("catalog: import blob %s: %w", f.Digest, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO version_files (id, version_id, digest, relative_path)
			VALUES ($1, $2, $3, $4)`,
			uuid.NewString(), versionID, f.Digest, f.RelativePath)
		if isUniqueViolation(err) {
			return "", "", apperr.Conflict("duplicate manifest path %q", f.RelativePath)
		}
		if err != nil {
			return "", "", fmt.Errorf("catalog: import file %q: %w", f.RelativePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("catalog: commit import: %w", err)
	}
	return modpackID, versionID, nil
}
