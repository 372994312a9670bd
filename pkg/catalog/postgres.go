package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

// Store is the postgres-backed catalog store. It also implements
// perm.Directory and blob.ReferenceSource.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the handle for cross-domain transactions (payment grant).
func (s *Store) DB() *sql.DB { return s.db }

// isUniqueViolation reports whether err is a postgres unique-index violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ---- users ----

// UpsertUser syncs an identity-provider user row.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, admin, linked_subscription_account_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			admin = EXCLUDED.admin,
			linked_subscription_account_id = EXCLUDED.linked_subscription_account_id`,
		u.ID, u.DisplayName, u.Email, u.Admin, u.LinkedSubscriptionAccountID)
	if err != nil {
		return fmt.Errorf("catalog: upsert user: %w", err)
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, admin, linked_subscription_account_id, created_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.Email, &u.Admin, &u.LinkedSubscriptionAccountID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get user: %w", err)
	}
	return &u, nil
}

// IsPlatformAdmin implements perm.Directory.
func (s *Store) IsPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	var admin bool
	err := s.db.QueryRowContext(ctx,
		`SELECT admin FROM users WHERE id = $1`, userID).Scan(&admin)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: admin flag: %w", err)
	}
	return admin, nil
}

// ---- publishers & members ----

// CreatePublisher inserts the publisher, its owner membership and an empty
// wallet in one transaction.
func (s *Store) CreatePublisher(ctx context.Context, p Publisher, ownerUserID string) (*Publisher, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p.ID = uuid.NewString()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO publishers (id, name, tos_url, privacy_url)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		p.ID, p.Name, p.TosURL, p.PrivacyURL).Scan(&p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: insert publisher: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO publisher_members (id, publisher_id, user_id, role)
		VALUES ($1, $2, $3, 'owner')`,
		uuid.NewString(), p.ID, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("catalog: insert owner: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallets (publisher_id) VALUES ($1)`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("catalog: insert wallet: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: commit: %w", err)
	}
	return &p, nil
}

// GetPublisher loads a publisher by id.
func (s *Store) GetPublisher(ctx context.Context, id string) (*Publisher, error) {
	var p Publisher
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, verified, partnered, hosting_partner, banned, tos_url, privacy_url, created_at
		FROM publishers WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Verified, &p.Partnered, &p.HostingPartner,
			&p.Banned, &p.TosURL, &p.PrivacyURL, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("publisher %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get publisher: %w", err)
	}
	return &p, nil
}

// PublisherACL implements perm.Directory: one snapshot of members + scopes.
func (s *Store) PublisherACL(ctx context.Context, publisherID string) (*perm.ACL, error) {
	if _, err := s.GetPublisher(ctx, publisherID); err != nil {
		return nil, err
	}
	acl := &perm.ACL{PublisherID: publisherID, Scopes: make(map[string][]perm.ScopeGrant)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role FROM publisher_members WHERE publisher_id = $1`, publisherID)
	if err != nil {
		return nil, fmt.Errorf("catalog: acl members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m perm.Membership
		if err := rows.Scan(&m.MemberID, &m.UserID, &m.Role); err != nil {
			return nil, fmt.Errorf("catalog: scan member: %w", err)
		}
		acl.Members = append(acl.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: acl members: %w", err)
	}

	srows, err := s.db.QueryContext(ctx, `
		SELECT ms.member_id, ms.target_modpack_id, ms.permissions
		FROM member_scopes ms
		JOIN publisher_members pm ON pm.id = ms.member_id
		WHERE pm.publisher_id = $1`, publisherID)
	if err != nil {
		return nil, fmt.Errorf("catalog: acl scopes: %w", err)
	}
	defer func() { _ = srows.Close() }()
	for srows.Next() {
		var memberID string
		var modpackID sql.NullString
		var bits int64
		if err := srows.Scan(&memberID, &modpackID, &bits); err != nil {
			return nil, fmt.Errorf("catalog: scan scope: %w", err)
		}
		acl.Scopes[memberID] = append(acl.Scopes[memberID], perm.ScopeGrant{
			ModpackID:   modpackID.String,
			Permissions: perm.Set(bits),
		})
	}
	if err := srows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: acl scopes: %w", err)
	}
	return acl, nil
}

// AddMember inserts a membership.
func (s *Store) AddMember(ctx context.Context, publisherID, userID string, role perm.Role) (*PublisherMember, error) {
	m := PublisherMember{ID: uuid.NewString(), PublisherID: publisherID, UserID: userID, Role: role}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO publisher_members (id, publisher_id, user_id, role)
		VALUES ($1, $2, $3, $4) RETURNING created_at`,
		m.ID, publisherID, userID, string(role)).Scan(&m.CreatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("user is already a member")
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: add member: %w", err)
	}
	return &m, nil
}

// GetMember loads a membership row by id.
func (s *Store) GetMember(ctx context.Context, memberID string) (*PublisherMember, error) {
	var m PublisherMember
	err := s.db.QueryRowContext(ctx, `
		SELECT id, publisher_id, user_id, role, created_at
		FROM publisher_members WHERE id = $1`, memberID).
		Scan(&m.ID, &m.PublisherID, &m.UserID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("member %s", memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get member: %w", err)
	}
	return &m, nil
}

// MemberOf finds a user's membership in a publisher.
func (s *Store) MemberOf(ctx context.Context, publisherID, userID string) (*PublisherMember, error) {
	var m PublisherMember
	err := s.db.QueryRowContext(ctx, `
		SELECT id, publisher_id, user_id, role, created_at
		FROM publisher_members WHERE publisher_id = $1 AND user_id = $2`,
		publisherID, userID).
		Scan(&m.ID, &m.PublisherID, &m.UserID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user is not a member")
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: member of: %w", err)
	}
	return &m, nil
}

// ListMembers lists a publisher's members.
func (s *Store) ListMembers(ctx context.Context, publisherID string) ([]PublisherMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, publisher_id, user_id, role, created_at
		FROM publisher_members WHERE publisher_id = $1 ORDER BY created_at`, publisherID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []PublisherMember
	for rows.Next() {
		var m PublisherMember
		if err := rows.Scan(&m.ID, &m.PublisherID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMemberRole changes a member's role (never to or from owner).
func (s *Store) UpdateMemberRole(ctx context.Context, memberID string, role perm.Role) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publisher_members SET role = $1
		WHERE id = $2 AND role <> 'owner'`, string(role), memberID)
	if err != nil {
		return fmt.Errorf("catalog: update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("member %s", memberID)
	}
	return nil
}

// RemoveMember deletes a non-owner membership and its scopes.
func (s *Store) RemoveMember(ctx context.Context, memberID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM publisher_members WHERE id = $1 AND role <> 'owner'`, memberID)
	if err != nil {
		return fmt.Errorf("catalog: remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.PreconditionFailed("owner must transfer ownership before leaving")
	}
	return nil
}

// TransferOwnership atomically demotes the current owner to admin and
// promotes the target member, preserving the exactly-one-owner invariant.
func (s *Store) TransferOwnership(ctx context.Context, publisherID, newOwnerMemberID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock both rows in a stable order.
	var currentOwnerID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM publisher_members
		WHERE publisher_id = $1 AND role = 'owner' FOR UPDATE`, publisherID).
		Scan(&currentOwnerID)
	if err == sql.ErrNoRows {
		return apperr.NotFound("publisher %s has no owner", publisherID)
	}
	if err != nil {
		return fmt.Errorf("catalog: lock owner: %w", err)
	}
	if currentOwnerID == newOwnerMemberID {
		return apperr.Validation("member already owns this publisher")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE publisher_members SET role = 'admin' WHERE id = $1`, currentOwnerID)
	if err != nil {
		return fmt.Errorf("catalog: demote owner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("member %s", currentOwnerID)
	}
	res, err = tx.ExecContext(ctx, `
		UPDATE publisher_members SET role = 'owner'
		WHERE id = $1 AND publisher_id = $2`, newOwnerMemberID, publisherID)
	if err != nil {
		return fmt.Errorf("catalog: promote member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("member %s", newOwnerMemberID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit transfer: %w", err)
	}
	return nil
}

// ---- scopes ----

// CreateScope attaches a scope to a member.
func (s *Store) CreateScope(ctx context.Context, sc MemberScope) (*MemberScope, error) {
	sc.ID = uuid.NewString()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO member_scopes (id, member_id, target_publisher_id, target_modpack_id, permissions)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		sc.ID, sc.MemberID, sc.TargetPublisherID, sc.TargetModpackID, int64(sc.Permissions)).
		Scan(&sc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: create scope: %w", err)
	}
	return &sc, nil
}

// GetScope loads a scope by id.
func (s *Store) GetScope(ctx context.Context, id string) (*MemberScope, error) {
	var sc MemberScope
	var bits int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, member_id, target_publisher_id, target_modpack_id, permissions, created_at
		FROM member_scopes WHERE id = $1`, id).
		Scan(&sc.ID, &sc.MemberID, &sc.TargetPublisherID, &sc.TargetModpackID, &bits, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("scope %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get scope: %w", err)
	}
	sc.Permissions = perm.Set(bits)
	return &sc, nil
}

// UpdateScope rewrites a scope's target and permissions.
func (s *Store) UpdateScope(ctx context.Context, sc MemberScope) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE member_scopes
		SET target_publisher_id = $1, target_modpack_id = $2, permissions = $3
		WHERE id = $4`,
		sc.TargetPublisherID, sc.TargetModpackID, int64(sc.Permissions), sc.ID)
	if err != nil {
		return fmt.Errorf("catalog: update scope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("scope %s", sc.ID)
	}
	return nil
}

// DeleteScope removes a scope.
func (s *Store) DeleteScope(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM member_scopes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("catalog: delete scope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("scope %s", id)
	}
	return nil
}

// ---- modpacks ----

const modpackColumns = `
	id, publisher_id, slug, name, short_description, description, icon_url,
	banner_url, visibility, status, pricing_kind, price_amount, price_currency,
	subscription_channels, pricing_version, primary_category_id, published_at,
	created_at, updated_at`

func scanModpack(row interface{ Scan(...any) error }) (*Modpack, error) {
	var m Modpack
	var amount sql.NullString
	var currency sql.NullString
	var channels pq.StringArray
	err := row.Scan(&m.ID, &m.PublisherID, &m.Slug, &m.Name, &m.ShortDescription,
		&m.Description, &m.IconURL, &m.BannerURL, &m.Visibility, &m.Status,
		&m.Pricing.Kind, &amount, &currency, &channels, &m.PricingVersion,
		&m.PrimaryCategoryID, &m.PublishedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if amount.Valid {
		if m.Pricing.Amount, err = parseDecimal(amount.String); err != nil {
			return nil, fmt.Errorf("catalog: price of %s: %w", m.ID, err)
		}
	}
	m.Pricing.Currency = currency.String
	m.Pricing.Channels = channels
	return &m, nil
}

// CreateModpack inserts a draft modpack.
func (s *Store) CreateModpack(ctx context.Context, m Modpack) (*Modpack, error) {
	m.ID = uuid.NewString()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO modpacks (id, publisher_id, slug, name, short_description, description,
			icon_url, banner_url, visibility, pricing_kind, price_amount, price_currency,
			subscription_channels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING status, pricing_version, created_at, updated_at`,
		m.ID, m.PublisherID, m.Slug, m.Name, m.ShortDescription, m.Description,
		m.IconURL, m.BannerURL, string(m.Visibility), string(m.Pricing.Kind),
		decimalOrNil(m.Pricing), currencyOrNil(m.Pricing), pq.Array(m.Pricing.Channels)).
		Scan(&m.Status, &m.PricingVersion, &m.CreatedAt, &m.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("slug %q is taken", m.Slug)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: create modpack: %w", err)
	}
	return &m, nil
}

// GetModpack loads a modpack by id (soft-deleted rows included; callers
// filter by status).
func (s *Store) GetModpack(ctx context.Context, id string) (*Modpack, error) {
	m, err := scanModpack(s.db.QueryRowContext(ctx,
		`SELECT `+modpackColumns+` FROM modpacks WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("modpack %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get modpack: %w", err)
	}
	return m, nil
}

// GetModpackBySlug loads a modpack by slug.
func (s *Store) GetModpackBySlug(ctx context.Context, slug string) (*Modpack, error) {
	m, err := scanModpack(s.db.QueryRowContext(ctx,
		`SELECT `+modpackColumns+` FROM modpacks WHERE slug = $1`, slug))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("modpack %q", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get modpack by slug: %w", err)
	}
	return m, nil
}

// ListModpacks lists a publisher's modpacks, excluding soft-deleted ones.
func (s *Store) ListModpacks(ctx context.Context, publisherID string) ([]Modpack, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modpackColumns+` FROM modpacks
		 WHERE publisher_id = $1 AND status <> 'deleted' ORDER BY created_at`, publisherID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list modpacks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Modpack
	for rows.Next() {
		m, err := scanModpack(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan modpack: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ModpackUpdate carries the PATCHable metadata fields; nil means unchanged.
type ModpackUpdate struct {
	Name             *string
	ShortDescription *string
	Description      *string
	IconURL          *string
	BannerURL        *string
	Slug             *string
	Visibility       *Visibility
	Pricing          *Pricing
}

// UpdateModpack applies a partial metadata update. Pricing changes bump
// pricing_version so access-decision caches key off the new value.
func (s *Store) UpdateModpack(ctx context.Context, id string, up ModpackUpdate) (*Modpack, error) {
	m, err := s.GetModpack(ctx, id)
	if err != nil {
		return nil, err
	}
	if up.Name != nil {
		m.Name = *up.Name
	}
	if up.ShortDescription != nil {
		m.ShortDescription = *up.ShortDescription
	}
	if up.Description != nil {
		m.Description = *up.Description
	}
	if up.IconURL != nil {
		m.IconURL = *up.IconURL
	}
	if up.BannerURL != nil {
		m.BannerURL = *up.BannerURL
	}
	if up.Slug != nil {
		m.Slug = *up.Slug
	}
	if up.Visibility != nil {
		m.Visibility = *up.Visibility
	}
	pricingChanged := up.Pricing != nil
	if pricingChanged {
		m.Pricing = *up.Pricing
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE modpacks SET
			name = $1, short_description = $2, description = $3, icon_url = $4,
			banner_url = $5, slug = $6, visibility = $7, pricing_kind = $8,
			price_amount = $9, price_currency = $10, subscription_channels = $11,
			pricing_version = pricing_version + CASE WHEN $12 THEN 1 ELSE 0 END,
			updated_at = now()
		WHERE id = $13
		RETURNING pricing_version, updated_at`,
		m.Name, m.ShortDescription, m.Description, m.IconURL, m.BannerURL, m.Slug,
		string(m.Visibility), string(m.Pricing.Kind), decimalOrNil(m.Pricing),
		currencyOrNil(m.Pricing), pq.Array(m.Pricing.Channels), pricingChanged, id).
		Scan(&m.PricingVersion, &m.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("slug %q is taken", m.Slug)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: update modpack: %w", err)
	}
	return m, nil
}

// SetModpackStatus flips the lifecycle status. Publishing stamps published_at
// on first transition.
func (s *Store) SetModpackStatus(ctx context.Context, id string, status ModpackStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE modpacks SET status = $1,
			published_at = CASE WHEN $1 = 'published' AND published_at IS NULL
				THEN now() ELSE published_at END,
			updated_at = now()
		WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("catalog: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("modpack %s", id)
	}
	return nil
}

// SetCategories replaces a modpack's category set; at most one primary.
func (s *Store) SetCategories(ctx context.Context, modpackID string, categoryIDs []string, primaryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM modpack_categories WHERE modpack_id = $1`, modpackID); err != nil {
		return fmt.Errorf("catalog: clear categories: %w", err)
	}
	for _, cid := range categoryIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO modpack_categories (modpack_id, category_id, is_primary)
			VALUES ($1, $2, $3)`, modpackID, cid, cid == primaryID); err != nil {
			return fmt.Errorf("catalog: set category: %w", err)
		}
	}
	var primary any
	if primaryID != "" {
		primary = primaryID
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE modpacks SET primary_category_id = $1, updated_at = now()
		WHERE id = $2`, primary, modpackID); err != nil {
		return fmt.Errorf("catalog: set primary category: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit categories: %w", err)
	}
	return nil
}

// ---- categories ----

// CreateCategory inserts a category.
func (s *Store) CreateCategory(ctx context.Context, c Category) (*Category, error) {
	c.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, slug, icon_url) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.Slug, c.IconURL)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("category slug %q is taken", c.Slug)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: create category: %w", err)
	}
	return &c, nil
}

// ListCategories lists all categories.
func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, slug, icon_url FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.IconURL); err != nil {
			return nil, fmt.Errorf("catalog: scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- versions ----

const versionColumns = `
	id, modpack_id, version_string, target_runtime_version, loader_version,
	changelog, status, created_by, created_at, released_at`

func scanVersion(row interface{ Scan(...any) error }) (*ModpackVersion, error) {
	var v ModpackVersion
	err := row.Scan(&v.ID, &v.ModpackID, &v.VersionString, &v.TargetRuntimeVersion,
		&v.LoaderVersion, &v.Changelog, &v.Status, &v.CreatedBy, &v.CreatedAt, &v.ReleasedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVersion inserts a draft version.
func (s *Store) CreateVersion(ctx context.Context, v ModpackVersion) (*ModpackVersion, error) {
	v.ID = uuid.NewString()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO modpack_versions (id, modpack_id, version_string,
			target_runtime_version, loader_version, changelog, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING status, created_at`,
		v.ID, v.ModpackID, v.VersionString, v.TargetRuntimeVersion,
		v.LoaderVersion, v.Changelog, v.CreatedBy).
		Scan(&v.Status, &v.CreatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("version %q already exists", v.VersionString)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: create version: %w", err)
	}
	return &v, nil
}

// GetVersion loads a version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*ModpackVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM modpack_versions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("version %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get version: %w", err)
	}
	return v, nil
}

// ListVersions lists a modpack's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, modpackID string) ([]ModpackVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM modpack_versions
		 WHERE modpack_id = $1 ORDER BY created_at DESC`, modpackID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list versions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ModpackVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan version: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// VersionUpdate carries draft-mutable fields; published versions accept only
// Changelog.
type VersionUpdate struct {
	Changelog            *string
	TargetRuntimeVersion *string
	LoaderVersion        *string
}

// UpdateVersion applies a partial update respecting the published allow-list.
func (s *Store) UpdateVersion(ctx context.Context, id string, up VersionUpdate, published bool) error {
	if published && (up.TargetRuntimeVersion != nil || up.LoaderVersion != nil) {
		return apperr.PreconditionFailed("published versions accept changelog edits only")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE modpack_versions SET
			changelog = COALESCE($1, changelog),
			target_runtime_version = COALESCE($2, target_runtime_version),
			loader_version = COALESCE($3, loader_version)
		WHERE id = $4`,
		up.Changelog, up.TargetRuntimeVersion, up.LoaderVersion, id)
	if err != nil {
		return fmt.Errorf("catalog: update version: %w", err)
	}
	return nil
}

// PublishVersion flips a draft to published. The caller validates the
// publishing preconditions; this enforces the terminal transition.
func (s *Store) PublishVersion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE modpack_versions SET status = 'published', released_at = now()
		WHERE id = $1 AND status = 'draft'`, id)
	if err != nil {
		return fmt.Errorf("catalog: publish version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("version is already published")
	}
	return nil
}

// CountPublishedVersions counts published versions of a modpack.
func (s *Store) CountPublishedVersions(ctx context.Context, modpackID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM modpack_versions
		WHERE modpack_id = $1 AND status = 'published'`, modpackID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: count published: %w", err)
	}
	return n, nil
}

// ---- version files & blobs ----

// ListVersionFiles returns a version's manifest entries with blob sizes.
func (s *Store) ListVersionFiles(ctx context.Context, versionID string) ([]VersionFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vf.id, vf.version_id, vf.digest, vf.relative_path, b.byte_length
		FROM version_files vf
		JOIN blobs b ON b.digest = vf.digest
		WHERE vf.version_id = $1
		ORDER BY vf.relative_path`, versionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list version files: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []VersionFile
	for rows.Next() {
		var f VersionFile
		if err := rows.Scan(&f.ID, &f.VersionID, &f.Digest, &f.RelativePath, &f.Size); err != nil {
			return nil, fmt.Errorf("catalog: scan version file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// VersionHasFile reports whether the version manifest references the digest.
func (s *Store) VersionHasFile(ctx context.Context, versionID, digest string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM version_files WHERE version_id = $1 AND digest = $2 LIMIT 1`,
		versionID, digest).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: version has file: %w", err)
	}
	return true, nil
}

// CountVersionFiles counts a version's manifest entries.
func (s *Store) CountVersionFiles(ctx context.Context, versionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM version_files WHERE version_id = $1`, versionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: count version files: %w", err)
	}
	return n, nil
}

// ReferencedDigests implements blob.ReferenceSource: the snapshot of every
// digest any version manifest references.
func (s *Store) ReferencedDigests(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT digest FROM version_files`)
	if err != nil {
		return nil, fmt.Errorf("catalog: referenced digests: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]struct{})
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("catalog: scan digest: %w", err)
		}
		out[d] = struct{}{}
	}
	return out, rows.Err()
}

// ---- acquisitions ----

// ActiveAcquisition returns the user's non-revoked acquisition for a modpack,
// or NotFound.
func (s *Store) ActiveAcquisition(ctx context.Context, userID, modpackID string) (*Acquisition, error) {
	var a Acquisition
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, modpack_id, source, payment_id, channel_id, acquired_at, revoked_at
		FROM acquisitions
		WHERE user_id = $1 AND modpack_id = $2 AND revoked_at IS NULL`,
		userID, modpackID).
		Scan(&a.ID, &a.UserID, &a.ModpackID, &a.Source, &a.PaymentID, &a.ChannelID,
			&a.AcquiredAt, &a.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no active acquisition")
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: active acquisition: %w", err)
	}
	return &a, nil
}

// InsertAcquisition grants an acquisition. Conflict when one is already
// active for (user, modpack).
func (s *Store) InsertAcquisition(ctx context.Context, a Acquisition) (*Acquisition, error) {
	a.ID = uuid.NewString()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO acquisitions (id, user_id, modpack_id, source, payment_id, channel_id)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING acquired_at`,
		a.ID, a.UserID, a.ModpackID, string(a.Source), a.PaymentID, a.ChannelID).
		Scan(&a.AcquiredAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("modpack already acquired")
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: insert acquisition: %w", err)
	}
	return &a, nil
}

// RevokeAcquisition stamps revoked_at on an active acquisition.
func (s *Store) RevokeAcquisition(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE acquisitions SET revoked_at = $1
		WHERE id = $2 AND revoked_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("catalog: revoke acquisition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("acquisition %s", id)
	}
	return nil
}
