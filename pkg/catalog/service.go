package catalog

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

// Service exposes catalog CRUD with every write gated by the permission
// engine. Banned publishers are inert on all write paths.
type Service struct {
	store *Store
	perms *perm.Engine
	log   *slog.Logger

	// onAcquisition lets the access resolver drop its cached decision when a
	// grant or revoke lands. Optional.
	onAcquisition func(userID, modpackID string)
}

// NewService builds the catalog service.
func NewService(store *Store, perms *perm.Engine, log *slog.Logger) *Service {
	return &Service{store: store, perms: perms, log: log}
}

// OnAcquisitionChange registers the access-cache invalidation hook.
func (s *Service) OnAcquisitionChange(fn func(userID, modpackID string)) {
	s.onAcquisition = fn
}

// Store returns the underlying store (shared with importer and payment).
func (s *Service) Store() *Store { return s.store }

func (s *Service) notifyAcquisition(userID, modpackID string) {
	if s.onAcquisition != nil {
		s.onAcquisition(userID, modpackID)
	}
}

// writablePublisher loads a publisher and rejects writes when it is banned.
func (s *Service) writablePublisher(ctx context.Context, id string) (*Publisher, error) {
	p, err := s.store.GetPublisher(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Banned {
		return nil, apperr.Forbidden("publisher is banned")
	}
	return p, nil
}

// ---- publishers & members ----

// CreatePublisher creates a publisher owned by the actor.
func (s *Service) CreatePublisher(ctx context.Context, actorUserID string, p Publisher) (*Publisher, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, apperr.Validation("name is required").WithField("name")
	}
	created, err := s.store.CreatePublisher(ctx, p, actorUserID)
	if err != nil {
		return nil, err
	}
	s.log.Info("publisher created", "publisher_id", created.ID, "owner", actorUserID)
	return created, nil
}

// AddMember adds a user to a publisher. The actor needs manage_members and
// enough rank for the new role; new owners only arrive via transfer.
func (s *Service) AddMember(ctx context.Context, actorUserID, publisherID, userID string, role perm.Role) (*PublisherMember, error) {
	if !role.Valid() || role == perm.RoleOwner {
		return nil, apperr.Validation("role must be admin or member").WithField("role")
	}
	if _, err := s.writablePublisher(ctx, publisherID); err != nil {
		return nil, err
	}
	if err := s.perms.CanManageRole(ctx, actorUserID,
		perm.Membership{UserID: userID, Role: perm.RoleMember}, role, publisherID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	m, err := s.store.AddMember(ctx, publisherID, userID, role)
	if err != nil {
		return nil, err
	}
	s.perms.Invalidate(publisherID)
	return m, nil
}

// ChangeMemberRole moves a member between admin and member.
func (s *Service) ChangeMemberRole(ctx context.Context, actorUserID, memberID string, role perm.Role) error {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return err
	}
	if err := s.perms.CanManageRole(ctx, actorUserID,
		perm.Membership{MemberID: m.ID, UserID: m.UserID, Role: m.Role}, role, m.PublisherID); err != nil {
		return err
	}
	if err := s.store.UpdateMemberRole(ctx, memberID, role); err != nil {
		return err
	}
	s.perms.Invalidate(m.PublisherID)
	return nil
}

// RemoveMember deletes a membership. Owners must transfer first.
func (s *Service) RemoveMember(ctx context.Context, actorUserID, memberID string) error {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return err
	}
	if m.Role == perm.RoleOwner {
		return apperr.PreconditionFailed("transfer ownership before removing the owner")
	}
	if err := s.perms.CanManageRole(ctx, actorUserID,
		perm.Membership{MemberID: m.ID, UserID: m.UserID, Role: m.Role}, perm.RoleMember, m.PublisherID); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, memberID); err != nil {
		return err
	}
	s.perms.Invalidate(m.PublisherID)
	return nil
}

// TransferOwnership hands the publisher to another member. Only the current
// owner (or a platform admin) may do this.
func (s *Service) TransferOwnership(ctx context.Context, actorUserID, publisherID, newOwnerMemberID string) error {
	if _, err := s.writablePublisher(ctx, publisherID); err != nil {
		return err
	}
	admin, err := s.store.IsPlatformAdmin(ctx, actorUserID)
	if err != nil {
		return err
	}
	if !admin {
		actor, err := s.store.MemberOf(ctx, publisherID, actorUserID)
		if err != nil || actor.Role != perm.RoleOwner {
			return apperr.Forbidden("only the owner may transfer ownership")
		}
	}
	if err := s.store.TransferOwnership(ctx, publisherID, newOwnerMemberID); err != nil {
		return err
	}
	s.perms.Invalidate(publisherID)
	s.log.Info("ownership transferred",
		"publisher_id", publisherID, "new_owner_member", newOwnerMemberID, "by", actorUserID)
	return nil
}

// ListMembers lists a publisher's members; any member may look.
func (s *Service) ListMembers(ctx context.Context, actorUserID, publisherID string) ([]PublisherMember, error) {
	if err := s.perms.Require(ctx, actorUserID, perm.ModpackView,
		perm.Resource{PublisherID: publisherID}); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, publisherID)
}

// ---- scopes ----

// scopePermission picks the gate for a scope mutation from its target.
func scopePermission(sc MemberScope) (perm.Permission, perm.Resource, error) {
	switch {
	case sc.TargetModpackID != nil && sc.TargetPublisherID == nil:
		return perm.ModpackManageAccess, perm.Resource{ModpackID: *sc.TargetModpackID}, nil
	case sc.TargetPublisherID != nil && sc.TargetModpackID == nil:
		return perm.PublisherManageMembers, perm.Resource{PublisherID: *sc.TargetPublisherID}, nil
	default:
		return 0, perm.Resource{}, apperr.Validation("scope must target exactly one of publisher or modpack").WithField("target")
	}
}

// GrantScope attaches a scope to a member. The target must belong to the
// member's publisher.
func (s *Service) GrantScope(ctx context.Context, actorUserID string, sc MemberScope) (*MemberScope, error) {
	m, err := s.store.GetMember(ctx, sc.MemberID)
	if err != nil {
		return nil, err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return nil, err
	}
	p, res, err := s.resolveScopeGate(ctx, sc, m.PublisherID)
	if err != nil {
		return nil, err
	}
	if err := s.perms.Require(ctx, actorUserID, p, res); err != nil {
		return nil, err
	}
	created, err := s.store.CreateScope(ctx, sc)
	if err != nil {
		return nil, err
	}
	s.perms.Invalidate(m.PublisherID)
	return created, nil
}

// UpdateScope rewrites a scope's target or permission set.
func (s *Service) UpdateScope(ctx context.Context, actorUserID, scopeID string, sc MemberScope) error {
	existing, err := s.store.GetScope(ctx, scopeID)
	if err != nil {
		return err
	}
	m, err := s.store.GetMember(ctx, existing.MemberID)
	if err != nil {
		return err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return err
	}
	sc.ID = scopeID
	sc.MemberID = existing.MemberID
	p, res, err := s.resolveScopeGate(ctx, sc, m.PublisherID)
	if err != nil {
		return err
	}
	if err := s.perms.Require(ctx, actorUserID, p, res); err != nil {
		return err
	}
	if err := s.store.UpdateScope(ctx, sc); err != nil {
		return err
	}
	s.perms.Invalidate(m.PublisherID)
	return nil
}

// DeleteScope removes a scope.
func (s *Service) DeleteScope(ctx context.Context, actorUserID, scopeID string) error {
	existing, err := s.store.GetScope(ctx, scopeID)
	if err != nil {
		return err
	}
	m, err := s.store.GetMember(ctx, existing.MemberID)
	if err != nil {
		return err
	}
	p, res, err := s.resolveScopeGate(ctx, *existing, m.PublisherID)
	if err != nil {
		return err
	}
	if err := s.perms.Require(ctx, actorUserID, p, res); err != nil {
		return err
	}
	if err := s.store.DeleteScope(ctx, scopeID); err != nil {
		return err
	}
	s.perms.Invalidate(m.PublisherID)
	return nil
}

// resolveScopeGate validates the scope target's ownership and returns the
// permission gate for mutating it.
func (s *Service) resolveScopeGate(ctx context.Context, sc MemberScope, memberPublisherID string) (perm.Permission, perm.Resource, error) {
	p, res, err := scopePermission(sc)
	if err != nil {
		return 0, perm.Resource{}, err
	}
	if sc.TargetModpackID != nil {
		mp, err := s.store.GetModpack(ctx, *sc.TargetModpackID)
		if err != nil {
			return 0, perm.Resource{}, err
		}
		if mp.PublisherID != memberPublisherID {
			return 0, perm.Resource{}, apperr.Validation("scope target belongs to another publisher").WithField("target")
		}
		res.PublisherID = mp.PublisherID
	} else if *sc.TargetPublisherID != memberPublisherID {
		return 0, perm.Resource{}, apperr.Validation("scope target belongs to another publisher").WithField("target")
	}
	return p, res, nil
}

// ---- modpacks ----

// CreateModpack creates a draft modpack under a publisher.
func (s *Service) CreateModpack(ctx context.Context, actorUserID string, m Modpack) (*Modpack, error) {
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return nil, err
	}
	if err := s.perms.Require(ctx, actorUserID, perm.ModpackModify,
		perm.Resource{PublisherID: m.PublisherID}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, apperr.Validation("name is required").WithField("name")
	}
	if m.Slug == "" {
		m.Slug = Slugify(m.Name)
	}
	if !ValidSlug(m.Slug) {
		return nil, apperr.Validation("slug %q is not a valid slug", m.Slug).WithField("slug")
	}
	if m.Visibility == "" {
		m.Visibility = VisibilityPublic
	}
	if !m.Visibility.Valid() {
		return nil, apperr.Validation("unknown visibility %q", m.Visibility).WithField("visibility")
	}
	if m.Pricing.Kind == "" {
		m.Pricing.Kind = PricingFree
	}
	if err := m.Pricing.Validate(); err != nil {
		return nil, err
	}
	return s.store.CreateModpack(ctx, m)
}

// GetModpack loads a modpack, hiding soft-deleted ones from non-members.
func (s *Service) GetModpack(ctx context.Context, actorUserID, id string) (*Modpack, error) {
	m, err := s.store.GetModpack(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == StatusDeleted {
		ok, err := s.perms.Check(ctx, actorUserID, perm.ModpackView,
			perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.NotFound("modpack %s", id)
		}
	}
	return m, nil
}

// UpdateModpack patches metadata. Slug is immutable after first publish.
func (s *Service) UpdateModpack(ctx context.Context, actorUserID, id string, up ModpackUpdate) (*Modpack, error) {
	m, err := s.store.GetModpack(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return nil, err
	}
	if m.Status == StatusDeleted {
		return nil, apperr.PreconditionFailed("modpack is deleted")
	}
	if err := s.perms.Require(ctx, actorUserID, perm.ModpackModify,
		perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID}); err != nil {
		return nil, err
	}
	if up.Slug != nil && *up.Slug != m.Slug {
		if m.PublishedAt != nil {
			return nil, apperr.PreconditionFailed("slug is immutable after first publish")
		}
		if !ValidSlug(*up.Slug) {
			return nil, apperr.Validation("slug %q is not a valid slug", *up.Slug).WithField("slug")
		}
	}
	if up.Visibility != nil && !up.Visibility.Valid() {
		return nil, apperr.Validation("unknown visibility %q", *up.Visibility).WithField("visibility")
	}
	if up.Pricing != nil {
		if err := up.Pricing.Validate(); err != nil {
			return nil, err
		}
	}
	return s.store.UpdateModpack(ctx, id, up)
}

// PublishModpack publishes a modpack: needs a published version and a
// primary category.
func (s *Service) PublishModpack(ctx context.Context, actorUserID, id string) error {
	m, err := s.store.GetModpack(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return err
	}
	if m.Status == StatusDeleted {
		return apperr.PreconditionFailed("modpack is deleted")
	}
	if err := s.perms.Require(ctx, actorUserID, perm.ModpackPublish,
		perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID}); err != nil {
		return err
	}
	if m.PrimaryCategoryID == nil {
		return apperr.PreconditionFailed("assign a primary category before publishing")
	}
	n, err := s.store.CountPublishedVersions(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.PreconditionFailed("publish at least one version first")
	}
	return s.store.SetModpackStatus(ctx, id, StatusPublished)
}

// ArchiveModpack soft-archives a modpack.
func (s *Service) ArchiveModpack(ctx context.Context, actorUserID, id string) error {
	return s.setStatusGated(ctx, actorUserID, id, StatusArchived, perm.ModpackModify)
}

// DeleteModpack soft-deletes a modpack; blobs are reclaimed by GC only once
// unreferenced.
func (s *Service) DeleteModpack(ctx context.Context, actorUserID, id string) error {
	return s.setStatusGated(ctx, actorUserID, id, StatusDeleted, perm.ModpackDelete)
}

func (s *Service) setStatusGated(ctx context.Context, actorUserID, id string, status ModpackStatus, gate perm.Permission) error {
	m, err := s.store.GetModpack(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return err
	}
	if m.Status == StatusDeleted {
		return apperr.PreconditionFailed("modpack is deleted")
	}
	if err := s.perms.Require(ctx, actorUserID, gate,
		perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID}); err != nil {
		return err
	}
	return s.store.SetModpackStatus(ctx, id, status)
}

// SetCategories replaces the category set; primary must be in the set.
func (s *Service) SetCategories(ctx context.Context, actorUserID, modpackID string, categoryIDs []string, primaryID string) error {
	m, err := s.store.GetModpack(ctx, modpackID)
	if err != nil {
		return err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return err
	}
	if err := s.perms.Require(ctx, actorUserID, perm.PublisherManageCategories,
		perm.Resource{PublisherID: m.PublisherID}); err != nil {
		return err
	}
	if primaryID != "" {
		found := false
		for _, id := range categoryIDs {
			if id == primaryID {
				found = true
				break
			}
		}
		if !found {
			return apperr.Validation("primary category must be in the assigned set").WithField("primaryCategoryId")
		}
	}
	return s.store.SetCategories(ctx, modpackID, categoryIDs, primaryID)
}

// CreateCategory adds a global category (platform admins only).
func (s *Service) CreateCategory(ctx context.Context, actorUserID string, c Category) (*Category, error) {
	admin, err := s.store.IsPlatformAdmin(ctx, actorUserID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, apperr.Forbidden("platform admin required")
	}
	if c.Slug == "" {
		c.Slug = Slugify(c.Name)
	}
	if !ValidSlug(c.Slug) {
		return nil, apperr.Validation("slug %q is not a valid slug", c.Slug).WithField("slug")
	}
	return s.store.CreateCategory(ctx, c)
}

// ---- versions ----

// CreateVersion creates a draft version.
func (s *Service) CreateVersion(ctx context.Context, actorUserID string, v ModpackVersion) (*ModpackVersion, error) {
	m, err := s.store.GetModpack(ctx, v.ModpackID)
	if err != nil {
		return nil, err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return nil, err
	}
	if m.Status == StatusDeleted {
		return nil, apperr.PreconditionFailed("modpack is deleted")
	}
	if err := s.perms.Require(ctx, actorUserID, perm.ModpackManageVersions,
		perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(v.VersionString) == "" {
		return nil, apperr.Validation("version is required").WithField("version")
	}
	v.CreatedBy = actorUserID
	return s.store.CreateVersion(ctx, v)
}

// UpdateVersion patches a version, honoring the published allow-list.
func (s *Service) UpdateVersion(ctx context.Context, actorUserID, versionID string, up VersionUpdate) error {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	m, err := s.store.GetModpack(ctx, v.ModpackID)
	if err != nil {
		return err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return err
	}
	if err := s.perms.Require(ctx, actorUserID, perm.ModpackManageVersions,
		perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID}); err != nil {
		return err
	}
	return s.store.UpdateVersion(ctx, versionID, up, v.Status == VersionPublished)
}

// PublishVersion flips a draft to published. Publishing requires a
// changelog, a valid target runtime version and at least one file.
func (s *Service) PublishVersion(ctx context.Context, actorUserID, versionID string) error {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	m, err := s.store.GetModpack(ctx, v.ModpackID)
	if err != nil {
		return err
	}
	if _, err := s.writablePublisher(ctx, m.PublisherID); err != nil {
		return err
	}
	if m.Status == StatusDeleted {
		return apperr.PreconditionFailed("modpack is deleted")
	}
	if err := s.perms.Require(ctx, actorUserID, perm.ModpackPublish,
		perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID}); err != nil {
		return err
	}
	if v.Status == VersionPublished {
		return apperr.Conflict("version is already published")
	}
	if strings.TrimSpace(v.Changelog) == "" {
		return apperr.PreconditionFailed("changelog is required to publish")
	}
	if !ValidRuntimeVersion(v.TargetRuntimeVersion) {
		return apperr.PreconditionFailed("target runtime version %q must match X.Y[.Z][-suffix]", v.TargetRuntimeVersion)
	}
	files, err := s.store.CountVersionFiles(ctx, versionID)
	if err != nil {
		return err
	}
	if files == 0 {
		return apperr.PreconditionFailed("version has no files")
	}
	return s.store.PublishVersion(ctx, versionID)
}

// ListVersions lists versions; drafts visible to members only.
func (s *Service) ListVersions(ctx context.Context, actorUserID, modpackID string) ([]ModpackVersion, error) {
	m, err := s.store.GetModpack(ctx, modpackID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListVersions(ctx, modpackID)
	if err != nil {
		return nil, err
	}
	member, err := s.perms.Check(ctx, actorUserID, perm.ModpackView,
		perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID})
	if err != nil {
		return nil, err
	}
	if member {
		return all, nil
	}
	out := all[:0]
	for _, v := range all {
		if v.Status == VersionPublished {
			out = append(out, v)
		}
	}
	return out, nil
}

// ---- acquisitions ----

// AcquireFree records a free acquisition for a public, free, published
// modpack. Re-acquiring is a no-op returning the existing grant.
func (s *Service) AcquireFree(ctx context.Context, userID, modpackID string) (*Acquisition, error) {
	m, err := s.store.GetModpack(ctx, modpackID)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusPublished || m.Visibility != VisibilityPublic || m.Pricing.Kind != PricingFree {
		return nil, apperr.PreconditionFailed("modpack is not freely acquirable")
	}
	if existing, err := s.store.ActiveAcquisition(ctx, userID, modpackID); err == nil {
		return existing, nil
	}
	a, err := s.store.InsertAcquisition(ctx, Acquisition{
		UserID: userID, ModpackID: modpackID, Source: AcquisitionFree,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return s.store.ActiveAcquisition(ctx, userID, modpackID)
		}
		return nil, err
	}
	s.notifyAcquisition(userID, modpackID)
	return a, nil
}

// AdminGrant grants an acquisition outside the purchase flow.
func (s *Service) AdminGrant(ctx context.Context, actorUserID, userID, modpackID string) (*Acquisition, error) {
	admin, err := s.store.IsPlatformAdmin(ctx, actorUserID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, apperr.Forbidden("platform admin required")
	}
	a, err := s.store.InsertAcquisition(ctx, Acquisition{
		UserID: userID, ModpackID: modpackID, Source: AcquisitionAdminGrant,
	})
	if err != nil {
		return nil, err
	}
	s.notifyAcquisition(userID, modpackID)
	return a, nil
}

// AdminRevoke revokes an active acquisition.
func (s *Service) AdminRevoke(ctx context.Context, actorUserID, userID, modpackID string) error {
	admin, err := s.store.IsPlatformAdmin(ctx, actorUserID)
	if err != nil {
		return err
	}
	if !admin {
		return apperr.Forbidden("platform admin required")
	}
	a, err := s.store.ActiveAcquisition(ctx, userID, modpackID)
	if err != nil {
		return err
	}
	if err := s.store.RevokeAcquisition(ctx, a.ID, time.Now().UTC()); err != nil {
		return err
	}
	s.notifyAcquisition(userID, modpackID)
	return nil
}
