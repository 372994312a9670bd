package perm

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// Membership is one member row as the engine sees it.
type Membership struct {
	MemberID string
	UserID   string
	Role     Role
}

// ScopeGrant is a fine-grained grant attached to a member. ModpackID is empty
// when the grant targets the whole publisher.
type ScopeGrant struct {
	ModpackID   string
	Permissions Set
}

// ACL is the snapshot of a publisher's members and their scopes.
type ACL struct {
	PublisherID string
	Members     []Membership
	// Scopes keyed by member id.
	Scopes map[string][]ScopeGrant
}

// Member finds a membership by user id.
func (a *ACL) Member(userID string) (Membership, bool) {
	for _, m := range a.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Membership{}, false
}

// Directory loads permission state from the relational store.
type Directory interface {
	// PublisherACL returns the members and scopes of a publisher.
	// NotFound when the publisher does not exist.
	PublisherACL(ctx context.Context, publisherID string) (*ACL, error)
	// IsPlatformAdmin reports the user's global admin flag.
	IsPlatformAdmin(ctx context.Context, userID string) (bool, error)
}

// Resource names the target of a permission check. ModpackID may be empty for
// publisher-level actions.
type Resource struct {
	PublisherID string
	ModpackID   string
}

// Engine answers permission checks with a short-TTL per-publisher ACL cache.
// Every mutation to a publisher's members or scopes must call Invalidate.
type Engine struct {
	dir   Directory
	cache *gocache.Cache
	ttl   time.Duration
}

// NewEngine builds an engine. ttl bounds ACL staleness (default 30s).
func NewEngine(dir Directory, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Engine{
		dir:   dir,
		cache: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Invalidate drops the cached ACL for a publisher.
func (e *Engine) Invalidate(publisherID string) {
	e.cache.Delete(publisherID)
}

func (e *Engine) acl(ctx context.Context, publisherID string) (*ACL, error) {
	if v, ok := e.cache.Get(publisherID); ok {
		return v.(*ACL), nil
	}
	acl, err := e.dir.PublisherACL(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	e.cache.SetDefault(publisherID, acl)
	return acl, nil
}

// Check reports whether user may exercise p on the resource.
//
// Order: platform admin -> membership -> role defaults -> scope union over
// grants targeting the specific modpack or the whole publisher.
func (e *Engine) Check(ctx context.Context, userID string, p Permission, res Resource) (bool, error) {
	admin, err := e.dir.IsPlatformAdmin(ctx, userID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}

	acl, err := e.acl(ctx, res.PublisherID)
	if err != nil {
		return false, err
	}
	m, ok := acl.Member(userID)
	if !ok {
		return false, nil
	}
	if m.Role.Defaults().Has(p) {
		return true, nil
	}

	var granted Set
	for _, g := range acl.Scopes[m.MemberID] {
		switch {
		case g.ModpackID == "": // publisher-wide grant
			granted = granted.Union(g.Permissions)
		case res.ModpackID != "" && g.ModpackID == res.ModpackID:
			granted = granted.Union(g.Permissions)
		}
	}
	return granted.Has(p), nil
}

// Require is Check that turns a negative into a Forbidden error.
func (e *Engine) Require(ctx context.Context, userID string, p Permission, res Resource) error {
	ok, err := e.Check(ctx, userID, p, res)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("missing permission %s", p)
	}
	return nil
}

// CanManageRole applies the role-management rule: the actor needs
// publisher.manage_members, an authority rank covering both the current and
// the new role, and may not act on themselves. Ownership moves only through
// the explicit transfer path.
func (e *Engine) CanManageRole(ctx context.Context, actorUserID string, target Membership, newRole Role, publisherID string) error {
	if actorUserID == target.UserID {
		return apperr.Forbidden("cannot change your own role")
	}
	if newRole == RoleOwner || target.Role == RoleOwner {
		return apperr.Forbidden("ownership changes require a transfer")
	}
	admin, err := e.dir.IsPlatformAdmin(ctx, actorUserID)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}

	acl, err := e.acl(ctx, publisherID)
	if err != nil {
		return err
	}
	actor, ok := acl.Member(actorUserID)
	if !ok {
		return apperr.Forbidden("not a member of this publisher")
	}
	if err := e.Require(ctx, actorUserID, PublisherManageMembers, Resource{PublisherID: publisherID}); err != nil {
		return err
	}
	needed := target.Role.Rank()
	if newRole.Rank() > needed {
		needed = newRole.Rank()
	}
	if actor.Role.Rank() < needed {
		return apperr.Forbidden("role %s outranks your authority", target.Role)
	}
	return nil
}
