// Package perm evaluates whether a caller may perform an action on a
// publisher or one of its modpacks, combining role defaults with
// fine-grained member scopes. Checks are side-effect-free and deterministic
// over the stored state.
package perm

import "strings"

// Permission is one bit in the closed permission set.
type Permission uint64

const (
	ModpackView Permission = 1 << iota
	ModpackModify
	ModpackManageVersions
	ModpackPublish
	ModpackDelete
	ModpackManageAccess
	PublisherManageMembers
	PublisherManageSettings
	PublisherManageCategories
	PublisherViewStats
	PublisherRequestWithdrawal
)

var permNames = map[Permission]string{
	ModpackView:                "modpack.view",
	ModpackModify:              "modpack.modify",
	ModpackManageVersions:      "modpack.manage_versions",
	ModpackPublish:             "modpack.publish",
	ModpackDelete:              "modpack.delete",
	ModpackManageAccess:        "modpack.manage_access",
	PublisherManageMembers:     "publisher.manage_members",
	PublisherManageSettings:    "publisher.manage_settings",
	PublisherManageCategories:  "publisher.manage_categories",
	PublisherViewStats:         "publisher.view_stats",
	PublisherRequestWithdrawal: "publisher.request_withdrawal",
}

// AllPermissions is the union of every defined permission bit.
const AllPermissions Set = Set(PublisherRequestWithdrawal<<1 - 1)

func (p Permission) String() string {
	if n, ok := permNames[p]; ok {
		return n
	}
	return "unknown"
}

// ParsePermission resolves a dotted permission name. Returns 0 when unknown.
func ParsePermission(name string) Permission {
	for p, n := range permNames {
		if n == name {
			return p
		}
	}
	return 0
}

// Set is a permission bitset.
type Set uint64

// Has reports whether the set contains p.
func (s Set) Has(p Permission) bool { return s&Set(p) != 0 }

// With returns the set plus p.
func (s Set) With(p Permission) Set { return s | Set(p) }

// Union merges two sets.
func (s Set) Union(o Set) Set { return s | o }

// Names lists the contained permissions, for logs and API payloads.
func (s Set) Names() []string {
	var out []string
	for p := ModpackView; p <= PublisherRequestWithdrawal; p <<= 1 {
		if s.Has(p) {
			out = append(out, p.String())
		}
	}
	return out
}

// SetFromNames builds a set from dotted names, ignoring unknown ones.
func SetFromNames(names []string) Set {
	var s Set
	for _, n := range names {
		if p := ParsePermission(strings.TrimSpace(n)); p != 0 {
			s = s.With(p)
		}
	}
	return s
}

// Role is a publisher membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Rank orders roles for the role-management rule: owner 3, admin 2, member 1.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool { return r.Rank() > 0 }

const allModpackPerms = Set(ModpackView | ModpackModify | ModpackManageVersions |
	ModpackPublish | ModpackDelete | ModpackManageAccess)

// Defaults returns the permissions the role grants without any scope.
func (r Role) Defaults() Set {
	switch r {
	case RoleOwner:
		return AllPermissions
	case RoleAdmin:
		return allModpackPerms.
			With(PublisherManageMembers).
			With(PublisherManageCategories).
			With(PublisherViewStats)
	case RoleMember:
		return Set(ModpackView)
	default:
		return 0
	}
}
