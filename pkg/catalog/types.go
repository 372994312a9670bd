// Package catalog holds the domain model and CRUD services for publishers,
// modpacks and versions, with every write gated by the permission engine.
package catalog

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

// User is an identity-provider-synced account. The core never creates or
// destroys users on its own.
type User struct {
	ID                          string    `json:"id"`
	DisplayName                 string    `json:"displayName"`
	Email                       string    `json:"email"`
	Admin                       bool      `json:"admin"`
	LinkedSubscriptionAccountID *string   `json:"linkedSubscriptionAccountId,omitempty"`
	CreatedAt                   time.Time `json:"createdAt"`
}

// Publisher is an organization owning modpacks.
type Publisher struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Verified       bool      `json:"verified"`
	Partnered      bool      `json:"partnered"`
	HostingPartner bool      `json:"hostingPartner"`
	Banned         bool      `json:"banned"`
	TosURL         string    `json:"tosUrl"`
	PrivacyURL     string    `json:"privacyUrl"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PublisherMember ties a user to a publisher with a role.
type PublisherMember struct {
	ID          string    `json:"id"`
	PublisherID string    `json:"publisherId"`
	UserID      string    `json:"userId"`
	Role        perm.Role `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MemberScope attaches fine-grained permissions to a member, targeting either
// the whole publisher or a single modpack. Exactly one target is set.
type MemberScope struct {
	ID                string    `json:"id"`
	MemberID          string    `json:"memberId"`
	TargetPublisherID *string   `json:"targetPublisherId,omitempty"`
	TargetModpackID   *string   `json:"targetModpackId,omitempty"`
	Permissions       perm.Set  `json:"-"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Visibility controls discovery of a modpack.
type Visibility string

const (
	VisibilityPublic       Visibility = "public"
	VisibilityPrivate      Visibility = "private"
	VisibilitySubscription Visibility = "subscription"
)

// Valid reports whether v is a defined visibility.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilitySubscription:
		return true
	}
	return false
}

// ModpackStatus is the modpack lifecycle state.
type ModpackStatus string

const (
	StatusDraft     ModpackStatus = "draft"
	StatusPublished ModpackStatus = "published"
	StatusArchived  ModpackStatus = "archived"
	StatusDeleted   ModpackStatus = "deleted"
)

// PricingKind discriminates the pricing variant.
type PricingKind string

const (
	PricingFree              PricingKind = "free"
	PricingPaid              PricingKind = "paid"
	PricingSubscriptionGated PricingKind = "subscription_gated"
)

// Pricing is a tagged variant: free, paid(amount, currency) or
// subscriptionGated(channels).
type Pricing struct {
	Kind     PricingKind     `json:"kind"`
	Amount   decimal.Decimal `json:"amount,omitempty"`
	Currency string          `json:"currency,omitempty"`
	Channels []string        `json:"channels,omitempty"`
}

// Validate checks the variant's internal consistency.
func (p Pricing) Validate() error {
	switch p.Kind {
	case PricingFree:
		return nil
	case PricingPaid:
		if !p.Amount.IsPositive() {
			return errPricingAmount
		}
		if len(p.Currency) != 3 {
			return errPricingCurrency
		}
		return nil
	case PricingSubscriptionGated:
		if len(p.Channels) == 0 {
			return errPricingChannels
		}
		return nil
	default:
		return errPricingKind
	}
}

// Modpack is the published unit users acquire.
type Modpack struct {
	ID                string        `json:"id"`
	PublisherID       string        `json:"publisherId"`
	Slug              string        `json:"slug"`
	Name              string        `json:"name"`
	ShortDescription  string        `json:"shortDescription"`
	Description       string        `json:"description"`
	IconURL           string        `json:"iconUrl"`
	BannerURL         string        `json:"bannerUrl"`
	Visibility        Visibility    `json:"visibility"`
	Status            ModpackStatus `json:"status"`
	Pricing           Pricing       `json:"pricing"`
	PricingVersion    int64         `json:"pricingVersion"`
	PrimaryCategoryID *string       `json:"primaryCategoryId,omitempty"`
	PublishedAt       *time.Time    `json:"publishedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// VersionStatus is the version lifecycle state; publishing is terminal.
type VersionStatus string

const (
	VersionDraft     VersionStatus = "draft"
	VersionPublished VersionStatus = "published"
)

// ModpackVersion is one ordered release of a modpack.
type ModpackVersion struct {
	ID                   string        `json:"id"`
	ModpackID            string        `json:"modpackId"`
	VersionString        string        `json:"version"`
	TargetRuntimeVersion string        `json:"targetRuntimeVersion"`
	LoaderVersion        *string       `json:"loaderVersion,omitempty"`
	Changelog            string        `json:"changelog"`
	Status               VersionStatus `json:"status"`
	CreatedBy            string        `json:"createdBy"`
	CreatedAt            time.Time     `json:"createdAt"`
	ReleasedAt           *time.Time    `json:"releasedAt,omitempty"`
}

// VersionFile maps a normalized relative path in a version manifest to a
// stored blob.
type VersionFile struct {
	ID           string `json:"id"`
	VersionID    string `json:"versionId"`
	Digest       string `json:"digest"`
	RelativePath string `json:"path"`
	Size         int64  `json:"size"`
}

// Category groups modpacks for discovery.
type Category struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Slug    string  `json:"slug"`
	IconURL *string `json:"iconUrl,omitempty"`
}

// AcquisitionSource discriminates how an acquisition was granted.
type AcquisitionSource string

const (
	AcquisitionFree         AcquisitionSource = "free"
	AcquisitionPurchase     AcquisitionSource = "purchase"
	AcquisitionSubscription AcquisitionSource = "subscription"
	AcquisitionAdminGrant   AcquisitionSource = "admin_grant"
)

// Acquisition entitles a user to a modpack. At most one active (non-revoked)
// acquisition exists per (user, modpack).
type Acquisition struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	ModpackID  string            `json:"modpackId"`
	Source     AcquisitionSource `json:"source"`
	PaymentID  *string           `json:"paymentId,omitempty"`
	ChannelID  *string           `json:"channelId,omitempty"`
	AcquiredAt time.Time         `json:"acquiredAt"`
	RevokedAt  *time.Time        `json:"revokedAt,omitempty"`
}

// Active reports whether the acquisition has not been revoked.
func (a Acquisition) Active() bool { return a.RevokedAt == nil }
