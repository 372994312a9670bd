// Package access answers the question "may this user download this
// modpack" by combining catalog state, acquisitions, publisher
// membership and the external subscription capability.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

// Reasons carried on a Decision. Allowed decisions say why access was
// granted; denied ones say what is missing.
const (
	ReasonFree         = "free"
	ReasonAcquired     = "acquired"
	ReasonSubscription = "subscription"
	ReasonMember       = "member"

	ReasonUnavailable          = "unavailable"
	ReasonNotAcquired          = "not_acquired"
	ReasonSubscriptionRequired = "subscription_required"
	ReasonPrivate              = "private"
)

// Decision is the resolver's answer for one (user, modpack) pair.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// RequiredChannels lists the subscription channels that would grant
	// access, set only when Reason is subscription_required.
	RequiredChannels []string `json:"requiredChannels,omitempty"`
}

// SubscriptionChecker is the external subscription platform capability.
// Implementations must treat an empty channel list as false.
type SubscriptionChecker interface {
	IsSubscribedToAny(ctx context.Context, userID string, channels []string) (bool, error)
}

// NeverSubscribed is the checker used when no subscription platform is
// configured; subscription-gated modpacks then deny everyone.
type NeverSubscribed struct{}

func (NeverSubscribed) IsSubscribedToAny(context.Context, string, []string) (bool, error) {
	return false, nil
}

// Resolver evaluates download access with a short decision cache.
type Resolver struct {
	store *catalog.Store
	perms *perm.Engine
	subs  SubscriptionChecker
	cache *gocache.Cache
	log   *slog.Logger
}

const defaultDecisionTTL = 60 * time.Second

func NewResolver(store *catalog.Store, perms *perm.Engine, subs SubscriptionChecker, log *slog.Logger) *Resolver {
	return NewResolverTTL(store, perms, subs, defaultDecisionTTL, log)
}

// NewResolverTTL builds a resolver with an explicit decision cache TTL.
func NewResolverTTL(store *catalog.Store, perms *perm.Engine, subs SubscriptionChecker, ttl time.Duration, log *slog.Logger) *Resolver {
	if subs == nil {
		subs = NeverSubscribed{}
	}
	if ttl <= 0 {
		ttl = defaultDecisionTTL
	}
	return &Resolver{
		store: store,
		perms: perms,
		subs:  subs,
		cache: gocache.New(ttl, 2*ttl),
		log:   log.With("component", "access"),
	}
}

// cache keys carry the pricing version so a price or gating change
// naturally misses without an explicit flush.
func cacheKey(userID, modpackID string, pricingVersion int64) string {
	return fmt.Sprintf("%s|%s|%d", userID, modpackID, pricingVersion)
}

// Invalidate drops cached decisions for one (user, modpack) pair. Called
// on acquisition grants and revocations.
func (r *Resolver) Invalidate(userID, modpackID string) {
	prefix := userID + "|" + modpackID + "|"
	for key := range r.cache.Items() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			r.cache.Delete(key)
		}
	}
}

// Resolve decides whether userID may access modpackID.
//
// Rule order: lifecycle gate, then private visibility, then pricing.
// Member access short-circuits everything via modpack.view.
func (r *Resolver) Resolve(ctx context.Context, userID, modpackID string) (*Decision, error) {
	m, err := r.store.GetModpack(ctx, modpackID)
	if err != nil {
		return nil, err
	}

	key := cacheKey(userID, modpackID, m.PricingVersion)
	if v, ok := r.cache.Get(key); ok {
		return v.(*Decision), nil
	}

	d, err := r.resolve(ctx, userID, m)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, d)
	return d, nil
}

func (r *Resolver) resolve(ctx context.Context, userID string, m *catalog.Modpack) (*Decision, error) {
	res := perm.Resource{PublisherID: m.PublisherID, ModpackID: m.ID}

	if m.Status == catalog.StatusDeleted || m.Status == catalog.StatusDraft {
		ok, err := r.perms.Check(ctx, userID, perm.ModpackView, res)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Decision{Allowed: true, Reason: ReasonMember}, nil
		}
		return &Decision{Reason: ReasonUnavailable}, nil
	}

	if m.Visibility == catalog.VisibilityPrivate {
		ok, err := r.perms.Check(ctx, userID, perm.ModpackView, res)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Decision{Allowed: true, Reason: ReasonMember}, nil
		}
		return &Decision{Reason: ReasonPrivate}, nil
	}

	switch m.Pricing.Kind {
	case catalog.PricingFree:
		return &Decision{Allowed: true, Reason: ReasonFree}, nil

	case catalog.PricingPaid:
		_, err := r.store.ActiveAcquisition(ctx, userID, m.ID)
		if err == nil {
			return &Decision{Allowed: true, Reason: ReasonAcquired}, nil
		}
		if apperr.KindOf(err) == apperr.KindNotFound {
			return &Decision{Reason: ReasonNotAcquired}, nil
		}
		return nil, err

	case catalog.PricingSubscriptionGated:
		// An admin grant or prior acquisition outranks the live
		// subscription check.
		if _, err := r.store.ActiveAcquisition(ctx, userID, m.ID); err == nil {
			return &Decision{Allowed: true, Reason: ReasonAcquired}, nil
		} else if apperr.KindOf(err) != apperr.KindNotFound {
			return nil, err
		}
		subscribed, err := r.subs.IsSubscribedToAny(ctx, userID, m.Pricing.Channels)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "subscription check failed")
		}
		if subscribed {
			return &Decision{Allowed: true, Reason: ReasonSubscription}, nil
		}
		return &Decision{
			Reason:           ReasonSubscriptionRequired,
			RequiredChannels: m.Pricing.Channels,
		}, nil

	default:
		return nil, apperr.New(apperr.KindInternal, "modpack %s has unknown pricing kind %q", m.ID, m.Pricing.Kind)
	}
}
