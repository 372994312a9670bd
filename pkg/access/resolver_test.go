package access

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

type fakeDir struct {
	members map[string]perm.Role
}

func (d fakeDir) PublisherACL(ctx context.Context, publisherID string) (*perm.ACL, error) {
	acl := &perm.ACL{PublisherID: publisherID}
	for uid, role := range d.members {
		acl.Members = append(acl.Members, perm.Membership{UserID: uid, Role: role})
	}
	return acl, nil
}

func (d fakeDir) IsPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	return false, nil
}

type fixedSubs struct{ subscribed bool }

func (f fixedSubs) IsSubscribedToAny(context.Context, string, []string) (bool, error) {
	return f.subscribed, nil
}

func newTestResolver(t *testing.T, subs SubscriptionChecker) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := catalog.NewStore(db)
	dir := fakeDir{members: map[string]perm.Role{"u-owner": perm.RoleOwner}}
	return NewResolver(store, perm.NewEngine(dir, time.Second), subs, slog.Default()), mock
}

var modpackCols = []string{
	"id", "publisher_id", "slug", "name", "short_description", "description",
	"icon_url", "banner_url", "visibility", "status", "pricing_kind",
	"price_amount", "price_currency", "subscription_channels", "pricing_version",
	"primary_category_id", "published_at", "created_at", "updated_at",
}

type packShape struct {
	visibility string
	status     string
	pricing    string
	amount     any
	currency   any
	channels   string
	version    int64
}

func expectModpack(mock sqlmock.Sqlmock, p packShape) {
	now := time.Now()
	if p.channels == "" {
		p.channels = "{}"
	}
	if p.version == 0 {
		p.version = 1
	}
	mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-1").
		WillReturnRows(sqlmock.NewRows(modpackCols).AddRow(
			"mp-1", "pub-1", "pack", "Pack", "", "", "", "",
			p.visibility, p.status, p.pricing, p.amount, p.currency,
			p.channels, p.version, nil, now, now, now))
}

func expectNoAcquisition(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectQuery(`SELECT id, user_id, modpack_id, source`).
		WithArgs(userID, "mp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
}

func expectAcquisition(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectQuery(`SELECT id, user_id, modpack_id, source`).
		WithArgs(userID, "mp-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "modpack_id", "source", "payment_id", "channel_id",
			"acquired_at", "revoked_at",
		}).AddRow("acq-1", userID, "mp-1", "purchase", nil, nil, time.Now(), nil))
}

func TestResolveFreePublic(t *testing.T) {
	r, mock := newTestResolver(t, nil)
	expectModpack(mock, packShape{visibility: "public", status: "published", pricing: "free"})

	d, err := r.Resolve(context.Background(), "u-anyone", "mp-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonFree, d.Reason)
}

func TestResolvePaid(t *testing.T) {
	t.Run("acquired", func(t *testing.T) {
		r, mock := newTestResolver(t, nil)
		expectModpack(mock, packShape{visibility: "public", status: "published",
			pricing: "paid", amount: "9.99", currency: "USD"})
		expectAcquisition(mock, "u-buyer")

		d, err := r.Resolve(context.Background(), "u-buyer", "mp-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonAcquired, d.Reason)
	})

	t.Run("not acquired", func(t *testing.T) {
		r, mock := newTestResolver(t, nil)
		expectModpack(mock, packShape{visibility: "public", status: "published",
			pricing: "paid", amount: "9.99", currency: "USD"})
		expectNoAcquisition(mock, "u-window-shopper")

		d, err := r.Resolve(context.Background(), "u-window-shopper", "mp-1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonNotAcquired, d.Reason)
	})
}

func TestResolveSubscriptionGated(t *testing.T) {
	gated := packShape{visibility: "public", status: "published",
		pricing: "subscription_gated", channels: `{ch-gold,ch-plat}`}

	t.Run("subscriber", func(t *testing.T) {
		r, mock := newTestResolver(t, fixedSubs{subscribed: true})
		expectModpack(mock, gated)
		expectNoAcquisition(mock, "u-sub")

		d, err := r.Resolve(context.Background(), "u-sub", "mp-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonSubscription, d.Reason)
	})

	t.Run("non subscriber gets the channel list", func(t *testing.T) {
		r, mock := newTestResolver(t, fixedSubs{subscribed: false})
		expectModpack(mock, gated)
		expectNoAcquisition(mock, "u-nosub")

		d, err := r.Resolve(context.Background(), "u-nosub", "mp-1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonSubscriptionRequired, d.Reason)
		assert.Equal(t, []string{"ch-gold", "ch-plat"}, d.RequiredChannels)
	})

	t.Run("admin grant outranks the platform check", func(t *testing.T) {
		r, mock := newTestResolver(t, fixedSubs{subscribed: false})
		expectModpack(mock, gated)
		expectAcquisition(mock, "u-granted")

		d, err := r.Resolve(context.Background(), "u-granted", "mp-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonAcquired, d.Reason)
	})
}

func TestResolveDraftIsMemberOnly(t *testing.T) {
	r, mock := newTestResolver(t, nil)
	expectModpack(mock, packShape{visibility: "public", status: "draft", pricing: "free"})
	expectModpack(mock, packShape{visibility: "public", status: "draft", pricing: "free"})

	d, err := r.Resolve(context.Background(), "u-owner", "mp-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonMember, d.Reason)

	d, err = r.Resolve(context.Background(), "u-stranger", "mp-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnavailable, d.Reason)
}

func TestResolvePrivateIsMemberOnly(t *testing.T) {
	r, mock := newTestResolver(t, nil)
	priv := packShape{visibility: "private", status: "published",
		pricing: "paid", amount: "4.50", currency: "EUR"}
	expectModpack(mock, priv)
	expectModpack(mock, priv)

	d, err := r.Resolve(context.Background(), "u-owner", "mp-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = r.Resolve(context.Background(), "u-stranger", "mp-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPrivate, d.Reason)
}

func TestResolveUnknownModpack(t *testing.T) {
	r, mock := newTestResolver(t, nil)
	mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-1").
		WillReturnRows(sqlmock.NewRows(modpackCols))

	_, err := r.Resolve(context.Background(), "u-anyone", "mp-1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestResolveCachesUntilInvalidated(t *testing.T) {
	r, mock := newTestResolver(t, nil)
	paid := packShape{visibility: "public", status: "published",
		pricing: "paid", amount: "9.99", currency: "USD"}

	// First resolve consults acquisitions; the second is served from
	// cache and only reloads the modpack row.
	expectModpack(mock, paid)
	expectNoAcquisition(mock, "u-buyer")
	expectModpack(mock, paid)

	for i := 0; i < 2; i++ {
		d, err := r.Resolve(context.Background(), "u-buyer", "mp-1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	}
	require.NoError(t, mock.ExpectationsWereMet())

	// After a grant plus invalidation the acquisition check runs again.
	r.Invalidate("u-buyer", "mp-1")
	expectModpack(mock, paid)
	expectAcquisition(mock, "u-buyer")

	d, err := r.Resolve(context.Background(), "u-buyer", "mp-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAcquired, d.Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolvePricingChangeMissesCache(t *testing.T) {
	r, mock := newTestResolver(t, nil)
	expectModpack(mock, packShape{visibility: "public", status: "published",
		pricing: "paid", amount: "9.99", currency: "USD", version: 1})
	expectNoAcquisition(mock, "u-buyer")

	d, err := r.Resolve(context.Background(), "u-buyer", "mp-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// The publisher makes it free; the bumped pricing version routes
	// around the stale cached denial.
	expectModpack(mock, packShape{visibility: "public", status: "published",
		pricing: "free", version: 2})

	d, err = r.Resolve(context.Background(), "u-buyer", "mp-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonFree, d.Reason)
}
