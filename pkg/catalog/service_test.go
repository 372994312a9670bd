package catalog

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

// fakeDir backs the permission engine in service tests so only the catalog
// store talks to sqlmock.
type fakeDir struct {
	acl    *perm.ACL
	admins map[string]bool
}

func (d *fakeDir) PublisherACL(ctx context.Context, publisherID string) (*perm.ACL, error) {
	return d.acl, nil
}

func (d *fakeDir) IsPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	return d.admins[userID], nil
}

func newTestService(t *testing.T, dir perm.Directory) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	engine := perm.NewEngine(dir, time.Second)
	return NewService(NewStore(db), engine, slog.Default()), mock
}

func ownerDir(publisherID, userID string) *fakeDir {
	return &fakeDir{
		acl: &perm.ACL{
			PublisherID: publisherID,
			Members:     []perm.Membership{{MemberID: "m-owner", UserID: userID, Role: perm.RoleOwner}},
			Scopes:      map[string][]perm.ScopeGrant{},
		},
		admins: map[string]bool{},
	}
}

func publisherRow(id string, banned bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "verified", "partnered", "hosting_partner", "banned",
		"tos_url", "privacy_url", "created_at",
	}).AddRow(id, "Pub", false, false, false, banned, "", "", time.Now())
}

func modpackRow(id, pubID, pricingKind string, published bool) *sqlmock.Rows {
	now := time.Now()
	var publishedAt any
	status := "draft"
	if published {
		publishedAt = now
		status = "published"
	}
	var amount, currency any
	if pricingKind == "paid" {
		amount, currency = "9.99", "USD"
	}
	return sqlmock.NewRows(modpackRowColumns).AddRow(
		id, pubID, "pack", "Pack", "", "", "", "",
		"public", status, pricingKind, amount, currency, "{}", int64(1),
		nil, publishedAt, now, now)
}

func TestCreateModpackBannedPublisher(t *testing.T) {
	svc, mock := newTestService(t, ownerDir("pub-1", "u-owner"))
	mock.ExpectQuery(`SELECT id, name, verified`).
		WithArgs("pub-1").
		WillReturnRows(publisherRow("pub-1", true))

	_, err := svc.CreateModpack(context.Background(), "u-owner", Modpack{
		PublisherID: "pub-1", Name: "Pack",
	})
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateModpackSlugImmutableAfterPublish(t *testing.T) {
	svc, mock := newTestService(t, ownerDir("pub-1", "u-owner"))
	mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-1").
		WillReturnRows(modpackRow("mp-1", "pub-1", "free", true))
	mock.ExpectQuery(`SELECT id, name, verified`).
		WithArgs("pub-1").
		WillReturnRows(publisherRow("pub-1", false))

	newSlug := "renamed-pack"
	_, err := svc.UpdateModpack(context.Background(), "u-owner", "mp-1",
		ModpackUpdate{Slug: &newSlug})
	require.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishModpackNeedsPrimaryCategory(t *testing.T) {
	svc, mock := newTestService(t, ownerDir("pub-1", "u-owner"))
	mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-1").
		WillReturnRows(modpackRow("mp-1", "pub-1", "free", false))
	mock.ExpectQuery(`SELECT id, name, verified`).
		WithArgs("pub-1").
		WillReturnRows(publisherRow("pub-1", false))

	err := svc.PublishModpack(context.Background(), "u-owner", "mp-1")
	require.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
}

func TestPublishVersionNeedsChangelog(t *testing.T) {
	svc, mock := newTestService(t, ownerDir("pub-1", "u-owner"))
	mock.ExpectQuery(`SELECT\s+id, modpack_id, version_string`).
		WithArgs("v-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "modpack_id", "version_string", "target_runtime_version",
			"loader_version", "changelog", "status", "created_by", "created_at", "released_at",
		}).AddRow("v-1", "mp-1", "1.0.0", "1.20.1", nil, "", "draft", "u-owner", time.Now(), nil))
	mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-1").
		WillReturnRows(modpackRow("mp-1", "pub-1", "free", false))
	mock.ExpectQuery(`SELECT id, name, verified`).
		WithArgs("pub-1").
		WillReturnRows(publisherRow("pub-1", false))

	err := svc.PublishVersion(context.Background(), "u-owner", "v-1")
	require.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireFreeRejectsPaid(t *testing.T) {
	svc, mock := newTestService(t, ownerDir("pub-1", "u-owner"))
	mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-1").
		WillReturnRows(modpackRow("mp-1", "pub-1", "paid", true))

	_, err := svc.AcquireFree(context.Background(), "u-buyer", "mp-1")
	require.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
}

func TestAcquireFreeGrantsAndNotifies(t *testing.T) {
	svc, mock := newTestService(t, ownerDir("pub-1", "u-owner"))
	var notified []string
	svc.OnAcquisitionChange(func(userID, modpackID string) {
		notified = append(notified, userID+"/"+modpackID)
	})
	mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-1").
		WillReturnRows(modpackRow("mp-1", "pub-1", "free", true))
	mock.ExpectQuery(`SELECT id, user_id, modpack_id, source`).
		WithArgs("u-buyer", "mp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO acquisitions`).
		WillReturnRows(sqlmock.NewRows([]string{"acquired_at"}).AddRow(time.Now()))

	a, err := svc.AcquireFree(context.Background(), "u-buyer", "mp-1")
	require.NoError(t, err)
	require.Equal(t, AcquisitionFree, a.Source)
	require.Equal(t, []string{"u-buyer/mp-1"}, notified)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMemberRequiresRank(t *testing.T) {
	dir := &fakeDir{
		acl: &perm.ACL{
			PublisherID: "pub-1",
			Members: []perm.Membership{
				{MemberID: "m-owner", UserID: "u-owner", Role: perm.RoleOwner},
				{MemberID: "m-plain", UserID: "u-plain", Role: perm.RoleMember},
			},
			Scopes: map[string][]perm.ScopeGrant{},
		},
		admins: map[string]bool{},
	}
	svc, mock := newTestService(t, dir)
	mock.ExpectQuery(`SELECT id, name, verified`).
		WithArgs("pub-1").
		WillReturnRows(publisherRow("pub-1", false))

	_, err := svc.AddMember(context.Background(), "u-plain", "pub-1", "u-new", perm.RoleAdmin)
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestAddMemberRejectsOwnerRole(t *testing.T) {
	svc, _ := newTestService(t, ownerDir("pub-1", "u-owner"))
	_, err := svc.AddMember(context.Background(), "u-owner", "pub-1", "u-new", perm.RoleOwner)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
