package wallet

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

type staticDir struct {
	members map[string]perm.Role
	admins  map[string]bool
}

func (d staticDir) PublisherACL(ctx context.Context, publisherID string) (*perm.ACL, error) {
	acl := &perm.ACL{PublisherID: publisherID, Scopes: map[string][]perm.ScopeGrant{}}
	for user, role := range d.members {
		acl.Members = append(acl.Members, perm.Membership{MemberID: "m-" + user, UserID: user, Role: role})
	}
	return acl, nil
}

func (d staticDir) IsPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	return d.admins[userID], nil
}

func newTestService(t *testing.T, dir staticDir) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	engine := perm.NewEngine(dir, time.Second)
	return New(db, engine, dir, decimal.RequireFromString("10.00"), slog.Default()), mock
}

func ownerAndAdmin() staticDir {
	return staticDir{
		members: map[string]perm.Role{"u-owner": perm.RoleOwner},
		admins:  map[string]bool{"u-admin": true},
	}
}

func expectWalletLock(mock sqlmock.Sqlmock, balance string) {
	mock.ExpectQuery(`SELECT balance FROM wallets`).
		WithArgs("pub-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(balance))
}

func TestRequestWithdrawal(t *testing.T) {
	svc, mock := newTestService(t, ownerAndAdmin())
	mock.ExpectBegin()
	expectWalletLock(mock, "120.00")
	mock.ExpectQuery(`SELECT count\(\*\) FROM withdrawal_requests`).
		WithArgs("pub-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO withdrawal_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"requested_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	w, err := svc.RequestWithdrawal(context.Background(), "u-owner", "pub-1",
		decimal.RequireFromString("50.00"), "bank:123")
	require.NoError(t, err)
	assert.Equal(t, WithdrawalPending, w.Status)
	assert.Equal(t, "50.00", w.Amount.StringFixed(2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestWithdrawalBelowMinimum(t *testing.T) {
	svc, _ := newTestService(t, ownerAndAdmin())
	_, err := svc.RequestWithdrawal(context.Background(), "u-owner", "pub-1",
		decimal.RequireFromString("9.99"), "bank:123")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRequestWithdrawalExceedsBalance(t *testing.T) {
	svc, mock := newTestService(t, ownerAndAdmin())
	mock.ExpectBegin()
	expectWalletLock(mock, "30.00")
	mock.ExpectRollback()

	_, err := svc.RequestWithdrawal(context.Background(), "u-owner", "pub-1",
		decimal.RequireFromString("50.00"), "bank:123")
	assert.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
}

func TestRequestWithdrawalDuplicateOpenRequest(t *testing.T) {
	svc, mock := newTestService(t, ownerAndAdmin())
	mock.ExpectBegin()
	expectWalletLock(mock, "120.00")
	mock.ExpectQuery(`SELECT count\(\*\) FROM withdrawal_requests`).
		WithArgs("pub-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := svc.RequestWithdrawal(context.Background(), "u-owner", "pub-1",
		decimal.RequireFromString("50.00"), "bank:123")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestRequestWithdrawalNeedsPermission(t *testing.T) {
	dir := ownerAndAdmin()
	dir.members["u-plain"] = perm.RoleMember
	svc, _ := newTestService(t, dir)
	_, err := svc.RequestWithdrawal(context.Background(), "u-plain", "pub-1",
		decimal.RequireFromString("50.00"), "bank:123")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func expectWithdrawalLock(mock sqlmock.Sqlmock, id, status, amount string) {
	mock.ExpectQuery(`SELECT id, publisher_id, amount, payout_account_ref, status`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "publisher_id", "amount", "payout_account_ref", "status", "requested_at",
		}).AddRow(id, "pub-1", amount, "bank:123", status, time.Now()))
}

func TestApproveDebitsWallet(t *testing.T) {
	svc, mock := newTestService(t, ownerAndAdmin())
	mock.ExpectBegin()
	expectWithdrawalLock(mock, "wd-1", "pending", "50.00")
	expectWalletLock(mock, "120.00")
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE wallets SET balance`).
		WithArgs("70.00", "pub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE withdrawal_requests`).
		WithArgs("u-admin", "wd-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.Approve(context.Background(), "u-admin", "wd-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveRechecksBalance(t *testing.T) {
	// The balance dropped below the requested amount between request and
	// approval; the in-transaction re-check refuses the debit.
	svc, mock := newTestService(t, ownerAndAdmin())
	mock.ExpectBegin()
	expectWithdrawalLock(mock, "wd-1", "pending", "50.00")
	expectWalletLock(mock, "20.00")
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := svc.Approve(context.Background(), "u-admin", "wd-1")
	assert.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveNonAdmin(t *testing.T) {
	svc, _ := newTestService(t, ownerAndAdmin())
	err := svc.Approve(context.Background(), "u-owner", "wd-1")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestApproveOnlyPending(t *testing.T) {
	svc, mock := newTestService(t, ownerAndAdmin())
	mock.ExpectBegin()
	expectWithdrawalLock(mock, "wd-1", "rejected", "50.00")
	mock.ExpectRollback()

	err := svc.Approve(context.Background(), "u-admin", "wd-1")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCompleteRequiresApprovedAndRef(t *testing.T) {
	svc, mock := newTestService(t, ownerAndAdmin())

	err := svc.Complete(context.Background(), "u-admin", "wd-1", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	mock.ExpectBegin()
	expectWithdrawalLock(mock, "wd-1", "pending", "50.00")
	mock.ExpectRollback()
	err = svc.Complete(context.Background(), "u-admin", "wd-1", "payout-77")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	mock.ExpectBegin()
	expectWithdrawalLock(mock, "wd-1", "approved", "50.00")
	mock.ExpectExec(`UPDATE withdrawal_requests`).
		WithArgs("u-admin", "payout-77", "wd-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, svc.Complete(context.Background(), "u-admin", "wd-1", "payout-77"))
}

func TestRejectKeepsLedgerUntouched(t *testing.T) {
	svc, mock := newTestService(t, ownerAndAdmin())
	mock.ExpectBegin()
	expectWithdrawalLock(mock, "wd-1", "pending", "50.00")
	mock.ExpectExec(`UPDATE withdrawal_requests`).
		WithArgs("u-admin", "insufficient KYC", "wd-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.Reject(context.Background(), "u-admin", "wd-1", "insufficient KYC"))
	require.NoError(t, mock.ExpectationsWereMet())
}
