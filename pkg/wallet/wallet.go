// Package wallet keeps per-publisher balances as a ledger projection and
// drives the withdrawal lifecycle. Every balance mutation appends ledger
// entries and updates the wallet row in one transaction under a row lock.
package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

// EntryType discriminates ledger entries.
type EntryType string

const (
	EntrySaleCredit      EntryType = "sale_credit"
	EntryCommissionDebit EntryType = "platform_commission_debit"
	EntryWithdrawalDebit EntryType = "withdrawal_debit"
	EntryAdjustment      EntryType = "adjustment"
)

// Entry is one immutable ledger line. Amount is signed: credits positive,
// debits negative.
type Entry struct {
	ID                   string          `json:"id"`
	WalletID             string          `json:"walletId"`
	Type                 EntryType       `json:"type"`
	Amount               decimal.Decimal `json:"amount"`
	RelatedAcquisitionID *string         `json:"relatedAcquisitionId,omitempty"`
	RelatedWithdrawalID  *string         `json:"relatedWithdrawalId,omitempty"`
	Description          string          `json:"description"`
	CreatedAt            time.Time       `json:"createdAt"`
}

// Wallet is a publisher's balance snapshot.
type Wallet struct {
	PublisherID string          `json:"publisherId"`
	Balance     decimal.Decimal `json:"balance"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// WithdrawalStatus is the withdrawal request lifecycle state.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalCompleted WithdrawalStatus = "completed"
)

// Withdrawal is one payout request.
type Withdrawal struct {
	ID               string           `json:"id"`
	PublisherID      string           `json:"publisherId"`
	Amount           decimal.Decimal  `json:"amount"`
	PayoutAccountRef string           `json:"payoutAccountRef"`
	Status           WithdrawalStatus `json:"status"`
	RequestedAt      time.Time        `json:"requestedAt"`
	ProcessedAt      *time.Time       `json:"processedAt,omitempty"`
	ProcessedBy      *string          `json:"processedBy,omitempty"`
	ExternalPayoutRef *string         `json:"externalPayoutRef,omitempty"`
	Notes            *string          `json:"notes,omitempty"`
}

// AdminChecker answers platform-admin lookups (the catalog store).
type AdminChecker interface {
	IsPlatformAdmin(ctx context.Context, userID string) (bool, error)
}

// Service is the wallet and withdrawal service.
type Service struct {
	db            *sql.DB
	perms         *perm.Engine
	admins        AdminChecker
	minWithdrawal decimal.Decimal
	log           *slog.Logger
}

// New builds the service. minWithdrawal is the configured payout floor.
func New(db *sql.DB, perms *perm.Engine, admins AdminChecker, minWithdrawal decimal.Decimal, log *slog.Logger) *Service {
	return &Service{db: db, perms: perms, admins: admins, minWithdrawal: minWithdrawal, log: log}
}

// Balance returns the wallet snapshot for a publisher. Any member with the
// view_stats permission may look.
func (s *Service) Balance(ctx context.Context, actorUserID, publisherID string) (*Wallet, error) {
	if err := s.perms.Require(ctx, actorUserID, perm.PublisherViewStats,
		perm.Resource{PublisherID: publisherID}); err != nil {
		return nil, err
	}
	var w Wallet
	var balance string
	err := s.db.QueryRowContext(ctx, `
		SELECT publisher_id, balance, updated_at FROM wallets WHERE publisher_id = $1`,
		publisherID).Scan(&w.PublisherID, &balance, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("wallet for publisher %s", publisherID)
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: balance: %w", err)
	}
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("wallet: balance of %s: %w", publisherID, err)
	}
	return &w, nil
}

// Ledger lists a wallet's entries, newest first.
func (s *Service) Ledger(ctx context.Context, actorUserID, publisherID string, limit int) ([]Entry, error) {
	if err := s.perms.Require(ctx, actorUserID, perm.PublisherViewStats,
		perm.Resource{PublisherID: publisherID}); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, entry_type, amount, related_acquisition_id,
		       related_withdrawal_id, description, created_at
		FROM ledger_entries WHERE wallet_id = $1
		ORDER BY created_at DESC LIMIT $2`, publisherID, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet: ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		var e Entry
		var amount string
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Type, &amount,
			&e.RelatedAcquisitionID, &e.RelatedWithdrawalID, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallet: scan entry: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("wallet: amount of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Credit appends entries and moves the balance inside the caller's
// transaction. The wallet row lock serializes concurrent writers; the check
// constraint guards against a negative result.
func Credit(ctx context.Context, tx *sql.Tx, walletID string, entries ...Entry) error {
	var balance string
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE publisher_id = $1 FOR UPDATE`, walletID).
		Scan(&balance)
	if err == sql.ErrNoRows {
		return apperr.NotFound("wallet %s", walletID)
	}
	if err != nil {
		return fmt.Errorf("wallet: lock: %w", err)
	}
	current, err := decimal.NewFromString(balance)
	if err != nil {
		return fmt.Errorf("wallet: balance of %s: %w", walletID, err)
	}

	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, wallet_id, entry_type, amount,
				related_acquisition_id, related_withdrawal_id, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), walletID, string(e.Type), e.Amount.StringFixed(2),
			e.RelatedAcquisitionID, e.RelatedWithdrawalID, e.Description); err != nil {
			return fmt.Errorf("wallet: append entry: %w", err)
		}
	}
	next := current.Add(total)
	if next.IsNegative() {
		return apperr.PreconditionFailed("wallet balance would go negative")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $1, updated_at = now() WHERE publisher_id = $2`,
		next.StringFixed(2), walletID); err != nil {
		return fmt.Errorf("wallet: update balance: %w", err)
	}
	return nil
}

// RequestWithdrawal opens a pending payout request. Funds are reserved by
// the open-request uniqueness, not debited.
func (s *Service) RequestWithdrawal(ctx context.Context, actorUserID, publisherID string, amount decimal.Decimal, payoutRef string) (*Withdrawal, error) {
	if err := s.perms.Require(ctx, actorUserID, perm.PublisherRequestWithdrawal,
		perm.Resource{PublisherID: publisherID}); err != nil {
		return nil, err
	}
	if payoutRef == "" {
		return nil, apperr.Validation("payout account reference is required").WithField("payoutAccountRef")
	}
	if amount.LessThan(s.minWithdrawal) {
		return nil, apperr.Validation("amount is below the %s minimum",
			s.minWithdrawal.StringFixed(2)).WithField("amount")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balanceStr string
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE publisher_id = $1 FOR UPDATE`, publisherID).
		Scan(&balanceStr)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("wallet for publisher %s", publisherID)
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: lock: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("wallet: balance of %s: %w", publisherID, err)
	}
	if amount.GreaterThan(balance) {
		return nil, apperr.PreconditionFailed("amount exceeds the available balance")
	}

	var open int
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM withdrawal_requests
		WHERE publisher_id = $1 AND status IN ('pending', 'approved')`, publisherID).
		Scan(&open)
	if err != nil {
		return nil, fmt.Errorf("wallet: open requests: %w", err)
	}
	if open > 0 {
		return nil, apperr.Conflict("a withdrawal is already in flight")
	}

	w := Withdrawal{
		ID:               uuid.NewString(),
		PublisherID:      publisherID,
		Amount:           amount,
		PayoutAccountRef: payoutRef,
		Status:           WithdrawalPending,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO withdrawal_requests (id, publisher_id, amount, payout_account_ref)
		VALUES ($1, $2, $3, $4) RETURNING requested_at`,
		w.ID, publisherID, amount.StringFixed(2), payoutRef).Scan(&w.RequestedAt)
	if err != nil {
		return nil, fmt.Errorf("wallet: insert withdrawal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("wallet: commit: %w", err)
	}
	s.log.Info("withdrawal requested",
		"withdrawal_id", w.ID, "publisher_id", publisherID, "amount", amount.StringFixed(2))
	return &w, nil
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	admin, err := s.admins.IsPlatformAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !admin {
		return apperr.Forbidden("platform admin required")
	}
	return nil
}

// getWithdrawalForUpdate locks a withdrawal row inside tx.
func getWithdrawalForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Withdrawal, error) {
	var w Withdrawal
	var amount string
	err := tx.QueryRowContext(ctx, `
		SELECT id, publisher_id, amount, payout_account_ref, status, requested_at
		FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id).
		Scan(&w.ID, &w.PublisherID, &amount, &w.PayoutAccountRef, &w.Status, &w.RequestedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("withdrawal %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: lock withdrawal: %w", err)
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("wallet: amount of %s: %w", id, err)
	}
	return &w, nil
}

// Approve debits the wallet and marks the request approved. The balance is
// re-checked inside the transaction; a race with a sale or another payout
// resolves under the wallet row lock.
func (s *Service) Approve(ctx context.Context, actorUserID, withdrawalID string) error {
	if err := s.requireAdmin(ctx, actorUserID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wallet: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := getWithdrawalForUpdate(ctx, tx, withdrawalID)
	if err != nil {
		return err
	}
	if w.Status != WithdrawalPending {
		return apperr.Conflict("withdrawal is %s, not pending", w.Status)
	}
	if err := Credit(ctx, tx, w.PublisherID, Entry{
		Type:                EntryWithdrawalDebit,
		Amount:              w.Amount.Neg(),
		RelatedWithdrawalID: &w.ID,
		Description:         "withdrawal approved",
	}); err != nil {
		if apperr.KindOf(err) == apperr.KindPreconditionFailed {
			return apperr.PreconditionFailed("balance no longer covers the withdrawal")
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = 'approved', processed_at = now(), processed_by = $1
		WHERE id = $2`, actorUserID, withdrawalID); err != nil {
		return fmt.Errorf("wallet: approve: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wallet: commit approve: %w", err)
	}
	s.log.Info("withdrawal approved", "withdrawal_id", withdrawalID, "by", actorUserID)
	return nil
}

// Reject closes a pending request without touching the ledger.
func (s *Service) Reject(ctx context.Context, actorUserID, withdrawalID, notes string) error {
	if err := s.requireAdmin(ctx, actorUserID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wallet: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := getWithdrawalForUpdate(ctx, tx, withdrawalID)
	if err != nil {
		return err
	}
	if w.Status != WithdrawalPending {
		return apperr.Conflict("withdrawal is %s, not pending", w.Status)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = 'rejected', processed_at = now(), processed_by = $1, notes = $2
		WHERE id = $3`, actorUserID, notes, withdrawalID); err != nil {
		return fmt.Errorf("wallet: reject: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wallet: commit reject: %w", err)
	}
	return nil
}

// Complete marks an approved request paid out, recording the external
// payout reference. No ledger change; the debit happened on approval.
func (s *Service) Complete(ctx context.Context, actorUserID, withdrawalID, externalRef string) error {
	if err := s.requireAdmin(ctx, actorUserID); err != nil {
		return err
	}
	if externalRef == "" {
		return apperr.Validation("external payout reference is required").WithField("externalPayoutRef")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wallet: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := getWithdrawalForUpdate(ctx, tx, withdrawalID)
	if err != nil {
		return err
	}
	if w.Status != WithdrawalApproved {
		return apperr.Conflict("withdrawal is %s, not approved", w.Status)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = 'completed', processed_at = now(), processed_by = $1,
		    external_payout_ref = $2
		WHERE id = $3`, actorUserID, externalRef, withdrawalID); err != nil {
		return fmt.Errorf("wallet: complete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wallet: commit complete: %w", err)
	}
	s.log.Info("withdrawal completed", "withdrawal_id", withdrawalID, "ref", externalRef)
	return nil
}

// ListWithdrawals lists a publisher's requests, newest first.
func (s *Service) ListWithdrawals(ctx context.Context, actorUserID, publisherID string) ([]Withdrawal, error) {
	if err := s.perms.Require(ctx, actorUserID, perm.PublisherViewStats,
		perm.Resource{PublisherID: publisherID}); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, publisher_id, amount, payout_account_ref, status, requested_at,
		       processed_at, processed_by, external_payout_ref, notes
		FROM withdrawal_requests WHERE publisher_id = $1
		ORDER BY requested_at DESC`, publisherID)
	if err != nil {
		return nil, fmt.Errorf("wallet: list withdrawals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Withdrawal
	for rows.Next() {
		var w Withdrawal
		var amount string
		if err := rows.Scan(&w.ID, &w.PublisherID, &amount, &w.PayoutAccountRef,
			&w.Status, &w.RequestedAt, &w.ProcessedAt, &w.ProcessedBy,
			&w.ExternalPayoutRef, &w.Notes); err != nil {
			return nil, fmt.Errorf("wallet: scan withdrawal: %w", err)
		}
		if w.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("wallet: amount of %s: %w", w.ID, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
