package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// Intent is one payment attempt for a (user, modpack) purchase.
type Intent struct {
	ID               string          `json:"id"`
	Gateway          GatewayType     `json:"gateway"`
	GatewayPaymentID string          `json:"gatewayPaymentId"`
	UserID           string          `json:"userId"`
	ModpackID        string          `json:"modpackId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           IntentStatus    `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	// WebhookCursor counts applied transitions; replays never move it.
	WebhookCursor int64 `json:"-"`
}

// Store persists payment intents.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Insert records a fresh pending intent.
func (s *Store) Insert(ctx context.Context, in Intent) (*Intent, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.Status = StatusPending
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO payment_intents (id, gateway_type, gateway_payment_id,
			user_id, modpack_id, amount, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		in.ID, string(in.Gateway), in.GatewayPaymentID, in.UserID, in.ModpackID,
		in.Amount.StringFixed(2), in.Currency).
		Scan(&in.CreatedAt, &in.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("payment %s/%s already tracked", in.Gateway, in.GatewayPaymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("payment: insert intent: %w", err)
	}
	return &in, nil
}

const intentColumns = `
	id, gateway_type, gateway_payment_id, user_id, modpack_id, amount,
	currency, status, created_at, updated_at, webhook_cursor`

func scanIntent(row interface{ Scan(...any) error }) (*Intent, error) {
	var in Intent
	var amount string
	err := row.Scan(&in.ID, &in.Gateway, &in.GatewayPaymentID, &in.UserID,
		&in.ModpackID, &amount, &in.Currency, &in.Status, &in.CreatedAt,
		&in.UpdatedAt, &in.WebhookCursor)
	if err != nil {
		return nil, err
	}
	if in.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment: amount of %s: %w", in.ID, err)
	}
	return &in, nil
}

// Get loads an intent by id.
func (s *Store) Get(ctx context.Context, id string) (*Intent, error) {
	in, err := scanIntent(s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("payment intent %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("payment: get intent: %w", err)
	}
	return in, nil
}

// lockByGatewayRef loads and row-locks the intent for a gateway payment id
// inside tx. All webhook transitions serialize on this lock.
func lockByGatewayRef(ctx context.Context, tx *sql.Tx, gw GatewayType, paymentID string) (*Intent, error) {
	in, err := scanIntent(tx.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents
		 WHERE gateway_type = $1 AND gateway_payment_id = $2 FOR UPDATE`,
		string(gw), paymentID))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("payment %s/%s is not tracked", gw, paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("payment: lock intent: %w", err)
	}
	return in, nil
}

// applyTransition moves the locked intent to the target status and advances
// the webhook cursor.
func applyTransition(ctx context.Context, tx *sql.Tx, intentID string, to IntentStatus) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $1, updated_at = now(), webhook_cursor = webhook_cursor + 1
		WHERE id = $2`, string(to), intentID); err != nil {
		return fmt.Errorf("payment: transition: %w", err)
	}
	return nil
}
