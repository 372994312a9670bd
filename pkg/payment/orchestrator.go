package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/wallet"
)

// GrantEvent announces a granted or revoked acquisition to best-effort
// listeners after the transaction commits.
type GrantEvent struct {
	UserID    string
	ModpackID string
	IntentID  string
	Revoked   bool
}

// Listener receives grant events. Must not block.
type Listener func(GrantEvent)

// Orchestrator owns the purchase flow around the intent state machine.
type Orchestrator struct {
	db         *sql.DB
	intents    *Store
	cat        *catalog.Store
	registry   *Registry
	commission decimal.Decimal
	log        *slog.Logger
	listener   Listener
}

// NewOrchestrator assembles the orchestrator. commission is the platform
// rate in [0,1).
func NewOrchestrator(db *sql.DB, intents *Store, cat *catalog.Store, registry *Registry, commission decimal.Decimal, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		db: db, intents: intents, cat: cat, registry: registry,
		commission: commission, log: log,
	}
}

// SetListener registers the post-commit grant listener.
func (o *Orchestrator) SetListener(fn Listener) { o.listener = fn }

// PurchaseResult is the caller's handle on a fresh purchase.
type PurchaseResult struct {
	IntentID    string       `json:"intentId"`
	Gateway     GatewayType  `json:"gateway"`
	ApprovalURL string       `json:"approvalUrl,omitempty"`
	Status      IntentStatus `json:"status"`
}

// CreatePurchase opens a payment intent for a paid modpack. Free modpacks,
// already-acquired users and the publisher's own members are rejected.
func (o *Orchestrator) CreatePurchase(ctx context.Context, userID, modpackID, regionHint string) (*PurchaseResult, error) {
	m, err := o.cat.GetModpack(ctx, modpackID)
	if err != nil {
		return nil, err
	}
	if m.Status != catalog.StatusPublished {
		return nil, apperr.PreconditionFailed("modpack is not published")
	}
	if m.Pricing.Kind != catalog.PricingPaid {
		return nil, apperr.PreconditionFailed("modpack is not purchasable")
	}
	if _, err := o.cat.MemberOf(ctx, m.PublisherID, userID); err == nil {
		return nil, apperr.Forbidden("members cannot purchase their own modpack")
	}
	if _, err := o.cat.ActiveAcquisition(ctx, userID, modpackID); err == nil {
		return nil, apperr.Conflict("modpack already acquired")
	}

	gw, err := o.registry.Select(regionHint)
	if err != nil {
		return nil, err
	}
	intentID := uuid.NewString()
	created, err := gw.CreatePayment(ctx, CreateRequest{
		IntentID:    intentID,
		Description: m.Name,
		Amount:      m.Pricing.Amount,
		Currency:    m.Pricing.Currency,
	})
	if err != nil {
		return nil, err
	}
	in, err := o.intents.Insert(ctx, Intent{
		ID:               intentID,
		Gateway:          gw.Type(),
		GatewayPaymentID: created.PaymentID,
		UserID:           userID,
		ModpackID:        modpackID,
		Amount:           m.Pricing.Amount,
		Currency:         m.Pricing.Currency,
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("purchase opened",
		"intent_id", in.ID, "gateway", gw.Type(), "modpack_id", modpackID, "user_id", userID)
	return &PurchaseResult{
		IntentID:    in.ID,
		Gateway:     gw.Type(),
		ApprovalURL: created.ApprovalURL,
		Status:      in.Status,
	}, nil
}

var eventTargets = map[EventType]IntentStatus{
	EventApproved: StatusApproved,
	EventCaptured: StatusCaptured,
	EventFailed:   StatusFailed,
	EventRefunded: StatusRefunded,
}

// HandleWebhook runs the three webhook phases: signature, normalization,
// transition. Signature failures come back as Forbidden for the HTTP layer
// to reject; everything after a valid signature is the caller's
// log-and-200 territory.
func (o *Orchestrator) HandleWebhook(ctx context.Context, gwType GatewayType, body []byte, signature string) error {
	gw, err := o.registry.ByType(gwType)
	if err != nil {
		return err
	}
	if err := gw.ValidateWebhook(body, signature); err != nil {
		return err
	}
	ev, err := gw.ProcessWebhook(body)
	if err != nil {
		return err
	}
	if ev.Type == EventIgnored {
		return nil
	}
	if err := o.apply(ctx, ev); err != nil {
		return err
	}
	if ev.Type == EventApproved {
		o.captureAfterApproval(ctx, gw, ev.PaymentID)
	}
	return nil
}

// captureAfterApproval settles an approved payment on gateways with an
// explicit capture step. A capture failure leaves the intent approved for
// reconciliation.
func (o *Orchestrator) captureAfterApproval(ctx context.Context, gw Gateway, paymentID string) {
	st, err := gw.Capture(ctx, paymentID)
	if errors.Is(err, ErrCaptureUnsupported) {
		return
	}
	if err != nil {
		o.log.Warn("capture failed, intent left approved",
			"gateway", gw.Type(), "payment_id", paymentID, "err", err)
		return
	}
	if st != StatusCaptured {
		return
	}
	if err := o.apply(ctx, &Event{Gateway: gw.Type(), PaymentID: paymentID, Type: EventCaptured}); err != nil {
		o.log.Warn("capture transition failed",
			"gateway", gw.Type(), "payment_id", paymentID, "err", err)
	}
}

// apply performs one monotone transition under the intent row lock.
// Replayed and out-of-order events are no-ops.
func (o *Orchestrator) apply(ctx context.Context, ev *Event) error {
	target := eventTargets[ev.Type]

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("payment: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	in, err := lockByGatewayRef(ctx, tx, ev.Gateway, ev.PaymentID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		o.log.Warn("webhook for untracked payment",
			"gateway", ev.Gateway, "payment_id", ev.PaymentID)
		return nil
	}
	if err != nil {
		return err
	}
	if in.Status == target {
		return nil // replay
	}
	if !canTransition(in.Status, target) {
		o.log.Warn("ignoring out-of-order payment event",
			"intent_id", in.ID, "from", in.Status, "to", target)
		return nil
	}
	if err := applyTransition(ctx, tx, in.ID, target); err != nil {
		return err
	}

	granted := false
	switch target {
	case StatusCaptured:
		if granted, err = o.grantInTx(ctx, tx, in); err != nil {
			return err
		}
	case StatusRefunded:
		if err := o.revokeInTx(ctx, tx, in); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("payment: commit transition: %w", err)
	}

	o.log.Info("payment transition applied",
		"intent_id", in.ID, "from", in.Status, "to", target)
	if o.listener != nil && (granted || target == StatusRefunded) {
		o.listener(GrantEvent{
			UserID:    in.UserID,
			ModpackID: in.ModpackID,
			IntentID:  in.ID,
			Revoked:   target == StatusRefunded,
		})
	}
	return nil
}

// grantInTx runs the capture side effects: the idempotent acquisition
// insert plus the sale credit and commission debit on the seller's wallet.
func (o *Orchestrator) grantInTx(ctx context.Context, tx *sql.Tx, in *Intent) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = $1`, in.UserID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, apperr.NotFound("buyer %s no longer exists", in.UserID)
	}
	if err != nil {
		return false, fmt.Errorf("payment: buyer lookup: %w", err)
	}
	var publisherID string
	err = tx.QueryRowContext(ctx,
		`SELECT publisher_id FROM modpacks WHERE id = $1`, in.ModpackID).Scan(&publisherID)
	if err == sql.ErrNoRows {
		return false, apperr.NotFound("modpack %s no longer exists", in.ModpackID)
	}
	if err != nil {
		return false, fmt.Errorf("payment: modpack lookup: %w", err)
	}

	// ON CONFLICT against the one-active-acquisition index makes the grant
	// race-safe across concurrent captures.
	var acquisitionID *string
	var newID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO acquisitions (id, user_id, modpack_id, source, payment_id)
		VALUES ($1, $2, $3, 'purchase', $4)
		ON CONFLICT (user_id, modpack_id) WHERE revoked_at IS NULL DO NOTHING
		RETURNING id`,
		uuid.NewString(), in.UserID, in.ModpackID, in.ID).Scan(&newID)
	granted := true
	switch {
	case err == sql.ErrNoRows:
		granted = false // already acquired, the grant is a no-op
	case err != nil:
		return false, fmt.Errorf("payment: grant acquisition: %w", err)
	default:
		acquisitionID = &newID
	}

	commission := in.Amount.Mul(o.commission).Round(2)
	if err := wallet.Credit(ctx, tx, publisherID,
		wallet.Entry{
			Type:                 wallet.EntrySaleCredit,
			Amount:               in.Amount,
			RelatedAcquisitionID: acquisitionID,
			Description:          "sale via intent " + in.ID,
		},
		wallet.Entry{
			Type:                 wallet.EntryCommissionDebit,
			Amount:               commission.Neg(),
			RelatedAcquisitionID: acquisitionID,
			Description:          "platform commission",
		},
	); err != nil {
		return false, err
	}
	return granted, nil
}

// revokeInTx revokes the acquisition a refunded intent paid for. Ledger
// entries stay; clawbacks are manual adjustments.
func (o *Orchestrator) revokeInTx(ctx context.Context, tx *sql.Tx, in *Intent) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE acquisitions SET revoked_at = now()
		WHERE payment_id = $1 AND revoked_at IS NULL`, in.ID)
	if err != nil {
		return fmt.Errorf("payment: revoke acquisition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		o.log.Warn("refund with no acquisition to revoke", "intent_id", in.ID)
	}
	return nil
}
