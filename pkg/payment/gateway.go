// Package payment drives the purchase flow: gateway clients, the payment
// intent state machine and the webhook-driven acquisition grant.
package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// GatewayType identifies a payment gateway.
type GatewayType string

const (
	GatewayA GatewayType = "A"
	GatewayB GatewayType = "B"
)

// IntentStatus is a payment intent state.
type IntentStatus string

const (
	StatusPending  IntentStatus = "pending"
	StatusApproved IntentStatus = "approved"
	StatusCaptured IntentStatus = "captured"
	StatusFailed   IntentStatus = "failed"
	StatusRefunded IntentStatus = "refunded"
)

// canTransition encodes the intent state machine. Failed is terminal and
// reachable from any live state; refunds only follow capture.
func canTransition(from, to IntentStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusCaptured || to == StatusFailed
	case StatusApproved:
		return to == StatusCaptured || to == StatusFailed
	case StatusCaptured:
		return to == StatusRefunded
	default:
		return false
	}
}

// EventType is a normalized webhook event.
type EventType string

const (
	EventApproved EventType = "approved"
	EventCaptured EventType = "captured"
	EventFailed   EventType = "failed"
	EventRefunded EventType = "refunded"
	// EventIgnored marks payloads that carry no state transition.
	EventIgnored EventType = "ignored"
)

// Event is a gateway webhook normalized to the intent state machine.
type Event struct {
	Gateway   GatewayType
	PaymentID string
	Type      EventType
}

// CreateRequest asks a gateway to open a payment.
type CreateRequest struct {
	IntentID    string
	Description string
	Amount      decimal.Decimal
	Currency    string
}

// CreateResult is the gateway's answer to CreateRequest.
type CreateResult struct {
	PaymentID   string
	ApprovalURL string
	Status      IntentStatus
}

// ErrCaptureUnsupported is returned by gateways that capture on approval.
var ErrCaptureUnsupported = errors.New("payment: gateway has no separate capture step")

// Gateway is one payment provider. Implementations are safe for concurrent
// use.
type Gateway interface {
	Type() GatewayType
	IsConfigured() bool
	CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error)
	// Capture settles an approved payment. ErrCaptureUnsupported when the
	// gateway settles on approval.
	Capture(ctx context.Context, paymentID string) (IntentStatus, error)
	// ValidateWebhook checks the payload signature. A gateway without a
	// configured secret accepts everything.
	ValidateWebhook(body []byte, signature string) error
	ProcessWebhook(body []byte) (*Event, error)
}
