package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gowebpki/jcs"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// ConfigB configures the regional gateway (single-step: approval settles the
// payment, access-token auth).
type ConfigB struct {
	AccessToken   string
	BaseURL       string
	WebhookSecret string
}

type gatewayB struct {
	cfg  ConfigB
	http *resty.Client
}

// NewGatewayB builds the gateway B client.
func NewGatewayB(cfg ConfigB) Gateway {
	return &gatewayB{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Accept", "application/json").
			SetAuthToken(cfg.AccessToken),
	}
}

func (g *gatewayB) Type() GatewayType { return GatewayB }

func (g *gatewayB) IsConfigured() bool {
	return g.cfg.AccessToken != "" && g.cfg.BaseURL != ""
}

type paymentResponseB struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	InitPoint string `json:"init_point"`
}

func (g *gatewayB) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var p paymentResponseB
	resp, err := g.http.R().SetContext(ctx).
		SetBody(map[string]any{
			"external_reference": req.IntentID,
			"description":        req.Description,
			"transaction_amount": req.Amount.InexactFloat64(),
			"currency_id":        req.Currency,
		}).
		SetResult(&p).
		Post("/v1/payments")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "gateway B create payment")
	}
	if resp.StatusCode() >= 400 {
		return nil, apperr.UpstreamUnavailable("gateway B create payment: HTTP %d", resp.StatusCode())
	}
	if p.ID == 0 {
		return nil, apperr.UpstreamUnavailable("gateway B create payment: no id in response")
	}
	return &CreateResult{
		PaymentID:   fmt.Sprintf("%d", p.ID),
		ApprovalURL: p.InitPoint,
		Status:      StatusPending,
	}, nil
}

// Capture is not a separate step for gateway B; approval settles.
func (g *gatewayB) Capture(ctx context.Context, paymentID string) (IntentStatus, error) {
	return "", ErrCaptureUnsupported
}

// ValidateWebhook verifies an HMAC-SHA256 hex signature computed over the
// JCS canonical form of the payload, so key order and whitespace do not
// matter to the sender.
func (g *gatewayB) ValidateWebhook(body []byte, signature string) error {
	if g.cfg.WebhookSecret == "" {
		return nil
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		return apperr.Validation("gateway B webhook: not canonicalizable JSON: %v", err)
	}
	return validateHMAC(g.cfg.WebhookSecret, canonical, signature, "gateway B")
}

type webhookB struct {
	Action string `json:"action"`
	Data   struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	} `json:"data"`
}

// ProcessWebhook normalizes gateway B events. Approval settles immediately,
// so an approved payment maps to a capture.
func (g *gatewayB) ProcessWebhook(body []byte) (*Event, error) {
	var w webhookB
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, apperr.Validation("gateway B webhook: %v", err)
	}
	if w.Data.ID.String() == "" {
		return nil, apperr.Validation("gateway B webhook has no payment id")
	}
	ev := &Event{Gateway: GatewayB, PaymentID: w.Data.ID.String()}
	switch w.Data.Status {
	case "approved":
		ev.Type = EventCaptured
	case "rejected", "cancelled":
		ev.Type = EventFailed
	case "refunded", "charged_back":
		ev.Type = EventRefunded
	default:
		ev.Type = EventIgnored
	}
	return ev, nil
}
