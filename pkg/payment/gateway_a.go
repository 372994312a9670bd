package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// ConfigA configures the order-based gateway (two-step approve + capture,
// OAuth2 client-credentials auth).
type ConfigA struct {
	ClientID      string
	ClientSecret  string
	BaseURL       string
	WebhookSecret string
}

type gatewayA struct {
	cfg  ConfigA
	http *resty.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewGatewayA builds the gateway A client.
func NewGatewayA(cfg ConfigA) Gateway {
	return &gatewayA{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Accept", "application/json"),
	}
}

func (g *gatewayA) Type() GatewayType { return GatewayA }

func (g *gatewayA) IsConfigured() bool {
	return g.cfg.ClientID != "" && g.cfg.ClientSecret != "" && g.cfg.BaseURL != ""
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a cached client-credentials token, refreshing one
// minute before expiry.
func (g *gatewayA) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && time.Now().Before(g.tokenExpiry.Add(-time.Minute)) {
		return g.token, nil
	}

	var tok tokenResponse
	resp, err := g.http.R().SetContext(ctx).
		SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&tok).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamUnavailable, err, "gateway A token")
	}
	if resp.StatusCode() != http.StatusOK || tok.AccessToken == "" {
		return "", apperr.UpstreamUnavailable("gateway A token: HTTP %d", resp.StatusCode())
	}
	g.token = tok.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return g.token, nil
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

func (g *gatewayA) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	var order orderResponse
	resp, err := g.http.R().SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{
			"intent":       "CAPTURE",
			"reference_id": req.IntentID,
			"description":  req.Description,
			"amount": map[string]string{
				"currency_code": req.Currency,
				"value":         req.Amount.StringFixed(2),
			},
		}).
		SetResult(&order).
		Post("/v2/orders")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "gateway A create order")
	}
	if resp.StatusCode() >= 400 {
		return nil, apperr.UpstreamUnavailable("gateway A create order: HTTP %d", resp.StatusCode())
	}
	out := &CreateResult{PaymentID: order.ID, Status: StatusPending}
	for _, l := range order.Links {
		if l.Rel == "approve" {
			out.ApprovalURL = l.Href
		}
	}
	return out, nil
}

func (g *gatewayA) Capture(ctx context.Context, paymentID string) (IntentStatus, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return "", err
	}
	var order orderResponse
	resp, err := g.http.R().SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetResult(&order).
		Post("/v2/orders/" + paymentID + "/capture")
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamUnavailable, err, "gateway A capture")
	}
	if resp.StatusCode() >= 400 {
		return "", apperr.UpstreamUnavailable("gateway A capture: HTTP %d", resp.StatusCode())
	}
	if order.Status == "COMPLETED" {
		return StatusCaptured, nil
	}
	return StatusApproved, nil
}

// ValidateWebhook checks an HMAC-SHA256 hex signature over the raw body.
func (g *gatewayA) ValidateWebhook(body []byte, signature string) error {
	return validateHMAC(g.cfg.WebhookSecret, body, signature, "gateway A")
}

type webhookA struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID string `json:"id"`
	} `json:"resource"`
}

func (g *gatewayA) ProcessWebhook(body []byte) (*Event, error) {
	var w webhookA
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, apperr.Validation("gateway A webhook: %v", err)
	}
	if w.Resource.ID == "" {
		return nil, apperr.Validation("gateway A webhook has no resource id")
	}
	ev := &Event{Gateway: GatewayA, PaymentID: w.Resource.ID}
	switch w.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		ev.Type = EventApproved
	case "PAYMENT.CAPTURE.COMPLETED":
		ev.Type = EventCaptured
	case "PAYMENT.CAPTURE.DENIED", "CHECKOUT.ORDER.DECLINED":
		ev.Type = EventFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		ev.Type = EventRefunded
	default:
		ev.Type = EventIgnored
	}
	return ev, nil
}

// validateHMAC is the shared webhook signature check. An empty secret
// disables validation.
func validateHMAC(secret string, payload []byte, signature, label string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return apperr.Forbidden("%s webhook: missing signature", label)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return apperr.Forbidden("%s webhook: signature mismatch", label)
	}
	return nil
}
