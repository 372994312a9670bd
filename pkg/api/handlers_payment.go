package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/payment"
)

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Region string `json:"region"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.payments.CreatePurchase(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"), in.Region)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleAcquireFree(w http.ResponseWriter, r *http.Request) {
	a, err := s.catalog.AcquireFree(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// webhookBodyLimit bounds a gateway notification payload.
const webhookBodyLimit = 1 << 20

// handlePaymentWebhook ingests gateway notifications. Signature failures
// get a 400 so the gateway knows the delivery was bad; every other
// processing problem is answered 200 to stop redelivery storms, with the
// failure left in the logs for reconciliation.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var gw payment.GatewayType
	switch chi.URLParam(r, "gateway") {
	case "a", "A":
		gw = payment.GatewayA
	case "b", "B":
		gw = payment.GatewayB
	default:
		writeError(w, r, apperr.NotFound("unknown gateway"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		writeError(w, r, apperr.Validation("unreadable webhook body"))
		return
	}
	signature := r.Header.Get("X-Webhook-Signature")

	err = s.payments.HandleWebhook(r.Context(), gw, body, signature)
	switch {
	case err == nil:
		s.metrics.WebhooksTotal.WithLabelValues(string(gw), "processed").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	case apperr.KindOf(err) == apperr.KindForbidden:
		s.metrics.WebhooksTotal.WithLabelValues(string(gw), "bad_signature").Inc()
		writeError(w, r, apperr.Validation("signature verification failed"))
	default:
		s.metrics.WebhooksTotal.WithLabelValues(string(gw), "failed").Inc()
		s.log.Error("webhook processing failed", "gateway", gw, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

// ---- wallets & withdrawals ----

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	wal, err := s.wallets.Balance(r.Context(), principal(r).UserID, chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

func (s *Server) handleWalletLedger(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, apperr.Validation("limit must be 1..500").WithField("limit"))
			return
		}
		limit = n
	}
	entries, err := s.wallets.Ledger(r.Context(), principal(r).UserID, chi.URLParam(r, "pid"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount           decimal.Decimal `json:"amount"`
		PayoutAccountRef string          `json:"payoutAccountRef"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	wd, err := s.wallets.RequestWithdrawal(r.Context(), principal(r).UserID, chi.URLParam(r, "pid"),
		in.Amount, in.PayoutAccountRef)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := s.wallets.ListWithdrawals(r.Context(), principal(r).UserID, chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

func (s *Server) handleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	if err := s.wallets.Approve(r.Context(), principal(r).UserID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Notes string `json:"notes"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.wallets.Reject(r.Context(), principal(r).UserID, chi.URLParam(r, "id"), in.Notes); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ExternalPayoutRef string `json:"externalPayoutRef"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.wallets.Complete(r.Context(), principal(r).UserID, chi.URLParam(r, "id"), in.ExternalPayoutRef); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- admin acquisition grants ----

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.catalog.AdminGrant(r.Context(), principal(r).UserID, in.UserID, chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	err := s.catalog.AdminRevoke(r.Context(), principal(r).UserID, chi.URLParam(r, "uid"), chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
