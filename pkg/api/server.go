// Package api exposes the HTTP surface: catalog management, archive
// import, blob streaming, purchases, webhooks and wallet operations.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/yanquisalexander/modpackstore/pkg/access"
	"github.com/yanquisalexander/modpackstore/pkg/auth"
	"github.com/yanquisalexander/modpackstore/pkg/blob"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/importer"
	"github.com/yanquisalexander/modpackstore/pkg/observability"
	"github.com/yanquisalexander/modpackstore/pkg/payment"
	"github.com/yanquisalexander/modpackstore/pkg/wallet"
)

// Server aggregates the subsystems behind the HTTP surface.
type Server struct {
	log      *slog.Logger
	metrics  *observability.Metrics
	verifier *auth.Verifier

	catalog  *catalog.Service
	store    *catalog.Store
	importer *importer.Importer
	payments *payment.Orchestrator
	wallets  *wallet.Service
	access   *access.Resolver
	blobs    *blob.Store

	replay  ReplayStore
	limiter *ipLimiter
}

// Options carries the wired subsystems into NewServer.
type Options struct {
	Log      *slog.Logger
	Metrics  *observability.Metrics
	Verifier *auth.Verifier
	Catalog  *catalog.Service
	Importer *importer.Importer
	Payments *payment.Orchestrator
	Wallets  *wallet.Service
	Access   *access.Resolver
	Blobs    *blob.Store
	Replay   ReplayStore

	// RateLimitRPS bounds per-IP request rate; zero uses the default.
	RateLimitRPS float64
}

func NewServer(o Options) *Server {
	if o.Replay == nil {
		o.Replay = NewMemoryReplayStore()
	}
	rps := o.RateLimitRPS
	if rps <= 0 {
		rps = 50
	}
	return &Server{
		log:      o.Log.With("component", "api"),
		metrics:  o.Metrics,
		verifier: o.Verifier,
		catalog:  o.Catalog,
		store:    o.Catalog.Store(),
		importer: o.Importer,
		payments: o.Payments,
		wallets:  o.Wallets,
		access:   o.Access,
		blobs:    o.Blobs,
		replay:   o.Replay,
		limiter:  newIPLimiter(rps, int(rps)*2),
	}
}

// Routes builds the router. Webhooks, health and metrics stay outside
// the auth gate; everything else requires a bearer token.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(instrument(s.metrics, s.log))
	r.Use(chimw.Recoverer)
	r.Use(s.limiter.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post("/webhooks/payments/{gateway}", s.handlePaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier, writeError))

		r.Get("/categories", s.handleListCategories)

		r.Route("/publishers", func(r chi.Router) {
			r.Post("/", s.handleCreatePublisher)
			r.Route("/{pid}", func(r chi.Router) {
				r.Get("/", s.handleGetPublisher)

				r.Get("/members", s.handleListMembers)
				r.Post("/members", s.handleAddMember)
				r.Patch("/members/{memID}", s.handleChangeMemberRole)
				r.Delete("/members/{memID}", s.handleRemoveMember)
				r.Post("/members/{memID}/scopes", s.handleGrantScope)
				r.Patch("/scopes/{sid}", s.handleUpdateScope)
				r.Delete("/scopes/{sid}", s.handleDeleteScope)
				r.Post("/transfer-ownership", s.handleTransferOwnership)

				r.Get("/modpacks", s.handleListModpacks)
				r.Post("/modpacks", s.handleCreateModpack)
				r.Post("/modpacks/import", s.handleImport)
				r.Patch("/modpacks/{mid}", s.handleUpdateModpack)
				r.Post("/modpacks/{mid}/publish", s.handlePublishModpack)
				r.Post("/modpacks/{mid}/archive", s.handleArchiveModpack)
				r.Delete("/modpacks/{mid}", s.handleDeleteModpack)
				r.Put("/modpacks/{mid}/categories", s.handleSetCategories)
				r.Post("/modpacks/{mid}/versions", s.handleCreateVersion)
				r.Patch("/modpacks/{mid}/versions/{vid}", s.handleUpdateVersion)
				r.Post("/modpacks/{mid}/versions/{vid}/publish", s.handlePublishVersion)

				r.Get("/wallet", s.handleWalletBalance)
				r.Get("/wallet/ledger", s.handleWalletLedger)
				r.Get("/withdrawals", s.handleListWithdrawals)
				r.With(idempotent(s.replay)).Post("/withdrawals", s.handleRequestWithdrawal)
			})
		})

		r.Route("/modpacks/{mid}", func(r chi.Router) {
			r.Get("/", s.handleGetModpack)
			r.Get("/access", s.handleAccess)
			r.Get("/versions", s.handleListVersions)
			r.Get("/versions/{vid}/files", s.handleListVersionFiles)
			r.Get("/versions/{vid}/files/{digest}", s.handleStreamFile)
			r.With(idempotent(s.replay)).Post("/purchase", s.handlePurchase)
			r.With(idempotent(s.replay)).Post("/acquire", s.handleAcquireFree)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/categories", s.handleCreateCategory)
			r.Post("/withdrawals/{id}/approve", s.handleApproveWithdrawal)
			r.Post("/withdrawals/{id}/reject", s.handleRejectWithdrawal)
			r.Post("/withdrawals/{id}/complete", s.handleCompleteWithdrawal)
			r.Post("/modpacks/{mid}/grants", s.handleAdminGrant)
			r.Delete("/modpacks/{mid}/grants/{uid}", s.handleAdminRevoke)
		})
	})

	return r
}

// principal extracts the authenticated caller. The auth middleware
// guarantees presence on gated routes.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
