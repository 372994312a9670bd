package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanquisalexander/modpackstore/pkg/access"
	"github.com/yanquisalexander/modpackstore/pkg/auth"
	"github.com/yanquisalexander/modpackstore/pkg/blob"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/importer"
	"github.com/yanquisalexander/modpackstore/pkg/modclient"
	"github.com/yanquisalexander/modpackstore/pkg/observability"
	"github.com/yanquisalexander/modpackstore/pkg/payment"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
	"github.com/yanquisalexander/modpackstore/pkg/wallet"
)

const (
	testSigningSecret = "api-test-secret"
	webhookSecretB    = "hook-secret-b"
)

type testAPI struct {
	handler http.Handler
	mock    sqlmock.Sqlmock
	blobs   *blob.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := catalog.NewStore(db)
	engine := perm.NewEngine(store, time.Second)
	catalogSvc := catalog.NewService(store, engine, log)

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	mods := modclient.New(modclient.Options{
		BaseURL: "http://127.0.0.1:1", MaxAttempts: 1, RequestsPerSecond: 1000,
	})
	imp := importer.New(blobs, mods, store, engine, log, importer.Config{})

	registry := payment.NewRegistry(
		payment.NewGatewayA(payment.ConfigA{}),
		payment.NewGatewayB(payment.ConfigB{
			AccessToken: "tok", BaseURL: "http://127.0.0.1:1", WebhookSecret: webhookSecretB,
		}),
		[]string{"AR"})
	orch := payment.NewOrchestrator(db, payment.NewStore(db), store, registry,
		decimal.RequireFromString("0.20"), log)

	wallets := wallet.New(db, engine, store, decimal.RequireFromString("10.00"), log)
	resolver := access.NewResolver(store, engine, nil, log)

	srv := NewServer(Options{
		Log:      log,
		Metrics:  observability.NewMetrics(),
		Verifier: auth.NewVerifier(testSigningSecret, store, log),
		Catalog:  catalogSvc,
		Importer: imp,
		Payments: orch,
		Wallets:  wallets,
		Access:   resolver,
		Blobs:    blobs,
	})
	return &testAPI{handler: srv.Routes(), mock: mock, blobs: blobs}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSigningSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

// expectUserSync is consumed once per authenticated request.
func (a *testAPI) expectUserSync() {
	a.mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
}

func (a *testAPI) do(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, body)
	r.RemoteAddr = "203.0.113.7:40000"
	if token != "" {
		r.Header.Set("Authorization", token)
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	return w
}

var modpackCols = []string{
	"id", "publisher_id", "slug", "name", "short_description", "description",
	"icon_url", "banner_url", "visibility", "status", "pricing_kind",
	"price_amount", "price_currency", "subscription_channels", "pricing_version",
	"primary_category_id", "published_at", "created_at", "updated_at",
}

func freePublicModpack(mock sqlmock.Sqlmock, id string) {
	now := time.Now()
	mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(modpackCols).AddRow(
			id, "pub-1", "pack", "Pack", "", "", "", "",
			"public", "published", "free", nil, nil, "{}", int64(1),
			nil, now, now, now))
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequiredEnvelope(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/modpacks/mp-1", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var env struct {
		Errors []struct {
			Status string `json:"status"`
			Code   string `json:"code"`
			Title  string `json:"title"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Errors, 1)
	assert.Equal(t, "401", env.Errors[0].Status)
	assert.Equal(t, "auth_required", env.Errors[0].Code)
	assert.Equal(t, "Authentication Required", env.Errors[0].Title)
}

func TestGetModpackNotFoundEnvelope(t *testing.T) {
	a := newTestAPI(t)
	a.expectUserSync()
	a.mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-missing").
		WillReturnRows(sqlmock.NewRows(modpackCols))

	w := a.do(t, http.MethodGet, "/modpacks/mp-missing", bearer(t, "u-1"), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"not_found"`)
}

func TestGetModpack(t *testing.T) {
	a := newTestAPI(t)
	a.expectUserSync()
	freePublicModpack(a.mock, "mp-1")

	w := a.do(t, http.MethodGet, "/modpacks/mp-1", bearer(t, "u-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var m catalog.Modpack
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "pack", m.Slug)
	assert.Equal(t, catalog.PricingFree, m.Pricing.Kind)
}

func TestAccessEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.expectUserSync()
	freePublicModpack(a.mock, "mp-1")

	w := a.do(t, http.MethodGet, "/modpacks/mp-1/access", bearer(t, "u-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var d access.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.True(t, d.Allowed)
	assert.Equal(t, access.ReasonFree, d.Reason)
}

func signWebhookB(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecretB))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookBadSignatureIs400(t *testing.T) {
	a := newTestAPI(t)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/payments/b",
		strings.NewReader(`{"action":"payment.updated","data":{"id":"9","status":"approved"}}`))
	r.Header.Set("X-Webhook-Signature", "deadbeef")
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookUnknownGatewayIs404(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/webhooks/payments/zz", "", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookUntrackedPaymentIs200(t *testing.T) {
	a := newTestAPI(t)
	payload := []byte(`{"action":"payment.updated","data":{"id":"9","status":"approved"}}`)

	a.mock.ExpectBegin()
	a.mock.ExpectQuery(`SELECT\s+id, gateway_type, gateway_payment_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	a.mock.ExpectRollback()

	r := httptest.NewRequest(http.MethodPost, "/webhooks/payments/b", bytes.NewReader(payload))
	r.Header.Set("X-Webhook-Signature", signWebhookB(payload))
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "processed")
}

func TestAcquireFreeIdempotencyReplay(t *testing.T) {
	a := newTestAPI(t)

	// Only the first request touches the database.
	a.expectUserSync()
	freePublicModpack(a.mock, "mp-1")
	a.mock.ExpectQuery(`SELECT id, user_id, modpack_id, source`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	a.mock.ExpectQuery(`INSERT INTO acquisitions`).
		WillReturnRows(sqlmock.NewRows([]string{"acquired_at"}).AddRow(time.Now()))
	a.expectUserSync() // second request still authenticates

	first := httptest.NewRequest(http.MethodPost, "/modpacks/mp-1/acquire", nil)
	first.Header.Set("Authorization", bearer(t, "u-1"))
	first.Header.Set("Idempotency-Key", "key-1")
	w1 := httptest.NewRecorder()
	a.handler.ServeHTTP(w1, first)
	require.Equal(t, http.StatusCreated, w1.Code)

	second := httptest.NewRequest(http.MethodPost, "/modpacks/mp-1/acquire", nil)
	second.Header.Set("Authorization", bearer(t, "u-1"))
	second.Header.Set("Idempotency-Key", "key-1")
	w2 := httptest.NewRecorder()
	a.handler.ServeHTTP(w2, second)
	require.Equal(t, http.StatusCreated, w2.Code)
	assert.Equal(t, "true", w2.Header().Get("Idempotent-Replay"))
	assert.Equal(t, w1.Body.String(), w2.Body.String())
	require.NoError(t, a.mock.ExpectationsWereMet())
}

func TestStreamFile(t *testing.T) {
	a := newTestAPI(t)
	content := []byte("jar bytes")
	put, err := a.blobs.Put(t.Context(), bytes.NewReader(content))
	require.NoError(t, err)

	a.expectUserSync()
	freePublicModpack(a.mock, "mp-1")
	a.mock.ExpectQuery(`SELECT id, modpack_id, version_string`).
		WithArgs("v-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "modpack_id", "version_string", "target_runtime_version",
			"loader_version", "changelog", "status", "created_by", "created_at", "released_at",
		}).AddRow("v-1", "mp-1", "1.0.0", "1.20.1", nil, "", "published", "u-o", time.Now(), nil))
	a.mock.ExpectQuery(`SELECT 1 FROM version_files`).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	w := a.do(t, http.MethodGet,
		"/modpacks/mp-1/versions/v-1/files/"+put.Digest, bearer(t, "u-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.Bytes())
	assert.Equal(t, `"`+put.Digest+`"`, w.Header().Get("ETag"))
}

func TestStreamFileDeniedWithoutAcquisition(t *testing.T) {
	a := newTestAPI(t)
	a.expectUserSync()
	now := time.Now()
	a.mock.ExpectQuery(`SELECT\s+id, publisher_id, slug`).
		WithArgs("mp-1").
		WillReturnRows(sqlmock.NewRows(modpackCols).AddRow(
			"mp-1", "pub-1", "pack", "Pack", "", "", "", "",
			"public", "published", "paid", "9.99", "USD", "{}", int64(1),
			nil, now, now, now))
	a.mock.ExpectQuery(`SELECT id, user_id, modpack_id, source`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	digest := strings.Repeat("ab", 32)
	w := a.do(t, http.MethodGet,
		"/modpacks/mp-1/versions/v-1/files/"+digest, bearer(t, "u-1"), nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not_acquired")
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t)
	limited := false
	for i := 0; i < 200; i++ {
		w := a.do(t, http.MethodGet, "/healthz", "", nil)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst should exhaust the per-IP bucket")
}
