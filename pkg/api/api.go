// Package api exposes the tenant runtime core's external interfaces as
// chi HTTP handlers: resolve, tenantClient (as a probe), reprovision,
// enqueue/getJob/cancelJob, and the integration token registry writes.
// External collaborators (admin UI, storefront, plugin sandbox) are the
// callers; this package owns none of their domain data, only the contracts.
package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/daino/tenantcore/internal/httpserver"
	"github.com/daino/tenantcore/pkg/connmgr"
	"github.com/daino/tenantcore/pkg/healthrepair"
	"github.com/daino/tenantcore/pkg/jobs"
	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/resolver"
	"github.com/daino/tenantcore/pkg/tenanterr"
	"github.com/daino/tenantcore/pkg/tokenpolicy"
	"github.com/daino/tenantcore/pkg/tokenrefresh"
)

// oauthStateTTL bounds how long a consent-flow state token issued by
// handleOAuthStart remains valid for handleOAuthCallback to consume.
const oauthStateTTL = 10 * time.Minute

// Handler wires the tenant runtime core's components onto HTTP routes.
type Handler struct {
	registry        *registry.Registry
	resolver        *resolver.Resolver
	conns           *connmgr.Manager
	repair          *healthrepair.Repairer
	jobs            *jobs.Engine
	oauthState      *tokenrefresh.StateStore
	defaultMaxFails int
	logger          *slog.Logger
}

// New constructs a Handler over the core's components. oauthState may be nil
// in deployments that never initiate an OAuth consent flow through this API
// (integration tokens arriving via upsertIntegrationToken directly still
// work); the oauth/start and oauth/callback routes respond 503 in that case.
// defaultMaxFailures is the integration-token max_failures applied when a
// caller doesn't specify one, sourced from the deployment's
// TOKEN_MAX_FAILURES setting (internal/config).
func New(reg *registry.Registry, res *resolver.Resolver, conns *connmgr.Manager, repair *healthrepair.Repairer, engine *jobs.Engine, oauthState *tokenrefresh.StateStore, defaultMaxFailures int, logger *slog.Logger) *Handler {
	return &Handler{registry: reg, resolver: res, conns: conns, repair: repair, jobs: engine, oauthState: oauthState, defaultMaxFails: defaultMaxFailures, logger: logger}
}

// Routes mounts the external-interface endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/stores", h.handleCreateStore)
	r.Get("/resolve", h.handleResolve)

	r.Route("/stores/{storeID}", func(r chi.Router) {
		r.Post("/database", h.handleAttachDatabase)
		r.Post("/hostnames", h.handleAddHostname)
		r.Get("/connection", h.handleConnectionStatus)
		r.Post("/reprovision", h.handleReprovision)
		r.Post("/integration-tokens", h.handleUpsertIntegrationToken)
		r.Get("/integration-tokens/{integrationType}/{configKey}", h.handleGetIntegrationToken)
		r.Post("/integration-tokens/{integrationType}/oauth/start", h.handleOAuthStart)
		r.Post("/integration-tokens/{integrationType}/oauth/callback", h.handleOAuthCallback)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.handleEnqueue)
		r.Get("/", h.handleListJobs)
		r.Get("/{jobID}", h.handleGetJob)
		r.Get("/{jobID}/history", h.handleGetJobHistory)
		r.Post("/{jobID}/cancel", h.handleCancelJob)
		r.Post("/{jobID}/progress", h.handleUpdateProgress)
	})

	return r
}

// --- Store / hostname / database management ---

type createStoreRequest struct {
	OwnerID string `json:"owner_id" validate:"required,uuid"`
	Slug    string `json:"slug" validate:"required"`
}

func (h *Handler) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req createStoreRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "owner_id must be a UUID")
		return
	}

	store, err := h.registry.CreateStore(r.Context(), ownerID, req.Slug)
	if h.respondIfError(w, r, err) {
		return
	}
	httpserver.Respond(w, http.StatusCreated, store)
}

type attachDatabaseRequest struct {
	DatabaseType string `json:"database_type" validate:"required,oneof=supabase postgresql mysql"`
	Credentials  string `json:"credentials" validate:"required"`
}

func (h *Handler) handleAttachDatabase(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseStoreID(w, r)
	if !ok {
		return
	}
	var req attachDatabaseRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	sd, err := h.registry.AttachDatabase(r.Context(), storeID, registry.DatabaseType(req.DatabaseType), req.Credentials)
	if h.respondIfError(w, r, err) {
		return
	}

	// A fresh or changed database invalidates any cached client.
	h.conns.Invalidate(storeID)

	httpserver.Respond(w, http.StatusOK, sd)
}

type addHostnameRequest struct {
	Hostname       string `json:"hostname" validate:"required"`
	Slug           string `json:"slug" validate:"required"`
	Primary        bool   `json:"primary"`
	IsCustomDomain bool   `json:"is_custom_domain"`
}

func (h *Handler) handleAddHostname(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseStoreID(w, r)
	if !ok {
		return
	}
	var req addHostnameRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	hn, err := h.registry.AddHostname(r.Context(), storeID, req.Hostname, req.Slug, req.Primary, req.IsCustomDomain)
	if h.respondIfError(w, r, err) {
		return
	}
	httpserver.Respond(w, http.StatusOK, hn)
}

// --- Tenant resolution ---

type resolveResponse struct {
	StoreID string `json:"store_id"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	req := resolver.FromHTTPRequest(r, r.URL.Query().Get("slug"))
	storeID, err := h.resolver.Resolve(r.Context(), req)
	if h.respondIfError(w, r, err) {
		return
	}
	httpserver.Respond(w, http.StatusOK, resolveResponse{StoreID: storeID.String()})
}

// --- Connection status / repair ---

type connectionStatusResponse struct {
	Status string `json:"status"` // ok, empty, unreachable, no_database
}

func (h *Handler) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseStoreID(w, r)
	if !ok {
		return
	}

	_, err := h.conns.GetValidated(r.Context(), storeID)
	if err != nil {
		kind, isKinded := tenanterr.KindOf(err)
		switch {
		case isKinded && kind == tenanterr.KindNoDatabaseConfigured:
			httpserver.Respond(w, http.StatusOK, connectionStatusResponse{Status: "no_database"})
		case isKinded && kind == tenanterr.KindEmptySchema:
			// The connection itself works; only the schema is missing.
			h.recordConnectionTest(r, storeID, registry.ConnectionStatusConnected)
			httpserver.Respond(w, http.StatusOK, connectionStatusResponse{Status: "empty"})
		default:
			h.conns.Invalidate(storeID)
			connStatus := registry.ConnectionStatusFailed
			if errors.Is(err, context.DeadlineExceeded) {
				connStatus = registry.ConnectionStatusTimeout
			}
			h.recordConnectionTest(r, storeID, connStatus)
			h.respondIfError(w, r, err)
		}
		return
	}

	h.recordConnectionTest(r, storeID, registry.ConnectionStatusConnected)
	httpserver.Respond(w, http.StatusOK, connectionStatusResponse{Status: "ok"})
}

func (h *Handler) recordConnectionTest(r *http.Request, storeID uuid.UUID, status registry.ConnectionStatus) {
	if err := h.registry.RecordConnectionTest(r.Context(), storeID, status); err != nil {
		h.logger.ErrorContext(r.Context(), "recording connection test", "error", err, "store_id", storeID)
	}
}

func (h *Handler) handleReprovision(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseStoreID(w, r)
	if !ok {
		return
	}
	if err := h.repair.Repair(r.Context(), storeID); err != nil {
		h.respondIfError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "active"})
}

// --- Integration tokens ---

type upsertIntegrationTokenRequest struct {
	IntegrationType       string     `json:"integration_type" validate:"required"`
	ConfigKey             string     `json:"config_key" validate:"required"`
	Credentials           string     `json:"credentials" validate:"required"`
	TokenExpiresAt        time.Time  `json:"token_expires_at" validate:"required"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at,omitempty"`
	MaxFailures           int        `json:"max_failures"`
}

func (h *Handler) handleUpsertIntegrationToken(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseStoreID(w, r)
	if !ok {
		return
	}
	var req upsertIntegrationTokenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	maxFailures := req.MaxFailures
	if maxFailures <= 0 {
		maxFailures = h.defaultMaxFails
	}

	tok, err := h.registry.UpsertIntegrationToken(r.Context(), storeID, req.IntegrationType, req.ConfigKey,
		req.Credentials, req.TokenExpiresAt, req.RefreshTokenExpiresAt, maxFailures)
	if h.respondIfError(w, r, err) {
		return
	}
	httpserver.Respond(w, http.StatusOK, tok)
}

type integrationTokenStatusResponse struct {
	Status              string    `json:"status"`
	TokenExpiresAt      time.Time `json:"token_expires_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MaxFailures         int       `json:"max_failures"`
	LastRefreshError    string    `json:"last_refresh_error,omitempty"`
}

// handleGetIntegrationToken reports an integration token's current status,
// applying the time-derived projection (expired/expiring/active) on top
// of whatever sticky status (revoked, refresh_failed) the row already
// carries — never the raw stored status alone.
func (h *Handler) handleGetIntegrationToken(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseStoreID(w, r)
	if !ok {
		return
	}
	integrationType := chi.URLParam(r, "integrationType")
	configKey := chi.URLParam(r, "configKey")

	tok, err := h.registry.GetIntegrationToken(r.Context(), storeID, integrationType, configKey)
	if h.respondIfError(w, r, err) {
		return
	}

	status := tokenpolicy.Status(tok, time.Now(), tokenpolicy.DefaultExpiryBuffer)
	httpserver.Respond(w, http.StatusOK, integrationTokenStatusResponse{
		Status:              string(status),
		TokenExpiresAt:      tok.TokenExpiresAt,
		ConsecutiveFailures: tok.ConsecutiveFailures,
		MaxFailures:         tok.MaxFailures,
		LastRefreshError:    tok.LastRefreshError,
	})
}

type oauthStartResponse struct {
	State string `json:"state"`
}

// handleOAuthStart issues a short-lived CSRF state token for an OAuth
// consent redirect a collaborator is about to send the store owner through.
// The collaborator embeds State in the provider's authorize URL and the
// eventual callback must present it back unchanged to handleOAuthCallback.
func (h *Handler) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.oauthState == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "oauth consent flow is not configured")
		return
	}
	if _, ok := h.parseStoreID(w, r); !ok {
		return
	}

	state, err := newOAuthState()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "generating oauth state", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return
	}
	if err := h.oauthState.Put(r.Context(), state, oauthStateTTL); err != nil {
		h.logger.ErrorContext(r.Context(), "storing oauth state", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return
	}
	httpserver.Respond(w, http.StatusCreated, oauthStartResponse{State: state})
}

type oauthCallbackRequest struct {
	State                 string     `json:"state" validate:"required"`
	ConfigKey             string     `json:"config_key" validate:"required"`
	Credentials           string     `json:"credentials" validate:"required"`
	TokenExpiresAt        time.Time  `json:"token_expires_at" validate:"required"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at,omitempty"`
}

// handleOAuthCallback consumes the state a collaborator's provider callback
// presents and, if it matches a state this process actually issued and
// hasn't already been consumed, upserts the resulting integration token.
// An unknown or reused state is rejected
// without ever reaching the registry, since it did not originate from a
// consent flow handleOAuthStart began.
func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.oauthState == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "oauth consent flow is not configured")
		return
	}
	storeID, ok := h.parseStoreID(w, r)
	if !ok {
		return
	}
	integrationType := chi.URLParam(r, "integrationType")

	var req oauthCallbackRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	valid, err := h.oauthState.Consume(r.Context(), req.State)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "consuming oauth state", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return
	}
	if !valid {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unknown or expired oauth state")
		return
	}

	tok, err := h.registry.UpsertIntegrationToken(r.Context(), storeID, integrationType, req.ConfigKey,
		req.Credentials, req.TokenExpiresAt, req.RefreshTokenExpiresAt, h.defaultMaxFails)
	if h.respondIfError(w, r, err) {
		return
	}
	httpserver.Respond(w, http.StatusOK, tok)
}

func newOAuthState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// --- Jobs ---

type enqueueRequest struct {
	Type        string          `json:"type" validate:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
	StoreID     string          `json:"store_id,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	opts := jobs.EnqueueOptions{
		Priority:   jobs.Priority(req.Priority),
		MaxRetries: req.MaxRetries,
		DedupeKey:  req.DedupeKey,
	}
	if req.ScheduledAt != nil {
		opts.ScheduledAt = *req.ScheduledAt
	}
	if req.StoreID != "" {
		storeID, err := uuid.Parse(req.StoreID)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "store_id must be a UUID")
			return
		}
		opts.StoreID = &storeID
	}

	jobID, err := h.jobs.Enqueue(r.Context(), req.Type, req.Payload, opts)
	if h.respondIfError(w, r, err) {
		return
	}
	httpserver.Respond(w, http.StatusAccepted, enqueueResponse{JobID: jobID.String()})
}

// handleListJobs returns an offset-paginated, newest-first view of the jobs
// table, optionally scoped to one store via ?store_id=. Job history itself
// is never paginated through this endpoint — only the current job row.
func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var storeID *uuid.UUID
	if v := r.URL.Query().Get("store_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "store_id must be a UUID")
			return
		}
		storeID = &id
	}

	jobList, total, err := h.jobs.ListJobs(r.Context(), storeID, params.Offset, params.PageSize)
	if h.respondIfError(w, r, err) {
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(jobList, params, total))
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(r.Context(), jobID)
	if h.respondIfError(w, r, err) {
		return
	}
	httpserver.Respond(w, http.StatusOK, job)
}

// handleGetJobHistory returns a job's transition log, newest first,
// keyset-paginated since a long-retried job's history can run
// long enough that an OFFSET scan would be wasteful.
func (h *Handler) handleGetJobHistory(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var after *time.Time
	var afterID *uuid.UUID
	if params.After != nil {
		after = &params.After.CreatedAt
		afterID = &params.After.ID
	}

	entries, err := h.jobs.ListJobHistory(r.Context(), jobID, after, afterID, params.Limit+1)
	if h.respondIfError(w, r, err) {
		return
	}

	page := httpserver.NewCursorPage(entries, params.Limit, func(e jobs.JobHistoryEntry) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: e.ExecutedAt, ID: e.ID}
	})
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		h.respondIfError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type updateProgressRequest struct {
	Progress float64 `json:"progress" validate:"gte=0,lte=1"`
	Message  string  `json:"message"`
}

func (h *Handler) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}
	var req updateProgressRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.jobs.UpdateProgress(r.Context(), jobID, req.Progress, req.Message); err != nil {
		h.respondIfError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// --- helpers ---

func (h *Handler) parseStoreID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "storeID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "storeID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "jobID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// respondIfError writes the appropriate error response for err (translating
// tenanterr kinds to HTTP status) and reports whether it did so.
func (h *Handler) respondIfError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}

	kind, ok := tenanterr.KindOf(err)
	if !ok {
		h.logger.ErrorContext(r.Context(), "unhandled error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return true
	}

	status := tenanterr.HTTPStatus(kind)
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed", "error", err, "kind", kind)
	}

	var rf *tenanterr.Error
	if errors.As(err, &rf) && kind == tenanterr.KindRepairFailed {
		httpserver.RespondError(w, status, string(kind), rf.Error())
		return true
	}

	httpserver.RespondError(w, status, string(kind), err.Error())
	return true
}
