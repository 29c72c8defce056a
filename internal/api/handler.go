package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/ueba/internal/bus"
	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/profile"
	"github.com/opensource-finance/ueba/internal/rules"
	"github.com/opensource-finance/ueba/internal/worker"
)

const (
	defaultSearchLimit  = 50
	maxSearchLimit      = 200
	defaultAnomalyRisk  = 0.5
	defaultAnomalyLimit = 100
	maxAnomalyLimit     = 1000
	defaultActionLimit  = 50
	defaultRiskMinutes  = 60
	maxRiskMinutes      = 24 * 60
	defaultRiskBucket   = 300
	maxBodyBytes        = 1 << 20
)

// Scorer runs the synchronous scoring pipeline.
type Scorer interface {
	Score(ctx context.Context, sub *domain.Submission) (*domain.Decision, error)
}

// Refresher recomputes profile baselines on demand.
type Refresher interface {
	RefreshUser(ctx context.Context, userID string) (*profile.Result, error)
	RefreshAll(ctx context.Context) (*profile.Summary, error)
}

// Deps are the collaborators the handlers need. Cache, Bus and Refresher
// are optional.
type Deps struct {
	Store     domain.HistoryStore
	Scorer    Scorer
	Refresher Refresher
	Rules     []rules.Rule
	Cache     domain.Cache
	Bus       domain.EventBus
	Version   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	store     domain.HistoryStore
	scorer    Scorer
	refresher Refresher
	rules     []rules.Rule
	cache     domain.Cache
	bus       domain.EventBus
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		store:     deps.Store,
		scorer:    deps.Scorer,
		refresher: deps.Refresher,
		rules:     deps.Rules,
		cache:     deps.Cache,
		bus:       deps.Bus,
		version:   deps.Version,
	}
}

// TransactionRequest is the request body for POST /transaction.
type TransactionRequest struct {
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Type              string          `json:"type"`
	Country           string          `json:"country,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	IP                string          `json:"ip,omitempty"`
	Timestamp         string          `json:"ts,omitempty"`
}

// clientTimeLayouts are tried in order. Timestamps without an offset are
// read as UTC.
var clientTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseClientTime reads the informational client timestamp. It returns nil
// for an empty or unparseable value; scoring never depends on it.
func parseClientTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range clientTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	slog.Debug("ignoring unparseable client timestamp", "ts", raw)
	return nil
}

// Submission converts the request into a pipeline submission.
func (req *TransactionRequest) Submission() (*domain.Submission, error) {
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must be non-negative", domain.ErrInvalidInput)
	}
	sub := &domain.Submission{
		UserID:            strings.TrimSpace(req.UserID),
		Amount:            req.Amount.InexactFloat64(),
		Type:              domain.TransactionType(strings.ToLower(strings.TrimSpace(req.Type))),
		Country:           strings.ToUpper(strings.TrimSpace(req.Country)),
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                req.IP,
		ClientTimestamp:   parseClientTime(req.Timestamp),
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

// CreateUserRequest is the request body for POST /users.
type CreateUserRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Country string `json:"country,omitempty"`
}

// RefreshRequest is the optional body for POST /profiles/refresh.
type RefreshRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// ActionRequest is the request body for POST /actions.
type ActionRequest struct {
	UserID string `json:"user_id"`
	TxID   string `json:"txn_id,omitempty"`
	Action string `json:"action"`
	Note   string `json:"note,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// SearchResponse is the response for GET /transactions.
type SearchResponse struct {
	Rows  []*domain.Transaction `json:"rows"`
	Total int                   `json:"total"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ScoreTransaction handles POST /transaction.
func (h *Handler) ScoreTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sub, err := req.Submission()
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.scorer.Score(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d.ToResponse())
}

// SubmitTransaction handles POST /transactions/async. The submission is
// validated here and scored later by a worker.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event bus not available"})
		return
	}

	var req TransactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := req.Submission()
	if err != nil {
		writeError(w, r, err)
		return
	}

	requestID := GetRequestID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}
	msg := worker.SubmissionMessage{RequestID: requestID, Submission: *sub}
	if err := bus.PublishJSON(r.Context(), h.bus, domain.TopicTransactionSubmitted, msg); err != nil {
		slog.Error("failed to queue submission", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "queue unavailable"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID,
		"status":     "queued",
	})
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.store.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// SearchTransactions handles GET /transactions.
func (h *Handler) SearchTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultSearchLimit, 1, maxSearchLimit)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: limit: %v", domain.ErrInvalidInput, err))
		return
	}
	offset, err := intParam(q.Get("offset"), 0, 0, -1)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: offset: %v", domain.ErrInvalidInput, err))
		return
	}
	minRisk, err := riskParam(q.Get("min_risk"), 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter := domain.TransactionFilter{
		UserID:  q.Get("user_id"),
		Type:    domain.TransactionType(q.Get("type")),
		Country: strings.ToUpper(q.Get("country")),
		MinRisk: minRisk,
		Limit:   limit,
		Offset:  offset,
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown transaction type %q", domain.ErrInvalidInput, filter.Type))
		return
	}

	rows, total, err := h.store.SearchTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Rows: rows, Total: total})
}

// RiskPointsResponse is returned by GET /metrics/risk.
type RiskPointsResponse struct {
	Points []domain.RiskPoint `json:"points"`
}

// RiskOverTime handles GET /metrics/risk: average final risk per bucket over
// the trailing window, narrowed by the same filters as the search.
func (h *Handler) RiskOverTime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	minutes, err := intParam(q.Get("minutes"), defaultRiskMinutes, 5, maxRiskMinutes)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: minutes: %v", domain.ErrInvalidInput, err))
		return
	}
	bucketSec, err := intParam(q.Get("bucket_sec"), defaultRiskBucket, 60, 3600)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: bucket_sec: %v", domain.ErrInvalidInput, err))
		return
	}
	minRisk, err := riskParam(q.Get("min_risk"), 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter := domain.TransactionFilter{
		UserID:  q.Get("user_id"),
		Type:    domain.TransactionType(strings.ToLower(q.Get("type"))),
		Country: strings.ToUpper(q.Get("country")),
		MinRisk: minRisk,
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown transaction type %q", domain.ErrInvalidInput, filter.Type))
		return
	}

	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	points, err := h.store.RiskOverTime(r.Context(), filter, since, time.Duration(bucketSec)*time.Second)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RiskPointsResponse{Points: points})
}

// ListAnomalies handles GET /anomalies, highest risk first.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	minRisk, err := riskParam(q.Get("min_risk"), defaultAnomalyRisk)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), defaultAnomalyLimit, 1, maxAnomalyLimit)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: limit: %v", domain.ErrInvalidInput, err))
		return
	}

	rows, err := h.store.ListAnomalies(r.Context(), minRisk, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// CreateUser handles POST /users. The user starts with the default profile.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user := &domain.User{
		ID:      strings.TrimSpace(req.ID),
		Name:    strings.TrimSpace(req.Name),
		Email:   req.Email,
		Country: strings.ToUpper(strings.TrimSpace(req.Country)),
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Profile = domain.DefaultProfile(user.Country)

	if _, err := h.store.GetUser(r.Context(), user.ID); err == nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: "user already exists"})
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		writeError(w, r, err)
		return
	}

	if err := h.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// GetProfile handles GET /users/{id}/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": user.ID,
		"profile": user.Profile,
	})
}

// RefreshProfiles handles POST /profiles/refresh for one user or all.
func (h *Handler) RefreshProfiles(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "refresher not available"})
		return
	}

	var req RefreshRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, err)
			return
		}
	}
	if req.UserID == "" {
		req.UserID = r.URL.Query().Get("user_id")
	}

	if req.UserID != "" {
		res, err := h.refresher.RefreshUser(r.Context(), req.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	summary, err := h.refresher.RefreshAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": h.rules,
		"count": len(h.rules),
	})
}

// Catalog handles GET /catalog.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Catalog(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CreateAction handles POST /actions.
func (h *Handler) CreateAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	action := &domain.AnalystAction{
		ID:     uuid.New().String(),
		UserID: req.UserID,
		TxID:   req.TxID,
		Action: strings.ToUpper(req.Action),
		Note:   req.Note,
		Actor:  req.Actor,
	}
	if action.Actor == "" {
		action.Actor = "analyst"
	}

	if _, err := h.store.GetUser(r.Context(), action.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SaveAction(r.Context(), action); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("analyst action recorded",
		"user_id", action.UserID,
		"tx_id", action.TxID,
		"action", action.Action,
		"actor", action.Actor,
	)
	writeJSON(w, http.StatusCreated, action)
}

// ListActions handles GET /actions?user_id=.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, r, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput))
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), defaultActionLimit, 1, maxSearchLimit)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: limit: %v", domain.ErrInvalidInput, err))
		return
	}

	actions, err := h.store.ListActions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the history store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store == nil || h.store.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body: %w", domain.ErrInvalidInput, err)
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// intParam parses an optional integer query parameter within [lo, hi]. A
// negative hi means unbounded.
func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", raw)
	}
	if n < lo || (hi >= 0 && n > hi) {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return n, nil
}

func riskParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: min_risk must be a number in [0, 1]", domain.ErrInvalidInput)
	}
	return v, nil
}

// writeError maps domain sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: err.Error()})
	case errors.Is(err, domain.ErrConfiguration):
		slog.Error("configuration error", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "configuration_error"})
	default:
		slog.Error("request failed", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "server_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
