package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dukerupert/expensebackup/internal/dispatch"
	"github.com/dukerupert/expensebackup/internal/middleware"
	"github.com/dukerupert/expensebackup/internal/model"
	"github.com/dukerupert/expensebackup/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// BackupStore is the persistence the admission API uses.
type BackupStore interface {
	Create(ctx context.Context, req *model.BackupRequest) (*model.BackupRequest, error)
	GetByID(ctx context.Context, id string) (*model.BackupRequest, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]model.BackupRequest, error)
	CountPendingByTenant(ctx context.Context, tenantID string) (int, error)
	SetTaskReference(ctx context.Context, id, ref string) error
}

// Runner runs a request synchronously and schedules background runs.
type Runner interface {
	RunNow(ctx context.Context, id string) (bool, error)
	Wake()
}

// BackupHandler serves the backup admission API.
type BackupHandler struct {
	store        BackupStore
	runner       Runner
	limiter      *middleware.RateLimiter
	maxPerTenant int
	logger       *slog.Logger
}

func NewBackupHandler(s BackupStore, runner Runner, limiter *middleware.RateLimiter, maxPerTenant int, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{
		store:        s,
		runner:       runner,
		limiter:      limiter,
		maxPerTenant: maxPerTenant,
		logger:       logger,
	}
}

type createRequest struct {
	TenantID      string           `json:"tenant_id"`
	Credential    string           `json:"credential"`
	ObjectType    model.ObjectType `json:"object_type"`
	DisplayName   string           `json:"display_name"`
	DataFormat    model.DataFormat `json:"data_format"`
	TaskReference string           `json:"task_reference"`
	Filters       json.RawMessage  `json:"filters"`
}

func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.ObjectType == "" {
		body.ObjectType = model.ObjectTypeExpenses
	}
	if body.DataFormat == "" {
		body.DataFormat = model.DataFormatCSV
	}

	req := &model.BackupRequest{
		TenantID:      strings.TrimSpace(body.TenantID),
		Credential:    body.Credential,
		ObjectType:    body.ObjectType,
		DisplayName:   strings.TrimSpace(body.DisplayName),
		DataFormat:    body.DataFormat,
		TaskReference: body.TaskReference,
		Filters:       body.Filters,
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if h.limiter != nil {
		if ok, retry := h.limiter.Allow("tenant:" + req.TenantID); !ok {
			middleware.TooManyRequests(w, retry)
			return
		}
	}

	pending, err := h.store.CountPendingByTenant(r.Context(), req.TenantID)
	if err != nil {
		h.logger.Error("count pending backups", "tenant_id", req.TenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create backup"})
		return
	}
	if h.maxPerTenant > 0 && pending >= h.maxPerTenant {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many backups in progress for this tenant"})
		return
	}

	created, err := h.store.Create(r.Context(), req)
	if err != nil {
		h.logger.Error("create backup", "tenant_id", req.TenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create backup"})
		return
	}
	h.logger.Info("backup requested", "backup_id", created.ID, "tenant_id", created.TenantID)
	h.runner.Wake()

	writeJSON(w, http.StatusCreated, created)
}

func (h *BackupHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *BackupHandler) ListByTenant(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	backups, err := h.store.ListByTenant(r.Context(), chi.URLParam(r, "tenantID"), limit)
	if err != nil {
		h.logger.Error("list backups", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list backups"})
		return
	}
	if backups == nil {
		backups = []model.BackupRequest{}
	}
	writeJSON(w, http.StatusOK, backups)
}

func (h *BackupHandler) SetTaskReference(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskReference string `json:"task_reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	id := chi.URLParam(r, "id")
	err := h.store.SetTaskReference(r.Context(), id, body.TaskReference)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}
	if err != nil {
		h.logger.Error("set task reference", "backup_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update backup"})
		return
	}
	h.Get(w, r)
}

// Run executes the pipeline for the request and reports the outcome. This is
// the entry point for an external job runner.
func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	b, ok := h.load(w, r)
	if !ok {
		return
	}

	// A dropped connection must not abort a run halfway.
	success, err := h.runner.RunNow(context.WithoutCancel(r.Context()), b.ID)
	if errors.Is(err, dispatch.ErrInFlight) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "backup is already running"})
		return
	}

	state := b.CurrentState
	if after, err := h.store.GetByID(r.Context(), b.ID); err == nil {
		state = after.CurrentState
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": success, "state": state})
}

func (h *BackupHandler) load(w http.ResponseWriter, r *http.Request) (*model.BackupRequest, bool) {
	id := chi.URLParam(r, "id")
	b, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("get backup", "backup_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get backup"})
		return nil, false
	}
	return b, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
