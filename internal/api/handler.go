package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/claimscore/internal/bus"
	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/ingest"
	"github.com/opensource-finance/claimscore/internal/metrics"
	"github.com/opensource-finance/claimscore/internal/modelbank"
	"github.com/opensource-finance/claimscore/internal/report"
	"github.com/opensource-finance/claimscore/internal/repository"
	"github.com/opensource-finance/claimscore/internal/rules"
	"github.com/opensource-finance/claimscore/internal/training"
	"github.com/opensource-finance/claimscore/internal/worker"
)

// Pagination defaults for GET /claims.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// Deps are the collaborators the handlers need. Bus, Cache, Trainer and
// Metrics are optional.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Engine   *rules.Engine
	Store    *modelbank.Store
	Trainer  *training.Trainer
	Pipeline *worker.Pipeline
	Reports  *report.Service
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	Version       string
	MaxUploadSize int64
	HistoryLimit  int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = 16 << 20
	}
	return &Handler{Deps: deps}
}

// BatchResponse summarizes a submitted batch.
type BatchResponse struct {
	Message        string                   `json:"message"`
	BatchID        string                   `json:"batch_id"`
	Status         string                   `json:"status"`
	Filename       string                   `json:"filename,omitempty"`
	Received       int                      `json:"received"`
	Processed      int                      `json:"processed_count"`
	Rejected       int                      `json:"rejected"`
	Errors         []domain.RecordError     `json:"errors,omitempty"`
	HighRisk       int                      `json:"high_risk"`
	ModelVersion   uint64                   `json:"model_version"`
	TrainedVersion uint64                   `json:"trained_version,omitempty"`
	TrainingError  string                   `json:"training_error,omitempty"`
	Claims         []*domain.ProcessedClaim `json:"claims,omitempty"`
}

// Pagination describes one page of GET /claims.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// ClaimsResponse is the response for GET /claims.
type ClaimsResponse struct {
	Claims     []*domain.ProcessedClaim `json:"claims"`
	Pagination Pagination               `json:"pagination"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.Repo != nil {
		if err := h.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.Cache != nil {
		if err := h.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	var modelVersion uint64
	if bank := h.Store.Current(); bank != nil {
		modelVersion = bank.Version
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"version":       h.Version,
		"model_version": modelVersion,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// VerifyAuth reports the subject of the presented token. It sits behind
// the auth middleware, so reaching it means the token is valid.
func (h *Handler) VerifyAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"subject": GetSubject(r.Context()),
	})
}

// UploadClaims handles POST /claims/upload with a multipart "file" field
// holding a .csv or .json batch.
func (h *Handler) UploadClaims(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadSize)
	if err := r.ParseMultipartForm(h.MaxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody(fmt.Sprintf("file exceeds %d bytes", h.MaxUploadSize)))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("no file provided"))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("no file selected"))
		return
	}
	format, err := ingest.FormatFromFilename(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	decoded, err := ingest.Decode(file, format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("could not decode file: "+err.Error()))
		return
	}

	batch := h.newBatch(r, "upload")
	batch.Filename = header.Filename
	h.runBatch(w, r, batch, decoded, "File processed successfully")
}

// SubmitClaims handles POST /claims with a JSON array body. With
// ?async=true the batch is published to the bus and 202 is returned.
func (h *Handler) SubmitClaims(w http.ResponseWriter, r *http.Request) {
	async := false
	if v := r.URL.Query().Get("async"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("async must be a boolean"))
			return
		}
		async = parsed
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadSize)
	decoded, err := ingest.DecodeJSON(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body: "+err.Error()))
		return
	}

	batch := h.newBatch(r, "api")
	if async {
		h.enqueueBatch(w, r, batch, decoded)
		return
	}
	h.runBatch(w, r, batch, decoded, "Claims processed successfully")
}

func (h *Handler) newBatch(r *http.Request, source string) *domain.Batch {
	return &domain.Batch{
		ID:          uuid.New().String(),
		Status:      domain.BatchPending,
		Source:      source,
		SubmittedBy: GetSubject(r.Context()),
		CreatedAt:   time.Now().UTC(),
	}
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request, batch *domain.Batch, decoded *ingest.Result, message string) {
	res, err := h.Pipeline.Run(r.Context(), batch, decoded)
	if err != nil {
		h.Logger.Error("batch processing failed",
			"batch_id", batch.ID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody("processing failed"))
		return
	}

	writeJSON(w, http.StatusOK, BatchResponse{
		Message:        message,
		BatchID:        batch.ID,
		Status:         batch.Status,
		Filename:       batch.Filename,
		Received:       batch.Received,
		Processed:      batch.Processed,
		Rejected:       batch.Rejected,
		Errors:         batch.Errors,
		HighRisk:       res.HighRisk,
		ModelVersion:   res.ScoredWith,
		TrainedVersion: batch.TrainedVersion,
		TrainingError:  batch.TrainingError,
		Claims:         res.Claims,
	})
}

func (h *Handler) enqueueBatch(w http.ResponseWriter, r *http.Request, batch *domain.Batch, decoded *ingest.Result) {
	ctx := r.Context()
	if h.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("event bus not available"))
		return
	}

	batch.Received = decoded.Received()
	batch.Rejected = len(decoded.Errors)
	batch.Errors = decoded.Errors
	if err := h.Repo.SaveBatch(ctx, batch); err != nil {
		h.Logger.Error("failed to save pending batch", "batch_id", batch.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to save batch"))
		return
	}

	event := domain.IngestEvent{
		BatchID:     batch.ID,
		Source:      batch.Source,
		SubmittedBy: batch.SubmittedBy,
		Claims:      decoded.Claims,
		Rejected:    decoded.Errors,
	}
	if err := bus.PublishJSON(ctx, h.Bus, domain.TopicClaimsIngested, event); err != nil {
		h.Logger.Error("failed to publish batch", "batch_id", batch.ID, "error", err)
		batch.Status = domain.BatchFailed
		if err := h.Repo.SaveBatch(ctx, batch); err != nil {
			h.Logger.Error("failed to record failed batch", "batch_id", batch.ID, "error", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, errorBody("failed to enqueue batch"))
		return
	}

	h.Logger.Info("batch enqueued",
		"batch_id", batch.ID,
		"claims", len(decoded.Claims),
		"rejected", batch.Rejected,
	)
	writeJSON(w, http.StatusAccepted, BatchResponse{
		Message:  "Batch accepted for processing",
		BatchID:  batch.ID,
		Status:   batch.Status,
		Received: batch.Received,
		Rejected: batch.Rejected,
		Errors:   batch.Errors,
	})
}

// ListClaims handles GET /claims with page, limit, risk_threshold and
// service_code query parameters.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody("page must be a positive integer"))
		return
	}
	limit, err := intParam(q.Get("limit"), DefaultPageLimit)
	if err != nil || limit < 1 || limit > MaxPageLimit {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("limit must be between 1 and %d", MaxPageLimit)))
		return
	}

	filter := domain.ClaimFilter{
		ServiceCode: q.Get("service_code"),
		Limit:       limit,
		Offset:      (page - 1) * limit,
	}
	if v := q.Get("risk_threshold"); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil || threshold < 0 || threshold > 100 {
			writeJSON(w, http.StatusBadRequest, errorBody("risk_threshold must be a number between 0 and 100"))
			return
		}
		if threshold > 0 {
			filter.MinRiskScore = &threshold
		}
	}

	claims, total, err := h.Repo.ListClaims(r.Context(), filter)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		h.Logger.Error("failed to list claims", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to list claims"))
		return
	}

	writeJSON(w, http.StatusOK, ClaimsResponse{
		Claims: claims,
		Pagination: Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
	})
}

// GetClaim retrieves a processed claim by ID.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "id")

	claim, err := h.Repo.GetClaim(r.Context(), claimID)
	if err != nil {
		h.notFoundOr500(w, err, "claim", claimID)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// GetBatch retrieves a batch record by ID.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	batch, err := h.Repo.GetBatch(r.Context(), batchID)
	if err != nil {
		h.notFoundOr500(w, err, "batch", batchID)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) notFoundOr500(w http.ResponseWriter, err error, kind, id string) {
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody(kind+" not found"))
		return
	}
	h.Logger.Error("failed to get "+kind, "id", id, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody("failed to get "+kind))
}

// Anomalies returns high-risk claims grouped by service code.
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := h.Reports.Anomalies(r.Context())
	if err != nil {
		h.Logger.Error("failed to build anomaly report", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to build anomaly report"))
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}

// Savings returns repricing savings in total and by claim date.
func (h *Handler) Savings(w http.ResponseWriter, r *http.Request) {
	savings, err := h.Reports.Savings(r.Context())
	if err != nil {
		h.Logger.Error("failed to build savings report", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to build savings report"))
		return
	}
	writeJSON(w, http.StatusOK, savings)
}

// ExportCSV streams every stored claim as a CSV attachment.
func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	claims, _, err := h.Repo.ListClaims(r.Context(), domain.ClaimFilter{})
	if err != nil {
		h.Logger.Error("failed to load claims for export", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to export claims"))
		return
	}

	filename := fmt.Sprintf("claims_export_%s.csv", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)

	if err := ingest.WriteProcessedCSV(w, claims); err != nil {
		h.Logger.Error("failed to write export", "error", err)
	}
}

// GetModel returns the current model bank summary.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	info, err := h.Store.CurrentInfo()
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListModelVersions returns the retained model banks, newest first.
func (h *Handler) ListModelVersions(w http.ResponseWriter, r *http.Request) {
	versions := h.Store.Versions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

// TrainModel retrains on stored claims, newest first, up to the history limit.
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Trainer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("trainer not available"))
		return
	}

	stored, _, err := h.Repo.ListClaims(ctx, domain.ClaimFilter{Limit: h.HistoryLimit})
	if err != nil {
		h.Logger.Error("failed to load training history", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to load stored claims"))
		return
	}
	if len(stored) == 0 {
		writeJSON(w, http.StatusConflict, errorBody("no stored claims to train on"))
		return
	}

	claims := make([]domain.Claim, len(stored))
	for i, pc := range stored {
		claims[i] = pc.Claim
	}

	bank, err := h.Trainer.Train(ctx, claims)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	info := bank.Info()
	info.Current = true
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "model bank trained",
		"model":   info,
	})
}

// RollbackModel makes a retained model bank current again.
func (h *Handler) RollbackModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	version, err := strconv.ParseUint(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("version must be a positive integer"))
		return
	}

	bank, err := h.Store.Rollback(version)
	if err != nil {
		if errors.Is(err, modelbank.ErrVersionNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	h.Metrics.SetModelVersion(bank.Version)

	if h.Bus != nil {
		if err := bus.PublishJSON(ctx, h.Bus, domain.TopicModelPublished, bank.Event()); err != nil {
			h.Logger.Error("failed to publish model event", "model_version", bank.Version, "error", err)
		}
	}

	h.Logger.Info("model bank rolled back", "model_version", bank.Version)
	info := bank.Info()
	info.Current = true
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "model bank rolled back",
		"model":   info,
	})
}

// ListRules returns all loaded rules from the engine, built-in rules included.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.Engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a rule by ID, falling back to stored rules that are
// not loaded.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.Engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	rule, err := h.Repo.GetRuleConfig(r.Context(), ruleID)
	if err != nil {
		h.notFoundOr500(w, err, "rule", ruleID)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule validates a rule and saves it as the next version of its ID.
// Call POST /rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id, name, and expression are required"))
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Enabled:     req.Enabled,
		CreatedAt:   time.Now().UTC(),
	}

	if err := h.Engine.ValidateRule(ruleConfig); err != nil {
		if errors.Is(err, rules.ErrBuiltinRule) {
			writeJSON(w, http.StatusConflict, errorBody(err.Error()))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("invalid CEL expression: "+err.Error()))
		return
	}

	version, err := h.nextRuleVersion(r, req.ID)
	if err != nil {
		h.Logger.Error("failed to read rule config", "id", req.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to save rule"))
		return
	}
	ruleConfig.Version = version

	if err := h.Repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
		h.Logger.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to save rule"))
		return
	}

	h.Logger.Info("rule created", "id", ruleConfig.ID, "version", ruleConfig.Version)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    ruleConfig,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// nextRuleVersion returns "1" for a new rule and the stored version plus
// one otherwise. Non-numeric stored versions restart at "1".
func (h *Handler) nextRuleVersion(r *http.Request, id string) (string, error) {
	existing, err := h.Repo.GetRuleConfig(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return "1", nil
	}
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(existing.Version)
	if err != nil {
		return "1", nil
	}
	return strconv.Itoa(n + 1), nil
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	dbRules, err := h.Repo.ListRuleConfigs(r.Context())
	if err != nil {
		h.Logger.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to load rules from database"))
		return
	}

	if err := h.Engine.ReloadRules(dbRules); err != nil {
		h.Logger.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to reload rules: "+err.Error()))
		return
	}

	h.Logger.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
		"loaded":  h.Engine.RulesCount(),
	})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
