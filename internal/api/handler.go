package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ocr"
	"github.com/opensource-finance/kestrel/internal/parse"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxUploadBytes caps bill image uploads at 10 MB.
const maxUploadBytes = 10 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	detector  *anomaly.Detector
	checker   *anomaly.Checker
	history   *history.Service
	extractor *ocr.Extractor
	parser    *parse.Parser
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		engine:    deps.Engine,
		detector:  deps.Detector,
		checker:   deps.Checker,
		history:   deps.History,
		extractor: deps.Extractor,
		parser:    deps.Parser,
		version:   deps.Version,
	}
}

// ProcessResponse is the response for the bill ingestion endpoints.
type ProcessResponse struct {
	Bill   *domain.Bill          `json:"bill"`
	Report *domain.AnomalyReport `json:"report"`
}

// ProcessUpload handles POST /bills/process with a multipart image file.
func (h *Handler) ProcessUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.extractor == nil || h.parser == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "bill extraction is not configured",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "multipart form with a file field is required",
		})
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "file field is required",
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read uploaded file",
		})
		return
	}

	text, err := h.extractor.ExtractBytes(ctx, data)
	if err != nil {
		slog.Error("text extraction failed", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "text extraction failed: " + err.Error(),
		})
		return
	}

	h.processText(w, r, text, "upload")
}

// Base64Request is the request body for POST /bills/process-base64.
type Base64Request struct {
	Image string `json:"image"`
}

// ProcessBase64 handles POST /bills/process-base64.
func (h *Handler) ProcessBase64(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.extractor == nil || h.parser == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "bill extraction is not configured",
		})
		return
	}

	var req Base64Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Image == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "image is required",
		})
		return
	}

	text, err := h.extractor.ExtractBase64(ctx, req.Image)
	if err != nil {
		slog.Error("text extraction failed", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "text extraction failed: " + err.Error(),
		})
		return
	}

	h.processText(w, r, text, "base64")
}

// processText runs the parse -> screen -> persist -> publish pipeline on
// extracted bill text.
func (h *Handler) processText(w http.ResponseWriter, r *http.Request, text, source string) {
	ctx := r.Context()

	bill, err := h.parser.Parse(ctx, text)
	if err != nil {
		slog.Error("bill parsing failed", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "bill parsing failed: " + err.Error(),
		})
		return
	}

	parse.Enrich(bill)
	bill.Source = source

	report, err := h.screenAndRecord(r, bill)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save screening result",
		})
		return
	}

	writeJSON(w, http.StatusOK, ProcessResponse{Bill: bill, Report: report})
}

// screenAndRecord runs the full check against stored history, persists
// the result, and publishes the checked (and alert) events.
func (h *Handler) screenAndRecord(r *http.Request, bill *domain.Bill) (*domain.AnomalyReport, error) {
	ctx := r.Context()

	bills, err := h.history.Bills(ctx)
	if err != nil {
		slog.Error("failed to load bill history", "error", err)
		bills = nil
	}

	report := h.checker.FullCheck(ctx, bill, bills)

	if err := h.history.Record(ctx, bill, report); err != nil {
		slog.Error("failed to save screening result", "bill_id", bill.ID, "error", err)
		return nil, err
	}

	if h.bus != nil {
		payload, _ := json.Marshal(domain.BillCheckedEvent{Bill: bill, Report: report})
		if err := h.bus.Publish(ctx, domain.TopicBillChecked, payload); err != nil {
			slog.Error("failed to publish screening result", "bill_id", bill.ID, "error", err)
		}
		if report.HighRisk() {
			if err := h.bus.Publish(ctx, domain.TopicBillAlert, payload); err != nil {
				slog.Error("failed to publish alert", "bill_id", bill.ID, "error", err)
			}
		}
	}

	return report, nil
}

// CheckRequest is the request body for POST /bills/check.
type CheckRequest struct {
	Bill    *domain.Bill `json:"bill"`
	Persist bool         `json:"persist,omitempty"`
}

// CheckBill handles POST /bills/check: screens an already-parsed bill.
// By default the result is not persisted, which makes the endpoint safe
// for what-if queries; set persist to true to store it.
func (h *Handler) CheckBill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Bill == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "bill is required",
		})
		return
	}

	bill := req.Bill
	if bill.ID == "" {
		bill.ID = uuid.New().String()
	}
	if bill.ProcessedAt.IsZero() {
		bill.ProcessedAt = time.Now().UTC()
	}

	if req.Persist {
		report, err := h.screenAndRecord(r, bill)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save screening result",
			})
			return
		}
		writeJSON(w, http.StatusOK, ProcessResponse{Bill: bill, Report: report})
		return
	}

	bills, err := h.history.Bills(ctx)
	if err != nil {
		slog.Error("failed to load bill history", "error", err)
		bills = nil
	}
	report := h.checker.FullCheck(ctx, bill, bills)

	writeJSON(w, http.StatusOK, ProcessResponse{Bill: bill, Report: report})
}

// TrainResponse is the response for POST /train.
type TrainResponse struct {
	Model      anomaly.ModelInfo `json:"model"`
	CorpusSize int               `json:"corpusSize"`
}

// Train handles POST /train: refits the model on all stored bills.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bills, err := h.history.Bills(ctx)
	if err != nil {
		slog.Error("failed to load training corpus", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load training corpus",
		})
		return
	}

	if err := h.detector.Train(bills); err != nil {
		slog.Error("training failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "training failed: " + err.Error(),
		})
		return
	}

	if h.bus != nil && len(bills) > 0 {
		info := h.detector.Info()
		payload, _ := json.Marshal(domain.ModelTrainedEvent{CorpusSize: len(bills), Seed: info.Seed})
		if err := h.bus.Publish(ctx, domain.TopicModelTrained, payload); err != nil {
			slog.Error("failed to publish trained event", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, TrainResponse{
		Model:      h.detector.Info(),
		CorpusSize: len(bills),
	})
}

// ModelInfo handles GET /model.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.detector.Info())
}

// ListBills handles GET /bills.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	var bills []*domain.Bill
	var err error
	if category := r.URL.Query().Get("category"); category != "" {
		bills, err = h.repo.ListBillsByCategory(r.Context(), category)
	} else {
		bills, err = h.history.Bills(r.Context())
	}
	if err != nil {
		slog.Error("failed to list bills", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list bills",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bills": bills,
		"count": len(bills),
	})
}

// GetBill handles GET /bills/{id}.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	billID := chi.URLParam(r, "id")

	bill, report, err := h.repo.GetBill(r.Context(), billID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "bill not found",
			})
			return
		}
		slog.Error("failed to get bill", "id", billID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get bill",
		})
		return
	}

	writeJSON(w, http.StatusOK, ProcessResponse{Bill: bill, Report: report})
}

// Summary handles GET /bills/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.repo.Summary(r.Context())
	if err != nil {
		slog.Error("failed to build summary", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to build summary",
		})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// DueSoon handles GET /bills/due-soon?days=N (default 7).
func (h *Handler) DueSoon(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "days must be a non-negative integer",
			})
			return
		}
		days = n
	}

	bills, err := h.repo.ListDueSoon(r.Context(), days)
	if err != nil {
		slog.Error("failed to list due bills", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list due bills",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bills": bills,
		"count": len(bills),
		"days":  days,
	})
}

// ListAnomalies handles GET /bills/anomalies.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	bills, err := h.repo.ListAnomalies(r.Context())
	if err != nil {
		slog.Error("failed to list anomalies", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list anomalies",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bills": bills,
		"count": len(bills),
	})
}

// chatRecentBills caps how much history is handed to the assistant.
const chatRecentBills = 10

const chatSystemPrompt = "You are Kestrel, a bill screening assistant. " +
	"You have access to the user's bill history and summary data. " +
	"Answer questions with specific numbers and dates. Be concise and helpful. " +
	"Here is the data: %s"

// ChatRequest is the request body for POST /chat.
type ChatRequest struct {
	Message string              `json:"message"`
	History []parse.ChatMessage `json:"history,omitempty"`
}

// Chat handles POST /chat. The assistant answers questions grounded on
// the stored summary and the most recently processed bills.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.parser == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "assistant is not configured",
		})
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "message is required",
		})
		return
	}

	summary, err := h.repo.Summary(ctx)
	if err != nil {
		slog.Error("failed to build chat context", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to build chat context",
		})
		return
	}
	recent, err := h.history.Bills(ctx)
	if err != nil {
		slog.Error("failed to build chat context", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to build chat context",
		})
		return
	}
	if len(recent) > chatRecentBills {
		recent = recent[:chatRecentBills]
	}

	contextData, err := json.Marshal(map[string]interface{}{
		"summary":      summary,
		"recent_bills": recent,
	})
	if err != nil {
		slog.Error("failed to build chat context", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to build chat context",
		})
		return
	}

	reply, err := h.parser.Chat(ctx, fmt.Sprintf(chatSystemPrompt, contextData), req.History, req.Message)
	if err != nil {
		slog.Error("chat completion failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "assistant request failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// StatusRequest is the request body for PATCH /bills/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// UpdatePaymentStatus handles PATCH /bills/{id}/status.
func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	billID := chi.URLParam(r, "id")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.history.SetPaymentStatus(r.Context(), billID, req.Status); err != nil {
		switch {
		case errors.Is(err, repository.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "status must be one of paid, unpaid, unknown",
			})
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "bill not found",
			})
		default:
			slog.Error("failed to update payment status", "id", billID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to update payment status",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     billID,
		"status": req.Status,
	})
}

// ListRules returns all rules loaded in the screening engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	loaded := h.engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateRuleRequest is the request body for creating a screening rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Label       string `json:"label,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule validates a CEL rule, loads it into the engine, and saves
// it to the database.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Label:       req.Label,
		Enabled:     req.Enabled,
	}

	if err := h.engine.LoadRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule": ruleConfig,
	})
}

// ReloadRules reloads all enabled rules from the database into the
// engine, enabling hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.engine == nil || h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
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

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
