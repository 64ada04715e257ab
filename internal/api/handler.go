package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lucalabs/cosmic-family/internal/auth"
	"github.com/lucalabs/cosmic-family/internal/family"
	"github.com/lucalabs/cosmic-family/internal/ledger"
	"github.com/lucalabs/cosmic-family/internal/provider"
	"github.com/lucalabs/cosmic-family/internal/provider/openaicompat"
	"github.com/lucalabs/cosmic-family/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler struct {
	family  *family.Family
	ledger  *ledger.Ledger
	archive ledger.Archive
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

func NewHandler(f *family.Family, l *ledger.Ledger, archive ledger.Archive, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		family:  f,
		ledger:  l,
		archive: archive,
		limiter: limiter,
		tracer:  tracer,
	}
}

type queryRequest struct {
	Provider    string   `json:"provider"`
	Query       string   `json:"query"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
}

type synthesisRequest struct {
	Query       string   `json:"query"`
	Providers   []string `json:"providers"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
}

type consensusRequest struct {
	synthesisRequest
	Question string `json:"question"`
}

type registerProviderRequest struct {
	Name    string `json:"name"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// identify extracts the caller identity set by the auth middleware.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	ctx := r.Context()
	callerID := auth.GetCallerID(ctx)
	if callerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", "", false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return callerID, requestID, true
}

// allow charges n queries against the caller's rate-limit window.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, callerID string, n int) bool {
	if n <= 0 {
		n = 1
	}
	allowed, err := h.limiter.Allow(r.Context(), callerID, n)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return false
	}
	return true
}

// fanOutWidth is the number of dispatches a synthesis will attempt.
func (h *Handler) fanOutWidth(names []string) int {
	if names == nil {
		return len(h.family.Providers())
	}
	return len(names)
}

func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	callerID, requestID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "provider and query are required")
		return
	}

	if !h.allow(w, r, callerID, 1) {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "family.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("caller_id", callerID),
		attribute.String("request_id", requestID),
		attribute.String("provider", req.Provider),
	)

	maxTokens, temperature := dispatchParams(req.MaxTokens, req.Temperature)
	record := h.family.Process(ctx, req.Provider, req.Query, maxTokens, temperature)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"record":     record,
	})
}

func (h *Handler) HandleSynthesis(w http.ResponseWriter, r *http.Request) {
	callerID, requestID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req synthesisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	if !h.allow(w, r, callerID, h.fanOutWidth(req.Providers)) {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "family.synthesis")
	defer span.End()
	span.SetAttributes(
		attribute.String("caller_id", callerID),
		attribute.String("request_id", requestID),
		attribute.Int("provider_count", h.fanOutWidth(req.Providers)),
	)

	maxTokens, temperature := dispatchParams(req.MaxTokens, req.Temperature)
	results := h.family.DimensionalSynthesis(ctx, req.Query, req.Providers, maxTokens, temperature)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"results":    results,
	})
}

func (h *Handler) HandleConsensus(w http.ResponseWriter, r *http.Request) {
	callerID, requestID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req consensusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	// Synthesis plus one vote re-query per provider.
	width := h.fanOutWidth(req.Providers)
	if !h.allow(w, r, callerID, 2*width) {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "family.consensus")
	defer span.End()
	span.SetAttributes(
		attribute.String("caller_id", callerID),
		attribute.String("request_id", requestID),
		attribute.Int("provider_count", width),
	)

	maxTokens, temperature := dispatchParams(req.MaxTokens, req.Temperature)
	results := h.family.DimensionalSynthesis(ctx, req.Query, req.Providers, maxTokens, temperature)
	tally := h.family.ConsensusVote(ctx, results, req.Question)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"results":    results,
		"votes": map[string]int{
			"yes":     tally.Yes,
			"no":      tally.No,
			"unclear": tally.Unclear,
		},
		"provider_votes": tally.ProviderVotes,
		"consensus":      tally.Consensus,
		"confidence":     tally.Confidence,
	})
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.identify(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Stats())
}

func (h *Handler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.identify(w, r); !ok {
		return
	}

	entries := h.family.Providers()
	out := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]string{
			"name":  e.Name,
			"model": e.ModelLabel,
			"kind":  string(e.Kind),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

// HandleRegisterProvider registers an OpenAI-compatible backend at
// runtime. Other kinds need code, so only this shape is accepted over
// the wire.
func (h *Handler) HandleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.identify(w, r); !ok {
		return
	}

	var req registerProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.BaseURL == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "name, base_url and model are required")
		return
	}

	client := openaicompat.New(req.APIKey, req.BaseURL, req.Model)
	h.family.Register(req.Name, provider.WithBreaker(req.Name, client), req.Model, provider.KindChatCompletion)

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "registered",
		"name":   req.Name,
	})
}

func (h *Handler) HandleUnregisterProvider(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.identify(w, r); !ok {
		return
	}

	name := chi.URLParam(r, "name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "provider name is required")
		return
	}

	h.family.Unregister(name)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "unregistered",
		"name":   name,
	})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.identify(w, r); !ok {
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = parsed
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = parsed
	}

	records, err := h.archive.GetRecords(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load history: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_records": len(records),
		"records":       records,
		"from":          from,
		"to":            to,
	})
}

func dispatchParams(maxTokens int, temperature *float64) (int, float64) {
	if maxTokens <= 0 {
		maxTokens = family.DefaultMaxTokens
	}
	temp := family.DefaultTemperature
	if temperature != nil {
		temp = *temperature
	}
	return maxTokens, temp
}
