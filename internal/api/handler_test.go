package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lucalabs/cosmic-family/internal/auth"
	"github.com/lucalabs/cosmic-family/internal/family"
	"github.com/lucalabs/cosmic-family/internal/ledger"
	"github.com/lucalabs/cosmic-family/internal/provider"
	"github.com/lucalabs/cosmic-family/pkg/ratelimit"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
)

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Mock Archive
type mockArchive struct {
	records []*ledger.Record
	err     error
}

func (m *mockArchive) LogRecord(ctx context.Context, r *ledger.Record) error {
	m.records = append(m.records, r)
	return m.err
}

func (m *mockArchive) GetRecords(ctx context.Context, from, to time.Time) ([]*ledger.Record, error) {
	return m.records, m.err
}

func staticInvoker(text string, tokens int) provider.Invoker {
	return provider.Func(func(ctx context.Context, query string, maxTokens int, temperature float64) (*provider.Result, error) {
		return &provider.Result{Text: text, Tokens: tokens}, nil
	})
}

func setupTest(limiterAllowed bool) (*Handler, *family.Family, *ledger.Ledger, *mockArchive) {
	l := ledger.NewLedger()
	f := family.New(l)
	archive := &mockArchive{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewHandler(f, l, archive, limiter, tracer), f, l, archive
}

func asCaller(req *http.Request) *http.Request {
	return req.WithContext(auth.WithCallerID(req.Context(), "test-caller"))
}

func TestHandleQuery_Unauthorized(t *testing.T) {
	h, _, _, _ := setupTest(true)
	req := httptest.NewRequest("POST", "/v1/query", nil)
	w := httptest.NewRecorder()

	h.HandleQuery(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleQuery_InvalidBody(t *testing.T) {
	h, _, _, _ := setupTest(true)
	req := httptest.NewRequest("POST", "/v1/query", strings.NewReader(`{invalid json}`))
	req = asCaller(req)
	w := httptest.NewRecorder()

	h.HandleQuery(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleQuery_RateLimited(t *testing.T) {
	h, _, _, _ := setupTest(false)
	reqBody, _ := json.Marshal(map[string]string{"provider": "a", "query": "hi"})
	req := asCaller(httptest.NewRequest("POST", "/v1/query", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleQuery(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60s" {
		t.Errorf("Expected Retry-After: 60s header, got %s", w.Header().Get("Retry-After"))
	}
}

func TestHandleQuery_UnknownProviderStillLogged(t *testing.T) {
	h, _, l, _ := setupTest(true)
	reqBody, _ := json.Marshal(map[string]string{"provider": "missing", "query": "hi"})
	req := asCaller(httptest.NewRequest("POST", "/v1/query", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleQuery(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 (dispatch failures are data), got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	record := resp["record"].(map[string]interface{})
	if record["error"] != "Provider not found" {
		t.Errorf("Expected not-found error in record, got %v", record["error"])
	}
	if l.Len() != 1 {
		t.Errorf("Expected attempted dispatch in ledger, got %d records", l.Len())
	}
}

func TestHandleQuery_Success(t *testing.T) {
	h, f, _, _ := setupTest(true)
	f.Register("alpha", staticInvoker("hello there", 9), "alpha-v1", provider.KindCustom)

	reqBody, _ := json.Marshal(map[string]interface{}{"provider": "alpha", "query": "hi", "max_tokens": 50})
	req := asCaller(httptest.NewRequest("POST", "/v1/query", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleQuery(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	record := resp["record"].(map[string]interface{})
	if record["response"] != "hello there" {
		t.Errorf("Expected response text, got %v", record["response"])
	}
	if record["tokens_used"].(float64) != 9 {
		t.Errorf("Expected 9 tokens, got %v", record["tokens_used"])
	}
}

func TestHandleSynthesis_Success(t *testing.T) {
	h, f, l, _ := setupTest(true)
	f.Register("a", staticInvoker("one", 1), "a-v1", provider.KindCustom)
	f.Register("b", staticInvoker("two", 2), "b-v1", provider.KindCustom)

	reqBody, _ := json.Marshal(map[string]string{"query": "compare"})
	req := asCaller(httptest.NewRequest("POST", "/v1/synthesis", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleSynthesis(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	results := resp["results"].(map[string]interface{})
	if len(results) != 2 {
		t.Errorf("Expected 2 results, got %d", len(results))
	}
	if l.Len() != 2 {
		t.Errorf("Expected 2 ledger records, got %d", l.Len())
	}
}

func TestHandleSynthesis_MissingQuery(t *testing.T) {
	h, _, _, _ := setupTest(true)
	reqBody, _ := json.Marshal(map[string]string{})
	req := asCaller(httptest.NewRequest("POST", "/v1/synthesis", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleSynthesis(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleConsensus_Success(t *testing.T) {
	h, f, _, _ := setupTest(true)
	yes := provider.Func(func(ctx context.Context, query string, maxTokens int, temperature float64) (*provider.Result, error) {
		return &provider.Result{Text: "Yes"}, nil
	})
	no := provider.Func(func(ctx context.Context, query string, maxTokens int, temperature float64) (*provider.Result, error) {
		return &provider.Result{Text: "No"}, nil
	})
	f.Register("a", yes, "a-v1", provider.KindCustom)
	f.Register("b", no, "b-v1", provider.KindCustom)

	reqBody, _ := json.Marshal(map[string]string{"query": "claim", "question": "valid?"})
	req := asCaller(httptest.NewRequest("POST", "/v1/consensus", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleConsensus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	votes := resp["votes"].(map[string]interface{})
	if votes["yes"].(float64) != 1 || votes["no"].(float64) != 1 {
		t.Errorf("Expected one yes and one no vote, got %v", votes)
	}
	if resp["consensus"] != "tie" {
		t.Errorf("Expected tie consensus, got %v", resp["consensus"])
	}
	if resp["confidence"].(float64) != 0.5 {
		t.Errorf("Expected confidence 0.5, got %v", resp["confidence"])
	}
}

func TestHandleStats_Empty(t *testing.T) {
	h, _, _, _ := setupTest(true)
	req := asCaller(httptest.NewRequest("GET", "/v1/stats", nil))
	w := httptest.NewRecorder()

	h.HandleStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var stats ledger.Stats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.TotalQueries != 0 || stats.ErrorRate != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

func TestHandleRegisterProvider(t *testing.T) {
	h, f, _, _ := setupTest(true)

	reqBody, _ := json.Marshal(map[string]string{
		"name":     "local",
		"api_key":  "k",
		"base_url": "http://localhost:9999/v1",
		"model":    "local-model",
	})
	req := asCaller(httptest.NewRequest("POST", "/v1/providers", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleRegisterProvider(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	entries := f.Providers()
	if len(entries) != 1 || entries[0].Name != "local" {
		t.Errorf("Expected provider registered, got %v", entries)
	}
	if entries[0].Kind != provider.KindChatCompletion {
		t.Errorf("Expected chat-completion kind, got %s", entries[0].Kind)
	}
}

func TestHandleRegisterProvider_MissingFields(t *testing.T) {
	h, _, _, _ := setupTest(true)
	reqBody, _ := json.Marshal(map[string]string{"name": "x"})
	req := asCaller(httptest.NewRequest("POST", "/v1/providers", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleRegisterProvider(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUnregisterProvider(t *testing.T) {
	h, f, _, _ := setupTest(true)
	f.Register("alpha", staticInvoker("x", 0), "v1", provider.KindCustom)

	req := asCaller(httptest.NewRequest("DELETE", "/v1/providers/alpha", nil))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("name", "alpha")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()

	h.HandleUnregisterProvider(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(f.Providers()) != 0 {
		t.Errorf("Expected provider unregistered")
	}
}

func TestHandleListProviders(t *testing.T) {
	h, f, _, _ := setupTest(true)
	f.Register("alpha", staticInvoker("x", 0), "alpha-v1", provider.KindCustom)

	req := asCaller(httptest.NewRequest("GET", "/v1/providers", nil))
	w := httptest.NewRecorder()

	h.HandleListProviders(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string][]map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	providers := resp["providers"]
	if len(providers) != 1 || providers[0]["name"] != "alpha" || providers[0]["model"] != "alpha-v1" {
		t.Errorf("Unexpected provider listing: %v", providers)
	}
}

func TestHandleHistory_InvalidDateFormat(t *testing.T) {
	h, _, _, _ := setupTest(true)
	req := asCaller(httptest.NewRequest("GET", "/v1/history?from=not-a-date", nil))
	w := httptest.NewRecorder()

	h.HandleHistory(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleHistory_Success(t *testing.T) {
	h, _, _, archive := setupTest(true)
	archive.records = []*ledger.Record{
		{Provider: "a", ResponseText: "x"},
		{Provider: "b", ResponseText: "y"},
	}

	req := asCaller(httptest.NewRequest("GET", "/v1/history", nil))
	w := httptest.NewRecorder()

	h.HandleHistory(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["total_records"].(float64) != 2 {
		t.Errorf("Expected 2 archived records, got %v", resp["total_records"])
	}
}
