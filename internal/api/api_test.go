package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/parse"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func fptr(v float64) *float64 { return &v }

// createTestServer wires an in-memory stack: sqlite repo, LRU cache,
// channel bus, trained detector. OCR and parsing are left unconfigured.
func createTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	return createTestServerWithParser(t, apiKey, nil)
}

func createTestServerWithParser(t *testing.T, apiKey string, parser *parse.Parser) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		APIKey:       apiKey,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	t.Cleanup(func() { lru.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	detector := anomaly.NewDetector(domain.AnomalyConfig{Contamination: 0.10, Estimators: 100, Seed: 42}, nil, nil)
	corpus := make([]*domain.Bill, 0, 40)
	for i := 0; i < 40; i++ {
		corpus = append(corpus, checkBill("Acme Inc", 100+float64(i%10)*20))
	}
	if err := detector.Train(corpus); err != nil {
		t.Fatalf("train: %v", err)
	}

	checker := anomaly.NewChecker(detector, engine, nil)
	hist := history.NewService(repo, lru)

	return NewServer(cfg, Deps{
		Repo:     repo,
		Cache:    lru,
		Bus:      eventBus,
		Engine:   engine,
		Detector: detector,
		Checker:  checker,
		History:  hist,
		Parser:   parser,
		Version:  "test-v1",
	})
}

func checkBill(vendor string, amount float64) *domain.Bill {
	return &domain.Bill{
		VendorName:    vendor,
		InvoiceNumber: "INV-42",
		BillDate:      "2026-08-01",
		DueDate:       "2099-01-01",
		TotalAmount:   amount,
		TaxAmount:     fptr(amount * 0.08),
		Currency:      "USD",
		Category:      "utilities",
		PaymentStatus: domain.PaymentUnpaid,
		ProcessedAt:   time.Now().UTC(),
	}
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t, "")

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}

	var health map[string]string
	decode(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", health["status"])
	}
	if health["version"] != "test-v1" {
		t.Errorf("version = %q", health["version"])
	}

	rec = doJSON(t, server, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready returned %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	server := createTestServer(t, "secret-key")

	t.Run("MissingKey", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/bills", nil)
		req.Header.Set(APIKeyHeader, "wrong")
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("ValidKey", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/bills", nil)
		req.Header.Set(APIKeyHeader, "secret-key")
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("HealthOpen", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/health", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("health should not require a key, got %d", rec.Code)
		}
	})
}

func TestCheckBill(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("CleanBill", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: checkBill("Acme Inc", 150)})
		if rec.Code != http.StatusOK {
			t.Fatalf("check returned %d: %s", rec.Code, rec.Body.String())
		}

		var resp ProcessResponse
		decode(t, rec, &resp)
		if resp.Report == nil {
			t.Fatal("expected a report")
		}
		if resp.Report.Recommendation != domain.RecommendApprove {
			t.Errorf("clean bill recommended %q", resp.Report.Recommendation)
		}
		if resp.Bill.ID == "" {
			t.Error("expected an assigned bill ID")
		}
	})

	t.Run("HighRiskBill", func(t *testing.T) {
		b := checkBill("Acme Inc", 100000)
		b.DueDate = "2020-01-01"
		rec := doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: b})
		if rec.Code != http.StatusOK {
			t.Fatalf("check returned %d", rec.Code)
		}

		var resp ProcessResponse
		decode(t, rec, &resp)
		if resp.Report.Recommendation != domain.RecommendReject {
			t.Errorf("high-risk bill recommended %q (score %d)", resp.Report.Recommendation, resp.Report.RiskScore)
		}
		if len(resp.Report.RuleViolations) == 0 {
			t.Error("expected rule violations")
		}
	})

	t.Run("CheckDoesNotPersist", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills", nil)
		var listing struct {
			Count int `json:"count"`
		}
		decode(t, rec, &listing)
		if listing.Count != 0 {
			t.Errorf("expected 0 stored bills, got %d", listing.Count)
		}
	})

	t.Run("PersistFlag", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: checkBill("Globex", 250), Persist: true})
		if rec.Code != http.StatusOK {
			t.Fatalf("check returned %d", rec.Code)
		}

		rec = doJSON(t, server, http.MethodGet, "/bills", nil)
		var listing struct {
			Count int `json:"count"`
		}
		decode(t, rec, &listing)
		if listing.Count != 1 {
			t.Errorf("expected 1 stored bill, got %d", listing.Count)
		}
	})

	t.Run("MissingBill", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("BadJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/bills/check", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestBillRetrieval(t *testing.T) {
	server := createTestServer(t, "")

	b := checkBill("Acme Inc", 150)
	b.ID = "bill-ret-1"
	b.DueDate = time.Now().UTC().Add(48 * time.Hour).Format("2006-01-02")
	rec := doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: b, Persist: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("seed bill: %d", rec.Code)
	}

	t.Run("GetBill", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills/bill-ret-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get returned %d", rec.Code)
		}

		var resp ProcessResponse
		decode(t, rec, &resp)
		if resp.Bill.ID != "bill-ret-1" {
			t.Errorf("got bill %q", resp.Bill.ID)
		}
		if resp.Report == nil {
			t.Error("expected stored report")
		}
	})

	t.Run("GetBillNotFound", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills/nope", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("Summary", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills/summary", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("summary returned %d", rec.Code)
		}

		var summary domain.Summary
		decode(t, rec, &summary)
		if summary.TotalBills != 1 {
			t.Errorf("TotalBills = %d", summary.TotalBills)
		}
		if summary.TotalAmount != 150 {
			t.Errorf("TotalAmount = %f", summary.TotalAmount)
		}
	})

	t.Run("DueSoon", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills/due-soon?days=7", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("due-soon returned %d", rec.Code)
		}

		var listing struct {
			Count int `json:"count"`
			Days  int `json:"days"`
		}
		decode(t, rec, &listing)
		if listing.Count != 1 || listing.Days != 7 {
			t.Errorf("count = %d, days = %d", listing.Count, listing.Days)
		}
	})

	t.Run("DueSoonBadDays", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills/due-soon?days=soon", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("Anomalies", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills/anomalies", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("anomalies returned %d", rec.Code)
		}

		var listing struct {
			Count int `json:"count"`
		}
		decode(t, rec, &listing)
		if listing.Count != 0 {
			t.Errorf("expected no anomalies, got %d", listing.Count)
		}
	})
}

func TestUpdatePaymentStatus(t *testing.T) {
	server := createTestServer(t, "")

	b := checkBill("Acme Inc", 150)
	b.ID = "bill-pay-1"
	doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: b, Persist: true})

	t.Run("MarksPaid", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPatch, "/bills/bill-pay-1/status", StatusRequest{Status: domain.PaymentPaid})
		if rec.Code != http.StatusOK {
			t.Fatalf("patch returned %d: %s", rec.Code, rec.Body.String())
		}

		rec = doJSON(t, server, http.MethodGet, "/bills/bill-pay-1", nil)
		var resp ProcessResponse
		decode(t, rec, &resp)
		if resp.Bill.PaymentStatus != domain.PaymentPaid {
			t.Errorf("status = %q", resp.Bill.PaymentStatus)
		}
	})

	t.Run("RejectsUnknownStatus", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPatch, "/bills/bill-pay-1/status", StatusRequest{Status: "settled"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("MissingBill", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPatch, "/bills/nope/status", StatusRequest{Status: domain.PaymentPaid})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestTrainAndModel(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("TrainEmptyCorpus", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/train", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("train returned %d", rec.Code)
		}

		var resp TrainResponse
		decode(t, rec, &resp)
		if resp.CorpusSize != 0 {
			t.Errorf("CorpusSize = %d", resp.CorpusSize)
		}
	})

	t.Run("TrainAfterIngest", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			b := checkBill("Acme Inc", 100+float64(i)*25)
			doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: b, Persist: true})
		}

		rec := doJSON(t, server, http.MethodPost, "/train", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("train returned %d", rec.Code)
		}

		var resp TrainResponse
		decode(t, rec, &resp)
		if resp.CorpusSize != 5 {
			t.Errorf("CorpusSize = %d", resp.CorpusSize)
		}
		if !resp.Model.Fitted {
			t.Error("expected fitted model")
		}
	})

	t.Run("ModelInfo", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/model", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("model returned %d", rec.Code)
		}

		var info anomaly.ModelInfo
		decode(t, rec, &info)
		if !info.Fitted {
			t.Error("expected fitted model")
		}
		if info.Seed != 42 {
			t.Errorf("seed = %d", info.Seed)
		}
	})
}

func TestRuleManagement(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("CreateRule", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "round-amount",
			Name:       "Suspiciously Round Amount",
			Expression: "amount >= 1000.0 && amount == double(int(amount / 1000.0)) * 1000.0",
			Label:      "Amount is suspiciously round",
			Enabled:    true,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("ListRules", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/rules", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list returned %d", rec.Code)
		}

		var listing struct {
			Count int `json:"count"`
		}
		decode(t, rec, &listing)
		if listing.Count != 1 {
			t.Errorf("count = %d", listing.Count)
		}
	})

	t.Run("CreatedRuleFires", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: checkBill("Acme Inc", 5000)})
		var resp ProcessResponse
		decode(t, rec, &resp)

		found := false
		for _, v := range resp.Report.RuleViolations {
			if v == "Amount is suspiciously round" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected custom rule violation, got %v", resp.Report.RuleViolations)
		}
	})

	t.Run("RejectsBadExpression", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "broken",
			Name:       "Broken",
			Expression: "amount >>>",
			Enabled:    true,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("RejectsMissingFields", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{ID: "x"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("ReloadRules", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/rules/reload", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("reload returned %d: %s", rec.Code, rec.Body.String())
		}

		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rec, &resp)
		if resp.Count != 1 {
			t.Errorf("reloaded %d rules", resp.Count)
		}
	})
}

func TestProcessWithoutExtraction(t *testing.T) {
	server := createTestServer(t, "")

	rec := doJSON(t, server, http.MethodPost, "/bills/process-base64", Base64Request{Image: "aGVsbG8="})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without OCR configured, got %d", rec.Code)
	}
}

func TestListBillsByCategory(t *testing.T) {
	server := createTestServer(t, "")

	power := checkBill("City Power", 120)
	rent := checkBill("Landlord LLC", 2400)
	rent.Category = "Rent"
	for _, b := range []*domain.Bill{power, rent} {
		rec := doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: b, Persist: true})
		if rec.Code != http.StatusOK {
			t.Fatalf("seed bill: %d", rec.Code)
		}
	}

	t.Run("FilterMatchesIgnoringCase", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills?category=rent", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list returned %d", rec.Code)
		}

		var listing struct {
			Bills []*domain.Bill `json:"bills"`
			Count int            `json:"count"`
		}
		decode(t, rec, &listing)
		if listing.Count != 1 {
			t.Fatalf("got %d bills, want 1", listing.Count)
		}
		if listing.Bills[0].VendorName != "Landlord LLC" {
			t.Errorf("got vendor %q", listing.Bills[0].VendorName)
		}
	})

	t.Run("UnusedCategoryEmpty", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills?category=groceries", nil)
		var listing struct {
			Count int `json:"count"`
		}
		decode(t, rec, &listing)
		if listing.Count != 0 {
			t.Errorf("got %d bills, want 0", listing.Count)
		}
	})

	t.Run("NoFilterListsAll", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/bills", nil)
		var listing struct {
			Count int `json:"count"`
		}
		decode(t, rec, &listing)
		if listing.Count != 2 {
			t.Errorf("got %d bills, want 2", listing.Count)
		}
	})
}

func TestChat(t *testing.T) {
	var prompt atomic.Pointer[string]
	openai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []parse.ChatMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && len(req.Messages) > 0 {
			prompt.Store(&req.Messages[0].Content)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "You have one bill from Acme Inc."}},
			},
		})
	}))
	defer openai.Close()

	parser := parse.New(domain.ParserConfig{
		OpenAIAPIKey: "test-key",
		Model:        "gpt-4o-mini",
		BaseURL:      openai.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	server := createTestServerWithParser(t, "", parser)

	rec := doJSON(t, server, http.MethodPost, "/bills/check", CheckRequest{Bill: checkBill("Acme Inc", 150), Persist: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("seed bill: %d", rec.Code)
	}

	t.Run("ReplyGroundedOnHistory", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/chat", ChatRequest{Message: "What bills do I have?"})
		if rec.Code != http.StatusOK {
			t.Fatalf("chat returned %d: %s", rec.Code, rec.Body.String())
		}

		var resp map[string]string
		decode(t, rec, &resp)
		if resp["reply"] != "You have one bill from Acme Inc." {
			t.Errorf("reply = %q", resp["reply"])
		}

		sys := prompt.Load()
		if sys == nil {
			t.Fatal("no system prompt captured")
		}
		if !strings.Contains(*sys, "Acme Inc") {
			t.Error("system prompt does not carry the stored bills")
		}
		if !strings.Contains(*sys, "summary") {
			t.Error("system prompt does not carry the summary")
		}
	})

	t.Run("MissingMessage", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/chat", ChatRequest{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestChatWithoutParser(t *testing.T) {
	server := createTestServer(t, "")

	rec := doJSON(t, server, http.MethodPost, "/chat", ChatRequest{Message: "hello"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without assistant configured, got %d", rec.Code)
	}
}
