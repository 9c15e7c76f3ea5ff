package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fortuna-labs/creditgate/internal/aiprovider"
	"github.com/fortuna-labs/creditgate/internal/payments"
	"github.com/fortuna-labs/creditgate/internal/prompt"
	"github.com/fortuna-labs/creditgate/internal/store/gormstore"
	"github.com/fortuna-labs/creditgate/pkg/credits"
)

type scriptedCompleter struct {
	result aiprovider.TextResult
	err    error
	calls  int
}

func (completer *scriptedCompleter) Complete(ctx context.Context, request aiprovider.TextRequest) (aiprovider.TextResult, error) {
	completer.calls++
	return completer.result, completer.err
}

type scriptedConfirmer struct {
	confirmation payments.Confirmation
	confirmCalls int
}

func (confirmer *scriptedConfirmer) Confirm(ctx context.Context, paymentKey, orderID string, amount int64) (payments.Confirmation, error) {
	confirmer.confirmCalls++
	return confirmer.confirmation, nil
}

func (confirmer *scriptedConfirmer) Fetch(ctx context.Context, paymentKey string) (payments.Confirmation, error) {
	return confirmer.confirmation, nil
}

type gatewayFixture struct {
	server    *httptest.Server
	cookie    *http.Cookie
	store     *gormstore.Store
	credits   *credits.Service
	completer *scriptedCompleter
	confirmer *scriptedConfirmer
	accountID credits.AccountID
}

func testConfig() Config {
	return Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		DatabaseURL:       ":memory:",
		OpenAIAPIKey:      "test-key",
		PaymentSecretKey:  "sk_test",
		ServiceCosts:      map[string]int64{"summary": 5},
		CreditPackages:    []payments.CreditPackage{{Amount: 5000, Credits: 50}},
		TemplateCacheTTL:  time.Hour,
		HistoryLimit:      10,
	}
}

func startGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	cfg := testConfig()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	store := gormstore.New(db)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(store.Credits(), clock)
	if err != nil {
		t.Fatalf("credit service init failed: %v", err)
	}

	engine, err := prompt.NewEngine(store.Prompts(), zap.NewNop())
	if err != nil {
		t.Fatalf("prompt engine init failed: %v", err)
	}

	completer := &scriptedCompleter{result: aiprovider.TextResult{Text: "a short summary", TokensUsed: 12}}
	orchestrator, err := aiprovider.NewOrchestrator(engine, completer, zap.NewNop())
	if err != nil {
		t.Fatalf("orchestrator init failed: %v", err)
	}

	packageTable, err := payments.NewPackageTable(cfg.CreditPackages)
	if err != nil {
		t.Fatalf("package table init failed: %v", err)
	}
	confirmer := &scriptedConfirmer{confirmation: payments.Confirmation{
		PaymentKey:      "pk_123",
		OrderID:         "order-1",
		Amount:          5000,
		Status:          payments.PaymentStatusDone,
		ApprovedUnixUTC: 1700000000,
	}}
	reconciler, err := payments.NewReconciler(store.Payments(), confirmer, packageTable, zap.NewNop())
	if err != nil {
		t.Fatalf("reconciler init failed: %v", err)
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		t.Fatalf("validator init failed: %v", err)
	}

	handler := &httpHandler{
		logger:       zap.NewNop(),
		credits:      creditService,
		engine:       engine,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		cfg:          cfg,
	}

	server := httptest.NewServer(setupRouter(cfg, handler, validator))
	t.Cleanup(server.Close)

	accountID, err := credits.NewAccountID("demo-user")
	if err != nil {
		t.Fatalf("account id init failed: %v", err)
	}

	return &gatewayFixture{
		server:    server,
		cookie:    buildSessionCookie(t, cfg),
		store:     store,
		credits:   creditService,
		completer: completer,
		confirmer: confirmer,
		accountID: accountID,
	}
}

func buildSessionCookie(t *testing.T, cfg Config) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          "demo-user",
		UserEmail:       "demo@example.com",
		UserDisplayName: "Demo",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func (fixture *gatewayFixture) seedCredits(t *testing.T, amount int64) {
	t.Helper()
	creditAmount, err := credits.NewCreditAmount(amount)
	if err != nil {
		t.Fatalf("credit amount init failed: %v", err)
	}
	if _, err := fixture.credits.Charge(context.Background(), fixture.accountID, creditAmount, "seed"); err != nil {
		t.Fatalf("seed charge failed: %v", err)
	}
}

func (fixture *gatewayFixture) seedTemplate(t *testing.T, serviceType string) {
	t.Helper()
	template := prompt.Template{
		ID:                 "77777777-7777-7777-7777-777777777777",
		ServiceType:        serviceType,
		ModelName:          "gpt-4o-mini",
		Capability:         prompt.CapabilityText,
		Version:            1,
		SystemPrompt:       "be brief",
		UserPromptTemplate: "Summarize {{topic}}.",
		OutputFormat:       prompt.OutputText,
		IsActive:           true,
		CreatedUnixUTC:     time.Now().UTC().Unix(),
	}
	if err := fixture.store.Prompts().InsertTemplate(context.Background(), template); err != nil {
		t.Fatalf("seed template failed: %v", err)
	}
}

func (fixture *gatewayFixture) exec(t *testing.T, method, path string, payload any) (int, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, fixture.server.URL+path, &body)
	if err != nil {
		t.Fatalf("request init failed: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(fixture.cookie)
	resp, err := fixture.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

func (fixture *gatewayFixture) balance(t *testing.T) int64 {
	t.Helper()
	account, err := fixture.credits.Balance(context.Background(), fixture.accountID)
	if err != nil {
		t.Fatalf("balance fetch failed: %v", err)
	}
	return account.Credits
}

func TestInvokeDebitsAndDelivers(t *testing.T) {
	fixture := startGateway(t)
	fixture.seedCredits(t, 20)
	fixture.seedTemplate(t, "summary")

	status, body := fixture.exec(t, http.MethodPost, "/api/ai/summary", map[string]any{
		"variables": map[string]string{"topic": "whales"},
	})
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200: %v", status, body)
	}
	result := body["result"].(map[string]any)
	if result["text"] != "a short summary" {
		t.Fatalf("result text %v, want the provider output", result["text"])
	}
	if int64(body["balance"].(float64)) != 15 {
		t.Fatalf("reported balance %v, want 15", body["balance"])
	}
	if fixture.balance(t) != 15 {
		t.Fatalf("stored balance %d, want 15", fixture.balance(t))
	}
}

func TestInvokeInsufficientCreditsReportsShortfall(t *testing.T) {
	fixture := startGateway(t)
	fixture.seedCredits(t, 3)
	fixture.seedTemplate(t, "summary")

	status, body := fixture.exec(t, http.MethodPost, "/api/ai/summary", map[string]any{
		"variables": map[string]string{"topic": "whales"},
	})
	if status != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402: %v", status, body)
	}
	if int64(body["required"].(float64)) != 5 || int64(body["current"].(float64)) != 3 {
		t.Fatalf("shortfall %v/%v, want 5/3", body["required"], body["current"])
	}
	if fixture.completer.calls != 0 {
		t.Fatalf("provider called %d times despite rejection", fixture.completer.calls)
	}
	if fixture.balance(t) != 3 {
		t.Fatalf("balance %d after rejection, want unchanged 3", fixture.balance(t))
	}
}

func TestInvokeProviderFailureRefundsCredits(t *testing.T) {
	fixture := startGateway(t)
	fixture.seedCredits(t, 20)
	fixture.seedTemplate(t, "summary")
	fixture.completer.err = &aiprovider.ProviderError{Provider: "openai", StatusCode: 503, Message: "overloaded"}

	status, body := fixture.exec(t, http.MethodPost, "/api/ai/summary", map[string]any{
		"variables": map[string]string{"topic": "whales"},
	})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503: %v", status, body)
	}
	if fixture.balance(t) != 20 {
		t.Fatalf("balance %d after refund, want restored 20", fixture.balance(t))
	}

	history, err := fixture.credits.History(context.Background(), fixture.accountID, time.Now().UTC().Add(time.Minute).Unix(), 10)
	if err != nil {
		t.Fatalf("history fetch failed: %v", err)
	}
	var sawDebit, sawRefund bool
	for _, transaction := range history {
		switch transaction.Type {
		case credits.TransactionDebit:
			sawDebit = true
		case credits.TransactionRefund:
			sawRefund = true
		}
	}
	if !sawDebit || !sawRefund {
		t.Fatalf("ledger is missing the debit/refund pair: %+v", history)
	}
}

func TestInvokeUnknownTemplateRefundsCredits(t *testing.T) {
	fixture := startGateway(t)
	fixture.seedCredits(t, 20)

	status, body := fixture.exec(t, http.MethodPost, "/api/ai/summary", map[string]any{
		"variables": map[string]string{"topic": "whales"},
	})
	if status != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500: %v", status, body)
	}
	if fixture.balance(t) != 20 {
		t.Fatalf("balance %d, want restored 20", fixture.balance(t))
	}
}

func TestInvokeUnknownServiceType(t *testing.T) {
	fixture := startGateway(t)
	fixture.seedCredits(t, 20)

	status, _ := fixture.exec(t, http.MethodPost, "/api/ai/unknown", map[string]any{})
	if status != http.StatusNotFound {
		t.Fatalf("status %d, want 404", status)
	}
	if fixture.balance(t) != 20 {
		t.Fatalf("balance %d, want unchanged 20", fixture.balance(t))
	}
}

func TestPaymentConfirmIsIdempotent(t *testing.T) {
	fixture := startGateway(t)
	payload := map[string]any{"payment_key": "pk_123", "order_id": "order-1", "amount": 5000}

	status, first := fixture.exec(t, http.MethodPost, "/api/payments/confirm", payload)
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200: %v", status, first)
	}
	if first["already_processed"].(bool) {
		t.Fatal("first confirmation flagged as replay")
	}
	if int64(first["balance"].(float64)) != 50 {
		t.Fatalf("balance %v after confirmation, want 50", first["balance"])
	}

	status, second := fixture.exec(t, http.MethodPost, "/api/payments/confirm", payload)
	if status != http.StatusOK {
		t.Fatalf("replay status %d, want 200: %v", status, second)
	}
	if !second["already_processed"].(bool) {
		t.Fatal("replay not flagged as already processed")
	}
	if second["payment_id"] != first["payment_id"] {
		t.Fatalf("replay payment id %v, want %v", second["payment_id"], first["payment_id"])
	}
	if int64(second["balance"].(float64)) != 50 {
		t.Fatalf("balance %v after replay, want still 50", second["balance"])
	}
	if fixture.confirmer.confirmCalls != 1 {
		t.Fatalf("provider confirmed %d times, want 1", fixture.confirmer.confirmCalls)
	}
}

func TestWalletListsHistory(t *testing.T) {
	fixture := startGateway(t)
	fixture.seedCredits(t, 20)
	fixture.seedTemplate(t, "summary")

	if status, _ := fixture.exec(t, http.MethodPost, "/api/ai/summary", map[string]any{"variables": map[string]string{"topic": "whales"}}); status != http.StatusOK {
		t.Fatalf("invoke status %d, want 200", status)
	}

	status, body := fixture.exec(t, http.MethodGet, "/api/wallet", nil)
	if status != http.StatusOK {
		t.Fatalf("wallet status %d, want 200: %v", status, body)
	}
	if int64(body["balance"].(float64)) != 15 {
		t.Fatalf("wallet balance %v, want 15", body["balance"])
	}
	transactions := body["transactions"].([]any)
	if len(transactions) != 2 {
		t.Fatalf("wallet lists %d transactions, want seed charge + debit", len(transactions))
	}
}

func TestAdminTemplateAndExperimentLifecycle(t *testing.T) {
	fixture := startGateway(t)

	status, created := fixture.exec(t, http.MethodPost, "/api/admin/templates", map[string]any{
		"service_type":         "summary",
		"model_name":           "gpt-4o-mini",
		"system_prompt":        "be brief",
		"user_prompt_template": "Summarize {{topic}}.",
	})
	if status != http.StatusOK {
		t.Fatalf("template create status %d: %v", status, created)
	}
	if int(created["version"].(float64)) != 1 {
		t.Fatalf("first template version %v, want 1", created["version"])
	}

	status, second := fixture.exec(t, http.MethodPost, "/api/admin/templates", map[string]any{
		"service_type":         "summary",
		"model_name":           "gpt-4o-mini",
		"system_prompt":        "be very brief",
		"user_prompt_template": "Summarize {{topic}} tersely.",
	})
	if status != http.StatusOK {
		t.Fatalf("second template status %d: %v", status, second)
	}
	if int(second["version"].(float64)) != 2 {
		t.Fatalf("second template version %v, want 2", second["version"])
	}

	status, experiment := fixture.exec(t, http.MethodPost, "/api/admin/experiments", map[string]any{
		"service_type":  "summary",
		"template_a_id": created["template_id"],
		"template_b_id": second["template_id"],
		"traffic_split": 30,
	})
	if status != http.StatusOK {
		t.Fatalf("experiment start status %d: %v", status, experiment)
	}
	if experiment["status"] != "running" {
		t.Fatalf("experiment status %v, want running", experiment["status"])
	}

	experimentID := experiment["experiment_id"].(string)
	status, completed := fixture.exec(t, http.MethodPost, "/api/admin/experiments/"+experimentID+"/complete", map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("experiment complete status %d: %v", status, completed)
	}
	if completed["status"] != "completed" {
		t.Fatalf("completed status %v, want completed", completed["status"])
	}

	status, invalid := fixture.exec(t, http.MethodPost, "/api/admin/experiments", map[string]any{
		"service_type":  "summary",
		"template_a_id": created["template_id"],
		"template_b_id": second["template_id"],
		"traffic_split": 130,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("invalid split status %d, want 400: %v", status, invalid)
	}
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	fixture := startGateway(t)

	req, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/api/wallet", nil)
	if err != nil {
		t.Fatalf("request init failed: %v", err)
	}
	resp, err := fixture.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestConfigValidation(t *testing.T) {
	valid := testConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	missingKey := testConfig()
	missingKey.SessionSigningKey = ""
	if err := missingKey.Validate(); err == nil {
		t.Fatal("config without signing key accepted")
	}

	missingCosts := testConfig()
	missingCosts.ServiceCosts = nil
	if err := missingCosts.Validate(); err == nil {
		t.Fatal("config without service costs accepted")
	}

	negativeCost := testConfig()
	negativeCost.ServiceCosts = map[string]int64{"summary": -1}
	if err := negativeCost.Validate(); err == nil {
		t.Fatal("config with negative cost accepted")
	}
}

func TestParseHelpers(t *testing.T) {
	costs, err := ParseServiceCosts("summary=5, avatar=20")
	if err != nil {
		t.Fatalf("parse costs: %v", err)
	}
	if costs["summary"] != 5 || costs["avatar"] != 20 {
		t.Fatalf("parsed costs %v", costs)
	}

	if _, err := ParseServiceCosts("summary=zero"); err == nil {
		t.Fatal("non-numeric cost accepted")
	}

	packages, err := ParseCreditPackages("5000=50,9000=100")
	if err != nil {
		t.Fatalf("parse packages: %v", err)
	}
	if len(packages) != 2 || packages[0].Amount != 5000 || packages[1].Credits != 100 {
		t.Fatalf("parsed packages %v", packages)
	}

	origins := ParseAllowedOrigins(" http://a.example , http://b.example ")
	if len(origins) != 2 || origins[0] != "http://a.example" {
		t.Fatalf("parsed origins %v", origins)
	}
}
