package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/deploy-ticket-service/internal/api/http/handlers"
	"github.com/spec-kit/deploy-ticket-service/internal/artifact"
	"github.com/spec-kit/deploy-ticket-service/internal/auth"
	"github.com/spec-kit/deploy-ticket-service/internal/config"
	"github.com/spec-kit/deploy-ticket-service/internal/events"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/internal/observability"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/repository/memstore"
	"github.com/spec-kit/deploy-ticket-service/internal/service"
	"github.com/spec-kit/deploy-ticket-service/internal/vault"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type stubHosting struct{}

func (stubHosting) VerifyKey(_ context.Context, apiKey string) error {
	if apiKey == "rejected-key" {
		return hosting.ErrInvalidCredential
	}
	return nil
}

func (stubHosting) UploadArtifact(context.Context, string, string, []byte) (string, error) {
	return "file-1", nil
}

func (stubHosting) CreateApplication(_ context.Context, _ string, artifactID string) (*hosting.Application, error) {
	return &hosting.Application{ID: "app-" + artifactID, Tag: "bot"}, nil
}

func (stubHosting) ListApplications(context.Context, string) ([]hosting.Application, error) {
	return []hosting.Application{{ID: "app-1", Tag: "music-bot", Lang: "javascript", Cluster: "florida-1", RAM: 256}}, nil
}

func (stubHosting) ApplicationAction(_ context.Context, _, appID string, action hosting.AppAction) (string, error) {
	if appID == "gone" {
		return "", fmt.Errorf("application %s: unexpected status 502", action)
	}
	if action == hosting.ActionLogs {
		return "ready", nil
	}
	return "", nil
}

type stubMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (m *stubMessenger) CreateChannel(context.Context, string, string, string, string) (string, error) {
	return "chan-1", nil
}

func (m *stubMessenger) SendMessage(_ context.Context, _ string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, content)
	return nil
}

func (m *stubMessenger) DeleteChannel(context.Context, string) error { return nil }

type stubGateway struct{}

func (stubGateway) Provider() payment.Provider { return payment.ProviderPushinPay }

func (stubGateway) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	return &payment.Intent{ProviderTransactionID: "tx-" + req.TicketID, QRPayload: "pix-code"}, nil
}

func (stubGateway) ParseNotification(_ context.Context, body []byte) (*payment.Notification, error) {
	var raw struct {
		ID     string `json:"id"`
		Ref    string `json:"reference_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || raw.Ref == "" {
		return nil, fmt.Errorf("%w: missing reference", payment.ErrMalformedNotification)
	}
	return &payment.Notification{
		Relevant:              true,
		ProviderTransactionID: raw.ID,
		Reference:             raw.Ref,
		Status:                raw.Status,
		Approved:              raw.Status == "paid",
	}, nil
}

type inlineDeployer struct {
	deploys *service.DeployService
}

func (d inlineDeployer) Dispatch(ticketID string) {
	_ = d.deploys.Execute(context.Background(), ticketID)
}

type testServer struct {
	app     *fiber.App
	tokens  *auth.TokenManager
	metrics *observability.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memstore.New()
	v, err := vault.New(testVaultKey)
	require.NoError(t, err)

	dispatcher := events.NewInMemoryDispatcher(logger)
	auditor := service.NewAuditor(store.Audit(), logger)
	gateways := payment.NewRegistry(stubGateway{})
	lifecycle := config.LifecycleConfig{TicketTTL: 24 * time.Hour, DeployStaleAfter: 15 * time.Minute}

	credentials := service.NewCredentialService(service.CredentialDependencies{
		UserRepo: store.Users(), Vault: v, Hosting: stubHosting{}, Auditor: auditor, Logger: logger,
	})
	tickets := service.NewTicketService(service.TicketDependencies{
		TicketRepo:  store.Tickets(),
		UserRepo:    store.Users(),
		GuildRepo:   store.Guilds(),
		Credentials: credentials,
		Hosting:     stubHosting{},
		Messenger:   &stubMessenger{},
		Validator:   artifact.Validator{ManifestNames: []string{"squarecloud.app"}, MaxBytes: 1 << 20},
		Auditor:     auditor,
		Dispatcher:  dispatcher,
		Logger:      logger,
		Lifecycle:   lifecycle,
	})
	payments := service.NewPaymentService(service.PaymentDependencies{
		TicketRepo: store.Tickets(), UserRepo: store.Users(), GuildRepo: store.Guilds(), PaymentRepo: store.Payments(),
		Gateways: gateways, Auditor: auditor, Dispatcher: dispatcher, Logger: logger,
	})
	deploys := service.NewDeployService(service.DeployDependencies{
		TicketService: tickets, Credentials: credentials, Hosting: stubHosting{}, Auditor: auditor, Logger: logger,
	})
	webhooks := service.NewWebhookService(service.WebhookDependencies{
		Gateways: gateways, PaymentRepo: store.Payments(), TicketRepo: store.Tickets(), TicketService: tickets,
		Deployer: inlineDeployer{deploys: deploys}, Auditor: auditor, Dispatcher: dispatcher, Logger: logger,
	})

	apps := service.NewApplicationService(service.ApplicationDependencies{
		UserRepo: store.Users(), Credentials: credentials, Hosting: stubHosting{}, Auditor: auditor, Logger: logger,
	})

	tokens := auth.NewTokenManager("test-secret", 60)
	metrics := observability.NewMetrics()
	app := fiber.New(NewServerConfig("deploy-ticket-service", 4<<20))
	RegisterMiddlewares(app, logger, metrics, 0)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("deploy-ticket-service", "test", map[string]handlers.Pinger{"postgres": nil}, metrics),
		Tickets:        handlers.NewTicketsHandler(tickets, payments, 1<<20, 0),
		Credentials:    handlers.NewCredentialsHandler(credentials),
		Applications:   handlers.NewApplicationsHandler(apps),
		GuildConfig:    handlers.NewGuildConfigHandler(service.NewGuildConfigService(store.Guilds(), auditor)),
		Webhooks:       handlers.NewWebhookHandler(webhooks, metrics, logger),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})
	return &testServer{app: app, tokens: tokens, metrics: metrics}
}

func (s *testServer) token(t *testing.T, scopes ...auth.Scope) string {
	t.Helper()
	tok, _, err := s.tokens.GenerateToken("test-bot", scopes...)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out))
	} else {
		out["text"] = string(raw)
	}
	return resp.StatusCode, out
}

func (s *testServer) doJSON(t *testing.T, method, path, token string, payload any) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return s.do(t, method, path, token, bytes.NewReader(body), fiber.MIMEApplicationJSON)
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func multipartZip(t *testing.T, manifest string) (io.Reader, string) {
	t.Helper()
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for _, name := range []string{manifest, "index.js"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("content"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "bot.zip")
	require.NoError(t, err)
	_, err = part.Write(archive.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestHealthLive(t *testing.T) {
	srv := newTestServer(t)
	status, body := srv.do(t, fiber.MethodGet, "/health/live", "", nil, "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "alive", body["status"])

	status, body = srv.do(t, fiber.MethodGet, "/health/ready", "", nil, "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "disabled", body["dependencies"].(map[string]any)["postgres"])
}

func TestAPIRequiresTokenAndScope(t *testing.T) {
	srv := newTestServer(t)

	status, body := srv.do(t, fiber.MethodGet, "/api/tickets/abc", "", nil, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	botOnly := srv.token(t, auth.ScopeTickets)
	status, body = srv.doJSON(t, fiber.MethodPut, "/api/guilds/g1/config", botOnly, map[string]any{"deploy_price_cents": 100})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	adminOnly := srv.token(t, auth.ScopeAdmin)
	status, _ = srv.do(t, fiber.MethodGet, "/api/tickets/abc", adminOnly, nil, "")
	assert.Equal(t, fiber.StatusForbidden, status)
}

func TestOpenTicketValidation(t *testing.T) {
	srv := newTestServer(t)
	tok := srv.token(t, auth.ScopeTickets)

	status, body := srv.doJSON(t, fiber.MethodPost, "/api/tickets", tok, map[string]any{"guild_id": "g1"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "required", details["external_user_id"])

	status, body = srv.doJSON(t, fiber.MethodPost, "/api/tickets", tok, map[string]any{
		"guild_id": "g1", "external_user_id": "42", "username": "ana",
	})
	assert.Equal(t, fiber.StatusPreconditionFailed, status)
	assert.Equal(t, "CONFIG_MISSING", errorCode(body))
}

func TestRejectedCredential(t *testing.T) {
	srv := newTestServer(t)
	tok := srv.token(t, auth.ScopeTickets)

	status, body := srv.doJSON(t, fiber.MethodPut, "/api/users/42/credential", tok, map[string]any{"api_key": "rejected-key"})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "CREDENTIAL_INVALID", errorCode(body))
	assert.NotContains(t, fmt.Sprint(body), "rejected-key")
}

func TestDeployFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	tok := srv.token(t, auth.ScopeTickets, auth.ScopeAdmin)

	status, body := srv.doJSON(t, fiber.MethodPut, "/api/guilds/g1/config", tok, map[string]any{
		"ticket_category_ref": "cat-1", "deploy_price_cents": 1500,
	})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, data(t, body)["ready"])

	status, body = srv.doJSON(t, fiber.MethodPut, "/api/users/42/credential", tok, map[string]any{"api_key": "good-key-123"})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, data(t, body)["registered"])

	status, body = srv.doJSON(t, fiber.MethodPost, "/api/tickets", tok, map[string]any{
		"guild_id": "g1", "external_user_id": "42", "username": "ana",
	})
	require.Equal(t, fiber.StatusCreated, status, body)
	ticket := data(t, body)
	ticketID := ticket["id"].(string)
	assert.Equal(t, "PENDING_UPLOAD", ticket["status"])
	assert.Equal(t, "chan-1", ticket["channel_id"])

	status, body = srv.doJSON(t, fiber.MethodPost, "/api/tickets/"+ticketID+"/payments/provider-b", tok, map[string]any{})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	upload, contentType := multipartZip(t, "squarecloud.app")
	status, body = srv.do(t, fiber.MethodPost, "/api/tickets/"+ticketID+"/artifact", tok, upload, contentType)
	require.Equal(t, fiber.StatusAccepted, status, body)
	assert.Equal(t, "PENDING_PAYMENT", data(t, body)["status"])

	again, contentType := multipartZip(t, "squarecloud.app")
	status, _ = srv.do(t, fiber.MethodPost, "/api/tickets/"+ticketID+"/artifact", tok, again, contentType)
	assert.Equal(t, fiber.StatusConflict, status)

	status, body = srv.doJSON(t, fiber.MethodPost, "/api/tickets/"+ticketID+"/payments/provider-b", tok, map[string]any{"payer_name": "Ana"})
	require.Equal(t, fiber.StatusCreated, status, body)
	intent := data(t, body)
	assert.Equal(t, "pix-code", intent["qr_payload"])
	assert.Equal(t, float64(1500), intent["amount_cents"])
	assert.Equal(t, "provider-b", intent["provider"])

	notification := map[string]any{"id": intent["provider_transaction_id"], "reference_id": ticketID, "status": "paid"}
	status, body = srv.doJSON(t, fiber.MethodPost, "/webhook/provider-b", "", notification)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "OK", body["text"])

	status, body = srv.do(t, fiber.MethodGet, "/api/tickets/"+ticketID, tok, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	final := data(t, body)
	assert.Equal(t, "COMPLETED", final["status"])
	assert.Equal(t, "app-file-1:bot", final["application_ref"])

	// a replay is acknowledged and changes nothing
	status, _ = srv.doJSON(t, fiber.MethodPost, "/webhook/pushinpay", "", notification)
	assert.Equal(t, fiber.StatusOK, status)

	snap := srv.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Webhooks["provider-b|accepted"])
	assert.Equal(t, int64(1), snap.Webhooks["provider-b|duplicate"])
}

func TestWebhookStatusCodes(t *testing.T) {
	srv := newTestServer(t)

	status, _ := srv.do(t, fiber.MethodPost, "/webhook/provider-b", "", strings.NewReader("not json"), fiber.MIMEApplicationJSON)
	assert.Equal(t, fiber.StatusBadRequest, status)

	// provider-a is not registered in this server
	status, _ = srv.doJSON(t, fiber.MethodPost, "/webhook/provider-a", "", map[string]any{})
	assert.Equal(t, fiber.StatusInternalServerError, status)

	status, _ = srv.doJSON(t, fiber.MethodPost, "/webhook/stripe", "", map[string]any{})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = srv.doJSON(t, fiber.MethodPost, "/webhook/provider-b", "", map[string]any{"id": "x", "reference_id": "missing-ticket", "status": "paid"})
	assert.Equal(t, fiber.StatusOK, status)
}

func TestPathIdentifiersSurviveLaterRequests(t *testing.T) {
	srv := newTestServer(t)
	tok := srv.token(t, auth.ScopeTickets, auth.ScopeAdmin)

	status, _ := srv.doJSON(t, fiber.MethodPut, "/api/guilds/guild-one/config", tok, map[string]any{
		"ticket_category_ref": "cat-1", "deploy_price_cents": 1500,
	})
	require.Equal(t, fiber.StatusOK, status)
	status, _ = srv.doJSON(t, fiber.MethodPut, "/api/users/4242/credential", tok, map[string]any{"api_key": "good-key-123"})
	require.Equal(t, fiber.StatusOK, status)

	// same-length identifiers reuse the request buffers of the calls above
	status, _ = srv.doJSON(t, fiber.MethodPut, "/api/guilds/guild-two/config", tok, map[string]any{"deploy_price_cents": 999})
	require.Equal(t, fiber.StatusOK, status)
	status, _ = srv.doJSON(t, fiber.MethodPut, "/api/users/7777/credential", tok, map[string]any{"api_key": "other-key-123"})
	require.Equal(t, fiber.StatusOK, status)

	status, body := srv.do(t, fiber.MethodGet, "/api/guilds/guild-one/config", tok, nil, "")
	require.Equal(t, fiber.StatusOK, status, body)
	cfg := data(t, body)
	assert.Equal(t, "guild-one", cfg["guild_id"])
	assert.Equal(t, float64(1500), cfg["deploy_price_cents"])

	status, body = srv.doJSON(t, fiber.MethodPost, "/api/tickets", tok, map[string]any{
		"guild_id": "guild-one", "external_user_id": "4242", "username": "ana",
	})
	assert.Equal(t, fiber.StatusCreated, status, body)
}

func TestApplicationManagementOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	bot := srv.token(t, auth.ScopeTickets)

	status, body := srv.do(t, fiber.MethodGet, "/api/users/9001/apps", bot, nil, "")
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "CREDENTIAL_INVALID", errorCode(body))

	status, _ = srv.doJSON(t, fiber.MethodPut, "/api/users/9001/credential", bot, map[string]any{"api_key": "valid-key-123"})
	require.Equal(t, fiber.StatusOK, status)

	status, body = srv.do(t, fiber.MethodGet, "/api/users/9001/apps", bot, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	apps, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, apps, 1)
	assert.Equal(t, "music-bot", apps[0].(map[string]any)["tag"])

	status, body = srv.do(t, fiber.MethodPost, "/api/users/9001/apps/app-1/logs", bot, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ready", data(t, body)["logs"])

	status, body = srv.do(t, fiber.MethodPost, "/api/users/9001/apps/app-1/restart", bot, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "restart", data(t, body)["action"])

	status, body = srv.do(t, fiber.MethodPost, "/api/users/9001/apps/app-1/reboot", bot, nil, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, body = srv.do(t, fiber.MethodPost, "/api/users/9001/apps/gone/stop", bot, nil, "")
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "HOSTING_UNAVAILABLE", errorCode(body))

	status, _ = srv.do(t, fiber.MethodGet, "/api/users/9001/apps", srv.token(t, auth.ScopeAdmin), nil, "")
	assert.Equal(t, fiber.StatusForbidden, status)
}
