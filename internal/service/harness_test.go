package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/deploy-ticket-service/internal/artifact"
	"github.com/spec-kit/deploy-ticket-service/internal/config"
	"github.com/spec-kit/deploy-ticket-service/internal/events"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/repository/memstore"
	"github.com/spec-kit/deploy-ticket-service/internal/vault"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHosting struct {
	mu          sync.Mutex
	uploadErr   error
	createErr   error
	uploads     int32
	creates     int32
	keysSeen    []string
	nextFileSeq int
	apps        []hosting.Application
	actionErr   error
	actions     []string
}

func (f *fakeHosting) VerifyKey(_ context.Context, apiKey string) error {
	if apiKey == "bad-key" {
		return fmt.Errorf("verify key: %w", hosting.ErrInvalidCredential)
	}
	return nil
}

func (f *fakeHosting) UploadArtifact(_ context.Context, apiKey, _ string, _ []byte) (string, error) {
	atomic.AddInt32(&f.uploads, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysSeen = append(f.keysSeen, apiKey)
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.nextFileSeq++
	return fmt.Sprintf("file-%d", f.nextFileSeq), nil
}

func (f *fakeHosting) CreateApplication(_ context.Context, apiKey, artifactID string) (*hosting.Application, error) {
	atomic.AddInt32(&f.creates, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysSeen = append(f.keysSeen, apiKey)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &hosting.Application{ID: "app-" + artifactID, Tag: "bot"}, nil
}

func (f *fakeHosting) ListApplications(_ context.Context, apiKey string) ([]hosting.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysSeen = append(f.keysSeen, apiKey)
	return append([]hosting.Application(nil), f.apps...), nil
}

func (f *fakeHosting) ApplicationAction(_ context.Context, apiKey, appID string, action hosting.AppAction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysSeen = append(f.keysSeen, apiKey)
	if f.actionErr != nil {
		return "", f.actionErr
	}
	f.actions = append(f.actions, appID+"/"+string(action))
	if action == hosting.ActionLogs {
		return "booted " + appID, nil
	}
	return "", nil
}

type fakeMessenger struct {
	mu        sync.Mutex
	seq       int
	created   []string
	deleted   []string
	messages  map[string][]string
	deleteErr error
}

func (m *fakeMessenger) CreateChannel(_ context.Context, _, _, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("chan-%d", m.seq)
	m.created = append(m.created, id)
	return id, nil
}

func (m *fakeMessenger) SendMessage(_ context.Context, channelID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages == nil {
		m.messages = map[string][]string{}
	}
	m.messages[channelID] = append(m.messages[channelID], content)
	return nil
}

func (m *fakeMessenger) DeleteChannel(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, channelID)
	return m.deleteErr
}

func (m *fakeMessenger) Messages(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages[channelID]...)
}

// fakeGateway parses bodies of the form {"id":..,"ref":..,"status":..}.
type fakeGateway struct {
	provider  payment.Provider
	intentErr error
	seq       int32
}

func (g *fakeGateway) Provider() payment.Provider { return g.provider }

func (g *fakeGateway) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	n := atomic.AddInt32(&g.seq, 1)
	return &payment.Intent{
		ProviderTransactionID: fmt.Sprintf("tx-%d", n),
		QRPayload:             "pix-" + req.TicketID,
	}, nil
}

func (g *fakeGateway) ParseNotification(_ context.Context, body []byte) (*payment.Notification, error) {
	var raw struct {
		ID     string `json:"id"`
		Ref    string `json:"ref"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrMalformedNotification, err)
	}
	return &payment.Notification{
		Relevant:              true,
		ProviderTransactionID: raw.ID,
		Reference:             raw.Ref,
		Status:                raw.Status,
		Approved:              raw.Status == "approved",
	}, nil
}

type fakeReplay struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (r *fakeReplay) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = map[string]bool{}
	}
	if r.keys[key] {
		return false, nil
	}
	r.keys[key] = true
	return true, nil
}

func (r *fakeReplay) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

// inlineDeployer runs the deploy synchronously so tests observe the final state.
type inlineDeployer struct {
	deploys    *DeployService
	dispatched int32
}

func (d *inlineDeployer) Dispatch(ticketID string) {
	atomic.AddInt32(&d.dispatched, 1)
	_ = d.deploys.Execute(context.Background(), ticketID)
}

type harness struct {
	ctx       context.Context
	store     *memstore.Store
	clock     *testClock
	hosting   *fakeHosting
	messenger *fakeMessenger
	gateway   *fakeGateway
	replay    *fakeReplay
	deployer  *inlineDeployer

	tickets  *TicketService
	creds    *CredentialService
	payments *PaymentService
	webhooks *WebhookService
	deploys  *DeployService
	channels *ChannelService
	guilds   *GuildConfigService
	apps     *ApplicationService
}

var testLifecycle = config.LifecycleConfig{
	ChannelTeardownDelay: 5 * time.Minute,
	TicketTTL:            24 * time.Hour,
	DeployStaleAfter:     15 * time.Minute,
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v, err := vault.New(testVaultKey)
	require.NoError(t, err)

	h := &harness{
		ctx:       context.Background(),
		store:     memstore.New(),
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		hosting:   &fakeHosting{},
		messenger: &fakeMessenger{},
		gateway:   &fakeGateway{provider: payment.ProviderMercadoPago},
		replay:    &fakeReplay{},
	}
	h.store.SetClock(h.clock.Now)
	dispatcher := events.NewInMemoryDispatcher(nil)
	auditor := NewAuditor(h.store.Audit(), nil)
	registry := payment.NewRegistry(h.gateway, &fakeGateway{provider: payment.ProviderPushinPay})

	h.creds = NewCredentialService(CredentialDependencies{
		UserRepo: h.store.Users(),
		Vault:    v,
		Hosting:  h.hosting,
		Auditor:  auditor,
	})
	h.tickets = NewTicketService(TicketDependencies{
		TicketRepo:  h.store.Tickets(),
		UserRepo:    h.store.Users(),
		GuildRepo:   h.store.Guilds(),
		Credentials: h.creds,
		Hosting:     h.hosting,
		Messenger:   h.messenger,
		Validator:   artifact.Validator{ManifestNames: []string{"squarecloud.app", "squarecloud.config"}, MaxBytes: 1 << 20},
		Auditor:     auditor,
		Dispatcher:  dispatcher,
		Lifecycle:   testLifecycle,
		Clock:       h.clock.Now,
	})
	h.payments = NewPaymentService(PaymentDependencies{
		TicketRepo:  h.store.Tickets(),
		UserRepo:    h.store.Users(),
		GuildRepo:   h.store.Guilds(),
		PaymentRepo: h.store.Payments(),
		Gateways:    registry,
		Auditor:     auditor,
		Dispatcher:  dispatcher,
		Clock:       h.clock.Now,
	})
	h.deploys = NewDeployService(DeployDependencies{
		TicketService: h.tickets,
		Credentials:   h.creds,
		Hosting:       h.hosting,
		Auditor:       auditor,
	})
	h.deployer = &inlineDeployer{deploys: h.deploys}
	h.webhooks = NewWebhookService(WebhookDependencies{
		Gateways:      registry,
		PaymentRepo:   h.store.Payments(),
		TicketRepo:    h.store.Tickets(),
		TicketService: h.tickets,
		Replay:        h.replay,
		ReplayTTL:     time.Hour,
		Deployer:      h.deployer,
		Auditor:       auditor,
		Dispatcher:    dispatcher,
		Clock:         h.clock.Now,
	})
	h.channels = NewChannelService(h.store.Tickets(), h.messenger, nil, h.clock.Now)
	h.guilds = NewGuildConfigService(h.store.Guilds(), auditor)
	h.apps = NewApplicationService(ApplicationDependencies{
		UserRepo:    h.store.Users(),
		Credentials: h.creds,
		Hosting:     h.hosting,
		Auditor:     auditor,
	})

	category := "cat-1"
	price := int64(1250)
	_, err = h.guilds.Update(h.ctx, "guild-1", &category, &price)
	require.NoError(t, err)
	return h
}

func (h *harness) registerUser(t *testing.T, externalID string) {
	t.Helper()
	_, err := h.creds.Register(h.ctx, externalID, "good-key")
	require.NoError(t, err)
}

func (h *harness) openTicket(t *testing.T, externalID string) string {
	t.Helper()
	h.registerUser(t, externalID)
	ticket, err := h.tickets.Open(h.ctx, OpenTicketInput{GuildID: "guild-1", ExternalUserID: externalID, Username: externalID})
	require.NoError(t, err)
	return ticket.ID
}

func (h *harness) uploadValid(t *testing.T, ticketID string) {
	t.Helper()
	_, ok, err := h.tickets.AcceptUpload(h.ctx, ticketID, ArtifactUpload{FileName: "bot.zip", Content: buildZip(t, map[string]string{
		"squarecloud.app": "MAIN=index.js\nMEMORY=256\nVERSION=recommended",
		"index.js":        "console.log('up')",
	})})
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) paidTicket(t *testing.T, externalID string) (string, string) {
	t.Helper()
	ticketID := h.openTicket(t, externalID)
	h.uploadValid(t, ticketID)
	result, err := h.payments.CreatePaymentIntent(h.ctx, ticketID, payment.ProviderMercadoPago, externalID)
	require.NoError(t, err)
	return ticketID, result.Payment.ProviderTransactionID
}

func approvedBody(txID, ref string) []byte {
	body, _ := json.Marshal(map[string]string{"id": txID, "ref": ref, "status": "approved"})
	return body
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}
