// Package integration provides a reusable test harness for end-to-end
// integration testing of the portal server. It starts a full HTTP server
// with in-memory backends and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/portal/internal/capability"
	"github.com/pitabwire/portal/internal/config"
	"github.com/pitabwire/portal/internal/definition"
	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/observability"
	"github.com/pitabwire/portal/internal/submission"
	"github.com/pitabwire/portal/internal/transport"
	"github.com/pitabwire/portal/internal/validation"
	"github.com/pitabwire/portal/internal/workflow"
	"github.com/pitabwire/portal/model"
)

// TestHarness encapsulates a fully wired portal instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	logger *zap.Logger
	hc     *harnessConfig

	// Internal components exposed for advanced test scenarios.
	Steps       *definition.Registry
	Store       draft.Store
	Service     submission.Service
	Events      *RecordingPublisher
	Sessions    *workflow.Sessions
	CapResolver model.CapabilityResolver

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	store          draft.Store
	service        submission.Service
	debounce       time.Duration
	handlerTimeout time.Duration
	policyFile     string
}

// WithDraftStore replaces the in-memory draft store.
func WithDraftStore(store draft.Store) HarnessOption {
	return func(c *harnessConfig) {
		c.store = store
	}
}

// WithSubmissionService replaces the in-memory submission service.
func WithSubmissionService(svc submission.Service) HarnessOption {
	return func(c *harnessConfig) {
		c.service = svc
	}
}

// WithDebounce sets the draft save debounce window.
func WithDebounce(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.debounce = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// RecordingPublisher captures published submission events.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []submission.SubmittedEvent
}

// Publish records evt.
func (p *RecordingPublisher) Publish(_ context.Context, evt submission.SubmittedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

// All returns a copy of the recorded events.
func (p *RecordingPublisher) All() []submission.SubmittedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]submission.SubmittedEvent(nil), p.events...)
}

// NewTestHarness creates and starts a full portal test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		debounce:       20 * time.Millisecond,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.store == nil {
		hc.store = draft.NewMemoryStore()
	}
	if hc.service == nil {
		hc.service = submission.NewMemoryService()
	}

	h := &TestHarness{
		t:       t,
		hc:      hc,
		logger:  zaptest.NewLogger(t),
		Steps:   definition.MustDefault(),
		Store:   hc.store,
		Service: hc.service,
		Events:  &RecordingPublisher{},
	}

	// Step 1: Build capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0) // no caching in tests

	// Step 2: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 3: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Draft.Debounce = hc.debounce

	h.start()
	t.Cleanup(h.stop)
	return h
}

// start wires the sessions and router over the harness's backends.
func (h *TestHarness) start() {
	gate := validation.NewGate()
	finalizer := submission.NewFinalizer(h.Steps, h.Service,
		submission.WithPublisher(h.Events),
		submission.WithLogger(h.logger),
	)
	h.Sessions = workflow.NewSessions(func(ownerID string) *workflow.Controller {
		return workflow.NewController(ownerID, workflow.Deps{
			Steps:       h.Steps,
			Gate:        gate,
			Drafts:      draft.NewSynchronizer(h.Store, draft.WithDebounce(h.cfg.Draft.Debounce), draft.WithLogger(h.logger)),
			Finalizer:   finalizer,
			Submissions: h.Service,
			Logger:      h.logger,
		})
	}, workflow.WithSessionLogger(h.logger))

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, transport.WithJWKSLogger(h.logger))

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             h.logger,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks, nil),
		CapabilityResolver: h.CapResolver,
		Steps:              h.Steps,
		Gate:               gate,
		Drafts:             h.Store,
		Sessions:           h.Sessions,
		Readiness: observability.ReadinessChecks{
			StepsLoaded: func() bool { return h.Steps.TotalSteps() > 0 },
		},
	})

	h.server = httptest.NewServer(router)
}

func (h *TestHarness) stop() {
	h.server.Close()
	h.Sessions.Close(context.Background())
}

// Restart simulates a process restart: live sessions are flushed and dropped,
// and a fresh server is started over the same backends.
func (h *TestHarness) Restart() {
	h.t.Helper()
	h.stop()
	h.start()
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PATCH", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Response shapes ---

// RegistrationView mirrors the self-service response body.
type RegistrationView struct {
	State struct {
		OwnerID         string                    `json:"owner_id"`
		CurrentStep     int                       `json:"current_step"`
		CompletedSteps  []int                     `json:"completed_steps"`
		StaleSteps      []int                     `json:"stale_steps"`
		Document        map[string]map[string]any `json:"document"`
		HasResumedDraft bool                      `json:"has_resumed_draft"`
		Phase           string                    `json:"phase"`
	} `json:"state"`
	Progress struct {
		Percentage  int    `json:"percentage"`
		StatusLabel string `json:"status_label"`
		Completed   int    `json:"completed"`
		Total       int    `json:"total"`
	} `json:"progress"`
	SaveStatus struct {
		HasSavedAtLeastOnce bool `json:"has_saved_at_least_once"`
		LastSaveFailed      bool `json:"last_save_failed"`
		Pending             int  `json:"pending"`
	} `json:"save_status"`
}

// ErrorBody mirrors the error response body.
type ErrorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

// --- Default test claims ---

// BeneficiaryClaims returns TestClaims for a self-registering beneficiary.
func BeneficiaryClaims(subject string) TestClaims {
	return TestClaims{
		SubjectID: subject,
		TenantID:  "tenant-riyadh",
		Email:     subject + "@example.com",
		Roles:     []string{"beneficiary"},
	}
}

// StaffClaims returns TestClaims for branch staff who may view drafts.
func StaffClaims() TestClaims {
	return TestClaims{
		SubjectID: "staff-1",
		TenantID:  "tenant-riyadh",
		BranchID:  "BR-001",
		Email:     "staff@example.com",
		Roles:     []string{"branch_staff"},
	}
}

// AdminClaims returns TestClaims for a tenant administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "admin-1",
		TenantID:  "tenant-riyadh",
		Email:     "admin@example.com",
		Roles:     []string{"admin"},
	}
}

// --- Fixtures ---

// StepFixtures returns a passing sub-document for every data step, in order.
func StepFixtures() []struct {
	Key  string
	Body map[string]any
} {
	doc := func(name string) map[string]any {
		return map[string]any{"fileName": name, "contentType": "application/pdf", "sizeBytes": 2048}
	}
	return []struct {
		Key  string
		Body map[string]any
	}{
		{"personal", map[string]any{"fullName": "Ali Hassan", "nationalId": "1234567890", "dateOfBirth": "1990-04-01", "gender": "male"}},
		{"profession", map[string]any{"employmentStatus": "unemployed"}},
		{"address", map[string]any{"region": "Riyadh", "city": "Riyadh", "district": "Olaya"}},
		{"contact", map[string]any{"phone": "+966501234567", "emergencyContactName": "Sara Hassan", "emergencyContactPhone": "0559876543"}},
		{"branch", map[string]any{"branchId": "BR-001"}},
		{"documents", map[string]any{"idDocument": doc("id.pdf"), "proofOfAddress": doc("lease.pdf")}},
	}
}

// CompleteSteps fills and advances the first n data steps.
func (h *TestHarness) CompleteSteps(t *testing.T, token string, n int) {
	t.Helper()
	for _, s := range StepFixtures()[:n] {
		h.AssertStatus(t, h.PATCH("/portal/registration/steps/"+s.Key, s.Body, token), http.StatusOK)
		h.AssertStatus(t, h.POST("/portal/registration/advance", nil, token), http.StatusOK)
	}
}

// Registration fetches the caller's registration view.
func (h *TestHarness) Registration(t *testing.T, token string) RegistrationView {
	t.Helper()
	var v RegistrationView
	h.AssertJSON(t, h.GET("/portal/registration", token), http.StatusOK, &v)
	return v
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
