package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ds1/outreach/internal/campaign"
	"github.com/ds1/outreach/internal/db"
	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/provider"
	"github.com/ds1/outreach/internal/queue"
	"github.com/ds1/outreach/internal/repository"
)

const testAPIKey = "test-key"

type testEnv struct {
	server      *Server
	campaigns   *repository.CampaignRepository
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository
	templates   *repository.TemplateRepository
	store       *queue.BoltStorage
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()

	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	store, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		campaigns:   repository.NewCampaignRepository(d.DB),
		contacts:    repository.NewContactRepository(d.DB),
		enrollments: repository.NewEnrollmentRepository(d.DB),
		templates:   repository.NewTemplateRepository(d.DB),
		store:       store,
	}
	svc := campaign.NewService(logger, env.campaigns, env.contacts, env.enrollments)

	env.server = NewServer(logger, ":0", testAPIKey, "test", Deps{
		CampaignSvc: svc,
		Campaigns:   env.campaigns,
		Contacts:    env.contacts,
		Enrollments: env.enrollments,
		Templates:   env.templates,
		Rules:       repository.NewEscalationRepository(d.DB),
		Activities:  repository.NewActivityRepository(d.DB),
		Store:       store,
	})

	return env
}

// do performs an authenticated request against the router
func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (env *testEnv) createTemplate(t *testing.T, channel models.ChannelType) *models.Template {
	t.Helper()
	tpl := &models.Template{Name: "tpl-" + string(channel), Channel: channel, Subject: "Hi {{first_name}}", Body: "Hello"}
	if err := env.templates.Create(tpl); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	return tpl
}

func (env *testEnv) createLaunchable(t *testing.T) *models.Campaign {
	t.Helper()
	c := &models.Campaign{Name: "launchable", Channel: models.ChannelMessage, Timezone: "UTC"}
	if err := env.campaigns.Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	tpl := env.createTemplate(t, models.ChannelMessage)
	step := &models.Step{CampaignID: c.ID, StepIndex: 1, Channel: models.ChannelMessage, TemplateID: tpl.ID}
	if err := env.campaigns.AddStep(step); err != nil {
		t.Fatalf("failed to add step: %v", err)
	}
	return c
}

func TestAuthRequired(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with bearer token = %d, want 200", rec.Code)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

func TestCreateCampaign(t *testing.T) {
	env := setupTest(t)

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns", CampaignRequest{
		Name:          "Q4 outreach",
		Channel:       models.ChannelMessage,
		SendDays:      []int{1, 2, 3, 4, 5},
		SendHourStart: 9,
		SendHourEnd:   17,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	c := decode[models.Campaign](t, rec)
	if c.Status != models.CampaignDraft {
		t.Errorf("status = %s, want draft", c.Status)
	}
	if c.Timezone != "UTC" {
		t.Errorf("timezone = %s, want UTC default", c.Timezone)
	}
	if c.SendDays != "[1,2,3,4,5]" {
		t.Errorf("send_days = %s", c.SendDays)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	env := setupTest(t)

	cases := []CampaignRequest{
		{Channel: models.ChannelMessage},
		{Name: "x", Channel: "carrier-pigeon"},
		{Name: "x", Channel: models.ChannelMessage, SendDays: []int{7}},
		{Name: "x", Channel: models.ChannelMessage, SendHourStart: 17, SendHourEnd: 9},
	}
	for i, req := range cases {
		rec := env.do(t, http.MethodPost, "/api/v1/campaigns", req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, rec.Code)
		}
	}
}

func TestLifecycleTransitions(t *testing.T) {
	env := setupTest(t)
	c := env.createLaunchable(t)

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decode[models.Campaign](t, rec)
	if got.Status != models.CampaignActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	// Pausing twice conflicts the second time
	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/pause", nil); rec.Code != http.StatusConflict {
		t.Errorf("second pause status = %d, want 409", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/resume", nil); rec.Code != http.StatusOK {
		t.Errorf("resume status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/complete", nil); rec.Code != http.StatusOK {
		t.Errorf("complete status = %d, want 200", rec.Code)
	}
}

func TestStartWithoutStepsRejected(t *testing.T) {
	env := setupTest(t)

	c := &models.Campaign{Name: "empty", Channel: models.ChannelMessage, Timezone: "UTC"}
	if err := env.campaigns.Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestLifecycleUnknownCampaign(t *testing.T) {
	env := setupTest(t)

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns/ffffffff-0000-0000-0000-000000000000/pause", nil)
	if rec.Code != http.StatusConflict && rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 or 409", rec.Code)
	}
}

func TestAddStepContiguity(t *testing.T) {
	env := setupTest(t)

	c := &models.Campaign{Name: "steps", Channel: models.ChannelMessage, Timezone: "UTC"}
	if err := env.campaigns.Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	tpl := env.createTemplate(t, models.ChannelMessage)

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/steps", StepRequest{
		Channel: models.ChannelMessage, TemplateID: tpl.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	step := decode[models.Step](t, rec)
	if step.StepIndex != 1 {
		t.Errorf("step_index = %d, want 1", step.StepIndex)
	}

	// A gap in the sequence is rejected
	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/steps", StepRequest{
		StepIndex: 3, Channel: models.ChannelMessage, TemplateID: tpl.ID,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("gap status = %d, want 400", rec.Code)
	}
}

func TestAddStepFrozenAfterDraft(t *testing.T) {
	env := setupTest(t)
	c := env.createLaunchable(t)

	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}

	tpl := env.createTemplate(t, models.ChannelVoice)
	rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/steps", StepRequest{
		Channel: models.ChannelVoice, TemplateID: tpl.ID,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestEnrollAndDuplicate(t *testing.T) {
	env := setupTest(t)
	c := env.createLaunchable(t)

	contact := &models.Contact{Email: "ada@example.com"}
	if err := env.contacts.Create(contact); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/enroll", EnrollRequest{ContactID: contact.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/enroll", EnrollRequest{ContactID: contact.ID})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate enroll status = %d, want 409", rec.Code)
	}
}

func TestUnsubscribeExitsEnrollments(t *testing.T) {
	env := setupTest(t)
	c := env.createLaunchable(t)

	contact := &models.Contact{Email: "ada@example.com"}
	if err := env.contacts.Create(contact); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/enroll", EnrollRequest{ContactID: contact.ID}); rec.Code != http.StatusCreated {
		t.Fatalf("enroll status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/contacts/"+contact.ID+"/unsubscribe", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decode[models.Contact](t, rec)
	if got.Status != models.ContactUnsubscribed || !got.DoNotContact {
		t.Errorf("contact = %+v, want unsubscribed and do-not-contact", got)
	}

	e, err := env.enrollments.GetByCampaignContact(c.ID, contact.ID)
	if err != nil {
		t.Fatalf("failed to load enrollment: %v", err)
	}
	if e.Status != models.EnrollmentUnsubscribed {
		t.Errorf("enrollment status = %s, want unsubscribed", e.Status)
	}
}

func TestContactDuplicateEmail(t *testing.T) {
	env := setupTest(t)

	body := ContactRequest{Email: "ada@example.com"}
	if rec := env.do(t, http.MethodPost, "/api/v1/contacts", body); rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/contacts", body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
}

func TestTemplateUpdateInvalidatesAudio(t *testing.T) {
	env := setupTest(t)

	tpl := &models.Template{Name: "voice", Channel: models.ChannelVoice, Body: "old script"}
	if err := env.templates.Create(tpl); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	if err := env.templates.SetAudioURL(tpl.ID, "https://cdn.example.com/a.mp3"); err != nil {
		t.Fatalf("failed to set audio url: %v", err)
	}

	rec := env.do(t, http.MethodPut, "/api/v1/templates/"+tpl.ID, TemplateRequest{
		Name: "voice", Channel: models.ChannelVoice, Body: "new script",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	got, err := env.templates.GetByID(tpl.ID)
	if err != nil {
		t.Fatalf("failed to load template: %v", err)
	}
	if got.AudioURL != "" {
		t.Errorf("audio_url = %q, want cleared after body change", got.AudioURL)
	}
}

func TestEscalationRuleValidation(t *testing.T) {
	env := setupTest(t)

	rec := env.do(t, http.MethodPost, "/api/v1/escalation-rules", RuleRequest{
		Name:        "stalled",
		Active:      true,
		TriggerType: models.TriggerNoResponseDays,
		Actions:     []models.EscalationAction{{Type: models.ActionNotify}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing threshold status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/escalation-rules", RuleRequest{
		Name:          "stalled",
		Active:        true,
		TriggerType:   models.TriggerNoResponseDays,
		ThresholdDays: 7,
		CooldownHours: 24,
		Actions:       []models.EscalationAction{{Type: models.ActionNotify}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rule := decode[models.EscalationRule](t, rec)
	actions, err := rule.ActionList()
	if err != nil || len(actions) != 1 {
		t.Errorf("actions = %v, err = %v", actions, err)
	}
}

func TestQueueStatsAndDLQ(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	job := &queue.Job{Kind: queue.KindSendStep, CampaignID: "c1", Status: queue.StatusReady}
	if err := env.store.Enqueue(ctx, job); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[QueueResponse](t, rec)
	if resp.Stats.Ready != 1 {
		t.Errorf("ready = %d, want 1", resp.Stats.Ready)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/queue/dlq/no-such-job/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry of unknown job status = %d, want 404", rec.Code)
	}

	job.Status = queue.StatusFailed
	if err := env.store.MoveToDLQ(ctx, job); err != nil {
		t.Fatalf("failed to move to DLQ: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/queue/dlq", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dlq list status = %d", rec.Code)
	}
	dlq := decode[DLQListResponse](t, rec)
	if dlq.Total != 1 || len(dlq.Jobs) != 1 {
		t.Fatalf("dlq = %+v, want one job", dlq)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/queue/dlq/%s/retry", job.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("retry status = %d, body = %s", rec.Code, rec.Body.String())
	}

	got, err := env.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if got.Status != queue.StatusReady || got.RetryCount != 0 {
		t.Errorf("job after retry = %s retries=%d, want ready/0", got.Status, got.RetryCount)
	}
}

func TestDeleteActiveCampaignRejected(t *testing.T) {
	env := setupTest(t)
	c := env.createLaunchable(t)

	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/campaigns/"+c.ID, nil); rec.Code != http.StatusConflict {
		t.Errorf("delete status = %d, want 409", rec.Code)
	}
}

func TestDeleteCampaignWithEnrollmentsRejected(t *testing.T) {
	env := setupTest(t)
	c := env.createLaunchable(t)

	contact := &models.Contact{Email: "ada@example.com"}
	if err := env.contacts.Create(contact); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/enroll", EnrollRequest{ContactID: contact.ID}); rec.Code != http.StatusCreated {
		t.Fatalf("enroll status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/cancel", nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}

	// Even cancelled, the campaign's enrollment history must survive
	if rec := env.do(t, http.MethodDelete, "/api/v1/campaigns/"+c.ID, nil); rec.Code != http.StatusConflict {
		t.Errorf("delete status = %d, want 409", rec.Code)
	}
	got, err := env.campaigns.GetByID(c.ID)
	if err != nil {
		t.Fatalf("failed to load campaign: %v", err)
	}
	if got == nil {
		t.Fatal("campaign was deleted despite enrollments")
	}

	// A campaign nobody was ever enrolled in deletes cleanly
	empty := &models.Campaign{Name: "empty", Channel: models.ChannelMessage, Timezone: "UTC"}
	if err := env.campaigns.Create(empty); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/campaigns/"+empty.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete of unenrolled campaign status = %d, want 204", rec.Code)
	}
}

func TestDispatchProgressWithoutDispatcher(t *testing.T) {
	env := setupTest(t)

	rec := env.do(t, http.MethodGet, "/api/v1/dispatch/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[DispatchProgressResponse](t, rec)
	if len(resp.Jobs) != 0 {
		t.Errorf("jobs = %d, want 0", len(resp.Jobs))
	}
}

type stubGenerator struct {
	text string
	err  error
}

func (g *stubGenerator) Generate(ctx context.Context, req *provider.GenerateRequest) (*provider.GenerateResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &provider.GenerateResponse{Text: g.text}, nil
}

func TestGenerateContent(t *testing.T) {
	env := setupTest(t)

	// Not configured
	rec := env.do(t, http.MethodPost, "/api/v1/templates/generate", GenerateContentRequest{Prompt: "intro email"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d, want 503", rec.Code)
	}

	env.server.content = &stubGenerator{text: "Hello {{first_name}}"}

	rec = env.do(t, http.MethodPost, "/api/v1/templates/generate", GenerateContentRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/templates/generate", GenerateContentRequest{Prompt: "intro email"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[GenerateContentResponse](t, rec)
	if resp.Text != "Hello {{first_name}}" {
		t.Errorf("text = %q", resp.Text)
	}
}
