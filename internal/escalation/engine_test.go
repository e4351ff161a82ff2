package escalation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ds1/outreach/internal/db"
	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/provider"
	"github.com/ds1/outreach/internal/repository"
)

type sentNote struct {
	to      string
	subject string
}

type fakeMessages struct {
	sent []sentNote
	err  error
}

func (f *fakeMessages) Send(ctx context.Context, req *provider.MessageSendRequest) (*provider.MessageSendResponse, error) {
	f.sent = append(f.sent, sentNote{to: req.To, subject: req.Subject})
	if f.err != nil {
		return nil, f.err
	}
	return &provider.MessageSendResponse{MessageID: fmt.Sprintf("msg-%d", len(f.sent)), Status: "queued"}, nil
}

type testEnv struct {
	engine      *Engine
	rules       *repository.EscalationRepository
	campaigns   *repository.CampaignRepository
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository
	activities  *repository.ActivityRepository
	messages    *fakeMessages
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

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		rules:       repository.NewEscalationRepository(d.DB),
		campaigns:   repository.NewCampaignRepository(d.DB),
		contacts:    repository.NewContactRepository(d.DB),
		enrollments: repository.NewEnrollmentRepository(d.DB),
		activities:  repository.NewActivityRepository(d.DB),
		messages:    &fakeMessages{},
	}

	env.engine = New(logger, env.rules, env.enrollments, env.contacts, env.activities, env.messages, Config{
		Interval: time.Minute,
		NotifyTo: "ops@example.com",
	})

	return env
}

func (env *testEnv) newRule(t *testing.T, trigger models.TriggerType, actions string) *models.EscalationRule {
	t.Helper()
	rule := &models.EscalationRule{
		Name:                "rule-" + string(trigger),
		Active:              true,
		TriggerType:         trigger,
		ThresholdDays:       7,
		EngagementThreshold: 3,
		CooldownHours:       24,
		Actions:             actions,
	}
	if err := env.rules.Create(rule); err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}
	return rule
}

// enrollContact creates a campaign-enrolled contact whose last activity is
// the given age in days
func (env *testEnv) enrollContact(t *testing.T, email string, lastActivityDaysAgo int) *models.Enrollment {
	t.Helper()

	c := &models.Campaign{Name: "camp-" + email, Channel: models.ChannelMessage, Timezone: "UTC"}
	if err := env.campaigns.Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	contact := &models.Contact{Email: email, Phone: "+15551234567"}
	if err := env.contacts.Create(contact); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}
	e := &models.Enrollment{CampaignID: c.ID, ContactID: contact.ID}
	if err := env.enrollments.Create(e); err != nil {
		t.Fatalf("failed to enroll: %v", err)
	}
	if err := env.enrollments.TouchActivity(e.ID, time.Now().AddDate(0, 0, -lastActivityDaysAgo)); err != nil {
		t.Fatalf("failed to set activity time: %v", err)
	}
	return e
}

func escalationCount(t *testing.T, env *testEnv, contactID string) int {
	t.Helper()
	acts, err := env.activities.List(models.ActivityFilter{ContactID: contactID, Kind: models.ActivityEscalation})
	if err != nil {
		t.Fatalf("failed to list activities: %v", err)
	}
	return len(acts)
}

func TestNoResponseSweep(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.newRule(t, models.TriggerNoResponseDays, `[{"type":"notify"}]`)
	stale := env.enrollContact(t, "stale@example.com", 10)
	fresh := env.enrollContact(t, "fresh@example.com", 2)

	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if n := escalationCount(t, env, stale.ContactID); n != 1 {
		t.Errorf("stale contact escalations = %d, want 1", n)
	}
	if n := escalationCount(t, env, fresh.ContactID); n != 0 {
		t.Errorf("fresh contact escalations = %d, want 0", n)
	}
	if len(env.messages.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(env.messages.sent))
	}
	if env.messages.sent[0].to != "ops@example.com" {
		t.Errorf("notify to = %s, want ops@example.com", env.messages.sent[0].to)
	}
}

func TestHighEngagementSweep(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.newRule(t, models.TriggerHighEngagement, `[{"type":"mutate_status"}]`)
	hot := env.enrollContact(t, "hot@example.com", 1)
	cold := env.enrollContact(t, "cold@example.com", 1)

	for i := 0; i < 3; i++ {
		if err := env.enrollments.IncrementCounter(hot.ID, "messages_opened"); err != nil {
			t.Fatalf("failed to bump counter: %v", err)
		}
	}

	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	contact, _ := env.contacts.GetByID(hot.ContactID)
	if contact.Status != models.ContactEscalated {
		t.Errorf("hot contact status = %v, want escalated", contact.Status)
	}
	if n := escalationCount(t, env, cold.ContactID); n != 0 {
		t.Errorf("cold contact escalations = %d, want 0", n)
	}
}

func TestCooldownSuppressesSecondFiring(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.newRule(t, models.TriggerNoResponseDays, `[{"type":"notify"}]`)
	stale := env.enrollContact(t, "stale@example.com", 10)

	// Two sweeps well inside the 24h cooldown
	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() second pass error = %v", err)
	}

	if n := escalationCount(t, env, stale.ContactID); n != 1 {
		t.Errorf("escalations = %d, want 1", n)
	}

	// Past the cooldown the rule fires again
	env.engine.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() third pass error = %v", err)
	}
	if n := escalationCount(t, env, stale.ContactID); n != 2 {
		t.Errorf("escalations after cooldown = %d, want 2", n)
	}
}

func TestActionFailureStillAnchorsCooldown(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.messages.err = fmt.Errorf("smtp down")
	env.newRule(t, models.TriggerNoResponseDays, `[{"type":"notify"}]`)
	stale := env.enrollContact(t, "stale@example.com", 10)

	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	// The record is written despite the failed notification, so the next
	// sweep does not retry
	if n := escalationCount(t, env, stale.ContactID); n != 1 {
		t.Fatalf("escalations = %d, want 1", n)
	}
	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() second pass error = %v", err)
	}
	if len(env.messages.sent) != 1 {
		t.Errorf("notification attempts = %d, want 1", len(env.messages.sent))
	}
}

func TestEvaluateEventFiresMatchingRules(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	clicked := env.newRule(t, models.TriggerLinkClicked, `[{"type":"notify","params":{"to":"sales@example.com"}}]`)
	env.newRule(t, models.TriggerReplyReceived, `[{"type":"notify"}]`)
	e := env.enrollContact(t, "ada@example.com", 1)

	env.engine.EvaluateEvent(ctx, models.TriggerLinkClicked, e.ContactID, e.CampaignID)

	if n := escalationCount(t, env, e.ContactID); n != 1 {
		t.Fatalf("escalations = %d, want 1", n)
	}
	if len(env.messages.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(env.messages.sent))
	}
	if env.messages.sent[0].to != "sales@example.com" {
		t.Errorf("notify to = %s, want sales@example.com", env.messages.sent[0].to)
	}

	acts, _ := env.activities.List(models.ActivityFilter{ContactID: e.ContactID, Kind: models.ActivityEscalation})
	if acts[0].RuleID != clicked.ID {
		t.Errorf("RuleID = %s, want %s", acts[0].RuleID, clicked.ID)
	}
}

func TestBrokenRuleDoesNotBlockOthers(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.newRule(t, models.TriggerNoResponseDays, `not-json`)
	env.newRule(t, models.TriggerHighEngagement, `[{"type":"mutate_status"}]`)

	hot := env.enrollContact(t, "hot@example.com", 10)
	for i := 0; i < 3; i++ {
		env.enrollments.IncrementCounter(hot.ID, "messages_opened")
	}

	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	contact, _ := env.contacts.GetByID(hot.ContactID)
	if contact.Status != models.ContactEscalated {
		t.Errorf("status = %v, want escalated despite broken rule", contact.Status)
	}
}

func TestInactiveRuleSkipped(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	rule := env.newRule(t, models.TriggerNoResponseDays, `[{"type":"notify"}]`)
	rule.Active = false
	if err := env.rules.Update(rule); err != nil {
		t.Fatalf("failed to deactivate rule: %v", err)
	}
	stale := env.enrollContact(t, "stale@example.com", 10)

	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n := escalationCount(t, env, stale.ContactID); n != 0 {
		t.Errorf("escalations = %d, want 0", n)
	}
}
