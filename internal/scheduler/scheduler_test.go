package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ds1/outreach/internal/db"
	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/queue"
	"github.com/ds1/outreach/internal/repository"
)

type testEnv struct {
	sched       *Scheduler
	campaigns   *repository.CampaignRepository
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository
	templates   *repository.TemplateRepository
	storage     *queue.BoltStorage
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	d, err := db.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	storage, err := queue.NewBoltStorage(filepath.Join(tmpDir, "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	campaigns := repository.NewCampaignRepository(d.DB)
	contacts := repository.NewContactRepository(d.DB)
	enrollments := repository.NewEnrollmentRepository(d.DB)
	templates := repository.NewTemplateRepository(d.DB)

	sched := New(logger, campaigns, enrollments, storage, Config{Interval: time.Minute, BatchSize: 100})

	return &testEnv{
		sched:       sched,
		campaigns:   campaigns,
		contacts:    contacts,
		enrollments: enrollments,
		templates:   templates,
		storage:     storage,
	}
}

// newActiveCampaign creates an always-open active campaign with the given
// step delays
func (env *testEnv) newActiveCampaign(t *testing.T, delays ...int) *models.Campaign {
	t.Helper()
	c := &models.Campaign{Name: "test", Channel: models.ChannelMessage, Timezone: "UTC"}
	if err := env.campaigns.Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}

	tpl := &models.Template{Name: "tpl-" + c.ID, Channel: models.ChannelMessage, Subject: "Hi", Body: "Hello"}
	if err := env.templates.Create(tpl); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	for i, delay := range delays {
		s := &models.Step{CampaignID: c.ID, StepIndex: i + 1, Channel: models.ChannelMessage, TemplateID: tpl.ID, DelayDays: delay}
		if err := env.campaigns.AddStep(s); err != nil {
			t.Fatalf("failed to add step: %v", err)
		}
	}

	if _, err := env.campaigns.TransitionStatus(c.ID, []models.CampaignStatus{models.CampaignDraft}, models.CampaignActive); err != nil {
		t.Fatalf("failed to activate: %v", err)
	}
	got, _ := env.campaigns.GetByID(c.ID)
	return got
}

func (env *testEnv) enroll(t *testing.T, campaignID, email string) *models.Enrollment {
	t.Helper()
	contact := &models.Contact{Email: email, Phone: "+15551234567"}
	if err := env.contacts.Create(contact); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}
	e := &models.Enrollment{CampaignID: campaignID, ContactID: contact.ID}
	if err := env.enrollments.Create(e); err != nil {
		t.Fatalf("failed to enroll: %v", err)
	}
	return e
}

func (env *testEnv) jobCount(t *testing.T) int {
	t.Helper()
	jobs, err := env.storage.List(context.Background(), queue.ListFilter{})
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	return len(jobs)
}

func TestStepDelays(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	// Step 1 immediately, step 2 three days later
	c := env.newActiveCampaign(t, 0, 3)
	e := env.enroll(t, c.ID, "ada@example.com")

	now := time.Now()
	env.sched.now = func() time.Time { return now }

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	jobs, _ := env.storage.List(ctx, queue.ListFilter{})
	if len(jobs) != 1 {
		t.Fatalf("job count = %d, want 1", len(jobs))
	}
	if jobs[0].StepIndex != 1 {
		t.Errorf("StepIndex = %d, want 1", jobs[0].StepIndex)
	}
	if len(jobs[0].Contacts) != 1 || jobs[0].Contacts[0].EnrollmentID != e.ID {
		t.Errorf("Contacts = %v, want single entry for %v", jobs[0].Contacts, e.ID)
	}

	// Simulate dispatch completing step 1 at time now
	env.enrollments.AdvanceStep(e.ID, 0, 1)
	env.enrollments.TouchActivity(e.ID, now)

	// One day later step 2 is not yet due
	env.sched.now = func() time.Time { return now.AddDate(0, 0, 1) }
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n := env.jobCount(t); n != 1 {
		t.Fatalf("job count after 1 day = %d, want 1", n)
	}

	// Three days later it is
	env.sched.now = func() time.Time { return now.AddDate(0, 0, 3).Add(time.Minute) }
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	jobs, _ = env.storage.List(ctx, queue.ListFilter{})
	if len(jobs) != 2 {
		t.Fatalf("job count after 3 days = %d, want 2", len(jobs))
	}
}

func TestEngagementDoesNotDeferNextStep(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	c := env.newActiveCampaign(t, 0, 3)
	e := env.enroll(t, c.ID, "ada@example.com")

	now := time.Now()
	env.sched.now = func() time.Time { return now }

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n := env.jobCount(t); n != 1 {
		t.Fatalf("job count = %d, want 1", n)
	}

	// Dispatch completes step 1
	env.enrollments.AdvanceStep(e.ID, 0, 1)

	// The contact opens the message two days later. That bumps the
	// activity timestamp but must not push step 2 out.
	env.enrollments.IncrementCounter(e.ID, "messages_opened")
	env.enrollments.TouchActivity(e.ID, now.AddDate(0, 0, 2))

	env.sched.now = func() time.Time { return now.AddDate(0, 0, 3).Add(time.Minute) }
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	jobs, _ := env.storage.List(ctx, queue.ListFilter{})
	if len(jobs) != 2 {
		t.Fatalf("job count after 3 days = %d, want 2", len(jobs))
	}
	var sawStep2 bool
	for _, j := range jobs {
		if j.StepIndex == 2 {
			sawStep2 = true
		}
	}
	if !sawStep2 {
		t.Error("step 2 was never scheduled")
	}
}

func TestIdempotentPass(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	c := env.newActiveCampaign(t, 0)
	env.enroll(t, c.ID, "ada@example.com")

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() second pass error = %v", err)
	}

	if n := env.jobCount(t); n != 1 {
		t.Errorf("job count after double pass = %d, want 1", n)
	}
}

func TestBatchPartitioning(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.sched.batchSize = 2

	c := env.newActiveCampaign(t, 0)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"} {
		env.enroll(t, c.ID, email)
	}

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	jobs, _ := env.storage.List(ctx, queue.ListFilter{})
	if len(jobs) != 3 {
		t.Fatalf("job count = %d, want 3", len(jobs))
	}

	total := 0
	keys := make(map[string]bool)
	for _, j := range jobs {
		if len(j.Contacts) > 2 {
			t.Errorf("batch size = %d, want <= 2", len(j.Contacts))
		}
		total += len(j.Contacts)
		if keys[j.IdempotencyKey] {
			t.Errorf("duplicate idempotency key %q", j.IdempotencyKey)
		}
		keys[j.IdempotencyKey] = true
	}
	if total != 5 {
		t.Errorf("total batched contacts = %d, want 5", total)
	}
}

func TestCompletesFinishedEnrollments(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	c := env.newActiveCampaign(t, 0)
	e := env.enroll(t, c.ID, "ada@example.com")

	// Contact already got the only step
	env.enrollments.AdvanceStep(e.ID, 0, 1)

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	got, _ := env.enrollments.GetByID(e.ID)
	if got.Status != models.EnrollmentCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
	if n := env.jobCount(t); n != 0 {
		t.Errorf("job count = %d, want 0", n)
	}
}

func TestSendWindowDeferral(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	c := env.newActiveCampaign(t, 0)
	c.SendDays = "[1,2,3,4,5]"
	c.SendHourStart = 9
	c.SendHourEnd = 17
	if err := env.campaigns.Update(c); err != nil {
		t.Fatalf("failed to update campaign: %v", err)
	}

	env.enroll(t, c.ID, "ada@example.com")

	// A Tuesday 20:00 UTC well past enrollment time, outside the window
	evening := time.Date(2027, 9, 7, 20, 0, 0, 0, time.UTC)
	env.sched.now = func() time.Time { return evening }

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	jobs, _ := env.storage.List(ctx, queue.ListFilter{})
	if len(jobs) != 1 {
		t.Fatalf("job count = %d, want 1", len(jobs))
	}

	// Job is parked until Wednesday 09:00
	wantRunAt := time.Date(2027, 9, 8, 9, 0, 0, 0, time.UTC)
	if !jobs[0].RunAt.Equal(wantRunAt) {
		t.Errorf("RunAt = %v, want %v", jobs[0].RunAt, wantRunAt)
	}
	if jobs[0].Status != queue.StatusDelayed {
		t.Errorf("Status = %v, want delayed", jobs[0].Status)
	}

	// Nothing comes out of the queue before the window opens
	job, err := env.storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job != nil {
		t.Errorf("Dequeue() returned job before window open: %v", job.ID)
	}
}

func TestPausedCampaignNotScheduled(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	c := env.newActiveCampaign(t, 0)
	env.enroll(t, c.ID, "ada@example.com")
	env.campaigns.TransitionStatus(c.ID, []models.CampaignStatus{models.CampaignActive}, models.CampaignPaused)

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n := env.jobCount(t); n != 0 {
		t.Errorf("job count = %d, want 0", n)
	}
}
