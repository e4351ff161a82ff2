// Package scheduler advances enrollments through campaign steps by enqueuing
// dispatch jobs when steps come due.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/queue"
	"github.com/ds1/outreach/internal/repository"
)

// maxBatchesPerPass bounds how many batches a single pass may enqueue per
// campaign so one huge campaign cannot starve the rest.
const maxBatchesPerPass = 10

type Scheduler struct {
	logger      *slog.Logger
	campaigns   *repository.CampaignRepository
	enrollments *repository.EnrollmentRepository
	queue       queue.Queue

	interval  time.Duration
	batchSize int
	now       func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func New(logger *slog.Logger, campaigns *repository.CampaignRepository, enrollments *repository.EnrollmentRepository, q queue.Queue, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	return &Scheduler{
		logger:      logger.With("component", "scheduler"),
		campaigns:   campaigns,
		enrollments: enrollments,
		queue:       q,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the scheduling loop
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("scheduling pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one scheduling pass over all active campaigns. Passes are
// idempotent: re-running enqueues nothing new thanks to job idempotency keys.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	active, err := s.campaigns.ListByStatus(models.CampaignActive)
	if err != nil {
		return fmt.Errorf("failed to list active campaigns: %w", err)
	}

	for i := range active {
		if err := s.scheduleCampaign(ctx, &active[i]); err != nil {
			s.logger.Error("failed to schedule campaign", "campaign_id", active[i].ID, "error", err)
		}
	}

	return nil
}

func (s *Scheduler) scheduleCampaign(ctx context.Context, c *models.Campaign) error {
	steps, err := s.campaigns.GetSteps(c.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	if len(steps) == 0 {
		return nil
	}

	enrollments, err := s.enrollments.ListSchedulable(c.ID, s.batchSize*maxBatchesPerPass)
	if err != nil {
		return fmt.Errorf("failed to list enrollments: %w", err)
	}

	now := s.now()

	// Due enrollments grouped by the step they are about to receive. One
	// dispatch job carries the whole batch for a (campaign, step) pair.
	dueByStep := make(map[int][]queue.JobContact)

	for _, e := range enrollments {
		nextIndex := e.CurrentStep + 1

		// Past the last step means the sequence is finished
		if nextIndex > len(steps) {
			_, err := s.enrollments.TransitionStatus(e.ID,
				[]models.EnrollmentStatus{models.EnrollmentEnrolled, models.EnrollmentInProgress},
				models.EnrollmentCompleted)
			if err != nil {
				s.logger.Error("failed to complete enrollment", "enrollment_id", e.ID, "error", err)
			}
			continue
		}

		step := steps[nextIndex-1]

		// Delay counts from the previous send, or from enrollment for the
		// first step. Engagement events bump last_activity_at but must not
		// push the next send out.
		baseline := e.EnrolledAt
		if e.LastSentAt != nil {
			baseline = *e.LastSentAt
		}
		due := baseline.AddDate(0, 0, step.DelayDays)
		if due.After(now) {
			continue
		}

		dueByStep[step.StepIndex] = append(dueByStep[step.StepIndex], queue.JobContact{
			EnrollmentID: e.ID,
			ContactID:    e.ContactID,
		})
	}

	// Align sends to the campaign's window
	runAt := NextOpen(c, now)
	enqueued := 0

	for _, step := range steps {
		contacts := dueByStep[step.StepIndex]
		for len(contacts) > 0 {
			n := len(contacts)
			if n > s.batchSize {
				n = s.batchSize
			}
			batch := contacts[:n]
			contacts = contacts[n:]

			job := &queue.Job{
				ID:             uuid.New().String(),
				Kind:           queue.KindSendStep,
				CampaignID:     c.ID,
				Contacts:       batch,
				StepIndex:      step.StepIndex,
				Channel:        string(step.Channel),
				TemplateID:     step.TemplateID,
				RunAt:          runAt,
				IdempotencyKey: fmt.Sprintf("send:%s:%d:%s", c.ID, step.StepIndex, batchFingerprint(batch)),
			}

			err := s.queue.Enqueue(ctx, job)
			if errors.Is(err, queue.ErrDuplicateJob) {
				continue // Already enqueued by an earlier pass
			}
			if err != nil {
				s.logger.Error("failed to enqueue batch", "campaign_id", c.ID, "step", step.StepIndex, "size", len(batch), "error", err)
				continue
			}
			enqueued++
		}
	}

	if enqueued > 0 {
		s.logger.Info("enqueued step batches", "campaign_id", c.ID, "batches", enqueued)
	}
	return nil
}

// batchFingerprint derives a stable digest of the batch membership so the
// same contacts never get a second job for the same step, while a changed
// membership (new joiners, advanced enrollments) keys differently.
func batchFingerprint(contacts []queue.JobContact) string {
	ids := make([]string, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ContactID
	}
	sort.Strings(ids)

	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:8])
}
