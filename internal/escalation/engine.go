// Package escalation surfaces stalled or high-value contacts outside the
// normal step flow. Poll triggers sweep aggregates on an interval;
// event-reactive triggers fire inline as the webhook ingestor applies events.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ds1/outreach/internal/metrics"
	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/provider"
	"github.com/ds1/outreach/internal/repository"
)

type Config struct {
	Interval  time.Duration
	BatchSize int

	// NotifyTo is the default notification recipient when a rule's notify
	// action does not carry its own.
	NotifyTo string
}

type Engine struct {
	logger      *slog.Logger
	rules       *repository.EscalationRepository
	enrollments *repository.EnrollmentRepository
	contacts    *repository.ContactRepository
	activities  *repository.ActivityRepository
	messages    provider.MessageSender

	cfg Config
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	logger *slog.Logger,
	rules *repository.EscalationRepository,
	enrollments *repository.EnrollmentRepository,
	contacts *repository.ContactRepository,
	activities *repository.ActivityRepository,
	messages provider.MessageSender,
	cfg Config,
) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}

	return &Engine{
		logger:      logger.With("component", "escalation"),
		rules:       rules,
		enrollments: enrollments,
		contacts:    contacts,
		activities:  activities,
		messages:    messages,
		cfg:         cfg,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the sweep loop
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("starting escalation engine", "interval", e.cfg.Interval)

	e.wg.Add(1)
	go e.run(ctx)
}

// Stop stops the engine gracefully
func (e *Engine) Stop() {
	e.logger.Info("stopping escalation engine")
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("escalation engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				e.logger.Error("escalation sweep failed", "error", err)
			}
		}
	}
}

// RunOnce executes one sweep over every active poll-based rule. A broken
// rule never blocks evaluation of the rest.
func (e *Engine) RunOnce(ctx context.Context) error {
	rules, err := e.rules.ListActive()
	if err != nil {
		return fmt.Errorf("failed to list active rules: %w", err)
	}

	for _, rule := range rules {
		if err := e.sweepRule(ctx, rule); err != nil {
			e.logger.Error("rule evaluation failed", "rule_id", rule.ID, "rule", rule.Name, "error", err)
		}
	}

	return nil
}

func (e *Engine) sweepRule(ctx context.Context, rule *models.EscalationRule) error {
	var matched []*models.Enrollment
	var err error

	switch rule.TriggerType {
	case models.TriggerNoResponseDays:
		cutoff := e.now().AddDate(0, 0, -rule.ThresholdDays)
		matched, err = e.enrollments.ListStale(cutoff, e.cfg.BatchSize)
	case models.TriggerHighEngagement:
		matched, err = e.enrollments.ListEngaged(rule.EngagementThreshold, e.cfg.BatchSize)
	default:
		// Event-reactive triggers fire through EvaluateEvent
		return nil
	}
	if err != nil {
		return err
	}

	for _, enrollment := range matched {
		e.fire(ctx, rule, enrollment.ContactID, enrollment.CampaignID)
	}

	return nil
}

// EvaluateEvent fires every active rule whose trigger matches an ingested
// event. Called inline by the webhook ingestor.
func (e *Engine) EvaluateEvent(ctx context.Context, trigger models.TriggerType, contactID, campaignID string) {
	rules, err := e.rules.ListActive()
	if err != nil {
		e.logger.Error("failed to list rules for event", "trigger", trigger, "error", err)
		return
	}

	for _, rule := range rules {
		if rule.TriggerType != trigger {
			continue
		}
		e.fire(ctx, rule, contactID, campaignID)
	}
}

// fire executes one rule for one contact behind the cooldown check. The
// escalation_triggered record is written even when an action fails: retrying
// a broken notification every sweep is worse than occasionally missing one.
func (e *Engine) fire(ctx context.Context, rule *models.EscalationRule, contactID, campaignID string) {
	logger := e.logger.With("rule_id", rule.ID, "rule", rule.Name, "contact_id", contactID)

	last, err := e.activities.LatestEscalation(rule.ID, contactID)
	if err != nil {
		logger.Error("cooldown lookup failed", "error", err)
		return
	}
	cooldown := time.Duration(rule.CooldownHours) * time.Hour
	if last != nil && e.now().Sub(last.CreatedAt) < cooldown {
		logger.Debug("within cooldown, skipping", "last_fired", last.CreatedAt)
		return
	}

	actions, err := rule.ActionList()
	if err != nil {
		logger.Error("invalid action list", "error", err)
		return
	}

	for _, action := range actions {
		if err := e.execute(ctx, rule, action, contactID); err != nil {
			logger.Error("escalation action failed", "action", action.Type, "error", err)
		}
	}

	activity := &models.Activity{
		ContactID:  contactID,
		CampaignID: campaignID,
		Kind:       models.ActivityEscalation,
		RuleID:     rule.ID,
		Metadata:   fmt.Sprintf(`{"trigger":%q}`, rule.TriggerType),
	}
	if err := e.activities.Create(activity); err != nil {
		logger.Error("failed to record escalation", "error", err)
		return
	}

	metrics.IncEscalations(string(rule.TriggerType))
	logger.Info("escalation fired", "trigger", rule.TriggerType)
}

func (e *Engine) execute(ctx context.Context, rule *models.EscalationRule, action models.EscalationAction, contactID string) error {
	switch action.Type {
	case models.ActionNotify:
		return e.notify(ctx, rule, action, contactID)
	case models.ActionMutateStatus:
		status := models.ContactStatus(action.Params["status"])
		if status == "" {
			status = models.ContactEscalated
		}
		return e.contacts.UpdateStatus(contactID, status)
	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}

func (e *Engine) notify(ctx context.Context, rule *models.EscalationRule, action models.EscalationAction, contactID string) error {
	if e.messages == nil {
		return fmt.Errorf("no message capability configured")
	}

	to := action.Params["to"]
	if to == "" {
		to = e.cfg.NotifyTo
	}
	if to == "" {
		return fmt.Errorf("notify action has no recipient")
	}

	contact, err := e.contacts.GetByID(contactID)
	if err != nil {
		return err
	}
	if contact == nil {
		return fmt.Errorf("contact %s not found", contactID)
	}

	subject := action.Params["subject"]
	if subject == "" {
		subject = fmt.Sprintf("Escalation: %s", rule.Name)
	}
	body := fmt.Sprintf("Rule %q fired for %s %s <%s> (trigger: %s)",
		rule.Name, contact.FirstName, contact.LastName, contact.Email, rule.TriggerType)

	_, err = e.messages.Send(ctx, &provider.MessageSendRequest{
		To:      to,
		Subject: subject,
		Body:    body,
	})
	return err
}
