// Package dispatch drains the job queue through per-channel worker pools.
// Each pool owns its concurrency and send rate; quota checks, recipient
// validation, and the exactly-once guard all happen here, immediately before
// the provider call.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ds1/outreach/internal/metrics"
	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/oerr"
	"github.com/ds1/outreach/internal/provider"
	"github.com/ds1/outreach/internal/queue"
	"github.com/ds1/outreach/internal/ratelimit"
	"github.com/ds1/outreach/internal/repository"
	"github.com/ds1/outreach/internal/template"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// validUSPhone accepts 10-digit numbers or 11 digits with a leading 1,
// ignoring punctuation
func validUSPhone(s string) bool {
	digits := 0
	first := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		if digits == 0 {
			first = c
		}
		digits++
	}
	switch digits {
	case 10:
		return first != '0' && first != '1'
	case 11:
		return first == '1'
	default:
		return false
	}
}

// Storage is the queue surface the dispatcher needs
type Storage interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Update(ctx context.Context, job *queue.Job) error
	MoveToDLQ(ctx context.Context, job *queue.Job) error
}

// ChannelConfig sizes one channel's worker pool
type ChannelConfig struct {
	Concurrency int
	RatePerSec  float64
}

// Config contains dispatcher configuration
type Config struct {
	Message       ChannelConfig
	Voice         ChannelConfig
	PollInterval  time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// PauseRecheck is how long a job is parked when its campaign or
	// enrollment is paused.
	PauseRecheck time.Duration
}

// Dispatcher routes ready jobs into per-channel worker pools
type Dispatcher struct {
	logger *slog.Logger
	store  Storage

	campaigns   *repository.CampaignRepository
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository
	templates   *repository.TemplateRepository
	activities  *repository.ActivityRepository

	messages provider.MessageSender
	voice    provider.VoiceSender
	speech   provider.SpeechSynthesizer

	limiter *ratelimit.Limiter // nil disables quotas

	messagePool *pool
	voicePool   *pool

	progressMu sync.Mutex
	progress   map[string]*JobProgress

	cfg Config
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// JobProgress is a point-in-time view of one in-flight job, for operator
// polling only. Correctness never depends on it.
type JobProgress struct {
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`
	Channel    string    `json:"channel"`
	CampaignID string    `json:"campaign_id"`
	StepIndex  int       `json:"step_index"`
	BatchSize  int       `json:"batch_size"`
	Completed  int       `json:"completed"`
	StartedAt  time.Time `json:"started_at"`
}

// Progress returns a snapshot of every in-flight job
func (d *Dispatcher) Progress() []JobProgress {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()

	out := make([]JobProgress, 0, len(d.progress))
	for _, p := range d.progress {
		out = append(out, *p)
	}
	return out
}

func (d *Dispatcher) trackStart(job *queue.Job) {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	d.progress[job.ID] = &JobProgress{
		JobID:      job.ID,
		Kind:       string(job.Kind),
		Channel:    job.Channel,
		CampaignID: job.CampaignID,
		StepIndex:  job.StepIndex,
		BatchSize:  len(job.Contacts),
		StartedAt:  d.now(),
	}
}

func (d *Dispatcher) trackContact(jobID string) {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	if p, ok := d.progress[jobID]; ok {
		p.Completed++
	}
}

func (d *Dispatcher) trackEnd(jobID string) {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	delete(d.progress, jobID)
}

type pool struct {
	name    string
	jobs    chan *queue.Job
	limiter *rate.Limiter
	workers int
}

func newPool(name string, cfg ChannelConfig) *pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &pool{
		name:    name,
		jobs:    make(chan *queue.Job, cfg.Concurrency*2),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		workers: cfg.Concurrency,
	}
}

// Deps bundles the dispatcher's collaborators
type Deps struct {
	Campaigns   *repository.CampaignRepository
	Contacts    *repository.ContactRepository
	Enrollments *repository.EnrollmentRepository
	Templates   *repository.TemplateRepository
	Activities  *repository.ActivityRepository

	Messages provider.MessageSender
	Voice    provider.VoiceSender
	Speech   provider.SpeechSynthesizer

	Limiter *ratelimit.Limiter
}

// New creates a dispatcher
func New(logger *slog.Logger, store Storage, deps Deps, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = time.Hour
	}
	if cfg.PauseRecheck <= 0 {
		cfg.PauseRecheck = 5 * time.Minute
	}

	return &Dispatcher{
		logger:      logger.With("component", "dispatch"),
		store:       store,
		campaigns:   deps.Campaigns,
		contacts:    deps.Contacts,
		enrollments: deps.Enrollments,
		templates:   deps.Templates,
		activities:  deps.Activities,
		messages:    deps.Messages,
		voice:       deps.Voice,
		speech:      deps.Speech,
		limiter:     deps.Limiter,
		messagePool: newPool("message", cfg.Message),
		voicePool:   newPool("voice", cfg.Voice),
		progress:    make(map[string]*JobProgress),
		cfg:         cfg,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the poll loop and the worker pools
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatcher",
		"message_workers", d.messagePool.workers,
		"voice_workers", d.voicePool.workers,
	)

	for _, p := range []*pool{d.messagePool, d.voicePool} {
		for i := 0; i < p.workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx, p, i)
		}
	}

	d.wg.Add(1)
	go d.pollLoop(ctx)
}

// Stop drains the pools and stops the dispatcher
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher")
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.messagePool.jobs)
	defer close(d.voicePool.jobs)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.drainReady(ctx)
		}
	}
}

// drainReady moves every currently-ready job into its channel pool
func (d *Dispatcher) drainReady(ctx context.Context) {
	for {
		job, err := d.store.Dequeue(ctx)
		if err != nil {
			d.logger.Error("failed to dequeue job", "error", err)
			return
		}
		if job == nil {
			return
		}

		p := d.poolFor(job)
		select {
		case p.jobs <- job:
		case <-d.stopCh:
			d.requeue(ctx, job)
			return
		case <-ctx.Done():
			d.requeue(ctx, job)
			return
		}
	}
}

func (d *Dispatcher) poolFor(job *queue.Job) *pool {
	if job.Channel == string(models.ChannelVoice) || job.Kind == queue.KindSynthesize {
		return d.voicePool
	}
	return d.messagePool
}

// requeue puts a dequeued job back so another pass can pick it up
func (d *Dispatcher) requeue(ctx context.Context, job *queue.Job) {
	job.Status = queue.StatusReady
	job.UpdatedAt = d.now()
	if err := d.store.Update(ctx, job); err != nil {
		d.logger.Error("failed to requeue job", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) worker(ctx context.Context, p *pool, id int) {
	defer d.wg.Done()

	logger := d.logger.With("pool", p.name, "worker_id", id)
	logger.Debug("worker started")

	for job := range p.jobs {
		d.process(ctx, logger, p, job)
	}

	logger.Debug("worker stopped")
}

func (d *Dispatcher) process(ctx context.Context, logger *slog.Logger, p *pool, job *queue.Job) {
	logger = logger.With("job_id", job.ID, "kind", job.Kind)

	d.trackStart(job)
	defer d.trackEnd(job.ID)

	var err error
	switch job.Kind {
	case queue.KindSendStep:
		err = d.handleSendStep(ctx, logger, p, job)
	case queue.KindSynthesize:
		err = d.handleSynthesize(ctx, job)
	default:
		logger.Warn("unknown job kind, discarding")
		d.finish(ctx, job)
		return
	}

	if err == nil {
		return
	}

	d.fail(ctx, logger, job, err)
}

// batchMember is one contact of a send job that passed every pre-send guard
type batchMember struct {
	enrollment *models.Enrollment
	contact    *models.Contact
}

func (d *Dispatcher) handleSendStep(ctx context.Context, logger *slog.Logger, p *pool, job *queue.Job) error {
	campaign, err := d.campaigns.GetByID(job.CampaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		d.finish(ctx, job)
		return nil
	}

	// Paused campaigns hold their jobs without consuming a retry. The job
	// comes back once the campaign resumes.
	if campaign.Status == models.CampaignPaused {
		d.hold(ctx, job, d.cfg.PauseRecheck)
		return nil
	}
	if campaign.Status != models.CampaignActive {
		logger.Info("campaign not active, discarding job", "status", campaign.Status)
		d.finish(ctx, job)
		return nil
	}

	tpl, err := d.templates.GetByID(job.TemplateID)
	if err != nil {
		return err
	}
	if tpl == nil {
		d.deadLetter(ctx, logger, job, fmt.Errorf("template %s not found", job.TemplateID))
		return nil
	}

	channel := models.ChannelType(job.Channel)
	if channel == models.ChannelVoice {
		return d.sendVoiceBatch(ctx, logger, p, job, tpl)
	}
	return d.sendMessageBatch(ctx, logger, p, job, tpl)
}

// screen runs the per-contact pre-send guards for one batch member. A nil
// return with nil error means the contact is skipped for this job; skips
// never fail the batch.
func (d *Dispatcher) screen(logger *slog.Logger, job *queue.Job, jc queue.JobContact, sentKind models.ActivityKind) (*batchMember, error) {
	enrollment, err := d.enrollments.GetByID(jc.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil || enrollment.Status.Terminal() {
		return nil, nil
	}
	if enrollment.Status == models.EnrollmentPaused {
		// A later batch picks the contact up after resume
		return nil, nil
	}

	// A sent activity for this (campaign, step, contact) means delivery
	// already happened; only the step pointer may still need the advance.
	exists, err := d.activities.SendExists(job.CampaignID, job.StepIndex, jc.ContactID, sentKind)
	if err != nil {
		return nil, err
	}
	if exists {
		d.advance(job, enrollment)
		return nil, nil
	}

	contact, err := d.contacts.GetByID(jc.ContactID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return nil, nil
	}
	if contact.DoNotContact || contact.Status == models.ContactUnsubscribed {
		logger.Debug("contact not contactable, skipping", "contact_id", contact.ID)
		return nil, nil
	}

	if err := validateRecipient(models.ChannelType(job.Channel), contact); err != nil {
		logger.Warn("invalid recipient, skipping", "contact_id", contact.ID, "error", err)
		metrics.IncSendsFailed(job.Channel, "invalid_recipient")
		return nil, nil
	}

	return &batchMember{enrollment: enrollment, contact: contact}, nil
}

// checkQuota consumes one send from the channel quota. A false return means
// the quota is exhausted and the job was parked until the window resets.
func (d *Dispatcher) checkQuota(ctx context.Context, logger *slog.Logger, job *queue.Job, channel models.ChannelType) (bool, error) {
	if d.limiter == nil {
		return true, nil
	}
	result, err := d.limiter.Allow(ctx, channel)
	if err != nil {
		return false, err
	}
	if result.Allowed {
		return true, nil
	}

	logger.Info("send quota exhausted, holding job",
		"denied_key", result.DeniedKey,
		"retry_after", result.RetryAfter,
	)
	metrics.IncQuotaExceeded(job.Channel)
	d.hold(ctx, job, result.RetryAfter)
	return false, nil
}

// sendMessageBatch delivers the job's batch one provider call per contact,
// paced by the pool's rate limiter. A failed contact never aborts the rest;
// a retryable provider error re-runs the job, where the sent-activity guard
// skips everyone already delivered.
func (d *Dispatcher) sendMessageBatch(ctx context.Context, logger *slog.Logger, p *pool, job *queue.Job, tpl *models.Template) error {
	sentKind := models.SentKind(models.ChannelType(job.Channel))

	var retryable error
	sent := 0

	for _, jc := range job.Contacts {
		m, err := d.screen(logger, job, jc, sentKind)
		if err != nil {
			return err
		}
		d.trackContact(job.ID)
		if m == nil {
			continue
		}

		ok, err := d.checkQuota(ctx, logger, job, models.ChannelType(job.Channel))
		if err != nil {
			return err
		}
		if !ok {
			// Job is parked; contacts already sent are guarded by their
			// activity records on the next run
			return nil
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		subject, body := template.RenderTemplate(tpl, m.contact)
		resp, err := d.messages.Send(ctx, &provider.MessageSendRequest{
			To:      m.contact.Email,
			Subject: subject,
			Body:    body,
		})
		if err != nil {
			logger.Warn("send failed", "contact_id", m.contact.ID, "error", err)
			if oerr.IsRetryable(err) {
				retryable = err
			} else {
				metrics.IncSendsFailed(job.Channel, "provider_error")
			}
			continue
		}

		d.recordSend(logger, job, m, sentKind, resp.MessageID)
		sent++
	}

	if sent > 0 {
		logger.Info("batch dispatched",
			"campaign_id", job.CampaignID,
			"step_index", job.StepIndex,
			"sent", sent,
			"batch_size", len(job.Contacts),
		)
	}

	if retryable != nil {
		return retryable
	}
	d.finish(ctx, job)
	return nil
}

// sendVoiceBatch delivers the job's batch as one bulk provider call. The
// shared session identifier is recorded on every member so status callbacks
// correlate back per phone number.
func (d *Dispatcher) sendVoiceBatch(ctx context.Context, logger *slog.Logger, p *pool, job *queue.Job, tpl *models.Template) error {
	sentKind := models.SentKind(models.ChannelType(job.Channel))

	audioURL := tpl.AudioURL
	if audioURL == "" && d.speech != nil {
		resp, err := d.speech.Synthesize(ctx, &provider.SynthesizeRequest{Text: tpl.Body})
		if err != nil {
			return err
		}
		audioURL = resp.AudioURL
		if err := d.templates.SetAudioURL(tpl.ID, audioURL); err != nil {
			logger.Error("failed to cache audio url", "template_id", tpl.ID, "error", err)
		}
	}

	var members []batchMember
	held := false

	for _, jc := range job.Contacts {
		m, err := d.screen(logger, job, jc, sentKind)
		if err != nil {
			return err
		}
		d.trackContact(job.ID)
		if m == nil {
			continue
		}

		ok, err := d.checkQuota(ctx, logger, job, models.ChannelType(job.Channel))
		if err != nil {
			return err
		}
		if !ok {
			// Send what the quota admitted; the parked job re-runs the rest
			held = true
			break
		}

		members = append(members, *m)
	}

	if len(members) == 0 {
		if !held {
			d.finish(ctx, job)
		}
		return nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	phones := make([]string, len(members))
	for i := range members {
		phones[i] = members[i].contact.Phone
	}

	resp, err := d.voice.SendBulk(ctx, &provider.VoiceCallRequest{
		Phones:   phones,
		AudioURL: audioURL,
		Script:   tpl.Body,
	})
	if err != nil {
		return err
	}

	for i := range members {
		d.recordSend(logger, job, &members[i], sentKind, resp.SessionID)
	}

	logger.Info("voice batch dispatched",
		"campaign_id", job.CampaignID,
		"step_index", job.StepIndex,
		"sent", len(members),
		"batch_size", len(job.Contacts),
		"session_id", resp.SessionID,
	)

	if !held {
		d.finish(ctx, job)
	}
	return nil
}

// recordSend writes the sent activity, advances the enrollment, and bumps
// the counters for one delivered contact
func (d *Dispatcher) recordSend(logger *slog.Logger, job *queue.Job, m *batchMember, sentKind models.ActivityKind, providerID string) {
	activity := &models.Activity{
		ContactID:  m.contact.ID,
		CampaignID: job.CampaignID,
		Kind:       sentKind,
		StepIndex:  job.StepIndex,
		ProviderID: providerID,
	}
	if err := d.activities.Create(activity); err != nil {
		// The send went out; losing the record would re-send on retry, so
		// the error surfaces loudly instead of requeueing.
		logger.Error("send succeeded but activity record failed", "contact_id", m.contact.ID, "error", err)
	}

	d.advance(job, m.enrollment)

	counter := "messages_sent"
	if models.ChannelType(job.Channel) == models.ChannelVoice {
		counter = "voice_sent"
	}
	if err := d.enrollments.IncrementCounter(m.enrollment.ID, counter); err != nil {
		logger.Error("failed to increment enrollment counter", "error", err)
	}
	if err := d.campaigns.IncrementCounter(job.CampaignID, "total_sent"); err != nil {
		logger.Error("failed to increment campaign counter", "error", err)
	}

	metrics.IncSends(job.Channel)
}

// handleSynthesize pre-renders a voice template's audio so later calls reuse
// the cached asset
func (d *Dispatcher) handleSynthesize(ctx context.Context, job *queue.Job) error {
	tpl, err := d.templates.GetByID(job.TemplateID)
	if err != nil {
		return err
	}
	if tpl == nil {
		d.finish(ctx, job)
		return nil
	}

	if tpl.AudioURL != "" || d.speech == nil {
		d.finish(ctx, job)
		return nil
	}

	resp, err := d.speech.Synthesize(ctx, &provider.SynthesizeRequest{Text: tpl.Body})
	if err != nil {
		return err
	}
	if err := d.templates.SetAudioURL(tpl.ID, resp.AudioURL); err != nil {
		return err
	}

	d.finish(ctx, job)
	return nil
}

// advance moves the enrollment's step pointer past the step this job sent.
// A false return means another worker already advanced it.
func (d *Dispatcher) advance(job *queue.Job, enrollment *models.Enrollment) {
	ok, err := d.enrollments.AdvanceStep(enrollment.ID, job.StepIndex-1, job.StepIndex)
	if err != nil {
		d.logger.Error("failed to advance enrollment", "enrollment_id", enrollment.ID, "error", err)
		return
	}
	if !ok {
		d.logger.Debug("enrollment already advanced", "enrollment_id", enrollment.ID, "step", job.StepIndex)
	}
}

func (d *Dispatcher) finish(ctx context.Context, job *queue.Job) {
	job.Status = queue.StatusDone
	job.UpdatedAt = d.now()
	if err := d.store.Update(ctx, job); err != nil {
		d.logger.Error("failed to mark job done", "job_id", job.ID, "error", err)
	}
}

// hold parks a job without consuming a retry
func (d *Dispatcher) hold(ctx context.Context, job *queue.Job, delay time.Duration) {
	if delay <= 0 {
		delay = d.cfg.PauseRecheck
	}
	job.Status = queue.StatusDelayed
	job.NextRetryAt = d.now().Add(delay)
	job.UpdatedAt = d.now()
	if err := d.store.Update(ctx, job); err != nil {
		d.logger.Error("failed to hold job", "job_id", job.ID, "error", err)
	}
}

// fail applies the retry policy to a job whose handler returned an error
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error) {
	logger.Warn("job failed", "error", cause, "retry_count", job.RetryCount)

	job.RetryCount++
	job.LastError = cause.Error()
	job.UpdatedAt = d.now()

	if oerr.IsRetryable(cause) && job.RetryCount < d.cfg.MaxRetries {
		backoff := d.calculateBackoff(job.RetryCount)
		job.Status = queue.StatusDelayed
		job.NextRetryAt = d.now().Add(backoff)

		metrics.IncSendsDeferred(job.Channel)
		logger.Info("job deferred",
			"retry_count", job.RetryCount,
			"next_retry_at", job.NextRetryAt,
			"backoff", backoff,
		)

		if err := d.store.Update(ctx, job); err != nil {
			logger.Error("failed to defer job", "error", err)
		}
		return
	}

	metrics.IncSendsFailed(job.Channel, "provider_error")
	d.deadLetter(ctx, logger, job, cause)
}

// deadLetter moves a permanently failed job to the DLQ
func (d *Dispatcher) deadLetter(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error) {
	job.Status = queue.StatusFailed
	job.LastError = cause.Error()
	job.UpdatedAt = d.now()

	logger.Error("job failed permanently",
		"retry_count", job.RetryCount,
		"error", cause,
	)

	if err := d.store.MoveToDLQ(ctx, job); err != nil {
		logger.Error("failed to move job to dead letter queue", "error", err)
	}
}

// calculateBackoff returns the exponential retry delay for the given attempt
func (d *Dispatcher) calculateBackoff(retryCount int) time.Duration {
	multiplier := 1 << (retryCount - 1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * d.cfg.RetryDelay
	if backoff > d.cfg.MaxRetryDelay {
		return d.cfg.MaxRetryDelay
	}
	return backoff
}

// validateRecipient checks the contact has a usable address for the channel
func validateRecipient(channel models.ChannelType, contact *models.Contact) error {
	if channel == models.ChannelVoice {
		if !validUSPhone(contact.Phone) {
			return &oerr.ValidationError{Field: "phone", Reason: fmt.Sprintf("not a dialable number: %q", contact.Phone)}
		}
		return nil
	}
	if !emailPattern.MatchString(contact.Email) {
		return &oerr.ValidationError{Field: "email", Reason: fmt.Sprintf("not a deliverable address: %q", contact.Email)}
	}
	return nil
}
