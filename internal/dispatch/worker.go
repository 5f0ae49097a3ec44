// Package dispatch implements the worker pool that drains the job queue:
// claim, rate limit, compose, send and finalize, plus the reaper that keeps
// retrying and orphaned jobs moving.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bizjournal/internal/config"
	"bizjournal/internal/ratelimit"
	"bizjournal/internal/types"
)

// JobQueue is the subset of the job repository a worker drives.
type JobQueue interface {
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*types.Job, error)
	Complete(ctx context.Context, job *types.Job, outcome types.DeliveryOutcome, now time.Time) error
	Fail(ctx context.Context, job *types.Job, lastErr string, now time.Time) error
	Retry(ctx context.Context, job *types.Job, lastErr string, nextAt, now time.Time) error
	Defer(ctx context.Context, job *types.Job, reason string, until, now time.Time) error
}

// Ledger reads and finalizes dedup ledger rows. Get returns nil for an
// unclaimed key.
type Ledger interface {
	Get(ctx context.Context, key types.DeliveryKey) (*types.DeliveryRecord, error)
	SetOutcome(ctx context.Context, key types.DeliveryKey, jobID string, outcome types.DeliveryOutcome, now time.Time) error
}

// RateLimiter takes from several counters, stopping at the first denial.
type RateLimiter interface {
	AcquireAll(ctx context.Context, reqs ...ratelimit.Request) (ratelimit.Decision, error)
}

// Recorder receives one analytics event per attempt outcome.
type Recorder interface {
	Record(ctx context.Context, e types.AnalyticsEvent)
}

// HeartbeatStore persists worker liveness.
type HeartbeatStore interface {
	Heartbeat(ctx context.Context, status types.WorkerStatus) error
}

// Deps bundles the collaborators shared by every worker in a pool.
type Deps struct {
	Queue      JobQueue
	Ledger     Ledger
	Limiter    RateLimiter // optional
	Composer   types.DigestComposer
	Mailer     types.Mailer
	Recorder   Recorder // optional
	Heartbeats HeartbeatStore
	Clock      types.Clock
}

// Config tunes the pool.
type Config struct {
	PoolSize          int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReaperInterval    time.Duration
	JobTimeout        time.Duration
	Backoff           BackoffPolicy
	From              types.SenderIdentity
}

// ConfigFrom builds a pool Config from the service configuration.
func ConfigFrom(w config.WorkerConfig, email config.EmailConfig) Config {
	return Config{
		PoolSize:          w.PoolSize,
		PollInterval:      w.PollInterval,
		HeartbeatInterval: w.HeartbeatInterval,
		HeartbeatTimeout:  w.HeartbeatTimeout,
		ReaperInterval:    w.ReaperInterval,
		JobTimeout:        w.JobTimeout,
		Backoff: BackoffPolicy{
			Base:   w.BackoffBase,
			Max:    w.BackoffMax,
			Factor: 2.0,
		},
		From: types.SenderIdentity{Address: email.FromAddress, Name: email.FromName},
	}
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 30 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max <= 0 {
		c.Backoff = DefaultBackoffPolicy
	}
	return c
}

// Worker processes one job at a time.
type Worker struct {
	id     string
	deps   Deps
	cfg    Config
	clock  types.Clock
	logger *slog.Logger

	mu          sync.Mutex
	state       types.WorkerState
	currentJob  *string
	processed   int
	processedOn string
}

// NewWorker creates a worker identified by id.
func NewWorker(id string, deps Deps, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg.withDefaults(),
		clock:  clock,
		logger: logger.With("worker_id", id),
		state:  types.WorkerStateIdle,
	}
}

// ID returns the worker id used for claims and heartbeats.
func (w *Worker) ID() string { return w.id }

// Run claims and processes jobs until ctx is cancelled. A job already
// claimed when ctx is cancelled is finished first.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.PollInterval)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "worker iteration failed", "error", err)
			w.setState(types.WorkerStateError)
		}
		if processed && err == nil {
			continue
		}

		timer.Reset(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// ProcessOne claims the next due job and drives it to a terminal, retrying
// or deferred state. It reports whether a job was claimed. The returned
// error is a store failure; delivery failures are recorded on the job.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.deps.Queue.ClaimNext(ctx, w.id, w.clock.Now())
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		w.setState(types.WorkerStateIdle)
		return false, nil
	}

	w.begin(job.ID)
	defer w.end()

	jobCtx := types.WithWorkerID(context.WithoutCancel(ctx), w.id)
	return true, w.process(jobCtx, job)
}

func (w *Worker) process(ctx context.Context, job *types.Job) error {
	log := w.logger.With("job_id", job.ID, "user_id", job.UserID, "job_type", string(job.Type))

	key, hasKey := job.DeliveryKey()
	if hasKey {
		rec, err := w.deps.Ledger.Get(ctx, key)
		if err != nil {
			return w.handleFailure(ctx, log, job, err)
		}
		if rec != nil && rec.Outcome == types.OutcomeSent {
			if err := w.deps.Queue.Complete(ctx, job, types.OutcomeSent, w.clock.Now()); err != nil {
				return fmt.Errorf("complete already-sent job %s: %w", job.ID, err)
			}
			log.InfoContext(ctx, "delivery already sent, completing without resend", "key", key.String())
			w.record(ctx, job, types.AnalyticsDuplicate, key.String())
			return nil
		}
	}

	deferred, err := w.acquire(ctx, log, job,
		ratelimit.Request{LimitType: types.LimitUserDaily, Subject: job.UserID, Cost: 1},
		ratelimit.Request{LimitType: types.LimitUserHourly, Subject: job.UserID, Cost: 1},
		ratelimit.Request{LimitType: types.LimitGlobalHourly, Cost: 1},
		ratelimit.Request{LimitType: types.LimitExternalAPI, Subject: ratelimit.SubjectComposer, Cost: 1},
	)
	if err != nil || deferred {
		return err
	}

	content, err := w.compose(ctx, job)
	if err != nil {
		return w.handleFailure(ctx, log, job, err)
	}
	if content == nil {
		if err := w.deps.Queue.Complete(ctx, job, types.OutcomeSkipped, w.clock.Now()); err != nil {
			return fmt.Errorf("complete skipped job %s: %w", job.ID, err)
		}
		log.InfoContext(ctx, "composer returned no content")
		w.record(ctx, job, types.AnalyticsSkipped, "")
		return nil
	}

	deferred, err = w.acquire(ctx, log, job,
		ratelimit.Request{LimitType: types.LimitExternalAPI, Subject: ratelimit.SubjectMailer, Cost: 1},
	)
	if err != nil || deferred {
		return err
	}

	msgID, err := w.send(ctx, job, content)
	if err != nil {
		return w.handleFailure(ctx, log, job, err)
	}

	now := w.clock.Now()
	if err := w.deps.Queue.Complete(ctx, job, types.OutcomeSent, now); err != nil {
		// The message is out. Record it in the ledger so a reclaimed copy of
		// this job completes without sending again.
		if hasKey {
			if lerr := w.deps.Ledger.SetOutcome(ctx, key, job.ID, types.OutcomeSent, now); lerr != nil {
				err = errors.Join(err, lerr)
			}
		}
		w.record(ctx, job, types.AnalyticsSent, msgID)
		return fmt.Errorf("complete sent job %s: %w", job.ID, err)
	}

	log.InfoContext(ctx, "delivery sent", "provider_message_id", msgID, "retry_count", job.RetryCount)
	w.record(ctx, job, types.AnalyticsSent, msgID)
	return nil
}

// acquire takes rate limit budget. On denial the job is deferred to the
// window reset and deferred is true.
func (w *Worker) acquire(ctx context.Context, log *slog.Logger, job *types.Job, reqs ...ratelimit.Request) (deferred bool, err error) {
	if w.deps.Limiter == nil {
		return false, nil
	}
	d, err := w.deps.Limiter.AcquireAll(ctx, reqs...)
	if err != nil {
		return true, w.handleFailure(ctx, log, job, err)
	}
	if d.Allowed {
		return false, nil
	}

	now := w.clock.Now()
	until := d.ResetAt
	if !until.After(now) {
		until = now.Add(w.cfg.PollInterval)
	}
	if err := w.deps.Queue.Defer(ctx, job, "rate_limited: "+d.Key, until, now); err != nil {
		return true, fmt.Errorf("defer job %s: %w", job.ID, err)
	}
	log.WarnContext(ctx, "delivery deferred by rate limit", "limit_key", d.Key, "until", until)
	w.record(ctx, job, types.AnalyticsRateLimited, d.Key)
	return true, nil
}

func (w *Worker) compose(ctx context.Context, job *types.Job) (*types.Content, error) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	day := job.ScheduledFor.UTC().Format(types.DayLayout)
	if job.DedupDay != nil {
		day = *job.DedupDay
	}
	return w.deps.Composer.Compose(cctx, types.ComposeRequest{
		UserID:       job.UserID,
		JobType:      job.Type,
		Day:          day,
		ContentFlags: job.ContentFlags,
		IsTest:       job.IsTest,
	})
}

func (w *Worker) send(ctx context.Context, job *types.Job, content *types.Content) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	return w.deps.Mailer.Send(sctx, types.SendInput{
		To:          job.Address,
		From:        w.cfg.From,
		Subject:     content.Subject,
		HTMLBody:    content.HTMLBody,
		TextBody:    content.TextBody,
		ReferenceID: job.ID,
	})
}

// handleFailure retries transient failures while budget remains and fails
// the job otherwise.
func (w *Worker) handleFailure(ctx context.Context, log *slog.Logger, job *types.Job, attemptErr error) error {
	now := w.clock.Now()
	msg := attemptErr.Error()
	class := Classify(attemptErr)

	if class == Transient && job.RetryCount < job.MaxRetries {
		delay := NextRetry(w.cfg.Backoff, job.RetryCount)
		if err := w.deps.Queue.Retry(ctx, job, msg, now.Add(delay), now); err != nil {
			return fmt.Errorf("retry job %s: %w", job.ID, err)
		}
		log.WarnContext(ctx, "delivery attempt failed, retrying",
			"error", attemptErr,
			"retry_count", job.RetryCount+1,
			"max_retries", job.MaxRetries,
			"delay", delay,
		)
		w.record(ctx, job, types.AnalyticsRetrying, msg)
		return nil
	}

	if class == Transient {
		msg = fmt.Sprintf("retries exhausted after %d attempts: %s", job.RetryCount+1, msg)
	}
	if err := w.deps.Queue.Fail(ctx, job, msg, now); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	log.ErrorContext(ctx, "delivery failed",
		"error", attemptErr,
		"class", class.String(),
		"error_code", string(types.CodeOf(attemptErr)),
	)
	w.record(ctx, job, types.AnalyticsFailed, msg)
	return nil
}

func (w *Worker) record(ctx context.Context, job *types.Job, outcome types.AnalyticsOutcome, detail string) {
	if w.deps.Recorder == nil {
		return
	}
	w.deps.Recorder.Record(ctx, types.AnalyticsEvent{
		UserID:    job.UserID,
		JobID:     job.ID,
		JobType:   job.Type,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: w.clock.Now(),
	})
}

func (w *Worker) begin(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = types.WorkerStateActive
	id := jobID
	w.currentJob = &id
}

func (w *Worker) end() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollDay(w.clock.Now())
	w.processed++
	w.currentJob = nil
	w.state = types.WorkerStateIdle
}

func (w *Worker) setState(s types.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// rollDay resets the daily counter when the UTC day changes. Caller holds mu.
func (w *Worker) rollDay(now time.Time) {
	day := now.UTC().Format(types.DayLayout)
	if w.processedOn != day {
		w.processedOn = day
		w.processed = 0
	}
}

// Status returns the worker's current heartbeat row.
func (w *Worker) Status() types.WorkerStatus {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollDay(now)

	var current *string
	if w.currentJob != nil {
		id := *w.currentJob
		current = &id
	}
	return types.WorkerStatus{
		WorkerID:           w.id,
		State:              w.state,
		CurrentJobID:       current,
		LastHeartbeat:      now,
		JobsProcessedToday: w.processed,
		ProcessedOn:        w.processedOn,
	}
}

// Heartbeat persists the worker's status.
func (w *Worker) Heartbeat(ctx context.Context) error {
	if err := w.deps.Heartbeats.Heartbeat(ctx, w.Status()); err != nil {
		return fmt.Errorf("heartbeat %s: %w", w.id, err)
	}
	return nil
}

// RunHeartbeats reports liveness every HeartbeatInterval until ctx is
// cancelled, then reports the worker stopped.
func (w *Worker) RunHeartbeats(ctx context.Context) error {
	if err := w.Heartbeat(ctx); err != nil {
		w.logger.WarnContext(ctx, "heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return w.stop(ctx)
		case <-ticker.C:
			if err := w.Heartbeat(ctx); err != nil {
				w.logger.WarnContext(ctx, "heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) stop(ctx context.Context) error {
	w.setState(types.WorkerStateStopped)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.Heartbeat(sctx); err != nil {
		w.logger.WarnContext(sctx, "final heartbeat failed", "error", err)
	}
	return nil
}
