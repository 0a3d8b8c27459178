// Package runner coordinates job admission, execution, and the completion
// cascade across the queue manager and session registry.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadscout/leadscout/internal/joblog"
	"github.com/leadscout/leadscout/internal/metrics"
	"github.com/leadscout/leadscout/internal/orchestrator"
	"github.com/leadscout/leadscout/internal/queue"
	"github.com/leadscout/leadscout/internal/scrape"
	"github.com/leadscout/leadscout/internal/session"
)

// Config controls Coordinator behavior.
type Config struct {
	// Topic is the completion-event topic; empty disables publishing.
	Topic string
}

// SubmitRequest is a validated job submission.
type SubmitRequest struct {
	UserID     string
	Towns      []string
	Industries []string
	Config     scrape.Config
}

// SubmitResult reports how a submission was admitted.
type SubmitResult struct {
	SessionID string
	Started   bool
	Placement scrape.Placement
}

// Coordinator owns the session registry, the queue manager's admission
// decisions, and the per-job completion handling. It is constructed once per
// process and passed by reference to request handlers.
type Coordinator struct {
	queue     *queue.Manager
	registry  *session.Registry
	jobs      scrape.JobStore
	results   scrape.BusinessStore
	source    scrape.Source
	publisher scrape.Publisher
	clock     scrape.Clock
	idGen     scrape.IDGenerator
	cfg       Config
	logger    *zap.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// New constructs a Coordinator. baseCtx bounds all job execution; cancel it
// to stop accepting work during shutdown.
func New(
	baseCtx context.Context,
	qm *queue.Manager,
	registry *session.Registry,
	jobs scrape.JobStore,
	results scrape.BusinessStore,
	source scrape.Source,
	publisher scrape.Publisher,
	clock scrape.Clock,
	idGen scrape.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		queue:     qm,
		registry:  registry,
		jobs:      jobs,
		results:   results,
		source:    source,
		publisher: publisher,
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
		baseCtx:   baseCtx,
	}
}

// Registry exposes the session registry for control handlers.
func (c *Coordinator) Registry() *session.Registry {
	return c.registry
}

// Queue exposes the queue manager for status reads.
func (c *Coordinator) Queue() *queue.Manager {
	return c.queue
}

// Submit admits a job: it either starts executing immediately or joins the
// FIFO waiting list. The admission decision and the enqueue are one critical
// section inside the queue manager.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if len(req.Towns) == 0 {
		return SubmitResult{}, errors.New("at least one town required")
	}
	if err := req.Config.Validate(); err != nil {
		return SubmitResult{}, fmt.Errorf("validate config: %w", err)
	}

	sessionID, err := c.idGen.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate session id: %w", err)
	}
	now := c.clock.Now()
	item := scrape.QueueItem{
		JobID:      sessionID,
		UserID:     req.UserID,
		Towns:      req.Towns,
		Industries: req.Industries,
		Config:     req.Config,
		EnqueuedAt: now,
	}

	started, placement, err := c.queue.AdmitOrEnqueue(ctx, item)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("admit job: %w", err)
	}

	job := scrape.Job{
		ID:         sessionID,
		UserID:     req.UserID,
		Name:       scrape.JobName(req.Towns, req.Industries),
		Towns:      req.Towns,
		Industries: req.Industries,
		Config:     req.Config,
		Status:     scrape.StatusQueued,
		Submitted:  now,
	}
	if started {
		job.Status = scrape.StatusRunning
		job.Started = &now
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		// Release the slot so a failed persist cannot wedge admissions.
		c.queue.MarkCompleted(sessionID)
		c.queue.Remove(sessionID)
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}

	if !started {
		c.recordActivity(ctx, sessionID, scrape.ActivityQueued,
			fmt.Sprintf("position %d", placement.Position))
		metrics.SetQueueDepth(c.queue.Depth())
		return SubmitResult{SessionID: sessionID, Placement: placement}, nil
	}

	c.recordActivity(ctx, sessionID, scrape.ActivityStarted, "")
	c.startJob(item)
	return SubmitResult{SessionID: sessionID, Started: true}, nil
}

// startJob constructs the orchestrator, registers the session handle, and
// launches the execution goroutine. The caller must already hold the
// execution slot for item.JobID.
func (c *Coordinator) startJob(item scrape.QueueItem) {
	orc := c.newOrchestrator(item)
	c.registry.Set(item.JobID, &session.Handle{
		Orc:       orc,
		Done:      orc.Done(),
		CreatedAt: c.clock.Now(),
	})
	metrics.JobStarted()
	c.wg.Add(1)
	go c.runJob(item, orc)
}

func (c *Coordinator) newOrchestrator(item scrape.QueueItem) *orchestrator.Orchestrator {
	log := joblog.New(item.JobID, c.logger)
	onProgress := func(progress int, state scrape.State) {
		// Progress persistence is best effort; the batch save is canonical.
		ctx, cancel := context.WithTimeout(c.baseCtx, 5*time.Second)
		defer cancel()
		if err := c.jobs.UpdateProgress(ctx, item.JobID, progress, state); err != nil {
			log.Logger().Warn("persist progress failed", zap.Error(err))
		}
	}
	return orchestrator.New(item.Towns, item.Industries, item.Config, c.source, log, c.clock, onProgress)
}

// runJob executes jobs one after another: when the current job finishes, its
// results are persisted and the next queued job (if any) is started in the
// same loop. The cascade is a drain loop, never recursion, so arbitrarily
// long queues cannot grow the call stack.
func (c *Coordinator) runJob(item scrape.QueueItem, orc *orchestrator.Orchestrator) {
	defer c.wg.Done()
	for {
		runErr := orc.Run(c.baseCtx)
		c.completeJob(item, orc, runErr)

		next, ok := c.nextStartable()
		if !ok {
			return
		}
		item = next
		orc = c.newOrchestrator(item)
		c.registry.Set(item.JobID, &session.Handle{
			Orc:       orc,
			Done:      orc.Done(),
			CreatedAt: c.clock.Now(),
		})
		metrics.JobStarted()
	}
}

// nextStartable dequeues until it finds a job whose running transition
// persists, skipping (and releasing) any that fail to start. A failed start
// must never stall the queue.
func (c *Coordinator) nextStartable() (scrape.QueueItem, bool) {
	for {
		next, ok := c.queue.ProcessNext()
		if !ok {
			return scrape.QueueItem{}, false
		}
		metrics.SetQueueDepth(c.queue.Depth())
		if err := c.promoteQueuedJob(next); err != nil {
			c.logger.Error("promote queued job failed",
				zap.String("session_id", next.JobID),
				zap.Error(err),
			)
			c.queue.MarkCompleted(next.JobID)
			continue
		}
		return next, true
	}
}

func (c *Coordinator) promoteQueuedJob(item scrape.QueueItem) error {
	ctx, cancel := context.WithTimeout(c.baseCtx, 10*time.Second)
	defer cancel()
	if err := c.jobs.UpdateJobStatus(ctx, item.JobID, scrape.StatusRunning, ""); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	c.recordActivity(ctx, item.JobID, scrape.ActivityStarted, "from queue")
	return nil
}

// completeJob persists the finished job's results, publishes the completion
// event, and releases the execution slot.
func (c *Coordinator) completeJob(item scrape.QueueItem, orc *orchestrator.Orchestrator, runErr error) {
	status := orc.Status()
	summary := orc.Summary()
	logger := c.logger.With(
		zap.String("session_id", item.JobID),
		zap.String("status", string(status)),
	)

	ctx, cancel := context.WithTimeout(c.baseCtx, 30*time.Second)
	defer cancel()

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if err := c.results.SaveResults(ctx, item.JobID, orc.Results(), summary, status); err != nil {
		// Rolled back: the job row keeps its prior status so a manual save
		// can recover the in-memory results. The cascade still proceeds.
		logger.Error("batch persistence failed", zap.Error(err))
	} else if errText != "" {
		if err := c.jobs.UpdateJobStatus(ctx, item.JobID, status, errText); err != nil {
			logger.Warn("record job error text failed", zap.Error(err))
		}
	}

	c.recordActivity(ctx, item.JobID, activityFor(status), errText)
	c.registry.MarkComplete(item.JobID)
	metrics.JobCompleted(string(status), summary.Businesses, summary.Errors)
	c.publishCompletion(ctx, item.JobID, status, summary, logger)

	// Release the slot only after persistence so the next job can never
	// overlap with this one against the external source.
	c.queue.MarkCompleted(item.JobID)

	logger.Info("job finished",
		zap.Int("businesses", summary.Businesses),
		zap.Int("errors", summary.Errors),
		zap.Int("towns_completed", summary.TownsCompleted),
		zap.Int64("duration_ms", summary.DurationMs),
	)
}

func (c *Coordinator) publishCompletion(
	ctx context.Context,
	sessionID string,
	status scrape.Status,
	summary scrape.Summary,
	logger *zap.Logger,
) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	event := scrape.CompletionEvent{
		SessionID:  sessionID,
		Status:     status,
		Businesses: summary.Businesses,
		Errors:     summary.Errors,
		DurationMs: summary.DurationMs,
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, event); err != nil {
		logger.Warn("publish completion event failed", zap.Error(err))
	}
}

func (c *Coordinator) recordActivity(ctx context.Context, jobID, event, detail string) {
	if err := c.jobs.RecordActivity(ctx, jobID, event, detail); err != nil {
		c.logger.Warn("record activity failed",
			zap.String("session_id", jobID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func activityFor(status scrape.Status) string {
	switch status {
	case scrape.StatusStopped:
		return scrape.ActivityStopped
	case scrape.StatusError:
		return scrape.ActivityError
	default:
		return scrape.ActivityCompleted
	}
}

// Shutdown stops all running jobs cooperatively and waits for their
// completion handlers, or until ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for _, id := range c.registry.IDs() {
		if h, ok := c.registry.Get(id); ok && !h.Completed() {
			h.Orc.Stop()
		}
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
	}
}
