// Package orchestrator runs one scrape job with nested bounded concurrency
// over towns, industries, and provider lookups.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leadscout/leadscout/internal/joblog"
	"github.com/leadscout/leadscout/internal/scrape"
)

// ErrStopped is returned by Run when the job was stopped cooperatively.
var ErrStopped = errors.New("job stopped")

// ProgressFunc receives progress updates as towns complete. It must not
// block; it is called from the town goroutines.
type ProgressFunc func(progress int, state scrape.State)

// Orchestrator owns the lifecycle of a single job. It does not know about
// other jobs; system-wide admission is the queue manager's concern.
type Orchestrator struct {
	towns      []string
	industries []string
	cfg        scrape.Config
	source     scrape.Source
	log        *joblog.Manager
	clock      scrape.Clock
	onProgress ProgressFunc

	mu       sync.Mutex
	status   scrape.Status
	progress int
	state    scrape.State
	results  []scrape.Business
	paused   bool
	resumeCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}

	doneOnce sync.Once
	doneCh   chan struct{}
}

// New constructs an Orchestrator in idle state.
func New(
	towns []string,
	industries []string,
	cfg scrape.Config,
	source scrape.Source,
	log *joblog.Manager,
	clock scrape.Clock,
	onProgress ProgressFunc,
) *Orchestrator {
	if log == nil {
		log = joblog.New("", zap.NewNop())
	}
	return &Orchestrator{
		towns:      towns,
		industries: industries,
		cfg:        cfg,
		source:     source,
		log:        log,
		clock:      clock,
		onProgress: onProgress,
		status:     scrape.StatusQueued,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Done returns the one-shot completion signal. It is closed exactly once,
// when the job reaches a terminal status; observers pull results separately.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.doneCh
}

// Status returns the current lifecycle status.
func (o *Orchestrator) Status() scrape.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Progress returns completed towns as a percentage of total towns.
func (o *Orchestrator) Progress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// State returns the resumability checkpoint.
func (o *Orchestrator) State() scrape.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state
	st.CompletedTowns = append([]string(nil), o.state.CompletedTowns...)
	return st
}

// Results returns a copy of the businesses gathered so far. Safe to call
// while the job is running, paused, or after it finished.
func (o *Orchestrator) Results() []scrape.Business {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]scrape.Business, len(o.results))
	copy(out, o.results)
	return out
}

// Log exposes the job's logging manager.
func (o *Orchestrator) Log() *joblog.Manager {
	return o.log
}

// Summary builds the terminal summary from the current counters.
func (o *Orchestrator) Summary() scrape.Summary {
	now := o.clock.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	started := o.log.StartedAt()
	return scrape.Summary{
		Businesses:     len(o.results),
		Errors:         o.log.ErrorCount(),
		TownsCompleted: len(o.state.CompletedTowns),
		StartedAt:      started,
		FinishedAt:     now,
		DurationMs:     now.Sub(started).Milliseconds(),
	}
}

// Pause requests cooperative suspension. It takes effect at the next
// town/industry boundary; in-flight lookups are never torn.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused || o.status.Terminal() {
		return
	}
	o.paused = true
	o.resumeCh = make(chan struct{})
	if o.status == scrape.StatusRunning {
		o.status = scrape.StatusPaused
	}
}

// Resume lifts a pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.paused {
		return
	}
	o.paused = false
	close(o.resumeCh)
	if o.status == scrape.StatusPaused {
		o.status = scrape.StatusRunning
	}
}

// Stop requests cancellation. In-flight lookups finish; no further units are
// scheduled. Results gathered so far are retained.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
}

func (o *Orchestrator) stopRequested() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// waitIfPaused blocks at a pause boundary until resumed, stopped, or the
// context ends.
func (o *Orchestrator) waitIfPaused(ctx context.Context) error {
	for {
		o.mu.Lock()
		if !o.paused {
			o.mu.Unlock()
			return nil
		}
		resume := o.resumeCh
		o.mu.Unlock()
		select {
		case <-resume:
		case <-o.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run executes the job and returns when it reaches a terminal status. The
// returned error is non-nil only for the error terminal state; stop and
// completion both return nil. The completion signal fires in every case.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.status = scrape.StatusRunning
	o.mu.Unlock()
	o.log.Start(o.clock.Now())
	defer o.doneOnce.Do(func() { close(o.doneCh) })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SimultaneousTowns)

scheduling:
	for i, town := range o.towns {
		if err := o.waitIfPaused(gctx); err != nil {
			break scheduling
		}
		if o.stopRequested() || gctx.Err() != nil {
			break scheduling
		}
		o.mu.Lock()
		o.state.TownIndex = i
		o.mu.Unlock()
		g.Go(func() error {
			return o.scrapeTown(gctx, town)
		})
	}

	err := g.Wait()
	return o.finish(err)
}

func (o *Orchestrator) finish(err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.stopRequested():
		o.status = scrape.StatusStopped
		return nil
	case err != nil:
		o.status = scrape.StatusError
		return err
	default:
		o.status = scrape.StatusCompleted
		return nil
	}
}

// scrapeTown runs all industry units for one town, bounded by the industry
// cap, then folds the town into progress accounting.
func (o *Orchestrator) scrapeTown(ctx context.Context, town string) error {
	units := o.industries
	if len(units) == 0 {
		// Direct business search: a single unit with no industry filter.
		units = []string{""}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SimultaneousIndustries)

	for i, industry := range units {
		if err := o.waitIfPaused(gctx); err != nil {
			break
		}
		if o.stopRequested() || gctx.Err() != nil {
			break
		}
		o.mu.Lock()
		o.state.IndustryIndex = i
		o.mu.Unlock()
		g.Go(func() error {
			return o.scrapeIndustry(gctx, town, industry)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if o.stopRequested() {
		return nil
	}
	o.completeTown(town)
	return nil
}

// scrapeIndustry is one unit of work: a business search followed by bounded
// provider-lookup fan-out. A search failure is job-fatal; lookup failures
// are absorbed and counted.
func (o *Orchestrator) scrapeIndustry(ctx context.Context, town, industry string) error {
	businesses, err := o.source.SearchBusinesses(ctx, town, industry)
	if err != nil {
		return fmt.Errorf("search businesses town=%q industry=%q: %w", town, industry, err)
	}

	if !o.cfg.EnableProviderLookup {
		o.appendResults(businesses)
		return nil
	}

	sem := make(chan struct{}, o.cfg.SimultaneousLookups)
	var wg sync.WaitGroup
	enriched := make([]scrape.Business, len(businesses))
	for i, b := range businesses {
		if o.stopRequested() {
			// Keep the un-enriched remainder so stop never loses records.
			enriched[i] = b
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			enriched[i] = b
			continue
		}
		wg.Add(1)
		go func(i int, b scrape.Business) {
			defer wg.Done()
			defer func() { <-sem }()
			enriched[i] = o.lookup(ctx, town, industry, b)
		}(i, b)
	}
	wg.Wait()
	o.appendResults(enriched)
	return nil
}

func (o *Orchestrator) lookup(ctx context.Context, town, industry string, b scrape.Business) scrape.Business {
	out, err := o.source.LookupProvider(ctx, b)
	if err != nil {
		o.log.RecordError(town, industry, b.Name, err)
		return b
	}
	return out
}

func (o *Orchestrator) appendResults(businesses []scrape.Business) {
	if len(businesses) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, businesses...)
}

// completeTown marks the town done and recomputes progress. Progress only
// moves forward: all work for a town is folded in before it counts.
func (o *Orchestrator) completeTown(town string) {
	o.mu.Lock()
	o.state.CompletedTowns = append(o.state.CompletedTowns, town)
	completed := len(o.state.CompletedTowns)
	total := len(o.towns)
	if total > 0 {
		o.progress = completed * 100 / total
	}
	progress := o.progress
	state := o.state
	state.CompletedTowns = append([]string(nil), o.state.CompletedTowns...)
	cb := o.onProgress
	o.mu.Unlock()

	o.log.Logger().Debug("town completed",
		zap.String("town", town),
		zap.Int("progress", progress),
	)
	if cb != nil {
		cb(progress, state)
	}
}

// Elapsed reports wall time since the job started.
func (o *Orchestrator) Elapsed() time.Duration {
	return o.log.Elapsed(o.clock.Now())
}
