// Package orchestrator runs the scan and drain loops that tie the
// queue, governor, coordinator, extractor and composer together. It is
// thin glue: every decision of substance lives in the components it
// wires up.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PeterMinsch/gem-approval/pkg/bot/composer"
	"github.com/PeterMinsch/gem-approval/pkg/bot/coordinator"
	"github.com/PeterMinsch/gem-approval/pkg/bot/extraction"
	"github.com/PeterMinsch/gem-approval/pkg/bot/governor"
	"github.com/PeterMinsch/gem-approval/pkg/bot/queue"
	"github.com/PeterMinsch/gem-approval/pkg/logging"
)

const (
	defaultScanInterval   = 2 * time.Minute
	defaultClaimWait      = 5 * time.Second
	defaultDenialWait     = 30 * time.Second
	defaultExecuteTimeout = 3 * time.Minute
	defaultNavTimeout     = 30 * time.Second
)

// Queue is the slice of the action queue the orchestrator drives.
type Queue interface {
	Enqueue(sourceRef, targetURL string, draft queue.DraftPayload) (string, error)
	ClaimNextApproved(ctx context.Context, wait time.Duration) (*queue.ActionRecord, error)
	AssignIdentity(id, identity string) error
	ReturnToApproved(id string) error
	ReportOutcome(id string, outcome queue.Outcome, lastError string) error
	Stats() queue.Stats
}

// Governor is the admission surface the orchestrator consults.
type Governor interface {
	coordinator.Revalidator
	Admit(identityHint, recordID, draftText string) governor.AdmissionDecision
	RecordSuccess(identity string)
	RecordFailure(identity string)
	RecordAbandoned(identity string)
	Stats() governor.GovernorStats
}

// Browser is the slice of the coordinator the loops use.
type Browser interface {
	WithContext(ctx context.Context, kind coordinator.ContextKind, fn func(coordinator.Page) error) error
	ExecutePost(ctx context.Context, rec *queue.ActionRecord, reval coordinator.Revalidator, sel coordinator.PostSelectors, timings coordinator.PostTimings) (queue.Outcome, error)
}

// Options configures an Orchestrator. Queue, Governor, Browser,
// Extractor, Composer, Seen and FeedURL are required; zero durations
// take defaults.
type Options struct {
	Queue     Queue
	Governor  Governor
	Browser   Browser
	Extractor extraction.Extractor
	Composer  composer.Composer
	Seen      *SeenSet
	Logger    *logging.Logger

	FeedURL string

	ScanInterval    time.Duration
	ClaimWait       time.Duration
	DenialWait      time.Duration
	ExecuteTimeout  time.Duration
	NavigateTimeout time.Duration

	PostSelectors coordinator.PostSelectors
	PostTimings   coordinator.PostTimings
}

// Orchestrator owns the two cooperating loops.
type Orchestrator struct {
	opts Options
	log  *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New validates the wiring and returns a stopped orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Queue == nil || opts.Governor == nil || opts.Browser == nil {
		return nil, fmt.Errorf("queue, governor and browser are required")
	}
	if opts.Extractor == nil || opts.Composer == nil || opts.Seen == nil {
		return nil, fmt.Errorf("extractor, composer and seen set are required")
	}
	if opts.FeedURL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}

	if opts.ScanInterval <= 0 {
		opts.ScanInterval = defaultScanInterval
	}
	if opts.ClaimWait <= 0 {
		opts.ClaimWait = defaultClaimWait
	}
	if opts.DenialWait <= 0 {
		opts.DenialWait = defaultDenialWait
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = defaultExecuteTimeout
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = defaultNavTimeout
	}

	log := opts.Logger
	if log == nil {
		var err error
		log, err = logging.NewLogger("orchestrator")
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	return &Orchestrator{opts: opts, log: log}, nil
}

// Start launches the scan and drain loops. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(2)
	go o.scanLoop(runCtx)
	go o.drainLoop(runCtx)

	o.log.Infof("orchestrator started, feed=%s", o.opts.FeedURL)
	return nil
}

// Shutdown stops both loops and waits for them. An in-flight posting
// attempt runs to completion or to its own execution timeout; only the
// wait here is bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Infof("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait aborted: %w", ctx.Err())
	}
}

// Stats merges the queue and governor views for the dashboard.
type Stats struct {
	Queue    queue.Stats
	Governor governor.GovernorStats
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Queue:    o.opts.Queue.Stats(),
		Governor: o.opts.Governor.Stats(),
	}
}

// scanLoop scans the feed on an interval. A failed cycle is logged and
// the loop continues on the next tick.
func (o *Orchestrator) scanLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		if err := o.scanOnce(ctx); err != nil && ctx.Err() == nil {
			o.log.Warnf("scan cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.ScanInterval):
		}
	}
}

// scanOnce holds the scan context only long enough to read the feed;
// composing and enqueuing happen after the browser is released.
func (o *Orchestrator) scanOnce(ctx context.Context) error {
	var posts []extraction.PostRecord
	err := o.opts.Browser.WithContext(ctx, coordinator.ContextScan, func(page coordinator.Page) error {
		if err := page.Navigate(o.opts.FeedURL, o.opts.NavigateTimeout); err != nil {
			return fmt.Errorf("failed to open feed: %w", err)
		}
		records, err := o.opts.Extractor.Extract(ctx, page)
		if err != nil {
			return err
		}
		posts = records
		return nil
	})
	if err != nil {
		// An empty feed is a quiet day, not a failure.
		if errors.Is(err, extraction.ErrNotFound) {
			return nil
		}
		return err
	}

	for _, post := range posts {
		if ctx.Err() != nil {
			return nil
		}
		o.handlePost(ctx, post)
	}
	return nil
}

func (o *Orchestrator) handlePost(ctx context.Context, post extraction.PostRecord) {
	if o.opts.Seen.Contains(post.SourceRef) {
		return
	}

	draft, err := o.opts.Composer.Compose(ctx, post)
	if err != nil {
		// Not marked seen, so a later scan retries it.
		o.log.Warnf("composer skipped %s: %v", post.SourceRef, err)
		return
	}

	id, err := o.opts.Queue.Enqueue(post.SourceRef, post.Permalink, draft)
	switch {
	case errors.Is(err, queue.ErrDuplicateSource):
		// The queue already tracks a live record for this post.
	case err != nil:
		o.log.Errorf("failed to enqueue %s: %v", post.SourceRef, err)
		return
	default:
		o.log.Infof("enqueued %s as %s", post.SourceRef, id)
	}

	if err := o.opts.Seen.Add(post.SourceRef); err != nil {
		o.log.Warnf("failed to persist seen set: %v", err)
	}
}

// drainLoop claims approved records and pushes them through admission
// and posting, one at a time.
func (o *Orchestrator) drainLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		rec, err := o.opts.Queue.ClaimNextApproved(ctx, o.opts.ClaimWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrShuttingDown) {
				return
			}
			o.log.Errorf("claim failed: %v", err)
			if !o.waitFor(ctx, o.opts.ClaimWait) {
				return
			}
			continue
		}
		if rec == nil {
			// Claim timed out with nothing approved; poll again.
			if ctx.Err() != nil {
				return
			}
			continue
		}
		o.executeOne(ctx, rec)
	}
}

func (o *Orchestrator) executeOne(ctx context.Context, rec *queue.ActionRecord) {
	decision := o.opts.Governor.Admit("", rec.ID, rec.Draft.Text)
	if !decision.Allowed {
		o.log.Infof("admission denied for %s: %s", rec.ID, decision.Reason)
		if err := o.opts.Queue.ReturnToApproved(rec.ID); err != nil {
			o.log.Errorf("failed to return %s to the pool: %v", rec.ID, err)
		}
		o.waitFor(ctx, o.opts.DenialWait)
		return
	}

	if err := o.opts.Queue.AssignIdentity(rec.ID, decision.Identity); err != nil {
		o.log.Errorf("failed to assign identity for %s: %v", rec.ID, err)
		o.opts.Governor.RecordAbandoned(decision.Identity)
		if err := o.opts.Queue.ReturnToApproved(rec.ID); err != nil {
			o.log.Errorf("failed to return %s to the pool: %v", rec.ID, err)
		}
		return
	}
	rec.TargetIdentity = decision.Identity

	// The posting attempt survives a shutdown signal; it is bounded by
	// its own timeout instead.
	execCtx, cancel := context.WithTimeout(context.Background(), o.opts.ExecuteTimeout)
	defer cancel()

	outcome, err := o.opts.Browser.ExecutePost(execCtx, rec, o.opts.Governor, o.opts.PostSelectors, o.opts.PostTimings)
	if err != nil && neverExecuted(err) {
		// The platform never saw a request: session contention, an
		// unverifiable switch or a withdrawn admission. Not an identity
		// health signal, and not worth an attempt.
		o.log.Warnf("attempt for %s abandoned before execution: %v", rec.ID, err)
		o.opts.Governor.RecordAbandoned(decision.Identity)
		if err := o.opts.Queue.ReturnToApproved(rec.ID); err != nil {
			o.log.Errorf("failed to return %s to the pool: %v", rec.ID, err)
		}
		o.waitFor(ctx, o.opts.DenialWait)
		return
	}

	lastError := ""
	if err != nil {
		lastError = err.Error()
	}
	if reportErr := o.opts.Queue.ReportOutcome(rec.ID, outcome, lastError); reportErr != nil {
		o.log.Errorf("failed to report outcome for %s: %v", rec.ID, reportErr)
	}

	switch outcome {
	case queue.OutcomeSuccess:
		o.opts.Governor.RecordSuccess(decision.Identity)
		o.log.Infof("posted %s via %s", rec.ID, decision.Identity)
	case queue.OutcomeRetryableFailure:
		o.opts.Governor.RecordFailure(decision.Identity)
		o.log.Warnf("post attempt failed for %s: %v", rec.ID, err)
	default:
		o.log.Errorf("post permanently failed for %s: %v", rec.ID, err)
	}
}

// neverExecuted reports whether a posting attempt failed before any
// platform interaction happened.
func neverExecuted(err error) bool {
	return errors.Is(err, coordinator.ErrContextBusy) ||
		errors.Is(err, coordinator.ErrContextSwitchFailed) ||
		errors.Is(err, coordinator.ErrAdmissionRevoked)
}

// waitFor sleeps for d unless ctx ends first; it reports whether the
// full wait elapsed.
func (o *Orchestrator) waitFor(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
