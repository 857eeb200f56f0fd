package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PeterMinsch/gem-approval/pkg/bot/coordinator"
	"github.com/PeterMinsch/gem-approval/pkg/bot/extraction"
	"github.com/PeterMinsch/gem-approval/pkg/bot/governor"
	"github.com/PeterMinsch/gem-approval/pkg/bot/queue"
)

type enqueueCall struct {
	sourceRef string
	targetURL string
	draft     queue.DraftPayload
}

type outcomeCall struct {
	id        string
	outcome   queue.Outcome
	lastError string
}

// fakeQueue implements the Queue slice with canned behavior.
type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []enqueueCall
	enqueueErr error
	claims     chan *queue.ActionRecord
	assigned   map[string]string
	assignErr  error
	returned   []string
	outcomes   []outcomeCall
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		claims:   make(chan *queue.ActionRecord, 8),
		assigned: make(map[string]string),
	}
}

func (q *fakeQueue) Enqueue(sourceRef, targetURL string, draft queue.DraftPayload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.enqueued = append(q.enqueued, enqueueCall{sourceRef, targetURL, draft})
	return "id-" + sourceRef, nil
}

func (q *fakeQueue) ClaimNextApproved(ctx context.Context, wait time.Duration) (*queue.ActionRecord, error) {
	select {
	case rec := <-q.claims:
		return rec, nil
	case <-time.After(wait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *fakeQueue) AssignIdentity(id, identity string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.assignErr != nil {
		return q.assignErr
	}
	q.assigned[id] = identity
	return nil
}

func (q *fakeQueue) ReturnToApproved(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.returned = append(q.returned, id)
	return nil
}

func (q *fakeQueue) ReportOutcome(id string, outcome queue.Outcome, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outcomes = append(q.outcomes, outcomeCall{id, outcome, lastError})
	return nil
}

func (q *fakeQueue) Stats() queue.Stats { return queue.Stats{} }

// fakeGovernor implements the Governor slice.
type fakeGovernor struct {
	mu        sync.Mutex
	decision  governor.AdmissionDecision
	admits    []string
	successes []string
	failures  []string
	abandoned []string
}

func (g *fakeGovernor) Admit(_, recordID, _ string) governor.AdmissionDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admits = append(g.admits, recordID)
	return g.decision
}

func (g *fakeGovernor) Revalidate(string, string) governor.AdmissionDecision {
	return governor.AdmissionDecision{Allowed: true}
}

func (g *fakeGovernor) RecordSuccess(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.successes = append(g.successes, identity)
}

func (g *fakeGovernor) RecordFailure(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, identity)
}

func (g *fakeGovernor) RecordAbandoned(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abandoned = append(g.abandoned, identity)
}

func (g *fakeGovernor) Stats() governor.GovernorStats { return governor.GovernorStats{} }

// scanPage is the page handed to the scan callback.
type scanPage struct {
	mu        sync.Mutex
	navigated []string
	navErr    error
}

func (p *scanPage) Navigate(url string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navErr != nil {
		return p.navErr
	}
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *scanPage) Find([]string, time.Duration) (coordinator.Element, error) {
	return nil, coordinator.ErrElementNotFound
}
func (p *scanPage) WaitFor(string, string, time.Duration) error { return nil }
func (p *scanPage) Content() (string, error)                    { return "", nil }
func (p *scanPage) URL() string                                 { return "" }

// fakeBrowser implements the Browser slice.
type fakeBrowser struct {
	mu       sync.Mutex
	page     *scanPage
	outcome  queue.Outcome
	err      error
	delay    time.Duration
	executed []string
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{page: &scanPage{}, outcome: queue.OutcomeSuccess}
}

func (b *fakeBrowser) WithContext(_ context.Context, _ coordinator.ContextKind, fn func(coordinator.Page) error) error {
	return fn(b.page)
}

func (b *fakeBrowser) ExecutePost(_ context.Context, rec *queue.ActionRecord, _ coordinator.Revalidator, _ coordinator.PostSelectors, _ coordinator.PostTimings) (queue.Outcome, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executed = append(b.executed, rec.ID)
	return b.outcome, b.err
}

// stubExtractor returns canned posts.
type stubExtractor struct {
	posts []extraction.PostRecord
	err   error
}

func (e *stubExtractor) Extract(context.Context, coordinator.Page) ([]extraction.PostRecord, error) {
	return e.posts, e.err
}

// stubComposer echoes the post text, or fails.
type stubComposer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (c *stubComposer) Compose(_ context.Context, post extraction.PostRecord) (queue.DraftPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return queue.DraftPayload{}, c.err
	}
	return queue.DraftPayload{Text: "re: " + post.Text}, nil
}

type fixture struct {
	queue    *fakeQueue
	governor *fakeGovernor
	browser  *fakeBrowser
	extract  *stubExtractor
	compose  *stubComposer
	seen     *SeenSet
	orch     *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	seen, err := NewSeenSet(filepath.Join(t.TempDir(), "seen.json"))
	require.NoError(t, err)

	f := &fixture{
		queue:    newFakeQueue(),
		governor: &fakeGovernor{decision: governor.AdmissionDecision{Allowed: true, Identity: "primary"}},
		browser:  newFakeBrowser(),
		extract:  &stubExtractor{},
		compose:  &stubComposer{},
		seen:     seen,
	}

	opts := Options{
		Queue:        f.queue,
		Governor:     f.governor,
		Browser:      f.browser,
		Extractor:    f.extract,
		Composer:     f.compose,
		Seen:         f.seen,
		FeedURL:      "https://example.com/feed",
		ScanInterval: time.Hour,
		ClaimWait:    20 * time.Millisecond,
		DenialWait:   time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	f.orch, err = New(opts)
	require.NoError(t, err)
	return f
}

func post(ref, text string) extraction.PostRecord {
	return extraction.PostRecord{SourceRef: ref, Permalink: ref, Author: "Alice", Text: text}
}

func TestNew_RequiresWiring(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestScanOnce_EnqueuesNewPosts(t *testing.T) {
	f := newFixture(t, nil)
	f.extract.posts = []extraction.PostRecord{post("p1", "ring"), post("p2", "band")}

	require.NoError(t, f.orch.scanOnce(context.Background()))

	assert.Equal(t, []string{"https://example.com/feed"}, f.browser.page.navigated)
	require.Len(t, f.queue.enqueued, 2)
	assert.Equal(t, "p1", f.queue.enqueued[0].sourceRef)
	assert.Equal(t, "re: ring", f.queue.enqueued[0].draft.Text)
	assert.True(t, f.seen.Contains("p1"))
	assert.True(t, f.seen.Contains("p2"))
}

func TestScanOnce_SkipsSeenPosts(t *testing.T) {
	f := newFixture(t, nil)
	f.extract.posts = []extraction.PostRecord{post("p1", "ring")}

	require.NoError(t, f.orch.scanOnce(context.Background()))
	require.NoError(t, f.orch.scanOnce(context.Background()))

	assert.Len(t, f.queue.enqueued, 1, "second scan skips the seen post")
	assert.Equal(t, 1, f.compose.calls, "composer is not consulted for seen posts")
}

func TestScanOnce_EmptyFeedIsNotAFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.extract.err = extraction.ErrNotFound

	assert.NoError(t, f.orch.scanOnce(context.Background()))
}

func TestHandlePost_ComposerFailureLeavesPostUnseen(t *testing.T) {
	f := newFixture(t, nil)
	f.compose.err = errors.New("model unavailable")

	f.orch.handlePost(context.Background(), post("p1", "ring"))

	assert.Empty(t, f.queue.enqueued)
	assert.False(t, f.seen.Contains("p1"), "a later scan can retry it")
}

func TestHandlePost_DuplicateSourceIsMarkedSeen(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.enqueueErr = queue.ErrDuplicateSource

	f.orch.handlePost(context.Background(), post("p1", "ring"))

	assert.True(t, f.seen.Contains("p1"), "the queue already tracks it")
}

func TestExecuteOne_AdmittedAndPosted(t *testing.T) {
	f := newFixture(t, nil)
	rec := &queue.ActionRecord{ID: "r1", Draft: queue.DraftPayload{Text: "hello"}}

	f.orch.executeOne(context.Background(), rec)

	assert.Equal(t, "primary", f.queue.assigned["r1"])
	assert.Equal(t, []string{"r1"}, f.browser.executed)
	require.Len(t, f.queue.outcomes, 1)
	assert.Equal(t, queue.OutcomeSuccess, f.queue.outcomes[0].outcome)
	assert.Equal(t, []string{"primary"}, f.governor.successes)
}

func TestExecuteOne_DenialReturnsRecordToPool(t *testing.T) {
	f := newFixture(t, nil)
	f.governor.decision = governor.AdmissionDecision{Allowed: false, Reason: governor.ReasonNoCapacity}
	rec := &queue.ActionRecord{ID: "r1", Draft: queue.DraftPayload{Text: "hello"}}

	f.orch.executeOne(context.Background(), rec)

	assert.Equal(t, []string{"r1"}, f.queue.returned)
	assert.Empty(t, f.browser.executed, "no browser work on denial")
	assert.Empty(t, f.queue.outcomes)
}

func TestExecuteOne_RetryableFailureTripsGovernor(t *testing.T) {
	f := newFixture(t, nil)
	f.browser.outcome = queue.OutcomeRetryableFailure
	f.browser.err = errors.New("stale page")
	rec := &queue.ActionRecord{ID: "r1", Draft: queue.DraftPayload{Text: "hello"}}

	f.orch.executeOne(context.Background(), rec)

	require.Len(t, f.queue.outcomes, 1)
	assert.Equal(t, queue.OutcomeRetryableFailure, f.queue.outcomes[0].outcome)
	assert.Equal(t, "stale page", f.queue.outcomes[0].lastError)
	assert.Equal(t, []string{"primary"}, f.governor.failures)
	assert.Empty(t, f.governor.successes)
}

func TestExecuteOne_AssignFailureReturnsRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.assignErr = queue.ErrInvalidState
	rec := &queue.ActionRecord{ID: "r1", Draft: queue.DraftPayload{Text: "hello"}}

	f.orch.executeOne(context.Background(), rec)

	assert.Equal(t, []string{"r1"}, f.queue.returned)
	assert.Empty(t, f.browser.executed)
	assert.Equal(t, []string{"primary"}, f.governor.abandoned,
		"the governor hears the attempt was given up so a probe slot is not stranded")
}

func TestExecuteOne_SessionUnavailableDoesNotBurnAttempt(t *testing.T) {
	for _, sessionErr := range []error{coordinator.ErrContextBusy, coordinator.ErrContextSwitchFailed} {
		f := newFixture(t, nil)
		f.browser.outcome = queue.OutcomeRetryableFailure
		f.browser.err = sessionErr
		rec := &queue.ActionRecord{ID: "r1", Draft: queue.DraftPayload{Text: "hello"}}

		f.orch.executeOne(context.Background(), rec)

		assert.Equal(t, []string{"r1"}, f.queue.returned, "%v: record goes back to the pool unchanged", sessionErr)
		assert.Empty(t, f.queue.outcomes, "%v: no attempt is consumed", sessionErr)
		assert.Empty(t, f.governor.failures, "%v: the identity's circuit is untouched", sessionErr)
		assert.Equal(t, []string{"primary"}, f.governor.abandoned, "%v", sessionErr)
	}
}

func TestExecuteOne_RevokedAdmissionReturnsRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.browser.outcome = queue.OutcomeRetryableFailure
	f.browser.err = coordinator.ErrAdmissionRevoked
	rec := &queue.ActionRecord{ID: "r1", Draft: queue.DraftPayload{Text: "hello"}}

	f.orch.executeOne(context.Background(), rec)

	assert.Equal(t, []string{"r1"}, f.queue.returned)
	assert.Empty(t, f.queue.outcomes)
	assert.Empty(t, f.governor.failures)
	assert.Equal(t, []string{"primary"}, f.governor.abandoned)
}

func TestExecuteOne_SessionContentionLeavesIdentityHealthy(t *testing.T) {
	blacklist, err := governor.NewBlacklist(nil)
	require.NoError(t, err)
	gov, err := governor.New(
		[]governor.SlotConfig{{Name: "primary", DailyQuota: 100}},
		blacklist,
		governor.WithCircuit(3, 30*time.Minute),
		governor.WithMinActionInterval(0),
	)
	require.NoError(t, err)

	f := newFixture(t, func(opts *Options) { opts.Governor = gov })
	f.browser.outcome = queue.OutcomeRetryableFailure
	f.browser.err = coordinator.ErrContextBusy
	rec := &queue.ActionRecord{ID: "r1", Draft: queue.DraftPayload{Text: "hello"}}

	for i := 0; i < 3; i++ {
		f.orch.executeOne(context.Background(), rec)
	}

	decision := gov.Admit("", "r2", "hello")
	assert.True(t, decision.Allowed, "session contention must not suspend the identity")
	assert.Empty(t, gov.Stats().OpenCircuits)
}

func TestStartShutdown_DrainsClaimedRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.browser.delay = 30 * time.Millisecond
	f.queue.claims <- &queue.ActionRecord{ID: "r1", Draft: queue.DraftPayload{Text: "hello"}}

	require.NoError(t, f.orch.Start(context.Background()))

	// Give the drain loop time to claim, then shut down mid-post.
	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	require.Len(t, f.queue.outcomes, 1, "the in-flight post ran to completion")
	assert.Equal(t, "r1", f.queue.outcomes[0].id)
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Start(context.Background()))
	assert.Error(t, f.orch.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
}
