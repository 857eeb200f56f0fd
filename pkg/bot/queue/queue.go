// Package queue implements the approval/posting lifecycle for candidate
// actions. Every candidate flows PENDING → APPROVED → EXECUTING → POSTED,
// with rejection, out-of-band and failure branches. The queue is the only
// owner of ActionRecord storage: the scanner, the drain loop and the
// review dashboard all mutate records exclusively through its methods,
// which are linearizable under a single lock.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PeterMinsch/gem-approval/pkg/types"
)

const (
	// DefaultMaxAttempts bounds execution retries per record.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the base delay before a retryable failure
	// re-enters the approved pool.
	DefaultBackoffBase = 30 * time.Second

	// DefaultBackoffCap bounds the exponential backoff delay.
	DefaultBackoffCap = 15 * time.Minute
)

// Queue is the thread-safe approval/posting queue.
type Queue struct {
	mu       sync.Mutex
	records  map[string]*ActionRecord
	bySource map[string]string // sourceRef → id, non-terminal records only
	approved []string          // FIFO of APPROVED ids, claim order
	timers   map[string]*time.Timer

	wake chan struct{} // buffered; signaled when the approved pool grows
	done chan struct{} // closed by Stop

	store       Store
	emit        types.EventEmitter
	now         func() time.Time
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	closed      bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the execution attempt bound per record.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithBackoff sets the retry backoff base delay and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(q *Queue) {
		q.backoffBase = base
		q.backoffCap = cap
	}
}

// WithEmitter sets the event emitter for state transitions.
func WithEmitter(emit types.EventEmitter) Option {
	return func(q *Queue) { q.emit = emit }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue backed by the given store and replays any persisted
// records. A record found EXECUTING was interrupted by a restart and is
// returned to the approved pool with its attempt counted; a record found
// FAILED_RETRYABLE has served its backoff during downtime and is
// re-approved immediately.
func New(store Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		records:     make(map[string]*ActionRecord),
		bySource:    make(map[string]string),
		timers:      make(map[string]*time.Timer),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		store:       store,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
	}
	for _, opt := range opts {
		opt(q)
	}

	if store != nil {
		if err := q.replay(); err != nil {
			return nil, fmt.Errorf("failed to replay queue store: %w", err)
		}
	}

	return q, nil
}

func (q *Queue) replay() error {
	records, err := q.store.LoadAll()
	if err != nil {
		return err
	}

	// Oldest decisions first so the approved FIFO keeps its order.
	sortRecordsByDecidedAt(records)

	for _, rec := range records {
		rec := rec.clone()

		switch rec.State {
		case StateExecuting:
			rec.State = StateApproved
			rec.AttemptCount++
			rec.LastError = "interrupted by restart"
			if err := q.store.Save(rec); err != nil {
				return err
			}
		case StateFailedRetryable:
			rec.State = StateApproved
			if err := q.store.Save(rec); err != nil {
				return err
			}
		}

		q.records[rec.ID] = rec
		if !rec.State.Terminal() {
			q.bySource[rec.SourceRef] = rec.ID
		}
		if rec.State == StateApproved {
			q.approved = append(q.approved, rec.ID)
		}
	}

	if len(q.approved) > 0 {
		q.signalLocked()
	}
	return nil
}

func sortRecordsByDecidedAt(records []*ActionRecord) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].DecidedAt.Before(records[j-1].DecidedAt); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

// Enqueue creates a PENDING record for the given source. Fails with
// ErrDuplicateSource if a non-terminal record already exists for it.
func (q *Queue) Enqueue(sourceRef, targetURL string, draft DraftPayload) (string, error) {
	q.mu.Lock()

	if _, exists := q.bySource[sourceRef]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("source %q: %w", sourceRef, ErrDuplicateSource)
	}

	rec := &ActionRecord{
		ID:        uuid.New().String(),
		SourceRef: sourceRef,
		TargetURL: targetURL,
		Draft:     draft,
		State:     StatePending,
		CreatedAt: q.now(),
	}

	if err := q.saveLocked(rec); err != nil {
		q.mu.Unlock()
		return "", err
	}

	q.records[rec.ID] = rec
	q.bySource[sourceRef] = rec.ID
	q.mu.Unlock()

	q.emitEvent(types.NewRecordEvent(types.EventTypeRecordEnqueued, rec.ID, sourceRef, string(StatePending)))
	return rec.ID, nil
}

// Decide applies a reviewer decision. Approve and OutOfBand are legal only
// from PENDING; Reject is legal from PENDING or APPROVED; Edit keeps (or
// returns) the record in PENDING for re-review unless combined with
// Approve, in which case the edited payload is frozen and the record moves
// directly to APPROVED.
func (q *Queue) Decide(id string, decision Decision) error {
	q.mu.Lock()

	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("record %q: %w", id, ErrNotFound)
	}

	var err error
	switch decision.Action {
	case ActionApprove:
		err = q.approveLocked(rec)
	case ActionReject:
		err = q.rejectLocked(rec)
	case ActionEdit:
		err = q.editLocked(rec, decision.Draft, false)
	case ActionEditAndApprove:
		err = q.editLocked(rec, decision.Draft, true)
	case ActionOutOfBand:
		err = q.outOfBandLocked(rec)
	default:
		err = fmt.Errorf("unknown decision action %q", decision.Action)
	}
	if err != nil {
		q.mu.Unlock()
		return err
	}

	if err := q.saveLocked(rec); err != nil {
		q.mu.Unlock()
		return err
	}

	state := rec.State
	sourceRef := rec.SourceRef
	q.mu.Unlock()

	q.emitEvent(types.NewRecordEvent(types.EventTypeRecordDecided, id, sourceRef, string(state)))
	return nil
}

func (q *Queue) approveLocked(rec *ActionRecord) error {
	if rec.State != StatePending {
		return fmt.Errorf("approve from %s: %w", rec.State, ErrInvalidState)
	}
	rec.State = StateApproved
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = q.now()
	}
	q.approved = append(q.approved, rec.ID)
	q.signalLocked()
	return nil
}

func (q *Queue) rejectLocked(rec *ActionRecord) error {
	if rec.State != StatePending && rec.State != StateApproved {
		return fmt.Errorf("reject from %s: %w", rec.State, ErrInvalidState)
	}
	if rec.State == StateApproved {
		q.removeApprovedLocked(rec.ID)
	}
	rec.State = StateRejected
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = q.now()
	}
	delete(q.bySource, rec.SourceRef)
	return nil
}

func (q *Queue) editLocked(rec *ActionRecord, draft *DraftPayload, approve bool) error {
	if rec.State != StatePending && rec.State != StateApproved {
		return fmt.Errorf("edit from %s: %w", rec.State, ErrInvalidState)
	}
	if draft == nil {
		return fmt.Errorf("edit requires a replacement draft")
	}

	if rec.State == StateApproved {
		q.removeApprovedLocked(rec.ID)
	}
	rec.Draft = *draft

	if approve {
		rec.State = StateApproved
		if rec.DecidedAt.IsZero() {
			rec.DecidedAt = q.now()
		}
		q.approved = append(q.approved, rec.ID)
		q.signalLocked()
	} else {
		// Edit without approval is a re-review request.
		rec.State = StatePending
	}
	return nil
}

func (q *Queue) outOfBandLocked(rec *ActionRecord) error {
	if rec.State != StatePending {
		return fmt.Errorf("out-of-band from %s: %w", rec.State, ErrInvalidState)
	}
	rec.State = StateOutOfBand
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = q.now()
	}
	delete(q.bySource, rec.SourceRef)
	return nil
}

// ClaimNextApproved atomically selects the oldest APPROVED record, moves
// it to EXECUTING and returns a copy. No two callers ever receive the same
// record. When no record is available it blocks up to wait (or until ctx
// is done) and returns (nil, nil) on timeout. After Stop it returns
// ErrShuttingDown immediately.
func (q *Queue) ClaimNextApproved(ctx context.Context, wait time.Duration) (*ActionRecord, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if rec := q.popApprovedLocked(); rec != nil {
			rec.State = StateExecuting
			// A save failure does not void the claim; losing it here
			// would risk double execution. The store catches up on the
			// next transition.
			_ = q.saveLocked(rec)
			out := rec.clone()
			q.mu.Unlock()
			q.emitEvent(types.NewRecordEvent(types.EventTypeRecordClaimed, out.ID, out.SourceRef, string(StateExecuting)))
			return out, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrShuttingDown
		}
	}
}

func (q *Queue) popApprovedLocked() *ActionRecord {
	for len(q.approved) > 0 {
		id := q.approved[0]
		q.approved = q.approved[1:]

		rec, ok := q.records[id]
		if !ok || rec.State != StateApproved {
			continue
		}
		if len(q.approved) > 0 {
			// More work remains; wake another waiter.
			q.signalLocked()
		}
		return rec
	}
	return nil
}

func (q *Queue) removeApprovedLocked(id string) {
	for i, queued := range q.approved {
		if queued == id {
			q.approved = append(q.approved[:i], q.approved[i+1:]...)
			return
		}
	}
}

// AssignIdentity records the identity slot chosen at admission time.
// Legal only while EXECUTING and only once per record.
func (q *Queue) AssignIdentity(id, identity string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	if rec.State != StateExecuting {
		return fmt.Errorf("assign identity from %s: %w", rec.State, ErrInvalidState)
	}
	if rec.TargetIdentity != "" {
		return fmt.Errorf("record %q: %w", id, ErrIdentityAssigned)
	}

	rec.TargetIdentity = identity
	return q.saveLocked(rec)
}

// ReturnToApproved puts an EXECUTING record back at the end of the
// approved pool unchanged. Used when the governor denies admission, which
// is normal control flow, not a failure.
func (q *Queue) ReturnToApproved(id string) error {
	q.mu.Lock()

	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	if rec.State != StateExecuting {
		q.mu.Unlock()
		return fmt.Errorf("return to approved from %s: %w", rec.State, ErrInvalidState)
	}

	rec.State = StateApproved
	rec.TargetIdentity = ""
	err := q.saveLocked(rec)
	q.approved = append(q.approved, rec.ID)
	q.signalLocked()
	sourceRef := rec.SourceRef
	q.mu.Unlock()

	q.emitEvent(types.NewRecordEvent(types.EventTypeRecordRequeued, id, sourceRef, string(StateApproved)))
	return err
}

// ReportOutcome applies the tagged result of one execution attempt to an
// EXECUTING record. A retryable failure re-enters the approved pool at the
// back after an exponential backoff (base × 2^attempts, capped), unless
// the attempt bound is exhausted, in which case the record fails
// terminally.
func (q *Queue) ReportOutcome(id string, outcome Outcome, lastError string) error {
	q.mu.Lock()

	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	if rec.State != StateExecuting {
		q.mu.Unlock()
		return fmt.Errorf("report outcome from %s: %w", rec.State, ErrInvalidState)
	}

	var eventType types.BotEventType
	switch outcome {
	case OutcomeSuccess:
		rec.State = StatePosted
		if rec.ExecutedAt.IsZero() {
			rec.ExecutedAt = q.now()
		}
		delete(q.bySource, rec.SourceRef)
		eventType = types.EventTypeRecordPosted

	case OutcomeRetryableFailure:
		rec.AttemptCount++
		rec.LastError = lastError
		if rec.AttemptCount >= q.maxAttempts {
			rec.State = StateFailedTerminal
			delete(q.bySource, rec.SourceRef)
			eventType = types.EventTypeRecordFailed
		} else {
			rec.State = StateFailedRetryable
			rec.TargetIdentity = ""
			q.scheduleRequeueLocked(rec)
			eventType = types.EventTypeRecordFailed
		}

	case OutcomeTerminalFailure:
		rec.AttemptCount++
		rec.LastError = lastError
		rec.State = StateFailedTerminal
		delete(q.bySource, rec.SourceRef)
		eventType = types.EventTypeRecordFailed

	default:
		q.mu.Unlock()
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	err := q.saveLocked(rec)
	state := rec.State
	sourceRef := rec.SourceRef
	q.mu.Unlock()

	q.emitEvent(types.NewRecordEvent(eventType, id, sourceRef, string(state)))
	return err
}

func (q *Queue) scheduleRequeueLocked(rec *ActionRecord) {
	delay := q.backoffBase
	for i := 1; i < rec.AttemptCount && delay < q.backoffCap; i++ {
		delay *= 2
	}
	if delay > q.backoffCap {
		delay = q.backoffCap
	}

	id := rec.ID
	q.timers[id] = time.AfterFunc(delay, func() { q.requeueAfterBackoff(id) })
}

func (q *Queue) requeueAfterBackoff(id string) {
	q.mu.Lock()
	delete(q.timers, id)

	if q.closed {
		// Stays FAILED_RETRYABLE in the store; replayed as APPROVED on
		// the next start.
		q.mu.Unlock()
		return
	}

	rec, ok := q.records[id]
	if !ok || rec.State != StateFailedRetryable {
		q.mu.Unlock()
		return
	}

	rec.State = StateApproved
	_ = q.saveLocked(rec)
	q.approved = append(q.approved, rec.ID)
	q.signalLocked()
	sourceRef := rec.SourceRef
	q.mu.Unlock()

	q.emitEvent(types.NewRecordEvent(types.EventTypeRecordRequeued, id, sourceRef, string(StateApproved)))
}

// Get returns a copy of the record with the given id.
func (q *Queue) Get(id string) (*ActionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return nil, fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	return rec.clone(), nil
}

// ListByState returns copies of all records in the given state, oldest
// first by creation time.
func (q *Queue) ListByState(state State) []*ActionRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*ActionRecord
	for _, rec := range q.records {
		if rec.State == state {
			out = append(out, rec.clone())
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Stats summarizes queue contents by lifecycle state.
type Stats struct {
	CountsByState map[State]int
}

// Stats returns a snapshot of record counts by state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[State]int)
	for _, rec := range q.records {
		counts[rec.State]++
	}
	return Stats{CountsByState: counts}
}

// Stop prevents further claims and cancels pending backoff timers.
// In-flight EXECUTING records may still report their outcome.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)

	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) saveLocked(rec *ActionRecord) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.Save(rec.clone()); err != nil {
		return fmt.Errorf("failed to persist record %s: %w", rec.ID, err)
	}
	return nil
}

func (q *Queue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) emitEvent(event *types.BotEvent) {
	if q.emit != nil {
		q.emit(event)
	}
}
