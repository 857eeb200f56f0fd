package queue

import "time"

// State is the lifecycle state of an ActionRecord.
type State string

const (
	// StatePending means the record awaits a reviewer decision.
	StatePending State = "PENDING"

	// StateApproved means the record is cleared for execution.
	StateApproved State = "APPROVED"

	// StateExecuting means exactly one consumer is performing the action.
	StateExecuting State = "EXECUTING"

	// StatePosted means the action completed successfully. Terminal.
	StatePosted State = "POSTED"

	// StateRejected means a reviewer declined the record. Terminal.
	StateRejected State = "REJECTED"

	// StateOutOfBand means a reviewer chose a side action (e.g. a direct
	// message) instead of the default public action. Terminal.
	StateOutOfBand State = "OUT_OF_BAND"

	// StateFailedRetryable means the last attempt failed and the record is
	// waiting out its backoff before returning to the approved pool.
	StateFailedRetryable State = "FAILED_RETRYABLE"

	// StateFailedTerminal means the record failed permanently. Terminal.
	StateFailedTerminal State = "FAILED_TERMINAL"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s State) Terminal() bool {
	switch s {
	case StatePosted, StateRejected, StateOutOfBand, StateFailedTerminal:
		return true
	}
	return false
}

// DraftPayload is the composed response content for a record. Editable
// only while the record is PENDING or APPROVED.
type DraftPayload struct {
	// Text is the response body to be typed into the platform.
	Text string `json:"text"`

	// Attachments are local file paths to upload alongside the text.
	Attachments []string `json:"attachments,omitempty"`
}

// ActionRecord is the unit of work flowing through the approval/posting
// lifecycle. All fields are mutated only by the Queue, under its lock,
// through the transition methods; callers receive copies.
type ActionRecord struct {
	// ID is unique, assigned at creation, immutable.
	ID string `json:"id"`

	// SourceRef identifies the originating content item. At most one
	// non-terminal record exists per SourceRef at any time.
	SourceRef string `json:"source_ref"`

	// TargetURL is where the posting action is performed (the content
	// item's permalink).
	TargetURL string `json:"target_url"`

	// Draft is the candidate response content.
	Draft DraftPayload `json:"draft"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// TargetIdentity is the identity slot chosen at admission time.
	// Immutable once assigned.
	TargetIdentity string `json:"target_identity,omitempty"`

	// AttemptCount is the number of execution attempts so far.
	AttemptCount int `json:"attempt_count"`

	// LastError is the most recent execution failure detail.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt, DecidedAt and ExecutedAt are set once each.
	CreatedAt  time.Time `json:"created_at"`
	DecidedAt  time.Time `json:"decided_at,omitempty"`
	ExecutedAt time.Time `json:"executed_at,omitempty"`
}

// clone returns a copy safe to hand outside the queue's lock.
func (r *ActionRecord) clone() *ActionRecord {
	c := *r
	if r.Draft.Attachments != nil {
		c.Draft.Attachments = append([]string(nil), r.Draft.Attachments...)
	}
	return &c
}

// Outcome is the tagged result of one execution attempt, reported by the
// coordinator through ReportOutcome.
type Outcome string

const (
	// OutcomeSuccess means the action was confirmed posted.
	OutcomeSuccess Outcome = "success"

	// OutcomeRetryableFailure means the attempt failed in a way worth
	// retrying (stale UI, navigation timeout, admission revoked).
	OutcomeRetryableFailure Outcome = "retryable_failure"

	// OutcomeTerminalFailure means the attempt failed permanently.
	OutcomeTerminalFailure Outcome = "terminal_failure"
)

// DecisionAction identifies a reviewer decision.
type DecisionAction string

const (
	ActionApprove        DecisionAction = "approve"
	ActionReject         DecisionAction = "reject"
	ActionEdit           DecisionAction = "edit"
	ActionEditAndApprove DecisionAction = "edit_and_approve"
	ActionOutOfBand      DecisionAction = "out_of_band"
)

// Decision is a reviewer decision applied through Decide.
type Decision struct {
	Action DecisionAction
	Draft  *DraftPayload
}

// Approve clears a PENDING record for execution.
func Approve() Decision { return Decision{Action: ActionApprove} }

// Reject terminates a PENDING or APPROVED record.
func Reject() Decision { return Decision{Action: ActionReject} }

// Edit replaces the draft and returns the record to PENDING for re-review.
func Edit(draft DraftPayload) Decision {
	return Decision{Action: ActionEdit, Draft: &draft}
}

// EditAndApprove replaces the draft and moves the record directly to
// APPROVED with the edited payload frozen.
func EditAndApprove(draft DraftPayload) Decision {
	return Decision{Action: ActionEditAndApprove, Draft: &draft}
}

// OutOfBand terminates a PENDING record in favor of a side action handled
// outside the queue.
func OutOfBand() Decision { return Decision{Action: ActionOutOfBand} }
