package types

import "time"

// BotEventType defines the type of event emitted by the bot core.
type BotEventType string

const (
	EventTypeRecordEnqueued   BotEventType = "record_enqueued"   // EventTypeRecordEnqueued indicates a new candidate action entered the queue.
	EventTypeRecordDecided    BotEventType = "record_decided"    // EventTypeRecordDecided indicates a reviewer decision was applied to a record.
	EventTypeRecordClaimed    BotEventType = "record_claimed"    // EventTypeRecordClaimed indicates a record was claimed for execution.
	EventTypeRecordPosted     BotEventType = "record_posted"     // EventTypeRecordPosted indicates a record was posted successfully.
	EventTypeRecordRequeued   BotEventType = "record_requeued"   // EventTypeRecordRequeued indicates a record returned to the approved pool.
	EventTypeRecordFailed     BotEventType = "record_failed"     // EventTypeRecordFailed indicates a record reached a terminal failure state.
	EventTypeAdmissionGranted BotEventType = "admission_granted" // EventTypeAdmissionGranted indicates the governor admitted an execution attempt.
	EventTypeAdmissionDenied  BotEventType = "admission_denied"  // EventTypeAdmissionDenied indicates the governor denied an execution attempt.
	EventTypeCircuitOpened    BotEventType = "circuit_opened"    // EventTypeCircuitOpened indicates an identity was suspended after repeated failures.
	EventTypeCircuitClosed    BotEventType = "circuit_closed"    // EventTypeCircuitClosed indicates a suspended identity was re-admitted.
	EventTypeContextSwitched  BotEventType = "context_switched"  // EventTypeContextSwitched indicates the browser foreground context changed.
)

// BotEvent represents a single observable occurrence inside the bot core.
// The review dashboard consumes these to mirror queue and governor state
// without polling; the core never reads them back.
type BotEvent struct {
	// Type indicates the kind of event.
	Type BotEventType

	// RecordID is the queue record the event concerns, if any.
	RecordID string

	// SourceRef is the originating content item, if known.
	SourceRef string

	// Identity is the posting identity the event concerns, if any.
	Identity string

	// State is the record's lifecycle state after the event, if applicable.
	State string

	// Reason carries a human-readable cause (denial reason, failure detail).
	Reason string

	// At is when the event was produced.
	At time.Time
}

// EventEmitter is a function type for delivering events to an observer.
// A nil emitter is valid and means events are discarded.
type EventEmitter func(event *BotEvent)

// NewRecordEvent creates an event about a queue record.
func NewRecordEvent(t BotEventType, recordID, sourceRef, state string) *BotEvent {
	return &BotEvent{
		Type:      t,
		RecordID:  recordID,
		SourceRef: sourceRef,
		State:     state,
		At:        time.Now(),
	}
}

// NewAdmissionEvent creates an event about a governor admission decision.
func NewAdmissionEvent(t BotEventType, identity, recordID, reason string) *BotEvent {
	return &BotEvent{
		Type:     t,
		Identity: identity,
		RecordID: recordID,
		Reason:   reason,
		At:       time.Now(),
	}
}

// NewCircuitEvent creates an event about an identity circuit transition.
func NewCircuitEvent(t BotEventType, identity, reason string) *BotEvent {
	return &BotEvent{
		Type:     t,
		Identity: identity,
		Reason:   reason,
		At:       time.Now(),
	}
}
