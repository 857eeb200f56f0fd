// Package governor enforces the safety envelope around posting actions:
// per-identity daily quotas, a minimum interval between actions, a
// content blacklist, and a per-identity circuit breaker that suspends an
// identity the platform has started rejecting. The governor owns all
// IdentitySlot counters; every admission or denial is appended to the
// activity ledger for audit.
package governor

import (
	"sync"
	"time"

	"github.com/PeterMinsch/gem-approval/pkg/logging"
	"github.com/PeterMinsch/gem-approval/pkg/types"
)

// DenialReason explains why admission was refused.
type DenialReason string

const (
	// ReasonNoCapacity means every identity is over quota or inside its
	// minimum action interval.
	ReasonNoCapacity DenialReason = "no_capacity"

	// ReasonBlacklisted means the draft matched a blacklist phrase.
	ReasonBlacklisted DenialReason = "blacklisted"

	// ReasonCircuitOpen means every otherwise-usable identity is
	// suspended after repeated execution failures.
	ReasonCircuitOpen DenialReason = "circuit_open"
)

// AdmissionDecision is the single output of the governor: either an
// identity cleared to act, or a denial with its reason. A denial is
// normal control flow, not an error.
type AdmissionDecision struct {
	Allowed  bool
	Identity string
	Reason   DenialReason
}

// SlotConfig describes one configured identity.
type SlotConfig struct {
	Name       string
	DailyQuota int
}

const (
	// DefaultMinActionInterval is the minimum spacing between admissions
	// for one identity.
	DefaultMinActionInterval = 2 * time.Minute

	// DefaultFailureThreshold is the consecutive execution failures that
	// open an identity's circuit.
	DefaultFailureThreshold = 3

	// DefaultCooldown is how long an open circuit suspends an identity.
	DefaultCooldown = 30 * time.Minute
)

// Governor tracks per-identity action history and exposes the admission
// decision. All slot counters live behind its lock.
type Governor struct {
	mu     sync.Mutex
	slots  []*IdentitySlot
	byName map[string]*IdentitySlot
	cursor int

	minInterval      time.Duration
	failureThreshold int
	cooldown         time.Duration

	blacklist *Blacklist
	ledger    Ledger
	store     SlotStore
	emit      types.EventEmitter
	log       *logging.Logger
	now       func() time.Time

	admitted int
	denied   int
}

// Option configures a Governor.
type Option func(*Governor)

// WithMinActionInterval sets the per-identity spacing between admissions.
func WithMinActionInterval(d time.Duration) Option {
	return func(g *Governor) { g.minInterval = d }
}

// WithCircuit sets the consecutive-failure threshold and the suspension
// cool-down window.
func WithCircuit(threshold int, cooldown time.Duration) Option {
	return func(g *Governor) {
		g.failureThreshold = threshold
		g.cooldown = cooldown
	}
}

// WithLedger sets the audit ledger.
func WithLedger(ledger Ledger) Option {
	return func(g *Governor) { g.ledger = ledger }
}

// WithSlotStore sets the durable store for identity counters.
func WithSlotStore(store SlotStore) Option {
	return func(g *Governor) { g.store = store }
}

// WithEmitter sets the event emitter for admission and circuit events.
func WithEmitter(emit types.EventEmitter) Option {
	return func(g *Governor) { g.emit = emit }
}

// WithLogger sets the logger for non-fatal persistence problems.
func WithLogger(log *logging.Logger) Option {
	return func(g *Governor) { g.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a governor over the configured identities, restoring any
// persisted counters so quotas survive a restart.
func New(slots []SlotConfig, blacklist *Blacklist, opts ...Option) (*Governor, error) {
	g := &Governor{
		byName:           make(map[string]*IdentitySlot),
		minInterval:      DefaultMinActionInterval,
		failureThreshold: DefaultFailureThreshold,
		cooldown:         DefaultCooldown,
		blacklist:        blacklist,
		ledger:           NopLedger{},
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.blacklist == nil {
		g.blacklist = &Blacklist{}
	}

	for _, cfg := range slots {
		slot := &IdentitySlot{
			Name:       cfg.Name,
			DailyQuota: cfg.DailyQuota,
		}
		g.slots = append(g.slots, slot)
		g.byName[slot.Name] = slot
	}

	if g.store != nil {
		states, err := g.store.Load()
		if err != nil {
			return nil, err
		}
		for name, state := range states {
			if slot, ok := g.byName[name]; ok {
				state.applyTo(slot)
			}
		}
	}

	return g, nil
}

// Admit decides whether an execution attempt may proceed and, if so,
// which identity performs it. The optional hint names a preferred
// identity; rotation continues from there. The draft text is checked
// against the blacklist before any identity is considered.
func (g *Governor) Admit(identityHint, recordID, draftText string) AdmissionDecision {
	g.mu.Lock()

	if phrase, matched := g.blacklist.Match(draftText); matched {
		return g.denyAndUnlock(recordID, ReasonBlacklisted, "matched blacklist phrase: "+phrase)
	}

	start := g.cursor
	if identityHint != "" {
		for i, slot := range g.slots {
			if slot.Name == identityHint {
				start = i
				break
			}
		}
	}

	now := g.now()
	var skippedCircuit, skippedCapacity int

	for i := 0; i < len(g.slots); i++ {
		slot := g.slots[(start+i)%len(g.slots)]
		slot.rollover(now)

		if slot.circuitOpen(now) {
			skippedCircuit++
			continue
		}
		probe := false
		if slot.cooledDown(now) {
			if slot.probing {
				// Only one probe at a time per identity.
				skippedCircuit++
				continue
			}
			probe = true
		}

		if slot.UsedToday >= slot.DailyQuota {
			skippedCapacity++
			continue
		}
		if !slot.LastActionAt.IsZero() && now.Sub(slot.LastActionAt) < g.minInterval {
			skippedCapacity++
			continue
		}

		slot.UsedToday++
		slot.LastActionAt = now
		if probe {
			slot.probing = true
		}
		g.cursor = ((start+i)%len(g.slots) + 1) % len(g.slots)
		g.admitted++
		g.persistLocked()

		identity := slot.Name
		g.mu.Unlock()

		g.appendLedger(LedgerEntry{Kind: "admission", Identity: identity, RecordID: recordID})
		g.emitEvent(types.NewAdmissionEvent(types.EventTypeAdmissionGranted, identity, recordID, ""))
		return AdmissionDecision{Allowed: true, Identity: identity}
	}

	reason := ReasonNoCapacity
	if skippedCircuit > 0 && skippedCapacity == 0 {
		reason = ReasonCircuitOpen
	}
	return g.denyAndUnlock(recordID, reason, "")
}

// denyAndUnlock finishes a denial. The caller holds the lock; it is
// released here before touching the ledger or emitter.
func (g *Governor) denyAndUnlock(recordID string, reason DenialReason, detail string) AdmissionDecision {
	g.denied++
	g.mu.Unlock()

	if detail == "" {
		detail = string(reason)
	}
	g.appendLedger(LedgerEntry{Kind: "denial", RecordID: recordID, Reason: detail})
	g.emitEvent(types.NewAdmissionEvent(types.EventTypeAdmissionDenied, "", recordID, detail))
	return AdmissionDecision{Allowed: false, Reason: reason}
}

// Revalidate re-checks an already-admitted identity immediately before
// the browser acts. It consumes no quota: admission and execution are not
// atomic across the queue boundary, so the circuit or blacklist may have
// changed since Admit.
func (g *Governor) Revalidate(identity, draftText string) AdmissionDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, matched := g.blacklist.Match(draftText); matched {
		return AdmissionDecision{Allowed: false, Reason: ReasonBlacklisted}
	}

	slot, ok := g.byName[identity]
	if !ok {
		return AdmissionDecision{Allowed: false, Reason: ReasonNoCapacity}
	}
	if slot.circuitOpen(g.now()) {
		return AdmissionDecision{Allowed: false, Reason: ReasonCircuitOpen}
	}
	return AdmissionDecision{Allowed: true, Identity: identity}
}

// RecordSuccess reports a successful execution through the identity. It
// resets the failure counter; a successful probe closes the circuit.
func (g *Governor) RecordSuccess(identity string) {
	g.mu.Lock()

	slot, ok := g.byName[identity]
	if !ok {
		g.mu.Unlock()
		return
	}

	slot.consecutiveFailures = 0
	wasSuspended := !slot.circuitOpenUntil.IsZero()
	slot.circuitOpenUntil = time.Time{}
	slot.probing = false
	g.persistLocked()
	g.mu.Unlock()

	g.appendLedger(LedgerEntry{Kind: "outcome", Identity: identity, Reason: "success"})
	if wasSuspended {
		g.appendLedger(LedgerEntry{Kind: "circuit", Identity: identity, Reason: "closed after probe success"})
		g.emitEvent(types.NewCircuitEvent(types.EventTypeCircuitClosed, identity, "probe succeeded"))
	}
}

// RecordFailure reports a failed execution through the identity. Reaching
// the consecutive-failure threshold, or failing the post-cooldown probe,
// opens the circuit for the cool-down window.
func (g *Governor) RecordFailure(identity string) {
	g.mu.Lock()

	slot, ok := g.byName[identity]
	if !ok {
		g.mu.Unlock()
		return
	}

	slot.consecutiveFailures++
	opened := false
	if slot.probing || slot.consecutiveFailures >= g.failureThreshold {
		slot.circuitOpenUntil = g.now().Add(g.cooldown)
		slot.probing = false
		opened = true
	}
	failures := slot.consecutiveFailures
	g.persistLocked()
	g.mu.Unlock()

	g.appendLedger(LedgerEntry{Kind: "outcome", Identity: identity, Reason: "failure"})
	if opened {
		g.appendLedger(LedgerEntry{Kind: "circuit", Identity: identity, Reason: "opened"})
		g.emitEvent(types.NewCircuitEvent(types.EventTypeCircuitOpened, identity, "consecutive execution failures"))
		if g.log != nil {
			g.log.Warnf("circuit opened for identity %s after %d consecutive failures", identity, failures)
		}
	}
}

// RecordAbandoned reports that an admitted attempt was given up before
// the platform saw any request: the browser session was busy, the
// context switch could not be verified, or re-validation withdrew the
// admission. It leaves the failure counter alone; an abandoned probe
// returns the slot to waiting so the next admission probes again.
func (g *Governor) RecordAbandoned(identity string) {
	g.mu.Lock()

	slot, ok := g.byName[identity]
	if !ok {
		g.mu.Unlock()
		return
	}

	slot.probing = false
	g.mu.Unlock()

	g.appendLedger(LedgerEntry{Kind: "outcome", Identity: identity, Reason: "abandoned"})
}

// GovernorStats summarizes admission history and suspended identities.
type GovernorStats struct {
	Admitted     int
	Denied       int
	DenialRate   float64
	OpenCircuits []string
}

// Stats returns a snapshot of admission counters and open circuits.
func (g *Governor) Stats() GovernorStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GovernorStats{Admitted: g.admitted, Denied: g.denied}
	if total := g.admitted + g.denied; total > 0 {
		stats.DenialRate = float64(g.denied) / float64(total)
	}

	now := g.now()
	for _, slot := range g.slots {
		if slot.circuitOpen(now) {
			stats.OpenCircuits = append(stats.OpenCircuits, slot.Name)
		}
	}
	return stats
}

func (g *Governor) persistLocked() {
	if g.store == nil {
		return
	}
	states := make(map[string]SlotState, len(g.slots))
	for _, slot := range g.slots {
		states[slot.Name] = snapshotSlot(slot)
	}
	if err := g.store.Save(states); err != nil && g.log != nil {
		g.log.Errorf("failed to persist identity counters: %v", err)
	}
}

func (g *Governor) appendLedger(entry LedgerEntry) {
	if err := g.ledger.Append(entry); err != nil && g.log != nil {
		g.log.Errorf("failed to append ledger entry: %v", err)
	}
}

func (g *Governor) emitEvent(event *types.BotEvent) {
	if g.emit != nil {
		g.emit(event)
	}
}
