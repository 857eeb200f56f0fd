package governor

import "time"

// IdentitySlot is one rotatable posting account with its own quota and
// failure circuit. Counters are mutated only by the Governor under its
// lock.
type IdentitySlot struct {
	// Name uniquely identifies the identity.
	Name string

	// DailyQuota bounds admissions per calendar day.
	DailyQuota int

	// UsedToday counts admissions in the current day.
	UsedToday int

	// LastActionAt is when the identity was last admitted.
	LastActionAt time.Time

	// day anchors UsedToday to a calendar day ("2006-01-02").
	day string

	// consecutiveFailures counts execution failures since the last
	// success. Admission denials do not count.
	consecutiveFailures int

	// circuitOpenUntil suspends the identity until this instant. Zero
	// means the circuit is closed.
	circuitOpenUntil time.Time

	// probing is true while the single post-cooldown probe attempt is in
	// flight.
	probing bool
}

// rollover resets the daily counter when the calendar day changes.
func (s *IdentitySlot) rollover(now time.Time) {
	day := now.Format("2006-01-02")
	if s.day != day {
		s.day = day
		s.UsedToday = 0
	}
}

// circuitOpen reports whether the identity is currently suspended.
func (s *IdentitySlot) circuitOpen(now time.Time) bool {
	return !s.circuitOpenUntil.IsZero() && now.Before(s.circuitOpenUntil)
}

// cooledDown reports whether a suspension has elapsed and the identity is
// waiting for its probe.
func (s *IdentitySlot) cooledDown(now time.Time) bool {
	return !s.circuitOpenUntil.IsZero() && !now.Before(s.circuitOpenUntil)
}
