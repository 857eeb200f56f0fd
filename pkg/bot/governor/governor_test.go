package governor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGovernor(t *testing.T, slots []SlotConfig, opts ...Option) (*Governor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{
		WithClock(clock.Now),
		WithMinActionInterval(0),
	}, opts...)
	g, err := New(slots, nil, opts...)
	require.NoError(t, err)
	return g, clock
}

func TestAdmit_QuotaExhausted(t *testing.T) {
	g, _ := newTestGovernor(t, []SlotConfig{{Name: "x", DailyQuota: 1}})

	dec := g.Admit("", "r1", "nice post")
	require.True(t, dec.Allowed)
	assert.Equal(t, "x", dec.Identity)

	dec = g.Admit("", "r2", "nice post")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonNoCapacity, dec.Reason)
}

func TestAdmit_NeverReturnsOverQuotaIdentity(t *testing.T) {
	g, _ := newTestGovernor(t, []SlotConfig{
		{Name: "a", DailyQuota: 1},
		{Name: "b", DailyQuota: 5},
	})

	for i := 0; i < 5; i++ {
		dec := g.Admit("", "r", "text")
		require.True(t, dec.Allowed)
		if i >= 1 {
			// a's quota is spent after its single admission.
			assert.Equal(t, "b", dec.Identity)
		}
	}
}

func TestAdmit_QuotaResetsAtDayBoundary(t *testing.T) {
	g, clock := newTestGovernor(t, []SlotConfig{{Name: "x", DailyQuota: 1}})

	require.True(t, g.Admit("", "r1", "text").Allowed)
	require.False(t, g.Admit("", "r2", "text").Allowed)

	clock.Advance(24 * time.Hour)
	assert.True(t, g.Admit("", "r3", "text").Allowed, "calendar day rollover restores the quota")
}

func TestAdmit_MinActionInterval(t *testing.T) {
	clock := newFakeClock()
	g, err := New(
		[]SlotConfig{{Name: "x", DailyQuota: 10}},
		nil,
		WithClock(clock.Now),
		WithMinActionInterval(5*time.Minute),
	)
	require.NoError(t, err)

	require.True(t, g.Admit("", "r1", "text").Allowed)

	dec := g.Admit("", "r2", "text")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonNoCapacity, dec.Reason)

	clock.Advance(5 * time.Minute)
	assert.True(t, g.Admit("", "r3", "text").Allowed)
}

func TestAdmit_Blacklist(t *testing.T) {
	blacklist, err := NewBlacklist([]string{"Buy NOW", "*free gems*"})
	require.NoError(t, err)

	clock := newFakeClock()
	g, err := New(
		[]SlotConfig{{Name: "x", DailyQuota: 10}},
		blacklist,
		WithClock(clock.Now),
		WithMinActionInterval(0),
	)
	require.NoError(t, err)

	dec := g.Admit("", "r1", "you should buy now while it lasts")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonBlacklisted, dec.Reason)

	dec = g.Admit("", "r2", "get your FREE GEMS here")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonBlacklisted, dec.Reason)

	assert.True(t, g.Admit("", "r3", "lovely craftsmanship").Allowed)
}

func TestAdmit_Rotation(t *testing.T) {
	g, _ := newTestGovernor(t, []SlotConfig{
		{Name: "a", DailyQuota: 10},
		{Name: "b", DailyQuota: 10},
	})

	first := g.Admit("", "r1", "text")
	second := g.Admit("", "r2", "text")
	require.True(t, first.Allowed)
	require.True(t, second.Allowed)
	assert.NotEqual(t, first.Identity, second.Identity, "rotation alternates identities")
}

func TestAdmit_HonorsIdentityHint(t *testing.T) {
	g, _ := newTestGovernor(t, []SlotConfig{
		{Name: "a", DailyQuota: 10},
		{Name: "b", DailyQuota: 10},
	})

	dec := g.Admit("b", "r1", "text")
	require.True(t, dec.Allowed)
	assert.Equal(t, "b", dec.Identity)
}

func TestCircuit_OpensAfterConsecutiveFailures(t *testing.T) {
	g, _ := newTestGovernor(t,
		[]SlotConfig{{Name: "x", DailyQuota: 100}},
		WithCircuit(3, 10*time.Minute),
	)

	for i := 0; i < 3; i++ {
		require.True(t, g.Admit("", "r", "text").Allowed)
		g.RecordFailure("x")
	}

	dec := g.Admit("", "r", "text")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonCircuitOpen, dec.Reason)

	stats := g.Stats()
	assert.Contains(t, stats.OpenCircuits, "x")
}

func TestCircuit_SuccessResetsFailureCount(t *testing.T) {
	g, _ := newTestGovernor(t,
		[]SlotConfig{{Name: "x", DailyQuota: 100}},
		WithCircuit(3, 10*time.Minute),
	)

	g.RecordFailure("x")
	g.RecordFailure("x")
	g.RecordSuccess("x")
	g.RecordFailure("x")
	g.RecordFailure("x")

	// Only two consecutive failures since the success, circuit stays shut.
	assert.True(t, g.Admit("", "r", "text").Allowed)
}

func TestCircuit_ProbeAfterCooldown(t *testing.T) {
	g, clock := newTestGovernor(t,
		[]SlotConfig{{Name: "x", DailyQuota: 100}},
		WithCircuit(2, 10*time.Minute),
	)

	require.True(t, g.Admit("", "r", "text").Allowed)
	g.RecordFailure("x")
	g.RecordFailure("x")

	require.False(t, g.Admit("", "r", "text").Allowed, "suspended during cooldown")

	clock.Advance(10 * time.Minute)

	// First post-cooldown admission is the probe.
	probe := g.Admit("", "r", "text")
	require.True(t, probe.Allowed)

	// No second concurrent attempt while the probe is in flight.
	dec := g.Admit("", "r", "text")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonCircuitOpen, dec.Reason)

	// Probe success closes the circuit and resets the counter.
	g.RecordSuccess("x")
	assert.True(t, g.Admit("", "r", "text").Allowed)
	assert.Empty(t, g.Stats().OpenCircuits)
}

func TestCircuit_ProbeFailureReopens(t *testing.T) {
	g, clock := newTestGovernor(t,
		[]SlotConfig{{Name: "x", DailyQuota: 100}},
		WithCircuit(2, 10*time.Minute),
	)

	g.RecordFailure("x")
	g.RecordFailure("x")
	clock.Advance(10 * time.Minute)

	require.True(t, g.Admit("", "r", "text").Allowed)
	g.RecordFailure("x")

	dec := g.Admit("", "r", "text")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonCircuitOpen, dec.Reason, "failed probe reopens the circuit")
}

func TestRecordAbandoned_DoesNotCountAsFailure(t *testing.T) {
	g, _ := newTestGovernor(t,
		[]SlotConfig{{Name: "x", DailyQuota: 100}},
		WithCircuit(3, 10*time.Minute),
	)

	g.RecordFailure("x")
	g.RecordFailure("x")
	g.RecordAbandoned("x")
	assert.Empty(t, g.Stats().OpenCircuits, "an abandoned attempt is not an execution failure")

	// The third real failure still trips the threshold.
	g.RecordFailure("x")
	assert.Equal(t, []string{"x"}, g.Stats().OpenCircuits)
}

func TestRecordAbandoned_ProbeIsRetried(t *testing.T) {
	g, clock := newTestGovernor(t,
		[]SlotConfig{{Name: "x", DailyQuota: 100}},
		WithCircuit(2, 10*time.Minute),
	)

	require.True(t, g.Admit("", "r", "text").Allowed)
	g.RecordFailure("x")
	g.RecordFailure("x")
	clock.Advance(10 * time.Minute)

	probe := g.Admit("", "r", "text")
	require.True(t, probe.Allowed)

	// The probe never reached the platform; the slot goes back to
	// waiting instead of being stranded as in-flight forever.
	g.RecordAbandoned("x")

	retry := g.Admit("", "r", "text")
	require.True(t, retry.Allowed, "the next admission probes again")
	g.RecordSuccess("x")
	assert.Empty(t, g.Stats().OpenCircuits)
}

func TestRevalidate(t *testing.T) {
	blacklist, err := NewBlacklist([]string{"spam"})
	require.NoError(t, err)

	clock := newFakeClock()
	g, err := New(
		[]SlotConfig{{Name: "x", DailyQuota: 100}},
		blacklist,
		WithClock(clock.Now),
		WithMinActionInterval(0),
		WithCircuit(1, 10*time.Minute),
	)
	require.NoError(t, err)

	require.True(t, g.Revalidate("x", "fine text").Allowed)
	assert.Equal(t, ReasonBlacklisted, g.Revalidate("x", "pure spam").Reason)

	used := g.Admit("", "r", "fine text")
	require.True(t, used.Allowed)
	before := g.Stats().Admitted
	g.Revalidate("x", "fine text")
	assert.Equal(t, before, g.Stats().Admitted, "revalidation consumes no quota")

	g.RecordFailure("x")
	assert.Equal(t, ReasonCircuitOpen, g.Revalidate("x", "fine text").Reason)
}

func TestSlotStore_CountersSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.json")
	store := NewFileSlotStore(path)
	clock := newFakeClock()

	g, err := New(
		[]SlotConfig{{Name: "x", DailyQuota: 1}},
		nil,
		WithClock(clock.Now),
		WithMinActionInterval(0),
		WithSlotStore(store),
	)
	require.NoError(t, err)
	require.True(t, g.Admit("", "r1", "text").Allowed)

	// Rebuild from the same store, same day.
	g2, err := New(
		[]SlotConfig{{Name: "x", DailyQuota: 1}},
		nil,
		WithClock(clock.Now),
		WithMinActionInterval(0),
		WithSlotStore(store),
	)
	require.NoError(t, err)

	dec := g2.Admit("", "r2", "text")
	require.False(t, dec.Allowed, "restored counters keep the quota spent")
	assert.Equal(t, ReasonNoCapacity, dec.Reason)
}

func TestStats_DenialRate(t *testing.T) {
	g, _ := newTestGovernor(t, []SlotConfig{{Name: "x", DailyQuota: 1}})

	g.Admit("", "r1", "text")
	g.Admit("", "r2", "text")
	g.Admit("", "r3", "text")

	stats := g.Stats()
	assert.Equal(t, 1, stats.Admitted)
	assert.Equal(t, 2, stats.Denied)
	assert.InDelta(t, 2.0/3.0, stats.DenialRate, 1e-9)
}
