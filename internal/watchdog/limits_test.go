package watchdog_test

import (
	"math"
	"testing"

	"github.com/openbenchlab/psuwatch/internal/watchdog"
	"github.com/stretchr/testify/require"
)

type limitEvent struct {
	ch   int
	kind watchdog.EventKind
	p    float64
}

type limitHarness struct {
	limiter   *watchdog.Limiter
	events    []limitEvent
	tripCalls int
	tripOn    bool // what trip reports: output was on
}

func newLimitHarness(channels int) *limitHarness {
	return &limitHarness{
		limiter: watchdog.NewLimiter(channels),
		tripOn:  true,
	}
}

func (h *limitHarness) observe(ch int, p float64) {
	h.limiter.Observe(ch, 1.0, p, p,
		func(ch int) bool {
			h.tripCalls++
			return h.tripOn
		},
		func(ch int, kind watchdog.EventKind, v, i, p float64) {
			h.events = append(h.events, limitEvent{ch: ch, kind: kind, p: p})
		})
}

func (h *limitHarness) kinds() []watchdog.EventKind {
	kinds := make([]watchdog.EventKind, 0, len(h.events))
	for _, e := range h.events {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func TestLimiterNoThresholdsNoEvents(t *testing.T) {
	h := newLimitHarness(1)

	for _, p := range []float64{0, 5, 100, 1e6} {
		h.observe(1, p)
	}

	require.Empty(t, h.events)
	require.Zero(t, h.tripCalls)
}

func TestLimiterSoftCrossings(t *testing.T) {
	h := newLimitHarness(1)
	require.NoError(t, h.limiter.SetLimits(1, 8, math.Inf(1)))

	h.observe(1, 5)
	require.Empty(t, h.events)

	h.observe(1, 9)
	require.Equal(t, []watchdog.EventKind{watchdog.SoftCrossUp}, h.kinds())

	// Staying above the threshold is not a new edge.
	h.observe(1, 9.5)
	require.Len(t, h.events, 1)

	h.observe(1, 7)
	require.Equal(t, []watchdog.EventKind{
		watchdog.SoftCrossUp,
		watchdog.SoftCrossDown,
	}, h.kinds())

	require.Zero(t, h.tripCalls)
}

func TestLimiterHardTripLatches(t *testing.T) {
	h := newLimitHarness(1)
	require.NoError(t, h.limiter.SetLimits(1, 8, 10))

	h.observe(1, 5)
	h.observe(1, 9)
	h.observe(1, 12.5)

	require.Equal(t, []watchdog.EventKind{
		watchdog.SoftCrossUp,
		watchdog.HardCrossUp,
		watchdog.HardTrip,
	}, h.kinds())
	require.Equal(t, 1, h.tripCalls)

	st, ok := h.limiter.State(1)
	require.True(t, ok)
	require.True(t, st.Latched)
	require.True(t, st.CrossedHard)

	// While latched the channel is left alone: no events, no re-trip.
	h.observe(1, 12)
	h.observe(1, 11)
	h.observe(1, 9) // above soft, latch holds
	require.Len(t, h.events, 3)
	require.Equal(t, 1, h.tripCalls)
}

func TestLimiterLatchClearsAtSoftWithSameCycleCrossDowns(t *testing.T) {
	h := newLimitHarness(1)
	require.NoError(t, h.limiter.SetLimits(1, 8, 10))

	h.observe(1, 12.5)
	h.observe(1, 9)
	require.Equal(t, []watchdog.EventKind{
		watchdog.SoftCrossUp,
		watchdog.HardCrossUp,
		watchdog.HardTrip,
	}, h.kinds())

	// Receding to the soft threshold clears the latch, and the pending
	// cross-down edges fire in the same observation.
	h.observe(1, 7)
	require.Equal(t, []watchdog.EventKind{
		watchdog.SoftCrossUp,
		watchdog.HardCrossUp,
		watchdog.HardTrip,
		watchdog.LatchCleared,
		watchdog.SoftCrossDown,
		watchdog.HardCrossDown,
	}, h.kinds())

	st, ok := h.limiter.State(1)
	require.True(t, ok)
	require.False(t, st.Latched)
	require.False(t, st.CrossedSoft)
	require.False(t, st.CrossedHard)
	require.Equal(t, 1, h.tripCalls)
}

func TestLimiterInfiniteSoftClearsLatchImmediately(t *testing.T) {
	h := newLimitHarness(1)
	require.NoError(t, h.limiter.SetLimits(1, math.Inf(1), 10))

	h.observe(1, 12.5)
	require.Equal(t, []watchdog.EventKind{
		watchdog.HardCrossUp,
		watchdog.HardTrip,
	}, h.kinds())

	// No warning band configured: the next reading clears the latch even
	// though power is still over the hard limit, and the standing crossing
	// does not re-trip.
	h.observe(1, 12.5)
	require.Equal(t, watchdog.LatchCleared, h.events[len(h.events)-1].kind)
	require.Equal(t, 1, h.tripCalls)

	h.observe(1, 5)
	require.Equal(t, watchdog.HardCrossDown, h.events[len(h.events)-1].kind)
}

func TestLimiterTripReportsOutputAlreadyOff(t *testing.T) {
	h := newLimitHarness(1)
	h.tripOn = false
	require.NoError(t, h.limiter.SetLimits(1, math.Inf(1), 10))

	h.observe(1, 12.5)

	// The crossing is reported and the latch engages, but no trip event is
	// emitted when there was no output to cut.
	require.Equal(t, []watchdog.EventKind{watchdog.HardCrossUp}, h.kinds())
	require.Equal(t, 1, h.tripCalls)

	st, ok := h.limiter.State(1)
	require.True(t, ok)
	require.True(t, st.Latched)
}

func TestLimiterChannelsIndependent(t *testing.T) {
	h := newLimitHarness(3)
	require.NoError(t, h.limiter.SetLimits(2, math.Inf(1), 10))

	h.observe(1, 50)
	h.observe(2, 12.5)
	h.observe(3, 50)

	require.Equal(t, []watchdog.EventKind{
		watchdog.HardCrossUp,
		watchdog.HardTrip,
	}, h.kinds())
	for _, e := range h.events {
		require.Equal(t, 2, e.ch)
	}

	st, ok := h.limiter.State(1)
	require.True(t, ok)
	require.False(t, st.Latched)
}

func TestLimiterUnknownChannel(t *testing.T) {
	l := watchdog.NewLimiter(2)

	require.ErrorIs(t, l.SetLimits(0, 1, 2), watchdog.ErrUnknownChannel)
	require.ErrorIs(t, l.SetLimits(3, 1, 2), watchdog.ErrUnknownChannel)
	require.NoError(t, l.SetLimits(2, 1, 2))

	_, _, ok := l.Limits(3)
	require.False(t, ok)

	soft, hard, ok := l.Limits(2)
	require.True(t, ok)
	require.Equal(t, 1.0, soft)
	require.Equal(t, 2.0, hard)
}

func TestEventKindLabels(t *testing.T) {
	require.Equal(t, "CH1_HARD_TRIP", watchdog.HardTrip.Label(1))
	require.Equal(t, "CH3_SOFT_CROSS_DOWN", watchdog.SoftCrossDown.Label(3))
	require.Equal(t, "LATCH_CLEARED", watchdog.LatchCleared.String())
}
