package watchdog

import (
	"errors"
	"math"
	"sync"
)

// ErrUnknownChannel is returned for channel indexes outside 1..N.
var ErrUnknownChannel = errors.New("unknown channel")

// ChannelState is a snapshot of one channel's enforcement state.
type ChannelState struct {
	Soft        float64 `json:"-"`
	Hard        float64 `json:"-"`
	CrossedSoft bool    `json:"crossed_soft"`
	CrossedHard bool    `json:"crossed_hard"`
	Latched     bool    `json:"latched"`
}

type channelState struct {
	soft        float64 // watts, +Inf = disabled
	hard        float64
	crossedSoft bool
	crossedHard bool
	latched     bool
}

// Limiter tracks soft/hard power thresholds and crossing state per channel.
// Thresholds may be written from the command intake while the poll loop reads
// them; crossing and latch state are written only by the poll loop via
// Observe.
type Limiter struct {
	mu       sync.Mutex
	channels []*channelState // index 1..N
}

func NewLimiter(channels int) *Limiter {
	l := &Limiter{channels: make([]*channelState, channels+1)}
	for ch := 1; ch <= channels; ch++ {
		l.channels[ch] = &channelState{soft: math.Inf(1), hard: math.Inf(1)}
	}
	return l
}

func (l *Limiter) state(ch int) *channelState {
	if ch < 1 || ch >= len(l.channels) {
		return nil
	}
	return l.channels[ch]
}

// SetLimits stores the soft and hard thresholds for a channel. +Inf disables
// the respective threshold.
func (l *Limiter) SetLimits(ch int, soft, hard float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(ch)
	if st == nil {
		return ErrUnknownChannel
	}
	st.soft = soft
	st.hard = hard
	return nil
}

func (l *Limiter) Limits(ch int) (soft, hard float64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(ch)
	if st == nil {
		return 0, 0, false
	}
	return st.soft, st.hard, true
}

func (l *Limiter) State(ch int) (ChannelState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(ch)
	if st == nil {
		return ChannelState{}, false
	}
	return ChannelState{
		Soft:        st.soft,
		Hard:        st.hard,
		CrossedSoft: st.crossedSoft,
		CrossedHard: st.crossedHard,
		Latched:     st.latched,
	}, true
}

// Observe runs the enforcement state machine against one valid measurement.
//
// While latched, the channel is left alone until power recedes to the soft
// threshold; an infinite soft limit clears the latch on the first reading at
// or below the hard limit (no hysteresis band — "no warning band configured"
// reduces recovery to "are we still over hard limit"). After a latch clears,
// edge detection resumes within the same observation, so the pending
// cross-down edges fire in the same cycle as LATCH_CLEARED.
//
// trip is called on a rising hard edge; it must disable the output if it is
// on and report whether it actually was. emit receives every event in order.
// Only the poll loop may call Observe.
func (l *Limiter) Observe(ch int, v, i, p float64, trip func(ch int) bool, emit func(ch int, kind EventKind, v, i, p float64)) {
	l.mu.Lock()
	st := l.state(ch)
	if st == nil {
		l.mu.Unlock()
		return
	}
	soft, hard := st.soft, st.hard
	latched := st.latched
	prevSoft, prevHard := st.crossedSoft, st.crossedHard
	l.mu.Unlock()

	if latched {
		if math.IsInf(soft, 1) || p <= soft {
			latched = false
			emit(ch, LatchCleared, v, i, p)
		} else {
			return
		}
	}

	softNow := !math.IsInf(soft, 1) && p > soft
	hardNow := !math.IsInf(hard, 1) && p > hard

	if softNow && !prevSoft {
		emit(ch, SoftCrossUp, v, i, p)
	} else if !softNow && prevSoft {
		emit(ch, SoftCrossDown, v, i, p)
	}

	if hardNow && !prevHard {
		emit(ch, HardCrossUp, v, i, p)
		if trip(ch) {
			emit(ch, HardTrip, v, i, p)
		}
		latched = true
	} else if !hardNow && prevHard {
		emit(ch, HardCrossDown, v, i, p)
	}

	l.mu.Lock()
	st.crossedSoft = softNow
	st.crossedHard = hardNow
	st.latched = latched
	l.mu.Unlock()
}
