package watchdog_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openbenchlab/psuwatch/internal/watchdog"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAdapter is an in-memory instrument. It records the order of hardware
// calls so tests can assert how the poll loop interleaves actions and
// sampling.
type fakeAdapter struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	masterOn   bool
	outputOn   map[int]bool
	readings   map[int][3]float64 // v, i, p
	connectErr error
	calls      []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		outputOn: make(map[int]bool),
		readings: make(map[int][3]float64),
	}
}

func (f *fakeAdapter) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeAdapter) Connect(ctx context.Context, resource string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect")
	if f.connectErr != nil {
		return "", f.connectErr
	}
	f.connected = true
	f.closed = false
	return "FAKE,PSU,000001,1.00", nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.connected = false
	f.closed = true
	return nil
}

func (f *fakeAdapter) SetVoltageCurrent(ctx context.Context, ch int, voltage, current float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set_vi")
	return nil
}

func (f *fakeAdapter) ToggleOutput(ctx context.Context, ch int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("toggle")
	f.outputOn[ch] = !f.outputOn[ch]
	return f.outputOn[ch], nil
}

func (f *fakeAdapter) SetMasterOutput(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("master_%v", on))
	f.masterOn = on
	return nil
}

func (f *fakeAdapter) ReadMeasurement(ctx context.Context, ch int) (float64, float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("read")
	r, ok := f.readings[ch]
	if !ok {
		return 0, 0, 0, nil
	}
	return r[0], r[1], r[2], nil
}

func (f *fakeAdapter) IsOutputOn(ctx context.Context, ch int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("is_on")
	return f.outputOn[ch], nil
}

func (f *fakeAdapter) DisableOutput(ctx context.Context, ch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disable")
	f.outputOn[ch] = false
	return nil
}

func (f *fakeAdapter) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) state() (connected, closed, masterOn bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, f.closed, f.masterOn
}

// recordSink collects every published message.
type recordSink struct {
	mu   sync.Mutex
	msgs []watchdog.Message
}

func (s *recordSink) Publish(msg watchdog.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *recordSink) messages() []watchdog.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]watchdog.Message(nil), s.msgs...)
}

func (s *recordSink) byType(t watchdog.MessageType) []watchdog.Message {
	var out []watchdog.Message
	for _, m := range s.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordSink) hasStatus(ok bool, contains string) bool {
	for _, m := range s.byType(watchdog.MsgStatus) {
		d, isStatus := m.Data.(watchdog.StatusData)
		if isStatus && d.OK == ok && strings.Contains(d.Msg, contains) {
			return true
		}
	}
	return false
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startWatchdog(t *testing.T, w *watchdog.Watchdog) *loopHandle {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	h := &loopHandle{cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("watchdog did not stop")
		}
	})
	return h
}

func (h *loopHandle) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}

func newTestWatchdog(adapter watchdog.DeviceAdapter, sink watchdog.Sink, channels int) *watchdog.Watchdog {
	return watchdog.New(watchdog.Config{
		Interval:           watchdog.MinInterval,
		MaxActionsPerCycle: 10,
		Channels:           channels,
		IOTimeout:          time.Second,
	}, adapter, sink, zap.NewNop())
}

func TestWatchdogConnectPollQuit(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.readings[1] = [3]float64{5.0, 0.5, 2.5}
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 1)

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.ConnectAction("fake:5025"))

	require.Eventually(t, func() bool {
		return len(sink.byType(watchdog.MsgMeasurement)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NotEmpty(t, sink.byType(watchdog.MsgConnected))

	snap := w.Snapshot()
	require.True(t, snap.Connected)
	require.Equal(t, "fake:5025", snap.Resource)
	require.Equal(t, "FAKE,PSU,000001,1.00", snap.IDN)

	measurements := sink.byType(watchdog.MsgMeasurement)
	data, ok := measurements[0].Data.(watchdog.MeasurementData)
	require.True(t, ok)
	require.Contains(t, data.Data, "CH1")
	require.Equal(t, 2.5, data.Data["CH1"].Power)

	// Consecutive samples respect the cadence (with slack for per-cycle
	// work shifting inside the interval).
	next, ok := measurements[1].Data.(watchdog.MeasurementData)
	require.True(t, ok)
	require.GreaterOrEqual(t, next.Elapsed-data.Elapsed, 0.8*watchdog.MinInterval.Seconds())

	// Quit performs an orderly disconnect: master off, then close.
	w.Enqueue(watchdog.QuitAction())
	h.wait(t)

	connected, closed, masterOn := adapter.state()
	require.False(t, connected)
	require.True(t, closed)
	require.False(t, masterOn)
	require.NotEmpty(t, sink.byType(watchdog.MsgDisconnected))
}

func TestWatchdogActionBurstDoesNotStarvePolling(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.readings[1] = [3]float64{1, 1, 1}
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 1)

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.ConnectAction("fake:5025"))
	require.Eventually(t, func() bool {
		return w.Snapshot().Connected
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 50; i++ {
		w.Enqueue(watchdog.SetVIAction(1, float64(i), 1))
	}

	require.Eventually(t, func() bool {
		return w.Snapshot().QueueDepth == 0
	}, 5*time.Second, 10*time.Millisecond)

	w.Enqueue(watchdog.QuitAction())
	h.wait(t)

	// The batch bound guarantees a sampling pass between every ten actions.
	consecutive := 0
	for _, call := range adapter.callLog() {
		switch call {
		case "set_vi":
			consecutive++
			require.LessOrEqual(t, consecutive, 10)
		case "read":
			consecutive = 0
		}
	}
}

func TestWatchdogDropsMutatingActionsWhileDisconnected(t *testing.T) {
	adapter := newFakeAdapter()
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 1)

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.SetVIAction(1, 5, 1))
	w.Enqueue(watchdog.ToggleOutputAction(1))
	w.Enqueue(watchdog.SetMasterAction(true))

	require.Eventually(t, func() bool {
		return sink.hasStatus(false, "set_vi dropped: not connected") &&
			sink.hasStatus(false, "toggle_ch dropped: not connected") &&
			sink.hasStatus(false, "master dropped: not connected")
	}, 2*time.Second, 10*time.Millisecond)

	for _, call := range adapter.callLog() {
		require.NotContains(t, []string{"set_vi", "toggle", "master_true"}, call)
	}

	w.Enqueue(watchdog.QuitAction())
	h.wait(t)
}

func TestWatchdogSetLimitsWorksWhileDisconnected(t *testing.T) {
	adapter := newFakeAdapter()
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 2)

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.SetLimitsAction(2, 8, 10))

	require.Eventually(t, func() bool {
		return sink.hasStatus(true, "CH2 limits updated")
	}, 2*time.Second, 10*time.Millisecond)

	soft, hard, ok := w.Limiter().Limits(2)
	require.True(t, ok)
	require.Equal(t, 8.0, soft)
	require.Equal(t, 10.0, hard)

	w.Enqueue(watchdog.QuitAction())
	h.wait(t)
}

func TestWatchdogSurvivesConnectFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.connectErr = fmt.Errorf("connection refused")
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 1)

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.ConnectAction("fake:5025"))

	require.Eventually(t, func() bool {
		return sink.hasStatus(false, "Connect failed")
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, w.Snapshot().Connected)

	// The loop keeps running and still answers later actions.
	w.Enqueue(watchdog.SetLimitsAction(1, 8, 10))
	require.Eventually(t, func() bool {
		return sink.hasStatus(true, "CH1 limits updated")
	}, 2*time.Second, 10*time.Millisecond)

	w.Enqueue(watchdog.QuitAction())
	h.wait(t)
}

func TestWatchdogRejectsSecondConnect(t *testing.T) {
	adapter := newFakeAdapter()
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 1)

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.ConnectAction("fake:5025"))
	require.Eventually(t, func() bool {
		return w.Snapshot().Connected
	}, 2*time.Second, 10*time.Millisecond)

	w.Enqueue(watchdog.ConnectAction("fake:5026"))
	require.Eventually(t, func() bool {
		return sink.hasStatus(false, "already connected")
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "fake:5025", w.Snapshot().Resource)

	w.Enqueue(watchdog.QuitAction())
	h.wait(t)
}

func TestWatchdogHardTripCutsOutput(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.outputOn[1] = true
	adapter.readings[1] = [3]float64{25.0, 0.5, 12.5}
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 1)

	require.NoError(t, w.SetLimits(1, math.Inf(1), 10))

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.ConnectAction("fake:5025"))

	require.Eventually(t, func() bool {
		for _, m := range sink.byType(watchdog.MsgEvent) {
			d, ok := m.Data.(watchdog.EventData)
			if ok && d.Event == "CH1_HARD_TRIP" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	adapter.mu.Lock()
	outputOn := adapter.outputOn[1]
	adapter.mu.Unlock()
	require.False(t, outputOn)

	events := sink.byType(watchdog.MsgEvent)
	first, ok := events[0].Data.(watchdog.EventData)
	require.True(t, ok)
	require.Equal(t, "CH1_HARD_CROSS_UP", first.Event)
	require.Equal(t, 12.5, first.Power)
	require.Equal(t, 1, first.Channel)

	w.Enqueue(watchdog.QuitAction())
	h.wait(t)
}

func TestWatchdogSkipsInvalidReadings(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.readings[1] = [3]float64{math.NaN(), 0.5, 2.5}
	adapter.readings[2] = [3]float64{5.0, 0.5, 2.5}
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 2)

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.ConnectAction("fake:5025"))

	require.Eventually(t, func() bool {
		return len(sink.byType(watchdog.MsgMeasurement)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	for _, m := range sink.byType(watchdog.MsgMeasurement) {
		data, ok := m.Data.(watchdog.MeasurementData)
		require.True(t, ok)
		require.NotContains(t, data.Data, "CH1")
		require.Contains(t, data.Data, "CH2")
	}

	w.Enqueue(watchdog.QuitAction())
	h.wait(t)
}

func TestWatchdogSetIntervalClamps(t *testing.T) {
	w := newTestWatchdog(newFakeAdapter(), &recordSink{}, 1)

	applied := w.SetInterval(5 * time.Millisecond)
	require.Equal(t, watchdog.MinInterval, applied)
	require.Equal(t, watchdog.MinInterval, w.Interval())

	applied = w.SetInterval(750 * time.Millisecond)
	require.Equal(t, 750*time.Millisecond, applied)
}

func TestWatchdogContextCancelDisconnects(t *testing.T) {
	adapter := newFakeAdapter()
	sink := &recordSink{}
	w := newTestWatchdog(adapter, sink, 1)

	h := startWatchdog(t, w)
	w.Enqueue(watchdog.ConnectAction("fake:5025"))
	require.Eventually(t, func() bool {
		return w.Snapshot().Connected
	}, 2*time.Second, 10*time.Millisecond)

	h.cancel()
	h.wait(t)

	connected, closed, _ := adapter.state()
	require.False(t, connected)
	require.True(t, closed)
}
