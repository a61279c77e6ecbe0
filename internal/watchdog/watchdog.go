// Package watchdog implements the power-supply supervisor: a single-owner
// poll loop that arbitrates between queued operator actions and periodic
// hardware polling, and the limit-enforcement state machine that autonomously
// cuts an output when measured power exceeds its hard limit.
package watchdog

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MinInterval is the lower bound for the polling cadence.
	MinInterval = 50 * time.Millisecond

	// DefaultMaxActionsPerCycle bounds the action batch so a command burst can
	// never starve the measurement-and-enforcement pass.
	DefaultMaxActionsPerCycle = 10

	// DefaultIOTimeout bounds every single instrument exchange so a stalled
	// instrument cannot stall the enforcement cadence indefinitely.
	DefaultIOTimeout = 2 * time.Second
)

// Config carries the construction-time parameters of the supervisor.
type Config struct {
	Interval           time.Duration // initial polling cadence
	MaxActionsPerCycle int           // actions executed per cycle, >= 1
	Channels           int           // instrument channel count, 1..N
	IOTimeout          time.Duration // per-exchange instrument timeout
}

func (c *Config) applyDefaults() {
	if c.Interval < MinInterval {
		c.Interval = MinInterval
	}
	if c.MaxActionsPerCycle < 1 {
		c.MaxActionsPerCycle = DefaultMaxActionsPerCycle
	}
	if c.Channels < 1 {
		c.Channels = 1
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
}

// ChannelSnapshot reports one channel's control state for the status surface.
type ChannelSnapshot struct {
	Channel     int     `json:"channel"`
	VoltageSet  float64 `json:"voltage_set"`
	CurrentSet  float64 `json:"current_set"`
	SoftLimit   string  `json:"soft_limit"`
	HardLimit   string  `json:"hard_limit"`
	CrossedSoft bool    `json:"crossed_soft"`
	CrossedHard bool    `json:"crossed_hard"`
	Latched     bool    `json:"latched"`
}

// Snapshot is the supervisor's externally visible state.
type Snapshot struct {
	Connected       bool              `json:"connected"`
	Resource        string            `json:"resource,omitempty"`
	IDN             string            `json:"idn,omitempty"`
	IntervalSeconds float64           `json:"interval_seconds"`
	QueueDepth      int               `json:"queue_depth"`
	Channels        []ChannelSnapshot `json:"channels"`
}

// Watchdog owns the instrument session. Exactly one goroutine runs Run; the
// command intake reaches it only through Enqueue and the direct control-state
// setters (SetInterval, SetLimits).
type Watchdog struct {
	cfg     Config
	adapter DeviceAdapter
	sink    Sink
	logger  *zap.Logger

	queue   *ActionQueue
	limiter *Limiter

	mu        sync.Mutex
	interval  time.Duration
	connected bool
	resource  string
	idn       string
	vSet      []float64 // index 1..N
	iSet      []float64
	start     time.Time
}

func New(cfg Config, adapter DeviceAdapter, sink Sink, logger *zap.Logger) *Watchdog {
	cfg.applyDefaults()

	return &Watchdog{
		cfg:      cfg,
		adapter:  adapter,
		sink:     sink,
		logger:   logger,
		queue:    NewActionQueue(),
		limiter:  NewLimiter(cfg.Channels),
		interval: cfg.Interval,
		vSet:     make([]float64, cfg.Channels+1),
		iSet:     make([]float64, cfg.Channels+1),
	}
}

// Enqueue hands a hardware-affecting action to the poll loop. It never blocks.
func (w *Watchdog) Enqueue(a Action) {
	w.queue.Push(a)
}

// SetInterval updates the polling cadence, clamped to MinInterval. Takes
// effect from the next cycle's sleep.
func (w *Watchdog) SetInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		d = MinInterval
	}
	w.mu.Lock()
	w.interval = d
	w.mu.Unlock()

	w.status(true, fmt.Sprintf("Interval set to %gs", d.Seconds()))
	return d
}

func (w *Watchdog) Interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// SetLimits stores a channel's soft/hard power thresholds. No hardware access,
// so it bypasses the queue.
func (w *Watchdog) SetLimits(ch int, soft, hard float64) error {
	if err := w.limiter.SetLimits(ch, soft, hard); err != nil {
		w.status(false, fmt.Sprintf("CH%d limits rejected: %v", ch, err))
		return err
	}
	w.status(true, fmt.Sprintf("CH%d limits updated", ch))
	return nil
}

// Limiter exposes the enforcement state machine, mainly for the status surface.
func (w *Watchdog) Limiter() *Limiter {
	return w.limiter
}

// Snapshot returns the current control state for the status endpoint.
func (w *Watchdog) Snapshot() Snapshot {
	w.mu.Lock()
	snap := Snapshot{
		Connected:       w.connected,
		Resource:        w.resource,
		IDN:             w.idn,
		IntervalSeconds: w.interval.Seconds(),
		Channels:        make([]ChannelSnapshot, 0, w.cfg.Channels),
	}
	vSet := append([]float64(nil), w.vSet...)
	iSet := append([]float64(nil), w.iSet...)
	w.mu.Unlock()

	snap.QueueDepth = w.queue.Len()

	for ch := 1; ch <= w.cfg.Channels; ch++ {
		st, _ := w.limiter.State(ch)
		snap.Channels = append(snap.Channels, ChannelSnapshot{
			Channel:     ch,
			VoltageSet:  vSet[ch],
			CurrentSet:  iSet[ch],
			SoftLimit:   FormatLimit(st.Soft),
			HardLimit:   FormatLimit(st.Hard),
			CrossedSoft: st.CrossedSoft,
			CrossedHard: st.CrossedHard,
			Latched:     st.Latched,
		})
	}
	return snap
}

// Run drives the poll loop until ctx is cancelled or a Quit action arrives.
// One cycle: bounded action batch, channel sampling, limit enforcement, sleep
// for the remainder of the interval. Transient instrument errors never
// terminate the loop.
func (w *Watchdog) Run(ctx context.Context) {
	w.mu.Lock()
	w.start = time.Now()
	w.mu.Unlock()

	w.logger.Info("Watchdog started",
		zap.Duration("interval", w.Interval()),
		zap.Int("channels", w.cfg.Channels),
		zap.Int("max_actions_per_cycle", w.cfg.MaxActionsPerCycle))

	for {
		if ctx.Err() != nil {
			w.shutdown()
			return
		}

		cycleStart := time.Now()

		if quit := w.runActionBatch(ctx); quit || ctx.Err() != nil {
			w.shutdown()
			return
		}

		w.pollAndEnforce(ctx)

		// Sleep the remainder; an overrun cycle starts the next one
		// immediately, with no catch-up skipping.
		rest := w.Interval() - time.Since(cycleStart)
		if rest > 0 {
			select {
			case <-ctx.Done():
				w.shutdown()
				return
			case <-time.After(rest):
			}
		}
	}
}

// runActionBatch executes up to MaxActionsPerCycle queued actions in FIFO
// order. Returns true when a Quit action was consumed.
func (w *Watchdog) runActionBatch(ctx context.Context) bool {
	for _, a := range w.queue.DrainUpTo(w.cfg.MaxActionsPerCycle) {
		if a.Kind == ActionQuit {
			w.logger.Info("Quit action received")
			return true
		}
		w.executeAction(ctx, a)
	}
	return false
}

func (w *Watchdog) executeAction(ctx context.Context, a Action) {
	w.logger.Debug("Executing action",
		zap.String("action_id", a.ID.String()),
		zap.Stringer("kind", a.Kind))

	switch a.Kind {
	case ActionConnect:
		w.connect(ctx, a.Resource)

	case ActionDisconnect:
		w.disconnect()

	case ActionSetLimits:
		// No hardware access; valid even while disconnected.
		if err := w.limiter.SetLimits(a.Channel, a.Soft, a.Hard); err != nil {
			w.status(false, fmt.Sprintf("CH%d limits rejected: %v", a.Channel, err))
			return
		}
		w.status(true, fmt.Sprintf("CH%d limits updated", a.Channel))

	case ActionSetVI:
		if !w.requireConnected(a) {
			return
		}
		if a.Channel < 1 || a.Channel > w.cfg.Channels {
			w.status(false, fmt.Sprintf("CH%d set VI rejected: %v", a.Channel, ErrUnknownChannel))
			return
		}
		w.mu.Lock()
		w.vSet[a.Channel] = a.Voltage
		w.iSet[a.Channel] = a.Current
		w.mu.Unlock()

		err := w.withTimeout(ctx, func(opCtx context.Context) error {
			return w.adapter.SetVoltageCurrent(opCtx, a.Channel, a.Voltage, a.Current)
		})
		w.status(err == nil, fmt.Sprintf("CH%d set VI %g,%g", a.Channel, a.Voltage, a.Current))

	case ActionToggleOutput:
		if !w.requireConnected(a) {
			return
		}
		var newState bool
		err := w.withTimeout(ctx, func(opCtx context.Context) error {
			var toggleErr error
			newState, toggleErr = w.adapter.ToggleOutput(opCtx, a.Channel)
			return toggleErr
		})
		if err != nil {
			w.status(false, fmt.Sprintf("CH%d toggle failed: %v", a.Channel, err))
			return
		}
		w.status(true, fmt.Sprintf("CH%d toggled, output %s", a.Channel, onOff(newState)))

	case ActionSetMaster:
		if !w.requireConnected(a) {
			return
		}
		err := w.withTimeout(ctx, func(opCtx context.Context) error {
			return w.adapter.SetMasterOutput(opCtx, a.On)
		})
		w.status(err == nil, fmt.Sprintf("Master %s", onOff(a.On)))

	case ActionQuit:
		// Handled in runActionBatch.
	}
}

func (w *Watchdog) connect(ctx context.Context, resource string) {
	if w.isConnected() {
		w.status(false, "Connect failed: already connected")
		return
	}

	var idn string
	err := w.withTimeout(ctx, func(opCtx context.Context) error {
		var connErr error
		idn, connErr = w.adapter.Connect(opCtx, resource)
		return connErr
	})
	if err != nil {
		w.logger.Warn("Connect failed", zap.String("resource", resource), zap.Error(err))
		w.status(false, fmt.Sprintf("Connect failed: %v", err))
		return
	}

	w.mu.Lock()
	w.connected = true
	w.resource = resource
	w.idn = idn
	w.mu.Unlock()

	w.logger.Info("Instrument connected",
		zap.String("resource", resource),
		zap.String("idn", idn))
	w.status(true, fmt.Sprintf("Connected: %s", idn))
	w.sink.Publish(newMessage(MsgConnected, ConnectedData{IDN: idn, Resource: resource}))
}

// disconnect forces the master output off, closes the session and reports.
// Failures during teardown are swallowed.
func (w *Watchdog) disconnect() {
	if w.isConnected() {
		opCtx, cancel := context.WithTimeout(context.Background(), w.cfg.IOTimeout)
		if err := w.adapter.SetMasterOutput(opCtx, false); err != nil {
			w.logger.Debug("Master-off during disconnect failed", zap.Error(err))
		}
		cancel()

		if err := w.adapter.Close(); err != nil {
			w.logger.Debug("Session close failed", zap.Error(err))
		}
	}

	w.mu.Lock()
	w.connected = false
	w.resource = ""
	w.idn = ""
	w.mu.Unlock()

	w.sink.Publish(newMessage(MsgDisconnected, nil))
	w.status(true, "Disconnected")
}

func (w *Watchdog) shutdown() {
	if w.isConnected() {
		w.disconnect()
	}
	w.logger.Info("Watchdog stopped")
}

// pollAndEnforce samples every channel sequentially, runs limit enforcement on
// each valid reading and emits one measurement set for the cycle.
func (w *Watchdog) pollAndEnforce(ctx context.Context) {
	if !w.isConnected() {
		return
	}

	iso := time.Now().UTC().Format(time.RFC3339Nano)
	elapsed := w.elapsed()
	data := make(map[string]ChannelReading, w.cfg.Channels)

	emit := func(ch int, kind EventKind, v, i, p float64) {
		w.logger.Warn("Limit event",
			zap.String("event", kind.Label(ch)),
			zap.Int("channel", ch),
			zap.Float64("power", p))
		w.sink.Publish(newMessage(MsgEvent, EventData{
			ISO:     iso,
			Elapsed: elapsed,
			Event:   kind.Label(ch),
			Kind:    kind.String(),
			Channel: ch,
			Voltage: v,
			Current: i,
			Power:   p,
		}))
	}

	for ch := 1; ch <= w.cfg.Channels; ch++ {
		var v, i, p float64
		err := w.withTimeout(ctx, func(opCtx context.Context) error {
			var readErr error
			v, i, p, readErr = w.adapter.ReadMeasurement(opCtx, ch)
			return readErr
		})
		if err != nil {
			w.logger.Debug("Channel read skipped", zap.Int("channel", ch), zap.Error(err))
			continue
		}
		if math.IsNaN(v) || math.IsNaN(i) || math.IsNaN(p) {
			w.logger.Debug("Channel read skipped", zap.Int("channel", ch),
				zap.Error(ErrInvalidReading))
			continue
		}

		data[fmt.Sprintf("CH%d", ch)] = ChannelReading{Voltage: v, Current: i, Power: p}
		w.limiter.Observe(ch, v, i, p, w.trip, emit)
	}

	if len(data) > 0 {
		w.sink.Publish(newMessage(MsgMeasurement, MeasurementData{
			ISO:     iso,
			Elapsed: elapsed,
			Data:    data,
		}))
	}
}

// trip disables the channel output if it is currently on. Reports whether the
// output actually was on; the disable itself is best-effort.
func (w *Watchdog) trip(ch int) bool {
	var on bool
	err := w.withTimeout(context.Background(), func(opCtx context.Context) error {
		var stateErr error
		on, stateErr = w.adapter.IsOutputOn(opCtx, ch)
		return stateErr
	})
	if err != nil || !on {
		return false
	}

	err = w.withTimeout(context.Background(), func(opCtx context.Context) error {
		return w.adapter.DisableOutput(opCtx, ch)
	})
	if err != nil {
		w.logger.Error("Autonomous disable failed", zap.Int("channel", ch), zap.Error(err))
	}
	return true
}

func (w *Watchdog) requireConnected(a Action) bool {
	if w.isConnected() {
		return true
	}
	w.logger.Debug("Action dropped, not connected", zap.Stringer("kind", a.Kind))
	w.status(false, fmt.Sprintf("%s dropped: not connected", a.Kind))
	return false
}

func (w *Watchdog) withTimeout(ctx context.Context, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, w.cfg.IOTimeout)
	defer cancel()
	return op(opCtx)
}

func (w *Watchdog) isConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *Watchdog) elapsed() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.start).Seconds()
}

func (w *Watchdog) status(ok bool, msg string) {
	w.sink.Publish(newMessage(MsgStatus, StatusData{OK: ok, Msg: msg}))
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
