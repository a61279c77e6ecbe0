package watchdog

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by adapter calls issued without an open session.
	ErrNotConnected = errors.New("instrument not connected")

	// ErrInvalidReading is returned when the instrument answers a measurement
	// query with something that does not parse to a finite number.
	ErrInvalidReading = errors.New("invalid measurement reading")
)

// DeviceAdapter is the contract the watchdog requires from the instrument
// binding. All calls may fail; the watchdog treats every failure as
// "skip this cycle's effect, report status, keep running".
//
// The watchdog guarantees that only its own poll goroutine ever calls these
// methods, so implementations need no cross-call ordering logic beyond
// protecting their own session handle.
type DeviceAdapter interface {
	// Connect opens a session to the instrument and returns its identification
	// string (*IDN? response).
	Connect(ctx context.Context, resource string) (string, error)

	// Close tears down the session. The watchdog forces the master output off
	// before calling it.
	Close() error

	SetVoltageCurrent(ctx context.Context, ch int, voltage, current float64) error

	// ToggleOutput flips the channel output and returns the new state.
	ToggleOutput(ctx context.Context, ch int) (bool, error)

	SetMasterOutput(ctx context.Context, on bool) error

	// ReadMeasurement samples voltage, current and power for one channel.
	// A NaN in any of the three is reported as ErrInvalidReading.
	ReadMeasurement(ctx context.Context, ch int) (voltage, current, power float64, err error)

	IsOutputOn(ctx context.Context, ch int) (bool, error)

	// DisableOutput forces the channel output off. Used for autonomous trips.
	DisableOutput(ctx context.Context, ch int) error
}
