package watchdog

import (
	"fmt"
	"time"
)

// EventKind enumerates the limit-crossing events the enforcement state machine
// can emit.
type EventKind int

const (
	SoftCrossUp EventKind = iota
	SoftCrossDown
	HardCrossUp
	HardCrossDown
	HardTrip
	LatchCleared
)

func (k EventKind) String() string {
	switch k {
	case SoftCrossUp:
		return "SOFT_CROSS_UP"
	case SoftCrossDown:
		return "SOFT_CROSS_DOWN"
	case HardCrossUp:
		return "HARD_CROSS_UP"
	case HardCrossDown:
		return "HARD_CROSS_DOWN"
	case HardTrip:
		return "HARD_TRIP"
	case LatchCleared:
		return "LATCH_CLEARED"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Label renders the wire form used by the original event stream, e.g.
// "CH1_HARD_TRIP".
func (k EventKind) Label(ch int) string {
	return fmt.Sprintf("CH%d_%s", ch, k)
}

// MessageType tags outbound sink messages. The values match the original
// worker protocol so existing front ends keep parsing.
type MessageType string

const (
	MsgStatus       MessageType = "status"
	MsgConnected    MessageType = "connected"
	MsgDisconnected MessageType = "disconnected"
	MsgMeasurement  MessageType = "meas"
	MsgEvent        MessageType = "event"
)

// Message is one outbound record on the event/status sink.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// StatusData acknowledges a command or reports a non-fatal failure.
type StatusData struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

// ConnectedData reports a freshly opened instrument session.
type ConnectedData struct {
	IDN      string `json:"idn"`
	Resource string `json:"resource"`
}

// ChannelReading is one channel's sample within a measurement set.
type ChannelReading struct {
	Voltage float64 `json:"V"`
	Current float64 `json:"I"`
	Power   float64 `json:"P"`
}

// MeasurementData is the per-cycle snapshot of all channels that produced a
// valid reading, keyed "CH1".."CHn". Elapsed is seconds since the loop
// started; ISO is the wall-clock timestamp.
type MeasurementData struct {
	ISO     string                    `json:"iso"`
	Elapsed float64                   `json:"t"`
	Data    map[string]ChannelReading `json:"data"`
}

// EventData is one limit-crossing event, causally ordered after the
// measurement that produced it.
type EventData struct {
	ISO     string  `json:"iso"`
	Elapsed float64 `json:"t"`
	Event   string  `json:"event"`
	Kind    string  `json:"kind"`
	Channel int     `json:"ch"`
	Voltage float64 `json:"V"`
	Current float64 `json:"I"`
	Power   float64 `json:"P"`
}

// Sink receives outbound messages. Publish must never block: delivery is
// best-effort and consumers that fall behind lose messages, not the loop.
type Sink interface {
	Publish(msg Message)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg Message)

func (f SinkFunc) Publish(msg Message) { f(msg) }

// MultiSink fans one message out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(msg Message) {
	for _, s := range m {
		s.Publish(msg)
	}
}

func newMessage(t MessageType, data any) Message {
	return Message{Type: t, Timestamp: time.Now(), Data: data}
}

// NewStatusMessage builds a status message for collaborators that publish
// their own diagnostics onto the sink, such as the command intake rejecting
// a malformed payload.
func NewStatusMessage(ok bool, msg string) Message {
	return newMessage(MsgStatus, StatusData{OK: ok, Msg: msg})
}
