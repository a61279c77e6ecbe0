package watchdog

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ActionKind enumerates every hardware-affecting command the poll loop can
// execute. The set is closed; executeAction matches it exhaustively.
type ActionKind int

const (
	ActionConnect ActionKind = iota
	ActionDisconnect
	ActionQuit
	ActionSetVI
	ActionToggleOutput
	ActionSetMaster
	ActionSetLimits
)

// Wire tags, kept compatible with the original command protocol.
const (
	tagConnect    = "connect"
	tagDisconnect = "disconnect"
	tagQuit       = "quit"
	tagSetVI      = "set_vi"
	tagToggleCh   = "toggle_ch"
	tagMaster     = "master"
	tagSetLimits  = "set_limits"
)

func (k ActionKind) String() string {
	switch k {
	case ActionConnect:
		return tagConnect
	case ActionDisconnect:
		return tagDisconnect
	case ActionQuit:
		return tagQuit
	case ActionSetVI:
		return tagSetVI
	case ActionToggleOutput:
		return tagToggleCh
	case ActionSetMaster:
		return tagMaster
	case ActionSetLimits:
		return tagSetLimits
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Action is a pending hardware-affecting command. Actions are immutable once
// enqueued; only the fields relevant to Kind are meaningful.
type Action struct {
	ID       uuid.UUID
	Kind     ActionKind
	Resource string  // Connect
	Channel  int     // SetVI, ToggleOutput, SetLimits
	Voltage  float64 // SetVI
	Current  float64 // SetVI
	On       bool    // SetMaster
	Soft     float64 // SetLimits, watts
	Hard     float64 // SetLimits, watts
}

func ConnectAction(resource string) Action {
	return Action{ID: uuid.New(), Kind: ActionConnect, Resource: resource}
}

func DisconnectAction() Action {
	return Action{ID: uuid.New(), Kind: ActionDisconnect}
}

func QuitAction() Action {
	return Action{ID: uuid.New(), Kind: ActionQuit}
}

func SetVIAction(ch int, voltage, current float64) Action {
	return Action{ID: uuid.New(), Kind: ActionSetVI, Channel: ch, Voltage: voltage, Current: current}
}

func ToggleOutputAction(ch int) Action {
	return Action{ID: uuid.New(), Kind: ActionToggleOutput, Channel: ch}
}

func SetMasterAction(on bool) Action {
	return Action{ID: uuid.New(), Kind: ActionSetMaster, On: on}
}

func SetLimitsAction(ch int, soft, hard float64) Action {
	return Action{ID: uuid.New(), Kind: ActionSetLimits, Channel: ch, Soft: soft, Hard: hard}
}

// ParseLimit converts a threshold from its wire form to watts. The empty
// string and "inf" (any case) mean "limit disabled" and map to +Inf, as does
// anything that fails to parse.
func ParseLimit(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "inf") {
		return math.Inf(1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.Inf(1)
	}
	return v
}

// FormatLimit is the inverse of ParseLimit for status reporting.
func FormatLimit(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
