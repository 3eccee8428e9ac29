package models

import (
	"strings"
	"time"
)

// EngineState summarises what the engine is doing, read from the
// controller's state register.
type EngineState string

const (
	EngineRun     EngineState = "RUN"
	EngineStop    EngineState = "STOP"
	EngineAlarm   EngineState = "ALARM"
	EngineOffline EngineState = "OFFLINE"
)

// EngineStateAddr is the controller register whose text carries the
// engine state.
const EngineStateAddr = 46109

// Raw sentinels controllers use for "not available".
const (
	naRaw16  = 65535
	naRawS16 = 32767
)

// IsNA reports whether the controller marked the register as not
// available, either by a sentinel raw value or by an NA reason.
func (r Register) IsNA() bool {
	if r.Raw != nil && (*r.Raw == naRaw16 || *r.Raw == naRawS16) {
		return true
	}
	return r.Reason != nil && strings.Contains(strings.ToUpper(*r.Reason), "NA")
}

// Register returns the register at addr, if the message carries it.
func (m Message) Register(addr int) (Register, bool) {
	for _, r := range m.Registers {
		if r.Addr == addr {
			return r, true
		}
	}
	return Register{}, false
}

// Value returns the numeric value at addr. Missing, null and NA registers
// report false.
func (m Message) Value(addr int) (float64, bool) {
	r, ok := m.Register(addr)
	if !ok || r.Value == nil || r.IsNA() {
		return 0, false
	}
	return *r.Value, true
}

// DeriveEngineState classifies the state register text. Data older than
// timeout, or no text at all, is OFFLINE. Stop wording wins over alarm
// wording; anything else counts as running.
func DeriveEngineState(text *string, updated time.Time, timeout time.Duration, now time.Time) EngineState {
	if updated.IsZero() || now.Sub(updated) > timeout || text == nil {
		return EngineOffline
	}
	lower := strings.ToLower(*text)
	switch {
	case strings.Contains(lower, "stop"):
		return EngineStop
	case strings.Contains(lower, "shutdown"),
		strings.Contains(lower, "alarm"),
		strings.Contains(lower, "fault"):
		return EngineAlarm
	default:
		return EngineRun
	}
}

// EngineStateOf derives the engine state of a cached channel message last
// seen at updated.
func EngineStateOf(m Message, updated time.Time, timeout time.Duration, now time.Time) EngineState {
	var text *string
	if r, ok := m.Register(EngineStateAddr); ok {
		text = r.Text
	}
	return DeriveEngineState(text, updated, timeout, now)
}
