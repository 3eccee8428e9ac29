package models

import (
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestDeriveEngineState(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	timeout := 5 * time.Minute
	fresh := now.Add(-time.Minute)

	tests := []struct {
		name    string
		text    *string
		updated time.Time
		want    EngineState
	}{
		{name: "never updated", text: strp("Running"), want: EngineOffline},
		{name: "stale", text: strp("Running"), updated: now.Add(-6 * time.Minute), want: EngineOffline},
		{name: "no text", updated: fresh, want: EngineOffline},
		{name: "running", text: strp("Running"), updated: fresh, want: EngineRun},
		{name: "stopped", text: strp("Stopped"), updated: fresh, want: EngineStop},
		{name: "emergency stop", text: strp("Emergency Stop Alarm"), updated: fresh, want: EngineStop},
		{name: "shutdown", text: strp("Shutdown"), updated: fresh, want: EngineAlarm},
		{name: "fault", text: strp("Common FAULT"), updated: fresh, want: EngineAlarm},
		{name: "exactly timeout", text: strp("Warm up"), updated: now.Add(-timeout), want: EngineRun},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveEngineState(tt.text, tt.updated, timeout, now); got != tt.want {
				t.Errorf("DeriveEngineState() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegisterIsNA(t *testing.T) {
	raw := func(v int64) *int64 { return &v }

	tests := []struct {
		name string
		reg  Register
		want bool
	}{
		{name: "plain", reg: Register{Raw: raw(120)}, want: false},
		{name: "unsigned sentinel", reg: Register{Raw: raw(65535)}, want: true},
		{name: "signed sentinel", reg: Register{Raw: raw(32767)}, want: true},
		{name: "reason", reg: Register{Reason: strp("value n/a (NA)")}, want: true},
		{name: "lowercase reason", reg: Register{Reason: strp("na")}, want: true},
		{name: "other reason", reg: Register{Reason: strp("scaled")}, want: false},
		{name: "empty", reg: Register{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reg.IsNA(); got != tt.want {
				t.Errorf("IsNA() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageValue(t *testing.T) {
	load, na := 81.5, 0.0
	sentinel := int64(65535)
	m := Message{Registers: []Register{
		{Addr: 40034, Value: &load},
		{Addr: 40062, Value: &na, Raw: &sentinel},
		{Addr: 40063},
	}}

	if v, ok := m.Value(40034); !ok || v != 81.5 {
		t.Errorf("Value(40034) = %v, %v", v, ok)
	}
	if _, ok := m.Value(40062); ok {
		t.Error("NA register reported a value")
	}
	if _, ok := m.Value(40063); ok {
		t.Error("null register reported a value")
	}
	if _, ok := m.Value(1); ok {
		t.Error("missing register reported a value")
	}
}

func TestEngineStateOf(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := Message{Registers: []Register{{Addr: EngineStateAddr, Text: strp("Stopped")}}}

	if got := EngineStateOf(m, now, time.Minute, now); got != EngineStop {
		t.Errorf("EngineStateOf() = %q, want STOP", got)
	}
	if got := EngineStateOf(Message{}, now, time.Minute, now); got != EngineOffline {
		t.Errorf("EngineStateOf(no register) = %q, want OFFLINE", got)
	}
}
