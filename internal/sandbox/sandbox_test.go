package sandbox

import (
	"strings"
	"testing"
	"time"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateInitializing, StateIdle, true},
		{StateInitializing, StateTerminating, true},
		{StateInitializing, StateBusy, false},
		{StateIdle, StateBusy, true},
		{StateIdle, StateTerminating, true},
		{StateIdle, StateInitializing, false},
		{StateBusy, StateIdle, true},
		{StateBusy, StateTerminating, true},
		{StateBusy, StateBusy, false},
		{StateTerminating, StateTerminated, true},
		{StateTerminating, StateIdle, false},
		{StateTerminated, StateIdle, false},
		{StateTerminated, StateTerminating, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, raw := range []string{"initializing", "idle", "busy", "terminating", "terminated"} {
		st, ok := ParseState(raw)
		if !ok || string(st) != raw {
			t.Errorf("ParseState(%q) = %q, %v", raw, st, ok)
		}
	}
	if _, ok := ParseState("running"); ok {
		t.Error("ParseState accepted an unknown state")
	}
	if _, ok := ParseState(""); ok {
		t.Error("ParseState accepted the empty string")
	}
}

func TestStatePredicates(t *testing.T) {
	if !StateTerminated.Terminal() {
		t.Error("terminated should be terminal")
	}
	if StateTerminating.Terminal() {
		t.Error("terminating is not terminal")
	}
	for _, st := range []State{StateInitializing, StateIdle, StateBusy} {
		if !st.Addressable() {
			t.Errorf("%s should be addressable", st)
		}
	}
	for _, st := range []State{StateTerminating, StateTerminated} {
		if st.Addressable() {
			t.Errorf("%s should not be addressable", st)
		}
	}
}

func TestIdleExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-20 * time.Minute)

	sb := &Sandbox{State: StateIdle, IdleFrom: &past, IdleTimeoutSeconds: 900}
	if !sb.IdleExpired(now) {
		t.Error("sandbox idle for 20m with a 15m timeout should be expired")
	}

	recent := now.Add(-time.Minute)
	sb.IdleFrom = &recent
	if sb.IdleExpired(now) {
		t.Error("sandbox idle for 1m should not be expired")
	}

	sb.IdleFrom = &past
	sb.State = StateBusy
	if sb.IdleExpired(now) {
		t.Error("busy sandbox never idle-expires")
	}

	sb.State = StateIdle
	sb.IdleFrom = nil
	if sb.IdleExpired(now) {
		t.Error("sandbox without an idle clock never expires")
	}
}

func TestValidateTags(t *testing.T) {
	if err := ValidateTags([]string{"team/payments", "env.staging", "gpu-a100"}); err != nil {
		t.Errorf("valid tags rejected: %v", err)
	}
	if err := ValidateTags([]string{"Has Spaces"}); err == nil {
		t.Error("tag with spaces and uppercase accepted")
	}
	if err := ValidateTags([]string{""}); err == nil {
		t.Error("empty tag accepted")
	}
	if err := ValidateTags([]string{strings.Repeat("x", 65)}); err == nil {
		t.Error("overlong tag accepted")
	}
	many := make([]string, 17)
	for i := range many {
		many[i] = "tag"
	}
	if err := ValidateTags(many); err == nil {
		t.Error("more than 16 tags accepted")
	}
}

func TestValidateIdleTimeout(t *testing.T) {
	if err := ValidateIdleTimeout(900); err != nil {
		t.Errorf("valid timeout rejected: %v", err)
	}
	if err := ValidateIdleTimeout(MaxIdleTimeoutSeconds); err != nil {
		t.Errorf("max timeout rejected: %v", err)
	}
	if err := ValidateIdleTimeout(0); err == nil {
		t.Error("zero timeout accepted")
	}
	if err := ValidateIdleTimeout(MaxIdleTimeoutSeconds + 1); err == nil {
		t.Error("timeout past the seven day cap accepted")
	}
}
