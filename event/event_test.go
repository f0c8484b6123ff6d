package event

import "testing"

func TestSetVerdictRequiresReason(t *testing.T) {
	e := New(KindFileExec, Medium, Subject{PID: 100, StartTime: 1}, Object{})
	if err := e.SetVerdict(Deny, ``, 1); err != ErrEmptyReason {
		t.Fatalf("expected ErrEmptyReason, got %v", err)
	}
	if err := e.SetVerdict(Deny, `pattern:xmrig`, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Verdict() != Deny || e.Reason() == `` {
		t.Fatalf("verdict/reason not applied: %v %q", e.Verdict(), e.Reason())
	}
}

func TestSetVerdictPendingAllowsEmptyReason(t *testing.T) {
	e := New(KindFileAccess, Info, Subject{}, Object{})
	if err := e.SetVerdict(Pending, ``, 0); err != nil {
		t.Fatalf("pending with empty reason should be fine: %v", err)
	}
}

func TestSeverityBump(t *testing.T) {
	if Critical.Bump() != Critical {
		t.Fatalf("critical must saturate")
	}
	if Low.Bump() != Medium {
		t.Fatalf("expected Medium, got %v", Low.Bump())
	}
}

func TestMax(t *testing.T) {
	if Max(Low, High) != High {
		t.Fatalf("expected High")
	}
}

func TestRiskScoreClip(t *testing.T) {
	e := New(KindProcessStart, Info, Subject{}, Object{})
	e.SetRiskScore(1.5)
	if e.RiskScore() != 1 {
		t.Fatalf("expected clip to 1, got %f", e.RiskScore())
	}
	e.SetRiskScore(-1)
	if e.RiskScore() != 0 {
		t.Fatalf("expected clip to 0, got %f", e.RiskScore())
	}
}

func TestProcessIdentity(t *testing.T) {
	s := Subject{PID: 42, StartTime: 99}
	id := s.Identity()
	if id.PID != 42 || id.StartTime != 99 {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestTimestampOrdering(t *testing.T) {
	a := Now()
	b := Now()
	if b.Before(a) {
		t.Fatalf("clock went backwards")
	}
}
