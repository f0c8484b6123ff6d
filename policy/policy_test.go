/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package policy

import (
	"testing"

	"github.com/wardenhq/warden/config"
	"github.com/wardenhq/warden/event"
)

func TestUpdateBumpsGeneration(t *testing.T) {
	a := NewArbiter()
	g0 := a.Current().Generation

	p := New()
	p.EnforcementMode = config.Enforcing
	updated := a.Update(p)

	if updated.Generation != g0+1 {
		t.Fatalf("expected generation %d, got %d", g0+1, updated.Generation)
	}
	if a.Current().Generation != updated.Generation {
		t.Fatal("Current() did not observe the update")
	}
}

func TestPassiveModeAlwaysAllows(t *testing.T) {
	a := NewArbiter()
	p := New()
	p.EnforcementMode = config.Passive
	a.Update(p)

	if v := a.Arbitrate(DomainFile, event.Deny); v != event.Allow {
		t.Fatalf("passive mode must allow at the boundary, got %v", v)
	}
}

func TestPermissiveDowngradesDeny(t *testing.T) {
	a := NewArbiter()
	p := New()
	p.EnforcementMode = config.Permissive
	a.Update(p)

	if v := a.Arbitrate(DomainFile, event.Deny); v != event.Log {
		t.Fatalf("permissive mode must downgrade deny to log, got %v", v)
	}
}

func TestEnforcingHonorsVerdict(t *testing.T) {
	a := NewArbiter()
	p := New()
	p.EnforcementMode = config.Enforcing
	a.Update(p)

	if v := a.Arbitrate(DomainFile, event.Deny); v != event.Deny {
		t.Fatalf("enforcing mode must honor the verdict, got %v", v)
	}
}

func TestShouldEnforceRequiresEnforcingMode(t *testing.T) {
	a := NewArbiter()
	p := New()
	p.EnforcementMode = config.Permissive
	a.Update(p)

	if a.ShouldEnforce(DomainNet) {
		t.Fatal("permissive mode must not authorize enforcement")
	}

	p2 := New()
	p2.EnforcementMode = config.Enforcing
	a.Update(p2)
	if !a.ShouldEnforce(DomainNet) {
		t.Fatal("enforcing mode with an undegraded domain must authorize enforcement")
	}

	a.SetDegraded(DomainNet, true)
	if a.ShouldEnforce(DomainNet) {
		t.Fatal("a degraded domain must not authorize enforcement even in enforcing mode")
	}
}

func TestApplyOnlyRunsWhenEnforcing(t *testing.T) {
	a := NewArbiter()
	p := New()
	p.EnforcementMode = config.Passive
	a.Update(p)

	ran := false
	a.Apply(DomainNet, func() { ran = true })
	if ran {
		t.Fatal("Apply must not invoke fn outside enforcing mode")
	}

	p2 := New()
	p2.EnforcementMode = config.Enforcing
	a.Update(p2)
	a.Apply(DomainNet, func() { ran = true })
	if !ran {
		t.Fatal("Apply must invoke fn when ShouldEnforce holds")
	}
}

func TestOnUpdateNotifiesListenersInOrder(t *testing.T) {
	a := NewArbiter()
	var calls []int
	a.OnUpdate(func(*Policy) { calls = append(calls, 1) })
	a.OnUpdate(func(*Policy) { calls = append(calls, 2) })

	p := New()
	p.EnforcementMode = config.Enforcing
	a.Update(p)

	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("expected listeners called in registration order, got %v", calls)
	}
}

func TestDegradedDomainForcesAllow(t *testing.T) {
	a := NewArbiter()
	p := New()
	p.EnforcementMode = config.Enforcing
	a.Update(p)
	a.SetDegraded(DomainFile, true)

	if v := a.Arbitrate(DomainFile, event.Deny); v != event.Allow {
		t.Fatalf("degraded file domain must refuse to enforce, got %v", v)
	}
	// an unrelated domain is unaffected.
	if v := a.Arbitrate(DomainNet, event.Deny); v != event.Deny {
		t.Fatalf("degradation must be scoped to its own domain, got %v", v)
	}
}
