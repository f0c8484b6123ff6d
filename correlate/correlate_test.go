/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package correlate

import (
	"testing"
	"time"

	"github.com/wardenhq/warden/event"
)

func netConnectFrom(src, dst string, dport uint16) *event.SecurityEvent {
	obj := event.NetObject{SrcAddr: src, DstAddr: dst, DstPort: dport, Direction: event.DirOutbound}
	ev := event.New(event.KindNetConnect, event.Info, event.Subject{PID: 1}, event.Object{Net: &obj})
	_ = ev.SetVerdict(event.Log, `flow_observed`, 0)
	return ev
}

func TestPortScanThenEscalateFires(t *testing.T) {
	e := NewEngine(nil)
	e.LoadRules([]Rule{
		{
			ID:           `port-scan-then-exploit`,
			Window:       60 * time.Second,
			GroupBy:      AttrSourceAddr,
			Severity:     event.High,
			MultiStage:   true,
			MaxPerWindow: 1,
			Stages: []Stage{
				{Kind: event.KindNetConnect, DistinctBy: AttrDestPort, MinCount: 3},
				{Kind: event.KindFileExec, ReasonPrefix: `pattern:priv-esc`, MinCount: 1},
			},
		},
	})

	now := time.Unix(1700000000, 0)
	for port := uint16(1); port <= 3; port++ {
		out := e.Ingest(netConnectFrom(`10.0.0.5`, `10.0.0.1`, port), now)
		if len(out) != 0 {
			t.Fatalf("unexpected emission before second stage, port %d", port)
		}
	}

	// The privilege-escalation FileExec carries no NetObject, so it can't
	// resolve AttrSourceAddr -- it still must complete the one in-progress
	// port-scan group, since "followed by" only requires landing within the
	// rule's window after stage 1 finished, not a literal shared address.
	fileObj := event.FileObject{Path: `/tmp/x`}
	execEv := event.New(event.KindFileExec, event.High, event.Subject{PID: 99}, event.Object{File: &fileObj})
	_ = execEv.SetVerdict(event.Deny, `pattern:priv-esc-sudo-probe`, 0)
	out := e.Ingest(execEv, now)
	if len(out) != 1 {
		t.Fatalf("expected port-scan-then-exploit to fire once the privesc FileExec follows the scan, got %d", len(out))
	}
	if out[0].Kind() != event.KindCorrelated {
		t.Fatal("expected a Correlated event")
	}
	if out[0].Severity() != event.Critical {
		t.Fatalf("expected MultiStage to bump High to Critical, got %s", out[0].Severity())
	}
}

// TestPortScanThenEscalateIgnoresUnrelatedExec confirms a FileExec that
// doesn't match the stage's ReasonPrefix never completes the rule, even
// though it's offered to every in-progress group regardless of key.
func TestPortScanThenEscalateIgnoresUnrelatedExec(t *testing.T) {
	e := NewEngine(nil)
	e.LoadRules(DefaultRules())

	now := time.Unix(1700000000, 0)
	for port := uint16(1); port <= 50; port++ {
		e.Ingest(netConnectFrom(`10.0.0.5`, `10.0.0.1`, port), now)
	}

	fileObj := event.FileObject{Path: `/usr/bin/ls`}
	execEv := event.New(event.KindFileExec, event.Info, event.Subject{PID: 99}, event.Object{File: &fileObj})
	_ = execEv.SetVerdict(event.Allow, `below_threshold`, 0)
	out := e.Ingest(execEv, now)
	if len(out) != 0 {
		t.Fatalf("a FileExec that doesn't match the privesc pattern must not complete the rule, got %d emissions", len(out))
	}
}

func TestLateralMovementDistinctHosts(t *testing.T) {
	e := NewEngine(nil)
	e.LoadRules([]Rule{
		{
			ID:           `lateral-movement`,
			Window:       60 * time.Second,
			GroupBy:      AttrSubjectIdentity,
			Severity:     event.Medium,
			MaxPerWindow: 3,
			Stages: []Stage{
				{Kind: event.KindNetConnect, DistinctBy: AttrDestAddr, RequireDestPort: 22, MinCount: 3},
			},
		},
	})

	now := time.Unix(1700000000, 0)
	var fired bool
	for i, host := range []string{`10.0.0.1`, `10.0.0.2`, `10.0.0.3`} {
		obj := event.NetObject{SrcAddr: `10.0.0.5`, DstAddr: host, DstPort: 22, Direction: event.DirOutbound}
		ev := event.New(event.KindNetConnect, event.Info, event.Subject{PID: 42, StartTime: 7}, event.Object{Net: &obj})
		_ = ev.SetVerdict(event.Log, `flow_observed`, 0)
		out := e.Ingest(ev, now.Add(time.Duration(i)*time.Second))
		if len(out) > 0 {
			fired = true
		}
	}
	if !fired {
		t.Fatal("expected lateral-movement rule to fire after 3 distinct SSH destinations")
	}
}

func TestExfiltrationRequiresFlaggedRemote(t *testing.T) {
	flagged := map[string]bool{`203.0.113.9`: true}
	e := NewEngine(func(addr string) bool { return flagged[addr] })
	e.LoadRules([]Rule{
		{
			ID:           `exfiltration`,
			Window:       120 * time.Second,
			GroupBy:      AttrSourceAddr,
			Severity:     event.High,
			MaxPerWindow: 1,
			Stages: []Stage{
				{Kind: event.KindNetConnect, RequireFlaggedRemote: true, SumBytesThreshold: 100, MinCount: 1},
			},
		},
	})

	now := time.Unix(1700000000, 0)
	unflagged := event.NetObject{SrcAddr: `10.0.0.5`, DstAddr: `198.51.100.1`, BytesOut: 1000}
	ev1 := event.New(event.KindNetConnect, event.Info, event.Subject{}, event.Object{Net: &unflagged})
	_ = ev1.SetVerdict(event.Log, `flow_observed`, 0)
	if out := e.Ingest(ev1, now); len(out) != 0 {
		t.Fatal("an unflagged remote must never satisfy the exfiltration rule")
	}

	flaggedObj := event.NetObject{SrcAddr: `10.0.0.5`, DstAddr: `203.0.113.9`, BytesOut: 200}
	ev2 := event.New(event.KindNetConnect, event.Info, event.Subject{}, event.Object{Net: &flaggedObj})
	_ = ev2.SetVerdict(event.Log, `flow_observed`, 0)
	out := e.Ingest(ev2, now)
	if len(out) != 1 {
		t.Fatalf("expected exactly one Correlated emission, got %d", len(out))
	}
	if out[0].Kind() != event.KindCorrelated {
		t.Fatal("expected a Correlated event")
	}
}

func TestMaxPerWindowRateLimits(t *testing.T) {
	e := NewEngine(func(addr string) bool { return true })
	e.LoadRules([]Rule{
		{
			ID:           `exfiltration`,
			Window:       120 * time.Second,
			GroupBy:      AttrSourceAddr,
			MaxPerWindow: 1,
			Stages: []Stage{
				{Kind: event.KindNetConnect, RequireFlaggedRemote: true, MinCount: 1},
			},
		},
	})

	now := time.Unix(1700000000, 0)
	var emissions int
	for i := 0; i < 3; i++ {
		obj := event.NetObject{SrcAddr: `10.0.0.5`, DstAddr: `203.0.113.9`}
		ev := event.New(event.KindNetConnect, event.Info, event.Subject{}, event.Object{Net: &obj})
		_ = ev.SetVerdict(event.Log, `flow_observed`, 0)
		out := e.Ingest(ev, now.Add(time.Duration(i)*time.Second))
		emissions += len(out)
	}
	if emissions != 1 {
		t.Fatalf("expected the per-window cap to hold emissions to 1, got %d", emissions)
	}
}
