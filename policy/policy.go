/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package policy implements the Policy data model and the C8
// policy/verdict arbiter: a single-writer, many-lock-free-reader atomic
// snapshot, the same config atomic-swap idiom an ingest pipeline uses
// for its live config, plus the generation-counter versioning a
// session-token package uses for its own tokens.
package policy

import (
	"sync"
	"sync/atomic"

	"github.com/wardenhq/warden/config"
	"github.com/wardenhq/warden/event"
	"github.com/wardenhq/warden/netmon"
)

// FileRule is one file_rules entry, keyed by path or hash.
type FileRule struct {
	Path string
	Hash string
	Deny bool // false = allow
}

// Policy is the process-wide, atomically-replaced configuration. Treat
// a *Policy as immutable once published via Arbiter.Update; callers must
// never mutate a Policy they got from Current().
type Policy struct {
	Generation        uint64
	EnforcementMode   config.EnforcementMode
	FileRules         []FileRule
	NetRules          []netmon.NetRule
	DNSBlocklist      []string
	PatternEnabled    map[string]struct{}
	CorrelationEnabled map[string]struct{}
	BlockUnknownExec  bool
	DenyRiskThreshold float64
	LogRiskThreshold  float64
	Exemptions        map[string]struct{} // per-path operator overrides
}

// New builds an empty Passive-mode policy, the safe default until the
// first real policy is loaded at startup.
func New() *Policy {
	return &Policy{
		EnforcementMode:    config.Passive,
		PatternEnabled:     make(map[string]struct{}),
		CorrelationEnabled: make(map[string]struct{}),
		Exemptions:         make(map[string]struct{}),
		DenyRiskThreshold:  0.8,
		LogRiskThreshold:   0.4,
	}
}

// DegradedDomain names a C1 domain arbitration must refuse to enforce
// while its adapter is degraded.
type DegradedDomain uint8

const (
	DomainNone DegradedDomain = iota
	DomainFile
	DomainNet
)

// Arbiter is the singleton owner of the active Policy (C8). Current() is
// a cheap atomic load; Update() atomically replaces the snapshot and
// bumps the generation so late replies decided under a stale policy are
// never revised retroactively.
type Arbiter struct {
	current atomic.Pointer[Policy]
	degraded atomic.Uint32 // bitmask of DegradedDomain

	listenMtx sync.Mutex
	listeners []func(*Policy)
}

func NewArbiter() *Arbiter {
	a := &Arbiter{}
	a.current.Store(New())
	return a
}

// Current returns the active snapshot. Safe for concurrent use by any
// number of readers without blocking the writer.
func (a *Arbiter) Current() *Policy {
	return a.current.Load()
}

// OnUpdate registers fn to run, in registration order, every time Update
// publishes a new snapshot. The default policy NewArbiter stores is not
// announced to listeners; only later Update calls are. Used to propagate net_rules and the DNS
// blocklist into C4/C3 without those adapters polling Current()
// themselves ("policy updates arrive via a single-slot swap").
func (a *Arbiter) OnUpdate(fn func(*Policy)) {
	a.listenMtx.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenMtx.Unlock()
}

// Update atomically replaces the policy, setting Generation to one past
// the current snapshot's whatever the caller supplied (a compare-and-swap
// retry means two concurrent updates never collide on the same generation
// number), then notifies every OnUpdate listener with the published
// snapshot.
func (a *Arbiter) Update(p *Policy) *Policy {
	cp := *p
	for {
		prev := a.current.Load()
		cp.Generation = 1
		if prev != nil {
			cp.Generation = prev.Generation + 1
		}
		if a.current.CompareAndSwap(prev, &cp) {
			break
		}
	}

	a.listenMtx.Lock()
	listeners := append([]func(*Policy){}, a.listeners...)
	a.listenMtx.Unlock()
	for _, fn := range listeners {
		fn(&cp)
	}
	return &cp
}

// SetDegraded marks domain as degraded ("while degraded,
// arbitrage refuses Enforcing verdicts for events originating from the
// degraded adapter").
func (a *Arbiter) SetDegraded(d DegradedDomain, on bool) {
	for {
		old := a.degraded.Load()
		var next uint32
		if on {
			next = old | uint32(d)
		} else {
			next = old &^ uint32(d)
		}
		if a.degraded.CompareAndSwap(old, next) {
			return
		}
	}
}

func (a *Arbiter) isDegraded(d DegradedDomain) bool {
	return a.degraded.Load()&uint32(d) != 0
}

// ShouldEnforce reports whether an adapter in domain may actually perform
// a side-effecting enforcement action right now: the policy must be in
// Enforcing mode and domain must not be degraded. Permissive and Passive
// modes, like a degraded domain, never authorize a real firewall/fanotify
// deny ("All enforcement actions flow through the arbiter so that
// Passive mode is guaranteed side-effect-free").
func (a *Arbiter) ShouldEnforce(domain DegradedDomain) bool {
	if a.isDegraded(domain) {
		return false
	}
	return a.Current().EnforcementMode == config.Enforcing
}

// Apply runs fn only when ShouldEnforce(domain) holds, the single choke
// point every C1/C4 side effect (BlockAddr, RateLimitAddr, a fanotify
// deny reply) must be routed through so Passive/Permissive modes and a
// degraded domain can never reach the network or filesystem.
func (a *Arbiter) Apply(domain DegradedDomain, fn func()) {
	if a.ShouldEnforce(domain) {
		fn()
	}
}

// Arbitrate applies enforcement-mode downgrades and the degraded-domain
// refusal, returning the final verdict to apply at the kernel/network
// boundary. The event's *recorded* verdict (event.SetVerdict) is left
// untouched by the caller so the intended decision is always preserved
// for audit.
func (a *Arbiter) Arbitrate(domain DegradedDomain, tentative event.Verdict) event.Verdict {
	p := a.Current()
	if a.isDegraded(domain) {
		return event.Allow
	}
	switch p.EnforcementMode {
	case config.Passive:
		return event.Allow
	case config.Permissive:
		if tentative == event.Deny || tentative == event.Quarantine {
			return event.Log
		}
		return tentative
	default: // Enforcing
		return tentative
	}
}

// Exempt reports whether path has an operator-granted exemption not
// already consumed by C5/C4.
func (p *Policy) Exempt(path string) bool {
	_, ok := p.Exemptions[path]
	return ok
}

// PatternActive reports whether a pattern id is enabled under this
// policy.
func (p *Policy) PatternActive(id string) bool {
	_, ok := p.PatternEnabled[id]
	return ok
}

// CorrelationActive reports whether a correlation rule id is enabled.
func (p *Policy) CorrelationActive(id string) bool {
	_, ok := p.CorrelationEnabled[id]
	return ok
}

// FileRuleFor looks a path/hash up in the explicit deny/allow list (spec
// §4.5 decision ladder step 1-2), distinct from the whitelist lookup
// (package whitelist) which covers baseline-scanner provenance.
func (p *Policy) FileRuleFor(path, hash string) (FileRule, bool) {
	for _, r := range p.FileRules {
		if (r.Path != `` && r.Path == path) || (hash != `` && r.Hash == hash) {
			return r, true
		}
	}
	return FileRule{}, false
}
