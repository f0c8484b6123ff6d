/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package correlate implements the C7 correlation engine: windowed rule
// evaluation over the unified event bus. Predicates are a closed
// tagged-variant enum interpreted by a single loop -- removing hidden
// virtual calls the same way package pattern's matcher kinds do --
// rather than a polymorphic Predicate interface.
package correlate

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wardenhq/warden/event"
)

// AttrKey selects which SecurityEvent attribute a stage groups or counts
// distinct values by.
type AttrKey uint8

const (
	AttrNone AttrKey = iota
	AttrSourceAddr
	AttrDestAddr
	AttrDestPort
	AttrSubjectIdentity
)

// Stage is one ordered predicate within a CorrelationRule: an ordered or
// unordered set of predicates, each with a minimum count. A rule with a
// single stage models an unordered/single-predicate rule; multiple
// stages model "followed within T seconds by".
type Stage struct {
	Kind                 event.Kind
	MinCount             int     // qualifying events (or distinct values) needed to satisfy this stage
	DistinctBy           AttrKey // if set, MinCount counts distinct attribute values, not raw occurrences
	ReasonPrefix         string  // optional; event.Reason() must carry this prefix to qualify
	RequireFlaggedRemote bool    // optional; NetObject.DstAddr must be in the flagged-remote set
	RequireDestPort      uint16  // optional, 0 = any; NetObject.DstPort must equal this
	SumBytesThreshold    uint64  // optional; cumulative BytesIn+BytesOut across the stage must reach this
}

// Rule is one CorrelationRule.
type Rule struct {
	ID               string
	Window           time.Duration
	GroupBy          AttrKey // candidate events are bucketed by this attribute before stage evaluation
	Stages           []Stage
	MultiStage       bool // bumps synthesized severity by one level
	Severity         event.Severity
	MaxPerWindow     int // per-rule rate limit ("at most K emissions per window")
	CPUBudget        time.Duration
	CooldownOnBudget time.Duration
}

// groupState is the bounded match set for one (rule, group-key) pair.
type groupState struct {
	stageIdx     int
	distinct     map[string]struct{}
	count        int
	bytesAccum   uint64
	contributing []event.ID
	windowStart  time.Time
	emits        int
	emitWindowAt time.Time
}

const maxContributingPerRule = 256

type ruleState struct {
	rule        Rule
	groups      map[string]*groupState
	disabledTil time.Time
}

// Engine is the C7 singleton. One Engine instance is fed from a single
// consumer goroutine draining the bus's total-ordered stream: one thread
// for the correlation engine consuming a bounded queue. Per-rule match
// state is not locked for that reason -- it is only ever mutated on the
// evaluating goroutine; mtx guards only the rule slice LoadRules swaps.
type Engine struct {
	mtx    sync.Mutex // guards rules only; Ingest is expected to be single-goroutine but reload is not
	rules  []*ruleState
	isFlaggedRemote func(addr string) bool
	onBudgetExceeded func(ruleID string)
}

func NewEngine(isFlaggedRemote func(addr string) bool) *Engine {
	return &Engine{isFlaggedRemote: isFlaggedRemote}
}

// OnBudgetExceeded registers a callback invoked when a rule's evaluation
// exceeds its CPU budget ("yields a RuleBudgetExceeded diagnostic
// event and the rule is temporarily disabled").
func (e *Engine) OnBudgetExceeded(fn func(ruleID string)) { e.onBudgetExceeded = fn }

// LoadRules replaces the active rule set, preserving no per-group state
// across a reload — a reload starts every rule's windows fresh, the same
// way a policy hot-reload resets C4's deny-list lookups rather than
// trying to migrate in-flight state.
func (e *Engine) LoadRules(rules []Rule) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	rs := make([]*ruleState, 0, len(rules))
	for _, r := range rules {
		rs = append(rs, &ruleState{rule: r, groups: make(map[string]*groupState)})
	}
	e.rules = rs
}

// Ingest evaluates one bus event against every active rule and returns
// any Correlated events it synthesizes ("on each new event,
// evaluate whether the rule's predicates are satisfied").
func (e *Engine) Ingest(ev *event.SecurityEvent, now time.Time) []*event.SecurityEvent {
	e.mtx.Lock()
	rules := e.rules
	e.mtx.Unlock()

	var out []*event.SecurityEvent
	for _, rs := range rules {
		if now.Before(rs.disabledTil) {
			continue
		}
		start := time.Now()
		if synth := e.evaluateRule(rs, ev, now); synth != nil {
			out = append(out, synth)
		}
		if elapsed := time.Since(start); rs.rule.CPUBudget > 0 && elapsed > rs.rule.CPUBudget {
			rs.disabledTil = now.Add(rs.rule.CooldownOnBudget)
			if e.onBudgetExceeded != nil {
				e.onBudgetExceeded(rs.rule.ID)
			}
		}
	}
	return out
}

// evaluateRule tries to advance one rule's in-progress matches with ev.
// A later stage's event does not always carry a value for the rule's
// GroupBy attribute -- a FileExec following a source-address-keyed
// port-scan stage has no NetObject to key by -- so an event that can't
// resolve the group key is offered to every group already past stage 0
// instead of being discarded: "followed by" only needs temporal
// proximity to an in-progress match, not a literal shared attribute.
func (e *Engine) evaluateRule(rs *ruleState, ev *event.SecurityEvent, now time.Time) *event.SecurityEvent {
	r := rs.rule
	if groupKey, ok := attrValue(ev, r.GroupBy); ok {
		return e.advanceGroup(rs, groupKey, ev, now, true)
	}
	for key, gs := range rs.groups {
		if gs.stageIdx == 0 || now.Sub(gs.windowStart) > r.Window {
			continue
		}
		if synth := e.advanceGroup(rs, key, ev, now, false); synth != nil {
			return synth
		}
	}
	return nil
}

// advanceGroup applies ev to the (rule, groupKey) match set. allowCreate
// permits starting a fresh group at stage 0 when none exists yet or the
// previous one's window has lapsed; callers offering a no-key event to an
// already-in-progress group pass allowCreate=false so such an event can
// never itself originate a new match.
func (e *Engine) advanceGroup(rs *ruleState, groupKey string, ev *event.SecurityEvent, now time.Time, allowCreate bool) *event.SecurityEvent {
	r := rs.rule
	gs, exists := rs.groups[groupKey]
	if !exists || now.Sub(gs.windowStart) > r.Window {
		if !allowCreate {
			return nil
		}
		gs = &groupState{windowStart: now, distinct: make(map[string]struct{})}
		rs.groups[groupKey] = gs
	}

	if gs.stageIdx >= len(r.Stages) {
		return nil
	}
	stage := r.Stages[gs.stageIdx]
	if !stageQualifies(e, stage, ev) {
		return nil
	}

	switch {
	case stage.DistinctBy != AttrNone:
		if v, ok := attrValue(ev, stage.DistinctBy); ok {
			gs.distinct[v] = struct{}{}
		}
	default:
		gs.count++
	}
	gs.bytesAccum += bytesOf(ev)
	if len(gs.contributing) < maxContributingPerRule {
		gs.contributing = append(gs.contributing, ev.ID())
	}

	if !stageSatisfied(stage, gs) {
		return nil
	}

	// stage satisfied: advance, reset per-stage counters, keep contributing ids
	gs.stageIdx++
	gs.count = 0
	gs.distinct = make(map[string]struct{})
	gs.bytesAccum = 0

	if gs.stageIdx < len(r.Stages) {
		return nil // more stages remain
	}

	// all stages satisfied: rate limit and emit. emitWindowAt/emits survive
	// the match reset below so a burst of completed matches within one
	// rule window is capped at MaxPerWindow, not just the first one.
	if now.Sub(gs.emitWindowAt) > r.Window {
		gs.emitWindowAt = now
		gs.emits = 0
	}
	contributing := gs.contributing
	resetGroupForNextMatch(gs, now)
	if r.MaxPerWindow > 0 && gs.emits >= r.MaxPerWindow {
		return nil
	}
	gs.emits++

	synth := event.WithCorrelated(r.ID, contributing, r.Severity, r.MultiStage, event.Subject{})
	_ = synth.SetVerdict(event.Log, `correlation:`+r.ID, 0)
	return synth
}

// resetGroupForNextMatch clears the stage-progress fields after a
// completed match so the group can accumulate a fresh one within the
// same rate-limit window, without losing the emit counter that enforces
// MaxPerWindow across repeated completions.
func resetGroupForNextMatch(gs *groupState, now time.Time) {
	gs.stageIdx = 0
	gs.count = 0
	gs.distinct = make(map[string]struct{})
	gs.bytesAccum = 0
	gs.contributing = nil
	gs.windowStart = now
}

func stageQualifies(e *Engine, stage Stage, ev *event.SecurityEvent) bool {
	if ev.Kind() != stage.Kind {
		return false
	}
	if stage.ReasonPrefix != `` && !strings.HasPrefix(ev.Reason(), stage.ReasonPrefix) {
		return false
	}
	if stage.RequireFlaggedRemote {
		obj := ev.Object()
		if obj.Net == nil || e.isFlaggedRemote == nil || !e.isFlaggedRemote(obj.Net.DstAddr) {
			return false
		}
	}
	if stage.RequireDestPort != 0 {
		obj := ev.Object()
		if obj.Net == nil || obj.Net.DstPort != stage.RequireDestPort {
			return false
		}
	}
	return true
}

func stageSatisfied(stage Stage, gs *groupState) bool {
	if stage.SumBytesThreshold > 0 && gs.bytesAccum < stage.SumBytesThreshold {
		return false
	}
	need := stage.MinCount
	if need <= 0 {
		need = 1
	}
	if stage.DistinctBy != AttrNone {
		return len(gs.distinct) >= need
	}
	return gs.count >= need
}

func bytesOf(ev *event.SecurityEvent) uint64 {
	if obj := ev.Object(); obj.Net != nil {
		return obj.Net.BytesIn + obj.Net.BytesOut
	}
	return 0
}

func attrValue(ev *event.SecurityEvent, key AttrKey) (string, bool) {
	switch key {
	case AttrNone:
		return ``, true
	case AttrSourceAddr:
		if obj := ev.Object(); obj.Net != nil {
			return obj.Net.SrcAddr, true
		}
	case AttrDestAddr:
		if obj := ev.Object(); obj.Net != nil {
			return obj.Net.DstAddr, true
		}
	case AttrDestPort:
		if obj := ev.Object(); obj.Net != nil {
			return strconv.Itoa(int(obj.Net.DstPort)), true
		}
	case AttrSubjectIdentity:
		id := ev.Subject().Identity()
		return identityKey(id), true
	}
	return ``, false
}

func identityKey(id event.ProcessIdentity) string {
	return strconv.Itoa(int(id.PID)) + `:` + strconv.FormatInt(id.StartTime, 10)
}
