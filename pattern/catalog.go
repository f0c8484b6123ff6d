/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package pattern implements the command-line/path pattern catalog and
// matcher. To avoid dynamic dispatch on the latency-critical path,
// matchers are a closed tagged-variant enum interpreted by a single loop
// rather than an interface hierarchy of polymorphic handlers, the same
// shape a processor pipeline uses for a closed set of processor kinds,
// just with a matcher kind tag standing in for a processor type tag.
package pattern

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/wardenhq/warden/event"
)

// MatcherKind is the closed set of matcher variants.
type MatcherKind uint8

const (
	MatchExact MatcherKind = iota
	MatchSubstringCI
	MatchRegex
	MatchGlob
)

// Target selects which subject field a matcher runs against.
type Target uint8

const (
	TargetCmdLine Target = iota
	TargetExePath
	TargetParentChain
)

// Matcher is one compiled predicate within a Pattern.
type Matcher struct {
	Kind   MatcherKind
	Target Target
	raw    string
	rx     *regexp.Regexp
	gl     glob.Glob
}

// Pattern is a named, weighted detection rule.
type Pattern struct {
	ID       string
	Name     string
	Severity event.Severity
	Weight   float64
	Matchers []Matcher
}

var (
	// ErrBacktrackingRegex rejects catastrophic-backtracking-prone syntax
	// at load time, linear-evaluation requirement: no
	// backreferences (Go's RE2 engine never has them) and no extremely
	// large repeat counts that blow up compiled program size.
	ErrBacktrackingRegex = fmt.Errorf("pattern: regex rejected, not bounded-linear")
)

const maxRegexProgramSize = 4096

func compileMatcher(kind MatcherKind, target Target, raw string) (Matcher, error) {
	m := Matcher{Kind: kind, Target: target, raw: raw}
	switch kind {
	case MatchExact, MatchSubstringCI:
		// no compilation needed; case-folding happens at eval time.
	case MatchRegex:
		rx, err := regexp.Compile(raw)
		if err != nil {
			return m, err
		}
		// Go's regexp is RE2-based (linear in input length by
		// construction — no backtracking engine exists to exploit) but
		// we still reject absurdly large compiled programs, which are
		// the practical proxy for a hand-crafted pathological pattern.
		if prog, perr := syntax.Parse(raw, syntax.Perl); perr == nil {
			if re, err2 := syntax.Compile(prog); err2 == nil && len(re.Inst) > maxRegexProgramSize {
				return m, ErrBacktrackingRegex
			}
		}
		m.rx = rx
	case MatchGlob:
		gl, err := glob.Compile(raw)
		if err != nil {
			return m, err
		}
		m.gl = gl
	default:
		return m, fmt.Errorf("pattern: unknown matcher kind %d", kind)
	}
	return m, nil
}

func (m Matcher) matches(cmdline, exePath, parentChain string) bool {
	var subject string
	switch m.Target {
	case TargetExePath:
		subject = exePath
	case TargetParentChain:
		subject = parentChain
	default:
		subject = cmdline
	}
	switch m.Kind {
	case MatchExact:
		return subject == m.raw
	case MatchSubstringCI:
		return strings.Contains(strings.ToLower(subject), strings.ToLower(m.raw))
	case MatchRegex:
		return m.rx != nil && m.rx.MatchString(subject)
	case MatchGlob:
		return m.gl != nil && m.gl.Match(subject)
	}
	return false
}

// Result is the outcome of evaluating the catalog against one subject.
type Result struct {
	Matched       []string // pattern ids
	AggregateRisk float64
}

// Catalog is the compiled, concurrently-readable set of active patterns.
// Load swaps the whole slice atomically so Evaluate never observes a
// half-updated catalog, matching the single-writer/many-reader
// shared-resource discipline.
type Catalog struct {
	mtx      sync.RWMutex
	patterns []Pattern
}

func NewCatalog() *Catalog { return &Catalog{} }

// Load replaces the active pattern set. Patterns with a rejected matcher
// are skipped with the caller-supplied onReject callback invoked once per
// rejection (wired by the daemon to wlog), ("offending
// patterns rejected with a log line").
func (c *Catalog) Load(patterns []Pattern, onReject func(id string, err error)) {
	accepted := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		ok := true
		for i, m := range p.Matchers {
			compiled, err := compileMatcher(m.Kind, m.Target, m.raw)
			if err != nil {
				if onReject != nil {
					onReject(p.ID, err)
				}
				ok = false
				break
			}
			p.Matchers[i] = compiled
		}
		if ok {
			accepted = append(accepted, p)
		}
	}
	c.mtx.Lock()
	c.patterns = accepted
	c.mtx.Unlock()
}

// Evaluate runs every active pattern against the subject and returns the
// matched ids plus the clipped aggregate risk: clip sum to [0,1]; a single
// Critical match forces risk >= 0.9.
func (c *Catalog) Evaluate(cmdline, exePath, parentChain string) Result {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	var res Result
	var sum float64
	hasCritical := false
	for _, p := range c.patterns {
		for _, m := range p.Matchers {
			if m.matches(cmdline, exePath, parentChain) {
				res.Matched = append(res.Matched, p.ID)
				sum += p.Weight
				if p.Severity == event.Critical {
					hasCritical = true
				}
				break // one hit per pattern is enough
			}
		}
	}
	if sum > 1 {
		sum = 1
	} else if sum < 0 {
		sum = 0
	}
	if hasCritical && sum < 0.9 {
		sum = 0.9
	}
	res.AggregateRisk = sum
	return res
}

// NewMatcher is the exported constructor used by catalog loaders (config
// file and SIGHUP reload) to build a Matcher before calling Load.
func NewMatcher(kind MatcherKind, target Target, raw string) Matcher {
	return Matcher{Kind: kind, Target: target, raw: raw}
}
