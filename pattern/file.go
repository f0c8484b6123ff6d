/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pattern

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wardenhq/warden/event"
)

// fileMatcher is the on-disk shape of one Matcher: kind/target are spelled
// out as strings so the config path ("Additional patterns are
// loaded from a config path at startup and on a SIGHUP-equivalent reload
// signal") stays human-editable.
type fileMatcher struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Value  string `json:"value"`
}

type filePattern struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Severity string        `json:"severity"`
	Weight   float64       `json:"weight"`
	Matchers []fileMatcher `json:"matchers"`
}

// LoadPatternFile parses additional patterns from path. An empty path is
// not an error -- it just means no additional patterns were configured,
// and the caller should fall back to DefaultPatterns alone.
func LoadPatternFile(path string) ([]Pattern, error) {
	if path == `` {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pattern: reading %s: %w", path, err)
	}
	var entries []filePattern
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("pattern: parsing %s: %w", path, err)
	}
	out := make([]Pattern, 0, len(entries))
	for _, e := range entries {
		sev, err := parseSeverity(e.Severity)
		if err != nil {
			return nil, fmt.Errorf("pattern: %s: %w", e.ID, err)
		}
		p := Pattern{ID: e.ID, Name: e.Name, Severity: sev, Weight: e.Weight}
		for _, m := range e.Matchers {
			kind, err := parseMatcherKind(m.Kind)
			if err != nil {
				return nil, fmt.Errorf("pattern: %s: %w", e.ID, err)
			}
			target, err := parseTarget(m.Target)
			if err != nil {
				return nil, fmt.Errorf("pattern: %s: %w", e.ID, err)
			}
			p.Matchers = append(p.Matchers, NewMatcher(kind, target, m.Value))
		}
		out = append(out, p)
	}
	return out, nil
}

func parseSeverity(s string) (event.Severity, error) {
	switch s {
	case `Info`, ``:
		return event.Info, nil
	case `Low`:
		return event.Low, nil
	case `Medium`:
		return event.Medium, nil
	case `High`:
		return event.High, nil
	case `Critical`:
		return event.Critical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func parseMatcherKind(s string) (MatcherKind, error) {
	switch s {
	case `exact`:
		return MatchExact, nil
	case `substring`:
		return MatchSubstringCI, nil
	case `regex`:
		return MatchRegex, nil
	case `glob`:
		return MatchGlob, nil
	}
	return 0, fmt.Errorf("unknown matcher kind %q", s)
}

func parseTarget(s string) (Target, error) {
	switch s {
	case `cmdline`, ``:
		return TargetCmdLine, nil
	case `exe_path`:
		return TargetExePath, nil
	case `parent_chain`:
		return TargetParentChain, nil
	}
	return 0, fmt.Errorf("unknown matcher target %q", s)
}
