package pattern

import (
	"testing"

	"github.com/wardenhq/warden/event"
)

func TestEvaluateMinerCmdline(t *testing.T) {
	c := NewCatalog()
	c.Load(DefaultPatterns(), nil)

	res := c.Evaluate(`xmrig --donate-level 1 -o pool.minexmr.com:4444`, `/usr/bin/xmrig`, ``)
	if len(res.Matched) == 0 {
		t.Fatalf("expected xmrig pattern to match")
	}
	if res.AggregateRisk < 0.9 {
		t.Fatalf("expected Critical pattern to force risk >= 0.9, got %f", res.AggregateRisk)
	}
}

func TestEvaluateClipsAggregateRisk(t *testing.T) {
	c := NewCatalog()
	c.Load([]Pattern{
		{ID: `a`, Severity: event.Low, Weight: 0.7, Matchers: []Matcher{NewMatcher(MatchExact, TargetCmdLine, `x`)}},
		{ID: `b`, Severity: event.Low, Weight: 0.7, Matchers: []Matcher{NewMatcher(MatchExact, TargetCmdLine, `x`)}},
	}, nil)
	res := c.Evaluate(`x`, ``, ``)
	if res.AggregateRisk != 1 {
		t.Fatalf("expected clip to 1.0, got %f", res.AggregateRisk)
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	c := NewCatalog()
	c.Load(DefaultPatterns(), nil)
	res := c.Evaluate(`ls -la /tmp`, `/bin/ls`, ``)
	if len(res.Matched) != 0 {
		t.Fatalf("expected no matches, got %v", res.Matched)
	}
	if res.AggregateRisk != 0 {
		t.Fatalf("expected zero risk, got %f", res.AggregateRisk)
	}
}

func TestLoadRejectsAndSkipsBadPattern(t *testing.T) {
	c := NewCatalog()
	var rejected []string
	c.Load([]Pattern{
		{ID: `bad-regex`, Matchers: []Matcher{NewMatcher(MatchRegex, TargetCmdLine, `(`)}},
		{ID: `good`, Matchers: []Matcher{NewMatcher(MatchExact, TargetCmdLine, `ok`)}},
	}, func(id string, err error) { rejected = append(rejected, id) })

	if len(rejected) != 1 || rejected[0] != `bad-regex` {
		t.Fatalf("expected bad-regex to be rejected, got %v", rejected)
	}
	res := c.Evaluate(`ok`, ``, ``)
	if len(res.Matched) != 1 {
		t.Fatalf("expected the good pattern to still evaluate, got %v", res.Matched)
	}
}

func TestParentChainTarget(t *testing.T) {
	c := NewCatalog()
	c.Load([]Pattern{
		{ID: `dev-shell-compiler`, Severity: event.Low, Weight: 0.1,
			Matchers: []Matcher{NewMatcher(MatchSubstringCI, TargetParentChain, `bash>gcc`)}},
	}, nil)
	res := c.Evaluate(`gcc -o a a.c`, `/usr/bin/gcc`, `bash>gcc`)
	if len(res.Matched) != 1 {
		t.Fatalf("expected parent-chain match")
	}
}
