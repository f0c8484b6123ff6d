package pattern

import "github.com/wardenhq/warden/event"

// DefaultPatterns is the catalog shipped with the binary, covering
// cryptocurrency miners, reverse shells, privilege escalation probes,
// memory injection tools, and scheduler abuse.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			ID: `xmrig`, Name: `XMR miner`, Severity: event.Critical, Weight: 0.95,
			Matchers: []Matcher{NewMatcher(MatchSubstringCI, TargetCmdLine, `xmrig`)},
		},
		{
			ID: `stratum-pool`, Name: `Mining pool protocol`, Severity: event.High, Weight: 0.6,
			Matchers: []Matcher{NewMatcher(MatchRegex, TargetCmdLine, `stratum\+tcp://`)},
		},
		{
			ID: `reverse-shell-devtcp`, Name: `/dev/tcp reverse shell`, Severity: event.Critical, Weight: 0.9,
			Matchers: []Matcher{NewMatcher(MatchRegex, TargetCmdLine, `/dev/tcp/[^ ]+`)},
		},
		{
			ID: `reverse-shell-interactive`, Name: `Interactive shell redirect`, Severity: event.High, Weight: 0.55,
			Matchers: []Matcher{NewMatcher(MatchRegex, TargetCmdLine, `(?:bash|sh|nc|ncat)\s+-i\b`)},
		},
		{
			ID: `priv-esc-suid-probe`, Name: `SUID escalation probe`, Severity: event.High, Weight: 0.6,
			Matchers: []Matcher{NewMatcher(MatchRegex, TargetCmdLine, `find\s+/.*-perm\s+-4000`)},
		},
		{
			ID: `priv-esc-sudo-probe`, Name: `sudo -l enumeration`, Severity: event.Medium, Weight: 0.3,
			Matchers: []Matcher{NewMatcher(MatchExact, TargetCmdLine, `sudo -l`)},
		},
		{
			ID: `mem-injection-tool`, Name: `Known memory injection tool`, Severity: event.Critical, Weight: 0.9,
			Matchers: []Matcher{
				NewMatcher(MatchSubstringCI, TargetCmdLine, `mimikatz`),
				NewMatcher(MatchSubstringCI, TargetCmdLine, `process_inject`),
			},
		},
		{
			ID: `scheduler-abuse-cron`, Name: `Suspicious cron edit`, Severity: event.Medium, Weight: 0.35,
			Matchers: []Matcher{NewMatcher(MatchRegex, TargetCmdLine, `crontab\s+-(e|r)\b`)},
		},
		{
			ID: `scheduler-abuse-systemd`, Name: `Persistence via systemd timer`, Severity: event.Medium, Weight: 0.4,
			Matchers: []Matcher{NewMatcher(MatchGlob, TargetExePath, `/etc/systemd/system/*.timer`)},
		},
	}
}
