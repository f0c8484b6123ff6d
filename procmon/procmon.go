/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package procmon implements the C6 process behavior analyzer: periodic
// and event-driven /proc snapshots, diffed by (pid, starttime) against
// the previous pass the way a directory-listing follower diffs a
// directory listing between scans, scored against the pattern catalog,
// and bucketed into a sticky reputation ladder.
package procmon

import (
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/wardenhq/warden/event"
	"github.com/wardenhq/warden/pattern"
	"github.com/wardenhq/warden/procfs"
)

// Reputation is the sticky bucket ladder.
type Reputation uint8

const (
	RepSystem Reputation = iota
	RepTrusted
	RepKnown
	RepUnknown
	RepSuspicious
)

func (r Reputation) String() string {
	switch r {
	case RepSystem:
		return `System`
	case RepTrusted:
		return `Trusted`
	case RepKnown:
		return `Known`
	case RepUnknown:
		return `Unknown`
	case RepSuspicious:
		return `Suspicious`
	}
	return `Invalid`
}

// Record is one ProcessRecord, the procfs.Record enriched with
// gopsutil's resource-usage fields and this package's scoring state.
type Record struct {
	event.ProcessIdentity
	PPID         int32
	Exe          string
	CmdLine      string
	Cwd          string
	UID          uint32
	Threads      int32
	RSS          uint64
	CPUPercent   float64
	NumFDs       int32
	FirstSeen    time.Time
	Reputation   Reputation
	MatchedRules []string
	RiskScore    float64
	Suppressed   bool
}

// ParentAllowList suppresses events generated by a configured ancestor
// chain ("developer shell launching its compiler"); suppressed
// events are still counted, never silently dropped from telemetry.
type ParentAllowList struct {
	mtx     sync.RWMutex
	exePath map[string]struct{}
}

func NewParentAllowList(exePaths []string) *ParentAllowList {
	m := make(map[string]struct{}, len(exePaths))
	for _, p := range exePaths {
		m[p] = struct{}{}
	}
	return &ParentAllowList{exePath: m}
}

func (a *ParentAllowList) allows(chain []string) bool {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	for _, exe := range chain {
		if _, ok := a.exePath[exe]; ok {
			return true
		}
	}
	return false
}

// Analyzer owns the previous-snapshot table and the sticky reputation
// state, both single-writer from the analyzer's own driver goroutine
// ("a fixed worker pool for ... periodic /proc snapshots").
type Analyzer struct {
	mtx       sync.Mutex
	prev      map[event.ProcessIdentity]*Record
	chains    map[int32][]string // ppid-walk cache, rebuilt each snapshot
	catalog   *pattern.Catalog
	allowlist *ParentAllowList
	riskRepThreshold float64
}

func NewAnalyzer(cat *pattern.Catalog, allow *ParentAllowList, riskRepThreshold float64) *Analyzer {
	return &Analyzer{
		prev:             make(map[event.ProcessIdentity]*Record),
		catalog:          cat,
		allowlist:        allow,
		riskRepThreshold: riskRepThreshold,
	}
}

// Diff is the outcome of one snapshot pass ("appeared,
// disappeared, changed").
type Diff struct {
	Appeared    []*Record
	Changed     []*Record
	Disappeared []event.ProcessIdentity
}

// Snapshot enumerates every pid in /proc, enriches it, runs pattern
// scoring on appeared/changed entries, and diffs against the previous
// pass. It is safe to call from the periodic driver goroutine or
// directly in response to a process-start signal ("two
// drivers").
func (a *Analyzer) Snapshot(now time.Time) (Diff, error) {
	pids, err := procfs.ListPIDs()
	if err != nil {
		return Diff{}, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	current := make(map[event.ProcessIdentity]*Record, len(pids))
	chains := make(map[int32][]string, len(pids))
	byPID := make(map[int32]procfs.Record, len(pids))

	for _, pid := range pids {
		rec, err := procfs.ReadOne(pid)
		if err != nil {
			continue // process exited between ListPIDs and ReadOne
		}
		byPID[pid] = rec
	}

	var diff Diff
	for pid, rec := range byPID {
		ident := event.ProcessIdentity{PID: pid, StartTime: rec.StartTime}
		chain := ancestorChain(pid, byPID, chains)
		chains[pid] = chain

		prior, existed := a.prev[ident]
		r := &Record{
			ProcessIdentity: ident,
			PPID:            rec.PPID,
			Exe:             rec.Exe,
			CmdLine:         rec.CmdLine,
			Cwd:             rec.Cwd,
			UID:             rec.UID,
			Threads:         rec.Threads,
			FirstSeen:       now,
		}
		if existed {
			r.FirstSeen = prior.FirstSeen
			r.Reputation = prior.Reputation
		}
		enrich(pid, r)

		suppressed := a.allowlist != nil && a.allowlist.allows(chain)
		r.Suppressed = suppressed

		changed := !existed || cmdLineOrExeChanged(prior, r)
		if !existed || changed {
			res := a.catalog.Evaluate(r.CmdLine, r.Exe, joinChain(chain))
			r.MatchedRules = res.Matched
			r.RiskScore = res.AggregateRisk
			r.Reputation = bucketFor(r, existed, prior)
		}

		current[ident] = r
		if !existed {
			if !suppressed {
				diff.Appeared = append(diff.Appeared, r)
			}
		} else if changed && r.RiskScore >= a.riskRepThreshold {
			if !suppressed {
				diff.Changed = append(diff.Changed, r)
			}
		}
	}

	for ident := range a.prev {
		if _, ok := current[ident]; !ok {
			diff.Disappeared = append(diff.Disappeared, ident)
		}
	}

	a.prev = current
	a.chains = chains

	sortIdentities(diff.Disappeared)
	return diff, nil
}

// ancestorChain walks ppid links within the current snapshot, caching
// each pid's chain for reuse by descendants within the same pass (spec
// §4.6 "cache the chain for reuse within the snapshot").
func ancestorChain(pid int32, byPID map[int32]procfs.Record, cache map[int32][]string) []string {
	if c, ok := cache[pid]; ok {
		return c
	}
	var chain []string
	seen := make(map[int32]struct{})
	cur := pid
	for i := 0; i < 64; i++ { // hard depth bound against a ppid cycle
		rec, ok := byPID[cur]
		if !ok {
			break
		}
		if _, looped := seen[cur]; looped {
			break
		}
		seen[cur] = struct{}{}
		chain = append(chain, rec.Exe)
		if rec.PPID == 0 || rec.PPID == cur {
			break
		}
		cur = rec.PPID
	}
	cache[pid] = chain
	return chain
}

func joinChain(chain []string) string {
	var out string
	for i, c := range chain {
		if i > 0 {
			out += ` -> `
		}
		out += c
	}
	return out
}

// enrich layers gopsutil's resource-usage fields over the raw procfs
// record (rss, cpu%, fd count); a failure here (process exited mid-read,
// permission denied) just leaves the enrichment fields at zero rather
// than dropping the record.
func enrich(pid int32, r *Record) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		r.RSS = mi.RSS
	}
	if cp, err := p.CPUPercent(); err == nil {
		r.CPUPercent = cp
	}
	if n, err := p.NumFDs(); err == nil {
		r.NumFDs = n
	}
}

func cmdLineOrExeChanged(prior, r *Record) bool {
	return prior.Exe != r.Exe || prior.CmdLine != r.CmdLine
}

// bucketFor derives the reputation bucket from the exe path prefix and
// the pattern risk score; Suspicious is sticky and is never downgraded
// within the process's lifetime. The whitelist is not consulted, so
// RepTrusted is never assigned.
func bucketFor(r *Record, existed bool, prior *Record) Reputation {
	if existed && prior.Reputation == RepSuspicious {
		return RepSuspicious
	}
	if r.RiskScore >= 0.6 {
		return RepSuspicious
	}
	switch {
	case isSystemPath(r.Exe):
		return RepSystem
	case r.RiskScore > 0 && r.RiskScore < 0.3:
		return RepKnown
	case r.RiskScore == 0 && existed:
		return RepKnown
	default:
		return RepUnknown
	}
}

func isSystemPath(exe string) bool {
	for _, prefix := range []string{"/usr/bin/", "/usr/sbin/", "/bin/", "/sbin/", "/usr/lib/"} {
		if len(exe) >= len(prefix) && exe[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func sortIdentities(ids []event.ProcessIdentity) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].PID != ids[j].PID {
			return ids[i].PID < ids[j].PID
		}
		return ids[i].StartTime < ids[j].StartTime
	})
}

// Len reports how many processes are tracked in the last snapshot (test
// and telemetry hook).
func (a *Analyzer) Len() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.prev)
}

// Lookup returns the last-known record for a process identity.
func (a *Analyzer) Lookup(id event.ProcessIdentity) (*Record, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	r, ok := a.prev[id]
	return r, ok
}

// All returns every tracked record as of the last pass, for the RPC
// `GET processes` surface.
func (a *Analyzer) All() []*Record {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	out := make([]*Record, 0, len(a.prev))
	for _, r := range a.prev {
		out = append(out, r)
	}
	return out
}
