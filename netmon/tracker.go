/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package netmon

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/event"
	"github.com/wardenhq/warden/ipexist"
)

// NetRule is one policy net_rules entry (the design Policy.net_rules), keyed
// by (addr, port, proto); an empty Addr/Port matches any value for that
// field so a rule can deny an entire address or an entire port.
type NetRule struct {
	Addr  string
	Port  uint16
	Proto Proto
	Deny  bool
	Rate  bool // install a rate-limit instead of an outright deny
}

// FirewallDriver is the C1 adapter the tracker asks to install/withdraw
// rules; implemented by package firewall. Kept as a narrow interface here
// so the tracker's single-writer ingest path never imports the firewall
// package's os/exec plumbing directly.
type FirewallDriver interface {
	BlockAddr(addr string) error
	BlockPort(proto uint8, port uint16) error
	RateLimitAddr(addr string) error
}

// Snapshot is a read-only copy of one flow, handed to telemetry/RPC
// readers without holding the tracker's lock ("reads for
// telemetry go through a snapshot mechanism").
type Snapshot struct {
	Key       Key
	State     FlowState
	FirstSeen time.Time
	LastSeen  time.Time
	BytesIn   uint64
	BytesOut  uint64
	PktsIn    uint64
	PktsOut   uint64
	OwningPID int32
	Verdict   event.Verdict
}

// Tracker owns the flow table (C4). Packets are ingested by the capture
// goroutine; policy updates (UpdatePolicy) and owner-pid updates
// (SetOwningPID) arrive from other goroutines and take the same
// short-held table lock.
type Tracker struct {
	mtx   sync.Mutex
	flows map[Key]*Flow
	max   int

	denyAddrs map[string]struct{}
	denyPorts map[portProto]struct{}
	flagged   *ipexist.FlaggedSet // domains/IPs flagged by dnsfilter for the correlation window

	domainMtx   sync.Mutex
	domainAddrs map[string][]string // domain -> most recently observed resolved addrs

	limiters   map[string]*rate.Limiter
	limiterMtx sync.Mutex
	rateLimit  rate.Limit

	firewall FirewallDriver
	enforce  func() bool // nil means always allowed (used by tests with no firewall wired)

	correlationWindow time.Duration
}

const maxTrackedDomains = 4096

type portProto struct {
	Port  uint16
	Proto Proto
}

// NewTracker builds a Tracker bounded to maxFlows entries ("Flow
// table size is bounded") with LRU-by-last_seen eviction that never drops
// a flow inside the correlation window. enforce gates every call into fw
// ("All enforcement actions flow through [C8] so that Passive mode is
// guaranteed side-effect-free"); pass nil only when fw is also nil (as
// tests do), since a non-nil fw with a nil gate would install rules
// unconditionally.
func NewTracker(maxFlows int, ratePerSecond int, correlationWindow time.Duration, fw FirewallDriver, enforce func() bool) *Tracker {
	return &Tracker{
		flows:             make(map[Key]*Flow),
		max:               maxFlows,
		denyAddrs:         make(map[string]struct{}),
		denyPorts:         make(map[portProto]struct{}),
		domainAddrs:       make(map[string][]string),
		flagged:           ipexist.NewFlaggedSet(),
		limiters:          make(map[string]*rate.Limiter),
		rateLimit:         rate.Limit(ratePerSecond),
		firewall:          fw,
		enforce:           enforce,
		correlationWindow: correlationWindow,
	}
}

// enforceAllowed reports whether the tracker may actually invoke the
// firewall driver right now, per the current policy/degradation state (a
// nil gate means unconditionally allowed, the test-only no-firewall
// case).
func (t *Tracker) enforceAllowed() bool {
	return t.enforce == nil || t.enforce()
}

// RecordDNSAnswer remembers the addresses domain most recently resolved
// to, observed from a live DNS response on the capture path (package
// dnsfilter's ParseAnswers). A later DNS deny for domain looks this up to
// find "currently-seen remote addrs" to flag/block (spec §4.4).
func (t *Tracker) RecordDNSAnswer(domain string, addrs []string) {
	if domain == `` || len(addrs) == 0 {
		return
	}
	t.domainMtx.Lock()
	defer t.domainMtx.Unlock()
	if _, exists := t.domainAddrs[domain]; !exists && len(t.domainAddrs) >= maxTrackedDomains {
		for k := range t.domainAddrs {
			delete(t.domainAddrs, k)
			break
		}
	}
	t.domainAddrs[domain] = append([]string(nil), addrs...)
}

// ResolvedAddrsForDomain returns the addresses most recently observed for
// domain, or nil if none has been seen yet on this capture path.
func (t *Tracker) ResolvedAddrsForDomain(domain string) []string {
	t.domainMtx.Lock()
	defer t.domainMtx.Unlock()
	return append([]string(nil), t.domainAddrs[domain]...)
}

// UpdatePolicy replaces the deny lists. Called from C8 under the single
// policy-generation swap; the tracker never blocks packet ingest on it
// because it only takes the short-held map lock ("policy updates
// arrive via a single-slot swap").
func (t *Tracker) UpdatePolicy(rules []NetRule) {
	denyAddrs := make(map[string]struct{})
	denyPorts := make(map[portProto]struct{})
	for _, r := range rules {
		if !r.Deny {
			continue
		}
		if r.Addr != `` && r.Port == 0 {
			denyAddrs[r.Addr] = struct{}{}
		} else if r.Port != 0 {
			denyPorts[portProto{Port: r.Port, Proto: r.Proto}] = struct{}{}
		}
	}
	t.mtx.Lock()
	t.denyAddrs, t.denyPorts = denyAddrs, denyPorts
	t.mtx.Unlock()
}

// FlagAddr marks addr as tied to a blocked/DGA domain so a subsequent
// NetConnect to it is recognized by the exfiltration correlation rule
// (the design "the tracker resolves domain to currently-seen remote addrs",
// the design step 3). The supervisor's packet handler calls it directly
// when the DNS filter denies a domain, once per address that domain was
// last seen resolving to.
func (t *Tracker) FlagAddr(addr string) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return
	}
	_ = t.flagged.Add(ip)
}

func (t *Tracker) isFlagged(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return false
	}
	ok, _ := t.flagged.Contains(ip)
	return ok
}

// IsFlaggedRemote reports whether addr was flagged by the DNS filter
// ("NetConnect to flagged IP"); exported so the correlation
// engine (package correlate) can be wired to it without importing the
// tracker's internal flow-table plumbing.
func (t *Tracker) IsFlaggedRemote(addr string) bool { return t.isFlagged(addr) }

// Ingest processes one decoded packet. It returns the flow's
// new state and, when true, newBlockEvent signals the caller should emit a
// PacketDropped SecurityEvent (first block only; subsequent blocks on the
// same flow are suppressed with only a counter bump).
func (t *Tracker) Ingest(pp ParsedPacket, now time.Time) (state FlowState, newBlockEvent bool, owningPID int32) {
	key, forward := NewKey(pp.Src.String(), pp.Dst.String(), pp.Sport, pp.Dport, pp.Proto)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	f, ok := t.flows[key]
	if !ok {
		f = &Flow{Key: key, State: StateNew, FirstSeen: now, Verdict: event.Pending}
		t.evictLocked(now)
		t.flows[key] = f
	}
	f.touch(now, forward, pp.Length)
	if pp.Proto == ProtoTCP {
		f.advanceTCP(pp.TCPFlags)
	}

	// State transitions (and the resulting PacketDropped event) always
	// record the verdict the tracker computed; only the actual firewall
	// call is gated on enforcement mode, so Passive mode stays
	// side-effect-free while still reporting what it would have done.
	remote := remoteAddr(key, forward)
	if t.shouldBlockLocked(remote, pp.Dport, pp.Proto) && f.State != StateBlocked {
		f.State = StateBlocked
		if t.firewall != nil && t.enforceAllowed() {
			_ = t.firewall.BlockAddr(remote)
		}
		newBlockEvent = !f.suppressed
		f.suppressed = true
	} else if t.exceedsRateLocked(remote) && f.State == StateNew {
		f.State = StateRateLimited
		if t.firewall != nil && t.enforceAllowed() {
			_ = t.firewall.RateLimitAddr(remote)
		}
	}

	return f.State, newBlockEvent, f.OwningPID
}

func (t *Tracker) shouldBlockLocked(remote string, dport uint16, proto Proto) bool {
	if _, ok := t.denyAddrs[remote]; ok {
		return true
	}
	if _, ok := t.denyPorts[portProto{Port: dport, Proto: proto}]; ok {
		return true
	}
	return t.isFlagged(remote)
}

func (t *Tracker) exceedsRateLocked(srcAddr string) bool {
	if t.rateLimit <= 0 {
		return false
	}
	t.limiterMtx.Lock()
	lim, ok := t.limiters[srcAddr]
	if !ok {
		lim = rate.NewLimiter(t.rateLimit, int(t.rateLimit)+1)
		t.limiters[srcAddr] = lim
	}
	t.limiterMtx.Unlock()
	return !lim.Allow()
}

// evictLocked removes the least-recently-seen flow when the table is at
// capacity, never one whose last_seen falls inside the correlation window
// (the design "Flow table" invariant boundary behavior).
func (t *Tracker) evictLocked(now time.Time) {
	if len(t.flows) < t.max {
		return
	}
	var oldestKey Key
	var oldest time.Time
	found := false
	for k, f := range t.flows {
		if now.Sub(f.LastSeen) < t.correlationWindow {
			continue
		}
		if !found || f.LastSeen.Before(oldest) {
			oldest, oldestKey, found = f.LastSeen, k, true
		}
	}
	if found {
		delete(t.flows, oldestKey)
	}
	// if every flow is inside the correlation window the table is
	// allowed to exceed max momentarily; the design makes retention the
	// higher-priority invariant.
}

// SetOwningPID records the process discovered (asynchronously, by C6) to own
// a flow, "flows carry an optional owning pid discovered
// asynchronously".
func (t *Tracker) SetOwningPID(key Key, pid int32) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if f, ok := t.flows[key]; ok {
		f.OwningPID = pid
	}
}

// Snapshot returns a point-in-time copy of the flow table for the RPC
// `GET connections` surface, never the live map.
func (t *Tracker) Snapshot() []Snapshot {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	out := make([]Snapshot, 0, len(t.flows))
	for _, f := range t.flows {
		out = append(out, Snapshot{
			Key: f.Key, State: f.State, FirstSeen: f.FirstSeen, LastSeen: f.LastSeen,
			BytesIn: f.BytesIn, BytesOut: f.BytesOut, PktsIn: f.PktsIn, PktsOut: f.PktsOut,
			OwningPID: f.OwningPID, Verdict: f.Verdict,
		})
	}
	return out
}

func (t *Tracker) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.flows)
}
