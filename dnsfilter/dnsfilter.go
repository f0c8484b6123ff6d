/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package dnsfilter implements the DNS resolve-path interception,
// blocklist matching, and DGA heuristic. It parses query sections out of
// UDP/TCP:53 payloads handed to it by the packet adapter (package
// netmon) using github.com/miekg/dns, layering a protocol-specific
// decoder over raw UDP payloads the same way a netflow listener layers
// one over a bind handler's raw payloads.
package dnsfilter

import (
	"container/list"
	"math"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/miekg/dns"

	"github.com/wardenhq/warden/event"
)

// Thresholds configures the DGA heuristic.
type Thresholds struct {
	MinLength           int
	ConsonantVowelRatio float64
	Entropy             float64
	SuspectTLDs         []string // raises (lowers) the flag threshold
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinLength:           10,
		ConsonantVowelRatio: 3.0,
		Entropy:             3.0,
		SuspectTLDs:         []string{`.tk`, `.ml`, `.ga`, `.cf`, `.gq`},
	}
}

// Blocklist holds exact and wildcard (*.suffix) domain matches.
type Blocklist struct {
	mtx      sync.RWMutex
	exact    map[string]struct{}
	wildcard []glob.Glob
	rawWild  []string
}

func NewBlocklist() *Blocklist {
	return &Blocklist{exact: make(map[string]struct{})}
}

// Load replaces the active blocklist atomically.
func (b *Blocklist) Load(domains []string) error {
	exact := make(map[string]struct{}, len(domains))
	var wild []glob.Glob
	var raw []string
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == `` {
			continue
		}
		if strings.HasPrefix(d, `*.`) {
			g, err := glob.Compile(d)
			if err != nil {
				return err
			}
			wild = append(wild, g)
			raw = append(raw, d)
			continue
		}
		exact[d] = struct{}{}
	}
	b.mtx.Lock()
	b.exact, b.wildcard, b.rawWild = exact, wild, raw
	b.mtx.Unlock()
	return nil
}

func (b *Blocklist) Match(domain string) (bool, string) {
	d := strings.ToLower(strings.TrimSuffix(domain, `.`))
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if _, ok := b.exact[d]; ok {
		return true, d
	}
	for i, g := range b.wildcard {
		if g.Match(d) {
			return true, b.rawWild[i]
		}
	}
	return false, ``
}

// lru is a bounded recent-decision cache ("Caching"), modeled
// as a doubly linked list plus map the way a small LRU is hand-rolled
// across the corpus rather than pulling in a generic cache package for a
// ten-line structure.
type lru struct {
	mtx      sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	domain  string
	verdict event.Verdict
	reason  string
}

func newLRU(capacity int) *lru {
	return &lru{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) get(domain string) (event.Verdict, string, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if el, ok := c.items[domain]; ok {
		c.ll.MoveToFront(el)
		e := el.Value.(*lruEntry)
		return e.verdict, e.reason, true
	}
	return event.Pending, ``, false
}

func (c *lru) put(domain string, v event.Verdict, reason string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if el, ok := c.items[domain]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry).verdict = v
		el.Value.(*lruEntry).reason = reason
		return
	}
	el := c.ll.PushFront(&lruEntry{domain: domain, verdict: v, reason: reason})
	c.items[domain] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).domain)
		}
	}
}

const defaultCacheSize = 10000

// Filter is the DNS filter component (C3).
type Filter struct {
	Blocklist  *Blocklist
	Thresholds Thresholds
	cache      *lru
}

func New(thresholds Thresholds) *Filter {
	return &Filter{
		Blocklist:  NewBlocklist(),
		Thresholds: thresholds,
		cache:      newLRU(defaultCacheSize),
	}
}

// ParseQueries extracts query names/types from a raw DNS message observed
// on UDP/TCP 53. Truncated or malformed messages are rejected with an
// error rather than producing a partial event; ParseQueries itself keeps
// no count of rejected messages.
func ParseQueries(payload []byte) ([]event.DnsObject, error) {
	var m dns.Msg
	if err := m.Unpack(payload); err != nil {
		return nil, err
	}
	if m.Response {
		return nil, nil
	}
	out := make([]event.DnsObject, 0, len(m.Question))
	for _, q := range m.Question {
		out = append(out, event.DnsObject{
			Domain:    strings.TrimSuffix(q.Name, `.`),
			QueryType: dns.TypeToString[q.Qtype],
		})
	}
	return out, nil
}

// ParseAnswers extracts the queried domain and any resolved IPv4/IPv6
// addresses from a DNS *response* message observed on UDP/TCP 53, so the
// tracker can learn which addresses a domain currently resolves to
// ("the tracker resolves domain to currently-seen remote addrs in its
// table"). Query messages yield no domain and no error; malformed or
// truncated messages return the unpack error. The caller runs this
// unconditionally over every captured DNS payload alongside ParseQueries,
// and only one of the two ever has something to report for a given
// message.
func ParseAnswers(payload []byte) (domain string, addrs []string, err error) {
	var m dns.Msg
	if uerr := m.Unpack(payload); uerr != nil {
		return ``, nil, uerr
	}
	if !m.Response || len(m.Question) == 0 {
		return ``, nil, nil
	}
	domain = strings.ToLower(strings.TrimSuffix(m.Question[0].Name, `.`))
	for _, rr := range m.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addrs = append(addrs, rec.A.String())
		case *dns.AAAA:
			addrs = append(addrs, rec.AAAA.String())
		}
	}
	return domain, addrs, nil
}

// Decision is the outcome of evaluating one DNS query.
type Decision struct {
	Verdict event.Verdict
	Reason  string
	IsDGA   bool
}

// Evaluate checks the LRU cache, then the blocklist, then the DGA
// heuristic, in that order.
func (f *Filter) Evaluate(domain string) Decision {
	domain = strings.ToLower(strings.TrimSuffix(domain, `.`))
	if v, reason, ok := f.cache.get(domain); ok {
		return Decision{Verdict: v, Reason: reason, IsDGA: reason == `dga`}
	}

	var d Decision
	if blocked, _ := f.Blocklist.Match(domain); blocked {
		d = Decision{Verdict: event.Deny, Reason: `blocklist`}
	} else if f.isDGA(domain) {
		d = Decision{Verdict: event.Deny, Reason: `dga`, IsDGA: true}
	} else {
		d = Decision{Verdict: event.Log, Reason: `not_blocked`}
	}
	f.cache.put(domain, d.Verdict, d.Reason)
	return d
}

// isDGA applies the length + consonant/vowel ratio + Shannon entropy
// heuristic step 2, with suspect TLDs lowering the
// effective entropy bar (spec: "raise the flag threshold" — phrased from
// the detector's point of view, it makes flagging easier, i.e. the bar to
// flag is lower).
func (f *Filter) isDGA(domain string) bool {
	label := firstLabel(domain)
	if len(label) < f.Thresholds.MinLength {
		return false
	}
	ratio := consonantVowelRatio(label)
	entropy := shannonEntropy(label)

	entropyBar := f.Thresholds.Entropy
	if hasSuspectTLD(domain, f.Thresholds.SuspectTLDs) {
		entropyBar -= 0.3
	}
	return ratio >= f.Thresholds.ConsonantVowelRatio && entropy >= entropyBar
}

func firstLabel(domain string) string {
	if i := strings.IndexByte(domain, '.'); i >= 0 {
		return domain[:i]
	}
	return domain
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

func consonantVowelRatio(label string) float64 {
	var consonants, vowels float64
	for _, r := range strings.ToLower(label) {
		if r < 'a' || r > 'z' {
			continue
		}
		if isVowel(r) {
			vowels++
		} else {
			consonants++
		}
	}
	if vowels == 0 {
		if consonants == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return consonants / vowels
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func hasSuspectTLD(domain string, tlds []string) bool {
	for _, t := range tlds {
		if strings.HasSuffix(domain, t) {
			return true
		}
	}
	return false
}
