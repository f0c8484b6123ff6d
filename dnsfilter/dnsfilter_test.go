package dnsfilter

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/wardenhq/warden/event"
)

func TestBlocklistExactAndWildcard(t *testing.T) {
	bl := NewBlocklist()
	if err := bl.Load([]string{`evil.example.com`, `*.badnet.io`}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok, _ := bl.Match(`evil.example.com`); !ok {
		t.Fatalf("expected exact match")
	}
	if ok, _ := bl.Match(`c2.badnet.io`); !ok {
		t.Fatalf("expected wildcard match")
	}
	if ok, _ := bl.Match(`good.example.com`); ok {
		t.Fatalf("expected no match")
	}
}

func TestEvaluateDGADomain(t *testing.T) {
	f := New(DefaultThresholds())
	d := f.Evaluate(`asdkjhqwlekjhasdlkjh.com`)
	if d.Verdict != event.Deny || d.Reason != `dga` {
		t.Fatalf("expected dga deny, got %+v", d)
	}
}

func TestEvaluateNotBlocked(t *testing.T) {
	f := New(DefaultThresholds())
	d := f.Evaluate(`google.com`)
	if d.Verdict != event.Log || d.Reason != `not_blocked` {
		t.Fatalf("expected not_blocked log verdict, got %+v", d)
	}
}

func TestEvaluateBlocklistedTakesPriority(t *testing.T) {
	f := New(DefaultThresholds())
	if err := f.Blocklist.Load([]string{`google.com`}); err != nil {
		t.Fatalf("load: %v", err)
	}
	d := f.Evaluate(`google.com`)
	if d.Verdict != event.Deny || d.Reason != `blocklist` {
		t.Fatalf("expected blocklist deny, got %+v", d)
	}
}

func TestEvaluateIsCached(t *testing.T) {
	f := New(DefaultThresholds())
	first := f.Evaluate(`cached-example.com`)
	second := f.Evaluate(`cached-example.com`)
	if first != second {
		t.Fatalf("expected cached decision to be identical: %+v vs %+v", first, second)
	}
}

func TestParseQueries(t *testing.T) {
	var m dns.Msg
	m.SetQuestion(dns.Fqdn(`example.com`), dns.TypeA)
	b, err := m.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	qs, err := ParseQueries(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(qs) != 1 || qs[0].Domain != `example.com` {
		t.Fatalf("unexpected queries: %+v", qs)
	}
}

func TestParseQueriesRejectsMalformed(t *testing.T) {
	if _, err := ParseQueries([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected error for malformed dns payload")
	}
}

func TestParseAnswersExtractsResolvedAddrs(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(`example.com`), dns.TypeA)
	m.Response = true
	rr, err := dns.NewRR(`example.com. 300 IN A 93.184.216.34`)
	if err != nil {
		t.Fatalf("build rr: %v", err)
	}
	m.Answer = append(m.Answer, rr)
	b, err := m.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	domain, addrs, err := ParseAnswers(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if domain != `example.com` {
		t.Fatalf("expected domain example.com, got %q", domain)
	}
	if len(addrs) != 1 || net.ParseIP(addrs[0]).String() != `93.184.216.34` {
		t.Fatalf("unexpected addrs: %+v", addrs)
	}
}

func TestParseAnswersIgnoresQueries(t *testing.T) {
	var m dns.Msg
	m.SetQuestion(dns.Fqdn(`example.com`), dns.TypeA)
	b, err := m.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	domain, addrs, err := ParseAnswers(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if domain != `` || addrs != nil {
		t.Fatalf("expected no domain/addrs for a query message, got %q %+v", domain, addrs)
	}
}
