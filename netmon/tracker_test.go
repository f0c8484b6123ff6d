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
	"testing"
	"time"
)

type fakeFirewall struct {
	blocked     []string
	rateLimited []string
}

func (f *fakeFirewall) BlockAddr(addr string) error {
	f.blocked = append(f.blocked, addr)
	return nil
}
func (f *fakeFirewall) BlockPort(proto uint8, port uint16) error { return nil }
func (f *fakeFirewall) RateLimitAddr(addr string) error {
	f.rateLimited = append(f.rateLimited, addr)
	return nil
}

func packet(src, dst string) ParsedPacket {
	return ParsedPacket{
		Src: net.ParseIP(src), Dst: net.ParseIP(dst),
		Sport: 40000, Dport: 443, Proto: ProtoTCP, Length: 64,
	}
}

func TestIngestSkipsFirewallWhenNotEnforcing(t *testing.T) {
	fw := &fakeFirewall{}
	tr := NewTracker(64, 0, time.Minute, fw, func() bool { return false })
	tr.UpdatePolicy([]NetRule{{Addr: `203.0.113.5`, Deny: true}})

	state, newBlock, _ := tr.Ingest(packet(`10.0.0.1`, `203.0.113.5`), time.Now())
	if state != StateBlocked || !newBlock {
		t.Fatalf("expected the flow state to still reflect the block, got state=%v newBlock=%v", state, newBlock)
	}
	if len(fw.blocked) != 0 {
		t.Fatalf("firewall must not be called while enforce() is false, got %v", fw.blocked)
	}
}

func TestIngestCallsFirewallWhenEnforcing(t *testing.T) {
	fw := &fakeFirewall{}
	tr := NewTracker(64, 0, time.Minute, fw, func() bool { return true })
	tr.UpdatePolicy([]NetRule{{Addr: `203.0.113.5`, Deny: true}})

	tr.Ingest(packet(`10.0.0.1`, `203.0.113.5`), time.Now())
	if len(fw.blocked) != 1 || fw.blocked[0] != `203.0.113.5` {
		t.Fatalf("expected firewall.BlockAddr(203.0.113.5), got %v", fw.blocked)
	}
}

func TestIngestNilEnforceGateDefaultsToAllowed(t *testing.T) {
	fw := &fakeFirewall{}
	tr := NewTracker(64, 0, time.Minute, fw, nil)
	tr.UpdatePolicy([]NetRule{{Addr: `203.0.113.5`, Deny: true}})

	tr.Ingest(packet(`10.0.0.1`, `203.0.113.5`), time.Now())
	if len(fw.blocked) != 1 {
		t.Fatalf("a nil enforce gate must default to allowed, got %v", fw.blocked)
	}
}

func TestRecordAndResolveDNSAnswer(t *testing.T) {
	tr := NewTracker(64, 0, time.Minute, nil, nil)
	if got := tr.ResolvedAddrsForDomain(`evil.example.com`); got != nil {
		t.Fatalf("expected no addrs before any DNS answer observed, got %v", got)
	}

	tr.RecordDNSAnswer(`evil.example.com`, []string{`203.0.113.9`})
	got := tr.ResolvedAddrsForDomain(`evil.example.com`)
	if len(got) != 1 || got[0] != `203.0.113.9` {
		t.Fatalf("expected resolved addr 203.0.113.9, got %v", got)
	}

	// A later answer replaces, rather than accumulates on top of, the
	// previous one (only the most recently observed mapping matters).
	tr.RecordDNSAnswer(`evil.example.com`, []string{`203.0.113.10`})
	got = tr.ResolvedAddrsForDomain(`evil.example.com`)
	if len(got) != 1 || got[0] != `203.0.113.10` {
		t.Fatalf("expected resolved addr to be replaced, got %v", got)
	}
}

func TestFlagAddrMarksResolvedAddrAsFlagged(t *testing.T) {
	tr := NewTracker(64, 0, time.Minute, nil, nil)
	tr.RecordDNSAnswer(`evil.example.com`, []string{`203.0.113.9`})
	for _, addr := range tr.ResolvedAddrsForDomain(`evil.example.com`) {
		tr.FlagAddr(addr)
	}
	if !tr.IsFlaggedRemote(`203.0.113.9`) {
		t.Fatal("expected the domain's resolved address to be flagged, not the DNS resolver's address")
	}
}
