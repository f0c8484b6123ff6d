/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package whitelist

import "testing"

func TestMostSpecificPrefixWins(t *testing.T) {
	s := NewStore()
	s.Load([]Entry{
		{Path: `/usr/bin/`, Kind: PathPrefix, Scope: ScopeSystem},
		{Path: `/usr/bin/sudo`, Kind: PathExact, Scope: ScopeTrusted},
	})

	e, ok := s.Lookup(`/usr/bin/sudo`, ``)
	if !ok {
		t.Fatal("expected a match")
	}
	if e.Scope != ScopeTrusted {
		t.Fatalf("expected the exact entry to win, got scope %v", e.Scope)
	}
}

func TestDeterministicLookup(t *testing.T) {
	s := NewStore()
	s.Load([]Entry{{Path: `/opt/app/bin`, Kind: PathExact, Hash: `deadbeef`, Scope: ScopeUser}})

	e1, ok1 := s.Lookup(`/opt/app/bin`, ``)
	e2, ok2 := s.Lookup(`/opt/app/bin`, ``)
	if !ok1 || !ok2 || e1 != e2 {
		t.Fatalf("identical lookups must return identical results: %+v vs %+v", e1, e2)
	}
}

func TestHashFallback(t *testing.T) {
	s := NewStore()
	s.Load([]Entry{{Path: `/some/other/path`, Kind: PathExact, Hash: `cafef00d`, Scope: ScopeUser}})

	_, ok := s.Lookup(`/unrelated/path`, `cafef00d`)
	if !ok {
		t.Fatal("expected hash-based match")
	}
}

func TestProvenanceCanonicalized(t *testing.T) {
	s := NewStore()
	s.Load([]Entry{{Path: `/a`, Kind: PathExact, Provenance: `System-Baseline-2021`}})
	e, _ := s.Lookup(`/a`, ``)
	if e.Provenance != `system` {
		t.Fatalf("expected canonicalized provenance 'system', got %q", e.Provenance)
	}
}
