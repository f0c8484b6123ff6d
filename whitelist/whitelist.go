/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package whitelist implements the WhitelistEntry data model and lookup
//: path (exact, prefix, or glob), optional content hash,
// provenance, and scope, with (path-exact ∪ path-prefix ∪ hash) lookup
// returning at most one entry, ties resolved by most-specific path wins
//. Provenance values are canonicalized per the Open Question
// decision recorded in DESIGN.md.
package whitelist

import (
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Scope is the WhitelistEntry scope enum.
type Scope uint8

const (
	ScopeSystem Scope = iota
	ScopeUser
	ScopeTrusted
)

func (s Scope) String() string {
	switch s {
	case ScopeSystem:
		return `System`
	case ScopeUser:
		return `User`
	case ScopeTrusted:
		return `Trusted`
	}
	return `Unknown`
}

// PatternKind selects how Entry.Path is interpreted.
type PatternKind uint8

const (
	PathExact PatternKind = iota
	PathPrefix
	PathGlob
)

// Entry is one WhitelistEntry.
type Entry struct {
	Path       string
	Kind       PatternKind
	Hash       string // hex sha256, optional
	Signer     string // publisher identity, if known
	Scope      Scope
	Provenance string // canonicalized tag, see DESIGN.md

	compiled glob.Glob
}

// Store is the concurrently-readable active whitelist ("Whitelist lookup
// is deterministic"); readers share an RWMutex read lock and Load takes
// the write lock only for the final swap.
type Store struct {
	mtx     sync.RWMutex
	exact   map[string]*Entry
	prefix  []*Entry // sorted longest-prefix-first so the first match wins
	globs   []*Entry
	byHash  map[string]*Entry
}

func NewStore() *Store {
	return &Store{exact: make(map[string]*Entry), byHash: make(map[string]*Entry)}
}

// Load replaces the active set atomically. Entries with an invalid glob
// pattern are skipped rather than rejecting the whole load.
func (s *Store) Load(entries []Entry) {
	exact := make(map[string]*Entry, len(entries))
	byHash := make(map[string]*Entry, len(entries))
	var prefixes, globs []*Entry

	for i := range entries {
		e := entries[i]
		e.Provenance = canonicalizeProvenance(e.Provenance)
		switch e.Kind {
		case PathExact:
			exact[e.Path] = &e
		case PathPrefix:
			ec := e
			prefixes = append(prefixes, &ec)
		case PathGlob:
			g, err := glob.Compile(e.Path)
			if err != nil {
				continue
			}
			ec := e
			ec.compiled = g
			globs = append(globs, &ec)
		}
		if e.Hash != `` {
			ec := e
			byHash[e.Hash] = &ec
		}
	}
	// Longest prefix first so the most-specific path wins ("ties
	// resolved by most-specific path wins").
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i].Path) > len(prefixes[j].Path) })

	s.mtx.Lock()
	s.exact, s.byHash, s.prefix, s.globs = exact, byHash, prefixes, globs
	s.mtx.Unlock()
}

// Lookup implements (path-exact ∪ path-prefix ∪ hash) lookup,
// returning the single winning entry or false. Exact match wins over
// prefix/glob over hash-only, since an exact path hit is the most
// specific possible signal.
func (s *Store) Lookup(path, hash string) (Entry, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if e, ok := s.exact[path]; ok {
		return *e, true
	}
	for _, e := range s.prefix {
		if strings.HasPrefix(path, e.Path) {
			return *e, true
		}
	}
	for _, e := range s.globs {
		if e.compiled != nil && e.compiled.Match(path) {
			return *e, true
		}
	}
	if hash != `` {
		if e, ok := s.byHash[hash]; ok {
			return *e, true
		}
	}
	return Entry{}, false
}

// canonicalizeProvenance folds the heterogeneous source-system strings
// (the design Open Question: "system", "user", timestamp-stamped strings)
// into system, user, scanner or unknown when a recognised marker is
// present; any other value is kept verbatim. See DESIGN.md for the
// decision this implements.
func canonicalizeProvenance(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case r == ``:
		return `unknown`
	case strings.Contains(r, `system`), strings.Contains(r, `baseline`):
		return `system`
	case strings.Contains(r, `user`), strings.Contains(r, `manual`):
		return `user`
	case strings.Contains(r, `scan`), strings.Contains(r, `offline`):
		return `scanner`
	default:
		// a bare timestamp or other opaque provenance string: keep the
		// raw value rather than discarding provenance information the
		// source intended to record.
		return raw
	}
}
