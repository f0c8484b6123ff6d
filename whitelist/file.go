/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package whitelist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileEntry is the on-disk shape of one WhitelistEntry (the design
// "Whitelist store: one file per entry keyed by content hash").
type fileEntry struct {
	Path       string `json:"path"`
	Kind       string `json:"kind"`
	Hash       string `json:"hash,omitempty"`
	Signer     string `json:"signer,omitempty"`
	Scope      string `json:"scope"`
	Provenance string `json:"provenance,omitempty"`
}

// LoadDir reads dir's index file (one entry filename per line) and the
// per-entry JSON files it names ("an index file enumerates active
// entries"). An empty dir is not an error -- startup with no whitelist
// configured just means an empty Store.
func LoadDir(dir string) ([]Entry, error) {
	if dir == `` {
		return nil, nil
	}
	idx, err := os.Open(filepath.Join(dir, `index`))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("whitelist: reading index: %w", err)
	}
	defer idx.Close()

	var names []string
	sc := bufio.NewScanner(idx)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == `` || strings.HasPrefix(line, `#`) {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("whitelist: reading index: %w", err)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("whitelist: reading entry %s: %w", name, err)
		}
		var fe fileEntry
		if err := json.Unmarshal(raw, &fe); err != nil {
			return nil, fmt.Errorf("whitelist: parsing entry %s: %w", name, err)
		}
		kind, err := parseKind(fe.Kind)
		if err != nil {
			return nil, fmt.Errorf("whitelist: entry %s: %w", name, err)
		}
		scope, err := parseScope(fe.Scope)
		if err != nil {
			return nil, fmt.Errorf("whitelist: entry %s: %w", name, err)
		}
		entries = append(entries, Entry{
			Path: fe.Path, Kind: kind, Hash: fe.Hash,
			Signer: fe.Signer, Scope: scope, Provenance: fe.Provenance,
		})
	}
	return entries, nil
}

func parseKind(s string) (PatternKind, error) {
	switch s {
	case `exact`, ``:
		return PathExact, nil
	case `prefix`:
		return PathPrefix, nil
	case `glob`:
		return PathGlob, nil
	}
	return 0, fmt.Errorf("unknown path kind %q", s)
}

func parseScope(s string) (Scope, error) {
	switch s {
	case `System`, ``:
		return ScopeSystem, nil
	case `User`:
		return ScopeUser, nil
	case `Trusted`:
		return ScopeTrusted, nil
	}
	return 0, fmt.Errorf("unknown scope %q", s)
}
