/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package procmon

import (
	"testing"
	"time"

	"github.com/wardenhq/warden/pattern"
)

func TestSnapshotFindsCallingProcess(t *testing.T) {
	cat := pattern.NewCatalog()
	a := NewAnalyzer(cat, nil, 0.4)

	diff, err := a.Snapshot(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Appeared) == 0 {
		t.Fatal("expected at least one appeared process on first snapshot")
	}
	if a.Len() == 0 {
		t.Fatal("expected the analyzer to retain tracked records")
	}
}

func TestSuspiciousReputationIsSticky(t *testing.T) {
	prior := &Record{Reputation: RepSuspicious}
	r := &Record{RiskScore: 0}
	if got := bucketFor(r, true, prior); got != RepSuspicious {
		t.Fatalf("expected sticky Suspicious, got %v", got)
	}
}

func TestHighRiskForcesSuspicious(t *testing.T) {
	r := &Record{RiskScore: 0.9, Exe: "/home/user/bin/payload"}
	if got := bucketFor(r, false, nil); got != RepSuspicious {
		t.Fatalf("expected Suspicious for high risk, got %v", got)
	}
}

func TestSystemPathBucketed(t *testing.T) {
	r := &Record{RiskScore: 0, Exe: "/usr/bin/true"}
	if got := bucketFor(r, false, nil); got != RepSystem {
		t.Fatalf("expected System bucket, got %v", got)
	}
}

func TestParentAllowListSuppresses(t *testing.T) {
	al := NewParentAllowList([]string{"/usr/bin/bash"})
	if !al.allows([]string{"/usr/bin/gcc", "/usr/bin/bash"}) {
		t.Fatal("expected chain containing an allow-listed ancestor to suppress")
	}
	if al.allows([]string{"/usr/bin/gcc"}) {
		t.Fatal("expected chain without an allow-listed ancestor to not suppress")
	}
}
