/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package firewall

import (
	"context"
	"testing"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{}, args...))
	return nil, nil
}

func TestBlockAddrIdempotent(t *testing.T) {
	fr := &fakeRunner{}
	d := NewWithRunner(fr)

	if err := d.BlockAddr(`10.0.0.5`); err != nil {
		t.Fatal(err)
	}
	first := len(fr.calls)
	if first == 0 {
		t.Fatal("expected at least one nft invocation")
	}

	if err := d.BlockAddr(`10.0.0.5`); err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != first {
		t.Fatalf("second BlockAddr call should be a no-op: got %d new calls", len(fr.calls)-first)
	}
}

func TestUnblockAbsentIsNoop(t *testing.T) {
	fr := &fakeRunner{}
	d := NewWithRunner(fr)

	if err := d.Unblock(`10.0.0.9`); err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != 0 {
		t.Fatalf("unblocking an absent address should invoke nothing, got %v", fr.calls)
	}
}

func TestBlockPortIdempotent(t *testing.T) {
	fr := &fakeRunner{}
	d := NewWithRunner(fr)

	if err := d.BlockPort(6, 4444); err != nil {
		t.Fatal(err)
	}
	first := len(fr.calls)
	if err := d.BlockPort(6, 4444); err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != first {
		t.Fatalf("repeated BlockPort should not re-issue rules")
	}
}
