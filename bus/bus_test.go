/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bus

import (
	"testing"
	"time"

	"github.com/wardenhq/warden/event"
)

func fileExecEvent(sev event.Severity) *event.SecurityEvent {
	obj := event.FileObject{Path: `/usr/bin/xmrig`}
	ev := event.New(event.KindFileExec, sev, event.Subject{PID: 1}, event.Object{File: &obj})
	_ = ev.SetVerdict(event.Deny, `pattern:xmrig`, 1)
	return ev
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	b := New(3, nil)
	for i := 0; i < 5; i++ {
		b.Publish(fileExecEvent(event.Info))
	}
	snap := b.RingSnapshot(Filter{})
	if len(snap) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(snap))
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	b := New(10, nil)
	sub := b.Subscribe(Filter{}, false)
	defer b.Unsubscribe(sub)

	ch := sub.Events()
	b.Publish(fileExecEvent(event.High))

	select {
	case ev := <-ch:
		if ev.Kind() != event.KindFileExec {
			t.Fatalf("unexpected kind %v", ev.Kind())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}
}

func TestFilterBySeverity(t *testing.T) {
	b := New(10, nil)
	b.Publish(fileExecEvent(event.Low))
	b.Publish(fileExecEvent(event.Critical))

	snap := b.RingSnapshot(Filter{MinSeverity: event.High})
	if len(snap) != 1 {
		t.Fatalf("expected only the Critical event to pass the filter, got %d", len(snap))
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ev := fileExecEvent(event.High)
	store.enqueue(ev)

	deadline := time.Now().Add(2 * time.Second)
	var got []*event.SecurityEvent
	for time.Now().Before(deadline) {
		got, err = store.Query(Filter{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 1 {
		t.Fatalf("expected the persisted event to round-trip through Query, got %d", len(got))
	}
	if got[0].Reason() != `pattern:xmrig` {
		t.Fatalf("unexpected reason after round-trip: %q", got[0].Reason())
	}
}
