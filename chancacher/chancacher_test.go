/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package chancacher

import (
	"testing"
	"time"
)

func TestPassthrough(t *testing.T) {
	c := NewChanCacher(4)
	c.In <- "a"
	c.In <- "b"
	if got := <-c.Out; got != "a" {
		t.Fatalf("expected a, got %v", got)
	}
	if got := <-c.Out; got != "b" {
		t.Fatalf("expected b, got %v", got)
	}
}

func TestCloseDrainsOut(t *testing.T) {
	c := NewChanCacher(4)
	c.In <- 1
	c.In <- 2
	close(c.In)

	var got []int
	for v := range c.Out {
		got = append(got, v.(int))
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected drain order: %v", got)
	}
	if c.Running() {
		t.Fatal("expected Running() to be false after In closed and Out drained")
	}
}

func TestMaxDepthClamp(t *testing.T) {
	c := NewChanCacher(MaxDepth + 1)
	if cap(c.Out) != MaxDepth {
		t.Fatalf("expected capacity clamped to %d, got %d", MaxDepth, cap(c.Out))
	}
}

func TestBufferSize(t *testing.T) {
	c := NewChanCacher(4)
	c.In <- "x"
	deadline := time.After(time.Second)
	for c.BufferSize() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for buffered value")
		default:
		}
	}
	if c.BufferSize() != 1 {
		t.Fatalf("expected buffer size 1, got %d", c.BufferSize())
	}
}
