/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package chancacher implements a bounded in->out channel pipeline used to
// give each event-bus subscriber (package bus) its own backlog
// without ever letting a slow subscriber block the publisher. It is a
// trimmed descendant of a disk-spilling channel cache: the core daemon's
// durability story runs through the bbolt-backed append log (package bus's
// Store) instead, so the subscriber-side buffer here only needs to be
// bounded and non-blocking, not disk-backed.
package chancacher

import "sync"

// MaxDepth is the largest buffer depth a ChanCacher will honor. Unbounded
// buffering is never worth the memory risk.
const MaxDepth = 1000000

// A ChanCacher is a single-producer, single-consumer pipeline with a fixed
// capacity: In and Out each buffer up to the configured depth. The caller
// is expected to connect In and Out: a value sent to In once both buffers
// are full is the caller's responsibility to handle (bus.Publish does this
// with a non-blocking send plus a lag counter, backpressure rule).
type ChanCacher struct {
	In  chan interface{}
	Out chan interface{}

	mtx     sync.Mutex
	running bool
}

// NewChanCacher creates a ChanCacher whose Out channel holds up to maxDepth
// buffered values. maxDepth == 0 is treated as unbuffered; maxDepth < 0 or
// above MaxDepth is clamped to MaxDepth.
func NewChanCacher(maxDepth int) *ChanCacher {
	if maxDepth < 0 || maxDepth > MaxDepth {
		maxDepth = MaxDepth
	}
	c := &ChanCacher{
		In:      make(chan interface{}, maxDepth),
		Out:     make(chan interface{}, maxDepth),
		running: true,
	}
	go c.run()
	return c
}

// run copies values from In to Out until In is closed, then closes Out.
// Out is a buffered channel, so sends here only block if the consumer is
// behind Out's capacity -- by design, the only caller of In is bus.Publish,
// and it always sends under a select/default so it never waits on run().
func (c *ChanCacher) run() {
	for v := range c.In {
		c.Out <- v
	}
	c.mtx.Lock()
	c.running = false
	c.mtx.Unlock()
	close(c.Out)
}

// BufferSize returns the number of values currently queued in Out.
func (c *ChanCacher) BufferSize() int {
	return len(c.Out)
}

// Running reports whether In is still open and run() is still copying.
func (c *ChanCacher) Running() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.running
}
