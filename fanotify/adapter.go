/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fanotify implements the C1 fanotify adapter and the C5 file
// access mediator as one package: the mediator is the
// only consumer of the adapter's permission-reply discipline and the two
// are inseparable on the latency-critical path ("avoid
// cooperative yield points between Received and Replied").
//
// The raw syscall plumbing (adapter_linux.go) is grounded on the
// golang.org/x/sys/unix FAN_* surface shown in the retrieval pack's
// fanotify references (opcoder0-fsnotify, mutagen-io's sspl fanotify
// backend); the event-loop/reply-once discipline follows the shape the
// teacher uses for its own adapter-owns-one-kernel-resource components.
package fanotify

import (
	"errors"
	"time"
)

// RawEvent is one kernel permission or notification message, normalized
// enough for the mediator: fd, pid, mask, and the path resolved from fd
// ("{fd, pid, mask, path-resolved-from-fd}").
type RawEvent struct {
	Fd         int
	Pid        int32
	Mask       uint64
	Path       string
	Permission bool // true if a reply is required before the kernel proceeds
	Received   time.Time
}

const (
	MaskOpenPerm uint64 = 1 << iota
	MaskOpenExecPerm
	MaskAccessPerm
	MaskOpen
	MaskOpenExec
	MaskClose
	MaskModify
)

var (
	ErrDegraded  = errors.New("fanotify: adapter degraded, kernel resource lost")
	ErrReplyOnce = errors.New("fanotify: permission event already replied")
)

// Adapter is the C1 producer + synchronous reply channel. The
// concrete Linux implementation lives in adapter_linux.go; a non-Linux
// build gets a stub that always reports itself degraded so the rest of
// the daemon can still build and exercise the decision ladder in tests.
type Adapter interface {
	// Events returns the channel of raw permission/notification events.
	// The adapter drops (never blocks) if this channel's reader falls
	// behind, bumping a drop counter.
	Events() <-chan RawEvent
	// Reply answers a permission event exactly once. Calling it a second
	// time for the same fd returns ErrReplyOnce.
	Reply(fd int, allow bool) error
	// Degraded reports whether the adapter has lost its kernel resource
	// ("AdapterDegraded"); once true it never becomes false
	// again for this Adapter value — callers construct a fresh one on
	// recovery.
	Degraded() bool
	Close() error
}

// DropCounter exposes the adapter's drop/degraded counters to telemetry
// without requiring callers to know the concrete adapter type.
type DropCounter interface {
	Drops() uint64
}
