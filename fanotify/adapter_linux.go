//go:build linux

/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fanotify

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const eventQueueDepth = 4096

// fanotifyAdapter is the real Linux implementation, requiring
// CAP_SYS_ADMIN. It owns exactly one fanotify notification group and
// polls it on a dedicated goroutine ("One dedicated thread for
// the fanotify permission loop").
type fanotifyAdapter struct {
	fd      int
	events  chan RawEvent
	drops   uint64
	pending sync.Map // fd -> struct{} (replied-once guard)
	stopCh  chan struct{}
	stopped int32
	degraded int32
}

// NewAdapter opens a fanotify notification group with permission-event
// capability for execute (plus open and access when includeAccess is set)
// and marks the given mount point.
func NewAdapter(mountPoint string, includeAccess bool) (Adapter, error) {
	initFlags := uint(unix.FAN_CLASS_CONTENT | unix.FAN_CLOEXEC | unix.FAN_NONBLOCK)
	fd, err := unix.FanotifyInit(initFlags, unix.O_RDONLY|unix.O_LARGEFILE)
	if err != nil {
		return nil, fmt.Errorf("fanotify_init: %w", err)
	}

	mask := uint64(unix.FAN_OPEN_EXEC_PERM)
	if includeAccess {
		mask |= unix.FAN_OPEN_PERM | unix.FAN_ACCESS_PERM
	}
	if err := unix.FanotifyMark(fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT, mask, -1, mountPoint); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fanotify_mark: %w", err)
	}

	a := &fanotifyAdapter{
		fd:     fd,
		events: make(chan RawEvent, eventQueueDepth),
		stopCh: make(chan struct{}),
	}
	go a.loop()
	return a, nil
}

func (a *fanotifyAdapter) Events() <-chan RawEvent { return a.events }

func (a *fanotifyAdapter) Degraded() bool { return atomic.LoadInt32(&a.degraded) != 0 }

func (a *fanotifyAdapter) Drops() uint64 { return atomic.LoadUint64(&a.drops) }

func (a *fanotifyAdapter) Close() error {
	if atomic.CompareAndSwapInt32(&a.stopped, 0, 1) {
		close(a.stopCh)
	}
	return unix.Close(a.fd)
}

// Reply answers a permission event exactly once ("MUST be
// invoked for every permission event exactly once"). A late reply after
// the kernel deadline already produced an implicit allow is a no-op
// write; unix.Write on a closed fd simply errors, which is surfaced but
// not fatal.
func (a *fanotifyAdapter) Reply(fd int, allow bool) error {
	if _, loaded := a.pending.LoadAndDelete(fd); !loaded {
		return ErrReplyOnce
	}
	resp := unix.FanotifyResponse{Fd: int32(fd), Response: unix.FAN_DENY}
	if allow {
		resp.Response = unix.FAN_ALLOW
	}
	buf := (*[unsafe.Sizeof(resp)]byte)(unsafe.Pointer(&resp))[:]
	_, err := unix.Write(a.fd, buf)
	unix.Close(fd)
	return err
}

func (a *fanotifyAdapter) loop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}
		n, err := unix.Read(a.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			// kernel resource lost (e.g. the group was torn down
			// externally): the adapter must refuse to claim it is
			// still blocking.
			atomic.StoreInt32(&a.degraded, 1)
			return
		}
		a.decode(buf[:n])
	}
}

func (a *fanotifyAdapter) decode(buf []byte) {
	off := 0
	for off+unix.SizeofFanotifyEventMetadata <= len(buf) {
		meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[off]))
		evLen := int(meta.Event_len)
		if evLen <= 0 || off+evLen > len(buf) {
			break
		}
		permission := meta.Mask&(unix.FAN_OPEN_PERM|unix.FAN_OPEN_EXEC_PERM|unix.FAN_ACCESS_PERM) != 0
		path := resolvePath(int(meta.Fd))
		re := RawEvent{
			Fd:         int(meta.Fd),
			Pid:        meta.Pid,
			Mask:       meta.Mask,
			Path:       path,
			Permission: permission,
			Received:   time.Now(),
		}
		if permission {
			a.pending.Store(re.Fd, struct{}{})
		}
		select {
		case a.events <- re:
		default:
			// downstream queue full: never block the kernel reply path,
			// drop and count.
			atomic.AddUint64(&a.drops, 1)
			if permission {
				// best effort: answer allow immediately so we do not
				// leave the kernel hanging, then drop the event.
				_ = a.Reply(re.Fd, true)
			} else if re.Fd >= 0 {
				unix.Close(re.Fd)
			}
		}
		off += evLen
	}
}

func resolvePath(fd int) string {
	if fd < 0 {
		return ``
	}
	link := fmt.Sprintf("/proc/self/fd/%d", fd)
	p, err := os.Readlink(link)
	if err != nil {
		return ``
	}
	return p
}
