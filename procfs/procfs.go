/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package procfs implements the C1 /proc reader: read-only
// enumeration of /proc/<pid>/{stat,status,cmdline,exe,cwd} into the
// ProcessRecord snapshot row. It is shared by the C5 file
// mediator, which resolves a single pid under a hard latency budget, and
// the C6 process analyzer, which walks every pid once per snapshot
// interval — the same bounded-read idiom a directory watcher uses for a
// single directory entry versus a full directory scan.
package procfs

import (
	"bufio"
	"errors"
	"os"
	"strconv"
	"strings"
)

var (
	ErrProcessGone = errors.New("procfs: process no longer present")
	ErrMalformed   = errors.New("procfs: malformed /proc record")
)

// Record is one /proc/<pid> snapshot row: the fields this adapter is
// responsible for; rss/cpu%/fd-count enrichment from gopsutil is layered
// on top by package procmon.
type Record struct {
	PID       int32
	PPID      int32
	StartTime int64 // clock ticks since boot, from /proc/<pid>/stat field 22
	Exe       string
	CmdLine   string
	Cwd       string
	UID       uint32
	Threads   int32
}

// ReadOne resolves a single pid as fast as /proc allows: no hashing, no
// name resolution, just the fields a permission-event reply needs within
// its deadline ("only a bounded, cache-hit-likely lookup").
func ReadOne(pid int32) (Record, error) {
	base := "/proc/" + strconv.Itoa(int(pid))
	if _, err := os.Stat(base); err != nil {
		return Record{}, ErrProcessGone
	}

	r := Record{PID: pid}
	r.Exe, _ = os.Readlink(base + "/exe")
	r.Cwd, _ = os.Readlink(base + "/cwd")
	r.CmdLine = readCmdline(base + "/cmdline")

	if ppid, start, err := readStat(base + "/stat"); err == nil {
		r.PPID, r.StartTime = ppid, start
	}
	r.UID = readUID(base + "/status")
	return r, nil
}

// ListPIDs enumerates every numeric entry under /proc: one pass yields a
// full snapshot.
func ListPIDs() ([]int32, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	out := make([]int32, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil {
			out = append(out, int32(n))
		}
	}
	return out, nil
}

func readCmdline(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ``
	}
	// NUL-separated argv; join with spaces the way `ps` displays it.
	parts := strings.Split(strings.TrimRight(string(b), "\x00"), "\x00")
	return strings.Join(parts, " ")
}

// readStat extracts ppid (field 4) and starttime (field 22) from
// /proc/<pid>/stat. The comm field (field 2) is parenthesized and may
// itself contain spaces/parens, so we split on the last ')' the way the
// kernel's own proc(5) documentation recommends.
func readStat(path string) (ppid int32, startTime int64, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	s := string(b)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return 0, 0, ErrMalformed
	}
	fields := strings.Fields(s[close+1:])
	// fields[0] is state (field 3); ppid is field 4 -> fields[1];
	// starttime is field 22 -> fields[19].
	if len(fields) < 20 {
		return 0, 0, ErrMalformed
	}
	p, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return 0, 0, ErrMalformed
	}
	st, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformed
	}
	return int32(p), st, nil
}

func readUID(path string) uint32 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "Uid:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if v, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
					return uint32(v)
				}
			}
			break
		}
	}
	return 0
}
