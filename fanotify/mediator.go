/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fanotify

import (
	"sync/atomic"
	"time"

	"github.com/wardenhq/warden/event"
	"github.com/wardenhq/warden/pattern"
	"github.com/wardenhq/warden/policy"
	"github.com/wardenhq/warden/procfs"
	"github.com/wardenhq/warden/whitelist"
)

// Config bundles the mediator's tunables, all sourced from config.Resolved
// at startup.
type Config struct {
	DeadlineMargin   time.Duration
	HashSizeCap      int64
	BlockUnknownExec bool
	HashWorkers      int // 0 = defaultHashWorkers
	PermWorkers      int // 0 = defaultPermWorkers
}

// hashJob is one background re-hash task, queued whenever the hot path
// misses the (path, size, mtime) cache. It carries everything
// processHashJob needs to redo the decision ladder once the real hash is
// known, without touching the permission-reply goroutine again.
type hashJob struct {
	path            string
	mask            uint64
	isExec          bool
	subj            event.Subject
	kind            event.Kind
	originalEventID event.ID
	originalVerdict event.Verdict
}

const defaultHashWorkers = 4
const hashJobQueueDepth = 1024

// defaultPermWorkers shards resolution+decision work for both permission
// and notification events across a small fixed pool, keyed by pid, so the
// single dedicated loop goroutine that reads Adapter.Events() (spec §5:
// "MUST NOT perform blocking I/O for hashing or name resolution") never
// itself calls resolveSubject's procfs read. Sharding by pid rather than
// round-robining preserves per-process event ordering without a global
// lock.
const defaultPermWorkers = 8
const permQueueDepth = 256

// Mediator is the C5 file access mediator: the latency-critical decision
// ladder wired to the C1 fanotify Adapter, the whitelist store, the C2
// pattern catalog, and the C8 policy arbiter.
type Mediator struct {
	adapter   Adapter
	whitelist *whitelist.Store
	catalog   *pattern.Catalog
	arbiter   *policy.Arbiter
	hashes    *HashCache
	cfg       Config

	publish func(*event.SecurityEvent)

	hashJobs   chan hashJob
	permQueues []chan RawEvent

	// Resolution now fans out across the pid-sharded worker pool, so
	// these counters are written concurrently and must be atomic (they
	// were single-writer back when everything ran on Run's one
	// goroutine).
	resolveFailures uint64
	hashJobsDropped uint64
	permJobsDropped uint64
}

func NewMediator(a Adapter, wl *whitelist.Store, cat *pattern.Catalog, arb *policy.Arbiter, cfg Config, publish func(*event.SecurityEvent)) *Mediator {
	return &Mediator{
		adapter:   a,
		whitelist: wl,
		catalog:   cat,
		arbiter:   arb,
		hashes:    NewHashCache(4096),
		cfg:       cfg,
		publish:   publish,
		hashJobs:  make(chan hashJob, hashJobQueueDepth),
	}
}

// Run drains the adapter's event channel on the calling goroutine, which
// callers must dedicate to this loop alone ("One dedicated
// thread for the fanotify permission loop. It MUST NOT perform blocking
// I/O"). It only shards events across the resolution worker pool; it
// never itself calls resolveSubject or decide. The fixed hashing worker
// pool ("A fixed worker pool for hashing, regex evaluation, and periodic
// /proc snapshots") is started here too, off this goroutine.
func (m *Mediator) Run(stop <-chan struct{}) {
	m.startHashWorkers(stop)
	m.startPermWorkers(stop)
	for {
		select {
		case <-stop:
			return
		case re, ok := <-m.adapter.Events():
			if !ok {
				return
			}
			m.dispatch(re)
		}
	}
}

// startPermWorkers creates the pid-sharded resolution pool: each queue has
// exactly one consumer goroutine, so events for the same pid are always
// handled in arrival order even though different pids run concurrently.
func (m *Mediator) startPermWorkers(stop <-chan struct{}) {
	n := m.cfg.PermWorkers
	if n <= 0 {
		n = defaultPermWorkers
	}
	m.permQueues = make([]chan RawEvent, n)
	for i := range m.permQueues {
		q := make(chan RawEvent, permQueueDepth)
		m.permQueues[i] = q
		go m.permWorker(q, stop)
	}
}

func (m *Mediator) permWorker(queue <-chan RawEvent, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case re, ok := <-queue:
			if !ok {
				return
			}
			if re.Permission {
				m.handlePermission(re)
			} else {
				m.handleNotification(re)
			}
		}
	}
}

// dispatch routes re to its pid's queue without blocking the adapter
// read loop. A saturated queue means the worker pool is backed up; a
// permission event must still get a kernel reply (Allow, marked
// timeout_fallback, same as a budget miss) rather than stall the
// syscall indefinitely, while a notification event is just dropped and
// counted.
func (m *Mediator) dispatch(re RawEvent) {
	q := m.permQueues[uint32(re.Pid)%uint32(len(m.permQueues))]
	select {
	case q <- re:
	default:
		atomic.AddUint64(&m.permJobsDropped, 1)
		if re.Permission {
			m.replyTimeoutAllow(re)
		}
	}
}

// replyTimeoutAllow answers a permission event Allow without ever
// resolving its subject, used only when the resolution worker pool is
// saturated and a reply cannot wait for a free slot.
func (m *Mediator) replyTimeoutAllow(re RawEvent) {
	_ = m.adapter.Reply(re.Fd, true)
	kind := event.KindFileAccess
	if re.Mask&MaskOpenExecPerm != 0 {
		kind = event.KindFileExec
	}
	obj := event.FileObject{Path: re.Path, Mask: re.Mask}
	ev := event.New(kind, event.Medium, event.Subject{PID: re.Pid}, event.Object{File: &obj})
	ev.SetTimeoutFallback(true)
	_ = ev.SetVerdict(event.Allow, `timeout_fallback:worker_queue_full`, m.arbiter.Current().Generation)
	m.publish(ev)
}

// PermJobsDropped exposes the permission-worker backpressure counter to
// telemetry.
func (m *Mediator) PermJobsDropped() uint64 { return atomic.LoadUint64(&m.permJobsDropped) }

func (m *Mediator) startHashWorkers(stop <-chan struct{}) {
	n := m.cfg.HashWorkers
	if n <= 0 {
		n = defaultHashWorkers
	}
	for i := 0; i < n; i++ {
		go m.hashWorker(stop)
	}
}

func (m *Mediator) hashWorker(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case job, ok := <-m.hashJobs:
			if !ok {
				return
			}
			m.processHashJob(job)
		}
	}
}

// submitHashJob enqueues a background re-hash; it never blocks the
// permission-reply path. A full queue drops the job (counted), the same
// drop-don't-block discipline C1's adapter uses for its own event
// channel.
func (m *Mediator) submitHashJob(job hashJob) {
	select {
	case m.hashJobs <- job:
	default:
		atomic.AddUint64(&m.hashJobsDropped, 1)
	}
}

// HashJobsDropped exposes the background-hash backpressure counter to
// telemetry.
func (m *Mediator) HashJobsDropped() uint64 { return atomic.LoadUint64(&m.hashJobsDropped) }

// processHashJob computes the real hash for a deferred file and, if the
// newly-known hash changes the verdict the hot path decided under a
// blank hash, emits a ReclassifyRequest: the original reply to the
// kernel already happened and cannot be revised, so this surfaces the
// corrected classification as a new SecurityEvent referencing the
// original one instead ("a background pass fills in the hash and may
// retroactively emit a ReclassifyRequest").
func (m *Mediator) processHashJob(job hashJob) {
	hash, ok := m.hashes.computeAndStore(job.path, m.cfg.HashSizeCap)
	if !ok {
		return
	}
	pol := m.arbiter.Current()
	tentative, reason, risk := m.decide(job.path, hash, job.isExec, job.subj, pol)
	final := m.arbiter.Arbitrate(policy.DomainFile, tentative)
	if final == job.originalVerdict {
		return
	}

	obj := event.FileObject{Path: job.path, Hash: hash, Mask: job.mask}
	ev := event.New(job.kind, severityForVerdict(final), job.subj, event.Object{File: &obj})
	ev.SetRiskScore(risk)
	_ = ev.SetVerdict(final, `reclassify:`+job.originalEventID.String()+`:`+reason, m.arbiter.Current().Generation)
	m.publish(ev)
}

func (m *Mediator) handleNotification(re RawEvent) {
	// Notification-only events (FAN_OPEN, FAN_CLOSE_WRITE, ...) never
	// block a syscall; resolve at leisure and publish a Log-level
	// FileAccess event for the correlation engine's visibility.
	subj := m.resolveSubject(re.Pid)
	obj := event.FileObject{Path: re.Path, Mask: re.Mask}
	ev := event.New(event.KindFileAccess, event.Info, subj, event.Object{File: &obj})
	ev.SetVerdict(event.Log, `notification`, m.arbiter.Current().Generation)
	m.publish(ev)
}

// handlePermission implements the decision ladder under the deadline
// budget. The hot path never reads a file: hashing is either a cache hit
// via HashCache.lookup or is deferred and handed to the background
// worker pool ("Inside C5 between Resolved and Decided: only a bounded,
// cache-hit-likely lookup; NEVER a disk hash").
func (m *Mediator) handlePermission(re RawEvent) {
	subj := m.resolveSubject(re.Pid)
	if subj.ExePath == `` && subj.CmdLine == `` {
		// resolution failure: process already gone or /proc unreadable
		// -> Allow with a counted reason.
		atomic.AddUint64(&m.resolveFailures, 1)
		ev := m.replyAndPublishRisk(re, subj, event.Allow, `resolution_failed`, 0, false, ``)
		_ = ev
		return
	}

	isExec := re.Mask&(MaskOpenExecPerm) != 0

	hash, ok := m.hashes.lookup(re.Path, m.cfg.HashSizeCap)
	deferred := !ok

	pol := m.arbiter.Current()
	tentative, reason, risk := m.decide(re.Path, hash, isExec, subj, pol)

	ev := m.replyAndPublishRisk(re, subj, tentative, reason, risk, deferred, hash)

	if deferred {
		kind := event.KindFileAccess
		if isExec {
			kind = event.KindFileExec
		}
		m.submitHashJob(hashJob{
			path:            re.Path,
			mask:            re.Mask,
			isExec:          isExec,
			subj:            subj,
			kind:            kind,
			originalEventID: ev.ID(),
			originalVerdict: ev.Verdict(),
		})
	}
}

const permissionBudget = 8 * time.Millisecond

// decide runs the spec §4.5 decision ladder steps 1-4 against whatever
// hash is currently known (possibly empty, if hashing was deferred). It
// is shared by the hot path (blank-or-cached hash) and processHashJob
// (the real hash, once the worker pool has computed it), so a
// reclassification is always evaluated exactly the way the original
// decision was.
func (m *Mediator) decide(path, hash string, isExec bool, subj event.Subject, pol *policy.Policy) (event.Verdict, string, float64) {
	if _, ok := m.whitelist.Lookup(path, hash); ok {
		return event.Allow, `whitelist`, 0
	}
	if rule, ok := pol.FileRuleFor(path, hash); ok && rule.Deny {
		return event.Deny, `file_deny_list`, 0.9
	}
	if isExec && pol.BlockUnknownExec {
		return event.Deny, `block_unknown_exec`, 0.7
	}
	res := m.catalog.Evaluate(subj.CmdLine, subj.ExePath, ``)
	switch {
	case res.AggregateRisk >= pol.DenyRiskThreshold:
		return event.Deny, patternReason(res), res.AggregateRisk
	case res.AggregateRisk >= pol.LogRiskThreshold:
		return event.Log, patternReason(res), res.AggregateRisk
	default:
		return event.Allow, `below_threshold`, res.AggregateRisk
	}
}

func patternReason(res pattern.Result) string {
	if len(res.Matched) == 0 {
		return `pattern:none`
	}
	return `pattern:` + res.Matched[0]
}

// replyAndPublishRisk replies to the kernel and publishes the resulting
// SecurityEvent, returning it so the caller can key a background hash
// job to its id and recorded verdict.
func (m *Mediator) replyAndPublishRisk(re RawEvent, subj event.Subject, tentative event.Verdict, reason string, risk float64, deferred bool, hash string) *event.SecurityEvent {
	pol := m.arbiter.Current()
	final := m.arbiter.Arbitrate(policy.DomainFile, tentative)

	// invariant: a Deny FileExec in Enforcing mode must be answered
	// before the event reaches the bus, or it must carry
	// timeout_fallback. We reply first, synchronously, then publish.
	timeoutFallback := time.Now().After(re.Received.Add(permissionBudget))
	replyVerdict := final
	if timeoutFallback {
		replyVerdict = event.Allow
	}
	_ = m.adapter.Reply(re.Fd, replyVerdict != event.Deny)

	kind := event.KindFileAccess
	if re.Mask&MaskOpenExecPerm != 0 {
		kind = event.KindFileExec
	}
	obj := event.FileObject{Path: re.Path, Hash: hash, Deferred: deferred, Mask: re.Mask}
	ev := event.New(kind, severityForVerdict(final), subj, event.Object{File: &obj})
	ev.SetRiskScore(risk)
	ev.SetHashDeferred(deferred)
	ev.SetTimeoutFallback(timeoutFallback)
	effectiveReason := reason
	if timeoutFallback {
		effectiveReason = `timeout_fallback:` + reason
	}
	_ = ev.SetVerdict(final, effectiveReason, pol.Generation)
	m.publish(ev)
	return ev
}

func severityForVerdict(v event.Verdict) event.Severity {
	switch v {
	case event.Deny, event.Quarantine:
		return event.High
	case event.Log:
		return event.Medium
	default:
		return event.Info
	}
}

func (m *Mediator) resolveSubject(pid int32) event.Subject {
	rec, err := procfs.ReadOne(pid)
	if err != nil {
		return event.Subject{PID: pid}
	}
	return event.Subject{
		PID:       pid,
		PPID:      rec.PPID,
		StartTime: rec.StartTime,
		ExePath:   rec.Exe,
		CmdLine:   rec.CmdLine,
		UID:       rec.UID,
	}
}

// ResolveFailures exposes the resolution-failure counter so the
// supervisor can detect a sustained resolution-failure rate and trigger
// AdapterDegraded.
func (m *Mediator) ResolveFailures() uint64 { return atomic.LoadUint64(&m.resolveFailures) }
