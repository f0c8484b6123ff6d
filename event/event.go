/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package event implements the uniform SecurityEvent data model
// that every adapter normalizes into and that the bus (package bus) fans
// out to subscribers. The layout mirrors the teacher's ingest/entry
// package: an immutable value type, a compact Kind/Severity enum set, and
// helpers for building well-formed events rather than exposing bare
// struct literals everywhere.
package event

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the SecurityEvent varieties.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFileExec
	KindFileAccess
	KindProcessStart
	KindProcessSnapshot
	KindNetConnect
	KindNetAccept
	KindDnsQuery
	KindPacketDropped
	KindCorrelated
)

var kindNames = [...]string{
	"Unknown", "FileExec", "FileAccess", "ProcessStart", "ProcessSnapshot",
	"NetConnect", "NetAccept", "DnsQuery", "PacketDropped", "Correlated",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Invalid"
}

// Severity is an ordered scale. A Correlated event carries its rule's
// severity, bumped by one level for multi-stage rules (see WithCorrelated);
// the severities of the contributing events are not taken into account.
type Severity uint8

const (
	Info Severity = iota
	Low
	Medium
	High
	Critical
)

var severityNames = [...]string{"Info", "Low", "Medium", "High", "Critical"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "Invalid"
}

// Bump returns the next severity level, saturating at Critical.
func (s Severity) Bump() Severity {
	if s >= Critical {
		return Critical
	}
	return s + 1
}

// Max returns the higher of two severities.
func Max(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// Verdict is the arbitration outcome of an event.
type Verdict uint8

const (
	Pending Verdict = iota
	Allow
	Log
	Deny
	Quarantine
)

var verdictNames = [...]string{"Pending", "Allow", "Log", "Deny", "Quarantine"}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "Invalid"
}

// Timestamp pairs a monotonic reading with wall-clock time, so ordering
// within a process run is unaffected by clock adjustments while the
// persisted record still carries a human-meaningful time. Mirrors the
// monotonic-plus-wall-clock pair required by the design.
type Timestamp struct {
	Wall      time.Time
	Monotonic int64 // nanoseconds, from a process-local monotonic clock
}

func Now() Timestamp {
	return Timestamp{Wall: time.Now(), Monotonic: monotonicNow()}
}

// Before reports whether ts happened before other, preferring the
// monotonic reading when both were captured in this process.
func (ts Timestamp) Before(other Timestamp) bool {
	if ts.Monotonic != 0 && other.Monotonic != 0 {
		return ts.Monotonic < other.Monotonic
	}
	return ts.Wall.Before(other.Wall)
}

// ID is a stable 128-bit event identifier.
type ID uuid.UUID

func NewID() ID { return ID(uuid.New()) }

func (id ID) String() string { return uuid.UUID(id).String() }

// Subject identifies the process responsible for an event.
type Subject struct {
	PID       int32
	PPID      int32
	StartTime int64 // process start time (clock ticks since boot), disambiguates pid reuse
	ExePath   string
	CmdLine   string
	UID       uint32
	Started   time.Time
}

// Identity returns the (pid, starttime) pair that the design requires for
// correlation; a bare pid is never sufficient on its own.
func (s Subject) Identity() ProcessIdentity {
	return ProcessIdentity{PID: s.PID, StartTime: s.StartTime}
}

// ProcessIdentity is the (pid, starttime) correlation key.
type ProcessIdentity struct {
	PID       int32
	StartTime int64
}

// FileObject is the kind-specific payload for file events.
type FileObject struct {
	Path      string
	Hash      string // hex sha256, empty if hash_deferred
	Size      int64
	Deferred  bool // true when hashing was skipped under deadline pressure
	Mask      uint64
}

// Direction of a network flow relative to the host.
type Direction uint8

const (
	DirUnknown Direction = iota
	DirInbound
	DirOutbound
)

// NetObject is the kind-specific payload for network events.
type NetObject struct {
	SrcAddr   string
	DstAddr   string
	SrcPort   uint16
	DstPort   uint16
	Proto     uint8 // IPPROTO_*
	Direction Direction
	BytesIn   uint64
	BytesOut  uint64
}

// DnsObject is the kind-specific payload for DNS events.
type DnsObject struct {
	Domain    string
	QueryType string
}

// CorrelatedObject carries the provenance of a synthesized detection.
type CorrelatedObject struct {
	RuleID        string
	ContributingIDs []ID
}

// Object is a closed tagged-union of the kind-specific payloads, following
// direction to avoid polymorphic handlers on the hot path: a
// single struct with optional fields rather than an interface hierarchy.
type Object struct {
	File       *FileObject
	Net        *NetObject
	Dns        *DnsObject
	Correlated *CorrelatedObject
}

// SecurityEvent is the uniform, immutable-once-built record flowing
// through the bus. Construct via New (or Restore/WithCorrelated); do not build
// a literal directly so the nonempty-reason invariant can be enforced at
// arbitration time via SetVerdict.
type SecurityEvent struct {
	id          ID
	ts          Timestamp
	kind        Kind
	severity    Severity
	subject     Subject
	object      Object
	verdict     Verdict
	reason      string
	riskScore   float64
	generation  uint64
	timeoutFallback bool
	hashDeferred    bool
}

var ErrEmptyReason = errors.New("event: verdict set without a reason")

// New constructs a Pending event. Fields are filled with setters; the
// single required invariant (nonempty reason once verdict != Pending) is
// enforced in SetVerdict.
func New(kind Kind, severity Severity, subject Subject, obj Object) *SecurityEvent {
	return &SecurityEvent{
		id:       NewID(),
		ts:       Now(),
		kind:     kind,
		severity: severity,
		subject:  subject,
		object:   obj,
		verdict:  Pending,
	}
}

func (e *SecurityEvent) ID() ID             { return e.id }
func (e *SecurityEvent) Timestamp() Timestamp { return e.ts }
func (e *SecurityEvent) Kind() Kind         { return e.kind }
func (e *SecurityEvent) Severity() Severity { return e.severity }
func (e *SecurityEvent) Subject() Subject   { return e.subject }
func (e *SecurityEvent) Object() Object     { return e.object }
func (e *SecurityEvent) Verdict() Verdict   { return e.verdict }
func (e *SecurityEvent) Reason() string     { return e.reason }
func (e *SecurityEvent) RiskScore() float64 { return e.riskScore }
func (e *SecurityEvent) Generation() uint64 { return e.generation }
func (e *SecurityEvent) TimeoutFallback() bool { return e.timeoutFallback }
func (e *SecurityEvent) HashDeferred() bool    { return e.hashDeferred }

// SetVerdict applies a verdict and its justification. It refuses to leave
// reason empty once the event is no longer Pending, enforcing the
// universal invariant and the testable property in §8.
func (e *SecurityEvent) SetVerdict(v Verdict, reason string, generation uint64) error {
	if v != Pending && reason == `` {
		return ErrEmptyReason
	}
	e.verdict = v
	e.reason = reason
	e.generation = generation
	return nil
}

func (e *SecurityEvent) SetRiskScore(r float64) {
	if r < 0 {
		r = 0
	} else if r > 1 {
		r = 1
	}
	e.riskScore = r
}

func (e *SecurityEvent) SetTimeoutFallback(b bool) { e.timeoutFallback = b }
func (e *SecurityEvent) SetHashDeferred(b bool)    { e.hashDeferred = b }
func (e *SecurityEvent) SetSeverity(s Severity)    { e.severity = s }

// Restore reconstructs a SecurityEvent from an already-validated
// persisted record (package bus is the only expected caller): unlike New,
// it preserves the original id and timestamp rather than minting fresh
// ones, and accepts a verdict/reason pair without re-running the
// nonempty-reason check, since the record could only have been written
// after that check already passed once.
func Restore(id ID, ts Timestamp, kind Kind, severity Severity, subject Subject, obj Object, verdict Verdict, reason string, riskScore float64, generation uint64, timeoutFallback, hashDeferred bool) *SecurityEvent {
	return &SecurityEvent{
		id:              id,
		ts:              ts,
		kind:            kind,
		severity:        severity,
		subject:         subject,
		object:          obj,
		verdict:         verdict,
		reason:          reason,
		riskScore:       riskScore,
		generation:      generation,
		timeoutFallback: timeoutFallback,
		hashDeferred:    hashDeferred,
	}
}

// WithCorrelated builds a derived Correlated event, severity bumped per
// the design for multi-stage rules.
func WithCorrelated(ruleID string, contributing []ID, sev Severity, multiStage bool, subject Subject) *SecurityEvent {
	if multiStage {
		sev = sev.Bump()
	}
	return New(KindCorrelated, sev, subject, Object{Correlated: &CorrelatedObject{
		RuleID:          ruleID,
		ContributingIDs: contributing,
	}})
}
