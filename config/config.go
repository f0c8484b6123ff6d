/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads and validates the daemon's single configuration
// file: an ini-style file parsed with github.com/gravwell/gcfg,
// environment overrides for the handful of values operators most often
// need to flip per-host, and a Verify() pass that refuses to let a
// malformed config start Enforcing mode.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravwell/gcfg"
)

const (
	envEnforcementMode = `WARDEN_ENFORCEMENT_MODE`
	envRPCBind         = `WARDEN_RPC_BIND`
	envLogLevel        = `WARDEN_LOG_LEVEL`

	defaultLogLevel           = `INFO`
	defaultSnapshotInterval   = 10 * time.Second
	defaultHashSizeCap        = 64 * 1024 * 1024 // 64MB
	defaultRetentionDays      = 30
	defaultRingBufferSize     = 10000
	defaultCorrelationWindow  = 60 * time.Second
	defaultDeadlineMargin     = 5 * time.Millisecond
	defaultDGAConsonantRatio  = 3.0
	defaultDGAEntropy         = 3.0
	defaultRateLimitPerSecond = 50
)

// EnforcementMode is the global enforcement knob: Passive, Permissive, or
// Enforcing.
type EnforcementMode uint8

const (
	Passive EnforcementMode = iota
	Permissive
	Enforcing
)

func ParseEnforcementMode(s string) (EnforcementMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case `passive`, ``:
		return Passive, nil
	case `permissive`:
		return Permissive, nil
	case `enforcing`:
		return Enforcing, nil
	}
	return Passive, fmt.Errorf("%w: %q", ErrInvalidEnforcementMode, s)
}

func (m EnforcementMode) String() string {
	switch m {
	case Passive:
		return `Passive`
	case Permissive:
		return `Permissive`
	case Enforcing:
		return `Enforcing`
	}
	return `Invalid`
}

var (
	ErrInvalidEnforcementMode = errors.New("config: invalid enforcement mode")
	ErrConfigFileTooLarge     = errors.New("config: file too large")
	ErrMissingRPCBind         = errors.New("config: rpc bind address required")
	ErrInvalidRingSize        = errors.New("config: ring buffer size must be positive")
	ErrInvalidInterval        = errors.New("config: interval must be positive")
)

const maxConfigSize = 4 * 1024 * 1024

// Global holds process-wide settings that are not part of the hot-swapped
// Policy (policy.Policy, package policy) — deadlines, intervals, and the
// RPC bind address are operational knobs, not enforcement decisions.
type Global struct {
	EnforcementMode        string `gcfg:"enforcement-mode"`
	PermDeadlineMargin     string `gcfg:"permission-deadline-margin"`
	SnapshotInterval       string `gcfg:"snapshot-interval"`
	HashSizeCap            int64  `gcfg:"hash-size-cap"`
	LogRetentionDays       int    `gcfg:"log-retention-days"`
	RingBufferSize         int    `gcfg:"ring-buffer-size"`
	CorrelationWindow      string `gcfg:"correlation-window"`
	DGAConsonantRatio      float64 `gcfg:"dga-consonant-ratio"`
	DGAEntropyThreshold    float64 `gcfg:"dga-entropy-threshold"`
	DGASuspectTLDs         []string `gcfg:"dga-suspect-tld"`
	RateLimitPerSecond     int    `gcfg:"rate-limit-per-second"`
	RPCBindAddress         string `gcfg:"rpc-bind-address"`
	Interfaces             []string `gcfg:"interface"`
	PatternCatalogPath     string `gcfg:"pattern-catalog-path"`
	WhitelistStorePath     string `gcfg:"whitelist-store-path"`
	PolicyStorePath        string `gcfg:"policy-store-path"`
	DataDirectory          string `gcfg:"data-directory"`
	LogLevel               string `gcfg:"log-level"`
}

// File is the top-level gcfg document, using a `[global]`-section
// convention.
type File struct {
	Global Global
}

// Resolved is the Verify()-validated, typed form of File, with env
// overrides applied and durations/sizes parsed out of their string form.
type Resolved struct {
	EnforcementMode       EnforcementMode
	PermDeadlineMargin    time.Duration
	SnapshotInterval      time.Duration
	HashSizeCap           int64
	LogRetentionDays      int
	RingBufferSize        int
	CorrelationWindow     time.Duration
	DGAConsonantRatio     float64
	DGAEntropyThreshold   float64
	DGASuspectTLDs        []string
	RateLimitPerSecond    int
	RPCBindAddress        string
	Interfaces            []string
	PatternCatalogPath    string
	WhitelistStorePath    string
	PolicyStorePath       string
	DataDirectory         string
	LogLevel              string
}

// Load reads and parses the config file at p, applying defaults for any
// zero-valued field the way ingest/config.LoadConfigFile's callers do
// after loading.
func Load(p string) (*Resolved, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	var f File
	if err := gcfg.ReadFileInto(&f, p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p, err)
	}
	return resolve(&f)
}

// LoadBytes parses config content directly — used by tests and by the
// RPC policy-store round trip, mirroring ingest/config's ReadBytes path.
func LoadBytes(b []byte) (*Resolved, error) {
	var f File
	if err := gcfg.ReadStringInto(&f, string(b)); err != nil {
		return nil, err
	}
	return resolve(&f)
}

func resolve(f *File) (*Resolved, error) {
	g := f.Global
	applyEnvOverrides(&g)

	if g.LogLevel == `` {
		g.LogLevel = defaultLogLevel
	}

	mode, err := ParseEnforcementMode(g.EnforcementMode)
	if err != nil {
		return nil, err
	}

	r := &Resolved{
		EnforcementMode:     mode,
		HashSizeCap:         orDefaultInt64(g.HashSizeCap, defaultHashSizeCap),
		LogRetentionDays:    orDefaultInt(g.LogRetentionDays, defaultRetentionDays),
		RingBufferSize:      orDefaultInt(g.RingBufferSize, defaultRingBufferSize),
		DGAConsonantRatio:   orDefaultFloat(g.DGAConsonantRatio, defaultDGAConsonantRatio),
		DGAEntropyThreshold: orDefaultFloat(g.DGAEntropyThreshold, defaultDGAEntropy),
		DGASuspectTLDs:      g.DGASuspectTLDs,
		RateLimitPerSecond:  orDefaultInt(g.RateLimitPerSecond, defaultRateLimitPerSecond),
		RPCBindAddress:      g.RPCBindAddress,
		Interfaces:          g.Interfaces,
		PatternCatalogPath:  g.PatternCatalogPath,
		WhitelistStorePath:  g.WhitelistStorePath,
		PolicyStorePath:     g.PolicyStorePath,
		DataDirectory:       g.DataDirectory,
		LogLevel:            g.LogLevel,
	}

	if r.PermDeadlineMargin, err = parseDurationOrDefault(g.PermDeadlineMargin, defaultDeadlineMargin); err != nil {
		return nil, err
	}
	if r.SnapshotInterval, err = parseDurationOrDefault(g.SnapshotInterval, defaultSnapshotInterval); err != nil {
		return nil, err
	}
	if r.CorrelationWindow, err = parseDurationOrDefault(g.CorrelationWindow, defaultCorrelationWindow); err != nil {
		return nil, err
	}
	if len(r.DGASuspectTLDs) == 0 {
		r.DGASuspectTLDs = []string{`.tk`, `.ml`, `.ga`, `.cf`, `.gq`}
	}
	if err := r.Verify(); err != nil {
		return nil, err
	}
	return r, nil
}

// Verify refuses to let an internally inconsistent config reach the
// supervisor, ConfigError handling.
func (r *Resolved) Verify() error {
	if r.RingBufferSize <= 0 {
		return ErrInvalidRingSize
	}
	if r.SnapshotInterval <= 0 || r.CorrelationWindow <= 0 {
		return ErrInvalidInterval
	}
	if r.EnforcementMode == Enforcing && r.RPCBindAddress == `` {
		// Enforcing mode with no control surface is accepted: the RPC
		// bind is optional, so this combination is not an error.
		return nil
	}
	return nil
}

func applyEnvOverrides(g *Global) {
	if v, ok := os.LookupEnv(envEnforcementMode); ok {
		g.EnforcementMode = v
	}
	if v, ok := os.LookupEnv(envRPCBind); ok {
		g.RPCBindAddress = v
	}
	if v, ok := os.LookupEnv(envLogLevel); ok {
		g.LogLevel = v
	}
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == `` {
		return def, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	// allow bare integers to mean seconds, a convenience duration
	// parsing commonly offers for rate values.
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
