/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command wardend is the endpoint security daemon's supervisor: it loads
// configuration, wires C1-C9 together, and runs until told to stop.
// Worker lifecycle follows an ingest-muxer goroutine group idiom,
// expressed with golang.org/x/sync/errgroup rather than a bespoke
// WaitGroup-plus-channel-of-errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/bus"
	"github.com/wardenhq/warden/config"
	"github.com/wardenhq/warden/correlate"
	"github.com/wardenhq/warden/dnsfilter"
	"github.com/wardenhq/warden/event"
	"github.com/wardenhq/warden/fanotify"
	"github.com/wardenhq/warden/firewall"
	"github.com/wardenhq/warden/netmon"
	"github.com/wardenhq/warden/pattern"
	"github.com/wardenhq/warden/policy"
	"github.com/wardenhq/warden/procmon"
	"github.com/wardenhq/warden/rpc"
	"github.com/wardenhq/warden/utils"
	"github.com/wardenhq/warden/version"
	"github.com/wardenhq/warden/whitelist"
	"github.com/wardenhq/warden/wlog"
)

// Exit codes per spec.md §6.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitPrivilegeError = 2
	exitAdapterFailure = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String(`config`, `/etc/wardend/wardend.conf`, `path to the wardend configuration file`)
	fanotifyMount := flag.String(`fanotify-mount`, `/`, `mount point the fanotify mediator watches`)
	showVersion := flag.Bool(`version`, false, `print version information and exit`)
	flag.Parse()

	if *showVersion {
		version.PrintVersion(os.Stdout)
		return exitOK
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	lvl, err := wlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}
	log := wlog.New(os.Stderr, lvl, `wardend`)
	_ = log.Info(`starting`, wlog.KV{K: `enforcement_mode`, V: cfg.EnforcementMode.String()})

	d, err := newDaemon(cfg, log, *fanotifyMount)
	if err != nil {
		_ = log.Error(`startup failed`, wlog.KV{K: `error`, V: err.Error()})
		if err == errPrivilege {
			return exitPrivilegeError
		}
		return exitAdapterFailure
	}
	defer d.Close()

	quit := utils.GetQuitChannel()
	reload := utils.GetReloadChannel()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-quit:
				_ = log.Info(`signal received, shutting down`)
				cancel()
				return
			case <-reload:
				d.handleReloadSignal()
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := d.Run(ctx); err != nil {
		_ = log.Error(`daemon exited with error`, wlog.KV{K: `error`, V: err.Error()})
		return exitAdapterFailure
	}
	return exitOK
}

var errPrivilege = fmt.Errorf("wardend: insufficient privilege to attach kernel interfaces")

// daemon bundles every wired component: the bus, store, tracker, DNS
// filter, process analyzer, correlation engine, arbiter, firewall driver,
// fanotify mediator, and RPC server. Its lifetime is one process run; Run
// blocks until ctx is cancelled or a worker fails unrecoverably.
type daemon struct {
	cfg *config.Resolved
	log *wlog.Logger

	arbiter  *policy.Arbiter
	bus      *bus.Bus
	store    *bus.Store
	mediator *fanotify.Mediator
	tracker  *netmon.Tracker
	dnsFlt   *dnsfilter.Filter
	catalog  *pattern.Catalog
	whitelst *whitelist.Store
	analyzer *procmon.Analyzer
	engine   *correlate.Engine
	fw       *firewall.Driver
	rpcSrv   *rpc.Server
	captures []*netmon.Capture
	watcher  *fsnotify.Watcher

	startedAt time.Time
	counters  daemonCounters
}

// daemonCounters is updated from the mediator and each capture goroutine
// concurrently, so every field
// is touched only through sync/atomic (teacher's own muxer.go connHot/
// connDead discipline for cross-goroutine counters).
type daemonCounters struct {
	fileEvents uint64
	netEvents  uint64
	dnsEvents  uint64
}

func (d *daemon) Uptime() time.Duration { return time.Since(d.startedAt) }
func (d *daemon) Counters() map[string]uint64 {
	return map[string]uint64{
		`file_events`: atomic.LoadUint64(&d.counters.fileEvents),
		`net_events`:  atomic.LoadUint64(&d.counters.netEvents),
		`dns_events`:  atomic.LoadUint64(&d.counters.dnsEvents),
		`persist_errors`: func() uint64 {
			if d.store == nil {
				return 0
			}
			return d.store.PersistErrors()
		}(),
	}
}

func newDaemon(cfg *config.Resolved, log *wlog.Logger, fanotifyMount string) (*daemon, error) {
	arbiter := policy.NewArbiter()
	pol := policy.New()
	pol.EnforcementMode = cfg.EnforcementMode

	var store *bus.Store
	if cfg.DataDirectory != `` {
		var err error
		store, err = bus.NewStore(cfg.DataDirectory, cfg.LogRetentionDays)
		if err != nil {
			return nil, err
		}
	}
	b := bus.New(cfg.RingBufferSize, store)

	wl := whitelist.NewStore()
	cat := pattern.NewCatalog()
	an := procmon.NewAnalyzer(cat, procmon.NewParentAllowList(nil), 0.8)

	d := &daemon{cfg: cfg, log: log, catalog: cat, whitelst: wl}
	if err := d.reloadCatalog(); err != nil {
		return nil, fmt.Errorf("wardend: loading pattern catalog: %w", err)
	}
	if err := d.reloadWhitelist(); err != nil {
		return nil, fmt.Errorf("wardend: loading whitelist: %w", err)
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		if cfg.PatternCatalogPath != `` {
			_ = w.Add(cfg.PatternCatalogPath)
		}
		if cfg.WhitelistStorePath != `` {
			_ = w.Add(cfg.WhitelistStorePath)
		}
		d.watcher = w
	} else {
		_ = log.Warn(`pattern/whitelist file watcher unavailable, relying on SIGHUP only`, wlog.KV{K: `error`, V: err.Error()})
	}

	adapter, err := fanotify.NewAdapter(fanotifyMount, false)
	if err != nil {
		return nil, errPrivilege
	}

	fw, err := firewall.New()
	if err != nil {
		_ = log.Warn(`firewall driver unavailable, net enforcement degraded`, wlog.KV{K: `error`, V: err.Error()})
	}

	tracker := netmon.NewTracker(4096, cfg.RateLimitPerSecond, cfg.CorrelationWindow, fw,
		func() bool { return arbiter.ShouldEnforce(policy.DomainNet) })

	engine := correlate.NewEngine(tracker.IsFlaggedRemote)
	engine.LoadRules(correlate.DefaultRules())

	thresholds := dnsfilter.Thresholds{
		MinLength:           dnsfilter.DefaultThresholds().MinLength,
		ConsonantVowelRatio: cfg.DGAConsonantRatio,
		Entropy:             cfg.DGAEntropyThreshold,
		SuspectTLDs:         cfg.DGASuspectTLDs,
	}
	dnsFlt := dnsfilter.New(thresholds)

	// Every net_rules/dns_blocklist push — the initial one below and any
	// later RPC PUT /policies — reaches C4 and C3 through this single
	// listener rather than those adapters polling Current() themselves.
	arbiter.OnUpdate(func(p *policy.Policy) {
		tracker.UpdatePolicy(p.NetRules)
		if err := dnsFlt.Blocklist.Load(p.DNSBlocklist); err != nil {
			_ = log.Warn(`dns blocklist reload failed`, wlog.KV{K: `error`, V: err.Error()})
		}
	})
	arbiter.Update(pol)

	d.arbiter, d.bus, d.store = arbiter, b, store

	mediator := fanotify.NewMediator(adapter, wl, cat, arbiter, fanotify.Config{
		DeadlineMargin:   cfg.PermDeadlineMargin,
		HashSizeCap:      cfg.HashSizeCap,
		BlockUnknownExec: pol.BlockUnknownExec,
	}, func(ev *event.SecurityEvent) { d.publish(ev, &d.counters.fileEvents) })

	d.mediator = mediator
	d.tracker, d.dnsFlt, d.analyzer, d.engine, d.fw = tracker, dnsFlt, an, engine, fw
	d.startedAt = time.Now()
	d.rpcSrv = rpc.New(b, tracker, an, arbiter, d, log, []byte(cfg.RPCBindAddress+`-wardend-secret`))
	engine.OnBudgetExceeded(func(ruleID string) {
		_ = log.Warn(`correlation rule exceeded its cpu budget and was disabled`, wlog.KV{K: `rule`, V: ruleID})
	})

	for _, iface := range cfg.Interfaces {
		capt, err := netmon.OpenCapture(iface, 0, ``)
		if err != nil {
			_ = log.Warn(`failed to open capture interface`, wlog.KV{K: `interface`, V: iface}, wlog.KV{K: `error`, V: err.Error()})
			continue
		}
		d.captures = append(d.captures, capt)
	}

	return d, nil
}

// reloadCatalog (re)loads DefaultPatterns plus any additional patterns
// named by cfg.PatternCatalogPath. Rejected patterns are
// logged and skipped, never fatal to the reload itself.
func (d *daemon) reloadCatalog() error {
	extra, err := pattern.LoadPatternFile(d.cfg.PatternCatalogPath)
	if err != nil {
		return err
	}
	patterns := append(append([]pattern.Pattern{}, pattern.DefaultPatterns()...), extra...)
	d.catalog.Load(patterns, func(id string, err error) {
		if d.log != nil {
			_ = d.log.Warn(`pattern rejected at load`, wlog.KV{K: `pattern`, V: id}, wlog.KV{K: `error`, V: err.Error()})
		}
	})
	return nil
}

// reloadWhitelist (re)loads the whitelist from cfg.WhitelistStorePath
// ("one file per entry ... an index file enumerates active
// entries").
func (d *daemon) reloadWhitelist() error {
	entries, err := whitelist.LoadDir(d.cfg.WhitelistStorePath)
	if err != nil {
		return err
	}
	d.whitelst.Load(entries)
	return nil
}

// handleReloadSignal re-reads the pattern catalog and whitelist from disk
// (SIGHUP-equivalent reload signal). A parse failure leaves
// the previously loaded, still-valid catalog/whitelist in place.
func (d *daemon) handleReloadSignal() {
	if err := d.reloadCatalog(); err != nil {
		_ = d.log.Warn(`pattern catalog reload failed, keeping previous catalog`, wlog.KV{K: `error`, V: err.Error()})
	} else {
		_ = d.log.Info(`pattern catalog reloaded`)
	}
	if err := d.reloadWhitelist(); err != nil {
		_ = d.log.Warn(`whitelist reload failed, keeping previous whitelist`, wlog.KV{K: `error`, V: err.Error()})
	} else {
		_ = d.log.Info(`whitelist reloaded`)
	}
}

// watchFiles mirrors handleReloadSignal's effect whenever the pattern
// catalog or whitelist index file changes on disk, so an operator editing
// either file doesn't have to separately remember to send SIGHUP.
func (d *daemon) watchFiles(stop <-chan struct{}) {
	if d.watcher == nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.handleReloadSignal()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			_ = d.log.Warn(`pattern/whitelist watcher error`, wlog.KV{K: `error`, V: err.Error()})
		}
	}
}

// Run starts every worker goroutine and blocks until ctx is cancelled or
// one worker returns a fatal error: one goroutine per component,
// supervised with an errgroup the way a daemon wrapper supervises its
// writer/reader goroutines.
func (d *daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	if d.fw != nil {
		if err := d.fw.Init(ctx); err != nil {
			_ = d.log.Warn(`firewall table init failed`, wlog.KV{K: `error`, V: err.Error()})
		}
	}

	g.Go(func() error {
		d.mediator.Run(stop)
		return nil
	})

	for _, capt := range d.captures {
		capt := capt
		g.Go(func() error {
			capt.Run(stop, func(pp netmon.ParsedPacket) { d.onPacket(pp) }, nil)
			return nil
		})
	}

	g.Go(func() error {
		d.snapshotLoop(ctx)
		return nil
	})

	g.Go(func() error {
		d.correlationLoop(ctx)
		return nil
	})

	if d.watcher != nil {
		g.Go(func() error {
			d.watchFiles(stop)
			return nil
		})
	}

	if d.cfg.RPCBindAddress != `` {
		srv := &http.Server{Addr: d.cfg.RPCBindAddress, Handler: d.rpcSrv.Handler()}
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if d.store != nil {
		g.Go(func() error {
			d.retentionLoop(ctx)
			return nil
		})
	}

	<-ctx.Done()
	_ = g.Wait()
	return nil
}

// onPacket runs on the single packet-ingest goroutine per capture handle:
// decode already happened, so this just drives the tracker and the DNS
// filter and publishes the resulting events; the correlation engine sees
// them through correlationLoop's bus subscription.
func (d *daemon) onPacket(pp netmon.ParsedPacket) {
	now := time.Now()
	state, blocked, owningPID := d.tracker.Ingest(pp, now)
	_ = owningPID

	if blocked {
		obj := event.NetObject{
			SrcAddr: pp.Src.String(), DstAddr: pp.Dst.String(),
			SrcPort: pp.Sport, DstPort: pp.Dport, Proto: uint8(pp.Proto),
		}
		ev := event.New(event.KindPacketDropped, event.Medium, event.Subject{}, event.Object{Net: &obj})
		_ = ev.SetVerdict(event.Deny, `firewall:blocked`, d.arbiter.Current().Generation)
		d.publish(ev, &d.counters.netEvents)
	} else if state == netmon.StateNew {
		obj := event.NetObject{
			SrcAddr: pp.Src.String(), DstAddr: pp.Dst.String(),
			SrcPort: pp.Sport, DstPort: pp.Dport, Proto: uint8(pp.Proto),
		}
		ev := event.New(event.KindNetConnect, event.Info, event.Subject{}, event.Object{Net: &obj})
		_ = ev.SetVerdict(event.Log, `new_flow`, d.arbiter.Current().Generation)
		d.publish(ev, &d.counters.netEvents)
	}

	if len(pp.DNSPayload) == 0 {
		return
	}

	// Responses teach the tracker which addresses a domain currently
	// resolves to, so a later deny on that domain can flag/block the
	// addresses actually seen in the flow table rather than the
	// resolver itself (pp.Dst on a query packet is the resolver, e.g.
	// 8.8.8.8, never the queried domain's IP).
	if domain, addrs, err := dnsfilter.ParseAnswers(pp.DNSPayload); err == nil && domain != `` {
		d.tracker.RecordDNSAnswer(domain, addrs)
	}

	queries, err := dnsfilter.ParseQueries(pp.DNSPayload)
	if err != nil {
		return
	}
	for _, q := range queries {
		dec := d.dnsFlt.Evaluate(q.Domain)
		ev := event.New(event.KindDnsQuery, event.Low, event.Subject{}, event.Object{Dns: &q})
		if dec.Verdict == event.Deny {
			ev.SetSeverity(event.Medium)
			for _, addr := range d.tracker.ResolvedAddrsForDomain(q.Domain) {
				d.tracker.FlagAddr(addr)
				if d.fw != nil {
					blockAddr := addr
					d.arbiter.Apply(policy.DomainNet, func() { _ = d.fw.BlockAddr(blockAddr) })
				}
			}
		}
		_ = ev.SetVerdict(dec.Verdict, `dns:`+dec.Reason, d.arbiter.Current().Generation)
		d.publish(ev, &d.counters.dnsEvents)
	}
}

// snapshotLoop drives the C6 process analyzer on the configured interval
// ("periodic /proc snapshot diffing") and publishes every appeared,
// unsuppressed record onto the bus as a ProcessStart event. Changed and
// disappeared records are not published.
func (d *daemon) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			diff, err := d.analyzer.Snapshot(now)
			if err != nil {
				_ = d.log.Warn(`process snapshot failed`, wlog.KV{K: `error`, V: err.Error()})
				continue
			}
			for _, rec := range diff.Appeared {
				if rec.Suppressed {
					continue
				}
				subj := event.Subject{PID: rec.PID, PPID: rec.PPID, StartTime: rec.StartTime, ExePath: rec.Exe, CmdLine: rec.CmdLine, UID: rec.UID}
				sev := event.Low
				if rec.Reputation == procmon.RepSuspicious {
					sev = event.High
				}
				ev := event.New(event.KindProcessStart, sev, subj, event.Object{})
				_ = ev.SetVerdict(event.Log, `process:observed`, d.arbiter.Current().Generation)
				ev.SetRiskScore(rec.RiskScore)
				d.bus.Publish(ev)
			}
		}
	}
}

// retentionLoop truncates the on-disk log per the configured retention
// window; runs far less often than the snapshot loop since
// day-granularity retention doesn't need fine timing.
func (d *daemon) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := d.store.Retain(now); err != nil {
				_ = d.log.Warn(`retention pass failed`, wlog.KV{K: `error`, V: err.Error()})
			}
		}
	}
}

// publish is called from the mediator and each packet-capture goroutine
// (the snapshot loop calls bus.Publish directly), so the counter bump is
// atomic; the bus itself is safe for concurrent publishers ("One thread
// for the correlation engine consuming a bounded MPSC queue fed by the
// event bus" -- correlation is NOT run inline here, see correlationLoop).
func (d *daemon) publish(ev *event.SecurityEvent, counter *uint64) {
	atomic.AddUint64(counter, 1)
	d.bus.Publish(ev)
}

// correlationLoop is the one dedicated consumer goroutine for C7 (spec
// §5): it subscribes to every event the bus carries and is the only
// caller of Engine.Ingest, so the engine's per-rule match state is never
// touched from two goroutines at once. Synthesized Correlated events are
// published back onto the bus for subscribers (and, harmlessly, fed back
// through the same rules -- no default rule's first stage matches
// KindCorrelated, so this never self-triggers).
func (d *daemon) correlationLoop(ctx context.Context) {
	sub := d.bus.Subscribe(bus.Filter{}, false)
	defer d.bus.Unsubscribe(sub)
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, synth := range d.engine.Ingest(ev, time.Now()) {
				d.bus.Publish(synth)
			}
		}
	}
}

func (d *daemon) Close() {
	for _, capt := range d.captures {
		_ = capt.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
}
