/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package rpc implements the dashboard/CLI-facing external interface: a
// local HTTP+WebSocket surface over the C9 bus, the C4 tracker, the C6
// analyzer, and the C8 arbiter. Bearer-token auth follows a
// challenge/response session shape -- a token proves a prior successful
// handshake and is checked on every subsequent call -- expressed with
// github.com/golang-jwt/jwt/v5 instead of a bespoke binary challenge, and
// the live event stream is carried over github.com/gorilla/websocket
// rather than a hand-rolled framed TCP protocol.
package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/bus"
	"github.com/wardenhq/warden/event"
	"github.com/wardenhq/warden/netmon"
	"github.com/wardenhq/warden/policy"
	"github.com/wardenhq/warden/procmon"
	"github.com/wardenhq/warden/wlog"
)

// StatusProvider exposes the counters the `GET status` endpoint reports
//, implemented by the supervisor so this package never needs
// to reach into cmd/wardend internals.
type StatusProvider interface {
	Uptime() time.Duration
	Counters() map[string]uint64
}

// Server is the RPC surface. It holds no enforcement state of
// its own: a policy PUT flows through the Arbiter ("all enforcement
// actions flow through this component"). Alert status and notes are kept
// only in this Server's in-memory alerts map.
type Server struct {
	bus       *bus.Bus
	tracker   *netmon.Tracker
	analyzer  *procmon.Analyzer
	arbiter   *policy.Arbiter
	status    StatusProvider
	log       *wlog.Logger
	jwtSecret []byte
	upgrader  websocket.Upgrader

	alertsMtx sync.Mutex
	alerts    map[string]*alertState
}

type alertState struct {
	ID     string
	Status string // open, acked, closed
	Notes  []string
}

func New(b *bus.Bus, t *netmon.Tracker, a *procmon.Analyzer, arb *policy.Arbiter, status StatusProvider, log *wlog.Logger, jwtSecret []byte) *Server {
	return &Server{
		bus:       b,
		tracker:   t,
		analyzer:  a,
		arbiter:   arb,
		status:    status,
		log:       log,
		jwtSecret: jwtSecret,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		alerts:    make(map[string]*alertState),
	}
}

// Handler builds the http.Handler for the whole surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(`/status`, s.auth(s.handleStatus))
	mux.HandleFunc(`/events`, s.auth(s.handleEvents))
	mux.HandleFunc(`/connections`, s.auth(s.handleConnections))
	mux.HandleFunc(`/processes`, s.auth(s.handleProcesses))
	mux.HandleFunc(`/policies`, s.auth(s.handlePolicies))
	mux.HandleFunc(`/alerts`, s.auth(s.handleAlerts))
	mux.HandleFunc(`/alerts/`, s.auth(s.handleAlertByID))
	mux.HandleFunc(`/live`, s.auth(s.handleLive))
	return mux
}

// IssueToken mints a bearer token for an already-authenticated operator
// session; the session handshake itself (spec's "challenge/response")
// is out of this core's scope (dashboard/CLI collaborator), so the core
// only validates tokens it was configured to trust.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.jwtSecret)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get(`Authorization`)
		tokStr := strings.TrimPrefix(authz, `Bearer `)
		if tokStr == authz || tokStr == `` {
			http.Error(w, `missing bearer token`, http.StatusUnauthorized)
			return
		}
		_, err := jwt.Parse(tokStr, func(t *jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{`HS256`}))
		if err != nil {
			http.Error(w, `invalid token`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pol := s.arbiter.Current()
	resp := map[string]interface{}{
		`enforcement_mode`: pol.EnforcementMode.String(),
		`generation`:       pol.Generation,
		`subscribers`:      s.bus.SubscriberCount(),
	}
	if s.status != nil {
		resp[`uptime_seconds`] = s.status.Uptime().Seconds()
		resp[`counters`] = s.status.Counters()
	}
	writeJSON(w, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := bus.Filter{}
	if k := q.Get(`kind`); k != `` {
		if kind, ok := parseKind(k); ok {
			filter.Kinds = []event.Kind{kind}
		}
	}
	if sev := q.Get(`severity`); sev != `` {
		if n, err := strconv.Atoi(sev); err == nil {
			filter.MinSeverity = event.Severity(n)
		}
	}
	limit := 0
	if l := q.Get(`limit`); l != `` {
		limit, _ = strconv.Atoi(l)
	}
	evs := s.bus.RingSnapshot(filter)
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	writeJSON(w, evs)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.tracker.Snapshot())
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.analyzer.All())
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.arbiter.Current())
	case http.MethodPut:
		var p policy.Policy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		updated := s.arbiter.Update(&p)
		writeJSON(w, updated)
	default:
		http.Error(w, `method not allowed`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.alertsMtx.Lock()
	defer s.alertsMtx.Unlock()
	out := make([]*alertState, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	writeJSON(w, out)
}

func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, `/alerts/`)
	parts := strings.SplitN(id, `/`, 2)
	alertID := parts[0]

	s.alertsMtx.Lock()
	defer s.alertsMtx.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		a = &alertState{ID: alertID, Status: `open`}
		s.alerts[alertID] = a
	}

	if len(parts) == 2 && parts[1] == `status` && r.Method == http.MethodPut {
		var body struct{ Status string }
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			a.Status = body.Status
		}
	} else if len(parts) == 2 && parts[1] == `notes` && r.Method == http.MethodPost {
		var body struct{ Note string }
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			a.Notes = append(a.Notes, body.Note)
		}
	}
	writeJSON(w, a)
}

// handleLive implements `WS live`: a server-pushed stream of
// new events as JSON frames, with a periodic heartbeat frame so an idle
// connection can still be detected as alive by the dashboard.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(bus.Filter{}, true)
	defer s.bus.Unsubscribe(sub)

	ch := sub.Events()
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteJSON(map[string]string{`type`: `heartbeat`}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set(`Content-Type`, `application/json`)
	_ = json.NewEncoder(w).Encode(v)
}

func parseKind(s string) (event.Kind, bool) {
	kinds := map[string]event.Kind{
		`FileExec`: event.KindFileExec, `FileAccess`: event.KindFileAccess,
		`ProcessStart`: event.KindProcessStart, `ProcessSnapshot`: event.KindProcessSnapshot,
		`NetConnect`: event.KindNetConnect, `NetAccept`: event.KindNetAccept,
		`DnsQuery`: event.KindDnsQuery, `PacketDropped`: event.KindPacketDropped,
		`Correlated`: event.KindCorrelated,
	}
	k, ok := kinds[s]
	return k, ok
}
