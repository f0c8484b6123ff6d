/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rpc

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wardenhq/warden/bus"
	"github.com/wardenhq/warden/netmon"
	"github.com/wardenhq/warden/policy"
	"github.com/wardenhq/warden/procmon"
	"github.com/wardenhq/warden/wlog"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	b := bus.New(16, nil)
	tr := netmon.NewTracker(1024, 100, time.Minute, nil, nil)
	an := procmon.NewAnalyzer(nil, nil, 0.8)
	arb := policy.NewArbiter()
	log := wlog.New(io.Discard, wlog.INFO, `wardend-test`)
	return New(b, tr, an, arb, nil, log, []byte(`test-secret`))
}

func TestAuthRejectsMissingToken(t *testing.T) {
	s := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + `/status`)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}
}

func TestAuthAcceptsIssuedToken(t *testing.T) {
	s := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tok, err := s.IssueToken(`operator`, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+`/status`, nil)
	req.Header.Set(`Authorization`, `Bearer `+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", resp.StatusCode)
	}
}

func TestGetPoliciesReturnsOK(t *testing.T) {
	s := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tok, _ := s.IssueToken(`operator`, time.Minute)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+`/policies`, nil)
	req.Header.Set(`Authorization`, `Bearer `+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 fetching current policy, got %d", resp.StatusCode)
	}
}
