package config

import "testing"

const sampleConfig = `
[global]
enforcement-mode=Enforcing
snapshot-interval=10s
ring-buffer-size=10000
rpc-bind-address=127.0.0.1:8443
interface=eth0
interface=eth1
`

func TestLoadBytes(t *testing.T) {
	r, err := LoadBytes([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.EnforcementMode != Enforcing {
		t.Fatalf("expected Enforcing, got %v", r.EnforcementMode)
	}
	if len(r.Interfaces) != 2 {
		t.Fatalf("expected 2 interfaces, got %v", r.Interfaces)
	}
	if r.RPCBindAddress != `127.0.0.1:8443` {
		t.Fatalf("unexpected bind address: %q", r.RPCBindAddress)
	}
}

func TestLoadBytesDefaults(t *testing.T) {
	r, err := LoadBytes([]byte("[global]\nenforcement-mode=Passive\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.RingBufferSize != defaultRingBufferSize {
		t.Fatalf("expected default ring buffer size, got %d", r.RingBufferSize)
	}
	if r.SnapshotInterval != defaultSnapshotInterval {
		t.Fatalf("expected default snapshot interval, got %v", r.SnapshotInterval)
	}
	if len(r.DGASuspectTLDs) == 0 {
		t.Fatalf("expected default suspect TLDs")
	}
}

func TestParseEnforcementModeInvalid(t *testing.T) {
	if _, err := ParseEnforcementMode(`bogus`); err == nil {
		t.Fatalf("expected error for invalid mode")
	}
}

func TestRingBufferSizeFallsBackToDefault(t *testing.T) {
	r, err := LoadBytes([]byte("[global]\nring-buffer-size=-1\n"))
	if err != nil {
		t.Fatalf("non-positive ring-buffer-size should fall back to the default, not error: %v", err)
	}
	if r.RingBufferSize != defaultRingBufferSize {
		t.Fatalf("expected fallback to default ring buffer size, got %d", r.RingBufferSize)
	}
}
