package protocol

import (
	"strings"
	"testing"
)

func TestTunnelZeroSurvivesEncoding(t *testing.T) {
	// The boot tunnel is id 0; a plain int field with omitempty would
	// silently drop it.
	frame, err := Encode(&Message{Name: NameResolve, Tunnel: Tunnel(BootTunnel)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(frame), `"tunnel":0`) {
		t.Fatalf("frame lost the boot tunnel: %s", frame)
	}
	m, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Tunnel == nil || *m.Tunnel != 0 {
		t.Fatalf("decoded tunnel = %v", m.Tunnel)
	}
}

func TestAbsentTunnelIsNil(t *testing.T) {
	m, err := Decode([]byte(`{"name":"emit","enclosure":"root","event":"x"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Tunnel != nil {
		t.Fatalf("tunnel should be nil, got %d", *m.Tunnel)
	}
	if m.Name != NameEmit || m.Enclosure != "root" || m.Event != "x" {
		t.Fatalf("decoded = %+v", m)
	}
}
