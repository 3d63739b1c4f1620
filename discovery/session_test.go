package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/samvdb/somneo-homekit/somneo"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	desc  somneo.Description
	err   error
}

func (f *fakeResolver) resolve(ctx context.Context, host string) (somneo.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.desc, f.err
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSession(t *testing.T, r *fakeResolver) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{Resolve: r.resolve})
	if err != nil {
		t.Fatalf("NewSession() unexpected error: %v", err)
	}
	return s
}

func TestNewSession_RequiresResolver(t *testing.T) {
	t.Parallel()

	if _, err := NewSession(SessionConfig{}); err == nil {
		t.Fatal("NewSession() expected error without resolver, got nil")
	}
}

func TestObserve(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{desc: somneo.Description{
		FriendlyName: "Somneo",
		Manufacturer: "Royal Philips Electronics",
		Model:        "HF3670",
		UDN:          "uuid:abc-123",
	}}
	s := newTestSession(t, resolver)

	dev, ok := s.observe(context.Background(), "uuid:abc-123::upnp:rootdevice", "https://10.0.0.5:443/upnp/description.xml")
	if !ok {
		t.Fatal("observe() returned ok=false for a fresh USN")
	}
	if dev.Host != "10.0.0.5:443" {
		t.Errorf("Host = %q, want %q", dev.Host, "10.0.0.5:443")
	}
	if dev.Name != "Somneo" {
		t.Errorf("Name = %q, want %q", dev.Name, "Somneo")
	}
	if dev.Serial != "abc-123" {
		t.Errorf("Serial = %q, want %q", dev.Serial, "abc-123")
	}
	if dev.ID != StableID(dev.USN) {
		t.Errorf("ID = %d, want StableID(%q) = %d", dev.ID, dev.USN, StableID(dev.USN))
	}
	if !s.Seen(dev.USN) {
		t.Error("Seen() = false after a successful observe")
	}
}

func TestObserve_DuplicateUSNIsNoop(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{desc: somneo.Description{FriendlyName: "Somneo"}}
	s := newTestSession(t, resolver)

	usn := "uuid:abc-123::upnp:rootdevice"
	loc := "https://10.0.0.5/upnp/description.xml"

	if _, ok := s.observe(context.Background(), usn, loc); !ok {
		t.Fatal("first observe() returned ok=false")
	}
	for i := 0; i < 3; i++ {
		if _, ok := s.observe(context.Background(), usn, loc); ok {
			t.Fatal("repeated observe() for the same USN returned ok=true")
		}
	}
	if got := resolver.callCount(); got != 1 {
		t.Errorf("resolver calls = %d, want 1", got)
	}
}

func TestObserve_ResolveFailureReleasesUSN(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{err: errors.New("connection refused")}
	s := newTestSession(t, resolver)

	usn := "uuid:abc-123::upnp:rootdevice"
	loc := "https://10.0.0.5/upnp/description.xml"

	if _, ok := s.observe(context.Background(), usn, loc); ok {
		t.Fatal("observe() returned ok=true despite resolve failure")
	}
	if s.Seen(usn) {
		t.Fatal("Seen() = true after a failed resolve; USN should be released")
	}

	// Next announcement for the same USN gets another chance.
	resolver.mu.Lock()
	resolver.err = nil
	resolver.desc = somneo.Description{FriendlyName: "Somneo"}
	resolver.mu.Unlock()

	if _, ok := s.observe(context.Background(), usn, loc); !ok {
		t.Fatal("observe() after released USN returned ok=false")
	}
	if got := resolver.callCount(); got != 2 {
		t.Errorf("resolver calls = %d, want 2", got)
	}
}

func TestObserve_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		usn      string
		location string
	}{
		{name: "empty usn", usn: "", location: "https://10.0.0.5/upnp/description.xml"},
		{name: "empty location", usn: "uuid:abc", location: ""},
		{name: "location without host", usn: "uuid:abc", location: "/upnp/description.xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resolver := &fakeResolver{}
			s := newTestSession(t, resolver)

			if _, ok := s.observe(context.Background(), tt.usn, tt.location); ok {
				t.Fatal("observe() returned ok=true for invalid input")
			}
			if got := resolver.callCount(); got != 0 {
				t.Errorf("resolver calls = %d, want 0", got)
			}
		})
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{desc: somneo.Description{FriendlyName: "Somneo"}}
	s := newTestSession(t, resolver)

	dev, ok := s.Static(context.Background(), "192.168.1.20")
	if !ok {
		t.Fatal("Static() returned ok=false")
	}
	if dev.Host != "192.168.1.20" {
		t.Errorf("Host = %q, want %q", dev.Host, "192.168.1.20")
	}

	// Adding the same address twice is a no-op.
	if _, ok := s.Static(context.Background(), "192.168.1.20"); ok {
		t.Fatal("second Static() for the same host returned ok=true")
	}
}

func TestStableID(t *testing.T) {
	t.Parallel()

	a := StableID("uuid:abc-123::upnp:rootdevice")
	b := StableID("uuid:abc-123::upnp:rootdevice")
	c := StableID("uuid:def-456::upnp:rootdevice")

	if a != b {
		t.Errorf("StableID not deterministic: %d != %d", a, b)
	}
	if a == c {
		t.Errorf("StableID collides for distinct USNs: %d", a)
	}
	if a < 2 {
		t.Errorf("StableID = %d, IDs below 2 are reserved", a)
	}
}
