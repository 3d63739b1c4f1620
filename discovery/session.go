// Package discovery finds Somneo devices on the local network over SSDP.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/huin/goupnp/httpu"
	"github.com/huin/goupnp/ssdp"

	"github.com/samvdb/somneo-homekit/somneo"
)

const (
	defaultSearchWindow = 3 * time.Second
	searchSends         = 3
)

// Device is one discovered Somneo, resolved down to the fields the
// HomeKit side needs.
type Device struct {
	Host         string // "ip:port" taken from the SSDP LOCATION header
	USN          string
	ID           uint64 // stable across restarts, derived from the USN
	Name         string
	Manufacturer string
	Model        string
	Serial       string
}

// ResolveFunc fetches the UPnP description for a device host.
type ResolveFunc func(ctx context.Context, host string) (somneo.Description, error)

type SessionConfig struct {
	SearchTarget string        // default somneo.DeviceType
	SearchWindow time.Duration // how long one M-SEARCH waits, default 3s
	Resolve      ResolveFunc
	Logger       *slog.Logger
}

// Session runs one discovery pass and owns the set of USNs seen so far.
// Repeated responses for the same USN are no-ops.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Resolve == nil {
		return nil, errors.New("Resolve required")
	}
	if cfg.SearchTarget == "" {
		cfg.SearchTarget = somneo.DeviceType
	}
	if cfg.SearchWindow <= 0 {
		cfg.SearchWindow = defaultSearchWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		cfg:  cfg,
		log:  cfg.Logger.With("module", "discovery", "target", cfg.SearchTarget),
		seen: make(map[string]struct{}),
	}, nil
}

// Search issues one SSDP M-SEARCH and resolves every previously unseen
// responder. A device whose description fetch fails is skipped and its
// USN released, so a later announcement can try again.
func (s *Session) Search(ctx context.Context) ([]Device, error) {
	hc, err := httpu.NewHTTPUClient()
	if err != nil {
		return nil, fmt.Errorf("ssdp transport: %w", err)
	}
	defer hc.Close()

	maxWait := int(s.cfg.SearchWindow / time.Second)
	if maxWait < 1 {
		maxWait = 1
	}
	responses, err := ssdp.SSDPRawSearchCtx(ctx, hc, s.cfg.SearchTarget, maxWait, searchSends)
	if err != nil {
		return nil, fmt.Errorf("ssdp search: %w", err)
	}
	s.log.Debug("search finished", "responses", len(responses))

	var devices []Device
	for _, resp := range responses {
		dev, ok := s.observe(ctx, resp.Header.Get("USN"), resp.Header.Get("Location"))
		if ok {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

// Static registers a device at a fixed address, bypassing SSDP. The
// synthetic USN keeps it in the same dedup space as discovered devices.
func (s *Session) Static(ctx context.Context, host string) (Device, bool) {
	return s.observe(ctx, "static:"+host, "https://"+host+"/upnp/description.xml")
}

// Seen reports whether a USN already produced a device this session.
func (s *Session) Seen(usn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[usn]
	return ok
}

func (s *Session) observe(ctx context.Context, usn, location string) (Device, bool) {
	if usn == "" || location == "" {
		s.log.Warn("response missing USN or LOCATION", "usn", usn, "location", location)
		return Device{}, false
	}

	s.mu.Lock()
	if _, ok := s.seen[usn]; ok {
		s.mu.Unlock()
		return Device{}, false
	}
	s.seen[usn] = struct{}{}
	s.mu.Unlock()

	host, err := hostFromLocation(location)
	if err != nil {
		s.log.Warn("bad LOCATION header", "usn", usn, "location", location, "error", err.Error())
		s.forget(usn)
		return Device{}, false
	}

	desc, err := s.cfg.Resolve(ctx, host)
	if err != nil {
		s.log.Warn("description fetch failed", "usn", usn, "host", host, "error", err.Error())
		s.forget(usn)
		return Device{}, false
	}

	dev := Device{
		Host:         host,
		USN:          usn,
		ID:           StableID(usn),
		Name:         desc.FriendlyName,
		Manufacturer: desc.Manufacturer,
		Model:        desc.Model,
		Serial:       desc.Serial(),
	}
	s.log.Info("device discovered", "usn", usn, "host", host, "name", dev.Name)
	return dev, true
}

func (s *Session) forget(usn string) {
	s.mu.Lock()
	delete(s.seen, usn)
	s.mu.Unlock()
}

func hostFromLocation(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", location)
	}
	return u.Host, nil
}

// StableID hashes a USN into a HomeKit accessory ID. IDs 0 and 1 are
// reserved (1 is the bridge itself).
func StableID(usn string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(usn))
	id := h.Sum64()
	if id < 2 {
		id += 2
	}
	return id
}
