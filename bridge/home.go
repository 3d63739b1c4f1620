package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"golang.org/x/sync/errgroup"

	"github.com/samvdb/somneo-homekit/discovery"
)

type HomeConfig struct {
	Name         string // bridge accessory name
	Pin          string // HomeKit pairing PIN, hap default if empty
	Addr         string // hap listen address, random port if empty
	StateDir     string // pairing/ID store, default "./db"
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Home owns the bridge accessory, the per-device accessories and their
// pollers, and runs the hap server over all of them.
type Home struct {
	cfg    HomeConfig
	log    *slog.Logger
	bridge *accessory.Bridge

	accessories []*Accessory
	pollers     []*Poller
}

func NewHome(cfg HomeConfig) *Home {
	if cfg.Name == "" {
		cfg.Name = "Somneo Bridge"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "./db"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := accessory.NewBridge(accessory.Info{
		Name:         cfg.Name,
		Manufacturer: "Philips",
		Model:        "somneo-homekit",
	})
	b.A.Id = 1

	return &Home{
		cfg:    cfg,
		log:    cfg.Logger.With("module", "bridge"),
		bridge: b,
	}
}

// Add creates the accessory and poller for a discovered device.
func (h *Home) Add(dev discovery.Device, reader SensorReader) (*Accessory, error) {
	acc := NewAccessory(dev, h.cfg.Logger)
	poller, err := NewPoller(PollerConfig{
		Accessory: acc,
		Reader:    reader,
		Interval:  h.cfg.PollInterval,
		Logger:    h.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	h.accessories = append(h.accessories, acc)
	h.pollers = append(h.pollers, poller)
	h.log.Info("accessory added", "name", acc.Info.Name.Value(), "id", acc.Id, "host", dev.Host)
	return acc, nil
}

// Run serves HomeKit and polls every device until ctx is cancelled.
func (h *Home) Run(ctx context.Context) error {
	store := hap.NewFsStore(h.cfg.StateDir)

	extra := make([]*accessory.A, 0, len(h.accessories))
	for _, acc := range h.accessories {
		extra = append(extra, acc.A)
	}

	server, err := hap.NewServer(store, h.bridge.A, extra...)
	if err != nil {
		return err
	}
	if h.cfg.Pin != "" {
		server.Pin = h.cfg.Pin
	}
	if h.cfg.Addr != "" {
		server.Addr = h.cfg.Addr
	}

	h.log.Info("homekit server starting", "accessories", len(h.accessories))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	for _, p := range h.pollers {
		g.Go(func() error {
			return p.Run(ctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
