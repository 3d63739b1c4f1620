package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samvdb/somneo-homekit/somneo"
)

const (
	defaultPollInterval = 60 * time.Second
	refreshTimeout      = 15 * time.Second
)

// SensorReader fetches a sensor snapshot from a device.
type SensorReader interface {
	Sensors(ctx context.Context) (somneo.SensorData, error)
}

type PollerConfig struct {
	Accessory *Accessory
	Reader    SensorReader
	Interval  time.Duration // default 60s
	Logger    *slog.Logger
}

// Poller refreshes one accessory's sensor values on a fixed interval.
// A failed refresh keeps the previous values; the next tick tries again.
type Poller struct {
	acc      *Accessory
	reader   SensorReader
	interval time.Duration
	log      *slog.Logger
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Accessory == nil {
		return nil, errors.New("Accessory required")
	}
	if cfg.Reader == nil {
		return nil, errors.New("Reader required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		acc:      cfg.Accessory,
		reader:   cfg.Reader,
		interval: cfg.Interval,
		log:      cfg.Logger.With("module", "poller", "name", cfg.Accessory.Info.Name.Value()),
	}, nil
}

// Run refreshes once immediately, then on every tick until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopping (context cancelled)")
			return ctx.Err()
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	data, err := p.reader.Sensors(callCtx)
	if err != nil {
		p.log.Warn("sensor refresh failed, keeping last values", "error", err.Error())
		return
	}
	p.acc.ApplySensors(data)
}
