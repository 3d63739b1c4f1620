// Package somneo talks to the local HTTPS API of a Philips Somneo
// wake-up light. The device presents a self-signed certificate, so the
// client skips TLS verification, same as the official apps do.
package somneo

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DeviceType is the UPnP device type URN the Somneo advertises over SSDP.
const DeviceType = "urn:philips-com:device:DiProduct:1"

const (
	sensorPath      = "/di/v1/products/1/wusrd"
	descriptionPath = "/upnp/description.xml"

	defaultTimeout = 10 * time.Second
)

// SensorData is the bedroom sensor snapshot the Somneo reports.
type SensorData struct {
	Temperature float64 `json:"mstmp"` // °C
	Humidity    float64 `json:"msrhu"` // %
	LightLevel  float64 `json:"mslux"` // lux
	SoundLevel  float64 `json:"mssnd"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *slog.Logger
}

type ClientConfig struct {
	Host    string        // "ip" or "ip:port"
	Timeout time.Duration // per-request, default 10s
	Logger  *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("Host required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: true}
	httpClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   cfg.Timeout,
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    "https://" + cfg.Host,
		log:        cfg.Logger.With("module", "somneo", "host", cfg.Host),
	}, nil
}

// Sensors fetches the current readings from the device.
func (c *Client) Sensors(ctx context.Context) (SensorData, error) {
	var data SensorData
	if err := c.getJSON(ctx, sensorPath, &data); err != nil {
		return SensorData{}, err
	}
	c.log.Debug("sensor readings",
		"temperature", data.Temperature,
		"humidity", data.Humidity,
		"lux", data.LightLevel,
		"sound", data.SoundLevel,
	)
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status: %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
