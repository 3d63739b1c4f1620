// Package bridge exposes discovered Somneo devices as HomeKit accessories.
package bridge

import (
	"log/slog"
	"sync"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"github.com/samvdb/somneo-homekit/discovery"
	"github.com/samvdb/somneo-homekit/somneo"
)

// State is the in-memory view HomeKit reads are served from. Power and
// brightness only ever change locally; the Somneo sensor API is
// read-only and no command is sent to the device.
type State struct {
	On          bool
	Brightness  int
	Temperature float64
	Humidity    float64
	LightLevel  float64
	SoundLevel  float64
}

// Accessory is one Somneo in HomeKit terms: a lightbulb plus
// temperature, humidity and ambient-light sensors.
type Accessory struct {
	*accessory.A

	Lightbulb   *service.Lightbulb
	Brightness  *characteristic.Brightness
	Temperature *service.TemperatureSensor
	Humidity    *service.HumiditySensor
	Light       *service.LightSensor

	log *slog.Logger

	mu    sync.Mutex
	state State
}

func NewAccessory(dev discovery.Device, logger *slog.Logger) *Accessory {
	if logger == nil {
		logger = slog.Default()
	}
	name := dev.Name
	if name == "" {
		name = "Somneo"
	}

	a := &Accessory{
		A: accessory.New(accessory.Info{
			Name:         name,
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
			SerialNumber: dev.Serial,
		}, accessory.TypeLightbulb),
		log:   logger.With("module", "accessory", "name", name, "usn", dev.USN),
		state: State{Brightness: 100},
	}
	a.Id = dev.ID

	a.Lightbulb = service.NewLightbulb()
	a.Brightness = characteristic.NewBrightness()
	a.Brightness.SetValue(a.state.Brightness)
	a.Lightbulb.AddC(a.Brightness.C)
	a.AddS(a.Lightbulb.S)

	a.Temperature = service.NewTemperatureSensor()
	a.AddS(a.Temperature.S)

	a.Humidity = service.NewHumiditySensor()
	a.AddS(a.Humidity.S)

	a.Light = service.NewLightSensor()
	a.AddS(a.Light.S)

	a.Lightbulb.On.OnValueRemoteUpdate(a.handleOn)
	a.Brightness.OnValueRemoteUpdate(a.handleBrightness)

	return a
}

func (a *Accessory) handleOn(on bool) {
	a.mu.Lock()
	a.state.On = on
	a.mu.Unlock()
	a.log.Debug("power set", "on", on)
}

func (a *Accessory) handleBrightness(value int) {
	a.mu.Lock()
	a.state.Brightness = value
	a.mu.Unlock()
	a.log.Debug("brightness set", "brightness", value)
}

// ApplySensors stores a poll result and pushes the values to HomeKit.
func (a *Accessory) ApplySensors(data somneo.SensorData) {
	a.mu.Lock()
	a.state.Temperature = data.Temperature
	a.state.Humidity = data.Humidity
	a.state.LightLevel = data.LightLevel
	a.state.SoundLevel = data.SoundLevel
	a.mu.Unlock()

	a.Temperature.CurrentTemperature.SetValue(data.Temperature)
	a.Humidity.CurrentRelativeHumidity.SetValue(data.Humidity)
	a.Light.CurrentAmbientLightLevel.SetValue(data.LightLevel)
}

// State returns a copy of the current accessory state.
func (a *Accessory) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
