package main

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"omapi2c/core"
	"omapi2c/reg"
	"omapi2c/sim"
)

// Port kinds
const (
	portSim = "sim"
	portUIO = "uio"
	portMCU = "mcu"
)

// settings is the resolved configuration of one run.
type settings struct {
	Controller core.Config
	Bus        core.I2CBusID

	PortKind string
	Device   string
	Base     uint32
	Baud     int
	IRQPoll  time.Duration

	LogLevel log.Level
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("controller.name", "i2c1")
	v.SetDefault("controller.revision", "ip-v2")
	v.SetDefault("controller.speed_khz", core.DefaultSpeedKHz)
	v.SetDefault("controller.fclk_khz", core.DefaultFunctionalClockKHz)
	v.SetDefault("controller.iclk_khz", core.DefaultInternalClockKHz)
	v.SetDefault("controller.timeout", core.DefaultTimeout)
	v.SetDefault("controller.bus", 1)
	v.SetDefault("port.kind", portSim)
	v.SetDefault("port.device", "")
	v.SetDefault("port.base", sim.DefaultBase)
	v.SetDefault("port.baud", 250000)
	v.SetDefault("port.irq_poll", time.Millisecond)
	v.SetDefault("log.level", "info")
}

// loadSettings reads file (if any) into v and resolves the result.
func loadSettings(v *viper.Viper, file string) (*settings, error) {
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
	}
	return resolveSettings(v)
}

func resolveSettings(v *viper.Viper) (*settings, error) {
	rev, ok := reg.ParseRevision(v.GetString("controller.revision"))
	if !ok {
		return nil, fmt.Errorf("unknown controller.revision %q", v.GetString("controller.revision"))
	}
	level, err := log.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	kind := strings.ToLower(v.GetString("port.kind"))
	switch kind {
	case portSim, portUIO, portMCU:
	default:
		return nil, fmt.Errorf("unknown port.kind %q (want sim, uio or mcu)", kind)
	}
	if kind != portSim && v.GetString("port.device") == "" {
		return nil, fmt.Errorf("port.device is required for port.kind %s", kind)
	}
	bus := v.GetInt("controller.bus")
	if bus < 0 || bus > 255 {
		return nil, fmt.Errorf("controller.bus %d out of range", bus)
	}

	return &settings{
		Controller: core.Config{
			Name:               v.GetString("controller.name"),
			Revision:           rev,
			FunctionalClockKHz: uint32(v.GetInt("controller.fclk_khz")),
			InternalClockKHz:   uint32(v.GetInt("controller.iclk_khz")),
			SpeedKHz:           uint32(v.GetInt("controller.speed_khz")),
			Timeout:            v.GetDuration("controller.timeout"),
		},
		Bus:      core.I2CBusID(bus),
		PortKind: kind,
		Device:   v.GetString("port.device"),
		Base:     uint32(v.GetInt64("port.base")),
		Baud:     v.GetInt("port.baud"),
		IRQPoll:  v.GetDuration("port.irq_poll"),
		LogLevel: level,
	}, nil
}
