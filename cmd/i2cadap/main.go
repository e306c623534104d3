// Command i2cadap drives an OMAP-family I2C controller from user space:
// through a UIO mapping, through a Klipper-protocol register bridge, or
// against the built-in simulator.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli"

	"omapi2c/protocol"
)

func main() {
	app := cli.NewApp()

	app.Name = "i2cadap"
	app.Version = protocol.Version
	app.Usage = "OMAP I2C controller adapter"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "port, p",
			Usage: "register port kind: sim, uio or mcu",
		},
		cli.StringFlag{
			Name:  "device, d",
			Usage: "UIO node (/dev/uio0), serial device or tcp://host:port",
		},
		cli.UintFlag{
			Name:  "speed",
			Usage: "bus speed in kHz",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error)",
		},
	}

	app.Commands = []cli.Command{
		probeCommand,
		xferCommand,
		dumpCommand,
		diagCommand,
		eepromCommand,
		serveSimCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup resolves the configuration file and the global flags, which take
// precedence over it, and applies the log level.
func setup(c *cli.Context) (*settings, error) {
	v := viper.New()
	overrides := map[string]string{
		"port":      "port.kind",
		"device":    "port.device",
		"log-level": "log.level",
	}
	for flag, key := range overrides {
		if c.GlobalIsSet(flag) {
			v.Set(key, c.GlobalString(flag))
		}
	}
	if c.GlobalIsSet("speed") {
		v.Set("controller.speed_khz", c.GlobalUint("speed"))
	}

	s, err := loadSettings(v, c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	log.SetFormatter(&log.TextFormatter{DisableColors: true})
	log.SetLevel(s.LogLevel)
	return s, nil
}

// withBus runs fn with the configured controller attached.
func withBus(fn func(*cli.Context, *settings, *bus) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		s, err := setup(c)
		if err != nil {
			return err
		}
		b, err := openBus(s, log.StandardLogger())
		if err != nil {
			return err
		}
		defer b.Close()
		log.WithFields(log.Fields{
			"controller": b.Name(),
			"port":       s.PortKind,
			"speed_khz":  b.Speed(),
			"fifo":       b.FIFOSize(),
		}).Info("controller attached")
		return b.check(fn(c, s, b))
	}
}
