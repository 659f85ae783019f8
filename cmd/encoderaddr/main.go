// Command encoderaddr moves a rotary encoder to a new I2C address so several
// encoders can share one bus.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/ericogr/rcinput-to-mqtt/pkg/config"
	"github.com/ericogr/rcinput-to-mqtt/pkg/sensor"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("encoderaddr", flag.ContinueOnError)
	bus := fs.String("i2c-bus", "1", "I2C bus the encoder is on")
	from := fs.String("address", "", "Current encoder address (decimal or 0x hex)")
	to := fs.String("new-address", "", "New encoder address (decimal or 0x hex)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	oldAddr, newAddr, err := parseAddresses(*from, *to)
	if err != nil {
		return err
	}

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host init: %w", err)
	}
	b, err := i2creg.Open(*bus)
	if err != nil {
		return fmt.Errorf("open i2c bus %q: %w", *bus, err)
	}
	defer b.Close()

	dev := &i2c.Dev{Addr: uint16(oldAddr), Bus: b}
	if _, _, err := sensor.Detect(dev); err != nil {
		return fmt.Errorf("no encoder at %#02x: %w", oldAddr, err)
	}
	if err := sensor.ChangeAddress(dev, newAddr); err != nil {
		return err
	}
	raw, _, err := sensor.Detect(dev)
	if err != nil {
		return fmt.Errorf("encoder did not answer at %#02x: %w", newAddr, err)
	}
	log.Infof("encoder moved from %#02x to %#02x on bus %s (position %d)", oldAddr, newAddr, *bus, raw)
	return nil
}

func parseAddresses(from, to string) (int, int, error) {
	if from == "" || to == "" {
		return 0, 0, fmt.Errorf("both -address and -new-address are required")
	}
	var addrs [2]int
	for i, s := range []string{from, to} {
		v, err := config.ParseAddress(s)
		if err != nil {
			return 0, 0, err
		}
		addrs[i] = v
	}
	return addrs[0], addrs[1], nil
}
