package console

import (
	"fmt"
	"time"

	"github.com/ericogr/rcinput-to-mqtt/pkg/output"
	"github.com/ericogr/rcinput-to-mqtt/pkg/sensor"
)

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		line := fmt.Sprintf("%s channel=%d name=%s raw=%d value=%.1f", r.Timestamp.Format(time.RFC3339), r.Channel, r.Name, r.Raw, r.Value)
		if !r.Present {
			line += " absent"
		}
		if r.Status != "" {
			line += fmt.Sprintf(" status=%q", r.Status)
		}
		fmt.Println(line)
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
