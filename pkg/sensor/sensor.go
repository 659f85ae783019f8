package sensor

import "time"

// Reading is one mapped channel sample. Present is false while the channel
// falls back to its configured default.
type Reading struct {
	Channel   int       `json:"channel"`
	Name      string    `json:"name"`
	Raw       uint16    `json:"raw"`
	Value     float64   `json:"value"`
	Present   bool      `json:"present"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Sensor interface {
	Read() ([]Reading, error)
	Close() error
}
