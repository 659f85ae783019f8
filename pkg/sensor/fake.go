package sensor

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ericogr/rcinput-to-mqtt/pkg/config"
)

// FakeSensor produces random raw positions inside each channel's calibrated range.
type FakeSensor struct {
	mappers []channelMapper
	rnd     *rand.Rand
	mu      sync.Mutex
}

func NewFakeSensor(cfg config.Config) (Sensor, error) {
	mappers, err := buildChannelMappers(cfg)
	if err != nil {
		return nil, err
	}
	return &FakeSensor{mappers: mappers, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

func (f *FakeSensor) Read() ([]Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	out := make([]Reading, 0, len(f.mappers))
	for _, m := range f.mappers {
		lo := math.Min(m.cfg.Low, m.cfg.High)
		hi := math.Max(m.cfg.Low, m.cfg.High)
		lo = math.Max(lo, 0)
		hi = math.Min(hi, math.MaxUint16)
		raw := uint16(lo)
		if hi > lo {
			raw = uint16(lo + f.rnd.Float64()*(hi-lo))
		}
		r := m.fallback()
		r.Raw = raw
		r.Value = m.value(raw)
		r.Present = true
		r.Timestamp = now
		out = append(out, r)
	}
	return out, nil
}

func (f *FakeSensor) Close() error { return nil }
