package sensor

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/ericogr/rcinput-to-mqtt/pkg/config"
)

// The encoder streams a 5 byte frame: big-endian position, status, detailed
// status and a byte that changes with any movement.
const (
	frameLen       = 5
	detectRetries   = 25
	runtimeRetries = 2
)

// Status holds the flag bits of an encoder frame.
type Status struct {
	Error        bool
	Warning      bool
	HeadNear     bool
	HeadFar      bool
	Misaligned   bool
	Temperature  bool
	Power        bool
	System       bool
	Pattern      bool
	Acceleration bool
}

// Message describes the first reported cause, or "" when neither the error
// nor the warning bit is set.
func (s Status) Message() string {
	var prefix string
	switch {
	case s.Error:
		prefix = "ERROR-- position invalid:"
	case s.Warning:
		prefix = "Warning:"
	default:
		return ""
	}
	var msg string
	switch {
	case s.HeadNear:
		msg = "Read head is too close to ring."
	case s.HeadFar:
		msg = "Read head is too far from ring."
	case s.Acceleration:
		msg = "Position data changed too fast."
	case s.Pattern:
		msg = "Magnetic pattern error. Metal particles or stray magnetic field present."
	case s.System:
		msg = "System error in the circuitry or inconsistent calibration data."
	case s.Power:
		msg = "Power supply error, voltage out of range."
	case s.Temperature:
		msg = "Read head temperature is out of range."
	case s.Misaligned:
		msg = "Signal lost. Read head is out of alignment."
	}
	return strings.TrimSpace(prefix + " " + msg)
}

func decodeFrame(b []byte) (uint16, Status, error) {
	if len(b) < frameLen {
		return 0, Status{}, errors.Errorf("short frame: %d bytes", len(b))
	}
	st := Status{
		Error:        b[2]&(1<<3) != 0,
		Warning:      b[2]&(1<<2) != 0,
		HeadNear:     b[2]&(1<<1) != 0,
		HeadFar:      b[2]&1 != 0,
		Misaligned:   b[3]&(1<<7) != 0,
		Temperature:  b[3]&(1<<6) != 0,
		Power:        b[3]&(1<<5) != 0,
		System:       b[3]&(1<<4) != 0,
		Pattern:      b[3]&(1<<3) != 0,
		Acceleration: b[3]&(1<<2) != 0,
	}
	return uint16(b[0])<<8 | uint16(b[1]), st, nil
}

func readFrame(dev conn.Conn, retries int) ([]byte, error) {
	buf := make([]byte, frameLen)
	var lastErr error
	for i := 0; i < retries; i++ {
		if lastErr = dev.Tx(nil, buf); lastErr == nil {
			return buf, nil
		}
		log.Debugf("encoder %s: read attempt %d failed: %s", dev, i+1, lastErr)
	}
	return nil, errors.Wrapf(lastErr, "encoder %s: all %d read attempts failed", dev, retries)
}

// Detect reads one frame from dev, retrying as during startup.
func Detect(dev conn.Conn) (uint16, Status, error) {
	buf, err := readFrame(dev, detectRetries)
	if err != nil {
		return 0, Status{}, err
	}
	return decodeFrame(buf)
}

// ChangeAddress reprograms the encoder behind dev to answer on newAddr. An
// *i2c.Dev is updated to follow the encoder to its new address.
func ChangeAddress(dev conn.Conn, newAddr int) error {
	if newAddr < 0 || newAddr > config.MaxAddress {
		return errors.Errorf("i2c address %#x outside 0..%#x", newAddr, config.MaxAddress)
	}
	if err := dev.Tx([]byte{'a', byte(newAddr), 'a'}, nil); err != nil {
		return errors.Wrapf(err, "encoder %s: change address to %#02x", dev, newAddr)
	}
	if d, ok := dev.(*i2c.Dev); ok {
		d.Addr = uint16(newAddr)
	}
	return nil
}

// busDev is an encoder candidate on one bus.
type busDev struct {
	bus string
	dev conn.Conn
}

type encoder struct {
	channelMapper
	dev     conn.Conn
	bus     string
	present bool
	retries int
	lastRaw uint16
}

// EncoderSensor reads rotary encoders, one per channel, each on the first
// bus where it answered.
type EncoderSensor struct {
	buses    []io.Closer
	encoders []*encoder
	mu       sync.Mutex
}

func NewEncoderSensor(cfg config.Config) (Sensor, error) {
	mappers, err := buildChannelMappers(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "host init")
	}

	type openBus struct {
		name string
		bus  i2c.BusCloser
	}
	var (
		opened  []openBus
		closers []io.Closer
		lastErr error
	)
	for _, name := range cfg.Buses() {
		bus, err := i2creg.Open(name)
		if err != nil {
			lastErr = err
			log.Debugf("skipping i2c bus %q: %s", name, err)
			continue
		}
		opened = append(opened, openBus{name: name, bus: bus})
		closers = append(closers, bus)
	}
	if len(opened) == 0 {
		return nil, errors.Wrapf(lastErr, "no usable i2c bus in %v", cfg.Buses())
	}

	candidates := make([][]busDev, len(mappers))
	for i, m := range mappers {
		for _, b := range opened {
			candidates[i] = append(candidates[i], busDev{bus: b.name, dev: &i2c.Dev{Addr: uint16(m.cfg.Address), Bus: b.bus}})
		}
	}
	return newEncoderSensor(closers, mappers, candidates), nil
}

// newEncoderSensor tries each encoder on its candidate buses in order and
// keeps the first that answers. Encoders that never answer keep emitting
// their channel default.
func newEncoderSensor(buses []io.Closer, mappers []channelMapper, candidates [][]busDev) *EncoderSensor {
	s := &EncoderSensor{buses: buses}
	for i, m := range mappers {
		e := &encoder{channelMapper: m}
		for _, c := range candidates[i] {
			raw, _, err := Detect(c.dev)
			if err != nil {
				log.Debugf("no %s encoder at %#02x on bus %s: %s", m.cfg.Name, m.cfg.Address, c.bus, err)
				continue
			}
			e.dev, e.bus, e.lastRaw = c.dev, c.bus, raw
			e.present = true
			e.retries = runtimeRetries
			log.Infof("found %s encoder at %#02x on bus %s", m.cfg.Name, m.cfg.Address, c.bus)
			break
		}
		if !e.present {
			log.Warnf("no %s encoder found at %#02x", m.cfg.Name, m.cfg.Address)
		}
		s.encoders = append(s.encoders, e)
	}
	return s
}

func (s *EncoderSensor) Close() error {
	var first error
	for _, b := range s.buses {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *EncoderSensor) find(channel int) *encoder {
	for _, e := range s.encoders {
		if e.cfg.Channel == channel {
			return e
		}
	}
	return nil
}

// Bus reports the bus the channel's encoder answered on.
func (s *EncoderSensor) Bus(channel int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(channel)
	if e == nil || !e.present {
		return "", false
	}
	return e.bus, true
}

// ChangeAddress reprograms the channel's encoder and keeps reading it at
// the new address.
func (s *EncoderSensor) ChangeAddress(channel, newAddr int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(channel)
	if e == nil || !e.present {
		return errors.Errorf("channel %d: no encoder present", channel)
	}
	if err := ChangeAddress(e.dev, newAddr); err != nil {
		return err
	}
	log.Infof("%s encoder moved from %#02x to %#02x", e.cfg.Name, e.cfg.Address, newAddr)
	e.cfg.Address = newAddr
	return nil
}

// Read samples every encoder. A failed transfer reuses the last good position;
// an error is returned only when every present encoder failed.
func (s *EncoderSensor) Read() ([]Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Reading, 0, len(s.encoders))
	now := time.Now()
	present, failed := 0, 0
	var lastErr error
	for _, e := range s.encoders {
		r := e.fallback()
		r.Timestamp = now
		if !e.present {
			out = append(out, r)
			continue
		}
		present++
		r.Present = true
		buf, err := readFrame(e.dev, e.retries)
		if err != nil {
			failed++
			lastErr = err
			log.Errorf("%s: %s", e.cfg.Name, err)
			r.Status = "stale: read failed"
		} else {
			raw, st, _ := decodeFrame(buf)
			e.lastRaw = raw
			if msg := st.Message(); msg != "" {
				r.Status = msg
				log.Warnf("%s encoder: %s", e.cfg.Name, msg)
			}
		}
		r.Raw = e.lastRaw
		r.Value = e.value(e.lastRaw)
		out = append(out, r)
	}
	if present > 0 && failed == present {
		return out, errors.Wrap(lastErr, "all encoder reads failed")
	}
	return out, nil
}
