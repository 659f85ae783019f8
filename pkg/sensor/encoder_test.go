package sensor

import (
	"errors"
	"io"
	"testing"

	"periph.io/x/conn/v3"

	"github.com/ericogr/rcinput-to-mqtt/pkg/config"
	"github.com/ericogr/rcinput-to-mqtt/pkg/rangemap"
)

// fakeConn replays queued frames; a nil entry fails that transfer. Writes
// are recorded and do not consume frames.
type fakeConn struct {
	frames   [][]byte
	calls    int
	writes   [][]byte
	writeErr error
}

func (f *fakeConn) String() string      { return "fake" }
func (f *fakeConn) Duplex() conn.Duplex { return conn.Half }

func (f *fakeConn) Tx(w, r []byte) error {
	if len(w) > 0 {
		f.writes = append(f.writes, append([]byte(nil), w...))
		return f.writeErr
	}
	f.calls++
	if len(f.frames) == 0 {
		return errors.New("nack")
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	if fr == nil {
		return errors.New("nack")
	}
	copy(r, fr)
	return nil
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func mapper(t *testing.T, ch config.ChannelConfig, clamp bool) channelMapper {
	t.Helper()
	p, err := ch.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return channelMapper{cfg: ch, params: p, clamp: clamp}
}

func TestDecodeFrame(t *testing.T) {
	raw, st, err := decodeFrame([]byte{0xCE, 0x93, 0x00, 0x00, 0x5A})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw != 0xCE93 {
		t.Fatalf("raw: got %#04x want 0xce93", raw)
	}
	if st != (Status{}) || st.Message() != "" {
		t.Fatalf("status should be clean: %+v %q", st, st.Message())
	}
	if _, _, err := decodeFrame([]byte{1, 2}); err == nil {
		t.Fatalf("expected error for short frame")
	}
}

func TestStatusMessage(t *testing.T) {
	tests := []struct {
		b2, b3 byte
		want   string
	}{
		{0x00, 0x00, ""},
		{0x02, 0x00, ""}, // cause bit without error/warning
		{0x0A, 0x00, "ERROR-- position invalid: Read head is too close to ring."},
		{0x05, 0x00, "Warning: Read head is too far from ring."},
		{0x04, 0x04, "Warning: Position data changed too fast."},
		{0x08, 0x80, "ERROR-- position invalid: Signal lost. Read head is out of alignment."},
		{0x08, 0xC0, "ERROR-- position invalid: Read head temperature is out of range."},
		{0x0C, 0x18, "ERROR-- position invalid: Magnetic pattern error. Metal particles or stray magnetic field present."},
		{0x08, 0x00, "ERROR-- position invalid:"},
	}
	for _, tt := range tests {
		_, st, err := decodeFrame([]byte{0, 0, tt.b2, tt.b3, 0})
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got := st.Message(); got != tt.want {
			t.Fatalf("status %02X %02X => %q; want %q", tt.b2, tt.b3, got, tt.want)
		}
	}
}

func TestEncoderSensorRead(t *testing.T) {
	ail := mapper(t, config.ChannelConfig{Channel: 0, Name: "aileron", Low: 52883, High: 64415, Default: 1500, Enabled: true}, true)
	thr := mapper(t, config.ChannelConfig{Channel: 2, Name: "throttle", Low: 0, High: 65535, Default: 950, Enabled: true}, true)

	// midpoint of 52883..64415 is 58649 = 0xE519
	ailConn := &fakeConn{frames: [][]byte{
		{0xE5, 0x19, 0, 0, 0}, // detect
		{0xE5, 0x19, 0, 0, 0},
		nil, nil, // both runtime retries fail
		{0xFF, 0xFF, 0x05, 0, 0},
	}}
	thrConn := &fakeConn{} // never answers
	bus := &closeCounter{}

	s := newEncoderSensor([]io.Closer{bus}, []channelMapper{ail, thr}, [][]busDev{
		{{bus: "1", dev: ailConn}},
		{{bus: "1", dev: thrConn}},
	})
	if thrConn.calls != detectRetries {
		t.Fatalf("detect retries: got %d want %d", thrConn.calls, detectRetries)
	}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("readings: %d", len(got))
	}
	if !got[0].Present || got[0].Raw != 0xE519 || got[0].Value != rangemap.Mid {
		t.Fatalf("aileron reading: %+v", got[0])
	}
	if got[1].Present || got[1].Value != 950 || got[1].Name != "throttle" {
		t.Fatalf("throttle fallback: %+v", got[1])
	}

	// transfer fails: last good position is reused and the only present encoder failed
	got, err = s.Read()
	if err == nil {
		t.Fatalf("expected error when every present encoder fails")
	}
	if got[0].Raw != 0xE519 || got[0].Status == "" {
		t.Fatalf("stale reading: %+v", got[0])
	}

	// above range with warning: clamped to High
	got, err = s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0].Value != rangemap.High || got[0].Status != "Warning: Read head is too far from ring." {
		t.Fatalf("clamped reading: %+v", got[0])
	}

	if err := s.Close(); err != nil || bus.n != 1 {
		t.Fatalf("close: err=%v closes=%d", err, bus.n)
	}
}

func TestChannelMapperUnclamped(t *testing.T) {
	m := mapper(t, config.ChannelConfig{Low: 100, High: 200}, false)
	if got := m.value(250); got != 2500 {
		t.Fatalf("extrapolated value: got %v want 2500", got)
	}
	m.clamp = true
	if got := m.value(250); got != rangemap.High {
		t.Fatalf("clamped value: got %v want %v", got, rangemap.High)
	}
}

func TestBuildChannelMappersRejectsZeroWidth(t *testing.T) {
	cfg := config.Config{Channels: []config.ChannelConfig{{Channel: 0, Low: 5, High: 5, Enabled: true}}}
	if _, err := buildChannelMappers(cfg); !errors.Is(err, rangemap.ErrInvalidRange) {
		t.Fatalf("got %v, want ErrInvalidRange", err)
	}
	cfg.Channels[0].Enabled = false
	m, err := buildChannelMappers(cfg)
	if err != nil || len(m) != 0 {
		t.Fatalf("disabled channel: %v %v", m, err)
	}
}

func TestFakeSensorWithinRange(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels[0].Low, cfg.Channels[0].High = 52883, 64415
	cfg.Channels[1].Low, cfg.Channels[1].High = 900, 100 // reversed
	s, err := NewFakeSensor(cfg)
	if err != nil {
		t.Fatalf("NewFakeSensor: %v", err)
	}
	for i := 0; i < 50; i++ {
		rs, err := s.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(rs) != 5 {
			t.Fatalf("readings: %d", len(rs))
		}
		for _, r := range rs {
			if !r.Present || r.Value < rangemap.Low || r.Value > rangemap.High {
				t.Fatalf("reading out of range: %+v", r)
			}
		}
		if rs[0].Raw < 52883 || rs[0].Raw > 64415 {
			t.Fatalf("raw outside calibrated range: %d", rs[0].Raw)
		}
	}
}

func TestEncoderScansBusesInOrder(t *testing.T) {
	ail := mapper(t, config.ChannelConfig{Channel: 0, Name: "aileron", Address: 0x20, Low: 0, High: 65535, Default: 1500, Enabled: true}, true)
	ele := mapper(t, config.ChannelConfig{Channel: 1, Name: "elevator", Address: 0x21, Low: 0, High: 65535, Default: 1500, Enabled: true}, true)

	ailBus0, ailBus1, ailBus2 := &fakeConn{}, &fakeConn{frames: [][]byte{{0x80, 0x00, 0, 0, 0}}}, &fakeConn{frames: [][]byte{{0x10, 0x00, 0, 0, 0}}}
	eleBus0, eleBus1 := &fakeConn{}, &fakeConn{}
	closers := []io.Closer{&closeCounter{}, &closeCounter{}, &closeCounter{}}

	s := newEncoderSensor(closers, []channelMapper{ail, ele}, [][]busDev{
		{{bus: "0", dev: ailBus0}, {bus: "1", dev: ailBus1}, {bus: "2", dev: ailBus2}},
		{{bus: "0", dev: eleBus0}, {bus: "1", dev: eleBus1}},
	})

	if bus, ok := s.Bus(0); !ok || bus != "1" {
		t.Fatalf("aileron bus: got %q ok=%v, want 1", bus, ok)
	}
	if ailBus2.calls != 0 {
		t.Fatalf("bus 2 read after bus 1 answered: %d calls", ailBus2.calls)
	}
	if ailBus0.calls != detectRetries {
		t.Fatalf("bus 0 detect attempts: got %d want %d", ailBus0.calls, detectRetries)
	}
	if _, ok := s.Bus(1); ok {
		t.Fatalf("elevator should be absent")
	}
	if eleBus0.calls != detectRetries || eleBus1.calls != detectRetries {
		t.Fatalf("elevator detect attempts: %d %d", eleBus0.calls, eleBus1.calls)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, c := range closers {
		if c.(*closeCounter).n != 1 {
			t.Fatalf("bus %d closed %d times", i, c.(*closeCounter).n)
		}
	}
}

func TestChangeAddress(t *testing.T) {
	fc := &fakeConn{}
	if err := ChangeAddress(fc, 0x25); err != nil {
		t.Fatalf("ChangeAddress: %v", err)
	}
	if len(fc.writes) != 1 || string(fc.writes[0]) != "a\x25a" {
		t.Fatalf("written frame: %q", fc.writes)
	}
	if err := ChangeAddress(fc, 0x80); err == nil {
		t.Fatalf("expected error for 8 bit address")
	}
	if len(fc.writes) != 1 {
		t.Fatalf("invalid address must not be written")
	}
	fc.writeErr = errors.New("nack")
	if err := ChangeAddress(fc, 0x26); err == nil {
		t.Fatalf("expected transfer error")
	}
}

func TestEncoderSensorChangeAddress(t *testing.T) {
	tilt := mapper(t, config.ChannelConfig{Channel: 4, Name: "tilt", Address: 0x24, Low: 0, High: 65535, Default: 1500, Enabled: true}, true)
	rud := mapper(t, config.ChannelConfig{Channel: 3, Name: "rudder", Address: 0x23, Low: 0, High: 65535, Default: 1500, Enabled: true}, true)
	tiltConn := &fakeConn{frames: [][]byte{{0, 0, 0, 0, 0}}}
	s := newEncoderSensor(nil, []channelMapper{tilt, rud}, [][]busDev{
		{{bus: "1", dev: tiltConn}},
		{{bus: "1", dev: &fakeConn{}}},
	})

	if err := s.ChangeAddress(4, 0x30); err != nil {
		t.Fatalf("ChangeAddress: %v", err)
	}
	if len(tiltConn.writes) != 1 || tiltConn.writes[0][1] != 0x30 {
		t.Fatalf("written frame: %v", tiltConn.writes)
	}
	if s.find(4).cfg.Address != 0x30 {
		t.Fatalf("channel address not updated: %#x", s.find(4).cfg.Address)
	}
	if err := s.ChangeAddress(3, 0x31); err == nil {
		t.Fatalf("expected error for absent encoder")
	}
	if err := s.ChangeAddress(9, 0x31); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func TestNewFakeSensorRejectsOutOfRangeCalibration(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels[0].Low, cfg.Channels[0].High = 1e6, 1e9
	if _, err := NewFakeSensor(cfg); err == nil {
		t.Fatalf("expected error for range beyond 16 bit positions")
	}
	cfg = config.DefaultConfig()
	cfg.Channels[0].Address = 0x120
	if _, err := buildChannelMappers(cfg); err == nil {
		t.Fatalf("expected error for address beyond 7 bits")
	}
}
