package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ericogr/rcinput-to-mqtt/pkg/rangemap"
)

const (
	SensorReal       = "real"
	SensorSimulation = "simulation"

	OutputConsole    = "console"
	OutputMQTT       = "mqtt"
	OutputPrometheus = "prometheus"
)

type MQTTConfig struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`

	// Home Assistant discovery; a %d in DiscoveryTopic publishes one entry per channel.
	DiscoveryTopic    string `json:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty"`
}

type PrometheusConfig struct {
	ListenAddress string `json:"listen_address"`
}

type OutputConfig struct {
	Type       string            `json:"type"`
	IntervalMs int               `json:"interval_ms,omitempty"`
	MQTT       *MQTTConfig       `json:"mqtt,omitempty"`
	Prometheus *PrometheusConfig `json:"prometheus,omitempty"`
}

// ChannelConfig describes one encoder input. Low and High are the raw readings
// that map onto 1000 and 2000; Default is emitted while the encoder is absent.
type ChannelConfig struct {
	Channel int     `json:"channel"`
	Name    string  `json:"name"`
	Address int     `json:"address"`
	Low     float64 `json:"low"`
	High    float64 `json:"high"`
	Default float64 `json:"default"`
	Enabled bool    `json:"enabled"`
}

// Encoder positions are 16 bit and I2C addresses 7 bit.
const (
	MaxRaw     = 65535
	MaxAddress = 0x7F
)

// UnmarshalJSON fills fields missing from the JSON entry with channel
// defaults: enabled, falling back to the mid-range value.
func (c *ChannelConfig) UnmarshalJSON(b []byte) error {
	type plain ChannelConfig
	p := plain{Enabled: true, Default: rangemap.Mid}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = ChannelConfig(p)
	return nil
}

// Validate checks that the calibration range fits encoder positions, the
// range has non-zero width and the address fits 7 bits.
func (c ChannelConfig) Validate() error {
	if c.Low < 0 || c.Low > MaxRaw || c.High < 0 || c.High > MaxRaw {
		return fmt.Errorf("channel %d (%s): range %v..%v outside encoder positions 0..%d", c.Channel, c.Name, c.Low, c.High, MaxRaw)
	}
	if c.Address < 0 || c.Address > MaxAddress {
		return fmt.Errorf("channel %d (%s): i2c address %#x outside 0..%#x", c.Channel, c.Name, c.Address, MaxAddress)
	}
	if _, err := c.Params(); err != nil {
		return fmt.Errorf("channel %d (%s): %w", c.Channel, c.Name, err)
	}
	return nil
}

// Params derives the range mapping for the channel.
func (c ChannelConfig) Params() (rangemap.Params, error) {
	return rangemap.Derive(c.Low, c.High)
}

// DefaultBuses are tried in order when no bus is configured.
var DefaultBuses = []string{"0", "1", "2"}

type Config struct {
	I2CBus     string          `json:"i2c_bus,omitempty"`
	I2CBuses   []string        `json:"i2c_buses,omitempty"`
	SensorType string          `json:"sensor_type"`
	Clamp      bool            `json:"clamp"`
	LogLevel   string          `json:"log_level"`
	IntervalMs int             `json:"interval_ms"`
	Channels   []ChannelConfig `json:"channels"`
	Outputs    []OutputConfig  `json:"outputs"`
}

func DefaultConfig() Config {
	return Config{
		SensorType: SensorReal,
		Clamp:      true,
		LogLevel:   "info",
		IntervalMs: 20,
		Channels: []ChannelConfig{
			{Channel: 0, Name: "aileron", Address: 0x20, Low: 0, High: 65535, Default: rangemap.Mid, Enabled: true},
			{Channel: 1, Name: "elevator", Address: 0x21, Low: 0, High: 65535, Default: rangemap.Mid, Enabled: true},
			{Channel: 2, Name: "throttle", Address: 0x22, Low: 0, High: 65535, Default: 950, Enabled: true},
			{Channel: 3, Name: "rudder", Address: 0x23, Low: 0, High: 65535, Default: rangemap.Mid, Enabled: true},
			{Channel: 4, Name: "tilt", Address: 0x24, Low: 0, High: 65535, Default: rangemap.Mid, Enabled: true},
		},
		Outputs: []OutputConfig{{Type: OutputConsole, IntervalMs: 1000}},
	}
}

// Load loads configuration from a JSON file (optional) and flags.
// Flags override values present in the JSON file.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("rcinput-to-mqtt", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON config file")
	flagI2CBus := fs.String("i2c-bus", "", "Single I2C bus (e.g., '1' -> /dev/i2c-1), disables bus probing")
	flagI2CBuses := fs.String("i2c-buses", "", "Comma-separated I2C buses tried in order for each encoder (default 0,1,2)")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagInterval := fs.Int("interval-ms", -1, "Sensor poll interval in ms")
	flagClamp := fs.String("clamp", "", "Clamp mapped values to 1000..2000 (true|false)")
	flagLogLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt,prometheus)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=100")
	flagLows := fs.String("lows", "", "Per-channel lowest raw reading e.g. 0=52883,1=120")
	flagHighs := fs.String("highs", "", "Per-channel highest raw reading e.g. 0=64415,1=65000")
	flagDefaults := fs.String("defaults", "", "Per-channel value used while the encoder is absent e.g. 2=950")
	flagAddresses := fs.String("addresses", "", "Per-channel I2C address e.g. 0=0x20,1=0x21")
	flagEnabled := fs.String("enabled", "", "Per-channel enable flags e.g. 0=true,4=false")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic, %d is replaced by the channel")
	flagDiscovery := fs.String("mqtt-discovery-topic", "", "Home Assistant discovery topic, %d is replaced by the channel")
	flagListen := fs.String("listen-address", "", "Listen address for the prometheus output")

	cfg := DefaultConfig()
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		// lists from the file replace the defaults instead of merging into them
		channels, outputs := cfg.Channels, cfg.Outputs
		cfg.Channels, cfg.Outputs = nil, nil
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		if cfg.Channels == nil {
			cfg.Channels = channels
		}
		if cfg.Outputs == nil {
			cfg.Outputs = outputs
		}
	}

	if *flagI2CBuses != "" {
		cfg.I2CBuses = parseCSV(*flagI2CBuses)
		cfg.I2CBus = ""
	}
	if *flagI2CBus != "" {
		cfg.I2CBus = *flagI2CBus
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}
	if *flagClamp != "" {
		v, err := strconv.ParseBool(*flagClamp)
		if err != nil {
			return cfg, fmt.Errorf("clamp: %w", err)
		}
		cfg.Clamp = v
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: strings.ToLower(p)})
		}
		cfg.Outputs = outs
	}
	if *flagOutputIntervals != "" {
		for _, p := range parseCSV(*flagOutputIntervals) {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				return cfg, fmt.Errorf("output-intervals: invalid entry %q", p)
			}
			v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
			if err != nil {
				return cfg, fmt.Errorf("output-intervals: %w", err)
			}
			for i := range cfg.Outputs {
				if cfg.Outputs[i].Type == strings.TrimSpace(kv[0]) {
					cfg.Outputs[i].IntervalMs = v
				}
			}
		}
	}

	if err := applyChannelFlags(&cfg, *flagLows, *flagHighs, *flagDefaults, *flagAddresses, *flagEnabled); err != nil {
		return cfg, err
	}

	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" || *flagDiscovery != "" {
		out := outputOfType(&cfg, OutputMQTT)
		if out.MQTT == nil {
			out.MQTT = &MQTTConfig{}
		}
		if *flagMQTTServer != "" {
			out.MQTT.Server = *flagMQTTServer
		}
		if *flagMQTTUser != "" {
			out.MQTT.Username = *flagMQTTUser
		}
		if *flagMQTTPass != "" {
			out.MQTT.Password = *flagMQTTPass
		}
		if *flagClientID != "" {
			out.MQTT.ClientID = *flagClientID
		}
		if *flagTopic != "" {
			out.MQTT.Topic = *flagTopic
		}
		if *flagDiscovery != "" {
			out.MQTT.DiscoveryTopic = *flagDiscovery
		}
	}
	if *flagListen != "" {
		out := outputOfType(&cfg, OutputPrometheus)
		if out.Prometheus == nil {
			out.Prometheus = &PrometheusConfig{}
		}
		out.Prometheus.ListenAddress = *flagListen
	}

	// outputs without their own interval follow the poll interval
	for i := range cfg.Outputs {
		if cfg.Outputs[i].IntervalMs == 0 {
			cfg.Outputs[i].IntervalMs = cfg.IntervalMs
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	if c.IntervalMs <= 0 {
		return errors.New("interval-ms must be > 0")
	}
	switch c.SensorType {
	case SensorReal, SensorSimulation:
	default:
		return fmt.Errorf("unknown sensor type %q", c.SensorType)
	}
	seen := make(map[int]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if seen[ch.Channel] {
			return fmt.Errorf("duplicate channel %d", ch.Channel)
		}
		seen[ch.Channel] = true
		if !ch.Enabled {
			continue
		}
		if err := ch.Validate(); err != nil {
			return err
		}
	}
	for _, o := range c.Outputs {
		switch o.Type {
		case OutputConsole, OutputMQTT, OutputPrometheus:
		default:
			return fmt.Errorf("unknown output type %q", o.Type)
		}
	}
	return nil
}

// Buses returns the I2C buses to search: the single configured bus, the
// configured list, or DefaultBuses.
func (c Config) Buses() []string {
	if c.I2CBus != "" {
		return []string{c.I2CBus}
	}
	if len(c.I2CBuses) > 0 {
		return c.I2CBuses
	}
	return DefaultBuses
}

// EnabledChannels returns the enabled channels in configuration order.
func (c Config) EnabledChannels() []ChannelConfig {
	out := make([]ChannelConfig, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

func applyChannelFlags(cfg *Config, lows, highs, defaults, addresses, enabled string) error {
	lowMap, err := parseKeyFloatMap(lows)
	if err != nil {
		return fmt.Errorf("lows: %w", err)
	}
	highMap, err := parseKeyFloatMap(highs)
	if err != nil {
		return fmt.Errorf("highs: %w", err)
	}
	defMap, err := parseKeyFloatMap(defaults)
	if err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	addrMap, err := parseKeyIntMap(addresses)
	if err != nil {
		return fmt.Errorf("addresses: %w", err)
	}
	enMap, err := parseKeyBoolMap(enabled)
	if err != nil {
		return fmt.Errorf("enabled: %w", err)
	}

	for ch, v := range lowMap {
		c, err := channelByIndex(cfg, ch)
		if err != nil {
			return err
		}
		c.Low = v
	}
	for ch, v := range highMap {
		c, err := channelByIndex(cfg, ch)
		if err != nil {
			return err
		}
		c.High = v
	}
	for ch, v := range defMap {
		c, err := channelByIndex(cfg, ch)
		if err != nil {
			return err
		}
		c.Default = v
	}
	for ch, v := range addrMap {
		c, err := channelByIndex(cfg, ch)
		if err != nil {
			return err
		}
		c.Address = v
	}
	for ch, v := range enMap {
		c, err := channelByIndex(cfg, ch)
		if err != nil {
			return err
		}
		c.Enabled = v
	}
	return nil
}

func channelByIndex(cfg *Config, ch int) (*ChannelConfig, error) {
	for i := range cfg.Channels {
		if cfg.Channels[i].Channel == ch {
			return &cfg.Channels[i], nil
		}
	}
	return nil, fmt.Errorf("unknown channel %d", ch)
}

// outputOfType returns the first output of type t, appending one if missing.
func outputOfType(cfg *Config, t string) *OutputConfig {
	for i := range cfg.Outputs {
		if cfg.Outputs[i].Type == t {
			return &cfg.Outputs[i]
		}
	}
	cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: t})
	return &cfg.Outputs[len(cfg.Outputs)-1]
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	return strconv.Atoi(s)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseKeyValues splits "k=v,k=v" into channel keys and raw values.
func parseKeyValues(s string, fn func(ch int, v string) error) error {
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid entry %q, want channel=value", p)
		}
		ch, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return fmt.Errorf("invalid channel '%s': %w", kv[0], err)
		}
		if err := fn(ch, strings.TrimSpace(kv[1])); err != nil {
			return err
		}
	}
	return nil
}

func parseKeyFloatMap(s string) (map[int]float64, error) {
	out := map[int]float64{}
	err := parseKeyValues(s, func(ch int, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		out[ch] = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyIntMap(s string) (map[int]int, error) {
	out := map[int]int{}
	err := parseKeyValues(s, func(ch int, v string) error {
		i, err := parseIntOrHex(v)
		if err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		out[ch] = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyBoolMap(s string) (map[int]bool, error) {
	out := map[int]bool{}
	err := parseKeyValues(s, func(ch int, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		out[ch] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParseAddress parses a decimal or 0x-prefixed 7 bit I2C address.
func ParseAddress(s string) (int, error) {
	v, err := parseIntOrHex(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("i2c address %q: %w", s, err)
	}
	if v < 0 || v > MaxAddress {
		return 0, fmt.Errorf("i2c address %#x outside 0..%#x", v, MaxAddress)
	}
	return v, nil
}
