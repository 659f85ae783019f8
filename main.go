package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ericogr/rcinput-to-mqtt/pkg/config"
	"github.com/ericogr/rcinput-to-mqtt/pkg/output"
	"github.com/ericogr/rcinput-to-mqtt/pkg/output/console"
	"github.com/ericogr/rcinput-to-mqtt/pkg/output/mqtt"
	"github.com/ericogr/rcinput-to-mqtt/pkg/output/prometheus"
	"github.com/ericogr/rcinput-to-mqtt/pkg/sensor"
)

type outputEntry struct {
	Type       string
	IntervalMs int
	Out        output.Output
	last       time.Time
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %s", err)
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		log.Fatal(err)
	}
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			log.Infof("channel %d (%s) disabled", ch.Channel, ch.Name)
		}
	}

	s, err := newSensor(cfg)
	if err != nil {
		log.Fatalf("sensor: %s", err)
	}
	defer s.Close()

	entries, err := initOutputs(&cfg)
	if err != nil {
		log.Fatalf("outputs: %s", err)
	}
	defer func() {
		for _, e := range entries {
			if err := e.Out.Close(); err != nil {
				log.Errorf("close %s output: %s", e.Type, err)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("polling %d channels every %dms (sensor=%s)", len(cfg.EnabledChannels()), cfg.IntervalMs, cfg.SensorType)
	run(ctx, s, entries, time.Duration(cfg.IntervalMs)*time.Millisecond)
	log.Info("shutting down")
}

func setupLogging(level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

func newSensor(cfg config.Config) (sensor.Sensor, error) {
	switch cfg.SensorType {
	case config.SensorSimulation:
		return sensor.NewFakeSensor(cfg)
	case config.SensorReal:
		return sensor.NewEncoderSensor(cfg)
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.SensorType)
	}
}

// initOutputs builds every configured output. Outputs without an interval
// inherit the poll interval, written back into cfg.
func initOutputs(cfg *config.Config) ([]*outputEntry, error) {
	entries := make([]*outputEntry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs <= 0 {
			oc.IntervalMs = cfg.IntervalMs
		}
		var (
			out output.Output
			err error
		)
		switch oc.Type {
		case config.OutputConsole:
			out = console.NewConsole()
		case config.OutputMQTT:
			mc := config.MQTTConfig{}
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			out, err = mqtt.NewMQTT(mc, cfg.Channels)
		case config.OutputPrometheus:
			pc := config.PrometheusConfig{}
			if oc.Prometheus != nil {
				pc = *oc.Prometheus
			}
			out, err = prometheus.NewPrometheus(pc)
		default:
			err = fmt.Errorf("unknown output type %q", oc.Type)
		}
		if err != nil {
			for _, e := range entries {
				_ = e.Out.Close()
			}
			return nil, fmt.Errorf("%s output: %w", oc.Type, err)
		}
		entries = append(entries, &outputEntry{Type: oc.Type, IntervalMs: oc.IntervalMs, Out: out})
	}
	return entries, nil
}

func run(ctx context.Context, s sensor.Sensor, entries []*outputEntry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			readings, err := s.Read()
			if err != nil {
				log.Errorf("sensor read: %s", err)
			}
			if len(readings) == 0 {
				continue
			}
			dispatch(entries, readings, now)
		}
	}
}

// dispatch publishes to every output whose interval has elapsed since its last publish.
func dispatch(entries []*outputEntry, readings []sensor.Reading, now time.Time) {
	for _, e := range entries {
		if !e.last.IsZero() && now.Sub(e.last) < time.Duration(e.IntervalMs)*time.Millisecond {
			continue
		}
		e.last = now
		if err := e.Out.Publish(readings); err != nil {
			log.Errorf("%s publish: %s", e.Type, err)
		}
	}
}
