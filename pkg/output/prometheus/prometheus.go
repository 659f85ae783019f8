// Package prometheus exposes mapped readings as Prometheus gauges over HTTP.
package prometheus

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ericogr/rcinput-to-mqtt/pkg/config"
	"github.com/ericogr/rcinput-to-mqtt/pkg/output"
	"github.com/ericogr/rcinput-to-mqtt/pkg/sensor"
)

const (
	DefaultListenAddress = ":9100"
	shutdownTimeout      = 2 * time.Second
)

type PrometheusOutput struct {
	registry *prometheus.Registry
	value    *prometheus.GaugeVec
	raw      *prometheus.GaugeVec
	present  *prometheus.GaugeVec
	router   chi.Router
	server   *http.Server
	addr     net.Addr

	mu   sync.RWMutex
	last []sensor.Reading
}

func newGauge(name string, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		[]string{"channel", "name"},
	)
}

// newOutput builds the registry and router without listening.
func newOutput() *PrometheusOutput {
	p := &PrometheusOutput{
		registry: prometheus.NewRegistry(),
		value:    newGauge("rc_input_value", "Mapped channel value (units: microseconds, 1000..2000)"),
		raw:      newGauge("rc_input_raw", "Raw encoder position"),
		present:  newGauge("rc_input_present", "1 when the encoder answered, 0 while the channel default is used"),
	}
	p.registry.MustRegister(p.value, p.raw, p.present)
	p.registry.MustRegister(prometheus.NewBuildInfoCollector())

	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	r.Get("/readings", p.handleReadings)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	p.router = r
	return p
}

func NewPrometheus(cfg config.PrometheusConfig) (output.Output, error) {
	addr := cfg.ListenAddress
	if addr == "" {
		addr = DefaultListenAddress
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	p := newOutput()
	p.addr = ln.Addr()
	p.server = &http.Server{Handler: p.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infof("serving metrics on %s", p.addr)
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %s", err)
		}
	}()
	return p, nil
}

// Addr is the address the metrics server listens on, nil before NewPrometheus.
func (p *PrometheusOutput) Addr() net.Addr { return p.addr }

func (p *PrometheusOutput) Handler() http.Handler { return p.router }

func (p *PrometheusOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		ch := strconv.Itoa(r.Channel)
		p.value.WithLabelValues(ch, r.Name).Set(r.Value)
		p.raw.WithLabelValues(ch, r.Name).Set(float64(r.Raw))
		present := 0.0
		if r.Present {
			present = 1
		}
		p.present.WithLabelValues(ch, r.Name).Set(present)
	}
	snapshot := make([]sensor.Reading, len(readings))
	copy(snapshot, readings)
	p.mu.Lock()
	p.last = snapshot
	p.mu.Unlock()
	return nil
}

func (p *PrometheusOutput) handleReadings(w http.ResponseWriter, _ *http.Request) {
	p.mu.RLock()
	last := p.last
	p.mu.RUnlock()
	if last == nil {
		last = []sensor.Reading{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(last); err != nil {
		log.Errorf("encode readings: %s", err)
	}
}

func (p *PrometheusOutput) Close() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return p.server.Shutdown(ctx)
}
