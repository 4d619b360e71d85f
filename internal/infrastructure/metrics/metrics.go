// Package metrics exposes Nikobus bridge counters in the Prometheus
// exposition format.
//
// A Collector owns a private registry holding the frame counter, the Go
// runtime and process collectors, and any gauges registered by the caller.
// Mount Handler() on the HTTP API at /metrics.
//
//	collector := metrics.New()
//	collector.RegisterGauge("pclink_connected", "1 when the PC-link is up.", fn)
//	http.Handle("/metrics", collector.Handler())
//
// The Collector satisfies nikobus.MetricsWriter and
// nikobus.CommandMetricsWriter. Use Fanout to feed it alongside InfluxDB.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "nikobus"

// ErrDuplicateMetric is returned when a gauge name is registered twice.
var ErrDuplicateMetric = errors.New("metrics: already registered")

// FrameWriter records one classified line.
type FrameWriter interface {
	WriteFrameMetric(kind, address string, valid bool)
}

// CommandWriter records the outcome of one bridge command.
type CommandWriter interface {
	WriteCommandMetric(moduleID, command, result string)
}

// Collector holds the bridge's Prometheus metrics.
//
// Thread Safety: All methods are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry
	frames   *prometheus.CounterVec
	commands *prometheus.CounterVec

	mu     sync.Mutex
	gauges map[string]struct{}
}

// New creates a Collector with the frame and command counters and the Go and process
// collectors registered.
func New() *Collector {
	reg := prometheus.NewRegistry()

	frames := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_total",
			Help:      "Lines received from the bus, by classification.",
		},
		[]string{"kind", "valid"},
	)

	commands := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Bridge commands executed, by command and result.",
		},
		[]string{"command", "result"},
	)

	reg.MustRegister(
		frames,
		commands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Collector{
		registry: reg,
		frames:   frames,
		commands: commands,
		gauges:   make(map[string]struct{}),
	}
}

// WriteFrameMetric counts one received line. The module address is not a
// label; per-address history lives in the frame recorder and InfluxDB.
func (c *Collector) WriteFrameMetric(kind, _ string, valid bool) {
	c.frames.WithLabelValues(kind, strconv.FormatBool(valid)).Inc()
}

// WriteCommandMetric counts one executed command. result is "accepted" or
// the acknowledgment error code.
func (c *Collector) WriteCommandMetric(_, command, result string) {
	c.commands.WithLabelValues(command, result).Inc()
}

// RegisterGauge exposes fn as nikobus_<name>, sampled at scrape time.
//
// Parameters:
//   - name: Metric name without the namespace prefix
//   - help: Help text
//   - fn: Called on every scrape; must be safe for concurrent use
//
// Returns:
//   - error: ErrDuplicateMetric if name is taken, or a registration error
func (c *Collector) RegisterGauge(name, help string, fn func() float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The registry only reports AlreadyRegisteredError when the help text
	// matches, so names are tracked here.
	if _, ok := c.gauges[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMetric, name)
	}

	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, fn)

	if err := c.registry.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return fmt.Errorf("%w: %s", ErrDuplicateMetric, name)
		}
		return fmt.Errorf("registering %s: %w", name, err)
	}
	c.gauges[name] = struct{}{}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry: c.registry,
	})
}

// Fanout sends every frame metric to each writer in turn. Command metrics
// go to the writers that also implement CommandWriter.
type Fanout []FrameWriter

// WriteFrameMetric implements nikobus.MetricsWriter.
func (f Fanout) WriteFrameMetric(kind, address string, valid bool) {
	for _, w := range f {
		w.WriteFrameMetric(kind, address, valid)
	}
}

// WriteCommandMetric implements nikobus.CommandMetricsWriter.
func (f Fanout) WriteCommandMetric(moduleID, command, result string) {
	for _, w := range f {
		if cw, ok := w.(CommandWriter); ok {
			cw.WriteCommandMetric(moduleID, command, result)
		}
	}
}

// BoolGauge converts a connectivity check into a 0/1 gauge function.
func BoolGauge(fn func() bool) func() float64 {
	return func() float64 {
		if fn() {
			return 1
		}
		return 0
	}
}
