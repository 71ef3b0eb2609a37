// Package metrics exposes Prometheus instrumentation for the selection loop.
// Every recorder method is safe on a nil *Collector.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the daemon's Prometheus metrics
type Collector struct {
	gatherer prometheus.Gatherer

	ScansStarted      prometheus.Counter
	ScanErrors        *prometheus.CounterVec
	ScanCells         prometheus.Counter
	Selections        *prometheus.CounterVec
	SelectionDuration *prometheus.HistogramVec
	Switches          prometheus.Counter
	ModemToggles      *prometheus.CounterVec
	Enabled           prometheus.Gauge
	SelectorState     *prometheus.GaugeVec
}

// New registers the metrics against reg, defaulting to the global registry
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.ScansStarted, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ons_scans_started_total",
		Help: "Network scans requested from the radio.",
	}), "ons_scans_started_total"); err != nil {
		return nil, err
	}
	if c.ScanErrors, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ons_scan_errors_total",
		Help: "Network scan failures, labeled by error code.",
	}, []string{"code"}), "ons_scan_errors_total"); err != nil {
		return nil, err
	}
	if c.ScanCells, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ons_scan_cells_total",
		Help: "Cells that passed the operator and RSRP filter.",
	}), "ons_scan_cells_total"); err != nil {
		return nil, err
	}
	if c.Selections, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ons_selections_total",
		Help: "Terminal results of update requests, labeled by caller class and result.",
	}, []string{"class", "result"}), "ons_selections_total"); err != nil {
		return nil, err
	}
	if c.SelectionDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ons_selection_duration_seconds",
		Help:    "Time from request acceptance to terminal result.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
	}, []string{"class"}), "ons_selection_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Switches, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ons_subscription_switches_total",
		Help: "Subscription switches requested.",
	}), "ons_subscription_switches_total"); err != nil {
		return nil, err
	}
	if c.ModemToggles, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ons_modem_toggles_total",
		Help: "Modem stack enable/disable calls, labeled by direction and outcome.",
	}, []string{"enable", "ok"}), "ons_modem_toggles_total"); err != nil {
		return nil, err
	}
	if c.Enabled, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ons_enabled",
		Help: "1 when opportunistic network selection is enabled.",
	}), "ons_enabled"); err != nil {
		return nil, err
	}
	if c.SelectorState, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ons_selector_state",
		Help: "1 for the current selector state of each caller class.",
	}, []string{"class", "state"}), "ons_selector_state"); err != nil {
		return nil, err
	}

	return c, nil
}

// Handler serves the registered metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ScanStarted() {
	if c == nil {
		return
	}
	c.ScansStarted.Inc()
}

func (c *Collector) ScanFailed(code int) {
	if c == nil {
		return
	}
	c.ScanErrors.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
}

func (c *Collector) CellsAccepted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ScanCells.Add(float64(n))
}

func (c *Collector) SelectionFinished(class, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Selections.WithLabelValues(class, result).Inc()
	c.SelectionDuration.WithLabelValues(class).Observe(d.Seconds())
}

func (c *Collector) SwitchRequested() {
	if c == nil {
		return
	}
	c.Switches.Inc()
}

func (c *Collector) ModemToggled(enable, ok bool) {
	if c == nil {
		return
	}
	c.ModemToggles.WithLabelValues(fmt.Sprintf("%t", enable), fmt.Sprintf("%t", ok)).Inc()
}

func (c *Collector) SetEnabled(enabled bool) {
	if c == nil {
		return
	}
	if enabled {
		c.Enabled.Set(1)
	} else {
		c.Enabled.Set(0)
	}
}

// SetState marks state as current for class and clears the others
func (c *Collector) SetState(class string, state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.SelectorState.WithLabelValues(class, s).Set(v)
	}
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
