package logx

import (
	"context"
	"sync"
	"time"
)

// slowOperation is the duration past which a successful operation is logged
const slowOperation = 250 * time.Millisecond

// PerformanceLogger keeps timing aggregates per named operation
type PerformanceLogger struct {
	logger       *Logger
	metrics      map[string]*PerformanceMetric
	metricsMutex sync.RWMutex
}

// PerformanceMetric tracks timing data for a single operation name
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
	InFlight      int64         `json:"in_flight"`
}

// PerformanceContext is a running operation
type PerformanceContext struct {
	ctx        context.Context
	metricName string
	startTime  time.Time
	pl         *PerformanceLogger
	once       sync.Once
}

// NewPerformanceLogger creates a performance logger
func NewPerformanceLogger(logger *Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger:  logger,
		metrics: make(map[string]*PerformanceMetric),
	}
}

// StartOperation starts timing an operation
func (pl *PerformanceLogger) StartOperation(ctx context.Context, metricName string) *PerformanceContext {
	pl.metricsMutex.Lock()
	metric, ok := pl.metrics[metricName]
	if !ok {
		metric = &PerformanceMetric{Name: metricName}
		pl.metrics[metricName] = metric
	}
	metric.InFlight++
	pl.metricsMutex.Unlock()

	return &PerformanceContext{
		ctx:        ctx,
		metricName: metricName,
		startTime:  time.Now(),
		pl:         pl,
	}
}

// Complete records the outcome. Only the first call counts.
func (pc *PerformanceContext) Complete(err error) {
	pc.once.Do(func() {
		pc.pl.record(pc.metricName, time.Since(pc.startTime), err)
	})
}

// Elapsed returns the time since the operation started
func (pc *PerformanceContext) Elapsed() time.Duration {
	return time.Since(pc.startTime)
}

func (pl *PerformanceLogger) record(name string, d time.Duration, err error) {
	pl.metricsMutex.Lock()
	metric, ok := pl.metrics[name]
	if !ok {
		metric = &PerformanceMetric{Name: name, InFlight: 1}
		pl.metrics[name] = metric
	}
	metric.Count++
	metric.InFlight--
	metric.TotalDuration += d
	metric.LastExecuted = time.Now()
	if metric.MinDuration == 0 || d < metric.MinDuration {
		metric.MinDuration = d
	}
	if d > metric.MaxDuration {
		metric.MaxDuration = d
	}
	metric.AvgDuration = metric.TotalDuration / time.Duration(metric.Count)
	if err != nil {
		metric.ErrorCount++
	}
	count := metric.Count
	pl.metricsMutex.Unlock()

	if pl.logger == nil {
		return
	}
	switch {
	case err != nil:
		pl.logger.Warn("Operation failed", "metric", name, "duration", d.String(), "error", err)
	case d > slowOperation:
		pl.logger.Info("Slow operation", "metric", name, "duration", d.String(), "count", count)
	default:
		pl.logger.Trace("Operation completed", "metric", name, "duration", d.String())
	}
}

// GetMetrics returns a copy of one operation's aggregates
func (pl *PerformanceLogger) GetMetrics(name string) (PerformanceMetric, bool) {
	pl.metricsMutex.RLock()
	defer pl.metricsMutex.RUnlock()
	m, ok := pl.metrics[name]
	if !ok {
		return PerformanceMetric{}, false
	}
	return *m, true
}

// GetAllMetrics returns a copy of every operation's aggregates
func (pl *PerformanceLogger) GetAllMetrics() map[string]PerformanceMetric {
	pl.metricsMutex.RLock()
	defer pl.metricsMutex.RUnlock()
	out := make(map[string]PerformanceMetric, len(pl.metrics))
	for k, v := range pl.metrics {
		out[k] = *v
	}
	return out
}

// Reset drops all aggregates
func (pl *PerformanceLogger) Reset() {
	pl.metricsMutex.Lock()
	pl.metrics = make(map[string]*PerformanceMetric)
	pl.metricsMutex.Unlock()
}
