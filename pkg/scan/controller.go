// Package scan drives periodic radio network scans for a candidate batch and
// forwards filtered results to a listener.
package scan

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/logx"
	"github.com/markus-lassfolk/ons/pkg/metrics"
	"github.com/markus-lassfolk/ons/pkg/workq"
)

// RSRPThresholdKey is the carrier config key holding the RSRP entry threshold
const RSRPThresholdKey = "opportunistic_network_exit_threshold_rsrp_int"

// Listener receives scan outcomes tagged with the scan id StartScan
// returned. Implementations must not block: calls arrive on the controller's
// queue.
type Listener interface {
	OnNetworkAvailability(scanID uint64, cells []pkg.CellInfo)
	OnScanError(scanID uint64, code pkg.ScanError)
}

// Config holds scan timing
type Config struct {
	Periodicity          time.Duration
	MaxSearch            time.Duration
	IncrementalPeriod    time.Duration
	RestartDelay         time.Duration
	DefaultRSRPThreshold int
}

// DefaultConfig returns the fast scan profile
func DefaultConfig() Config {
	return Config{
		Periodicity:          time.Minute,
		MaxSearch:            time.Minute,
		IncrementalPeriod:    10 * time.Second,
		RestartDelay:         time.Minute,
		DefaultRSRPThreshold: -120,
	}
}

// Status is a point in time view of the controller
type Status struct {
	Active         bool             `json:"active"`
	ScanID         uint64           `json:"scan_id,omitempty"`
	Request        *pkg.ScanRequest `json:"request,omitempty"`
	RSRPThreshold  int              `json:"rsrp_threshold"`
	RestartPending bool             `json:"restart_pending"`
	ScansIssued    int64            `json:"scans_issued"`
	LastResultAt   time.Time        `json:"last_result_at,omitempty"`
}

// Controller owns at most one in-flight radio scan. All state below the
// queue field is only touched from tasks on that queue.
type Controller struct {
	cfg     Config
	radio   pkg.RadioScanner
	carrier pkg.CarrierConfig
	logger  *logx.Logger
	metrics *metrics.Collector

	listenerMu sync.RWMutex
	listener   Listener
	events     pkg.EventSink

	queue *workq.Queue

	active        bool
	handle        pkg.ScanHandle
	request       *pkg.ScanRequest
	wanted        map[string]struct{}
	threshold     int
	seq           uint64
	scanID        uint64
	lastScanID    uint64
	cancelRestart func()
	issued        int64
	lastResultAt  time.Time
}

// NewController creates a scan controller with its own work queue
func NewController(cfg Config, radio pkg.RadioScanner, carrier pkg.CarrierConfig, logger *logx.Logger, m *metrics.Collector) *Controller {
	return &Controller{
		cfg:       cfg,
		radio:     radio,
		carrier:   carrier,
		logger:    logger,
		metrics:   m,
		queue:     workq.New("scan", logger),
		threshold: cfg.DefaultRSRPThreshold,
	}
}

// SetListener registers the consumer of scan outcomes
func (c *Controller) SetListener(l Listener) {
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
}

// SetEventSink registers a sink for scan events
func (c *Controller) SetEventSink(s pkg.EventSink) {
	c.listenerMu.Lock()
	c.events = s
	c.listenerMu.Unlock()
}

// StartScan begins scanning for the candidates and returns the id listener
// calls for this scan carry. started is false when an identical scan is
// already running, in which case id is that scan's, or when the controller
// is closed (id 0).
func (c *Controller) StartScan(candidates []pkg.AvailableNetworkInfo) (id uint64, started bool) {
	req := BuildRequest(c.cfg, candidates)
	if err := c.queue.Call(func() { id, started = c.startScan(req) }); err != nil {
		return 0, false
	}
	return id, started
}

// StopScan cancels any scan and pending restart. Safe when idle.
func (c *Controller) StopScan() {
	_ = c.queue.Call(c.stopScan)
}

// IsScanning reports whether a scan is active or waiting to restart
func (c *Controller) IsScanning() bool {
	active := false
	_ = c.queue.Call(func() { active = c.active })
	return active
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	var st Status
	_ = c.queue.Call(func() {
		st = Status{
			Active:         c.active,
			ScanID:         c.scanID,
			RSRPThreshold:  c.threshold,
			RestartPending: c.cancelRestart != nil,
			ScansIssued:    c.issued,
			LastResultAt:   c.lastResultAt,
		}
		if c.request != nil {
			r := *c.request
			st.Request = &r
		}
	})
	return st
}

// Flush waits for queued work, used by tests and shutdown
func (c *Controller) Flush() {
	_ = c.queue.Flush()
}

// Close stops scanning and the queue
func (c *Controller) Close() {
	c.StopScan()
	c.queue.Stop()
}

func (c *Controller) startScan(req pkg.ScanRequest) (uint64, bool) {
	if c.active && c.request != nil && c.request.Equal(req) {
		c.logger.Debug("Identical scan already active", "scan_id", c.scanID)
		return c.scanID, false
	}

	c.stopScan()
	c.lastScanID++
	c.scanID = c.lastScanID

	c.threshold = c.cfg.DefaultRSRPThreshold
	if c.carrier != nil {
		if v, ok := c.carrier.Int(RSRPThresholdKey); ok {
			c.threshold = v
		}
	}

	c.request = &req
	c.wanted = mccmncSet(req)
	c.active = true
	c.launch()
	return c.scanID, true
}

// launch issues the current request under a fresh sequence number
func (c *Controller) launch() {
	c.seq++
	seq := c.seq
	c.issued++
	c.metrics.ScanStarted()

	c.logger.Info("Starting network scan",
		"mcc_mncs", c.request.MCCMNCs,
		"bands", c.request.Specifiers[0].Bands,
		"rsrp_threshold", c.threshold,
		"scan_id", c.scanID,
		"seq", seq,
	)
	c.emit(&pkg.Event{Type: pkg.EventScanStarted, Detail: map[string]interface{}{
		"mcc_mncs": c.request.MCCMNCs,
		"scan_id":  c.scanID,
		"seq":      seq,
	}})

	handle, err := c.radio.RequestNetworkScan(*c.request, &radioCallback{c: c, seq: seq})
	if err != nil {
		c.logger.Warn("Network scan request rejected", "error", err)
		c.queue.Post(func() { c.handleError(seq, pkg.ScanErrorModemUnavailable) })
		return
	}
	c.handle = handle
}

func (c *Controller) stopScan() {
	if c.cancelRestart != nil {
		c.cancelRestart()
		c.cancelRestart = nil
	}
	if c.handle != nil {
		if err := c.handle.Stop(); err != nil {
			c.logger.Debug("Stopping scan failed", "error", err)
		}
		c.handle = nil
	}
	if c.active {
		c.logger.Debug("Network scan stopped")
	}
	c.active = false
	c.request = nil
	c.wanted = nil
	c.scanID = 0
	c.seq++
}

func (c *Controller) handleResults(seq uint64, cells []pkg.CellInfo) {
	if seq != c.seq || !c.active {
		c.logger.Trace("Dropping stale scan results", "seq", seq, "current", c.seq)
		return
	}
	c.lastResultAt = time.Now()

	filtered := FilterCells(cells, c.wanted, c.threshold)
	c.logger.Debug("Scan results", "total", len(cells), "accepted", len(filtered))
	if len(filtered) == 0 {
		return
	}
	c.metrics.CellsAccepted(len(filtered))
	c.emit(&pkg.Event{Type: pkg.EventScanResults, Detail: map[string]interface{}{
		"total":    len(cells),
		"accepted": len(filtered),
	}})

	if l := c.currentListener(); l != nil {
		l.OnNetworkAvailability(c.scanID, filtered)
	}
}

func (c *Controller) handleComplete(seq uint64) {
	if seq != c.seq || !c.active {
		return
	}
	c.handle = nil
	c.logger.Debug("Scan complete, scheduling restart", "delay", c.cfg.RestartDelay.String())
	c.cancelRestart = c.queue.PostDelayed(c.cfg.RestartDelay, func() {
		c.cancelRestart = nil
		if seq != c.seq || !c.active || c.request == nil {
			return
		}
		c.launch()
	})
}

func (c *Controller) handleError(seq uint64, code pkg.ScanError) {
	if seq != c.seq || !c.active {
		return
	}
	c.logger.Warn("Network scan failed", "code", int(code), "reason", code.String())
	c.metrics.ScanFailed(int(code))
	c.emit(&pkg.Event{Type: pkg.EventScanError, Result: code.String()})

	id := c.scanID
	c.handle = nil
	c.active = false
	c.request = nil
	c.wanted = nil
	c.scanID = 0
	c.seq++

	if l := c.currentListener(); l != nil {
		l.OnScanError(id, code)
	}
}

func (c *Controller) currentListener() Listener {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	return c.listener
}

func (c *Controller) emit(e *pkg.Event) {
	c.listenerMu.RLock()
	sink := c.events
	c.listenerMu.RUnlock()
	if sink == nil {
		return
	}
	e.Timestamp = time.Now()
	sink.Emit(e)
}

// radioCallback posts radio notifications onto the controller queue, tagged
// with the scan they belong to
type radioCallback struct {
	c   *Controller
	seq uint64
}

func (r *radioCallback) OnResults(cells []pkg.CellInfo) {
	cp := append([]pkg.CellInfo(nil), cells...)
	r.c.queue.Post(func() { r.c.handleResults(r.seq, cp) })
}

func (r *radioCallback) OnComplete() {
	r.c.queue.Post(func() { r.c.handleComplete(r.seq) })
}

func (r *radioCallback) OnError(code pkg.ScanError) {
	r.c.queue.Post(func() { r.c.handleError(r.seq, code) })
}
