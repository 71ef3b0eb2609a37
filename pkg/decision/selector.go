// Package decision arbitrates between carrier and system requests and turns
// scan results into subscription switches.
package decision

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/controller"
	"github.com/markus-lassfolk/ons/pkg/logx"
	"github.com/markus-lassfolk/ons/pkg/metrics"
	"github.com/markus-lassfolk/ons/pkg/workq"
)

const tracerName = "github.com/markus-lassfolk/ons/pkg/decision"

// State of the selection cycle
type State int

const (
	StateIdle State = iota
	StateScanning
	StateSwitching
	StateError
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateSwitching:
		return "switching"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

var allStates = []string{"idle", "scanning", "switching", "error"}

// Scanner is the part of the scan controller the selector drives. Scan
// outcomes come back through OnNetworkAvailability and OnScanError tagged
// with the id StartScan returned.
type Scanner interface {
	StartScan(candidates []pkg.AvailableNetworkInfo) (scanID uint64, started bool)
	StopScan()
}

// Config tunes the selector
type Config struct {
	SwitchTimeout time.Duration
	TieBreak      string
	// Executor runs preferred-data callbacks. Defaults to GoExecutor.
	Executor Executor
}

// DefaultConfig returns the default selector settings
func DefaultConfig() Config {
	return Config{
		SwitchTimeout: time.Minute,
		TieBreak:      TieBreakScanOrder,
	}
}

// cycle is one selection attempt for the effective request. Owned by the
// selector queue.
type cycle struct {
	req        *Request
	completion *Completion
	candidates []pkg.AvailableNetworkInfo
	stage      State
	switchSub  int
	scanID     uint64
	since      time.Time

	cancelTimeout func()
	span          trace.Span
	timing        *logx.PerformanceContext
	perf          *logx.PerformanceContext
}

// ActiveView describes the running cycle
type ActiveView struct {
	RequestID   string    `json:"request_id"`
	Class       string    `json:"class"`
	Stage       string    `json:"stage"`
	SwitchSubID int       `json:"switch_sub_id,omitempty"`
	Since       time.Time `json:"since"`
}

// ResultView describes the last finished cycle
type ResultView struct {
	RequestID  string    `json:"request_id"`
	Class      string    `json:"class"`
	Result     string    `json:"result"`
	SubID      int       `json:"sub_id,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Snapshot is a point in time view of the selector
type Snapshot struct {
	Enabled           bool                   `json:"enabled"`
	Carrier           *RequestView           `json:"carrier,omitempty"`
	System            *RequestView           `json:"system,omitempty"`
	Active            *ActiveView            `json:"active,omitempty"`
	Last              *ResultView            `json:"last,omitempty"`
	Opportunistic     []pkg.SubscriptionInfo `json:"opportunistic"`
	PreferredDataSub  int                    `json:"preferred_data_sub"`
	PendingQueueTasks int                    `json:"pending_queue_tasks"`
}

// Selector is the profile selection state machine. Public methods never
// block on selection work; they post onto the selector queue.
type Selector struct {
	cfg     Config
	subs    pkg.SubscriptionManager
	ctrl    *controller.Controller
	scanner Scanner
	logger  *logx.Logger
	metrics *metrics.Collector
	perf    *logx.PerformanceLogger
	tracer  trace.Tracer
	exec    Executor

	queue *workq.Queue

	// guarded by mu, readable off-queue
	mu      sync.Mutex
	slots   [2]*Request
	oppSubs []pkg.SubscriptionInfo
	enabled bool
	events  pkg.EventSink
	last    *ResultView

	// queue-owned
	inflight *cycle
}

// NewSelector creates a selector. It starts disabled; the owner restores the
// persisted enable state with SetEnabled.
func NewSelector(cfg Config, subs pkg.SubscriptionManager, ctrl *controller.Controller, scanner Scanner, logger *logx.Logger, m *metrics.Collector) *Selector {
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakScanOrder
	}
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = time.Minute
	}
	exec := cfg.Executor
	if exec == nil {
		exec = GoExecutor{}
	}
	s := &Selector{
		cfg:     cfg,
		subs:    subs,
		ctrl:    ctrl,
		scanner: scanner,
		logger:  logger,
		metrics: m,
		perf:    logx.NewPerformanceLogger(logger),
		tracer:  otel.Tracer(tracerName),
		exec:    exec,
		queue:   workq.New("selector", logger),
	}
	s.oppSubs = s.loadOpportunistic()
	return s
}

// SetEventSink registers a sink for selection events
func (s *Selector) SetEventSink(sink pkg.EventSink) {
	s.mu.Lock()
	s.events = sink
	s.mu.Unlock()
}

// Performance exposes timing aggregates of selection cycles and switches
func (s *Selector) Performance() *logx.PerformanceLogger {
	return s.perf
}

// Submit stores req in its class slot and starts selection if it is the
// effective request.
func (s *Selector) Submit(req *Request) {
	s.queue.Post(func() { s.submit(req) })
}

// Withdraw clears the class slot, as an empty candidate list does, and
// reports the outcome through completion.
func (s *Selector) Withdraw(class pkg.CallerClass, completion *Completion) {
	s.queue.Post(func() { s.withdraw(class, completion) })
}

// SetEnabled turns selection on or off. Disabling aborts outstanding work and
// powers down the active opportunistic modem; enabling replays the stored
// carrier request, else the system request.
func (s *Selector) SetEnabled(enable bool) {
	s.queue.Post(func() { s.setEnabled(enable) })
}

// StopProfileSelection stops everything and disables the opportunistic modem
func (s *Selector) StopProfileSelection(completion *Completion) {
	s.queue.Post(func() { s.stopProfileSelection(completion) })
}

// OnNetworkAvailability receives filtered results of scan scanID
func (s *Selector) OnNetworkAvailability(scanID uint64, cells []pkg.CellInfo) {
	cp := append([]pkg.CellInfo(nil), cells...)
	s.queue.Post(func() { s.onNetworkAvailability(scanID, cp) })
}

// OnScanError receives the failure of scan scanID
func (s *Selector) OnScanError(scanID uint64, code pkg.ScanError) {
	s.queue.Post(func() { s.onScanError(scanID, code) })
}

// OnSubSwitchComplete receives switch completions from the platform
func (s *Selector) OnSubSwitchComplete(token int64, subID int, err error) {
	s.queue.Post(func() { s.onSubSwitchComplete(token, subID, err) })
}

// OnOpportunisticSubscriptionsChanged refreshes the opportunistic profile
// list and re-enables modem stacks on slots without one
func (s *Selector) OnOpportunisticSubscriptionsChanged() {
	s.queue.Post(s.refreshOpportunistic)
}

// DropCarrierIfPrimaryGone removes the carrier request when the primary
// subscription it was made for is no longer active
func (s *Selector) DropCarrierIfPrimaryGone() {
	s.queue.Post(s.dropCarrierIfPrimaryGone)
}

// SelectProfileForData sets the preferred data subscription. subID must be
// DefaultSubscriptionID or an active opportunistic subscription.
func (s *Selector) SelectProfileForData(subID int, needValidation bool, cb SetDataCallback) {
	s.queue.Post(func() { s.selectProfileForData(subID, needValidation, cb) })
}

// PreferredDataSubscriptionID returns the platform's preferred data sub
func (s *Selector) PreferredDataSubscriptionID() int {
	return s.subs.PreferredDataSubscriptionID()
}

// IsEnabled reports the current enable state
func (s *Selector) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// HasRequest reports whether class has a stored request
func (s *Selector) HasRequest(class pkg.CallerClass) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[class] != nil
}

// HasOpportunisticSubscriptions reports whether nets is non-empty and every
// entry names a known opportunistic subscription
func (s *Selector) HasOpportunisticSubscriptions(nets []pkg.AvailableNetworkInfo) bool {
	if len(nets) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.oppSubs) == 0 {
		return false
	}
	for _, n := range nets {
		if !isOpportunistic(s.oppSubs, n.SubID) {
			return false
		}
	}
	return true
}

// IsOpportunisticSubscriptionActive reports whether any opportunistic
// subscription is active
func (s *Selector) IsOpportunisticSubscriptionActive() bool {
	s.mu.Lock()
	opp := append([]pkg.SubscriptionInfo(nil), s.oppSubs...)
	s.mu.Unlock()
	for _, o := range opp {
		if s.subs.IsActiveSubscription(o.ID) {
			return true
		}
	}
	return false
}

// OpportunisticSubInfo returns the opportunistic profile with subID
func (s *Selector) OpportunisticSubInfo(subID int) (pkg.SubscriptionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.oppSubs {
		if o.ID == subID {
			return o, true
		}
	}
	return pkg.SubscriptionInfo{}, false
}

// Snapshot returns the selector state. It waits for queued work.
func (s *Selector) Snapshot() Snapshot {
	var snap Snapshot
	_ = s.queue.Call(func() {
		s.mu.Lock()
		snap.Enabled = s.enabled
		snap.Carrier = s.slots[pkg.ClassCarrier].view()
		snap.System = s.slots[pkg.ClassSystem].view()
		snap.Opportunistic = append([]pkg.SubscriptionInfo(nil), s.oppSubs...)
		if s.last != nil {
			l := *s.last
			snap.Last = &l
		}
		s.mu.Unlock()

		if c := s.inflight; c != nil {
			snap.Active = &ActiveView{
				RequestID:   c.req.ID,
				Class:       c.req.Class.String(),
				Stage:       c.stage.String(),
				SwitchSubID: c.switchSub,
				Since:       c.since,
			}
		}
	})
	snap.PreferredDataSub = s.subs.PreferredDataSubscriptionID()
	snap.PendingQueueTasks = s.queue.Len()
	return snap
}

// Flush waits until all previously posted work has run
func (s *Selector) Flush() {
	_ = s.queue.Flush()
}

// Close stops the selector queue. Outstanding work is aborted.
func (s *Selector) Close() {
	_ = s.queue.Call(func() { s.stopProcedure(pkg.UpdateAborted) })
	s.queue.Stop()
}

// ---- queue side ----

func (s *Selector) submit(req *Request) {
	class := req.Class

	s.mu.Lock()
	stored := s.slots[class]
	s.mu.Unlock()
	if stored != nil && !stored.Completion.Done() && pkg.SameNetworks(req.Networks, stored.Networks) {
		s.logger.Debug("Duplicate request, replacing callback", "request_id", req.ID, "replaces", stored.ID, "class", class.String())
		stored.Completion.Deliver(pkg.UpdateAborted)
		if c := s.inflight; c != nil && c.req == stored {
			c.completion = req.Completion
			c.req = req
		}
		s.mu.Lock()
		s.slots[class] = req
		s.mu.Unlock()
		s.emit(&pkg.Event{Type: pkg.EventRequestDeduped, RequestID: req.ID, Class: class.String(), Detail: map[string]interface{}{
			"replaces": stored.ID,
		}})
		return
	}

	s.mu.Lock()
	prev := s.slots[class]
	s.slots[class] = req
	enabled := s.enabled
	effective := s.effectiveLocked()
	s.mu.Unlock()

	if prev != nil && (s.inflight == nil || s.inflight.req != prev) {
		if prev.Completion.Deliver(pkg.UpdateAborted) {
			s.recordFinished(prev, pkg.UpdateAborted, pkg.InvalidSubscriptionID, 0)
		}
	}

	s.logger.Info("Request accepted",
		"request_id", req.ID,
		"class", class.String(),
		"caller", req.Caller.Package,
		"networks", len(req.Networks),
		"enabled", enabled,
	)
	s.emit(&pkg.Event{Type: pkg.EventRequestSubmitted, RequestID: req.ID, Class: class.String(), Detail: map[string]interface{}{
		"networks": req.Networks,
	}})

	if !enabled || effective != req {
		return
	}
	s.startSelection(req)
}

func (s *Selector) withdraw(class pkg.CallerClass, completion *Completion) {
	s.mu.Lock()
	prev := s.slots[class]
	s.slots[class] = nil
	other := s.slots[class.Other()]
	enabled := s.enabled
	s.mu.Unlock()

	s.logger.Info("Request withdrawn", "class", class.String(), "enabled", enabled)

	if !enabled {
		if prev != nil && prev.Completion.Deliver(pkg.UpdateAborted) {
			s.recordFinished(prev, pkg.UpdateAborted, pkg.InvalidSubscriptionID, 0)
		}
		completion.Deliver(pkg.UpdateSuccess)
		return
	}

	if other == nil {
		s.stopProfileSelection(completion)
		if prev != nil && prev.Completion.Deliver(pkg.UpdateAborted) {
			s.recordFinished(prev, pkg.UpdateAborted, pkg.InvalidSubscriptionID, 0)
		}
		return
	}

	if prev != nil && (s.inflight == nil || s.inflight.req != prev) {
		if prev.Completion.Deliver(pkg.UpdateAborted) {
			s.recordFinished(prev, pkg.UpdateAborted, pkg.InvalidSubscriptionID, 0)
		}
	}
	completion.Deliver(pkg.UpdateSuccess)

	if class == pkg.ClassCarrier {
		s.startSelection(other)
	} else if s.inflight != nil && s.inflight.req.Class == class {
		s.stopProcedure(pkg.UpdateAborted)
	}
}

func (s *Selector) setEnabled(enable bool) {
	s.mu.Lock()
	changed := s.enabled != enable
	s.enabled = enable
	carrier := s.slots[pkg.ClassCarrier]
	system := s.slots[pkg.ClassSystem]
	s.mu.Unlock()

	if !changed {
		return
	}

	s.logger.Info("Opportunistic selection enable changed", "enabled", enable)
	s.metrics.SetEnabled(enable)
	s.emit(&pkg.Event{Type: pkg.EventEnableChanged, Result: map[bool]string{true: "enabled", false: "disabled"}[enable]})

	if !enable {
		s.stopProcedure(pkg.UpdateAborted)
		for _, r := range []*Request{carrier, system} {
			if r != nil && r.Completion.Deliver(pkg.UpdateAborted) {
				s.recordFinished(r, pkg.UpdateAborted, pkg.InvalidSubscriptionID, 0)
			}
		}
		s.ctrl.DisableOpportunisticModem()
		return
	}

	switch {
	case carrier != nil:
		s.startSelection(carrier)
	case system != nil:
		s.startSelection(system)
	}
}

func (s *Selector) stopProfileSelection(completion *Completion) {
	s.stopProcedure(pkg.UpdateAborted)
	result := s.ctrl.DisableOpportunisticModem()
	s.logger.Info("Profile selection stopped", "result", result.String())
	completion.Deliver(result)
}

// stopProcedure ends the running cycle with result and stops scanning
func (s *Selector) stopProcedure(result pkg.UpdateResult) {
	if c := s.inflight; c != nil {
		s.ctrl.ClearPending()
		s.finish(c, result, pkg.InvalidSubscriptionID)
	}
	s.scanner.StopScan()
}

func (s *Selector) startSelection(req *Request) {
	s.stopProcedure(pkg.UpdateAborted)

	c := s.newCycle(req)

	s.mu.Lock()
	opp := append([]pkg.SubscriptionInfo(nil), s.oppSubs...)
	s.mu.Unlock()

	if len(opp) == 0 {
		s.logger.Info("No opportunistic subscriptions, stopping scan", "request_id", req.ID)
		s.finish(c, pkg.UpdateInvalidArguments, pkg.InvalidSubscriptionID)
		s.scanner.StopScan()
		return
	}

	if s.primaryActiveOnOpportunisticSlot(req.Networks) {
		s.logger.Info("Primary subscription active on opportunistic slot", "request_id", req.ID)
		s.finish(c, pkg.UpdateInvalidArguments, pkg.InvalidSubscriptionID)
		return
	}

	c.candidates = filterOpportunistic(req.Networks, opp)
	if len(c.candidates) == 0 {
		s.logger.Info("No candidate is an opportunistic subscription", "request_id", req.ID)
		s.finish(c, pkg.UpdateInvalidArguments, pkg.InvalidSubscriptionID)
		return
	}

	s.inflight = c

	if len(c.candidates) == 1 && len(c.candidates[0].MCCMNCs) == 0 {
		subID := c.candidates[0].SubID
		if s.subs.IsActiveSubscription(subID) {
			s.enableAndFinish(c, subID)
		} else {
			s.beginSwitch(c, subID)
		}
		return
	}

	s.setStage(c, StateScanning)
	id, started := s.scanner.StartScan(c.candidates)
	c.scanID = id
	if !started {
		s.logger.Debug("Scan already running for these candidates", "request_id", req.ID, "scan_id", id)
	}
}

// scanningCycle returns the cycle waiting on scan scanID, if any
func (s *Selector) scanningCycle(scanID uint64) *cycle {
	c := s.inflight
	if c == nil || c.stage != StateScanning || c.scanID != scanID {
		return nil
	}
	return c
}

func (s *Selector) onNetworkAvailability(scanID uint64, cells []pkg.CellInfo) {
	c := s.scanningCycle(scanID)
	if c == nil {
		s.logger.Trace("Dropping scan results for another cycle", "scan_id", scanID, "cells", len(cells))
		return
	}

	subID := BestSubscription(cells, c.candidates, s.cfg.TieBreak)
	if subID == pkg.InvalidSubscriptionID {
		s.logger.Debug("No candidate matches scan results, still scanning", "request_id", c.req.ID, "cells", len(cells))
		return
	}

	s.logger.Info("Best subscription found", "request_id", c.req.ID, "sub_id", subID, "cells", len(cells))
	s.scanner.StopScan()
	s.handleScanResult(c, subID)
}

func (s *Selector) onScanError(scanID uint64, code pkg.ScanError) {
	c := s.scanningCycle(scanID)
	if c == nil {
		s.logger.Trace("Dropping scan error for another cycle", "scan_id", scanID, "code", int(code))
		return
	}
	s.scanner.StopScan()

	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()

	if enabled && len(c.candidates) > 0 {
		subID := c.candidates[0].SubID
		s.logger.Warn("Scan failed, falling back to first candidate", "request_id", c.req.ID, "code", int(code), "sub_id", subID)
		s.handleScanResult(c, subID)
		return
	}
	s.logger.Warn("Scan failed with no fallback", "request_id", c.req.ID, "code", int(code))
	s.finish(c, pkg.UpdateAborted, pkg.InvalidSubscriptionID)
}

func (s *Selector) handleScanResult(c *cycle, subID int) {
	if s.subs.IsActiveSubscription(subID) {
		s.enableAndFinish(c, subID)
		return
	}
	s.beginSwitch(c, subID)
}

func (s *Selector) enableAndFinish(c *cycle, subID int) {
	ok := s.ctrl.EnableModem(subID, true)
	s.emit(&pkg.Event{Type: pkg.EventModemToggled, RequestID: c.req.ID, Class: c.req.Class.String(), SubID: subID,
		Result: map[bool]string{true: "ok", false: "failed"}[ok]})
	if ok {
		s.finish(c, pkg.UpdateSuccess, subID)
	} else {
		s.finish(c, pkg.UpdateAborted, subID)
	}
}

func (s *Selector) beginSwitch(c *cycle, subID int) {
	s.setStage(c, StateSwitching)
	c.switchSub = subID

	op := s.perf.StartOperation(context.Background(), "sub_switch")
	token, err := s.ctrl.SwitchTo(subID)
	s.emit(&pkg.Event{Type: pkg.EventSwitchRequested, RequestID: c.req.ID, Class: c.req.Class.String(), SubID: subID})
	if err != nil {
		op.Complete(err)
		s.logger.Warn("Subscription switch request failed", "request_id", c.req.ID, "sub_id", subID, "error", err)
		s.finish(c, pkg.UpdateAborted, subID)
		return
	}

	c.cancelTimeout = s.queue.PostDelayed(s.cfg.SwitchTimeout, func() {
		if s.inflight != c || c.stage != StateSwitching {
			return
		}
		op.Complete(context.DeadlineExceeded)
		s.logger.Warn("Subscription switch timed out", "request_id", c.req.ID, "sub_id", subID, "token", token)
		s.ctrl.ClearPending()
		s.finish(c, pkg.UpdateAborted, subID)
	})
	c.perf = op
}

func (s *Selector) onSubSwitchComplete(token int64, subID int, err error) {
	if !s.ctrl.CompleteSwitch(token, subID, err) {
		s.logger.Debug("Ignoring stale switch completion", "token", token, "sub_id", subID)
		return
	}
	c := s.inflight
	if c == nil || c.stage != StateSwitching || c.switchSub != subID {
		return
	}
	if c.perf != nil {
		c.perf.Complete(err)
	}
	s.emit(&pkg.Event{Type: pkg.EventSwitchCompleted, RequestID: c.req.ID, Class: c.req.Class.String(), SubID: subID,
		Detail: map[string]interface{}{"error": errString(err)}})

	if err != nil {
		s.logger.Warn("Subscription switch failed", "request_id", c.req.ID, "sub_id", subID, "error", err)
		s.finish(c, pkg.UpdateAborted, subID)
		return
	}
	s.enableAndFinish(c, subID)
}

func (s *Selector) refreshOpportunistic() {
	opp := s.loadOpportunistic()
	s.mu.Lock()
	s.oppSubs = opp
	s.mu.Unlock()

	s.logger.Debug("Opportunistic subscriptions changed", "count", len(opp))
	s.emit(&pkg.Event{Type: pkg.EventProfilesChanged, Detail: map[string]interface{}{"opportunistic": len(opp)}})
	s.ctrl.EnableModemStackForNonOpportunisticSlots(opp)
}

func (s *Selector) dropCarrierIfPrimaryGone() {
	s.mu.Lock()
	carrier := s.slots[pkg.ClassCarrier]
	s.mu.Unlock()
	if carrier == nil {
		return
	}
	for _, sub := range s.subs.ActiveSubscriptions() {
		if sub.ID == carrier.PrimarySubID {
			return
		}
	}

	s.logger.Info("Carrier primary subscription gone, removing request", "request_id", carrier.ID, "primary_sub", carrier.PrimarySubID)
	s.mu.Lock()
	s.slots[pkg.ClassCarrier] = nil
	system := s.slots[pkg.ClassSystem]
	enabled := s.enabled
	s.mu.Unlock()

	if c := s.inflight; c != nil && c.req == carrier {
		if !enabled || system == nil {
			s.stopProcedure(pkg.UpdateAborted)
		}
	} else if carrier.Completion.Deliver(pkg.UpdateAborted) {
		s.recordFinished(carrier, pkg.UpdateAborted, pkg.InvalidSubscriptionID, 0)
	}
	if enabled && system != nil {
		s.startSelection(system)
	}
}

func (s *Selector) selectProfileForData(subID int, needValidation bool, cb SetDataCallback) {
	deliver := func(r pkg.SetDataResult) {
		if cb != nil {
			s.exec.Execute(func() { cb(r) })
		}
	}

	s.mu.Lock()
	opp := isOpportunistic(s.oppSubs, subID)
	s.mu.Unlock()

	if subID != pkg.DefaultSubscriptionID && !(opp && s.subs.IsActiveSubscription(subID)) {
		s.logger.Info("Inactive subscription passed for preferred data", "sub_id", subID)
		deliver(pkg.SetDataInactiveSubscription)
		return
	}

	if err := s.subs.SetPreferredDataSubscription(subID, needValidation, deliver); err != nil {
		s.logger.Warn("Setting preferred data subscription failed", "sub_id", subID, "error", err)
		deliver(pkg.SetDataValidationFailed)
		return
	}
	s.logger.Info("Preferred data subscription requested", "sub_id", subID, "need_validation", needValidation)
}

// ---- helpers ----

func (s *Selector) newCycle(req *Request) *cycle {
	_, span := s.tracer.Start(context.Background(), "ons.selection",
		trace.WithAttributes(
			attribute.String("ons.request_id", req.ID),
			attribute.String("ons.class", req.Class.String()),
			attribute.Int("ons.networks", len(req.Networks)),
		),
	)
	return &cycle{
		req:        req,
		completion: req.Completion,
		stage:      StateIdle,
		switchSub:  pkg.InvalidSubscriptionID,
		since:      time.Now(),
		span:       span,
		timing:     s.perf.StartOperation(context.Background(), "selection_cycle"),
	}
}

func (s *Selector) setStage(c *cycle, st State) {
	c.stage = st
	c.span.AddEvent(st.String())
	s.metrics.SetState(c.req.Class.String(), st.String(), allStates)
}

func (s *Selector) finish(c *cycle, result pkg.UpdateResult, subID int) {
	if c.cancelTimeout != nil {
		c.cancelTimeout()
		c.cancelTimeout = nil
	}
	if s.inflight == c {
		s.inflight = nil
	}
	resErr := resultError(result)
	if c.perf != nil {
		c.perf.Complete(resErr)
	}
	c.timing.Complete(resErr)

	final := StateIdle
	if result != pkg.UpdateSuccess {
		final = StateError
	}
	c.stage = StateIdle
	s.metrics.SetState(c.req.Class.String(), final.String(), allStates)

	c.span.SetAttributes(attribute.String("ons.result", result.String()), attribute.Int("ons.sub_id", subID))
	if result != pkg.UpdateSuccess {
		c.span.SetStatus(codes.Error, result.String())
	}
	c.span.End()

	delivered := c.completion.Deliver(result)
	s.logger.Info("Selection finished",
		"request_id", c.req.ID,
		"class", c.req.Class.String(),
		"result", result.String(),
		"sub_id", subID,
		"delivered", delivered,
	)
	if delivered {
		s.recordFinished(c.req, result, subID, time.Since(c.since))
	}
}

func (s *Selector) recordFinished(req *Request, result pkg.UpdateResult, subID int, d time.Duration) {
	s.metrics.SelectionFinished(req.Class.String(), result.String(), d)
	view := &ResultView{
		RequestID:  req.ID,
		Class:      req.Class.String(),
		Result:     result.String(),
		SubID:      subID,
		FinishedAt: time.Now(),
	}
	s.mu.Lock()
	s.last = view
	s.mu.Unlock()
	s.emit(&pkg.Event{
		Type:      pkg.EventSelectionFinished,
		RequestID: req.ID,
		Class:     req.Class.String(),
		SubID:     subID,
		Result:    result.String(),
		Detail: map[string]interface{}{
			"caller":      req.Caller.Package,
			"duration_ms": d.Milliseconds(),
		},
	})
}

func (s *Selector) effectiveLocked() *Request {
	if r := s.slots[pkg.ClassCarrier]; r != nil {
		return r
	}
	return s.slots[pkg.ClassSystem]
}

func (s *Selector) loadOpportunistic() []pkg.SubscriptionInfo {
	var out []pkg.SubscriptionInfo
	for _, sub := range s.subs.OpportunisticSubscriptions() {
		if sub.GroupDisabled {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// primaryActiveOnOpportunisticSlot guards against switching out a primary
// profile that lives on the eSIM
func (s *Selector) primaryActiveOnOpportunisticSlot(nets []pkg.AvailableNetworkInfo) bool {
	embedded := false
	for _, sub := range s.subs.OpportunisticSubscriptions() {
		if !sub.Embedded {
			continue
		}
		for _, n := range nets {
			if n.SubID == sub.ID {
				embedded = true
			}
		}
	}
	if !embedded {
		return false
	}
	for _, sub := range s.subs.ActiveSubscriptions() {
		if !sub.Opportunistic && sub.Embedded {
			return true
		}
	}
	return false
}

func (s *Selector) emit(e *pkg.Event) {
	s.mu.Lock()
	sink := s.events
	s.mu.Unlock()
	if sink == nil {
		return
	}
	e.Timestamp = time.Now()
	sink.Emit(e)
}

func filterOpportunistic(nets []pkg.AvailableNetworkInfo, opp []pkg.SubscriptionInfo) []pkg.AvailableNetworkInfo {
	var out []pkg.AvailableNetworkInfo
	for _, n := range nets {
		if isOpportunistic(opp, n.SubID) {
			out = append(out, n)
		}
	}
	return out
}

func isOpportunistic(opp []pkg.SubscriptionInfo, subID int) bool {
	for _, o := range opp {
		if o.ID == subID {
			return true
		}
	}
	return false
}

// resultError is nil for success and carries the result name otherwise
func resultError(result pkg.UpdateResult) error {
	if result == pkg.UpdateSuccess {
		return nil
	}
	return errors.New(result.String())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
