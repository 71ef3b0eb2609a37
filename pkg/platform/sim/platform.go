package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/logx"
)

var (
	// ErrScanRejected is returned when the scenario rejects scan requests
	ErrScanRejected = errors.New("network scan rejected")
	// ErrUnknownSubscription is returned for ids not in the scenario
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrSwitchFailed is reported through OnSubSwitchComplete when switches fail
	ErrSwitchFailed = errors.New("subscription switch failed")
)

// SwitchRecord is one SwitchToSubscription call
type SwitchRecord struct {
	SubID int
	Token int64
	At    time.Time
}

// ModemRecord is one EnableModemForSlot call
type ModemRecord struct {
	Slot   int
	Enable bool
	OK     bool
}

type scanSession struct {
	id      int
	req     pkg.ScanRequest
	cb      pkg.ScanCallback
	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
}

func (s *scanSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

func (s *scanSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Platform implements pkg.Platform in memory
type Platform struct {
	logger *logx.Logger

	mu        sync.Mutex
	scenario  *Scenario
	subs      map[int]pkg.SubscriptionInfo
	active    map[int]bool
	preferred int
	listeners []pkg.PlatformListener
	sessions  []*scanSession
	switches  []SwitchRecord
	modem     []ModemRecord
	pending   *SwitchRecord
}

// New creates a platform from a scenario
func New(s *Scenario, logger *logx.Logger) *Platform {
	p := &Platform{
		logger:    logger,
		scenario:  s,
		subs:      make(map[int]pkg.SubscriptionInfo),
		active:    make(map[int]bool),
		preferred: s.PreferredDataSub,
	}
	for _, spec := range s.Subscriptions {
		p.subs[spec.ID] = spec.info()
		p.active[spec.ID] = spec.Active
	}
	return p
}

// RegisterListener adds a receiver for platform notifications
func (p *Platform) RegisterListener(l pkg.PlatformListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// ---- RadioScanner ----

func (p *Platform) RequestNetworkScan(req pkg.ScanRequest, cb pkg.ScanCallback) (pkg.ScanHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scenario.Scan.Reject {
		return nil, ErrScanRejected
	}

	sess := &scanSession{id: len(p.sessions) + 1, req: req, cb: cb}
	p.sessions = append(p.sessions, sess)
	p.logger.Debug("Simulated scan started", "scan_id", sess.id, "mccmncs", req.MCCMNCs)

	if p.scenario.Scan.Auto {
		delay := time.Duration(p.scenario.Scan.DelayMS) * time.Millisecond
		code := pkg.ScanError(p.scenario.Scan.Error)
		cells := p.cellsLocked()
		sess.timer = time.AfterFunc(delay, func() {
			if sess.isStopped() {
				return
			}
			if code != 0 {
				cb.OnError(code)
				return
			}
			cb.OnResults(cells)
			cb.OnComplete()
		})
	}
	return sess, nil
}

// EmitResults sends cells to the most recent running scan. It returns false
// if no scan is running.
func (p *Platform) EmitResults(cells []pkg.CellInfo) bool {
	sess := p.runningSession()
	if sess == nil {
		return false
	}
	sess.cb.OnResults(cells)
	return true
}

// EmitComplete ends the most recent running scan's search window
func (p *Platform) EmitComplete() bool {
	sess := p.runningSession()
	if sess == nil {
		return false
	}
	sess.cb.OnComplete()
	return true
}

// EmitError fails the most recent running scan
func (p *Platform) EmitError(code pkg.ScanError) bool {
	sess := p.runningSession()
	if sess == nil {
		return false
	}
	sess.cb.OnError(code)
	return true
}

// ScanRequests returns every scan request received so far
func (p *Platform) ScanRequests() []pkg.ScanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pkg.ScanRequest, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.req)
	}
	return out
}

// Scanning reports whether a scan session is running
func (p *Platform) Scanning() bool {
	return p.runningSession() != nil
}

func (p *Platform) runningSession() *scanSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.sessions) - 1; i >= 0; i-- {
		if !p.sessions[i].isStopped() {
			return p.sessions[i]
		}
	}
	return nil
}

// SetCells replaces the visible cells
func (p *Platform) SetCells(cells []CellSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scenario.Cells = append([]CellSpec(nil), cells...)
}

func (p *Platform) cellsLocked() []pkg.CellInfo {
	out := make([]pkg.CellInfo, 0, len(p.scenario.Cells))
	for _, c := range p.scenario.Cells {
		out = append(out, c.cellInfo())
	}
	return out
}

// ---- SubscriptionManager ----

func (p *Platform) ActiveSubscriptions() []pkg.SubscriptionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pkg.SubscriptionInfo
	for _, id := range p.sortedIDsLocked() {
		if p.active[id] {
			out = append(out, p.subs[id])
		}
	}
	return out
}

func (p *Platform) OpportunisticSubscriptions() []pkg.SubscriptionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pkg.SubscriptionInfo
	for _, id := range p.sortedIDsLocked() {
		if p.subs[id].Opportunistic {
			out = append(out, p.subs[id])
		}
	}
	return out
}

func (p *Platform) IsActiveSubscription(subID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[subID]
}

func (p *Platform) SlotIndex(subID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[subID]; ok {
		return s.SlotIndex
	}
	return -1
}

func (p *Platform) DefaultSubscriptionID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scenario.DefaultSub
}

func (p *Platform) DefaultVoiceSubscriptionID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scenario.DefaultVoiceSub
}

func (p *Platform) SwitchToSubscription(subID int, token int64) error {
	p.mu.Lock()
	if _, ok := p.subs[subID]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	rec := SwitchRecord{SubID: subID, Token: token, At: time.Now()}
	p.switches = append(p.switches, rec)
	p.pending = &rec
	spec := p.scenario.Switch
	p.mu.Unlock()

	p.logger.Info("Simulated subscription switch", "sub_id", subID, "token", token, "auto", spec.Auto)

	if spec.Auto {
		var err error
		if spec.Fail {
			err = ErrSwitchFailed
		}
		time.AfterFunc(time.Duration(spec.DelayMS)*time.Millisecond, func() {
			p.completeSwitch(rec, err)
		})
	}
	return nil
}

// CompletePendingSwitch finishes the outstanding switch with err. It returns
// false if nothing is pending.
func (p *Platform) CompletePendingSwitch(err error) bool {
	p.mu.Lock()
	rec := p.pending
	p.mu.Unlock()
	if rec == nil {
		return false
	}
	p.completeSwitch(*rec, err)
	return true
}

func (p *Platform) completeSwitch(rec SwitchRecord, err error) {
	p.mu.Lock()
	if p.pending != nil && p.pending.Token == rec.Token {
		p.pending = nil
	}
	if err == nil {
		p.activateLocked(rec.SubID)
	}
	listeners := append([]pkg.PlatformListener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnSubSwitchComplete(rec.Token, rec.SubID, err)
	}
}

// activateLocked makes subID the active profile of its slot
func (p *Platform) activateLocked(subID int) {
	target, ok := p.subs[subID]
	if !ok {
		return
	}
	for id, s := range p.subs {
		if s.SlotIndex == target.SlotIndex {
			p.active[id] = false
		}
	}
	p.active[subID] = true
}

func (p *Platform) SetPreferredDataSubscription(subID int, needValidation bool, cb func(pkg.SetDataResult)) error {
	p.mu.Lock()
	if subID != pkg.DefaultSubscriptionID {
		if _, ok := p.subs[subID]; !ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
		}
		p.preferred = subID
	} else {
		p.preferred = p.scenario.DefaultSub
	}
	p.mu.Unlock()

	p.logger.Info("Simulated preferred data change", "sub_id", subID, "need_validation", needValidation)
	if cb != nil {
		go cb(pkg.SetDataSuccess)
	}
	return nil
}

func (p *Platform) PreferredDataSubscriptionID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preferred
}

// ---- ModemController ----

func (p *Platform) EnableModemForSlot(slot int, enable bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := !p.scenario.Modem.Fail && slot >= 0 && slot < p.scenario.PhoneCount
	p.modem = append(p.modem, ModemRecord{Slot: slot, Enable: enable, OK: ok})
	return ok
}

func (p *Platform) PhoneCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scenario.PhoneCount
}

// ---- CarrierConfig ----

func (p *Platform) Int(key string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.scenario.CarrierConfig[key]
	return v, ok
}

// ---- PrivilegeChecker ----

func (p *Platform) HasModifyPhoneState(c pkg.Caller) bool {
	return p.caller(c).ModifyPhoneState
}

func (p *Platform) HasCarrierPrivileges(c pkg.Caller, subID int) bool {
	return containsInt(p.caller(c).CarrierPrivileged, subID)
}

func (p *Platform) CanManageSubscription(c pkg.Caller, subID int) bool {
	return containsInt(p.caller(c).CanManage, subID)
}

func (p *Platform) caller(c pkg.Caller) CallerSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scenario.Callers[c.Package]
}

// ---- scenario mutation ----

// SetActive changes a subscription's active state and reports a SIM state
// change to listeners
func (p *Platform) SetActive(subID int, active bool) error {
	p.mu.Lock()
	if _, ok := p.subs[subID]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	if active {
		p.activateLocked(subID)
	} else {
		p.active[subID] = false
	}
	listeners := append([]pkg.PlatformListener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnSimStateChanged()
	}
	return nil
}

// PutSubscription adds or replaces a profile and reports an opportunistic
// subscription change
func (p *Platform) PutSubscription(spec SubscriptionSpec) {
	p.mu.Lock()
	p.subs[spec.ID] = spec.info()
	p.active[spec.ID] = spec.Active
	listeners := append([]pkg.PlatformListener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnOpportunisticSubscriptionsChanged()
	}
}

// RemoveSubscription deletes a profile and reports an opportunistic
// subscription change
func (p *Platform) RemoveSubscription(subID int) {
	p.mu.Lock()
	delete(p.subs, subID)
	delete(p.active, subID)
	listeners := append([]pkg.PlatformListener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnOpportunisticSubscriptionsChanged()
	}
}

// SetCaller replaces the privileges of a caller package
func (p *Platform) SetCaller(pkgName string, spec CallerSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scenario.Callers[pkgName] = spec
}

// Switches returns every switch request so far
func (p *Platform) Switches() []SwitchRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SwitchRecord(nil), p.switches...)
}

// ModemCalls returns every modem toggle so far
func (p *Platform) ModemCalls() []ModemRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ModemRecord(nil), p.modem...)
}

func (p *Platform) sortedIDsLocked() []int {
	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

var _ pkg.Platform = (*Platform)(nil)
