package sim

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/logx"
)

const scenarioYAML = `
phone_count: 2
default_sub: 1
subscriptions:
  - {id: 1, slot: 0, active: true, carrier: home}
  - {id: 5, slot: 1, opportunistic: true, embedded: true, carrier: cbrs}
carrier_config:
  opportunistic_network_exit_threshold_rsrp_int: -110
callers:
  com.example.carrier:
    carrier_privileged: [1, 5]
  com.android.phone:
    modify_phone_state: true
cells:
  - {rat: lte, mcc: "310", mnc: "260", rsrp: -90, level: 3}
scan:
  auto: true
  delay_ms: 1
switch:
  auto: false
`

type listener struct {
	mu       sync.Mutex
	switches []int
	sim      int
	profiles int
}

func (l *listener) OnSubSwitchComplete(_ int64, subID int, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.switches = append(l.switches, subID)
}

func (l *listener) OnOpportunisticSubscriptionsChanged() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles++
}

func (l *listener) OnSimStateChanged() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sim++
}

type scanRecorder struct {
	mu       sync.Mutex
	results  [][]pkg.CellInfo
	complete int
	errs     []pkg.ScanError
}

func (r *scanRecorder) OnResults(cells []pkg.CellInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, cells)
}

func (r *scanRecorder) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete++
}

func (r *scanRecorder) OnError(code pkg.ScanError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, code)
}

func (r *scanRecorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results), r.complete, len(r.errs)
}

func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	s, err := ParseScenario([]byte(scenarioYAML))
	require.NoError(t, err)
	l := logx.NewLogger("error", "sim-test")
	l.SetOutput(&bytes.Buffer{})
	return New(s, l)
}

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(scenarioYAML))
	require.NoError(t, err)

	assert.Equal(t, 2, s.PhoneCount)
	assert.Equal(t, 1, s.DefaultVoiceSub, "voice defaults to the default sub")
	require.Len(t, s.Subscriptions, 2)
	assert.True(t, s.Subscriptions[1].Opportunistic)
	assert.Equal(t, []int{1, 5}, s.Callers["com.example.carrier"].CarrierPrivileged)
	assert.Equal(t, -110, s.CarrierConfig["opportunistic_network_exit_threshold_rsrp_int"])
}

func TestParseScenarioErrors(t *testing.T) {
	tests := map[string]string{
		"duplicate id": "subscriptions: [{id: 1}, {id: 1}]",
		"bad slot":     "phone_count: 1\nsubscriptions: [{id: 1, slot: 3}]",
		"bad rat":      "cells: [{rat: wimax}]",
		"bad yaml":     "phone_count: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadScenarioDefault(t *testing.T) {
	s, err := LoadScenario("")
	require.NoError(t, err)
	assert.Equal(t, 2, s.PhoneCount)

	_, err = LoadScenario("/nonexistent/scenario.yaml")
	assert.Error(t, err)
}

func TestAutoScanDeliversCells(t *testing.T) {
	p := newTestPlatform(t)
	rec := &scanRecorder{}

	h, err := p.RequestNetworkScan(pkg.ScanRequest{MCCMNCs: []string{"310260"}}, rec)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		n, c, _ := rec.counts()
		return n == 1 && c == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "310260", rec.results[0][0].MCCMNC())

	require.NoError(t, h.Stop())
	assert.False(t, p.Scanning())
	assert.Len(t, p.ScanRequests(), 1)
}

func TestManualScanHooks(t *testing.T) {
	p := newTestPlatform(t)
	p.scenario.Scan.Auto = false
	rec := &scanRecorder{}

	assert.False(t, p.EmitResults(nil))

	h, err := p.RequestNetworkScan(pkg.ScanRequest{}, rec)
	require.NoError(t, err)
	assert.True(t, p.EmitResults([]pkg.CellInfo{{RAT: pkg.RATEUTRAN, MCC: "001", MNC: "01"}}))
	assert.True(t, p.EmitError(pkg.ScanErrorModem))
	assert.True(t, p.EmitComplete())

	n, c, e := rec.counts()
	assert.Equal(t, []int{1, 1, 1}, []int{n, c, e})

	_ = h.Stop()
	assert.False(t, p.EmitComplete())
}

func TestRejectedScan(t *testing.T) {
	p := newTestPlatform(t)
	p.scenario.Scan.Reject = true

	_, err := p.RequestNetworkScan(pkg.ScanRequest{}, &scanRecorder{})
	assert.ErrorIs(t, err, ErrScanRejected)
}

func TestManualSwitchActivatesProfile(t *testing.T) {
	p := newTestPlatform(t)
	l := &listener{}
	p.RegisterListener(l)

	require.NoError(t, p.SwitchToSubscription(5, 42))
	assert.False(t, p.IsActiveSubscription(5))
	assert.True(t, p.CompletePendingSwitch(nil))
	assert.False(t, p.CompletePendingSwitch(nil))

	assert.True(t, p.IsActiveSubscription(5))
	assert.True(t, p.IsActiveSubscription(1), "other slot untouched")
	assert.Equal(t, []int{5}, l.switches)
	assert.Equal(t, []SwitchRecord{{SubID: 5, Token: 42, At: p.Switches()[0].At}}, p.Switches())

	assert.ErrorIs(t, p.SwitchToSubscription(9, 43), ErrUnknownSubscription)
}

func TestAutoSwitchFailure(t *testing.T) {
	p := newTestPlatform(t)
	p.scenario.Switch = SwitchSpec{Auto: true, Fail: true}

	var mu sync.Mutex
	var got error
	done := make(chan struct{})
	p.RegisterListener(switchFunc(func(_ int64, _ int, err error) {
		mu.Lock()
		got = err
		mu.Unlock()
		close(done)
	}))

	require.NoError(t, p.SwitchToSubscription(5, 1))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("switch completion not delivered")
	}
	mu.Lock()
	assert.ErrorIs(t, got, ErrSwitchFailed)
	mu.Unlock()
	assert.False(t, p.IsActiveSubscription(5))
}

func TestPrivileges(t *testing.T) {
	p := newTestPlatform(t)
	carrier := pkg.Caller{Package: "com.example.carrier"}
	system := pkg.Caller{Package: "com.android.phone"}

	assert.True(t, p.HasModifyPhoneState(system))
	assert.False(t, p.HasModifyPhoneState(carrier))
	assert.True(t, p.HasCarrierPrivileges(carrier, 5))
	assert.False(t, p.HasCarrierPrivileges(carrier, 6))
	assert.False(t, p.CanManageSubscription(carrier, 5))

	p.SetCaller("com.example.carrier", CallerSpec{CanManage: []int{6}})
	assert.True(t, p.CanManageSubscription(carrier, 6))
	assert.False(t, p.HasCarrierPrivileges(carrier, 5))
}

func TestMutationsNotifyListeners(t *testing.T) {
	p := newTestPlatform(t)
	l := &listener{}
	p.RegisterListener(l)

	require.NoError(t, p.SetActive(1, false))
	p.PutSubscription(SubscriptionSpec{ID: 7, Slot: 1, Opportunistic: true})
	p.RemoveSubscription(7)

	assert.Equal(t, 1, l.sim)
	assert.Equal(t, 2, l.profiles)
	assert.Empty(t, p.ActiveSubscriptions())
	assert.Len(t, p.OpportunisticSubscriptions(), 1)
}

func TestModemAndCarrierConfig(t *testing.T) {
	p := newTestPlatform(t)

	assert.True(t, p.EnableModemForSlot(1, false))
	assert.False(t, p.EnableModemForSlot(4, true))
	assert.Equal(t, []ModemRecord{{Slot: 1, Enable: false, OK: true}, {Slot: 4, Enable: true, OK: false}}, p.ModemCalls())

	v, ok := p.Int("opportunistic_network_exit_threshold_rsrp_int")
	assert.True(t, ok)
	assert.Equal(t, -110, v)
	_, ok = p.Int("missing")
	assert.False(t, ok)
}

type switchFunc func(token int64, subID int, err error)

func (f switchFunc) OnSubSwitchComplete(token int64, subID int, err error) { f(token, subID, err) }
func (f switchFunc) OnOpportunisticSubscriptionsChanged()                  {}
func (f switchFunc) OnSimStateChanged()                                    {}

func TestSampleScenarioLoads(t *testing.T) {
	s, err := LoadScenario(filepath.Join("..", "..", "..", "configs", "scenario.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 2, s.PhoneCount)
	assert.Len(t, s.Subscriptions, 3)
	assert.Len(t, s.Cells, 3)
	assert.True(t, s.Callers["com.android.phone"].ModifyPhoneState)
	assert.Equal(t, []int{6}, s.Callers["com.example.manager"].CanManage)
	assert.Equal(t, -110, s.CarrierConfig["opportunistic_network_exit_threshold_rsrp_int"])
}
