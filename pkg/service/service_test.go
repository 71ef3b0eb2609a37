package service

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/controller"
	"github.com/markus-lassfolk/ons/pkg/decision"
	"github.com/markus-lassfolk/ons/pkg/logx"
	"github.com/markus-lassfolk/ons/pkg/platform/sim"
	"github.com/markus-lassfolk/ons/pkg/scan"
	"github.com/markus-lassfolk/ons/pkg/store"
)

var (
	systemApp  = pkg.Caller{Package: "com.android.phone"}
	carrierApp = pkg.Caller{Package: "com.example.carrier"}
	managerApp = pkg.Caller{Package: "com.example.manager"}
	stranger   = pkg.Caller{Package: "com.example.game"}
)

type env struct {
	t        *testing.T
	platform *sim.Platform
	scanner  *scan.Controller
	selector *decision.Selector
	svc      *Service
	state    *store.State
}

func quietLogger() *logx.Logger {
	l := logx.NewLogger("error", "service-test")
	l.SetOutput(&bytes.Buffer{})
	return l
}

func testScenario() *sim.Scenario {
	s := sim.DefaultScenario()
	s.Scan = sim.ScanSpec{}
	s.Switch = sim.SwitchSpec{}
	s.Callers = map[string]sim.CallerSpec{
		systemApp.Package:  {ModifyPhoneState: true},
		carrierApp.Package: {CarrierPrivileged: []int{1, 5, 6}},
		managerApp.Package: {CarrierPrivileged: []int{1}, CanManage: []int{6}},
	}
	return s
}

func newEnv(t *testing.T, statePath string) *env {
	t.Helper()
	logger := quietLogger()
	p := sim.New(testScenario(), logger)

	sc := scan.NewController(scan.DefaultConfig(), p, p, logger, nil)
	ctrl := controller.NewController(p, p, logger, nil)
	cfg := decision.DefaultConfig()
	cfg.Executor = decision.InlineExecutor{}
	sel := decision.NewSelector(cfg, p, ctrl, sc, logger, nil)
	sc.SetListener(sel)

	if statePath == "" {
		statePath = filepath.Join(t.TempDir(), "state.db")
	}
	st, err := store.Open(statePath, logger)
	require.NoError(t, err)

	svc := New(p, sel, st, logger, decision.InlineExecutor{})
	require.NoError(t, svc.Start())

	t.Cleanup(func() {
		sel.Close()
		sc.Close()
		st.Close()
	})
	return &env{t: t, platform: p, scanner: sc, selector: sel, svc: svc, state: st}
}

// settle drains both queues twice so work bounced between them lands
func (e *env) settle() {
	for i := 0; i < 2; i++ {
		e.scanner.Flush()
		e.selector.Flush()
	}
}

type pending chan pkg.UpdateResult

func (e *env) update(caller pkg.Caller, nets ...pkg.AvailableNetworkInfo) pending {
	ch := make(pending, 2)
	e.svc.UpdateAvailableNetworks(caller, nets, func(r pkg.UpdateResult) { ch <- r })
	e.settle()
	return ch
}

func (p pending) wait(t *testing.T) pkg.UpdateResult {
	t.Helper()
	select {
	case r := <-p:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no callback delivered")
		return pkg.UpdateUnknownFailure
	}
}

func (p pending) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-p:
		t.Fatalf("unexpected callback %s", r)
	default:
	}
}

func (e *env) cells(cells ...pkg.CellInfo) {
	require.True(e.t, e.platform.EmitResults(cells), "no scan running")
	e.settle()
}

func (e *env) completeSwitch(err error) {
	require.True(e.t, e.platform.CompletePendingSwitch(err), "no switch pending")
	e.settle()
}

func lte(mccmnc string, rsrp, level int) pkg.CellInfo {
	return pkg.CellInfo{RAT: pkg.RATEUTRAN, MCC: mccmnc[:3], MNC: mccmnc[3:], RSRP: rsrp, Level: level}
}

func candidate(subID int, prio pkg.Priority, mccmncs ...string) pkg.AvailableNetworkInfo {
	return pkg.AvailableNetworkInfo{SubID: subID, Priority: prio, MCCMNCs: mccmncs}
}

func TestUpdateValidation(t *testing.T) {
	tests := []struct {
		name   string
		caller pkg.Caller
		nets   []pkg.AvailableNetworkInfo
		want   pkg.UpdateResult
	}{
		{"unprivileged caller", stranger, []pkg.AvailableNetworkInfo{candidate(5, 1)}, pkg.UpdateNoCarrierPrivilege},
		{"carrier with two entries", carrierApp, []pkg.AvailableNetworkInfo{candidate(5, 1), candidate(6, 2)}, pkg.UpdateInvalidArguments},
		{"carrier with primary profile", carrierApp, []pkg.AvailableNetworkInfo{candidate(1, 1)}, pkg.UpdateInvalidArguments},
		{"carrier without privilege on target", managerApp, []pkg.AvailableNetworkInfo{candidate(5, 1)}, pkg.UpdateNoCarrierPrivilege},
		{"system with primary profile", systemApp, []pkg.AvailableNetworkInfo{candidate(5, 1), candidate(1, 2)}, pkg.UpdateInvalidArguments},
		{"system with unknown tier", systemApp, []pkg.AvailableNetworkInfo{candidate(5, 9)}, pkg.UpdateInvalidArguments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, "")
			ch := make(pending, 1)
			id := e.svc.UpdateAvailableNetworks(tt.caller, tt.nets, func(r pkg.UpdateResult) { ch <- r })
			assert.Empty(t, id)
			assert.Equal(t, tt.want, ch.wait(t))
			assert.Empty(t, e.platform.ScanRequests(), "rejected requests never scan")
		})
	}
}

func TestManagerCanUseInactiveManageableProfile(t *testing.T) {
	e := newEnv(t, "")

	ch := e.update(managerApp, candidate(6, pkg.PriorityHigh, "310260"))
	ch.none(t)
	assert.True(t, e.selector.HasRequest(pkg.ClassCarrier))
	require.Len(t, e.platform.ScanRequests(), 1)
}

func TestSystemSelectionEndToEnd(t *testing.T) {
	e := newEnv(t, "")

	ch := e.update(systemApp, candidate(5, pkg.PriorityHigh, "310260"))
	reqs := e.platform.ScanRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"310260"}, reqs[0].MCCMNCs)

	e.cells(lte("310260", -95, 3))
	switches := e.platform.Switches()
	require.Len(t, switches, 1)
	assert.Equal(t, 5, switches[0].SubID)
	assert.False(t, e.platform.Scanning())

	e.completeSwitch(nil)
	assert.Equal(t, pkg.UpdateSuccess, ch.wait(t))
	assert.True(t, e.platform.IsActiveSubscription(5))
	assert.Contains(t, e.platform.ModemCalls(), sim.ModemRecord{Slot: 1, Enable: true, OK: true})
}

func TestWeakCellsDoNotTriggerSwitch(t *testing.T) {
	e := newEnv(t, "")

	ch := e.update(systemApp, candidate(5, pkg.PriorityHigh, "310260"))
	e.cells(lte("310260", -130, 0))

	ch.none(t)
	assert.Empty(t, e.platform.Switches())
	assert.True(t, e.platform.Scanning())
}

func TestCarrierPreemptsSystemEndToEnd(t *testing.T) {
	e := newEnv(t, "")

	sys := e.update(systemApp, candidate(6, pkg.PriorityHigh, "310260"))
	car := e.update(carrierApp, candidate(5, pkg.PriorityHigh, "310260"))
	assert.Equal(t, pkg.UpdateAborted, sys.wait(t))

	e.cells(lte("310260", -90, 4))
	switches := e.platform.Switches()
	require.Len(t, switches, 1)
	assert.Equal(t, 5, switches[0].SubID)

	e.completeSwitch(nil)
	assert.Equal(t, pkg.UpdateSuccess, car.wait(t))
}

func TestEmptyListFromCarrierReplaysSystem(t *testing.T) {
	e := newEnv(t, "")

	sys := e.update(systemApp, candidate(6, pkg.PriorityHigh, "311480"))
	car := e.update(carrierApp, candidate(5, pkg.PriorityHigh, "310260"))
	cleared := e.update(carrierApp)

	assert.Equal(t, pkg.UpdateAborted, sys.wait(t))
	assert.Equal(t, pkg.UpdateAborted, car.wait(t))
	assert.Equal(t, pkg.UpdateSuccess, cleared.wait(t))

	reqs := e.platform.ScanRequests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"311480"}, reqs[2].MCCMNCs)
}

func TestSystemSubmitThenEmptyAbortsWithoutSwitch(t *testing.T) {
	e := newEnv(t, "")

	first := e.update(systemApp, candidate(5, pkg.PriorityHigh, "310260"))
	e.update(systemApp)

	assert.Equal(t, pkg.UpdateAborted, first.wait(t))
	assert.False(t, e.platform.Scanning())
	assert.Empty(t, e.platform.Switches())
}

func TestEmptyListWhileDisabledSucceeds(t *testing.T) {
	e := newEnv(t, "")
	require.NoError(t, e.svc.SetEnable(systemApp, false))

	assert.Equal(t, pkg.UpdateSuccess, e.update(carrierApp).wait(t))
	assert.Equal(t, pkg.UpdateSuccess, e.update(systemApp).wait(t))
}

func TestSetEnablePermissionAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	e := newEnv(t, path)

	err := e.svc.SetEnable(stranger, false)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	_, err = e.svc.IsEnabled(stranger)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	enabled, err := e.svc.IsEnabled(carrierApp)
	require.NoError(t, err)
	assert.True(t, enabled, "enabled by default")

	require.NoError(t, e.platform.SetActive(6, true))
	ch := e.update(systemApp, candidate(5, pkg.PriorityHigh, "310260"))
	require.NoError(t, e.svc.SetEnable(carrierApp, false))
	e.settle()

	assert.Equal(t, pkg.UpdateAborted, ch.wait(t))
	assert.Contains(t, e.platform.ModemCalls(), sim.ModemRecord{Slot: 1, Enable: false, OK: true})

	persisted, found, err := e.state.LoadEnabled()
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, persisted)
}

func TestStartRestoresPersistedFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	logger := quietLogger()
	st, err := store.Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, st.SaveEnabled(false))
	require.NoError(t, st.Close())

	e := newEnv(t, path)
	enabled, err := e.svc.IsEnabled(systemApp)
	require.NoError(t, err)
	assert.False(t, enabled)

	ch := e.update(systemApp, candidate(5, pkg.PriorityHigh, "310260"))
	ch.none(t)
	assert.Empty(t, e.platform.ScanRequests())

	require.NoError(t, e.svc.SetEnable(systemApp, true))
	e.settle()
	assert.Len(t, e.platform.ScanRequests(), 1, "stored request replayed on enable")
}

func TestSetPreferredDataSubscription(t *testing.T) {
	e := newEnv(t, "")

	results := make(chan pkg.SetDataResult, 4)
	cb := func(r pkg.SetDataResult) { results <- r }

	err := e.svc.SetPreferredDataSubscriptionID(stranger, 5, false, cb)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	err = e.svc.SetPreferredDataSubscriptionID(managerApp, 6, false, cb)
	assert.ErrorIs(t, err, ErrPermissionDenied, "needs privilege on the target as well")

	require.NoError(t, e.svc.SetPreferredDataSubscriptionID(carrierApp, 5, false, cb))
	e.settle()
	assert.Equal(t, pkg.SetDataInactiveSubscription, <-results)

	require.NoError(t, e.platform.SetActive(5, true))
	require.NoError(t, e.svc.SetPreferredDataSubscriptionID(systemApp, 5, true, cb))
	e.settle()
	assert.Eventually(t, func() bool { return len(results) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, pkg.SetDataSuccess, <-results)

	sub, err := e.svc.PreferredDataSubscriptionID(systemApp)
	require.NoError(t, err)
	assert.Equal(t, 5, sub)
	_, err = e.svc.PreferredDataSubscriptionID(stranger)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	e.update(carrierApp, candidate(6, pkg.PriorityHigh, "310260"))
	require.NoError(t, e.svc.SetPreferredDataSubscriptionID(systemApp, pkg.DefaultSubscriptionID, false, cb))
	assert.Equal(t, pkg.SetDataValidationFailed, <-results, "system is locked out while a carrier request is stored")
}

func TestSimStateChangeDropsCarrierRequest(t *testing.T) {
	e := newEnv(t, "")

	e.update(systemApp, candidate(6, pkg.PriorityHigh, "311480"))
	car := e.update(carrierApp, candidate(5, pkg.PriorityHigh, "310260"))

	require.NoError(t, e.platform.SetActive(1, false))
	e.settle()

	assert.Equal(t, pkg.UpdateAborted, car.wait(t))
	assert.False(t, e.selector.HasRequest(pkg.ClassCarrier))
	reqs := e.platform.ScanRequests()
	assert.Equal(t, []string{"311480"}, reqs[len(reqs)-1].MCCMNCs)
}

func TestSimStateChangeKeepsCarrierWhilePrimaryActive(t *testing.T) {
	e := newEnv(t, "")

	car := e.update(carrierApp, candidate(5, pkg.PriorityHigh, "310260"))
	require.NoError(t, e.platform.SetActive(6, true))
	e.settle()

	car.none(t)
	assert.True(t, e.selector.HasRequest(pkg.ClassCarrier))
}

func TestScanErrorFallsBackThroughService(t *testing.T) {
	e := newEnv(t, "")

	ch := e.update(systemApp, candidate(5, pkg.PriorityHigh, "310260"), candidate(6, pkg.PriorityLow, "311480"))
	require.True(t, e.platform.EmitError(pkg.ScanErrorModemUnavailable))
	e.settle()

	switches := e.platform.Switches()
	require.Len(t, switches, 1)
	assert.Equal(t, 5, switches[0].SubID)

	e.completeSwitch(errors.New("profile download failed"))
	assert.Equal(t, pkg.UpdateAborted, ch.wait(t))
}

func TestDefaultEnabledWithoutStore(t *testing.T) {
	logger := quietLogger()
	p := sim.New(testScenario(), logger)
	sc := scan.NewController(scan.DefaultConfig(), p, p, logger, nil)
	ctrl := controller.NewController(p, p, logger, nil)
	sel := decision.NewSelector(decision.DefaultConfig(), p, ctrl, sc, logger, nil)
	sc.SetListener(sel)
	defer func() {
		sel.Close()
		sc.Close()
	}()

	svc := New(p, sel, nil, logger, decision.InlineExecutor{})
	svc.SetDefaultEnabled(false)
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Start())

	enabled, err := svc.IsEnabled(systemApp)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, svc.SetEnable(systemApp, true))
	enabled, err = svc.IsEnabled(systemApp)
	require.NoError(t, err)
	assert.True(t, enabled)
}
