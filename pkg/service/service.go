// Package service is the public entry point of the opportunistic network
// selection daemon. It applies caller permission rules and hands accepted
// work to the profile selector.
package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/decision"
	"github.com/markus-lassfolk/ons/pkg/logx"
)

// ErrPermissionDenied is returned when a caller lacks the privilege an
// operation requires
var ErrPermissionDenied = errors.New("permission denied")

// Telephony is the platform surface the service needs
type Telephony interface {
	pkg.SubscriptionManager
	pkg.PrivilegeChecker
	RegisterListener(l pkg.PlatformListener)
}

// EnableStore persists the enable flag
type EnableStore interface {
	LoadEnabled() (enabled, found bool, err error)
	SaveEnabled(enabled bool) error
}

// Service arbitrates caller requests
type Service struct {
	tel      Telephony
	selector *decision.Selector
	store    EnableStore
	logger   *logx.Logger
	exec     decision.Executor

	// serializes enable flag writes so store and selector agree
	enableMu       sync.Mutex
	started        bool
	defaultEnabled bool
}

// New creates the service. store may be nil, in which case the enable flag
// is not persisted. exec runs caller callbacks; nil means one goroutine per
// callback.
func New(tel Telephony, sel *decision.Selector, store EnableStore, logger *logx.Logger, exec decision.Executor) *Service {
	if exec == nil {
		exec = decision.GoExecutor{}
	}
	return &Service{
		tel:            tel,
		selector:       sel,
		store:          store,
		logger:         logger,
		exec:           exec,
		defaultEnabled: true,
	}
}

// SetDefaultEnabled sets the enable flag used when none was persisted. It
// must be called before Start.
func (s *Service) SetDefaultEnabled(enabled bool) {
	s.enableMu.Lock()
	defer s.enableMu.Unlock()
	s.defaultEnabled = enabled
}

// Start restores the persisted enable flag (the default when never set) and
// subscribes to platform notifications
func (s *Service) Start() error {
	s.enableMu.Lock()
	defer s.enableMu.Unlock()
	if s.started {
		return nil
	}

	enabled := s.defaultEnabled
	if s.store != nil {
		v, found, err := s.store.LoadEnabled()
		if err != nil {
			return fmt.Errorf("failed to load enable flag: %w", err)
		}
		if found {
			enabled = v
		}
	}

	s.tel.RegisterListener(s)
	s.selector.SetEnabled(enabled)
	s.started = true
	s.logger.Info("Opportunistic network service started", "enabled", enabled)
	return nil
}

// UpdateAvailableNetworks submits a candidate list for the caller. An empty
// list withdraws the caller's previous list. The result is delivered to cb
// exactly once; validation failures are delivered before the call returns
// to the executor. The returned request id is empty unless a selection
// request was queued.
func (s *Service) UpdateAvailableNetworks(caller pkg.Caller, nets []pkg.AvailableNetworkInfo, cb decision.UpdateCallback) string {
	completion := decision.NewCompletion(cb, s.exec)

	class, ok := s.classify(caller)
	if !ok {
		s.logger.Warn("Caller has no carrier privilege on the default subscription", "caller", caller.Package)
		completion.Deliver(pkg.UpdateNoCarrierPrivilege)
		return ""
	}

	if len(nets) == 0 {
		s.logger.Debug("Empty network list, withdrawing request", "caller", caller.Package, "class", class.String())
		s.selector.Withdraw(class, completion)
		return ""
	}

	if result, ok := s.validate(caller, class, nets); !ok {
		s.logger.Info("Network list rejected", "caller", caller.Package, "class", class.String(), "result", result.String())
		completion.Deliver(result)
		return ""
	}

	req := decision.NewRequest(class, caller, nets, completion)
	if class == pkg.ClassCarrier {
		req.PrimarySubID = s.tel.DefaultVoiceSubscriptionID()
	}
	s.selector.Submit(req)
	return req.ID
}

// classify maps a caller onto a request class. Callers holding modify phone
// state are system callers; everyone else needs carrier privilege on the
// default subscription.
func (s *Service) classify(caller pkg.Caller) (pkg.CallerClass, bool) {
	if s.tel.HasModifyPhoneState(caller) {
		return pkg.ClassSystem, true
	}
	if s.tel.HasCarrierPrivileges(caller, s.tel.DefaultSubscriptionID()) {
		return pkg.ClassCarrier, true
	}
	return pkg.ClassCarrier, false
}

func (s *Service) validate(caller pkg.Caller, class pkg.CallerClass, nets []pkg.AvailableNetworkInfo) (pkg.UpdateResult, bool) {
	for _, n := range nets {
		if !n.Priority.Valid() {
			return pkg.UpdateInvalidArguments, false
		}
	}

	if class == pkg.ClassSystem {
		if !s.selector.HasOpportunisticSubscriptions(nets) {
			return pkg.UpdateInvalidArguments, false
		}
		return pkg.UpdateSuccess, true
	}

	if len(nets) > 1 {
		return pkg.UpdateInvalidArguments, false
	}
	if !s.selector.HasOpportunisticSubscriptions(nets) {
		return pkg.UpdateInvalidArguments, false
	}
	for _, n := range nets {
		if s.tel.IsActiveSubscription(n.SubID) {
			if !s.tel.HasCarrierPrivileges(caller, n.SubID) {
				return pkg.UpdateNoCarrierPrivilege, false
			}
			continue
		}
		if !s.tel.HasCarrierPrivileges(caller, n.SubID) && !s.tel.CanManageSubscription(caller, n.SubID) {
			return pkg.UpdateNoCarrierPrivilege, false
		}
	}
	return pkg.UpdateSuccess, true
}

// SetEnable turns opportunistic selection on or off and persists the flag
func (s *Service) SetEnable(caller pkg.Caller, enable bool) error {
	if !s.privileged(caller) {
		return fmt.Errorf("set enable: %w", ErrPermissionDenied)
	}

	s.enableMu.Lock()
	defer s.enableMu.Unlock()
	if s.store != nil {
		if err := s.store.SaveEnabled(enable); err != nil {
			s.logger.Warn("Failed to persist enable flag", "enable", enable, "error", err)
		}
	}
	s.logger.Info("Set enable", "caller", caller.Package, "enable", enable)
	s.selector.SetEnabled(enable)
	return nil
}

// IsEnabled reports whether opportunistic selection is enabled
func (s *Service) IsEnabled(caller pkg.Caller) (bool, error) {
	if !s.privileged(caller) {
		return false, fmt.Errorf("is enabled: %w", ErrPermissionDenied)
	}
	s.selector.Flush()
	return s.selector.IsEnabled(), nil
}

// SetPreferredDataSubscriptionID makes subID the preferred data
// subscription. DefaultSubscriptionID resets the preference.
func (s *Service) SetPreferredDataSubscriptionID(caller pkg.Caller, subID int, needValidation bool, cb decision.SetDataCallback) error {
	deliver := func(r pkg.SetDataResult) {
		if cb != nil {
			s.exec.Execute(func() { cb(r) })
		}
	}

	if s.tel.HasModifyPhoneState(caller) {
		if s.selector.HasRequest(pkg.ClassCarrier) {
			s.logger.Info("Preferred data change refused while carrier request is stored", "caller", caller.Package)
			deliver(pkg.SetDataValidationFailed)
			return nil
		}
	} else {
		if !s.tel.HasCarrierPrivileges(caller, s.tel.DefaultSubscriptionID()) {
			return fmt.Errorf("set preferred data subscription: %w", ErrPermissionDenied)
		}
		if subID != pkg.InvalidSubscriptionID && !s.tel.HasCarrierPrivileges(caller, subID) {
			return fmt.Errorf("set preferred data subscription %d: %w", subID, ErrPermissionDenied)
		}
	}

	s.selector.SelectProfileForData(subID, needValidation, deliver)
	return nil
}

// PreferredDataSubscriptionID returns the preferred data subscription
func (s *Service) PreferredDataSubscriptionID(caller pkg.Caller) (int, error) {
	if !s.privileged(caller) {
		return pkg.InvalidSubscriptionID, fmt.Errorf("preferred data subscription: %w", ErrPermissionDenied)
	}
	return s.selector.PreferredDataSubscriptionID(), nil
}

// Snapshot returns the selector state for diagnostics
func (s *Service) Snapshot() decision.Snapshot {
	return s.selector.Snapshot()
}

func (s *Service) privileged(caller pkg.Caller) bool {
	return s.tel.HasModifyPhoneState(caller) || s.tel.HasCarrierPrivileges(caller, s.tel.DefaultSubscriptionID())
}

// ---- pkg.PlatformListener ----

// OnSubSwitchComplete forwards switch completions to the selector
func (s *Service) OnSubSwitchComplete(token int64, subID int, err error) {
	s.selector.OnSubSwitchComplete(token, subID, err)
}

// OnOpportunisticSubscriptionsChanged refreshes the selector's profile list
func (s *Service) OnOpportunisticSubscriptionsChanged() {
	s.selector.OnOpportunisticSubscriptionsChanged()
}

// OnSimStateChanged drops a carrier request whose primary subscription is
// gone and replays the system request
func (s *Service) OnSimStateChanged() {
	s.selector.DropCarrierIfPrimaryGone()
}
