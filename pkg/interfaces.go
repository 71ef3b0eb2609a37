package pkg

// ScanCallback receives asynchronous radio scan notifications. Calls may
// arrive on any goroutine.
type ScanCallback interface {
	OnResults(cells []CellInfo)
	OnComplete()
	OnError(code ScanError)
}

// ScanHandle stops an in-flight scan
type ScanHandle interface {
	Stop() error
}

// RadioScanner is the modem's network scan primitive
type RadioScanner interface {
	RequestNetworkScan(req ScanRequest, cb ScanCallback) (ScanHandle, error)
}

// SubscriptionManager exposes subscription state and switching
type SubscriptionManager interface {
	ActiveSubscriptions() []SubscriptionInfo
	OpportunisticSubscriptions() []SubscriptionInfo
	IsActiveSubscription(subID int) bool
	// SlotIndex returns the physical slot hosting subID, or -1
	SlotIndex(subID int) int
	DefaultSubscriptionID() int
	DefaultVoiceSubscriptionID() int
	// SwitchToSubscription starts an asynchronous switch. Completion is
	// reported through PlatformListener.OnSubSwitchComplete with token echoed.
	SwitchToSubscription(subID int, token int64) error
	SetPreferredDataSubscription(subID int, needValidation bool, cb func(SetDataResult)) error
	PreferredDataSubscriptionID() int
}

// ModemController toggles per-slot modem stacks
type ModemController interface {
	EnableModemForSlot(slot int, enable bool) bool
	PhoneCount() int
}

// CarrierConfig reads carrier configuration for the default subscription
type CarrierConfig interface {
	Int(key string) (int, bool)
}

// PrivilegeChecker answers permission questions about a caller
type PrivilegeChecker interface {
	HasModifyPhoneState(c Caller) bool
	HasCarrierPrivileges(c Caller, subID int) bool
	CanManageSubscription(c Caller, subID int) bool
}

// PlatformListener receives platform notifications
type PlatformListener interface {
	OnSubSwitchComplete(token int64, subID int, err error)
	OnOpportunisticSubscriptionsChanged()
	OnSimStateChanged()
}

// Platform bundles every telephony collaborator the daemon depends on
type Platform interface {
	RadioScanner
	SubscriptionManager
	ModemController
	CarrierConfig
	PrivilegeChecker
	RegisterListener(l PlatformListener)
}
