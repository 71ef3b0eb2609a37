package controller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/logx"
	"github.com/markus-lassfolk/ons/pkg/metrics"
)

// ErrNoSlot is returned when a subscription is not mapped to a modem slot
var ErrNoSlot = errors.New("subscription has no slot")

// SwitchCallback is called after a subscription switch has completed
type SwitchCallback func(subID int, err error) error

// CompletionHook receives synthetic switch completions in dry run mode
type CompletionHook func(token int64, subID int, err error)

// Controller applies subscription switches and modem stack changes
type Controller struct {
	subs    pkg.SubscriptionManager
	modem   pkg.ModemController
	logger  *logx.Logger
	metrics *metrics.Collector

	// Behavior
	dryRun bool
	hook   CompletionHook

	// Most recent switch request
	mu           sync.Mutex
	token        int64
	pendingSub   int
	pendingSince time.Time
	lastSwitched int

	// Callbacks
	switchCallbacks []SwitchCallback
	callbacksMu     sync.RWMutex
}

// NewController creates a new controller
func NewController(subs pkg.SubscriptionManager, modem pkg.ModemController, logger *logx.Logger, m *metrics.Collector) *Controller {
	return &Controller{
		subs:         subs,
		modem:        modem,
		logger:       logger,
		metrics:      m,
		pendingSub:   pkg.InvalidSubscriptionID,
		lastSwitched: pkg.InvalidSubscriptionID,
	}
}

// SetDryRun enables or disables dry-run mode for the controller
func (c *Controller) SetDryRun(enabled bool, hook CompletionHook) {
	c.dryRun = enabled
	c.hook = hook
}

// EnableModem toggles the modem stack hosting subID. The subscription must
// be active.
func (c *Controller) EnableModem(subID int, enable bool) bool {
	if c.dryRun {
		c.logger.Info("Dry run: would set modem stack", "sub_id", subID, "enable", enable)
		return true
	}
	if !c.subs.IsActiveSubscription(subID) {
		c.logger.Debug("Modem toggle skipped, subscription inactive", "sub_id", subID, "enable", enable)
		return false
	}
	slot := c.subs.SlotIndex(subID)
	if slot < 0 {
		c.logger.Warn("Modem toggle skipped", "sub_id", subID, "error", ErrNoSlot)
		return false
	}

	c.logger.Info("Setting modem stack", "sub_id", subID, "slot", slot, "enable", enable)
	ok := c.modem.EnableModemForSlot(slot, enable)
	c.metrics.ModemToggled(enable, ok)
	if !ok {
		c.logger.Warn("Modem stack change failed", "sub_id", subID, "slot", slot, "enable", enable)
	}
	return ok
}

// SwitchTo requests an asynchronous switch to subID and returns the token the
// completion will carry.
func (c *Controller) SwitchTo(subID int) (int64, error) {
	c.mu.Lock()
	c.token++
	token := c.token
	c.pendingSub = subID
	c.pendingSince = time.Now()
	c.mu.Unlock()

	c.logger.Info("Switching subscription", "sub_id", subID, "token", token, "dry_run", c.dryRun)
	c.metrics.SwitchRequested()

	if c.dryRun {
		if c.hook != nil {
			go c.hook(token, subID, nil)
		}
		return token, nil
	}

	if err := c.subs.SwitchToSubscription(subID, token); err != nil {
		c.ClearPending()
		return token, fmt.Errorf("switch to subscription %d: %w", subID, err)
	}
	return token, nil
}

// IsPendingSwitch reports whether a completion belongs to the most recent
// switch. A zero token matches on subscription id only.
func (c *Controller) IsPendingSwitch(token int64, subID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchLocked(token, subID)
}

func (c *Controller) matchLocked(token int64, subID int) bool {
	if c.pendingSub == pkg.InvalidSubscriptionID || c.pendingSub != subID {
		return false
	}
	return token == 0 || token == c.token
}

// CompleteSwitch consumes a completion. It returns false for stale ones.
func (c *Controller) CompleteSwitch(token int64, subID int, err error) bool {
	c.mu.Lock()
	if !c.matchLocked(token, subID) {
		c.mu.Unlock()
		return false
	}
	took := time.Since(c.pendingSince)
	c.pendingSub = pkg.InvalidSubscriptionID
	if err == nil {
		c.lastSwitched = subID
	}
	c.mu.Unlock()

	c.logger.Info("Subscription switch completed", "sub_id", subID, "token", token, "took", took.String(), "error", err)
	c.callSwitchCallbacks(subID, err)
	return true
}

// ClearPending forgets the outstanding switch so late completions are ignored
func (c *Controller) ClearPending() {
	c.mu.Lock()
	c.pendingSub = pkg.InvalidSubscriptionID
	c.mu.Unlock()
}

// PendingSwitch returns the outstanding switch, if any
func (c *Controller) PendingSwitch() (token int64, subID int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingSub == pkg.InvalidSubscriptionID {
		return 0, pkg.InvalidSubscriptionID, false
	}
	return c.token, c.pendingSub, true
}

// ActiveOpportunisticSubID returns the first active opportunistic
// subscription, or InvalidSubscriptionID
func (c *Controller) ActiveOpportunisticSubID() int {
	for _, s := range c.subs.ActiveSubscriptions() {
		if s.Opportunistic {
			return s.ID
		}
	}
	return pkg.InvalidSubscriptionID
}

// DisableOpportunisticModem turns off the modem hosting the active
// opportunistic subscription
func (c *Controller) DisableOpportunisticModem() pkg.UpdateResult {
	subID := c.ActiveOpportunisticSubID()
	if subID == pkg.InvalidSubscriptionID {
		c.logger.Debug("No active opportunistic subscription to disable")
		return pkg.UpdateInvalidArguments
	}
	if c.EnableModem(subID, false) {
		return pkg.UpdateSuccess
	}
	return pkg.UpdateAborted
}

// EnableModemStackForNonOpportunisticSlots re-enables every slot that no
// longer hosts an opportunistic profile. Single SIM devices are left alone.
func (c *Controller) EnableModemStackForNonOpportunisticSlots(opportunistic []pkg.SubscriptionInfo) {
	phones := c.modem.PhoneCount()
	if phones < 2 {
		return
	}
	for slot := 0; slot < phones; slot++ {
		hosted := false
		for _, s := range opportunistic {
			if s.SlotIndex == slot {
				hosted = true
				break
			}
		}
		if hosted {
			continue
		}
		c.logger.Debug("Re-enabling modem stack for slot", "slot", slot, "dry_run", c.dryRun)
		ok := true
		if !c.dryRun {
			ok = c.modem.EnableModemForSlot(slot, true)
		}
		c.metrics.ModemToggled(true, ok)
	}
}

// AddSwitchCallback adds a callback to be called on switch completion
func (c *Controller) AddSwitchCallback(callback SwitchCallback) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	c.switchCallbacks = append(c.switchCallbacks, callback)
}

func (c *Controller) callSwitchCallbacks(subID int, err error) {
	c.callbacksMu.RLock()
	callbacks := make([]SwitchCallback, len(c.switchCallbacks))
	copy(callbacks, c.switchCallbacks)
	c.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		if cbErr := callback(subID, err); cbErr != nil {
			c.logger.Warn("Switch callback failed", "error", cbErr)
		}
	}
}

// GetControllerInfo returns diagnostic information
func (c *Controller) GetControllerInfo() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := map[string]interface{}{
		"dry_run":       c.dryRun,
		"token":         c.token,
		"last_switched": c.lastSwitched,
	}
	if c.pendingSub != pkg.InvalidSubscriptionID {
		info["pending_sub"] = c.pendingSub
		info["pending_for"] = time.Since(c.pendingSince).String()
	}
	return info
}
