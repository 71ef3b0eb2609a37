// Package sim is an in-process telephony platform driven by a YAML scenario.
// It backs the daemon on hosts without a modem and the service level tests.
package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/markus-lassfolk/ons/pkg"
)

// Scenario describes the simulated device
type Scenario struct {
	PhoneCount       int                   `yaml:"phone_count"`
	DefaultSub       int                   `yaml:"default_sub"`
	DefaultVoiceSub  int                   `yaml:"default_voice_sub"`
	PreferredDataSub int                   `yaml:"preferred_data_sub"`
	Subscriptions    []SubscriptionSpec    `yaml:"subscriptions"`
	CarrierConfig    map[string]int        `yaml:"carrier_config"`
	Callers          map[string]CallerSpec `yaml:"callers"`
	Cells            []CellSpec            `yaml:"cells"`
	Scan             ScanSpec              `yaml:"scan"`
	Switch           SwitchSpec            `yaml:"switch"`
	Modem            ModemSpec             `yaml:"modem"`
}

// SubscriptionSpec is one SIM or eSIM profile
type SubscriptionSpec struct {
	ID            int    `yaml:"id"`
	Slot          int    `yaml:"slot"`
	Opportunistic bool   `yaml:"opportunistic"`
	Embedded      bool   `yaml:"embedded"`
	GroupDisabled bool   `yaml:"group_disabled"`
	Active        bool   `yaml:"active"`
	Carrier       string `yaml:"carrier"`
}

// CallerSpec lists what a caller package is allowed to do
type CallerSpec struct {
	ModifyPhoneState  bool  `yaml:"modify_phone_state"`
	CarrierPrivileged []int `yaml:"carrier_privileged"`
	CanManage         []int `yaml:"can_manage"`
}

// CellSpec is one visible cell
type CellSpec struct {
	RAT   string `yaml:"rat"`
	MCC   string `yaml:"mcc"`
	MNC   string `yaml:"mnc"`
	RSRP  int    `yaml:"rsrp"`
	Level int    `yaml:"level"`
}

// ScanSpec controls how scans behave. With Auto unset results are only
// delivered through Platform.EmitResults.
type ScanSpec struct {
	Auto    bool `yaml:"auto"`
	DelayMS int  `yaml:"delay_ms"`
	Error   int  `yaml:"error"`
	Reject  bool `yaml:"reject"`
}

// SwitchSpec controls subscription switches. With Auto unset switches stay
// pending until Platform.CompletePendingSwitch.
type SwitchSpec struct {
	Auto    bool `yaml:"auto"`
	DelayMS int  `yaml:"delay_ms"`
	Fail    bool `yaml:"fail"`
}

// ModemSpec controls modem stack toggles
type ModemSpec struct {
	Fail bool `yaml:"fail"`
}

// DefaultScenario is a dual SIM device with one physical primary profile and
// two opportunistic eSIM profiles that see a single LTE operator
func DefaultScenario() *Scenario {
	return &Scenario{
		PhoneCount:       2,
		DefaultSub:       1,
		DefaultVoiceSub:  1,
		PreferredDataSub: 1,
		Subscriptions: []SubscriptionSpec{
			{ID: 1, Slot: 0, Active: true, Carrier: "home"},
			{ID: 5, Slot: 1, Opportunistic: true, Embedded: true, Carrier: "cbrs-a"},
			{ID: 6, Slot: 1, Opportunistic: true, Embedded: true, Carrier: "cbrs-b"},
		},
		CarrierConfig: map[string]int{},
		Callers: map[string]CallerSpec{
			"system":  {ModifyPhoneState: true},
			"carrier": {CarrierPrivileged: []int{1, 5, 6}},
		},
		Cells: []CellSpec{
			{RAT: "lte", MCC: "310", MNC: "260", RSRP: -95, Level: 3},
		},
		Scan:   ScanSpec{Auto: true, DelayMS: 200},
		Switch: SwitchSpec{Auto: true, DelayMS: 500},
	}
}

// LoadScenario reads a scenario file. An empty path returns DefaultScenario.
func LoadScenario(path string) (*Scenario, error) {
	if path == "" {
		return DefaultScenario(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario
func ParseScenario(data []byte) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return s, nil
}

func (s *Scenario) validate() error {
	if s.PhoneCount == 0 {
		s.PhoneCount = 1
	}
	if s.PhoneCount < 0 || s.PhoneCount > 4 {
		return fmt.Errorf("phone_count must be between 1 and 4, got %d", s.PhoneCount)
	}
	seen := make(map[int]bool)
	for _, sub := range s.Subscriptions {
		if sub.ID < 0 {
			return fmt.Errorf("subscription id must not be negative, got %d", sub.ID)
		}
		if seen[sub.ID] {
			return fmt.Errorf("duplicate subscription id %d", sub.ID)
		}
		seen[sub.ID] = true
		if sub.Slot < 0 || sub.Slot >= s.PhoneCount {
			return fmt.Errorf("subscription %d: slot %d out of range", sub.ID, sub.Slot)
		}
	}
	for i, c := range s.Cells {
		if _, err := pkg.ParseRAT(c.RAT); err != nil {
			return fmt.Errorf("cell %d: %w", i, err)
		}
	}
	if s.DefaultVoiceSub == 0 {
		s.DefaultVoiceSub = s.DefaultSub
	}
	if s.PreferredDataSub == 0 {
		s.PreferredDataSub = s.DefaultSub
	}
	if s.CarrierConfig == nil {
		s.CarrierConfig = map[string]int{}
	}
	if s.Callers == nil {
		s.Callers = map[string]CallerSpec{}
	}
	return nil
}

func (c CellSpec) cellInfo() pkg.CellInfo {
	rat, _ := pkg.ParseRAT(c.RAT)
	return pkg.CellInfo{RAT: rat, MCC: c.MCC, MNC: c.MNC, RSRP: c.RSRP, Level: c.Level}
}

func (s SubscriptionSpec) info() pkg.SubscriptionInfo {
	return pkg.SubscriptionInfo{
		ID:            s.ID,
		SlotIndex:     s.Slot,
		Opportunistic: s.Opportunistic,
		Embedded:      s.Embedded,
		GroupDisabled: s.GroupDisabled,
		CarrierName:   s.Carrier,
	}
}
