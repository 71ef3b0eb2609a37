package pkg

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Subscription id sentinels used by the telephony platform
const (
	InvalidSubscriptionID = -1
	DefaultSubscriptionID = math.MaxInt32
)

// Priority is a candidate tier. Lower values are preferred.
type Priority int

const (
	PriorityHigh Priority = 1
	PriorityMed  Priority = 2
	PriorityLow  Priority = 3
)

// Tiers returns every priority tier from most to least preferred
func Tiers() []Priority {
	return []Priority{PriorityHigh, PriorityMed, PriorityLow}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMed:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known tiers
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// AvailableNetworkInfo describes one candidate subscription a caller believes
// is usable at the current location.
type AvailableNetworkInfo struct {
	SubID    int      `json:"sub_id"`
	Priority Priority `json:"priority"`
	MCCMNCs  []string `json:"mcc_mncs,omitempty"`
	Bands    []int    `json:"bands,omitempty"`
}

// Equal compares two entries field by field, list order included
func (a AvailableNetworkInfo) Equal(b AvailableNetworkInfo) bool {
	if a.SubID != b.SubID || a.Priority != b.Priority {
		return false
	}
	if len(a.MCCMNCs) != len(b.MCCMNCs) || len(a.Bands) != len(b.Bands) {
		return false
	}
	for i := range a.MCCMNCs {
		if a.MCCMNCs[i] != b.MCCMNCs[i] {
			return false
		}
	}
	for i := range a.Bands {
		if a.Bands[i] != b.Bands[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (a AvailableNetworkInfo) Clone() AvailableNetworkInfo {
	c := a
	if a.MCCMNCs != nil {
		c.MCCMNCs = append([]string(nil), a.MCCMNCs...)
	}
	if a.Bands != nil {
		c.Bands = append([]int(nil), a.Bands...)
	}
	return c
}

func (a AvailableNetworkInfo) key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|", a.SubID, a.Priority)
	b.WriteString(strings.Join(a.MCCMNCs, ","))
	b.WriteByte('|')
	for i, band := range a.Bands {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", band)
	}
	return b.String()
}

// HasMCCMNC reports whether the entry lists the given operator id
func (a AvailableNetworkInfo) HasMCCMNC(mccmnc string) bool {
	for _, m := range a.MCCMNCs {
		if m == mccmnc {
			return true
		}
	}
	return false
}

// CloneNetworks deep copies a candidate batch
func CloneNetworks(nets []AvailableNetworkInfo) []AvailableNetworkInfo {
	if nets == nil {
		return nil
	}
	out := make([]AvailableNetworkInfo, len(nets))
	for i, n := range nets {
		out[i] = n.Clone()
	}
	return out
}

// SortByPriority orders a batch from most to least preferred tier, keeping
// submission order within a tier.
func SortByPriority(nets []AvailableNetworkInfo) {
	sort.SliceStable(nets, func(i, j int) bool {
		return nets[i].Priority < nets[j].Priority
	})
}

// SameNetworks reports whether two batches hold the same set of entries.
// Order and duplicates are ignored. A nil batch never matches.
func SameNetworks(a, b []AvailableNetworkInfo) bool {
	if a == nil || b == nil {
		return false
	}
	left := make(map[string]struct{}, len(a))
	for _, n := range a {
		left[n.key()] = struct{}{}
	}
	right := make(map[string]struct{}, len(b))
	for _, n := range b {
		right[n.key()] = struct{}{}
	}
	if len(left) != len(right) {
		return false
	}
	for k := range left {
		if _, ok := right[k]; !ok {
			return false
		}
	}
	return true
}

// CallerClass separates the two kinds of requesters
type CallerClass int

const (
	ClassCarrier CallerClass = iota
	ClassSystem
)

func (c CallerClass) String() string {
	switch c {
	case ClassCarrier:
		return "carrier"
	case ClassSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Other returns the opposite caller class
func (c CallerClass) Other() CallerClass {
	if c == ClassCarrier {
		return ClassSystem
	}
	return ClassCarrier
}

// Caller identifies whoever invoked a public operation
type Caller struct {
	Package string `json:"package"`
}

// RAT is a radio access technology
type RAT int

const (
	RATUnknown RAT = iota
	RATGERAN
	RATUTRAN
	RATEUTRAN
	RATNGRAN
)

func (r RAT) String() string {
	switch r {
	case RATGERAN:
		return "geran"
	case RATUTRAN:
		return "utran"
	case RATEUTRAN:
		return "eutran"
	case RATNGRAN:
		return "ngran"
	default:
		return "unknown"
	}
}

// ParseRAT converts a textual RAT name, as used in config and scenario files
func ParseRAT(s string) (RAT, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "geran", "gsm", "2g":
		return RATGERAN, nil
	case "utran", "umts", "3g":
		return RATUTRAN, nil
	case "eutran", "lte", "4g":
		return RATEUTRAN, nil
	case "ngran", "nr", "5g":
		return RATNGRAN, nil
	default:
		return RATUnknown, fmt.Errorf("unknown radio access technology %q", s)
	}
}

// CellInfo is a single scan result reported by the radio
type CellInfo struct {
	RAT    RAT    `json:"rat"`
	MCC    string `json:"mcc"`
	MNC    string `json:"mnc"`
	RSRP   int    `json:"rsrp"`
	Level  int    `json:"level"`
	CellID int64  `json:"cell_id,omitempty"`
}

// MCCMNC returns the operator id of an LTE cell, or "" for other RATs
func (c CellInfo) MCCMNC() string {
	if c.RAT != RATEUTRAN {
		return ""
	}
	return c.MCC + c.MNC
}

// SubscriptionInfo describes a SIM or eSIM profile known to the platform
type SubscriptionInfo struct {
	ID            int    `json:"id"`
	SlotIndex     int    `json:"slot_index"`
	Opportunistic bool   `json:"opportunistic"`
	Embedded      bool   `json:"embedded"`
	GroupDisabled bool   `json:"group_disabled"`
	CarrierName   string `json:"carrier_name,omitempty"`
}

// UpdateResult is the terminal outcome of an update-available-networks request
type UpdateResult int

const (
	UpdateSuccess            UpdateResult = 0
	UpdateUnknownFailure     UpdateResult = 1
	UpdateAborted            UpdateResult = 2
	UpdateInvalidArguments   UpdateResult = 3
	UpdateNoCarrierPrivilege UpdateResult = 4
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateSuccess:
		return "success"
	case UpdateUnknownFailure:
		return "unknown_failure"
	case UpdateAborted:
		return "aborted"
	case UpdateInvalidArguments:
		return "invalid_arguments"
	case UpdateNoCarrierPrivilege:
		return "no_carrier_privilege"
	default:
		return fmt.Sprintf("update_result(%d)", int(r))
	}
}

// SetDataResult is the outcome of a preferred data subscription change
type SetDataResult int

const (
	SetDataSuccess              SetDataResult = 0
	SetDataValidationFailed     SetDataResult = 1
	SetDataInactiveSubscription SetDataResult = 2
)

func (r SetDataResult) String() string {
	switch r {
	case SetDataSuccess:
		return "success"
	case SetDataValidationFailed:
		return "validation_failed"
	case SetDataInactiveSubscription:
		return "inactive_subscription"
	default:
		return fmt.Sprintf("set_data_result(%d)", int(r))
	}
}

// ScanError is the error code reported by a failed radio scan
type ScanError int

const (
	ScanErrorModem            ScanError = 1
	ScanErrorInvalidScan      ScanError = 2
	ScanErrorModemUnavailable ScanError = 3
	ScanErrorUnsupported      ScanError = 4
	ScanErrorRadioInterface   ScanError = 10000
	ScanErrorInvalidScanID    ScanError = 10001
	ScanErrorInterrupted      ScanError = 10002
)

func (e ScanError) String() string {
	switch e {
	case ScanErrorModem:
		return "modem_error"
	case ScanErrorInvalidScan:
		return "invalid_scan"
	case ScanErrorModemUnavailable:
		return "modem_unavailable"
	case ScanErrorUnsupported:
		return "unsupported"
	case ScanErrorRadioInterface:
		return "radio_interface_error"
	case ScanErrorInvalidScanID:
		return "invalid_scan_id"
	case ScanErrorInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("scan_error(%d)", int(e))
	}
}

// ScanType of a radio scan request
type ScanType int

const (
	ScanTypeOneShot ScanType = iota
	ScanTypePeriodic
)

// EutranBand48 is always included in opportunistic scans
const EutranBand48 = 48

// RadioAccessSpecifier selects a RAT and the bands to search on it
type RadioAccessSpecifier struct {
	RAT   RAT   `json:"rat"`
	Bands []int `json:"bands"`
}

// ScanRequest is the immutable description of one network scan
type ScanRequest struct {
	ScanType                 ScanType               `json:"scan_type"`
	Specifiers               []RadioAccessSpecifier `json:"specifiers"`
	Periodicity              time.Duration          `json:"periodicity"`
	MaxSearchTime            time.Duration          `json:"max_search_time"`
	IncrementalResults       bool                   `json:"incremental_results"`
	IncrementalResultsPeriod time.Duration          `json:"incremental_results_period"`
	MCCMNCs                  []string               `json:"mcc_mncs"`
}

// Equal reports whether two requests would produce the same scan
func (r ScanRequest) Equal(o ScanRequest) bool {
	if r.ScanType != o.ScanType || r.Periodicity != o.Periodicity ||
		r.MaxSearchTime != o.MaxSearchTime || r.IncrementalResults != o.IncrementalResults ||
		r.IncrementalResultsPeriod != o.IncrementalResultsPeriod {
		return false
	}
	if len(r.Specifiers) != len(o.Specifiers) || len(r.MCCMNCs) != len(o.MCCMNCs) {
		return false
	}
	for i := range r.Specifiers {
		a, b := r.Specifiers[i], o.Specifiers[i]
		if a.RAT != b.RAT || len(a.Bands) != len(b.Bands) {
			return false
		}
		for j := range a.Bands {
			if a.Bands[j] != b.Bands[j] {
				return false
			}
		}
	}
	for i := range r.MCCMNCs {
		if r.MCCMNCs[i] != o.MCCMNCs[i] {
			return false
		}
	}
	return true
}
