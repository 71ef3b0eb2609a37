package decision

import (
	"sort"

	"github.com/markus-lassfolk/ons/pkg"
)

// Tie break modes among cells matching the same tier
const (
	TieBreakScanOrder = "scan_order"
	TieBreakStrongest = "strongest"
)

// BestSubscription picks the subscription to use for a batch of scan
// results. Tiers are searched from high to low; within a tier the first
// matching cell wins.
//
// With TieBreakScanOrder cells are visited in ascending signal level, which
// means the weakest matching cell of a tier decides. TieBreakStrongest visits
// cells in descending level instead. Equal levels keep scan order in both
// modes.
func BestSubscription(cells []pkg.CellInfo, candidates []pkg.AvailableNetworkInfo, tieBreak string) int {
	ordered := append([]pkg.CellInfo(nil), cells...)
	if tieBreak == TieBreakStrongest {
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Level > ordered[j].Level })
	} else {
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Level < ordered[j].Level })
	}

	for _, tier := range pkg.Tiers() {
		for _, cell := range ordered {
			mccmnc := cell.MCCMNC()
			if mccmnc == "" {
				continue
			}
			if sub := subForOperator(candidates, mccmnc, tier); sub != pkg.InvalidSubscriptionID {
				return sub
			}
		}
	}
	return pkg.InvalidSubscriptionID
}

func subForOperator(candidates []pkg.AvailableNetworkInfo, mccmnc string, tier pkg.Priority) int {
	for _, c := range candidates {
		if c.Priority != tier {
			continue
		}
		if c.HasMCCMNC(mccmnc) {
			return c.SubID
		}
	}
	return pkg.InvalidSubscriptionID
}
