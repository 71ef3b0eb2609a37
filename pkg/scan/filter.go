package scan

import (
	"sort"

	"github.com/markus-lassfolk/ons/pkg"
)

// FilterCells keeps LTE cells whose operator id is wanted and whose RSRP
// reaches the threshold. Input order is preserved.
func FilterCells(cells []pkg.CellInfo, wanted map[string]struct{}, rsrpThreshold int) []pkg.CellInfo {
	var out []pkg.CellInfo
	for _, cell := range cells {
		if cell.RAT != pkg.RATEUTRAN {
			continue
		}
		if _, ok := wanted[cell.MCCMNC()]; !ok {
			continue
		}
		if cell.RSRP < rsrpThreshold {
			continue
		}
		out = append(out, cell)
	}
	return out
}

// BuildRequest derives a periodic EUTRAN scan from a candidate batch. Operator
// ids keep first-seen order without duplicates; bands are sorted and always
// include band 48.
func BuildRequest(cfg Config, candidates []pkg.AvailableNetworkInfo) pkg.ScanRequest {
	seen := map[string]struct{}{}
	var mccmncs []string
	bandSet := map[int]struct{}{pkg.EutranBand48: {}}

	for _, c := range candidates {
		for _, m := range c.MCCMNCs {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			mccmncs = append(mccmncs, m)
		}
		for _, b := range c.Bands {
			bandSet[b] = struct{}{}
		}
	}

	bands := make([]int, 0, len(bandSet))
	for b := range bandSet {
		bands = append(bands, b)
	}
	sort.Ints(bands)

	return pkg.ScanRequest{
		ScanType:                 pkg.ScanTypePeriodic,
		Specifiers:               []pkg.RadioAccessSpecifier{{RAT: pkg.RATEUTRAN, Bands: bands}},
		Periodicity:              cfg.Periodicity,
		MaxSearchTime:            cfg.MaxSearch,
		IncrementalResults:       false,
		IncrementalResultsPeriod: cfg.IncrementalPeriod,
		MCCMNCs:                  mccmncs,
	}
}

func mccmncSet(req pkg.ScanRequest) map[string]struct{} {
	set := make(map[string]struct{}, len(req.MCCMNCs))
	for _, m := range req.MCCMNCs {
		set[m] = struct{}{}
	}
	return set
}
