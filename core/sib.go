package core

import (
	"github.com/signalsfoundry/enb-scheduler/model"
)

// SIB1Due reports whether SIB1 must be broadcast in the DL subframe of tti.
func SIB1Due(tti model.TTIParams) bool {
	return tti.SFN%2 == 0 && tti.SfIdx == 5
}

// SIBWindow returns the SI window [start, end] (TTIs, inclusive) of SIB index
// k > 0 that most recently started at or before (sfn, subframe x mod 10).
//
// With x = (k-1)*si_window_ms, the window opens in the latest SFN satisfying
// SFN mod period_rf == x/10, at subframe x mod 10, and lasts si_window_ms.
// CellParams.Validate guarantees x/10 < period_rf.
func SIBWindow(cell *model.CellParams, k uint32, sfn uint32) (uint32, uint32) {
	period := cell.SIBs[k].PeriodRF
	x := (k - 1) * cell.SIWindowMs
	target := x / 10
	back := (int(sfn%model.NofSFNs) - int(target)) % int(period)
	if back < 0 {
		back += int(period)
	}
	sfnStart := (int(sfn) - back) % model.NofSFNs
	if sfnStart < 0 {
		sfnStart += model.NofSFNs
	}
	start := model.TTIAdd(uint32(sfnStart)*10, int(x%10))
	return start, model.TTIAdd(start, int(cell.SIWindowMs))
}

// CheckSIBScheduling verifies SIB1 presence on even frames, subframe 5, and
// that every other SIB is broadcast inside its SI window with enough TBS.
func (c *OutputChecker) CheckSIBScheduling(tti model.TTIParams, dl *model.DLSchedResult) error {
	cc := c.cell.EnbCCIdx

	if SIB1Due(tti) {
		found := false
		for _, bc := range dl.BC {
			if bc.Type == model.BCCH && bc.Index == 0 {
				found = true
				break
			}
		}
		if !found {
			return faultf(CheckSIB, ErrTiming, tti, cc, 0, "failed to allocate SIB1 in even sfn=%d, sf_idx==5", tti.SFN)
		}
	}

	for _, bc := range dl.BC {
		if bc.Type != model.BCCH || bc.Index == 0 {
			continue
		}
		if bc.Index >= model.MaxSIBs || int(bc.Index) >= len(c.cell.SIBs) {
			return faultf(CheckSIB, ErrConsistency, tti, cc, 0, "invalid SIB idx=%d", bc.Index+1)
		}
		if sibLen := c.cell.SIBs[bc.Index].Len; bc.TBS < sibLen {
			return faultf(CheckSIB, ErrConsistency, tti, cc, 0, "allocated BC process with TBS=%d < sib_len=%d", bc.TBS, sibLen)
		}
		start, end := SIBWindow(&c.cell, bc.Index, tti.SFN)
		if !model.TTIWithin(tti.TTITxDL, start, end) {
			return faultf(CheckSIB, ErrTiming, tti, cc, 0,
				"scheduled SIB%d at tti_tx_dl=%d is outside of its SI window [%d, %d]", bc.Index+1, tti.TTITxDL, start, end)
		}
	}
	return nil
}
