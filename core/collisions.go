package core

import (
	"errors"

	"github.com/signalsfoundry/enb-scheduler/internal/bitmask"
	"github.com/signalsfoundry/enb-scheduler/internal/dci"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// CheckPUSCHCollisions books PRACH, both PUCCH edges and every PUSCH grant
// into a cumulative PRB mask, failing on the first overlap.
//
// On a 6-PRB cell with a PRACH occasion the PUCCH edges may overlap PRACH,
// and grants without PDCCH (Msg3, non-adaptive retx) may overlap PUCCH.
func (c *OutputChecker) CheckPUSCHCollisions(tti model.TTIParams, ul *model.ULSchedResult) (bitmask.Mask, error) {
	nofPRB := c.cell.NofPRB
	allocs := bitmask.New(int(nofPRB))
	cc := c.cell.EnbCCIdx

	tryFill := func(iv dci.PRBInterval, ch string, strict bool, rnti model.RNTI) error {
		if iv.Length == 0 {
			return faultf(CheckCollision, ErrConsistency, tti, cc, rnti, "%s allocation must have at least one PRB", ch)
		}
		if iv.End() > nofPRB {
			return faultf(CheckCollision, ErrConsistency, tti, cc, rnti, "allocated %s PRBs %v out-of-bounds", ch, iv)
		}
		if strict && allocs.Any(int(iv.Start), int(iv.End())) {
			return faultf(CheckCollision, ErrCollision, tti, cc, rnti,
				"collision detected of %s alloc=%v and cumulative_mask=0x%s", ch, iv, allocs.Hex())
		}
		allocs.Fill(int(iv.Start), int(iv.End()))
		return nil
	}

	prach := c.cell.PRACHOpportunity(tti.TTITxUL)
	if prach {
		if err := tryFill(dci.PRBInterval{Start: c.cell.PRACHFreqOffset, Length: model.PRACHNofPRB}, "PRACH", true, 0); err != nil {
			return allocs, err
		}
	}

	if nrb := c.cell.NrbPUCCH; nrb > 0 {
		strict := !(c.cell.SixPRB() && prach)
		if err := tryFill(dci.PRBInterval{Start: 0, Length: nrb}, "PUCCH", strict, 0); err != nil {
			return allocs, err
		}
		if err := tryFill(dci.PRBInterval{Start: nofPRB - nrb, Length: nrb}, "PUCCH", strict, 0); err != nil {
			return allocs, err
		}
	}

	for _, pusch := range ul.PUSCH {
		iv, err := dci.ULInterval(&c.cell, pusch.DCI)
		if err != nil {
			return allocs, faultf(CheckCollision, ErrConsistency, tti, cc, pusch.DCI.RNTI, "PUSCH: %v", err)
		}
		strict := pusch.NeedsPDCCH || !c.cell.SixPRB()
		if err := tryFill(iv, "PUSCH", strict, pusch.DCI.RNTI); err != nil {
			return allocs, err
		}
	}
	return allocs, nil
}

// CheckPDSCHCollisions books BC, RAR and Data grants in that order into a
// cumulative PRB mask and then verifies that no RBG is partially used. It
// returns the resulting RBG mask.
func (c *OutputChecker) CheckPDSCHCollisions(tti model.TTIParams, dl *model.DLSchedResult) (bitmask.Mask, error) {
	cc := c.cell.EnbCCIdx
	allocs := bitmask.New(int(c.cell.NofPRB))
	rbgs := bitmask.New(int(c.cell.NofRBGs()))

	tryFill := func(d model.DLDCI, ch string) error {
		m, err := dci.DLPRBMask(&c.cell, d)
		if err != nil {
			return faultf(CheckCollision, ErrConsistency, tti, cc, d.RNTI, "failed to decode %s PDSCH grant: %v", ch, err)
		}
		if allocs.Intersects(m) {
			return faultf(CheckCollision, ErrCollision, tti, cc, d.RNTI,
				"detected collision in the DL %s allocation (%s intersects %s)", ch, allocs, m)
		}
		allocs = allocs.Or(m)
		return nil
	}

	for _, bc := range dl.BC {
		if err := tryFill(bc.DCI, "BC"); err != nil {
			return rbgs, err
		}
	}
	for _, rar := range dl.RAR {
		if err := tryFill(rar.DCI, "RAR"); err != nil {
			return rbgs, err
		}
	}

	// The ACK of this subframe lands on a PRACH occasion; a 6-PRB cell
	// cannot carry data here.
	if c.PRACHGuard(tti) {
		allocs.Fill(0, allocs.Size())
	}

	for _, data := range dl.Data {
		if err := tryFill(data.DCI, "data"); err != nil {
			return rbgs, err
		}
	}

	for i := uint32(0); i < c.cell.NofRBGs(); i++ {
		start, end := c.cell.RBGRange(i)
		if !allocs.Any(int(start), int(end)) {
			continue
		}
		if !allocs.All(int(start), int(end)) {
			return rbgs, faultf(CheckCollision, ErrCollision, tti, cc, 0, "no holes can be left in an RBG (rbg=%d mask=%s)", i, allocs)
		}
		rbgs.Set(int(i))
	}
	return rbgs, nil
}

// PRACHGuard reports whether a 6-PRB cell must keep PDSCH data off the whole
// band in this TTI.
func (c *OutputChecker) PRACHGuard(tti model.TTIParams) bool {
	return c.cell.SixPRB() && c.cell.PRACHOpportunity(tti.TTITxUL)
}

// CheckPDCCHCollisions books the CCEs of every DCI into a single pool sized
// from the CFI. UL grants without PDCCH are skipped.
func (c *OutputChecker) CheckPDCCHCollisions(tti model.TTIParams, dl *model.DLSchedResult, ul *model.ULSchedResult) (bitmask.Mask, error) {
	cc := c.cell.EnbCCIdx
	nofCCE := c.cell.NofCCE(dl.CFI)
	if nofCCE == 0 {
		return bitmask.Mask{}, faultf(CheckCCE, ErrConsistency, tti, cc, 0, "invalid CFI=%d", dl.CFI)
	}
	used := bitmask.New(int(nofCCE))

	tryFill := func(loc model.DCILocation, ch string, rnti model.RNTI) error {
		// Compared in uint64 so a bogus NCCE near the uint32 limit cannot wrap.
		start, stop := uint64(loc.NCCE), uint64(loc.NCCE)+uint64(loc.NofCCE())
		if loc.L > 3 || stop > uint64(nofCCE) {
			return faultf(CheckCCE, ErrCollision, tti, cc, rnti, "%s DCI at CCE positions (%d, %d) exceeds %d CCEs", ch, start, stop, nofCCE)
		}
		if used.Any(int(start), int(stop)) {
			return faultf(CheckCCE, ErrCollision, tti, cc, rnti, "%s DCI collision between CCE positions (%d, %d)", ch, start, stop)
		}
		used.Fill(int(start), int(stop))
		return nil
	}

	for _, pusch := range ul.PUSCH {
		if !pusch.NeedsPDCCH {
			continue
		}
		if err := tryFill(pusch.DCI.Location, "UL", pusch.DCI.RNTI); err != nil {
			return used, err
		}
	}
	for _, data := range dl.Data {
		if err := tryFill(data.DCI.Location, "DL data", data.DCI.RNTI); err != nil {
			return used, err
		}
	}
	for _, bc := range dl.BC {
		if err := tryFill(bc.DCI.Location, "DL BC", bc.DCI.RNTI); err != nil {
			return used, err
		}
	}
	for _, rar := range dl.RAR {
		if err := tryFill(rar.DCI.Location, "DL RAR", rar.DCI.RNTI); err != nil {
			return used, err
		}
	}
	return used, nil
}

// IsCollision reports whether err is a resource collision fault.
func IsCollision(err error) bool {
	return errors.Is(err, ErrCollision)
}
