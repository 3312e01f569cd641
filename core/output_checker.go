package core

import (
	"fmt"

	"github.com/signalsfoundry/enb-scheduler/model"
)

// OutputChecker validates the DL/UL results of one carrier against the
// resource-booking contract: PRB/RBG/CCE non-overlap, SIB placement and DCI
// consistency. It keeps no state across TTIs.
type OutputChecker struct {
	cell model.CellParams
}

// NewOutputChecker validates cell and returns a checker bound to it.
func NewOutputChecker(cell model.CellParams) (*OutputChecker, error) {
	if err := cell.Validate(); err != nil {
		return nil, fmt.Errorf("new output checker: %w", err)
	}
	cell.SIBs = append([]model.SIBConfig(nil), cell.SIBs...)
	return &OutputChecker{cell: cell}, nil
}

// Cell returns the carrier configuration the checker was built with.
func (c *OutputChecker) Cell() *model.CellParams {
	return &c.cell
}

// CheckAll runs every output check in order and stops at the first fault.
func (c *OutputChecker) CheckAll(tti model.TTIParams, dl *model.DLSchedResult, ul *model.ULSchedResult) (*Report, error) {
	rep := &Report{TTI: tti, CC: c.cell.EnbCCIdx}

	ulMask, err := c.CheckPUSCHCollisions(tti, ul)
	if err == nil {
		rep.ULPRBMask = ulMask
		rep.DLRBGMask, err = c.CheckPDSCHCollisions(tti, dl)
	}
	if err := rep.record(CheckCollision, err); err != nil {
		return rep, err
	}
	if err := rep.record(CheckSIB, c.CheckSIBScheduling(tti, dl)); err != nil {
		return rep, err
	}
	cce, err := c.CheckPDCCHCollisions(tti, dl, ul)
	if err := rep.record(CheckCCE, err); err != nil {
		return rep, err
	}
	rep.CCEMask = cce
	if err := rep.record(CheckDCI, c.CheckDCIConsistency(tti, dl, ul)); err != nil {
		return rep, err
	}
	return rep, nil
}

// CheckDCIConsistency verifies TBS, aggregation level and broadcast type of
// every grant.
func (c *OutputChecker) CheckDCIConsistency(tti model.TTIParams, dl *model.DLSchedResult, ul *model.ULSchedResult) error {
	cc := c.cell.EnbCCIdx
	for _, pusch := range ul.PUSCH {
		if pusch.TBS == 0 {
			return faultf(CheckDCI, ErrConsistency, tti, cc, pusch.DCI.RNTI, "allocated PUSCH with invalid TBS=%d", pusch.TBS)
		}
		if pusch.NeedsPDCCH && pusch.DCI.Location.L == 0 {
			return faultf(CheckDCI, ErrConsistency, tti, cc, pusch.DCI.RNTI, "invalid UL aggregation level %d", pusch.DCI.Location.L)
		}
	}
	for _, data := range dl.Data {
		if data.TBS[0] == 0 {
			return faultf(CheckDCI, ErrConsistency, tti, cc, data.DCI.RNTI, "allocated DL data has empty TBS")
		}
		if data.DCI.Location.L == 0 {
			return faultf(CheckDCI, ErrConsistency, tti, cc, data.DCI.RNTI, "invalid DL aggregation level %d", data.DCI.Location.L)
		}
	}
	for _, bc := range dl.BC {
		switch bc.Type {
		case model.BCCH:
			sibLen, ok := c.cell.SIBLen(bc.Index)
			if !ok {
				return faultf(CheckDCI, ErrConsistency, tti, cc, 0, "invalid SIB idx=%d", bc.Index+1)
			}
			if bc.TBS < sibLen {
				return faultf(CheckDCI, ErrConsistency, tti, cc, 0, "allocated BC process with TBS=%d < sib_len=%d", bc.TBS, sibLen)
			}
		case model.PCCH:
			if bc.TBS == 0 {
				return faultf(CheckDCI, ErrConsistency, tti, cc, 0, "allocated paging process with invalid TBS=%d", bc.TBS)
			}
		default:
			return faultf(CheckDCI, ErrConsistency, tti, cc, 0, "invalid broadcast process id=%d", int(bc.Type))
		}
	}
	for _, rar := range dl.RAR {
		if rar.TBS == 0 {
			return faultf(CheckDCI, ErrConsistency, tti, cc, rar.DCI.RNTI, "allocated RAR process with invalid TBS=%d", rar.TBS)
		}
	}
	return nil
}
