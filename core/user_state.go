package core

import (
	"fmt"

	"github.com/signalsfoundry/enb-scheduler/kb"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// UserStateChecker follows every UE through the random-access procedure and
// validates per-UE admission rules on each carrier's results. All cross-TTI
// state lives in the registry.
type UserStateChecker struct {
	cells map[uint32]model.CellParams
	reg   *kb.UERegistry
	tti   model.TTIParams
}

// NewUserStateChecker builds a checker for the given carriers. A nil registry
// is replaced by an empty one.
func NewUserStateChecker(cells []model.CellParams, reg *kb.UERegistry) (*UserStateChecker, error) {
	if len(cells) == 0 {
		return nil, fmt.Errorf("new user state checker: %w: no carrier configured", model.ErrInvalidCell)
	}
	byIdx := make(map[uint32]model.CellParams, len(cells))
	for _, cell := range cells {
		if err := cell.Validate(); err != nil {
			return nil, fmt.Errorf("new user state checker: %w", err)
		}
		if _, dup := byIdx[cell.EnbCCIdx]; dup {
			return nil, fmt.Errorf("new user state checker: %w: duplicate enb_cc_idx=%d", model.ErrInvalidCell, cell.EnbCCIdx)
		}
		byIdx[cell.EnbCCIdx] = cell
	}
	if reg == nil {
		reg = kb.NewUERegistry()
	}
	return &UserStateChecker{cells: byIdx, reg: reg}, nil
}

// NewTTI sets the TTI that subsequent lifecycle events and checks refer to.
func (c *UserStateChecker) NewTTI(tti model.TTIParams) {
	c.tti = tti
}

// TTI returns the current TTI.
func (c *UserStateChecker) TTI() model.TTIParams {
	return c.tti
}

// Registry exposes the UE table backing the checker.
func (c *UserStateChecker) Registry() *kb.UERegistry {
	return c.reg
}

// AddUser records a UE whose preamble was detected in the current TTI.
func (c *UserStateChecker) AddUser(rnti model.RNTI, preambleIdx uint32, cfg model.UEConfig) error {
	if _, ok := cfg.PCell(); !ok {
		return fmt.Errorf("add user rnti=0x%x: %w: no primary carrier", uint16(rnti), kb.ErrUEInvalid)
	}
	for _, cc := range cfg.SupportedCCs {
		if _, known := c.cells[cc.EnbCCIdx]; !known {
			return fmt.Errorf("add user rnti=0x%x: %w: unknown carrier %d", uint16(rnti), kb.ErrUEInvalid, cc.EnbCCIdx)
		}
	}
	if err := c.reg.Add(kb.NewUEState(rnti, preambleIdx, c.tti.TTIRx, cfg)); err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	return nil
}

// UserReconf replaces the configuration of a known UE.
func (c *UserStateChecker) UserReconf(rnti model.RNTI, cfg model.UEConfig) error {
	for _, cc := range cfg.SupportedCCs {
		if _, known := c.cells[cc.EnbCCIdx]; !known {
			return fmt.Errorf("reconfigure user rnti=0x%x: %w: unknown carrier %d", uint16(rnti), kb.ErrUEInvalid, cc.EnbCCIdx)
		}
	}
	if err := c.reg.Reconfigure(rnti, cfg); err != nil {
		return fmt.Errorf("reconfigure user: %w", err)
	}
	return nil
}

// BearerConfig sets one logical channel of a known UE.
func (c *UserStateChecker) BearerConfig(rnti model.RNTI, lcid model.LCID, bearer model.BearerConfig) error {
	if err := c.reg.ConfigureBearer(rnti, lcid, bearer); err != nil {
		return fmt.Errorf("bearer config: %w", err)
	}
	return nil
}

// RemUser forgets a UE.
func (c *UserStateChecker) RemUser(rnti model.RNTI) {
	c.reg.Remove(rnti)
}

// CheckAll runs the RA, control-info and SCell activation checks for one
// carrier and stops at the first fault.
func (c *UserStateChecker) CheckAll(cc uint32, dl *model.DLSchedResult, ul *model.ULSchedResult) (*Report, error) {
	rep := &Report{TTI: c.tti, CC: cc}
	if err := rep.record(CheckRA, c.CheckRA(cc, dl, ul)); err != nil {
		return rep, err
	}
	if err := rep.record(CheckAdmission, c.CheckCtrlInfo(cc, dl, ul)); err != nil {
		return rep, err
	}
	if err := rep.record(CheckSCellActive, c.CheckSCellActivation(cc, dl, ul)); err != nil {
		return rep, err
	}
	return rep, nil
}

// CheckRA validates the PRACH -> RAR -> Msg3 -> Msg4 ordering of every UE and
// advances the recorded timestamps. RAR, Msg3 and Msg4 presence is only
// tracked on the UE's primary carrier.
func (c *UserStateChecker) CheckRA(cc uint32, dl *model.DLSchedResult, ul *model.ULSchedResult) error {
	for _, ue := range c.reg.List() {
		before := ue
		err := c.checkUserRA(cc, &ue, dl, ul)
		if ue.RARTTI != before.RARTTI || ue.Msg3TTI != before.Msg3TTI || ue.Msg4TTI != before.Msg4TTI ||
			ue.Msg3Received != before.Msg3Received {
			if uerr := c.reg.Update(ue.RNTI, func(u *kb.UEState) error {
				u.RARTTI, u.Msg3TTI, u.Msg4TTI = ue.RARTTI, ue.Msg3TTI, ue.Msg4TTI
				u.Msg3Received = ue.Msg3Received
				return nil
			}); uerr != nil && err == nil {
				err = uerr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *UserStateChecker) checkUserRA(cc uint32, ue *kb.UEState, dl *model.DLSchedResult, ul *model.ULSchedResult) error {
	tti := c.tti
	rnti := ue.RNTI
	fail := func(kind error, format string, args ...any) error {
		return faultf(CheckRA, kind, tti, cc, rnti, format, args...)
	}

	if ue.Msg3TTI >= 0 && !ue.Msg3Received && !model.TTIBefore(tti.TTIRx, uint32(ue.Msg3TTI)) {
		ue.Msg3Received = true
	}

	for _, pusch := range ul.PUSCH {
		if pusch.DCI.RNTI != rnti {
			continue
		}
		if pusch.NeedsPDCCH && ue.Msg3TTI < 0 {
			return fail(ErrTiming, "no UL data allocation allowed before Msg3")
		}
		if ue.RARTTI < 0 {
			return fail(ErrTiming, "no UL allocation allowed before RAR")
		}
		if ue.Msg3TTI < 0 {
			expected := msg3TTI(ue.RARTTI)
			if model.TTIBefore(tti.TTITxUL, expected) {
				return fail(ErrTiming, "no UL allocs allowed before Msg3 alloc (tti_tx_ul=%d expected_msg3=%d)", tti.TTITxUL, expected)
			}
		}
	}

	for _, data := range dl.Data {
		if data.DCI.RNTI != rnti {
			continue
		}
		if ue.Msg3TTI < 0 {
			return fail(ErrTiming, "no DL data alloc allowed before Msg3 alloc")
		}
		if !ue.Msg3Received {
			return fail(ErrTiming, "Msg4 cannot be tx without Msg3 being received (tti_rx=%d msg3_tti=%d)", tti.TTIRx, ue.Msg3TTI)
		}
	}

	if pcell, _ := ue.Config.PCell(); pcell != cc {
		return nil
	}

	// RAR
	cell := c.cells[cc]
	winStart := model.TTIAdd(uint32(ue.PRACHTTI), 3)
	winEnd := model.TTIAdd(winStart, int(cell.PRACHRARWindow))
	if ue.RARTTI < 0 && model.TTIBefore(winEnd, tti.TTITxDL) {
		return fail(ErrTiming, "RAR not scheduled within the RAR window [%d, %d]", winStart, winEnd)
	}
	if ue.Msg4TTI < 0 {
		for _, rar := range dl.RAR {
			for _, g := range rar.Msg3Grants {
				if g.PRACHTTI != uint32(ue.PRACHTTI) || g.PreambleIdx != ue.PreambleIdx {
					continue
				}
				if ue.RARTTI >= 0 {
					return fail(ErrTiming, "there was more than one RAR for the same user (first at tti=%d)", ue.RARTTI)
				}
				if !model.TTIWithin(tti.TTITxDL, winStart, winEnd) {
					return fail(ErrTiming, "RAR at tti_tx_dl=%d outside of the RAR window [%d, %d]", tti.TTITxDL, winStart, winEnd)
				}
				ue.RARTTI = int(tti.TTITxDL)
			}
		}
	}

	// Msg3
	if ue.RARTTI >= 0 && ue.Msg3TTI < 0 {
		expected := msg3TTI(ue.RARTTI)
		switch {
		case expected == tti.TTITxUL:
			for _, pusch := range ul.PUSCH {
				if pusch.DCI.RNTI != rnti {
					continue
				}
				if pusch.NeedsPDCCH {
					return fail(ErrConsistency, "Msg3 allocations do not require PDCCH")
				}
				ue.Msg3TTI = int(tti.TTITxUL)
			}
		case model.TTIBefore(expected, tti.TTITxUL):
			return fail(ErrTiming, "no UL Msg3 allocation was made at tti=%d", expected)
		}
	}

	// Msg4
	for _, data := range dl.Data {
		if data.DCI.RNTI != rnti {
			continue
		}
		if data.HasConRes() {
			if ue.Msg4TTI >= 0 {
				return fail(ErrTiming, "ConRes CE cannot be retransmitted for the same rnti (first at tti=%d)", ue.Msg4TTI)
			}
			if data.DCI.Format != model.DCIFormat1 {
				return fail(ErrConsistency, "ConRes must be format1, got %s", data.DCI.Format)
			}
			ue.Msg4TTI = int(tti.TTITxDL)
		}
		if ue.Msg4TTI < 0 {
			return fail(ErrTiming, "data allocations are not allowed without first receiving ConRes")
		}
	}
	return nil
}

// CheckCtrlInfo verifies that every RAR belongs to exactly one UE in random
// access, on that UE's primary carrier, and that each RNTI is known and
// allocated at most once per direction.
func (c *UserStateChecker) CheckCtrlInfo(cc uint32, dl *model.DLSchedResult, ul *model.ULSchedResult) error {
	tti := c.tti
	for _, rar := range dl.RAR {
		for _, g := range rar.Msg3Grants {
			matches := c.reg.FindByPreamble(g.PRACHTTI, g.PreambleIdx)
			if len(matches) == 0 {
				return faultf(CheckAdmission, ErrAdmission, tti, cc, g.TempCRNTI,
					"there was a RAR allocation with no associated user (prach_tti=%d preamble=%d)", g.PRACHTTI, g.PreambleIdx)
			}
			if len(matches) > 1 && matches[1].Msg4TTI < 0 {
				return faultf(CheckAdmission, ErrAdmission, tti, cc, g.TempCRNTI,
					"the RAR (prach_tti=%d preamble=%d) matches %d users in random access", g.PRACHTTI, g.PreambleIdx, pendingRA(matches))
			}
			ue := matches[0]
			if pcell, _ := ue.Config.PCell(); pcell != cc {
				return faultf(CheckAdmission, ErrAdmission, tti, cc, ue.RNTI, "the allocated RAR is in the wrong cc (pcell=%d)", pcell)
			}
		}
	}

	seen := make(map[model.RNTI]struct{}, len(dl.Data))
	for _, data := range dl.Data {
		rnti := data.DCI.RNTI
		if _, dup := seen[rnti]; dup {
			return faultf(CheckAdmission, ErrAdmission, tti, cc, rnti, "the user got allocated multiple times in DL")
		}
		if !c.reg.Has(rnti) {
			return faultf(CheckAdmission, ErrAdmission, tti, cc, rnti, "the user allocated in DL does not exist")
		}
		seen[rnti] = struct{}{}
	}

	clear(seen)
	for _, pusch := range ul.PUSCH {
		rnti := pusch.DCI.RNTI
		if _, dup := seen[rnti]; dup {
			return faultf(CheckAdmission, ErrAdmission, tti, cc, rnti, "the user got allocated multiple times in UL")
		}
		if !c.reg.Has(rnti) {
			return faultf(CheckAdmission, ErrAdmission, tti, cc, rnti, "the user allocated in UL does not exist")
		}
		seen[rnti] = struct{}{}
	}
	return nil
}

func pendingRA(ues []kb.UEState) int {
	n := 0
	for _, ue := range ues {
		if ue.Msg4TTI < 0 {
			n++
		}
	}
	return n
}

// CheckSCellActivation rejects allocations for UEs on carriers they are not
// configured or not active on.
func (c *UserStateChecker) CheckSCellActivation(cc uint32, dl *model.DLSchedResult, ul *model.ULSchedResult) error {
	for _, ue := range c.reg.List() {
		if ue.Config.CarrierActive(cc) {
			continue
		}
		for _, data := range dl.Data {
			if data.DCI.RNTI == ue.RNTI {
				return faultf(CheckSCellActive, ErrAdmission, c.tti, cc, ue.RNTI, "allocated DL data to user in inactive carrier")
			}
		}
		for _, pusch := range ul.PUSCH {
			if pusch.DCI.RNTI == ue.RNTI {
				return faultf(CheckSCellActive, ErrAdmission, c.tti, cc, ue.RNTI, "allocated PUSCH to user in inactive carrier")
			}
		}
	}
	return nil
}

func msg3TTI(rarTTI int) uint32 {
	return model.TTIAdd(uint32(rarTTI), model.FDDHARQDelayMs+model.Msg3DelayMs)
}
