package sched

import (
	"context"
	"sort"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/dci"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// ttiAlloc books one carrier for one TTI.
type ttiAlloc struct {
	s   *Scheduler
	ctx context.Context
	cc  uint32
	c   *carrier
	tti model.TTIParams
	g   *grid

	dl *model.DLSchedResult
	ul *model.ULSchedResult

	dlUsed map[model.RNTI]bool
	ulUsed map[model.RNTI]bool
}

// run allocates in priority order. Msg3 was promised by an earlier RAR and
// SIB1 and RAR have hard deadlines, so they go before optional traffic.
func (t *ttiAlloc) run(ues []*ueCtx, rr int) {
	t.allocMsg3()
	t.allocSIB1()
	t.allocRAR(ues)
	t.allocSIBs()
	t.allocMsg4(ues)
	t.allocDLData(rotate(ues, rr))
	t.allocULData(rotate(ues, rr))
}

func (t *ttiAlloc) logger() logging.Logger {
	return t.s.log.With(logging.TTI(t.tti.TTIRx), logging.CC(t.cc))
}

func (t *ttiAlloc) bytesToPRB(n uint32) uint32 {
	bpp := t.s.cfg.BytesPerPRB
	return (n + bpp - 1) / bpp
}

// allocMsg3 emits the Msg3 grants promised for this tti_tx_ul.
func (t *ttiAlloc) allocMsg3() {
	txUL := t.tti.TTITxUL
	allocs := t.c.msg3[txUL]
	delete(t.c.msg3, txUL)
	for _, a := range allocs {
		u, ok := t.s.ues[a.rnti]
		if !ok || u.state != raWaitMsg3 {
			continue
		}
		t.g.ul.Fill(int(a.iv.Start), int(a.iv.End()))
		t.ul.PUSCH = append(t.ul.PUSCH, model.PUSCHGrant{
			DCI: model.ULDCI{
				RNTI: u.rnti,
				RIV:  dci.RIVFromInterval(a.iv.Start, a.iv.Length, t.c.cell.NofPRB),
			},
			TBS: a.iv.Length * t.s.cfg.BytesPerPRB,
		})
		t.ulUsed[u.rnti] = true
		u.state = raWaitMsg4
	}
}

func (t *ttiAlloc) allocSIB1() {
	if !core.SIB1Due(t.tti) {
		return
	}
	if !t.allocBC(0) {
		t.logger().Error(t.ctx, "no resources left for SIB1")
	}
}

func (t *ttiAlloc) allocSIBs() {
	cell := &t.c.cell
	for k := uint32(1); int(k) < len(cell.SIBs); k++ {
		start, end := core.SIBWindow(cell, k, t.tti.SFN)
		if !model.TTIWithin(t.tti.TTITxDL, start, end) || t.c.sibSent[k] == int(start) {
			continue
		}
		if t.allocBC(k) {
			t.c.sibSent[k] = int(start)
		}
	}
}

// allocBC books a type-2 broadcast grant for SIB index k.
func (t *ttiAlloc) allocBC(k uint32) bool {
	sibLen := t.c.cell.SIBs[k].Len
	loc, ok := t.g.allocCCE(bcAggrLevel)
	if !ok {
		return false
	}
	iv, ok := t.g.allocContiguous(t.bytesToPRB(sibLen))
	if !ok {
		t.g.freeCCE(loc)
		return false
	}
	t.dl.BC = append(t.dl.BC, model.BCGrant{
		DCI: model.DLDCI{
			RNTI:     model.SIRNTI,
			Location: loc,
			Format:   model.DCIFormat1A,
			Alloc:    model.DLAlloc{Type: model.AllocType2, RIV: dci.RIVFromInterval(iv.Start, iv.Length, t.c.cell.NofPRB)},
		},
		Type:  model.BCCH,
		Index: k,
		TBS:   iv.Length * t.s.cfg.BytesPerPRB,
	})
	return true
}

// allocRAR answers pending preambles on this primary carrier, one RAR per
// PRACH TTI. Each answered UE gets its Msg3 reserved at tti_tx_dl + 6.
func (t *ttiAlloc) allocRAR(ues []*ueCtx) {
	txDL := t.tti.TTITxDL
	groups := make(map[uint32][]*ueCtx)
	for _, u := range ues {
		if u.state != raWaitRAR || u.pcell != t.cc {
			continue
		}
		winStart := model.TTIAdd(u.rach.PRACHTTI, 3)
		winEnd := model.TTIAdd(winStart, int(t.c.cell.PRACHRARWindow))
		if model.TTIBefore(winEnd, txDL) {
			t.logger().Warn(t.ctx, "RAR window expired", logging.RNTI(uint16(u.rnti)),
				logging.Int("prach_tti", int(u.rach.PRACHTTI)))
			u.state = raIdle
			continue
		}
		if !model.TTIWithin(txDL, winStart, winEnd) {
			continue
		}
		groups[u.rach.PRACHTTI] = append(groups[u.rach.PRACHTTI], u)
	}
	prachTTIs := make([]uint32, 0, len(groups))
	for p := range groups {
		prachTTIs = append(prachTTIs, p)
	}
	// Oldest PRACH first: its window closes first.
	sort.Slice(prachTTIs, func(i, j int) bool { return model.TTIBefore(prachTTIs[i], prachTTIs[j]) })

	msg3TTI := model.TTIAdd(txDL, model.FDDHARQDelayMs+model.Msg3DelayMs)
	for _, p := range prachTTIs {
		t.allocRARGroup(p, groups[p], msg3TTI)
	}
}

func (t *ttiAlloc) allocRARGroup(prachTTI uint32, ues []*ueCtx, msg3TTI uint32) {
	cell := &t.c.cell
	ulMask := ulBase(cell, msg3TTI)
	for _, a := range t.c.msg3[msg3TTI] {
		ulMask.Fill(int(a.iv.Start), int(a.iv.End()))
	}

	var planned []msg3Alloc
	for _, u := range ues {
		iv, ok := findULRun(ulMask, cell, t.s.cfg.Msg3NofPRB)
		if !ok || iv.Length != t.s.cfg.Msg3NofPRB {
			break
		}
		ulMask.Fill(int(iv.Start), int(iv.End()))
		planned = append(planned, msg3Alloc{rnti: u.rnti, iv: iv})
	}
	if len(planned) == 0 {
		return
	}

	loc, ok := t.g.allocCCE(bcAggrLevel)
	if !ok {
		return
	}
	tbs := rarGrantBytes * uint32(len(planned))
	iv, ok := t.g.allocContiguous(t.bytesToPRB(tbs))
	if !ok {
		t.g.freeCCE(loc)
		return
	}

	rar := model.RARGrant{
		DCI: model.DLDCI{
			RNTI:     model.RNTI(1 + prachTTI%10),
			Location: loc,
			Format:   model.DCIFormat1A,
			Alloc:    model.DLAlloc{Type: model.AllocType2, RIV: dci.RIVFromInterval(iv.Start, iv.Length, cell.NofPRB)},
		},
		TBS: tbs,
	}
	for i, a := range planned {
		u := ues[i]
		rar.Msg3Grants = append(rar.Msg3Grants, model.RARMsg3Grant{
			PRACHTTI:    u.rach.PRACHTTI,
			PreambleIdx: u.rach.PreambleIdx,
			TempCRNTI:   u.rnti,
			RIV:         dci.RIVFromInterval(a.iv.Start, a.iv.Length, cell.NofPRB),
		})
		u.state = raWaitMsg3
		u.msg3TTI = msg3TTI
		t.c.msg3[msg3TTI] = append(t.c.msg3[msg3TTI], a)
	}
	t.dl.RAR = append(t.dl.RAR, rar)
	t.logger().Debug(t.ctx, "RAR scheduled", logging.Int("prach_tti", int(prachTTI)),
		logging.Int("grants", len(planned)), logging.Int("msg3_tti", int(msg3TTI)))
}

// allocMsg4 sends the contention resolution CE once Msg3 has been received.
func (t *ttiAlloc) allocMsg4(ues []*ueCtx) {
	if t.g.guard {
		return
	}
	for _, u := range ues {
		if u.state != raWaitMsg4 || u.pcell != t.cc || t.dlUsed[u.rnti] {
			continue
		}
		if model.TTIBefore(t.tti.TTIRx, u.msg3TTI) {
			continue
		}
		if !t.allocDL(u, conResBytes, []model.MACSubheader{{LCID: model.LCIDConRes, NBytes: conResBytes}}) {
			return
		}
		u.state = raConnected
		u.msg4TTI = t.tti.TTITxDL
	}
}

func (t *ttiAlloc) allocDLData(ues []*ueCtx) {
	if t.g.guard {
		return
	}
	for _, u := range ues {
		if u.state != raConnected || u.dlPending == 0 || t.dlUsed[u.rnti] || !u.cfg.CarrierActive(t.cc) {
			continue
		}
		lcid := dataLCID(&u.cfg)
		if !t.allocDL(u, u.dlPending, []model.MACSubheader{{LCID: lcid}}) {
			return
		}
	}
}

// allocDL books a format-1 type-0 grant sized for want bytes. The last
// subheader with NBytes unset takes whatever the TBS leaves. A grant too small
// for the fixed-size subheaders is released again.
func (t *ttiAlloc) allocDL(u *ueCtx, want uint32, pdus []model.MACSubheader) bool {
	loc, ok := t.g.allocCCE(ueAggrLevel)
	if !ok {
		return false
	}
	bitmap, covered := t.g.allocRBGs(t.bytesToPRB(want), t.s.cfg.MaxDataRBGs)
	if covered == 0 {
		t.g.freeCCE(loc)
		return false
	}
	tbs := covered * t.s.cfg.BytesPerPRB
	if tbs < fixedBytes(pdus) {
		t.g.freeRBGs(bitmap)
		t.g.freeCCE(loc)
		return false
	}
	if n := len(pdus) - 1; pdus[n].NBytes == 0 {
		pdus[n].NBytes = min(want, tbs)
		u.dlPending -= pdus[n].NBytes
	}
	t.dl.Data = append(t.dl.Data, model.DataGrant{
		DCI: model.DLDCI{
			RNTI:     u.rnti,
			Location: loc,
			Format:   model.DCIFormat1,
			Alloc:    model.DLAlloc{Type: model.AllocType0, RBGBitmap: bitmap},
		},
		TBS:  [2]uint32{tbs, 0},
		PDUs: pdus,
	})
	t.dlUsed[u.rnti] = true
	return true
}

func fixedBytes(pdus []model.MACSubheader) uint32 {
	var n uint32
	for _, p := range pdus {
		n += p.NBytes
	}
	return n
}

func (t *ttiAlloc) allocULData(ues []*ueCtx) {
	cell := &t.c.cell
	for _, u := range ues {
		if u.state != raConnected || u.ulPending == 0 || t.ulUsed[u.rnti] || !u.cfg.CarrierActive(t.cc) {
			continue
		}
		iv, ok := findULRun(t.g.ul, cell, t.bytesToPRB(u.ulPending))
		if !ok {
			return
		}
		loc, ok := t.g.allocCCE(ueAggrLevel)
		if !ok {
			return
		}
		t.g.ul.Fill(int(iv.Start), int(iv.End()))
		tbs := iv.Length * t.s.cfg.BytesPerPRB
		t.ul.PUSCH = append(t.ul.PUSCH, model.PUSCHGrant{
			DCI: model.ULDCI{
				RNTI:     u.rnti,
				Location: loc,
				RIV:      dci.RIVFromInterval(iv.Start, iv.Length, cell.NofPRB),
			},
			NeedsPDCCH: true,
			TBS:        tbs,
		})
		u.ulPending -= min(u.ulPending, tbs)
		t.ulUsed[u.rnti] = true
	}
}

// dataLCID picks the lowest configured DL-capable bearer above SRB2.
func dataLCID(cfg *model.UEConfig) model.LCID {
	best := model.LCID(0)
	for lcid, b := range cfg.Bearers {
		if lcid < defaultDRB || (b.Direction != model.BearerDL && b.Direction != model.BearerBoth) {
			continue
		}
		if best == 0 || lcid < best {
			best = lcid
		}
	}
	if best == 0 {
		return defaultDRB
	}
	return best
}

func rotate(ues []*ueCtx, rr int) []*ueCtx {
	if len(ues) == 0 {
		return ues
	}
	k := rr % len(ues)
	out := make([]*ueCtx, 0, len(ues))
	out = append(out, ues[k:]...)
	return append(out, ues[:k]...)
}
