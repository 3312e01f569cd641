package sched

import (
	"github.com/signalsfoundry/enb-scheduler/internal/bitmask"
	"github.com/signalsfoundry/enb-scheduler/internal/dci"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// grid is the per-TTI, per-carrier resource state the allocator books into.
type grid struct {
	cell *model.CellParams

	ul   bitmask.Mask // PRBs of tti_tx_ul
	rbgs bitmask.Mask // RBGs of tti_tx_dl
	cce  bitmask.Mask

	// guard keeps PDSCH data off a 6-PRB carrier whose ACK subframe is a
	// PRACH occasion. Broadcast and RAR are still allowed.
	guard bool
}

func newGrid(cell *model.CellParams, cfi uint32, tti model.TTIParams) *grid {
	g := &grid{
		cell: cell,
		ul:   ulBase(cell, tti.TTITxUL),
		rbgs: bitmask.New(int(cell.NofRBGs())),
		cce:  bitmask.New(int(cell.NofCCE(cfi))),
	}
	g.guard = cell.SixPRB() && cell.PRACHOpportunity(tti.TTITxUL)
	if nrb := cell.NrbPUCCH; nrb > 0 {
		g.ul.Fill(0, int(nrb))
		g.ul.Fill(int(cell.NofPRB-nrb), int(cell.NofPRB))
	}
	return g
}

// ulBase returns the PRBs of txUL taken by PRACH. PUCCH is excluded here and
// handled through the PUSCH search region instead.
func ulBase(cell *model.CellParams, txUL uint32) bitmask.Mask {
	m := bitmask.New(int(cell.NofPRB))
	if cell.PRACHOpportunity(txUL) {
		m.Fill(int(cell.PRACHFreqOffset), int(cell.PRACHFreqOffset+model.PRACHNofPRB))
	}
	return m
}

// puschRegion is the PRB range outside both PUCCH edges.
func puschRegion(cell *model.CellParams) (uint32, uint32) {
	return cell.NrbPUCCH, cell.NofPRB - cell.NrbPUCCH
}

// findULRun returns the first free run of up to want PRBs inside the PUSCH
// region, preferring a run of exactly want PRBs. ok is false if nothing is free.
func findULRun(m bitmask.Mask, cell *model.CellParams, want uint32) (dci.PRBInterval, bool) {
	lo, hi := puschRegion(cell)
	var best dci.PRBInterval
	for start := lo; start < hi; {
		if m.Test(int(start)) {
			start++
			continue
		}
		end := start
		for end < hi && end-start < want && !m.Test(int(end)) {
			end++
		}
		if end-start == want {
			return dci.PRBInterval{Start: start, Length: want}, true
		}
		if end-start > best.Length {
			best = dci.PRBInterval{Start: start, Length: end - start}
		}
		start = end
	}
	return best, best.Length > 0
}

// allocCCE books the first free aligned position at aggregation level l.
func (g *grid) allocCCE(l uint32) (model.DCILocation, bool) {
	n := 1 << l
	for start := 0; start+n <= g.cce.Size(); start += n {
		if !g.cce.Any(start, start+n) {
			g.cce.Fill(start, start+n)
			return model.DCILocation{NCCE: uint32(start), L: l}, true
		}
	}
	return model.DCILocation{}, false
}

func (g *grid) freeCCE(loc model.DCILocation) {
	for i := loc.NCCE; i < loc.NCCE+loc.NofCCE(); i++ {
		g.cce.Clear(int(i))
	}
}

// allocContiguous books the first run of free RBGs covering at least nPRB
// PRBs and returns it as a PRB interval aligned to RBG edges.
func (g *grid) allocContiguous(nPRB uint32) (dci.PRBInterval, bool) {
	nofRBGs := g.cell.NofRBGs()
	for first := uint32(0); first < nofRBGs; first++ {
		var covered uint32
		for last := first; last < nofRBGs && !g.rbgs.Test(int(last)); last++ {
			start, end := g.cell.RBGRange(last)
			covered += end - start
			if covered >= nPRB {
				g.rbgs.Fill(int(first), int(last)+1)
				s, _ := g.cell.RBGRange(first)
				return dci.PRBInterval{Start: s, Length: end - s}, true
			}
		}
	}
	return dci.PRBInterval{}, false
}

// allocRBGs books free RBGs first-fit until nPRB PRBs or maxRBGs groups are
// covered. It returns the RBG bitmap and the number of PRBs it spans.
func (g *grid) allocRBGs(nPRB, maxRBGs uint32) (uint32, uint32) {
	var bitmap, covered, n uint32
	for i := uint32(0); i < g.cell.NofRBGs() && covered < nPRB; i++ {
		if maxRBGs > 0 && n == maxRBGs {
			break
		}
		if g.rbgs.Test(int(i)) {
			continue
		}
		g.rbgs.Set(int(i))
		bitmap |= 1 << i
		start, end := g.cell.RBGRange(i)
		covered += end - start
		n++
	}
	return bitmap, covered
}

func (g *grid) freeRBGs(bitmap uint32) {
	for i := 0; i < g.rbgs.Size(); i++ {
		if bitmap&(1<<i) != 0 {
			g.rbgs.Clear(i)
		}
	}
}
