package model

import (
	"errors"
	"fmt"
)

// MaxSIBs is the number of SIB slots a cell can carry (SIB1..SIB14).
const MaxSIBs = 14

// PRACHNofPRB is the bandwidth of a PRACH occasion.
const PRACHNofPRB = 6

// ErrInvalidCell indicates CellParams that are not mutually consistent.
var ErrInvalidCell = errors.New("invalid cell parameters")

// SIBConfig describes one SIB entry of the scheduling table.
type SIBConfig struct {
	PeriodRF uint32 `yaml:"periodRf" json:"periodRf"` // period in radio frames
	Len      uint32 `yaml:"len" json:"len"`           // payload length in bytes
}

// PHICHResources is the Ng parameter of the PHICH configuration.
type PHICHResources string

const (
	PHICHOneSixth PHICHResources = "1/6"
	PHICHHalf     PHICHResources = "1/2"
	PHICHOne      PHICHResources = "1"
	PHICHTwo      PHICHResources = "2"
)

// ratio returns Ng as numerator/denominator.
func (r PHICHResources) ratio() (uint32, uint32, bool) {
	switch r {
	case PHICHOneSixth, "":
		return 1, 6, true
	case PHICHHalf:
		return 1, 2, true
	case PHICHOne:
		return 1, 1, true
	case PHICHTwo:
		return 2, 1, true
	}
	return 0, 0, false
}

// CellParams is the static configuration of one carrier.
type CellParams struct {
	EnbCCIdx        uint32         `yaml:"enbCcIdx" json:"enbCcIdx"`
	NofPRB          uint32         `yaml:"nofPrb" json:"nofPrb"`
	NrbPUCCH        uint32         `yaml:"nrbPucch" json:"nrbPucch"`
	PRACHConfig     uint32         `yaml:"prachConfig" json:"prachConfig"`
	PRACHFreqOffset uint32         `yaml:"prachFreqOffset" json:"prachFreqOffset"`
	PRACHRARWindow  uint32         `yaml:"prachRarWindow" json:"prachRarWindow"`
	SIWindowMs      uint32         `yaml:"siWindowMs" json:"siWindowMs"`
	SIBs            []SIBConfig    `yaml:"sibs" json:"sibs"`
	NofPorts        uint32         `yaml:"nofPorts" json:"nofPorts"`
	PHICHResources  PHICHResources `yaml:"phichResources" json:"phichResources"`
	// CCEOverride, when non-zero, replaces the computed CCE count for CFI 1..3.
	CCEOverride [3]uint32 `yaml:"cceOverride" json:"cceOverride"`
}

// Validate checks the invariants between PRB count, PUCCH width, PRACH
// placement and the SIB table.
func (c *CellParams) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil cell", ErrInvalidCell)
	}
	switch c.NofPRB {
	case 6, 15, 25, 50, 75, 100:
	default:
		return fmt.Errorf("%w: unsupported nof_prb=%d", ErrInvalidCell, c.NofPRB)
	}
	if 2*c.NrbPUCCH >= c.NofPRB {
		return fmt.Errorf("%w: nrb_pucch=%d leaves no room for PUSCH in %d PRBs", ErrInvalidCell, c.NrbPUCCH, c.NofPRB)
	}
	if c.PRACHConfig >= 64 {
		return fmt.Errorf("%w: prach_config=%d", ErrInvalidCell, c.PRACHConfig)
	}
	if c.PRACHFreqOffset+PRACHNofPRB > c.NofPRB {
		return fmt.Errorf("%w: PRACH (%d,%d) out of band", ErrInvalidCell, c.PRACHFreqOffset, c.PRACHFreqOffset+PRACHNofPRB)
	}
	if c.NofPorts > 4 {
		return fmt.Errorf("%w: nof_ports=%d", ErrInvalidCell, c.NofPorts)
	}
	if _, _, ok := c.PHICHResources.ratio(); !ok {
		return fmt.Errorf("%w: phich_resources=%q", ErrInvalidCell, c.PHICHResources)
	}
	if len(c.SIBs) == 0 {
		return fmt.Errorf("%w: SIB1 must be configured", ErrInvalidCell)
	}
	if len(c.SIBs) > MaxSIBs {
		return fmt.Errorf("%w: %d SIBs configured, max %d", ErrInvalidCell, len(c.SIBs), MaxSIBs)
	}
	for i, sib := range c.SIBs {
		if sib.PeriodRF == 0 || sib.Len == 0 {
			return fmt.Errorf("%w: SIB%d period_rf=%d len=%d", ErrInvalidCell, i+1, sib.PeriodRF, sib.Len)
		}
	}
	if len(c.SIBs) > 1 && c.SIWindowMs == 0 {
		return fmt.Errorf("%w: si_window_ms must be set when SIB2+ are configured", ErrInvalidCell)
	}
	// SIB k opens its window (k-1)*si_window_ms into the SI period, which
	// must still fall inside that period.
	for k := 1; k < len(c.SIBs); k++ {
		if offset := uint32(k-1) * c.SIWindowMs / 10; offset >= c.SIBs[k].PeriodRF {
			return fmt.Errorf("%w: SIB%d window starts at radio frame %d of a %d-frame period",
				ErrInvalidCell, k+1, offset, c.SIBs[k].PeriodRF)
		}
	}
	return nil
}

// P returns the RBG size for the cell bandwidth (36.213 Table 7.1.6.1-1).
func (c *CellParams) P() uint32 {
	switch {
	case c.NofPRB <= 10:
		return 1
	case c.NofPRB <= 26:
		return 2
	case c.NofPRB <= 63:
		return 3
	default:
		return 4
	}
}

// NofRBGs returns ceil(NofPRB / P).
func (c *CellParams) NofRBGs() uint32 {
	p := c.P()
	return (c.NofPRB + p - 1) / p
}

// RBGRange returns the PRB range [start, end) covered by RBG i. The last RBG
// may be narrower than P.
func (c *CellParams) RBGRange(i uint32) (uint32, uint32) {
	p := c.P()
	start := i * p
	end := start + p
	if end > c.NofPRB {
		end = c.NofPRB
	}
	return start, end
}

// NofCCE returns the number of PDCCH CCEs available for the given CFI.
func (c *CellParams) NofCCE(cfi uint32) uint32 {
	if cfi < 1 || cfi > 3 {
		return 0
	}
	if o := c.CCEOverride[cfi-1]; o > 0 {
		return o
	}
	nsym := cfi
	if c.NofPRB <= 10 {
		nsym++
	}
	var regs uint32
	for s := uint32(0); s < nsym; s++ {
		switch {
		case s == 0:
			regs += 2 * c.NofPRB
		case s == 1 && c.NofPorts == 4:
			regs += 2 * c.NofPRB
		default:
			regs += 3 * c.NofPRB
		}
	}
	num, den, _ := c.PHICHResources.ratio()
	groups := (num*c.NofPRB + 8*den - 1) / (8 * den)
	used := uint32(4) + 3*groups
	if regs <= used {
		return 0
	}
	return (regs - used) / 9
}

// SixPRB reports whether the cell is the minimal 1.4 MHz configuration, the
// only one where Msg3/PUCCH overlap and the PRACH downlink guard apply.
func (c *CellParams) SixPRB() bool {
	return c.NofPRB == 6
}

// prachSubframes lists the PRACH subframes for each PRACH configuration
// index modulo 16 (36.211 Table 5.7.1-2, FDD).
var prachSubframes = [16][]uint32{
	{1}, {4}, {7}, {1}, {4}, {7},
	{1, 6}, {2, 7}, {3, 8},
	{1, 4, 7}, {2, 5, 8}, {3, 6, 9},
	{0, 2, 4, 6, 8}, {1, 3, 5, 7, 9},
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{9},
}

// PRACHOpportunity reports whether tti carries a PRACH occasion.
func (c *CellParams) PRACHOpportunity(tti uint32) bool {
	idx := c.PRACHConfig % 16
	evenOnly := idx < 3 || idx == 15
	if evenOnly && (tti/10)%2 != 0 {
		return false
	}
	sf := tti % 10
	for _, s := range prachSubframes[idx] {
		if s == sf {
			return true
		}
	}
	return false
}

// SIBLen returns the configured length of SIB index k, or false if k is not configured.
func (c *CellParams) SIBLen(k uint32) (uint32, bool) {
	if int(k) >= len(c.SIBs) {
		return 0, false
	}
	return c.SIBs[k].Len, true
}
