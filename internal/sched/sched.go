// Package sched is a reference per-TTI MAC allocator. It books broadcast,
// random-access and data grants on every carrier so that the resulting DL/UL
// results satisfy the contracts verified by package core.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/enb-scheduler/internal/dci"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/model"
)

var (
	// ErrInvalidConfig indicates unusable scheduler or carrier settings.
	ErrInvalidConfig = errors.New("invalid scheduler config")
	// ErrUnknownUE indicates an operation on an RNTI that was never configured.
	ErrUnknownUE = errors.New("unknown ue")
)

// Config tunes the allocator. Link adaptation is out of scope, so every PRB
// carries BytesPerPRB bytes.
type Config struct {
	CFI         uint32 `yaml:"cfi" json:"cfi"`
	BytesPerPRB uint32 `yaml:"bytesPerPrb" json:"bytesPerPrb"`
	Msg3NofPRB  uint32 `yaml:"msg3NofPrb" json:"msg3NofPrb"`
	// MaxDataRBGs caps the RBGs given to one UE per TTI; 0 means no cap.
	MaxDataRBGs uint32 `yaml:"maxDataRbgs" json:"maxDataRbgs"`
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{CFI: 3, BytesPerPRB: 16, Msg3NofPRB: 2}
}

const (
	rarGrantBytes = 7
	conResBytes   = 6
	bcAggrLevel   = 2
	ueAggrLevel   = 1
	defaultDRB    = model.LCID(3)
)

// RACHInfo describes a detected preamble.
type RACHInfo struct {
	PRACHTTI    uint32
	PreambleIdx uint32
	TempCRNTI   model.RNTI
}

type raState int

const (
	raIdle raState = iota
	raWaitRAR
	raWaitMsg3
	raWaitMsg4
	raConnected
)

type ueCtx struct {
	rnti  model.RNTI
	cfg   model.UEConfig
	state raState
	rach  RACHInfo
	pcell uint32

	msg3TTI uint32 // tti_tx_ul of the Msg3 grant
	msg4TTI uint32 // tti_tx_dl of the ConRes grant

	dlPending uint32
	ulPending uint32
}

type msg3Alloc struct {
	rnti model.RNTI
	iv   dci.PRBInterval
}

type carrier struct {
	cell model.CellParams
	// sibSent holds, per SIB index, the start of the SI window in which it
	// was last broadcast.
	sibSent [model.MaxSIBs]int
	// msg3 holds the Msg3 grants promised in RARs, keyed by tti_tx_ul.
	msg3 map[uint32][]msg3Alloc
}

// Scheduler allocates PRBs, RBGs and CCEs for every carrier once per TTI.
type Scheduler struct {
	mu sync.Mutex

	cfg      Config
	carriers []*carrier
	ues      map[model.RNTI]*ueCtx
	rr       int
	log      logging.Logger
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a scheduler for cells. Carrier i must have EnbCCIdx i.
func New(cells []model.CellParams, cfg Config, opts ...Option) (*Scheduler, error) {
	if err := validate(cells, cfg); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg: cfg,
		ues: make(map[model.RNTI]*ueCtx),
		log: logging.Noop(),
	}
	for _, cell := range cells {
		c := &carrier{
			cell: cell,
			msg3: make(map[uint32][]msg3Alloc),
		}
		c.cell.SIBs = append([]model.SIBConfig(nil), cell.SIBs...)
		for k := range c.sibSent {
			c.sibSent[k] = model.NoTTI
		}
		s.carriers = append(s.carriers, c)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func validate(cells []model.CellParams, cfg Config) error {
	if len(cells) == 0 {
		return fmt.Errorf("%w: no carrier", ErrInvalidConfig)
	}
	if cfg.CFI < 1 || cfg.CFI > 3 {
		return fmt.Errorf("%w: cfi=%d", ErrInvalidConfig, cfg.CFI)
	}
	if cfg.BytesPerPRB == 0 || cfg.Msg3NofPRB == 0 {
		return fmt.Errorf("%w: bytes_per_prb=%d msg3_nof_prb=%d", ErrInvalidConfig, cfg.BytesPerPRB, cfg.Msg3NofPRB)
	}
	for i := range cells {
		cell := &cells[i]
		if err := cell.Validate(); err != nil {
			return fmt.Errorf("%w: carrier %d: %v", ErrInvalidConfig, i, err)
		}
		if cell.EnbCCIdx != uint32(i) {
			return fmt.Errorf("%w: carrier %d has enb_cc_idx=%d", ErrInvalidConfig, i, cell.EnbCCIdx)
		}
		if n := cell.NofCCE(cfg.CFI); n < 1<<bcAggrLevel {
			return fmt.Errorf("%w: carrier %d has %d CCEs at cfi=%d", ErrInvalidConfig, i, n, cfg.CFI)
		}
		for k, sib := range cell.SIBs {
			if (sib.Len+cfg.BytesPerPRB-1)/cfg.BytesPerPRB > cell.NofPRB {
				return fmt.Errorf("%w: carrier %d cannot fit SIB%d (%d bytes)", ErrInvalidConfig, i, k+1, sib.Len)
			}
		}
		lo, hi := puschRegion(cell)
		if hi-lo < cfg.Msg3NofPRB {
			return fmt.Errorf("%w: carrier %d cannot fit Msg3 in PUSCH region", ErrInvalidConfig, i)
		}
		if !cell.SixPRB() && cell.NrbPUCCH > 0 &&
			(cell.PRACHFreqOffset < lo || cell.PRACHFreqOffset+model.PRACHNofPRB > hi) {
			return fmt.Errorf("%w: carrier %d PRACH overlaps PUCCH", ErrInvalidConfig, i)
		}
	}
	return nil
}

// Config returns the allocator settings.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// UECfg adds a UE or replaces its configuration.
func (s *Scheduler) UECfg(rnti model.RNTI, cfg model.UEConfig) error {
	pcell, ok := cfg.PCell()
	if !ok {
		return fmt.Errorf("ue cfg rnti=0x%x: %w: no carrier", uint16(rnti), ErrInvalidConfig)
	}
	for _, cc := range cfg.SupportedCCs {
		if int(cc.EnbCCIdx) >= len(s.carriers) {
			return fmt.Errorf("ue cfg rnti=0x%x: %w: unknown carrier %d", uint16(rnti), ErrInvalidConfig, cc.EnbCCIdx)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, exists := s.ues[rnti]
	if !exists {
		u = &ueCtx{rnti: rnti, pcell: pcell}
		s.ues[rnti] = u
	}
	u.cfg = cfg.Clone()
	if u.state == raIdle {
		u.pcell = pcell
	}
	return nil
}

// UERem forgets a UE together with any Msg3 it was promised.
func (s *Scheduler) UERem(rnti model.RNTI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ues, rnti)
	for _, c := range s.carriers {
		for tti, allocs := range c.msg3 {
			kept := allocs[:0]
			for _, a := range allocs {
				if a.rnti != rnti {
					kept = append(kept, a)
				}
			}
			if len(kept) == 0 {
				delete(c.msg3, tti)
			} else {
				c.msg3[tti] = kept
			}
		}
	}
}

// DLRACHInfo starts the random-access procedure of the UE addressed by
// info.TempCRNTI on carrier cc, which must be its primary carrier.
func (s *Scheduler) DLRACHInfo(cc uint32, info RACHInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.ues[info.TempCRNTI]
	if !ok {
		return fmt.Errorf("rach info: %w: rnti=0x%x", ErrUnknownUE, uint16(info.TempCRNTI))
	}
	if pcell, _ := u.cfg.PCell(); pcell != cc {
		return fmt.Errorf("rach info rnti=0x%x: %w: PRACH on cc=%d but pcell=%d", uint16(u.rnti), ErrInvalidConfig, cc, pcell)
	}
	u.rach = info
	u.pcell = cc
	u.state = raWaitRAR
	return nil
}

// SetDLBuffer sets the pending DL bytes of a UE.
func (s *Scheduler) SetDLBuffer(rnti model.RNTI, bytes uint32) error {
	return s.withUE(rnti, func(u *ueCtx) { u.dlPending = bytes })
}

// SetULBuffer sets the pending UL bytes reported by a UE.
func (s *Scheduler) SetULBuffer(rnti model.RNTI, bytes uint32) error {
	return s.withUE(rnti, func(u *ueCtx) { u.ulPending = bytes })
}

// Pending returns the DL and UL bytes still queued for rnti.
func (s *Scheduler) Pending(rnti model.RNTI) (dl, ul uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.ues[rnti]
	if !ok {
		return 0, 0, false
	}
	return u.dlPending, u.ulPending, true
}

// Connected reports whether rnti has completed random access.
func (s *Scheduler) Connected(rnti model.RNTI) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.ues[rnti]
	return ok && u.state == raConnected
}

func (s *Scheduler) withUE(rnti model.RNTI, fn func(*ueCtx)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.ues[rnti]
	if !ok {
		return fmt.Errorf("%w: rnti=0x%x", ErrUnknownUE, uint16(rnti))
	}
	fn(u)
	return nil
}

// Schedule produces the DL and UL results of every carrier for tti. Results
// are indexed by carrier.
func (s *Scheduler) Schedule(ctx context.Context, tti uint32) ([]model.DLSchedResult, []model.ULSchedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tp := model.NewTTIParams(tti)
	dl := make([]model.DLSchedResult, len(s.carriers))
	ul := make([]model.ULSchedResult, len(s.carriers))
	ues := s.sortedUEs()

	for cc, c := range s.carriers {
		t := &ttiAlloc{
			s:      s,
			ctx:    ctx,
			cc:     uint32(cc),
			c:      c,
			tti:    tp,
			g:      newGrid(&c.cell, s.cfg.CFI, tp),
			dl:     &dl[cc],
			ul:     &ul[cc],
			dlUsed: make(map[model.RNTI]bool),
			ulUsed: make(map[model.RNTI]bool),
		}
		t.dl.CFI = s.cfg.CFI
		t.run(ues, s.rr)
	}
	s.rr++
	return dl, ul
}

func (s *Scheduler) sortedUEs() []*ueCtx {
	res := make([]*ueCtx, 0, len(s.ues))
	for _, u := range s.ues {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].rnti < res[j].rnti })
	return res
}
