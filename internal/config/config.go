// Package config loads the YAML description of a scheduling session.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/internal/sched"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level session description.
type Config struct {
	Run       RunConfig                   `yaml:"run" json:"run"`
	Scheduler sched.Config                `yaml:"scheduler" json:"scheduler"`
	Cells     []model.CellParams          `yaml:"cells" json:"cells"`
	UEs       []UEProfile                 `yaml:"ues" json:"ues"`
	OAM       OAMConfig                   `yaml:"oam" json:"oam"`
	Tracing   observability.TracingConfig `yaml:"tracing" json:"tracing"`
	Log       LogConfig                   `yaml:"log" json:"log"`
}

// RunConfig controls the TTI loop.
type RunConfig struct {
	TTIs     uint64 `yaml:"ttis" json:"ttis"` // 0 runs until interrupted
	StartTTI uint32 `yaml:"startTti" json:"startTti"`
	Mode     string `yaml:"mode" json:"mode"` // realtime | accelerated
	TickMs   uint32 `yaml:"tickMs" json:"tickMs"`
}

// UEProfile describes one simulated UE. ArrivalTTI and DepartureTTI count
// TTIs from the start of the run. DLBytes and ULBytes are the buffer levels
// topped up whenever the UE's queue drains.
type UEProfile struct {
	RNTI         uint16                            `yaml:"rnti" json:"rnti"`
	ArrivalTTI   uint32                            `yaml:"arrivalTti" json:"arrivalTti"`
	PreambleIdx  uint32                            `yaml:"preambleIdx" json:"preambleIdx"`
	Carriers     []model.CCConfig                  `yaml:"carriers" json:"carriers"`
	Bearers      map[model.LCID]model.BearerConfig `yaml:"bearers,omitempty" json:"bearers,omitempty"`
	DLBytes      uint32                            `yaml:"dlBytes" json:"dlBytes"`
	ULBytes      uint32                            `yaml:"ulBytes" json:"ulBytes"`
	DepartureTTI uint32                            `yaml:"departureTti,omitempty" json:"departureTti,omitempty"` // 0 stays forever
}

// UEConfig returns the scheduler view of the profile.
func (p UEProfile) UEConfig() model.UEConfig {
	return model.UEConfig{SupportedCCs: p.Carriers, Bearers: p.Bearers}.Clone()
}

// OAMConfig enables the operations endpoints. An empty address disables the listener.
type OAMConfig struct {
	HTTPAddr string `yaml:"httpAddr" json:"httpAddr"`
	GRPCAddr string `yaml:"grpcAddr" json:"grpcAddr"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, fills defaults and validates. Unknown keys are rejected.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued settings.
func (c *Config) ApplyDefaults() {
	def := sched.DefaultConfig()
	if c.Scheduler.CFI == 0 {
		c.Scheduler.CFI = def.CFI
	}
	if c.Scheduler.BytesPerPRB == 0 {
		c.Scheduler.BytesPerPRB = def.BytesPerPRB
	}
	if c.Scheduler.Msg3NofPRB == 0 {
		c.Scheduler.Msg3NofPRB = def.Msg3NofPRB
	}
	if c.Run.Mode == "" {
		c.Run.Mode = timectrl.Accelerated.String()
	}
	if c.Run.TickMs == 0 {
		c.Run.TickMs = 1
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "enb-scheduler"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	for i := range c.Cells {
		if c.Cells[i].NofPorts == 0 {
			c.Cells[i].NofPorts = 1
		}
	}
}

// Validate checks cells, UEs and run settings for consistency.
func (c *Config) Validate() error {
	if _, ok := timectrl.ParseMode(c.Run.Mode); !ok {
		return fmt.Errorf("%w: run.mode %q", ErrInvalidConfig, c.Run.Mode)
	}
	if c.Run.StartTTI >= model.NofTTIs {
		return fmt.Errorf("%w: run.startTti %d >= %d", ErrInvalidConfig, c.Run.StartTTI, model.NofTTIs)
	}
	if len(c.Cells) == 0 {
		return fmt.Errorf("%w: no cells", ErrInvalidConfig)
	}
	for i := range c.Cells {
		if err := c.Cells[i].Validate(); err != nil {
			return fmt.Errorf("%w: cells[%d]: %v", ErrInvalidConfig, i, err)
		}
		if c.Cells[i].EnbCCIdx != uint32(i) {
			return fmt.Errorf("%w: cells[%d] has enbCcIdx %d", ErrInvalidConfig, i, c.Cells[i].EnbCCIdx)
		}
	}

	rntis := make(map[uint16]struct{}, len(c.UEs))
	type prach struct{ tti, preamble uint32 }
	preambles := make(map[prach]uint16, len(c.UEs))
	for i, ue := range c.UEs {
		if ue.RNTI == 0 || model.RNTI(ue.RNTI) >= model.PRNTI {
			return fmt.Errorf("%w: ues[%d] rnti 0x%x is reserved", ErrInvalidConfig, i, ue.RNTI)
		}
		if _, dup := rntis[ue.RNTI]; dup {
			return fmt.Errorf("%w: ues[%d] duplicate rnti 0x%x", ErrInvalidConfig, i, ue.RNTI)
		}
		rntis[ue.RNTI] = struct{}{}
		if len(ue.Carriers) == 0 {
			return fmt.Errorf("%w: ues[%d] has no carriers", ErrInvalidConfig, i)
		}
		for _, cc := range ue.Carriers {
			if int(cc.EnbCCIdx) >= len(c.Cells) {
				return fmt.Errorf("%w: ues[%d] references unknown carrier %d", ErrInvalidConfig, i, cc.EnbCCIdx)
			}
		}
		if ue.PreambleIdx >= 64 {
			return fmt.Errorf("%w: ues[%d] preamble %d", ErrInvalidConfig, i, ue.PreambleIdx)
		}
		key := prach{ue.ArrivalTTI % model.NofTTIs, ue.PreambleIdx}
		if other, dup := preambles[key]; dup {
			return fmt.Errorf("%w: ues[%d] shares preamble %d at tti %d with rnti 0x%x",
				ErrInvalidConfig, i, ue.PreambleIdx, key.tti, other)
		}
		preambles[key] = ue.RNTI
		if ue.DepartureTTI != 0 && ue.DepartureTTI <= ue.ArrivalTTI {
			return fmt.Errorf("%w: ues[%d] departs before it arrives", ErrInvalidConfig, i)
		}
	}
	return nil
}

// Dump renders the configuration as YAML.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("dump config: %w", err)
	}
	return string(out), nil
}

// Default returns a runnable two-carrier session with a handful of UEs.
func Default() *Config {
	cell := func(cc, nofPRB, nrbPUCCH, offset uint32) model.CellParams {
		return model.CellParams{
			EnbCCIdx:        cc,
			NofPRB:          nofPRB,
			NrbPUCCH:        nrbPUCCH,
			PRACHConfig:     3,
			PRACHFreqOffset: offset,
			PRACHRARWindow:  10,
			SIWindowMs:      20,
			SIBs: []model.SIBConfig{
				{PeriodRF: 8, Len: 18},
				{PeriodRF: 16, Len: 41},
				{PeriodRF: 32, Len: 30},
			},
			NofPorts: 1,
		}
	}
	ccs := func(active ...bool) []model.CCConfig {
		out := make([]model.CCConfig, len(active))
		for i, a := range active {
			out[i] = model.CCConfig{EnbCCIdx: uint32(i), Active: a}
		}
		return out
	}
	cfg := &Config{
		Run:       RunConfig{TTIs: 10240},
		Scheduler: sched.DefaultConfig(),
		Cells:     []model.CellParams{cell(0, 25, 2, 4), cell(1, 50, 2, 6)},
		UEs: []UEProfile{
			{RNTI: 0x46, ArrivalTTI: 1, PreambleIdx: 1, Carriers: ccs(true), DLBytes: 500, ULBytes: 200},
			{RNTI: 0x47, ArrivalTTI: 1, PreambleIdx: 2, Carriers: ccs(true, true), DLBytes: 2000, ULBytes: 500},
			{RNTI: 0x48, ArrivalTTI: 20, PreambleIdx: 3, Carriers: ccs(true, false), DLBytes: 300, ULBytes: 300},
			{RNTI: 0x49, ArrivalTTI: 300, PreambleIdx: 1, Carriers: ccs(true), DLBytes: 100, ULBytes: 100, DepartureTTI: 5000},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
