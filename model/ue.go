package model

// BearerDirection is the configured traffic direction of a logical channel.
type BearerDirection int

const (
	BearerIdle BearerDirection = iota
	BearerUL
	BearerDL
	BearerBoth
)

// BearerConfig is the scheduler view of a radio bearer.
type BearerConfig struct {
	Direction BearerDirection `yaml:"direction" json:"direction"`
}

// CCConfig is a UE's configuration on one eNB carrier.
type CCConfig struct {
	EnbCCIdx uint32 `yaml:"enbCcIdx" json:"enbCcIdx"`
	Active   bool   `yaml:"active" json:"active"`
}

// UEConfig is the per-UE configuration produced by RRC. The first entry of
// SupportedCCs is the primary carrier.
type UEConfig struct {
	SupportedCCs []CCConfig            `yaml:"supportedCcs" json:"supportedCcs"`
	Bearers      map[LCID]BearerConfig `yaml:"bearers" json:"bearers"`
}

// PCell returns the primary carrier index.
func (c *UEConfig) PCell() (uint32, bool) {
	if c == nil || len(c.SupportedCCs) == 0 {
		return 0, false
	}
	return c.SupportedCCs[0].EnbCCIdx, true
}

// CarrierActive reports whether the UE is configured and active on enbCCIdx.
func (c *UEConfig) CarrierActive(enbCCIdx uint32) bool {
	if c == nil {
		return false
	}
	for _, cc := range c.SupportedCCs {
		if cc.EnbCCIdx == enbCCIdx {
			return cc.Active
		}
	}
	return false
}

// Clone returns a deep copy so registry records never alias caller state.
func (c UEConfig) Clone() UEConfig {
	out := UEConfig{
		SupportedCCs: append([]CCConfig(nil), c.SupportedCCs...),
	}
	if c.Bearers != nil {
		out.Bearers = make(map[LCID]BearerConfig, len(c.Bearers))
		for k, v := range c.Bearers {
			out.Bearers[k] = v
		}
	}
	return out
}
