package model

// RNTI addresses a UE (or a broadcast/RA context) on the air interface.
type RNTI uint16

const (
	// SIRNTI addresses system information broadcasts.
	SIRNTI RNTI = 0xFFFF
	// PRNTI addresses paging.
	PRNTI RNTI = 0xFFFE
)

// LCID identifies a logical channel or a MAC control element.
type LCID uint32

// LCIDConRes is the MAC CE carrying the UE Contention Resolution Identity.
const LCIDConRes LCID = 62

// DCIFormat is the downlink control information format of a DL grant.
type DCIFormat int

const (
	DCIFormat0 DCIFormat = iota
	DCIFormat1
	DCIFormat1A
	DCIFormat1C
	DCIFormat2A
)

func (f DCIFormat) String() string {
	switch f {
	case DCIFormat0:
		return "0"
	case DCIFormat1:
		return "1"
	case DCIFormat1A:
		return "1A"
	case DCIFormat1C:
		return "1C"
	case DCIFormat2A:
		return "2A"
	}
	return "unknown"
}

// DCILocation is the PDCCH position of a DCI. The DCI occupies CCEs
// [NCCE, NCCE + 2^L).
type DCILocation struct {
	NCCE uint32
	L    uint32 // aggregation level exponent: 0..3 for 1, 2, 4, 8 CCEs
}

// NofCCE returns 2^L.
func (l DCILocation) NofCCE() uint32 {
	return 1 << l.L
}

// AllocType selects how a DL DCI encodes its PRBs.
type AllocType int

const (
	// AllocType0 is a bitmap over RBGs.
	AllocType0 AllocType = iota
	// AllocType2 is a localized contiguous range coded as a RIV.
	AllocType2
)

// DLAlloc is the resource field of a DL DCI. Only the field matching Type is read.
type DLAlloc struct {
	Type      AllocType
	RBGBitmap uint32 // bit i set means RBG i is allocated
	RIV       uint32
}

// DLDCI is a downlink grant's control information.
type DLDCI struct {
	RNTI     RNTI
	Location DCILocation
	Format   DCIFormat
	Alloc    DLAlloc
}

// ULDCI is an uplink grant's control information (format 0, type-2 RIV).
type ULDCI struct {
	RNTI     RNTI
	Location DCILocation
	RIV      uint32
}

// BCType distinguishes broadcast grants.
type BCType int

const (
	BCCH BCType = iota // system information
	PCCH               // paging
)

func (t BCType) String() string {
	switch t {
	case BCCH:
		return "BCCH"
	case PCCH:
		return "PCCH"
	}
	return "unknown"
}

// BCGrant schedules a SIB or a paging message.
type BCGrant struct {
	DCI   DLDCI
	Type  BCType
	Index uint32 // SIB index, 0 is SIB1
	TBS   uint32
}

// RARMsg3Grant is one Msg3 uplink grant carried inside a RAR.
type RARMsg3Grant struct {
	PRACHTTI    uint32
	PreambleIdx uint32
	TempCRNTI   RNTI
	RIV         uint32
}

// RARGrant schedules a Random Access Response on the RA-RNTI.
type RARGrant struct {
	DCI        DLDCI
	TBS        uint32
	Msg3Grants []RARMsg3Grant
}

// MACSubheader describes one MAC PDU element of a DL data grant.
type MACSubheader struct {
	LCID   LCID
	NBytes uint32
}

// DataGrant schedules UE-specific downlink data.
type DataGrant struct {
	DCI  DLDCI
	TBS  [2]uint32 // one entry per codeword
	PDUs []MACSubheader
}

// HasConRes reports whether the grant carries a Contention Resolution CE.
func (g *DataGrant) HasConRes() bool {
	for _, pdu := range g.PDUs {
		if pdu.LCID == LCIDConRes {
			return true
		}
	}
	return false
}

// PUSCHGrant schedules an uplink transmission. NeedsPDCCH is false for
// non-adaptive retransmissions and Msg3, which are granted without a DCI.
type PUSCHGrant struct {
	DCI        ULDCI
	NeedsPDCCH bool
	TBS        uint32
}

// DLSchedResult is the downlink decision for one TTI and carrier.
type DLSchedResult struct {
	CFI  uint32
	BC   []BCGrant
	RAR  []RARGrant
	Data []DataGrant
}

// ULSchedResult is the uplink decision for one TTI and carrier.
type ULSchedResult struct {
	PUSCH []PUSCHGrant
}
