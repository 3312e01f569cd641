package model

import "fmt"

const (
	// NofTTIs is the length of the TTI counter: 1024 radio frames of 10 subframes.
	NofTTIs = 10240
	// NofSFNs is the number of system frame numbers before the counter wraps.
	NofSFNs = 1024

	// FDDHARQDelayMs is the FDD processing delay between reception and transmission.
	FDDHARQDelayMs = 4
	// Msg3DelayMs is the extra delay between the RAR uplink grant and Msg3.
	Msg3DelayMs = 2

	// NoTTI marks a timestamp that has not occurred yet.
	NoTTI = -1
)

// TTIParams holds the timing view of a single scheduling interval.
//
// TTIRx is the subframe currently being received. The scheduler fills the
// downlink subframe TTITxDL and the uplink subframe TTITxUL, which also carries
// the HARQ feedback for a downlink transmission made at TTIRx.
type TTIParams struct {
	TTIRx   uint32
	TTITxDL uint32
	TTITxUL uint32
	SFN     uint32
	SfIdx   uint32
}

// NewTTIParams derives the timing view from an absolute TTI counter.
func NewTTIParams(tti uint32) TTIParams {
	rx := tti % NofTTIs
	txDL := TTIAdd(rx, FDDHARQDelayMs)
	return TTIParams{
		TTIRx:   rx,
		TTITxDL: txDL,
		TTITxUL: TTIAdd(rx, 2*FDDHARQDelayMs),
		SFN:     txDL / 10,
		SfIdx:   txDL % 10,
	}
}

// Next returns the params of the following TTI.
func (p TTIParams) Next() TTIParams {
	return NewTTIParams(TTIAdd(p.TTIRx, 1))
}

func (p TTIParams) String() string {
	return fmt.Sprintf("tti_rx=%d tx_dl=%d tx_ul=%d sfn=%d sf=%d", p.TTIRx, p.TTITxDL, p.TTITxUL, p.SFN, p.SfIdx)
}

// TTIAdd adds a (possibly negative) offset to a TTI, modulo NofTTIs.
func TTIAdd(tti uint32, n int) uint32 {
	v := (int(tti) + n) % NofTTIs
	if v < 0 {
		v += NofTTIs
	}
	return uint32(v)
}

// TTIDiff returns a - b as a signed distance in [-NofTTIs/2, NofTTIs/2).
func TTIDiff(a, b uint32) int {
	d := (int(a) - int(b)) % NofTTIs
	if d < 0 {
		d += NofTTIs
	}
	if d >= NofTTIs/2 {
		d -= NofTTIs
	}
	return d
}

// TTIBefore reports whether a happens strictly before b.
func TTIBefore(a, b uint32) bool {
	return TTIDiff(a, b) < 0
}

// TTIWithin reports whether tti lies in the closed window [start, end].
func TTIWithin(tti, start, end uint32) bool {
	return TTIDiff(tti, start) >= 0 && TTIDiff(end, tti) >= 0
}
