// Package dci decodes the resource fields of DL and UL grants into PRB
// ranges and masks.
package dci

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/enb-scheduler/internal/bitmask"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// ErrInvalidAlloc indicates a resource field that cannot be decoded for the cell.
var ErrInvalidAlloc = errors.New("invalid resource allocation")

// PRBInterval is a contiguous PRB range [Start, Start+Length).
type PRBInterval struct {
	Start  uint32
	Length uint32
}

// End returns the exclusive end of the interval.
func (i PRBInterval) End() uint32 {
	return i.Start + i.Length
}

func (i PRBInterval) String() string {
	return fmt.Sprintf("(%d,%d)", i.Start, i.End())
}

// RIVFromInterval encodes a localized type-2 allocation (36.213 7.1.6.3).
func RIVFromInterval(start, length, nofPRB uint32) uint32 {
	if length-1 <= nofPRB/2 {
		return nofPRB*(length-1) + start
	}
	return nofPRB*(nofPRB-length+1) + nofPRB - 1 - start
}

// IntervalFromRIV decodes a localized type-2 RIV.
func IntervalFromRIV(riv, nofPRB uint32) PRBInterval {
	length := riv/nofPRB + 1
	start := riv % nofPRB
	if length > nofPRB-start {
		length = nofPRB - riv/nofPRB + 1
		start = nofPRB - riv%nofPRB - 1
	}
	return PRBInterval{Start: start, Length: length}
}

// RBGBitmapToPRBMask expands a type-0 RBG bitmap into a PRB mask.
func RBGBitmapToPRBMask(cell *model.CellParams, bitmap uint32) (bitmask.Mask, error) {
	mask := bitmask.New(int(cell.NofPRB))
	nofRBGs := cell.NofRBGs()
	if nofRBGs < 32 && bitmap>>nofRBGs != 0 {
		return mask, fmt.Errorf("%w: RBG bitmap 0x%x exceeds %d RBGs", ErrInvalidAlloc, bitmap, nofRBGs)
	}
	for i := uint32(0); i < nofRBGs; i++ {
		if bitmap&(1<<i) == 0 {
			continue
		}
		start, end := cell.RBGRange(i)
		mask.Fill(int(start), int(end))
	}
	return mask, nil
}

// DLPRBMask returns the PRBs addressed by a DL DCI.
func DLPRBMask(cell *model.CellParams, d model.DLDCI) (bitmask.Mask, error) {
	switch d.Alloc.Type {
	case model.AllocType0:
		return RBGBitmapToPRBMask(cell, d.Alloc.RBGBitmap)
	case model.AllocType2:
		mask := bitmask.New(int(cell.NofPRB))
		iv, err := checkedInterval(d.Alloc.RIV, cell.NofPRB)
		if err != nil {
			return mask, err
		}
		mask.Fill(int(iv.Start), int(iv.End()))
		return mask, nil
	default:
		return bitmask.New(int(cell.NofPRB)), fmt.Errorf("%w: allocation type %d", ErrInvalidAlloc, d.Alloc.Type)
	}
}

// ULInterval returns the PRBs addressed by a UL DCI.
func ULInterval(cell *model.CellParams, d model.ULDCI) (PRBInterval, error) {
	return checkedInterval(d.RIV, cell.NofPRB)
}

func checkedInterval(riv, nofPRB uint32) (PRBInterval, error) {
	if nofPRB == 0 || riv >= nofPRB*(nofPRB+1)/2 {
		return PRBInterval{}, fmt.Errorf("%w: RIV %d for %d PRBs", ErrInvalidAlloc, riv, nofPRB)
	}
	return IntervalFromRIV(riv, nofPRB), nil
}
