package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/enb-scheduler/internal/bitmask"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// Fault kinds. Every *Fault unwraps to exactly one of these.
var (
	// ErrCollision indicates two allocations overlap in PRB, RBG or CCE space.
	ErrCollision = errors.New("collision fault")
	// ErrTiming indicates an allocation outside its window or out of RA order.
	ErrTiming = errors.New("timing fault")
	// ErrConsistency indicates a malformed grant.
	ErrConsistency = errors.New("consistency fault")
	// ErrAdmission indicates an allocation for an unknown, duplicate or inactive UE.
	ErrAdmission = errors.New("admission fault")
)

// Check names a verdict category.
type Check string

const (
	CheckCollision   Check = "collision"
	CheckSIB         Check = "sib"
	CheckCCE         Check = "cce"
	CheckDCI         Check = "dci"
	CheckRA          Check = "ra"
	CheckAdmission   Check = "admission"
	CheckSCellActive Check = "scell_activation"
)

// Fault is a correctness violation found while validating one TTI.
type Fault struct {
	Check Check
	Kind  error
	TTI   uint32
	CC    uint32
	RNTI  model.RNTI // zero when the fault is not UE-specific
	Msg   string
}

func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %v: %s (tti_rx=%d cc=%d", f.Check, f.Kind, f.Msg, f.TTI, f.CC)
	if f.RNTI != 0 {
		fmt.Fprintf(&b, " rnti=0x%x", uint16(f.RNTI))
	}
	b.WriteByte(')')
	return b.String()
}

// Unwrap exposes the fault kind to errors.Is.
func (f *Fault) Unwrap() error {
	return f.Kind
}

// Verdict is the outcome of one check category for one TTI and carrier.
type Verdict struct {
	Check  Check
	Passed bool
}

// Report collects the verdicts evaluated for one TTI and carrier. Checks
// after the first failure are not evaluated and do not appear.
type Report struct {
	TTI      model.TTIParams
	CC       uint32
	Verdicts []Verdict
	Fault    *Fault

	// Cumulative masks of the output checks that completed.
	ULPRBMask bitmask.Mask
	DLRBGMask bitmask.Mask
	CCEMask   bitmask.Mask
}

// OK reports whether every evaluated check passed.
func (r *Report) OK() bool {
	return r != nil && r.Fault == nil
}

func (r *Report) pass(c Check) {
	r.Verdicts = append(r.Verdicts, Verdict{Check: c, Passed: true})
}

// record appends the verdict for c and stores err as the report fault.
// It returns err unchanged so callers can abort with it.
func (r *Report) record(c Check, err error) error {
	if err == nil {
		r.pass(c)
		return nil
	}
	r.Verdicts = append(r.Verdicts, Verdict{Check: c, Passed: false})
	var f *Fault
	if errors.As(err, &f) {
		r.Fault = f
	}
	return err
}

// faultf builds a fault for the current TTI and carrier.
func faultf(check Check, kind error, tti model.TTIParams, cc uint32, rnti model.RNTI, format string, args ...any) *Fault {
	return &Fault{
		Check: check,
		Kind:  kind,
		TTI:   tti.TTIRx,
		CC:    cc,
		RNTI:  rnti,
		Msg:   fmt.Sprintf(format, args...),
	}
}
