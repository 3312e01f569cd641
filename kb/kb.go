package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/enb-scheduler/model"
)

var (
	// ErrUEExists indicates an RNTI is already registered.
	ErrUEExists = errors.New("ue already exists")
	// ErrUENotFound indicates a requested RNTI is not registered.
	ErrUENotFound = errors.New("ue not found")
	// ErrUEInvalid indicates a UE record failed validation.
	ErrUEInvalid = errors.New("invalid ue")
)

// RAState is the position of a UE in the random-access procedure.
type RAState int

const (
	RAIdle RAState = iota
	RAPRACHReceived
	RARARSent
	RAMsg3Received
	RAMsg4Sent
)

func (s RAState) String() string {
	switch s {
	case RAIdle:
		return "idle"
	case RAPRACHReceived:
		return "prach_received"
	case RARARSent:
		return "rar_sent"
	case RAMsg3Received:
		return "msg3_received"
	case RAMsg4Sent:
		return "msg4_sent"
	}
	return "unknown"
}

// UEState is the registry record of one UE. TTI timestamps hold model.NoTTI
// until the corresponding event happens.
type UEState struct {
	RNTI        model.RNTI
	Config      model.UEConfig
	PRACHTTI    int
	PreambleIdx uint32
	RARTTI      int
	Msg3TTI     int
	Msg4TTI     int

	// Msg3Received latches once the receive side has reached Msg3TTI.
	Msg3Received  bool
	DRBConfigured bool
}

// NewUEState returns a record for a UE whose preamble was detected at prachTTI.
func NewUEState(rnti model.RNTI, preambleIdx uint32, prachTTI uint32, cfg model.UEConfig) UEState {
	return UEState{
		RNTI:        rnti,
		Config:      cfg.Clone(),
		PRACHTTI:    int(prachTTI),
		PreambleIdx: preambleIdx,
		RARTTI:      model.NoTTI,
		Msg3TTI:     model.NoTTI,
		Msg4TTI:     model.NoTTI,
	}
}

// State derives the RA state from the recorded timestamps.
func (u *UEState) State() RAState {
	switch {
	case u.Msg4TTI >= 0:
		return RAMsg4Sent
	case u.Msg3TTI >= 0:
		return RAMsg3Received
	case u.RARTTI >= 0:
		return RARARSent
	case u.PRACHTTI >= 0:
		return RAPRACHReceived
	}
	return RAIdle
}

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventUEAdded EventType = iota
	EventUEReconfigured
	EventUERemoved
)

func (t EventType) String() string {
	switch t {
	case EventUEAdded:
		return "added"
	case EventUEReconfigured:
		return "reconfigured"
	case EventUERemoved:
		return "removed"
	}
	return "unknown"
}

// Event is emitted to subscribers when a UE is added, reconfigured or removed.
type Event struct {
	Type EventType
	UE   UEState
}

// UERegistry is the RNTI-keyed table of UE records. Records are stored by
// value and copied out, so no caller ever holds a reference into it.
type UERegistry struct {
	mu sync.RWMutex

	ues map[model.RNTI]UEState

	subs    map[uint64]func(Event)
	nextSub uint64
}

// NewUERegistry constructs an empty registry.
func NewUERegistry() *UERegistry {
	return &UERegistry{
		ues:  make(map[model.RNTI]UEState),
		subs: make(map[uint64]func(Event)),
	}
}

// Add registers a new UE. It returns an error if the RNTI already exists.
func (r *UERegistry) Add(ue UEState) error {
	if len(ue.Config.SupportedCCs) == 0 {
		return fmt.Errorf("%w: rnti=0x%x has no carrier", ErrUEInvalid, uint16(ue.RNTI))
	}
	r.mu.Lock()
	if _, exists := r.ues[ue.RNTI]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: rnti=0x%x", ErrUEExists, uint16(ue.RNTI))
	}
	ue.Config = ue.Config.Clone()
	r.ues[ue.RNTI] = ue
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.notify(subs, Event{Type: EventUEAdded, UE: ue})
	return nil
}

// Get returns a copy of the record for rnti.
func (r *UERegistry) Get(rnti model.RNTI) (UEState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ue, ok := r.ues[rnti]
	ue.Config = ue.Config.Clone()
	return ue, ok
}

// Has reports whether rnti is registered.
func (r *UERegistry) Has(rnti model.RNTI) bool {
	_, ok := r.Get(rnti)
	return ok
}

// Update applies fn to the record for rnti under the registry lock. The
// RNTI itself cannot be changed.
func (r *UERegistry) Update(rnti model.RNTI, fn func(*UEState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ue, ok := r.ues[rnti]
	if !ok {
		return fmt.Errorf("%w: rnti=0x%x", ErrUENotFound, uint16(rnti))
	}
	if err := fn(&ue); err != nil {
		return err
	}
	ue.RNTI = rnti
	r.ues[rnti] = ue
	return nil
}

// Reconfigure replaces the configuration of rnti and notifies subscribers.
func (r *UERegistry) Reconfigure(rnti model.RNTI, cfg model.UEConfig) error {
	if len(cfg.SupportedCCs) == 0 {
		return fmt.Errorf("%w: rnti=0x%x has no carrier", ErrUEInvalid, uint16(rnti))
	}
	r.mu.Lock()
	ue, ok := r.ues[rnti]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: rnti=0x%x", ErrUENotFound, uint16(rnti))
	}
	ue.Config = cfg.Clone()
	r.ues[rnti] = ue
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.notify(subs, Event{Type: EventUEReconfigured, UE: ue})
	return nil
}

// ConfigureBearer sets the bearer lcid of rnti and refreshes the DRB flag:
// a UE has DRBs once any LCID >= 2 is not idle.
func (r *UERegistry) ConfigureBearer(rnti model.RNTI, lcid model.LCID, bearer model.BearerConfig) error {
	return r.Update(rnti, func(ue *UEState) error {
		if ue.Config.Bearers == nil {
			ue.Config.Bearers = make(map[model.LCID]model.BearerConfig)
		}
		ue.Config.Bearers[lcid] = bearer
		ue.DRBConfigured = false
		for id, b := range ue.Config.Bearers {
			if id >= 2 && b.Direction != model.BearerIdle {
				ue.DRBConfigured = true
			}
		}
		return nil
	})
}

// Remove deletes rnti. Removing an unknown RNTI is a no-op.
func (r *UERegistry) Remove(rnti model.RNTI) {
	r.mu.Lock()
	ue, ok := r.ues[rnti]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.ues, rnti)
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.notify(subs, Event{Type: EventUERemoved, UE: ue})
}

// List returns a snapshot of all records ordered by RNTI.
func (r *UERegistry) List() []UEState {
	r.mu.RLock()
	res := make([]UEState, 0, len(r.ues))
	for _, ue := range r.ues {
		ue.Config = ue.Config.Clone()
		res = append(res, ue)
	}
	r.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].RNTI < res[j].RNTI })
	return res
}

// Len returns the number of registered UEs.
func (r *UERegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ues)
}

// FindByPreamble returns every UE that sent preambleIdx at prachTTI. UEs
// still inside their RA procedure come first; records that only alias after
// a TTI wrap follow. Each group is ordered by RNTI.
func (r *UERegistry) FindByPreamble(prachTTI uint32, preambleIdx uint32) []UEState {
	var pending, done []UEState
	for _, ue := range r.List() {
		if ue.PRACHTTI != int(prachTTI) || ue.PreambleIdx != preambleIdx {
			continue
		}
		if ue.Msg4TTI < 0 {
			pending = append(pending, ue)
		} else {
			done = append(done, ue)
		}
	}
	return append(pending, done...)
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function; calling it more than once is a no-op.
func (r *UERegistry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// subscribersLocked snapshots the callbacks in subscription order.
func (r *UERegistry) subscribersLocked() []func(Event) {
	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, r.subs[id])
	}
	return subs
}

// notify runs outside the lock so subscribers may call back into the registry.
func (r *UERegistry) notify(subs []func(Event), ev Event) {
	ev.UE.Config = ev.UE.Config.Clone()
	for _, sub := range subs {
		sub(ev)
	}
}
