package core

import (
	"sort"
	"sync"

	"github.com/signalsfoundry/enb-scheduler/model"
)

// UserStats are the bytes scheduled to one UE, indexed by carrier.
type UserStats struct {
	RNTI    model.RNTI `json:"rnti"`
	DLBytes []uint64   `json:"dlBytes"`
	ULBytes []uint64   `json:"ulBytes"`
	LastTTI uint32     `json:"lastTti"`
}

func (u *UserStats) clone() UserStats {
	return UserStats{
		RNTI:    u.RNTI,
		DLBytes: append([]uint64(nil), u.DLBytes...),
		ULBytes: append([]uint64(nil), u.ULBytes...),
		LastTTI: u.LastTTI,
	}
}

// ResultStats folds scheduling results into per-user throughput counters.
// Records are created on first sight and only ever grow. It lives for one
// session and is safe for concurrent readers.
type ResultStats struct {
	mu     sync.RWMutex
	nofCCs int
	users  map[model.RNTI]*UserStats
}

// NewResultStats returns an empty aggregator for nofCCs carriers.
func NewResultStats(nofCCs int) *ResultStats {
	return &ResultStats{
		nofCCs: nofCCs,
		users:  make(map[model.RNTI]*UserStats),
	}
}

// ProcessResults adds the TBS of every DL data grant (both codewords) and every
// PUSCH grant to its UE. dl and ul are indexed by carrier.
func (s *ResultStats) ProcessResults(tti model.TTIParams, dl []model.DLSchedResult, ul []model.ULSchedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cc := range dl {
		for _, data := range dl[cc].Data {
			u := s.user(data.DCI.RNTI, cc)
			u.DLBytes[cc] += uint64(data.TBS[0]) + uint64(data.TBS[1])
			u.LastTTI = tti.TTIRx
		}
	}
	for cc := range ul {
		for _, pusch := range ul[cc].PUSCH {
			u := s.user(pusch.DCI.RNTI, cc)
			u.ULBytes[cc] += uint64(pusch.TBS)
			u.LastTTI = tti.TTIRx
		}
	}
}

// user returns the record for rnti, creating it and widening its counters so
// that index cc is valid.
func (s *ResultStats) user(rnti model.RNTI, cc int) *UserStats {
	if cc >= s.nofCCs {
		s.nofCCs = cc + 1
	}
	u, ok := s.users[rnti]
	if !ok {
		u = &UserStats{RNTI: rnti}
		s.users[rnti] = u
	}
	for len(u.DLBytes) < s.nofCCs {
		u.DLBytes = append(u.DLBytes, 0)
	}
	for len(u.ULBytes) < s.nofCCs {
		u.ULBytes = append(u.ULBytes, 0)
	}
	return u
}

// User returns a snapshot of one UE's counters.
func (s *ResultStats) User(rnti model.RNTI) (UserStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[rnti]
	if !ok {
		return UserStats{}, false
	}
	return u.clone(), true
}

// Users returns a snapshot of every record ordered by RNTI.
func (s *ResultStats) Users() []UserStats {
	s.mu.RLock()
	res := make([]UserStats, 0, len(s.users))
	for _, u := range s.users {
		res = append(res, u.clone())
	}
	s.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].RNTI < res[j].RNTI })
	return res
}

// Totals sums DL and UL bytes over all users per carrier.
func (s *ResultStats) Totals() (dl, ul []uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl = make([]uint64, s.nofCCs)
	ul = make([]uint64, s.nofCCs)
	for _, u := range s.users {
		for cc, v := range u.DLBytes {
			dl[cc] += v
		}
		for cc, v := range u.ULBytes {
			ul[cc] += v
		}
	}
	return dl, ul
}

// Close drops every record at the end of a session.
func (s *ResultStats) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[model.RNTI]*UserStats)
}
