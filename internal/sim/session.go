// Package sim runs a scheduling session: it feeds UE arrivals into the
// reference allocator, verifies every TTI of output and keeps per-UE stats.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/config"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/internal/sched"
	"github.com/signalsfoundry/enb-scheduler/kb"
	"github.com/signalsfoundry/enb-scheduler/model"
)

var (
	// ErrClosed is returned by RunTTI after Close.
	ErrClosed = errors.New("session closed")
	// ErrHalted wraps the first fault on every RunTTI that follows it.
	ErrHalted = errors.New("session halted by fault")
)

// Status is a point-in-time summary of the session.
type Status struct {
	SessionID string `json:"sessionId"`
	TTIs      uint64 `json:"ttis"`
	LastTTI   uint32 `json:"lastTti"`
	UEs       int    `json:"ues"`
	Connected int    `json:"connected"`
	Healthy   bool   `json:"healthy"`
	Fault     string `json:"fault,omitempty"`
}

// ResultHook observes, and may modify, the scheduler output of one TTI
// before it is verified.
type ResultHook func(tti model.TTIParams, dl []model.DLSchedResult, ul []model.ULSchedResult)

type ueRun struct {
	profile  config.UEProfile
	attached bool
}

// Session owns the allocator, the checkers and the stats of one run. RunTTI
// must be called from a single goroutine; the accessors are safe to call
// concurrently with it.
type Session struct {
	id  string
	log logging.Logger

	tracer  trace.Tracer
	metrics *observability.SchedCollector
	hook    ResultHook

	sched *sched.Scheduler
	outs  []*core.OutputChecker
	users *core.UserStateChecker
	stats *core.ResultStats

	// ues is ordered as in the config so arrivals in one TTI are deterministic.
	ues []*ueRun

	unsubscribe func()

	mu      sync.RWMutex
	step    uint64
	lastTTI uint32
	fault   error
	closed  bool
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records per-TTI metrics on c.
func WithMetrics(c *observability.SchedCollector) Option {
	return func(s *Session) { s.metrics = c }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithResultHook installs h on every TTI.
func WithResultHook(h ResultHook) Option {
	return func(s *Session) { s.hook = h }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// NewSession builds a session from a validated configuration.
func NewSession(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("new session: %w: nil config", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	s := &Session{
		id:     logging.NewSessionID(),
		log:    logging.Noop(),
		tracer: otel.Tracer(observability.SessionTracerName),
	}
	for _, opt := range opts {
		opt(s)
	}

	sc, err := sched.New(cfg.Cells, cfg.Scheduler, sched.WithLogger(s.log.With(logging.String("component", "sched"))))
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	s.sched = sc

	for _, cell := range cfg.Cells {
		oc, err := core.NewOutputChecker(cell)
		if err != nil {
			return nil, fmt.Errorf("new session: %w", err)
		}
		s.outs = append(s.outs, oc)
	}
	reg := kb.NewUERegistry()
	if s.users, err = core.NewUserStateChecker(cfg.Cells, reg); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	s.stats = core.NewResultStats(len(cfg.Cells))
	s.unsubscribe = reg.Subscribe(s.onRegistryEvent)

	for _, p := range cfg.UEs {
		p.Carriers = append([]model.CCConfig(nil), p.Carriers...)
		s.ues = append(s.ues, &ueRun{profile: p})
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Registry exposes the UE table of the user-state checker.
func (s *Session) Registry() *kb.UERegistry {
	return s.users.Registry()
}

// RunTTI advances the session by one TTI: UE arrivals and departures, buffer
// top-ups, scheduling, verification of every carrier and stats. The first
// fault halts the session; later calls return it wrapped in ErrHalted.
func (s *Session) RunTTI(ctx context.Context, tti uint32) error {
	s.mu.RLock()
	closed, fault, step := s.closed, s.fault, s.step
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if fault != nil {
		return fmt.Errorf("%w: %w", ErrHalted, fault)
	}

	start := time.Now()
	tp := model.NewTTIParams(tti)
	ctx = logging.ContextWithSessionID(ctx, s.id)
	ctx, span := s.tracer.Start(ctx, "sched.tti", trace.WithAttributes(
		attribute.Int("tti", int(tp.TTIRx)),
		attribute.Int("sfn", int(tp.SFN)),
		attribute.Int("sf", int(tp.SfIdx)),
		attribute.Int64("step", int64(step)),
	))
	defer span.End()

	s.users.NewTTI(tp)
	if err := s.applyEvents(ctx, step, tp); err != nil {
		return s.halt(ctx, span, tp, err)
	}

	dl, ul := s.sched.Schedule(ctx, tti)
	if s.hook != nil {
		s.hook(tp, dl, ul)
	}

	var grants int
	for cc := range s.outs {
		rep, err := s.outs[cc].CheckAll(tp, &dl[cc], &ul[cc])
		s.metrics.ObserveReport(rep)
		if err != nil {
			return s.halt(ctx, span, tp, err)
		}
		rep, err = s.users.CheckAll(uint32(cc), &dl[cc], &ul[cc])
		s.metrics.ObserveReport(rep)
		if err != nil {
			return s.halt(ctx, span, tp, err)
		}
		s.metrics.ObserveResults(uint32(cc), &dl[cc], &ul[cc])
		grants += len(dl[cc].BC) + len(dl[cc].RAR) + len(dl[cc].Data) + len(ul[cc].PUSCH)
	}
	s.stats.ProcessResults(tp, dl, ul)

	s.metrics.ObserveTTI(time.Since(start))
	span.SetAttributes(attribute.Int("grants", grants))

	s.mu.Lock()
	s.step++
	s.lastTTI = tp.TTIRx
	s.mu.Unlock()
	return nil
}

// applyEvents attaches arriving UEs, detaches departing ones and tops up the
// buffers of connected UEs.
func (s *Session) applyEvents(ctx context.Context, step uint64, tp model.TTIParams) error {
	for _, u := range s.ues {
		p := &u.profile
		rnti := model.RNTI(p.RNTI)
		switch {
		case !u.attached && uint64(p.ArrivalTTI) == step:
			if err := s.attach(ctx, u, tp); err != nil {
				return err
			}
		case u.attached && p.DepartureTTI != 0 && uint64(p.DepartureTTI) == step:
			s.users.RemUser(rnti)
			s.sched.UERem(rnti)
			u.attached = false
			s.log.Info(ctx, "ue departed", logging.RNTI(p.RNTI), logging.TTI(tp.TTIRx))
			continue
		}
		if !u.attached || !s.sched.Connected(rnti) {
			continue
		}
		dl, ul, _ := s.sched.Pending(rnti)
		if dl == 0 && p.DLBytes > 0 {
			if err := s.sched.SetDLBuffer(rnti, p.DLBytes); err != nil {
				s.log.Warn(ctx, "dl buffer top-up failed", logging.RNTI(p.RNTI), logging.Err(err))
			}
		}
		if ul == 0 && p.ULBytes > 0 {
			if err := s.sched.SetULBuffer(rnti, p.ULBytes); err != nil {
				s.log.Warn(ctx, "ul buffer top-up failed", logging.RNTI(p.RNTI), logging.Err(err))
			}
		}
	}
	return nil
}

func (s *Session) attach(ctx context.Context, u *ueRun, tp model.TTIParams) error {
	p := &u.profile
	rnti := model.RNTI(p.RNTI)
	cfg := p.UEConfig()
	pcell, _ := cfg.PCell()

	if err := s.users.AddUser(rnti, p.PreambleIdx, cfg); err != nil {
		return fmt.Errorf("attach ue: %w", err)
	}
	if err := s.sched.UECfg(rnti, cfg); err != nil {
		return fmt.Errorf("attach ue: %w", err)
	}
	info := sched.RACHInfo{PRACHTTI: tp.TTIRx, PreambleIdx: p.PreambleIdx, TempCRNTI: rnti}
	if err := s.sched.DLRACHInfo(pcell, info); err != nil {
		return fmt.Errorf("attach ue: %w", err)
	}
	u.attached = true
	s.log.Info(ctx, "ue arrived", logging.RNTI(p.RNTI), logging.TTI(tp.TTIRx),
		logging.CC(pcell), logging.Int("preamble", int(p.PreambleIdx)))
	return nil
}

// onRegistryEvent keeps the UE gauge in step with the registry.
func (s *Session) onRegistryEvent(ev kb.Event) {
	s.metrics.SetUEs(s.users.Registry().Len())
	ctx := logging.ContextWithSessionID(context.Background(), s.id)
	s.log.Debug(ctx, "ue registry changed", logging.String("event", ev.Type.String()),
		logging.RNTI(uint16(ev.UE.RNTI)), logging.String("ra_state", ev.UE.State().String()))
}

func (s *Session) halt(ctx context.Context, span trace.Span, tp model.TTIParams, err error) error {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()

	s.metrics.ObserveFault(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	fields := []logging.Field{logging.TTI(tp.TTIRx), logging.Err(err)}
	var f *core.Fault
	if errors.As(err, &f) {
		fields = append(fields,
			logging.String("check", string(f.Check)),
			logging.String("kind", observability.FaultKind(err)),
			logging.CC(f.CC),
		)
		if f.RNTI != 0 {
			fields = append(fields, logging.RNTI(uint16(f.RNTI)))
		}
	}
	s.log.Error(ctx, "scheduling fault", fields...)
	return err
}

// Fault returns the fault that halted the session, if any.
func (s *Session) Fault() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault
}

// Status summarises the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		SessionID: s.id,
		TTIs:      s.step,
		LastTTI:   s.lastTTI,
		Healthy:   s.fault == nil && !s.closed,
	}
	if s.fault != nil {
		st.Fault = s.fault.Error()
	}
	s.mu.RUnlock()

	st.UEs = s.users.Registry().Len()
	for _, u := range s.ues {
		if s.sched.Connected(model.RNTI(u.profile.RNTI)) {
			st.Connected++
		}
	}
	return st
}

// Users returns per-UE byte counters sorted by RNTI.
func (s *Session) Users() []core.UserStats {
	return s.stats.Users()
}

// User returns the counters of one UE.
func (s *Session) User(rnti model.RNTI) (core.UserStats, bool) {
	return s.stats.User(rnti)
}

// Totals returns the bytes granted per carrier in DL and UL.
func (s *Session) Totals() (dl, ul []uint64) {
	return s.stats.Totals()
}

// Close releases the stats and the registry subscription. Further RunTTI
// calls fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.unsubscribe()
	s.stats.Close()
}
