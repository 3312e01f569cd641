package sim

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/config"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/model"
)

func newSession(t *testing.T, cfg *config.Config, opts ...Option) *Session {
	t.Helper()
	s, err := NewSession(cfg, opts...)
	if err != nil {
		t.Fatalf("NewSession error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func runTTIs(t *testing.T, s *Session, start uint32, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		tti := model.TTIAdd(start, i)
		if err := s.RunTTI(ctx, tti); err != nil {
			t.Fatalf("RunTTI(%d) error: %v", tti, err)
		}
	}
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	if _, err := NewSession(nil); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("NewSession(nil) err = %v, want ErrInvalidConfig", err)
	}
	cfg := config.Default()
	cfg.Cells = nil
	if _, err := NewSession(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("NewSession(no cells) err = %v, want ErrInvalidConfig", err)
	}
}

func TestDefaultSessionRunsClean(t *testing.T) {
	cfg := config.Default()
	cfg.Run.StartTTI = 9000
	s := newSession(t, cfg)

	runTTIs(t, s, cfg.Run.StartTTI, 2500)

	st := s.Status()
	if !st.Healthy || st.Fault != "" {
		t.Fatalf("Status = %+v, want healthy", st)
	}
	if st.TTIs != 2500 || st.LastTTI != model.TTIAdd(9000, 2499) {
		t.Fatalf("Status TTIs/LastTTI = %d/%d", st.TTIs, st.LastTTI)
	}
	if st.UEs != len(cfg.UEs) || st.Connected != len(cfg.UEs) {
		t.Fatalf("Status UEs/Connected = %d/%d, want %d", st.UEs, st.Connected, len(cfg.UEs))
	}

	for _, p := range cfg.UEs {
		u, ok := s.User(model.RNTI(p.RNTI))
		if !ok {
			t.Fatalf("no stats for rnti 0x%x", p.RNTI)
		}
		if u.DLBytes[0] == 0 || u.ULBytes[0] == 0 {
			t.Fatalf("rnti 0x%x stats = %+v, want traffic on the PCell", p.RNTI, u)
		}
	}
	if u, _ := s.User(0x48); u.DLBytes[1] != 0 || u.ULBytes[1] != 0 {
		t.Fatalf("rnti 0x48 got traffic on its inactive carrier: %+v", u)
	}
	if u, _ := s.User(0x47); u.DLBytes[1] == 0 {
		t.Fatalf("rnti 0x47 got no traffic on its SCell: %+v", u)
	}

	dl, ul := s.Totals()
	if len(dl) != 2 || len(ul) != 2 || dl[0] == 0 || ul[1] == 0 {
		t.Fatalf("Totals = %v/%v", dl, ul)
	}
	if got := len(s.Users()); got != len(cfg.UEs) {
		t.Fatalf("len(Users()) = %d, want %d", got, len(cfg.UEs))
	}
}

func TestSessionDeparture(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	metrics, err := observability.NewSchedCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}
	cfg := config.Default()
	cfg.UEs = cfg.UEs[:1]
	cfg.UEs[0].DepartureTTI = 100
	s := newSession(t, cfg, WithLogger(log), WithMetrics(metrics))

	runTTIs(t, s, 0, 100)
	if !s.Registry().Has(0x46) {
		t.Fatalf("ue removed before its departure")
	}
	if got := testutil.ToFloat64(metrics.UEs); got != 1 {
		t.Fatalf("ues gauge before departure = %v, want 1", got)
	}
	before, _ := s.User(0x46)

	// Step 100 is the departure; the gauge follows the registry within the TTI.
	runTTIs(t, s, 100, 1)
	if got := testutil.ToFloat64(metrics.UEs); got != 0 {
		t.Fatalf("ues gauge after departure = %v, want 0", got)
	}
	if !strings.Contains(buf.String(), `"event":"removed"`) {
		t.Fatalf("no registry removal logged:\n%s", buf.String())
	}

	runTTIs(t, s, 101, 48)
	if s.Registry().Has(0x46) {
		t.Fatalf("ue still registered after departure")
	}
	if st := s.Status(); st.UEs != 0 || st.Connected != 0 {
		t.Fatalf("Status after departure = %+v", st)
	}
	after, _ := s.User(0x46)
	if after.LastTTI > 100 {
		t.Fatalf("ue scheduled after departure: last tti %d (before %d)", after.LastTTI, before.LastTTI)
	}
}

func TestSessionHaltsOnFault(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "info", Format: "json", Output: &buf})
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewSchedCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	// Duplicating a broadcast grant overlaps it with itself in both PRB and CCE space.
	hook := func(_ model.TTIParams, dl []model.DLSchedResult, _ []model.ULSchedResult) {
		if len(dl[0].BC) > 0 {
			dl[0].BC = append(dl[0].BC, dl[0].BC[0])
		}
	}
	s := newSession(t, config.Default(),
		WithLogger(log), WithMetrics(metrics), WithTracer(tp.Tracer("test")),
		WithResultHook(hook), WithSessionID("session-test"))

	ctx := context.Background()
	var fault error
	var tti uint32
	for ; tti < 100 && fault == nil; tti++ {
		fault = s.RunTTI(ctx, tti)
	}
	if !errors.Is(fault, core.ErrCollision) {
		t.Fatalf("fault = %v, want collision", fault)
	}
	var f *core.Fault
	if !errors.As(fault, &f) || f.CC != 0 {
		t.Fatalf("fault = %#v, want *core.Fault on cc0", fault)
	}

	if err := s.RunTTI(ctx, tti); !errors.Is(err, ErrHalted) || !errors.Is(err, core.ErrCollision) {
		t.Fatalf("RunTTI after fault err = %v, want ErrHalted wrapping the fault", err)
	}
	st := s.Status()
	if st.Healthy || st.Fault == "" || st.SessionID != "session-test" {
		t.Fatalf("Status = %+v, want unhealthy with fault", st)
	}
	if s.Fault() == nil {
		t.Fatalf("Fault() = nil after halt")
	}

	if got := testutil.ToFloat64(metrics.Faults.WithLabelValues("collision")); got != 1 {
		t.Fatalf("collision faults = %v, want 1", got)
	}
	if !strings.Contains(buf.String(), "scheduling fault") || !strings.Contains(buf.String(), `"session_id":"session-test"`) {
		t.Fatalf("fault log missing:\n%s", buf.String())
	}

	spans := sr.Ended()
	if len(spans) == 0 {
		t.Fatalf("no spans recorded")
	}
	last := spans[len(spans)-1]
	if last.Name() != "sched.tti" || last.Status().Code != codes.Error {
		t.Fatalf("last span = %s %v, want sched.tti with error status", last.Name(), last.Status())
	}
	for _, sp := range spans[:len(spans)-1] {
		if sp.Status().Code == codes.Error {
			t.Fatalf("span before the fault has error status")
		}
	}
}

func TestSessionRecordsMetricsAndSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewSchedCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	s := newSession(t, config.Default(), WithMetrics(metrics), WithTracer(tp.Tracer("test")))

	runTTIs(t, s, 0, 40)

	if got := len(sr.Ended()); got != 40 {
		t.Fatalf("ended spans = %d, want 40", got)
	}
	if got := testutil.ToFloat64(metrics.Grants.WithLabelValues("0", "bc")); got == 0 {
		t.Fatalf("no broadcast grants recorded on cc0")
	}
	if got := testutil.ToFloat64(metrics.Grants.WithLabelValues("0", "rar")); got == 0 {
		t.Fatalf("no RAR grants recorded on cc0")
	}
	if got := testutil.ToFloat64(metrics.Checks.WithLabelValues("collision", "fail")); got != 0 {
		t.Fatalf("collision failures = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.Checks.WithLabelValues("ra", "pass")); got != 80 {
		t.Fatalf("ra passes = %v, want one per carrier per TTI", got)
	}
	if got := testutil.ToFloat64(metrics.UEs); got != 3 {
		t.Fatalf("ues gauge = %v, want 3 arrived by tti 40", got)
	}
}

func TestSessionClose(t *testing.T) {
	metrics, err := observability.NewSchedCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}
	s := newSession(t, config.Default(), WithMetrics(metrics))
	runTTIs(t, s, 0, 5)
	s.Close()
	s.Close()
	if got := testutil.ToFloat64(metrics.UEs); got != 2 {
		t.Fatalf("ues gauge = %v, want 2 arrived by tti 5", got)
	}
	s.Registry().Remove(0x46)
	if got := testutil.ToFloat64(metrics.UEs); got != 2 {
		t.Fatalf("ues gauge moved after Close: %v", got)
	}
	if err := s.RunTTI(context.Background(), 5); !errors.Is(err, ErrClosed) {
		t.Fatalf("RunTTI after Close err = %v, want ErrClosed", err)
	}
	if s.Status().Healthy {
		t.Fatalf("closed session reports healthy")
	}
}
