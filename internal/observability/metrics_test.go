package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/model"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("enbsched_oam_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "enbsched_oam_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("enbsched_oam_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("enbsched_oam_requests_total error label = %v, want 1", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct{ in, service, method string }{
		{"/grpc.health.v1.Health/Watch", "Health", "Watch"},
		{"", "unknown", "unknown"},
		{"noslash", "unknown", "unknown"},
	}
	for _, tc := range cases {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.method {
			t.Fatalf("SplitMethod(%q) = %s/%s, want %s/%s", tc.in, s, m, tc.service, tc.method)
		}
	}
}

func TestSchedCollectorObservesResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}

	dl := &model.DLSchedResult{
		BC:   []model.BCGrant{{TBS: 32}},
		Data: []model.DataGrant{{TBS: [2]uint32{100, 20}}, {TBS: [2]uint32{50, 0}}},
	}
	ul := &model.ULSchedResult{PUSCH: []model.PUSCHGrant{{TBS: 64}}}
	c.ObserveResults(1, dl, ul)
	c.SetUEs(3)
	c.ObserveTTI(200 * time.Microsecond)

	if got := testutil.ToFloat64(c.Grants.WithLabelValues("1", "dl_data")); got != 2 {
		t.Fatalf("dl_data grants = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Grants.WithLabelValues("1", "rar")); got != 0 {
		t.Fatalf("rar grants = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.ScheduledBytes.WithLabelValues("1", "dl")); got != 170 {
		t.Fatalf("dl bytes = %v, want 170", got)
	}
	if got := testutil.ToFloat64(c.ScheduledBytes.WithLabelValues("1", "ul")); got != 64 {
		t.Fatalf("ul bytes = %v, want 64", got)
	}
	if got := testutil.ToFloat64(c.UEs); got != 3 {
		t.Fatalf("ues = %v, want 3", got)
	}
	if n := histogramSampleCount(t, reg, "enbsched_tti_duration_seconds", nil); n != 1 {
		t.Fatalf("tti duration samples = %d, want 1", n)
	}
}

func TestSchedCollectorObservesVerdictsAndFaults(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}

	c.ObserveReport(&core.Report{Verdicts: []core.Verdict{
		{Check: core.CheckCollision, Passed: true},
		{Check: core.CheckSIB, Passed: false},
	}})
	fault := &core.Fault{Check: core.CheckSIB, Kind: core.ErrTiming, Msg: "late"}
	c.ObserveFault(fmt.Errorf("tti 5: %w", fault))
	c.ObserveFault(errors.New("boom"))

	if got := testutil.ToFloat64(c.Checks.WithLabelValues("collision", "pass")); got != 1 {
		t.Fatalf("collision pass = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Checks.WithLabelValues("sib", "fail")); got != 1 {
		t.Fatalf("sib fail = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Faults.WithLabelValues("timing")); got != 1 {
		t.Fatalf("timing faults = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Faults.WithLabelValues("internal")); got != 1 {
		t.Fatalf("internal faults = %v, want 1", got)
	}
}

func TestSchedCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSchedCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}
	second, err := NewSchedCollector(reg)
	if err != nil {
		t.Fatalf("second NewSchedCollector: %v", err)
	}
	first.SetUEs(7)
	if got := testutil.ToFloat64(second.UEs); got != 7 {
		t.Fatalf("second collector gauge = %v, want shared value 7", got)
	}
}

func TestMetricsHandlerExposesSchedMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}
	c.ObserveResults(0, &model.DLSchedResult{}, &model.ULSchedResult{})
	c.ObserveFault(&core.Fault{Kind: core.ErrCollision})
	c.SetUEs(4)
	c.ObserveReport(&core.Report{Verdicts: []core.Verdict{{Check: core.CheckCCE, Passed: true}}})
	c.ObserveTTI(time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"enbsched_checks_total",
		"enbsched_faults_total",
		"enbsched_grants_total",
		"enbsched_scheduled_bytes_total",
		"enbsched_ues 4",
		"enbsched_tti_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
