package oam

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/config"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/internal/sim"
	"github.com/signalsfoundry/enb-scheduler/model"
)

type fakeSource struct {
	status sim.Status
	users  []core.UserStats
}

func (f *fakeSource) Status() sim.Status { return f.status }

func (f *fakeSource) Users() []core.UserStats { return f.users }

func (f *fakeSource) User(rnti model.RNTI) (core.UserStats, bool) {
	for _, u := range f.users {
		if u.RNTI == rnti {
			return u, true
		}
	}
	return core.UserStats{}, false
}

func (f *fakeSource) Totals() (dl, ul []uint64) {
	dl, ul = make([]uint64, 2), make([]uint64, 2)
	for _, u := range f.users {
		for cc := range u.DLBytes {
			dl[cc] += u.DLBytes[cc]
			ul[cc] += u.ULBytes[cc]
		}
	}
	return dl, ul
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		status: sim.Status{SessionID: "s1", TTIs: 120, LastTTI: 119, UEs: 2, Connected: 2, Healthy: true},
		users: []core.UserStats{
			{RNTI: 0x46, DLBytes: []uint64{1000, 0}, ULBytes: []uint64{200, 0}, LastTTI: 118},
			{RNTI: 0x47, DLBytes: []uint64{500, 700}, ULBytes: []uint64{100, 50}, LastTTI: 119},
		},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestStatusAndHealthz(t *testing.T) {
	src := newFakeSource()
	h := NewServer(config.OAMConfig{}, src).Handler()

	rr := get(t, h, "/v1/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("/v1/status code = %d", rr.Code)
	}
	var st sim.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st != src.status {
		t.Fatalf("status = %+v, want %+v", st, src.status)
	}

	if rr := get(t, h, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("/healthz code = %d, want 200", rr.Code)
	}
	src.status.Healthy = false
	src.status.Fault = "[collision] collision fault"
	if rr := get(t, h, "/healthz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("/healthz after fault code = %d, want 503", rr.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	h := NewServer(config.OAMConfig{}, newFakeSource()).Handler()

	rr := get(t, h, "/v1/stats")
	var stats StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(stats.Users) != 2 || stats.Totals.DLBytes[0] != 1500 || stats.Totals.ULBytes[1] != 50 {
		t.Fatalf("stats = %+v", stats)
	}

	cases := []struct {
		path string
		code int
	}{
		{"/v1/stats/0x47", http.StatusOK},
		{"/v1/stats/70", http.StatusOK},
		{"/v1/stats/0x99", http.StatusNotFound},
		{"/v1/stats/abc", http.StatusBadRequest},
		{"/v1/stats/70000", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rr := get(t, h, tc.path); rr.Code != tc.code {
			t.Fatalf("GET %s code = %d, want %d", tc.path, rr.Code, tc.code)
		}
	}

	rr = get(t, h, "/v1/stats/0x47")
	var u core.UserStats
	if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if u.RNTI != 0x47 || u.DLBytes[1] != 700 {
		t.Fatalf("user = %+v", u)
	}
}

func TestStatsEmptyUsersEncodesArray(t *testing.T) {
	h := NewServer(config.OAMConfig{}, &fakeSource{}).Handler()
	rr := get(t, h, "/v1/stats")
	if !strings.Contains(rr.Body.String(), `"users":[]`) {
		t.Fatalf("body = %s, want empty users array", rr.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewSchedCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedCollector: %v", err)
	}
	collector.SetUEs(2)

	h := NewServer(config.OAMConfig{}, newFakeSource(), WithMetricsHandler(collector.Handler())).Handler()
	rr := get(t, h, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "enbsched_ues 2") {
		t.Fatalf("/metrics = %d %s", rr.Code, rr.Body.String())
	}

	h = NewServer(config.OAMConfig{}, newFakeSource()).Handler()
	if rr := get(t, h, "/metrics"); rr.Code != http.StatusNotFound {
		t.Fatalf("/metrics without handler code = %d, want 404", rr.Code)
	}
}

func TestStartServesHTTPAndGRPCHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	rpc, err := observability.NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	srv := NewServer(config.OAMConfig{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}, newFakeSource(),
		WithRPCCollector(rpc), WithLogger(logging.Noop()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() {
		if err := srv.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown error: %v", err)
		}
	}()
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("second Start succeeded")
	}

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/status code = %d", resp.StatusCode)
	}

	conn, err := grpc.NewClient(srv.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	callCtx := metadata.AppendToOutgoingContext(ctx, "x-request-id", "req-1")
	res, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health = %v, want SERVING", res.GetStatus())
	}

	srv.SetHealthy(false)
	res, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("health after fault = %v, want NOT_SERVING", res.GetStatus())
	}

	if got := testutil.ToFloat64(rpc.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 2 {
		t.Fatalf("health rpc count = %v, want 2", got)
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	srv := NewServer(config.OAMConfig{}, newFakeSource())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if srv.HTTPAddr() != "" || srv.GRPCAddr() != "" {
		t.Fatalf("addresses set without Start")
	}
}
