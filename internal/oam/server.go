// Package oam serves the operations endpoints of a running session: Prometheus
// metrics and JSON status over HTTP, and the standard gRPC health service.
package oam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/config"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/internal/sim"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// HealthService is the service name reported on the gRPC health endpoint in
// addition to the overall ("") status.
const HealthService = "enbsched.Scheduler"

// Source is the read side of a session.
type Source interface {
	Status() sim.Status
	Users() []core.UserStats
	User(rnti model.RNTI) (core.UserStats, bool)
	Totals() (dl, ul []uint64)
}

// Totals is the /v1/stats summary.
type Totals struct {
	DLBytes []uint64 `json:"dlBytes"`
	ULBytes []uint64 `json:"ulBytes"`
}

// StatsResponse is returned by /v1/stats.
type StatsResponse struct {
	Totals Totals           `json:"totals"`
	Users  []core.UserStats `json:"users"`
}

// Server hosts the HTTP and gRPC listeners. Either may be disabled by leaving
// its address empty.
type Server struct {
	cfg     config.OAMConfig
	src     Source
	log     logging.Logger
	metrics http.Handler
	rpc     *observability.RPCCollector

	health *health.Server

	mu       sync.Mutex
	httpSrv  *http.Server
	httpLis  net.Listener
	grpcSrv  *grpc.Server
	grpcLis  net.Listener
	wg       sync.WaitGroup
	started  bool
	shutdown bool
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRPCCollector records gRPC request metrics on c.
func WithRPCCollector(c *observability.RPCCollector) Option {
	return func(s *Server) { s.rpc = c }
}

// NewServer builds a server for src. Nothing listens until Start.
func NewServer(cfg config.OAMConfig, src Source, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		src:    src,
		log:    logging.Noop(),
		health: health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats/{rnti}", s.handleUserStats).Methods(http.MethodGet)
	return r
}

// SetHealthy flips the gRPC health status.
func (s *Server) SetHealthy(ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(HealthService, st)
}

// Start opens the configured listeners and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("oam server already started")
	}

	if s.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLis = lis
		s.httpSrv = &http.Server{
			Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn(ctx, "oam http server exited", logging.Err(err))
			}
		}()
		s.log.Info(ctx, "serving oam http", logging.String("addr", lis.Addr().String()))
	}

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			if s.httpSrv != nil {
				_ = s.httpSrv.Close()
			}
			return fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpcLis = lis
		interceptors := []grpc.UnaryServerInterceptor{
			TracingUnaryServerInterceptor(),
			RequestIDUnaryServerInterceptor(s.log),
		}
		if s.rpc != nil {
			interceptors = append(interceptors, s.rpc.UnaryServerInterceptor())
		}
		s.grpcSrv = grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(interceptors...),
		)
		healthpb.RegisterHealthServer(s.grpcSrv, s.health)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.log.Warn(ctx, "oam grpc server exited", logging.Err(err))
			}
		}()
		s.log.Info(ctx, "serving oam grpc", logging.String("addr", lis.Addr().String()))
	}

	s.started = true
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is disabled.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Shutdown stops both listeners, waiting for in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	httpSrv, grpcSrv := s.httpSrv, s.grpcSrv
	s.mu.Unlock()

	s.health.Shutdown()

	var err error
	if grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			grpcSrv.Stop()
		}
	}
	if httpSrv != nil {
		if herr := httpSrv.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("shutdown http: %w", herr)
		}
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.src.Status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dl, ul := s.src.Totals()
	users := s.src.Users()
	if users == nil {
		users = []core.UserStats{}
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Totals: Totals{DLBytes: dl, ULBytes: ul},
		Users:  users,
	})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["rnti"]
	v, err := strconv.ParseUint(raw, 0, 16)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid rnti %q", raw), http.StatusBadRequest)
		return
	}
	u, ok := s.src.User(model.RNTI(v))
	if !ok {
		http.Error(w, fmt.Sprintf("no stats for rnti 0x%x", v), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
