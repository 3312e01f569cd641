package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/enb-scheduler/internal/config"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/oam"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/internal/sim"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath string
	ttis       uint64
	mode       string
	startTTI   uint
	httpAddr   string
	grpcAddr   string
	logLevel   string
	logFormat  string
	dump       bool
	hold       bool
}

func parseFlags(args []string, stderr io.Writer) (options, map[string]bool, error) {
	var o options
	fs := flag.NewFlagSet("enbsched-sim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "path to a YAML session file (built-in two-carrier session when empty)")
	fs.Uint64Var(&o.ttis, "ttis", 0, "number of TTIs to run, 0 runs until interrupted")
	fs.StringVar(&o.mode, "mode", "", "realtime or accelerated")
	fs.UintVar(&o.startTTI, "start-tti", 0, "first TTI delivered")
	fs.StringVar(&o.httpAddr, "http-addr", "", "HTTP address for /metrics and /v1/status")
	fs.StringVar(&o.grpcAddr, "grpc-addr", "", "gRPC address for the health service")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&o.logFormat, "log-format", "", "json or text")
	fs.BoolVar(&o.dump, "dump-config", false, "print the effective configuration and exit")
	fs.BoolVar(&o.hold, "hold", false, "keep the OAM endpoints up after the run until interrupted")
	if err := fs.Parse(args); err != nil {
		return o, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set, nil
}

// loadConfig reads the session file and applies the flags that were set.
func loadConfig(o options, set map[string]bool) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if set["ttis"] {
		cfg.Run.TTIs = o.ttis
	}
	if set["mode"] {
		cfg.Run.Mode = o.mode
	}
	if set["start-tti"] {
		cfg.Run.StartTTI = uint32(o.startTTI)
	}
	if set["http-addr"] {
		cfg.OAM.HTTPAddr = o.httpAddr
	}
	if set["grpc-addr"] {
		cfg.OAM.GRPCAddr = o.grpcAddr
	}
	if set["log-level"] {
		cfg.Log.Level = o.logLevel
	}
	if set["log-format"] {
		cfg.Log.Format = o.logFormat
	}
	cfg.Tracing = cfg.Tracing.WithEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, set, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o, set)
	if err != nil {
		return err
	}
	if o.dump {
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, out)
		return err
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: stderr})

	mode, _ := timectrl.ParseMode(cfg.Run.Mode)
	sessionID := logging.NewSessionID()
	tracing, err := observability.NewTracing(ctx, cfg.Tracing, observability.SessionInfo{
		ID:    sessionID,
		Cells: len(cfg.Cells),
		UEs:   len(cfg.UEs),
		Mode:  mode.String(),
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewSchedCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	rpc, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	session, err := sim.NewSession(cfg,
		sim.WithSessionID(sessionID),
		sim.WithLogger(log),
		sim.WithMetrics(metrics),
		sim.WithTracer(tracing.Tracer()),
	)
	if err != nil {
		return err
	}
	defer session.Close()

	srv := oam.NewServer(cfg.OAM, session,
		oam.WithLogger(log),
		oam.WithMetricsHandler(metrics.Handler()),
		oam.WithRPCCollector(rpc),
	)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	tick := time.Duration(cfg.Run.TickMs) * time.Millisecond
	tc := timectrl.NewTTIController(cfg.Run.StartTTI, tick, mode)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		faultOnce sync.Once
		fault     error
	)
	tc.AddListener(func(ctx context.Context, tti uint32) {
		if err := session.RunTTI(ctx, tti); err != nil {
			faultOnce.Do(func() {
				fault = err
				srv.SetHealthy(false)
				cancel()
			})
		}
	})

	log.Info(ctx, "starting session",
		logging.String("session_id", session.ID()),
		logging.String("mode", mode.String()),
		logging.Int("cells", len(cfg.Cells)),
		logging.Int("ues", len(cfg.UEs)),
		logging.TTI(cfg.Run.StartTTI),
	)
	started := time.Now()
	n := tc.Run(runCtx, cfg.Run.TTIs)
	log.Info(ctx, "session finished",
		logging.Any("ttis", n),
		logging.String("elapsed", time.Since(started).String()),
	)

	printSummary(stdout, session)

	if fault == nil && o.hold && (cfg.OAM.HTTPAddr != "" || cfg.OAM.GRPCAddr != "") {
		<-ctx.Done()
	}
	if fault != nil {
		return fmt.Errorf("session %s: %w", session.ID(), fault)
	}
	return nil
}

func printSummary(w io.Writer, s *sim.Session) {
	st := s.Status()
	fmt.Fprintf(w, "session %s: %d TTIs, last tti %d, %d UEs (%d connected)\n",
		st.SessionID, st.TTIs, st.LastTTI, st.UEs, st.Connected)
	dl, ul := s.Totals()
	for cc := range dl {
		fmt.Fprintf(w, "  cc%d: dl %d bytes, ul %d bytes\n", cc, dl[cc], ul[cc])
	}
	for _, u := range s.Users() {
		fmt.Fprintf(w, "  rnti 0x%x: dl %v ul %v last tti %d\n", uint16(u.RNTI), u.DLBytes, u.ULBytes, u.LastTTI)
	}
	if st.Fault != "" {
		fmt.Fprintf(w, "  fault: %s\n", st.Fault)
	}
}
