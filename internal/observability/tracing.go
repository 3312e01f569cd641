package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/enb-scheduler/internal/logging"
)

// SessionTracerName names the tracer that emits the per-TTI spans.
const SessionTracerName = "github.com/signalsfoundry/enb-scheduler/internal/sim"

// TracingConfig is the tracing section of the session file.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"serviceName" json:"serviceName"`
	Exporter    string  `yaml:"exporter" json:"exporter"` // stdout | otlp
	Endpoint    string  `yaml:"endpoint" json:"endpoint"` // otlp only
	SampleRatio float64 `yaml:"sampleRatio" json:"sampleRatio"`
}

// WithEnv overlays the SCHED_TRACING_* and SCHED_OTLP_ENDPOINT variables that
// are set. Out-of-range sample ratios are ignored.
func (c TracingConfig) WithEnv() TracingConfig {
	if v, ok := os.LookupEnv("SCHED_TRACING_ENABLED"); ok {
		c.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SCHED_TRACING_EXPORTER"); v != "" {
		c.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv("SCHED_TRACING_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("SCHED_OTLP_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("SCHED_TRACING_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			c.SampleRatio = r
		}
	}
	return c
}

// SessionInfo is stamped on the resource of every exported span so traces of
// concurrent runs can be told apart.
type SessionInfo struct {
	ID    string
	Cells int
	UEs   int
	Mode  string
}

func (i SessionInfo) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.instance.id", i.ID),
		attribute.String("enbsched.session_id", i.ID),
		attribute.Int("enbsched.cells", i.Cells),
		attribute.Int("enbsched.ues", i.UEs),
		attribute.String("enbsched.mode", i.Mode),
	}
}

// Tracing owns the tracer provider of one session.
type Tracing struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
	log      logging.Logger
}

// TracingOption customises NewTracing.
type TracingOption func(*tracingOptions)

type tracingOptions struct {
	exporter sdktrace.SpanExporter
	stdout   io.Writer
	global   bool
}

// WithSpanExporter bypasses the configured exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) TracingOption {
	return func(o *tracingOptions) { o.exporter = exp }
}

// WithStdoutWriter redirects the stdout exporter.
func WithStdoutWriter(w io.Writer) TracingOption {
	return func(o *tracingOptions) { o.stdout = w }
}

// WithoutGlobal keeps the provider out of the otel globals.
func WithoutGlobal() TracingOption {
	return func(o *tracingOptions) { o.global = false }
}

// NewTracing builds the tracer provider for session. When tracing is disabled
// the provider is a noop and Shutdown does nothing. By default the provider
// and the W3C propagators are also installed as otel globals, which the gRPC
// instrumentation of the OAM server picks up.
func NewTracing(ctx context.Context, cfg TracingConfig, session SessionInfo, log logging.Logger, opts ...TracingOption) (*Tracing, error) {
	if log == nil {
		log = logging.Noop()
	}
	o := tracingOptions{stdout: os.Stdout, global: true}
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled {
		t := &Tracing{provider: noop.NewTracerProvider(), log: log}
		if o.global {
			otel.SetTracerProvider(t.provider)
			otel.SetTextMapPropagator(propagation.TraceContext{})
		}
		log.Info(ctx, "tracing disabled")
		return t, nil
	}

	exp := o.exporter
	if exp == nil {
		var err error
		if exp, err = exporterFromConfig(ctx, cfg, o.stdout); err != nil {
			return nil, err
		}
	}

	res, err := sessionResource(ctx, cfg, session)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	if o.global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("session_id", session.ID),
		logging.String("sampler", fmt.Sprintf("parentbased_traceidratio_%0.2f", cfg.SampleRatio)),
	)
	return &Tracing{provider: tp, shutdown: tp.Shutdown, log: log}, nil
}

func sessionResource(ctx context.Context, cfg TracingConfig, session SessionInfo) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "enbsched"),
	}, session.attributes()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig, stdout io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// Tracer returns the tracer for the per-TTI spans.
func (t *Tracing) Tracer() trace.Tracer {
	return t.provider.Tracer(SessionTracerName)
}

// Shutdown flushes pending spans, giving up after five seconds. Errors are
// logged.
func (t *Tracing) Shutdown(ctx context.Context) {
	if t == nil || t.shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.shutdown(ctx); err != nil {
		t.log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
