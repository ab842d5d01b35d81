package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`    // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`    // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("siphon"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "siphon"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("siphon"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("siphon"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Flow/rule span attributes
const (
	AttrFlowID        = "siphon.flow.id"
	AttrRuleID        = "siphon.rule.id"
	AttrRuleName      = "siphon.rule.name"
	AttrActionType    = "siphon.action.type"
	AttrActionOutcome = "siphon.action.outcome"
	AttrPhase         = "siphon.phase"
	AttrBytesIn       = "siphon.bytes.in"
	AttrBytesOut      = "siphon.bytes.out"
	AttrIsWebSocket   = "siphon.websocket"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
)

// StartRequestSpan starts a span for one flow's request/response hook.
func (p *Provider) StartRequestSpan(ctx context.Context, flowID, method, path string, isWebSocket bool) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "flow.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrFlowID, flowID),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
			attribute.Bool(AttrIsWebSocket, isWebSocket),
		),
	)
	return ctx, span
}

// EndRequestSpan ends a flow's request span with the final response
// attributes.
func (p *Provider) EndRequestSpan(span trace.Span, statusCode int, bytesIn, bytesOut int64, err error) {
	span.SetAttributes(
		attribute.Int(AttrResponseCode, statusCode),
		attribute.Int64(AttrBytesIn, bytesIn),
		attribute.Int64(AttrBytesOut, bytesOut),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartRulePipelineSpan starts a span wrapping one phase's rule pipeline
// execution for a flow (all matched rules' actions for that phase).
func (p *Provider) StartRulePipelineSpan(ctx context.Context, flowID, phase string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "rules.pipeline",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrFlowID, flowID),
			attribute.String(AttrPhase, phase),
		),
	)
}

// RecordRuleMatch adds an event for a rule that matched a flow.
func (p *Provider) RecordRuleMatch(ctx context.Context, flowID, ruleID, ruleName string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("rule.matched",
		trace.WithAttributes(
			attribute.String(AttrFlowID, flowID),
			attribute.String(AttrRuleID, ruleID),
			attribute.String(AttrRuleName, ruleName),
		),
	)
}

// RecordActionApplied adds an event for one action's application and its
// outcome status.
func (p *Provider) RecordActionApplied(ctx context.Context, flowID, actionType, outcome string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("action.applied",
		trace.WithAttributes(
			attribute.String(AttrFlowID, flowID),
			attribute.String(AttrActionType, actionType),
			attribute.String(AttrActionOutcome, outcome),
		),
	)
}

// RecordFlowKilled adds an event for a flow terminated via breakpoint
// abort or packet-loss throttle kill.
func (p *Provider) RecordFlowKilled(ctx context.Context, flowID, reason string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("flow.killed",
		trace.WithAttributes(
			attribute.String(AttrFlowID, flowID),
			attribute.String("siphon.kill.reason", reason),
		),
	)
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "siphon",
	}
}

// ConfigFromEnv creates config from environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("SIPHON_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("SIPHON_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("SIPHON_TELEMETRY_EXPORTER")
	}
	if os.Getenv("SIPHON_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("SIPHON_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("siphon-noop"),
	}
}

// SpanFromContext extracts a span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
