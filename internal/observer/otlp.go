package observer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// OTLPConfig configures span export to an OTLP/gRPC collector.
type OTLPConfig struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	// BatchSize is the number of completed spans buffered per export.
	BatchSize int
	Timeout   time.Duration
}

// ExportFunc ships one batch of traces.
type ExportFunc func(ctx context.Context, td ptrace.Traces) error

// OTLP pairs span_start and span_end events by span id and exports each
// completed pair as a server span. It is a Sink: it runs on the pipeline
// goroutine and may block on the network.
type OTLP struct {
	cfg    OTLPConfig
	export ExportFunc
	conn   *grpc.ClientConn
	logger zerolog.Logger

	mu      sync.Mutex
	open    map[uint64]Event
	pending ptrace.Traces
	spans   ptrace.SpanSlice
	count   int
}

// DialOTLP connects to cfg.Endpoint without TLS, as for a collector
// sidecar.
func DialOTLP(cfg OTLPConfig, logger zerolog.Logger) (*OTLP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp endpoint is required")
	}
	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp client for %s: %w", cfg.Endpoint, err)
	}
	client := ptraceotlp.NewGRPCClient(conn)

	o := NewOTLP(cfg, func(ctx context.Context, td ptrace.Traces) error {
		_, err := client.Export(ctx, ptraceotlp.NewExportRequestFromTraces(td))
		return err
	}, logger)
	o.conn = conn
	return o, nil
}

// NewOTLP builds the sink around an arbitrary export function.
func NewOTLP(cfg OTLPConfig, export ExportFunc, logger zerolog.Logger) *OTLP {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "coral-hook-target"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "1.0.0"
	}
	o := &OTLP{
		cfg:    cfg,
		export: export,
		logger: logger.With().Str("component", "otlp_exporter").Logger(),
		open:   make(map[uint64]Event),
	}
	o.reset()
	return o
}

func (o *OTLP) reset() {
	o.pending = ptrace.NewTraces()
	rs := o.pending.ResourceSpans().AppendEmpty()
	attrs := rs.Resource().Attributes()
	attrs.PutStr("service.name", o.cfg.ServiceName)
	attrs.PutStr("service.version", o.cfg.ServiceVersion)
	attrs.PutStr("instrumentation.provider", "coral-hook")
	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName("github.com/coral-mesh/coral-hook")
	o.spans = ss.Spans()
	o.count = 0
}

func (o *OTLP) Consume(ctx context.Context, ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Type {
	case TypeSpanStart:
		o.open[ev.SpanID] = ev
		return nil
	case TypeSpanEnd:
		start, ok := o.open[ev.SpanID]
		if !ok {
			o.logger.Warn().Uint64("span_id", ev.SpanID).Msg("End for unknown span")
			return nil
		}
		delete(o.open, ev.SpanID)
		o.appendSpan(start, ev)
		if o.count >= o.cfg.BatchSize {
			return o.flushLocked(ctx)
		}
	case TypeError:
		o.logger.Warn().Str("message", ev.Message).Msg("Instrumentation error")
	}
	return nil
}

func (o *OTLP) appendSpan(start, end Event) {
	span := o.spans.AppendEmpty()

	traceID := uuid.New()
	spanID := uuid.New()
	span.SetTraceID(pcommon.TraceID(traceID))
	var sid [8]byte
	copy(sid[:], spanID[:8])
	span.SetSpanID(pcommon.SpanID(sid))

	span.SetName(fmt.Sprintf("HTTP %s %s", start.Method, start.URI))
	span.SetKind(ptrace.SpanKindServer)
	span.SetStartTimestamp(pcommon.NewTimestampFromTime(start.Time))
	endTime := start.Time.Add(end.Duration)
	if !end.Time.IsZero() && end.Time.After(endTime) {
		endTime = end.Time
	}
	span.SetEndTimestamp(pcommon.NewTimestampFromTime(endTime))

	attrs := span.Attributes()
	attrs.PutStr("http.method", start.Method)
	attrs.PutStr("http.target", start.URI)
	attrs.PutStr("http.route", start.URI)
	attrs.PutStr("http.scheme", "http")
	attrs.PutStr("coral_hook.span_id", strconv.FormatUint(start.SpanID, 10))
	attrs.PutDouble("duration_ms", end.DurationMillis())
	for k, v := range start.Attributes {
		attrs.PutStr(k, v)
	}
	span.Status().SetCode(ptrace.StatusCodeOk)
	o.count++
}

func (o *OTLP) flushLocked(ctx context.Context) error {
	if o.count == 0 {
		return nil
	}
	td := o.pending
	n := o.count
	o.reset()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	if err := o.export(ctx, td); err != nil {
		return fmt.Errorf("failed to export %d spans: %w", n, err)
	}
	o.logger.Debug().Int("spans", n).Msg("Exported spans")
	return nil
}

// Flush exports buffered spans. Spans still open at this point never got an
// end event; they are logged and discarded.
func (o *OTLP) Flush(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.open) > 0 {
		o.logger.Warn().Int("open_spans", len(o.open)).Msg("Discarding spans without end")
		o.open = make(map[uint64]Event)
	}
	return o.flushLocked(ctx)
}

// Pending is the number of spans buffered for export.
func (o *OTLP) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Close releases the gRPC connection, if any.
func (o *OTLP) Close() error {
	if o.conn == nil {
		return nil
	}
	return o.conn.Close()
}
