// Package trace provides tracing instrumentation for CDP targets.
package trace

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/grafana/cdpdriver/log"
)

const tracerName = "cdpdriver"

// liveSpan is the navigation span currently open for a target.
//
// Commands and events of a target arrive asynchronously, so the tracer keeps
// the last navigation span per target to parent them.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
	url  string
}

// Tracer generates spans for target navigations, commands and events.
// Spans of a target are parented to the navigation span that is live for it.
type Tracer struct {
	logger *log.Logger

	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
// A nil provider yields a noop tracer.
func NewTracer(logger *log.Logger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Tracer{
		logger:    logger,
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the hex trace id of spanCtx or an empty string.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TraceCommand starts a span for a command sent to targetID. The span is a
// child of the live navigation span of the target, or of ctx when there is
// none. It is the caller's responsibility to end the span.
func (t *Tracer) TraceCommand(ctx context.Context, targetID string, method string) (context.Context, trace.Span) {
	return t.TraceAPICall(ctx, targetID, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cdp.method", method),
			attribute.String("cdp.target", targetID),
		))
}

// TraceAPICall adds a new span to the current liveSpan for the given targetID and returns it.
// Without a liveSpan the new span is created from ctx, so it might be a root span
// or not depending on whether ctx already wraps a span.
func (t *Tracer) TraceAPICall(
	ctx context.Context, targetID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[targetID]
	t.liveSpansMu.RUnlock()

	parent := ctx
	if ls != nil {
		parent = ls.ctx
	}
	sCtx, span := t.Start(parent, spanName, opts...)
	t.logger.Tracef("Tracer:TraceAPICall", "spanName:%q traceID:%q targetID:%q live:%t",
		spanName, GetTraceID(span.SpanContext()), targetID, ls != nil)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceNavigation records a new live span for targetID after it navigated to
// url. A previous live span of the target is ended first. The returned span
// is ended by the next navigation or by EndNavigation.
func (t *Tracer) TraceNavigation(
	ctx context.Context, targetID string, url string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[targetID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}

	opts = append(opts, trace.WithAttributes(
		attribute.String("navigation.url", url),
		attribute.String("cdp.target", targetID),
	))

	spanName := "navigation"
	ls.ctx, ls.span = t.Start(ctx, spanName, opts...)
	ls.url = url
	t.liveSpans[targetID] = ls

	t.logger.Debugf("Tracer:TraceNavigation", "spanName:%q traceID:%q targetID:%q url:%q",
		spanName, GetTraceID(ls.span.SpanContext()), targetID, url)

	return ls.ctx, &SpanLogger{Span: ls.span, logger: t.logger, spanName: spanName}
}

// LiveSpanID returns the span id of the live navigation span of targetID.
func (t *Tracer) LiveSpanID(targetID string) (string, bool) {
	t.liveSpansMu.RLock()
	defer t.liveSpansMu.RUnlock()

	ls := t.liveSpans[targetID]
	if ls == nil {
		return "", false
	}
	return ls.span.SpanContext().SpanID().String(), true
}

// EndNavigation ends and forgets the live span of targetID.
func (t *Tracer) EndNavigation(targetID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[targetID]; ls != nil {
		ls.span.End()
		delete(t.liveSpans, targetID)
	}
}

// TraceEvent creates a span for an event and parents it to the live span of
// targetID, but only if spanID still names that live span. Otherwise the
// target navigated since and a NoopSpan is returned.
func (t *Tracer) TraceEvent(
	ctx context.Context, targetID string, eventName string, spanID string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[targetID]
	t.liveSpansMu.RUnlock()

	if ls == nil {
		t.logger.Tracef("Tracer:TraceEvent", "no live span spanName:%q targetID:%q", eventName, targetID)
		return ctx, NoopSpan{}
	}
	if sid := ls.span.SpanContext().SpanID().String(); sid != spanID {
		t.logger.Tracef("Tracer:TraceEvent", "stale span spanName:%q targetID:%q have:%q want:%q",
			eventName, targetID, sid, spanID)
		return ctx, NoopSpan{}
	}

	sCtx, span := t.Start(ls.ctx, eventName, opts...)
	t.logger.Tracef("Tracer:TraceEvent", "spanName:%q traceID:%q targetID:%q",
		eventName, GetTraceID(span.SpanContext()), targetID)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: eventName}
}

// Close ends every live span.
func (t *Tracer) Close() {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	for id, ls := range t.liveSpans {
		ls.span.End()
		delete(t.liveSpans, id)
	}
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	meta := make([]attribute.KeyValue, 0, len(metadata))
	for _, k := range keys {
		meta = append(meta, attribute.String(k, metadata[k]))
	}
	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// TracerProvider returns a noop tracer provider.
func (NoopSpan) TracerProvider() trace.TracerProvider { return noop.NewTracerProvider() }

// SpanLogger is a Span that logs status changes, errors and its end.
type SpanLogger struct {
	trace.Span
	logger   *log.Logger
	spanName string
}

// SetStatus logs before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	i.logger.Tracef("Span:SetStatus", "spanName:%q traceID:%q code:%q description:%q",
		i.spanName, GetTraceID(i.SpanContext()), code, description)

	i.Span.SetStatus(code, description)
}

// End logs before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	i.logger.Tracef("Span:End", "spanName:%q traceID:%q", i.spanName, GetTraceID(i.SpanContext()))

	i.Span.End(options...)
}

// RecordError logs before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	i.logger.Tracef("Span:RecordError", "spanName:%q traceID:%q err:%q",
		i.spanName, GetTraceID(i.SpanContext()), err)

	i.Span.RecordError(err, options...)
}
