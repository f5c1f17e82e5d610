package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/tenant"
)

// Result is the transport-neutral outcome of a dispatch
type Result struct {
	Status      string            `json:"status"`
	Data        interface{}       `json:"data,omitempty"`
	Kind        errs.Kind         `json:"kind,omitempty"`
	Message     string            `json:"message,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Session carries the caller's credential and optional explicit tenant
// selection into a dispatch.
type Session struct {
	Token    string
	TenantID *int64
}

// Dispatcher runs operations through the gate sequence: establish context,
// check permission, validate input, execute.
type Dispatcher struct {
	registry    *Registry
	establisher *tenant.Establisher
	auditor     audit.Logger
	logger      *observability.Logger
	metrics     *Metrics
	tracer      trace.Tracer
}

// NewDispatcher creates a dispatcher over a sealed route table
func NewDispatcher(registry *Registry, establisher *tenant.Establisher, auditor audit.Logger, logger *observability.Logger, metrics *Metrics) *Dispatcher {
	if auditor == nil {
		auditor = audit.NopLogger{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Dispatcher{
		registry:    registry,
		establisher: establisher,
		auditor:     auditor,
		logger:      logger,
		metrics:     metrics,
		tracer:      otel.Tracer("warden/dispatch"),
	}
}

// Dispatch runs one operation end to end and returns its Result. Errors
// never escape as Go errors; every failure is normalized into the Result
// taxonomy so no storage detail crosses the boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, routeName string, rawInput []byte, session Session) Result {
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "dispatch."+routeName,
		trace.WithAttributes(attribute.String("warden.operation", routeName)))
	defer span.End()

	route, ok := d.registry.Lookup(routeName)
	if !ok {
		return d.finish(span, routeName, start, d.fail(errs.Newf(errs.KindNotFound, "unknown operation %q", routeName)))
	}

	// Establish
	tc, err := d.establisher.Establish(ctx, session.Token, session.TenantID)
	if err != nil {
		return d.finish(span, routeName, start, d.fail(err))
	}
	span.SetAttributes(attribute.Int64("warden.user_id", tc.UserID()))

	if route.TenantRequired {
		if _, ok := tc.TenantID(); !ok {
			return d.finish(span, routeName, start, d.fail(errs.New(errs.KindNoTenant, "operation requires a tenant context")))
		}
	}

	// Permission gate. Denials are audited and never reveal what the
	// caller does hold.
	if route.Permission != "" {
		if !tc.Has(route.Permission) {
			d.auditDenied(ctx, route, tc)
			return d.finish(span, routeName, start, d.fail(errs.New(errs.KindPermissionDenied, "permission denied")))
		}
	}

	if route.CrossTenant {
		tc = tc.Elevate()
		d.auditElevation(ctx, route, tc)
		if d.metrics != nil {
			d.metrics.ElevationsTotal.WithLabelValues(route.Name).Inc()
		}
	}

	// Validate, strictly after the permission gate
	input, err := d.decode(route, rawInput)
	if err != nil {
		return d.finish(span, routeName, start, d.fail(err))
	}

	// Cancellation observed before any write aborts the operation
	if err := ctx.Err(); err != nil {
		return d.finish(span, routeName, start, d.fail(errs.Wrap(errs.KindInternal, "operation canceled before execution", err)))
	}

	data, err := d.execute(ctx, route, tc, input)
	if err != nil {
		return d.finish(span, routeName, start, d.fail(d.normalize(route, err)))
	}

	// A mutation whose caller went away mid-write completes, but its
	// result is discarded rather than delivered to nobody.
	if route.Kind == KindMutation && ctx.Err() != nil {
		return d.finish(span, routeName, start, d.fail(errs.New(errs.KindInternal, "operation canceled")))
	}

	return d.finish(span, routeName, start, Result{Status: StatusOK, Data: data})
}

// decode unmarshals and validates the route input
func (d *Dispatcher) decode(route *Route, rawInput []byte) (Input, error) {
	if route.NewInput == nil {
		return nil, nil
	}

	input := route.NewInput()
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, input); err != nil {
			return nil, errs.New(errs.KindInvalidInput, "malformed input")
		}
	}
	if fieldErrors := input.Validate(); len(fieldErrors) > 0 {
		return nil, errs.Invalid(fieldErrors)
	}
	return input, nil
}

// execute runs the handler with the tenant context installed, converting
// panics into internal errors.
func (d *Dispatcher) execute(ctx context.Context, route *Route, tc *tenant.Context, input Input) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("operation", route.Name).WithField("panic", r).Error("handler panicked")
			data = nil
			err = errs.Newf(errs.KindInternal, "internal error")
		}
	}()

	ctx = tenant.Into(ctx, tc)
	return route.Handler(ctx, tc, input)
}

// normalize maps a handler error onto the taxonomy. Unclassified errors
// are logged with their cause and surfaced as a bare internal error.
func (d *Dispatcher) normalize(route *Route, err error) error {
	var taxonomyErr *errs.Error
	if errors.As(err, &taxonomyErr) {
		return err
	}
	d.logger.WithField("operation", route.Name).WithError(err).Error("handler failed")
	return errs.New(errs.KindInternal, "internal error")
}

// fail renders an error as a Result
func (d *Dispatcher) fail(err error) Result {
	return Result{
		Status:      StatusError,
		Kind:        errs.KindOf(err),
		Message:     errs.Message(err),
		FieldErrors: errs.Fields(err),
	}
}

// finish records metrics and span status for a completed dispatch
func (d *Dispatcher) finish(span trace.Span, routeName string, start time.Time, result Result) Result {
	if result.Status == StatusOK {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(result.Kind))
		span.SetAttributes(attribute.String("warden.error_kind", string(result.Kind)))
	}
	if d.metrics != nil {
		d.metrics.observe(routeName, result, time.Since(start))
	}
	return result
}

func (d *Dispatcher) auditDenied(ctx context.Context, route *Route, tc *tenant.Context) {
	userID := tc.UserID()
	event := &audit.Event{
		EventType: audit.EventTypeAuthzDenied,
		Status:    audit.EventStatusDenied,
		UserID:    &userID,
		Operation: route.Name,
		RequestID: contextkeys.GetRequestID(ctx),
		Message:   "permission denied",
	}
	if tid, ok := tc.TenantID(); ok {
		event.TenantID = &tid
	}
	if err := d.auditor.Log(ctx, event); err != nil {
		d.logger.WithError(err).Warn("failed to audit denial")
	}
}

func (d *Dispatcher) auditElevation(ctx context.Context, route *Route, tc *tenant.Context) {
	userID := tc.UserID()
	event := &audit.Event{
		EventType: audit.EventTypeAuthzElevation,
		Status:    audit.EventStatusSuccess,
		UserID:    &userID,
		Operation: route.Name,
		RequestID: contextkeys.GetRequestID(ctx),
		Message:   "cross-tenant elevation",
	}
	if tid, ok := tc.TenantID(); ok {
		event.TenantID = &tid
	}
	if err := d.auditor.Log(ctx, event); err != nil {
		d.logger.WithError(err).Warn("failed to audit elevation")
	}
}
