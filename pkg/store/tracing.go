package store

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/driftsync/pkg/models"
)

// TracerName is the instrumentation name used for store spans.
const TracerName = "github.com/ajitpratap0/driftsync/store"

// Span attribute keys
const (
	AttrDBSystem    = attribute.Key("db.system")
	AttrStoreRole   = attribute.Key("store.role")
	AttrRecordKey   = attribute.Key("record.key")
	AttrResultCount = attribute.Key("result.count")
	AttrLimit       = attribute.Key("find.limit")
	AttrSkip        = attribute.Key("find.skip")
)

type tracingStore struct {
	next   Store
	tracer trace.Tracer
	attrs  []attribute.KeyValue
}

// WithTracing wraps every store operation in a span. driver is reported as
// db.system and role (source or target) as store.role. A nil tracer
// returns s unchanged.
func WithTracing(s Store, tracer trace.Tracer, driver, role string) Store {
	if tracer == nil {
		return s
	}
	return &tracingStore{
		next:   s,
		tracer: tracer,
		attrs:  []attribute.KeyValue{AttrDBSystem.String(driver), AttrStoreRole.String(role)},
	}
}

func (t *tracingStore) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(t.attrs)+len(attrs))
	all = append(all, t.attrs...)
	all = append(all, attrs...)
	return t.tracer.Start(ctx, name, trace.WithAttributes(all...), trace.WithSpanKind(trace.SpanKindClient))
}

// recordError records err on the span. The status description stays
// generic so DSNs and queries do not leak into trace status.
func recordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}

func (t *tracingStore) Insert(ctx context.Context, record *models.Record) (*models.Record, error) {
	ctx, span := t.startSpan(ctx, "store.Insert", AttrRecordKey.String(record.Key))
	defer span.End()

	out, err := t.next.Insert(ctx, record)
	recordError(span, err)
	return out, err
}

func (t *tracingStore) Upsert(ctx context.Context, key string, record *models.Record) (*models.Record, error) {
	ctx, span := t.startSpan(ctx, "store.Upsert", AttrRecordKey.String(key))
	defer span.End()

	out, err := t.next.Upsert(ctx, key, record)
	recordError(span, err)
	return out, err
}

func (t *tracingStore) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error) {
	attrs := []attribute.KeyValue{AttrLimit.Int(opts.Limit), AttrSkip.Int(opts.Skip)}
	if key, ok := filter.Key(); ok {
		attrs = append(attrs, AttrRecordKey.String(key))
	}
	ctx, span := t.startSpan(ctx, "store.Find", attrs...)
	defer span.End()

	out, err := t.next.Find(ctx, filter, opts)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(AttrResultCount.Int(len(out)))
	return out, nil
}

func (t *tracingStore) Update(ctx context.Context, filter models.Filter, patch models.Patch) (models.UpdateResult, error) {
	ctx, span := t.startSpan(ctx, "store.Update")
	defer span.End()

	out, err := t.next.Update(ctx, filter, patch)
	if err != nil {
		recordError(span, err)
		return out, err
	}
	span.SetAttributes(AttrResultCount.Int64(out.Modified))
	return out, nil
}

func (t *tracingStore) Count(ctx context.Context, filter models.Filter) (int64, error) {
	ctx, span := t.startSpan(ctx, "store.Count")
	defer span.End()

	n, err := t.next.Count(ctx, filter)
	if err != nil {
		recordError(span, err)
		return 0, err
	}
	span.SetAttributes(AttrResultCount.Int64(n))
	return n, nil
}

func (t *tracingStore) Close(ctx context.Context) error {
	return t.next.Close(ctx)
}
