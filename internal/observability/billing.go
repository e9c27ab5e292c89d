package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
)

// InstrumentedBilling wraps a billing.Adapter with metrics, tracing, and
// anomaly detection. It forwards ReleaseReservation when the inner adapter
// supports it.
type InstrumentedBilling struct {
	inner   billing.Adapter
	metrics *MetricsCollector
	tracer  *TracerSetup
	anomaly *AnomalyDetector
}

// NewInstrumentedBilling wraps a billing adapter with observability. Any of
// metrics, ts and anomaly may be nil.
func NewInstrumentedBilling(inner billing.Adapter, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBilling {
	return &InstrumentedBilling{
		inner:   inner,
		metrics: metrics,
		tracer:  ts,
		anomaly: anomaly,
	}
}

func (b *InstrumentedBilling) ReserveFunds(ctx context.Context, payerID string, amount billing.Money, meta billing.Meta) (*billing.Reservation, error) {
	ctx, span := b.tracer.Start(ctx, "billing.reserve_funds",
		attribute.String("billing.call_id", meta.CallID),
		attribute.String("billing.payer_id", payerID),
		attribute.Int64("billing.amount", amount.Amount),
	)
	start := time.Now()
	res, err := b.inner.ReserveFunds(ctx, payerID, amount, meta)
	b.record("reserve", start, err)
	EndSpan(span, err)
	return res, err
}

func (b *InstrumentedBilling) ChargeMinute(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
	ctx, span := b.tracer.Start(ctx, "billing.charge_minute",
		attribute.String("billing.call_id", req.CallID),
		attribute.Int("billing.minute", req.Minute),
		attribute.Int64("billing.amount", req.Amount.Amount),
	)
	start := time.Now()
	c, err := b.inner.ChargeMinute(ctx, req)
	b.record("charge", start, err)
	EndSpan(span, err)
	return c, err
}

func (b *InstrumentedBilling) SettleFinal(ctx context.Context, callID string, amount billing.Money) (*billing.Settlement, error) {
	ctx, span := b.tracer.Start(ctx, "billing.settle_final",
		attribute.String("billing.call_id", callID),
		attribute.Int64("billing.amount", amount.Amount),
	)
	start := time.Now()
	s, err := b.inner.SettleFinal(ctx, callID, amount)
	b.record("settle", start, err)
	EndSpan(span, err)
	return s, err
}

// ReleaseReservation forwards to the inner adapter when it is a
// billing.Releaser and is a no-op otherwise.
func (b *InstrumentedBilling) ReleaseReservation(ctx context.Context, reservationID string) error {
	r, ok := b.inner.(billing.Releaser)
	if !ok {
		return nil
	}
	start := time.Now()
	err := r.ReleaseReservation(ctx, reservationID)
	b.record("release", start, err)
	return err
}

func (b *InstrumentedBilling) record(op string, start time.Time, err error) {
	result := "success"
	switch {
	case errors.Is(err, billing.ErrInsufficientFunds):
		// A declined payer is a business outcome, not an adapter fault.
		result = "insufficient_funds"
	case err != nil:
		result = "error"
	}

	if b.metrics != nil {
		b.metrics.BillingOpsTotal.WithLabelValues(op, result).Inc()
		b.metrics.BillingOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	switch result {
	case "error":
		b.anomaly.RecordError("billing_" + op)
	case "success":
		b.anomaly.RecordSuccess("billing_" + op)
	}
}

var (
	_ billing.Adapter  = (*InstrumentedBilling)(nil)
	_ billing.Releaser = (*InstrumentedBilling)(nil)
)
