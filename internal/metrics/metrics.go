// Package metrics exports ledger operation telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tsa-backend/ledger/internal/domain"
)

const namespace = "ledger"

// Transports label where an operation was served.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

// ResultOK is the result label of a successful operation.
const ResultOK = "ok"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	duration      *prometheus.HistogramVec
	operations    *prometheus.CounterVec
	pointsAwarded prometheus.Counter
}

// New registers the ledger collectors on reg, reusing collectors that are
// already registered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "op"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome code.",
		}, []string{"transport", "op", "result"}),
		pointsAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loyalty_points_awarded_total",
			Help:      "Loyalty points credited to members.",
		}),
	}

	var err error
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.operations, err = register(reg, m.operations); err != nil {
		return nil, err
	}
	if m.pointsAwarded, err = register(reg, m.pointsAwarded); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register ledger metric: %w", err)
	}
	return c, nil
}

// Observe records one finished operation. The result label is "ok" or the
// error's wire code.
func (m *Metrics) Observe(transport, op string, start time.Time, err error) {
	result := ResultOK
	if err != nil {
		result = domain.Code(err)
	}
	m.ObserveResult(transport, op, start, result)
}

// ObserveResult records an operation whose outcome is already a wire code.
func (m *Metrics) ObserveResult(transport, op string, start time.Time, result string) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(transport, op).Observe(time.Since(start).Seconds())
	m.operations.WithLabelValues(transport, op, result).Inc()
}

func (m *Metrics) PointsAwarded(points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.pointsAwarded.Add(float64(points))
}
