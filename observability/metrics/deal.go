package metrics

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DealMetrics records deal administration activity for the Prometheus
// endpoint.
type DealMetrics struct {
	operations       *prometheus.CounterVec
	periodsExecuted  *prometheus.CounterVec
	distributed      *prometheus.CounterVec
	claims           *prometheus.CounterVec
	auditRecords     *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
}

var (
	dealOnce     sync.Once
	dealRegistry *DealMetrics
)

// Deal returns the lazily-initialised deal metrics registry.
func Deal() *DealMetrics {
	dealOnce.Do(func() {
		dealRegistry = &DealMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cascade",
				Subsystem: "deal",
				Name:      "operations_total",
				Help:      "Count of deal operations by operation and outcome.",
			}, []string{"operation", "outcome"}),
			periodsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cascade",
				Subsystem: "deal",
				Name:      "periods_executed_total",
				Help:      "Count of waterfall periods processed per deal.",
			}, []string{"deal"}),
			distributed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cascade",
				Subsystem: "deal",
				Name:      "distributed_units_total",
				Help:      "Cash distributed through the waterfall by leg.",
			}, []string{"deal", "leg"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cascade",
				Subsystem: "deal",
				Name:      "yield_claims_total",
				Help:      "Count of successful yield claims per deal.",
			}, []string{"deal"}),
			auditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cascade",
				Subsystem: "audit",
				Name:      "records_total",
				Help:      "Count of audit records sealed per deal.",
			}, []string{"deal"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cascade",
				Subsystem: "deal",
				Name:      "compliance_rejections_total",
				Help:      "Count of transfers rejected by the compliance gateway, by reason.",
			}, []string{"reason"}),
			operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cascade",
				Subsystem: "deal",
				Name:      "operation_seconds",
				Help:      "Latency of deal operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			dealRegistry.operations,
			dealRegistry.periodsExecuted,
			dealRegistry.distributed,
			dealRegistry.claims,
			dealRegistry.auditRecords,
			dealRegistry.rejections,
			dealRegistry.operationLatency,
		)
	})
	return dealRegistry
}

// ObserveOperation records one operation's outcome and latency.
func (m *DealMetrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObservePeriodExecuted records a processed waterfall period and its legs.
func (m *DealMetrics) ObservePeriodExecuted(dealID string, fees, interest, principal *big.Int) {
	if m == nil {
		return
	}
	m.periodsExecuted.WithLabelValues(dealID).Inc()
	m.distributed.WithLabelValues(dealID, "fees").Add(unitsOf(fees))
	m.distributed.WithLabelValues(dealID, "interest").Add(unitsOf(interest))
	m.distributed.WithLabelValues(dealID, "principal").Add(unitsOf(principal))
}

// ObserveClaim records a successful yield claim.
func (m *DealMetrics) ObserveClaim(dealID string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(dealID).Inc()
}

// ObserveComplianceRejection counts a transfer refused by the compliance
// gateway.
func (m *DealMetrics) ObserveComplianceRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveAuditRecords counts sealed audit records.
func (m *DealMetrics) ObserveAuditRecords(dealID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.auditRecords.WithLabelValues(dealID).Add(float64(n))
}

func unitsOf(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
