package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	subsystemAttest   = "attest"
	subsystemBatch    = "batch"
	subsystemLedger   = "ledger"
	subsystemProvider = "provider"
	subsystemVerify   = "verify"
)

// Batch cycle outcomes.
const (
	CycleCommitted = "committed"
	CycleUnsigned  = "unsigned"
	CycleRetained  = "retained"
	CycleSkipped   = "skipped"
	CycleBusy      = "busy"
	CycleFailed    = "failed"
)

// Collector records attestation engine metrics. A nil *Collector is valid and
// records nothing, so components can run without a metrics server.
type Collector struct {
	submissions   *prometheus.CounterVec
	batchCycles   *prometheus.CounterVec
	batchSize     prometheus.Histogram
	pendingProofs prometheus.Gauge
	ledgerCommit  *prometheus.HistogramVec
	keyFetches    *prometheus.CounterVec
	lookups       *prometheus.CounterVec
}

// NewCollector registers all collectors on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAttest,
			Name:      "submissions_total",
			Help:      "number of attested request/response pairs by provider signature outcome",
		}, []string{"signature"}),
		batchCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBatch,
			Name:      "cycles_total",
			Help:      "number of batch cycles by outcome",
		}, []string{"outcome"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemBatch,
			Name:      "leaves",
			Help:      "number of proofs committed per batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		pendingProofs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemBatch,
			Name:      "pending_proofs",
			Help:      "number of proofs waiting for the next batch at the start of the last cycle",
		}),
		ledgerCommit: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemLedger,
			Name:      "commit_duration_seconds",
			Help:      "time spent anchoring a batch root on the ledger",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"result"}),
		keyFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProvider,
			Name:      "key_lookups_total",
			Help:      "provider public key lookups by source",
		}, []string{"source"}),
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemVerify,
			Name:      "lookups_total",
			Help:      "verification lookups by disclosure level",
		}, []string{"access"}),
	}
}

func (c *Collector) SubmissionAccepted(signatureOutcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(signatureOutcome).Inc()
}

func (c *Collector) BatchCycle(outcome string) {
	if c == nil {
		return
	}
	c.batchCycles.WithLabelValues(outcome).Inc()
}

func (c *Collector) BatchCommitted(leaves int) {
	if c == nil {
		return
	}
	c.batchSize.Observe(float64(leaves))
}

func (c *Collector) PendingProofs(n int) {
	if c == nil {
		return
	}
	c.pendingProofs.Set(float64(n))
}

func (c *Collector) LedgerCommit(d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ledgerCommit.WithLabelValues(result).Observe(d.Seconds())
}

// KeyLookup counts key resolutions: "cache", "fetched", "missing", "error", "breaker_open".
func (c *Collector) KeyLookup(source string) {
	if c == nil {
		return
	}
	c.keyFetches.WithLabelValues(source).Inc()
}

// Lookup counts verification reads: "public", "owner", "user", "not_found", "invalid".
func (c *Collector) Lookup(access string) {
	if c == nil {
		return
	}
	c.lookups.WithLabelValues(access).Inc()
}
