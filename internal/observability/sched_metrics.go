package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// SchedCollector exposes per-TTI scheduling and verification metrics.
type SchedCollector struct {
	gatherer prometheus.Gatherer

	Checks         *prometheus.CounterVec
	Faults         *prometheus.CounterVec
	Grants         *prometheus.CounterVec
	ScheduledBytes *prometheus.CounterVec
	UEs            prometheus.Gauge
	TTIDuration    prometheus.Histogram
}

// NewSchedCollector registers scheduler metrics against the provided
// registerer, defaulting to the global registry when nil.
func NewSchedCollector(reg prometheus.Registerer) (*SchedCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	checks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enbsched_checks_total",
		Help: "Verdicts evaluated per check category, labeled pass or fail.",
	}, []string{"check", "result"}), "enbsched_checks_total")
	if err != nil {
		return nil, err
	}
	faults, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enbsched_faults_total",
		Help: "Correctness faults detected, labeled by fault kind.",
	}, []string{"kind"}), "enbsched_faults_total")
	if err != nil {
		return nil, err
	}
	grants, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enbsched_grants_total",
		Help: "Grants produced, labeled by carrier and channel (bc, rar, dl_data, pusch).",
	}, []string{"cc", "channel"}), "enbsched_grants_total")
	if err != nil {
		return nil, err
	}
	bytes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enbsched_scheduled_bytes_total",
		Help: "Transport block bytes granted to UEs, labeled by carrier and direction.",
	}, []string{"cc", "direction"}), "enbsched_scheduled_bytes_total")
	if err != nil {
		return nil, err
	}
	ues, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enbsched_ues",
		Help: "Number of UEs currently tracked by the session.",
	}), "enbsched_ues")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "enbsched_tti_duration_seconds",
		Help:    "Wall-clock time spent scheduling and verifying one TTI.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
	}), "enbsched_tti_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SchedCollector{
		gatherer:       gatherer,
		Checks:         checks,
		Faults:         faults,
		Grants:         grants,
		ScheduledBytes: bytes,
		UEs:            ues,
		TTIDuration:    duration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SchedCollector) Handler() http.Handler {
	if c == nil {
		return handlerFor(nil)
	}
	return handlerFor(c.gatherer)
}

// ObserveReport counts the verdicts of one check report.
func (c *SchedCollector) ObserveReport(rep *core.Report) {
	if c == nil || rep == nil {
		return
	}
	for _, v := range rep.Verdicts {
		result := "pass"
		if !v.Passed {
			result = "fail"
		}
		c.Checks.WithLabelValues(string(v.Check), result).Inc()
	}
}

// ObserveFault counts a fault by kind. Errors that are not faults count as
// "internal".
func (c *SchedCollector) ObserveFault(err error) {
	if c == nil || err == nil {
		return
	}
	c.Faults.WithLabelValues(FaultKind(err)).Inc()
}

// FaultKind returns the label used for err in enbsched_faults_total.
func FaultKind(err error) string {
	switch {
	case errors.Is(err, core.ErrCollision):
		return "collision"
	case errors.Is(err, core.ErrTiming):
		return "timing"
	case errors.Is(err, core.ErrConsistency):
		return "consistency"
	case errors.Is(err, core.ErrAdmission):
		return "admission"
	}
	return "internal"
}

// ObserveResults counts the grants and bytes of one carrier's results.
func (c *SchedCollector) ObserveResults(cc uint32, dl *model.DLSchedResult, ul *model.ULSchedResult) {
	if c == nil {
		return
	}
	label := strconv.FormatUint(uint64(cc), 10)
	if dl != nil {
		c.Grants.WithLabelValues(label, "bc").Add(float64(len(dl.BC)))
		c.Grants.WithLabelValues(label, "rar").Add(float64(len(dl.RAR)))
		c.Grants.WithLabelValues(label, "dl_data").Add(float64(len(dl.Data)))
		var n uint64
		for _, d := range dl.Data {
			n += uint64(d.TBS[0]) + uint64(d.TBS[1])
		}
		c.ScheduledBytes.WithLabelValues(label, "dl").Add(float64(n))
	}
	if ul != nil {
		c.Grants.WithLabelValues(label, "pusch").Add(float64(len(ul.PUSCH)))
		var n uint64
		for _, p := range ul.PUSCH {
			n += uint64(p.TBS)
		}
		c.ScheduledBytes.WithLabelValues(label, "ul").Add(float64(n))
	}
}

// SetUEs updates the UE gauge.
func (c *SchedCollector) SetUEs(n int) {
	if c == nil {
		return
	}
	c.UEs.Set(float64(n))
}

// ObserveTTI records how long one TTI took.
func (c *SchedCollector) ObserveTTI(d time.Duration) {
	if c == nil {
		return
	}
	c.TTIDuration.Observe(d.Seconds())
}
