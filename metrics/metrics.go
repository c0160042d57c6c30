// metrics/metrics.go
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Run collects the counters of one manager run. The manager is a batch job,
// so the registry is written to a node_exporter textfile at exit rather than
// served over HTTP.
type Run struct {
	reg *prometheus.Registry

	certsIssued    *prometheus.CounterVec
	certsRolled    *prometheus.CounterVec
	groupFailures  *prometheus.CounterVec
	remoteFailures prometheus.Counter
	dnsCheck       prometheus.Histogram
	lastSuccess    prometheus.Gauge
	lastRun        prometheus.Gauge
}

// NewRun creates a private registry with the run metrics and the Go
// process collector.
func NewRun(logger *zap.Logger) *Run {
	r := &Run{
		reg: prometheus.NewRegistry(),
		certsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslm_certs_issued_total",
			Help: "Certificates issued into the next slot.",
		}, []string{"group", "service"}),
		certsRolled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslm_certs_rolled_total",
			Help: "Next certificates promoted to curr.",
		}, []string{"group", "service"}),
		groupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslm_group_failures_total",
			Help: "Groups whose tasks failed.",
		}, []string{"group"}),
		remoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sslm_remote_failures_total",
			Help: "Failed remote copies, post-copy commands and restarts.",
		}),
		dnsCheck: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sslm_dns_check_seconds",
			Help:    "Time spent waiting for nameservers to converge.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sslm_last_run_success",
			Help: "1 if the last run succeeded, 0 otherwise.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sslm_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
	}

	mustRegister(r.reg, logger, "process collector", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mustRegister(r.reg, logger, "certs issued", r.certsIssued)
	mustRegister(r.reg, logger, "certs rolled", r.certsRolled)
	mustRegister(r.reg, logger, "group failures", r.groupFailures)
	mustRegister(r.reg, logger, "remote failures", r.remoteFailures)
	mustRegister(r.reg, logger, "dns check", r.dnsCheck)
	mustRegister(r.reg, logger, "last run success", r.lastSuccess)
	mustRegister(r.reg, logger, "last run timestamp", r.lastRun)
	return r
}

// mustRegister registers c, tolerating AlreadyRegisteredError. Any other
// failure is a programming error and is fatal.
func mustRegister(reg *prometheus.Registry, logger *zap.Logger, name string, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return
		}
		if logger != nil {
			logger.Fatal("failed to register "+name, zap.Error(err))
		} else {
			panic("metrics: failed to register " + name + ": " + err.Error())
		}
	}
}

// Registry exposes the underlying registry for tests and custom gatherers.
func (r *Run) Registry() *prometheus.Registry { return r.reg }

func (r *Run) CertIssued(group, service string) {
	r.certsIssued.WithLabelValues(group, service).Inc()
}

func (r *Run) CertRolled(group, service string) {
	r.certsRolled.WithLabelValues(group, service).Inc()
}

func (r *Run) GroupFailed(group string) {
	r.groupFailures.WithLabelValues(group).Inc()
}

func (r *Run) RemoteFailures(n int) {
	if n > 0 {
		r.remoteFailures.Add(float64(n))
	}
}

func (r *Run) ObserveDNSCheck(d time.Duration) {
	r.dnsCheck.Observe(d.Seconds())
}

// Finish records the run outcome.
func (r *Run) Finish(ok bool, at time.Time) {
	if ok {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}
	r.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes the registry atomically to path. An empty path is a no-op.
func (r *Run) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("metrics: write textfile: %w", err)
	}
	return nil
}
