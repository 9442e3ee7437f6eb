package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the Prometheus collectors exposed by the
// Collector, Local Manager, and Global Manager daemons.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Collector
	vmSamplesTotal   *prometheus.CounterVec
	hostSamplesTotal *prometheus.CounterVec
	vmMhz            *prometheus.GaugeVec
	hostMhz          *prometheus.GaugeVec
	collectorTickMs  prometheus.Histogram

	// Local Manager
	underloadDecisions *prometheus.CounterVec
	overloadDecisions  *prometheus.CounterVec
	reallocRequests    *prometheus.CounterVec
	localMgrTickMs     prometheus.Histogram

	// Global Manager
	migrationsTotal     *prometheus.CounterVec
	migrationDurationMs prometheus.Histogram
	hostsSwitchedOff    prometheus.Counter
	hostsSwitchedOn     prometheus.Counter
	placementFailures   prometheus.Counter
	inFlightRequest     prometheus.Gauge

	// Circuit breaker (shared across power/cloud-controller call sites)
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

var defaultTickBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem for the
// calling daemon. namespace distinguishes collector/localmgr/globalmgr
// instances scraped by the same Prometheus server.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		vmSamplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_samples_total",
				Help:      "Total VM CPU usage samples collected",
			},
			[]string{"host"},
		),
		hostSamplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_samples_total",
				Help:      "Total host (non-VM) CPU usage samples collected",
			},
			[]string{"host"},
		),
		vmMhz: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vm_cpu_mhz",
				Help:      "Last observed VM CPU usage in MHz",
			},
			[]string{"vm_uuid"},
		),
		hostMhz: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_cpu_mhz",
				Help:      "Last observed host CPU usage in MHz outside VMs (hypervisor overhead)",
			},
			[]string{"host"},
		),
		collectorTickMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collector_tick_milliseconds",
				Help:      "Duration of one data collection iteration",
				Buckets:   defaultTickBuckets,
			},
		),

		underloadDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "underload_decisions_total",
				Help:      "Underload detector decisions by outcome",
			},
			[]string{"host", "underloaded"},
		),
		overloadDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overload_decisions_total",
				Help:      "Overload detector decisions by outcome",
			},
			[]string{"host", "overloaded"},
		),
		reallocRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reallocation_requests_total",
				Help:      "Reallocation requests sent to the Global Manager by outcome",
			},
			[]string{"reason", "status"},
		),
		localMgrTickMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "local_manager_tick_milliseconds",
				Help:      "Duration of one local manager evaluation",
				Buckets:   defaultTickBuckets,
			},
		),

		migrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_total",
				Help:      "Live migrations attempted, by outcome",
			},
			[]string{"outcome"},
		),
		migrationDurationMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_duration_milliseconds",
				Help:      "Wall-clock duration of a single VM live migration",
				Buckets:   []float64{1000, 5000, 10000, 30000, 60000, 120000, 300000},
			},
		),
		hostsSwitchedOff: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_switched_off_total",
				Help:      "Total hosts suspended after being drained",
			},
		),
		hostsSwitchedOn: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_switched_on_total",
				Help:      "Total hosts woken via Wake-on-LAN",
			},
		),
		placementFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placement_failures_total",
				Help:      "Total VM placement computations that could not place every VM",
			},
		),
		inFlightRequest: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reallocation_in_flight",
				Help:      "1 while the Global Manager is processing a reallocation request, else 0",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"breaker"},
		),
		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"breaker", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.vmSamplesTotal,
		pm.hostSamplesTotal,
		pm.vmMhz,
		pm.hostMhz,
		pm.collectorTickMs,
		pm.underloadDecisions,
		pm.overloadDecisions,
		pm.reallocRequests,
		pm.localMgrTickMs,
		pm.migrationsTotal,
		pm.migrationDurationMs,
		pm.hostsSwitchedOff,
		pm.hostsSwitchedOn,
		pm.placementFailures,
		pm.inFlightRequest,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
		pm.uptime,
	)

	promMetrics = pm
}

func RecordVMSample(host string, vmUUID string, mhz int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmSamplesTotal.WithLabelValues(host).Inc()
	promMetrics.vmMhz.WithLabelValues(vmUUID).Set(float64(mhz))
}

func RecordHostSample(host string, mhz int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.hostSamplesTotal.WithLabelValues(host).Inc()
	promMetrics.hostMhz.WithLabelValues(host).Set(float64(mhz))
}

func RecordCollectorTick(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.collectorTickMs.Observe(float64(d.Milliseconds()))
}

func RecordUnderloadDecision(host string, underloaded bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.underloadDecisions.WithLabelValues(host, boolLabel(underloaded)).Inc()
}

func RecordOverloadDecision(host string, overloaded bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.overloadDecisions.WithLabelValues(host, boolLabel(overloaded)).Inc()
}

func RecordReallocationRequest(reason, status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reallocRequests.WithLabelValues(reason, status).Inc()
}

func RecordLocalManagerTick(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.localMgrTickMs.Observe(float64(d.Milliseconds()))
}

func RecordMigration(outcome string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.migrationsTotal.WithLabelValues(outcome).Inc()
	promMetrics.migrationDurationMs.Observe(float64(d.Milliseconds()))
}

func RecordHostSwitchedOff() {
	if promMetrics == nil {
		return
	}
	promMetrics.hostsSwitchedOff.Inc()
}

func RecordHostSwitchedOn() {
	if promMetrics == nil {
		return
	}
	promMetrics.hostsSwitchedOn.Inc()
}

func RecordPlacementFailure() {
	if promMetrics == nil {
		return
	}
	promMetrics.placementFailures.Inc()
}

func SetReallocationInFlight(inFlight bool) {
	if promMetrics == nil {
		return
	}
	if inFlight {
		promMetrics.inFlightRequest.Set(1)
	} else {
		promMetrics.inFlightRequest.Set(0)
	}
}

func SetCircuitBreakerState(breaker string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

func RecordCircuitBreakerTrip(breaker, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(breaker, toState).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// PrometheusHandler returns the HTTP handler serving /metrics in the
// Prometheus exposition format.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
