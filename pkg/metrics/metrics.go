package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	assetPipeline = "asset_pipeline"

	// Scan metrics
	scansTotal       = "scans_total"
	quarantinesTotal = "quarantines_total"
	alertsTotal      = "security_alerts_total"

	// Analysis metrics
	analysesTotal = "analyses_total"

	// Job metrics
	jobRetriesTotal = "job_retries_total"
	jobFailedTotal  = "job_permanent_failures_total"

	// Batch metrics
	batchesTotal = "batches_total"

	// Labels
	outcomeLabel   = "outcome"
	jobClassLabel  = "job_class"
	errorKindLabel = "error_kind"
	statusLabel    = "status"
)

/**
* Metrics definition
**/
var scansTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: assetPipeline,
		Name:      scansTotal,
		Help:      "number of finished virus scans by outcome",
	},
	[]string{outcomeLabel},
)

var quarantinesTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: assetPipeline,
		Name:      quarantinesTotal,
		Help:      "number of uploads moved to quarantine",
	},
)

var alertsTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: assetPipeline,
		Name:      alertsTotal,
		Help:      "number of security alerts raised",
	},
)

var analysesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: assetPipeline,
		Name:      analysesTotal,
		Help:      "number of finished format analyses by job class and outcome",
	},
	[]string{jobClassLabel, outcomeLabel},
)

var jobRetriesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: assetPipeline,
		Name:      jobRetriesTotal,
		Help:      "number of scheduled retries by job class",
	},
	[]string{jobClassLabel},
)

var jobFailedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: assetPipeline,
		Name:      jobFailedTotal,
		Help:      "number of jobs that failed permanently by job class and error kind",
	},
	[]string{jobClassLabel, errorKindLabel},
)

var batchesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: assetPipeline,
		Name:      batchesTotal,
		Help:      "number of closed reprocessing batches by final status",
	},
	[]string{statusLabel},
)

func IncreaseScansTotalMetric(outcome string) {
	scansTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncreaseQuarantinesTotalMetric() {
	quarantinesTotalMetric.Inc()
}

func IncreaseSecurityAlertsTotalMetric() {
	alertsTotalMetric.Inc()
}

func IncreaseAnalysesTotalMetric(jobClass, outcome string) {
	labels := prometheus.Labels{
		jobClassLabel: jobClass,
		outcomeLabel:  outcome,
	}
	analysesTotalMetric.With(labels).Inc()
}

func IncreaseJobRetriesTotalMetric(jobClass string) {
	jobRetriesTotalMetric.With(prometheus.Labels{jobClassLabel: jobClass}).Inc()
}

func IncreaseJobFailedTotalMetric(jobClass, kind string) {
	labels := prometheus.Labels{
		jobClassLabel:  jobClass,
		errorKindLabel: kind,
	}
	jobFailedTotalMetric.With(labels).Inc()
}

func IncreaseBatchesTotalMetric(status string) {
	batchesTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(scansTotalMetric)
	prometheus.MustRegister(quarantinesTotalMetric)
	prometheus.MustRegister(alertsTotalMetric)
	prometheus.MustRegister(analysesTotalMetric)
	prometheus.MustRegister(jobRetriesTotalMetric)
	prometheus.MustRegister(jobFailedTotalMetric)
	prometheus.MustRegister(batchesTotalMetric)
}
