// Package metrics exposes Prometheus instrumentation for ruleforge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/types"
)

var (
	Compilations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_compilations_total",
			Help: "Total number of draft compilations by result",
		},
		[]string{"result"},
	)

	WizardTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_wizard_transitions_total",
			Help: "Total number of wizard step transitions",
		},
		[]string{"from", "to", "result"},
	)

	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_submissions_total",
			Help: "Total number of rule submissions by kind and result",
		},
		[]string{"kind", "result"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleforge_active_sessions",
			Help: "Number of wizard sessions held by the gateway",
		},
	)

	ImportedDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_imported_documents_total",
			Help: "Total number of draft documents processed by the importer",
		},
		[]string{"result"},
	)

	LogRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_log_rotations_total",
			Help: "Total number of log file rotations by result",
		},
		[]string{"result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruleforge_http_request_duration_seconds",
			Help:    "Time taken to serve HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultBlocked = "blocked"
	ResultError   = "error"
)

// resultOf labels err by its error code, or "ok".
func resultOf(err error) string {
	if err == nil {
		return ResultOK
	}
	if code := rferrors.GetCode(err); code != "" {
		return string(code)
	}
	return ResultError
}

// ObserveCompile counts one compilation attempt.
func ObserveCompile(err error) {
	Compilations.WithLabelValues(resultOf(err)).Inc()
}

// ObserveTransition counts one Next/Back attempt. It matches the wizard's
// transition callback signature.
func ObserveTransition(from, to types.Step, passed bool) {
	result := ResultOK
	if !passed {
		result = ResultBlocked
	}
	WizardTransitions.WithLabelValues(from.String(), to.String(), result).Inc()
}

// ObserveSubmission counts one submission attempt.
func ObserveSubmission(kind types.RuleKind, err error) {
	Submissions.WithLabelValues(string(kind), resultOf(err)).Inc()
}

// ObserveImport counts one processed draft document.
func ObserveImport(err error) {
	ImportedDocuments.WithLabelValues(resultOf(err)).Inc()
}

// ObserveLogRotation counts one log file rotation. It matches the rotating
// writer's callback signature.
func ObserveLogRotation(err error) {
	LogRotations.WithLabelValues(resultOf(err)).Inc()
}
