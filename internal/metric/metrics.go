package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SuitesRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_suites_running",
		Help: "The number of suites currently running",
	}, []string{"suite_name"})

	TestsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tests_finished_total",
		Help: "The number of tests finished since the agent was started",
	}, []string{"suite_name", "result"})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_runs_finished_total",
		Help: "The number of runs finished since the agent was started",
	}, []string{"result"})

	UploadsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_uploads_submitted_total",
		Help: "The number of upload units submitted",
	}, []string{"kind"})

	UploadsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_uploads_finished_total",
		Help: "The number of upload units that reached a final state",
	}, []string{"kind", "state"})

	UploadAttemptsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upload_attempts_failed_total",
		Help: "The number of failed upload attempts, including retried ones",
	}, []string{"kind"})

	ArtifactsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_artifacts_rejected_total",
		Help: "The number of artifacts rejected by content validation",
	})
)
