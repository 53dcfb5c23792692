package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registered on the default registry; the control plane owns the scrape
// endpoint.
var (
	MetricActiveAssociations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicombridge_active_associations",
		Help: "Number of currently active DICOM associations.",
	})

	MetricAssociationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicombridge_associations_rejected_total",
		Help: "Associations rejected at admission, by reason.",
	}, []string{"reason"})

	MetricInstancesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicombridge_instances_received_total",
		Help: "DICOM instances accepted by C-STORE, by called AE title.",
	}, []string{"called_ae"})

	MetricBatchesSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicombridge_batches_sealed_total",
		Help: "Batches sealed after quiescence, by called AE title.",
	}, []string{"called_ae"})

	MetricJobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicombridge_jobs_submitted_total",
		Help: "Job submission outcomes, by pipeline and outcome.",
	}, []string{"pipeline", "outcome"})

	MetricFilesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicombridge_files_reclaimed_total",
		Help: "Files deleted by the storage reclaimer.",
	})
)
