package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	uploadOutcomeAccepted        = "accepted"
	uploadOutcomeRejected        = "rejected"
	uploadOutcomeAlreadyUploaded = "already_uploaded"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaframe_uploads_total",
		Help: "Upload attempts by outcome.",
	}, []string{"outcome"})

	uploadRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaframe_upload_rows_total",
		Help: "Resolved rows by status across accepted uploads.",
	}, []string{"status"})
)

func observeUpload(outcome string) {
	uploadsTotal.WithLabelValues(outcome).Inc()
}

func observeRows(u *uploadTx) {
	uploadRowsTotal.WithLabelValues(string(StatusInserted)).Add(float64(u.inserted))
	uploadRowsTotal.WithLabelValues(string(StatusUpdated)).Add(float64(u.updated))
	uploadRowsTotal.WithLabelValues(string(StatusSkippedStale)).Add(float64(u.skippedStale))
	uploadRowsTotal.WithLabelValues(string(StatusSkippedDuplicateContext)).Add(float64(u.skippedDupCtx))
}
