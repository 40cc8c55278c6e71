package metrics

import (
	"io"
	"time"
)

// Namespace is the CloudWatch namespace for worker metrics.
const Namespace = "ComfyWorker"

// JobStats summarises one job for EMF.
type JobStats struct {
	JobID           string
	Outcome         string // COMPLETED or FAILED
	Code            string // failure code, empty on success
	StorageMode     string
	Duration        time.Duration
	PollAttempts    int
	Artifacts       int
	ArtifactBytes   int
	WebhookAttempts int
	WebhookStatus   string
}

// EmitJob writes one EMF line for s to w (stdout when w is nil).
func EmitJob(w io.Writer, s JobStats) {
	var r *Recorder
	if w == nil {
		r = New(Namespace)
	} else {
		r = NewWithWriter(Namespace, w)
	}

	r.Dimension("Outcome", s.Outcome).
		Count("Jobs").
		Metric("JobDurationMs", float64(s.Duration.Milliseconds()), UnitMilliseconds).
		Metric("PollAttempts", float64(s.PollAttempts), UnitCount).
		Metric("ArtifactCount", float64(s.Artifacts), UnitCount).
		Metric("ArtifactBytes", float64(s.ArtifactBytes), UnitBytes).
		Metric("WebhookAttempts", float64(s.WebhookAttempts), UnitCount).
		Property("jobId", s.JobID).
		Property("storageMode", s.StorageMode)
	if s.Code != "" {
		r.Property("code", s.Code)
	}
	if s.WebhookStatus != "" {
		r.Property("webhookStatus", s.WebhookStatus)
	}
	r.Flush()
}
