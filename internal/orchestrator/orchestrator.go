// Package orchestrator runs one job end to end: readiness wait, input upload,
// submit, poll, collect, publish and notify.
//
// It is the only place failures are translated into the host runtime's
// result shape. Run never returns an error and never panics; every outcome,
// including a recovered panic, is a Result.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/artifact"
	"github.com/fpang/comfy-worker/internal/comfy"
	"github.com/fpang/comfy-worker/internal/events"
	"github.com/fpang/comfy-worker/internal/jobs"
	"github.com/fpang/comfy-worker/internal/jobutil"
	"github.com/fpang/comfy-worker/internal/metrics"
	"github.com/fpang/comfy-worker/internal/poller"
	"github.com/fpang/comfy-worker/internal/storage"
	"github.com/fpang/comfy-worker/internal/webhook"
)

// Backend is the ComfyUI surface the pipeline uses. *comfy.Client
// implements it.
type Backend interface {
	Ping(ctx context.Context) error
	UploadImage(ctx context.Context, name string, data []byte) error
	Submit(ctx context.Context, workflow json.RawMessage) (string, error)
	PollStatus(ctx context.Context, promptID string) (comfy.Status, error)
	FetchImage(ctx context.Context, ref comfy.ImageRef) ([]byte, error)
}

var _ Backend = (*comfy.Client)(nil)

// EventPublisher receives one outcome event per job.
type EventPublisher interface {
	Publish(ctx context.Context, o events.Outcome) error
}

// Options wires the orchestrator. Backend and Publisher are required;
// Notifier and Events may be nil.
type Options struct {
	Backend   Backend
	Publisher *storage.Publisher
	Notifier  *webhook.Notifier
	Events    EventPublisher

	Poller           poller.Poller
	ReadyInterval    time.Duration
	ReadyMaxAttempts int

	RefreshWorker bool

	// MetricsOut receives EMF lines; nil means stdout.
	MetricsOut io.Writer
}

// Orchestrator runs jobs. It holds no per-job state and may be reused across
// invocations.
type Orchestrator struct {
	opts Options
	now  func() time.Time
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Publisher == nil {
		opts.Publisher = storage.NewInline()
	}
	return &Orchestrator{opts: opts, now: time.Now}
}

// Result is returned to the host runtime. Images is set on success, Error on
// failure.
type Result struct {
	JobID         string              `json:"jobId"`
	Status        string              `json:"status"`
	Images        []storage.Published `json:"images"`
	Error         *jobutil.Detail     `json:"error,omitempty"`
	RefreshWorker bool                `json:"refreshWorker"`
}

// run carries what one pipeline execution produced.
type run struct {
	job       *jobs.Job
	req       Request
	stage     string
	published []storage.Published
	bytes     int
}

// Run executes one job and always returns a Result.
func (o *Orchestrator) Run(ctx context.Context, ev Event) Result {
	start := o.now()
	r := &run{job: jobs.New(ev.ID, nil), stage: "validate"}

	err := o.execute(ctx, ev, r)
	if err == nil && !r.job.Status.Terminal() {
		err = jobutil.Errorf(jobutil.Internal, r.stage, "pipeline ended in state %s", r.job.Status)
		o.discard(ctx, r)
	}
	if err != nil {
		r.job.Fail(err)
		jobutil.LogJobError(r.job.ID, r.stage, err)
	} else {
		log.Info().
			Str("job", r.job.ID).
			Int("images", len(r.published)).
			Str("storageMode", o.opts.Publisher.Mode().String()).
			Dur("elapsed", time.Since(start)).
			Msg("Job completed")
	}

	res := Result{
		JobID:         r.job.ID,
		Status:        string(r.job.Status),
		Images:        r.published,
		Error:         jobutil.Describe(r.job.Err),
		RefreshWorker: o.opts.RefreshWorker,
	}
	if res.Images == nil {
		res.Images = []storage.Published{}
	}

	o.report(ctx, r, res, start)
	return res
}

// report notifies, publishes the outcome event and emits metrics. The
// outcome in res is final; a panic here is logged and does not change it.
func (o *Orchestrator) report(ctx context.Context, r *run, res Result, start time.Time) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("job", res.JobID).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("Recovered panic while reporting job outcome")
		}
	}()

	delivery := o.opts.Notifier.Notify(ctx, webhook.Payload{
		JobID:          res.JobID,
		Status:         res.Status,
		Images:         res.Images,
		Timestamp:      o.now().UTC().Format(time.RFC3339),
		Error:          res.Error,
		InferenceJobID: r.req.InferenceJobID,
	})

	o.publishOutcome(ctx, r, res, start)

	stats := metrics.JobStats{
		JobID:           res.JobID,
		Outcome:         res.Status,
		StorageMode:     o.opts.Publisher.Mode().String(),
		Duration:        o.now().Sub(start),
		PollAttempts:    r.job.Attempts,
		Artifacts:       len(res.Images),
		ArtifactBytes:   r.bytes,
		WebhookAttempts: delivery.Attempts,
		WebhookStatus:   string(delivery.Status),
	}
	if res.Error != nil {
		stats.Code = res.Error.Code
	}
	metrics.EmitJob(o.opts.MetricsOut, stats)
}

// execute runs the pipeline stages in order. A panic is recovered into an
// INTERNAL failure and any objects already uploaded are discarded.
func (o *Orchestrator) execute(ctx context.Context, ev Event, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("job", r.job.ID).
				Str("stage", r.stage).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("Recovered panic in job pipeline")
			err = jobutil.Errorf(jobutil.Internal, r.stage, "panic: %v", p)
			o.discard(ctx, r)
		}
	}()

	req, err := ParseInput(ev.Input)
	if err != nil {
		return err
	}
	r.req = req
	r.job.Workflow = req.Workflow

	r.stage = "wait ready"
	if err := poller.WaitReady(ctx, o.opts.Backend, o.opts.ReadyInterval, o.opts.ReadyMaxAttempts); err != nil {
		return err
	}

	r.stage = "upload input"
	for _, img := range req.Images {
		if err := o.opts.Backend.UploadImage(ctx, img.Name, img.Data); err != nil {
			return fmt.Errorf("upload input image %s: %w", img.Name, err)
		}
	}
	if len(req.Images) > 0 {
		log.Info().Str("job", r.job.ID).Int("images", len(req.Images)).Msg("Input images uploaded")
	}

	r.stage = "submit"
	promptID, err := o.opts.Backend.Submit(ctx, req.Workflow)
	if err != nil {
		return err
	}
	if err := r.job.MarkSubmitted(promptID); err != nil {
		return jobutil.E(jobutil.Internal, "submit", err)
	}
	log.Info().Str("job", r.job.ID).Str("promptId", promptID).Msg("Workflow queued")

	r.stage = "poll"
	if err := o.opts.Poller.Wait(ctx, o.opts.Backend, r.job); err != nil {
		return err
	}

	r.stage = "collect"
	collected, err := artifact.Collect(ctx, o.opts.Backend, r.job.Refs)
	if err != nil {
		return err
	}

	r.stage = "publish"
	for _, a := range collected {
		pub, err := o.opts.Publisher.Publish(ctx, r.job.ID, a)
		if err == nil {
			err = pub.Validate()
		}
		if err != nil {
			o.discard(ctx, r)
			return err
		}
		r.published = append(r.published, pub)
		r.bytes += len(a.Data)
	}
	return nil
}

// discard removes objects uploaded for a job that is about to fail, so no
// partial result stays addressable.
func (o *Orchestrator) discard(ctx context.Context, r *run) {
	if len(r.published) == 0 {
		return
	}
	if err := o.opts.Publisher.Discard(context.WithoutCancel(ctx), r.published); err != nil {
		log.Warn().Err(err).Str("job", r.job.ID).Int("objects", len(r.published)).Msg("Failed to discard partial uploads")
	}
	r.published = nil
	r.bytes = 0
}

func (o *Orchestrator) publishOutcome(ctx context.Context, r *run, res Result, start time.Time) {
	if o.opts.Events == nil {
		return
	}
	out := events.Outcome{
		JobID:          res.JobID,
		Status:         res.Status,
		InferenceJobID: r.req.InferenceJobID,
		Images:         len(res.Images),
		DurationMs:     o.now().Sub(start).Milliseconds(),
	}
	for _, img := range res.Images {
		if img.URL != "" {
			out.URLs = append(out.URLs, img.URL)
		}
	}
	if res.Error != nil {
		out.Code = res.Error.Code
		out.Message = res.Error.Message
	}
	if err := o.opts.Events.Publish(ctx, out); err != nil {
		log.Warn().Err(err).Str("job", res.JobID).Msg("Failed to publish outcome event")
	}
}
