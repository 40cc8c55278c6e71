// Package poller drives a submitted job to a terminal state by querying the
// backend's history endpoint on a fixed interval.
//
// The budget is a count of attempts, not of consecutive failures: a pending
// answer does not reset it, so the worst-case wait is always
// MaxAttempts x Interval plus request time. An unreachable backend consumes
// attempts without failing the job, which covers the cold-start window in
// which ComfyUI is still loading.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/comfy"
	"github.com/fpang/comfy-worker/internal/jobs"
	"github.com/fpang/comfy-worker/internal/jobutil"
)

// Defaults match the worker's environment defaults.
const (
	DefaultInterval    = 250 * time.Millisecond
	DefaultMaxAttempts = 500

	DefaultReadyInterval    = 50 * time.Millisecond
	DefaultReadyMaxAttempts = 500
)

// StatusSource is the part of the backend client the poller needs.
type StatusSource interface {
	PollStatus(ctx context.Context, promptID string) (comfy.Status, error)
}

// Pinger probes backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Poller holds the polling policy. The zero value uses the defaults.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

func (p Poller) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Wait moves job into POLLING and polls until it completes, fails, or the
// attempt budget runs out. The job is left COMPLETED or FAILED; the returned
// error is the failure cause (nil on completion). job.Attempts records how
// many queries were made.
func (p Poller) Wait(ctx context.Context, src StatusSource, job *jobs.Job) error {
	if err := job.MarkPolling(); err != nil {
		err = jobutil.E(jobutil.Internal, "poll", err)
		job.Fail(err)
		return err
	}

	interval, budget := p.interval(), p.maxAttempts()
	start := time.Now()

	for attempt := 1; attempt <= budget; attempt++ {
		job.Attempts = attempt
		st, err := src.PollStatus(ctx, job.PromptID)

		switch {
		case err != nil && jobutil.Is(err, jobutil.BackendUnreachable):
			log.Warn().Err(err).
				Str("job", job.ID).
				Int("attempt", attempt).
				Int("maxAttempts", budget).
				Msg("Backend unreachable while polling, retrying")
		case err != nil:
			job.Fail(err)
			return err
		case st.State == comfy.Completed:
			if err := job.Complete(st.Refs); err != nil {
				err = jobutil.E(jobutil.Internal, "poll", err)
				job.Fail(err)
				return err
			}
			log.Info().
				Str("job", job.ID).
				Str("promptId", job.PromptID).
				Int("attempts", attempt).
				Int("images", len(st.Refs)).
				Dur("elapsed", time.Since(start)).
				Msg("Workflow completed")
			return nil
		case st.State == comfy.Failed:
			err := jobutil.Errorf(jobutil.BackendError, "poll", "%s", st.Detail)
			job.Fail(err)
			return err
		default:
			log.Debug().Str("job", job.ID).Int("attempt", attempt).Msg("Workflow still running")
		}

		if attempt == budget {
			break
		}
		if err := sleep(ctx, interval); err != nil {
			err = jobutil.E(jobutil.Timeout, "poll", err)
			job.Fail(err)
			return err
		}
	}

	err := jobutil.Errorf(jobutil.Timeout, "poll",
		"max retries reached while waiting for image generation (%d attempts)", budget)
	job.Fail(err)
	return err
}

// WaitReady probes the backend until it answers, up to maxAttempts times.
// Exhausting the budget returns a BackendUnreachable error.
func WaitReady(ctx context.Context, p Pinger, interval time.Duration, maxAttempts int) error {
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultReadyMaxAttempts
	}

	var lastErr error
	start := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lastErr = p.Ping(ctx); lastErr == nil {
			log.Info().Int("attempts", attempt).Dur("elapsed", time.Since(start)).Msg("ComfyUI API is reachable")
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, interval); err != nil {
			return jobutil.E(jobutil.BackendUnreachable, "wait ready", err)
		}
	}

	log.Error().Err(lastErr).Int("attempts", maxAttempts).Msg("Failed to connect to ComfyUI API")
	return jobutil.Errorf(jobutil.BackendUnreachable, "wait ready",
		"backend not reachable after %d attempts: %v", maxAttempts, lastErr)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
