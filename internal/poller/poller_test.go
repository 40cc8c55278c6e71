package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fpang/comfy-worker/internal/comfy"
	"github.com/fpang/comfy-worker/internal/jobs"
	"github.com/fpang/comfy-worker/internal/jobutil"
)

type step struct {
	status comfy.Status
	err    error
}

// scriptedSource replays steps in order and repeats the last one.
type scriptedSource struct {
	steps []step
	calls int
}

func (s *scriptedSource) PollStatus(ctx context.Context, promptID string) (comfy.Status, error) {
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i].status, s.steps[i].err
}

var (
	pending     = step{status: comfy.Status{State: comfy.Pending}}
	unreachable = step{err: jobutil.Errorf(jobutil.BackendUnreachable, "poll status", "connection refused")}
)

func submittedJob(t *testing.T) *jobs.Job {
	t.Helper()
	j := jobs.New("job-1", []byte(`{}`))
	if err := j.MarkSubmitted("p-1"); err != nil {
		t.Fatal(err)
	}
	return j
}

func fastPoller(max int) Poller {
	return Poller{Interval: time.Millisecond, MaxAttempts: max}
}

func TestWait_CompletedFirstPoll(t *testing.T) {
	refs := []comfy.ImageRef{{Filename: "a.png"}, {Filename: "b.png"}}
	src := &scriptedSource{steps: []step{{status: comfy.Status{State: comfy.Completed, Refs: refs}}}}
	j := submittedJob(t)

	if err := fastPoller(10).Wait(context.Background(), src, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != jobs.StatusCompleted || len(j.Refs) != 2 || src.calls != 1 {
		t.Errorf("unexpected state: status=%s refs=%d calls=%d", j.Status, len(j.Refs), src.calls)
	}
}

func TestWait_PendingThenCompleted(t *testing.T) {
	done := step{status: comfy.Status{State: comfy.Completed, Refs: []comfy.ImageRef{{Filename: "a.png"}}}}
	src := &scriptedSource{steps: []step{pending, pending, pending, pending, pending, done}}
	j := submittedJob(t)

	if err := fastPoller(10).Wait(context.Background(), src, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.calls != 6 || j.Attempts != 6 {
		t.Errorf("expected 6 polls, got calls=%d attempts=%d", src.calls, j.Attempts)
	}
}

func TestWait_UnreachableIsRetried(t *testing.T) {
	done := step{status: comfy.Status{State: comfy.Completed, Refs: []comfy.ImageRef{}}}
	src := &scriptedSource{steps: []step{unreachable, unreachable, pending, done}}
	j := submittedJob(t)

	if err := fastPoller(10).Wait(context.Background(), src, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != jobs.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", j.Status)
	}
}

func TestWait_ExactAttemptBudget(t *testing.T) {
	for _, tt := range []struct {
		name string
		s    step
	}{{"pending", pending}, {"unreachable", unreachable}} {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{steps: []step{tt.s}}
			j := submittedJob(t)

			err := fastPoller(7).Wait(context.Background(), src, j)
			if !jobutil.Is(err, jobutil.Timeout) {
				t.Fatalf("expected Timeout, got %v", err)
			}
			if src.calls != 7 {
				t.Errorf("expected exactly 7 polls, got %d", src.calls)
			}
			if j.Status != jobs.StatusFailed || !jobutil.Is(j.Err, jobutil.Timeout) {
				t.Errorf("expected FAILED by timeout, got %s (%v)", j.Status, j.Err)
			}
		})
	}
}

func TestWait_BackendErrorFailsImmediately(t *testing.T) {
	src := &scriptedSource{steps: []step{pending, {status: comfy.Status{State: comfy.Failed, Detail: "CUDA out of memory"}}}}
	j := submittedJob(t)

	err := fastPoller(10).Wait(context.Background(), src, j)
	if !jobutil.Is(err, jobutil.BackendError) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if src.calls != 2 || j.Status != jobs.StatusFailed {
		t.Errorf("unexpected state: calls=%d status=%s", src.calls, j.Status)
	}
}

func TestWait_RejectedIsNotRetried(t *testing.T) {
	src := &scriptedSource{steps: []step{{err: jobutil.Errorf(jobutil.BackendRejected, "poll status", "bad shape")}}}
	j := submittedJob(t)

	err := fastPoller(10).Wait(context.Background(), src, j)
	if !jobutil.Is(err, jobutil.BackendRejected) || src.calls != 1 {
		t.Errorf("expected one call and BackendRejected, got calls=%d err=%v", src.calls, err)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &scriptedSource{steps: []step{pending}}
	j := submittedJob(t)

	err := Poller{Interval: time.Hour, MaxAttempts: 3}.Wait(ctx, src, j)
	if !jobutil.Is(err, jobutil.Timeout) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected Timeout wrapping context.Canceled, got %v", err)
	}
}

func TestWait_RequiresSubmittedJob(t *testing.T) {
	j := jobs.New("job-1", nil)
	err := fastPoller(3).Wait(context.Background(), &scriptedSource{steps: []step{pending}}, j)
	if err == nil || j.Status != jobs.StatusFailed {
		t.Errorf("expected failure for unsubmitted job, got %v", err)
	}
}

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(ctx context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitReady(t *testing.T) {
	p := &flakyPinger{failures: 3}
	if err := WaitReady(context.Background(), p, time.Millisecond, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.calls != 4 {
		t.Errorf("expected 4 pings, got %d", p.calls)
	}
}

func TestWaitReady_Exhausted(t *testing.T) {
	p := &flakyPinger{failures: 100}
	err := WaitReady(context.Background(), p, time.Millisecond, 5)
	if !jobutil.Is(err, jobutil.BackendUnreachable) {
		t.Fatalf("expected BackendUnreachable, got %v", err)
	}
	if p.calls != 5 {
		t.Errorf("expected 5 pings, got %d", p.calls)
	}
}
