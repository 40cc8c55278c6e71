package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/fpang/comfy-worker/internal/comfy"
	"github.com/fpang/comfy-worker/internal/jobutil"
)

// Status is the lifecycle state of a job within one invocation.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusPolling   Status = "POLLING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the job has reached an outcome. A COMPLETED job
// may still move to FAILED when a later stage fails.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the in-memory record of one invocation. It is mutated only by the
// orchestrator and the poller, through the transition methods below.
type Job struct {
	ID       string
	Workflow json.RawMessage
	// InferenceJobID is an optional caller correlation ID echoed in callbacks.
	InferenceJobID string

	Status   Status
	PromptID string
	Attempts int
	Refs     []comfy.ImageRef
	Err      error
}

// New creates a job in the SUBMITTED state. An empty id is replaced by a
// generated one.
func New(id string, workflow json.RawMessage) *Job {
	if id == "" {
		id = generateID()
	}
	return &Job{ID: id, Workflow: workflow, Status: StatusSubmitted}
}

// MarkSubmitted records the backend token returned by submit.
func (j *Job) MarkSubmitted(promptID string) error {
	if j.Status != StatusSubmitted {
		return fmt.Errorf("job %s: cannot record submission in state %s", j.ID, j.Status)
	}
	j.PromptID = promptID
	return nil
}

// MarkPolling moves a submitted job into POLLING.
func (j *Job) MarkPolling() error {
	if j.Status != StatusSubmitted || j.PromptID == "" {
		return fmt.Errorf("job %s: cannot start polling in state %s", j.ID, j.Status)
	}
	j.Status = StatusPolling
	return nil
}

// Complete moves a polling job into COMPLETED with the backend's refs.
func (j *Job) Complete(refs []comfy.ImageRef) error {
	if j.Status != StatusPolling {
		return fmt.Errorf("job %s: cannot complete in state %s", j.ID, j.Status)
	}
	j.Status = StatusCompleted
	j.Refs = refs
	return nil
}

// Fail moves a non-failed job into FAILED. A job that already completed may
// still fail in a later stage (fetch or publish); its refs are dropped so the
// failed job never exposes artifacts.
func (j *Job) Fail(err error) {
	if j.Status == StatusFailed {
		return
	}
	if err == nil {
		err = jobutil.E(jobutil.Internal, "", fmt.Errorf("job failed without detail"))
	}
	j.Status = StatusFailed
	j.Err = err
	j.Refs = nil
}
