package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

type fakeBus struct {
	inputs []*eventbridge.PutEventsInput
	out    *eventbridge.PutEventsOutput
	err    error
}

func (f *fakeBus) PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func TestPublish_Completed(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, "comfy-events")
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	err := p.Publish(context.Background(), Outcome{
		JobID:      "job-1",
		Status:     "COMPLETED",
		Images:     2,
		URLs:       []string{"https://a", "https://b"},
		DurationMs: 4200,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry := bus.inputs[0].Entries[0]
	if aws.ToString(entry.EventBusName) != "comfy-events" || aws.ToString(entry.Source) != Source {
		t.Errorf("unexpected entry routing: %+v", entry)
	}
	if aws.ToString(entry.DetailType) != DetailTypeCompleted {
		t.Errorf("unexpected detail type %s", aws.ToString(entry.DetailType))
	}
	var detail Outcome
	if err := json.Unmarshal([]byte(aws.ToString(entry.Detail)), &detail); err != nil {
		t.Fatalf("detail is not JSON: %v", err)
	}
	if detail.JobID != "job-1" || detail.Images != 2 || len(detail.URLs) != 2 {
		t.Errorf("unexpected detail: %+v", detail)
	}
}

func TestPublish_FailedDetailType(t *testing.T) {
	bus := &fakeBus{}
	NewPublisher(bus, "b").Publish(context.Background(), Outcome{JobID: "job-1", Status: "FAILED", Code: "TIMEOUT"})
	if got := aws.ToString(bus.inputs[0].Entries[0].DetailType); got != DetailTypeFailed {
		t.Errorf("expected %s, got %s", DetailTypeFailed, got)
	}
}

func TestPublish_Errors(t *testing.T) {
	bus := &fakeBus{err: errors.New("throttled")}
	if err := NewPublisher(bus, "b").Publish(context.Background(), Outcome{JobID: "j"}); err == nil {
		t.Error("expected transport error")
	}

	bus = &fakeBus{out: &eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries:          []types.PutEventsResultEntry{{ErrorCode: aws.String("InternalFailure")}},
	}}
	err := NewPublisher(bus, "b").Publish(context.Background(), Outcome{JobID: "j"})
	if err == nil || !strings.Contains(err.Error(), "InternalFailure") {
		t.Errorf("expected rejected entry error, got %v", err)
	}
}
