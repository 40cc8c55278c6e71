// Package events publishes job outcomes to an EventBridge bus so downstream
// consumers can react without running a webhook endpoint.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// Source is the EventBridge source of every outcome event.
const Source = "comfy-worker"

// Detail types.
const (
	DetailTypeCompleted = "ComfyJobCompleted"
	DetailTypeFailed    = "ComfyJobFailed"
)

// Outcome is the event detail.
type Outcome struct {
	JobID          string   `json:"jobId"`
	Status         string   `json:"status"`
	InferenceJobID string   `json:"inferenceJobId,omitempty"`
	Images         int      `json:"images"`
	URLs           []string `json:"urls,omitempty"`
	Code           string   `json:"code,omitempty"`
	Message        string   `json:"message,omitempty"`
	DurationMs     int64    `json:"durationMs"`
}

// API is the subset of the EventBridge client used here.
type API interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher sends outcome events to one bus.
type Publisher struct {
	client  API
	busName string
	now     func() time.Time
}

// NewPublisher creates a publisher for busName.
func NewPublisher(client API, busName string) *Publisher {
	return &Publisher{client: client, busName: busName, now: time.Now}
}

// BusName returns the target bus.
func (p *Publisher) BusName() string { return p.busName }

// Publish sends one outcome event.
func (p *Publisher) Publish(ctx context.Context, o Outcome) error {
	detail, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	detailType := DetailTypeCompleted
	if o.Status != "COMPLETED" {
		detailType = DetailTypeFailed
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(p.busName),
			Source:       aws.String(Source),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(p.now().UTC()),
		}},
	})
	if err != nil {
		return fmt.Errorf("PutEvents bus=%s: %w", p.busName, err)
	}
	if out.FailedEntryCount > 0 {
		code, msg := "", ""
		if len(out.Entries) > 0 {
			code = aws.ToString(out.Entries[0].ErrorCode)
			msg = aws.ToString(out.Entries[0].ErrorMessage)
		}
		return fmt.Errorf("PutEvents bus=%s rejected entry: %s %s", p.busName, code, msg)
	}

	log.Debug().
		Str("job", o.JobID).
		Str("detailType", detailType).
		Str("bus", p.busName).
		Msg("Outcome event published")
	return nil
}
