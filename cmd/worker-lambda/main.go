// Package main provides the Lambda entry point that runs one ComfyUI job per
// invocation.
//
// Event format:
//
//	{
//	  "id": "job-123",
//	  "input": {
//	    "workflow": {...},                              // ComfyUI API-format prompt
//	    "images": [{"name": "in.png", "image": "<b64>"}], // optional
//	    "inferenceJobId": "..."                         // optional, echoed to the webhook
//	  }
//	}
//
// The handler always returns a Result and a nil error; failures are reported
// in the result body, never as Lambda errors.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/config"
	"github.com/fpang/comfy-worker/internal/lambdaboot"
	"github.com/fpang/comfy-worker/internal/logging"
	"github.com/fpang/comfy-worker/internal/orchestrator"
)

var coldStart = true

var components lambdaboot.Components

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	var clients lambdaboot.AWSClients
	if lambdaboot.NeedsAWS(cfg) {
		clients, err = lambdaboot.InitAWS(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load AWS config")
		}
		if err := lambdaboot.ResolveWebhookSecret(context.Background(), clients.SSM, &cfg.Webhook); err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve webhook secret")
		}
	}

	components = lambdaboot.Build(cfg, clients)
	lambdaboot.StartupLog("worker-lambda", initStart, cfg, components).
		CommitHash(commitHash).
		Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, event orchestrator.Event) (orchestrator.Result, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "worker-lambda").Msg("Cold start, first invocation")
	}

	evt := log.Info().Str("job", event.ID)
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		evt = evt.Str("requestId", lc.AwsRequestID)
	}
	if deadline, ok := ctx.Deadline(); ok {
		evt = evt.Dur("remaining", time.Until(deadline))
	}
	evt.Msg("Job received")

	return components.Orchestrator.Run(ctx, event), nil
}
