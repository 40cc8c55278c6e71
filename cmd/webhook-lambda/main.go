// Package main provides a Lambda entry point that receives the worker's
// result webhooks behind a Function URL or HTTP API.
//
//	POST /webhook  verifies X-Webhook-Signature, inflates gzip bodies and
//	               logs the decoded result
//
// The shared secret comes from RESULT_IMAGE_WEBHOOK_SECRET, or from the SSM
// parameter named by SSM_WEBHOOK_SECRET_PARAM.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/config"
	"github.com/fpang/comfy-worker/internal/lambdaboot"
	"github.com/fpang/comfy-worker/internal/logging"
	"github.com/fpang/comfy-worker/internal/webhook"
)

var webhookHandler *webhook.Handler

func init() {
	initStart := time.Now()
	logging.Init()
	_ = godotenv.Load()

	wh := config.WebhookConfig{
		// The receiver has no URL of its own; a placeholder enables resolution.
		URL:         "https://receiver.invalid",
		Secret:      os.Getenv("RESULT_IMAGE_WEBHOOK_SECRET"),
		SecretParam: os.Getenv("SSM_WEBHOOK_SECRET_PARAM"),
	}
	if wh.Secret == "" {
		if wh.SecretParam == "" {
			log.Fatal().Msg("RESULT_IMAGE_WEBHOOK_SECRET or SSM_WEBHOOK_SECRET_PARAM is required")
		}
		clients, err := lambdaboot.InitAWS(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load AWS config")
		}
		if err := lambdaboot.ResolveWebhookSecret(context.Background(), clients.SSM, &wh); err != nil {
			log.Fatal().Err(err).Str("param", wh.SecretParam).Msg("Failed to read webhook secret from SSM")
		}
	}

	webhookHandler = webhook.NewHandler(wh.Secret, nil)

	sl := logging.NewStartupLogger("webhook-lambda").InitDuration(time.Since(initStart))
	if wh.SecretParam != "" {
		sl.SSMParam("webhookSecret", wh.SecretParam)
	}
	sl.Log()
}

func main() {
	mux := http.NewServeMux()
	mux.Handle("/webhook", webhookHandler)

	adapter := httpadapter.NewV2(mux)
	lambda.Start(adapter.ProxyWithContext)
}
