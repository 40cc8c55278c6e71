package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestStartupLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	old := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = old }()

	NewStartupLogger("worker-lambda").
		S3Bucket("outputs", "comfy-outputs").
		SSMParam("webhookSecret", "/comfy/webhook-secret").
		Feature("webhook", true).
		Feature("deadLetter", false).
		Config("storageMode", "object-storage").
		InitDuration(120 * time.Millisecond).
		Log()

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if doc["message"] != "Cold start complete" {
		t.Errorf("unexpected message %v", doc["message"])
	}
	lambda := doc["lambda"].(map[string]any)
	if lambda["name"] != "worker-lambda" {
		t.Errorf("unexpected name %v", lambda["name"])
	}
	resources := doc["resources"].(map[string]any)
	if resources["s3Buckets"].(map[string]any)["outputs"] != "comfy-outputs" {
		t.Errorf("unexpected resources %v", resources)
	}
	if _, ok := resources["eventBuses"]; ok {
		t.Error("empty resource groups must be omitted")
	}
	features := doc["features"].(map[string]any)
	if features["webhook"] != true || features["deadLetter"] != false {
		t.Errorf("unexpected features %v", features)
	}
	if doc["config"].(map[string]any)["storageMode"] != "object-storage" {
		t.Errorf("unexpected config %v", doc["config"])
	}
}

func TestInit_Level(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		t.Setenv(LevelEnv, in)
		Init()
		if got := zerolog.GlobalLevel(); got != want {
			t.Errorf("%q: level = %s, want %s", in, got, want)
		}
	}
}
