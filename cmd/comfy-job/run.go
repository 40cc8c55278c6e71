package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/comfy-worker/internal/config"
	"github.com/fpang/comfy-worker/internal/lambdaboot"
	"github.com/fpang/comfy-worker/internal/logging"
	"github.com/fpang/comfy-worker/internal/orchestrator"
)

var (
	fileFlag string
	idFlag   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job and print its result",
	Long: `Run reads a job from --file (or stdin when the flag is "-" or omitted).
The file may hold a full event ({"id": ..., "input": {...}}) or just the
input object ({"workflow": {...}, "images": [...]}). --id overrides the
event id; without either a job id is generated.`,
	Args: cobra.NoArgs,
	RunE: runJob,
}

func init() {
	runCmd.Flags().StringVarP(&fileFlag, "file", "f", "-", "Event or input JSON file (\"-\" for stdin)")
	runCmd.Flags().StringVar(&idFlag, "id", "", "Job id (overrides the event id)")
}

func runJob(cmd *cobra.Command, args []string) error {
	logging.Init()
	initStart := time.Now()

	raw, err := readInput(cmd.InOrStdin(), fileFlag)
	if err != nil {
		return err
	}
	event, err := parseEvent(raw)
	if err != nil {
		return err
	}
	if idFlag != "" {
		event.ID = idFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := build(ctx)
	if err != nil {
		return err
	}
	lambdaboot.StartupLog("comfy-job", initStart, c.cfg, c.Components).Log()

	result := c.Orchestrator.Run(ctx, event)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("job %s failed: %s", result.JobID, result.Error.Code)
	}
	return nil
}

type cliComponents struct {
	lambdaboot.Components
	cfg *config.Config
}

// build loads configuration and composes the pipeline the way the worker
// Lambda does at cold start.
func build(ctx context.Context) (cliComponents, error) {
	cfg, err := config.Load()
	if err != nil {
		return cliComponents{}, err
	}
	var clients lambdaboot.AWSClients
	if lambdaboot.NeedsAWS(cfg) {
		if clients, err = lambdaboot.InitAWS(ctx); err != nil {
			return cliComponents{}, err
		}
		if err := lambdaboot.ResolveWebhookSecret(ctx, clients.SSM, &cfg.Webhook); err != nil {
			return cliComponents{}, err
		}
	}
	return cliComponents{Components: lambdaboot.Build(cfg, clients), cfg: cfg}, nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		log.Debug().Msg("Reading job from stdin")
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// parseEvent accepts either a full event or a bare input object.
func parseEvent(raw []byte) (orchestrator.Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return orchestrator.Event{}, fmt.Errorf("empty job file")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return orchestrator.Event{}, fmt.Errorf("job file is not a JSON object: %w", err)
	}
	if _, ok := fields["input"]; ok {
		var ev orchestrator.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return orchestrator.Event{}, fmt.Errorf("decode event: %w", err)
		}
		return ev, nil
	}
	return orchestrator.Event{Input: json.RawMessage(raw)}, nil
}
