package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/comfy-worker/internal/config"
	"github.com/fpang/comfy-worker/internal/lambdaboot"
	"github.com/fpang/comfy-worker/internal/logging"
	"github.com/fpang/comfy-worker/internal/store"
	"github.com/fpang/comfy-worker/internal/webhook"
)

var keepFlag bool

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "Inspect and replay webhook deliveries that exhausted their retries",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list <jobId>",
	Short: "List stored deliveries for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init()
		ctx := cmd.Context()
		dl, _, err := openDeadLetters(ctx)
		if err != nil {
			return err
		}
		deliveries, err := dl.ListDeliveries(ctx, args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tCODE\tCREATED\tBODY\tERROR")
		for _, d := range deliveries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				d.ID, d.Status, d.Attempts, d.StatusCode, d.CreatedAt.Format(time.RFC3339), bodyState(d), d.LastError)
		}
		return w.Flush()
	},
}

var deadLettersReplayCmd = &cobra.Command{
	Use:   "replay <jobId>",
	Short: "Resend stored deliveries for a job to the configured webhook URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init()
		ctx := cmd.Context()
		dl, notifier, err := openDeadLetters(ctx)
		if err != nil {
			return err
		}
		n, err := replay(ctx, dl, notifier, args[0], keepFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d delivered\n", n)
		return nil
	},
}

func init() {
	deadLettersReplayCmd.Flags().BoolVar(&keepFlag, "keep", false, "Keep stored deliveries after a successful replay")
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersReplayCmd)
}

// openDeadLetters connects to the configured dead letter table and builds a
// notifier that does not dead-letter again.
func openDeadLetters(ctx context.Context) (store.DeadLetterStore, *webhook.Notifier, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Webhook.DeadLetterTable == "" {
		return nil, nil, fmt.Errorf("WEBHOOK_DEADLETTER_TABLE is not set")
	}
	clients, err := lambdaboot.InitAWS(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := lambdaboot.ResolveWebhookSecret(ctx, clients.SSM, &cfg.Webhook); err != nil {
		return nil, nil, err
	}
	dl, _ := lambdaboot.InitDeadLetter(clients.Config, cfg)
	return dl, webhook.NewNotifier(cfg.Webhook.Notifier(), nil), nil
}

// replay resends every stored delivery for jobID and removes the ones that
// succeed unless keep is set. It returns the number delivered.
func replay(ctx context.Context, dl store.DeadLetterStore, n *webhook.Notifier, jobID string, keep bool) (int, error) {
	deliveries, err := dl.ListDeliveries(ctx, jobID)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, d := range deliveries {
		if d.BodyTruncated {
			log.Warn().Str("job", jobID).Str("delivery", d.ID).Msg("Delivery body was not retained; skipping replay")
			continue
		}
		d, err := dl.LoadBody(ctx, d)
		if err != nil {
			log.Warn().Err(err).Str("job", jobID).Str("delivery", d.ID).Msg("Failed to load delivery body")
			continue
		}
		out := n.Replay(ctx, d)
		if out.Status != webhook.StatusDelivered {
			log.Warn().Str("job", jobID).Str("delivery", d.ID).Str("error", out.LastError).Msg("Replay failed")
			continue
		}
		delivered++
		if keep {
			continue
		}
		if err := dl.DeleteDelivery(ctx, jobID, d.ID); err != nil {
			return delivered, fmt.Errorf("delete delivery %s: %w", d.ID, err)
		}
	}
	return delivered, nil
}

func bodyState(d webhook.Delivery) string {
	switch {
	case d.BodyTruncated:
		return "dropped"
	case d.BodyKey != "":
		return d.BodyKey
	default:
		return "inline"
	}
}
