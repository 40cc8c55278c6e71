// Package lambdaboot holds the cold-start wiring shared by the entry points.
//
// Each entry point's init() loads configuration, builds AWS clients once and
// composes them into an orchestrator. Nothing built here is mutated after
// init, so it is safe to share across invocations.
package lambdaboot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/comfy"
	"github.com/fpang/comfy-worker/internal/config"
	"github.com/fpang/comfy-worker/internal/events"
	"github.com/fpang/comfy-worker/internal/jobutil"
	"github.com/fpang/comfy-worker/internal/logging"
	"github.com/fpang/comfy-worker/internal/orchestrator"
	"github.com/fpang/comfy-worker/internal/poller"
	"github.com/fpang/comfy-worker/internal/storage"
	"github.com/fpang/comfy-worker/internal/store"
	"github.com/fpang/comfy-worker/internal/webhook"
)

// AWSClients holds the shared AWS config and SSM client.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config.
func InitAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// S3Options translates the bucket settings into S3 client options. A custom
// endpoint switches to path-style addressing and only computes checksums
// when an operation requires them, which S3-compatible stores expect.
func S3Options(c config.S3Config) func(*s3.Options) {
	return func(o *s3.Options) {
		if c.Region != "" {
			o.Region = c.Region
		}
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		if c.StaticCredentials() {
			o.Credentials = aws.NewCredentialsCache(
				credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""))
		}
	}
}

// InitS3 creates the object store for object-storage mode. Cost-allocation
// tags are only written to AWS S3, not to custom endpoints.
func InitS3(cfg aws.Config, c config.S3Config) *storage.S3Store {
	client := s3.NewFromConfig(cfg, S3Options(c))
	return storage.NewS3Store(client, c.Bucket, c.PresignExpiry, c.Endpoint == "")
}

// InitDeadLetter returns the DynamoDB dead letter store, or nil when no
// table is configured. When a dead letter bucket is known, bodies too large
// for a record are kept there and the bucket store is returned as well.
func InitDeadLetter(awsCfg aws.Config, cfg *config.Config) (*store.DynamoStore, *storage.S3Store) {
	table := cfg.Webhook.DeadLetterTable
	if table == "" {
		return nil, nil
	}
	dl := store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), table)
	bucket := cfg.DeadLetterBucket()
	if bucket == "" {
		return dl, nil
	}
	client := s3.NewFromConfig(awsCfg, S3Options(cfg.S3))
	bodies := storage.NewS3Store(client, bucket, 0, cfg.S3.Endpoint == "")
	dl.WithBodyStore(bodies)
	return dl, bodies
}

// InitEvents returns the outcome event publisher, or nil when no bus is
// configured.
func InitEvents(cfg aws.Config, busName string) *events.Publisher {
	if busName == "" {
		return nil
	}
	return events.NewPublisher(eventbridge.NewFromConfig(cfg), busName)
}

// ParameterGetter is the SSM call used to resolve secrets.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveWebhookSecret fills wh.Secret from SSM when only the parameter name
// is configured.
func ResolveWebhookSecret(ctx context.Context, getter ParameterGetter, wh *config.WebhookConfig) error {
	if !wh.Enabled() || wh.Secret != "" || wh.SecretParam == "" {
		return nil
	}
	start := time.Now()
	out, err := getter.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(wh.SecretParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return jobutil.E(jobutil.ConfigurationInvalid, "resolve webhook secret",
			fmt.Errorf("read %s: %w", wh.SecretParam, err))
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return jobutil.Errorf(jobutil.ConfigurationInvalid, "resolve webhook secret", "%s is empty", wh.SecretParam)
	}
	wh.Secret = aws.ToString(out.Parameter.Value)
	log.Debug().Str("param", wh.SecretParam).Dur("elapsed", time.Since(start)).Msg("Webhook secret loaded from SSM")
	return nil
}

// Components is everything an entry point needs to run jobs.
type Components struct {
	Orchestrator     *orchestrator.Orchestrator
	Backend          *comfy.Client
	Notifier         *webhook.Notifier
	DeadLetter       *store.DynamoStore
	DeadLetterBodies *storage.S3Store
	ObjectStore      *storage.S3Store
	Events           *events.Publisher
}

// Build composes the pipeline from cfg. aws may be the zero value when
// neither object storage, dead letters nor events are configured.
func Build(cfg *config.Config, clients AWSClients) Components {
	c := Components{
		Backend: comfy.NewClient(cfg.ComfyHost, cfg.HTTPTimeout),
	}

	publisher := storage.NewInline()
	if cfg.S3.Enabled() {
		c.ObjectStore = InitS3(clients.Config, cfg.S3)
		publisher = storage.NewObjectStorage(c.ObjectStore)
	}

	var deadLetter webhook.DeadLetter
	if cfg.Webhook.Enabled() {
		c.DeadLetter, c.DeadLetterBodies = InitDeadLetter(clients.Config, cfg)
		if c.DeadLetter != nil {
			deadLetter = c.DeadLetter
		}
	}
	c.Notifier = webhook.NewNotifier(cfg.Webhook.Notifier(), deadLetter)

	opts := orchestrator.Options{
		Backend:          c.Backend,
		Publisher:        publisher,
		Notifier:         c.Notifier,
		Poller:           poller.Poller{Interval: cfg.PollInterval, MaxAttempts: cfg.PollMaxAttempts},
		ReadyInterval:    cfg.ReadyInterval,
		ReadyMaxAttempts: cfg.ReadyMaxAttempts,
		RefreshWorker:    cfg.RefreshWorker,
	}
	if c.Events = InitEvents(clients.Config, cfg.EventBusName); c.Events != nil {
		opts.Events = c.Events
	}
	c.Orchestrator = orchestrator.New(opts)
	return c
}

// NeedsAWS reports whether cfg uses any AWS service.
func NeedsAWS(cfg *config.Config) bool {
	return cfg.S3.Enabled() || cfg.EventBusName != "" ||
		(cfg.Webhook.Enabled() && (cfg.Webhook.DeadLetterTable != "" || (cfg.Webhook.Secret == "" && cfg.Webhook.SecretParam != "")))
}

// StartupLog starts the cold-start summary for name with the resources in c.
func StartupLog(name string, initStart time.Time, cfg *config.Config, c Components) *logging.StartupLogger {
	sl := logging.NewStartupLogger(name).
		InitDuration(time.Since(initStart)).
		Config("comfyHost", cfg.ComfyHost).
		Config("storageMode", cfg.StorageMode().String()).
		Config("pollInterval", cfg.PollInterval.String()).
		Config("pollMaxAttempts", fmt.Sprint(cfg.PollMaxAttempts)).
		Feature("webhook", cfg.Webhook.Enabled()).
		Feature("webhookGzip", cfg.Webhook.Gzip).
		Feature("deadLetter", c.DeadLetter != nil).
		Feature("events", c.Events != nil).
		Feature("refreshWorker", cfg.RefreshWorker)
	if c.ObjectStore != nil {
		sl.S3Bucket("outputs", c.ObjectStore.Bucket())
	}
	if c.DeadLetter != nil {
		sl.DynamoTable("deadLetter", c.DeadLetter.TableName())
	}
	if c.DeadLetterBodies != nil {
		sl.S3Bucket("deadLetterBodies", c.DeadLetterBodies.Bucket())
	}
	if c.Events != nil {
		sl.EventBus("outcomes", c.Events.BusName())
	}
	if cfg.Webhook.SecretParam != "" {
		sl.SSMParam("webhookSecret", cfg.Webhook.SecretParam)
	}
	return sl
}
