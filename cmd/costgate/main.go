// costgate - budget-gated admission control for provisioning requests
//
// Usage:
//
//	costgate serve --store dynamo --dynamo-table costgate
//	costgate process --store postgres --postgres-dsn "..."
//	costgate rebase --account 123456789012
//	costgate quote --instance-type t3.micro --operating-system Linux
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/budgets"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awspricing "github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/urfave/cli/v2"

	"costgate/admission"
	"costgate/api"
	"costgate/audit"
	"costgate/budgetdef"
	"costgate/callback"
	"costgate/intake"
	"costgate/ledger"
	"costgate/ledger/dynamo"
	"costgate/ledger/postgres"
	"costgate/notify"
	"costgate/pkg/platform"
	"costgate/pricing"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "costgate",
		Usage:   "Budget-gated admission control for resource provisioning requests",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"COSTGATE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "store",
				Value:   "dynamo",
				Usage:   "Ledger store backend (dynamo, postgres, memory)",
				EnvVars: []string{"COSTGATE_STORE"},
			},
			&cli.StringFlag{
				Name:    "dynamo-table",
				Value:   "costgate",
				Usage:   "DynamoDB table for budgets and requests",
				EnvVars: []string{"COSTGATE_DYNAMO_TABLE"},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Usage:   "Postgres connection string",
				EnvVars: []string{"COSTGATE_POSTGRES_DSN"},
			},
			&cli.StringFlag{
				Name:    "aws-region",
				Value:   "us-east-1",
				Usage:   "AWS region for SDK clients",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:    "account",
				Usage:   "AWS account id owning the budget definitions",
				EnvVars: []string{"COSTGATE_ACCOUNT_ID"},
			},
			&cli.StringFlag{
				Name:    "approval-base-url",
				Usage:   "Base URL for admin approval/rejection links",
				EnvVars: []string{"COSTGATE_APPROVAL_BASE_URL"},
			},
			&cli.BoolFlag{
				Name:    "notify",
				Value:   true,
				Usage:   "Publish approver alerts to the budget's SNS topic",
				EnvVars: []string{"COSTGATE_NOTIFY"},
			},
			&cli.BoolFlag{
				Name:    "audit",
				Value:   false,
				Usage:   "Record admission decisions to ClickHouse",
				EnvVars: []string{"COSTGATE_AUDIT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Value:   "localhost",
				Usage:   "ClickHouse host",
				EnvVars: []string{"CLICKHOUSE_HOST"},
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   9000,
				Usage:   "ClickHouse native port",
				EnvVars: []string{"CLICKHOUSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "costgate",
				Usage:   "ClickHouse database",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				Usage:   "ClickHouse user",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Value:   "",
				Usage:   "ClickHouse password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
		},

		Commands: []*cli.Command{
			serveCommand(),
			processCommand(),
			rebaseCommand(),
			resetCommand(),
			quoteCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		platform.LogFatal(slog.Default(), "costgate failed", err)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type engine struct {
	store     ledger.Store
	processor *admission.Processor
	lifecycle *admission.Lifecycle
	rebaser   *admission.Rebaser
	intake    *intake.Intake
	quoter    *pricing.Quoter
	auditor   audit.Reader
	close     func()
}

func buildEngine(c *cli.Context) (*engine, error) {
	logger := platform.InitLogger()
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.String("aws-region")))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	closers := []func(){}

	var store ledger.Store
	switch c.String("store") {
	case "dynamo":
		store = dynamo.NewStore(dynamodb.NewFromConfig(awsCfg), c.String("dynamo-table"))
	case "postgres":
		pg, err := postgres.Open(c.String("postgres-dsn"))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate postgres ledger: %w", err)
		}
		closers = append(closers, func() { pg.Close() })
		store = pg
	case "memory":
		store = ledger.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.String("store"))
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if c.Bool("notify") {
		notifier = notify.NewSNSPublisher(sns.NewFromConfig(awsCfg), logger)
	}

	var recorder audit.Recorder = audit.Nop{}
	var auditor audit.Reader = audit.Nop{}
	if c.Bool("audit") {
		ch, err := audit.NewStore(&audit.Config{
			Host:     c.String("clickhouse-host"),
			Port:     c.Int("clickhouse-port"),
			Database: c.String("clickhouse-database"),
			Username: c.String("clickhouse-user"),
			Password: c.String("clickhouse-password"),
			Debug:    platform.GetEnvBool("CLICKHOUSE_DEBUG", false),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		closers = append(closers, func() { ch.Close() })
		recorder = ch
		auditor = ch
	}

	signaler := callback.NewHTTPSignaler(logger)
	processor := admission.NewProcessor(store, notifier, signaler, recorder, logger)
	lifecycle := admission.NewLifecycle(store, signaler, recorder, logger)
	defs := budgetdef.NewAWSService(budgets.NewFromConfig(awsCfg))
	rebaser := admission.NewRebaser(store, defs, c.String("account"), logger)
	in := intake.NewIntake(store, lifecycle, c.String("approval-base-url"), logger)
	quoter := pricing.NewQuoter(pricing.NewAWSPriceSource(awspricing.NewFromConfig(awsCfg)), c.String("aws-region"), logger)

	return &engine{
		store:     store,
		processor: processor,
		lifecycle: lifecycle,
		rebaser:   rebaser,
		intake:    in,
		quoter:    quoter,
		auditor:   auditor,
		close: func() {
			for _, fn := range closers {
				fn()
			}
		},
	}, nil
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP trigger surface",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "HTTP server port",
				EnvVars: []string{"COSTGATE_PORT"},
			},
			&cli.StringSliceFlag{
				Name:    "cors-origin",
				Usage:   "Allowed CORS origins",
				EnvVars: []string{"COSTGATE_CORS_ORIGINS"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.close()

	cfg := api.DefaultConfig()
	cfg.Port = c.Int("port")
	if origins := c.StringSlice("cors-origin"); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}

	logger := platform.InitLogger()
	server := api.NewServer(eng.store, eng.processor, eng.lifecycle, eng.rebaser, eng.intake, eng.quoter, eng.auditor, cfg, logger)
	return server.StartWithGracefulShutdown()
}

// =============================================================================
// PROCESS COMMAND
// =============================================================================

func processCommand() *cli.Command {
	return &cli.Command{
		Name:   "process",
		Usage:  "Run one evaluation pass over held and saved requests",
		Action: runProcess,
	}
}

func runProcess(c *cli.Context) error {
	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.close()
	return eng.processor.Run(context.Background())
}

// =============================================================================
// REBASE COMMANDS
// =============================================================================

func rebaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebase",
		Usage: "Refresh budget figures from the upstream budget definitions",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "key",
				Usage: "Cost export object keys (only .json keys trigger a rebase)",
			},
		},
		Action: runRebase,
	}
}

func runRebase(c *cli.Context) error {
	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx := context.Background()
	if keys := c.StringSlice("key"); len(keys) > 0 {
		return eng.rebaser.RebaseFromManifest(ctx, keys)
	}
	return eng.rebaser.RebaseAll(ctx)
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:   "reset-approved",
		Usage:  "Zero accrued approved spend at the start of a billing month",
		Action: runReset,
	}
}

func runReset(c *cli.Context) error {
	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.close()
	return eng.rebaser.ResetApprovedSpend(context.Background())
}

// =============================================================================
// QUOTE COMMAND
// =============================================================================

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Price an instance shape and print the monthly figures",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "instance-type",
				Usage:    "EC2 instance type (e.g. t3.micro)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "operating-system",
				Value: "Linux",
				Usage: "Operating system (Linux, Windows)",
			},
			&cli.StringFlag{
				Name:  "term-type",
				Value: "OnDemand",
				Usage: "Pricing term type",
			},
		},
		Action: runQuote,
	}
}

func runQuote(c *cli.Context) error {
	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.close()

	snap, err := eng.quoter.Quote(context.Background(),
		c.String("operating-system"), c.String("instance-type"), c.String("term-type"))
	if err != nil {
		return fmt.Errorf("quote failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
