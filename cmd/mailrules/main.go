package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailrules/internal/audit"
	"github.com/fenilsonani/mailrules/internal/config"
	"github.com/fenilsonani/mailrules/internal/logging"
	"github.com/fenilsonani/mailrules/internal/metrics"
	"github.com/fenilsonani/mailrules/internal/outbox"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/provider/imap"
	"github.com/fenilsonani/mailrules/internal/provider/maildir"
	"github.com/fenilsonani/mailrules/internal/queue"
	"github.com/fenilsonani/mailrules/internal/resilience"
	"github.com/fenilsonani/mailrules/internal/rules"
	"github.com/fenilsonani/mailrules/internal/service"
	"github.com/fenilsonani/mailrules/internal/setup"
	"github.com/fenilsonani/mailrules/internal/storage/metadata"
)

const version = "v0.1.0"

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailrules",
	Short: "Mail rule engine with an async action outbox",
	Long: `Runs per-user mail rules against incoming messages:
- Conditions on sender, recipients, subject, labels, dates and auth results
- Label, archive, read-state and forward actions
- Durable outbox for forwards and bulk work, with retries and backoff
- Batch actions over many messages at once`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

// app holds everything a command needs, built from the loaded config.
type app struct {
	logger *logging.Logger
	db     *metadata.DB
	redis  *queue.Client
	svc    *service.Service
	execs  *audit.ExecutionLog
}

// openApp opens the database, runs migrations and wires the service. Redis
// is connected only when enabled and useRedis is set.
func openApp(ctx context.Context, useRedis bool) (*app, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{logger: logger}

	a.db, err = metadata.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.db.Migrate(migrateCtx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	sealer, err := cfg.Sealer()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize secrets: %w", err)
	}
	if sealer == nil {
		logger.Warn("No secrets passphrase set, IMAP accounts with passwords cannot be stored",
			"env", cfg.Secrets.PassphraseEnv)
	}
	accounts := provider.NewAccountStore(a.db.DB, sealer)

	var forwarder *provider.Forwarder
	if fc, ok := cfg.Forwarder(); ok {
		forwarder, err = provider.NewForwarder(fc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize forwarder: %w", err)
		}
	}

	guardCfg := cfg.Guard()
	guardCfg.OnStateChange = func(ownerID string, from, to resilience.State) {
		metrics.RecordCircuitTransition(from.String(), to.String())
		logger.Provider().Warn("Provider circuit changed state",
			"owner_id", ownerID, "from", from.String(), "to", to.String())
	}
	factory := provider.NewFactory(accounts, provider.NewGuard(guardCfg), forwarder)
	factory.Register(provider.KindIMAP, imap.Dialer(cfg.IMAP()))
	factory.Register(provider.KindMaildir, maildir.Dial)

	a.execs = audit.NewExecutionLog(a.db.DB)
	deps := service.Deps{
		Rules:      rules.NewStore(a.db.DB),
		Outbox:     outbox.NewStore(a.db.DB),
		Executions: a.execs,
		Audit:      audit.NewLogger(a.db.DB),
		Accounts:   accounts,
		Resolver:   factory,
		Logger:     logger,
	}

	if useRedis && cfg.Redis.Enabled {
		a.redis, err = queue.Connect(ctx, cfg.Queue())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		deps.Dedupe = a.redis.Deduper()
		deps.Notifier = a.redis.Notifier()
		logger.Info("Redis connected", "url", cfg.Redis.URL)
	}

	a.svc = service.New(deps, service.Config{
		Engine:         cfg.RuleEngine(),
		Batch:          cfg.BatchService(),
		Outbox:         cfg.OutboxProcessor(),
		BulkApplyLimit: cfg.Engine.BulkApplyLimit,
	})
	return a, nil
}

// Close releases Redis and the database, in that order.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Redis close error", "error", err.Error())
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Database close error", "error", err.Error())
		}
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the outbox processor and the metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()
		logger := a.logger

		var metricsSrv *http.Server
		if cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				if err := a.db.PingContext(r.Context()); err != nil {
					http.Error(w, "database unavailable", http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			})
			metricsSrv = &http.Server{
				Addr:              cfg.Metrics.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server error", "error", err.Error())
				}
			}()
			logger.Info("Metrics server started", "addr", cfg.Metrics.Listen)
		}

		proc := a.svc.Processor()
		proc.Start(context.WithoutCancel(ctx))
		logger.Info("All services started successfully")

		<-ctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics server shutdown error", "error", err.Error())
			}
		}
		proc.Stop()

		logger.Info("Shutdown complete")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		db, err := metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		v, err := db.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Migrations completed successfully (schema version %d)\n", v)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the installation is ready to run",
	RunE: func(cmd *cobra.Command, args []string) error {
		results := setup.RunDoctor(cmd.Context(), cfg)
		results.Print(os.Stdout)
		if !results.Healthy {
			return fmt.Errorf("%d check(s) failed", results.Failed)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailrules " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}
