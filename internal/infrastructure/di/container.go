package di

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/afero"

	"github.com/archmesh/archmesh/internal/adapter/controller/api"
	agentgateway "github.com/archmesh/archmesh/internal/adapter/gateway/agent"
	storagegateway "github.com/archmesh/archmesh/internal/adapter/gateway/storage"
	"github.com/archmesh/archmesh/internal/adapter/presenter"
	"github.com/archmesh/archmesh/internal/app"
	appconfig "github.com/archmesh/archmesh/internal/app/config"
	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/application/service"
	"github.com/archmesh/archmesh/internal/application/workflow"
	"github.com/archmesh/archmesh/internal/buildinfo"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
	"github.com/archmesh/archmesh/internal/infrastructure/messaging/natsevents"
	"github.com/archmesh/archmesh/internal/infrastructure/persistence/memory"
	"github.com/archmesh/archmesh/internal/infrastructure/persistence/natskv"
	sqlitestore "github.com/archmesh/archmesh/internal/infrastructure/persistence/sqlite"
	"github.com/archmesh/archmesh/internal/infrastructure/transaction"
)

// Container is the DI container that holds all dependencies.
// This implements manual dependency injection for Clean Architecture.
type Container struct {
	// Infrastructure Layer - Session store backends
	db       *sql.DB
	embedded *natskv.Embedded
	natsConn *nats.Conn
	store    wf.Store
	txm      output.TransactionManager

	// Infrastructure Layer - Gateways
	agentGateway   output.AgentGateway
	storageGateway output.StorageGateway
	publisher      *natsevents.Publisher

	// Application Layer
	pool       *service.AgentPool
	executor   *workflow.Executor
	controller *workflow.Controller
	reporter   *workflow.Reporter
	runner     *workflow.Runner

	// Adapter Layer
	hub       *api.Hub
	metrics   *api.Metrics
	journal   *app.JournalWriter
	presenter output.SessionPresenter

	logger *slog.Logger
	config Config
}

// Config holds configuration for the container
type Config struct {
	Settings     appconfig.Config
	OutputFormat string    // cli or json
	OutputWriter io.Writer // presenter output, default stdout
	LogWriter    io.Writer // log output, default stderr
	Fs           afero.Fs  // filesystem for prompts and local storage, default OsFs

	// Background drives sessions on runner workers instead of the request goroutine
	Background bool
}

// NewContainer creates and initializes the DI container
func NewContainer(ctx context.Context, config Config) (*Container, error) {
	if config.Settings == nil {
		return nil, errors.New("container: settings are required")
	}
	if config.OutputWriter == nil {
		config.OutputWriter = os.Stdout
	}
	if config.LogWriter == nil {
		config.LogWriter = os.Stderr
	}
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}

	c := &Container{
		config: config,
		logger: app.NewLogger(config.Settings.LogLevel(), config.Settings.LogFormat(), config.LogWriter),
	}

	// Initialize dependencies in dependency order; a failure releases what was opened
	if err := c.initializeInfrastructure(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize infrastructure: %w", err)
	}
	if err := c.initializeApplication(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	c.initializeAdapters()

	// Sessions a previous process left mid-stage are resumed or failed once
	// every observer is subscribed
	n, err := c.controller.Recover(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to recover sessions: %w", err)
	}
	if n > 0 {
		c.logger.Info("interrupted sessions recovered", "count", n)
	}

	return c, nil
}

// initializeInfrastructure initializes infrastructure layer components
func (c *Container) initializeInfrastructure(ctx context.Context) error {
	s := c.config.Settings

	// 1. Session store
	switch s.Store() {
	case "memory":
		c.store = memory.NewSessionStore()

	case "sqlite":
		db, err := sqlitestore.Open(ctx, s.DBPath(), c.logger)
		if err != nil {
			return err
		}
		c.db = db
		c.store = sqlitestore.NewSessionStore(db)
		c.txm = transaction.NewSQLiteTransactionManager(db)

	case "nats":
		if err := c.connectNATS(); err != nil {
			return err
		}
		js, err := jetstream.New(c.natsConn)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		store, err := natskv.NewSessionStore(ctx, js, s.NATSBucket())
		if err != nil {
			return err
		}
		c.store = store
		c.publisher = natsevents.NewPublisher(c.natsConn, natsevents.DefaultPrefix, c.logger)

	default:
		return fmt.Errorf("unknown store type: %s", s.Store())
	}
	c.logger.Info("session store ready", "store", s.Store())

	// 2. Storage gateway
	switch s.Storage() {
	case "local":
		gw, err := storagegateway.NewLocalStorageGatewayWithFs(c.config.Fs, s.StorageDir())
		if err != nil {
			return fmt.Errorf("local storage: %w", err)
		}
		c.storageGateway = gw
	case "s3":
		gw, err := storagegateway.NewS3StorageGateway(ctx, storagegateway.S3Config{
			BucketName: s.S3Bucket(),
			Prefix:     s.S3Prefix(),
			Region:     s.S3Region(),
			Endpoint:   s.S3Endpoint(),
		})
		if err != nil {
			return fmt.Errorf("s3 storage: %w", err)
		}
		c.storageGateway = gw
	case "mock":
		c.storageGateway = storagegateway.NewMockStorageGateway()
	default:
		return fmt.Errorf("unknown storage type: %s", s.Storage())
	}

	// 3. Agent gateway
	agent, err := agentgateway.NewAgentGateway(agentgateway.Config{
		Type:    s.Agent(),
		Model:   s.Model(),
		BaseURL: s.AgentURL(),
		Timeout: s.StageTimeout(),
	})
	if err != nil {
		return fmt.Errorf("agent gateway: %w", err)
	}
	c.agentGateway = agent

	return nil
}

// connectNATS starts an embedded server unless an external URL is configured
func (c *Container) connectNATS() error {
	url := c.config.Settings.NATSURL()
	if url == "" || url == "embedded" {
		e, err := natskv.RunEmbedded(filepath.Join(c.config.Settings.Home(), "nats"))
		if err != nil {
			return err
		}
		c.embedded = e
		c.natsConn = e.Conn
		c.logger.Info("embedded NATS server started", "url", e.Server.ClientURL())
		return nil
	}

	conn, err := nats.Connect(url, nats.Name("archmesh"))
	if err != nil {
		return fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	c.natsConn = conn
	return nil
}

// initializeApplication initializes application layer components
func (c *Container) initializeApplication() error {
	s := c.config.Settings

	c.pool = service.NewAgentPool()
	if n := s.AgentMaxConcurrency(); n > 0 {
		if err := c.pool.SetLimit(c.agentGateway.GetCapability().AgentType, n); err != nil {
			return err
		}
	}

	prompts, err := workflow.LoadPrompts(c.config.Fs, s.PromptsPath())
	if err != nil {
		return err
	}
	registry, err := workflow.NewRoutines(c.agentGateway, c.storageGateway, c.pool, prompts)
	if err != nil {
		return err
	}

	opts := workflow.Options{
		StageTimeout:  s.StageTimeout(),
		UpdateRetries: s.UpdateRetries(),
		Workers:       s.Workers(),
	}
	c.executor = workflow.NewExecutor(c.store, registry, opts, c.logger)
	gate := workflow.NewGate(c.store, opts, c.logger)
	c.controller = workflow.NewController(c.store, c.storageGateway, c.executor, gate, opts, c.logger)
	if c.txm != nil {
		c.controller.UseTransactions(c.txm)
	}
	c.reporter = workflow.NewReporter(c.store)

	if c.config.Background {
		c.runner = workflow.NewRunner(c.controller.Drive, s.Workers(), c.logger)
		c.controller.UseRunner(c.runner)
	}
	return nil
}

// initializeAdapters initializes adapter layer components and subscribes them to transitions
func (c *Container) initializeAdapters() {
	c.hub = api.NewHub(c.logger)
	c.metrics = api.NewMetrics()

	c.controller.AddObserver(c.hub)
	c.controller.AddObserver(c.metrics)
	c.executor.AddObserver(c.metrics)
	if c.publisher != nil {
		c.controller.AddObserver(c.publisher)
	}
	if path := c.config.Settings.JournalPath(); path != "" {
		c.journal = app.NewJournalWriter(c.config.Fs, path, c.logger)
		c.controller.AddObserver(c.journal)
		c.executor.AddObserver(c.journal)
	}

	switch c.config.OutputFormat {
	case "json":
		c.presenter = presenter.NewJSONPresenter(c.config.OutputWriter)
	default:
		c.presenter = presenter.NewCLISessionPresenter(c.config.OutputWriter)
	}
}

// HealthChecks returns one probe per external dependency
func (c *Container) HealthChecks() map[string]api.HealthFunc {
	checks := map[string]api.HealthFunc{
		"agent": c.agentGateway.HealthCheck,
	}
	if c.db != nil {
		checks["database"] = c.db.PingContext
	}
	if c.natsConn != nil {
		conn := c.natsConn
		checks["nats"] = func(ctx context.Context) error {
			if !conn.IsConnected() {
				return fmt.Errorf("nats connection %s", conn.Status())
			}
			return nil
		}
	}
	return checks
}

// NewAPIServer builds the HTTP API on the container's components
func (c *Container) NewAPIServer() *api.Server {
	s := c.config.Settings
	return api.NewServer(api.Config{
		Token:          s.HTTPToken(),
		AllowedOrigins: s.CORSOrigins(),
	}, api.Deps{
		Controller: c.controller,
		Reporter:   c.reporter,
		Storage:    c.storageGateway,
		Hub:        c.hub,
		Metrics:    c.metrics,
		Health:     c.HealthChecks(),
		Logger:     c.logger,
	})
}

// GetController returns the transition controller
func (c *Container) GetController() *workflow.Controller {
	return c.controller
}

// GetReporter returns the status reporter
func (c *Container) GetReporter() *workflow.Reporter {
	return c.reporter
}

// GetStore returns the session store
func (c *Container) GetStore() wf.Store {
	return c.store
}

// GetTransactionManager returns the store's transaction manager, nil when the
// store has none
func (c *Container) GetTransactionManager() output.TransactionManager {
	return c.txm
}

// GetPresenter returns the presenter
func (c *Container) GetPresenter() output.SessionPresenter {
	return c.presenter
}

// GetAgentGateway returns the agent gateway
func (c *Container) GetAgentGateway() output.AgentGateway {
	return c.agentGateway
}

// GetStorageGateway returns the storage gateway
func (c *Container) GetStorageGateway() output.StorageGateway {
	return c.storageGateway
}

// GetHub returns the websocket hub
func (c *Container) GetHub() *api.Hub {
	return c.hub
}

// GetMetrics returns the Prometheus metrics
func (c *Container) GetMetrics() *api.Metrics {
	return c.metrics
}

// GetLogger returns the application logger
func (c *Container) GetLogger() *slog.Logger {
	return c.logger
}

// Version returns the build version reported by health
func (c *Container) Version() string {
	return buildinfo.GetVersion()
}

// Shutdown waits for background drives until ctx is done, then closes all resources
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if c.runner != nil {
		if err := c.runner.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runner: %w", err))
		}
	}
	if err := c.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases all resources without waiting for background drives
func (c *Container) Close() error {
	var errs []error

	if c.runner != nil {
		if err := c.runner.Close(); err != nil {
			errs = append(errs, fmt.Errorf("runner: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		c.db = nil
	}
	if c.embedded != nil {
		c.embedded.Close()
		c.embedded = nil
		c.natsConn = nil
	}
	if c.natsConn != nil {
		if err := c.natsConn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
		c.natsConn = nil
	}
	return errors.Join(errs...)
}
