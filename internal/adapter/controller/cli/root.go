package cli

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	appconfig "github.com/archmesh/archmesh/internal/app/config"
	infraconfig "github.com/archmesh/archmesh/internal/infra/config"
	"github.com/archmesh/archmesh/internal/infrastructure/di"
)

// reportedError marks an error the presenter has already shown
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// IsReported tells main whether err still needs printing
func IsReported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}

// RootBuilder builds the root CLI command with all subcommands
type RootBuilder struct {
	fs     afero.Fs
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	version string
	commit  string

	// Global flags
	home         string
	configPath   string
	outputFormat string
	logLevel     string

	onListen func(net.Addr)
}

// NewRootBuilder creates a new root command builder on the process's stdio
func NewRootBuilder(version, commit string) *RootBuilder {
	return &RootBuilder{
		fs:      afero.NewOsFs(),
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		version: version,
		commit:  commit,
	}
}

// WithIO replaces the standard streams
func (b *RootBuilder) WithIO(in io.Reader, out, errOut io.Writer) *RootBuilder {
	b.stdin, b.stdout, b.stderr = in, out, errOut
	return b
}

// WithFs replaces the filesystem used for settings, prompts and documents
func (b *RootBuilder) WithFs(fs afero.Fs) *RootBuilder {
	b.fs = fs
	return b
}

// Build creates the root command with all subcommands
func (b *RootBuilder) Build() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "archmesh",
		Short: "ArchMesh - document to architecture workflow",
		Long: `ArchMesh turns a requirements document into a reviewed architecture.
Each project runs one workflow session at a time: the document is analysed,
a human reviews the requirements, an architecture is designed and reviewed,
and the session completes.`,
		Version:       b.version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(b.stdin)
	rootCmd.SetOut(b.stdout)
	rootCmd.SetErr(b.stderr)

	// Add global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&b.home, "home", "", "State directory (default $ARCHMESH_HOME or .archmesh)")
	flags.StringVar(&b.configPath, "config", "", "Settings file (default <home>/archmesh.yaml)")
	flags.StringVarP(&b.outputFormat, "output", "o", "cli", "Output format (cli, json)")
	flags.StringVar(&b.logLevel, "log-level", "", "Override the configured log level")

	sessions := NewSessionController(b)

	rootCmd.AddCommand(
		b.initCommand(),
		b.serveCommand(),
		sessions.StartCommand(),
		sessions.StatusCommand(),
		sessions.FeedbackCommand(),
		sessions.ListCommand(),
		sessions.RestartCommand(),
		b.historyCommand(),
		b.healthCommand(),
		b.versionCommand(),
	)

	return rootCmd
}

// settings loads the configuration selected by the global flags
func (b *RootBuilder) settings() (appconfig.Config, error) {
	var (
		cfg *appconfig.AppConfig
		err error
	)
	if b.configPath != "" {
		cfg, err = infraconfig.LoadSettingsFile(b.fs, b.configPath)
	} else {
		cfg, err = infraconfig.LoadSettings(b.fs, b.home)
	}
	if err != nil {
		return nil, err
	}
	if b.logLevel != "" {
		return withLogLevel{cfg, b.logLevel}, nil
	}
	return cfg, nil
}

// withLogLevel overrides the log level of a loaded configuration
type withLogLevel struct {
	appconfig.Config
	level string
}

func (w withLogLevel) LogLevel() string { return w.level }

// container wires the application for one command.
// background selects runner workers for long-lived processes.
func (b *RootBuilder) container(ctx context.Context, background bool) (*di.Container, error) {
	settings, err := b.settings()
	if err != nil {
		return nil, err
	}
	return di.NewContainer(ctx, di.Config{
		Settings:     settings,
		OutputFormat: b.outputFormat,
		OutputWriter: b.stdout,
		LogWriter:    b.stderr,
		Fs:           b.fs,
		Background:   background,
	})
}
