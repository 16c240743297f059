package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/archmesh/archmesh/internal/adapter/presenter"
	"github.com/archmesh/archmesh/internal/app"
	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/application/workflow"
	infraconfig "github.com/archmesh/archmesh/internal/infra/config"
	"github.com/archmesh/archmesh/internal/infra/persistence/file"
)

const shutdownTimeout = 30 * time.Second

// presenter returns a presenter for commands that run without a container
func (b *RootBuilder) presenter() output.SessionPresenter {
	if b.outputFormat == "json" {
		return presenter.NewJSONPresenter(b.stdout)
	}
	return presenter.NewCLISessionPresenter(b.stdout)
}

// initCommand creates 'init' command
func (b *RootBuilder) initCommand() *cobra.Command {
	var (
		force       bool
		withPrompts bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default settings file into the home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := b.home
			if home == "" {
				home = infraconfig.ResolveHome()
			}
			settingPath := filepath.Join(home, infraconfig.SettingFile)

			exists, err := afero.Exists(b.fs, settingPath)
			if err != nil {
				return err
			}
			if exists && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", settingPath)
			}

			written := []string{settingPath}
			promptsPath := ""
			if withPrompts {
				promptsPath = filepath.Join(home, "prompts.yaml")
				if err := file.WriteFileAtomic(b.fs, promptsPath, workflow.DefaultPromptsYAML(), 0o644); err != nil {
					return err
				}
				written = append(written, promptsPath)
			}
			if err := file.WriteFileAtomic(b.fs, settingPath, infraconfig.CreateDefaultSettings(home, promptsPath), 0o644); err != nil {
				return err
			}

			return b.presenter().PresentSuccess("Initialized ArchMesh home", map[string]interface{}{
				"home":  home,
				"files": written,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing settings file")
	cmd.Flags().BoolVar(&withPrompts, "with-prompts", false, "Also write the built-in prompt catalogue for editing")

	return cmd
}

// serveCommand creates 'serve' command
func (b *RootBuilder) serveCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background session workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			container, err := b.container(ctx, true)
			if err != nil {
				return err
			}
			logger := container.GetLogger()

			if addr == "" {
				settings, err := b.settings()
				if err != nil {
					container.Close()
					return err
				}
				addr = settings.HTTPAddr()
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				container.Close()
				return fmt.Errorf("listen on %s: %w", addr, err)
			}

			hubCtx, stopHub := context.WithCancel(context.Background())
			hubDone := make(chan struct{})
			go func() {
				defer close(hubDone)
				container.GetHub().Run(hubCtx)
			}()

			srv := &http.Server{
				Handler:           container.NewAPIServer().Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(ln) }()

			logger.Info("serving", "addr", ln.Addr().String(), "version", b.version)
			fmt.Fprintf(b.stderr, "ArchMesh listening on %s\n", ln.Addr())
			if b.onListen != nil {
				b.onListen(ln.Addr())
			}

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					runErr = err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
			stopHub()
			<-hubDone
			if err := container.Shutdown(shutdownCtx); err != nil {
				logger.Warn("container shutdown", "error", err)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: http_addr setting)")

	return cmd
}

// healthCommand creates 'health' command
func (b *RootBuilder) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the configured store, storage and agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := b.container(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer container.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			checks := container.HealthChecks()
			names := make([]string, 0, len(checks))
			for name := range checks {
				names = append(names, name)
			}
			sort.Strings(names)

			results := make(map[string]string, len(checks))
			var failed []string
			for _, name := range names {
				if err := checks[name](ctx); err != nil {
					results[name] = err.Error()
					failed = append(failed, name+": "+err.Error())
					continue
				}
				results[name] = "ok"
			}

			p := container.GetPresenter()
			if len(failed) > 0 {
				err := fmt.Errorf("unhealthy: %s", strings.Join(failed, "; "))
				if perr := p.PresentError(err); perr != nil {
					return perr
				}
				return reportedError{err}
			}
			return p.PresentSuccess("Healthy", results)
		},
	}
}

// historyCommand creates 'history' command
func (b *RootBuilder) historyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show the transition journal, optionally for one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := b.settings()
			if err != nil {
				return err
			}
			if settings.JournalPath() == "" {
				return errors.New("journal is disabled (journal_path is empty)")
			}

			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			entries, err := app.ReadJournal(b.fs, settings.JournalPath(), sessionID)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			return b.presenter().PresentSuccess(fmt.Sprintf("%d journal entries", len(entries)), entries)
		},
	}
}

// versionCommand creates the 'version' command
func (b *RootBuilder) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return b.presenter().PresentSuccess("ArchMesh version", map[string]string{
				"version": b.version,
				"commit":  b.commit,
				"go":      runtime.Version(),
				"os_arch": runtime.GOOS + "/" + runtime.GOARCH,
			})
		},
	}
}
