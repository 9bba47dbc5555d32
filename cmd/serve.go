package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/docfactory/internal/config"
	"github.com/conneroisu/docfactory/internal/errors"
	"github.com/conneroisu/docfactory/internal/factory"
	"github.com/conneroisu/docfactory/internal/hub"
	"github.com/conneroisu/docfactory/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Render the document's history, watch for commits, and serve the results",
	Long: `Render the tracked document at recent commits, then poll the branch for new
commits while serving the manifest, the artifacts, and live refresh
notifications.

The output directory is owned by the factory: previous artifacts and any
previous manifest are removed at startup.

Examples:
  docfactory serve --file docs/guide.adoc --directory /tmp/factory
  docfactory serve -f guide.adoc -d out --branch release --max-distinct-renders 10
  docfactory serve -f guide.adoc -d out --once   # backfill only, keep serving`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.StringP("file", "f", "", "tracked document (inside a git working tree)")
	flags.StringP("directory", "d", "", "directory for the workspace and the output")
	flags.StringP("branch", "b", config.DefaultBranch, "branch to follow")
	flags.String("namespace", "", "artifact file name prefix (default derived from the branch)")
	flags.IntP("max-distinct-renders", "n", config.DefaultMaxDistinctRenders, "distinct renders to backfill")
	flags.Int("commit-window", config.DefaultCommitWindow, "most recent commits considered during backfill")
	flags.Duration("poll-interval", config.DefaultPollInterval, "delay between branch polls")
	flags.Bool("once", false, "backfill only, do not watch for new commits")
	flags.Bool("ref-watch", true, "poll early when the branch ref changes on disk")
	flags.String("renderer", config.DefaultRendererCommand, "renderer executable")
	flags.String("host", config.DefaultHost, "host to bind to")
	flags.IntP("port", "p", config.DefaultPort, "port to serve on")
	flags.String("viewer", "", "HTML page served at /")

	bindings := map[string]string{
		"factory.file":                 "file",
		"factory.directory":            "directory",
		"factory.branch":               "branch",
		"factory.namespace":            "namespace",
		"factory.max_distinct_renders": "max-distinct-renders",
		"factory.commit_window":        "commit-window",
		"factory.poll_interval":        "poll-interval",
		"factory.once":                 "once",
		"factory.ref_watch":            "ref-watch",
		"renderer.command":             "renderer",
		"server.host":                  "host",
		"server.port":                  "port",
		"server.viewer_path":           "viewer",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	addFlagValidation(flags, "port", validatePort)
	addFlagValidation(flags, "max-distinct-renders", validatePositiveInt)
	addFlagValidation(flags, "commit-window", validatePositiveInt)
	addFlagValidation(flags, "poll-interval", validatePositiveDuration)
	addFlagValidation(flags, "branch", validateBranch)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		path := configPath()
		ctx := &errors.SuggestionContext{ConfigPath: path}
		return errors.NewEnhancedError("Failed to load configuration", err,
			errors.ConfigurationError(err.Error(), path, ctx))
	}
	if err := cfg.RequireTarget(); err != nil {
		return err
	}

	logger := newLogger(cfg)
	suggestionCtx := &errors.SuggestionContext{
		ConfigPath:      configPath(),
		DocumentPath:    cfg.Factory.File,
		RendererCommand: cfg.Renderer.Command,
	}

	hubConfig := hub.DefaultConfig()
	hubConfig.AllowedOrigins = cfg.Server.AllowedOrigins
	hubConfig.ConnectRate = cfg.Server.ConnectRate
	hubConfig.ConnectBurst = cfg.Server.ConnectBurst
	h := hub.New(hubConfig, logger)

	components, err := factory.Assemble(cfg, h, logger)
	if err != nil {
		h.Close()
		return errors.NewEnhancedError("Failed to start factory", err, errors.PrerequisiteError(err, suggestionCtx))
	}

	srv := server.New(server.Config{
		Address:        cfg.Server.Address(),
		OutputDir:      cfg.Factory.OutputDir(),
		ManifestPath:   cfg.Factory.ManifestPath(),
		ViewerPath:     cfg.Server.ViewerPath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, h, components.Controller, logger)

	listener, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		h.Close()
		return errors.NewEnhancedError(fmt.Sprintf("Failed to start server on port %d", cfg.Server.Port), err,
			errors.ServerStartError(err, cfg.Server.Port, suggestionCtx))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, listener)
	})
	g.Go(func() error {
		if err := components.Run(gctx); err != nil {
			return err
		}
		if cfg.Factory.Once && gctx.Err() == nil {
			logger.Info(gctx, "Backfill complete, serving until interrupted",
				"address", "http://"+listener.Addr().String())
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.IsFatal(err) {
		logger.Fatal(context.Background(), err, "Factory stopped")
		return errors.NewEnhancedError("Factory stopped on a fatal error", err, errors.PrerequisiteError(err, suggestionCtx))
	}
	if err != nil {
		return err
	}
	logger.Info(context.Background(), "Shutdown complete")
	return nil
}
