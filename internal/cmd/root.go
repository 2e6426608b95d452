package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/inevd/filehttpd"
	"github.com/inevd/filehttpd/internal/config"
	"github.com/inevd/filehttpd/internal/logging"
	"github.com/inevd/filehttpd/internal/storage"
	"github.com/inevd/filehttpd/internal/version"
	"github.com/spf13/cobra"
)

type options struct {
	configPath  string
	directory   string
	host        string
	port        int
	debug       bool
	showVersion bool
}

// NewRootCmd creates the root command for filehttpd
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   version.AppName,
		Short: version.Description,
		Long: fmt.Sprintf(`%s - %s

Serves GET /, /echo/<text>, /user-agent and GET/POST /files/<name>.
One request per connection; the connection is closed after the response.
`, version.AppName, version.Description),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionInfo())
				return nil
			}

			cfg := loadConfig(cmd, opts)
			logging.InitGlobalLogger(opts.debug, &cfg.Logging)
			if opts.debug {
				logging.Debug("Debug logging enabled")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVarP(&opts.directory, "directory", "d", "", "Directory served by the /files/ routes (default \"files\")")
	flags.StringVar(&opts.host, "host", "", "Address to listen on (default \"127.0.0.1\")")
	flags.IntVarP(&opts.port, "port", "p", 0, "Port to listen on (default 4221)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.BoolVarP(&opts.showVersion, "version", "v", false, "Show version information")

	return rootCmd
}

// loadConfig reads the config file, if any, and applies the flags that
// were set on the command line over it.
func loadConfig(cmd *cobra.Command, opts *options) *config.Config {
	cfg := config.LoadDefault()
	if opts.configPath != "" {
		cfg = config.LoadOrDefault(opts.configPath)
	}

	flags := cmd.Flags()
	if flags.Changed("directory") {
		cfg.Storage.Directory = opts.directory
	}
	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	return cfg
}

// run serves until ctx is cancelled, then shuts the server down within
// the configured timeout.
func run(ctx context.Context, out io.Writer, cfg *config.Config) error {
	logger := logging.WithComponent("server")
	store := storage.New(cfg.Storage.Directory)
	if info, err := os.Stat(store.Root()); err != nil || !info.IsDir() {
		logger.Warn().Str("directory", store.Root()).Msg("storage directory is missing; file writes will fail")
	}

	srv := &filehttpd.Server{
		Network:         "tcp",
		Addr:            cfg.Server.Address(),
		Handler:         filehttpd.NewRouter(store),
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		MaxRequestSize:  cfg.Server.MaxRequestSize,
		ReadTimeout:     cfg.Server.ReadTimeoutDuration(),
		BodyIdleTimeout: cfg.Server.BodyIdleTimeoutDuration(),
		WriteTimeout:    cfg.Server.WriteTimeoutDuration(),
		MaxConns:        cfg.Server.MaxConnections,
		Logger:          &logger,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	printBanner(out, srv.Addr, store.Root())
	logging.InfoWith("Server started", map[string]interface{}{
		"addr":      srv.Addr,
		"directory": store.Root(),
	})

	select {
	case err := <-errCh:
		logging.ErrorWith("Server stopped", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to serve on %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	logging.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, filehttpd.ErrServerClosed) {
		return err
	}
	return nil
}

func printBanner(out io.Writer, addr, dir string) {
	bold := color.New(color.FgGreen, color.Bold)
	bold.Fprintf(out, "%s %s\n", version.AppName, version.Version)
	fmt.Fprintf(out, "  listening on %s\n", color.CyanString("http://"+addr))
	fmt.Fprintf(out, "  serving files from %s\n", color.CyanString(dir))
}
