package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"market-feeder/config"
	"market-feeder/feed"
	v1 "market-feeder/router/v1"
)

const (
	logLevelJSON = "json"
	logLevelText = "text"

	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

var rootCmd = &cobra.Command{
	Use:   "market-feeder [config-file]",
	Args:  cobra.ExactArgs(1),
	Short: "market-feeder aggregates option and underlying market data across venues",
	Long: `A process that maintains a single continuously updated view of the option
universe, reference prices and live top-of-book tickers for a set of
configured tabs, normalized under one instrument naming schema regardless
of the source vendor. The state is exposed to consumers via snapshots and
a small read-only HTTP API.`,
	RunE: marketFeederCmdHandler,
}

func init() {
	rootCmd.PersistentFlags().String(flagLogLevel, zerolog.InfoLevel.String(), "logging level")
	rootCmd.PersistentFlags().String(flagLogFormat, logLevelText, "logging format; must be either json or text")

	rootCmd.AddCommand(getVersionCmd())
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func marketFeederCmdHandler(cmd *cobra.Command, args []string) error {
	logLvlStr, err := cmd.Flags().GetString(flagLogLevel)
	if err != nil {
		return err
	}

	logLvl, err := zerolog.ParseLevel(logLvlStr)
	if err != nil {
		return err
	}

	logFormatStr, err := cmd.Flags().GetString(flagLogFormat)
	if err != nil {
		return err
	}

	var logWriter io.Writer
	switch strings.ToLower(logFormatStr) {
	case logLevelJSON:
		logWriter = os.Stderr

	case logLevelText:
		logWriter = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.StampMilli,
		}

	default:
		return fmt.Errorf("invalid logging format: %s", logFormatStr)
	}

	zerolog.TimeFieldFormat = time.StampMilli
	logger := zerolog.New(logWriter).Level(logLvl).With().Timestamp().Logger()

	cfg, err := config.ParseConfig(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	g, ctx := errgroup.WithContext(ctx)

	// listen for and trap any OS signal to gracefully shutdown and exit
	trapSignal(cancel, logger)

	credentials := loadCredentials(logger, cfg.CredentialsFile)

	// Bootstrap is blocking: the manager returns with the instrument
	// universe and reference prices loaded, then streaming starts.
	manager := feed.New(ctx, logger, cfg, credentials)
	manager.StartStream()

	g.Go(func() error {
		<-ctx.Done()
		manager.StopStream()
		return nil
	})

	if cfg.Server.EnableServer {
		g.Go(func() error {
			return startFeedServer(ctx, logger, cfg, manager)
		})
	}

	// Block main process until all spawned goroutines have gracefully exited and
	// signal has been captured in the main process or if an error occurs.
	return g.Wait()
}

// loadCredentials reads the optional flat credentials file. A missing file is
// not an error; adapters degrade to public streams.
func loadCredentials(logger zerolog.Logger, path string) map[string]string {
	if path == "" {
		return nil
	}
	credentials, err := godotenv.Read(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("credentials file not loaded")
		return nil
	}
	return credentials
}

// trapSignal will listen for any OS signal and cancel the root context
// allowing the main process to gracefully exit.
func trapSignal(cancel context.CancelFunc, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)

	signal.Notify(sigCh, syscall.SIGTERM)
	signal.Notify(sigCh, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("caught signal; shutting down...")
		cancel()
	}()
}

func startFeedServer(
	ctx context.Context,
	logger zerolog.Logger,
	cfg config.Config,
	manager *feed.Manager,
) error {
	rtr := mux.NewRouter()
	v1Router := v1.New(logger, cfg, manager)
	v1Router.RegisterRoutes(rtr, v1.APIPathPrefix)

	writeTimeout, err := time.ParseDuration(cfg.Server.WriteTimeout)
	if err != nil {
		return err
	}
	readTimeout, err := time.ParseDuration(cfg.Server.ReadTimeout)
	if err != nil {
		return err
	}

	srvErrCh := make(chan error, 1)
	srv := &http.Server{
		Handler:           rtr,
		Addr:              cfg.Server.ListenAddr,
		WriteTimeout:      writeTimeout,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
	}

	go func() {
		logger.Info().Str("listen_addr", cfg.Server.ListenAddr).Msg("starting market-feeder server...")
		srvErrCh <- srv.ListenAndServe()
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancelShutdown()

			logger.Info().Str("listen_addr", cfg.Server.ListenAddr).Msg("shutting down market-feeder server...")
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("failed to gracefully shutdown market-feeder server")
				return err
			}
			return nil

		case err := <-srvErrCh:
			logger.Error().Err(err).Msg("failed to start market-feeder server")
			return err
		}
	}
}
