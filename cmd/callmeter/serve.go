package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"callmeter/handler"
	"callmeter/internal/billing"
	"callmeter/internal/dedup"
	"callmeter/internal/integrations/paramstore"
	"callmeter/internal/integrations/twilio"
	"callmeter/internal/metrics"
	"callmeter/internal/notify"
	"callmeter/internal/session"
	"callmeter/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

var (
	flagListen       string
	flagPollInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive call status callbacks and meter live calls",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address")
	serveCmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 0, "Balance poll interval for live calls")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.ListenAddr = flagListen
	}
	if cmd.Flags().Changed("poll-interval") {
		cfg.Billing.PollInterval = flagPollInterval
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Clients ----
	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return err
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return fmt.Errorf("create SSM client: %w", err)
	}
	telephony, err := twilio.NewClient(ssmClient, cfg.Twilio.CredentialsParam, cfg.Twilio.FromNumber)
	if err != nil {
		return fmt.Errorf("create Twilio client: %w", err)
	}

	// ---- Engine ----
	hub := notify.NewHub(logger.With("component", "hub"))
	dispatcher, err := notify.NewDispatcher(hub, telephony,
		notify.WithWarningAudioURL(cfg.Notify.WarningAudioURL),
		notify.WithLowBalanceText(cfg.Notify.LowBalanceText),
		notify.WithLogger(logger.With("component", "notify")),
	)
	if err != nil {
		return err
	}

	events := dedup.New(cfg.Dedup.Retention, dedup.WithPurgeInterval(cfg.Dedup.PurgeInterval))
	sessions := session.NewRegistry(time.Now)
	engine, err := billing.NewEngine(billing.Config{
		DefaultRatePerMinute: cfg.Billing.DefaultRatePerMinute,
		PollInterval:         cfg.Billing.PollInterval,
		WarningThreshold:     cfg.Billing.WarningThreshold,
		TerminationGrace:     cfg.Billing.TerminationGrace,
		IOTimeout:            cfg.Billing.ProviderTimeout,
		AnnouncementRef:      cfg.Billing.Announcement,
	}, events, sessions, ledger, telephony, dispatcher, billing.WithLogger(logger.With("component", "billing")))
	if err != nil {
		return err
	}

	// ---- HTTP ----
	topUps, err := usecase.NewTopUpService(ledger, cfg.TopUp.MaxAmount)
	if err != nil {
		return err
	}
	topUpHandler, err := handler.NewHandler(topUps)
	if err != nil {
		return err
	}
	statusOpts := []handler.StatusOption{handler.WithStatusLogger(logger.With("component", "webhook"))}
	if cfg.Twilio.ValidateSignatures {
		statusOpts = append(statusOpts, handler.WithSignatureValidation(telephony, cfg.Twilio.PublicBaseURL))
	}
	statusHandler, err := handler.NewStatusHandler(engine, statusOpts...)
	if err != nil {
		return err
	}

	routes := handler.Routes{
		Status:         statusHandler,
		TopUp:          topUpHandler,
		Events:         hub,
		ActiveSessions: engine.ActiveSessions,
	}
	if cfg.Server.MetricsAddr == "" {
		routes.Metrics = promhttp.Handler()
	}
	srv := newServer(cfg.Server.ListenAddr, handler.NewRouter(routes))

	logger.Info("starting callmeter",
		"version", Version,
		"listen", cfg.Server.ListenAddr,
		"ledger", cfg.Ledger.Backend,
		"poll_interval", cfg.Billing.PollInterval,
		"signature_validation", cfg.Twilio.ValidateSignatures,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		events.Run(gctx, metrics.RecordDedupSweep)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(gctx, srv, logger)
	})
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := newServer(cfg.Server.MetricsAddr, mux)
		g.Go(func() error {
			return serveHTTP(gctx, metricsSrv, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("monitors did not stop in time", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("callmeter stopped")
	return nil
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// serveHTTP runs srv until ctx is canceled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server did not shut down cleanly", "addr", srv.Addr, "err", err)
		}
		return nil
	}
}
