package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/linguaflow/relay/internal/dotenv"
	"github.com/linguaflow/relay/pkg/gateway/blob"
	"github.com/linguaflow/relay/pkg/gateway/config"
	"github.com/linguaflow/relay/pkg/gateway/lifecycle"
	"github.com/linguaflow/relay/pkg/gateway/live/sessions"
	"github.com/linguaflow/relay/pkg/gateway/live/upstream"
	"github.com/linguaflow/relay/pkg/gateway/metrics"
	gatewayserver "github.com/linguaflow/relay/pkg/gateway/server"
	"github.com/linguaflow/relay/pkg/gateway/store"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, databaseURL string, logger *slog.Logger) (store.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		openStore: func(ctx context.Context, databaseURL string, logger *slog.Logger) (store.Store, error) {
			return store.OpenPostgres(ctx, databaseURL, logger)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		if deps.openStore == nil {
			return errors.New("missing openStore dependency")
		}
		opened, err := deps.openStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = opened
		defer st.Close()
	} else {
		logger.Warn("no database configured; sessions will not be persisted")
	}

	var uploader blob.Uploader
	if cfg.UploadsEnabled() {
		s3, err := blob.NewS3Uploader(blob.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicBaseURL:   cfg.S3PublicBaseURL,
		})
		if err != nil {
			return fmt.Errorf("configure uploader: %w", err)
		}
		uploader = s3
	} else {
		logger.Warn("no object storage configured; session audio will not be uploaded")
	}

	lc := &lifecycle.Lifecycle{}
	registry := sessions.NewRegistry()
	gw := gatewayserver.New(gatewayserver.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Lifecycle: lc,
		Registry:  registry,
		Connector: upstream.Dialer{
			URL:              cfg.GeminiLiveURL,
			APIKey:           cfg.GeminiAPIKey,
			Model:            cfg.GeminiModel,
			Voice:            cfg.GeminiVoice,
			HandshakeTimeout: cfg.UpstreamHandshakeTimeout,
			DialMaxElapsed:   cfg.UpstreamDialMaxElapsed,
			WriteTimeout:     cfg.UpstreamWriteTimeout,
			Logger:           logger,
		},
		Store:    st,
		Uploader: uploader,
		Metrics:  metrics.New(cfg.MetricsNamespace),
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting relay", "addr", cfg.Addr,
		"model", cfg.GeminiModel,
		"persistence", st != nil,
		"uploads", uploader != nil,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining()
	registry.WarnAll("relay is restarting; your session will be saved shortly")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !registry.Wait(waitCtx) {
		logger.Warn("sessions still live after grace period; canceling", "count", registry.Count())
		registry.CancelAll()
		finalCtx, finalCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer finalCancel()
		registry.Wait(finalCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
