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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	postgresadapter "github.com/ericfisherdev/msgscheduler/internal/adapter/driven/postgres"
	redisadapter "github.com/ericfisherdev/msgscheduler/internal/adapter/driven/redis"
	slackadapter "github.com/ericfisherdev/msgscheduler/internal/adapter/driven/slack"
	sqliteadapter "github.com/ericfisherdev/msgscheduler/internal/adapter/driven/sqlite"
	telegramadapter "github.com/ericfisherdev/msgscheduler/internal/adapter/driven/telegram"
	httphandler "github.com/ericfisherdev/msgscheduler/internal/adapter/driving/http"
	"github.com/ericfisherdev/msgscheduler/internal/application"
	"github.com/ericfisherdev/msgscheduler/internal/config"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
	"github.com/ericfisherdev/msgscheduler/internal/logging"
	"github.com/ericfisherdev/msgscheduler/internal/metrics"
	"github.com/ericfisherdev/msgscheduler/internal/secretbox"
)

func main() {
	if err := run(); err != nil {
		logger := logging.New("error", logging.FormatJSON, os.Stderr)
		logger.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

// closer is a cleanup step run on shutdown, in reverse order of acquisition.
type closer func()

func run() error {
	// 1. Load configuration (fail fast on invalid settings).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, logging.Format(cfg.LogFormat), nil)
	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("store", cfg.StoreDriver).
		Str("delivery", cfg.DeliveryDriver).
		Str("journal", cfg.JournalDriver).
		Msg("config loaded")

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// 3. Metrics registry with process and runtime collectors.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. Credential store.
	box, err := secretbox.New(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	if !box.Enabled() {
		logger.Warn().Msg("no encryption key configured, tokens are stored in plaintext")
	}

	store, closeStore, err := openStore(ctx, cfg, box, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	creds := application.NewCredentialService(store, nil, cfg.StoreTimeout, cfg.ExpirySkew, logger)

	// 5. Delivery provider.
	delivery, err := newProvider(cfg)
	if err != nil {
		return err
	}
	logger.Info().Str("driver", cfg.DeliveryDriver).Msg("delivery provider configured")

	// 6. Job journal.
	journal, closeJournal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeJournal)

	// 7. Scheduler, restored from the journal.
	scheduler := application.NewScheduler(creds, delivery.sender, journal, m, logger,
		application.WithFireTimeout(cfg.FireTimeout))
	if _, err := scheduler.Restore(ctx); err != nil {
		return err
	}

	messages := application.NewMessageService(creds, delivery.sender, delivery.channels, m, logger)

	// 8. Expiry monitor.
	monitor, err := application.NewExpiryMonitor(creds, cfg.ExpiryCheckSpec, m, logger)
	if err != nil {
		return err
	}
	if err := monitor.Start(); err != nil {
		return err
	}

	// 9. HTTP server.
	sessions := httphandler.NewSessions(cfg.SessionSecret, cfg.CookieSecure, httphandler.DefaultSessionTTL)
	handler := httphandler.NewHandler(httphandler.Deps{
		Credentials:     creds,
		Scheduler:       scheduler,
		Messages:        messages,
		Auth:            delivery.auth,
		Verifier:        delivery.verifier,
		Sessions:        sessions,
		Metrics:         m.Handler(),
		FrontendBaseURL: cfg.FrontendBaseURL,
		CORSOrigins:     cfg.CORSOrigins,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	notify(logger, daemon.SdNotifyReady)
	logger.Info().Int("pending_jobs", scheduler.Pending()).Msg("msgscheduler started")

	// 10. Wait for shutdown signal or a server failure.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	notify(logger, daemon.SdNotifyStopping)

	// 11. Graceful shutdown: stop accepting requests, then drain timers and
	// in-flight deliveries.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	monitor.Stop(shutdownCtx)
	scheduler.Stop(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return runErr
}

// openStore opens the configured credential store and applies its migrations.
func openStore(ctx context.Context, cfg *config.Config, box *secretbox.Box, logger zerolog.Logger) (driven.CredentialStore, closer, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := postgresadapter.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := postgresadapter.RunMigrations(db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info().Msg("postgres store ready")
		return postgresadapter.NewCredentialRepo(db, box), func() {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing postgres")
			}
		}, nil

	default:
		db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.DBPath).Msg("sqlite store ready")
		return sqliteadapter.NewCredentialRepo(db, box), func() {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing database")
			}
		}, nil
	}
}

// provider groups the ports a delivery driver implements. auth, verifier and
// channels are nil when the driver has no such capability.
type provider struct {
	sender   driven.MessageSender
	channels driven.ChannelLister
	auth     driven.AuthExchanger
	verifier driven.TokenVerifier
}

func newProvider(cfg *config.Config) (provider, error) {
	switch cfg.DeliveryDriver {
	case config.DeliveryTelegram:
		tg, err := telegramadapter.NewSender(telegramadapter.Config{
			APIURL:        cfg.TelegramAPIURL,
			RatePerSec:    cfg.SendRatePerSec,
			MaxCachedBots: cfg.TokenCacheSize,
		})
		if err != nil {
			return provider{}, err
		}
		return provider{sender: tg, verifier: tg}, nil

	default:
		client, err := slackadapter.NewClient(slackadapter.Config{
			BaseURL:         cfg.SlackAPIURL,
			AuthorizeURL:    cfg.SlackAuthorizeURL,
			ClientID:        cfg.SlackClientID,
			ClientSecret:    cfg.SlackClientSecret,
			RedirectURI:     cfg.SlackRedirectURI,
			RatePerSec:      cfg.SendRatePerSec,
			ChannelCacheTTL: cfg.ChannelCacheTTL,
			MaxCachedTokens: cfg.TokenCacheSize,
		})
		if err != nil {
			return provider{}, err
		}
		return provider{sender: client, channels: client, auth: client}, nil
	}
}

// openJournal returns nil for the in-memory journal.
func openJournal(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (driven.JobJournal, closer, error) {
	if cfg.JournalDriver != config.JournalRedis {
		logger.Info().Msg("pending jobs are kept in memory only")
		return nil, func() {}, nil
	}

	journal, err := redisadapter.Connect(ctx, redisadapter.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Key:      cfg.RedisKey,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("redis job journal connected")
	return journal, func() {
		if err := journal.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}, nil
}

func notify(logger zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
