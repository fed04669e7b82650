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
	_ "time/tzdata"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/config"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/database"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/policy"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile  string
	envFiles = []string{".env.local", ".env"}
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mend-api",
		Short: "Mend fair-use policy and notification service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass outside the server (in-app entries reach the inbox, not open streams)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd.Context())
		},
	}
	rootCmd.AddCommand(dispatchCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins allowed to send session cookies (empty allows any origin without credentials)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("default-tier", defaults.GetString("policy.default_tier"), "Subscription tier applied to every user (free, premium)")
	cmd.PersistentFlags().Bool("metrics", defaults.GetBool("metrics.enabled"), "Expose Prometheus metrics on /metrics")
	cmd.PersistentFlags().Duration("dispatch-interval", defaults.GetDuration("notifications.dispatch_interval"), "How often the server sends due notifications (0 disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "policy.default_tier", "default-tier")
	bindFlag(cmd, "metrics.enabled", "metrics")
	bindFlag(cmd, "notifications.dispatch_interval", "dispatch-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// application holds the collaborators shared by the server and the dispatch job.
type application struct {
	logger    *zap.Logger
	db        *gorm.DB
	metrics   *metrics.Provider
	store     *notifications.GormStore
	realtime  *notifications.RealtimeDispatcher
	scheduler *notifications.Scheduler
}

func newApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	metricsProvider, err := metrics.NewProvider(appConfig.MetricsEnabled)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	store, err := notifications.NewGormStore(db)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	gormPreferences, err := notifications.NewGormPreferenceStore(db, appConfig.DefaultTimezone, time.Now)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	preferences := notifications.NewCachedPreferenceStore(gormPreferences, appConfig.PreferenceCacheSize, appConfig.PreferenceCacheTTL)

	realtime := notifications.NewRealtimeDispatcher()
	scheduler, err := notifications.NewScheduler(notifications.SchedulerConfig{
		Preferences: preferences,
		Ledger:      store,
		Schedules:   store,
		Senders: map[notifications.Channel]notifications.ChannelSender{
			notifications.ChannelPush: notifications.NewWebhookSender(notifications.WebhookSenderConfig{
				Channel:  notifications.ChannelPush,
				Endpoint: appConfig.PushWebhookURL,
				Secret:   appConfig.WebhookSecret,
			}),
			notifications.ChannelEmail: notifications.NewWebhookSender(notifications.WebhookSenderConfig{
				Channel:  notifications.ChannelEmail,
				Endpoint: appConfig.EmailWebhookURL,
				Secret:   appConfig.WebhookSecret,
			}),
			notifications.ChannelInApp: notifications.NewInAppSender(store, realtime, time.Now),
		},
		Clock:             time.Now,
		Logger:            logger,
		Metrics:           metricsProvider.Recorder,
		DefaultTimezone:   appConfig.DefaultTimezone,
		DispatchBatchSize: appConfig.DispatchBatchSize,
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	return &application{
		logger:    logger,
		db:        db,
		metrics:   metricsProvider,
		store:     store,
		realtime:  realtime,
		scheduler: scheduler,
	}, nil
}

func (r *application) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.metrics.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("metrics shutdown failed", zap.Error(err))
	}
	if err := database.Close(r.db); err != nil {
		r.logger.Warn("database close failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	policyStore, err := policy.NewGormStore(app.db)
	if err != nil {
		return err
	}
	gate, err := policy.NewGate(policy.GateConfig{
		Store:           policyStore,
		Tiers:           policy.StaticTierResolver{Tier: policy.ParseTier(appConfig.DefaultTier)},
		Clock:           time.Now,
		Logger:          logger,
		Metrics:         app.metrics.Recorder,
		RitualHourlyCap: appConfig.RitualHourlyCap,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gate:           gate,
		Notifications:  app.scheduler,
		Inbox:          app.store,
		Realtime:       app.realtime,
		Sessions:       sessions,
		MetricsHandler: app.metrics.Handler,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		app.scheduler.RunDispatchLoop(signalCtx, appConfig.DispatchInterval)
	}()
	defer func() {
		stop()
		<-dispatchDone
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runDispatch(ctx context.Context) error {
	appConfig, err := config.LoadDispatch(viper.GetViper())
	if err != nil {
		return err
	}

	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := app.scheduler.DispatchDue(signalCtx)
	if err != nil {
		return err
	}
	app.logger.Info("dispatch completed",
		zap.Int("delivered", summary.Delivered),
		zap.Int("failed", summary.Failed),
		zap.Int("deferred", summary.Deferred),
		zap.Int("dropped", summary.Dropped),
		zap.Int("recurring_fired", summary.RecurringFired))
	return nil
}
