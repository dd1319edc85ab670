package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/beak-insights/BeakDashX/pkg/alerting"
	"github.com/beak-insights/BeakDashX/pkg/api"
	"github.com/beak-insights/BeakDashX/pkg/bus"
	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/connections"
	"github.com/beak-insights/BeakDashX/pkg/evaluator"
	"github.com/beak-insights/BeakDashX/pkg/executor"
	"github.com/beak-insights/BeakDashX/pkg/metrics"
	"github.com/beak-insights/BeakDashX/pkg/notify"
	"github.com/beak-insights/BeakDashX/pkg/realtime"
	"github.com/beak-insights/BeakDashX/pkg/scheduler"
	"github.com/beak-insights/BeakDashX/pkg/services"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

// @title BeakDash DB QA API
// @version 1.0
// @description Runs data-quality queries, raises alerts and records notifications
// @BasePath /api/db-qa

func setLogLevel() {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	logrus.Infof("Log level set to: %s", logrus.GetLevel().String())
}

// openStore returns the Postgres store, or the in-memory one when no
// database is configured
func openStore(ctx context.Context, cfg *config.Config) (store.Store, api.Pinger, error) {
	if cfg.Database.URL == "" {
		logrus.Warn("No database configured, using the in-memory store")
		return store.NewMemoryStore(), nil, nil
	}
	pg, err := store.NewPostgresStore(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg, nil
}

func newResolver(st store.Store, cfg *config.Config) (*connections.CachedResolver, error) {
	source := connections.ChainSource{st}
	if cfg.Connections.File != "" {
		file, err := connections.LoadFileSource(cfg.Connections.File)
		if err != nil {
			return nil, err
		}
		logrus.Infof("Loaded %d connections from %s", file.Len(), cfg.Connections.File)
		source = append(source, file)
	}
	opener := &connections.Opener{Timeplus: cfg.Timeplus, ScanLimit: cfg.Executor.ScanLimit}
	return connections.NewCachedResolver(source, opener.Open, cfg.Connections.CacheSize)
}

func newDispatcher(ctx context.Context, st store.Store, cfg *config.Config) *notify.Dispatcher {
	webhooks := notify.NewHTTPWebhookSender(cfg.Notifications.WebhookTimeout)
	channels := []notify.Channel{
		notify.SlackChannel{Sender: webhooks},
		notify.WebhookChannel{Sender: webhooks},
	}
	email, err := notify.NewEmailSender(ctx, cfg.Notifications.Email)
	if err != nil {
		// email attempts are still logged as failed notifications
		logrus.Errorf("Email notifications disabled: %v", err)
		channels = append(channels, notify.EmailChannel{})
	} else {
		channels = append(channels, notify.EmailChannel{Sender: email})
	}
	return notify.NewDispatcher(st, channels...)
}

func main() {
	setLogLevel()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, storePing, err := openStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	resolver, err := newResolver(st, cfg)
	if err != nil {
		logrus.Fatalf("Failed to create connection resolver: %v", err)
	}
	defer resolver.Close()

	collector := metrics.NewCollector()
	hub := realtime.NewHub(cfg.Server.Origins())
	publishers := services.Fanout{hub}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = bus.Connect(cfg.NATS.URL, "beakdash-dbqa")
		if err != nil {
			logrus.Fatalf("Failed to connect to the event bus: %v", err)
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				logrus.Warnf("Failed to drain NATS connection: %v", err)
			}
		}()
		publishers = append(publishers, bus.NewPublisher(nc, cfg.NATS.SubjectPrefix))
	}

	engine := alerting.NewEngine(st, cfg.Alerts)
	svc := services.NewQualityService(services.Options{
		Store:       st,
		Connections: resolver.Source(),
		Resolver:    resolver,
		Executor:    executor.New(resolver, cfg.Executor),
		Evaluator:   evaluator.New(),
		Engine:      engine,
		Dispatcher:  newDispatcher(ctx, st, cfg),
		Publisher:   publishers,
		Recorder:    collector,
	})

	sched := scheduler.New(st, svc, cfg.Scheduler)
	sched.SetObserver(collector)
	svc.AttachScheduler(sched)
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
	} else {
		logrus.Info("Scheduler disabled, queries run only on request")
	}

	if nc != nil {
		sub := bus.NewSubscriber(nc, cfg.NATS.SubjectPrefix, svc)
		if err := sub.Start(); err != nil {
			logrus.Fatalf("Failed to subscribe to run requests: %v", err)
		}
		defer sub.Close()
	}

	// Set up the Echo server
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	apiHandler := api.NewAPIHandler(svc, hub)
	if cfg.Auth.JWTSecret != "" {
		apiHandler.UseAuth(api.JWTAuth(cfg.Auth.JWTSecret))
	} else {
		logrus.Warn("No JWT secret configured, the API is unauthenticated")
	}
	apiHandler.SetupRoutes(e)
	e.GET("/swagger/*", echo.WrapHandler(httpSwagger.Handler()))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.Origins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(e)

	// Use PORT environment variable if available, otherwise use config
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     corsHandler,
		ReadTimeout: 15 * time.Second,
		// runs may take up to executor.maxTimeout
		WriteTimeout: cfg.Executor.MaxTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	admin := api.NewAdminServer(sched, collector.Handler())
	if storePing != nil {
		admin.AddCheck("store", storePing)
	}
	adminServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Admin.Port),
		Handler:           admin,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logrus.Infof("Starting server on port %s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()
	go func() {
		logrus.Infof("Starting admin server on port %s", cfg.Admin.Port)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start admin server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	sched.Stop()
	logrus.Info("Scheduler stopped")

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Admin server forced to shutdown: %v", err)
	}
	logrus.Info("Server exited properly")
}
