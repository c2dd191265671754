package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskpulse/taskpulse/internal/action"
	"github.com/taskpulse/taskpulse/internal/api"
	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/config"
	"github.com/taskpulse/taskpulse/internal/db"
	"github.com/taskpulse/taskpulse/internal/dispatch"
	"github.com/taskpulse/taskpulse/internal/health"
	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/sched"
	"github.com/taskpulse/taskpulse/internal/settings"
	"github.com/taskpulse/taskpulse/internal/sweep"
	"github.com/taskpulse/taskpulse/internal/task"
	"github.com/taskpulse/taskpulse/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("taskpulse-engine")

	shutdown, err := tracing.InitTracing(ctx, "taskpulse-engine")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	// DB connect and schema
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}

	// NSQ producer, shared by scheduler, dispatcher, and the notifications
	// side channel.
	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer failed")
	}
	defer prod.Stop()

	// Stores
	taskStore := task.NewStore(pool)
	actionStore := action.NewStore(pool)
	settingsStore := settings.NewStore(pool)

	// Settings provider with cron re-registration on change
	provider := settings.NewProvider(settingsStore, logger, cfg.Engine.SettingsRefresh)

	// Scheduler + dispatcher
	set := sched.NewSet()
	scheduler := sched.NewScheduler(prod, set, logger, cfg.NSQ.OccurrencesTopic)
	dispatcher := dispatch.NewDispatcher(actionStore, taskStore, prod, logger,
		cfg.NSQ.ActionsTopic, cfg.Engine.DedupWindow)

	// Sweeps on cron
	sweeper := sweep.NewSweeper(taskStore, scheduler, provider.Current, logger)
	runner := sweep.NewRunner(sweeper, logger)
	provider.OnChange(func(old, new settings.Snapshot) {
		if err := runner.Apply(new); err != nil {
			logger.Plain().WithError(err).Warn("cron re-registration incomplete")
		}
	})

	provCtx, provCancel := context.WithCancel(ctx)
	defer provCancel()
	if err := provider.Refresh(provCtx); err != nil {
		logger.Plain().WithError(err).Warn("initial settings load failed, using defaults")
	}
	if err := runner.Apply(provider.Current()); err != nil {
		logger.Plain().WithError(err).Fatal("sweep cron registration failed")
	}
	go provider.Run(provCtx)
	runner.Start()

	// Occurrence consumer: fires due/start occurrences into the dispatcher.
	consumerCfg := nsq.NewConfig()
	consumerCfg.MaxInFlight = 100
	consumer, err := nsq.NewConsumer(cfg.NSQ.OccurrencesTopic, cfg.NSQ.SchedulerChannel, consumerCfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer failed")
	}
	consumer.AddHandler(sched.NewFireHandler(dispatcher, prod, set, logger, cfg.NSQ.NotificationsTopic))

	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	// Admin API auth (optional)
	var validator *auth.JWTValidator
	if cfg.Engine.AuthPublicKey != "" {
		validator, err = auth.NewJWTValidator(cfg.Engine.AuthPublicKey, "taskpulse", "taskpulse-admin")
		if err != nil {
			logger.Plain().WithError(err).Fatal("auth setup failed")
		}
	}

	// HTTP: health, metrics, admin API
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, nsqdHTTPAddr(cfg)))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	loc, err := task.ParseOffset(cfg.Engine.DisplayOffset)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid display offset")
	}

	adminSrv := api.NewServer(dispatcher, taskStore, actionStore, settingsStore,
		api.DefaultClient(cfg.Worker.CallTimeout), loc, validator, logger)
	adminSrv.Register(mux)

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("engine HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("engine HTTP server failed")
		}
	}()

	logger.Plain().Info("engine started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down engine")
	consumer.Stop()
	<-consumer.StopChan
	runner.Stop()
	provCancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("engine stopped")
}

// nsqdHTTPAddr derives the nsqd HTTP host:port from the TCP address for the
// health check. No scheme: the health handler adds it.
func nsqdHTTPAddr(cfg config.Config) string {
	return strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)
}
