package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskpulse/taskpulse/internal/action"
	"github.com/taskpulse/taskpulse/internal/config"
	"github.com/taskpulse/taskpulse/internal/db"
	"github.com/taskpulse/taskpulse/internal/executor"
	"github.com/taskpulse/taskpulse/internal/health"
	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("taskpulse-worker")

	shutdown, err := tracing.InitTracing(ctx, "taskpulse-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	// Prom metrics + health
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, nsqdHTTPAddr(cfg)))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// DLQ producer
	var dlqProducer *nsq.Producer
	if cfg.Worker.PublishDLQ {
		dlqProducer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ failed")
		}
		defer dlqProducer.Stop()
	}

	retry := executor.RetryPolicy{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff:     cfg.Worker.BackoffSchedule,
		JitterPct:   cfg.Worker.JitterPercent,
		PublishDLQ:  cfg.Worker.PublishDLQ,
	}
	handler := executor.NewHandler(
		action.NewStore(pool),
		&http.Client{Timeout: cfg.Worker.CallTimeout},
		dlqProducer,
		logger,
		retry,
		cfg.NSQ.ActionsDLQTopic,
	)

	// NSQ consumer with a bounded handler pool
	consumerCfg := nsq.NewConfig()
	consumerCfg.MaxInFlight = cfg.Worker.Concurrency * 2
	consumer, err := nsq.NewConsumer(cfg.NSQ.ActionsTopic, cfg.NSQ.WorkerChannel, consumerCfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer failed")
	}
	consumer.AddConcurrentHandlers(handler, cfg.Worker.Concurrency)

	// Connecting directly to nsqd forces channel creation instead of the
	// channel being lazily created on first publish.
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	startBacklogMonitor(cfg, logger)

	logger.Plain().Info("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}

// nsqdHTTPAddr derives the nsqd HTTP host:port from the TCP address. No
// scheme: the health handler adds it.
func nsqdHTTPAddr(cfg config.Config) string {
	return strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// applyStats feeds the queue depth gauge for the topics the worker cares
// about.
func applyStats(stats nsqStats, topics map[string]bool) {
	for _, topic := range stats.Topics {
		if !topics[topic.Name] {
			continue
		}
		for _, channel := range topic.Channels {
			metrics.UpdateQueueDepth(topic.Name, channel.Name, float64(channel.Depth))
		}
	}
}

// startBacklogMonitor polls nsqd stats so the worker exports its own
// backlog without a separate scrape target.
func startBacklogMonitor(cfg config.Config, logger *logging.Logger) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		client := &http.Client{Timeout: 5 * time.Second}
		watch := map[string]bool{
			cfg.NSQ.ActionsTopic:     true,
			cfg.NSQ.ActionsDLQTopic:  true,
			cfg.NSQ.OccurrencesTopic: true,
		}

		for range ticker.C {
			resp, err := client.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr(cfg)))
			if err != nil {
				logger.Plain().WithError(err).Error("nsq stats fetch failed")
				continue
			}

			var stats nsqStats
			err = json.NewDecoder(resp.Body).Decode(&stats)
			resp.Body.Close()
			if err != nil {
				logger.Plain().WithError(err).Error("nsq stats decode failed")
				continue
			}

			applyStats(stats, watch)
		}
	}()
}
