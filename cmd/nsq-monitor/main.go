package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

var (
	// Total action backlog - the queue the worker pool drains
	actionBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskpulse_action_backlog",
		Help: "Total number of jobs waiting in the actions queue",
	})

	// Pending occurrences still deferred in the delay queue
	occurrenceBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskpulse_occurrence_backlog",
		Help: "Total number of occurrences pending in the delay queue",
	})

	// Channel-specific metrics
	channelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskpulse_nsq_channel_depth",
		Help: "Depth of NSQ channels by topic and channel",
	}, []string{"topic", "channel"})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskpulse_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})
)

func init() {
	prometheus.MustRegister(actionBacklog)
	prometheus.MustRegister(occurrenceBacklog)
	prometheus.MustRegister(channelDepth)
	prometheus.MustRegister(channelInflight)
}

func main() {
	nsqdHost := getEnv("NSQD_HOST", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)
	actionsTopic := getEnv("NSQ_ACTIONS_TOPIC", "actions")
	occurrencesTopic := getEnv("NSQ_OCCURRENCES_TOPIC", "occurrences")

	log.Printf("NSQ monitor starting on port %s", port)
	log.Printf("Monitoring NSQ at %s every %d seconds", nsqdHost, interval)

	go collectMetrics(nsqdHost, actionsTopic, occurrencesTopic, time.Duration(interval)*time.Second)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func collectMetrics(nsqdHost, actionsTopic, occurrencesTopic string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := updateMetrics(nsqdHost, actionsTopic, occurrencesTopic); err != nil {
			log.Printf("Error updating metrics: %v", err)
		}
	}
}

func updateMetrics(nsqdHost, actionsTopic, occurrencesTopic string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHost))
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	applyStats(stats, actionsTopic, occurrencesTopic)
	return nil
}

// applyStats updates the gauges from one stats snapshot. The backlog gauges
// sum channel depth across the topic so a multi-channel setup still reads
// correctly.
func applyStats(stats NSQStats, actionsTopic, occurrencesTopic string) {
	for _, topic := range stats.Topics {
		watched := strings.EqualFold(topic.TopicName, actionsTopic) ||
			strings.EqualFold(topic.TopicName, occurrencesTopic)
		if !watched {
			continue
		}

		var total int64
		for _, channel := range topic.Channels {
			total += channel.Depth
			channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
		// A topic with no channels yet still has its own depth.
		if len(topic.Channels) == 0 {
			total = topic.Depth
		}

		if strings.EqualFold(topic.TopicName, actionsTopic) {
			actionBacklog.Set(float64(total))
		} else {
			occurrenceBacklog.Set(float64(total))
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
