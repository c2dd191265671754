package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Queue    bool   `json:"queue,omitempty"`
}

var pingClient = &http.Client{Timeout: 1 * time.Second}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. nsqdHTTPAddr is the nsqd HTTP address (host:port); empty skips the
// queue check.
func HTTPHandler(pool *pgxpool.Pool, nsqdHTTPAddr string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true, Queue: true}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		if nsqdHTTPAddr != "" {
			if err := pingNSQD(nsqdHTTPAddr); err != nil {
				st.OK = false
				st.Queue = false
				if st.Message == "ok" {
					st.Message = "nsqd ping failed"
				} else {
					st.Message += "; nsqd ping failed"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

func pingNSQD(addr string) error {
	resp, err := pingClient.Get(fmt.Sprintf("http://%s/ping", addr))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd ping status %d", resp.StatusCode)
	}
	return nil
}
