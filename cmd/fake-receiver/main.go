package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// receiver is a configurable webhook target for exercising the executor's
// retry and DLQ paths locally.
type receiver struct {
	failFirstN int64
	delay      time.Duration
	reqCount   atomic.Int64
}

func main() {
	rcv := &receiver{}
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rcv.failFirstN = n
		}
	}
	if v := os.Getenv("RESPONSE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rcv.delay = time.Duration(n) * time.Millisecond
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)

	addr := ":" + getenv("PORT", "8081")
	log.Printf("fake-receiver listening on %s (fail first %d, delay %s)", addr, rcv.failFirstN, rcv.delay)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	count := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	// Simulate flakiness: first N requests -> 500
	if count <= rc.failFirstN {
		log.Printf("FAILING (%d/%d) %s %s body=%s", count, rc.failFirstN, r.Method, r.URL.String(), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s %s trace=%s body=%q", r.Method, r.URL.String(), r.Header.Get("X-Trace-Id"), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
