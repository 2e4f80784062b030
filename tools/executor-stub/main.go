// executor-stub is a local stand-in for the executor endpoint. It accepts
// signed execution payloads, records them, and returns a verdict. Set
// FAIL_EVERY=n to make every n-th request fail with a timeout class.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type received struct {
	Timestamp string `json:"timestamp"`
	EntityID  string `json:"entity_id"`
	Signature string `json:"signature"`
	Body      string `json:"body"`
}

type stats struct {
	Count        int64      `json:"count"`
	Failed       int64      `json:"failed"`
	LastRequests []received `json:"last_requests"`
	Since        string     `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	failed       int64
	lastRequests []received
	since        time.Time
	maxStored    = 50
	failEvery    int64
)

func main() {
	since = time.Now().UTC()

	addr := ":9090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("FAIL_EVERY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			log.Fatalf("FAIL_EVERY must be a non-negative integer, got %q", v)
		}
		failEvery = n
	}

	http.HandleFunc("/", executeHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		failed = 0
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("executor-stub listening on %s (fail_every=%d)", addr, failEvery)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func executeHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	req := received{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EntityID:  r.Header.Get("X-Runner-Entity-ID"),
		Signature: r.Header.Get("X-Runner-Signature"),
		Body:      string(body),
	}

	mu.Lock()
	count++
	lastRequests = append(lastRequests, req)
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	fail := failEvery > 0 && current%failEvery == 0
	if fail {
		failed++
	}
	mu.Unlock()

	verdict := map[string]any{"success": true}
	if fail {
		verdict = map[string]any{"success": false, "error_class": "timeout"}
	}

	log.Printf("execute #%d entity=%s success=%t", current, req.EntityID, !fail)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(verdict)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		Failed:       failed,
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
