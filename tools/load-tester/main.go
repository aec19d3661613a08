package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// journey is the sequence of actions a simulated reader walks through.
var journey = []string{
	"session_started",
	"page_viewed",
	"button_clicked",
	"recommendation_created",
	"book_liked",
	"recommendation_refined",
	"book_disliked",
	"email_captured",
}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/track", "Target URL for tracking")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 1000, "Requests per second limit")
	sessions := flag.Int("sessions", 200, "Number of distinct sessions to spread events over")
	flag.Parse()

	log.Printf("Starting load test on %s", *targetURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d, Sessions: %d", *concurrency, *duration, *rps, *sessions)

	sessionIDs := make([]string, *sessions)
	for i := range sessionIDs {
		sessionIDs[i] = uuid.NewString()
	}

	var wg sync.WaitGroup
	var successCount, errorCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
			}
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				payload, _ := json.Marshal(map[string]any{
					"session_id":  sessionIDs[rng.Intn(len(sessionIDs))],
					"action_type": journey[rng.Intn(len(journey))],
					"context":     "load-test",
					"action_data": map[string]any{"worker": workerID},
				})

				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(payload))
				if err != nil {
					continue // Should not happen
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("User-Agent", "tracking-load-tester/1.0")

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					errorCount.Add(1)
					continue
				}

				if resp.StatusCode == http.StatusAccepted {
					successCount.Add(1)
				} else {
					errorCount.Add(1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	totalRequests := successCount.Load() + errorCount.Load()
	actualRPS := float64(totalRequests) / duration.Seconds()

	log.Println("Load test finished.")
	log.Printf("Total Requests: %d", totalRequests)
	log.Printf("Successful (202 Accepted): %d", successCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", actualRPS)
}
