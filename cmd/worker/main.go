package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/neurify-goto/fs-runner-sub001/internal/worker"
)

const (
	exitSuccess       = 0
	exitInvalidConfig = 2
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) > 1 && (os.Args[1] == "--help" || os.Args[1] == "-h" || os.Args[1] == "help") {
		printUsage()
		os.Exit(exitSuccess)
	}

	os.Exit(run())
}

func printUsage() {
	fmt.Println(`fsworker - campaign work-queue worker

Claims leased work items from the queue service, runs each entity through
the executor endpoint and reports the verdict back.

Usage:
  fsworker

Environment Variables:
  QUEUE_URL        Queue service base URL (required)
  CAMPAIGN_ID      Campaign to drain (required)
  TARGET_DATE      Queue date as YYYY-MM-DD (default: today, UTC)
  SHARD            Restrict claims to one shard (optional)
  HOLDER_ID        Lease holder identity (default: hostname-<uuid>)
  BATCH_SIZE       Items claimed per call (default: "10")

  EXECUTOR_URL     Executor endpoint URL (required)
  EXECUTOR_SECRET  HMAC secret for executor payloads
  CONFIG_URL       Config artifact URL passed to the executor`)
}

func run() int {
	queueURL := os.Getenv("QUEUE_URL")
	if queueURL == "" {
		fmt.Fprintln(os.Stderr, "QUEUE_URL is required")
		return exitInvalidConfig
	}

	executorURL := os.Getenv("EXECUTOR_URL")
	if executorURL == "" {
		fmt.Fprintln(os.Stderr, "EXECUTOR_URL is required")
		return exitInvalidConfig
	}

	campaignID, err := strconv.ParseInt(os.Getenv("CAMPAIGN_ID"), 10, 64)
	if err != nil || campaignID <= 0 {
		fmt.Fprintln(os.Stderr, "CAMPAIGN_ID must be a positive integer")
		return exitInvalidConfig
	}

	targetDate := time.Now().UTC()
	if raw := os.Getenv("TARGET_DATE"); raw != "" {
		targetDate, err = time.Parse("2006-01-02", raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "TARGET_DATE must be YYYY-MM-DD: %v\n", err)
			return exitInvalidConfig
		}
	}

	client := worker.NewQueueAPIClient(queueURL, campaignID, targetDate)
	if raw := os.Getenv("SHARD"); raw != "" {
		shard, err := strconv.Atoi(raw)
		if err != nil || shard < 0 {
			fmt.Fprintln(os.Stderr, "SHARD must be a non-negative integer")
			return exitInvalidConfig
		}
		client = client.WithShard(shard)
	}

	config := worker.DefaultConfig()
	config.HolderID = os.Getenv("HOLDER_ID")
	if config.HolderID == "" {
		hostname, _ := os.Hostname()
		config.HolderID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	if raw := os.Getenv("BATCH_SIZE"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			fmt.Fprintln(os.Stderr, "BATCH_SIZE must be a positive integer")
			return exitInvalidConfig
		}
		config.BatchSize = size
	}
	config.ConfigURL = os.Getenv("CONFIG_URL")

	executor := worker.NewHTTPExecutor(executorURL, os.Getenv("EXECUTOR_SECRET"))

	w := worker.New(config, client, executor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		received := <-sig
		log.Printf("worker: received signal %v, shutting down", received)
		cancel()
	}()

	log.Printf("worker: started (holder=%s, campaign=%d, date=%s)",
		config.HolderID, campaignID, targetDate.Format("2006-01-02"))

	w.Run(ctx)

	log.Println("worker: stopped")
	return exitSuccess
}
