// Command worker runs the thin Worker Loop against a Task Dispatcher:
// claim, heartbeat-renew, and complete/abandon an opaque workload
// (spec §4.F). The default workload squares an integer, matching the
// scenario worked through in spec §8.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"leaseworks/taskclient"
	"leaseworks/worker"
)

var (
	taskServiceURLFlag    = flag.String("task-service-url", envOrDefault("TASK_SERVICE_URL", "http://localhost:8082"), "base URL of the Task Dispatcher")
	processorFlag         = flag.String("processor", envOrDefault("WORKER_PROCESSOR", defaultProcessorName()), "this worker's processor identifier")
	heartbeatIntervalFlag = flag.String("heartbeat-interval", envOrDefault("HEARTBEAT_INTERVAL", ""), "auto-renew cadence while a task is in flight (e.g. 15s); empty uses the package default")
)

func main() {
	flag.Parse()

	heartbeatInterval, err := parseOptionalDuration(*heartbeatIntervalFlag)
	if err != nil {
		log.Fatalf("parse heartbeat interval: %v", err)
	}

	client := taskclient.New(&http.Client{Timeout: 10 * time.Second}, *taskServiceURLFlag)
	loop := worker.New(client, *processorFlag, squareWorkload, heartbeatInterval)

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	log.Printf("worker %s polling %s", *processorFlag, *taskServiceURLFlag)
	loop.Run(ctx)
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

// parseOptionalDuration returns 0 (worker.New's "use the default" sentinel)
// when raw is empty, per spec §6's HEARTBEAT_INTERVAL contract.
func parseOptionalDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// defaultProcessorName identifies this worker process as holder of the
// leases it claims. A per-process random suffix (rather than hostname or
// pid alone) keeps two workers started in the same container from
// colliding on the same processor string.
func defaultProcessorName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

type squareTask struct {
	N int `json:"n"`
}

type squareOutput struct {
	Squared int `json:"squared"`
}

func squareWorkload(ctx context.Context, data []byte) ([]byte, error) {
	var in squareTask
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode task data: %w", err)
	}
	return json.Marshal(squareOutput{Squared: in.N * in.N})
}
