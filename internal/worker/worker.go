// Package worker manages the embedded Asynq task worker.
//
// The worker runs as goroutines inside the PocketBase process, connecting
// to Redis. A scheduler enqueues the periodic inventory poll; single-host
// refreshes are enqueued after host changes and container actions.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"github.com/yanix/gateway/internal/inventory"
)

const (
	// Task type constants
	TaskInventoryPoll = "inventory:poll"
	TaskHostRefresh   = "inventory:refresh_host"
)

// RefreshPayload is the payload of TaskHostRefresh.
type RefreshPayload struct {
	HostLabel string `json:"hostLabel"`
}

// NewRefreshTask builds a TaskHostRefresh task for hostLabel.
func NewRefreshTask(hostLabel string) (*asynq.Task, error) {
	payload, err := json.Marshal(RefreshPayload{HostLabel: hostLabel})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskHostRefresh, payload), nil
}

// Handlers process inventory tasks.
type Handlers struct {
	Poller *inventory.Poller
}

// Mux returns a ServeMux routing every task type to h.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskInventoryPoll, h.HandlePoll)
	mux.HandleFunc(TaskHostRefresh, h.HandleRefresh)
	return mux
}

// HandlePoll syncs the host list and polls every host.
func (h *Handlers) HandlePoll(ctx context.Context, t *asynq.Task) error {
	return h.Poller.PollAll(ctx)
}

// HandleRefresh polls the host named in the payload. Unknown hosts are not
// an error: the record may have been deleted since the task was enqueued.
func (h *Handlers) HandleRefresh(ctx context.Context, t *asynq.Task) error {
	var p RefreshPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("refresh payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.HostLabel == "" {
		return fmt.Errorf("refresh payload: empty host label: %w", asynq.SkipRetry)
	}
	h.Poller.PollHost(ctx, p.HostLabel)
	return nil
}

// Worker manages the Asynq server, scheduler and a shared client for
// enqueuing tasks.
type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	client    *asynq.Client
	handlers  *Handlers
	interval  time.Duration
}

// New creates a Worker on the Redis at redisAddr.
// Call Start() to begin processing and Shutdown() to stop.
func New(redisAddr string, poller *inventory.Poller, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = inventory.DefaultPollInterval
	}
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	logger := zerologAdapter{}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		Logger: logger,
	})

	return &Worker{
		server:    srv,
		scheduler: asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: logger}),
		client:    asynq.NewClient(opt),
		handlers:  &Handlers{Poller: poller},
		interval:  interval,
	}
}

// Start registers the periodic poll and begins processing tasks in
// background goroutines. Call once.
func (w *Worker) Start() error {
	cronspec := fmt.Sprintf("@every %s", w.interval)
	// a poll that overruns the interval is dropped rather than queued twice
	if _, err := w.scheduler.Register(cronspec, asynq.NewTask(TaskInventoryPoll, nil),
		asynq.Queue("default"), asynq.Timeout(w.interval), asynq.MaxRetry(0), asynq.Unique(w.interval)); err != nil {
		return fmt.Errorf("worker: register poll: %w", err)
	}
	if err := w.scheduler.Start(); err != nil {
		return fmt.Errorf("worker: start scheduler: %w", err)
	}

	go func() {
		if err := w.server.Run(w.handlers.Mux()); err != nil {
			log.Error().Str("component", "worker").Err(err).Msg("asynq worker error")
		}
	}()
	log.Info().Str("component", "worker").Str("every", w.interval.String()).Msg("worker started")
	return nil
}

// Refresh enqueues a poll of one host. Failures are logged.
func (w *Worker) Refresh(hostLabel string) {
	task, err := NewRefreshTask(hostLabel)
	if err == nil {
		_, err = w.client.Enqueue(task, asynq.Queue("critical"), asynq.MaxRetry(1))
	}
	if err != nil {
		log.Warn().Str("component", "worker").Str("host", hostLabel).Err(err).Msg("enqueue refresh failed")
	}
}

// Client returns the shared Asynq client for enqueuing tasks.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	_ = w.client.Close()
}

// zerologAdapter routes asynq's internal logging through zerolog.
type zerologAdapter struct{}

func (zerologAdapter) Debug(args ...any) { log.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (zerologAdapter) Info(args ...any)  { log.Info().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (zerologAdapter) Warn(args ...any)  { log.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (zerologAdapter) Error(args ...any) { log.Error().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (zerologAdapter) Fatal(args ...any) { log.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
