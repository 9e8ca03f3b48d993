package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/iris-serving/internal/broker"
	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/store"
)

const (
	defaultJobTimeout        = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
)

// Handler runs one job and returns its predictions. Handlers must be safe
// to re-run on the same message.
type Handler func(ctx context.Context, msg *domain.JobMessage) ([]int, error)

// FinishObserver records terminal transitions. *observability.Metrics satisfies it.
type FinishObserver interface {
	JobFinished(state string, took time.Duration)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Consumer          broker.Consumer
	Store             store.Store
	Observer          FinishObserver
	WorkerID          string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	JanitorInterval   time.Duration // 0 disables the retention janitor
	MaxAttempts       int           // 0 disables the attempts cap
}

// Worker pulls job messages from the broker and runs them on a fixed pool
// of goroutines.
type Worker struct {
	logger            *slog.Logger
	consumer          broker.Consumer
	store             store.Store
	observer          FinishObserver
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	janitorInterval   time.Duration
	maxAttempts       int

	mu       sync.RWMutex
	handlers map[string]Handler

	jobsChan chan *job
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// job pairs a decoded message with the delivery that must be settled.
type job struct {
	msg      *domain.JobMessage
	delivery broker.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		consumer:          cfg.Consumer,
		store:             cfg.Store,
		observer:          cfg.Observer,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		janitorInterval:   cfg.JanitorInterval,
		maxAttempts:       cfg.MaxAttempts,
		handlers:          make(map[string]Handler),
		stopChan:          make(chan struct{}),
	}
	if w.workerID == "" {
		w.workerID = defaultWorkerID()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = defaultJobTimeout
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = defaultHeartbeatInterval
	}
	if w.observer == nil {
		w.observer = nopObserver{}
	}
	w.jobsChan = make(chan *job, w.concurrency)
	return w
}

type nopObserver struct{}

func (nopObserver) JobFinished(string, time.Duration) {}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ID returns the identifier recorded on claimed jobs.
func (w *Worker) ID() string {
	return w.workerID
}

// Register binds a handler to a task name. Messages for unregistered tasks
// are failed.
func (w *Worker) Register(task string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[task] = h
}

func (w *Worker) handler(task string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[task]
	return h, ok
}

// Start begins processing jobs and blocks until ctx is canceled or Stop is
// called. Jobs already handed to the pool run to completion first.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-runCtx.Done():
		}
	}()

	deliveries, err := w.setupConsumer(runCtx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(runCtx)

	if w.janitorInterval > 0 {
		w.wg.Add(1)
		go w.runJanitor(runCtx)
	}

	// the dispatcher owns jobsChan and closes it once deliveries stop
	w.startMessageDispatcher(runCtx, deliveries)
	close(w.jobsChan)

	w.wg.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop signals Start to return. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}
