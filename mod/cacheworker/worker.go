package cacheworker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when a job is enqueued after Stop
var ErrStopped = errors.New("worker stopped")

// Warmer builds the stored variants of an asset ahead of its first request
type Warmer interface {
	Warm(ctx context.Context, pathAndQuery string) error
}

// PrewarmJob asks the pool to build the minified asset for URL (path and query)
type PrewarmJob struct {
	URL string
}

// Worker prewarms minified assets in the background
type Worker struct {
	warmer        Warmer
	queue         chan PrewarmJob
	workerCount   int
	retryAttempts int
	retryDelay    time.Duration
	jobTimeout    time.Duration
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	logger        Logger

	// mu guards stopped against a concurrent Enqueue sending on the closed queue
	mu      sync.RWMutex
	stopped bool

	statsMu sync.Mutex
	stats   Stats
}

// Logger interface for worker logging. *logrus.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// Config holds worker configuration
type Config struct {
	// QueueSize is the size of the job queue
	QueueSize int

	// WorkerCount is the number of concurrent workers
	WorkerCount int

	// RetryAttempts is the number of times to retry failed jobs
	RetryAttempts int

	// RetryDelay is the delay between retry attempts
	RetryDelay time.Duration

	// JobTimeout bounds a single warm attempt
	JobTimeout time.Duration

	// Logger for worker output
	Logger Logger
}

// Stats counts processed jobs
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:     1000,
		WorkerCount:   4,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
		JobTimeout:    30 * time.Second,
		Logger:        logrus.StandardLogger(),
	}
}

// NewWorker creates a new background worker for warmer
func NewWorker(warmer Warmer, config Config) *Worker {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		warmer:        warmer,
		queue:         make(chan PrewarmJob, config.QueueSize),
		workerCount:   config.WorkerCount,
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
		jobTimeout:    config.JobTimeout,
		ctx:           ctx,
		cancel:        cancel,
		logger:        config.Logger,
	}
}

// Start starts the worker pool
func (w *Worker) Start() {
	w.logger.Printf("Starting %d minify prewarm workers", w.workerCount)

	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.processJobs(i)
	}
}

// Stop stops the worker pool. Jobs still queued are discarded.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.cancel()
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Println("Minify prewarm workers stopped")
}

// Enqueue adds a job to the queue. A full queue drops the job.
func (w *Worker) Enqueue(job PrewarmJob) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrStopped
	}

	select {
	case w.queue <- job:
		w.count(func(s *Stats) { s.Enqueued++ })
		return nil
	default:
		w.count(func(s *Stats) { s.Dropped++ })
		w.logger.Println("Prewarm queue is full, dropping job for", job.URL)
		return nil
	}
}

// Prewarm enqueues pathAndQuery. It matches the codec's minify candidate hook.
func (w *Worker) Prewarm(pathAndQuery string) {
	w.Enqueue(PrewarmJob{URL: pathAndQuery})
}

// processJobs processes jobs from the queue
func (w *Worker) processJobs(workerID int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case job, ok := <-w.queue:
			if !ok {
				return
			}
			w.processJob(workerID, job)
		}
	}
}

// processJob warms a single asset, retrying failed attempts
func (w *Worker) processJob(workerID int, job PrewarmJob) {
	var err error
	for attempt := 0; attempt <= w.retryAttempts; attempt++ {
		if attempt > 0 {
			w.count(func(s *Stats) { s.Retried++ })
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
		}

		ctx, cancel := context.WithTimeout(w.ctx, w.jobTimeout)
		err = w.warmer.Warm(ctx, job.URL)
		cancel()
		if err == nil {
			w.count(func(s *Stats) { s.Succeeded++ })
			return
		}
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Printf("Worker %d: attempt %d to prewarm %s failed: %v", workerID, attempt+1, job.URL, err)
	}

	w.count(func(s *Stats) { s.Failed++ })
	w.logger.Printf("Worker %d: giving up on %s: %v", workerID, job.URL, err)
}

func (w *Worker) count(update func(*Stats)) {
	w.statsMu.Lock()
	update(&w.stats)
	w.statsMu.Unlock()
}

// Stats returns a snapshot of the job counters
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// GetQueueSize returns the current queue size
func (w *Worker) GetQueueSize() int {
	return len(w.queue)
}

// GetQueueCapacity returns the queue capacity
func (w *Worker) GetQueueCapacity() int {
	return cap(w.queue)
}
