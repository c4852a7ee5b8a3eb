package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"go.uber.org/zap"
)

// ErrBufferFull is returned when the recorder drops an event
var ErrBufferFull = errors.New("event buffer full")

// ErrNotRunning is returned when recording on a recorder that is not started or already stopped
var ErrNotRunning = errors.New("event recorder not running")

// Sink accepts events for best-effort asynchronous recording
type Sink interface {
	Record(event *models.ScreenTimeEvent) error
}

// Recorder persists screen-time events asynchronously through a worker pool.
// Record never blocks the caller; when the buffer is full the event is dropped.
type Recorder struct {
	repo        repositories.EventRepository
	publisher   Publisher
	logger      *zap.Logger
	eventChan   chan *models.ScreenTimeEvent
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	started     bool
	stopped     bool
	recorded    atomic.Uint64
	dropped     atomic.Uint64
	failed      atomic.Uint64
}

// Config holds configuration for the Recorder
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000, // Buffer up to 10k events
		WorkerCount: 5,     // 5 concurrent workers
	}
}

// NewRecorder creates a new Recorder instance. A nil publisher disables outbound emission.
func NewRecorder(repo repositories.EventRepository, publisher Publisher, logger *zap.Logger, config Config) *Recorder {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Recorder{
		repo:        repo,
		publisher:   publisher,
		logger:      logger,
		eventChan:   make(chan *models.ScreenTimeEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("event recorder already started")
	}

	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.started = true
	r.logger.Info("started event recorder",
		zap.Int("worker_count", r.workerCount),
		zap.Int("buffer_size", r.bufferSize))

	return nil
}

// Stop gracefully stops the recorder.
// Waits for all pending events to be processed
func (r *Recorder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.stopped = true
	// No more events will be accepted
	close(r.eventChan)
	r.mu.Unlock()

	r.logger.Info("stopping event recorder", zap.Int("pending_events", len(r.eventChan)))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event recorder stopped gracefully")
		r.cancel()
		return nil
	case <-time.After(timeout):
		r.cancel()
		return fmt.Errorf("event recorder stop timeout after %v", timeout)
	}
}

// Record queues an event (non-blocking).
// Returns immediately, event is processed in background
func (r *Recorder) Record(event *models.ScreenTimeEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started || r.stopped {
		return ErrNotRunning
	}

	select {
	case r.eventChan <- event:
		return nil
	default:
		r.dropped.Add(1)
		r.logger.Warn("event channel full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("tenant_id", event.TenantID.String()))
		return ErrBufferFull
	}
}

// RecordBlocking queues an event, waiting until there is room or ctx is cancelled
func (r *Recorder) RecordBlocking(ctx context.Context, event *models.ScreenTimeEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started || r.stopped {
		return ErrNotRunning
	}

	select {
	case r.eventChan <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrNotRunning
	}
}

// worker processes events from the channel
func (r *Recorder) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("event worker started", zap.Int("worker_id", id))

	for event := range r.eventChan {
		if err := r.processEvent(event); err != nil {
			r.failed.Add(1)
			r.logger.Error("failed to process event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("type", string(event.Type)),
				zap.String("tenant_id", event.TenantID.String()))
			continue
		}
		r.recorded.Add(1)
	}

	r.logger.Debug("event worker stopped", zap.Int("worker_id", id))
}

// processEvent persists a single event, then hands it to the publisher
func (r *Recorder) processEvent(event *models.ScreenTimeEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
	return nil
}

// GetStats returns statistics about the recorder
func (r *Recorder) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		BufferSize:    r.bufferSize,
		PendingEvents: len(r.eventChan),
		WorkerCount:   r.workerCount,
		Started:       r.started && !r.stopped,
		Recorded:      r.recorded.Load(),
		Dropped:       r.dropped.Load(),
		Failed:        r.failed.Load(),
	}
}

// Stats represents recorder statistics
type Stats struct {
	BufferSize    int    `json:"buffer_size"`
	PendingEvents int    `json:"pending_events"`
	WorkerCount   int    `json:"worker_count"`
	Started       bool   `json:"started"`
	Recorded      uint64 `json:"recorded"`
	Dropped       uint64 `json:"dropped"`
	Failed        uint64 `json:"failed"`
}
