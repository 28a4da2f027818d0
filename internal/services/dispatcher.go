package services

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/models"
)

// FragmentHandler applies one fragment
type FragmentHandler interface {
	Handle(ctx context.Context, frag models.Fragment) error
}

// DispatcherConfig holds configuration for the fragment dispatcher
type DispatcherConfig struct {
	Workers        int
	QueueSize      int           // per worker
	EnqueueTimeout time.Duration // how long Submit waits on a full queue
}

// DefaultDispatcherConfig returns default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        4,
		QueueSize:      256,
		EnqueueTimeout: time.Second,
	}
}

// Dispatcher fans fragments out to worker loops. All fragments of one device
// land on the same worker, so per-device arrival order is preserved.
type Dispatcher struct {
	handler FragmentHandler
	shards  []chan models.Fragment
	timeout time.Duration
	logger  *zap.Logger
}

func NewDispatcher(handler FragmentHandler, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	shards := make([]chan models.Fragment, config.Workers)
	for i := range shards {
		shards[i] = make(chan models.Fragment, config.QueueSize)
	}
	return &Dispatcher{
		handler: handler,
		shards:  shards,
		timeout: config.EnqueueTimeout,
		logger:  logger.Named("dispatcher"),
	}
}

// Submit queues a fragment for its device's worker.
// It reports false when the queue stayed full for the enqueue timeout.
func (d *Dispatcher) Submit(frag models.Fragment) bool {
	ch := d.shards[d.shardFor(frag.Label)]

	select {
	case ch <- frag:
		return true
	default:
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case ch <- frag:
		return true
	case <-timer.C:
		metrics.FragmentsDropped.WithLabelValues("any", "queue_full").Inc()
		d.logger.Warn("worker queue full, dropping fragment",
			zap.String("label", frag.Label), zap.String("source", frag.Source))
		return false
	}
}

// Serve runs the worker loops until ctx is cancelled.
// Queued fragments survive a restart of Serve.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.logger.Info("dispatcher starting", zap.Int("workers", len(d.shards)))

	var wg sync.WaitGroup
	for _, ch := range d.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.processLoop(ctx, ch)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

// processLoop continuously applies fragments from one shard
func (d *Dispatcher) processLoop(ctx context.Context, ch <-chan models.Fragment) {
	for {
		select {
		case <-ctx.Done():
			return
		case frag := <-ch:
			// errors are logged and counted by the handler
			_ = d.handler.Handle(ctx, frag)
		}
	}
}

// Pending returns the number of queued fragments across all workers
func (d *Dispatcher) Pending() int {
	n := 0
	for _, ch := range d.shards {
		n += len(ch)
	}
	return n
}

func (d *Dispatcher) shardFor(label string) int {
	if len(d.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sourceOf(label)))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) String() string { return "fragment-dispatcher" }
