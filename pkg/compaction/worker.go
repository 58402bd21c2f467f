package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
)

// Trigger is what a Worker polls.
type Trigger interface {
	// NeedsCompaction reports whether enough garbage has built up.
	NeedsCompaction() bool

	// RunCompaction compacts, attributing the run to reason.
	RunCompaction(reason string) error
}

// Worker periodically checks a Trigger and compacts in the background when
// it asks for it.
type Worker struct {
	trigger  Trigger
	interval time.Duration
	logger   log.Logger
	metrics  CompactionMetrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWorker creates a stopped worker checking t every interval. Intervals
// under a second are raised to one second.
func NewWorker(t Trigger, interval time.Duration, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopCompactionMetrics()
	}
	if interval < time.Second {
		interval = time.Second
	}
	return &Worker{
		trigger:  t,
		interval: interval,
		logger:   opts.Logger.WithField("component", "compaction-worker"),
		metrics:  opts.Metrics,
	}
}

// Start launches the background loop. Starting a running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.loop(w.stopCh, w.doneCh)
	w.logger.Debug("Compaction worker started, interval %s", w.interval)
}

// Stop ends the loop and waits for a compaction in progress to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	w.logger.Debug("Compaction worker stopped")
}

func (w *Worker) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Worker) check() {
	if !w.trigger.NeedsCompaction() {
		return
	}
	w.metrics.RecordTrigger(context.Background(), TriggerWorker)
	if err := w.trigger.RunCompaction(TriggerWorker); err != nil {
		w.logger.Error("Background compaction failed: %v", err)
	}
}
