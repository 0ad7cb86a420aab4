// Package telemetry persists selected robot message types in batches.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omnilab/robobridge/internal/store"
)

// Options configures a Writer.
type Options struct {
	Types         []string      // message types to persist
	QueueSize     int           // default 4096
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 1s
}

// Stats reports writer activity.
type Stats struct {
	Enqueued int64            `json:"enqueued"`
	Written  int64            `json:"written"`
	Dropped  int64            `json:"dropped"`
	Failed   int64            `json:"failed"`
	Pending  int              `json:"pending"`
	ByType   map[string]int64 `json:"by_type"`
	Types    []string         `json:"types"`
}

// Writer is the persistence sink. Enqueue never blocks; a full queue drops
// the message and counts it.
type Writer struct {
	store  store.Store
	logger *slog.Logger
	opts   Options
	types  map[string]struct{}

	queue chan store.TelemetryRecord
	done  chan struct{}
	once  sync.Once

	enqueued atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64

	mu     sync.Mutex
	byType map[string]int64
}

// NewWriter creates a Writer. Call Run to start flushing.
func NewWriter(s store.Store, logger *slog.Logger, opts Options) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	types := make(map[string]struct{}, len(opts.Types))
	for _, t := range opts.Types {
		types[t] = struct{}{}
	}
	return &Writer{
		store:  s,
		logger: logger.With("component", "telemetry"),
		opts:   opts,
		types:  types,
		queue:  make(chan store.TelemetryRecord, opts.QueueSize),
		done:   make(chan struct{}),
		byType: make(map[string]int64),
	}
}

// Accepts reports whether messages of dataType are persisted.
func (w *Writer) Accepts(dataType string) bool {
	_, ok := w.types[dataType]
	return ok
}

// Enqueue queues one message for persistence.
func (w *Writer) Enqueue(robotID, dataType string, msg json.RawMessage) {
	rec := store.TelemetryRecord{
		RobotID:    robotID,
		DataType:   dataType,
		Payload:    msg,
		ReceivedAt: time.Now(),
	}
	select {
	case w.queue <- rec:
		w.enqueued.Add(1)
	default:
		if w.dropped.Add(1)%1000 == 1 {
			w.logger.Warn("telemetry queue full, dropping", "robot_id", robotID, "type", dataType)
		}
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (w *Writer) Run(ctx context.Context) error {
	defer w.once.Do(func() { close(w.done) })

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]store.TelemetryRecord, 0, w.opts.BatchSize)
	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= w.opts.BatchSize {
				batch = w.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = w.flush(ctx, batch)
		case <-ctx.Done():
			w.drain(batch)
			return nil
		}
	}
}

// Done is closed when Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) drain(batch []store.TelemetryRecord) {
	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(ctx, batch)
			cancel()
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []store.TelemetryRecord) []store.TelemetryRecord {
	if len(batch) == 0 {
		return batch
	}
	if err := w.store.InsertTelemetry(ctx, batch); err != nil {
		w.failed.Add(int64(len(batch)))
		w.logger.Error("persist telemetry batch", "count", len(batch), "error", err)
		return batch[:0]
	}
	w.written.Add(int64(len(batch)))
	w.mu.Lock()
	for _, r := range batch {
		w.byType[r.DataType]++
	}
	w.mu.Unlock()
	w.logger.Debug("persisted telemetry batch", "count", len(batch))
	return batch[:0]
}

// Stats returns a snapshot of writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	byType := make(map[string]int64, len(w.byType))
	for k, v := range w.byType {
		byType[k] = v
	}
	w.mu.Unlock()

	types := make([]string, 0, len(w.opts.Types))
	types = append(types, w.opts.Types...)
	return Stats{
		Enqueued: w.enqueued.Load(),
		Written:  w.written.Load(),
		Dropped:  w.dropped.Load(),
		Failed:   w.failed.Load(),
		Pending:  len(w.queue),
		ByType:   byType,
		Types:    types,
	}
}
