// Package forward delivers relayed robot messages to a downstream HTTP
// collector in batches.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Options configures a Forwarder.
type Options struct {
	URL       string
	BatchSize int           // default 20
	MaxWait   time.Duration // default 200ms
	Gzip      bool
	Timeout   time.Duration // per request; default 5s
	QueueSize int           // default 1024
	Client    *http.Client
}

// Stats reports forwarder activity.
type Stats struct {
	Queued  int64 `json:"queued"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Batches int64 `json:"batches"`
}

// Forwarder batches messages and POSTs each batch as a JSON array.
type Forwarder struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
	queue  chan json.RawMessage
	done   chan struct{}

	queued  atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
	batches atomic.Int64
}

// New creates a Forwarder. Call Run to start delivery.
func New(logger *slog.Logger, opts Options) *Forwarder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 200 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Forwarder{
		opts:   opts,
		client: client,
		logger: logger.With("component", "forwarder"),
		queue:  make(chan json.RawMessage, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Add queues msg for delivery without blocking. A full queue drops it.
func (f *Forwarder) Add(msg json.RawMessage) {
	select {
	case f.queue <- msg:
		f.queued.Add(1)
	default:
		if f.dropped.Add(1)%1000 == 1 {
			f.logger.Warn("forward queue full, dropping message")
		}
	}
}

// Run batches and sends until ctx is cancelled, then flushes the remainder.
func (f *Forwarder) Run(ctx context.Context) error {
	defer close(f.done)

	batch := make([]json.RawMessage, 0, f.opts.BatchSize)
	timer := time.NewTimer(f.opts.MaxWait)
	defer timer.Stop()

	for {
		select {
		case msg := <-f.queue:
			batch = append(batch, msg)
			if len(batch) >= f.opts.BatchSize {
				batch = f.flush(ctx, batch)
				resetTimer(timer, f.opts.MaxWait)
			}
		case <-timer.C:
			batch = f.flush(ctx, batch)
			timer.Reset(f.opts.MaxWait)
		case <-ctx.Done():
		drain:
			for {
				select {
				case msg := <-f.queue:
					batch = append(batch, msg)
				default:
					break drain
				}
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), f.opts.Timeout)
			f.flush(flushCtx, batch)
			cancel()
			return nil
		}
	}
}

// Done is closed when Run has returned.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

// Stats returns a snapshot of forwarder counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Queued:  f.queued.Load(),
		Sent:    f.sent.Load(),
		Dropped: f.dropped.Load(),
		Failed:  f.failed.Load(),
		Batches: f.batches.Load(),
	}
}

func (f *Forwarder) flush(ctx context.Context, batch []json.RawMessage) []json.RawMessage {
	if len(batch) == 0 {
		return batch
	}
	if err := f.post(ctx, batch); err != nil {
		f.failed.Add(int64(len(batch)))
		f.logger.Error("forward batch", "count", len(batch), "error", err)
	} else {
		f.sent.Add(int64(len(batch)))
		f.batches.Add(1)
	}
	return batch[:0]
}

func (f *Forwarder) post(ctx context.Context, batch []json.RawMessage) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	var body io.Reader = bytes.NewReader(data)
	if f.opts.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("gzip batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("gzip batch: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.opts.URL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.opts.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
