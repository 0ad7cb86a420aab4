package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/omnilab/robobridge/internal/store"
)

func setupWriter(t *testing.T, opts Options) (*Writer, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWriter(s, logger, opts), s
}

func TestWriter_Accepts(t *testing.T) {
	w, _ := setupWriter(t, Options{Types: []string{"encoder", "bno055"}})
	if !w.Accepts("encoder") || !w.Accepts("bno055") {
		t.Error("expected encoder and bno055 to be accepted")
	}
	if w.Accepts("lidar") || w.Accepts("") {
		t.Error("unexpected type accepted")
	}
}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	w, s := setupWriter(t, Options{Types: []string{"encoder"}, BatchSize: 2, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.Enqueue("r1", "encoder", json.RawMessage(`{"type":"encoder","data":[1]}`))
	w.Enqueue("r1", "encoder", json.RawMessage(`{"type":"encoder","data":[2]}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Stats().Written == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	recs, err := s.ListTelemetry(context.Background(), "r1", "encoder", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(recs))
	}
}

func TestWriter_DrainsOnShutdown(t *testing.T) {
	w, s := setupWriter(t, Options{Types: []string{"encoder"}, BatchSize: 100, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		w.Enqueue("r1", "encoder", json.RawMessage(`{}`))
	}
	cancel()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
	counts, _ := s.CountTelemetry(context.Background())
	if counts["encoder"] != 5 {
		t.Errorf("expected 5 records after drain, got %d", counts["encoder"])
	}
	st := w.Stats()
	if st.Written != 5 || st.ByType["encoder"] != 5 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestWriter_DropsWhenFull(t *testing.T) {
	w, _ := setupWriter(t, Options{Types: []string{"encoder"}, QueueSize: 2})
	// Run is not started, so the queue never drains.
	for i := 0; i < 5; i++ {
		w.Enqueue("r1", "encoder", json.RawMessage(`{}`))
	}
	st := w.Stats()
	if st.Enqueued != 2 || st.Dropped != 3 {
		t.Errorf("expected 2 enqueued and 3 dropped, got %+v", st)
	}
	if st.Pending != 2 {
		t.Errorf("expected 2 pending, got %d", st.Pending)
	}
}
