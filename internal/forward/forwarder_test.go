package forward

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

type collector struct {
	mu       sync.Mutex
	batches  [][]map[string]any
	encoding []string
}

func (c *collector) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				t.Errorf("gzip reader: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body = zr
		}
		var batch []map[string]any
		if err := json.NewDecoder(body).Decode(&batch); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.encoding = append(c.encoding, r.Header.Get("Content-Encoding"))
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *collector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestForwarder_BatchesBySize(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	f := New(testLogger(), Options{URL: srv.URL, BatchSize: 3, MaxWait: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	for i := 0; i < 3; i++ {
		f.Add(json.RawMessage(`{"type":"encoder"}`))
	}
	waitFor(t, func() bool { return c.total() == 3 })

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 1 {
		t.Errorf("expected a single batch, got %d", len(c.batches))
	}
}

func TestForwarder_FlushesAfterMaxWait(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	f := New(testLogger(), Options{URL: srv.URL, BatchSize: 100, MaxWait: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.Add(json.RawMessage(`{"type":"bno055"}`))
	waitFor(t, func() bool { return c.total() == 1 })
}

func TestForwarder_Gzip(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	f := New(testLogger(), Options{URL: srv.URL, BatchSize: 1, Gzip: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.Add(json.RawMessage(`{"type":"encoder","data":[1,2,3]}`))
	waitFor(t, func() bool { return c.total() == 1 })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoding[0] != "gzip" {
		t.Errorf("expected gzip encoding, got %q", c.encoding[0])
	}
	if c.batches[0][0]["type"] != "encoder" {
		t.Errorf("unexpected payload %v", c.batches[0][0])
	}
}

func TestForwarder_FlushesOnStop(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	f := New(testLogger(), Options{URL: srv.URL, BatchSize: 100, MaxWait: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = f.Run(ctx) }()

	f.Add(json.RawMessage(`{"n":1}`))
	f.Add(json.RawMessage(`{"n":2}`))
	cancel()
	<-f.Done()

	if c.total() != 2 {
		t.Errorf("expected 2 forwarded messages, got %d", c.total())
	}
	if st := f.Stats(); st.Sent != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestForwarder_CollectorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(testLogger(), Options{URL: srv.URL, BatchSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.Add(json.RawMessage(`{}`))
	waitFor(t, func() bool { return f.Stats().Failed == 1 })
}
