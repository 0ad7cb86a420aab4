package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnilab/robobridge/internal/config"
	"github.com/omnilab/robobridge/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.TCPAddr = "127.0.0.1:0"
	cfg.Server.WSAddr = "127.0.0.1:0"
	cfg.Server.APIAddr = "127.0.0.1:0"
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "robobridge.db")
	cfg.Storage.FlushInterval = config.Duration{Duration: 20 * time.Millisecond}
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type running struct {
	relay *Relay
	tcp   string
	ws    string
	api   string
	stop  func() error
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	r, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	tcp, ws, api := r.Addrs()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	var stopped bool
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return &running{relay: r, tcp: tcp, ws: ws, api: api, stop: stop}
}

func registerRobot(t *testing.T, addr, id string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := conn.Write([]byte(`{"type":"registration","robot_id":"` + id + `"}` + "\n")); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack map[string]any
	if err := json.Unmarshal(line, &ack); err != nil {
		t.Fatal(err)
	}
	if ack["status"] != "success" {
		t.Fatalf("registration failed: %s", line)
	}
	return conn, r
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRelay_EndToEnd(t *testing.T) {
	rn := start(t, testConfig(t))

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+rn.ws+"/ws/r1", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer ws.Close()
	waitFor(t, "subscriber", func() bool { return rn.relay.Registry().Stats().Subscribers == 1 })

	conn, _ := registerRobot(t, rn.tcp, "R1")
	if _, err := conn.Write([]byte(`{"type":"encoder","data":[1,2]}` + "\n")); err != nil {
		t.Fatal(err)
	}

	// The subscriber sees the registration line first, then telemetry.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []map[string]any
	for len(got) < 2 {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read ws: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		got = append(got, m)
	}
	if got[1]["type"] != "encoder" || got[1]["robot_id"] != "r1" {
		t.Errorf("relayed message = %v", got[1])
	}

	list := getJSON(t, "http://"+rn.api+"/robots-list")
	if list["count"] != float64(1) {
		t.Errorf("robots-list = %v", list)
	}

	waitFor(t, "persisted telemetry", func() bool {
		m := getJSON(t, "http://"+rn.api+"/robots/r1/telemetry?type=encoder")
		return m["count"] == float64(1)
	})

	if err := rn.stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	// Live connections are torn down on shutdown.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("robot connection still open after shutdown")
	}
}

func TestRelay_SeedsKnownRobots(t *testing.T) {
	cfg := testConfig(t)

	rn := start(t, cfg)
	registerRobot(t, rn.tcp, "bot-1")
	waitFor(t, "robot persisted", func() bool {
		m := getJSON(t, "http://"+rn.api+"/robots-list")
		return m["count"] == float64(1)
	})
	_ = rn.stop()

	// Ensure the robot row landed before reopening.
	s, err := store.NewSQLite(cfg.Storage.DSN)
	if err != nil {
		t.Fatal(err)
	}
	robots, err := s.ListRobots(context.Background())
	_ = s.Close()
	if err != nil || len(robots) != 1 {
		t.Fatalf("stored robots = %v, %v", robots, err)
	}

	r2, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r2.store.Close() })

	known := r2.Registry().AllKnownRobots()
	if len(known) != 1 || known[0].RobotID != "bot-1" || known[0].Active {
		t.Errorf("known robots = %+v", known)
	}
	if known[0].IP != "127.0.0.1" {
		t.Errorf("seeded ip = %q", known[0].IP)
	}
}

func TestRelay_ListenConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.TCPAddr = ln.Addr().String()
	r, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestRelay_Purge(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.store.Close() })

	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UTC()
	err = r.store.InsertTelemetry(ctx, []store.TelemetryRecord{
		{RobotID: "r1", DataType: "encoder", Payload: json.RawMessage(`{}`), ReceivedAt: old},
		{RobotID: "r1", DataType: "encoder", Payload: json.RawMessage(`{}`), ReceivedAt: time.Now().UTC()},
	})
	if err != nil {
		t.Fatal(err)
	}

	r.purge(ctx, time.Now().Add(-24*time.Hour))

	counts, err := r.store.CountTelemetry(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["encoder"] != 1 {
		t.Errorf("counts after purge = %v", counts)
	}
}
