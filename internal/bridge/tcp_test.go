package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnilab/robobridge/internal/ota"
	"github.com/omnilab/robobridge/internal/registry"
)

func TestTCP_RegistrationNormalizesID(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	rb := dialRobot(t, env.tcpAddr)
	rb.send(t, `{"type":"registration","robot_id":" r1 "}`)

	ack := rb.read(t)
	if ack["type"] != "registration_response" || ack["status"] != "success" {
		t.Fatalf("unexpected ack %v", ack)
	}
	if ack["robot_id"] != "r1" {
		t.Errorf("expected normalized robot_id %q, got %v", "r1", ack["robot_id"])
	}
	if ack["client_ip"] != "127.0.0.1" {
		t.Errorf("expected client_ip 127.0.0.1, got %v", ack["client_ip"])
	}
	if _, ok := ack["server_time"].(float64); !ok {
		t.Errorf("expected numeric server_time, got %v", ack["server_time"])
	}
	if env.registry.GetTCP("r1") == nil {
		t.Error("expected robot registered")
	}
	addr, ok := env.registry.GetAddress("r1")
	if !ok || addr.IP != "127.0.0.1" || addr.Port == 0 {
		t.Errorf("unexpected address record %+v", addr)
	}
}

func TestTCP_FirstMessageMustBeRegistration(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	rb := dialRobot(t, env.tcpAddr)
	rb.send(t, `{"type":"encoder","data":[1]}`)

	ack := rb.read(t)
	jsonEqual(t, ack, `{"type":"error","status":"failed","message":"First message must be registration"}`)
	rb.expectClosed(t)
	if n := len(env.registry.AllKnownRobots()); n != 0 {
		t.Errorf("expected no registry entries, got %d", n)
	}
}

func TestTCP_MissingRobotID(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	for _, line := range []string{`{"type":"registration"}`, `{"type":"registration","robot_id":"   "}`} {
		rb := dialRobot(t, env.tcpAddr)
		rb.send(t, line)
		ack := rb.read(t)
		if ack["type"] != "registration_response" || ack["status"] != "failed" {
			t.Errorf("unexpected ack for %s: %v", line, ack)
		}
		rb.expectClosed(t)
	}
	if n := len(env.registry.AllKnownRobots()); n != 0 {
		t.Errorf("expected no registry entries, got %d", n)
	}
}

func TestTCP_MalformedRegistrationClosesSilently(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	rb := dialRobot(t, env.tcpAddr)
	rb.send(t, `{"type":"registration",`)
	rb.expectClosed(t)
}

func TestTCP_RegistrationTimeout(t *testing.T) {
	env := setupBridge(t, Options{RegistrationTimeout: 100 * time.Millisecond}, ota.Options{})
	rb := dialRobot(t, env.tcpAddr)

	time.Sleep(300 * time.Millisecond)
	// The server has already hung up; the late registration is never read.
	_, _ = rb.conn.Write([]byte(`{"type":"registration","robot_id":"late"}` + "\n"))
	rb.expectClosed(t)

	if env.registry.GetTCP("late") != nil {
		t.Error("late registration must not be accepted")
	}
}

func TestTCP_RelayRoundTrip(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	ws := dialWS(t, env, "r1")
	rb := registerRobot(t, env, "R1")

	rb.send(t, `{"type":"encoder","data":[1,2,3]}`)
	jsonEqual(t, readWS(t, ws), `{"type":"encoder","data":[1,2,3],"robot_id":"r1"}`)

	waitFor(t, "sink enqueue", func() bool { return len(env.sink.snapshot()) == 1 })
	rec := env.sink.snapshot()[0]
	if rec.robotID != "r1" || rec.dataType != "encoder" {
		t.Errorf("unexpected sink record %+v", rec)
	}
}

func TestTCP_Backfill(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	ws := dialWS(t, env, "r1")
	rb := registerRobot(t, env, "r1")

	rb.send(t, `{"type":"status","id":"alias-7"}`)
	if got := readWS(t, ws)["robot_id"]; got != "alias-7" {
		t.Errorf("expected robot_id backfilled from id, got %v", got)
	}

	rb.send(t, `{"type":"status","robot_id":"explicit"}`)
	if got := readWS(t, ws)["robot_id"]; got != "explicit" {
		t.Errorf("expected explicit robot_id kept, got %v", got)
	}
}

func TestTCP_MalformedMessageSkipped(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	ws := dialWS(t, env, "r1")
	rb := registerRobot(t, env, "r1")

	rb.send(t, `{not json`)
	rb.send(t, `null`)
	rb.send(t, `{"type":"bno055","heading":12.5}`)

	got := readWS(t, ws)
	if got["type"] != "bno055" {
		t.Errorf("expected loop to continue past malformed lines, got %v", got)
	}
	if m := env.bridge.Connections().Malformed; m != 2 {
		t.Errorf("expected 2 malformed messages, got %d", m)
	}
}

type failingSub struct{ id string }

func (s *failingSub) ID() string           { return s.id }
func (s *failingSub) Send(_ []byte) error { return errors.New("broken pipe") }

func TestTCP_FanOutIsolatesFailures(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	env.registry.AddWebSocket("r1", &failingSub{id: "broken"})
	a := dialWS(t, env, "r1")
	b := dialWS(t, env, "r1")
	c := dialWS(t, env, "r1")
	rb := registerRobot(t, env, "r1")

	rb.send(t, `{"type":"encoder","seq":1}`)
	for _, ws := range []*websocket.Conn{a, b, c} {
		if got := readWS(t, ws)["seq"]; got != float64(1) {
			t.Errorf("expected seq 1, got %v", got)
		}
	}

	// Drop one subscriber; the rest still receive.
	_ = b.Close()
	waitFor(t, "subscriber removal", func() bool { return len(env.registry.Subscribers("r1")) == 3 })

	rb.send(t, `{"type":"encoder","seq":2}`)
	for _, ws := range []*websocket.Conn{a, c} {
		if got := readWS(t, ws)["seq"]; got != float64(2) {
			t.Errorf("expected seq 2, got %v", got)
		}
	}
	if env.registry.GetTCP("r1") == nil {
		t.Error("robot connection must survive subscriber failures")
	}
}

func TestTCP_OrderPreserved(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	ws := dialWS(t, env, "r1")
	rb := registerRobot(t, env, "r1")

	for i := 0; i < 50; i++ {
		rb.send(t, fmt.Sprintf(`{"type":"encoder","seq":%d}`, i))
	}
	for i := 0; i < 50; i++ {
		if got := readWS(t, ws)["seq"]; got != float64(i) {
			t.Fatalf("expected seq %d, got %v", i, got)
		}
	}
}

func TestTCP_ReRegistrationClosesOld(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	first := registerRobot(t, env, "r1")
	second := registerRobot(t, env, "r1")

	first.expectClosed(t)

	// The superseded handler's teardown must not evict the new connection.
	time.Sleep(50 * time.Millisecond)
	if env.registry.GetTCP("r1") == nil {
		t.Fatal("replacement connection was removed")
	}

	ws := dialWS(t, env, "r1")
	second.send(t, `{"type":"encoder"}`)
	if got := readWS(t, ws)["type"]; got != "encoder" {
		t.Errorf("expected relay from replacement connection, got %v", got)
	}
}

func TestTCP_DisconnectRemovesRegistration(t *testing.T) {
	env := setupBridge(t, Options{}, ota.Options{})
	rb := registerRobot(t, env, "r1")
	_ = rb.conn.Close()

	waitFor(t, "robot removal", func() bool { return env.registry.GetTCP("r1") == nil })
	if _, ok := env.registry.GetAddress("r1"); !ok {
		t.Error("address record must survive disconnect")
	}
	robots := env.registry.AllKnownRobots()
	if len(robots) != 1 || robots[0].Active {
		t.Errorf("expected one inactive robot, got %+v", robots)
	}
}

func TestTCP_OnRegisterHook(t *testing.T) {
	got := make(chan registry.Address, 1)
	env := setupBridge(t, Options{OnRegister: func(id string, addr registry.Address) {
		if id == "r9" {
			got <- addr
		}
	}}, ota.Options{})
	registerRobot(t, env, "R9")

	select {
	case addr := <-got:
		if addr.IP != "127.0.0.1" {
			t.Errorf("unexpected address %+v", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnRegister not called")
	}
}

func TestStringField(t *testing.T) {
	var m map[string]json.RawMessage
	_ = json.Unmarshal([]byte(`{"a":"x","n":42,"o":{}}`), &m)
	if stringField(m, "a") != "x" || stringField(m, "n") != "42" || stringField(m, "o") != "" || stringField(m, "z") != "" {
		t.Error("unexpected stringField results")
	}
}
