package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omnilab/robobridge/internal/registry"
	"github.com/omnilab/robobridge/pkg/protocol"
)

// robotConn is a robot's TCP connection. It implements registry.RobotConn.
type robotConn struct {
	id          string
	conn        net.Conn
	connectedAt time.Time
	timeout     time.Duration

	writeMu  sync.Mutex
	robotID  atomic.Value // string, set once registered
	messages atomic.Int64
}

func newRobotConn(conn net.Conn, writeTimeout time.Duration) *robotConn {
	return &robotConn{
		id:          uuid.New().String(),
		conn:        conn,
		connectedAt: time.Now(),
		timeout:     writeTimeout,
	}
}

// Send writes one line to the robot.
func (rc *robotConn) Send(data []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(rc.timeout))
	_, err := rc.conn.Write(data)
	return err
}

func (rc *robotConn) Close() error {
	return rc.conn.Close()
}

func (rc *robotConn) info() RobotConnInfo {
	id, _ := rc.robotID.Load().(string)
	return RobotConnInfo{
		ConnID:      rc.id,
		RobotID:     id,
		Remote:      rc.conn.RemoteAddr().String(),
		ConnectedAt: rc.connectedAt,
		Messages:    rc.messages.Load(),
	}
}

// ServeTCP accepts robot connections on ln until ctx is cancelled.
func (b *Bridge) ServeTCP(ctx context.Context, ln net.Listener) error {
	b.logger.Info("robot listener started", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				b.logger.Warn("accept timeout", "error", err)
				continue
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.HandleTCP(conn)
		}()
	}
}

// HandleTCP runs the robot state machine on conn: registration, then relay
// until EOF or a transport error. It closes conn before returning.
func (b *Bridge) HandleTCP(conn net.Conn) {
	rc := newRobotConn(conn, b.opts.WriteTimeout)
	logger := b.logger.With("remote", conn.RemoteAddr().String(), "conn_id", rc.id)

	b.mu.Lock()
	b.robots[rc.id] = rc
	b.mu.Unlock()

	defer func() {
		_ = conn.Close()
		b.mu.Lock()
		delete(b.robots, rc.id)
		b.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), b.opts.MaxLineBytes)

	robotID, ok := b.register(rc, scanner, logger)
	if !ok {
		return
	}
	logger = logger.With("robot_id", robotID)

	defer func() {
		if b.registry.ReleaseTCP(robotID, rc) {
			logger.Info("robot disconnected")
		} else {
			logger.Info("superseded robot connection closed")
		}
	}()

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rc.messages.Add(1)
		b.relay(robotID, line, logger)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("robot read error", "error", err)
	}
}

// register reads the first line under the registration deadline. It reports
// the normalized robot id on success.
func (b *Bridge) register(rc *robotConn, scanner *bufio.Scanner, logger *slog.Logger) (string, bool) {
	_ = rc.conn.SetReadDeadline(time.Now().Add(b.opts.RegistrationTimeout))
	if !scanner.Scan() {
		logger.Info("connection closed before registration", "error", scanner.Err())
		return "", false
	}

	var first map[string]json.RawMessage
	if err := json.Unmarshal(scanner.Bytes(), &first); err != nil || first == nil {
		logger.Warn("malformed registration, closing")
		return "", false
	}

	if stringField(first, "type") != protocol.TypeRegistration {
		logger.Warn("first message is not a registration", "type", stringField(first, "type"))
		b.replyTCP(rc, protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Status:  protocol.StatusFailed,
			Message: "First message must be registration",
		})
		return "", false
	}

	robotID := registry.Normalize(stringField(first, "robot_id"))
	if robotID == "" {
		logger.Warn("registration without robot_id")
		b.replyTCP(rc, protocol.RegistrationResponse{
			Type:    protocol.TypeRegistrationResponse,
			Status:  protocol.StatusFailed,
			Message: "Missing robot_id in registration",
		})
		return "", false
	}

	_ = rc.conn.SetReadDeadline(time.Time{})

	addr := remoteAddress(rc.conn.RemoteAddr())
	b.registry.RegisterTCP(robotID, rc, addr)
	rc.robotID.Store(robotID)
	if b.opts.OnRegister != nil {
		b.opts.OnRegister(robotID, addr)
	}

	ack := protocol.RegistrationResponse{
		Type:       protocol.TypeRegistrationResponse,
		Status:     protocol.StatusSuccess,
		RobotID:    robotID,
		ServerTime: protocol.Now(),
		ClientIP:   addr.IP,
		ClientPort: addr.Port,
		Message:    "Registration successful",
	}
	if err := b.replyTCP(rc, ack); err != nil {
		logger.Warn("registration ack failed", "robot_id", robotID, "error", err)
		b.registry.ReleaseTCP(robotID, rc)
		return "", false
	}

	logger.Info("robot registered", "robot_id", robotID, "ip", addr.IP, "port", addr.Port)
	return robotID, true
}

func (b *Bridge) replyTCP(rc *robotConn, v any) error {
	line, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return rc.Send(line)
}

// relay backfills robot_id, fans the message out and hands it to the
// persistence sink and forwarder.
func (b *Bridge) relay(robotID string, line []byte, logger *slog.Logger) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(line, &msg); err != nil || msg == nil {
		b.malformed.Add(1)
		logger.Warn("malformed robot message, skipping", "error", err)
		return
	}

	var payload []byte
	if _, ok := msg["robot_id"]; ok {
		payload = append([]byte(nil), line...)
	} else {
		value, ok := msg["id"]
		if !ok {
			value, _ = json.Marshal(robotID)
		}
		payload = appendField(line, "robot_id", value)
	}

	for _, sub := range b.registry.Subscribers(robotID) {
		if err := sub.Send(payload); err != nil {
			b.sendFails.Add(1)
			logger.Debug("relay to subscriber failed", "conn_id", sub.ID(), "error", err)
		}
	}
	b.relayed.Add(1)

	dataType := stringField(msg, "type")
	if b.opts.Sink != nil && b.opts.Sink.Accepts(dataType) {
		b.opts.Sink.Enqueue(robotID, dataType, payload)
	}
	if b.opts.Forwarder != nil {
		b.opts.Forwarder.Add(payload)
	}
}

// appendField adds "key":value to the JSON object in obj, leaving the
// original bytes untouched.
func appendField(obj []byte, key string, value json.RawMessage) []byte {
	body := bytes.TrimSpace(obj)
	body = body[:len(body)-1] // drop '}'
	out := make([]byte, 0, len(body)+len(key)+len(value)+6)
	out = append(out, body...)
	if len(bytes.TrimSpace(body)) > 1 {
		out = append(out, ',')
	}
	out = append(out, '"')
	out = append(out, key...)
	out = append(out, '"', ':')
	out = append(out, value...)
	return append(out, '}')
}

// stringField returns m[key] as a string. Numbers are returned in their
// literal form; anything else yields "".
func stringField(m map[string]json.RawMessage, key string) string {
	return protocol.StringField(m, key)
}

func remoteAddress(a net.Addr) registry.Address {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return registry.Address{IP: tcp.IP.String(), Port: tcp.Port}
	}
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return registry.Address{IP: a.String()}
	}
	port, _ := strconv.Atoi(portStr)
	return registry.Address{IP: host, Port: port}
}
