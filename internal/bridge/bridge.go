// Package bridge relays robot telemetry from line-delimited JSON over TCP to
// WebSocket subscribers, and serves subscriber commands for subscriptions and
// OTA firmware tunnels.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnilab/robobridge/internal/ota"
	"github.com/omnilab/robobridge/internal/registry"
	"github.com/omnilab/robobridge/pkg/protocol"
)

// Sink persists selected message types. Enqueue must not block.
type Sink interface {
	Accepts(dataType string) bool
	Enqueue(robotID, dataType string, msg json.RawMessage)
}

// Forwarder accepts relayed messages for downstream delivery. Add must not
// block.
type Forwarder interface {
	Add(msg json.RawMessage)
}

// Options configures a Bridge.
type Options struct {
	RegistrationTimeout   time.Duration // default 5s
	MaxLineBytes          int           // max TCP line; default 1MB
	MaxClientMessageBytes int64         // max WebSocket frame; default 1MB
	ClientMsgRate         float64       // WebSocket commands per second; default 200
	ClientMsgBurst        int           // default 400
	SendQueueSize         int           // per subscriber; default 256
	WriteTimeout          time.Duration // default 10s
	AllowedOrigins        []string      // default ["*"]

	ChunkDumpDir   string // empty disables chunk dumps
	ChunkDumpEvery int    // default 100

	Sink      Sink      // optional
	Forwarder Forwarder // optional

	// OnRegister is called after a robot completes TCP registration.
	OnRegister func(robotID string, addr registry.Address)
}

// Bridge owns the per-connection state machines for robots and subscribers.
type Bridge struct {
	registry *registry.Registry
	tunnels  *ota.Manager
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	robots  map[string]*robotConn // by connection id
	clients map[string]*wsClient  // by connection id

	relayed   atomic.Int64
	malformed atomic.Int64
	sendFails atomic.Int64
}

// New creates a Bridge.
func New(reg *registry.Registry, tunnels *ota.Manager, logger *slog.Logger, opts Options) *Bridge {
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = 5 * time.Second
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 1024 * 1024
	}
	if opts.MaxClientMessageBytes <= 0 {
		opts.MaxClientMessageBytes = 1024 * 1024
	}
	if opts.ClientMsgRate <= 0 {
		opts.ClientMsgRate = 200
	}
	if opts.ClientMsgBurst <= 0 {
		opts.ClientMsgBurst = 400
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ChunkDumpEvery <= 0 {
		opts.ChunkDumpEvery = 100
	}

	return &Bridge{
		registry: reg,
		tunnels:  tunnels,
		logger:   logger.With("component", "bridge"),
		opts:     opts,
		upgrader: newUpgrader(opts.AllowedOrigins),
		robots:   make(map[string]*robotConn),
		clients:  make(map[string]*wsClient),
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// SendToRobot writes msg as one JSON line to the robot's TCP connection.
func (b *Bridge) SendToRobot(robotID string, msg any) error {
	line, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.registry.SendTCP(registry.Normalize(robotID), line)
}

// SendFirmwareByAddress writes data to the tunnel open against ip:port,
// opening one under the robot id "ip:port" when none exists. A tunnel that
// fails the write is closed.
func (b *Bridge) SendFirmwareByAddress(ctx context.Context, ip string, port int, data []byte) error {
	t, err := b.tunnels.GetOrConnect(ctx, ip, port)
	if err != nil {
		return err
	}
	if _, err := t.Write(data); err != nil {
		b.tunnels.Drop(t)
		return fmt.Errorf("write tunnel %s: %w", t.Key(), err)
	}
	return nil
}

// RobotConnInfo describes a live robot TCP connection.
type RobotConnInfo struct {
	ConnID      string    `json:"conn_id"`
	RobotID     string    `json:"robot_id,omitempty"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	Messages    int64     `json:"messages"`
}

// ClientInfo describes a live WebSocket subscriber.
type ClientInfo struct {
	ConnID        string    `json:"conn_id"`
	RobotID       string    `json:"robot_id"`
	Remote        string    `json:"remote"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"direct_subscriptions"`
	Queued        int       `json:"queued"`
}

// Connections is a snapshot of every live connection.
type Connections struct {
	Robots    []RobotConnInfo `json:"robots"`
	Clients   []ClientInfo    `json:"clients"`
	Relayed   int64           `json:"relayed"`
	Malformed int64           `json:"malformed"`
	SendFails int64           `json:"send_failures"`
}

// Connections returns a snapshot of live connections and relay counters.
func (b *Bridge) Connections() Connections {
	b.mu.Lock()
	robots := make([]*robotConn, 0, len(b.robots))
	for _, rc := range b.robots {
		robots = append(robots, rc)
	}
	clients := make([]*wsClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	out := Connections{
		Robots:    make([]RobotConnInfo, 0, len(robots)),
		Clients:   make([]ClientInfo, 0, len(clients)),
		Relayed:   b.relayed.Load(),
		Malformed: b.malformed.Load(),
		SendFails: b.sendFails.Load(),
	}
	for _, rc := range robots {
		out.Robots = append(out.Robots, rc.info())
	}
	for _, c := range clients {
		out.Clients = append(out.Clients, c.info())
	}
	sort.Slice(out.Robots, func(i, j int) bool { return out.Robots[i].ConnectedAt.Before(out.Robots[j].ConnectedAt) })
	sort.Slice(out.Clients, func(i, j int) bool { return out.Clients[i].ConnectedAt.Before(out.Clients[j].ConnectedAt) })
	return out
}

// Close terminates every live robot and subscriber connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	robots := make([]*robotConn, 0, len(b.robots))
	for _, rc := range b.robots {
		robots = append(robots, rc)
	}
	clients := make([]*wsClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, rc := range robots {
		_ = rc.Close()
	}
	for _, c := range clients {
		c.close()
	}
}
