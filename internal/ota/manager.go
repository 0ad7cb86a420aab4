// Package ota manages outbound binary tunnels used to stream firmware to
// robots, plus one-shot command delivery to a robot's data port.
package ota

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/omnilab/robobridge/pkg/protocol"
)

// ErrNoTunnel is returned when no tunnel matches a lookup.
var ErrNoTunnel = errors.New("no OTA connection")

// DialFunc opens an outbound connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Manager.
type Options struct {
	DialTimeout    time.Duration // default 5s
	CommandTimeout time.Duration // default 3s
	Dial           DialFunc      // default net.Dialer.DialContext
}

// Tunnel is one open binary connection to a robot's OTA endpoint.
type Tunnel struct {
	RobotID  string
	IP       string
	Port     int
	OpenedAt time.Time

	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer
}

// Write buffers p and flushes it to the robot.
func (t *Tunnel) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, t.w.Flush()
}

// Close closes the underlying connection.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}

// Key is the "ip:port" index key of the tunnel.
func (t *Tunnel) Key() string {
	return AddrKey(t.IP, t.Port)
}

// TunnelInfo describes an open tunnel.
type TunnelInfo struct {
	RobotID  string    `json:"robot_id"`
	IP       string    `json:"ip_address"`
	Port     int       `json:"port"`
	OTAType  string    `json:"ota_type"`
	OpenedAt time.Time `json:"opened_at"`
}

// Manager owns the OTA tunnels, indexed by robot id and by "ip:port".
type Manager struct {
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	byRobot map[string]*Tunnel
	byAddr  map[string]*Tunnel

	// dials collapses concurrent GetOrConnect calls for one address.
	dials singleflight.Group
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger, opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 3 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	return &Manager{
		logger:  logger.With("component", "ota"),
		opts:    opts,
		byRobot: make(map[string]*Tunnel),
		byAddr:  make(map[string]*Tunnel),
	}
}

// Connect opens a tunnel to ip:port for robotID, closing the robot's
// previous tunnel first. Failures are logged and reported as false.
func (m *Manager) Connect(ctx context.Context, ip string, port int, robotID string) bool {
	label := protocol.ChannelFor(port)

	m.mu.Lock()
	if prev, ok := m.byRobot[robotID]; ok {
		m.dropLocked(prev)
		_ = prev.Close()
		m.logger.Info("closed previous tunnel", "robot_id", robotID, "addr", prev.Key())
	}
	m.mu.Unlock()

	m.logger.Info("connecting tunnel", "robot_id", robotID, "ota_type", label, "ip", ip, "port", port)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	conn, err := m.opts.Dial(dialCtx, "tcp", AddrKey(ip, port))
	if err != nil {
		m.logger.Error("tunnel connect failed", "robot_id", robotID, "ota_type", label, "ip", ip, "port", port, "error", err)
		return false
	}

	t := &Tunnel{
		RobotID:  robotID,
		IP:       ip,
		Port:     port,
		OpenedAt: time.Now(),
		conn:     conn,
		w:        bufio.NewWriter(conn),
	}

	m.mu.Lock()
	// Another Connect for the same robot may have finished while we dialed.
	if racing, ok := m.byRobot[robotID]; ok {
		m.dropLocked(racing)
		_ = racing.Close()
	}
	if other, ok := m.byAddr[t.Key()]; ok && other.RobotID != robotID {
		m.logger.Warn("address already tunneled for another robot, reindexing",
			"addr", t.Key(), "previous_robot_id", other.RobotID, "robot_id", robotID)
	}
	m.byRobot[robotID] = t
	m.byAddr[t.Key()] = t
	m.mu.Unlock()

	m.logger.Info("tunnel connected", "robot_id", robotID, "ota_type", label, "addr", t.Key())
	return true
}

// GetConnection resolves a tunnel. A non-empty robotID takes precedence;
// otherwise both ip and port are required.
func (m *Manager) GetConnection(robotID, ip string, port int) *Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(robotID, ip, port)
}

// Disconnect closes and forgets the tunnel resolved with the same rule as
// GetConnection. It is a no-op when nothing matches.
func (m *Manager) Disconnect(robotID, ip string, port int) {
	m.mu.Lock()
	t := m.resolveLocked(robotID, ip, port)
	if t != nil {
		m.dropLocked(t)
	}
	m.mu.Unlock()

	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		m.logger.Debug("tunnel close", "robot_id", t.RobotID, "error", err)
	}
	m.logger.Info("tunnel disconnected", "robot_id", t.RobotID, "addr", t.Key())
}

// GetOrConnect returns the tunnel indexed under ip:port, opening one under
// the robot id "ip:port" when none exists. Concurrent callers for the same
// address share a single dial.
func (m *Manager) GetOrConnect(ctx context.Context, ip string, port int) (*Tunnel, error) {
	if t := m.GetConnection("", ip, port); t != nil {
		return t, nil
	}
	key := AddrKey(ip, port)
	v, err, _ := m.dials.Do(key, func() (any, error) {
		if t := m.GetConnection("", ip, port); t != nil {
			return t, nil
		}
		if !m.Connect(ctx, ip, port, key) {
			return nil, fmt.Errorf("connect %s: %w", key, ErrNoTunnel)
		}
		if t := m.GetConnection("", ip, port); t != nil {
			return t, nil
		}
		return nil, ErrNoTunnel
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tunnel), nil
}

// Drop closes t and removes it from the indexes it still occupies. A
// tunnel that has already been replaced leaves its replacement in place.
func (m *Manager) Drop(t *Tunnel) {
	m.mu.Lock()
	m.dropLocked(t)
	m.mu.Unlock()

	if err := t.Close(); err != nil {
		m.logger.Debug("tunnel close", "robot_id", t.RobotID, "error", err)
	}
	m.logger.Info("tunnel dropped", "robot_id", t.RobotID, "addr", t.Key())
}

// List returns the open tunnels sorted by robot id.
func (m *Manager) List() []TunnelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TunnelInfo, 0, len(m.byRobot))
	for _, t := range m.byRobot {
		out = append(out, TunnelInfo{
			RobotID:  t.RobotID,
			IP:       t.IP,
			Port:     t.Port,
			OTAType:  protocol.ChannelFor(t.Port),
			OpenedAt: t.OpenedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID < out[j].RobotID })
	return out
}

// Close closes every tunnel.
func (m *Manager) Close() {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.byRobot))
	for _, t := range m.byRobot {
		tunnels = append(tunnels, t)
	}
	m.byRobot = make(map[string]*Tunnel)
	m.byAddr = make(map[string]*Tunnel)
	m.mu.Unlock()

	for _, t := range tunnels {
		_ = t.Close()
	}
}

// SendCommand dials ip:port, writes cmd as a single line and hangs up.
func (m *Manager) SendCommand(ctx context.Context, ip string, port int, cmd string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()

	conn, err := m.opts.Dial(ctx, "tcp", AddrKey(ip, port))
	if err != nil {
		return fmt.Errorf("dial %s: %w", AddrKey(ip, port), err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	m.logger.Info("command sent", "addr", AddrKey(ip, port), "command", cmd)
	return nil
}

func (m *Manager) resolveLocked(robotID, ip string, port int) *Tunnel {
	if robotID != "" {
		return m.byRobot[robotID]
	}
	if ip == "" || port == 0 {
		return nil
	}
	return m.byAddr[AddrKey(ip, port)]
}

// dropLocked removes t from both indexes without closing it. Index entries
// that point at a different tunnel are left in place.
func (m *Manager) dropLocked(t *Tunnel) {
	if cur, ok := m.byRobot[t.RobotID]; ok && cur == t {
		delete(m.byRobot, t.RobotID)
	}
	if cur, ok := m.byAddr[t.Key()]; ok && cur == t {
		delete(m.byAddr, t.Key())
	}
}

// AddrKey formats the "ip:port" key tunnels are indexed under.
func AddrKey(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
