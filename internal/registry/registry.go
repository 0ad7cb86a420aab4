// Package registry tracks which robots are connected, who is watching them
// and where they were last seen.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotConnected is returned when a robot has no live TCP connection.
var ErrNotConnected = errors.New("robot not connected")

// RobotConn is a robot's live TCP transport.
type RobotConn interface {
	Send(data []byte) error
	Close() error
}

// Subscriber receives relayed messages for one robot.
type Subscriber interface {
	ID() string
	Send(data []byte) error
}

// Address is the last known network location of a robot.
type Address struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// RobotInfo describes one known robot.
type RobotInfo struct {
	RobotID     string `json:"robot_id"`
	IP          string `json:"ip"`
	Port        int    `json:"port,omitempty"`
	Active      bool   `json:"active"`
	Subscribers int    `json:"subscribers"`
}

// Registry maps robot ids to their TCP connection, subscriber set and last
// known address. All methods are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]RobotConn
	subscribers map[string]map[Subscriber]struct{}
	addrs       map[string]Address
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns:       make(map[string]RobotConn),
		subscribers: make(map[string]map[Subscriber]struct{}),
		addrs:       make(map[string]Address),
	}
}

// Normalize returns the canonical form of a robot id.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// RegisterTCP installs conn for id, closing any connection it replaces, and
// records addr as the robot's address.
func (r *Registry) RegisterTCP(id string, conn RobotConn, addr Address) {
	r.mu.Lock()
	old := r.conns[id]
	r.conns[id] = conn
	r.addrs[id] = addr
	r.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
}

// RemoveTCP drops the TCP connection for id. Subscribers and the address
// record are left alone.
func (r *Registry) RemoveTCP(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// ReleaseTCP drops the mapping for id only while it still points at conn.
// It reports whether anything was removed.
func (r *Registry) ReleaseTCP(id string, conn RobotConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == conn {
		delete(r.conns, id)
		return true
	}
	return false
}

// GetTCP returns the live connection for id, or nil.
func (r *Registry) GetTCP(id string) RobotConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// SendTCP writes data to the robot's connection.
func (r *Registry) SendTCP(id string, data []byte) error {
	conn := r.GetTCP(id)
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(data)
}

// AddWebSocket subscribes sub to id. The robot does not need to be connected.
func (r *Registry) AddWebSocket(id string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[id]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.subscribers[id] = set
	}
	set[sub] = struct{}{}
}

// RemoveWebSocket unsubscribes sub from id. Unknown subscribers are ignored.
func (r *Registry) RemoveWebSocket(id string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[id]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.subscribers, id)
	}
}

// Subscribers returns a snapshot of id's subscribers.
func (r *Registry) Subscribers(id string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subscribers[id]
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

// SetAddress records the last known address for id.
func (r *Registry) SetAddress(id string, addr Address) {
	r.mu.Lock()
	r.addrs[id] = addr
	r.mu.Unlock()
}

// GetAddress returns the last known address for id.
func (r *Registry) GetAddress(id string) (Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.addrs[id]
	return a, ok
}

// AllKnownRobots lists every robot with an address record or a live
// connection, sorted by id.
func (r *Registry) AllKnownRobots() []RobotInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.addrs)+len(r.conns))
	out := make([]RobotInfo, 0, len(r.addrs))
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		a := r.addrs[id]
		_, active := r.conns[id]
		out = append(out, RobotInfo{
			RobotID:     id,
			IP:          a.IP,
			Port:        a.Port,
			Active:      active,
			Subscribers: len(r.subscribers[id]),
		})
	}
	for id := range r.addrs {
		add(id)
	}
	for id := range r.conns {
		add(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID < out[j].RobotID })
	return out
}

// Stats is a point-in-time summary of registry sizes.
type Stats struct {
	Connected   int `json:"connected"`
	Known       int `json:"known"`
	Subscribers int `json:"subscribers"`
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Connected: len(r.conns), Known: len(r.addrs)}
	for _, set := range r.subscribers {
		s.Subscribers += len(set)
	}
	return s
}
