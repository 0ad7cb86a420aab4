package bridge

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// wsPingInterval is how often the bridge pings subscribers.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
)

var (
	// ErrSendQueueFull is returned when a subscriber is not keeping up.
	ErrSendQueueFull = errors.New("subscriber send queue full")
	errClientClosed  = errors.New("subscriber closed")
)

// session is the per-connection state of a subscriber.
type session struct {
	mu            sync.Mutex
	subscriptions map[string]struct{}
}

func (s *session) subscribe(dataType string) {
	s.mu.Lock()
	s.subscriptions[dataType] = struct{}{}
	s.mu.Unlock()
}

func (s *session) unsubscribe(dataType string) {
	s.mu.Lock()
	delete(s.subscriptions, dataType)
	s.mu.Unlock()
}

func (s *session) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for dt := range s.subscriptions {
		out = append(out, dt)
	}
	sort.Strings(out)
	return out
}

// wsClient is one WebSocket subscriber. All writes go through a single
// writer goroutine fed by send. It implements registry.Subscriber.
type wsClient struct {
	id          string
	robotID     string
	remote      string
	connectedAt time.Time
	conn        *websocket.Conn
	limiter     *rate.Limiter
	session     *session

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) ID() string { return c.id }

// Send queues data without blocking.
func (c *wsClient) Send(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// reply queues an acknowledgment, waiting up to timeout for room.
func (c *wsClient) reply(v any, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	case <-t.C:
		return ErrSendQueueFull
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump drains the send queue and pings the peer until the client is
// closed or a write fails.
func (c *wsClient) writePump(writeTimeout time.Duration) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// startKeepalive arms the read deadline and extends it on every pong.
func (c *wsClient) startKeepalive() {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
}

func (c *wsClient) info() ClientInfo {
	return ClientInfo{
		ConnID:        c.id,
		RobotID:       c.robotID,
		Remote:        c.remote,
		ConnectedAt:   c.connectedAt,
		Subscriptions: c.session.list(),
		Queued:        len(c.send),
	}
}
