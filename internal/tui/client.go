package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/omnilab/robobridge/internal/ota"
	"github.com/omnilab/robobridge/internal/registry"
)

// Snapshot is one poll of the admin API.
type Snapshot struct {
	Uptime    string
	Robots    []registry.RobotInfo
	Tunnels   []ota.TunnelInfo
	Clients   int
	Relayed   int64
	Malformed int64
	TakenAt   time.Time
}

// Client polls a running bridge's admin API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for the API at base, e.g. "http://localhost:9004".
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 3 * time.Second},
	}
}

// Snapshot fetches health, connections and tunnels.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var health struct {
		Uptime string `json:"uptime"`
	}
	if err := c.get(ctx, "/healthz", &health); err != nil {
		return Snapshot{}, err
	}

	var conns struct {
		Connections []registry.RobotInfo `json:"connections"`
		Live        struct {
			Clients   []json.RawMessage `json:"clients"`
			Relayed   int64             `json:"relayed"`
			Malformed int64             `json:"malformed"`
		} `json:"live"`
	}
	if err := c.get(ctx, "/connections", &conns); err != nil {
		return Snapshot{}, err
	}

	var tunnels struct {
		Tunnels []ota.TunnelInfo `json:"tunnels"`
	}
	if err := c.get(ctx, "/ota/tunnels", &tunnels); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Uptime:    health.Uptime,
		Robots:    conns.Connections,
		Tunnels:   tunnels.Tunnels,
		Clients:   len(conns.Live.Clients),
		Relayed:   conns.Live.Relayed,
		Malformed: conns.Live.Malformed,
		TakenAt:   time.Now(),
	}, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
