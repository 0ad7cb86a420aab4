package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/omnilab/robobridge/internal/ota"
	"github.com/omnilab/robobridge/internal/registry"
	"github.com/omnilab/robobridge/pkg/protocol"
)

// Handler returns the subscriber endpoint. Only /ws/{robotID} is served.
func (b *Bridge) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/{robotID}", b.HandleWS)
	return r
}

// HandleWS upgrades a subscriber connection for the robot named in the path
// and serves its commands until it disconnects.
func (b *Bridge) HandleWS(w http.ResponseWriter, req *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(req, "robotID"))
	if err != nil {
		http.NotFound(w, req)
		return
	}
	robotID := registry.Normalize(raw)
	if robotID == "" {
		http.NotFound(w, req)
		return
	}

	conn, err := b.upgrader.Upgrade(w, req, nil)
	if err != nil {
		b.logger.Warn("subscriber websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(b.opts.MaxClientMessageBytes)

	c := &wsClient{
		id:          uuid.New().String(),
		robotID:     robotID,
		remote:      req.RemoteAddr,
		connectedAt: time.Now(),
		conn:        conn,
		limiter:     rate.NewLimiter(rate.Limit(b.opts.ClientMsgRate), b.opts.ClientMsgBurst),
		session:     &session{subscriptions: make(map[string]struct{})},
		send:        make(chan []byte, b.opts.SendQueueSize),
		done:        make(chan struct{}),
	}
	logger := b.logger.With("robot_id", robotID, "conn_id", c.id)

	b.registry.AddWebSocket(robotID, c)
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	defer func() {
		b.registry.RemoveWebSocket(robotID, c)
		b.mu.Lock()
		delete(b.clients, c.id)
		b.mu.Unlock()
		c.close()
		logger.Info("subscriber disconnected")
	}()

	c.startKeepalive()
	go c.writePump(b.opts.WriteTimeout)

	logger.Info("subscriber connected", "remote", req.RemoteAddr)

	ctx := req.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("subscriber read error", "error", err)
			return
		}
		// Any message resets the read deadline.
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		cmd, err := protocol.DecodeCommand(msg)
		if err != nil {
			logger.Warn("invalid JSON from subscriber", "error", err)
			continue
		}

		if !c.limiter.Allow() {
			logger.Debug("subscriber command rate limited", "type", cmd.CommandType())
			b.rejectCommand(c, cmd, "rate limit exceeded", logger)
			continue
		}

		b.dispatch(ctx, c, cmd, logger)
	}
}

func (b *Bridge) dispatch(ctx context.Context, c *wsClient, cmd protocol.Command, logger *slog.Logger) {
	switch cmd := cmd.(type) {
	case protocol.DirectSubscribe:
		b.handleSubscription(c, cmd.DataType, true, logger)

	case protocol.DirectUnsubscribe:
		b.handleSubscription(c, cmd.DataType, false, logger)

	case protocol.ConnectOTA:
		b.handleConnectOTA(ctx, c, cmd, logger)

	case protocol.DisconnectOTA:
		b.handleDisconnectOTA(c, cmd, logger)

	case protocol.FirmwareChunk:
		if !cmd.BinaryFormat {
			logger.Debug("firmware chunk without binary_format, ignoring", "chunk_index", cmd.ChunkIndex)
			return
		}
		b.handleFirmwareChunk(c, cmd, logger)

	case protocol.FirmwareCommand:
		logger.Debug("firmware command has no handler", "type", cmd.Type)

	case protocol.InvalidCommand:
		logger.Warn("invalid subscriber command", "type", cmd.Type, "reason", cmd.Reason)
		b.rejectCommand(c, cmd, cmd.Reason, logger)

	case protocol.Ignored:
		logger.Debug("ignoring subscriber message", "type", cmd.Type)
	}
}

// rejectCommand answers cmd with an error acknowledgment of its own
// response type.
func (b *Bridge) rejectCommand(c *wsClient, cmd protocol.Command, msg string, logger *slog.Logger) {
	switch protocol.ResponseType(cmd.CommandType()) {
	case protocol.TypeDirectSubscriptionResponse:
		b.reply(c, logger, protocol.SubscriptionResponse{
			Type:      protocol.TypeDirectSubscriptionResponse,
			Status:    protocol.StatusError,
			RobotID:   c.robotID,
			Message:   msg,
			Timestamp: protocol.Now(),
		})
	case protocol.TypeOTAConnectionResponse:
		b.reply(c, logger, protocol.OTAConnectionResponse{
			Type:      protocol.TypeOTAConnectionResponse,
			Status:    protocol.StatusError,
			Message:   msg,
			Timestamp: protocol.Now(),
		})
	case protocol.TypeFirmwareResponse:
		var index *int
		switch cmd := cmd.(type) {
		case protocol.FirmwareChunk:
			index = cmd.RawChunkIndex
		case protocol.InvalidCommand:
			index = cmd.ChunkIndex
		}
		b.reply(c, logger, protocol.FirmwareResponse{
			Type:       protocol.TypeFirmwareResponse,
			Status:     protocol.StatusError,
			ChunkIndex: index,
			Message:    msg,
			Timestamp:  protocol.Now(),
		})
	default:
		b.reply(c, logger, protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Status:  protocol.StatusError,
			Message: msg,
		})
	}
}

func (b *Bridge) handleSubscription(c *wsClient, dataType string, subscribe bool, logger *slog.Logger) {
	if dataType == "" {
		b.reply(c, logger, protocol.SubscriptionResponse{
			Type:      protocol.TypeDirectSubscriptionResponse,
			Status:    protocol.StatusError,
			RobotID:   c.robotID,
			Message:   "Missing data_type",
			Timestamp: protocol.Now(),
		})
		return
	}

	status := protocol.StatusSuccess
	if subscribe {
		c.session.subscribe(dataType)
	} else {
		c.session.unsubscribe(dataType)
		status = protocol.StatusUnsubscribed
	}
	logger.Debug("direct subscription changed", "data_type", dataType, "status", status)

	b.reply(c, logger, protocol.SubscriptionResponse{
		Type:      protocol.TypeDirectSubscriptionResponse,
		Status:    status,
		DataType:  dataType,
		RobotID:   c.robotID,
		Timestamp: protocol.Now(),
	})
}

func (b *Bridge) handleConnectOTA(ctx context.Context, c *wsClient, cmd protocol.ConnectOTA, logger *slog.Logger) {
	robotID := registry.Normalize(cmd.RobotID)
	if cmd.IPAddress == "" || robotID == "" {
		b.reply(c, logger, protocol.OTAConnectionResponse{
			Type:      protocol.TypeOTAConnectionResponse,
			Status:    protocol.StatusError,
			Message:   "Missing IP address or robot_id",
			Timestamp: protocol.Now(),
		})
		return
	}

	label := protocol.ChannelFor(cmd.Port)
	if !b.tunnels.Connect(ctx, cmd.IPAddress, cmd.Port, robotID) {
		b.reply(c, logger, protocol.OTAConnectionResponse{
			Type:      protocol.TypeOTAConnectionResponse,
			Status:    protocol.StatusError,
			RobotID:   robotID,
			Message:   fmt.Sprintf("Could not connect to %s at %s", label, ota.AddrKey(cmd.IPAddress, cmd.Port)),
			Timestamp: protocol.Now(),
		})
		return
	}

	b.reply(c, logger, protocol.OTAConnectionResponse{
		Type:      protocol.TypeOTAConnectionResponse,
		Status:    protocol.StatusConnected,
		RobotID:   robotID,
		IPAddress: cmd.IPAddress,
		Port:      cmd.Port,
		OTAType:   label,
		Timestamp: protocol.Now(),
	})
}

func (b *Bridge) handleDisconnectOTA(c *wsClient, cmd protocol.DisconnectOTA, logger *slog.Logger) {
	robotID := registry.Normalize(cmd.RobotID)
	if robotID == "" && cmd.IPAddress == "" {
		b.reply(c, logger, protocol.OTAConnectionResponse{
			Type:      protocol.TypeOTAConnectionResponse,
			Status:    protocol.StatusError,
			Message:   "Missing robot_id or IP address",
			Timestamp: protocol.Now(),
		})
		return
	}

	b.tunnels.Disconnect(robotID, cmd.IPAddress, cmd.Port)
	b.reply(c, logger, protocol.OTAConnectionResponse{
		Type:      protocol.TypeOTAConnectionResponse,
		Status:    protocol.StatusDisconnected,
		RobotID:   robotID,
		Timestamp: protocol.Now(),
	})
}

func (b *Bridge) handleFirmwareChunk(c *wsClient, cmd protocol.FirmwareChunk, logger *slog.Logger) {
	fail := func(msg string) {
		b.reply(c, logger, protocol.FirmwareResponse{
			Type:       protocol.TypeFirmwareResponse,
			Status:     protocol.StatusError,
			ChunkIndex: cmd.RawChunkIndex,
			Message:    msg,
			Timestamp:  protocol.Now(),
		})
	}

	data, err := cmd.Decode()
	if err != nil {
		logger.Warn("firmware chunk decode failed", "chunk_index", cmd.ChunkIndex, "error", err)
		fail(fmt.Sprintf("Error processing firmware chunk: %v", err))
		return
	}
	logger.Debug("firmware chunk", "chunk", cmd.ChunkIndex+1, "total", cmd.TotalChunks, "bytes", len(data))

	b.dumpChunk(cmd.ChunkIndex, data, logger)

	t := b.tunnels.GetConnection(registry.Normalize(cmd.RobotID), cmd.TargetIP, cmd.TargetPort)
	if t == nil {
		fail(ota.ErrNoTunnel.Error())
		return
	}
	if _, err := t.Write(data); err != nil {
		logger.Error("firmware tunnel write failed", "addr", t.Key(), "error", err)
		b.tunnels.Drop(t)
		fail(fmt.Sprintf("Error writing firmware chunk: %v", err))
		return
	}

	b.reply(c, logger, protocol.FirmwareResponse{
		Type:       protocol.TypeFirmwareResponse,
		Status:     protocol.StatusSuccess,
		ChunkIndex: cmd.RawChunkIndex,
		Timestamp:  protocol.Now(),
	})
}

// dumpChunk keeps chunk 0 and every Nth chunk on disk for inspection.
func (b *Bridge) dumpChunk(index int, data []byte, logger *slog.Logger) {
	if b.opts.ChunkDumpDir == "" || index < 0 || index%b.opts.ChunkDumpEvery != 0 {
		return
	}
	if err := os.MkdirAll(b.opts.ChunkDumpDir, 0o755); err != nil {
		logger.Warn("create chunk dump dir", "error", err)
		return
	}
	path := filepath.Join(b.opts.ChunkDumpDir, fmt.Sprintf("chunk_%d.bin", index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Warn("dump firmware chunk", "path", path, "error", err)
		return
	}
	logger.Info("saved firmware chunk for inspection", "chunk_index", index, "path", path)
}

func (b *Bridge) reply(c *wsClient, logger *slog.Logger, v any) {
	if err := c.reply(v, b.opts.WriteTimeout); err != nil {
		logger.Warn("subscriber reply failed", "error", err)
	}
}
