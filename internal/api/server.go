// Package api serves the bridge's admin HTTP interface: health probes,
// robot and tunnel listings, telemetry queries and the address-based OTA
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/omnilab/robobridge/internal/bridge"
	"github.com/omnilab/robobridge/internal/config"
	"github.com/omnilab/robobridge/internal/forward"
	"github.com/omnilab/robobridge/internal/ota"
	"github.com/omnilab/robobridge/internal/registry"
	"github.com/omnilab/robobridge/internal/store"
	"github.com/omnilab/robobridge/internal/telemetry"
	"github.com/omnilab/robobridge/pkg/protocol"
)

// Deps are the components the API reads from and drives.
// Store, Writer and Forwarder may be nil.
type Deps struct {
	Registry  *registry.Registry
	Bridge    *bridge.Bridge
	Tunnels   *ota.Manager
	Store     store.Store
	Writer    *telemetry.Writer
	Forwarder *forward.Forwarder
}

// Server is the admin HTTP server.
type Server struct {
	deps      Deps
	cfg       *config.Config
	logger    *slog.Logger
	mux       *chi.Mux
	limiter   *rateLimiter
	startedAt time.Time
}

// NewServer creates the admin API server.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		deps:      deps,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		mux:       chi.NewRouter(),
		startedAt: time.Now(),
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 20
	}
	s.limiter = newRateLimiter(rps, burst)

	s.mux.Use(chimw.Recoverer)
	s.mux.Use(chimw.RealIP)
	s.mux.Use(securityHeadersMiddleware)
	s.mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))
	s.mux.Use(maxBodyMiddleware(cfg.Server.MaxBodyBytes))

	// Probes are not rate limited.
	s.mux.Get("/healthz", s.handleHealthz)
	s.mux.Get("/readyz", s.handleReadyz)

	s.mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(s.limiter))

		r.Get("/", s.handleStatusPage)
		r.Get("/robots-list", s.handleRobotsList)
		r.Get("/connections", s.handleConnections)
		r.Get("/db-stats", s.handleDBStats)
		r.Get("/ota/tunnels", s.handleTunnels)

		r.Post("/register", s.handleRegister)
		r.Post("/command/ip", s.handleCommandByIP)
		r.Post("/firmware/ip", s.handleFirmwareByIP)

		r.Post("/robots/{robotID}/command", s.handleRobotCommand)
		r.Get("/robots/{robotID}/telemetry", s.handleRobotTelemetry)
	})

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts rate limiter cleanup until ctx is done.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRobotsList(w http.ResponseWriter, r *http.Request) {
	robots := s.deps.Registry.AllKnownRobots()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": protocol.StatusSuccess,
		"robots": robots,
		"count":  len(robots),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	robots := s.deps.Registry.AllKnownRobots()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      protocol.StatusSuccess,
		"connections": robots,
		"count":       len(robots),
		"live":        s.deps.Bridge.Connections(),
		"timestamp":   protocol.Now(),
	})
}

func (s *Server) handleDBStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   protocol.StatusSuccess,
		"registry": s.deps.Registry.Stats(),
	}
	if s.deps.Writer != nil {
		resp["sink"] = s.deps.Writer.Stats()
	}
	if s.deps.Forwarder != nil {
		resp["forwarder"] = s.deps.Forwarder.Stats()
	}
	if s.deps.Store != nil {
		counts, err := s.deps.Store.CountTelemetry(r.Context())
		if err != nil {
			s.logger.Error("count telemetry", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		var total int64
		for _, n := range counts {
			total += n
		}
		resp["stored"] = counts
		resp["stored_total"] = total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels := s.deps.Tunnels.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  protocol.StatusSuccess,
		"tunnels": tunnels,
		"count":   len(tunnels),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RobotID string `json:"robot_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := registry.Normalize(req.RobotID)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, protocol.RegistrationResponse{
			Type:    protocol.TypeRegistrationResponse,
			Status:  protocol.StatusFailed,
			Message: "Missing robot_id",
		})
		return
	}

	ip, port := remoteHostPort(r)
	s.deps.Registry.SetAddress(id, registry.Address{IP: ip, Port: port})
	if s.deps.Store != nil {
		now := time.Now().UTC()
		if err := s.deps.Store.UpsertRobot(r.Context(), &store.Robot{ID: id, IP: ip, Port: port, FirstSeen: now, LastSeen: now}); err != nil {
			s.logger.Warn("persist http registration", "robot_id", id, "error", err)
		}
	}
	s.logger.Info("robot registered over http", "robot_id", id, "ip", ip)

	writeJSON(w, http.StatusOK, protocol.RegistrationResponse{
		Type:       protocol.TypeRegistrationResponse,
		Status:     protocol.StatusSuccess,
		RobotID:    id,
		ServerTime: protocol.Now(),
		ClientIP:   ip,
		ClientPort: port,
		Message:    "Registration successful",
	})
}

func (s *Server) handleCommandByIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP      string `json:"ip"`
		Port    int    `json:"port"`
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "Missing ip or command")
		return
	}
	if req.Port == 0 {
		req.Port = s.commandPort()
	}

	if err := s.deps.Tunnels.SendCommand(r.Context(), req.IP, req.Port, req.Command); err != nil {
		s.logger.Warn("command by address failed", "addr", ota.AddrKey(req.IP, req.Port), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  protocol.StatusSuccess,
		"message": "Command sent to " + ota.AddrKey(req.IP, req.Port),
	})
}

func (s *Server) handleFirmwareByIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP           string `json:"ip"`
		Port         int    `json:"port"`
		FirmwareData *struct {
			Data string `json:"data"`
		} `json:"firmware_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" || req.FirmwareData == nil || req.FirmwareData.Data == "" {
		writeError(w, http.StatusBadRequest, "Missing ip or firmware_data in request")
		return
	}
	if req.Port == 0 {
		req.Port = s.firmwarePort()
	}

	chunk := protocol.FirmwareChunk{Data: req.FirmwareData.Data}
	data, err := chunk.Decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Bridge.SendFirmwareByAddress(r.Context(), req.IP, req.Port, data); err != nil {
		s.logger.Warn("firmware by address failed", "addr", ota.AddrKey(req.IP, req.Port), "error", err)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  protocol.StatusSuccess,
		"message": "Firmware chunk sent successfully",
	})
}

func (s *Server) handleRobotCommand(w http.ResponseWriter, r *http.Request) {
	robotID := registry.Normalize(chi.URLParam(r, "robotID"))
	var msg json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || len(msg) == 0 || msg[0] != '{' {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	if err := s.deps.Bridge.SendToRobot(robotID, msg); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			writeError(w, http.StatusNotFound, "robot not connected")
			return
		}
		s.logger.Warn("send to robot failed", "robot_id", robotID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   protocol.StatusSuccess,
		"robot_id": robotID,
	})
}

func (s *Server) handleRobotTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	robotID := registry.Normalize(chi.URLParam(r, "robotID"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.deps.Store.ListTelemetry(r.Context(), robotID, r.URL.Query().Get("type"), limit)
	if err != nil {
		s.logger.Error("list telemetry", "robot_id", robotID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []store.TelemetryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   protocol.StatusSuccess,
		"robot_id": robotID,
		"records":  records,
		"count":    len(records),
	})
}

func (s *Server) commandPort() int {
	if s.cfg.OTA.CommandPort > 0 {
		return s.cfg.OTA.CommandPort
	}
	return protocol.DefaultDataPort
}

func (s *Server) firmwarePort() int {
	if s.cfg.OTA.DefaultPort > 0 {
		return s.cfg.OTA.DefaultPort
	}
	return protocol.DefaultFirmwarePort
}

func remoteHostPort(r *http.Request) (string, int) {
	ip := clientIP(r)
	_, p, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ip, 0
	}
	port, _ := strconv.Atoi(p)
	return ip, port
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": protocol.StatusError, "error": msg})
}
