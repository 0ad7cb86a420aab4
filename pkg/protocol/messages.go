// Package protocol defines the wire messages exchanged between robots, the
// bridge and WebSocket clients.
//
// Robots speak newline-delimited JSON over TCP. WebSocket clients send JSON
// command frames and receive relayed telemetry plus one acknowledgment per
// command. Every frame carries a "type" field that selects its shape.
package protocol

import (
	"encoding/json"
	"time"
)

// --- Message type constants ---

const (
	// Robot → bridge (TCP)
	TypeRegistration = "registration"

	// Bridge → robot (TCP)
	TypeRegistrationResponse = "registration_response"
	TypeError                = "error"

	// Client → bridge (WebSocket)
	TypeDirectSubscribe   = "direct_subscribe"
	TypeDirectUnsubscribe = "direct_unsubscribe"
	TypeConnectOTA        = "connect_ota0"
	TypeDisconnectOTA     = "disconnect_ota0"
	TypeFirmwareChunk     = "firmware_chunk"

	// Bridge → client (WebSocket)
	TypeDirectSubscriptionResponse = "direct_subscription_response"
	TypeOTAConnectionResponse      = "ota0_connection_response"
	TypeFirmwareResponse           = "firmware_response"

	// FirmwarePrefix marks the firmware command family.
	FirmwarePrefix = "firmware_"
)

// Acknowledgment status values.
const (
	StatusSuccess      = "success"
	StatusFailed       = "failed"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusUnsubscribed = "unsubscribed"
	StatusError        = "error"
)

// --- Robot ↔ bridge messages ---

// Registration is the first line a robot must send after connecting.
type Registration struct {
	Type    string `json:"type"`
	RobotID string `json:"robot_id"`
}

// RegistrationResponse acknowledges a registration attempt.
type RegistrationResponse struct {
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	RobotID    string  `json:"robot_id,omitempty"`
	ServerTime float64 `json:"server_time,omitempty"`
	ClientIP   string  `json:"client_ip,omitempty"`
	ClientPort int     `json:"client_port,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// ErrorMessage rejects a robot whose first line is not a registration.
type ErrorMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// --- Bridge → client acknowledgments ---

// SubscriptionResponse acknowledges direct_subscribe and direct_unsubscribe.
type SubscriptionResponse struct {
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	DataType  string  `json:"data_type"`
	RobotID   string  `json:"robot_id"`
	Message   string  `json:"message,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// OTAConnectionResponse acknowledges connect_ota0 and disconnect_ota0.
type OTAConnectionResponse struct {
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	RobotID   string  `json:"robot_id,omitempty"`
	IPAddress string  `json:"ip_address,omitempty"`
	Port      int     `json:"port,omitempty"`
	OTAType   string  `json:"ota_type,omitempty"`
	Message   string  `json:"message,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// FirmwareResponse acknowledges a firmware chunk.
type FirmwareResponse struct {
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	ChunkIndex *int    `json:"chunk_index,omitempty"`
	Message    string  `json:"message,omitempty"`
	Timestamp  float64 `json:"timestamp"`
}

// Timestamp returns t as fractional unix seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Now is Timestamp(time.Now()).
func Now() float64 {
	return Timestamp(time.Now())
}

// Encode marshals v and appends the newline the TCP framing requires.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
