package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Default tunnel ports.
const (
	DefaultFirmwarePort = 12345
	DefaultDataPort     = 12346
)

// Command is a decoded WebSocket client frame. The concrete type is one of
// DirectSubscribe, DirectUnsubscribe, ConnectOTA, DisconnectOTA,
// FirmwareChunk, FirmwareCommand or Ignored.
type Command interface {
	CommandType() string
}

// DirectSubscribe adds a telemetry type to the session's filter set.
type DirectSubscribe struct {
	DataType string
}

// DirectUnsubscribe removes a telemetry type from the session's filter set.
type DirectUnsubscribe struct {
	DataType string
}

// ConnectOTA opens a tunnel to IPAddress:Port for RobotID.
type ConnectOTA struct {
	IPAddress string
	Port      int
	RobotID   string
}

// DisconnectOTA closes the tunnel resolved from RobotID or IPAddress:Port.
type DisconnectOTA struct {
	IPAddress string
	Port      int
	RobotID   string
}

// FirmwareChunk carries one base64 encoded slice of a firmware image.
type FirmwareChunk struct {
	RobotID      string
	TargetIP     string
	TargetPort   int
	BinaryFormat bool
	Data         string
	ChunkIndex   int
	TotalChunks  int
	// RawChunkIndex is the chunk_index exactly as sent, echoed in the ack.
	RawChunkIndex *int
}

// FirmwareCommand is any other firmware_* command.
type FirmwareCommand struct {
	Type       string
	RobotID    string
	TargetIP   string
	TargetPort int
}

// Ignored is a frame whose type is not understood.
type Ignored struct {
	Type string
}

func (DirectSubscribe) CommandType() string   { return TypeDirectSubscribe }
func (DirectUnsubscribe) CommandType() string { return TypeDirectUnsubscribe }
func (ConnectOTA) CommandType() string        { return TypeConnectOTA }
func (DisconnectOTA) CommandType() string     { return TypeDisconnectOTA }
func (FirmwareChunk) CommandType() string     { return TypeFirmwareChunk }
func (c FirmwareCommand) CommandType() string { return c.Type }
func (c Ignored) CommandType() string         { return c.Type }

// Decode decodes the bytes of a binary_format firmware chunk.
func (c FirmwareChunk) Decode() ([]byte, error) {
	if c.Data == "" {
		return nil, fmt.Errorf("empty chunk data")
	}
	b, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %d: %w", c.ChunkIndex, err)
	}
	return b, nil
}

// InvalidCommand is a known command whose fields could not be read, such
// as a port sent as a non-numeric string. It is answered with an error
// acknowledgment of the command's response type.
type InvalidCommand struct {
	Type   string
	Reason string
	// ChunkIndex is the chunk_index of a rejected firmware_chunk, when it
	// could be read.
	ChunkIndex *int
}

func (c InvalidCommand) CommandType() string { return c.Type }

// ResponseType returns the acknowledgment type a command of cmdType is
// answered with. Types without an acknowledgment map to TypeError.
func ResponseType(cmdType string) string {
	switch {
	case cmdType == TypeDirectSubscribe, cmdType == TypeDirectUnsubscribe:
		return TypeDirectSubscriptionResponse
	case cmdType == TypeConnectOTA, cmdType == TypeDisconnectOTA:
		return TypeOTAConnectionResponse
	case strings.HasPrefix(cmdType, FirmwarePrefix):
		return TypeFirmwareResponse
	}
	return TypeError
}

// DecodeCommand parses a client frame into its Command variant. Only
// malformed JSON is an error; unknown types decode to Ignored and known
// types with unreadable fields decode to InvalidCommand.
func DecodeCommand(data []byte) (Command, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	f := fields{m: m}
	typ := StringField(m, "type")

	var cmd Command
	switch typ {
	case TypeDirectSubscribe:
		cmd = DirectSubscribe{DataType: f.str("data_type")}
	case TypeDirectUnsubscribe:
		cmd = DirectUnsubscribe{DataType: f.str("data_type")}
	case TypeConnectOTA:
		cmd = ConnectOTA{
			IPAddress: f.str("ip_address"),
			Port:      intOr(f.integer("port"), DefaultFirmwarePort),
			RobotID:   f.str("robot_id"),
		}
	case TypeDisconnectOTA:
		cmd = DisconnectOTA{
			IPAddress: f.str("ip_address"),
			Port:      intOr(f.integer("port"), DefaultFirmwarePort),
			RobotID:   f.str("robot_id"),
		}
	case TypeFirmwareChunk:
		index := f.integer("chunk_index")
		cmd = FirmwareChunk{
			RobotID:       f.str("robot_id"),
			TargetIP:      f.str("target_ip"),
			TargetPort:    intOr(f.integer("target_port"), DefaultFirmwarePort),
			BinaryFormat:  f.boolean("binary_format"),
			Data:          f.str("data"),
			ChunkIndex:    intOr(index, -1),
			TotalChunks:   intOr(f.integer("total_chunks"), -1),
			RawChunkIndex: index,
		}
		if len(f.bad) > 0 {
			return InvalidCommand{Type: typ, Reason: f.reason(), ChunkIndex: index}, nil
		}
	default:
		if strings.HasPrefix(typ, FirmwarePrefix) {
			return FirmwareCommand{
				Type:       typ,
				RobotID:    f.str("robot_id"),
				TargetIP:   f.str("target_ip"),
				TargetPort: intOr(f.integer("target_port"), DefaultFirmwarePort),
			}, nil
		}
		return Ignored{Type: typ}, nil
	}

	if len(f.bad) > 0 {
		return InvalidCommand{Type: typ, Reason: f.reason()}, nil
	}
	return cmd, nil
}

// StringField returns m[key] as a string. Numbers are returned in their
// literal form; anything else yields "".
func StringField(m map[string]json.RawMessage, key string) string {
	s, _ := asString(m[key])
	return s
}

// fields reads typed values out of a decoded frame and remembers the keys
// whose values had the wrong JSON type. Absent and null values are unset.
type fields struct {
	m   map[string]json.RawMessage
	bad []string
}

func (f *fields) raw(key string) (json.RawMessage, bool) {
	raw, ok := f.m[key]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil, false
	}
	return raw, true
}

func (f *fields) str(key string) string {
	raw, ok := f.raw(key)
	if !ok {
		return ""
	}
	s, ok := asString(raw)
	if !ok {
		f.bad = append(f.bad, key)
	}
	return s
}

// integer accepts JSON integers and strings holding an integer.
func (f *fields) integer(key string) *int {
	raw, ok := f.raw(key)
	if !ok {
		return nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return &n
		}
	}
	f.bad = append(f.bad, key)
	return nil
}

// boolean accepts JSON booleans and the strings "true" and "false".
func (f *fields) boolean(key string) bool {
	raw, ok := f.raw(key)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	f.bad = append(f.bad, key)
	return false
}

func (f *fields) reason() string {
	return "Invalid value for " + strings.Join(f.bad, ", ")
}

func asString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
