package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeCommand_Variants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"subscribe", `{"type":"direct_subscribe","data_type":"encoder"}`, TypeDirectSubscribe},
		{"unsubscribe", `{"type":"direct_unsubscribe","data_type":"encoder"}`, TypeDirectUnsubscribe},
		{"connect", `{"type":"connect_ota0","ip_address":"10.0.0.5","robot_id":"r1"}`, TypeConnectOTA},
		{"disconnect", `{"type":"disconnect_ota0","robot_id":"r1"}`, TypeDisconnectOTA},
		{"chunk", `{"type":"firmware_chunk","binary_format":true,"data":"AAE="}`, TypeFirmwareChunk},
		{"firmware other", `{"type":"firmware_begin"}`, "firmware_begin"},
		{"unknown", `{"type":"telemetry_query"}`, "telemetry_query"},
		{"no type", `{"foo":1}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.frame))
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			if cmd.CommandType() != tt.want {
				t.Errorf("expected type %q, got %q", tt.want, cmd.CommandType())
			}
		})
	}
}

func TestDecodeCommand_UnknownIsIgnored(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"mystery"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cmd.(Ignored); !ok {
		t.Errorf("expected Ignored, got %T", cmd)
	}

	cmd, _ = DecodeCommand([]byte(`{"type":"firmware_abort","robot_id":"r1"}`))
	fc, ok := cmd.(FirmwareCommand)
	if !ok {
		t.Fatalf("expected FirmwareCommand, got %T", cmd)
	}
	if fc.RobotID != "r1" || fc.TargetPort != DefaultFirmwarePort {
		t.Errorf("unexpected firmware command: %+v", fc)
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	if _, err := DecodeCommand([]byte(`{"type":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDecodeCommand_ConnectDefaultsPort(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"connect_ota0","ip_address":"10.0.0.5","robot_id":"r1"}`))
	if err != nil {
		t.Fatal(err)
	}
	c := cmd.(ConnectOTA)
	if c.Port != 12345 {
		t.Errorf("expected default port 12345, got %d", c.Port)
	}

	cmd, _ = DecodeCommand([]byte(`{"type":"connect_ota0","ip_address":"10.0.0.5","port":12346,"robot_id":"r1"}`))
	if p := cmd.(ConnectOTA).Port; p != 12346 {
		t.Errorf("expected port 12346, got %d", p)
	}
}

func TestFirmwareChunk_Decode(t *testing.T) {
	cmd, _ := DecodeCommand([]byte(`{"type":"firmware_chunk","binary_format":true,"data":"3q2+7w==","chunk_index":3,"total_chunks":9}`))
	fc := cmd.(FirmwareChunk)
	if fc.ChunkIndex != 3 || fc.TotalChunks != 9 {
		t.Errorf("unexpected indexes: %+v", fc)
	}
	b, err := fc.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "\xde\xad\xbe\xef" {
		t.Errorf("unexpected bytes %x", b)
	}

	cmd, _ = DecodeCommand([]byte(`{"type":"firmware_chunk","binary_format":true}`))
	fc = cmd.(FirmwareChunk)
	if fc.ChunkIndex != -1 || fc.RawChunkIndex != nil {
		t.Errorf("expected missing chunk_index to default to -1, got %+v", fc)
	}
	if _, err := fc.Decode(); err == nil {
		t.Error("expected error for empty data")
	}

	fc.Data = "not base64!"
	if _, err := fc.Decode(); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestChannelFor(t *testing.T) {
	if ChannelFor(12345) != "OTA0" || ChannelFor(12346) != "OTA1" || ChannelFor(80) != "Unknown" {
		t.Error("unexpected channel labels")
	}
}

func TestEncode_AppendsNewline(t *testing.T) {
	b, err := Encode(ErrorMessage{Type: TypeError, Status: StatusFailed, Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(b), "\n") {
		t.Fatalf("expected trailing newline, got %q", b)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "error" || m["status"] != "failed" {
		t.Errorf("unexpected payload %v", m)
	}
}

func TestDecodeCommand_CoercesFieldTypes(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"connect_ota0","ip_address":"10.0.0.5","port":"12346","robot_id":7}`))
	if err != nil {
		t.Fatal(err)
	}
	c, ok := cmd.(ConnectOTA)
	if !ok {
		t.Fatalf("expected ConnectOTA, got %T", cmd)
	}
	if c.Port != 12346 || c.RobotID != "7" {
		t.Errorf("unexpected coercion: %+v", c)
	}

	cmd, _ = DecodeCommand([]byte(`{"type":"firmware_chunk","binary_format":"true","data":"AAE=","chunk_index":"3","total_chunks":null}`))
	fc, ok := cmd.(FirmwareChunk)
	if !ok {
		t.Fatalf("expected FirmwareChunk, got %T", cmd)
	}
	if !fc.BinaryFormat || fc.ChunkIndex != 3 || fc.RawChunkIndex == nil || fc.TotalChunks != -1 {
		t.Errorf("unexpected coercion: %+v", fc)
	}

	cmd, _ = DecodeCommand([]byte(`{"type":"direct_subscribe","data_type":5}`))
	if s := cmd.(DirectSubscribe); s.DataType != "5" {
		t.Errorf("expected data_type 5, got %q", s.DataType)
	}
}

func TestDecodeCommand_InvalidFields(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		field string
	}{
		{"subscribe", `{"type":"direct_subscribe","data_type":{"a":1}}`, "data_type"},
		{"connect port", `{"type":"connect_ota0","ip_address":"10.0.0.5","port":"ota"}`, "port"},
		{"connect fractional port", `{"type":"connect_ota0","ip_address":"10.0.0.5","port":1.5}`, "port"},
		{"disconnect", `{"type":"disconnect_ota0","robot_id":[1]}`, "robot_id"},
		{"chunk index", `{"type":"firmware_chunk","binary_format":true,"chunk_index":"three"}`, "chunk_index"},
		{"binary format", `{"type":"firmware_chunk","binary_format":"yes"}`, "binary_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.frame))
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			inv, ok := cmd.(InvalidCommand)
			if !ok {
				t.Fatalf("expected InvalidCommand, got %T", cmd)
			}
			if !strings.Contains(inv.Reason, tt.field) {
				t.Errorf("expected reason to name %s, got %q", tt.field, inv.Reason)
			}
		})
	}
}

func TestDecodeCommand_InvalidChunkKeepsIndex(t *testing.T) {
	cmd, _ := DecodeCommand([]byte(`{"type":"firmware_chunk","binary_format":true,"chunk_index":4,"target_port":false}`))
	inv, ok := cmd.(InvalidCommand)
	if !ok {
		t.Fatalf("expected InvalidCommand, got %T", cmd)
	}
	if inv.ChunkIndex == nil || *inv.ChunkIndex != 4 {
		t.Errorf("expected chunk index 4, got %v", inv.ChunkIndex)
	}
	if inv.CommandType() != TypeFirmwareChunk {
		t.Errorf("unexpected command type %q", inv.CommandType())
	}
}

func TestDecodeCommand_NonObject(t *testing.T) {
	if _, err := DecodeCommand([]byte(`[1,2]`)); err == nil {
		t.Error("expected error for a non-object frame")
	}
	cmd, err := DecodeCommand([]byte(`null`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cmd.(Ignored); !ok {
		t.Errorf("expected Ignored for null, got %T", cmd)
	}
}

func TestResponseType(t *testing.T) {
	tests := map[string]string{
		TypeDirectSubscribe:   TypeDirectSubscriptionResponse,
		TypeDirectUnsubscribe: TypeDirectSubscriptionResponse,
		TypeConnectOTA:        TypeOTAConnectionResponse,
		TypeDisconnectOTA:     TypeOTAConnectionResponse,
		TypeFirmwareChunk:     TypeFirmwareResponse,
		"firmware_abort":      TypeFirmwareResponse,
		"mystery":             TypeError,
		"":                    TypeError,
	}
	for in, want := range tests {
		if got := ResponseType(in); got != want {
			t.Errorf("ResponseType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStringField(t *testing.T) {
	var m map[string]json.RawMessage
	_ = json.Unmarshal([]byte(`{"a":"x","n":42,"o":{},"b":true}`), &m)
	for key, want := range map[string]string{"a": "x", "n": "42", "o": "", "b": "", "z": ""} {
		if got := StringField(m, key); got != want {
			t.Errorf("StringField(%q) = %q, want %q", key, got, want)
		}
	}
}
