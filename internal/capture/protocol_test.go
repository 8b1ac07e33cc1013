package capture

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeCommand(t *testing.T) {
	line, err := EncodeCommand(CommandStopRecording, "id-1", map[string]string{"sessionId": "s-1"})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	if !bytes.HasPrefix(line, []byte(FramePrefix)) {
		t.Errorf("line = %q, want prefix %q", line, FramePrefix)
	}
	if line[len(line)-1] != '\n' {
		t.Errorf("line = %q, want trailing newline", line)
	}
	if bytes.Count(line, []byte("\n")) != 1 {
		t.Errorf("line = %q, want exactly one newline", line)
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if cmd.Name != CommandStopRecording || cmd.ID != "id-1" {
		t.Errorf("command = %s/%s, want %s/id-1", cmd.Name, cmd.ID, CommandStopRecording)
	}

	var params map[string]string
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params["sessionId"] != "s-1" {
		t.Errorf("sessionId = %q, want s-1", params["sessionId"])
	}
}

func TestEncodeCommand_NilParams(t *testing.T) {
	line, err := EncodeCommand(CommandGetChannels, "id-2", nil)
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	cmd, err := ParseCommand(line)
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if string(cmd.Params) != "{}" {
		t.Errorf("params = %s, want {}", cmd.Params)
	}
}

func TestEncodeCommand_Unencodable(t *testing.T) {
	if _, err := EncodeCommand("x", "id", map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("EncodeCommand() error = nil, want error")
	}
}

func TestParseCommand_MissingPrefix(t *testing.T) {
	if _, err := ParseCommand([]byte(`{"command":"init"}`)); err == nil {
		t.Error("ParseCommand() error = nil, want error")
	}
}

func TestDecodeFrame_Response(t *testing.T) {
	frame, err := DecodeFrame([]byte(`  videodb_recorder|{"type":"response","commandId":"c1","status":"success","result":{"ok":true}}` + "\r\n"))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	resp, ok := frame.(Response)
	if !ok {
		t.Fatalf("frame = %T, want Response", frame)
	}
	if resp.CommandID != "c1" {
		t.Errorf("CommandID = %q, want c1", resp.CommandID)
	}
	if !resp.OK() {
		t.Error("OK() = false, want true")
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Errorf("Result = %s, want {\"ok\":true}", resp.Result)
	}
}

func TestDecodeFrame_Event(t *testing.T) {
	body := `{"type":"event","event":"recording:started","data":{"session":"s-1"}}`
	frame, err := DecodeFrame([]byte(FramePrefix + body))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	ev, ok := frame.(Event)
	if !ok {
		t.Fatalf("frame = %T, want Event", frame)
	}
	if ev.Name != "recording:started" {
		t.Errorf("Name = %q, want recording:started", ev.Name)
	}
	if string(ev.Payload) != body {
		t.Errorf("Payload = %s, want whole frame %s", ev.Payload, body)
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("ReceivedAt is zero")
	}
}

func TestDecodeFrame_NoPrefix(t *testing.T) {
	for _, line := range []string{"", "starting recorder v1.2", `{"type":"response"}`} {
		frame, err := DecodeFrame([]byte(line))
		if err != nil || frame != nil {
			t.Errorf("DecodeFrame(%q) = %v, %v, want nil, nil", line, frame, err)
		}
	}
}

func TestDecodeFrame_InvalidJSON(t *testing.T) {
	if _, err := DecodeFrame([]byte(FramePrefix + `{"type":`)); err == nil {
		t.Error("DecodeFrame() error = nil, want error")
	}
}

func TestDecodeFrame_UnknownType(t *testing.T) {
	frame, err := DecodeFrame([]byte(FramePrefix + `{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	u, ok := frame.(Unrecognized)
	if !ok {
		t.Fatalf("frame = %T, want Unrecognized", frame)
	}
	if u.Type != "heartbeat" {
		t.Errorf("Type = %q, want heartbeat", u.Type)
	}
}

func TestDecodeFrame_CorruptMiddleLine(t *testing.T) {
	stream := strings.Join([]string{
		FramePrefix + `{"type":"event","event":"a"}`,
		FramePrefix + `{not json`,
		FramePrefix + `{"type":"event","event":"c"}`,
	}, "\n")

	var names []string
	var errs int
	scanner := newScanner(strings.NewReader(stream))
	for scanner.Scan() {
		frame, err := DecodeFrame(scanner.Bytes())
		if err != nil {
			errs++
			continue
		}
		names = append(names, frame.(Event).Name)
	}

	if errs != 1 {
		t.Errorf("decode errors = %d, want 1", errs)
	}
	if strings.Join(names, ",") != "a,c" {
		t.Errorf("events = %v, want [a c]", names)
	}
}

func TestNewScanner_LargeFrame(t *testing.T) {
	big := FramePrefix + `{"type":"event","event":"big","blob":"` + strings.Repeat("x", 200*1024) + `"}`
	scanner := newScanner(strings.NewReader(big + "\n"))
	if !scanner.Scan() {
		t.Fatalf("Scan() = false, err = %v", scanner.Err())
	}
	if len(scanner.Bytes()) != len(big) {
		t.Errorf("line length = %d, want %d", len(scanner.Bytes()), len(big))
	}
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		result string
		want   string
	}{
		{``, "Unknown error"},
		{`null`, "Unknown error"},
		{`"permission revoked"`, "permission revoked"},
		{`{"message":"no display"}`, "no display"},
		{`{"error":"busy"}`, "busy"},
		{`{"code":7}`, `{"code":7}`},
	}

	for _, tt := range tests {
		if got := failureMessage(json.RawMessage(tt.result)); got != tt.want {
			t.Errorf("failureMessage(%s) = %q, want %q", tt.result, got, tt.want)
		}
	}
}
