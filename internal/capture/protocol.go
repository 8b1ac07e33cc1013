package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// FramePrefix tags every protocol line exchanged with the recorder:
//
//	videodb_recorder|{"command":"getChannels","commandId":"...","params":{}}
const FramePrefix = "videodb_recorder|"

const maxFrameBytes = 4 * 1024 * 1024

const (
	CommandInit              = "init"
	CommandGetChannels       = "getChannels"
	CommandStartRecording    = "startRecording"
	CommandStopRecording     = "stopRecording"
	CommandPauseTracks       = "pauseTracks"
	CommandResumeTracks      = "resumeTracks"
	CommandRequestPermission = "requestPermission"
	CommandShutdown          = "shutdown"
)

const (
	frameTypeResponse = "response"
	frameTypeEvent    = "event"
	statusSuccess     = "success"
)

type outboundCommand struct {
	Command   string `json:"command"`
	CommandID string `json:"commandId"`
	Params    any    `json:"params"`
}

// Command is a decoded outbound frame.
type Command struct {
	Name   string          `json:"command"`
	ID     string          `json:"commandId"`
	Params json.RawMessage `json:"params"`
}

// EncodeCommand renders one newline-terminated command frame. Nil params are
// sent as an empty object.
func EncodeCommand(name, id string, params any) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(outboundCommand{Command: name, CommandID: id, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}

	line := make([]byte, 0, len(FramePrefix)+len(body)+1)
	line = append(line, FramePrefix...)
	line = append(line, body...)
	return append(line, '\n'), nil
}

// ParseCommand decodes a command frame written by EncodeCommand.
func ParseCommand(line []byte) (Command, error) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte(FramePrefix)) {
		return Command{}, fmt.Errorf("missing %q prefix", FramePrefix)
	}
	var cmd Command
	if err := json.Unmarshal(line[len(FramePrefix):], &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

// Frame is a decoded inbound message: Response, Event or Unrecognized.
type Frame interface {
	isFrame()
}

// Response answers the command with the same CommandID.
type Response struct {
	CommandID string
	Status    string
	Result    json.RawMessage
}

// Event is an asynchronous recorder notification. Payload is the whole
// frame object; Name is its "event" field when present.
type Event struct {
	Name       string          `json:"event,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Unrecognized is a well-formed frame with an unknown type.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (Response) isFrame()     {}
func (Event) isFrame()        {}
func (Unrecognized) isFrame() {}

func (r Response) OK() bool { return r.Status == statusSuccess }

type inboundEnvelope struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	Event     string          `json:"event"`
}

// DecodeFrame decodes one line of recorder output. Lines without the frame
// prefix are not protocol traffic: DecodeFrame returns a nil Frame and a nil
// error for them. A prefixed line with invalid JSON returns an error.
func DecodeFrame(line []byte) (Frame, error) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte(FramePrefix)) {
		return nil, nil
	}
	body := line[len(FramePrefix):]

	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode recorder frame: %w", err)
	}

	switch env.Type {
	case frameTypeResponse:
		return Response{CommandID: env.CommandID, Status: env.Status, Result: env.Result}, nil
	case frameTypeEvent:
		return Event{
			Name:       env.Event,
			Payload:    append(json.RawMessage(nil), body...),
			ReceivedAt: time.Now().UTC(),
		}, nil
	default:
		return Unrecognized{Type: env.Type, Raw: append(json.RawMessage(nil), body...)}, nil
	}
}

// failureMessage extracts the text of a non-success result: a JSON string,
// or the message/error field of an object, or the raw JSON.
func failureMessage(result json.RawMessage) string {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "Unknown error"
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return string(trimmed)
}

// newScanner returns a line scanner sized for large recorder frames.
func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return scanner
}
