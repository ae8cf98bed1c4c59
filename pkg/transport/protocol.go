package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol frames are type-tagged JSON text messages. The client opens the
// stream with a setup frame, waits for setup_complete, and then exchanges
// audio_input/text_input frames for server_content frames until either side
// closes the socket.

// AudioFormat describes one direction of the audio stream.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// Setup is the first client frame on a fresh connection.
type Setup struct {
	Type         string      `json:"type"`
	Model        string      `json:"model"`
	Voice        string      `json:"voice,omitempty"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	AudioIn      AudioFormat `json:"audio_in"`
	AudioOut     AudioFormat `json:"audio_out"`
}

// SetupComplete is the server's handshake acknowledgement.
type SetupComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AudioInput carries one captured microphone frame upstream.
type AudioInput struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

// TextInput injects a text turn into the conversation.
type TextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerContent is the server's streaming response frame. Any subset of the
// fields may be populated on a given frame.
type ServerContent struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	AudioB64     string `json:"audio_b64,omitempty"`
	TurnComplete bool   `json:"turn_complete,omitempty"`
	Interrupted  bool   `json:"interrupted,omitempty"`
}

// ErrorNotice is an in-band server error frame.
type ErrorNotice struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is a decoded inbound frame or a client-side connection lifecycle
// notification, delivered via Client.Events().
type Event interface {
	transportEventType() string
}

// ReadyEvent signals a completed handshake, both on the initial connection
// and after each successful reconnection.
type ReadyEvent struct {
	SessionID string
	Resumed   bool
}

func (e ReadyEvent) transportEventType() string { return "ready" }

// ContentEvent carries decoded server content. Audio is raw PCM bytes.
type ContentEvent struct {
	Text         string
	Audio        []byte
	TurnComplete bool
	Interrupted  bool
}

func (e ContentEvent) transportEventType() string { return "content" }

// ServerErrorEvent surfaces an in-band error frame.
type ServerErrorEvent struct {
	Code    string
	Message string
}

func (e ServerErrorEvent) transportEventType() string { return "server_error" }

// ReconnectingEvent is emitted before each reconnection attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

func (e ReconnectingEvent) transportEventType() string { return "reconnecting" }

// ClosedEvent is the final event on the channel. Err is nil on a clean
// client-initiated close.
type ClosedEvent struct {
	Err error
}

func (e ClosedEvent) transportEventType() string { return "closed" }

type unknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e unknownEvent) transportEventType() string { return e.Type }

// decodeServerFrame decodes one inbound text frame into an Event. Unknown
// frame types are preserved rather than rejected so newer servers can add
// frames without breaking older clients.
func decodeServerFrame(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("frame missing type")
	}

	switch typ {
	case "setup_complete":
		var ack SetupComplete
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("decode setup_complete: %w", err)
		}
		return ReadyEvent{SessionID: ack.SessionID}, nil
	case "server_content":
		var content ServerContent
		if err := json.Unmarshal(data, &content); err != nil {
			return nil, fmt.Errorf("decode server_content: %w", err)
		}
		event := ContentEvent{
			Text:         content.Text,
			TurnComplete: content.TurnComplete,
			Interrupted:  content.Interrupted,
		}
		if content.AudioB64 != "" {
			audio, err := base64.StdEncoding.DecodeString(content.AudioB64)
			if err != nil {
				return nil, fmt.Errorf("decode server_content audio: %w", err)
			}
			event.Audio = audio
		}
		return event, nil
	case "error":
		var notice ErrorNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return ServerErrorEvent{Code: notice.Code, Message: notice.Message}, nil
	default:
		return unknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
