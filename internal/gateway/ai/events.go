// Package ai implements the client side of the speech-to-speech service's
// bidirectional WebSocket protocol: PCM16 audio in both directions, JSON
// events, server-side voice activity detection.
package ai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event is the tagged union over the small set of server event types this
// gateway consumes. Everything else arrives as OtherEvent and is ignored.
type Event interface {
	eventType() string
}

// AudioDeltaEvent carries a chunk of PCM16@24k audio produced by the AI.
type AudioDeltaEvent struct {
	PCM []byte
}

func (AudioDeltaEvent) eventType() string { return "response.audio.delta" }

// ConversationStartedEvent signals that the conversation is live, either
// because the AI created a conversation item or detected caller speech.
// It drives the Ringing -> Active transition.
type ConversationStartedEvent struct {
	Trigger string
}

func (ConversationStartedEvent) eventType() string { return "conversation.started" }

// ResponseDoneEvent signals the AI finished a response turn.
type ResponseDoneEvent struct{}

func (ResponseDoneEvent) eventType() string { return "response.done" }

// ErrorEvent carries a protocol-level error reported by the service.
type ErrorEvent struct {
	Code    string
	Message string
}

func (ErrorEvent) eventType() string { return "error" }

// OtherEvent is any server event the gateway does not act on.
type OtherEvent struct {
	Type string
}

func (OtherEvent) eventType() string { return "other" }

// serverMessage is the wire shape shared by every inbound event; fields
// irrelevant to a given type are simply absent.
type serverMessage struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ParseEvent decodes one inbound JSON message into the tagged union. The
// JSON boundary is crossed exactly once, here.
func ParseEvent(data []byte) (Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch msg.Type {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, fmt.Errorf("decode audio delta: %w", err)
		}
		return AudioDeltaEvent{PCM: pcm}, nil

	case "conversation.item.created", "input_audio_buffer.speech_started":
		return ConversationStartedEvent{Trigger: msg.Type}, nil

	case "response.done":
		return ResponseDoneEvent{}, nil

	case "error":
		ev := ErrorEvent{}
		if msg.Error != nil {
			ev.Code = msg.Error.Code
			ev.Message = msg.Error.Message
		}
		return ev, nil

	default:
		return OtherEvent{Type: msg.Type}, nil
	}
}

// sessionUpdate is the one-shot session configuration message.
type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// audioAppend carries one frame of base64 PCM16 caller audio to the AI.
type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}
