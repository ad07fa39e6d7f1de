package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// dialTimeout bounds the WebSocket handshake.
	dialTimeout = 10 * time.Second

	// eventBufferSize is the inbound event channel depth. Audio deltas are
	// small and drained every pump tick, so a shallow buffer suffices.
	eventBufferSize = 256

	writeTimeout = 5 * time.Second
)

// Config holds the AI endpoint credentials and voice tuning.
type Config struct {
	URL          string
	APIKey       string
	Voice        string
	Instructions string

	// Server-side voice activity detection tuning.
	VADThreshold      float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// Client is one call's WebSocket connection to the AI service. A reader
// goroutine parses inbound events onto a bounded channel; the call session
// drains that channel from its pump loop, preserving non-blocking poll
// semantics without spinning on the socket.
type Client struct {
	conn   *websocket.Conn
	events chan Event

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	readErr   atomic.Value // error
}

// Dial connects and starts the reader. The returned client is ready for
// SendSessionUpdate.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("dial AI endpoint (status %d): %w", status, err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event, eventBufferSize),
	}
	go c.readLoop()
	return c, nil
}

// readLoop parses inbound messages until the connection dies, then closes
// the event channel so the pump loop observes the failure.
func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.readErr.Store(err)
				slog.Debug("[AI] Read loop ended", "error", err)
			}
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			// Malformed event: drop it, the stream itself is still healthy.
			slog.Warn("[AI] Dropping malformed event", "error", err)
			continue
		}

		select {
		case c.events <- ev:
		default:
			// Consumer has stalled; dropping is better than blocking the
			// socket reader behind it.
			slog.Warn("[AI] Event buffer full, dropping event")
		}
	}
}

// Events returns the inbound event channel. It is closed when the
// connection fails or the client is closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Err returns the read-side failure, if any.
func (c *Client) Err() error {
	if err, ok := c.readErr.Load().(error); ok {
		return err
	}
	return nil
}

// SendSessionUpdate configures the session: audio formats, voice, and
// server-side voice activity detection. Sent once, immediately after dial.
func (c *Client) SendSessionUpdate(cfg Config) error {
	update := sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMS:   cfg.PrefixPaddingMS,
				SilenceDurationMS: cfg.SilenceDurationMS,
			},
		},
	}
	return c.writeJSON(update)
}

// AppendAudio forwards one chunk of PCM16@24k caller audio.
func (c *Client) AppendAudio(pcm []byte) error {
	msg := audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	return c.writeJSON(msg)
}

func (c *Client) writeJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("ai connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close shuts the connection down. Safe to call multiple times and from
// any error path.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
	return nil
}
