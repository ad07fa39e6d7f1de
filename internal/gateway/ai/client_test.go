package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeRealtimeServer upgrades one connection and exposes what it received.
type fakeRealtimeServer struct {
	server   *httptest.Server
	messages chan map[string]any
	conns    chan *websocket.Conn
}

func newFakeRealtimeServer(t *testing.T) *fakeRealtimeServer {
	t.Helper()
	f := &fakeRealtimeServer{
		messages: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 1),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.messages <- msg
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRealtimeServer) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeRealtimeServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection reached the fake server")
		return nil
	}
}

func (f *fakeRealtimeServer) recv(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message reached the fake server")
		return nil
	}
}

func TestDialAndSessionUpdate(t *testing.T) {
	fake := newFakeRealtimeServer(t)

	client, err := Dial(context.Background(), Config{
		URL:          fake.url(),
		APIKey:       "test-key",
		Voice:        "alloy",
		Instructions: "be brief",
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer client.Close()

	update := Config{
		Voice:             "alloy",
		VADThreshold:      0.6,
		PrefixPaddingMS:   250,
		SilenceDurationMS: 700,
	}
	if err := client.SendSessionUpdate(update); err != nil {
		t.Fatalf("SendSessionUpdate() error: %v", err)
	}

	msg := fake.recv(t)
	if msg["type"] != "session.update" {
		t.Fatalf("first message type = %v, want session.update", msg["type"])
	}
	session, _ := msg["session"].(map[string]any)
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Errorf("session formats = %v", session)
	}
	td, _ := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v", td)
	}
	if td["threshold"] != 0.6 {
		t.Errorf("threshold = %v, want 0.6", td["threshold"])
	}
	if td["prefix_padding_ms"] != float64(250) {
		t.Errorf("prefix_padding_ms = %v, want 250", td["prefix_padding_ms"])
	}
	if td["silence_duration_ms"] != float64(700) {
		t.Errorf("silence_duration_ms = %v, want 700", td["silence_duration_ms"])
	}
}

func TestAppendAudio(t *testing.T) {
	fake := newFakeRealtimeServer(t)

	client, err := Dial(context.Background(), Config{URL: fake.url()})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	if err := client.AppendAudio(pcm); err != nil {
		t.Fatalf("AppendAudio() error: %v", err)
	}

	msg := fake.recv(t)
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("message type = %v", msg["type"])
	}
	audio, _ := msg["audio"].(string)
	decoded, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		t.Fatalf("audio field is not base64: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Errorf("decoded audio = %v, want %v", decoded, pcm)
	}
}

func TestEventsDelivered(t *testing.T) {
	fake := newFakeRealtimeServer(t)

	client, err := Dial(context.Background(), Config{URL: fake.url()})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	conn := fake.conn(t)
	delta, _ := json.Marshal(map[string]string{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}),
	})
	if err := conn.WriteMessage(websocket.TextMessage, delta); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-client.Events():
		audio, ok := ev.(AudioDeltaEvent)
		if !ok {
			t.Fatalf("event = %T, want AudioDeltaEvent", ev)
		}
		if len(audio.PCM) != 4 {
			t.Errorf("PCM length = %d, want 4", len(audio.PCM))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventsChannelClosesOnServerDisconnect(t *testing.T) {
	fake := newFakeRealtimeServer(t)

	client, err := Dial(context.Background(), Config{URL: fake.url()})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	conn := fake.conn(t)
	_ = conn.Close()

	select {
	case _, ok := <-client.Events():
		if ok {
			t.Fatal("expected channel close, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
	if client.Err() == nil {
		t.Error("Err() should report the read failure")
	}
}

func TestCloseIdempotent(t *testing.T) {
	fake := newFakeRealtimeServer(t)
	client, err := Dial(context.Background(), Config{URL: fake.url()})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if err := client.AppendAudio([]byte{0, 0}); err == nil {
		t.Error("AppendAudio() after Close should fail")
	}
}
