package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/meli/pkg/audio/pcm"
	"github.com/MrWong99/meli/pkg/provider/live"
	"github.com/MrWong99/meli/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
		return false
	}
	return true
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	readJSON(t, conn, &msg)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return msg
}

func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

func nextEvent(t *testing.T, s live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetupAndWaitsForAck(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		setupCh <- acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("k-123", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		Voice:        "Puck",
		Instructions: "be brief",
		Transcribe:   true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if key := <-keyCh; key != "k-123" {
		t.Errorf("api key = %q", key)
	}
	setup := (<-setupCh)["setup"].(map[string]any)
	if setup["model"] != "models/custom-model" {
		t.Errorf("model = %v", setup["model"])
	}
	gen := setup["generationConfig"].(map[string]any)
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != "Puck" {
		t.Errorf("voice = %v", voice)
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("inputAudioTranscription not requested")
	}
	if setup["systemInstruction"] == nil {
		t.Error("systemInstruction missing")
	}
}

func TestConnect_HandshakeRejected(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "bad key", "status": "PERMISSION_DENIED"}})
	})

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	var he *live.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("error = %v, want *HandshakeError", err)
	}
	var re *live.RemoteError
	if !errors.As(err, &re) || re.Message != "bad key" {
		t.Errorf("remote error = %v", re)
	}
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := newProvider(srv).Connect(ctx, live.SessionConfig{})
	var he *live.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("error = %v, want *HandshakeError", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	p := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1"))
	_, err := p.Connect(context.Background(), live.SessionConfig{})
	var he *live.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("error = %v, want *HandshakeError", err)
	}
}

func TestSendAudio_RealtimeInput(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg map[string]any
		if readJSON(t, conn, &msg) {
			got <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	chunk := pcm.EncodedChunk{Data: []byte{1, 2, 3, 4}, SampleRate: 16000}
	if err := sess.SendAudio(context.Background(), chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-got
	mc := msg["realtimeInput"].(map[string]any)["mediaChunks"].([]any)[0].(map[string]any)
	if mc["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %v", mc["mimeType"])
	}
	if mc["data"] != base64.StdEncoding.EncodeToString(chunk.Data) {
		t.Errorf("data = %v", mc["data"])
	}
}

func TestEvents_OrderedStream(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		audioPart := func(data string) map[string]any {
			return map[string]any{"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []any{
					map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": data}},
				}},
			}}
		}
		writeJSON(t, conn, audioPart("AAAA"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, audioPart("BBBB"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription":  map[string]any{"text": "hello"},
			"outputTranscription": map[string]any{"text": "hi there"},
			"turnComplete":        true,
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []live.EventType{
		live.EventAudio,
		live.EventInterrupted,
		live.EventAudio,
		live.EventTranscript,
		live.EventTranscript,
		live.EventTurnComplete,
	}
	var evs []live.Event
	for range want {
		evs = append(evs, nextEvent(t, sess))
	}
	for i, w := range want {
		if evs[i].Type != w {
			t.Fatalf("event %d = %v, want %v", i, evs[i].Type, w)
		}
	}
	if evs[0].Audio != "AAAA" || evs[0].SampleRate != 24000 {
		t.Errorf("first audio = %+v", evs[0])
	}
	if evs[2].Audio != "BBBB" {
		t.Errorf("post-interrupt audio = %q", evs[2].Audio)
	}
	if evs[3].Speaker != live.SpeakerUser || evs[3].Text != "hello" {
		t.Errorf("user transcript = %+v", evs[3])
	}
	if evs[4].Speaker != live.SpeakerModel || evs[4].Text != "hi there" {
		t.Errorf("model transcript = %+v", evs[4])
	}
}

func TestEvents_RemoteCloseEndsStream(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusGoingAway, "session expired")
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Type != live.EventClose {
		t.Fatalf("event = %v (%v), want CLOSE", ev.Type, ev.Err)
	}
	if ev.Code != int(websocket.StatusGoingAway) || ev.Reason != "session expired" {
		t.Errorf("close = %d %q", ev.Code, ev.Reason)
	}
	if _, ok := <-sess.Events(); ok {
		t.Error("events channel should be closed after CLOSE")
	}
	if err := sess.SendAudio(context.Background(), pcm.EncodedChunk{Data: []byte{0, 0}}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after remote close = %v, want ErrSessionClosed", err)
	}
}

func TestEvents_RemoteErrorMessage(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "boom"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Type != live.EventError || ev.Fatal {
		t.Fatalf("event = %+v, want non-fatal ERROR", ev)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	for range sess.Events() {
	}
	if err := sess.SendAudio(context.Background(), pcm.EncodedChunk{Data: []byte{0, 0}}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}
