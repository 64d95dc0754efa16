package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/meli/pkg/audio/pcm"
	"github.com/MrWong99/meli/pkg/provider/live"
	"github.com/MrWong99/meli/pkg/provider/live/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

// acceptSession consumes session.update and acknowledges it.
func acceptSession(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	readJSON(t, conn, &msg)
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
	return msg
}

func connect(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.Session {
	t.Helper()
	sess, err := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)), openai.WithModel("rt-model")).
		Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
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

func TestConnect_SessionUpdate(t *testing.T) {
	t.Parallel()

	type seen struct {
		auth, beta, model string
		msg               map[string]any
	}
	got := make(chan seen, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		s := seen{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		s.msg = acceptSession(t, conn)
		got <- s
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, live.SessionConfig{Voice: "alloy", Instructions: "short answers", Transcribe: true})

	s := <-got
	if s.auth != "Bearer sk-test" || s.beta != "realtime=v1" || s.model != "rt-model" {
		t.Errorf("request = %+v", s)
	}
	if s.msg["type"] != "session.update" {
		t.Fatalf("first message type = %v", s.msg["type"])
	}
	params := s.msg["session"].(map[string]any)
	if params["voice"] != "alloy" || params["instructions"] != "short answers" {
		t.Errorf("params = %v", params)
	}
	if params["input_audio_format"] != "pcm16" || params["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v", params["input_audio_format"], params["output_audio_format"])
	}
	if params["input_audio_transcription"] == nil {
		t.Error("transcription not requested")
	}
}

func TestConnect_ErrorDuringHandshake(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "code": "invalid_api_key", "message": "nope"},
		})
	})

	_, err := openai.New("bad", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	var he *live.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("error = %v, want *HandshakeError", err)
	}
	var re *live.RemoteError
	if !errors.As(err, &re) || re.Code != "invalid_api_key" {
		t.Errorf("remote error = %+v", re)
	}
}

func TestSendAudio_ResamplesToWireRate(t *testing.T) {
	t.Parallel()

	const (
		chunks    = 5
		chunkSize = 2048
		wantMax   = chunks * chunkSize * 3 / 2
	)

	got := make(chan []float32, 64)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("unmarshal: %v", err)
				return
			}
			if msg["type"] != "input_audio_buffer.append" {
				t.Errorf("type = %v", msg["type"])
				return
			}
			raw, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
			if err != nil {
				t.Errorf("decode audio: %v", err)
				return
			}
			samples, err := pcm.Decode(raw)
			if err != nil {
				t.Errorf("decode pcm: %v", err)
				return
			}
			got <- samples
		}
	})
	sess := connect(t, srv, live.SessionConfig{})

	// One continuous 440 Hz tone split across chunks.
	for c := range chunks {
		frame := make([]float32, chunkSize)
		for i := range frame {
			n := float64(c*chunkSize + i)
			frame[i] = float32(0.5 * math.Sin(2*math.Pi*440*n/16000))
		}
		data, err := pcm.Encode(frame)
		if err != nil {
			t.Fatal(err)
		}
		if err := sess.SendAudio(context.Background(), pcm.EncodedChunk{Data: data, SampleRate: 16000}); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	// The filter holds back at most its delay, well under one chunk.
	var wire []float32
	deadline := time.After(2 * time.Second)
	for len(wire) < wantMax-chunkSize*3/2 {
		select {
		case b := <-got:
			wire = append(wire, b...)
		case <-deadline:
			t.Fatalf("received %d samples, want at least %d", len(wire), wantMax-chunkSize*3/2)
		}
	}
	if len(wire) > wantMax+chunks {
		t.Errorf("received %d samples, want at most %d", len(wire), wantMax)
	}

	// At 24 kHz the tone moves at most 0.058 per sample; a chunk seam that
	// restarted the interpolation would show up as a larger step.
	for i := 1; i < len(wire); i++ {
		if d := math.Abs(float64(wire[i] - wire[i-1])); d > 0.15 {
			t.Fatalf("step of %.3f at sample %d", d, i)
		}
	}
}

func TestEvents_Mapping(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for _, ev := range []map[string]any{
			{"type": "response.audio.delta", "delta": "AAAA"},
			{"type": "input_audio_buffer.speech_started"},
			{"type": "conversation.item.input_audio_transcription.completed", "transcript": "stop"},
			{"type": "response.audio_transcript.done", "transcript": "okay"},
			{"type": "response.audio.delta", "delta": ""},
			{"type": "rate_limits.updated"},
			{"type": "response.done"},
			{"type": "error", "error": map[string]any{"type": "server_error", "message": "hiccup"}},
		} {
			writeJSON(t, conn, ev)
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, live.SessionConfig{})

	audioEv := nextEvent(t, sess)
	if audioEv.Type != live.EventAudio || audioEv.Audio != "AAAA" || audioEv.SampleRate != 24000 {
		t.Errorf("audio event = %+v", audioEv)
	}
	if ev := nextEvent(t, sess); ev.Type != live.EventInterrupted {
		t.Errorf("event = %v, want INTERRUPTED", ev.Type)
	}
	if ev := nextEvent(t, sess); ev.Speaker != live.SpeakerUser || ev.Text != "stop" {
		t.Errorf("user transcript = %+v", ev)
	}
	if ev := nextEvent(t, sess); ev.Speaker != live.SpeakerModel || ev.Text != "okay" {
		t.Errorf("model transcript = %+v", ev)
	}
	if ev := nextEvent(t, sess); ev.Type != live.EventTurnComplete {
		t.Errorf("event = %v, want TURN_COMPLETE", ev.Type)
	}
	ev := nextEvent(t, sess)
	var re *live.RemoteError
	if ev.Type != live.EventError || ev.Fatal || !errors.As(ev.Err, &re) || re.Code != "server_error" {
		t.Errorf("error event = %+v", ev)
	}
}

func TestEvents_RemoteClose(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})
	sess := connect(t, srv, live.SessionConfig{})

	ev := nextEvent(t, sess)
	if ev.Type != live.EventClose || ev.Reason != "bye" {
		t.Fatalf("event = %+v, want CLOSE bye", ev)
	}
	if _, ok := <-sess.Events(); ok {
		t.Error("events channel still open")
	}
}

func TestClose_StopsSends(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, live.SessionConfig{})

	sess.Close()
	sess.Close()
	if err := sess.SendAudio(context.Background(), pcm.EncodedChunk{Data: []byte{0, 0}}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}
