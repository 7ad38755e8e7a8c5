package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/config"
)

type fakeRecognizer struct {
	text   string
	calls  int
	format string
}

func (f *fakeRecognizer) recognize(_ context.Context, _ []byte, format string) (string, error) {
	f.calls++
	f.format = format
	return f.text, nil
}

func TestTranscribeVoiceDisabled(t *testing.T) {
	svc := NewService(config.SpeechConfig{Enabled: false}, nil)
	fake := &fakeRecognizer{text: "unused"}
	svc.asr = fake

	text, err := svc.TranscribeVoice(context.Background(), []byte{1, 2, 3}, "ogg", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "" || fake.calls != 0 {
		t.Fatalf("disabled service should not transcribe, got %q calls=%d", text, fake.calls)
	}
}

func TestTranscribeVoiceRejectsLongAudio(t *testing.T) {
	svc := NewService(config.SpeechConfig{Enabled: true, MaxSeconds: 30}, nil)
	fake := &fakeRecognizer{text: "hello"}
	svc.asr = fake

	if _, err := svc.TranscribeVoice(context.Background(), []byte{1}, "ogg", 31); !errors.Is(err, ErrAudioTooLong) {
		t.Fatalf("expected ErrAudioTooLong, got %v", err)
	}

	text, err := svc.TranscribeVoice(context.Background(), []byte{1}, "audio/ogg", 0)
	if err != nil {
		t.Fatalf("unknown duration should be accepted: %v", err)
	}
	if text != "hello" || fake.format != "ogg" {
		t.Fatalf("unexpected result text=%q format=%q", text, fake.format)
	}
}

func TestNormalizeFormat(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: "ogg"},
		{in: "audio/ogg; codecs=opus", want: "ogg"},
		{in: "audio/mpeg", want: "mp3"},
		{in: ".wav", want: "wav"},
		{in: "audio/x-wav", want: "wav"},
		{in: "raw", want: "pcm"},
		{in: "flac", want: "flac"},
	}
	for _, tc := range cases {
		if got := normalizeFormat(tc.in); got != tc.want {
			t.Fatalf("normalizeFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAudioFrameLayout(t *testing.T) {
	data := encodeFrame(newAudioFrame([]byte("abc"), 3, true))
	// header(4) + sequence(4) + size(4) + payload(3)
	if len(data) != 15 {
		t.Fatalf("unexpected frame length %d", len(data))
	}

	f, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Sequence != -3 || !f.last() || string(f.Payload) != "abc" {
		t.Fatalf("unexpected frame %+v", f)
	}

	if _, err := decodeFrame(data[:10]); err == nil {
		t.Fatalf("truncated frame should fail")
	}
}

// fakeASRServer accepts one connection, collects audio frames until the last one and
// replies with a final transcript.
func fakeASRServer(t *testing.T, transcript string) (*httptest.Server, *[]byte, *sync.Mutex) {
	t.Helper()
	var (
		mu       sync.Mutex
		received []byte
	)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-App-Key") != "app" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := decodeFrame(data)
			if err != nil {
				return
			}
			if f.Header.Type != audioOnlyRequest {
				continue
			}
			chunk, err := payloadOf(f)
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, chunk...)
			mu.Unlock()
			if !f.last() {
				continue
			}

			body, _ := json.Marshal(map[string]any{
				"code":     0,
				"sequence": -1,
				"result":   map[string]any{"text": transcript},
			})
			packed, _ := gzipBytes(body)
			reply := &frame{
				Header:   header{Type: fullServerResponse, Flags: flagNegativeSequence, Serialization: serializeJSON, Compression: compressGzip, Size: 1},
				Sequence: -1,
				Payload:  packed,
			}
			_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(reply))
			return
		}
	}))
	return srv, &received, &mu
}

func TestVolcengineASRRoundTrip(t *testing.T) {
	srv, received, mu := fakeASRServer(t, " 你好，世界 ")
	defer srv.Close()

	cfg := config.SpeechConfig{
		Enabled:     true,
		AppID:       "app",
		AccessToken: "token",
		Endpoint:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Language:    "zh-CN",
	}
	svc := NewService(cfg, zap.NewNop())
	svc.asr.(*volcengineASR).pacing = 0

	audio := make([]byte, audioChunkBytes*2+100)
	for i := range audio {
		audio[i] = byte(i)
	}

	text, err := svc.TranscribeVoice(context.Background(), audio, "ogg", 2)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "你好，世界" {
		t.Fatalf("unexpected transcript %q", text)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*received) != len(audio) {
		t.Fatalf("server received %d bytes, want %d", len(*received), len(audio))
	}
}
