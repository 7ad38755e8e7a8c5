package incoming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/internal/service/speech"
	"github.com/zhouzirui/z-relay/internal/transport"
)

type captureReceiver struct {
	mu     sync.Mutex
	events []transport.Inbound
	err    error
}

func (c *captureReceiver) HandleInbound(_ context.Context, in transport.Inbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, in)
	return nil
}

type fakeTranscriber struct {
	text string
	err  error
	got  []byte
	fmt  string
}

func (f *fakeTranscriber) TranscribeVoice(_ context.Context, audio []byte, format string, _ float64) (string, error) {
	f.got = audio
	f.fmt = format
	return f.text, f.err
}

func newServer(recv Receiver, stt transport.Transcriber) http.Handler {
	h := New(recv, stt, nil)
	h.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestHandleText(t *testing.T) {
	recv := &captureReceiver{}
	srv := newServer(recv, nil)

	req := httptest.NewRequest(http.MethodPost, "/incoming", strings.NewReader(`{"userId":42,"messageId":7,"text":"hi"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"queued"}`, rec.Body.String())
	require.Len(t, recv.events, 1)
	ev := recv.events[0]
	assert.Equal(t, transport.KindText, ev.Kind)
	assert.Equal(t, int64(42), ev.ChatID)
	assert.Equal(t, int64(7), ev.MessageID)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ev.Timestamp)
}

func TestHandleTextValidation(t *testing.T) {
	srv := newServer(&captureReceiver{}, nil)
	for _, body := range []string{`{`, `{"text":"hi"}`, `{"userId":1,"text":"  "}`} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/incoming", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := httptest.NewRecorder()
	srv = newServer(&captureReceiver{err: errors.New("closed")}, nil)
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/incoming", strings.NewReader(`{"userId":1,"text":"hi"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func voiceRequest(t *testing.T, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("audio", "note.mp3")
	require.NoError(t, err)
	_, err = fw.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/incoming/voice", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleVoice(t *testing.T) {
	recv := &captureReceiver{}
	stt := &fakeTranscriber{text: " hello "}
	srv := newServer(recv, stt)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, voiceRequest(t, map[string]string{"userId": "42", "duration": "3.5", "timestamp": "1700000000"}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"queued","transcript":"hello"}`, rec.Body.String())
	assert.Equal(t, []byte{1, 2, 3}, stt.got)
	assert.Equal(t, "mp3", stt.fmt)
	require.Len(t, recv.events, 1)
	ev := recv.events[0]
	assert.Equal(t, transport.KindVoice, ev.Kind)
	assert.Equal(t, "[VOICE] hello", ev.Text)
	assert.Equal(t, 3.5, ev.DurationSeconds)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Timestamp)
}

func TestHandleVoiceErrors(t *testing.T) {
	cases := []struct {
		name string
		stt  *fakeTranscriber
		want int
	}{
		{"too long", &fakeTranscriber{err: fmt.Errorf("%w: 90s", speech.ErrAudioTooLong)}, http.StatusRequestEntityTooLarge},
		{"upstream", &fakeTranscriber{err: errors.New("boom")}, http.StatusBadGateway},
		{"empty", &fakeTranscriber{text: "   "}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recv := &captureReceiver{}
			rec := httptest.NewRecorder()
			newServer(recv, tc.stt).ServeHTTP(rec, voiceRequest(t, map[string]string{"userId": "42"}))
			assert.Equal(t, tc.want, rec.Code)
			assert.Empty(t, recv.events)
		})
	}

	rec := httptest.NewRecorder()
	newServer(&captureReceiver{}, &fakeTranscriber{}).ServeHTTP(rec, voiceRequest(t, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	newServer(&captureReceiver{}, nil).ServeHTTP(rec, voiceRequest(t, map[string]string{"userId": "42"}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInferAudioFormat(t *testing.T) {
	assert.Equal(t, "ogg", inferAudioFormat("a.OPUS"))
	assert.Equal(t, "wav", inferAudioFormat("b.wav"))
	assert.Equal(t, "ogg", inferAudioFormat("noext"))
}
