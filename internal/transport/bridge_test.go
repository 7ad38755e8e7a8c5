package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge answers JSON-RPC calls the way the bridge process does.
type fakeBridge struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	ready  chan struct{}
	auth   string
	calls  []string
	marked map[int64]int64
	// silent methods are recorded but never answered.
	silent map[string]bool
}

func newFakeBridge(t *testing.T) (*fakeBridge, *httptest.Server) {
	t.Helper()
	f := &fakeBridge{ready: make(chan struct{}), marked: make(map[int64]int64), silent: make(map[string]bool)}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.conn = conn
		f.auth = auth
		f.mu.Unlock()
		close(f.ready)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.answer(data)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBridge) answer(data []byte) {
	var req struct {
		ID     string         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	silent := f.silent[req.Method]
	f.mu.Unlock()
	if silent {
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "sendMessage":
		resp["result"] = map[string]any{"messageId": 501, "date": 1700000000}
	case "sendReaction":
		if req.Params["emoji"] == "💥" {
			resp["error"] = map[string]any{"code": 400, "message": "REACTION_INVALID"}
		} else {
			resp["result"] = true
		}
	case "getUnread":
		resp["result"] = map[string]any{"messages": []map[string]any{
			{"messageId": 12, "senderId": 5, "text": "still there?", "date": 1700000100},
			{"messageId": 11, "senderId": 5, "text": "hey"},
		}}
	case "markRead":
		f.mu.Lock()
		f.marked[int64(req.Params["chatId"].(float64))] = int64(req.Params["maxId"].(float64))
		f.mu.Unlock()
		resp["result"] = true
	default:
		resp["result"] = nil
	}
	f.write(resp)
}

func (f *fakeBridge) write(v any) {
	<-f.ready
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.WriteJSON(v)
}

func dialFake(t *testing.T, srv *httptest.Server) *Bridge {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	b, err := DialBridge(context.Background(), BridgeConfig{URL: url, Token: "secret", CallTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBridgeCalls(t *testing.T) {
	f, srv := newFakeBridge(t)
	b := dialFake(t, srv)
	ctx := context.Background()

	delivered, err := b.SendText(ctx, 5, "hello!")
	require.NoError(t, err)
	assert.Equal(t, int64(501), delivered.ID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), delivered.At)

	require.NoError(t, b.SendReaction(ctx, 5, 11, "👍"))
	err = b.SendReaction(ctx, 5, 11, "💥")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, 400, rpcErr.Code)

	unread, err := b.FetchUnread(ctx, 5)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, int64(12), unread[0].ID)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), unread[0].At)
	assert.True(t, unread[1].At.IsZero())

	require.NoError(t, b.MarkRead(ctx, 5, 12))
	require.NoError(t, b.ShowTyping(ctx, 5, 10*time.Millisecond))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "Bearer secret", f.auth)
	assert.Equal(t, int64(12), f.marked[5])
	assert.Contains(t, f.calls, "sendTyping")
}

func TestShowTypingBoundedByDuration(t *testing.T) {
	f, srv := newFakeBridge(t)
	f.mu.Lock()
	f.silent["sendTyping"] = true
	f.mu.Unlock()
	b := dialFake(t, srv)

	start := time.Now()
	require.NoError(t, b.ShowTyping(context.Background(), 5, 100*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second, "unanswered typing call must not wait for the call timeout")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.ShowTyping(ctx, 5, time.Second), context.Canceled)
}

func TestBridgeDeliversNotifications(t *testing.T) {
	f, srv := newFakeBridge(t)
	b := dialFake(t, srv)

	f.write(map[string]any{"jsonrpc": "2.0", "method": "message", "params": map[string]any{
		"userId": 5, "messageId": 9, "text": "hey", "date": 1700000001,
	}})
	f.write(map[string]any{"jsonrpc": "2.0", "method": "message", "params": map[string]any{
		"userId": 5, "chatId": 77, "messageId": 10,
		"voice": map[string]any{"data": "AQID", "format": "ogg", "duration": 2.5},
	}})

	recv := func() Inbound {
		select {
		case ev := <-b.Inbound():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no inbound event")
			return Inbound{}
		}
	}

	text := recv()
	assert.Equal(t, KindText, text.Kind)
	assert.Equal(t, int64(5), text.ChatID, "chat id defaults to the sender")
	assert.Equal(t, "hey", text.Text)
	assert.Equal(t, time.Unix(1700000001, 0).UTC(), text.Timestamp)

	voice := recv()
	assert.Equal(t, KindVoice, voice.Kind)
	assert.Equal(t, int64(77), voice.ChatID)
	assert.Equal(t, []byte{1, 2, 3}, voice.Audio)
	assert.Equal(t, 2.5, voice.DurationSeconds)

	require.NoError(t, b.Close())
	_, open := <-b.Inbound()
	assert.False(t, open)
}

func TestDecodeInboundRequiresUser(t *testing.T) {
	_, err := decodeInbound(json.RawMessage(`{"text":"orphan"}`))
	assert.Error(t, err)
}
