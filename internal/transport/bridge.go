package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTypingRefresh = 4 * time.Second
	defaultCallTimeout   = 20 * time.Second
	inboundBuffer        = 256
)

// BridgeConfig 描述与消息桥接进程的连接参数。
type BridgeConfig struct {
	URL   string
	Token string
	// SendRate limits outbound calls per second; 0 disables the limiter.
	SendRate      float64
	SendBurst     int
	TypingRefresh time.Duration
	CallTimeout   time.Duration
}

// Bridge speaks JSON-RPC 2.0 over a websocket to a process that owns the actual chat
// account. Requests carry uuid ids; responses are matched through a pending map and
// "message" notifications are turned into Inbound events.
type Bridge struct {
	cfg     BridgeConfig
	conn    *websocket.Conn
	logger  *zap.Logger
	limiter *rate.Limiter

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[string]chan *rpcResponse

	inbound   chan Inbound
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Client = (*Bridge)(nil)
var _ Source = (*Bridge)(nil)

// DialBridge connects to the bridge and starts the read loop.
func DialBridge(ctx context.Context, cfg BridgeConfig, logger *zap.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("bridge url is required")
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("connect to bridge: %w", err)
	}

	return newBridge(conn, cfg, logger), nil
}

func newBridge(conn *websocket.Conn, cfg BridgeConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TypingRefresh <= 0 {
		cfg.TypingRefresh = defaultTypingRefresh
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	b := &Bridge{
		cfg:     cfg,
		conn:    conn,
		logger:  logger.Named("bridge"),
		limiter: limiter,
		pending: make(map[string]chan *rpcResponse),
		inbound: make(chan Inbound, inboundBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// Inbound returns the event stream. It is closed when the connection ends.
func (b *Bridge) Inbound() <-chan Inbound {
	return b.inbound
}

// Done is closed once the read loop has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close terminates the connection.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closing)
		b.writeMu.Lock()
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		b.writeMu.Unlock()
		err = b.conn.Close()
	})
	<-b.done
	return err
}

// SendText implements Client.
func (b *Bridge) SendText(ctx context.Context, chatID int64, text string) (Delivered, error) {
	if err := b.wait(ctx); err != nil {
		return Delivered{}, err
	}
	var res struct {
		MessageID int64 `json:"messageId"`
		Date      int64 `json:"date"`
	}
	if err := b.call(ctx, "sendMessage", map[string]any{"chatId": chatID, "text": text}, &res); err != nil {
		return Delivered{}, err
	}
	out := Delivered{ID: res.MessageID}
	if res.Date > 0 {
		out.At = time.Unix(res.Date, 0).UTC()
	}
	return out, nil
}

// ShowTyping implements Client. The indicator is re-sent every TypingRefresh because
// chat networks expire it after a few seconds.
func (b *Bridge) ShowTyping(ctx context.Context, chatID int64, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	// 每次 sendTyping 的等待也受 d 约束，桥接无响应时不拖延后续消息。
	typingCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	ticker := time.NewTicker(b.cfg.TypingRefresh)
	defer ticker.Stop()

	for {
		if err := b.call(typingCtx, "sendTyping", map[string]any{"chatId": chatID}, nil); err != nil && typingCtx.Err() == nil {
			b.logger.Debug("typing indicator failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		select {
		case <-typingCtx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendReaction implements Client.
func (b *Bridge) SendReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	return b.call(ctx, "sendReaction", map[string]any{
		"chatId":    chatID,
		"messageId": messageID,
		"emoji":     emoji,
	}, nil)
}

// FetchUnread implements Client.
func (b *Bridge) FetchUnread(ctx context.Context, chatID int64) ([]Unread, error) {
	var res struct {
		Messages []struct {
			MessageID int64  `json:"messageId"`
			SenderID  int64  `json:"senderId"`
			Text      string `json:"text"`
			Date      int64  `json:"date"`
		} `json:"messages"`
	}
	if err := b.call(ctx, "getUnread", map[string]any{"chatId": chatID}, &res); err != nil {
		return nil, err
	}

	out := make([]Unread, 0, len(res.Messages))
	for _, m := range res.Messages {
		u := Unread{ID: m.MessageID, SenderID: m.SenderID, Text: m.Text}
		if m.Date > 0 {
			u.At = time.Unix(m.Date, 0).UTC()
		}
		out = append(out, u)
	}
	return out, nil
}

// MarkRead implements Client.
func (b *Bridge) MarkRead(ctx context.Context, chatID, uptoID int64) error {
	return b.call(ctx, "markRead", map[string]any{"chatId": chatID, "maxId": uptoID}, nil)
}

func (b *Bridge) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

func (b *Bridge) call(ctx context.Context, method string, params any, result any) error {
	id := uuid.NewString()
	data, err := json.Marshal(&rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	respCh := make(chan *rpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = respCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	b.writeMu.Lock()
	err = b.conn.WriteMessage(websocket.TextMessage, data)
	b.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(b.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-b.done:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("%s: no response after %s", method, b.cfg.CallTimeout)
	case resp := <-respCh:
		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	defer close(b.inbound)

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("bridge read failed", zap.Error(err))
			}
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.Warn("bridge sent invalid frame", zap.Error(err))
			continue
		}

		if frame.Method == "" && frame.ID != "" {
			b.pendingMu.Lock()
			ch, ok := b.pending[frame.ID]
			b.pendingMu.Unlock()
			if ok {
				ch <- &rpcResponse{Result: frame.Result, Error: frame.Error}
			}
			continue
		}

		if frame.Method != "message" {
			continue
		}
		ev, err := decodeInbound(frame.Params)
		if err != nil {
			b.logger.Warn("bridge message dropped", zap.Error(err))
			continue
		}
		select {
		case b.inbound <- ev:
		case <-b.closing:
			return
		}
	}
}

type inboundParams struct {
	UserID    int64  `json:"userId"`
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
	Date      int64  `json:"date"`
	Voice     *struct {
		Data     []byte  `json:"data"`
		Format   string  `json:"format"`
		Duration float64 `json:"duration"`
	} `json:"voice,omitempty"`
}

func decodeInbound(raw json.RawMessage) (Inbound, error) {
	var p inboundParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Inbound{}, fmt.Errorf("decode message params: %w", err)
	}
	if p.UserID == 0 {
		return Inbound{}, fmt.Errorf("message without user id")
	}

	ev := Inbound{
		Kind:      KindText,
		UserID:    p.UserID,
		ChatID:    p.ChatID,
		MessageID: p.MessageID,
		Text:      p.Text,
		Timestamp: time.Now().UTC(),
	}
	if ev.ChatID == 0 {
		ev.ChatID = p.UserID
	}
	if p.Date > 0 {
		ev.Timestamp = time.Unix(p.Date, 0).UTC()
	}
	if p.Voice != nil {
		ev.Kind = KindVoice
		ev.Audio = p.Voice.Data
		ev.AudioFormat = p.Voice.Format
		ev.DurationSeconds = p.Voice.Duration
	}
	return ev, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is an error reported by the bridge.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return "bridge error " + strconv.Itoa(e.Code) + ": " + e.Message
}
