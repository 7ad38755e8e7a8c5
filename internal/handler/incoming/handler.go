package incoming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/service/speech"
	"github.com/zhouzirui/z-relay/internal/transport"
	"github.com/zhouzirui/z-relay/pkg/utils"
)

const maxVoiceUpload = 32 << 20

// Receiver accepts inbound events.
type Receiver interface {
	HandleInbound(ctx context.Context, in transport.Inbound) error
}

// Handler 提供 webhook 形式的入站消息接口。
type Handler struct {
	receiver Receiver
	stt      transport.Transcriber
	logger   *zap.Logger
	now      func() time.Time
}

// New 创建入站处理器。stt 为 nil 时语音接口返回 503。
func New(receiver Receiver, stt transport.Transcriber, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{receiver: receiver, stt: stt, logger: logger.Named("incoming"), now: time.Now}
}

// RegisterRoutes 注册入站路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/incoming", h.handleText)
	r.Post("/incoming/voice", h.handleVoice)
}

type textPayload struct {
	UserID    int64  `json:"userId"`
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
	// Timestamp is unix seconds; 0 means now.
	Timestamp int64 `json:"timestamp"`
}

func (h *Handler) handleText(w http.ResponseWriter, r *http.Request) {
	var payload textPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.UserID == 0 {
		utils.RespondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	ev := transport.Inbound{
		Kind:      transport.KindText,
		UserID:    payload.UserID,
		ChatID:    payload.ChatID,
		MessageID: payload.MessageID,
		Text:      payload.Text,
		Timestamp: h.timestamp(payload.Timestamp),
	}
	h.forward(w, r, ev, nil)
}

func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	if h.stt == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "speech recognition unavailable")
		return
	}
	if err := r.ParseMultipartForm(maxVoiceUpload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	userID, err := strconv.ParseInt(r.FormValue("userId"), 10, 64)
	if err != nil || userID == 0 {
		utils.RespondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio")
		return
	}

	chatID, _ := strconv.ParseInt(r.FormValue("chatId"), 10, 64)
	messageID, _ := strconv.ParseInt(r.FormValue("messageId"), 10, 64)
	unix, _ := strconv.ParseInt(r.FormValue("timestamp"), 10, 64)
	seconds, _ := strconv.ParseFloat(r.FormValue("duration"), 64)
	format := r.FormValue("format")
	if format == "" {
		format = inferAudioFormat(header.Filename)
	}

	text, err := h.stt.TranscribeVoice(r.Context(), audio, format, seconds)
	switch {
	case errors.Is(err, speech.ErrAudioTooLong):
		utils.RespondError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		h.logger.Warn("voice transcription failed", zap.Int64("user_id", userID), zap.Error(err))
		utils.RespondError(w, http.StatusBadGateway, "speech recognition failed")
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "empty"})
		return
	}

	ev := transport.Inbound{
		Kind:            transport.KindVoice,
		UserID:          userID,
		ChatID:          chatID,
		MessageID:       messageID,
		Text:            transport.VoicePrefix + text,
		AudioFormat:     format,
		DurationSeconds: seconds,
		Timestamp:       h.timestamp(unix),
	}
	h.forward(w, r, ev, map[string]string{"transcript": text})
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, ev transport.Inbound, extra map[string]string) {
	if ev.ChatID == 0 {
		ev.ChatID = ev.UserID
	}
	if err := h.receiver.HandleInbound(r.Context(), ev); err != nil {
		h.logger.Warn("inbound message rejected", zap.Int64("user_id", ev.UserID), zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, "message not accepted")
		return
	}
	body := map[string]string{"status": "queued"}
	for k, v := range extra {
		body[k] = v
	}
	utils.RespondJSON(w, http.StatusAccepted, body)
}

func (h *Handler) timestamp(unix int64) time.Time {
	if unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	return h.now().UTC()
}

// inferAudioFormat 从文件名推断音频格式
func inferAudioFormat(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".ogg", ".oga", ".opus":
		return "ogg"
	case ".mp3":
		return "mp3"
	case ".wav":
		return "wav"
	case ".pcm":
		return "pcm"
	default:
		return "ogg"
	}
}
