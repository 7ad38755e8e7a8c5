package dialog

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/history"
	"github.com/zhouzirui/z-relay/internal/model/chat"
	"github.com/zhouzirui/z-relay/internal/model/profile"
	"github.com/zhouzirui/z-relay/internal/router"
	"github.com/zhouzirui/z-relay/pkg/utils"
)

const defaultHistoryLimit = 20

// History is the read side of the conversation store.
type History interface {
	Users(ctx context.Context) ([]int64, error)
	Summary(ctx context.Context, userID int64) (history.DialogSummary, error)
	Tail(ctx context.Context, userID int64, maxChunks int) ([]chat.Message, error)
}

// Dispatcher is the router surface exposed over HTTP.
type Dispatcher interface {
	TriggerProactive(ctx context.Context, userID, chatID int64, instruction string) error
	SyncUnread(ctx context.Context, userID, chatID int64, trigger bool) (int, error)
	AppendSystem(ctx context.Context, userID int64, content string) error
}

// Handler 对话管理接口
type Handler struct {
	history  History
	router   Dispatcher
	profiles profile.Store
	logger   *zap.Logger
}

// New 创建对话管理处理器。profiles 可为 nil。
func New(h History, d Dispatcher, profiles profile.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{history: h, router: d, profiles: profiles, logger: logger.Named("dialog")}
}

// RegisterRoutes 注册管理路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/users", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/history", h.handleHistory)
			r.Post("/proactive", h.handleProactive)
			r.Post("/sync", h.handleSync)
			r.Post("/system", h.handleSystem)
		})
	})
}

type dialogView struct {
	history.DialogSummary
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	users, err := h.history.Users(r.Context())
	if err != nil {
		h.logger.Error("list dialogs failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to list dialogs")
		return
	}

	views := make([]dialogView, 0, len(users))
	for _, id := range users {
		sum, err := h.history.Summary(r.Context(), id)
		if err != nil {
			h.logger.Warn("dialog summary failed", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		view := dialogView{DialogSummary: sum}
		if h.profiles != nil {
			if p, ok := h.profiles.Find(id); ok {
				view.Username = profile.NormalizeUsername(p.Username)
				view.DisplayName = p.DisplayName()
			}
		}
		views = append(views, view)
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"dialogs": views})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}

	msgs, err := h.history.Tail(r.Context(), userID, 0)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"userId": userID, "messages": msgs})
}

func (h *Handler) handleProactive(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		ChatID      int64  `json:"chatId"`
		Instruction string `json:"instruction"`
	}
	if !decodeOptional(w, r, &payload) {
		return
	}

	err := h.router.TriggerProactive(r.Context(), userID, payload.ChatID, payload.Instruction)
	switch {
	case errors.Is(err, router.ErrUserBusy):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case err != nil:
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	payload := struct {
		ChatID  int64 `json:"chatId"`
		Trigger *bool `json:"trigger"`
	}{}
	if !decodeOptional(w, r, &payload) {
		return
	}
	trigger := payload.Trigger == nil || *payload.Trigger

	stored, err := h.router.SyncUnread(r.Context(), userID, payload.ChatID, trigger)
	if err != nil {
		h.logger.Warn("sync failed", zap.Int64("user_id", userID), zap.Error(err))
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]int{"stored": stored})
}

func (h *Handler) handleSystem(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.router.AppendSystem(r.Context(), userID, payload.Content); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]string{"status": "appended"})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := utils.DecodeJSON(r, dst); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
