package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/internal/history"
	"github.com/zhouzirui/z-relay/internal/model/chat"
	"github.com/zhouzirui/z-relay/internal/model/profile"
	"github.com/zhouzirui/z-relay/internal/router"
)

type stubDispatcher struct {
	proactiveErr error
	syncErr      error
	instructions []string
	triggers     []bool
	system       []string
}

func (s *stubDispatcher) TriggerProactive(_ context.Context, _, _ int64, instruction string) error {
	if s.proactiveErr != nil {
		return s.proactiveErr
	}
	s.instructions = append(s.instructions, instruction)
	return nil
}

func (s *stubDispatcher) SyncUnread(_ context.Context, _, _ int64, trigger bool) (int, error) {
	if s.syncErr != nil {
		return 0, s.syncErr
	}
	s.triggers = append(s.triggers, trigger)
	return 2, nil
}

func (s *stubDispatcher) AppendSystem(_ context.Context, _ int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("empty system message")
	}
	s.system = append(s.system, content)
	return nil
}

func setup(t *testing.T) (http.Handler, *history.Store, *stubDispatcher) {
	t.Helper()
	store, err := history.NewStore(history.Config{BaseDir: t.TempDir(), MaxMessagesPerChunk: 2})
	require.NoError(t, err)
	disp := &stubDispatcher{}
	profiles := profile.NewMemoryStore([]profile.Profile{{UserID: 42, Username: "@Olena", FirstName: "Olena"}})

	r := chi.NewRouter()
	New(store, disp, profiles, nil).RegisterRoutes(r)
	return r, store, disp
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListAndHistory(t *testing.T) {
	h, store, _ := setup(t)
	ctx := context.Background()
	at := chat.NewTimestamp(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append(ctx, 42, chat.Message{Role: chat.RoleUser, Content: "m", CreatedAt: at, MessageID: int64(i)}))
	}

	rec := do(h, http.MethodGet, "/admin/users/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Dialogs []struct {
			UserID   int64  `json:"userId"`
			Messages int    `json:"messages"`
			Chunks   int    `json:"chunks"`
			Username string `json:"username"`
		} `json:"dialogs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Dialogs, 1)
	assert.Equal(t, int64(42), list.Dialogs[0].UserID)
	assert.Equal(t, 3, list.Dialogs[0].Messages)
	assert.Equal(t, 2, list.Dialogs[0].Chunks)
	assert.Equal(t, "olena", list.Dialogs[0].Username)

	rec = do(h, http.MethodGet, "/admin/users/42/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, int64(2), hist.Messages[0].MessageID)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/admin/users/42/history?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/admin/users/abc/history", "").Code)
}

func TestProactive(t *testing.T) {
	h, _, disp := setup(t)

	rec := do(h, http.MethodPost, "/admin/users/42/proactive", `{"instruction":"say hi"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"say hi"}, disp.instructions)

	rec = do(h, http.MethodPost, "/admin/users/42/proactive", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	disp.proactiveErr = router.ErrUserBusy
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/admin/users/42/proactive", "").Code)

	disp.proactiveErr = router.ErrClosed
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/admin/users/42/proactive", "").Code)
}

func TestSyncAndSystem(t *testing.T) {
	h, _, disp := setup(t)

	rec := do(h, http.MethodPost, "/admin/users/42/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stored":2}`, rec.Body.String())

	do(h, http.MethodPost, "/admin/users/42/sync", `{"trigger":false}`)
	assert.Equal(t, []bool{true, false}, disp.triggers)

	disp.syncErr = errors.New("bridge down")
	assert.Equal(t, http.StatusBadGateway, do(h, http.MethodPost, "/admin/users/42/sync", "").Code)

	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/admin/users/42/system", `{"content":"be brief"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/admin/users/42/system", `{"content":" "}`).Code)
	assert.Equal(t, []string{"be brief"}, disp.system)
}
