package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/internal/history"
	"github.com/zhouzirui/z-relay/internal/model/chat"
	"github.com/zhouzirui/z-relay/internal/transport/transporttest"
)

type sleepLog struct {
	mu     sync.Mutex
	slept  []time.Duration
	cancel context.CancelFunc
	limit  int
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.slept = append(s.slept, d)
	}
	if s.cancel != nil && len(s.slept) >= s.limit {
		s.cancel()
	}
	return ctx.Err()
}

func newEnv(t *testing.T) (Env, *transporttest.Recorder, *history.Store) {
	t.Helper()
	store, err := history.NewStore(history.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	rec := transporttest.NewRecorder()
	return Env{Transport: rec, Store: store}, rec, store
}

func TestRunExecutesInOrderAndRecordsHistory(t *testing.T) {
	ctx := context.Background()
	env, rec, store := newEnv(t)
	sl := &sleepLog{}
	exec := NewExecutor(nil, 5*time.Second, WithSleep(sl.sleep))
	target := Target{UserID: 1, ChatID: 10}

	list, err := Parse(`[
		{"type":"send_message","content":"first","human_seconds":1},
		{"type":"wait","human_seconds":2},
		{"type":"send_messages","messages":[{"content":"a","wait_seconds":0.5},{"content":"b"}]},
		{"type":"add_reaction","message_id":77,"wait_seconds":3},
		{"type":"ignore"}
	]`)
	require.NoError(t, err)

	outcomes := exec.Run(ctx, env, target, list)
	require.Len(t, outcomes, 5)
	assert.Equal(t, 1, outcomes[0].Delivered)
	assert.Equal(t, 2, outcomes[2].Delivered)
	assert.Equal(t, 1, outcomes[3].Delivered)
	assert.True(t, outcomes[4].Skipped)

	assert.Equal(t, []string{"first", "a", "b"}, rec.Texts())
	assert.Equal(t, []time.Duration{2 * time.Second, 500 * time.Millisecond, 3 * time.Second, 5 * time.Second}, sl.slept)

	typing := rec.Typing()
	require.Len(t, typing, 3)
	assert.Equal(t, time.Second, typing[0].Duration)
	assert.Equal(t, 5*time.Second, typing[1].Duration, "items fall back to the default human delay")

	reactions := rec.Reactions()
	require.Len(t, reactions, 1)
	assert.Equal(t, transporttest.Reaction{ChatID: 10, MessageID: 77, Emoji: DefaultReaction}, reactions[0])

	msgs, err := store.Tail(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, chat.RoleAssistant, msgs[0].Role)
	assert.Equal(t, int64(1000), msgs[0].MessageID)
	assert.Equal(t, "[REACTION] '👍' on message_id = 77", msgs[3].Content)
	assert.Equal(t, int64(1002), msgs[3].MessageID, "reaction marker carries the last assistant id")
}

func TestSendMessagesIsolatesItemFailures(t *testing.T) {
	ctx := context.Background()
	env, rec, _ := newEnv(t)
	rec.FailTexts["broken"] = errors.New("flood wait")
	exec := NewExecutor(nil, 0, WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	out := exec.Execute(ctx, env, Target{UserID: 2, ChatID: 2}, Action{
		Type:    TypeSendMessages,
		Payload: SendMessages{Items: []Item{{Content: "ok-1"}, {Content: "broken"}, {Content: "ok-2"}}},
	})

	assert.Equal(t, 2, out.Delivered)
	assert.Error(t, out.Err)
	assert.Equal(t, []string{"ok-1", "ok-2"}, rec.Texts())
}

func TestExecuteSkipsEmptyAndUnknown(t *testing.T) {
	ctx := context.Background()
	env, rec, _ := newEnv(t)
	exec := NewExecutor(nil, time.Second)
	target := Target{UserID: 3, ChatID: 3}

	assert.True(t, exec.Execute(ctx, env, target, Text("")).Skipped)
	assert.True(t, exec.Execute(ctx, env, target, Action{Type: TypeAddReaction, Payload: AddReaction{}}).Skipped)
	assert.True(t, exec.Execute(ctx, env, target, Action{Type: TypeUnknown, Payload: Unknown{Name: "dance"}}).Skipped)
	assert.Empty(t, rec.Texts())
	assert.Empty(t, rec.Reactions())
}

type panicStore struct{}

func (panicStore) Append(context.Context, int64, chat.Message) error { panic("disk on fire") }
func (panicStore) LastMessageID(context.Context, int64, chat.Role) int64 {
	return 0
}

func TestExecuteRecoversPanics(t *testing.T) {
	rec := transporttest.NewRecorder()
	exec := NewExecutor(nil, 0)

	out := exec.Execute(context.Background(), Env{Transport: rec, Store: panicStore{}}, Target{UserID: 4, ChatID: 4}, Text("hi"))
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "panicked")
	assert.Equal(t, TypeSendMessage, out.Type)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env, rec, _ := newEnv(t)
	sl := &sleepLog{cancel: cancel, limit: 1}
	exec := NewExecutor(nil, 0, WithSleep(sl.sleep))

	outcomes := exec.Run(ctx, env, Target{UserID: 5, ChatID: 5}, []Action{
		Text("one"),
		{Type: TypeSendMessage, Wait: time.Second, Payload: SendMessage{Content: "two"}},
		Text("three"),
	})

	assert.Len(t, outcomes, 1)
	assert.Equal(t, []string{"one"}, rec.Texts())
}
