package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/internal/config"
	"github.com/zhouzirui/z-relay/internal/model/chat"
)

type fakeChatModel struct {
	mu    sync.Mutex
	reply string
	err   error
	seen  [][]*schema.Message
	delay time.Duration
}

var _ model.ChatModel = (*fakeChatModel)(nil)

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.seen = append(f.seen, input)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestGeneratePassesConversationThrough(t *testing.T) {
	fake := &fakeChatModel{reply: `[{"type":"send_message","content":"hey"}]`}
	svc, err := NewServiceWithModel(context.Background(), fake, config.AIConfig{}, nil)
	require.NoError(t, err)

	reply, err := svc.Generate(context.Background(), []chat.Message{
		{Role: chat.RoleSystem, Content: "be brief {not a variable}"},
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "hello"},
		{Role: chat.RoleUser, Content: "there"},
	})
	require.NoError(t, err)
	assert.Equal(t, fake.reply, reply)

	require.Len(t, fake.seen, 1)
	got := fake.seen[0]
	require.Len(t, got, 4)
	assert.Equal(t, schema.System, got[0].Role)
	assert.Equal(t, "be brief {not a variable}", got[0].Content)
	assert.Equal(t, schema.User, got[1].Role)
	assert.Equal(t, schema.Assistant, got[2].Role)
	assert.Equal(t, "there", got[3].Content)
}

func TestGenerateErrors(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("quota exceeded")}
	svc, err := NewServiceWithModel(context.Background(), fake, config.AIConfig{}, nil)
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyConversation)

	_, err = svc.Generate(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestGenerateHonoursTimeout(t *testing.T) {
	fake := &fakeChatModel{reply: "late", delay: time.Second}
	svc, err := NewServiceWithModel(context.Background(), fake, config.AIConfig{Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "late")
}

func TestNewServiceWithModelRequiresModel(t *testing.T) {
	_, err := NewServiceWithModel(context.Background(), nil, config.AIConfig{}, nil)
	assert.Error(t, err)
}
