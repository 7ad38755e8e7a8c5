package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/config"
	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// ErrEmptyConversation 表示没有任何可发送给模型的消息。
var ErrEmptyConversation = errors.New("ai: empty conversation")

const messagesKey = "messages"

// Service 把一段已排好序的对话交给大模型，返回原始回复文本。
type Service struct {
	cfg    config.AIConfig
	chain  compose.Runnable[map[string]any, *schema.Message]
	logger *zap.Logger
}

// NewService creates the ark chat model described by cfg and wraps it.
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg, logger)
}

// NewServiceWithModel 使用现成的模型实例构建服务，测试中可传入替身模型。
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("ai: chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 消息内容原样透传，不做模板变量替换
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder(messagesKey, false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		cfg:    cfg,
		chain:  runnable,
		logger: logger.Named("ai"),
	}, nil
}

// Generate sends the conversation and returns the reply text. The request is bounded
// by the configured timeout.
func (s *Service) Generate(ctx context.Context, messages []chat.Message) (string, error) {
	input := toSchemaMessages(messages)
	if len(input) == 0 {
		return "", ErrEmptyConversation
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	response, err := s.chain.Invoke(ctx, map[string]any{messagesKey: input})
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return "", errors.New("ai: model returned no message")
	}

	s.logger.Debug("generated response",
		zap.Int("messages", len(input)),
		zap.Int("length", len(response.Content)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return response.Content, nil
}

func toSchemaMessages(messages []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			out = append(out, schema.SystemMessage(msg.Content))
		case chat.RoleUser:
			out = append(out, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return out
}
