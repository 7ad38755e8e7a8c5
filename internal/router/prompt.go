package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// buildPrompt assembles the conversation sent to the model: system prompt, optional
// action instructions, optional profile, recent history and an optional transient
// instruction.
func (r *Router) buildPrompt(ctx context.Context, userID int64, instruction string) []chat.Message {
	var out []chat.Message
	system := func(content string) {
		if content = strings.TrimSpace(content); content != "" {
			out = append(out, chat.Message{Role: chat.RoleSystem, Content: content})
		}
	}

	if r.deps.Prompts != nil {
		system(r.deps.Prompts.SystemPrompt())
		if r.opts.IncludeActionsPrompt {
			system(r.deps.Prompts.ActionsPrompt())
		}
	}
	if r.opts.IncludeProfilePrompt && r.deps.Profiles != nil {
		if p, ok := r.deps.Profiles.Find(userID); ok {
			system(p.Prompt())
		}
	}

	history, err := r.deps.Store.Tail(ctx, userID, r.opts.ContextChunks)
	if err != nil {
		r.logger.Warn("history unavailable, prompting without it", zap.Int64("user_id", userID), zap.Error(err))
	}
	for _, msg := range history {
		out = append(out, chat.Message{Role: msg.Role, Content: renderHistory(msg)})
	}

	system(instruction)
	return out
}

// renderHistory prefixes messages that carry a transport id so the model can target
// them with reactions.
func renderHistory(msg chat.Message) string {
	if msg.MessageID == 0 {
		return msg.Content
	}
	return fmt.Sprintf("[message_id=%d | %s] %s", msg.MessageID, msg.CreatedAt, msg.Content)
}
