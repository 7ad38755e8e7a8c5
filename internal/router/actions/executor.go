package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/model/chat"
	"github.com/zhouzirui/z-relay/internal/transport"
)

// Store is the part of the conversation store the handlers write to.
type Store interface {
	Append(ctx context.Context, userID int64, msg chat.Message) error
	LastMessageID(ctx context.Context, userID int64, role chat.Role) int64
}

// Env holds the collaborators borrowed for one run.
type Env struct {
	Transport transport.Client
	Store     Store
}

// Target identifies the conversation the actions apply to.
type Target struct {
	UserID int64
	ChatID int64
}

// Outcome reports what a single action did.
type Outcome struct {
	Type Type
	// Delivered counts messages or reactions accepted by the transport.
	Delivered int
	Skipped   bool
	Err       error
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs actions one after another.
type Executor struct {
	logger       *zap.Logger
	defaultHuman time.Duration
	sleep        SleepFunc
	now          func() time.Time
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithSleep replaces the pause implementation, mostly for tests.
func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// NewExecutor returns an Executor that uses defaultHuman whenever an action does not
// specify human_seconds.
func NewExecutor(logger *zap.Logger, defaultHuman time.Duration, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger:       logger.Named("actions"),
		defaultHuman: defaultHuman,
		sleep:        Sleep,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sleep waits for d unless ctx finishes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run applies each action's Wait and then executes it, strictly in order. A failed
// action does not stop the sequence; only a cancelled ctx does.
func (e *Executor) Run(ctx context.Context, env Env, target Target, list []Action) []Outcome {
	outcomes := make([]Outcome, 0, len(list))
	for _, a := range list {
		if ctx.Err() != nil {
			break
		}
		if a.Wait > 0 {
			if err := e.sleep(ctx, a.Wait); err != nil {
				break
			}
		}
		outcomes = append(outcomes, e.Execute(ctx, env, target, a))
	}
	return outcomes
}

// Execute runs a single action. Failures, panics included, are contained in the
// returned Outcome.
func (e *Executor) Execute(ctx context.Context, env Env, target Target, a Action) (out Outcome) {
	out.Type = a.Type
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("action %s panicked: %v", a.Type, r)
			e.logger.Error("action panicked",
				zap.Int64("user_id", target.UserID),
				zap.String("type", string(a.Type)),
				zap.Any("panic", r),
			)
		}
		if out.Err != nil && !errors.Is(out.Err, context.Canceled) {
			e.logger.Warn("action failed",
				zap.Int64("user_id", target.UserID),
				zap.String("type", string(a.Type)),
				zap.Error(out.Err),
			)
		}
	}()

	human := e.defaultHuman
	if a.HumanSet {
		human = a.Human
	}

	switch p := a.Payload.(type) {
	case SendMessage:
		return e.sendMessage(ctx, env, target, p.Content, human)
	case SendMessages:
		return e.sendMessages(ctx, env, target, p.Items, human)
	case AddReaction:
		return e.addReaction(ctx, env, target, p, human)
	case FakeTyping:
		if human > 0 {
			out.Err = env.Transport.ShowTyping(ctx, target.ChatID, human)
		}
		return out
	case Pause:
		out.Err = e.sleep(ctx, human)
		return out
	case Ignore:
		out.Skipped = true
		return out
	case Unknown:
		e.logger.Info("unknown action skipped", zap.Int64("user_id", target.UserID), zap.String("name", p.Name))
		out.Skipped = true
		return out
	default:
		e.logger.Info("action without payload skipped", zap.String("type", string(a.Type)))
		out.Skipped = true
		return out
	}
}

func (e *Executor) sendMessage(ctx context.Context, env Env, target Target, content string, human time.Duration) Outcome {
	out := Outcome{Type: TypeSendMessage}
	if content == "" {
		out.Skipped = true
		return out
	}
	if err := e.deliver(ctx, env, target, content, human); err != nil {
		out.Err = err
		return out
	}
	out.Delivered = 1
	return out
}

func (e *Executor) sendMessages(ctx context.Context, env Env, target Target, items []Item, human time.Duration) Outcome {
	out := Outcome{Type: TypeSendMessages}
	var errs []error
	for _, item := range items {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if item.Content == "" {
			continue
		}
		if item.Wait > 0 {
			if err := e.sleep(ctx, item.Wait); err != nil {
				errs = append(errs, err)
				break
			}
		}
		itemHuman := human
		if item.HumanSet {
			itemHuman = item.Human
		}
		// 单条失败不影响后续消息
		if err := e.deliver(ctx, env, target, item.Content, itemHuman); err != nil {
			errs = append(errs, err)
			continue
		}
		out.Delivered++
	}
	if out.Delivered == 0 && len(errs) == 0 {
		out.Skipped = true
	}
	out.Err = errors.Join(errs...)
	return out
}

// deliver shows typing, sends the text and records it as an assistant message.
func (e *Executor) deliver(ctx context.Context, env Env, target Target, content string, human time.Duration) error {
	if human > 0 {
		if err := env.Transport.ShowTyping(ctx, target.ChatID, human); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Debug("typing indicator failed", zap.Int64("chat_id", target.ChatID), zap.Error(err))
		}
	}

	delivered, err := env.Transport.SendText(ctx, target.ChatID, content)
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}

	at := delivered.At
	if at.IsZero() {
		at = e.now()
	}
	msg := chat.Message{
		Role:      chat.RoleAssistant,
		Content:   content,
		CreatedAt: chat.NewTimestamp(at),
		MessageID: delivered.ID,
	}
	if err := env.Store.Append(ctx, target.UserID, msg); err != nil {
		return fmt.Errorf("record sent message: %w", err)
	}
	return nil
}

func (e *Executor) addReaction(ctx context.Context, env Env, target Target, p AddReaction, human time.Duration) Outcome {
	out := Outcome{Type: TypeAddReaction}
	if p.MessageID == 0 {
		out.Skipped = true
		return out
	}
	emoji := p.Emoji
	if emoji == "" {
		emoji = DefaultReaction
	}

	if err := e.sleep(ctx, human); err != nil {
		out.Err = err
		return out
	}
	if err := env.Transport.SendReaction(ctx, target.ChatID, p.MessageID, emoji); err != nil {
		out.Err = fmt.Errorf("send reaction: %w", err)
		return out
	}
	out.Delivered = 1

	// Reaction markers carry the assistant's latest message id.
	msg := chat.Message{
		Role:      chat.RoleAssistant,
		Content:   ReactionMarker(emoji, p.MessageID),
		CreatedAt: chat.NewTimestamp(e.now()),
		MessageID: env.Store.LastMessageID(ctx, target.UserID, chat.RoleAssistant),
	}
	if err := env.Store.Append(ctx, target.UserID, msg); err != nil {
		out.Err = fmt.Errorf("record reaction: %w", err)
	}
	return out
}

// ReactionMarker is the history line written for a reaction.
func ReactionMarker(emoji string, messageID int64) string {
	return fmt.Sprintf("[REACTION] '%s' on message_id = %d", emoji, messageID)
}
