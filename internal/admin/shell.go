package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/history"
	"github.com/zhouzirui/z-relay/internal/model/chat"
	"github.com/zhouzirui/z-relay/internal/model/profile"
	"github.com/zhouzirui/z-relay/internal/transport"
)

// DefaultInstruction is the transient instruction for send without text.
const DefaultInstruction = "Write a message to this user."

// ErrUnavailable is returned for commands that need a live bridge connection.
var ErrUnavailable = errors.New("command needs a bridge connection")

// History is the dialog storage used by the console.
type History interface {
	Append(ctx context.Context, userID int64, msg chat.Message) error
	Tail(ctx context.Context, userID int64, maxChunks int) ([]chat.Message, error)
	Users(ctx context.Context) ([]int64, error)
	Summary(ctx context.Context, userID int64) (history.DialogSummary, error)
	Prune(ctx context.Context, userID int64, keep int) ([]string, error)
	Delete(ctx context.Context, userID int64) error
	RebuildMeta(ctx context.Context) (updated, total int, err error)
}

// Dispatcher is the router surface the console drives.
type Dispatcher interface {
	TriggerProactive(ctx context.Context, userID, chatID int64, instruction string) error
	SyncUnread(ctx context.Context, userID, chatID int64, trigger bool) (int, error)
	AppendSystem(ctx context.Context, userID int64, content string) error
}

// Deps are the console's collaborators. Router and Transport may be nil when the
// console runs without a bridge; Profiles may be nil when usernames are not needed.
type Deps struct {
	History   History
	Router    Dispatcher
	Transport transport.Client
	Profiles  profile.Store
}

// Shell executes console commands.
type Shell struct {
	deps        Deps
	logger      *zap.Logger
	instruction string
	now         func() time.Time
}

// NewShell builds a Shell. An empty instruction uses DefaultInstruction.
func NewShell(deps Deps, instruction string, logger *zap.Logger) *Shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(instruction) == "" {
		instruction = DefaultInstruction
	}
	return &Shell{
		deps:        deps,
		logger:      logger.Named("admin"),
		instruction: instruction,
		now:         time.Now,
	}
}

// Run reads commands line by line until exit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "admin console ready, type 'help' for commands")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := Parse(line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if cmd.Name == CmdExit {
			fmt.Fprintln(out, "bye")
			return nil
		}
		if err := s.Execute(ctx, cmd, out); err != nil {
			s.logger.Debug("command failed", zap.String("command", string(cmd.Name)), zap.Error(err))
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// Execute runs a single parsed command, writing its report to out.
func (s *Shell) Execute(ctx context.Context, cmd Command, out io.Writer) error {
	switch cmd.Name {
	case CmdHelp:
		fmt.Fprintln(out, helpText)
		return nil
	case CmdExit:
		return nil
	case CmdListDialogs:
		return s.listDialogs(ctx, out)
	case CmdRebuildMeta:
		updated, total, err := s.deps.History.RebuildMeta(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "meta rebuilt: %d of %d chunks updated\n", updated, total)
		return nil
	}

	userID, label, err := s.resolve(cmd.Target)
	if err != nil {
		return err
	}

	switch cmd.Name {
	case CmdSend:
		return s.send(ctx, userID, label, cmd.Text, out)
	case CmdAppendSys:
		if err := s.appendSystem(ctx, userID, cmd.Text); err != nil {
			return err
		}
		fmt.Fprintf(out, "system message appended for %s\n", label)
		return nil
	case CmdSync:
		if s.deps.Router == nil {
			return ErrUnavailable
		}
		n, err := s.deps.Router.SyncUnread(ctx, userID, userID, cmd.Trigger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "synced %d new message(s) for %s\n", n, label)
		return nil
	case CmdShowHistory:
		return s.showHistory(ctx, userID, label, cmd.Limit, out)
	case CmdPrune:
		removed, err := s.deps.History.Prune(ctx, userID, cmd.Limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d chunk(s) for %s, kept the newest %d\n", len(removed), label, cmd.Limit)
		return nil
	case CmdDelete:
		if err := s.deps.History.Delete(ctx, userID); err != nil {
			return err
		}
		fmt.Fprintf(out, "dialog of %s deleted\n", label)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
}

// resolve maps a target to a user id and a printable label.
func (s *Shell) resolve(t Target) (int64, string, error) {
	if t.UserID != 0 {
		label := fmt.Sprintf("%d", t.UserID)
		if s.deps.Profiles != nil {
			if p, ok := s.deps.Profiles.Find(t.UserID); ok && p.Username != "" {
				label += " | @" + profile.NormalizeUsername(p.Username)
			}
		}
		return t.UserID, label, nil
	}
	if t.Username == "" {
		return 0, "", ErrTargetRequired
	}
	if s.deps.Profiles != nil {
		if p, ok := s.deps.Profiles.FindByUsername(t.Username); ok {
			return p.UserID, fmt.Sprintf("%d | @%s", p.UserID, t.Username), nil
		}
	}
	return 0, "", fmt.Errorf("unknown username @%s: no profile with that username", t.Username)
}

func (s *Shell) send(ctx context.Context, userID int64, label, text string, out io.Writer) error {
	if text == "" {
		if s.deps.Router == nil {
			return ErrUnavailable
		}
		if err := s.deps.Router.TriggerProactive(ctx, userID, userID, s.instruction); err != nil {
			return err
		}
		fmt.Fprintf(out, "model is writing to %s\n", label)
		return nil
	}

	if s.deps.Transport == nil {
		return ErrUnavailable
	}
	delivered, err := s.deps.Transport.SendText(ctx, userID, text)
	if err != nil {
		return fmt.Errorf("send to %s: %w", label, err)
	}
	at := delivered.At
	if at.IsZero() {
		at = s.now()
	}
	msg := chat.Message{
		Role:      chat.RoleAssistant,
		Content:   text,
		CreatedAt: chat.NewTimestamp(at),
		MessageID: delivered.ID,
	}
	if err := s.deps.History.Append(ctx, userID, msg); err != nil {
		return fmt.Errorf("record sent message: %w", err)
	}
	fmt.Fprintf(out, "sent to %s: %q\n", label, text)
	return nil
}

func (s *Shell) appendSystem(ctx context.Context, userID int64, text string) error {
	if s.deps.Router != nil {
		return s.deps.Router.AppendSystem(ctx, userID, text)
	}
	return s.deps.History.Append(ctx, userID, chat.Message{
		Role:      chat.RoleSystem,
		Content:   text,
		CreatedAt: chat.NewTimestamp(s.now()),
	})
}

func (s *Shell) listDialogs(ctx context.Context, out io.Writer) error {
	users, err := s.deps.History.Users(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "no dialogs yet")
		return nil
	}

	fmt.Fprintln(out, "user_id | username | name | chunks | messages | last activity")
	for _, id := range users {
		sum, err := s.deps.History.Summary(ctx, id)
		if err != nil {
			fmt.Fprintf(out, "%d | error: %v\n", id, err)
			continue
		}
		username, name := "-", "-"
		if s.deps.Profiles != nil {
			if p, ok := s.deps.Profiles.Find(id); ok {
				if p.Username != "" {
					username = "@" + profile.NormalizeUsername(p.Username)
				}
				name = p.DisplayName()
			}
		}
		last := "never"
		if !sum.LastActivity.IsZero() {
			last = humanize.RelTime(sum.LastActivity, s.now(), "ago", "from now")
		}
		fmt.Fprintf(out, "%d | %s | %s | %d | %s | %s\n",
			id, username, name, sum.Chunks, humanize.Comma(int64(sum.Messages)), last)
	}
	return nil
}

func (s *Shell) showHistory(ctx context.Context, userID int64, label string, limit int, out io.Writer) error {
	msgs, err := s.deps.History.Tail(ctx, userID, 0)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintf(out, "history of %s is empty\n", label)
		return nil
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for i, m := range msgs {
		id := "-"
		if m.MessageID != 0 {
			id = fmt.Sprintf("%d", m.MessageID)
		}
		content := m.Content
		if content == "" {
			content = "(empty)"
		}
		fmt.Fprintf(out, "[%d] %s [sent_at=%s | message_id=%s]\n  %s\n", i+1, m.Role, m.CreatedAt, id, content)
	}
	return nil
}
