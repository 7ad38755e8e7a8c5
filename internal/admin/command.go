// Package admin implements the operator console: a line-oriented shell that sends
// messages, triggers cycles and maintains stored dialogs.
package admin

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zhouzirui/z-relay/internal/model/profile"
)

var (
	ErrUnknownCommand = errors.New("unknown command, try 'help'")
	ErrTargetRequired = errors.New("a target (user id or @username) is required")
	ErrEmptyCommand   = errors.New("enter a command or 'help'")
)

// Name identifies a console command.
type Name string

const (
	CmdSend        Name = "send"
	CmdAppendSys   Name = "append_sys"
	CmdSync        Name = "sync"
	CmdListDialogs Name = "list_dialogs"
	CmdShowHistory Name = "show_history"
	CmdPrune       Name = "prune_history"
	CmdDelete      Name = "delete_dialog"
	CmdRebuildMeta Name = "rebuild_meta"
	CmdHelp        Name = "help"
	CmdExit        Name = "exit"
)

const (
	defaultShowLimit = 10
	defaultKeep      = 5
)

// Target is a user reference typed by the operator.
type Target struct {
	Raw      string
	UserID   int64
	Username string
}

// ParseTarget accepts a numeric id or a username, with or without @.
func ParseTarget(raw string) Target {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return Target{Raw: raw, UserID: id}
	}
	return Target{Raw: raw, Username: profile.NormalizeUsername(raw)}
}

// Command is a parsed console line.
type Command struct {
	Name   Name
	Target Target
	// Text is the message for send and append_sys.
	Text string
	// Limit is the message count for show_history and the kept chunks for prune_history.
	Limit   int
	Trigger bool
}

// Parse turns a console line into a Command.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}
	name := Name(strings.ToLower(fields[0]))
	args := fields[1:]

	cmd := Command{Name: name}
	switch name {
	case CmdListDialogs, CmdRebuildMeta, CmdHelp, CmdExit:
		return cmd, nil
	case CmdSend, CmdAppendSys, CmdSync, CmdShowHistory, CmdPrune, CmdDelete:
	default:
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}

	if len(args) == 0 {
		return Command{}, fmt.Errorf("%s: %w", name, ErrTargetRequired)
	}
	cmd.Target = ParseTarget(args[0])
	rest := args[1:]

	switch name {
	case CmdSend:
		cmd.Text = strings.Join(rest, " ")
	case CmdAppendSys:
		cmd.Text = strings.Join(rest, " ")
		if cmd.Text == "" {
			return Command{}, errors.New("append_sys: text must not be empty")
		}
	case CmdSync:
		cmd.Trigger = true
		for _, arg := range rest {
			if arg == "--no-trigger" {
				cmd.Trigger = false
			}
		}
	case CmdShowHistory:
		limit, err := optionalInt(rest, defaultShowLimit)
		if err != nil {
			return Command{}, fmt.Errorf("show_history: limit %w", err)
		}
		cmd.Limit = limit
	case CmdPrune:
		keep, err := optionalInt(rest, defaultKeep)
		if err != nil {
			return Command{}, fmt.Errorf("prune_history: keep %w", err)
		}
		cmd.Limit = keep
	}
	return cmd, nil
}

func optionalInt(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("must be a positive number, got %q", args[0])
	}
	return n, nil
}

const helpText = `commands:
  send <user_id|@username> [text]        send text directly, or let the model write when text is omitted
  append_sys <user_id|@username> <text>  append a system message to the dialog
  sync <user_id|@username> [--no-trigger] pull unread messages and answer them
  list_dialogs                           list stored dialogs
  show_history <user_id|@username> [n]   show the last n messages (default 10)
  prune_history <user_id|@username> [k]  keep only the newest k chunks (default 5)
  delete_dialog <user_id|@username>      delete the stored dialog
  rebuild_meta                           recompute chunk metadata for every dialog
  help                                   show this help
  exit                                   leave the console`
