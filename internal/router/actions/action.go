// Package actions turns the model's reply into typed actions and executes them against
// the chat transport and the conversation store.
package actions

import (
	"strings"
	"time"
)

// Type is the closed set of actions the model may request.
type Type string

const (
	TypeSendMessage  Type = "send_message"
	TypeSendMessages Type = "send_messages"
	TypeAddReaction  Type = "add_reaction"
	TypeFakeTyping   Type = "fake_typing"
	TypeWait         Type = "wait"
	TypeIgnore       Type = "ignore"

	// TypeUnknown marks an action whose name matched nothing; it is skipped.
	TypeUnknown Type = "unknown"
)

// DefaultReaction is used when add_reaction omits the emoji.
const DefaultReaction = "👍"

var aliases = map[string]Type{
	"send_message": TypeSendMessage,
	"message":      TypeSendMessage,
	"send":         TypeSendMessage,
	"reply":        TypeSendMessage,
	"text":         TypeSendMessage,
	"say":          TypeSendMessage,

	"send_messages":          TypeSendMessages,
	"messages":               TypeSendMessages,
	"send_multiple_messages": TypeSendMessages,
	"multi_message":          TypeSendMessages,

	"add_reaction":     TypeAddReaction,
	"react_to_message": TypeAddReaction,
	"reaction":         TypeAddReaction,
	"react":            TypeAddReaction,
	"set_reaction":     TypeAddReaction,

	"fake_typing": TypeFakeTyping,
	"typing":      TypeFakeTyping,
	"show_typing": TypeFakeTyping,

	"wait":  TypeWait,
	"sleep": TypeWait,
	"delay": TypeWait,
	"pause": TypeWait,

	"ignore":    TypeIgnore,
	"skip":      TypeIgnore,
	"none":      TypeIgnore,
	"no_action": TypeIgnore,
	"noop":      TypeIgnore,
}

// NormalizeType maps a model-supplied action name onto Type. Matching ignores case,
// surrounding space, and treats spaces and dashes as underscores.
func NormalizeType(name string) (Type, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	t, ok := aliases[key]
	return t, ok
}

// Action is one step of the model's plan.
type Action struct {
	Type Type
	// Wait is slept before the action starts.
	Wait time.Duration
	// Human is the simulated typing/thinking time; HumanSet is false when the model
	// left it out and the executor default applies.
	Human    time.Duration
	HumanSet bool
	Payload  Payload
}

// Payload is implemented by the per-type payload structs.
type Payload interface {
	actionPayload()
}

type SendMessage struct {
	Content string
}

type SendMessages struct {
	Items []Item
}

// Item is one message of a send_messages action.
type Item struct {
	Content  string
	Wait     time.Duration
	Human    time.Duration
	HumanSet bool
}

type AddReaction struct {
	MessageID int64
	Emoji     string
}

type FakeTyping struct{}

type Pause struct{}

type Ignore struct{}

// Unknown keeps the original name of an unrecognised action for logging.
type Unknown struct {
	Name string
}

func (SendMessage) actionPayload()  {}
func (SendMessages) actionPayload() {}
func (AddReaction) actionPayload()  {}
func (FakeTyping) actionPayload()   {}
func (Pause) actionPayload()        {}
func (Ignore) actionPayload()       {}
func (Unknown) actionPayload()      {}

// Text returns a send_message action, the shape used for fallbacks.
func Text(content string) Action {
	return Action{Type: TypeSendMessage, Payload: SendMessage{Content: content}}
}
