// Package transport adapts the chat network. The router and action handlers only see
// the Client interface; Bridge implements it against a messaging bridge process.
package transport

import (
	"context"
	"errors"
	"time"
)

// Client is the outbound surface of the chat network.
type Client interface {
	// SendText delivers text and returns the network-assigned id and time.
	SendText(ctx context.Context, chatID int64, text string) (Delivered, error)

	// ShowTyping keeps the typing indicator visible for d, refreshing it as needed.
	// It blocks until d has elapsed or ctx is done.
	ShowTyping(ctx context.Context, chatID int64, d time.Duration) error

	// SendReaction attaches emoji to an existing message.
	SendReaction(ctx context.Context, chatID, messageID int64, emoji string) error

	// FetchUnread returns messages in chatID not yet marked read.
	FetchUnread(ctx context.Context, chatID int64) ([]Unread, error)

	// MarkRead marks every message up to and including uptoID as read.
	MarkRead(ctx context.Context, chatID, uptoID int64) error
}

// Delivered describes a message accepted by the network. Zero values mean unknown.
type Delivered struct {
	ID int64
	At time.Time
}

// Unread is a message fetched during a backlog sync.
type Unread struct {
	ID       int64     `json:"messageId"`
	SenderID int64     `json:"senderId"`
	Text     string    `json:"text"`
	At       time.Time `json:"-"`
}

// Kind distinguishes inbound payloads.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
)

// Inbound is a single event received from the network.
type Inbound struct {
	Kind            Kind
	UserID          int64
	ChatID          int64
	MessageID       int64
	Text            string
	Audio           []byte
	AudioFormat     string
	DurationSeconds float64
	Timestamp       time.Time
}

// Source yields inbound events until it is closed.
type Source interface {
	Inbound() <-chan Inbound
}

var (
	// ErrClosed is returned by calls made after the bridge shut down.
	ErrClosed = errors.New("transport: connection closed")
)
