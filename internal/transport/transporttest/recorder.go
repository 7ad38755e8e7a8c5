// Package transporttest provides an in-memory transport.Client for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/z-relay/internal/transport"
)

// Sent is a text accepted by the Recorder.
type Sent struct {
	ChatID int64
	Text   string
	ID     int64
}

// Reaction is a reaction accepted by the Recorder.
type Reaction struct {
	ChatID    int64
	MessageID int64
	Emoji     string
}

// Typing is a typing indicator request.
type Typing struct {
	ChatID   int64
	Duration time.Duration
}

// Recorder records every call. Sent messages get sequential ids starting at NextID.
// ShowTyping returns immediately.
type Recorder struct {
	mu sync.Mutex

	NextID    int64
	Now       func() time.Time
	SendErr   error
	FailTexts map[string]error

	Unread       map[int64][]transport.Unread
	MarkedRead   map[int64]int64
	sent         []Sent
	reactions    []Reaction
	typing       []Typing
	sentNotifier chan struct{}
}

var _ transport.Client = (*Recorder)(nil)

// NewRecorder returns a Recorder whose first message id is 1000.
func NewRecorder() *Recorder {
	return &Recorder{
		NextID:       1000,
		Unread:       make(map[int64][]transport.Unread),
		MarkedRead:   make(map[int64]int64),
		FailTexts:    make(map[string]error),
		sentNotifier: make(chan struct{}, 1024),
	}
}

func (r *Recorder) SendText(_ context.Context, chatID int64, text string) (transport.Delivered, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SendErr != nil {
		return transport.Delivered{}, r.SendErr
	}
	if err := r.FailTexts[text]; err != nil {
		return transport.Delivered{}, err
	}
	id := r.NextID
	r.NextID++
	r.sent = append(r.sent, Sent{ChatID: chatID, Text: text, ID: id})
	select {
	case r.sentNotifier <- struct{}{}:
	default:
	}

	out := transport.Delivered{ID: id}
	if r.Now != nil {
		out.At = r.Now()
	}
	return out, nil
}

func (r *Recorder) ShowTyping(ctx context.Context, chatID int64, d time.Duration) error {
	r.mu.Lock()
	r.typing = append(r.typing, Typing{ChatID: chatID, Duration: d})
	r.mu.Unlock()
	return ctx.Err()
}

func (r *Recorder) SendReaction(_ context.Context, chatID, messageID int64, emoji string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return r.SendErr
	}
	r.reactions = append(r.reactions, Reaction{ChatID: chatID, MessageID: messageID, Emoji: emoji})
	return nil
}

func (r *Recorder) FetchUnread(_ context.Context, chatID int64) ([]transport.Unread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Unread(nil), r.Unread[chatID]...), nil
}

func (r *Recorder) MarkRead(_ context.Context, chatID, uptoID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.MarkedRead[chatID] = uptoID
	return nil
}

// Sent returns a copy of the texts sent so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Texts returns just the sent texts, in order.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.Text)
	}
	return out
}

// Reactions returns a copy of the reactions sent so far.
func (r *Recorder) Reactions() []Reaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reaction(nil), r.reactions...)
}

// Typing returns a copy of the typing requests so far.
func (r *Recorder) Typing() []Typing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Typing(nil), r.typing...)
}

// WaitSent blocks until at least n texts were sent or timeout elapses.
func (r *Recorder) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		count := len(r.sent)
		r.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-r.sentNotifier:
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
