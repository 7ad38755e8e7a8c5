// Package router batches inbound messages per user and runs one LLM dispatch cycle
// per batch.
//
// Each user moves between three states. Idle: nothing pending. Collecting: a
// debounce timer is armed and new messages only join the inbox. Dispatching: a
// cycle is running and new messages wait for the next one. The debounce window is
// anchored on the first message of a batch; later arrivals never extend it.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/metrics"
	"github.com/zhouzirui/z-relay/internal/model/chat"
	"github.com/zhouzirui/z-relay/internal/model/profile"
	"github.com/zhouzirui/z-relay/internal/router/actions"
	"github.com/zhouzirui/z-relay/internal/transport"
)

var (
	ErrUserBusy = errors.New("router: a cycle is already running for this user")
	ErrClosed   = errors.New("router: shut down")
)

// DefaultDebounce is used when Options.Debounce is not positive.
const DefaultDebounce = 2 * time.Second

// State is the dispatch state of one user.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

// Incoming is one inbound text message.
type Incoming struct {
	UserID    int64
	ChatID    int64
	Text      string
	MessageID int64
	Timestamp time.Time
}

// LLM turns an ordered conversation into a reply.
type LLM interface {
	Generate(ctx context.Context, messages []chat.Message) (string, error)
}

// Prompts supplies the system prompts.
type Prompts interface {
	SystemPrompt() string
	ActionsPrompt() string
}

// Store is the conversation store as seen by the router.
type Store interface {
	actions.Store
	Tail(ctx context.Context, userID int64, maxChunks int) ([]chat.Message, error)
}

// Deps are the router's collaborators. Prompts, Profiles and Metrics are optional.
type Deps struct {
	Transport transport.Client
	Store     Store
	LLM       LLM
	Prompts   Prompts
	Profiles  profile.Store
	Metrics   *metrics.Metrics
}

// Options tune batching and prompt building.
type Options struct {
	Debounce             time.Duration
	ContextChunks        int
	DefaultHuman         time.Duration
	CycleTimeout         time.Duration
	IncludeActionsPrompt bool
	IncludeProfilePrompt bool
}

// Option customises a Router.
type Option func(*Router)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithExecutorOptions forwards options to the action executor.
func WithExecutorOptions(opts ...actions.ExecutorOption) Option {
	return func(r *Router) {
		r.execOpts = append(r.execOpts, opts...)
	}
}

// WithClock replaces time.Now for inbound messages without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

type userState struct {
	inbox  []Incoming
	chatID int64
	timer  *time.Timer
	busy   bool
}

// Router owns every user's state. All methods are safe for concurrent use.
type Router struct {
	deps     Deps
	opts     Options
	logger   *zap.Logger
	execOpts []actions.ExecutorOption
	executor *actions.Executor
	now      func() time.Time

	mu     sync.Mutex
	users  map[int64]*userState
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Router. Transport, Store and LLM are required.
func New(deps Deps, opts Options, options ...Option) (*Router, error) {
	if deps.Transport == nil || deps.Store == nil || deps.LLM == nil {
		return nil, errors.New("router: transport, store and llm are required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	r := &Router{
		deps:   deps,
		opts:   opts,
		logger: zap.NewNop(),
		now:    time.Now,
		users:  make(map[int64]*userState),
	}
	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.Named("router")
	r.executor = actions.NewExecutor(r.logger, opts.DefaultHuman, r.execOpts...)
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

func (r *Router) user(userID int64) *userState {
	st, ok := r.users[userID]
	if !ok {
		st = &userState{}
		r.users[userID] = st
	}
	return st
}

// HandleIncoming queues a message for its user and arms the debounce timer when the
// user is idle. Blank text is ignored.
func (r *Router) HandleIncoming(_ context.Context, in Incoming) error {
	if strings.TrimSpace(in.Text) == "" {
		return nil
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	st := r.user(in.UserID)
	st.inbox = append(st.inbox, in)
	if in.ChatID != 0 {
		st.chatID = in.ChatID
	}
	if st.busy || st.timer != nil {
		return nil
	}
	r.armLocked(in.UserID, st)
	return nil
}

// HandleInbound adapts a transport event that already carries text.
func (r *Router) HandleInbound(ctx context.Context, in transport.Inbound) error {
	r.deps.Metrics.Inbound(string(in.Kind))
	return r.HandleIncoming(ctx, Incoming{
		UserID:    in.UserID,
		ChatID:    in.ChatID,
		Text:      in.Text,
		MessageID: in.MessageID,
		Timestamp: in.Timestamp,
	})
}

func (r *Router) armLocked(userID int64, st *userState) {
	st.timer = time.AfterFunc(r.opts.Debounce, func() { r.fire(userID) })
}

// fire drains the inbox and runs the cycle on the timer's goroutine.
func (r *Router) fire(userID int64) {
	r.mu.Lock()
	st := r.user(userID)
	st.timer = nil
	if r.closed || st.busy || len(st.inbox) == 0 {
		r.mu.Unlock()
		return
	}
	batch := st.inbox
	st.inbox = nil
	st.busy = true
	chatID := st.chatID
	r.wg.Add(1)
	r.mu.Unlock()

	r.runCycle(userID, chatID, batch, "", metrics.KindInbound)
}

// finish clears busy and re-arms the timer when messages arrived during the cycle.
func (r *Router) finish(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.user(userID)
	st.busy = false
	if r.closed || len(st.inbox) == 0 || st.timer != nil {
		return
	}
	r.armLocked(userID, st)
}

// State reports the dispatch state of userID.
func (r *Router) State(userID int64) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.users[userID]
	switch {
	case !ok:
		return StateIdle
	case st.busy:
		return StateDispatching
	case st.timer != nil:
		return StateCollecting
	default:
		return StateIdle
	}
}

// TriggerProactive starts one cycle without new inbound text. instruction, when not
// empty, is appended to the prompt as a final system message and never persisted.
// chatID 0 reuses the last known chat of the user. The cycle runs in the background.
func (r *Router) TriggerProactive(_ context.Context, userID, chatID int64, instruction string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	st := r.user(userID)
	if st.busy {
		r.mu.Unlock()
		return ErrUserBusy
	}
	if chatID == 0 {
		chatID = st.chatID
	}
	if chatID == 0 {
		// 私聊中 chat id 与 user id 相同
		chatID = userID
	}
	st.chatID = chatID
	st.busy = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.runCycle(userID, chatID, nil, strings.TrimSpace(instruction), metrics.KindProactive)
	return nil
}

// SyncUnread persists unread messages from userID newer than the last stored user
// message, marks them read and, when trigger is set and something new was stored,
// starts a cycle.
// A busy user is not an error: the running user's next cycle sees the backlog.
func (r *Router) SyncUnread(ctx context.Context, userID, chatID int64, trigger bool) (int, error) {
	if chatID == 0 {
		chatID = userID
	}
	unread, err := r.deps.Transport.FetchUnread(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("fetch unread: %w", err)
	}
	sort.SliceStable(unread, func(i, j int) bool { return unread[i].ID < unread[j].ID })

	last := r.deps.Store.LastMessageID(ctx, userID, chat.RoleUser)
	var (
		stored int
		maxID  int64
	)
	for _, u := range unread {
		if u.ID > maxID {
			maxID = u.ID
		}
		if u.ID <= last || strings.TrimSpace(u.Text) == "" {
			continue
		}
		// 群聊或账号自身发出的消息不算作该用户的发言
		if u.SenderID != 0 && u.SenderID != userID {
			continue
		}
		at := u.At
		if at.IsZero() {
			at = r.now()
		}
		msg := chat.Message{
			Role:      chat.RoleUser,
			Content:   u.Text,
			CreatedAt: chat.NewTimestamp(at),
			MessageID: u.ID,
		}
		if err := r.deps.Store.Append(ctx, userID, msg); err != nil {
			return stored, fmt.Errorf("store unread message %d: %w", u.ID, err)
		}
		stored++
	}

	if maxID > 0 {
		if err := r.deps.Transport.MarkRead(ctx, chatID, maxID); err != nil {
			r.logger.Warn("mark read failed", zap.Int64("chat_id", chatID), zap.Int64("upto", maxID), zap.Error(err))
		}
	}
	r.logger.Info("unread synced",
		zap.Int64("user_id", userID),
		zap.Int("fetched", len(unread)),
		zap.Int("stored", stored),
	)

	if trigger && stored > 0 {
		err := r.TriggerProactive(ctx, userID, chatID, "")
		if err != nil && !errors.Is(err, ErrUserBusy) {
			return stored, err
		}
	}
	return stored, nil
}

// AppendSystem persists a raw system message for userID.
func (r *Router) AppendSystem(ctx context.Context, userID int64, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("router: empty system message")
	}
	msg := chat.Message{
		Role:      chat.RoleSystem,
		Content:   content,
		CreatedAt: chat.NewTimestamp(r.now()),
	}
	return r.deps.Store.Append(ctx, userID, msg)
}

// Shutdown stops pending timers, cancels running cycles and waits for them until ctx
// is done. Queued inbox messages are dropped.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	dropped := 0
	for _, st := range r.users {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		dropped += len(st.inbox)
		st.inbox = nil
	}
	r.mu.Unlock()

	r.cancel()
	if dropped > 0 {
		r.logger.Warn("dropping queued messages on shutdown", zap.Int("messages", dropped))
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runCycle persists the batch, asks the model and executes its actions. Callers
// have marked the user busy and added to wg.
func (r *Router) runCycle(userID, chatID int64, batch []Incoming, instruction, kind string) {
	cycleID := uuid.NewString()
	log := r.logger.With(
		zap.Int64("user_id", userID),
		zap.String("cycle", cycleID),
		zap.String("kind", kind),
	)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("cycle panicked", zap.Any("panic", rec))
		}
		r.finish(userID)
		r.wg.Done()
	}()

	ctx := r.baseCtx
	if r.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CycleTimeout)
		defer cancel()
	}
	defer r.deps.Metrics.CycleStarted(kind)()
	if kind == metrics.KindInbound {
		r.deps.Metrics.Batch(len(batch))
	}

	for _, in := range batch {
		msg := chat.Message{
			Role:      chat.RoleUser,
			Content:   in.Text,
			CreatedAt: chat.NewTimestamp(in.Timestamp),
			MessageID: in.MessageID,
		}
		if err := r.deps.Store.Append(ctx, userID, msg); err != nil {
			log.Error("persist inbound message failed", zap.Int64("message_id", in.MessageID), zap.Error(err))
		}
	}

	prompt := r.buildPrompt(ctx, userID, instruction)
	reply, err := r.deps.LLM.Generate(ctx, prompt)
	if err != nil {
		r.deps.Metrics.LLMFailed()
		log.Error("llm call failed", zap.Int("batch", len(batch)), zap.Error(err))
		return
	}

	list, fallback := actions.ParseOrFallback(reply)
	if fallback {
		r.deps.Metrics.Fallback()
		log.Warn("reply is not an action list, sending it verbatim", zap.Int("length", len(reply)))
	}

	env := actions.Env{Transport: r.deps.Transport, Store: r.deps.Store}
	outcomes := r.executor.Run(ctx, env, actions.Target{UserID: userID, ChatID: chatID}, list)
	for _, out := range outcomes {
		r.deps.Metrics.Action(string(out.Type), outcomeResult(out))
	}
	log.Info("cycle finished",
		zap.Int("batch", len(batch)),
		zap.Int("actions", len(list)),
		zap.Int("executed", len(outcomes)),
	)
}

func outcomeResult(out actions.Outcome) string {
	switch {
	case out.Err != nil:
		return "error"
	case out.Skipped:
		return "skipped"
	default:
		return "ok"
	}
}
