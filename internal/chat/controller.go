// Package chat holds the reconciliation controller for an open conversation:
// it merges persisted history, the pending relay payload and the live
// streaming transcript into one ordered view, and commits finished turns
// durably.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lechat/internal/assistant"
	"lechat/internal/metrics"
	"lechat/internal/notify"
	"lechat/internal/relay"
	"lechat/internal/storage"
)

const internalErrorNotice = "Something went wrong. Please try again."

// ErrExchangePending is returned when a submission arrives while a previous
// exchange still has work outstanding.
var ErrExchangePending = errors.New("an exchange is still pending")

// Store is the slice of the message store adapter the controller needs.
type Store interface {
	AppendMessage(ctx context.Context, chatID string, msg storage.Message) error
	ListMessages(ctx context.Context, chatID string) ([]storage.Message, error)
}

// ViewTurn is a transcript entry as exposed to the rendering layer. Pending
// is set while a stream or a durable commit is outstanding.
type ViewTurn struct {
	ID          string
	Role        string
	Content     string
	Attachments []storage.Attachment
	Pending     bool
}

type Config struct {
	ChatID   string
	Store    Store
	Streamer assistant.Streamer
	Relay    *relay.Slot
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Timeout  time.Duration
}

type Controller struct {
	chatID   string
	store    Store
	session  *assistant.Session
	relay    *relay.Slot
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// ctx is the detached, authenticated context captured at Open; commits
	// triggered by stream completion outlive the opening request.
	ctx context.Context

	mu    sync.Mutex
	st    state
	draft string

	updates chan struct{}
}

func New(cfg Config) *Controller {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	c := &Controller{
		chatID:   cfg.ChatID,
		store:    cfg.Store,
		relay:    cfg.Relay,
		notifier: cfg.Notifier,
		metrics:  m,
		logger:   cfg.Logger.With().Str("chat_id", cfg.ChatID).Logger(),
		updates:  make(chan struct{}, 1),
	}
	c.session = assistant.NewSession(assistant.SessionConfig{
		Streamer: cfg.Streamer,
		Logger:   c.logger,
		Timeout:  cfg.Timeout,
		OnDelta:  c.onDelta,
		OnFinish: c.onFinish,
	})
	return c
}

// Open starts the screen lifecycle: the persisted-history load and the relay
// check run concurrently and neither cancels the other.
func (c *Controller) Open(ctx context.Context) {
	c.ctx = context.WithoutCancel(ctx)
	c.apply(opened{})

	go c.loadHistory(c.ctx)
	go c.drainRelay(c.ctx)
}

// Close tears the screen down. The in-flight stream, if any, is cancelled.
func (c *Controller) Close() {
	c.session.Stop()
	c.apply(closed{})
}

func (c *Controller) loadHistory(ctx context.Context) {
	msgs, err := c.store.ListMessages(ctx, c.chatID)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to load chat history")
		c.notifier.Notify(notify.LevelError, internalErrorNotice)
		c.apply(historyFailed{err: err})
		return
	}

	turns := make([]assistant.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, assistant.Turn{
			ID:          m.ID,
			Role:        m.Role,
			Content:     m.Content,
			Attachments: m.Attachments,
		})
	}
	// Loaded state wins: the live transcript is replaced, not merged. The
	// session re-applies an in-flight pair so a relay turn that finished
	// persisting first is not dropped.
	c.session.SetTurns(turns)
	c.apply(historyLoaded{count: len(turns)})
}

// drainRelay takes the pending payload, if one targets this chat, persists
// the user turn and forwards it into the streaming session. The slot is
// cleared by the take itself, so duplicate drains observe it empty.
func (c *Controller) drainRelay(ctx context.Context) {
	payload, ok := c.relay.Get()
	if !ok || payload.ChatID != c.chatID {
		return
	}
	payload, ok = c.relay.Take()
	if !ok {
		return
	}
	c.apply(relayDrained{})

	attachments := append(append([]storage.Attachment{}, payload.Images...), payload.Documents...)
	c.submitTurn(ctx, payload.Message, attachments, payload.Actions, nil)
}

// Submit persists a locally composed user turn and, only on persistence
// success, forwards it to the streaming session.
func (c *Controller) Submit(ctx context.Context, text string, attachments []storage.Attachment, actions []string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := c.acceptSubmission(); err != nil {
		return err
	}
	c.metrics.Submissions.Inc()
	return c.submitTurn(ctx, text, attachments, actions, func() {
		c.SetDraftText("")
	})
}

// acceptSubmission rejects a turn while another exchange still has work
// outstanding. The check runs before any durable write, so a rejected turn
// leaves no committed row behind.
func (c *Controller) acceptSubmission() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.phase == PhaseStreaming {
		return assistant.ErrStreaming
	}
	if c.st.commitPending || c.st.relayPending {
		return ErrExchangePending
	}
	if _, ok := c.relay.Get(); ok {
		return ErrExchangePending
	}
	return nil
}

// submitTurn is the shared two-step discipline: persist first, stream only
// after the commit resolved. On persistence failure the draft is preserved so
// the user can retry, and no streaming call is made.
func (c *Controller) submitTurn(ctx context.Context, text string, attachments []storage.Attachment, actions []string, onPersisted func()) error {
	// One client-generated id ties the persisted row to the streamed turn, so
	// a later history reload does not duplicate it.
	turn := assistant.Turn{
		ID:          uuid.NewString(),
		Role:        storage.RoleUser,
		Content:     text,
		Attachments: attachments,
	}

	c.apply(commitStarted{})
	err := c.store.AppendMessage(ctx, c.chatID, storage.Message{
		ID:          turn.ID,
		Role:        storage.RoleUser,
		Content:     text,
		Attachments: attachments,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to persist user turn")
		c.notifier.Notify(notify.LevelError, internalErrorNotice)
		c.metrics.CommitFailures.Inc()
		c.apply(commitFailed{err: err})
		return err
	}
	c.metrics.TurnsCommitted.Inc()
	c.apply(turnCommitted{})
	if onPersisted != nil {
		onPersisted()
	}

	// streamStarted goes first: the consume goroutine may observe the
	// terminal event before Append returns.
	c.apply(streamStarted{})
	if err := c.session.Append(ctx, turn, actions); err != nil {
		c.logger.Error().Err(err).Msg("failed to dispatch stream")
		c.notifier.Notify(notify.LevelError, internalErrorNotice)
		c.metrics.StreamFailures.Inc()
		if !errors.Is(err, assistant.ErrStreaming) {
			c.apply(streamFinished{reason: assistant.FinishError, err: err})
		}
		return err
	}
	return nil
}

// Stop cancels the in-flight stream. Only meaningful while streaming; the
// already-persisted user turn is not rolled back.
func (c *Controller) Stop() {
	if c.Phase() != PhaseStreaming {
		return
	}
	c.session.Stop()
}

func (c *Controller) SetDraftText(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
	c.notifyUpdate()
}

func (c *Controller) DraftText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Transcript returns the merged, ordered view: persisted and live turns,
// deduplicated by id, each annotated with the pending flag.
func (c *Controller) Transcript() []ViewTurn {
	turns := c.session.Turns()

	c.mu.Lock()
	pending := c.st.phase == PhaseStreaming || c.st.commitPending
	c.mu.Unlock()

	out := make([]ViewTurn, 0, len(turns))
	seen := make(map[string]struct{}, len(turns))
	for _, t := range turns {
		if t.ID != "" {
			if _, dup := seen[t.ID]; dup {
				continue
			}
			seen[t.ID] = struct{}{}
		}
		out = append(out, ViewTurn{
			ID:          t.ID,
			Role:        t.Role,
			Content:     t.Content,
			Attachments: t.Attachments,
			Pending:     pending,
		})
	}
	return out
}

// InputDisabled reports whether the input affordance should be disabled:
// empty draft, a stream or commit in flight, or an undrained relay payload.
func (c *Controller) InputDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.phase == PhaseStreaming || c.st.commitPending || c.st.relayPending {
		return true
	}
	if _, ok := c.relay.Get(); ok {
		return true
	}
	return c.draft == ""
}

// Pending reports whether a load, a stream, or a commit is outstanding.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.phase == PhaseLoading || c.st.phase == PhaseStreaming || c.st.commitPending
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.phase
}

// Updates signals coalesced transcript/state changes; consumers re-read the
// view on each tick.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) onDelta() {
	c.metrics.StreamDeltas.Inc()
	c.apply(deltaReceived{})
}

// onFinish handles the terminal stream event. Only a natural stop commits the
// assistant turn durably; error and cancelled terminations leave whatever
// partial content exists in the live transcript only.
func (c *Controller) onFinish(reply assistant.Turn, user assistant.Turn, reason assistant.FinishReason, streamErr error) {
	c.apply(streamFinished{reason: reason, err: streamErr})

	switch reason {
	case assistant.FinishStop:
		c.apply(commitStarted{})
		err := c.store.AppendMessage(c.ctx, c.chatID, storage.Message{
			ID:          reply.ID,
			Role:        storage.RoleAssistant,
			Content:     reply.Content,
			Attachments: user.Attachments,
		})
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to commit assistant turn")
			c.notifier.Notify(notify.LevelError, internalErrorNotice)
			c.metrics.CommitFailures.Inc()
			c.apply(commitFailed{err: err})
			return
		}
		c.metrics.TurnsCommitted.Inc()
		c.apply(turnCommitted{})
	case assistant.FinishError:
		c.metrics.StreamFailures.Inc()
		c.notifier.Notify(notify.LevelError, internalErrorNotice)
	case assistant.FinishCancelled:
		// not a failure; partial content stays in the live transcript
	}
}

func (c *Controller) apply(ev event) {
	c.mu.Lock()
	c.st = reduce(c.st, ev)
	c.mu.Unlock()
	c.notifyUpdate()
}

func (c *Controller) notifyUpdate() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
