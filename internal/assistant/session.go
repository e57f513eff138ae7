package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lechat/internal/storage"
)

// ErrStreaming is returned when Append is called while a stream is already
// in flight.
var ErrStreaming = errors.New("a stream is already in flight")

// Session manages one logical exchange loop with the assistant endpoint. It
// keeps the live transcript, dispatches streams and applies deltas
// append-only against the last assistant turn.
type Session struct {
	streamer Streamer
	logger   zerolog.Logger
	timeout  time.Duration

	// OnDelta fires after each applied delta. OnFinish fires on every
	// terminal reason; callers commit durably only on FinishStop.
	onDelta  func()
	onFinish func(assistantTurn Turn, userTurn Turn, reason FinishReason, err error)

	mu        sync.Mutex
	turns     []Turn
	streaming bool
	cancel    context.CancelFunc
	liveUser  *Turn
	liveReply *Turn
}

type SessionConfig struct {
	Streamer Streamer
	Logger   zerolog.Logger
	Timeout  time.Duration
	OnDelta  func()
	OnFinish func(assistantTurn Turn, userTurn Turn, reason FinishReason, err error)
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.OnDelta == nil {
		cfg.OnDelta = func() {}
	}
	if cfg.OnFinish == nil {
		cfg.OnFinish = func(Turn, Turn, FinishReason, error) {}
	}
	return &Session{
		streamer: cfg.Streamer,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		onDelta:  cfg.OnDelta,
		onFinish: cfg.OnFinish,
	}
}

// Append adds a fully-formed user turn to the live transcript and opens a
// streaming request. It returns once the request is dispatched; deltas arrive
// asynchronously.
func (s *Session) Append(ctx context.Context, turn Turn, actions []string) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return ErrStreaming
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.Role = storage.RoleUser

	req := Request{Turns: append(copyTurns(s.turns), turn), Actions: actions}

	reply := Turn{ID: uuid.NewString(), Role: storage.RoleAssistant}
	s.turns = append(s.turns, turn, reply)
	s.liveUser = &s.turns[len(s.turns)-2]
	s.liveReply = &s.turns[len(s.turns)-1]

	// The stream must outlive the caller's request context; only Stop or the
	// timeout end it.
	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	events, err := s.streamer.Stream(streamCtx, req)
	if err != nil {
		cancel()
		s.dropLivePairLocked()
		s.mu.Unlock()
		return fmt.Errorf("dispatch stream: %w", err)
	}
	s.streaming = true
	s.cancel = cancel
	s.mu.Unlock()

	go s.consume(streamCtx, events)
	return nil
}

// Stop requests cancellation of the in-flight stream. The transcript keeps
// whatever partial content had arrived; the terminal reason becomes
// cancelled.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Turns returns a copy of the live transcript.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTurns(s.turns)
}

// SetTurns replaces the transcript with loaded history. Loaded state wins
// over any stale in-memory placeholder, but an in-flight pair is re-applied
// after the replacement so a turn that raced the history load is not
// silently dropped.
func (s *Session) SetTurns(turns []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := copyTurns(turns)
	if s.liveUser != nil && s.liveReply != nil {
		user, reply := *s.liveUser, *s.liveReply
		if !containsTurn(replaced, user.ID) {
			replaced = append(replaced, user)
		}
		replaced = append(replaced, reply)
		s.liveReply = &replaced[len(replaced)-1]
		s.liveUser = &user
	}
	s.turns = replaced
}

func (s *Session) consume(ctx context.Context, events <-chan Event) {
	for ev := range events {
		if ev.Delta != "" {
			s.applyDelta(ev.Delta)
			s.onDelta()
			continue
		}
		if ev.Done {
			s.finish(ctx, ev)
			return
		}
	}
	// Channel closed without a terminal event; treat as an endpoint error.
	s.finish(ctx, Event{Done: true, Reason: FinishError, Err: errors.New("stream ended without terminal event")})
}

// applyDelta appends to the last assistant turn only; no delta may target an
// earlier turn.
func (s *Session) applyDelta(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveReply != nil {
		s.liveReply.Content += delta
	}
}

func (s *Session) finish(ctx context.Context, ev Event) {
	reason := ev.Reason
	if ctx.Err() != nil && reason != FinishStop {
		reason = FinishCancelled
	}

	s.mu.Lock()
	var user, reply Turn
	if s.liveUser != nil {
		user = *s.liveUser
	}
	if s.liveReply != nil {
		reply = *s.liveReply
	}
	s.streaming = false
	s.liveUser, s.liveReply = nil, nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	switch reason {
	case FinishStop:
		s.logger.Debug().Str("turn_id", reply.ID).Msg("stream completed")
	case FinishCancelled:
		s.logger.Info().Str("turn_id", reply.ID).Msg("stream cancelled")
	default:
		s.logger.Error().Err(ev.Err).Str("turn_id", reply.ID).Msg("stream failed")
	}
	s.onFinish(reply, user, reason, ev.Err)
}

func (s *Session) dropLivePairLocked() {
	if len(s.turns) >= 2 {
		s.turns = s.turns[:len(s.turns)-2]
	}
	s.liveUser, s.liveReply = nil, nil
}

func copyTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

func containsTurn(turns []Turn, id string) bool {
	for _, t := range turns {
		if t.ID == id {
			return true
		}
	}
	return false
}
