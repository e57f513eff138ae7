package chat

import (
	"lechat/internal/assistant"
)

// Phase of the conversation screen lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseReady
	PhaseStreaming
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseStreaming:
		return "streaming"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// The controller's merge of history load, relay drain and live stream is a
// pure reducer over a tagged event log, so the order-dependent behavior is
// testable without any transport attached.
type event interface{ isEvent() }

type opened struct{}

type historyLoaded struct{ count int }

type historyFailed struct{ err error }

type relayDrained struct{}

type commitStarted struct{}

type streamStarted struct{}

type deltaReceived struct{}

type streamFinished struct {
	reason assistant.FinishReason
	err    error
}

type turnCommitted struct{}

type commitFailed struct{ err error }

type closed struct{}

func (opened) isEvent()         {}
func (historyLoaded) isEvent()  {}
func (historyFailed) isEvent()  {}
func (relayDrained) isEvent()   {}
func (commitStarted) isEvent()  {}
func (streamStarted) isEvent()  {}
func (deltaReceived) isEvent()  {}
func (streamFinished) isEvent() {}
func (turnCommitted) isEvent()  {}
func (commitFailed) isEvent()   {}
func (closed) isEvent()         {}

type state struct {
	phase          Phase
	historyApplied bool
	relayPending   bool
	commitPending  bool
	lastErr        error
}

// reduce is pure: same state and event always produce the same next state.
func reduce(s state, ev event) state {
	if s.phase == PhaseClosed {
		return s
	}

	switch e := ev.(type) {
	case opened:
		s.phase = PhaseLoading
	case historyLoaded:
		s.historyApplied = true
		if s.phase == PhaseLoading {
			s.phase = PhaseReady
		}
	case historyFailed:
		s.historyApplied = true
		s.lastErr = e.err
		if s.phase == PhaseLoading {
			s.phase = PhaseReady
		}
	case relayDrained:
		s.relayPending = true
	case commitStarted:
		s.commitPending = true
	case streamStarted:
		s.phase = PhaseStreaming
		s.relayPending = false
	case deltaReceived:
		// content-only; phase unchanged
	case streamFinished:
		if s.phase == PhaseStreaming {
			s.phase = PhaseReady
		}
		s.relayPending = false
		if e.reason == assistant.FinishError {
			s.lastErr = e.err
		}
	case turnCommitted:
		s.commitPending = false
	case commitFailed:
		s.commitPending = false
		s.relayPending = false
		s.lastErr = e.err
	case closed:
		s.phase = PhaseClosed
	}
	return s
}
