package chat

import (
	"errors"
	"testing"

	"lechat/internal/assistant"
)

func TestReduceLifecycle(t *testing.T) {
	var s state
	if s.phase != PhaseIdle {
		t.Fatalf("zero state must be idle")
	}

	s = reduce(s, opened{})
	if s.phase != PhaseLoading {
		t.Fatalf("expected loading after open, got %s", s.phase)
	}

	s = reduce(s, historyLoaded{count: 3})
	if s.phase != PhaseReady || !s.historyApplied {
		t.Fatalf("expected ready with history applied, got %+v", s)
	}

	s = reduce(s, streamStarted{})
	if s.phase != PhaseStreaming {
		t.Fatalf("expected streaming, got %s", s.phase)
	}

	s = reduce(s, streamFinished{reason: assistant.FinishStop})
	if s.phase != PhaseReady {
		t.Fatalf("expected ready after finish, got %s", s.phase)
	}

	s = reduce(s, closed{})
	if s.phase != PhaseClosed {
		t.Fatalf("expected closed, got %s", s.phase)
	}

	// Events after close are ignored.
	s = reduce(s, streamStarted{})
	if s.phase != PhaseClosed {
		t.Fatalf("closed state must absorb further events")
	}
}

func TestReduceRelayAndHistoryCommute(t *testing.T) {
	base := reduce(state{}, opened{})

	a := reduce(reduce(base, historyLoaded{}), relayDrained{})
	b := reduce(reduce(base, relayDrained{}), historyLoaded{})

	if a.phase != b.phase || a.historyApplied != b.historyApplied || a.relayPending != b.relayPending {
		t.Fatalf("relay drain and history load must commute: %+v vs %+v", a, b)
	}
}

func TestReduceCommitTracking(t *testing.T) {
	s := reduce(state{}, opened{})
	s = reduce(s, commitStarted{})
	if !s.commitPending {
		t.Fatalf("expected commit pending")
	}
	s = reduce(s, turnCommitted{})
	if s.commitPending {
		t.Fatalf("expected commit cleared")
	}

	err := errors.New("db down")
	s = reduce(s, commitStarted{})
	s = reduce(s, commitFailed{err: err})
	if s.commitPending {
		t.Fatalf("expected commit cleared after failure")
	}
	if !errors.Is(s.lastErr, err) {
		t.Fatalf("expected failure recorded, got %v", s.lastErr)
	}
}

func TestReduceHistoryFailureStillReachesReady(t *testing.T) {
	s := reduce(state{}, opened{})
	s = reduce(s, historyFailed{err: errors.New("offline")})
	if s.phase != PhaseReady {
		t.Fatalf("history failure must not wedge the screen in loading, got %s", s.phase)
	}
}

func TestReduceStreamErrorRecordsErr(t *testing.T) {
	streamErr := errors.New("bad gateway")
	s := reduce(state{}, opened{})
	s = reduce(s, historyLoaded{})
	s = reduce(s, streamStarted{})
	s = reduce(s, streamFinished{reason: assistant.FinishError, err: streamErr})
	if s.phase != PhaseReady {
		t.Fatalf("expected ready after error finish, got %s", s.phase)
	}
	if !errors.Is(s.lastErr, streamErr) {
		t.Fatalf("expected stream error recorded, got %v", s.lastErr)
	}
}

func TestReduceIsPure(t *testing.T) {
	s := reduce(state{}, opened{})
	before := s
	_ = reduce(s, streamStarted{})
	if s != before {
		t.Fatalf("reduce must not mutate its input")
	}
}
