// Package notify is the user-facing notification collaborator (toast
// delivery on the client). The service only needs the contract plus a
// log-backed default.
package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Notifier interface {
	Notify(level Level, message string)
}

// Logger emits notifications into the structured log.
type Logger struct {
	Log zerolog.Logger
}

func (l Logger) Notify(level Level, message string) {
	switch level {
	case LevelError:
		l.Log.Error().Str("notification", message).Msg("user notification")
	default:
		l.Log.Info().Str("notification", message).Msg("user notification")
	}
}

// Recorder captures notifications for assertions in tests. Safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

type Entry struct {
	Level   Level
	Message string
}

func (r *Recorder) Notify(level Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: message})
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
