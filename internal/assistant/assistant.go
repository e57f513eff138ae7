// Package assistant wraps the streaming request/response exchange with the
// assistant endpoint and owns the live, in-memory transcript.
package assistant

import (
	"context"

	"lechat/internal/storage"
)

// FinishReason terminates a stream. Cancelled is caller-initiated and is not
// a failure.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// Turn is one message of a conversation, attributed to the user or the
// assistant role.
type Turn struct {
	ID          string
	Role        string
	Content     string
	Attachments []storage.Attachment
}

// Event is one element of the delta sequence. Exactly one terminal event
// (Done set, Reason populated, Err populated on FinishError) is delivered,
// after which the channel is closed.
type Event struct {
	Delta  string
	Done   bool
	Reason FinishReason
	Err    error
}

// Request carries the transcript context and the enabled action hints to the
// endpoint. Attachments are referenced by transiently-accessible URLs.
type Request struct {
	Turns   []Turn
	Actions []string
}

// Streamer opens one streaming exchange. The returned channel yields content
// deltas in transport order followed by a single terminal event; cancelling
// ctx aborts the stream mid-flight.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
