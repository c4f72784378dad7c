package dialogue

import "github.com/hrygo/colloquy/llm"

// EventKind discriminates engine emissions.
type EventKind string

const (
	// EventStatus announces the next speaker.
	EventStatus EventKind = "status"
	// EventStreamDelta carries one streamed suffix of the current turn.
	EventStreamDelta EventKind = "stream-delta"
	// EventTurnComplete carries a finished utterance.
	EventTurnComplete EventKind = "turn-complete"
	// EventError reports a fatal, classified failure.
	EventError EventKind = "error"
	// EventFinished is the final event of every run.
	EventFinished EventKind = "finished"
)

// FinishReason explains how a run ended.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishCancelled FinishReason = "cancelled"
	FinishDeadline  FinishReason = "deadline"
	FinishError     FinishReason = "error"
)

// Event is one engine emission. Within a run, events are totally ordered
// and follow the agents' speaking order: a turn's deltas come after the
// previous turn's completion and before its own.
type Event struct {
	Kind EventKind
	Role Role

	// Text is the status line, delta, or completed utterance.
	Text string

	// ErrKind is set on error events.
	ErrKind llm.Kind

	// Reason is set on finished events.
	Reason FinishReason
}
