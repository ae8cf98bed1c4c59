package session

import (
	"time"

	"github.com/loqui-ai/loqui/pkg/core"
)

// Event is a session lifecycle or conversation event delivered on
// Session.Events().
type Event interface {
	EventType() string
}

// StateChangedEvent reports a session state transition.
type StateChangedEvent struct {
	From State
	To   State
}

func (e StateChangedEvent) EventType() string { return "state_changed" }

// AmplitudeEvent carries microphone loudness, one sample per capture frame.
// Values are normalized to [0, 1].
type AmplitudeEvent struct {
	Level float64
}

func (e AmplitudeEvent) EventType() string { return "amplitude" }

// PlaybackAmplitudeEvent carries speaker loudness, one sample per device
// pull. The level drops to zero when nothing is playing.
type PlaybackAmplitudeEvent struct {
	Level float64
}

func (e PlaybackAmplitudeEvent) EventType() string { return "playback_amplitude" }

// SpeechStartedEvent fires when the user starts speaking.
type SpeechStartedEvent struct{}

func (e SpeechStartedEvent) EventType() string { return "speech_started" }

// SpeechEndedEvent fires when the user stops speaking. Duration is the
// utterance length excluding the trailing silence.
type SpeechEndedEvent struct {
	Duration time.Duration
}

func (e SpeechEndedEvent) EventType() string { return "speech_ended" }

// TranscriptEvent carries model response text. Partial events stream deltas;
// the Final event carries the full turn text.
type TranscriptEvent struct {
	Text  string
	Final bool
}

func (e TranscriptEvent) EventType() string { return "transcript" }

// InterruptedEvent fires when a model turn is cut short, either by the user
// barging in or by the server.
type InterruptedEvent struct {
	ByUser bool
}

func (e InterruptedEvent) EventType() string { return "interrupted" }

// ReconnectingEvent fires before each transport reconnection attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

func (e ReconnectingEvent) EventType() string { return "reconnecting" }

// ErrorEvent surfaces a session error. Terminal errors move the session to
// StateError; the session can then be retried or dismissed.
type ErrorEvent struct {
	Err *core.Error
}

func (e ErrorEvent) EventType() string { return "error" }

// ClosedEvent is emitted once when the conversation ends.
type ClosedEvent struct {
	Reason string
}

func (e ClosedEvent) EventType() string { return "closed" }
