// Package session orchestrates a full-duplex voice conversation: it wires
// microphone capture, voice activity detection, the websocket transport, and
// speaker playback into a single event loop, and owns the turn-taking rules
// including user barge-in.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/core"
	"github.com/loqui-ai/loqui/pkg/transport"
	"github.com/loqui-ai/loqui/pkg/vad"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// Transport is the protocol connection used by a session.
type Transport interface {
	Events() <-chan transport.Event
	SendAudio(pcm []byte) error
	SendText(text string) error
	Close() error
}

// Capture produces microphone messages for one conversation epoch.
type Capture interface {
	Start() error
	Stop()
	Messages() <-chan audio.Message
}

// Player renders model audio and owns the speaker device.
type Player interface {
	Enqueue(gen uint64, pcm []byte)
	Flush(gen uint64)
	Generation() uint64
	Buffered() int
	SetVolume(v float64)
	Levels() <-chan float64
	Stop()
}

// Deps are the session's collaborators. Zero fields get production defaults;
// tests substitute fakes.
type Deps struct {
	// Dial opens the protocol connection. Defaults to transport.Dial with
	// the session's transport config.
	Dial func(ctx context.Context) (Transport, error)

	// NewCapture creates the microphone pipeline. A fresh capture is
	// created per conversation epoch because stopping one is final.
	NewCapture func() Capture

	// NewPlayer creates the playback pipeline, once per session.
	NewPlayer func() (Player, error)

	Logger *slog.Logger
}

// Session is one voice conversation. All orchestration runs on a single
// event loop goroutine; public methods are safe to call from any goroutine.
type Session struct {
	id         string
	cfg        Config
	logger     *slog.Logger
	dial       func(ctx context.Context) (Transport, error)
	newCapture func() Capture
	player     Player
	detector   *vad.Detector

	events chan Event
	stopCh chan struct{}

	closeOnce  sync.Once
	closedEmit atomic.Bool
	mu         sync.Mutex
	closed     bool
	state      State
	transport  Transport
	runDone    chan struct{}
	lastErr    *core.Error
}

// New creates a session. The playback device is acquired here; the
// microphone and the connection are acquired by Start.
func New(cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("session_id", id)

	if deps.Dial == nil {
		tcfg := cfg.transportConfig()
		deps.Dial = func(ctx context.Context) (Transport, error) {
			return transport.Dial(ctx, tcfg, logger)
		}
	}
	if deps.NewCapture == nil {
		in := cfg.AudioIn
		deps.NewCapture = func() Capture {
			return audio.NewCapture(in, audio.DefaultFrameSamples, logger)
		}
	}
	if deps.NewPlayer == nil {
		out, pcfg := cfg.AudioOut, cfg.Playback
		deps.NewPlayer = func() (Player, error) {
			return audio.NewPlayer(out, pcfg, logger)
		}
	}

	player, err := deps.NewPlayer()
	if err != nil {
		return nil, deviceError(err)
	}
	player.SetVolume(cfg.Volume)

	return &Session{
		id:         id,
		cfg:        cfg,
		logger:     logger,
		dial:       deps.Dial,
		newCapture: deps.NewCapture,
		player:     player,
		detector:   vad.New(cfg.VAD),
		events:     make(chan Event, 256),
		stopCh:     make(chan struct{}),
		state:      StateIdle,
	}, nil
}

// ID returns the client-side session identifier.
func (s *Session) ID() string {
	return s.id
}

// Events yields session events. The channel closes after Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to StateError, if any.
func (s *Session) Err() *core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start connects, acquires the microphone, and begins the conversation.
// On failure the session moves to StateError and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	return s.start(ctx)
}

// Retry re-attempts the conversation after a terminal error.
func (s *Session) Retry(ctx context.Context) error {
	if s.State() != StateError {
		return fmt.Errorf("retry is only valid in the error state (state %s)", s.State())
	}
	return s.start(ctx)
}

// Dismiss acknowledges a terminal error and returns the session to idle.
func (s *Session) Dismiss() {
	s.mu.Lock()
	if s.state != StateError {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateIdle
	s.lastErr = nil
	s.mu.Unlock()
	s.emit(StateChangedEvent{From: from, To: StateIdle})
}

// SendText injects a text turn into the conversation.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return core.NewTransportError("not connected", nil)
	}
	return tr.SendText(text)
}

// SetVolume sets the playback volume, clamped to [0, 1].
func (s *Session) SetVolume(v float64) {
	s.player.SetVolume(v)
}

// SetVADThreshold adjusts the speech activation threshold mid-conversation.
func (s *Session) SetVADThreshold(threshold float64) {
	s.detector.SetThreshold(threshold)
}

// SetVADSilenceTimeout adjusts the end-of-speech silence timeout.
func (s *Session) SetVADSilenceTimeout(timeout time.Duration) {
	s.detector.SetSilenceTimeout(timeout)
}

// Close ends the conversation and releases the microphone and speaker. It is
// safe to call more than once; a closed session cannot be started again.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		done := s.runDone
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		s.player.Stop()
		s.setState(StateIdle)
		s.emitClosed("closed")
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
	return nil
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	state := s.state
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session is closed")
	}
	switch state {
	case StateConnecting, StateListening, StateSpeaking:
		return fmt.Errorf("session is already active")
	}
	s.setState(StateConnecting)

	tr, err := s.dial(ctx)
	if err != nil {
		cerr := core.AsError(err)
		s.fail(cerr)
		return cerr
	}

	capture := s.newCapture()
	if err := capture.Start(); err != nil {
		_ = tr.Close()
		cerr := deviceError(err)
		s.fail(cerr)
		return cerr
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.transport = tr
	s.runDone = done
	s.mu.Unlock()
	s.detector.Reset()
	s.setState(StateListening)

	if greeting := strings.TrimSpace(s.cfg.Greeting); greeting != "" {
		if err := tr.SendText(greeting); err != nil {
			s.logger.Warn("failed to send greeting", "error", err)
		}
	}

	go s.run(tr, capture, done)
	return nil
}

// turnState is the event loop's view of the current model turn.
type turnState struct {
	// aiSpeaking is true between the first audio of a turn and its
	// estimated playback completion.
	aiSpeaking bool

	// awaitingBoundary is true after a local barge-in until the server
	// acknowledges the interruption or completes the turn. Inbound audio
	// for the superseded turn is dropped while set.
	awaitingBoundary bool

	// text accumulates the turn's transcript deltas.
	text strings.Builder
}

// run is the session event loop. It owns turn state and is the only
// goroutine that touches it.
func (s *Session) run(tr Transport, capture Capture, done chan struct{}) {
	defer close(done)

	turnTimer := time.NewTimer(time.Hour)
	stopTimer(turnTimer)
	var turn turnState

	captureMsgs := capture.Messages()
	for {
		select {
		case <-s.stopCh:
			s.shutdownEpoch(tr, capture, turnTimer)
			s.setState(StateIdle)
			s.emitClosed("closed")
			return

		case msg, ok := <-captureMsgs:
			if !ok {
				captureMsgs = nil
				continue
			}
			s.handleCaptureMessage(tr, msg, &turn, turnTimer)

		case level := <-s.player.Levels():
			s.emit(PlaybackAmplitudeEvent{Level: level})

		case event, ok := <-tr.Events():
			if !ok {
				s.shutdownEpoch(tr, capture, turnTimer)
				s.setState(StateIdle)
				s.emitClosed("connection ended")
				return
			}
			if terminal := s.handleTransportEvent(event, &turn, turnTimer); terminal {
				s.shutdownEpoch(tr, capture, turnTimer)
				return
			}

		case <-turnTimer.C:
			if turn.aiSpeaking {
				turn.aiSpeaking = false
				s.setState(StateListening)
			}
		}
	}
}

func (s *Session) handleCaptureMessage(tr Transport, msg audio.Message, turn *turnState, timer *time.Timer) {
	switch m := msg.(type) {
	case audio.LoudnessMessage:
		s.emit(AmplitudeEvent{Level: m.Level})
		transition := s.detector.Process(m.Level)
		if transition == nil {
			return
		}
		if transition.Speaking {
			s.emit(SpeechStartedEvent{})
			if turn.aiSpeaking {
				s.interruptTurn(turn, timer, true)
			}
		} else {
			s.emit(SpeechEndedEvent{Duration: transition.Duration})
		}

	case audio.FrameMessage:
		// Audio goes upstream only while the user is actually speaking.
		if !s.detector.Speaking() || s.State() != StateListening {
			return
		}
		if err := tr.SendAudio(m.Frame.Data); err != nil {
			s.logger.Warn("failed to send audio frame", "error", err)
		}
	}
}

func (s *Session) handleTransportEvent(event transport.Event, turn *turnState, timer *time.Timer) bool {
	switch e := event.(type) {
	case transport.ReadyEvent:
		if e.Resumed {
			s.setState(StateListening)
		}

	case transport.ContentEvent:
		s.handleContent(e, turn, timer)

	case transport.ServerErrorEvent:
		s.emit(ErrorEvent{Err: core.NewServerError(e.Message)})

	case transport.ReconnectingEvent:
		s.handleDisconnect(turn, timer)
		s.emit(ReconnectingEvent{Attempt: e.Attempt, Delay: e.Delay})

	case transport.ClosedEvent:
		if e.Err != nil {
			s.fail(core.AsError(e.Err))
		} else {
			s.setState(StateIdle)
			s.emitClosed("server ended the conversation")
		}
		return true
	}
	return false
}

func (s *Session) handleContent(e transport.ContentEvent, turn *turnState, timer *time.Timer) {
	if e.Interrupted {
		// Server acknowledged an interruption. Any late audio before this
		// frame has already been dropped by the generation check.
		turn.awaitingBoundary = false
		if turn.aiSpeaking {
			s.interruptTurn(turn, timer, false)
		}
		return
	}
	if turn.awaitingBoundary {
		// Frames still in flight for the turn the user barged in on.
		if e.TurnComplete {
			turn.awaitingBoundary = false
		}
		return
	}

	if len(e.Audio) > 0 {
		if !turn.aiSpeaking {
			turn.aiSpeaking = true
			s.setState(StateSpeaking)
		}
		s.player.Enqueue(s.player.Generation(), e.Audio)
	}
	if e.Text != "" {
		turn.text.WriteString(e.Text)
		s.emit(TranscriptEvent{Text: e.Text})
	}
	if e.TurnComplete {
		if turn.text.Len() > 0 {
			s.emit(TranscriptEvent{Text: turn.text.String(), Final: true})
			turn.text.Reset()
		}
		if turn.aiSpeaking {
			// The server is done sending; the turn ends when the
			// buffered audio has drained through the speaker.
			s.scheduleTurnEnd(timer)
		}
	}
}

// interruptTurn cuts the current model turn short. Flushing under a new
// generation makes late audio from the old turn drop on arrival.
func (s *Session) interruptTurn(turn *turnState, timer *time.Timer, byUser bool) {
	turn.aiSpeaking = false
	turn.awaitingBoundary = byUser
	turn.text.Reset()
	s.player.Flush(s.player.Generation() + 1)
	stopTimer(timer)
	s.setState(StateListening)
	s.emit(InterruptedEvent{ByUser: byUser})
}

// handleDisconnect resets turn state when the connection drops; a resumed
// connection starts from a clean turn boundary.
func (s *Session) handleDisconnect(turn *turnState, timer *time.Timer) {
	if turn.aiSpeaking {
		turn.aiSpeaking = false
		s.player.Flush(s.player.Generation() + 1)
		stopTimer(timer)
	}
	turn.awaitingBoundary = false
	turn.text.Reset()
	s.detector.Reset()
	s.setState(StateConnecting)
}

// scheduleTurnEnd estimates when buffered audio finishes playing and arms
// the turn timer accordingly.
func (s *Session) scheduleTurnEnd(timer *time.Timer) {
	remaining := time.Duration(s.cfg.AudioOut.DurationMs(s.player.Buffered())) * time.Millisecond
	pad := time.Duration(s.cfg.Playback.DeviceBufferMs) * time.Millisecond
	stopTimer(timer)
	timer.Reset(remaining + pad)
}

func (s *Session) shutdownEpoch(tr Transport, capture Capture, timer *time.Timer) {
	stopTimer(timer)
	capture.Stop()
	_ = tr.Close()
	s.player.Flush(s.player.Generation() + 1)
	s.detector.Reset()
	s.mu.Lock()
	s.transport = nil
	s.mu.Unlock()
}

func (s *Session) fail(err *core.Error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateError)
	s.emit(ErrorEvent{Err: err})
	s.logger.Error("session failed", "kind", err.Kind, "error", err)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.emit(StateChangedEvent{From: from, To: to})
}

func (s *Session) emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		// Avoid deadlocking the event loop if the caller stops consuming.
	}
}

func (s *Session) emitClosed(reason string) {
	if s.closedEmit.CompareAndSwap(false, true) {
		s.emit(ClosedEvent{Reason: reason})
	}
}

func deviceError(err error) *core.Error {
	var serr *audio.StartError
	if errors.As(err, &serr) {
		return core.NewDeviceUnavailableError(fmt.Sprintf("audio device unavailable (%s)", serr.Reason), serr)
	}
	return core.AsError(err)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
