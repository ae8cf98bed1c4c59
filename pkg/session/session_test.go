package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/core"
	"github.com/loqui-ai/loqui/pkg/transport"
	"github.com/loqui-ai/loqui/pkg/vad"
)

type fakeTransport struct {
	events chan transport.Event

	mu        sync.Mutex
	sentAudio [][]byte
	sentText  []string
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentAudio = append(f.sentAudio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeTransport) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentText = append(f.sentText, text)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentAudio)
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentText...)
}

type fakeCapture struct {
	msgs     chan audio.Message
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{msgs: make(chan audio.Message, 64)}
}

func (f *fakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	close(f.msgs)
}

func (f *fakeCapture) Messages() <-chan audio.Message { return f.msgs }

type enqueueRecord struct {
	gen   uint64
	bytes int
}

type fakePlayer struct {
	levels chan float64

	mu       sync.Mutex
	gen      uint64
	buffered int
	enqueues []enqueueRecord
	flushes  []uint64
	volume   float64
	stopped  bool
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{levels: make(chan float64, 16)}
}

func (f *fakePlayer) Enqueue(gen uint64, pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return
	}
	f.buffered += len(pcm)
	f.enqueues = append(f.enqueues, enqueueRecord{gen: gen, bytes: len(pcm)})
}

func (f *fakePlayer) Flush(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen = gen
	f.buffered = 0
	f.flushes = append(f.flushes, gen)
}

func (f *fakePlayer) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakePlayer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakePlayer) SetVolume(v float64) {
	f.mu.Lock()
	f.volume = v
	f.mu.Unlock()
}

func (f *fakePlayer) Levels() <-chan float64 { return f.levels }

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakePlayer) records() []enqueueRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueueRecord(nil), f.enqueues...)
}

func testConfig() Config {
	return Config{
		URL:        "ws://example.test/v1/session",
		Credential: "sk-loqui-test-credential",
		Model:      "voice-1",
		VAD: vad.Config{
			Threshold:        0.015,
			WindowSize:       1,
			ActivationFrames: 1,
			SilenceTimeout:   1500 * time.Millisecond,
		},
	}
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeTransport, *fakeCapture, *fakePlayer) {
	t.Helper()
	tr := newFakeTransport()
	capture := newFakeCapture()
	player := newFakePlayer()
	s, err := New(cfg, Deps{
		Dial:       func(ctx context.Context) (Transport, error) { return tr, nil },
		NewCapture: func() Capture { return capture },
		NewPlayer:  func() (Player, error) { return player, nil },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s, tr, capture, player
}

func awaitEvent(t *testing.T, s *Session, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-s.Events():
			if !ok {
				t.Fatal("event channel closed while waiting")
			}
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func awaitState(t *testing.T, s *Session, want State) {
	t.Helper()
	awaitEvent(t, s, func(e Event) bool {
		sc, ok := e.(StateChangedEvent)
		return ok && sc.To == want
	})
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSession_StartSendsGreeting(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Introduce yourself."
	s, tr, capture, player := newTestSession(t, cfg)
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.ID() == "" {
		t.Error("session id is empty")
	}
	if s.State() != StateListening {
		t.Fatalf("state = %v, want listening", s.State())
	}
	if got := tr.texts(); len(got) != 1 || got[0] != "Introduce yourself." {
		t.Errorf("greeting sent = %v", got)
	}
	capture.mu.Lock()
	started := capture.started
	capture.mu.Unlock()
	if !started {
		t.Error("capture not started")
	}
	player.mu.Lock()
	volume := player.volume
	player.mu.Unlock()
	if volume != 1 {
		t.Errorf("initial volume = %v, want 1", volume)
	}
}

func TestSession_StartDeviceFailure(t *testing.T) {
	tr := newFakeTransport()
	capture := newFakeCapture()
	capture.startErr = &audio.StartError{
		Reason: audio.FailureDeviceNotFound,
		Err:    errors.New("no capture device"),
	}
	s, err := New(testConfig(), Deps{
		Dial:       func(ctx context.Context) (Transport, error) { return tr, nil },
		NewCapture: func() Capture { return capture },
		NewPlayer:  func() (Player, error) { return newFakePlayer(), nil },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	err = s.Start(context.Background())
	var cerr *core.Error
	if !errors.As(err, &cerr) || cerr.Kind != core.ErrDeviceUnavailable {
		t.Fatalf("err = %v, want device_unavailable", err)
	}
	if s.State() != StateError {
		t.Errorf("state = %v, want error", s.State())
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Error("transport left open after device failure")
	}
}

func TestSession_RetryAfterDialFailure(t *testing.T) {
	tr := newFakeTransport()
	attempts := 0
	s, err := New(testConfig(), Deps{
		Dial: func(ctx context.Context) (Transport, error) {
			attempts++
			if attempts == 1 {
				return nil, core.NewNetworkUnavailableError("dial failed", errors.New("refused"))
			}
			return tr, nil
		},
		NewCapture: func() Capture { return newFakeCapture() },
		NewPlayer:  func() (Player, error) { return newFakePlayer(), nil },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if s.State() != StateError {
		t.Fatalf("state = %v, want error", s.State())
	}
	if s.Err() == nil {
		t.Fatal("Err() = nil in error state")
	}

	if err := s.Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.State() != StateListening {
		t.Errorf("state after retry = %v, want listening", s.State())
	}
	if err := s.Retry(context.Background()); err == nil {
		t.Error("retry while active must fail")
	}
}

func TestSession_DismissClearsError(t *testing.T) {
	s, _, _, _ := newTestSession(t, testConfig())
	defer s.Close()

	s.fail(core.NewServerError("boom"))
	s.Dismiss()
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil after dismiss", s.Err())
	}
}

func TestSession_ModelTurnLifecycle(t *testing.T) {
	s, tr, _, player := newTestSession(t, testConfig())
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 480 bytes at 24kHz mono PCM16 is 10ms of audio.
	tr.events <- transport.ContentEvent{Audio: make([]byte, 480), Text: "Hello "}
	awaitState(t, s, StateSpeaking)

	tr.events <- transport.ContentEvent{Text: "world."}
	tr.events <- transport.ContentEvent{TurnComplete: true}

	final := awaitEvent(t, s, func(e Event) bool {
		te, ok := e.(TranscriptEvent)
		return ok && te.Final
	}).(TranscriptEvent)
	if final.Text != "Hello world." {
		t.Errorf("final transcript = %q", final.Text)
	}

	// Playback completion is estimated from the buffered audio.
	awaitState(t, s, StateListening)

	records := player.records()
	if len(records) != 1 || records[0].gen != 0 || records[0].bytes != 480 {
		t.Errorf("enqueues = %+v", records)
	}
}

func TestSession_BargeInFlushesAndDropsLateAudio(t *testing.T) {
	s, tr, capture, player := newTestSession(t, testConfig())
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.events <- transport.ContentEvent{Audio: make([]byte, 9600)}
	awaitState(t, s, StateSpeaking)

	// The user starts talking over the model.
	capture.msgs <- audio.LoudnessMessage{Level: 0.5}

	interrupted := awaitEvent(t, s, func(e Event) bool {
		_, ok := e.(InterruptedEvent)
		return ok
	}).(InterruptedEvent)
	if !interrupted.ByUser {
		t.Error("interruption not attributed to the user")
	}
	awaitState(t, s, StateListening)

	player.mu.Lock()
	flushes := append([]uint64(nil), player.flushes...)
	player.mu.Unlock()
	if len(flushes) != 1 || flushes[0] != 1 {
		t.Fatalf("flushes = %v, want [1]", flushes)
	}

	// Late audio from the interrupted turn must be discarded, then the
	// server marks the boundary and a fresh turn plays normally.
	tr.events <- transport.ContentEvent{Audio: make([]byte, 2400)}
	tr.events <- transport.ContentEvent{TurnComplete: true}
	tr.events <- transport.ContentEvent{Audio: make([]byte, 480)}
	awaitState(t, s, StateSpeaking)

	eventually(t, func() bool { return len(player.records()) == 2 },
		"second turn audio never enqueued")
	records := player.records()
	if len(records) != 2 {
		t.Fatalf("enqueues = %+v, want exactly 2", records)
	}
	if records[0].gen != 0 || records[1].gen != 1 {
		t.Errorf("enqueue generations = %+v, want 0 then 1", records)
	}
	if records[1].bytes != 480 {
		t.Errorf("second turn enqueued %d bytes, want 480", records[1].bytes)
	}
}

func TestSession_ServerInterruptionStopsPlayback(t *testing.T) {
	s, tr, _, player := newTestSession(t, testConfig())
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.events <- transport.ContentEvent{Audio: make([]byte, 4800)}
	awaitState(t, s, StateSpeaking)

	tr.events <- transport.ContentEvent{Interrupted: true}
	interrupted := awaitEvent(t, s, func(e Event) bool {
		_, ok := e.(InterruptedEvent)
		return ok
	}).(InterruptedEvent)
	if interrupted.ByUser {
		t.Error("server interruption attributed to the user")
	}
	awaitState(t, s, StateListening)
	if player.Buffered() != 0 {
		t.Errorf("buffered = %d after interruption, want 0", player.Buffered())
	}
}

func TestSession_AudioGatedByVoiceActivity(t *testing.T) {
	s, tr, capture, _ := newTestSession(t, testConfig())
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	frame := audio.Frame{Data: make([]byte, 8192), SampleRate: 16000}

	// Silence: frames must not go upstream.
	capture.msgs <- audio.LoudnessMessage{Level: 0.001}
	capture.msgs <- audio.FrameMessage{Frame: frame}

	// Speech starts, then frames flow.
	capture.msgs <- audio.LoudnessMessage{Level: 0.5}
	awaitEvent(t, s, func(e Event) bool {
		_, ok := e.(SpeechStartedEvent)
		return ok
	})
	capture.msgs <- audio.FrameMessage{Frame: frame}

	eventually(t, func() bool { return tr.audioCount() == 1 },
		"voiced frame never sent upstream")
	if got := tr.audioCount(); got != 1 {
		t.Errorf("frames sent = %d, want 1 (silent frame must be dropped)", got)
	}
}

func TestSession_TransportFailureMovesToError(t *testing.T) {
	s, tr, capture, _ := newTestSession(t, testConfig())
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.events <- transport.ClosedEvent{Err: core.NewServerError("gateway exploded")}

	errEvent := awaitEvent(t, s, func(e Event) bool {
		_, ok := e.(ErrorEvent)
		return ok
	}).(ErrorEvent)
	if errEvent.Err.Kind != core.ErrServerError {
		t.Errorf("error kind = %v", errEvent.Err.Kind)
	}
	awaitState(t, s, StateError)

	eventually(t, func() bool {
		capture.mu.Lock()
		defer capture.mu.Unlock()
		return capture.stopped
	}, "capture not released after transport failure")
}

func TestSession_ReconnectionResetsTurnState(t *testing.T) {
	s, tr, _, player := newTestSession(t, testConfig())
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.events <- transport.ContentEvent{Audio: make([]byte, 4800)}
	awaitState(t, s, StateSpeaking)

	tr.events <- transport.ReconnectingEvent{Attempt: 1, Delay: time.Second}
	awaitEvent(t, s, func(e Event) bool {
		re, ok := e.(ReconnectingEvent)
		return ok && re.Attempt == 1
	})
	awaitState(t, s, StateConnecting)
	if player.Buffered() != 0 {
		t.Errorf("buffered = %d during reconnect, want 0", player.Buffered())
	}

	tr.events <- transport.ReadyEvent{SessionID: "sess_2", Resumed: true}
	awaitState(t, s, StateListening)
}

func TestSession_StartAfterCloseFails(t *testing.T) {
	s, _, _, _ := newTestSession(t, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The closed session reports idle, but restarting it must fail instead
	// of emitting on the closed event channel.
	if s.State() != StateIdle {
		t.Fatalf("state after close = %v, want idle", s.State())
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start on a closed session must fail")
	}
	if err := s.Retry(context.Background()); err == nil {
		t.Error("Retry on a closed session must fail")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle after rejected start", s.State())
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, _, capture, player := newTestSession(t, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	var sawClosed bool
	for event := range s.Events() {
		if _, ok := event.(ClosedEvent); ok {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Error("no ClosedEvent before channel close")
	}
	capture.mu.Lock()
	captureStopped := capture.stopped
	capture.mu.Unlock()
	player.mu.Lock()
	playerStopped := player.stopped
	player.mu.Unlock()
	if !captureStopped || !playerStopped {
		t.Errorf("capture stopped=%v player stopped=%v", captureStopped, playerStopped)
	}
}
