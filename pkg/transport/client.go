// Package transport implements the websocket client for the streaming voice
// protocol: handshake, frame codec, keepalive, and capped reconnection with
// exponential backoff.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/core"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultKeepAliveInterval = 25 * time.Second
	minCredentialLen         = 8
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config configures a transport client.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the streaming model.
	URL string `json:"url"`

	// Credential authenticates the connection. It is validated before any
	// socket is opened.
	Credential string `json:"-"`

	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// AudioIn and AudioOut are the negotiated stream formats. Zero values
	// default to 16kHz capture and 24kHz playback, both PCM16 mono.
	AudioIn  audio.Config `json:"audio_in"`
	AudioOut audio.Config `json:"audio_out"`

	// ConnectTimeout bounds the dial plus handshake of a single attempt.
	ConnectTimeout time.Duration `json:"connect_timeout"`

	// KeepAliveInterval is the ping cadence on an idle connection. A
	// connection with no inbound traffic for two intervals is considered
	// stale and force-closed to trigger reconnection.
	KeepAliveInterval time.Duration `json:"keepalive_interval"`

	Backoff BackoffPolicy `json:"backoff"`
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	if cfg.AudioIn.SampleRate == 0 {
		cfg.AudioIn = audio.CaptureConfig()
	}
	if cfg.AudioOut.SampleRate == 0 {
		cfg.AudioOut = audio.PlaybackConfig()
	}
	return cfg
}

// Client is a websocket client for one logical conversation. Inbound frames
// and lifecycle notifications are delivered on Events(); the channel is
// closed after a terminal ClosedEvent.
type Client struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	events  chan Event
	done    chan struct{}
	closeCh chan struct{}

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	sessionID    string
	lastActivity time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial validates the credential, opens the websocket, and completes the
// setup handshake. No socket is opened when credential validation fails.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	credential := strings.TrimSpace(cfg.Credential)
	if credential == "" {
		return nil, core.NewCredentialMissingError("api credential is not set")
	}
	if len(credential) < minCredentialLen {
		return nil, core.NewCredentialInvalidError("api credential is malformed")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, core.NewTransportError("server url is not set", nil)
	}
	cfg.Credential = credential
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
		state:   StateConnecting,
	}

	conn, sessionID, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.installConn(conn, sessionID, false)
	go c.run(conn)
	return c, nil
}

// Events yields decoded server frames and connection lifecycle events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session identifier from the most
// recent handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SendAudio sends one captured PCM frame. Frames sent while the connection
// is down are dropped rather than queued; stale audio is worse than missing
// audio for a live conversation.
func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	conn := c.connectedConn()
	if conn == nil {
		return nil
	}
	return c.writeJSON(conn, AudioInput{
		Type:    "audio_input",
		DataB64: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText injects a text turn into the conversation.
func (c *Client) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	conn := c.connectedConn()
	if conn == nil {
		return core.NewTransportError("not connected", nil)
	}
	return c.writeJSON(conn, TextInput{Type: "text_input", Text: text})
}

// Close sends a normal close frame and tears down the connection. It is safe
// to call more than once and blocks until the event channel is drained by
// the reader goroutine shutting down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				c.now().Add(2*time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	<-c.done
	return nil
}

func (c *Client) connectedConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return core.NewTransportError("write frame", err)
	}
	return nil
}

// connect dials the endpoint and performs the setup handshake on a fresh
// connection. The returned conn has no read deadline set.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, string, error) {
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+c.cfg.Credential)

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, headers)
	if err != nil {
		return nil, "", classifyDialError(err, resp)
	}

	setup := Setup{
		Type:         "setup",
		Model:        c.cfg.Model,
		Voice:        c.cfg.Voice,
		SystemPrompt: c.cfg.SystemPrompt,
		AudioIn: AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: c.cfg.AudioIn.SampleRate,
			Channels:     c.cfg.AudioIn.Channels,
		},
		AudioOut: AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: c.cfg.AudioOut.SampleRate,
			Channels:     c.cfg.AudioOut.Channels,
		},
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, "", core.NewTransportError("send setup", err)
	}

	_ = conn.SetReadDeadline(c.now().Add(c.cfg.ConnectTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, "", core.NewConnectionTimeoutError("handshake timed out", err)
		}
		return nil, "", core.NewTransportError("read setup_complete", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	event, err := decodeServerFrame(payload)
	if err != nil {
		_ = conn.Close()
		return nil, "", core.NewTransportError("decode handshake frame", err)
	}
	switch e := event.(type) {
	case ReadyEvent:
		return conn, e.SessionID, nil
	case ServerErrorEvent:
		_ = conn.Close()
		return nil, "", noticeToError(e)
	default:
		_ = conn.Close()
		return nil, "", core.NewTransportError(
			fmt.Sprintf("unexpected handshake frame %q", event.transportEventType()), nil)
	}
}

func (c *Client) installConn(conn *websocket.Conn, sessionID string, resumed bool) {
	c.mu.Lock()
	c.conn = conn
	c.sessionID = sessionID
	c.state = StateConnected
	c.lastActivity = c.now()
	c.mu.Unlock()
	c.emit(ReadyEvent{SessionID: sessionID, Resumed: resumed})
}

// run owns the connection for its whole life, including reconnections. It is
// the only goroutine that closes the events channel.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.readLoop(conn)
		if c.closed.Load() {
			c.setState(StateDisconnected)
			c.emit(ClosedEvent{})
			return
		}
		if err == nil {
			// Server closed the conversation cleanly.
			c.setState(StateDisconnected)
			c.emit(ClosedEvent{})
			return
		}

		next, rerr := c.reconnect(err)
		if next == nil {
			c.setState(StateDisconnected)
			c.emit(ClosedEvent{Err: rerr})
			return
		}
		conn = next
	}
}

// readLoop reads and dispatches frames until the connection fails. It
// returns nil on a normal close and the read error otherwise.
func (c *Client) readLoop(conn *websocket.Conn) error {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.keepAlive(conn, stopPing)

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			// Only a normal closure means the conversation is over; going
			// away, abnormal closure, and vendor codes all get reconnected.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return classifyReadError(err)
		}
		c.touch()

		event, decodeErr := decodeServerFrame(payload)
		if decodeErr != nil {
			c.logger.Warn("dropping undecodable frame", "error", decodeErr)
			continue
		}
		switch e := event.(type) {
		case ReadyEvent:
			// Duplicate setup_complete after the handshake; ignore.
		case unknownEvent:
			c.logger.Debug("ignoring unknown frame", "type", e.Type)
		default:
			c.emit(event)
		}
	}
}

// keepAlive pings on an interval and force-closes a stale connection so the
// read loop unblocks and reconnection kicks in.
func (c *Client) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.sinceActivity() > 2*c.cfg.KeepAliveInterval {
				c.logger.Warn("connection stale, forcing close",
					"idle", c.sinceActivity().Round(time.Second))
				_ = conn.Close()
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, c.now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// reconnect runs the capped backoff schedule. It returns the new connection,
// or nil with the terminal error (nil error when the client was closed).
func (c *Client) reconnect(cause error) (*websocket.Conn, error) {
	c.setState(StateReconnecting)
	c.logger.Warn("connection lost", "error", cause)

	lastErr := cause
	for attempt := 1; ; attempt++ {
		delay := c.cfg.Backoff.NextDelay(attempt)
		if delay < 0 {
			c.logger.Error("reconnection attempts exhausted", "attempts", c.cfg.Backoff.MaxAttempts)
			return nil, core.AsError(lastErr)
		}
		c.emit(ReconnectingEvent{Attempt: attempt, Delay: delay})

		select {
		case <-c.closeCh:
			return nil, nil
		case <-time.After(delay):
		}

		conn, sessionID, err := c.connect(context.Background())
		if err != nil {
			lastErr = err
			var cerr *core.Error
			if errors.As(err, &cerr) && !cerr.Retryable() {
				c.logger.Error("reconnection aborted", "error", err)
				return nil, err
			}
			c.logger.Warn("reconnection attempt failed", "attempt", attempt, "error", err)
			continue
		}
		if c.closed.Load() {
			_ = conn.Close()
			return nil, nil
		}
		c.logger.Info("reconnected", "attempt", attempt, "session_id", sessionID)
		c.installConn(conn, sessionID, true)
		return conn, nil
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

func (c *Client) sinceActivity() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.lastActivity)
}

func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	default:
		// Avoid deadlocking the read loop if the caller stops consuming.
	}
}

func classifyDialError(err error, resp *http.Response) error {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return core.NewCredentialInvalidError("server rejected credential")
		case resp.StatusCode == http.StatusTooManyRequests:
			return core.NewRateLimitedError("server rate limited the connection")
		case resp.StatusCode >= 500:
			return core.NewServerError(fmt.Sprintf("server returned status %d", resp.StatusCode))
		}
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return core.NewConnectionTimeoutError("connection attempt timed out", err)
	}
	return core.NewNetworkUnavailableError("dial failed", err)
}

func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &core.Error{
			Kind:    core.ErrTransport,
			Message: "connection closed: " + ce.Text,
			Code:    ce.Code,
			Err:     err,
		}
	}
	return core.NewTransportError("read frame", err)
}

func noticeToError(e ServerErrorEvent) error {
	switch e.Code {
	case "credential_invalid", "unauthorized":
		return core.NewCredentialInvalidError(e.Message)
	case "rate_limited":
		return core.NewRateLimitedError(e.Message)
	default:
		return core.NewServerError(e.Message)
	}
}
