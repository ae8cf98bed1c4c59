// Package vad implements amplitude-based voice activity detection.
//
// The detector consumes per-frame loudness samples and turns them into
// discrete speaking/not-speaking episodes: a short rolling mean dampens
// transient spikes, speech start is debounced by consecutive active samples,
// and speech end requires silence to persist for a wall-clock duration so the
// decision tolerates variable frame arrival rates.
package vad

import (
	"sync"
	"time"
)

// Config tunes the detector.
type Config struct {
	// Threshold is the smoothed loudness above which a sample counts as
	// active. Typical range 0.005-0.05 depending on ambient noise.
	Threshold float64 `json:"threshold"`

	// WindowSize is the rolling-mean smoothing window in samples.
	WindowSize int `json:"window_size"`

	// ActivationFrames is how many consecutive active samples are needed
	// before a speaking episode starts. Debounces clicks and pops.
	ActivationFrames int `json:"activation_frames"`

	// SilenceTimeout is how long silence must persist, in wall-clock time,
	// before a speaking episode ends.
	SilenceTimeout time.Duration `json:"silence_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:        0.015,
		WindowSize:       5,
		ActivationFrames: 3,
		SilenceTimeout:   1500 * time.Millisecond,
	}
}

// State is a read-only snapshot of the detector.
type State struct {
	Speaking         bool
	Level            float64
	SpeechFrames     int
	SilenceFrames    int
	SilenceStartedAt time.Time
}

// Transition reports a speaking-state change. Duration is the utterance
// length, measured from the first active sample of the episode (including the
// debounce frames) to the point silence was first detected (the timeout tail
// is excluded), and is only set when Speaking is false.
type Transition struct {
	Speaking bool
	Duration time.Duration
}

// Detector owns the VAD state. It never decides turn ownership; it only
// reports speaking transitions to the orchestrator.
type Detector struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	window           []float64
	level            float64
	speaking         bool
	speechFrames     int
	silenceFrames    int
	streakStartedAt  time.Time
	speechStartedAt  time.Time
	silenceStartedAt time.Time
}

// New creates a detector. Zero config fields fall back to defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ActivationFrames <= 0 {
		cfg.ActivationFrames = def.ActivationFrames
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	return &Detector{
		cfg: cfg,
		now: time.Now,
	}
}

// Process consumes one loudness sample and returns a non-nil Transition when
// the speaking state changes. Each speaking episode yields exactly one start
// and one end transition.
func (d *Detector) Process(level float64) *Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, level)
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[1:]
	}
	var sum float64
	for _, v := range d.window {
		sum += v
	}
	smoothed := sum / float64(len(d.window))
	d.level = smoothed

	active := smoothed > d.cfg.Threshold
	now := d.now()

	if !d.speaking {
		if !active {
			d.speechFrames = 0
			d.streakStartedAt = time.Time{}
			return nil
		}
		d.speechFrames++
		if d.speechFrames == 1 {
			d.streakStartedAt = now
		}
		if d.speechFrames < d.cfg.ActivationFrames {
			return nil
		}
		d.speaking = true
		// The utterance started at the first frame of the streak, not the
		// frame that cleared the debounce.
		d.speechStartedAt = d.streakStartedAt
		d.silenceFrames = 0
		d.silenceStartedAt = time.Time{}
		return &Transition{Speaking: true}
	}

	if active {
		d.silenceFrames = 0
		d.silenceStartedAt = time.Time{}
		return nil
	}

	d.silenceFrames++
	if d.silenceStartedAt.IsZero() {
		d.silenceStartedAt = now
	}
	if now.Sub(d.silenceStartedAt) < d.cfg.SilenceTimeout {
		return nil
	}

	duration := d.silenceStartedAt.Sub(d.speechStartedAt)
	d.speaking = false
	d.speechFrames = 0
	d.silenceFrames = 0
	d.streakStartedAt = time.Time{}
	d.silenceStartedAt = time.Time{}
	return &Transition{Speaking: false, Duration: duration}
}

// SetThreshold updates the activation threshold. It takes effect on the next
// processed sample and never retroactively affects the smoothing window.
func (d *Detector) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.Threshold = threshold
	d.mu.Unlock()
}

// SetSilenceTimeout updates the wall-clock silence timeout.
func (d *Detector) SetSilenceTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.SilenceTimeout = timeout
	d.mu.Unlock()
}

// State returns a snapshot of the detector.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Speaking:         d.speaking,
		Level:            d.level,
		SpeechFrames:     d.speechFrames,
		SilenceFrames:    d.silenceFrames,
		SilenceStartedAt: d.silenceStartedAt,
	}
}

// Speaking reports whether a speaking episode is open.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset clears all detector state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = d.window[:0]
	d.level = 0
	d.speaking = false
	d.speechFrames = 0
	d.silenceFrames = 0
	d.streakStartedAt = time.Time{}
	d.speechStartedAt = time.Time{}
	d.silenceStartedAt = time.Time{}
}
