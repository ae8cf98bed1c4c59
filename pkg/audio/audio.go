// Package audio implements the capture and playback halves of the voice
// engine: microphone acquisition in a dedicated low-latency audio context,
// speaker output with gapless pull-based rendering, and the PCM16/float
// conversions both sides share.
//
// The audio device boundary is the only true parallelism in the engine. All
// results cross it as discrete, copied messages (see Message); capture and
// playback callbacks never share mutable buffers with the orchestrator.
package audio

// Config specifies audio format parameters.
type Config struct {
	// SampleRate in Hz. 16000 for capture, 24000 for playback.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono.
	Channels int `json:"channels"`

	// BitsPerSample: 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// CaptureConfig returns the capture-side audio contract: PCM16LE mono 16 kHz.
func CaptureConfig() Config {
	return Config{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// PlaybackConfig returns the playback-side audio contract: PCM16LE mono 24 kHz.
func PlaybackConfig() Config {
	return Config{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c Config) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in
// milliseconds.
func (c Config) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// Frame is a fixed-size block of mono PCM16LE samples at a declared sample
// rate. Capture frames are tagged Voiced by the orchestrator after VAD;
// playback frames are consumed strictly in arrival order.
type Frame struct {
	Data       []byte
	SampleRate int
	Voiced     bool
}

// Samples returns the number of PCM samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}

// Message is the tagged union crossing the audio-thread boundary. Exactly one
// concrete kind exists per variant so consumers can switch exhaustively.
type Message interface {
	message()
}

// LoudnessMessage carries the RMS loudness of one capture frame.
type LoudnessMessage struct {
	Level float64
}

func (LoudnessMessage) message() {}

// FrameMessage carries one complete capture frame.
type FrameMessage struct {
	Frame Frame
}

func (FrameMessage) message() {}
