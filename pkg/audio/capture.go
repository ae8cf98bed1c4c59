package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// DeviceFailure is a typed reason for a capture-device acquisition failure.
type DeviceFailure string

const (
	FailurePermissionDenied DeviceFailure = "permission-denied"
	FailureDeviceNotFound   DeviceFailure = "device-not-found"
	FailureOther            DeviceFailure = "other"
)

// StartError reports why the microphone could not be acquired.
type StartError struct {
	Reason DeviceFailure
	Err    error
}

// Error implements the error interface.
func (e *StartError) Error() string {
	return fmt.Sprintf("audio capture failed (%s): %v", e.Reason, e.Err)
}

// Unwrap returns the underlying device error.
func (e *StartError) Unwrap() error {
	return e.Err
}

func classifyDeviceError(err error) *StartError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission"):
		return &StartError{Reason: FailurePermissionDenied, Err: err}
	case strings.Contains(msg, "no device") || strings.Contains(msg, "not found") || strings.Contains(msg, "no backend"):
		return &StartError{Reason: FailureDeviceNotFound, Err: err}
	default:
		return &StartError{Reason: FailureOther, Err: err}
	}
}

// DefaultFrameSamples is the capture frame size in samples. 4096 samples at
// 16 kHz is 256 ms per frame.
const DefaultFrameSamples = 4096

// Framer accumulates an incoming PCM16LE byte stream and slices it into
// fixed-size frames.
type Framer struct {
	frameBytes int
	pending    []byte
}

// NewFramer creates a framer emitting frames of frameSamples PCM samples.
func NewFramer(frameSamples int) *Framer {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	return &Framer{frameBytes: frameSamples * 2}
}

// Push appends pcm to the pending stream and returns every complete frame now
// available, in order. Returned frames are freshly allocated copies.
func (f *Framer) Push(pcm []byte) [][]byte {
	f.pending = append(f.pending, pcm...)
	var frames [][]byte
	for len(f.pending) >= f.frameBytes {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.pending[:f.frameBytes])
		f.pending = f.pending[f.frameBytes:]
		frames = append(frames, frame)
	}
	return frames
}

// Reset drops any partially accumulated frame.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}

// Capture owns exclusive access to the microphone. It runs the device in a
// dedicated realtime audio context; each completed frame crosses back to the
// orchestrator as Message values on a bounded channel. The data callback never
// blocks: messages are dropped, not queued, when the consumer falls behind.
//
// Capture is never wired to any output path, so playback audio cannot echo
// back into the capture stream.
type Capture struct {
	cfg          Config
	frameSamples int
	logger       *slog.Logger

	msgs chan Message

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	framer   *Framer
	started  bool
}

// NewCapture creates a capture pipeline for the given format.
func NewCapture(cfg Config, frameSamples int, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	return &Capture{
		cfg:          cfg,
		frameSamples: frameSamples,
		logger:       logger,
		msgs:         make(chan Message, 64),
		framer:       NewFramer(frameSamples),
	}
}

// Messages returns the bounded channel carrying loudness and frame messages
// out of the audio context. The channel closes when capture stops.
func (c *Capture) Messages() <-chan Message {
	return c.msgs
}

// Start acquires the microphone and begins producing frames. Failure to
// acquire the device yields a *StartError with a typed reason.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return classifyDeviceError(err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(c.cfg.Channels)
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.onData(input)
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return classifyDeviceError(err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		return classifyDeviceError(err)
	}

	c.malgoCtx = malgoCtx
	c.device = device
	c.started = true
	c.logger.Info("capture started",
		"sample_rate", c.cfg.SampleRate,
		"frame_samples", c.frameSamples)
	return nil
}

// Stop releases the microphone. Calling Stop when capture is not running is a
// no-op.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	device := c.device
	malgoCtx := c.malgoCtx
	c.device = nil
	c.malgoCtx = nil
	c.framer.Reset()
	c.mu.Unlock()

	// Uninit waits for in-flight data callbacks, so the message channel
	// only closes once no callback can still send.
	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	if malgoCtx != nil {
		_ = malgoCtx.Uninit()
	}
	close(c.msgs)
	c.logger.Info("capture stopped")
}

// onData runs on the realtime audio thread. It converts the device's float
// samples to PCM16, slices complete frames, and hands them off without ever
// blocking.
func (c *Capture) onData(input []byte) {
	samples := make([]float32, len(input)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	pcm := FloatToPCM16(samples)

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	frames := c.framer.Push(pcm)
	c.mu.Unlock()

	for _, frame := range frames {
		level := RMS(frame)
		c.send(LoudnessMessage{Level: level})
		c.send(FrameMessage{Frame: Frame{Data: frame, SampleRate: c.cfg.SampleRate}})
	}
}

func (c *Capture) send(msg Message) {
	select {
	case c.msgs <- msg:
	default:
		// Consumer fell behind; dropping is safer than blocking the
		// realtime audio thread.
	}
}
