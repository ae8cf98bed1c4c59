package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// PlayerConfig configures playback buffering behavior.
type PlayerConfig struct {
	// MinBufferMs is the minimum audio to buffer before the device starts
	// pulling. This prevents glitches when the first server chunk is small.
	MinBufferMs int

	// DeviceBufferMs is the oto device buffer size. Smaller is lower
	// latency at the cost of underrun risk.
	DeviceBufferMs int
}

// DefaultPlayerConfig returns the default playback configuration.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		MinBufferMs:    50,
		DeviceBufferMs: 100,
	}
}

// Player owns exclusive access to the speaker output. Queued frames are
// rendered strictly in arrival order; when the queue is empty the device is
// fed silence and the reported amplitude drops to zero.
type Player struct {
	cfg    Config
	pcfg   PlayerConfig
	logger *slog.Logger

	queue  frameQueue
	levels chan float64

	mu      sync.Mutex
	otoCtx  *oto.Context
	player  *oto.Player
	volume  float64
	playing bool
	stopped bool
}

// NewPlayer creates a playback pipeline and initializes the output device.
// The device does not start rendering until enough audio is enqueued.
func NewPlayer(cfg Config, pcfg PlayerConfig, logger *slog.Logger) (*Player, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pcfg.DeviceBufferMs <= 0 {
		pcfg = DefaultPlayerConfig()
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(pcfg.DeviceBufferMs) * time.Millisecond,
	})
	if err != nil {
		return nil, classifyDeviceError(err)
	}
	<-ready

	return &Player{
		cfg:    cfg,
		pcfg:   pcfg,
		logger: logger,
		levels: make(chan float64, 16),
		otoCtx: otoCtx,
		volume: 1,
	}, nil
}

// Levels returns a bounded channel of playback amplitude samples, one per
// device pull. Values are dropped, never blocked on, when unconsumed.
func (p *Player) Levels() <-chan float64 {
	return p.levels
}

// Enqueue appends a playback frame tagged with a turn generation. Frames from
// a superseded generation are discarded. Rendering starts once MinBufferMs of
// audio is queued.
func (p *Player) Enqueue(gen uint64, pcm []byte) {
	if !p.queue.Push(gen, pcm) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.playing {
		return
	}
	minBytes := p.cfg.BytesForDurationMs(p.pcfg.MinBufferMs)
	if p.queue.Buffered() >= minBytes {
		p.player = p.otoCtx.NewPlayer(p)
		p.player.Play()
		p.playing = true
		p.logger.Debug("playback started", "buffered_bytes", p.queue.Buffered())
	}
}

// Flush discards all pending audio and advances the current generation so
// late frames from the superseded turn are dropped on arrival.
func (p *Player) Flush(gen uint64) {
	p.queue.Flush(gen)
}

// Generation returns the generation tag current frames must carry.
func (p *Player) Generation() uint64 {
	return p.queue.Generation()
}

// Buffered returns the number of pending, unrendered bytes.
func (p *Player) Buffered() int {
	return p.queue.Buffered()
}

// SetVolume sets the output volume, clamped to [0, 1].
func (p *Player) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Stop tears down the output device. Calling Stop when playback is already
// stopped is a no-op.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	player := p.player
	p.player = nil
	p.playing = false
	p.mu.Unlock()

	p.queue.Flush(p.queue.Generation() + 1)
	if player != nil {
		player.Close()
	}
}

// Read implements io.Reader for the oto player. It pulls queued audio in FIFO
// order, applies the volume, and reports per-pull loudness; an empty queue
// yields silence and a zero level so playback stays gapless across underruns.
func (p *Player) Read(buf []byte) (int, error) {
	p.mu.Lock()
	volume := p.volume
	stopped := p.stopped
	p.mu.Unlock()

	if stopped {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}

	data := p.queue.Pull(len(buf))
	if len(data) == 0 {
		for i := range buf {
			buf[i] = 0
		}
		p.reportLevel(0)
		return len(buf), nil
	}

	Scale(data, volume)
	n := copy(buf, data)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	p.reportLevel(RMS(data))
	return len(buf), nil
}

func (p *Player) reportLevel(level float64) {
	select {
	case p.levels <- level:
	default:
	}
}
