package session

import (
	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/transport"
	"github.com/loqui-ai/loqui/pkg/vad"
)

// Config configures a conversation session.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the streaming model.
	URL string `json:"url"`

	// Credential authenticates the connection.
	Credential string `json:"-"`

	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Greeting, when set, is sent as a text turn right after connecting so
	// the model speaks first.
	Greeting string `json:"greeting,omitempty"`

	// Volume is the initial playback volume in [0, 1]. Zero means full.
	Volume float64 `json:"volume,omitempty"`

	// AudioIn and AudioOut default to 16kHz capture and 24kHz playback.
	AudioIn  audio.Config `json:"audio_in"`
	AudioOut audio.Config `json:"audio_out"`

	VAD      vad.Config              `json:"vad"`
	Backoff  transport.BackoffPolicy `json:"backoff"`
	Playback audio.PlayerConfig      `json:"playback"`
}

func (cfg Config) withDefaults() Config {
	if cfg.Volume <= 0 || cfg.Volume > 1 {
		cfg.Volume = 1
	}
	if cfg.AudioIn.SampleRate == 0 {
		cfg.AudioIn = audio.CaptureConfig()
	}
	if cfg.AudioOut.SampleRate == 0 {
		cfg.AudioOut = audio.PlaybackConfig()
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = transport.DefaultBackoffPolicy()
	}
	if cfg.Playback.DeviceBufferMs <= 0 {
		cfg.Playback = audio.DefaultPlayerConfig()
	}
	return cfg
}

func (cfg Config) transportConfig() transport.Config {
	return transport.Config{
		URL:          cfg.URL,
		Credential:   cfg.Credential,
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		SystemPrompt: cfg.SystemPrompt,
		AudioIn:      cfg.AudioIn,
		AudioOut:     cfg.AudioOut,
		Backoff:      cfg.Backoff,
	}
}
