package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqui-ai/loqui/pkg/session"
	"github.com/loqui-ai/loqui/pkg/vad"
)

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Start a live voice conversation",
	Long: `Start a full-duplex voice conversation using the default microphone
and speakers. Speak to interrupt the model at any time; press Ctrl-C to
hang up.

Examples:
  loqui talk
  loqui talk --voice river --greeting "Introduce yourself briefly."
  loqui talk --threshold 0.03 --silence-timeout 1s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		model, _ := cmd.Flags().GetString("model")
		voice, _ := cmd.Flags().GetString("voice")
		systemPrompt, _ := cmd.Flags().GetString("system")
		greeting, _ := cmd.Flags().GetString("greeting")
		volume, _ := cmd.Flags().GetFloat64("volume")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		silenceTimeout, _ := cmd.Flags().GetDuration("silence-timeout")

		credential := os.Getenv("LOQUI_API_KEY")
		if credential == "" {
			return fmt.Errorf("LOQUI_API_KEY is not set")
		}

		cfg := session.Config{
			URL:          url,
			Credential:   credential,
			Model:        model,
			Voice:        voice,
			SystemPrompt: systemPrompt,
			Greeting:     greeting,
			Volume:       volume,
			VAD: vad.Config{
				Threshold:      threshold,
				SilenceTimeout: silenceTimeout,
			},
		}

		s, err := session.New(cfg, session.Deps{Logger: slog.Default()})
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := s.Start(ctx); err != nil {
			return err
		}
		fmt.Println("Connected. Start talking; press Ctrl-C to hang up.")

		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nHanging up.")
				return nil
			case event, ok := <-s.Events():
				if !ok {
					return nil
				}
				switch e := event.(type) {
				case session.TranscriptEvent:
					if e.Final {
						fmt.Printf("assistant: %s\n", e.Text)
					}
				case session.SpeechEndedEvent:
					fmt.Printf("you spoke for %.1fs\n", e.Duration.Seconds())
				case session.InterruptedEvent:
					if e.ByUser {
						fmt.Println("(interrupted)")
					}
				case session.ReconnectingEvent:
					fmt.Printf("connection lost, retrying in %s (attempt %d)\n", e.Delay, e.Attempt)
				case session.ErrorEvent:
					return e.Err
				case session.ClosedEvent:
					fmt.Printf("session closed: %s\n", e.Reason)
					return nil
				}
			}
		}
	},
}

func init() {
	talkCmd.Flags().String("url", "wss://api.loqui.ai/v1/session", "server websocket endpoint")
	talkCmd.Flags().String("model", "loqui-voice-1", "model to converse with")
	talkCmd.Flags().String("voice", "", "voice preset")
	talkCmd.Flags().String("system", "", "system prompt")
	talkCmd.Flags().StringP("greeting", "g", "", "text turn sent on connect so the model speaks first")
	talkCmd.Flags().Float64("volume", 1.0, "playback volume (0-1)")
	talkCmd.Flags().Float64("threshold", 0, "voice activation threshold (default 0.015)")
	talkCmd.Flags().Duration("silence-timeout", 1500*time.Millisecond, "silence before an utterance ends")
}
