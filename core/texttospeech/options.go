package texttospeech

import (
	"context"

	"github.com/koscakluka/ema-calls/core/audio"
)

// AudioSink plays synthesized audio to the caller.
type AudioSink interface {
	// WriteAudio queues audio for playback. It must not block on playout.
	WriteAudio(audio []byte) error
	// AwaitPlayout returns once everything written so far has been played.
	AwaitPlayout(ctx context.Context) error
	// Clear drops audio that was written but has not been played yet.
	Clear() error
}

type TextToSpeechOptions struct {
	// ErrorCallback is called when the connection to the TTS service fails
	// while no utterance is waiting on it.
	ErrorCallback func(error)

	EncodingInfo audio.EncodingInfo
}

type TextToSpeechOption func(*TextToSpeechOptions)

func WithErrorCallback(callback func(error)) TextToSpeechOption {
	return func(o *TextToSpeechOptions) { o.ErrorCallback = callback }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TextToSpeechOption {
	return func(o *TextToSpeechOptions) {
		if encodingInfo.IsZero() {
			return
		}

		o.EncodingInfo = encodingInfo
	}
}
