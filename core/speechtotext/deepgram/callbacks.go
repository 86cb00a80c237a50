package deepgram

import "github.com/koscakluka/ema-calls/core/speechtotext"

type callbacks struct {
	partialInterimTranscriptionCallback func(string)
	interimTranscriptionCallback        func(string)
	partialTranscriptionCallback        func(string)
	transcriptionCallback               func(string)
	startSpeechCallback                 func()
	endSpeechCallback                   func()

	wantsInterim bool
}

type websocketConfig struct {
	shouldDetectSpeechStart            bool
	shouldEnhanceSpeechEndingDetection bool
	shouldRequestInterimResults        bool
}

// newCallbackConfig fills unset callbacks with no-ops and derives which
// optional Deepgram features the configured callbacks need.
func newCallbackConfig(options speechtotext.TranscriptionOptions) (callbacks, websocketConfig) {
	noopTranscript := func(string) {}
	noop := func() {}

	cb := callbacks{
		partialInterimTranscriptionCallback: options.PartialInterimTranscriptionCallback,
		interimTranscriptionCallback:        options.InterimTranscriptionCallback,
		partialTranscriptionCallback:        options.PartialTranscriptionCallback,
		transcriptionCallback:               options.TranscriptionCallback,
		startSpeechCallback:                 options.SpeechStartedCallback,
		endSpeechCallback:                   options.SpeechEndedCallback,
		wantsInterim: options.PartialInterimTranscriptionCallback != nil ||
			options.InterimTranscriptionCallback != nil,
	}
	if cb.partialInterimTranscriptionCallback == nil {
		cb.partialInterimTranscriptionCallback = noopTranscript
	}
	if cb.interimTranscriptionCallback == nil {
		cb.interimTranscriptionCallback = noopTranscript
	}
	if cb.partialTranscriptionCallback == nil {
		cb.partialTranscriptionCallback = noopTranscript
	}
	if cb.transcriptionCallback == nil {
		cb.transcriptionCallback = noopTranscript
	}
	if cb.startSpeechCallback == nil {
		cb.startSpeechCallback = noop
	}
	if cb.endSpeechCallback == nil {
		cb.endSpeechCallback = noop
	}

	config := websocketConfig{
		shouldDetectSpeechStart: options.SpeechStartedCallback != nil,
		shouldEnhanceSpeechEndingDetection: options.TranscriptionCallback != nil ||
			options.SpeechEndedCallback != nil,
		shouldRequestInterimResults: cb.wantsInterim,
	}
	return cb, config
}
