package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"

	twilioclient "github.com/twilio/twilio-go"

	orchestration "github.com/koscakluka/ema-calls/core"
	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/calls"
	"github.com/koscakluka/ema-calls/core/idle"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	sttdeepgram "github.com/koscakluka/ema-calls/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-calls/core/texttospeech"
	ttsdeepgram "github.com/koscakluka/ema-calls/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-calls/internal/config"
	"github.com/koscakluka/ema-calls/internal/store"
	"github.com/koscakluka/ema-calls/internal/telephony/twilio"
)

// SessionFactory builds the orchestrator for a call whose media stream has
// just started. The session is orchestrated and closed by the caller.
type SessionFactory func(ctx context.Context, roomID string, stream *twilio.MediaStream, info twilio.StartInfo) (*orchestration.Orchestrator, error)

func newCallSessionFactory(cfg config.Config, callStore store.CallEndStore, client *twilioclient.RestClient) SessionFactory {
	var recorder calls.EndRecorder
	if callStore != nil {
		recorder = callStore
	}
	var knowledge orchestration.KnowledgeBase
	if base, ok := callStore.(orchestration.KnowledgeBase); ok && cfg.Agent.KnowledgeFile != "" {
		knowledge = base
	}

	return func(ctx context.Context, roomID string, stream *twilio.MediaStream, info twilio.StartInfo) (_ *orchestration.Orchestrator, err error) {
		var cleanup []func() error
		defer func() {
			if err != nil {
				for _, release := range cleanup {
					_ = release()
				}
			}
		}()

		voice, ok := ttsdeepgram.ParseVoice(cfg.Deepgram.Voice)
		if !ok {
			logger.WarnContext(ctx, "unknown deepgram voice, using default", "voice", cfg.Deepgram.Voice)
			voice = ttsdeepgram.VoiceThalia
		}
		speaker, err := ttsdeepgram.NewSpeaker(cfg.Deepgram.APIKey, stream,
			ttsdeepgram.WithVoice(voice),
			ttsdeepgram.WithTextToSpeechOptions(
				texttospeech.WithEncodingInfo(audio.GetDefaultEncodingInfo()),
				texttospeech.WithErrorCallback(func(err error) {
					logger.WarnContext(ctx, "speech synthesis connection lost", "room", roomID, "error", err)
				}),
			))
		if err != nil {
			return nil, fmt.Errorf("failed to create speaker: %w", err)
		}
		cleanup = append(cleanup, speaker.Close)

		transcriber, err := sttdeepgram.NewTranscriptionClient(cfg.Deepgram.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcription client: %w", err)
		}

		llm, err := orchestration.NewStreamingLLM(cfg.LLM, cfg.Agent.SystemPrompt)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm: %w", err)
		}
		if closer, ok := llm.(io.Closer); ok {
			cleanup = append(cleanup, closer.Close)
		}

		if info.CallSID == "" {
			return nil, errors.New("media stream did not report a call sid")
		}
		terminator := calls.NewTerminator(speaker, recorder, twilio.NewHanger(client, info.CallSID),
			calls.WithTerminationHook(func(ctx context.Context, state *calls.CallState, reason string) {
				logger.InfoContext(ctx, "call hung up", "room", state.RoomID, "reason", reason)
			}))

		idleConfig := idle.DefaultConfig()
		idleConfig.WarningThreshold = cfg.Idle.WarningTimeout
		idleConfig.IdleThreshold = cfg.Idle.Timeout

		opts := []orchestration.OrchestratorOption{
			orchestration.WithStreamingLLM(llm),
			orchestration.WithSpeechOutput(speaker),
			orchestration.WithSpeechToTextClient(transcriber,
				speechtotext.WithEncodingInfo(audio.GetDefaultEncodingInfo())),
			orchestration.WithCallLine(stream),
			orchestration.WithTerminator(terminator),
			orchestration.WithIdleConfig(idleConfig),
			orchestration.WithGreeting(cfg.Agent.Greeting),
		}
		if knowledge != nil {
			opts = append(opts, orchestration.WithKnowledgeBase(knowledge))
		}
		return orchestration.NewOrchestrator(calls.NewCallState(roomID), opts...)
	}
}
