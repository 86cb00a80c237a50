package orchestration

import (
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/llms"
)

func newCallbackEventEmitter(opts OrchestrateOptions) events.Handler {
	return func(event events.Event) {
		switch typedEvent := event.(type) {
		case events.TurnCompleted:
			switch typedEvent.Role {
			case llms.RoleUser:
				if opts.onTranscription != nil {
					opts.onTranscription(typedEvent.Content)
				}
			case llms.RoleAssistant:
				if opts.onResponse != nil {
					opts.onResponse(typedEvent.Content)
				}
			}
		case events.CallEnded:
			if opts.onCallEnded != nil {
				opts.onCallEnded(typedEvent.Reason)
			}
		}
	}
}
