package twilio

import (
	"fmt"
	"slices"

	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// StreamTwiML answers a call by connecting its audio to the media stream at
// streamURL. Parameters are handed back in the stream's start event.
func StreamTwiML(streamURL string, parameters map[string]string) (string, error) {
	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	slices.Sort(names)

	inner := make([]twiml.Element, 0, len(names))
	for _, name := range names {
		inner = append(inner, &twiml.VoiceParameter{Name: name, Value: parameters[name]})
	}

	response, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{Url: streamURL, InnerElements: inner},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to build stream twiml: %w", err)
	}
	return response, nil
}

// ValidateSignature checks the X-Twilio-Signature of a webhook request.
func ValidateSignature(authToken, url string, params map[string]string, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	validator := client.NewRequestValidator(authToken)
	return validator.Validate(url, params, signature)
}
