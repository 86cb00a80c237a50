package calls

import "strings"

const (
	ReasonCallEnded        = "Call ended"
	ReasonIdleTimeout      = "Idle timeout"
	ReasonAnsweringMachine = "Answering machine detected"
	ReasonUserHangup       = "User hung up"

	// Outbound calls that were never answered.
	ReasonUserRejected    = "User rejected the call"
	ReasonUserUnavailable = "User unavailable"
)

const (
	LanguageEnglish = "English"
	LanguageHindi   = "Hindi"
)

var closingLines = map[string]string{
	LanguageEnglish: "Thank you so much for calling. Wish you a good day ahead.",
	LanguageHindi:   "कॉल करने के लिए बहुत-बहुत धन्यवाद। आपका दिन शुभ हो।",
}

// ClosingLine returns the goodbye for language, falling back to English.
func ClosingLine(language string) string {
	for name, line := range closingLines {
		if strings.EqualFold(name, strings.TrimSpace(language)) {
			return line
		}
	}
	return closingLines[LanguageEnglish]
}
