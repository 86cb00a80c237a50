package deepgram

type deepgramVoice string

const (
	VoiceAsteria deepgramVoice = "aura-2-asteria-en"
	VoiceThalia  deepgramVoice = "aura-2-thalia-en"
	VoiceHelena  deepgramVoice = "aura-2-helena-en"
	VoiceApollo  deepgramVoice = "aura-2-apollo-en"
	VoiceOrion   deepgramVoice = "aura-2-orion-en"
	VoiceArcas   deepgramVoice = "aura-2-arcas-en"
	VoiceLuna    deepgramVoice = "aura-2-luna-en"
	VoiceZeus    deepgramVoice = "aura-2-zeus-en"

	defaultVoice = VoiceThalia
)

func GetAvailableVoices() []deepgramVoice {
	return []deepgramVoice{
		VoiceAsteria,
		VoiceThalia,
		VoiceHelena,
		VoiceApollo,
		VoiceOrion,
		VoiceArcas,
		VoiceLuna,
		VoiceZeus,
	}
}

// ParseVoice returns the voice named name, or the default voice if name is
// empty.
func ParseVoice(name string) (deepgramVoice, bool) {
	if name == "" {
		return defaultVoice, true
	}
	for _, voice := range GetAvailableVoices() {
		if string(voice) == name {
			return voice, true
		}
	}
	return "", false
}
