package audio

import "time"

// Phone calls carry 8kHz μ-law, so that is what everything defaults to.
const (
	DefaultSampleRate = 8000
	DefaultFormat     = EncodingMulaw
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: DefaultFormat}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

// Duration returns how long byteCount bytes of audio play for.
func (e EncodingInfo) Duration(byteCount int) time.Duration {
	size := e.Format.ByteSize()
	if e.SampleRate <= 0 || size <= 0 {
		return 0
	}
	samples := byteCount / size
	return time.Duration(samples) * time.Second / time.Duration(e.SampleRate)
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
