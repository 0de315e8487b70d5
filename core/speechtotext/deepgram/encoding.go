package deepgram

import (
	"fmt"
	"slices"

	"github.com/koscakluka/ema-calls/core/audio"
)

var listenSampleRates = []int{8000, 16000, 24000, 32000, 48000}

// validateListenEncoding reports whether the listen API can decode raw audio
// in encoding. Companded formats are only accepted at telephony rate.
func validateListenEncoding(encoding audio.EncodingInfo) error {
	if !slices.Contains(listenSampleRates, encoding.SampleRate) {
		return fmt.Errorf("unsupported sample rate %d", encoding.SampleRate)
	}

	switch encoding.Format {
	case audio.EncodingLinear16:
		return nil
	case audio.EncodingMulaw, audio.EncodingALaw:
		if encoding.SampleRate != audio.TelephonySampleRate {
			return fmt.Errorf("%s is only supported at %d Hz", encoding.Format.Name(), audio.TelephonySampleRate)
		}
		return nil
	default:
		return fmt.Errorf("unsupported encoding %q", encoding.Format.Name())
	}
}
