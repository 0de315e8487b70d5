package audio

import "time"

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"

	// TelephonySampleRate is the rate used by mulaw phone media streams.
	TelephonySampleRate = 8000
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

func GetTelephonyEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: TelephonySampleRate, Format: EncodingMulaw}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case encodingFormat("alaw"):
		return 0x55
	case encodingFormat("mulaw"):
		return 0xFF
	case encodingFormat("linear16"):
		return 0
	}

	return 0
}

// BytesPerSecond is the size of one second of mono audio in this encoding.
func (e EncodingInfo) BytesPerSecond() int {
	byteSize := e.Format.ByteSize()
	if byteSize <= 0 {
		return 0
	}
	return e.SampleRate * byteSize
}

// BytesPerMillisecond rounds down; it is exact for every supported rate.
func (e EncodingInfo) BytesPerMillisecond() int {
	return e.BytesPerSecond() / 1000
}

// Duration returns how long n bytes take to play back.
func (e EncodingInfo) Duration(n int) time.Duration {
	bytesPerSecond := e.BytesPerSecond()
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bytesPerSecond) * float64(time.Second))
}

// Silence returns n bytes of silence in this encoding.
func (e EncodingInfo) Silence(n int) []byte {
	if n <= 0 {
		return nil
	}
	silence := make([]byte, n)
	if value := e.SilenceValue(); value != 0 {
		for i := range silence {
			silence[i] = value
		}
	}
	return silence
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case encodingFormat("mulaw"), encodingFormat("alaw"):
		return 1
	case encodingFormat("linear16"):
		return 2
	}
	return -1
}

// ParseFormat maps a configuration string onto a known format.
func ParseFormat(name string) (encodingFormat, bool) {
	switch format := encodingFormat(name); format {
	case EncodingMulaw, EncodingALaw, EncodingLinear16:
		return format, true
	}
	return "", false
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
