package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	wavFormatPCM  = 1
	wavFormatALaw = 6
	wavFormatULaw = 7
)

// WAVHeaderSize is the number of bytes EncodeWAV puts in front of a chunk.
const WAVHeaderSize = 44

// EncodeWAV frames a chunk as a self-describing mono WAV file so devices that
// decode every message on its own can play it.
func EncodeWAV(chunk []byte, encoding EncodingInfo) ([]byte, error) {
	var formatTag uint16
	switch encoding.Format {
	case EncodingLinear16:
		formatTag = wavFormatPCM
	case EncodingMulaw:
		formatTag = wavFormatULaw
	case EncodingALaw:
		formatTag = wavFormatALaw
	default:
		return nil, fmt.Errorf("unsupported wav encoding %q", encoding.Format)
	}

	sampleSize := encoding.Format.ByteSize()
	header := struct {
		ChunkID       [4]byte
		ChunkSize     uint32
		Format        [4]byte
		SubchunkID    [4]byte
		SubchunkSize  uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		DataID        [4]byte
		DataSize      uint32
	}{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(chunk)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		SubchunkID:    [4]byte{'f', 'm', 't', ' '},
		SubchunkSize:  16,
		AudioFormat:   formatTag,
		NumChannels:   1,
		SampleRate:    uint32(encoding.SampleRate),
		ByteRate:      uint32(encoding.SampleRate * sampleSize),
		BlockAlign:    uint16(sampleSize),
		BitsPerSample: uint16(sampleSize * 8),
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(chunk)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(chunk)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write wav header: %w", err)
	}
	buf.Write(chunk)
	return buf.Bytes(), nil
}
