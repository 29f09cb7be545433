// Package audio encodes synthesized sample buffers for storage and playback.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// ContentType is the MIME type of encoded entries.
const ContentType = "audio/wav"

// Extension is the file extension of encoded entries.
const Extension = ".wav"

const bytesPerSample = 2 // 16-bit PCM

// EncodeWAV wraps mono float32 samples in a 16-bit PCM WAV container.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if len(samples) == 0 {
		return nil, errors.New("no samples to encode")
	}

	const channels = 1
	dataLen := len(samples) * bytesPerSample
	if uint64(dataLen)+36 > math.MaxUint32 {
		return nil, errors.New("audio too long for a WAV container")
	}

	buf := &bytes.Buffer{}
	buf.Grow(44 + dataLen)

	// RIFF header
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	// fmt subchunk
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))                                 // subchunk1 size
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))                                  // audio format (PCM)
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))                           // channels
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))                         // sample rate
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*channels*bytesPerSample)) // byte rate
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels*bytesPerSample))            // block align
	_ = binary.Write(buf, binary.LittleEndian, uint16(bytesPerSample*8))                   // bits per sample

	// data subchunk
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	pcm := make([]byte, dataLen)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(toInt16(s)))
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// Duration returns the playback length in seconds of n samples at sampleRate.
func Duration(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}

func toInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s >= 1 {
		return math.MaxInt16
	}
	if s <= -1 {
		return math.MinInt16
	}
	return int16(s * 32767)
}
