// Package wav implements the minimal 16-bit PCM RIFF/WAVE container used
// to carry AFSK-modulated TPC messages (spec.md §4.3).
package wav

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize  = 44
	formatPCM   = 1
	bitsPerSamp = 16
)

// Params describes the PCM format a WAV file must match.
type Params struct {
	SampleRate int
	Channels   int
}

// DecodeError is raised for malformed or mismatched WAV containers
// (spec.md §7 IntegrityError / §8 scenario 1).
type DecodeError struct{ Reason string }

func (e *DecodeError) Error() string { return "wav: " + e.Reason }

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Encode wraps PCM 16-bit little-endian samples in a 44-byte RIFF/WAVE
// header per the params.
func Encode(samples []int16, params Params) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, headerSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(params.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(params.SampleRate))
	byteRate := params.SampleRate * params.Channels * (bitsPerSamp / 8)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	blockAlign := params.Channels * (bitsPerSamp / 8)
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSamp)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[headerSize+i*2:headerSize+i*2+2], uint16(s))
	}
	return buf
}

// Decode parses a RIFF/WAVE container, validating it is 16-bit PCM and
// matches the expected params, returning the raw samples.
func Decode(buf []byte, expect Params) ([]int16, error) {
	if len(buf) < 12 {
		return nil, decodeErrorf("truncated header")
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return nil, decodeErrorf("not a RIFF/WAVE file")
	}

	var (
		format     uint16
		channels   uint16
		sampleRate uint32
		bits       uint16
		sawFmt     bool
		dataStart  = -1
		dataEnd    = -1
	)

	pos := 12
	for pos+8 <= len(buf) {
		chunkID := string(buf[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(buf[pos+4 : pos+8]))
		bodyStart := pos + 8
		if chunkSize < 0 || bodyStart+chunkSize > len(buf) {
			return nil, decodeErrorf("chunk %q length %d exceeds file bounds", chunkID, chunkSize)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, decodeErrorf("fmt chunk too short")
			}
			format = binary.LittleEndian.Uint16(buf[bodyStart : bodyStart+2])
			channels = binary.LittleEndian.Uint16(buf[bodyStart+2 : bodyStart+4])
			sampleRate = binary.LittleEndian.Uint32(buf[bodyStart+4 : bodyStart+8])
			bits = binary.LittleEndian.Uint16(buf[bodyStart+14 : bodyStart+16])
			sawFmt = true
		case "data":
			dataStart = bodyStart
			dataEnd = bodyStart + chunkSize
		}

		pos = bodyStart + chunkSize
		if chunkSize%2 == 1 {
			pos++ // chunks are word-aligned
		}
		if dataStart >= 0 && sawFmt {
			break
		}
	}

	if !sawFmt {
		return nil, decodeErrorf("missing fmt chunk")
	}
	if dataStart < 0 {
		return nil, decodeErrorf("missing data chunk")
	}
	if format != formatPCM {
		return nil, decodeErrorf("not PCM (format=%d)", format)
	}
	if bits != bitsPerSamp {
		return nil, decodeErrorf("not 16-bit PCM (bits=%d)", bits)
	}
	if int(channels) != expect.Channels {
		return nil, decodeErrorf("channel mismatch: got %d want %d", channels, expect.Channels)
	}
	if int(sampleRate) != expect.SampleRate {
		return nil, decodeErrorf("sample rate mismatch: got %d want %d", sampleRate, expect.SampleRate)
	}

	n := (dataEnd - dataStart) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[dataStart+i*2 : dataStart+i*2+2]))
	}
	return samples, nil
}
