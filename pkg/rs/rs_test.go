package rs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("CT/1 REQ web_search q=\"test\""),
		[]byte(""),
		bytes.Repeat([]byte{0xAB}, 10),
		bytes.Repeat([]byte{0x01, 0x02, 0x03}, 200), // forces multi-block framing
	}

	for _, p := range payloads {
		encoded, err := Encode(p, 8)
		require.NoError(t, err)
		decoded, err := Decode(encoded, 8)
		require.NoError(t, err)
		assert.Equal(t, p, decoded)
	}
}

func TestDecodeCorrectsSingleByteErrors(t *testing.T) {
	payload := []byte("hello reed solomon world, this is a test message")
	k := 10
	encoded, err := Encode(payload, k)
	require.NoError(t, err)

	corrupted := append([]byte(nil), encoded...)
	// corrupt floor(k/2) = 5 bytes within the first (only) block's codeword.
	corrupted[3] ^= 0xFF
	corrupted[5] ^= 0x11
	corrupted[8] ^= 0x22
	corrupted[10] ^= 0x33
	corrupted[12] ^= 0x44

	decoded, err := Decode(corrupted, k)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeFailsWithTooManyErrors(t *testing.T) {
	payload := []byte("short message")
	k := 4
	encoded, err := Encode(payload, k)
	require.NoError(t, err)

	corrupted := append([]byte(nil), encoded...)
	for i := 2; i < len(corrupted); i++ {
		corrupted[i] ^= 0xFF
	}

	_, err = Decode(corrupted, k)
	assert.Error(t, err)
}

func TestEncodeRejectsInvalidECCCount(t *testing.T) {
	_, err := Encode([]byte("x"), 0)
	assert.Error(t, err)
	_, err = Encode([]byte("x"), 255)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{0x00}, 4)
	assert.Error(t, err)

	encoded, err := Encode([]byte("abc"), 4)
	require.NoError(t, err)
	_, err = Decode(encoded[:len(encoded)-1], 4)
	assert.Error(t, err)
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	encoded, err := Encode([]byte("abc"), 4)
	require.NoError(t, err)
	withTrailing := append(encoded, 0xFF)
	_, err = Decode(withTrailing, 4)
	assert.Error(t, err)
}
