package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FeliCa polling command at 212 kbps
func TestNfcFPolling(t *testing.T) {
	payload := withCRCF([]byte{0x06, 0x00, 0xFF, 0xFF, 0x01, 0x00})

	sy := newSynth()
	sy.carrier(2000)
	fs := newManchesterFSynth(sy, Rate212k)
	fs.frame(payload)
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	poll := frames[0]
	assert.Equal(t, TechF, poll.Tech)
	assert.Equal(t, DirectionRequest, poll.Direction)
	assert.Equal(t, payload, poll.Payload)
	assert.True(t, poll.HasCRC())
	assert.Equal(t, uint32(211875), poll.Rate)
}

// the 424 kbps hypothesis wins when the waveform runs at 424 kbps
func TestNfcFHighRate(t *testing.T) {
	payload := withCRCF([]byte{0x03, 0x00, 0x01})

	sy := newSynth()
	sy.carrier(2000)
	fs := newManchesterFSynth(sy, Rate424k)
	fs.frame(payload)
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	assert.Equal(t, TechF, frames[0].Tech)
	assert.Equal(t, payload, frames[0].Payload)
	assert.True(t, frames[0].HasCRC())
	assert.Equal(t, uint32(423750), frames[0].Rate)
}

// a corrupted checksum surfaces with the CRC flag cleared
func TestNfcFCorruptedCRC(t *testing.T) {
	payload := withCRCF([]byte{0x06, 0x00, 0xFF, 0xFF, 0x01, 0x00})
	payload[len(payload)-1] ^= 0x80

	sy := newSynth()
	sy.carrier(2000)
	fs := newManchesterFSynth(sy, Rate212k)
	fs.frame(payload)
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	assert.False(t, frames[0].HasCRC())
	assert.Equal(t, payload, frames[0].Payload)
}
