package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// REQB with a valid checksum
func TestNfcBRequest(t *testing.T) {
	payload := withCRCB([]byte{0x05, 0x00, 0x00})

	sy := newSynth()
	sy.carrier(2000)
	ns := newNrzBSynth(sy)
	ns.frame(payload)
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	reqb := frames[0]
	assert.Equal(t, TechB, reqb.Tech)
	assert.Equal(t, DirectionRequest, reqb.Direction)
	assert.Equal(t, payload, reqb.Payload)
	assert.True(t, reqb.HasCRC())
	assert.True(t, reqb.HasParity())
	assert.InDelta(t, 2001, float64(reqb.Start), 40)
}

// the corrupted checksum still surfaces the frame, flag cleared
func TestNfcBCorruptedCRC(t *testing.T) {
	payload := withCRCB([]byte{0x05, 0x00, 0x00})
	payload[len(payload)-1] ^= 0x01

	sy := newSynth()
	sy.carrier(2000)
	ns := newNrzBSynth(sy)
	ns.frame(payload)
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	assert.Equal(t, TechB, frames[0].Tech)
	assert.False(t, frames[0].HasCRC())
	assert.Equal(t, payload, frames[0].Payload, "payload delivered as sent")
}

// a short modulation dip must not produce a lock or a frame
func TestNfcBShortBlipNoFrame(t *testing.T) {
	sy := newSynth()
	sy.carrier(2000)
	ns := newNrzBSynth(sy)
	ns.lowUnits(3) // far too short for a SOF
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	assert.Empty(t, frames)
}
