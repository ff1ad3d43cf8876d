package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Inventory request in 1-of-256 coding: flags 0x26, command 0x01, mask 0
func TestNfcVInventory256(t *testing.T) {
	payload := withCRCV([]byte{0x26, 0x01, 0x00})

	sy := newSynth()
	sy.carrier(3000)
	ps := newPpmVSynth(sy, 8)

	values := make([]int, len(payload))
	for i, b := range payload {
		values[i] = int(b)
	}
	ps.frame(values)
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	inv := frames[0]
	assert.Equal(t, TechV, inv.Tech)
	assert.Equal(t, DirectionRequest, inv.Direction)
	assert.Equal(t, payload, inv.Payload)
	assert.True(t, inv.HasCRC())
	assert.Equal(t, uint32(26484), inv.Rate)
	assert.InDelta(t, 3001, float64(inv.Start), 10)
}

// the same request in 1-of-4 coding, four symbols per byte
func TestNfcVInventory4(t *testing.T) {
	payload := withCRCV([]byte{0x26, 0x01, 0x00})

	sy := newSynth()
	sy.carrier(3000)
	ps := newPpmVSynth(sy, 2)

	// each byte is four symbols, most significant pair first
	var values []int
	for _, b := range payload {
		for shift := 6; shift >= 0; shift -= 2 {
			values = append(values, int(b>>uint(shift))&3)
		}
	}
	ps.frame(values)
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	assert.Equal(t, TechV, frames[0].Tech)
	assert.Equal(t, payload, frames[0].Payload)
	assert.True(t, frames[0].HasCRC())
}

// a corrupted checksum surfaces with the CRC flag cleared
func TestNfcVCorruptedCRC(t *testing.T) {
	payload := withCRCV([]byte{0x26, 0x01, 0x00})
	payload[len(payload)-2] ^= 0x10

	sy := newSynth()
	sy.carrier(3000)
	ps := newPpmVSynth(sy, 8)

	values := make([]int, len(payload))
	for i, b := range payload {
		values[i] = int(b)
	}
	ps.frame(values)
	sy.carrier(2000)

	frames, err := decodeAll(DefaultConfig(testSampleRate), sy)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	assert.False(t, frames[0].HasCRC())
	assert.Equal(t, payload, frames[0].Payload)
}
