package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRejectsBadBlocks(t *testing.T) {
	d, err := NewDecoder(DefaultConfig(testSampleRate))
	require.NoError(t, err)

	iq := NewSignalBuffer(make([]float32, 64), testSampleRate)
	iq.Type = SampleIQ
	_, err = d.Process(iq)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	strided := NewSignalBuffer(make([]float32, 64), testSampleRate)
	strided.Stride = 2
	_, err = d.Process(strided)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	// sample rate change between blocks
	resampled := NewSignalBuffer(make([]float32, 64), testSampleRate/2)
	_, err = d.Process(resampled)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	// the rejected blocks must not have touched the stream clock
	assert.Zero(t, d.Status().SignalClock)
}

func TestDecoderConfigValidation(t *testing.T) {
	_, err := NewDecoder(Config{})
	assert.Error(t, err)

	cfg := DefaultConfig(testSampleRate)
	cfg.SignalLowThreshold = 0.02 // above the high threshold
	_, err = NewDecoder(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig(testSampleRate)
	cfg.EnableA = false
	cfg.EnableB = false
	cfg.EnableF = false
	cfg.EnableV = false
	_, err = NewDecoder(cfg)
	assert.Error(t, err)
}

// carrier present for less than one time unit: no lock, no frame
func TestCarrierBlipProducesNothing(t *testing.T) {
	sy := newSynth()
	sy.level(0, 2000)
	sy.carrier(50)
	sy.level(0, 4000)

	d, err := NewDecoder(DefaultConfig(testSampleRate))
	require.NoError(t, err)

	frames, err := d.Process(sy.buffer())
	require.NoError(t, err)
	assert.Empty(t, frames)
}

// running the same capture twice yields byte-identical frames, and block
// size must not matter either
func TestDecoderIdempotence(t *testing.T) {
	sy := newSynth()
	sy.carrier(2000)
	ms := newMillerSynth(sy)
	ms.frame(shortFrameBits(0x26))
	sy.carrier(1500)
	rs := newManchesterASynth(sy)
	rs.frame(standardFrameBitsA([]byte{0x44, 0x00}))
	sy.carrier(3000)

	run := func(blockSize int) []Frame {
		d, err := NewDecoder(DefaultConfig(testSampleRate))
		require.NoError(t, err)

		var frames []Frame
		if blockSize == 0 {
			frames, err = d.Process(sy.buffer())
			require.NoError(t, err)
			return frames
		}
		for _, b := range sy.blocks(blockSize) {
			part, err := d.Process(b)
			require.NoError(t, err)
			frames = append(frames, part...)
		}
		return frames
	}

	whole := run(0)
	again := run(0)
	chunked := run(1000)
	odd := run(777)

	require.Len(t, whole, 2)
	assert.Equal(t, whole, again)
	assert.Equal(t, whole, chunked)
	assert.Equal(t, whole, odd)
}

func TestDecoderStats(t *testing.T) {
	sy := newSynth()
	sy.carrier(2000)
	ms := newMillerSynth(sy)
	ms.frame(shortFrameBits(0x26))
	sy.carrier(2000)

	d, err := NewDecoder(DefaultConfig(testSampleRate))
	require.NoError(t, err)

	frames, err := d.Process(sy.buffer())
	require.NoError(t, err)
	require.Len(t, frames, 1)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.CarrierOnEvents)
	assert.Equal(t, uint64(1), stats.FramesDecoded)
	assert.Equal(t, uint64(len(sy.data)), stats.SamplesProcessed)
}

// guard and waiting window classification around the previous frame
func TestFrameDirectionWindows(t *testing.T) {
	f := FrameStatus{
		FrameEnd:   10_000,
		GuardEnd:   10_864,
		WaitingEnd: 16_000,
	}

	assert.Equal(t, DirectionInvalid, f.direction(10_500), "inside the guard window")
	assert.Equal(t, DirectionResponse, f.direction(10_864), "exactly at the frame delay time")
	assert.Equal(t, DirectionResponse, f.direction(12_000))
	assert.Equal(t, DirectionRequest, f.direction(16_000), "past the waiting window")

	fresh := FrameStatus{}
	assert.Equal(t, DirectionRequest, fresh.direction(500), "no previous frame")
}
