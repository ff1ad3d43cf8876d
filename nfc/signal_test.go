package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatus() *DecoderStatus {
	s := &DecoderStatus{}
	s.SampleRate = testSampleRate
	s.SignalParams = newSignalParams(testSampleRate)
	s.PowerLevelThreshold = 0.01
	s.SignalLowThreshold = 0.009
	s.SignalHighThreshold = 0.011
	return s
}

func TestSignalClockAdvancesPerSample(t *testing.T) {
	s := newTestStatus()
	buf := NewSignalBuffer(make([]float32, 100), testSampleRate)

	for i := 1; i <= 100; i++ {
		require.True(t, s.NextSample(buf))
		assert.Equal(t, uint32(i), s.SignalClock)
	}
	assert.False(t, s.NextSample(buf), "drained buffer")
}

func TestSignalRingHoldsRawSamples(t *testing.T) {
	s := newTestStatus()

	data := make([]float32, 3000)
	for i := range data {
		data[i] = float32(i%17) * 0.01
	}
	buf := NewSignalBuffer(data, testSampleRate)

	for s.NextSample(buf) {
		got := s.Sample[s.SignalClock&(BufferSize-1)].SamplingValue
		assert.Equal(t, data[s.SignalClock-1], got)
	}
}

func TestEnvelopeTracksAndFreezes(t *testing.T) {
	s := newTestStatus()
	sy := newSynth()
	sy.carrier(5000)

	buf := sy.buffer()
	for s.NextSample(buf) {
	}
	assert.InDelta(t, 1.0, float64(s.SignalEnvelope), 1e-3, "envelope follows the carrier")

	// a modulation dip must not drag the envelope down
	sy2 := newSynth()
	sy2.pause(100)
	buf2 := sy2.buffer()
	for s.NextSample(buf2) {
	}
	assert.InDelta(t, 1.0, float64(s.SignalEnvelope), 1e-2, "envelope frozen across the dip")
}

func TestModulateDepthBounded(t *testing.T) {
	s := newTestStatus()
	sy := newSynth()
	sy.carrier(2000)
	ms := newMillerSynth(sy)
	ms.frame(shortFrameBits(0x26))
	sy.addNoise(0.05, 7)

	buf := sy.buffer()
	for s.NextSample(buf) {
		d := s.Sample[s.SignalClock&(BufferSize-1)].ModulateDepth
		assert.GreaterOrEqual(t, d, float32(0))
		assert.LessOrEqual(t, d, float32(1))
	}
}

func TestEnvelopeEMAStep(t *testing.T) {
	s := newTestStatus()
	sy := newSynth()
	sy.carrier(1000)
	buf := sy.buffer()
	for i := 0; i < 999; i++ {
		require.True(t, s.NextSample(buf))
	}

	// one more unfrozen update must be the exact EMA step
	p := &s.SignalParams
	want := s.SignalEnvelope*p.EnveW0 + 1.0*p.EnveW1
	require.True(t, s.NextSample(buf))
	assert.InDelta(t, float64(want), float64(s.SignalEnvelope), 1e-6)
}

func TestCarrierEdgeTracking(t *testing.T) {
	s := newTestStatus()
	sy := newSynth()
	sy.carrier(2000)
	sy.pause(24)
	sy.carrier(2000)

	buf := sy.buffer()
	for s.NextSample(buf) {
	}

	// the modulation edge leaves a peak above the Schmitt high
	// threshold at the start of the pause
	assert.NotZero(t, s.CarrierEdgeTime)
	assert.InDelta(t, 2001, float64(s.CarrierEdgeTime), 30)
}

func TestNextSampleRejectsWrongType(t *testing.T) {
	s := newTestStatus()
	buf := NewSignalBuffer(make([]float32, 10), testSampleRate)
	buf.Type = SampleIQ

	assert.False(t, s.NextSample(buf))
	assert.Zero(t, s.SignalClock)
}
