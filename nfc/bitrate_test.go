package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitrateSymbolRates(t *testing.T) {
	params := newSignalParams(testSampleRate)

	cases := []struct {
		rate Rate
		want uint32
	}{
		{Rate106k, 105938},
		{Rate212k, 211875},
		{Rate424k, 423750},
		{Rate848k, 847500},
		{Rate26k, 26484},
	}
	for _, c := range cases {
		b := newBitrateParams(TechA, c.rate, &params)
		assert.Equal(t, c.want, b.SymbolsPerSecond, c.rate.String())
	}
}

func TestBitratePeriodRelations(t *testing.T) {
	params := newSignalParams(testSampleRate)

	for _, rate := range []Rate{Rate106k, Rate212k, Rate424k, Rate26k} {
		b := newBitrateParams(TechF, rate, &params)

		assert.InDelta(t, float64(b.Period1SymbolSamples)*2, float64(b.Period0SymbolSamples), 1)
		assert.InDelta(t, float64(b.Period1SymbolSamples)/2, float64(b.Period2SymbolSamples), 1)
		assert.InDelta(t, float64(b.Period1SymbolSamples)/4, float64(b.Period4SymbolSamples), 1)
		assert.InDelta(t, float64(b.Period1SymbolSamples)/8, float64(b.Period8SymbolSamples), 1)
	}
}

// offsets are additive ring complements of the delays they name
func TestBitrateRingOffsets(t *testing.T) {
	params := newSignalParams(testSampleRate)

	for _, rate := range []Rate{Rate106k, Rate212k, Rate424k, Rate26k} {
		b := newBitrateParams(TechA, rate, &params)

		assert.Equal(t, uint32(BufferSize), b.OffsetSignalIndex+b.SymbolDelayDetect)
		assert.Equal(t, b.OffsetSignalIndex, b.OffsetDelay1Index+b.Period1SymbolSamples)
		assert.Equal(t, b.OffsetSignalIndex, b.OffsetDelay2Index+b.Period2SymbolSamples)
		assert.Equal(t, b.OffsetSignalIndex, b.OffsetDelay4Index+b.Period4SymbolSamples)
		assert.Equal(t, b.OffsetSignalIndex, b.OffsetDelay8Index+b.Period8SymbolSamples)
	}
}

// the ring must be deep enough for every window an active detector reads
func TestBitrateRingDepth(t *testing.T) {
	params := newSignalParams(testSampleRate)

	for _, rate := range []Rate{Rate106k, Rate212k, Rate424k, Rate26k} {
		b := newBitrateParams(TechA, rate, &params)

		require.Less(t, b.SymbolDelayDetect+b.Period2SymbolSamples, uint32(BufferSize),
			"delay plus half symbol window of %s", rate)
	}
}

func TestPulseParamsSlots(t *testing.T) {
	params := newSignalParams(testSampleRate)

	p4 := newPulseParams(2, &params)
	assert.Equal(t, 4, p4.Periods)
	assert.Equal(t, 2, p4.Bits)

	p256 := newPulseParams(8, &params)
	assert.Equal(t, 256, p256.Periods)
	assert.Equal(t, p256.Slots[255].End, p256.Length)

	// slots tile the symbol window without gaps
	for i := 1; i < p256.Periods; i++ {
		assert.Equal(t, p256.Slots[i-1].End, p256.Slots[i].Start)
		assert.Equal(t, i, p256.Slots[i].Value)
	}
}
