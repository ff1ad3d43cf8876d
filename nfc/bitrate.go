package nfc

import "math"

/*
 * Bitrate bank
 *
 * Every candidate (technology, rate) pair gets one precomputed set of
 * symbol periods and ring offsets. Offsets are additive modulo the ring
 * size: reading Sample[(clock+offset) & (BufferSize-1)] yields the sample
 * the given delay in the past, so the detectors take sliding differences
 * with no arithmetic in the hot loop.
 */

// BitrateParams holds the timing table for one candidate symbol rate.
type BitrateParams struct {
	TechType Tech
	RateType Rate

	SymbolsPerSecond uint32

	// samples per symbol at 2x, 1x, 1/2, 1/4 and 1/8 of the symbol period
	Period0SymbolSamples uint32 // double symbol
	Period1SymbolSamples uint32 // full symbol
	Period2SymbolSamples uint32 // half symbol
	Period4SymbolSamples uint32 // quarter symbol
	Period8SymbolSamples uint32 // eighth symbol

	// SymbolDelayDetect is the worst-case latency in samples between a
	// physical edge and the moment enough samples exist to emit the
	// symbol; frame timestamps are compensated by this amount.
	SymbolDelayDetect uint32

	// ring offsets, additive modulo BufferSize
	OffsetFutureIndex uint32
	OffsetSignalIndex uint32
	OffsetDelay0Index uint32
	OffsetDelay1Index uint32
	OffsetDelay2Index uint32
	OffsetDelay4Index uint32
	OffsetDelay8Index uint32

	// protocol specific preamble lengths in samples
	Preamble1Samples uint32
	Preamble2Samples uint32
}

// divider returns the carrier cycles per symbol for a rate.
func (r Rate) divider() uint32 {
	if r == Rate26k {
		return 512
	}
	return 128 >> r
}

// newBitrateParams precomputes the timing table for one (tech, rate).
func newBitrateParams(tech Tech, rate Rate, params *SignalParams) BitrateParams {
	div := float64(rate.divider())
	stu := params.SampleTimeUnit

	round := func(v float64) uint32 { return uint32(math.Round(v)) }

	b := BitrateParams{
		TechType:         tech,
		RateType:         rate,
		SymbolsPerSecond: round(CarrierFrequency / div),

		Period0SymbolSamples: round(stu * div * 2),
		Period1SymbolSamples: round(stu * div),
		Period2SymbolSamples: round(stu * div / 2),
		Period4SymbolSamples: round(stu * div / 4),
		Period8SymbolSamples: round(stu * div / 8),
	}

	// Detection lags one full symbol behind the stream clock.
	b.SymbolDelayDetect = b.Period1SymbolSamples

	b.OffsetSignalIndex = BufferSize - b.SymbolDelayDetect
	b.OffsetDelay0Index = b.OffsetSignalIndex - b.Period0SymbolSamples
	b.OffsetDelay1Index = b.OffsetSignalIndex - b.Period1SymbolSamples
	b.OffsetDelay2Index = b.OffsetSignalIndex - b.Period2SymbolSamples
	b.OffsetDelay4Index = b.OffsetSignalIndex - b.Period4SymbolSamples
	b.OffsetDelay8Index = b.OffsetSignalIndex - b.Period8SymbolSamples
	b.OffsetFutureIndex = b.OffsetSignalIndex + b.Period2SymbolSamples

	switch tech {
	case TechA:
		// SOF is a single pause frame, one symbol of silence preceding
		b.Preamble1Samples = b.Period1SymbolSamples
		b.Preamble2Samples = b.Period0SymbolSamples
	case TechB:
		// SOF: 10..11 etu low, 2..3 etu high
		b.Preamble1Samples = 10 * b.Period1SymbolSamples
		b.Preamble2Samples = 2 * b.Period1SymbolSamples
	case TechF:
		// preamble of 48 zero bits followed by the 16-bit sync word
		b.Preamble1Samples = 48 * b.Period1SymbolSamples
		b.Preamble2Samples = 16 * b.Period1SymbolSamples
	case TechV:
		// SOF first and second period widths
		b.Preamble1Samples = round(stu * 768)
		b.Preamble2Samples = round(stu * 256)
	}

	return b
}

/*
 * Pulse position tables (NFC-V)
 *
 * One "pulse" is a short 100% modulation burst inside one of 2^bits time
 * slots of a periods*etu window; the slot index is the symbol value. Both
 * request codings of ISO 15693 are precomputed: 1-of-4 (2 bits per
 * symbol, 8 etu) and 1-of-256 (8 bits per symbol, 512 etu).
 */

// PulseSlot is one candidate pulse window, in samples from symbol start.
type PulseSlot struct {
	Start int
	End   int
	Value int
}

// PulseParams is the slot table for one pulse position coding.
type PulseParams struct {
	Bits    int // data bits per symbol, 2 or 8
	Length  int // symbol length in samples
	Periods int // slots per symbol
	Slots   [256]PulseSlot
}

// newPulseParams precomputes the slot table for a 1-of-2^bits coding.
// Each slot window spans the full 256 carrier cycles, so a pulse rising
// anywhere inside it selects that slot.
func newPulseParams(bits int, params *SignalParams) PulseParams {
	stu := params.SampleTimeUnit
	periods := 1 << bits

	p := PulseParams{
		Bits:    bits,
		Periods: periods,
		Length:  int(math.Round(stu * 256 * float64(periods))),
	}

	for i := 0; i < periods; i++ {
		p.Slots[i] = PulseSlot{
			Start: int(math.Round(stu * 256 * float64(i))),
			End:   int(math.Round(stu * 256 * float64(i+1))),
			Value: i,
		}
	}

	return p
}
