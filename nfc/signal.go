package nfc

import (
	"math"

	"github.com/chewxy/math32"
)

/*
 * Signal frontend
 *
 * Per-sample conditioning ahead of the modulation detectors: envelope
 * tracking with a pulse filter that freezes the envelope across modulation
 * dips, single-pole IIR DC removal, exponential deviation and average
 * estimators, and a Schmitt edge detector on the rectified filtered signal.
 * The conditioned components are stored in a power-of-two ring indexed by
 * the stream clock so the detectors can take sliding differences without
 * any per-sample allocation.
 */

// TimeSample is one conditioned entry of the sample ring.
type TimeSample struct {
	SamplingValue float32 // raw envelope sample
	FilteredValue float32 // after IIR DC removal
	MeanDeviation float32 // exponential mean of |filtered|
	ModulateDepth float32 // instantaneous modulation index, 0..1
}

// SignalParams holds the frontend filter coefficients. The EMA weight
// pairs each satisfy w0+w1 = 1.
type SignalParams struct {
	IIRdcA float32 // DC removal feedback factor, just below 1

	EnveW0, EnveW1 float32 // signal envelope
	MeanW0, MeanW1 float32 // signal average
	MdevW0, MdevW1 float32 // mean deviation of the filtered signal

	SampleTimeUnit     float64 // samples per carrier cycle, sampleRate/fc
	ElementaryTimeUnit uint32  // 128 carrier cycles in samples
}

// newSignalParams derives the frontend coefficients for a sample rate.
// The DC removal corner sits near 50 kHz (dcCorner), below the 106 kbps
// and faster rates but above the 26.48 kbps NFC-V rate, giving
// a = 1 - 2*pi*dcCorner/fs.
func newSignalParams(sampleRate uint32) SignalParams {
	const dcCorner = 50e3

	etu := uint32(math.Round(float64(sampleRate) / (CarrierFrequency / 128)))

	return SignalParams{
		IIRdcA: float32(1 - 2*math.Pi*dcCorner/float64(sampleRate)),

		EnveW0: 1 - 1e-3, EnveW1: 1e-3,
		MeanW0: 1 - 5e-4, MeanW1: 5e-4,
		MdevW0: 1 - 2e-3, MdevW1: 2e-3,

		SampleTimeUnit:     float64(sampleRate) / CarrierFrequency,
		ElementaryTimeUnit: etu,
	}
}

// DecoderStatus is the aggregate mutable state shared by the frontend and
// the modulation detectors. It is owned by the decoder goroutine; detectors
// borrow it for the duration of one call and never retain it.
type DecoderStatus struct {
	// frontend parameters
	SignalParams SignalParams

	// selected bitrate, pulse code and modulation after lock-on
	Bitrate    *BitrateParams
	Pulse      *PulseParams
	Modulation *ModulationStatus

	// conditioned sample ring, indexed by SignalClock & (BufferSize-1)
	Sample [BufferSize]TimeSample

	SampleRate uint32

	// SignalClock ticks once per ingested sample.
	SignalClock uint32

	// StreamTime is the clock of the first sample of the current block.
	StreamTime uint32

	// pulseFilter counts samples since the last envelope update; it lets
	// the envelope resume tracking after a long modulation pulse.
	pulseFilter uint32

	PowerLevelThreshold float32

	// frontend outputs for the current sample
	SignalValue     float32
	SignalFiltered  float32
	SignalEnvelope  float32
	SignalAverage   float32
	SignalDeviation float32

	// IIR DC removal filter taps (n and n-1)
	signalFilterN0 float32
	signalFilterN1 float32

	// Schmitt hysteresis pair for the carrier edge detector,
	// SignalLowThreshold < SignalHighThreshold.
	SignalLowThreshold  float32
	SignalHighThreshold float32

	// rising-edge tracker above the high threshold
	CarrierEdgePeak float32
	CarrierEdgeTime uint32

	// carrier presence events
	CarrierOffTime uint32
	CarrierOnTime  uint32

	// optional capture sink, nil by default
	Debug *SignalDebug
}

// NextSample ingests one sample from the buffer: advances the stream
// clock, updates every derived signal and writes one ring slot. Returns
// false when the buffer is drained or does not carry real samples.
func (s *DecoderStatus) NextSample(buffer *SignalBuffer) bool {
	if buffer.Available() == 0 || buffer.Type != SampleReal {
		return false
	}

	s.SignalClock++
	s.pulseFilter++

	s.SignalValue = buffer.Get()

	signalDiff := math32.Abs(s.SignalValue-s.SignalEnvelope) / s.SignalEnvelope

	// Envelope tracker. Track slowly while the signal stays near the
	// envelope, freeze across modulation dips, and recover when a pulse
	// overstays ten elementary time units.
	if signalDiff < 0.05 || s.pulseFilter > s.SignalParams.ElementaryTimeUnit*10 {
		s.pulseFilter = 0
		s.SignalEnvelope = s.SignalEnvelope*s.SignalParams.EnveW0 + s.SignalValue*s.SignalParams.EnveW1
	} else if s.SignalClock < s.SignalParams.ElementaryTimeUnit {
		// seed the envelope during the first ETU after start
		s.SignalEnvelope = s.SignalValue
	}

	// single-pole IIR DC removal
	s.signalFilterN0 = s.SignalValue + s.signalFilterN1*s.SignalParams.IIRdcA
	s.SignalFiltered = s.signalFilterN0 - s.signalFilterN1
	s.signalFilterN1 = s.signalFilterN0

	// deviation over the rectified filtered signal, average over raw
	s.SignalDeviation = s.SignalDeviation*s.SignalParams.MdevW0 + math32.Abs(s.SignalFiltered)*s.SignalParams.MdevW1
	s.SignalAverage = s.SignalAverage*s.SignalParams.MeanW0 + s.SignalValue*s.SignalParams.MeanW1

	depth := float32(0)
	if s.SignalEnvelope > 0 {
		depth = (s.SignalEnvelope - clamp32(s.SignalValue, 0, s.SignalEnvelope)) / s.SignalEnvelope
	}

	entry := &s.Sample[s.SignalClock&(BufferSize-1)]
	entry.SamplingValue = s.SignalValue
	entry.FilteredValue = s.SignalFiltered
	entry.MeanDeviation = s.SignalDeviation
	entry.ModulateDepth = depth

	// Schmitt edge detector on the rectified filtered signal. The peak
	// above the high threshold is tracked until the signal falls below
	// the low threshold.
	filteredRectified := math32.Abs(s.SignalFiltered)

	if filteredRectified > s.SignalHighThreshold {
		if filteredRectified > s.CarrierEdgePeak {
			s.CarrierEdgePeak = filteredRectified
			s.CarrierEdgeTime = s.SignalClock
		}
	} else if filteredRectified < s.SignalLowThreshold {
		s.CarrierEdgePeak = 0
	}

	if s.Debug != nil {
		s.Debug.Block(s.SignalClock)
		s.Debug.Set(DebugSignalValueChannel, entry.SamplingValue)
		s.Debug.Set(DebugSignalFilteredChannel, entry.FilteredValue)
		s.Debug.Set(DebugSignalVarianceChannel, entry.MeanDeviation)
		s.Debug.Set(DebugSignalAverageChannel, s.SignalAverage)
	}

	return true
}

// SampleAt returns the ring entry for a clock value.
func (s *DecoderStatus) SampleAt(clock uint32) *TimeSample {
	return &s.Sample[clock&(BufferSize-1)]
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
