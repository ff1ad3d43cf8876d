package nfc

import (
	"log"
	"math"

	"github.com/chewxy/math32"
)

/*
 * NFC-A (ISO 14443-A) demodulator
 *
 * Reader frames are ASK 100% modified Miller at 106 kbps: a symbol carries
 * a short carrier pause in its first half (pattern Y), its second half
 * (pattern X) or not at all (pattern Z). Card frames answer on an OOK
 * 848 kHz subcarrier with Manchester coding at the same rate.
 *
 * The request correlator takes half-symbol sliding sums of the modulation
 * depth; the pause position falls out of the two half sums. The response
 * correlator runs the same scheme over the rectified DC-filtered signal
 * where the subcarrier bursts integrate to a clean level.
 */

// NFC-A frame timing in carrier cycles.
const (
	nfcaFrameGuard    = 1172  // FDT, minimum request to response spacing
	nfcaFrameWaiting  = 65536 // FWT default, maximum card response delay
	nfcaFrameWaitingS = 8192  // FWT after a short poll frame (ATQA window)
	nfcaStartUpGuard  = 4096  // SFGT default
	nfcaRequestGuard  = 7000  // RGT, minimum spacing between polls
)

// NfcA decodes ISO 14443-A request and response frames.
type NfcA struct {
	decoder *DecoderStatus

	bitrate BitrateParams

	pollMod   ModulationStatus // reader side, Miller pause search
	listenMod ModulationStatus // card side, subcarrier search

	frameStatus  FrameStatus
	streamStatus StreamStatus
	symbolStatus SymbolStatus

	// frame under construction
	frameStart uint32
	frameEnd   uint32
	listen     bool // decoding a card response

	// Miller stream state: a Z after an X is a deferred zero that turns
	// out to be the end of frame when another Z follows
	pendingZero bool
}

// NewNfcA creates the NFC-A decoder over the shared status.
func NewNfcA(decoder *DecoderStatus) *NfcA {
	t := &NfcA{decoder: decoder}
	t.Configure()
	return t
}

// Tech returns TechA.
func (t *NfcA) Tech() Tech { return TechA }

// Configure precomputes the timing tables for the decoder sample rate.
func (t *NfcA) Configure() {
	params := &t.decoder.SignalParams

	t.bitrate = newBitrateParams(TechA, Rate106k, params)

	cycles := func(n float64) uint32 { return uint32(math.Round(params.SampleTimeUnit * n)) }

	t.frameStatus = FrameStatus{
		FrameGuardTime:   cycles(nfcaFrameGuard),
		FrameWaitingTime: cycles(nfcaFrameWaiting),
		StartUpGuardTime: cycles(nfcaStartUpGuard),
		RequestGuardTime: cycles(nfcaRequestGuard),
	}

	t.Reset()
}

// Reset disarms both searches and clears any frame in progress along
// with the previous exchange windows.
func (t *NfcA) Reset() {
	t.frameStatus.clearExchange()
	t.pollMod.Reset()
	t.listenMod.Reset()
	t.streamStatus.Reset()
	t.symbolStatus = SymbolStatus{}
	t.pendingZero = false
	t.listen = false
	t.pollMod.SearchValueThreshold = float32(t.bitrate.Period4SymbolSamples) / 2
	t.listenMod.SearchValueThreshold = float32(t.bitrate.Period8SymbolSamples) * t.decoder.SignalHighThreshold
}

// ResetSearch re-arms the symbol searches between frames, keeping the
// guard and waiting windows of the last decoded frame.
func (t *NfcA) ResetSearch() {
	t.pollMod.ResetSearch()
	t.listenMod.ResetSearch()
	t.streamStatus.Reset()
	t.pendingZero = false
	t.listen = false
	t.pollMod.SearchValueThreshold = float32(t.bitrate.Period4SymbolSamples) / 2
	t.listenMod.SearchValueThreshold = float32(t.bitrate.Period8SymbolSamples) * t.decoder.SignalHighThreshold
}

// integratePoll advances the sliding sums for the current sample and leaves
// the correlation values for stream time u = clock - SymbolDelayDetect.
func (t *NfcA) integratePoll() (u uint32, corr0, corr1 float32) {
	b := &t.bitrate
	d := t.decoder
	m := &t.pollMod

	clk := d.SignalClock
	sigIdx := (clk + b.OffsetSignalIndex) & (BufferSize - 1)
	del2Idx := (clk + b.OffsetDelay2Index) & (BufferSize - 1)
	del4Idx := (clk + b.OffsetDelay4Index) & (BufferSize - 1)

	depth := d.Sample[sigIdx].ModulateDepth

	// half and quarter symbol sliding sums of the modulation depth
	m.FilterIntegrate += depth - d.Sample[del2Idx].ModulateDepth
	m.DetectIntegrate += depth - d.Sample[del4Idx].ModulateDepth

	corr0 = m.IntegrationData[del2Idx]
	corr1 = m.FilterIntegrate

	m.IntegrationData[sigIdx] = m.FilterIntegrate
	m.CorrelationData[sigIdx] = corr1 - corr0

	m.SearchCorr0Value = corr0
	m.SearchCorr1Value = corr1
	m.SearchCorrDValue = corr1 - corr0

	return clk - b.SymbolDelayDetect, corr0, corr1
}

// integrateListen advances the response sums over the rectified filtered
// signal where subcarrier bursts accumulate.
func (t *NfcA) integrateListen() (u uint32, corr0, corr1 float32) {
	b := &t.bitrate
	d := t.decoder
	m := &t.listenMod

	clk := d.SignalClock
	sigIdx := (clk + b.OffsetSignalIndex) & (BufferSize - 1)
	del2Idx := (clk + b.OffsetDelay2Index) & (BufferSize - 1)
	del8Idx := (clk + b.OffsetDelay8Index) & (BufferSize - 1)

	st := math32.Abs(d.Sample[sigIdx].FilteredValue)

	m.FilterIntegrate += st - math32.Abs(d.Sample[del2Idx].FilteredValue)
	m.DetectIntegrate += st - math32.Abs(d.Sample[del8Idx].FilteredValue)

	corr0 = m.IntegrationData[del2Idx]
	corr1 = m.FilterIntegrate

	m.IntegrationData[sigIdx] = m.FilterIntegrate
	m.CorrelationData[sigIdx] = corr0 - corr1

	m.SearchCorr0Value = corr0
	m.SearchCorr1Value = corr1
	m.SearchCorrDValue = corr0 - corr1

	return clk - b.SymbolDelayDetect, corr0, corr1
}

// listenWindow reports whether the clock falls inside the card response
// waiting window of the previous request frame.
func (t *NfcA) listenWindow(u uint32) bool {
	f := &t.frameStatus
	return f.FrameEnd != 0 && f.FrameType == FrameTypePoll && u > f.FrameEnd && u < f.WaitingEnd
}

// DetectModulation runs one search step over the current sample. Returns
// true on a confirmed start of frame; the decoder is then locked on this
// technology until DecodeFrame finishes.
func (t *NfcA) DetectModulation() bool {
	u, _, _ := t.integratePoll()
	ul, _, _ := t.integrateListen()

	if t.listenWindow(u) {
		return t.searchListenStart(ul)
	}
	return t.searchPollStart(u)
}

// searchPollStart looks for the first carrier pause after silence, the
// start pattern of a reader frame.
func (t *NfcA) searchPollStart(u uint32) bool {
	b := &t.bitrate
	m := &t.pollMod
	vt := m.SearchValueThreshold

	if m.DetectIntegrate > vt {
		if m.SearchLastValue <= vt {
			// rising edge of the pulse
			m.SearchStartTime = u
		}
		m.SearchLastValue = m.DetectIntegrate

		// Track the pulse peak. Inside one eighth-symbol window a later
		// peak only displaces the earlier one when it clears it by more
		// than the value threshold.
		better := m.DetectIntegrate > m.DetectorPeakValue
		if m.DetectorPeakValue > 0 && u-m.DetectorPeakTime <= b.Period8SymbolSamples {
			better = m.DetectIntegrate > m.DetectorPeakValue+vt
		}
		if m.DetectorPeakValue == 0 || better {
			m.DetectorPeakValue = m.DetectIntegrate
			m.DetectorPeakTime = u
		}
		m.SearchEndTime = u + b.Period2SymbolSamples
		return false
	}
	m.SearchLastValue = m.DetectIntegrate

	if m.DetectorPeakValue == 0 || u <= m.DetectorPeakTime+b.Period4SymbolSamples {
		return false
	}

	// A Miller pause is short; pulses wider than half a symbol belong to
	// another technology and are left alone.
	m.SearchPulseWidth = u - m.SearchStartTime
	if m.SearchPulseWidth > b.Period2SymbolSamples+b.Period8SymbolSamples {
		m.DetectorPeakValue = 0
		m.DetectorPeakTime = 0
		return false
	}

	// The pause ended: its rising edge sits one quarter symbol before the
	// integrator peak, and the pause opens the symbol (pattern Y start).
	pauseStart := m.DetectorPeakTime - b.Period4SymbolSamples

	m.SearchModeState = SearchLocked
	m.SymbolStartTime = pauseStart
	m.SymbolEndTime = pauseStart + b.Period1SymbolSamples
	m.SymbolRiseTime = m.DetectorPeakTime
	m.SearchSyncTime = m.SymbolEndTime + b.Period1SymbolSamples
	m.SearchValueThreshold = m.DetectorPeakValue / 2
	m.DetectorPeakValue = 0
	m.DetectorPeakTime = 0

	t.decoder.Bitrate = &t.bitrate
	t.decoder.Modulation = m

	t.listen = false
	t.pendingZero = false
	t.streamStatus.Reset()
	t.frameStart = m.SymbolStartTime
	t.symbolStatus = SymbolStatus{
		Pattern: PatternS,
		Start:   m.SymbolStartTime,
		End:     m.SymbolEndTime,
		Edge:    m.SymbolRiseTime,
		Length:  b.Period1SymbolSamples,
		Rate:    b.SymbolsPerSecond,
	}

	// The first data symbol after the start pattern carries bit zero in
	// pattern Y or bit one in pattern X.
	t.streamStatus.Previous = PatternS

	return true
}

// searchListenStart looks for the first subcarrier burst of a card
// response inside the waiting window.
func (t *NfcA) searchListenStart(u uint32) bool {
	b := &t.bitrate
	m := &t.listenMod

	// keep the burst detector above the tracked noise floor
	vt := m.SearchValueThreshold
	if dv := float32(b.Period8SymbolSamples) * 4 * t.decoder.SignalDeviation; dv > vt {
		vt = dv
	}
	if m.DetectIntegrate <= vt {
		return false
	}
	m.SearchValueThreshold = vt

	// Subcarrier rise: the response start symbol carries the burst in
	// its first half.
	m.SearchModeState = SearchLocked
	m.SymbolStartTime = u
	m.SymbolEndTime = u + b.Period1SymbolSamples
	m.SymbolRiseTime = u
	m.SearchSyncTime = m.SymbolEndTime
	m.SearchPhaseThreshold = float32(b.Period4SymbolSamples) * t.decoder.SignalHighThreshold

	t.decoder.Bitrate = &t.bitrate
	t.decoder.Modulation = m

	t.listen = true
	t.streamStatus.Reset()
	t.streamStatus.Previous = PatternS
	t.frameStart = u
	t.symbolStatus = SymbolStatus{
		Pattern: PatternS,
		Start:   u,
		End:     m.SymbolEndTime,
		Edge:    u,
		Length:  b.Period1SymbolSamples,
		Rate:    b.SymbolsPerSecond,
	}
	return true
}

// DecodeFrame consumes samples until the current frame closes or the
// buffer drains. Returns true when the frame is finished (or abandoned)
// and the search must restart.
func (t *NfcA) DecodeFrame(buffer *SignalBuffer, frames *[]Frame) bool {
	for t.decoder.NextSample(buffer) {
		var done bool
		if t.listen {
			done = t.decodeListenStep(frames)
		} else {
			done = t.decodePollStep(frames)
		}
		if done {
			t.ResetSearch()
			t.decoder.Bitrate = nil
			t.decoder.Modulation = nil
			return true
		}
	}
	return false
}

// decodePollStep advances the Miller decode by one sample.
func (t *NfcA) decodePollStep(frames *[]Frame) bool {
	b := &t.bitrate
	m := &t.pollMod

	u, corr0, corr1 := t.integratePoll()
	t.integrateListen()

	if u != m.SearchSyncTime {
		return false
	}

	// Symbol decision at the end of the symbol window.
	vt := m.SearchValueThreshold

	var pattern uint32
	switch {
	case corr0 > vt && corr0 >= corr1:
		pattern = PatternY
	case corr1 > vt:
		pattern = PatternX
	default:
		pattern = PatternZ
	}

	if pattern != PatternZ {
		m.SearchValueThreshold = math32.Max(corr0, corr1) / 2
		m.SymbolRiseTime = u - b.Period1SymbolSamples
	}

	if t.decoder.Debug != nil {
		t.decoder.Debug.Set(DebugSignalDecoderChannel, float32(pattern)*0.125)
	}

	m.SymbolStartTime += b.Period1SymbolSamples
	m.SymbolEndTime += b.Period1SymbolSamples
	m.SearchSyncTime += b.Period1SymbolSamples

	return t.millerStep(pattern, u, frames)
}

// millerStep feeds one Miller symbol into the bit stream. Every decoded
// zero is deferred one symbol: the end of frame marker is a zero followed
// by idle, and that zero is a marker, not data.
func (t *NfcA) millerStep(pattern uint32, u uint32, frames *[]Frame) bool {
	s := &t.streamStatus

	switch pattern {
	case PatternX:
		if t.pendingZero {
			t.pushPollBit(0)
			t.pendingZero = false
		}
		t.pushPollBit(1)
		t.frameEnd = u

	case PatternY:
		if t.pendingZero {
			t.pushPollBit(0)
		}
		t.pendingZero = true
		t.frameEnd = u

	case PatternZ:
		if s.Previous == PatternX {
			// a zero after a one rides on an idle symbol; defer it
			t.pendingZero = true
			s.Previous = PatternZ
			return false
		}
		// idle after anything else closes the frame; a deferred zero
		// was the end of frame marker
		t.pendingZero = false
		return t.closePollFrame(frames)
	}

	s.Previous = pattern
	return false
}

// pushPollBit accumulates request bits, one odd parity bit per byte.
func (t *NfcA) pushPollBit(v uint32) {
	s := &t.streamStatus

	if s.Bits < 8 {
		s.Data |= v << s.Bits
		s.Bits++
		return
	}

	// ninth bit is odd parity over the byte; bytes after a violation
	// are consumed but no longer stored
	prior := s.Flags&StreamParityError != 0
	if v != oddParity(byte(s.Data)) {
		s.Flags |= StreamParityError
	}
	if !prior {
		s.Push(byte(s.Data))
	}
	s.Data = 0
	s.Bits = 0
}

// closePollFrame finalizes a reader frame and classifies it against the
// guard and waiting windows of the previous exchange.
func (t *NfcA) closePollFrame(frames *[]Frame) bool {
	s := &t.streamStatus
	f := &t.frameStatus

	var payload []byte
	flags := FrameFlags(0)

	switch {
	case s.Bytes == 0 && s.Bits == 7:
		// short frame, seven bits and no parity
		payload = []byte{byte(s.Data)}
		flags |= FlagShortFrame | FlagParityOk

	case s.Bits == 0 && s.Bytes > 0:
		payload = append(payload, s.Buffer[:s.Bytes]...)
		if s.Flags&StreamParityError == 0 {
			flags |= FlagParityOk
		}

	case s.Bits == 8:
		// byte without its parity bit, surface it truncated
		payload = append(payload, s.Buffer[:s.Bytes]...)
		payload = append(payload, byte(s.Data))
		flags |= FlagTruncated

	default:
		// nothing decodable, treat as noise
		return true
	}

	if s.Flags&StreamOverflow != 0 {
		flags |= FlagTruncated
	}
	if flags&FlagShortFrame == 0 && checkCRCA(payload) {
		flags |= FlagCRCOk
	}

	frame := Frame{
		Tech:      TechA,
		Rate:      t.bitrate.SymbolsPerSecond,
		Direction: f.direction(t.frameStart),
		Start:     t.frameStart,
		End:       t.frameEnd,
		Payload:   payload,
		Flags:     flags,
	}
	*frames = append(*frames, frame)

	// Update the exchange windows for response classification. Short
	// poll frames expect the ATQA inside a tight waiting window.
	f.LastCommand = uint32(payload[0])
	f.FrameType = FrameTypePoll
	f.FrameStart = t.frameStart
	f.FrameEnd = t.frameEnd
	f.GuardEnd = t.frameEnd + f.FrameGuardTime
	if flags&FlagShortFrame != 0 {
		stu := t.decoder.SignalParams.SampleTimeUnit
		f.WaitingEnd = t.frameEnd + uint32(math.Round(stu*nfcaFrameWaitingS))
	} else {
		f.WaitingEnd = t.frameEnd + f.FrameWaitingTime
	}

	return true
}

// decodeListenStep advances the Manchester response decode by one sample.
func (t *NfcA) decodeListenStep(frames *[]Frame) bool {
	b := &t.bitrate
	m := &t.listenMod

	u, corr0, corr1 := t.integrateListen()
	t.integratePoll()

	if u != m.SearchSyncTime {
		return false
	}

	vt := m.SearchValueThreshold
	s := &t.streamStatus

	var pattern uint32
	switch {
	case corr0 > vt && corr0 > corr1:
		pattern = PatternD // subcarrier in first half, bit one
	case corr1 > vt && corr1 > corr0:
		pattern = PatternE // subcarrier in second half, bit zero
	default:
		pattern = PatternO // no subcarrier, end of frame
	}

	if pattern != PatternO {
		m.SearchValueThreshold = math32.Max(corr0, corr1) / 2
		m.SearchSyncFailures = 0
	}

	if t.decoder.Debug != nil {
		t.decoder.Debug.Set(DebugSignalDecoderChannel, float32(pattern)*0.125)
	}

	m.SymbolStartTime += b.Period1SymbolSamples
	m.SymbolEndTime += b.Period1SymbolSamples
	m.SearchSyncTime += b.Period1SymbolSamples

	switch {
	case pattern == PatternO && s.Bits == 0:
		// silence at a byte boundary closes the frame
		return t.closeListenFrame(frames)

	case pattern == PatternO:
		// silence inside a byte: sync failure, three give up the lock
		m.SearchSyncFailures++
		if m.SearchSyncFailures >= 3 {
			log.Printf("NfcA: sync lost at clock %d, %d bits pending", u, s.Bits)
			return true
		}
		return false

	case s.Previous == PatternS:
		// the first symbol is the start of frame bit, not data
		s.Previous = pattern
		t.frameEnd = u
		return false
	}

	s.Previous = pattern
	t.frameEnd = u
	if pattern == PatternD {
		t.pushPollBit(1)
	} else {
		t.pushPollBit(0)
	}
	return false
}

// closeListenFrame finalizes a card response frame.
func (t *NfcA) closeListenFrame(frames *[]Frame) bool {
	s := &t.streamStatus
	f := &t.frameStatus

	if s.Bytes == 0 && s.Bits == 0 {
		return true
	}

	var payload []byte
	flags := FrameFlags(0)

	switch {
	case s.Bits == 0:
		payload = append(payload, s.Buffer[:s.Bytes]...)
		if s.Flags&StreamParityError == 0 {
			flags |= FlagParityOk
		}
	case s.Bits == 4 && s.Bytes == 0:
		// four bit acknowledge frame
		payload = []byte{byte(s.Data)}
		flags |= FlagShortFrame | FlagParityOk
	default:
		payload = append(payload, s.Buffer[:s.Bytes]...)
		payload = append(payload, byte(s.Data))
		flags |= FlagTruncated
	}

	if s.Flags&StreamOverflow != 0 {
		flags |= FlagTruncated
	}
	if checkCRCA(payload) {
		flags |= FlagCRCOk
	}

	frame := Frame{
		Tech:      TechA,
		Rate:      t.bitrate.SymbolsPerSecond,
		Direction: f.direction(t.frameStart),
		Start:     t.frameStart,
		End:       t.frameEnd,
		Payload:   payload,
		Flags:     flags,
	}
	*frames = append(*frames, frame)

	f.FrameType = FrameTypeListen
	f.FrameStart = t.frameStart
	f.FrameEnd = t.frameEnd
	f.GuardEnd = t.frameEnd + f.FrameGuardTime
	f.WaitingEnd = t.frameEnd + f.FrameWaitingTime

	return true
}
