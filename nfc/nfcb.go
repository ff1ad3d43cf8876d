package nfc

import (
	"log"
	"math"

	"github.com/chewxy/math32"
)

/*
 * NFC-B (ISO 14443-B) demodulator
 *
 * Reader frames are ASK 10% NRZ-L at 106 kbps: logic zero modulates the
 * carrier, logic one leaves it alone. Characters carry a start bit, eight
 * data bits and a stop bit; SOF is ten to eleven low time units followed
 * by two to three high, EOF ten to eleven low. Card frames answer BPSK on
 * an 848 kHz subcarrier with the same character structure; bit levels are
 * recovered from a symbol-differential phase integrator.
 */

// NFC-B frame timing in carrier cycles.
const (
	nfcbFrameGuard   = 1008 // TR0 minimum before the card answers
	nfcbFrameWaiting = 65536
	nfcbStartUpGuard = 4096
	nfcbRequestGuard = 7000
)

// nfcbDepthFloor is the modulation depth separating low from high before
// the SOF measurement adapts the threshold.
const nfcbDepthFloor = 0.05

// NfcB decodes ISO 14443-B request and response frames.
type NfcB struct {
	decoder *DecoderStatus

	bitrate BitrateParams

	pollMod   ModulationStatus
	listenMod ModulationStatus

	frameStatus  FrameStatus
	streamStatus StreamStatus
	symbolStatus SymbolStatus

	frameStart uint32
	frameEnd   uint32
	listen     bool

	// request character sampler
	pollLow    bool
	charStart  uint32
	charIndex  uint32
	charData   uint32
	charFault  bool
	waitingEnd uint32

	// response level tracker
	level      uint32 // current NRZ level recovered from phase flips
	levelRun   uint32 // consecutive time units at the current level
	listenSOF  uint32 // SOF progress state
	phaseBound uint32 // next symbol boundary decision clock
}

// listen SOF progress states
const (
	listenSOFLow uint32 = iota
	listenSOFHigh
	listenChars
)

// NewNfcB creates the NFC-B decoder over the shared status.
func NewNfcB(decoder *DecoderStatus) *NfcB {
	t := &NfcB{decoder: decoder}
	t.Configure()
	return t
}

// Tech returns TechB.
func (t *NfcB) Tech() Tech { return TechB }

// Configure precomputes the timing tables for the decoder sample rate.
func (t *NfcB) Configure() {
	params := &t.decoder.SignalParams

	t.bitrate = newBitrateParams(TechB, Rate106k, params)

	cycles := func(n float64) uint32 { return uint32(math.Round(params.SampleTimeUnit * n)) }

	t.frameStatus = FrameStatus{
		FrameGuardTime:   cycles(nfcbFrameGuard),
		FrameWaitingTime: cycles(nfcbFrameWaiting),
		StartUpGuardTime: cycles(nfcbStartUpGuard),
		RequestGuardTime: cycles(nfcbRequestGuard),
	}

	t.Reset()
}

// Reset disarms both searches and clears any frame in progress along
// with the previous exchange windows.
func (t *NfcB) Reset() {
	t.frameStatus.clearExchange()
	t.pollMod.Reset()
	t.listenMod.Reset()
	t.ResetSearch()
}

// ResetSearch re-arms the searches, keeping the exchange windows.
func (t *NfcB) ResetSearch() {
	t.pollMod.ResetSearch()
	t.listenMod.ResetSearch()
	t.streamStatus.Reset()
	t.symbolStatus = SymbolStatus{}
	t.listen = false
	t.pollLow = false
	t.charIndex = 0
	t.charData = 0
	t.charFault = false
	t.level = 0
	t.levelRun = 0
	t.listenSOF = listenSOFLow
	t.pollMod.SearchValueThreshold = nfcbDepthFloor
	t.listenMod.SearchValueThreshold = float32(t.bitrate.Period8SymbolSamples) * t.decoder.SignalHighThreshold
	t.listenMod.SearchPhaseThreshold = float32(t.bitrate.Period4SymbolSamples)

	// the phase product of a coherent or silent signal is +1 per sample,
	// so the re-armed sliding sum starts at a full window, not zero
	t.listenMod.PhaseIntegrate = float32(t.bitrate.Period1SymbolSamples)
}

// etu returns n elementary time units in samples at this rate.
func (t *NfcB) etu(n float64) uint32 {
	return uint32(math.Round(float64(t.bitrate.Period1SymbolSamples) * n))
}

// samplePoll reads the stream-time sample and reports the low state.
func (t *NfcB) samplePoll() (u uint32, depth float32, low bool) {
	b := &t.bitrate
	d := t.decoder

	sigIdx := (d.SignalClock + b.OffsetSignalIndex) & (BufferSize - 1)
	depth = d.Sample[sigIdx].ModulateDepth

	return d.SignalClock - b.SymbolDelayDetect, depth, depth > t.pollMod.SearchValueThreshold
}

// integrateListen advances the subcarrier presence and phase sums.
func (t *NfcB) integrateListen() (u uint32) {
	b := &t.bitrate
	d := t.decoder
	m := &t.listenMod

	clk := d.SignalClock
	sigIdx := (clk + b.OffsetSignalIndex) & (BufferSize - 1)
	del1Idx := (clk + b.OffsetDelay1Index) & (BufferSize - 1)
	del8Idx := (clk + b.OffsetDelay8Index) & (BufferSize - 1)

	f := d.Sample[sigIdx].FilteredValue

	// subcarrier presence over an eighth symbol
	m.DetectIntegrate += math32.Abs(f) - math32.Abs(d.Sample[del8Idx].FilteredValue)

	// symbol-differential phase product: +1 while the subcarrier phase
	// matches the previous symbol, -1 across a phase inversion
	prod := float32(1)
	if (f < 0) != (d.Sample[del1Idx].FilteredValue < 0) {
		prod = -1
	}
	m.PhaseIntegrate += prod - m.IntegrationData[del1Idx]
	m.IntegrationData[sigIdx] = prod
	m.CorrelationData[sigIdx] = m.PhaseIntegrate

	return clk - b.SymbolDelayDetect
}

// listenWindow reports whether the clock falls inside the card response
// waiting window of the previous request frame.
func (t *NfcB) listenWindow(u uint32) bool {
	f := &t.frameStatus
	return f.FrameEnd != 0 && f.FrameType == FrameTypePoll && u > f.FrameEnd && u < f.WaitingEnd
}

// DetectModulation runs one search step over the current sample.
func (t *NfcB) DetectModulation() bool {
	u, depth, low := t.samplePoll()
	ul := t.integrateListen()

	if t.listenWindow(u) {
		return t.searchListenStart(ul)
	}
	return t.searchPollStart(u, depth, low)
}

// searchPollStart hunts the request SOF: a low run of ten to eleven time
// units followed by a high run of two to three, then the first character.
func (t *NfcB) searchPollStart(u uint32, depth float32, low bool) bool {
	m := &t.pollMod
	edgeDown := low && !t.pollLow
	edgeUp := !low && t.pollLow
	t.pollLow = low

	switch m.SearchModeState {
	case SearchIdle:
		if edgeDown {
			m.SearchStartTime = u
			m.DetectIntegrate = 0
			m.SearchModeState = SearchPreamble
		}

	case SearchPreamble:
		m.DetectIntegrate += depth
		if edgeUp {
			run := u - m.SearchStartTime
			if run >= t.etu(9.5) && run <= t.etu(11.5) {
				// SOF low part seen, adapt the slicer to half the
				// measured modulation depth
				m.SearchValueThreshold = m.DetectIntegrate / float32(run) / 2
				m.SearchEndTime = u
				m.SearchModeState = SearchSync
			} else {
				m.SearchModeState = SearchIdle
			}
		}

	case SearchSync:
		if edgeDown {
			run := u - m.SearchEndTime
			if run >= t.etu(1.5) && run <= t.etu(3.5) {
				// SOF complete, the falling edge opens the first
				// character start bit
				m.SearchModeState = SearchLocked
				t.lockPoll(u)
				return true
			}
			// too short or too long: treat as a new candidate SOF
			m.SearchStartTime = u
			m.DetectIntegrate = 0
			m.SearchModeState = SearchPreamble
		} else if u-m.SearchEndTime > t.etu(4) {
			m.SearchModeState = SearchIdle
		}
	}

	return false
}

// lockPoll enters character decoding at the given start bit edge.
func (t *NfcB) lockPoll(u uint32) {
	b := &t.bitrate
	m := &t.pollMod

	t.decoder.Bitrate = b
	t.decoder.Modulation = m

	t.listen = false
	t.streamStatus.Reset()
	t.frameStart = m.SearchStartTime // frame opens at the SOF
	t.frameEnd = u
	t.charStart = u
	t.charIndex = 0
	t.charData = 0
	t.charFault = false
	t.waitingEnd = 0
	t.symbolStatus = SymbolStatus{
		Pattern: PatternS,
		Start:   m.SearchStartTime,
		End:     u,
		Length:  u - m.SearchStartTime,
		Rate:    b.SymbolsPerSecond,
	}
}

// searchListenStart hunts the card response: sustained subcarrier, then
// the first phase inversion anchoring the bit grid.
func (t *NfcB) searchListenStart(u uint32) bool {
	b := &t.bitrate
	m := &t.listenMod

	present := m.DetectIntegrate > m.SearchValueThreshold

	switch m.SearchModeState {
	case SearchIdle:
		if present {
			m.SearchStartTime = u
			m.SearchModeState = SearchPreamble
		}

	case SearchPreamble:
		if !present {
			m.SearchModeState = SearchIdle
		} else if u-m.SearchStartTime > t.etu(8) {
			// TR1 satisfied, wait for the first phase inversion
			m.SearchModeState = SearchSync
			m.CorrelatedPeakValue = 0
		}

	case SearchSync:
		if !present {
			m.SearchModeState = SearchIdle
			break
		}
		if m.PhaseIntegrate < -m.SearchPhaseThreshold {
			if m.PhaseIntegrate < m.CorrelatedPeakValue {
				m.CorrelatedPeakValue = m.PhaseIntegrate
				m.CorrelatedPeakTime = u
			}
		} else if m.CorrelatedPeakValue < 0 && u > m.CorrelatedPeakTime+b.Period4SymbolSamples {
			// inversion confirmed: the phase flip happened one symbol
			// before the integrator minimum
			bound := m.CorrelatedPeakTime - b.Period1SymbolSamples
			m.SearchModeState = SearchLocked
			t.lockListen(bound)
			return true
		}
	}

	return false
}

// lockListen enters response decoding with the bit grid anchored at the
// first phase inversion, which opens the SOF low run.
func (t *NfcB) lockListen(bound uint32) {
	b := &t.bitrate
	m := &t.listenMod

	t.decoder.Bitrate = b
	t.decoder.Modulation = m

	t.listen = true
	t.streamStatus.Reset()
	t.frameStart = bound
	t.frameEnd = bound
	t.level = 0
	t.levelRun = 1
	t.listenSOF = listenSOFLow
	t.charIndex = 0
	t.charData = 0
	t.charFault = false
	t.phaseBound = bound + 2*b.Period1SymbolSamples
	t.symbolStatus = SymbolStatus{
		Pattern: PatternS,
		Start:   bound,
		End:     bound + b.Period1SymbolSamples,
		Length:  b.Period1SymbolSamples,
		Rate:    b.SymbolsPerSecond,
	}
}

// DecodeFrame consumes samples until the current frame closes.
func (t *NfcB) DecodeFrame(buffer *SignalBuffer, frames *[]Frame) bool {
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

// decodePollStep samples the NRZ character grid at mid-bit positions.
func (t *NfcB) decodePollStep(frames *[]Frame) bool {
	b := &t.bitrate
	u, _, low := t.samplePoll()
	t.integrateListen()

	if t.waitingEnd != 0 {
		// between characters: the next falling edge opens a character,
		// extended silence closes the frame
		if low {
			t.charStart = u
			t.charIndex = 0
			t.charData = 0
			t.waitingEnd = 0
		} else if u > t.waitingEnd {
			return t.closePollFrame(frames, false)
		}
		return false
	}

	// sample at the middle of bit charIndex
	if u != t.charStart+t.charIndex*b.Period1SymbolSamples+b.Period2SymbolSamples {
		return false
	}

	bit := uint32(1)
	if low {
		bit = 0
	}

	switch {
	case t.charIndex == 0:
		if bit != 0 {
			t.charFault = true
		}

	case t.charIndex <= 8:
		t.charData |= bit << (t.charIndex - 1)

	default:
		// stop bit
		if bit == 1 && !t.charFault {
			t.streamStatus.Push(byte(t.charData))
			t.frameEnd = u + b.Period2SymbolSamples
			t.waitingEnd = u + t.etu(8)
			return false
		}
		if bit == 0 && t.charData == 0 && !t.charFault {
			// ten low time units: this character was the EOF
			return t.closePollFrame(frames, true)
		}
		// framing violation, surface what was decoded
		t.streamStatus.Flags |= StreamParityError
		return t.closePollFrame(frames, false)
	}

	t.charIndex++
	return false
}

// closePollFrame finalizes a reader frame.
func (t *NfcB) closePollFrame(frames *[]Frame, sawEOF bool) bool {
	s := &t.streamStatus
	f := &t.frameStatus

	if s.Bytes == 0 {
		return true
	}

	payload := append([]byte(nil), s.Buffer[:s.Bytes]...)

	flags := FrameFlags(0)
	if s.Flags&StreamParityError == 0 && sawEOF {
		flags |= FlagParityOk
	}
	if s.Flags&StreamOverflow != 0 || s.Flags&StreamParityError != 0 {
		flags |= FlagTruncated
	}
	if checkCRCB(payload) {
		flags |= FlagCRCOk
	}

	*frames = append(*frames, Frame{
		Tech:      TechB,
		Rate:      t.bitrate.SymbolsPerSecond,
		Direction: f.direction(t.frameStart),
		Start:     t.frameStart,
		End:       t.frameEnd,
		Payload:   payload,
		Flags:     flags,
	})

	f.LastCommand = uint32(payload[0])
	f.FrameType = FrameTypePoll
	f.FrameStart = t.frameStart
	f.FrameEnd = t.frameEnd
	f.GuardEnd = t.frameEnd + f.FrameGuardTime
	f.WaitingEnd = t.frameEnd + f.FrameWaitingTime

	return true
}

// decodeListenStep recovers one NRZ level per time unit from the phase
// integrator and feeds the character machine.
func (t *NfcB) decodeListenStep(frames *[]Frame) bool {
	b := &t.bitrate
	m := &t.listenMod

	u := t.integrateListen()
	t.samplePoll()

	if u != t.phaseBound {
		return false
	}
	t.phaseBound += b.Period1SymbolSamples

	if m.DetectIntegrate <= m.SearchValueThreshold {
		// subcarrier gone: the frame ends at a byte boundary, anywhere
		// else the sync is lost
		if t.listenSOF == listenChars && t.charIndex == 0 && t.streamStatus.Bytes > 0 {
			return t.closeListenFrame(frames)
		}
		m.SearchSyncFailures++
		if m.SearchSyncFailures >= 3 {
			log.Printf("NfcB: sync lost at clock %d", u)
			return true
		}
		return false
	}
	m.SearchSyncFailures = 0

	// a phase inversion at the last boundary flips the recovered level
	flipped := m.PhaseIntegrate < 0
	runEnded := t.levelRun
	if flipped {
		t.level ^= 1
		t.levelRun = 1
	} else {
		t.levelRun++
	}
	m.SearchLastPhase = m.PhaseIntegrate

	switch t.listenSOF {
	case listenSOFLow:
		if flipped && t.level == 1 {
			if runEnded < 9 || runEnded > 12 {
				log.Printf("NfcB: bad response SOF low run of %d units", runEnded)
				return true
			}
			t.listenSOF = listenSOFHigh
		}

	case listenSOFHigh:
		if flipped && t.level == 0 {
			if runEnded < 2 || runEnded > 4 {
				log.Printf("NfcB: bad response SOF high run of %d units", runEnded)
				return true
			}
			// this low unit is the first character start bit
			t.listenSOF = listenChars
			t.charIndex = 1
			t.charData = 0
			t.charFault = false
		}

	case listenChars:
		return t.listenCharStep(frames)
	}

	return false
}

// listenCharStep consumes one recovered level as a character bit.
func (t *NfcB) listenCharStep(frames *[]Frame) bool {
	switch {
	case t.charIndex == 0:
		// waiting for a start bit
		if t.level == 0 {
			t.charIndex = 1
			t.charData = 0
			t.charFault = false
		}

	case t.charIndex <= 8:
		t.charData |= t.level << (t.charIndex - 1)
		t.charIndex++

	default:
		// stop bit
		if t.level == 1 && !t.charFault {
			t.streamStatus.Push(byte(t.charData))
			t.frameEnd = t.phaseBound - t.bitrate.Period1SymbolSamples
			t.charIndex = 0
			return false
		}
		if t.level == 0 && t.charData == 0 && !t.charFault {
			// ten low units: the EOF closed the frame
			return t.closeListenFrame(frames)
		}
		t.streamStatus.Flags |= StreamParityError
		return t.closeListenFrame(frames)
	}

	return false
}

// closeListenFrame finalizes a card response frame.
func (t *NfcB) closeListenFrame(frames *[]Frame) bool {
	s := &t.streamStatus
	f := &t.frameStatus

	if s.Bytes == 0 {
		return true
	}

	payload := append([]byte(nil), s.Buffer[:s.Bytes]...)

	flags := FrameFlags(0)
	if s.Flags&StreamParityError == 0 {
		flags |= FlagParityOk
	}
	if s.Flags&StreamOverflow != 0 || s.Flags&StreamParityError != 0 {
		flags |= FlagTruncated
	}
	if checkCRCB(payload) {
		flags |= FlagCRCOk
	}

	*frames = append(*frames, Frame{
		Tech:      TechB,
		Rate:      t.bitrate.SymbolsPerSecond,
		Direction: f.direction(t.frameStart),
		Start:     t.frameStart,
		End:       t.frameEnd,
		Payload:   payload,
		Flags:     flags,
	})

	f.FrameType = FrameTypeListen
	f.FrameStart = t.frameStart
	f.FrameEnd = t.frameEnd
	f.GuardEnd = t.frameEnd + f.FrameGuardTime
	f.WaitingEnd = t.frameEnd + f.FrameWaitingTime

	return true
}
