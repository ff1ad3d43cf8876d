package nfc

import (
	"log"
	"math"

	"github.com/chewxy/math32"
)

/*
 * NFC-V (ISO 15693) demodulator
 *
 * Reader frames are pulse position modulated: one short 100% carrier
 * pulse sits in one of 4 or 256 slots of a symbol window, the slot index
 * is the symbol value. The coding is announced by the SOF shape, two
 * pulses whose spacing selects 1-of-256 or 1-of-4. Card frames answer on
 * a 423 kHz subcarrier with Manchester coded bits at 26.48 kbps.
 */

// NFC-V frame timing in carrier cycles.
const (
	nfcvFrameGuard   = 4320 // t1 minimum before the card answers
	nfcvFrameWaiting = 65536
	nfcvStartUpGuard = 4096
	nfcvRequestGuard = 7000

	// SOF pulse spacing, start to start
	nfcvSOFGap256 = 256
	nfcvSOFGap4   = 768

	// data start after the first SOF pulse
	nfcvDataStart256 = 512
	nfcvDataStart4   = 1024
)

// nfcvPulseFloor is the modulation depth above which a carrier pulse is
// taken as present; request pulses are ASK 100%.
const nfcvPulseFloor = 0.5

// NfcV decodes ISO 15693 request and response frames.
type NfcV struct {
	decoder *DecoderStatus

	bitrate BitrateParams

	pollMod   ModulationStatus
	listenMod ModulationStatus

	pulse4   PulseParams
	pulse256 PulseParams
	pulse    *PulseParams // selected coding for the frame in progress

	frameStatus  FrameStatus
	streamStatus StreamStatus
	symbolStatus SymbolStatus

	frameStart uint32
	frameEnd   uint32
	listen     bool

	// request pulse tracker
	pulseActive bool
	pulseFirst  uint32 // first SOF pulse start
	winStart    uint32 // current symbol window start
	winPulse    uint32 // pulse position inside the window
	winCount    uint32 // pulses seen inside the window
}

// NewNfcV creates the NFC-V decoder over the shared status.
func NewNfcV(decoder *DecoderStatus) *NfcV {
	t := &NfcV{decoder: decoder}
	t.Configure()
	return t
}

// Tech returns TechV.
func (t *NfcV) Tech() Tech { return TechV }

// Configure precomputes the timing and pulse tables.
func (t *NfcV) Configure() {
	params := &t.decoder.SignalParams

	t.bitrate = newBitrateParams(TechV, Rate26k, params)
	t.pulse4 = newPulseParams(2, params)
	t.pulse256 = newPulseParams(8, params)

	cycles := func(n float64) uint32 { return uint32(math.Round(params.SampleTimeUnit * n)) }

	t.frameStatus = FrameStatus{
		FrameGuardTime:   cycles(nfcvFrameGuard),
		FrameWaitingTime: cycles(nfcvFrameWaiting),
		StartUpGuardTime: cycles(nfcvStartUpGuard),
		RequestGuardTime: cycles(nfcvRequestGuard),
	}

	t.Reset()
}

// cycles converts carrier cycles to samples.
func (t *NfcV) cycles(n float64) uint32 {
	return uint32(math.Round(t.decoder.SignalParams.SampleTimeUnit * n))
}

// Reset disarms both searches and clears any frame in progress along
// with the previous exchange windows.
func (t *NfcV) Reset() {
	t.frameStatus.clearExchange()
	t.pollMod.Reset()
	t.listenMod.Reset()
	t.ResetSearch()
}

// ResetSearch re-arms the searches, keeping the exchange windows.
func (t *NfcV) ResetSearch() {
	t.pollMod.ResetSearch()
	t.listenMod.ResetSearch()
	t.streamStatus.Reset()
	t.symbolStatus = SymbolStatus{}
	t.pulse = nil
	t.listen = false
	t.pulseActive = false
	t.pulseFirst = 0
	t.winCount = 0
	t.listenMod.SearchValueThreshold = float32(t.bitrate.Period8SymbolSamples) * t.decoder.SignalHighThreshold
}

// samplePoll reads the stream-time modulation depth.
func (t *NfcV) samplePoll() (u uint32, depth float32) {
	b := &t.bitrate
	d := t.decoder

	sigIdx := (d.SignalClock + b.OffsetSignalIndex) & (BufferSize - 1)
	return d.SignalClock - b.SymbolDelayDetect, d.Sample[sigIdx].ModulateDepth
}

// integrateListen advances the subcarrier sums over the rectified
// filtered signal.
func (t *NfcV) integrateListen() (u uint32, corr0, corr1 float32) {
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

	return clk - b.SymbolDelayDetect, corr0, corr1
}

// listenWindow reports whether the clock falls inside the card response
// waiting window of the previous request frame.
func (t *NfcV) listenWindow(u uint32) bool {
	f := &t.frameStatus
	return f.FrameEnd != 0 && f.FrameType == FrameTypePoll && u > f.FrameEnd && u < f.WaitingEnd
}

// DetectModulation runs one search step over the current sample.
func (t *NfcV) DetectModulation() bool {
	u, depth := t.samplePoll()
	ul, _, _ := t.integrateListen()

	if t.listenWindow(u) {
		return t.searchListenStart(ul)
	}
	return t.searchPollStart(u, depth)
}

// searchPollStart hunts the two SOF pulses whose spacing announces the
// pulse position coding of the frame.
func (t *NfcV) searchPollStart(u uint32, depth float32) bool {
	m := &t.pollMod

	rise := depth > nfcvPulseFloor && !t.pulseActive
	t.pulseActive = depth > nfcvPulseFloor

	if !rise {
		if m.SearchModeState == SearchPreamble && u > t.pulseFirst+t.cycles(nfcvSOFGap4)+t.bitrate.Period2SymbolSamples {
			m.SearchModeState = SearchIdle
		}
		return false
	}

	switch m.SearchModeState {
	case SearchIdle:
		t.pulseFirst = u
		m.SearchStartTime = u
		m.SearchModeState = SearchPreamble
		return false

	case SearchPreamble:
		gap := u - t.pulseFirst
		tol := t.bitrate.Period8SymbolSamples

		switch {
		case within(gap, t.cycles(nfcvSOFGap256), tol):
			t.pulse = &t.pulse256
			t.winStart = t.pulseFirst + t.cycles(nfcvDataStart256)
		case within(gap, t.cycles(nfcvSOFGap4), tol):
			t.pulse = &t.pulse4
			t.winStart = t.pulseFirst + t.cycles(nfcvDataStart4)
		default:
			// stray pulse, restart the SOF from here
			t.pulseFirst = u
			return false
		}

		m.SearchModeState = SearchLocked
		t.decoder.Bitrate = &t.bitrate
		t.decoder.Pulse = t.pulse
		t.decoder.Modulation = m

		t.listen = false
		t.streamStatus.Reset()
		t.frameStart = t.pulseFirst
		t.frameEnd = u
		t.winCount = 0
		t.symbolStatus = SymbolStatus{
			Pattern: PatternS,
			Start:   t.pulseFirst,
			End:     t.winStart,
			Length:  t.winStart - t.pulseFirst,
			Rate:    t.bitrate.SymbolsPerSecond,
		}
		return true
	}

	return false
}

// searchListenStart hunts the first subcarrier burst of a card response.
func (t *NfcV) searchListenStart(u uint32) bool {
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

	m.SearchModeState = SearchLocked
	m.SymbolStartTime = u
	m.SymbolEndTime = u + b.Period1SymbolSamples
	m.SearchSyncTime = m.SymbolEndTime

	t.decoder.Bitrate = b
	t.decoder.Modulation = m

	t.listen = true
	t.streamStatus.Reset()
	t.streamStatus.Previous = PatternS
	t.frameStart = u
	t.frameEnd = u
	return true
}

// DecodeFrame consumes samples until the current frame closes.
func (t *NfcV) DecodeFrame(buffer *SignalBuffer, frames *[]Frame) bool {
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
			t.decoder.Pulse = nil
			t.decoder.Modulation = nil
			return true
		}
	}
	return false
}

// decodePollStep tracks pulses through the current symbol window and
// turns the slot index into symbol bits at the window end.
func (t *NfcV) decodePollStep(frames *[]Frame) bool {
	u, depth := t.samplePoll()
	t.integrateListen()

	rise := depth > nfcvPulseFloor && !t.pulseActive
	t.pulseActive = depth > nfcvPulseFloor

	end := t.winStart + uint32(t.pulse.Length)

	if rise && u >= t.winStart && u < end {
		if t.winCount == 0 {
			t.winPulse = u
		}
		t.winCount++
	}

	if u != end {
		return false
	}

	// symbol window complete
	switch t.winCount {
	case 0:
		// no pulse: end of frame
		return t.closePollFrame(frames)

	case 1:
		offset := int(t.winPulse - t.winStart)
		slot := t.findSlot(offset)
		if slot < 0 {
			t.streamStatus.Flags |= StreamParityError
			return t.closePollFrame(frames)
		}
		t.pushSymbol(uint32(slot))
		t.frameEnd = t.winPulse + t.cycles(128)

	default:
		// more than one pulse in the window is unrecoverable
		log.Printf("NfcV: %d pulses in one symbol window at clock %d", t.winCount, u)
		t.streamStatus.Flags |= StreamParityError
		return t.closePollFrame(frames)
	}

	t.winStart = end
	t.winCount = 0
	if rise {
		// a pulse rising on the boundary opens slot zero of the next window
		t.winPulse = u
		t.winCount = 1
	}
	return false
}

// findSlot locates the slot window containing a pulse offset.
func (t *NfcV) findSlot(offset int) int {
	for i := 0; i < t.pulse.Periods; i++ {
		s := &t.pulse.Slots[i]
		if offset >= s.Start && offset < s.End {
			return s.Value
		}
	}
	return -1
}

// pushSymbol appends one pulse position symbol, most significant bit
// first, completing bytes as they fill.
func (t *NfcV) pushSymbol(value uint32) {
	s := &t.streamStatus

	for k := t.pulse.Bits - 1; k >= 0; k-- {
		s.Data = s.Data<<1 | (value>>uint(k))&1
		s.Bits++
		if s.Bits == 8 {
			s.Push(byte(s.Data))
			s.Data = 0
			s.Bits = 0
		}
	}
}

// closePollFrame finalizes a reader frame.
func (t *NfcV) closePollFrame(frames *[]Frame) bool {
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
	if s.Flags&(StreamOverflow|StreamParityError) != 0 {
		flags |= FlagTruncated
	}
	if checkCRCV(payload) {
		flags |= FlagCRCOk
	}

	*frames = append(*frames, Frame{
		Tech:      TechV,
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

// decodeListenStep advances the Manchester response decode by one sample.
func (t *NfcV) decodeListenStep(frames *[]Frame) bool {
	b := &t.bitrate
	m := &t.listenMod
	s := &t.streamStatus

	u, corr0, corr1 := t.integrateListen()
	t.samplePoll()

	if u != m.SearchSyncTime {
		return false
	}

	vt := m.SearchValueThreshold

	var pattern uint32
	switch {
	case corr0 > vt && corr0 > corr1:
		pattern = PatternD
	case corr1 > vt && corr1 > corr0:
		pattern = PatternE
	default:
		pattern = PatternO
	}

	m.SymbolStartTime += b.Period1SymbolSamples
	m.SymbolEndTime += b.Period1SymbolSamples
	m.SearchSyncTime += b.Period1SymbolSamples

	switch {
	case pattern == PatternO && s.Bits == 0:
		return t.closeListenFrame(frames)

	case pattern == PatternO:
		m.SearchSyncFailures++
		if m.SearchSyncFailures >= 3 {
			log.Printf("NfcV: sync lost at clock %d", u)
			return true
		}
		return false

	case s.Previous == PatternS:
		// first symbol is the start of frame marker
		s.Previous = pattern
		t.frameEnd = u
		return false
	}

	m.SearchSyncFailures = 0
	m.SearchValueThreshold = math32.Max(corr0, corr1) / 2
	s.Previous = pattern
	t.frameEnd = u

	// response bytes assemble least significant bit first
	if pattern == PatternD {
		s.Data |= 1 << s.Bits
	}
	s.Bits++
	if s.Bits == 8 {
		s.Push(byte(s.Data))
		s.Data = 0
		s.Bits = 0
	}
	return false
}

// closeListenFrame finalizes a card response frame.
func (t *NfcV) closeListenFrame(frames *[]Frame) bool {
	s := &t.streamStatus
	f := &t.frameStatus

	if s.Bytes == 0 {
		return true
	}

	payload := append([]byte(nil), s.Buffer[:s.Bytes]...)

	flags := FlagParityOk
	if s.Flags&StreamOverflow != 0 {
		flags |= FlagTruncated
	}
	if checkCRCV(payload) {
		flags |= FlagCRCOk
	}

	*frames = append(*frames, Frame{
		Tech:      TechV,
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

// within reports whether v lies inside [target-tol, target+tol].
func within(v, target, tol uint32) bool {
	return v+tol >= target && v <= target+tol
}
