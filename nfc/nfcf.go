package nfc

import (
	"log"
	"math"

	"github.com/chewxy/math32"
)

/*
 * NFC-F (FeliCa, JIS X 6319-4) demodulator
 *
 * Both directions use Manchester coding at 212 or 424 kbps: a bit is two
 * half-chips of opposite polarity, a one modulates the first half. Frames
 * open with a preamble of at least 48 zero bits followed by the 16-bit
 * sync word 0xB24D, then a length byte that counts itself plus the
 * payload, and a big-endian CRC-16/XMODEM.
 *
 * Both rates are hypothesized in parallel; the first to shift the sync
 * word out of its bit stream wins the lock.
 */

// NFC-F frame timing in carrier cycles.
const (
	nfcfFrameGuard   = 2048
	nfcfFrameWaiting = 65536
	nfcfStartUpGuard = 4096
	nfcfRequestGuard = 7000

	nfcfSyncWord = 0xB24D
)

// nfcfRates are the candidate symbol rates.
var nfcfRates = [2]Rate{Rate212k, Rate424k}

// NfcF decodes FeliCa frames at 212 and 424 kbps.
type NfcF struct {
	decoder *DecoderStatus

	bitrates [2]BitrateParams
	mods     [2]ModulationStatus

	frameStatus  FrameStatus
	streamStatus StreamStatus
	symbolStatus SymbolStatus

	// per-rate search state
	syncShift  [2]uint32 // sliding bit register hunting the sync word
	frameBegin [2]uint32 // first modulation activity per rate

	rate       int // locked rate index
	frameStart uint32
	frameEnd   uint32
	length     int // expected byte count from the length byte
}

// NewNfcF creates the NFC-F decoder over the shared status.
func NewNfcF(decoder *DecoderStatus) *NfcF {
	t := &NfcF{decoder: decoder}
	t.Configure()
	return t
}

// Tech returns TechF.
func (t *NfcF) Tech() Tech { return TechF }

// Configure precomputes the timing tables for the decoder sample rate.
func (t *NfcF) Configure() {
	params := &t.decoder.SignalParams

	for i, rate := range nfcfRates {
		t.bitrates[i] = newBitrateParams(TechF, rate, params)
	}

	cycles := func(n float64) uint32 { return uint32(math.Round(params.SampleTimeUnit * n)) }

	t.frameStatus = FrameStatus{
		FrameGuardTime:   cycles(nfcfFrameGuard),
		FrameWaitingTime: cycles(nfcfFrameWaiting),
		StartUpGuardTime: cycles(nfcfStartUpGuard),
		RequestGuardTime: cycles(nfcfRequestGuard),
	}

	t.Reset()
}

// Reset disarms the searches and clears any frame in progress along
// with the previous exchange windows.
func (t *NfcF) Reset() {
	t.frameStatus.clearExchange()
	for i := range t.mods {
		t.mods[i].Reset()
	}
	t.ResetSearch()
}

// ResetSearch re-arms the searches, keeping the exchange windows.
func (t *NfcF) ResetSearch() {
	for i := range t.mods {
		t.mods[i].ResetSearch()
		t.mods[i].SearchValueThreshold = float32(t.bitrates[i].Period8SymbolSamples) / 4
		t.syncShift[i] = 0
		t.frameBegin[i] = 0
	}
	t.streamStatus.Reset()
	t.symbolStatus = SymbolStatus{}
	t.rate = -1
	t.length = 0
}

// integrate advances the Manchester sums of one rate and returns the two
// half-chip correlations for stream time u.
func (t *NfcF) integrate(i int) (u uint32, corr0, corr1 float32) {
	b := &t.bitrates[i]
	d := t.decoder
	m := &t.mods[i]

	clk := d.SignalClock
	sigIdx := (clk + b.OffsetSignalIndex) & (BufferSize - 1)
	del2Idx := (clk + b.OffsetDelay2Index) & (BufferSize - 1)
	del4Idx := (clk + b.OffsetDelay4Index) & (BufferSize - 1)

	depth := d.Sample[sigIdx].ModulateDepth

	m.FilterIntegrate += depth - d.Sample[del2Idx].ModulateDepth

	below := m.DetectIntegrate <= m.SearchValueThreshold
	m.DetectIntegrate += depth - d.Sample[del4Idx].ModulateDepth
	if below && m.DetectIntegrate > m.SearchValueThreshold {
		// modulation rise, used for symbol clock resynchronization
		m.SymbolRiseTime = clk - b.SymbolDelayDetect
	}

	corr0 = m.IntegrationData[del2Idx]
	corr1 = m.FilterIntegrate

	m.IntegrationData[sigIdx] = m.FilterIntegrate
	m.CorrelationData[sigIdx] = corr0 - corr1

	m.SearchCorr0Value = corr0
	m.SearchCorr1Value = corr1
	m.SearchCorrDValue = corr0 - corr1

	return clk - b.SymbolDelayDetect, corr0, corr1
}

// DetectModulation runs one search step per candidate rate. Returns true
// once one rate has shifted the sync word out of its bit stream.
func (t *NfcF) DetectModulation() bool {
	for i := range t.bitrates {
		if t.searchStep(i) {
			return true
		}
	}
	return false
}

// searchStep advances one rate hypothesis by one sample.
func (t *NfcF) searchStep(i int) bool {
	b := &t.bitrates[i]
	m := &t.mods[i]

	u, corr0, corr1 := t.integrate(i)

	if m.SearchModeState == SearchIdle {
		// The preamble is all zero bits, modulated in their second
		// half: the first activity rise sits half a symbol in.
		if m.DetectIntegrate > m.SearchValueThreshold {
			m.SearchModeState = SearchPreamble
			m.SymbolStartTime = u - b.Period2SymbolSamples
			m.SymbolEndTime = m.SymbolStartTime + b.Period1SymbolSamples
			m.SearchSyncTime = m.SymbolEndTime + b.Period1SymbolSamples
			m.SearchValueThreshold = m.DetectIntegrate
			t.frameBegin[i] = m.SymbolStartTime
			t.syncShift[i] = 0
		}
		return false
	}

	if u != m.SearchSyncTime {
		return false
	}
	m.SearchSyncTime += b.Period1SymbolSamples

	vt := m.SearchValueThreshold
	if corr0 <= vt && corr1 <= vt {
		// activity vanished before the sync word, drop the hypothesis
		m.ResetSearch()
		m.SearchValueThreshold = float32(b.Period8SymbolSamples) / 4
		t.syncShift[i] = 0
		return false
	}

	m.SearchValueThreshold = math32.Max(corr0, corr1) / 2

	bit := uint32(0)
	if corr0 > corr1 {
		bit = 1
	}

	t.syncShift[i] = (t.syncShift[i]<<1 | bit) & 0xFFFF
	if t.syncShift[i] != nfcfSyncWord {
		return false
	}

	// sync word complete, lock this rate
	m.SearchModeState = SearchLocked
	t.rate = i
	t.frameStart = t.frameBegin[i]
	t.frameEnd = u
	t.length = 0
	t.streamStatus.Reset()

	t.decoder.Bitrate = b
	t.decoder.Modulation = m

	t.symbolStatus = SymbolStatus{
		Pattern: PatternS,
		Start:   t.frameStart,
		End:     u,
		Length:  b.Period1SymbolSamples,
		Rate:    b.SymbolsPerSecond,
	}
	return true
}

// DecodeFrame consumes samples until the current frame closes.
func (t *NfcF) DecodeFrame(buffer *SignalBuffer, frames *[]Frame) bool {
	for t.decoder.NextSample(buffer) {
		if t.decodeStep(frames) {
			t.ResetSearch()
			t.decoder.Bitrate = nil
			t.decoder.Modulation = nil
			return true
		}
	}
	return false
}

// decodeStep advances the locked Manchester byte decode by one sample.
func (t *NfcF) decodeStep(frames *[]Frame) bool {
	i := t.rate
	b := &t.bitrates[i]
	m := &t.mods[i]
	s := &t.streamStatus

	u, corr0, corr1 := t.integrate(i)
	for j := range t.bitrates {
		if j != i {
			t.integrate(j)
		}
	}

	if u != m.SearchSyncTime {
		return false
	}
	m.SearchSyncTime += b.Period1SymbolSamples

	vt := m.SearchValueThreshold

	if corr0 <= vt && corr1 <= vt {
		// modulation gone mid-frame
		m.SearchSyncFailures++
		if m.SearchSyncFailures >= 3 {
			log.Printf("NfcF: sync lost at clock %d, %d bytes decoded", u, s.Bytes)
			return true
		}
		return false
	}
	m.SearchSyncFailures = 0
	m.SearchValueThreshold = math32.Max(corr0, corr1) / 2

	bit := uint32(0)
	if corr0 > corr1 {
		bit = 1
	}

	// A Manchester zero has its modulation rise half a symbol in, a one
	// at the symbol start; a one after a zero has no rise and is skipped.
	// A phase error beyond a quarter symbol resynchronizes the bit clock.
	if m.SymbolRiseTime != 0 {
		expect := u - b.Period1SymbolSamples
		if bit == 0 {
			expect = u - b.Period2SymbolSamples
		}
		drift := int32(m.SymbolRiseTime) - int32(expect)
		if drift > int32(b.Period4SymbolSamples) || drift < -int32(b.Period4SymbolSamples) {
			m.SearchSyncTime = uint32(int32(m.SearchSyncTime) + drift)
		}
		m.SymbolRiseTime = 0
	}

	if t.decoder.Debug != nil {
		t.decoder.Debug.Set(DebugSignalDecoderChannel, 0.25+float32(bit)*0.25)
	}

	// bytes assemble most significant bit first
	s.Data = s.Data<<1 | bit
	s.Bits++
	t.frameEnd = u

	if s.Bits < 8 {
		return false
	}
	s.Push(byte(s.Data))
	s.Data = 0
	s.Bits = 0

	if s.Bytes == 1 {
		// length byte counts itself plus the payload, CRC follows
		t.length = int(s.Buffer[0]) + 2
		if t.length < 3 {
			log.Printf("NfcF: invalid frame length %d", s.Buffer[0])
			return true
		}
	}

	if t.length > 0 && int(s.Bytes) >= t.length {
		return t.closeFrame(frames)
	}
	if s.Flags&StreamOverflow != 0 {
		return t.closeFrame(frames)
	}
	return false
}

// closeFrame finalizes the frame and updates the exchange windows.
func (t *NfcF) closeFrame(frames *[]Frame) bool {
	s := &t.streamStatus
	f := &t.frameStatus
	b := &t.bitrates[t.rate]

	payload := append([]byte(nil), s.Buffer[:s.Bytes]...)

	flags := FlagParityOk
	if s.Flags&StreamOverflow != 0 {
		flags |= FlagTruncated
	}
	if checkCRCF(payload) {
		flags |= FlagCRCOk
	}

	direction := f.direction(t.frameStart)

	*frames = append(*frames, Frame{
		Tech:      TechF,
		Rate:      b.SymbolsPerSecond,
		Direction: direction,
		Start:     t.frameStart,
		End:       t.frameEnd,
		Payload:   payload,
		Flags:     flags,
	})

	if len(payload) > 1 {
		f.LastCommand = uint32(payload[1])
	}
	if direction == DirectionResponse {
		f.FrameType = FrameTypeListen
	} else {
		f.FrameType = FrameTypePoll
	}
	f.FrameStart = t.frameStart
	f.FrameEnd = t.frameEnd
	f.GuardEnd = t.frameEnd + f.FrameGuardTime
	f.WaitingEnd = t.frameEnd + f.FrameWaitingTime

	return true
}
