package nfc

import (
	"math"
	"math/rand"
)

/*
 * Synthetic waveform builders. Each technology encoder produces the
 * envelope a receiver coil would see for known frame bytes, so the
 * end-to-end tests can feed the decoder real modulation shapes.
 */

const testSampleRate = 10_000_000

type synth struct {
	params   SignalParams
	data     []float32
	subPhase float64
}

func newSynth() *synth {
	return &synth{params: newSignalParams(testSampleRate)}
}

// level appends n samples at a constant envelope.
func (s *synth) level(v float32, n int) {
	for i := 0; i < n; i++ {
		s.data = append(s.data, v)
	}
}

func (s *synth) carrier(n int) { s.level(1, n) }
func (s *synth) pause(n int)   { s.level(0, n) }

// cycles converts carrier cycles to samples, decoder rounding.
func (s *synth) cycles(n float64) int {
	return int(math.Round(s.params.SampleTimeUnit * n))
}

// subcarrier appends n samples of OOK subcarrier at fc/divider with
// modulation index m; phase is continuous across calls.
func (s *synth) subcarrier(n int, m float64, divider float64) {
	step := CarrierFrequency / divider / testSampleRate
	for i := 0; i < n; i++ {
		v := 1.0 - m
		if s.subPhase-math.Floor(s.subPhase) < 0.5 {
			v = 1.0 + m
		}
		s.data = append(s.data, float32(v))
		s.subPhase += step
	}
}

// addNoise adds zero-mean gaussian noise from a fixed seed.
func (s *synth) addNoise(sigma float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range s.data {
		s.data[i] += float32(rng.NormFloat64() * sigma)
	}
}

func (s *synth) buffer() *SignalBuffer {
	return NewSignalBuffer(s.data, testSampleRate)
}

// blocks splits the waveform into fixed size sample blocks.
func (s *synth) blocks(size int) []*SignalBuffer {
	var out []*SignalBuffer
	for off := 0; off < len(s.data); off += size {
		end := off + size
		if end > len(s.data) {
			end = len(s.data)
		}
		b := NewSignalBuffer(s.data[off:end], testSampleRate)
		b.Offset = uint64(off)
		out = append(out, b)
	}
	return out
}

/*
 * NFC-A modified Miller, ASK 100%
 */

type millerSynth struct {
	s *synth
	b BitrateParams
}

func newMillerSynth(s *synth) *millerSynth {
	return &millerSynth{s: s, b: newBitrateParams(TechA, Rate106k, &s.params)}
}

// symbolY: pause in the first quarter of the symbol.
func (m *millerSynth) symbolY() {
	p := int(m.b.Period4SymbolSamples)
	m.s.pause(p)
	m.s.carrier(int(m.b.Period1SymbolSamples) - p)
}

// symbolX: pause opening the second half.
func (m *millerSynth) symbolX() {
	p := int(m.b.Period4SymbolSamples)
	m.s.carrier(int(m.b.Period2SymbolSamples))
	m.s.pause(p)
	m.s.carrier(int(m.b.Period1SymbolSamples) - int(m.b.Period2SymbolSamples) - p)
}

// symbolZ: unmodulated symbol.
func (m *millerSynth) symbolZ() {
	m.s.carrier(int(m.b.Period1SymbolSamples))
}

// frame emits SOF, the bit sequence under the Miller contiguity rules,
// and the end of frame marker.
func (m *millerSynth) frame(bits []uint32) {
	m.symbolY() // start of frame

	last := uint32(0)
	for _, bit := range bits {
		if bit == 1 {
			m.symbolX()
		} else if last == 1 {
			m.symbolZ()
		} else {
			m.symbolY()
		}
		last = bit
	}

	// end of frame: one logic zero followed by idle
	if last == 1 {
		m.symbolZ()
	} else {
		m.symbolY()
	}
	m.symbolZ()
	m.symbolZ()
}

/*
 * NFC-A card response, Manchester on an OOK 848 kHz subcarrier
 */

type manchesterASynth struct {
	s *synth
	b BitrateParams
	m float64
}

func newManchesterASynth(s *synth) *manchesterASynth {
	return &manchesterASynth{s: s, b: newBitrateParams(TechA, Rate106k, &s.params), m: 0.05}
}

func (r *manchesterASynth) symbolD() {
	half := int(r.b.Period2SymbolSamples)
	r.s.subcarrier(half, r.m, 16)
	r.s.carrier(int(r.b.Period1SymbolSamples) - half)
}

func (r *manchesterASynth) symbolE() {
	half := int(r.b.Period2SymbolSamples)
	r.s.carrier(int(r.b.Period1SymbolSamples) - half)
	r.s.subcarrier(half, r.m, 16)
}

// frame emits the start symbol and the bit sequence, ending in silence.
func (r *manchesterASynth) frame(bits []uint32) {
	r.symbolD() // start of frame
	for _, bit := range bits {
		if bit == 1 {
			r.symbolD()
		} else {
			r.symbolE()
		}
	}
	r.s.carrier(4 * int(r.b.Period1SymbolSamples))
}

/*
 * NFC-B NRZ-L, ASK 10%
 */

type nrzBSynth struct {
	s   *synth
	b   BitrateParams
	low float32
}

func newNrzBSynth(s *synth) *nrzBSynth {
	return &nrzBSynth{s: s, b: newBitrateParams(TechB, Rate106k, &s.params), low: 0.9}
}

func (n *nrzBSynth) lowUnits(units int) {
	n.s.level(n.low, units*int(n.b.Period1SymbolSamples))
}

func (n *nrzBSynth) highUnits(units int) {
	n.s.carrier(units * int(n.b.Period1SymbolSamples))
}

// frame emits SOF, one character per byte, and EOF.
func (n *nrzBSynth) frame(data []byte) {
	n.lowUnits(10)
	n.highUnits(2)

	for _, b := range data {
		n.lowUnits(1) // start bit
		for bit := 0; bit < 8; bit++ {
			if b>>uint(bit)&1 == 1 {
				n.highUnits(1)
			} else {
				n.lowUnits(1)
			}
		}
		n.highUnits(1) // stop bit
	}

	n.lowUnits(10)
	n.highUnits(4)
}

/*
 * NFC-F Manchester, ASK ~30%
 */

type manchesterFSynth struct {
	s     *synth
	b     BitrateParams
	depth float32
}

func newManchesterFSynth(s *synth, rate Rate) *manchesterFSynth {
	return &manchesterFSynth{s: s, b: newBitrateParams(TechF, rate, &s.params), depth: 0.3}
}

func (f *manchesterFSynth) bit(v uint32) {
	h2 := int(f.b.Period2SymbolSamples)
	h1 := int(f.b.Period1SymbolSamples) - h2
	if v == 1 {
		f.s.level(1-f.depth, h1)
		f.s.carrier(h2)
	} else {
		f.s.carrier(h1)
		f.s.level(1-f.depth, h2)
	}
}

// frame emits the zero preamble, the sync word and the payload bytes,
// most significant bit first.
func (f *manchesterFSynth) frame(payload []byte) {
	for i := 0; i < 48; i++ {
		f.bit(0)
	}
	for i := 15; i >= 0; i-- {
		f.bit(uint32(nfcfSyncWord >> uint(i) & 1))
	}
	for _, b := range payload {
		for i := 7; i >= 0; i-- {
			f.bit(uint32(b >> uint(i) & 1))
		}
	}
	f.s.carrier(4 * int(f.b.Period1SymbolSamples))
}

/*
 * NFC-V pulse position modulation, ASK 100% pulses
 */

type ppmVSynth struct {
	s     *synth
	pulse PulseParams
	width int
}

func newPpmVSynth(s *synth, bits int) *ppmVSynth {
	return &ppmVSynth{
		s:     s,
		pulse: newPulseParams(bits, &s.params),
		width: s.cycles(128),
	}
}

// sof emits the two pulses whose spacing announces the coding.
func (p *ppmVSynth) sof() {
	gap, span := nfcvSOFGap256, nfcvDataStart256
	if p.pulse.Bits == 2 {
		gap, span = nfcvSOFGap4, nfcvDataStart4
	}
	p.s.pause(p.width)
	p.s.carrier(p.s.cycles(float64(gap)) - p.width)
	p.s.pause(p.width)
	p.s.carrier(p.s.cycles(float64(span)) - p.s.cycles(float64(gap)) - p.width)
}

// symbol emits one pulse position symbol for a slot value.
func (p *ppmVSynth) symbol(value int) {
	start := p.pulse.Slots[value].Start
	p.s.carrier(start)
	p.s.pause(p.width)
	p.s.carrier(p.pulse.Length - start - p.width)
}

// frame emits SOF, one symbol per value, and a silent window as EOF.
func (p *ppmVSynth) frame(values []int) {
	p.sof()
	for _, v := range values {
		p.symbol(v)
	}
	p.s.carrier(p.pulse.Length + p.s.cycles(512))
}

/*
 * bit sequence helpers
 */

// shortFrameBits returns the seven bits of an NFC-A short frame.
func shortFrameBits(v byte) []uint32 {
	bits := make([]uint32, 7)
	for i := range bits {
		bits[i] = uint32(v >> uint(i) & 1)
	}
	return bits
}

// standardFrameBitsA returns the bit stream of an NFC-A standard frame,
// eight data bits and one odd parity bit per byte.
func standardFrameBitsA(data []byte) []uint32 {
	var bits []uint32
	for _, b := range data {
		for i := 0; i < 8; i++ {
			bits = append(bits, uint32(b>>uint(i)&1))
		}
		bits = append(bits, oddParity(b))
	}
	return bits
}

// withCRCA appends the little-endian NFC-A checksum.
func withCRCA(data []byte) []byte {
	crc := CRCA(data)
	return append(append([]byte(nil), data...), byte(crc), byte(crc>>8))
}

// withCRCB appends the little-endian NFC-B checksum.
func withCRCB(data []byte) []byte {
	crc := CRCB(data)
	return append(append([]byte(nil), data...), byte(crc), byte(crc>>8))
}

// withCRCF appends the big-endian NFC-F checksum.
func withCRCF(data []byte) []byte {
	crc := CRCF(data)
	return append(append([]byte(nil), data...), byte(crc>>8), byte(crc))
}

// withCRCV appends the little-endian NFC-V checksum.
func withCRCV(data []byte) []byte {
	crc := CRCV(data)
	return append(append([]byte(nil), data...), byte(crc), byte(crc>>8))
}

// decodeAll runs a whole waveform through a fresh decoder.
func decodeAll(cfg Config, s *synth) ([]Frame, error) {
	d, err := NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	return d.Process(s.buffer())
}
