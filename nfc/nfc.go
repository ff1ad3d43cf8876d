package nfc

import (
	"errors"
	"fmt"
)

/*
 * NFC baseband decoder
 *
 * Real-time demodulator for the 13.56 MHz NFC technologies. The decoder
 * ingests real-valued RF envelope samples well above the carrier rate and
 * produces decoded frames for NFC-A (ISO 14443-A), NFC-B (ISO 14443-B),
 * NFC-F (FeliCa / JIS X 6319-4) and NFC-V (ISO 15693).
 */

// CarrierFrequency is the NFC carrier, 13.56 MHz.
const CarrierFrequency = 13.56e6

// BufferSize is the depth of the per-decoder sample and correlation rings.
// Must be a power of two, all ring indices are masked with BufferSize-1.
const BufferSize = 1024

// Tech identifies one NFC technology.
type Tech uint8

const (
	TechNone Tech = iota
	TechA         // ISO 14443-A, ASK 100% modified Miller / Manchester subcarrier
	TechB         // ISO 14443-B, ASK 10% NRZ-L / BPSK subcarrier
	TechF         // FeliCa, Manchester at 212/424 kbps
	TechV         // ISO 15693, PPM 1-of-4 / 1-of-256
)

// String returns the conventional technology name.
func (t Tech) String() string {
	switch t {
	case TechA:
		return "NfcA"
	case TechB:
		return "NfcB"
	case TechF:
		return "NfcF"
	case TechV:
		return "NfcV"
	}
	return "None"
}

// Rate identifies one candidate symbol rate. For Rate106k to Rate848k the
// numeric value is the divider exponent: symbol rate is fc/128 shifted left
// by Rate. Rate26k is the exception at fc/512.
type Rate uint8

const (
	Rate106k Rate = iota // fc/128, 105.9 kbps
	Rate212k             // fc/64
	Rate424k             // fc/32
	Rate848k             // fc/16
	Rate26k              // fc/512, NFC-V 26.48 kbps
)

// String returns the conventional rate name.
func (r Rate) String() string {
	switch r {
	case Rate106k:
		return "106k"
	case Rate212k:
		return "212k"
	case Rate424k:
		return "424k"
	case Rate848k:
		return "848k"
	case Rate26k:
		return "26k"
	}
	return fmt.Sprintf("rate(%d)", uint8(r))
}

// Direction tags a frame as reader-to-card or card-to-reader.
type Direction uint8

const (
	DirectionRequest  Direction = iota // reader to card (PCD -> PICC)
	DirectionResponse                  // card to reader (PICC -> PCD)
	DirectionInvalid                   // frame started inside the guard window
)

// String returns the direction tag name.
func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "REQ"
	case DirectionResponse:
		return "RES"
	}
	return "INVALID"
}

// FrameFlags carries per-frame quality and shape bits.
type FrameFlags uint32

const (
	FlagCRCOk      FrameFlags = 1 << iota // trailing CRC verified
	FlagParityOk                          // all parity bits verified
	FlagTruncated                         // payload incomplete: frame buffer overflow, a missing parity bit, a partial byte or a parity/framing violation
	FlagShortFrame                        // NFC-A short frame (7-bit request or 4-bit acknowledge), no parity
	FlagEncrypted                         // reserved
)

// Frame is one decoded NFC frame with its timing metadata. Clocks are in
// sample ticks of the decoder stream clock.
type Frame struct {
	Tech      Tech
	Rate      uint32 // symbols per second
	Direction Direction
	Start     uint32 // sample clock of the first symbol edge
	End       uint32 // sample clock of the last symbol edge
	Payload   []byte
	Flags     FrameFlags
}

// HasCRC reports whether the trailing CRC verified.
func (f *Frame) HasCRC() bool { return f.Flags&FlagCRCOk != 0 }

// HasParity reports whether every parity bit verified.
func (f *Frame) HasParity() bool { return f.Flags&FlagParityOk != 0 }

// IsShort reports whether this is an NFC-A short frame.
func (f *Frame) IsShort() bool { return f.Flags&FlagShortFrame != 0 }

func (f *Frame) String() string {
	return fmt.Sprintf("%s %s @%d..%d % X flags=%04b",
		f.Tech, f.Direction, f.Start, f.End, f.Payload, f.Flags)
}

// SampleType identifies the payload layout of a SignalBuffer.
type SampleType int

const (
	SampleReal SampleType = iota // real-valued envelope samples
	SampleIQ                     // interleaved I/Q pairs, not accepted by this decoder
)

// ErrUnsupportedFormat is returned when an input block does not carry
// real-valued single-channel samples at the configured rate. The decoder
// state is left untouched.
var ErrUnsupportedFormat = errors.New("nfc: unsupported signal buffer format")

// SignalBuffer is one block of input samples handed to the decoder.
// Blocks arrive from an acquisition thread; the decoder only ever reads.
type SignalBuffer struct {
	Data       []float32
	SampleRate uint32
	Stride     int    // samples per frame entry, must be 1 here
	Offset     uint64 // stream offset of Data[0] in samples
	Decimation int
	Type       SampleType

	pos int
}

// NewSignalBuffer wraps a block of real samples at the given rate.
func NewSignalBuffer(data []float32, sampleRate uint32) *SignalBuffer {
	return &SignalBuffer{Data: data, SampleRate: sampleRate, Stride: 1, Type: SampleReal}
}

// Available returns the number of unread samples in the block.
func (b *SignalBuffer) Available() int {
	return len(b.Data) - b.pos
}

// Get consumes and returns the next sample.
func (b *SignalBuffer) Get() float32 {
	v := b.Data[b.pos]
	b.pos += b.Stride
	return v
}
