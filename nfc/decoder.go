package nfc

import (
	"fmt"
	"log"
)

/*
 * Decoder orchestrator
 *
 * Top level per-sample loop. While no technology holds the lock every
 * enabled detector is polled against the shared status; the first to
 * confirm a start of frame wins and decodes alone until its frame closes
 * or its sync is lost, then the search re-arms.
 */

// TechDecoder is the capability shared by the technology demodulators.
type TechDecoder interface {
	// Tech identifies the technology.
	Tech() Tech

	// Configure rebuilds the timing tables for the current sample rate.
	Configure()

	// Reset disarms the detector entirely, dropping exchange state.
	Reset()

	// ResetSearch re-arms the symbol search between frames, keeping
	// the guard and waiting windows of the previous exchange.
	ResetSearch()

	// DetectModulation runs one search step over the sample most
	// recently ingested into the shared status. Returns true on a
	// confirmed start of frame, taking the lock.
	DetectModulation() bool

	// DecodeFrame consumes samples from the buffer until the frame in
	// progress closes or the buffer drains. Returns true when the
	// frame is finished and the lock released.
	DecodeFrame(buffer *SignalBuffer, frames *[]Frame) bool
}

// Config selects the decoder input format and thresholds.
type Config struct {
	SampleRate          uint32
	PowerLevelThreshold float32
	SignalLowThreshold  float32
	SignalHighThreshold float32

	EnableA bool
	EnableB bool
	EnableF bool
	EnableV bool

	// Debug is an optional capture sink, nil disables the capture.
	Debug *SignalDebug
}

// DefaultConfig returns the standard thresholds with every technology
// enabled.
func DefaultConfig(sampleRate uint32) Config {
	return Config{
		SampleRate:          sampleRate,
		PowerLevelThreshold: 0.01,
		SignalLowThreshold:  0.009,
		SignalHighThreshold: 0.011,
		EnableA:             true,
		EnableB:             true,
		EnableF:             true,
		EnableV:             true,
	}
}

// Stats counts decoder events since construction.
type Stats struct {
	SamplesProcessed uint64
	CarrierOnEvents  uint64
	CarrierOffEvents uint64
	FramesDecoded    uint64
	FramesBadCRC     uint64
	FramesBadParity  uint64
	SyncLosses       uint64
}

// Decoder is the NFC baseband decoder. It is not safe for concurrent
// use; one goroutine owns it and feeds it sample blocks in order.
type Decoder struct {
	status DecoderStatus

	techs  []TechDecoder
	active TechDecoder

	carrierPresent bool
	carrierLowRun  uint32

	stats Stats
}

// NewDecoder builds a decoder for the configured sample rate.
func NewDecoder(cfg Config) (*Decoder, error) {
	if cfg.SampleRate == 0 {
		return nil, fmt.Errorf("nfc: sample rate not set")
	}
	if cfg.SignalLowThreshold >= cfg.SignalHighThreshold {
		return nil, fmt.Errorf("nfc: low threshold %g must stay below high threshold %g",
			cfg.SignalLowThreshold, cfg.SignalHighThreshold)
	}

	d := &Decoder{}
	d.status.SampleRate = cfg.SampleRate
	d.status.SignalParams = newSignalParams(cfg.SampleRate)
	d.status.PowerLevelThreshold = cfg.PowerLevelThreshold
	d.status.SignalLowThreshold = cfg.SignalLowThreshold
	d.status.SignalHighThreshold = cfg.SignalHighThreshold
	d.status.Debug = cfg.Debug

	if cfg.EnableA {
		d.techs = append(d.techs, NewNfcA(&d.status))
	}
	if cfg.EnableB {
		d.techs = append(d.techs, NewNfcB(&d.status))
	}
	if cfg.EnableF {
		d.techs = append(d.techs, NewNfcF(&d.status))
	}
	if cfg.EnableV {
		d.techs = append(d.techs, NewNfcV(&d.status))
	}
	if len(d.techs) == 0 {
		return nil, fmt.Errorf("nfc: no technology enabled")
	}

	return d, nil
}

// Status exposes the shared decoder status, mainly for tests and the
// debug capture.
func (d *Decoder) Status() *DecoderStatus { return &d.status }

// Stats returns a snapshot of the event counters.
func (d *Decoder) Stats() Stats { return d.stats }

// Process ingests one sample block and returns the frames completed
// within it. Blocks must carry real single-channel samples at the
// configured rate; anything else returns ErrUnsupportedFormat with the
// decoder state untouched.
func (d *Decoder) Process(buffer *SignalBuffer) ([]Frame, error) {
	if buffer.Type != SampleReal || buffer.Stride != 1 {
		return nil, ErrUnsupportedFormat
	}
	if buffer.SampleRate != d.status.SampleRate {
		return nil, ErrUnsupportedFormat
	}

	if d.status.Debug != nil {
		d.status.Debug.Begin(buffer.Available())
	}

	d.status.StreamTime = d.status.SignalClock

	var frames []Frame

	for buffer.Available() > 0 {
		if d.active != nil {
			before := len(frames)
			if !d.active.DecodeFrame(buffer, &frames) {
				break // buffer drained mid frame
			}
			if len(frames) == before {
				d.stats.SyncLosses++
			}
			for _, t := range d.techs {
				if t != d.active {
					t.ResetSearch()
				}
			}
			d.active = nil
			continue
		}

		if !d.status.NextSample(buffer) {
			break
		}
		d.detectCarrier()

		if !d.carrierPresent {
			continue
		}

		for _, t := range d.techs {
			if t.DetectModulation() {
				d.active = t
				break
			}
		}
	}

	for i := range frames {
		d.stats.FramesDecoded++
		if !frames[i].HasCRC() {
			d.stats.FramesBadCRC++
		}
		if !frames[i].HasParity() {
			d.stats.FramesBadParity++
		}
	}
	d.stats.SamplesProcessed = uint64(d.status.SignalClock)

	if d.status.Debug != nil {
		if err := d.status.Debug.Write(); err != nil {
			log.Printf("nfc: debug capture write failed: %v", err)
		}
	}

	return frames, nil
}

// detectCarrier tracks field presence with a one time unit debounce on
// loss and re-arms every detector on power up.
func (d *Decoder) detectCarrier() {
	s := &d.status

	if s.SignalEnvelope > s.PowerLevelThreshold {
		d.carrierLowRun = 0
		if !d.carrierPresent {
			d.carrierPresent = true
			s.CarrierOnTime = s.SignalClock
			d.stats.CarrierOnEvents++
			log.Printf("nfc: carrier on at clock %d", s.SignalClock)
			for _, t := range d.techs {
				t.Reset()
			}
		}
		return
	}

	if d.carrierPresent {
		d.carrierLowRun++
		if d.carrierLowRun > s.SignalParams.ElementaryTimeUnit {
			d.carrierPresent = false
			s.CarrierOffTime = s.SignalClock
			d.stats.CarrierOffEvents++
			log.Printf("nfc: carrier off at clock %d", s.SignalClock)
			for _, t := range d.techs {
				t.Reset()
			}
		}
	}
}
