package nfc

import (
	"path/filepath"
	"time"
)

/*
 * Signal debug capture
 *
 * Optional multi-channel WAV recording of the decoder internals, one
 * channel per conditioned signal plus one for the decoder state. The sink
 * is injected at construction and nil by default.
 */

// Debug capture channel assignment.
const (
	DebugSignalValueChannel    = 0 // raw envelope
	DebugSignalFilteredChannel = 1 // DC removed
	DebugSignalVarianceChannel = 2 // mean deviation
	DebugSignalAverageChannel  = 3 // envelope average
	DebugSignalDecoderChannel  = 4 // decoder internal state
	DebugChannels              = 10
)

// SignalDebug records per-sample decoder internals to a WAV file named
// decoder-YYYYMMDDhhmmss.wav in the given directory.
type SignalDebug struct {
	channels int
	clock    uint32

	recorder *WAVWriter

	values [DebugChannels]float32
	block  []float32
}

// NewSignalDebug opens a capture file for the given sample rate.
func NewSignalDebug(dir string, channels int, sampleRate uint32) (*SignalDebug, error) {
	if channels <= 0 || channels > DebugChannels {
		channels = DebugChannels
	}

	name := time.Now().Format("decoder-20060102150405.wav")

	recorder, err := NewWAVWriter(filepath.Join(dir, name), int(sampleRate), channels)
	if err != nil {
		return nil, err
	}

	return &SignalDebug{
		channels: channels,
		recorder: recorder,
	}, nil
}

// Block flushes the previous sample slot when the clock advances.
func (d *SignalDebug) Block(clock uint32) {
	if d.clock != clock {
		d.block = append(d.block, d.values[:d.channels]...)

		for i := range d.values {
			d.values[i] = 0
		}

		d.clock = clock
	}
}

// Set stores one channel value for the current sample slot.
func (d *SignalDebug) Set(channel int, value float32) {
	if channel >= 0 && channel < d.channels {
		d.values[channel] = value
	}
}

// Begin sizes the block buffer for a sample count.
func (d *SignalDebug) Begin(sampleCount int) {
	d.block = d.block[:0]
	if cap(d.block) < sampleCount*d.channels {
		d.block = make([]float32, 0, sampleCount*d.channels)
	}
}

// Write flushes the accumulated block to the capture file.
func (d *SignalDebug) Write() error {
	if len(d.block) == 0 {
		return nil
	}
	err := d.recorder.WriteSamples(d.block)
	d.block = d.block[:0]
	return err
}

// Close finishes the capture file.
func (d *SignalDebug) Close() error {
	return d.recorder.Close()
}
