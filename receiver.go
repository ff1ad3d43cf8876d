package main

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/FlUxIuS/nfc-laboratory/nfc"
)

// FrameSink consumes decoded frames
type FrameSink interface {
	PublishFrame(frame nfc.Frame)
}

// Receiver wires a sample source to the decoder. Acquisition runs on its
// own goroutine and hands whole blocks through a bounded single-producer
// single-consumer queue; the decode goroutine owns the decoder and never
// touches producer state. Cancellation is checked at block boundaries.
type Receiver struct {
	source  SampleSource
	decoder *nfc.Decoder
	sinks   []FrameSink

	// OnStats, when set before Start, receives a decoder stats snapshot
	// after every processed block. Called from the decode goroutine.
	OnStats func(nfc.Stats)

	blockQueue chan *nfc.SignalBuffer
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	err error
}

// NewReceiver creates a receiver over an opened source and decoder
func NewReceiver(source SampleSource, decoder *nfc.Decoder, sinks ...FrameSink) *Receiver {
	return &Receiver{
		source:     source,
		decoder:    decoder,
		sinks:      sinks,
		blockQueue: make(chan *nfc.SignalBuffer, 8),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the acquisition and decode goroutines
func (r *Receiver) Start() {
	r.wg.Add(2)
	go r.acquire()
	go r.decode()
}

// Stop requests termination; any frame in progress is abandoned
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// Wait blocks until both goroutines finish and returns the first error
func (r *Receiver) Wait() error {
	r.wg.Wait()
	return r.err
}

// acquire reads blocks from the source into the queue
func (r *Receiver) acquire() {
	defer r.wg.Done()
	defer close(r.blockQueue)

	for {
		select {
		case <-r.stopChan:
			return
		default:
		}

		block, err := r.source.ReadBlock()
		if err == io.EOF {
			return
		}
		if err != nil {
			r.err = fmt.Errorf("sample source: %w", err)
			return
		}

		select {
		case r.blockQueue <- block:
		case <-r.stopChan:
			return
		}
	}
}

// decode drains the queue through the decoder and fans frames out
func (r *Receiver) decode() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			return
		case block, ok := <-r.blockQueue:
			if !ok {
				return
			}

			frames, err := r.decoder.Process(block)
			if err != nil {
				log.Printf("decoder: dropping block at offset %d: %v", block.Offset, err)
				continue
			}

			for _, frame := range frames {
				for _, sink := range r.sinks {
					sink.PublishFrame(frame)
				}
			}

			if r.OnStats != nil {
				r.OnStats(r.decoder.Stats())
			}
		}
	}
}
