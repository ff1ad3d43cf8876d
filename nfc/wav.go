package nfc

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAVWriter writes multi-channel IEEE-float PCM to a WAV file. Used by the
// signal debug capture; channel data arrives interleaved.
type WAVWriter struct {
	file       *os.File
	sampleRate int
	channels   int
	dataSize   int64
}

// wavHeader is the fixed RIFF/fmt/data header, IEEE float samples.
type wavHeader struct {
	// RIFF chunk
	ChunkID   [4]byte // "RIFF"
	ChunkSize uint32  // file size - 8
	Format    [4]byte // "WAVE"

	// fmt sub-chunk
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16
	AudioFormat   uint16  // 3 for IEEE float
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * 4
	BlockAlign    uint16 // NumChannels * 4
	BitsPerSample uint16 // 32

	// data sub-chunk
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// NewWAVWriter creates a float WAV file writer.
func NewWAVWriter(filename string, sampleRate, channels int) (*WAVWriter, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	w := &WAVWriter{
		file:       file,
		sampleRate: sampleRate,
		channels:   channels,
	}

	// Placeholder header, sizes are fixed up on close.
	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}

	return w, nil
}

func (w *WAVWriter) writeHeader() error {
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     0xFFFFFFFF,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   3, // IEEE float
		NumChannels:   uint16(w.channels),
		SampleRate:    uint32(w.sampleRate),
		ByteRate:      uint32(w.sampleRate * w.channels * 4),
		BlockAlign:    uint16(w.channels * 4),
		BitsPerSample: 32,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: 0xFFFFFFFF,
	}

	if err := binary.Write(w.file, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}

	return nil
}

// WriteSamples appends interleaved float samples.
func (w *WAVWriter) WriteSamples(samples []float32) error {
	if err := binary.Write(w.file, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	w.dataSize += int64(len(samples) * 4)
	return nil
}

// Close fixes up the header sizes and closes the file.
func (w *WAVWriter) Close() error {
	// ChunkSize at offset 4, Subchunk2Size at offset 40
	if _, err := w.file.Seek(4, io.SeekStart); err == nil {
		binary.Write(w.file, binary.LittleEndian, uint32(36+w.dataSize))
	}
	if _, err := w.file.Seek(40, io.SeekStart); err == nil {
		binary.Write(w.file, binary.LittleEndian, uint32(w.dataSize))
	}
	return w.file.Close()
}
