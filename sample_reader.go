package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/floats"

	"github.com/FlUxIuS/nfc-laboratory/nfc"
)

// SampleSource yields sample blocks for the decoder. ReadBlock returns
// io.EOF when the capture is exhausted.
type SampleSource interface {
	ReadBlock() (*nfc.SignalBuffer, error)
	SampleRate() uint32
	Close() error
}

// OpenSampleSource opens a capture file by configured format or file
// extension: raw little-endian float32, the same stream zstd compressed,
// or a WAV recording
func OpenSampleSource(cfg *InputConfig) (SampleSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("no input path configured")
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		switch strings.ToLower(filepath.Ext(cfg.Path)) {
		case ".wav":
			format = "wav"
		case ".zst", ".zstd":
			format = "zst"
		default:
			format = "raw"
		}
	}

	file, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}

	switch format {
	case "wav":
		src, err := newWAVSource(file, cfg.BlockSize)
		if err != nil {
			file.Close()
			return nil, err
		}
		return src, nil

	case "zst":
		if cfg.SampleRate <= 0 {
			file.Close()
			return nil, fmt.Errorf("sample_rate required for zst input")
		}
		dec, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return &rawSource{
			reader:     dec.IOReadCloser(),
			file:       file,
			sampleRate: uint32(cfg.SampleRate),
			blockSize:  cfg.BlockSize,
		}, nil

	case "raw":
		if cfg.SampleRate <= 0 {
			file.Close()
			return nil, fmt.Errorf("sample_rate required for raw input")
		}
		return &rawSource{
			reader:     file,
			file:       file,
			sampleRate: uint32(cfg.SampleRate),
			blockSize:  cfg.BlockSize,
		}, nil
	}

	file.Close()
	return nil, fmt.Errorf("unknown input format %q", format)
}

// rawSource reads little-endian float32 samples from a stream
type rawSource struct {
	reader     io.ReadCloser
	file       *os.File
	sampleRate uint32
	blockSize  int
	offset     uint64
	scratch    []byte
}

func (r *rawSource) SampleRate() uint32 { return r.sampleRate }

func (r *rawSource) ReadBlock() (*nfc.SignalBuffer, error) {
	if r.scratch == nil {
		r.scratch = make([]byte, r.blockSize*4)
	}

	n, err := io.ReadFull(r.reader, r.scratch)
	if n == 0 {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	n -= n % 4

	data := make([]float32, n/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.scratch[i*4:]))
	}

	buf := nfc.NewSignalBuffer(data, r.sampleRate)
	buf.Offset = r.offset
	r.offset += uint64(len(data))
	return buf, nil
}

func (r *rawSource) Close() error {
	if r.reader != nil {
		r.reader.Close()
	}
	if r.file != nil && r.reader != io.ReadCloser(r.file) {
		return r.file.Close()
	}
	return nil
}

// wavSource reads channel zero of a PCM or IEEE-float WAV recording
type wavSource struct {
	file       *os.File
	sampleRate uint32
	channels   int
	format     uint16 // 1 PCM16, 3 float32
	blockSize  int
	remaining  uint32
	offset     uint64
}

func newWAVSource(file *os.File, blockSize int) (*wavSource, error) {
	var riff [12]byte
	if _, err := io.ReadFull(file, riff[:]); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a WAV file")
	}

	src := &wavSource{file: file, blockSize: blockSize}

	// walk the chunks up to the data chunk
	for {
		var head [8]byte
		if _, err := io.ReadFull(file, head[:]); err != nil {
			return nil, fmt.Errorf("failed to read WAV chunk: %w", err)
		}
		size := binary.LittleEndian.Uint32(head[4:8])

		switch string(head[0:4]) {
		case "fmt ":
			fmtData := make([]byte, size)
			if _, err := io.ReadFull(file, fmtData); err != nil {
				return nil, fmt.Errorf("failed to read WAV format: %w", err)
			}
			src.format = binary.LittleEndian.Uint16(fmtData[0:2])
			src.channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			src.sampleRate = binary.LittleEndian.Uint32(fmtData[4:8])

			bits := binary.LittleEndian.Uint16(fmtData[14:16])
			if !(src.format == 1 && bits == 16) && !(src.format == 3 && bits == 32) {
				return nil, fmt.Errorf("unsupported WAV sample format %d/%d bit", src.format, bits)
			}

		case "data":
			src.remaining = size
			return src, nil

		default:
			if _, err := file.Seek(int64(size), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to skip WAV chunk: %w", err)
			}
		}
	}
}

func (w *wavSource) SampleRate() uint32 { return w.sampleRate }

func (w *wavSource) ReadBlock() (*nfc.SignalBuffer, error) {
	if w.remaining == 0 {
		return nil, io.EOF
	}

	bytesPerSample := 2
	if w.format == 3 {
		bytesPerSample = 4
	}
	frameBytes := bytesPerSample * w.channels

	want := w.blockSize * frameBytes
	if uint32(want) > w.remaining {
		want = int(w.remaining) - int(w.remaining)%frameBytes
	}
	if want == 0 {
		return nil, io.EOF
	}

	raw := make([]byte, want)
	n, err := io.ReadFull(w.file, raw)
	if n == 0 {
		return nil, io.EOF
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	w.remaining -= uint32(n)
	n -= n % frameBytes

	count := n / frameBytes
	data := make([]float32, count)

	if w.format == 3 {
		for i := 0; i < count; i++ {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*frameBytes:]))
		}
	} else {
		// normalize channel zero to the -1..1 range
		tmp := make([]float64, count)
		for i := 0; i < count; i++ {
			tmp[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*frameBytes:])))
		}
		floats.Scale(1.0/32768.0, tmp)
		for i, v := range tmp {
			data[i] = float32(v)
		}
	}

	buf := nfc.NewSignalBuffer(data, w.sampleRate)
	buf.Offset = w.offset
	w.offset += uint64(count)
	return buf, nil
}

func (w *wavSource) Close() error {
	return w.file.Close()
}
