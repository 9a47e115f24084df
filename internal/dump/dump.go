// Package dump records delivered audio to a WAV file for debugging.
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Writer appends interleaved 16-bit frames to a WAV file. The header is
// finalized on Close.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	enc      *wav.Encoder
	buf      *audio.IntBuffer
	channels int
	frames   int64
}

// Create opens path for writing, creating parent directories as needed.
func Create(path string, sampleRate, channels int) (*Writer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid dump format %d Hz / %d channels", sampleRate, channels)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file: %w", err)
	}

	format := &audio.Format{SampleRate: sampleRate, NumChannels: channels}
	return &Writer{
		file:     f,
		enc:      wav.NewEncoder(f, sampleRate, bitDepth, channels, 1),
		buf:      &audio.IntBuffer{Format: format, SourceBitDepth: bitDepth},
		channels: channels,
	}, nil
}

// WriteFrames appends pcm, which must hold whole frames.
func (w *Writer) WriteFrames(pcm []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return os.ErrClosed
	}
	if len(pcm)%w.channels != 0 {
		return fmt.Errorf("partial frame: %d samples for %d channels", len(pcm), w.channels)
	}
	if len(pcm) == 0 {
		return nil
	}

	if cap(w.buf.Data) < len(pcm) {
		w.buf.Data = make([]int, len(pcm))
	}
	w.buf.Data = w.buf.Data[:len(pcm)]
	for i, s := range pcm {
		w.buf.Data[i] = int(s)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write to WAV encoder: %w", err)
	}
	w.frames += int64(len(pcm) / w.channels)
	return nil
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close finalizes the WAV header and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return nil
	}
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	w.enc = nil
	if encErr != nil {
		return fmt.Errorf("failed to finalize WAV file: %w", encErr)
	}
	return fileErr
}
