package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/ora/internal/audio"
)

// FileDevice replays an audio file as if it were a microphone. Raw .pcm
// files are PCM16LE mono and get wrapped as WAV.
type FileDevice struct {
	Path       string
	ChunkBytes int
}

func NewFileDevice(path string) *FileDevice {
	return &FileDevice{Path: path, ChunkBytes: 4096}
}

func (d *FileDevice) Supports(mediaType string) bool {
	return audio.BaseMediaType(mediaType) == audio.MediaTypeForFilename(d.Path)
}

func (d *FileDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("open %s: %w", d.Path, err)
	}
	if strings.EqualFold(filepath.Ext(d.Path), ".pcm") {
		data, err = audio.EncodeWAV(data, c.SampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("wrap pcm: %w", err)
		}
	}
	return newBufferStream(data, d.ChunkBytes), nil
}

// MockDevice produces a synthetic tone encoded as WAV. It only supports the
// fallback container.
type MockDevice struct {
	ToneHz float64
	Length time.Duration
	// Deny makes Open fail with ErrPermissionDenied.
	Deny bool
}

func NewMockDevice() *MockDevice {
	return &MockDevice{ToneHz: 440, Length: 2 * time.Second}
}

func (d *MockDevice) Supports(mediaType string) bool {
	return audio.BaseMediaType(mediaType) == audio.MediaWAV
}

func (d *MockDevice) Open(_ context.Context, c Constraints) (Stream, error) {
	if d.Deny {
		return nil, ErrPermissionDenied
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	wav, err := audio.EncodeWAV(audio.TonePCM16LE(d.ToneHz, rate, d.Length), rate, 1)
	if err != nil {
		return nil, err
	}
	return newBufferStream(wav, rate/5), nil
}

// bufferStream emits an in-memory recording one chunk per timeslice. Stop
// flushes whatever has not been delivered yet.
type bufferStream struct {
	data      []byte
	chunk     int
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

func newBufferStream(data []byte, chunk int) *bufferStream {
	if chunk <= 0 {
		chunk = 4096
	}
	return &bufferStream{data: data, chunk: chunk, stopCh: make(chan struct{})}
}

func (s *bufferStream) Start(_ string, timeslice time.Duration) (<-chan Fragment, error) {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return nil, errors.New("stream already started")
	}
	out := make(chan Fragment, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(timeslice)
		defer ticker.Stop()
		off := 0
		for {
			select {
			case <-s.stopCh:
				if off < len(s.data) {
					out <- Fragment{Data: s.data[off:]}
				}
				return
			case <-ticker.C:
				if off >= len(s.data) {
					continue
				}
				end := min(off+s.chunk, len(s.data))
				select {
				case out <- Fragment{Data: s.data[off:end]}:
					off = end
				case <-s.stopCh:
					out <- Fragment{Data: s.data[off:]}
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *bufferStream) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Release has nothing to free beyond stopping the emitter.
func (s *bufferStream) Release() {
	s.Stop()
}
