package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	WAVHeaderSize = 44
	bitsPerSample = 16

	riffSizeOffset = 4
	dataSizeOffset = 40
)

var ErrSinkClosed = errors.New("capture sink closed")

// WAVSink appends 16-bit PCM to a WAV file. The header is written once at
// open with zero lengths and patched by Finalize.
type WAVSink struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	dataBytes uint32
	finalized bool
}

func OpenWAV(path string, sampleRate, channels int) (*WAVSink, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create capture dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}

	if _, err := f.Write(wavHeader(sampleRate, channels)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}

	return &WAVSink{file: f, path: path}, nil
}

func wavHeader(sampleRate, channels int) []byte {
	blockAlign := channels * bitsPerSample / 8

	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], 0)
	return h
}

func (s *WAVSink) Append(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ErrSinkClosed
	}
	n, err := s.file.Write(pcm)
	s.dataBytes += uint32(n)
	if err != nil {
		return fmt.Errorf("append pcm: %w", err)
	}
	return nil
}

// Finalize patches the RIFF and data sizes and closes the file. Calls after
// the first are no-ops.
func (s *WAVSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil
	}
	s.finalized = true

	var patch [4]byte
	binary.LittleEndian.PutUint32(patch[:], 36+s.dataBytes)
	_, riffErr := s.file.WriteAt(patch[:], riffSizeOffset)

	binary.LittleEndian.PutUint32(patch[:], s.dataBytes)
	_, dataErr := s.file.WriteAt(patch[:], dataSizeOffset)

	closeErr := s.file.Close()
	if err := errors.Join(riffErr, dataErr, closeErr); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

func (s *WAVSink) Bytes() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataBytes
}

func (s *WAVSink) Path() string {
	return s.path
}

func (s *WAVSink) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}
