package audio

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func readHeader(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if len(data) < WAVHeaderSize {
		t.Fatalf("file too short: %d bytes", len(data))
	}
	return data
}

func TestOpenWAV_WritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.wav")
	sink, err := OpenWAV(path, 16000, 1)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	defer sink.Finalize()

	data := readHeader(t, path)
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE tags")
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		t.Error("missing fmt/data chunk ids")
	}
	if got := binary.LittleEndian.Uint16(data[20:22]); got != 1 {
		t.Errorf("format tag = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint16(data[22:24]); got != 1 {
		t.Errorf("channels = %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 16000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[28:32]); got != 32000 {
		t.Errorf("byte rate = %d", got)
	}
	if got := binary.LittleEndian.Uint16(data[34:36]); got != 16 {
		t.Errorf("bits per sample = %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 0 {
		t.Errorf("data size before finalize = %d, want 0", got)
	}
}

func TestWAVSink_FinalizePatchesSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "s2.wav")
	sink, err := OpenWAV(path, 16000, 1)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}

	const n = 3 * 640
	for i := 0; i < 3; i++ {
		if err := sink.Append(make([]byte, 640)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if sink.Bytes() != n {
		t.Errorf("Bytes() = %d", sink.Bytes())
	}
	if err := sink.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	data := readHeader(t, path)
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 36+n {
		t.Errorf("riff size = %d, want %d", got, 36+n)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != n {
		t.Errorf("data size = %d, want %d", got, n)
	}
	if len(data) != WAVHeaderSize+n {
		t.Errorf("file length = %d, want %d", len(data), WAVHeaderSize+n)
	}
}

func TestWAVSink_FinalizeTwice(t *testing.T) {
	sink, err := OpenWAV(filepath.Join(t.TempDir(), "s3.wav"), 8000, 1)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	if err := sink.Finalize(); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if err := sink.Finalize(); err != nil {
		t.Errorf("second Finalize should be a no-op, got %v", err)
	}
	if !sink.Finalized() {
		t.Error("Finalized() should report true")
	}
}

func TestWAVSink_AppendAfterFinalize(t *testing.T) {
	sink, err := OpenWAV(filepath.Join(t.TempDir(), "s4.wav"), 16000, 1)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	sink.Finalize()

	if err := sink.Append([]byte{1, 2}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("err = %v, want ErrSinkClosed", err)
	}
}

func TestWAVSink_UnfinalizedHeaderDeclaresZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s5.wav")
	sink, err := OpenWAV(path, 16000, 1)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	sink.Append(make([]byte, 640))

	data := readHeader(t, path)
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 0 {
		t.Errorf("data size = %d, want 0 until finalize", got)
	}
	sink.Finalize()
}

func TestOpenWAV_InvalidSampleRate(t *testing.T) {
	if _, err := OpenWAV(filepath.Join(t.TempDir(), "bad.wav"), 0, 1); err == nil {
		t.Error("expected error for zero sample rate")
	}
}
