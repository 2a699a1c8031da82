package wavio

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadStereoRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "stereo.wav")
	left := []float32{0.5, -0.25, 0.125, 0}
	right := []float32{-0.5, 0.25, 0, 0.75}
	if err := WriteChannels(path, [][]float32{left, right}, 44100); err != nil {
		t.Fatalf("WriteChannels: %v", err)
	}

	chans, sr, err := ReadChannels(path)
	if err != nil {
		t.Fatalf("ReadChannels: %v", err)
	}
	if sr != 44100 {
		t.Fatalf("sample rate mismatch: got=%d want=44100", sr)
	}
	if len(chans) != 2 || len(chans[0]) != len(left) {
		t.Fatalf("unexpected shape: channels=%d frames=%d", len(chans), len(chans[0]))
	}
	for i := range left {
		if math.Abs(float64(chans[0][i]-left[i])) > 1e-3 || math.Abs(float64(chans[1][i]-right[i])) > 1e-3 {
			t.Fatalf("frame %d mismatch: got=(%f,%f) want=(%f,%f)", i, chans[0][i], chans[1][i], left[i], right[i])
		}
	}
}

func TestReadMonoAveragesChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "st.wav")
	if err := WriteChannels(path, [][]float32{{0.5, 0.5}, {0.25, -0.5}}, 48000); err != nil {
		t.Fatalf("WriteChannels: %v", err)
	}
	mono, _, err := ReadMono(path)
	if err != nil {
		t.Fatalf("ReadMono: %v", err)
	}
	if math.Abs(mono[0]-0.375) > 1e-3 || math.Abs(mono[1]) > 1e-3 {
		t.Fatalf("unexpected downmix: %v", mono)
	}
}

func TestReadChannelsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("definitely not a wav file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := ReadChannels(path); !errors.Is(err, ErrInvalidWAV) {
		t.Fatalf("expected ErrInvalidWAV, got %v", err)
	}
}

func TestResampleChangesLength(t *testing.T) {
	in := make([]float64, 4800)
	for i := range in {
		in[i] = math.Sin(2 * math.Pi * 440 * float64(i) / 48000)
	}
	out, err := Resample(in, 48000, 96000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) < 9000 || len(out) > 10000 {
		t.Fatalf("unexpected resampled length: %d", len(out))
	}
	same, err := Resample(in, 48000, 48000)
	if err != nil || len(same) != len(in) {
		t.Fatalf("equal rates must be a no-op: len=%d err=%v", len(same), err)
	}
}
