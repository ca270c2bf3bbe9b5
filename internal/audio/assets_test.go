package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

// encodeWAV wraps mono PCM16 in a minimal WAV container
func encodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	byteRate := uint32(sampleRate * ChannelCount * SampleSizeBits / 8)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(ChannelCount))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(ChannelCount*SampleSizeBits/8))
	binary.Write(&buf, binary.LittleEndian, uint16(SampleSizeBits))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func stereoWAV(sampleRate int, frames [][2]int16) []byte {
	var pcm bytes.Buffer
	for _, f := range frames {
		binary.Write(&pcm, binary.LittleEndian, f[0])
		binary.Write(&pcm, binary.LittleEndian, f[1])
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+pcm.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*4))
	binary.Write(&buf, binary.LittleEndian, uint16(4))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(pcm.Len()))
	buf.Write(pcm.Bytes())
	return buf.Bytes()
}

func TestDecodeWAV(t *testing.T) {
	pcm := SamplesToBytes([]int16{1, -1, 300, -300})
	header, data, err := DecodeWAV(encodeWAV(pcm, 8000))
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if header.SampleRate != 8000 {
		t.Errorf("Expected sample rate 8000, got %d", header.SampleRate)
	}
	if header.NumChannels != 1 {
		t.Errorf("Expected 1 channel, got %d", header.NumChannels)
	}
	if header.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", header.BitsPerSample)
	}
	if !bytes.Equal(data, pcm) {
		t.Errorf("Expected %v, got %v", pcm, data)
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	pcm := SamplesToBytes([]int16{42})
	wav := encodeWAV(pcm, 8000)

	// insert an odd-sized LIST chunk between fmt and data
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	_, data, err := DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if !bytes.Equal(data, pcm) {
		t.Errorf("Expected %v, got %v", pcm, data)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("RIFX\x00\x00\x00\x00WAVE")},
		{"not wave", []byte("RIFF\x00\x00\x00\x00AVI ")},
		{"no data chunk", encodeWAV(nil, 8000)[:36]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestFileAssets_LoadResamplesAndDownmixes(t *testing.T) {
	frames := make([][2]int16, 16)
	for i := range frames {
		frames[i] = [2]int16{1000, 3000}
	}
	assets := FileAssets{FS: fstest.MapFS{
		"hello.wav": {Data: stereoWAV(16000, frames)},
	}}

	pcm, err := assets.Load("hello.wav")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	samples := BytesToSamples(pcm)
	if len(samples) != 8 {
		t.Fatalf("Expected 8 samples at 8 kHz, got %d", len(samples))
	}
	for i, s := range samples {
		if s != 2000 {
			t.Errorf("Sample %d: expected 2000, got %d", i, s)
		}
	}
}

func TestFileAssets_NotFound(t *testing.T) {
	assets := FileAssets{FS: fstest.MapFS{}}

	_, err := assets.Load("missing.wav")
	if !errors.Is(err, ErrAssetNotFound) {
		t.Errorf("Expected ErrAssetNotFound, got %v", err)
	}
}

func TestFileAssets_Dir(t *testing.T) {
	dir := t.TempDir()
	pcm := SamplesToBytes([]int16{5, 6, 7})
	if err := os.WriteFile(filepath.Join(dir, "error.wav"), encodeWAV(pcm, 8000), 0o644); err != nil {
		t.Fatalf("Failed to write asset: %v", err)
	}

	got, err := FileAssets{Dir: dir}.Load("error.wav")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("Expected %v, got %v", pcm, got)
	}
}

func TestDebugTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent.raw")
	tee, err := OpenDebugTee(path)
	if err != nil {
		t.Fatalf("OpenDebugTee failed: %v", err)
	}
	tee.Write([]byte{1, 2})
	tee.Write([]byte{3})
	tee.Close()

	if _, err := tee.Write([]byte{4}); err == nil {
		t.Error("Expected error writing to closed tee")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read capture: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("Expected [1 2 3], got %v", data)
	}

	var nilTee *DebugTee
	if nilTee.Writer() != nil {
		t.Error("Expected nil writer for nil tee")
	}
}
