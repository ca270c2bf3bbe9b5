package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ErrAssetNotFound is returned when an audio asset does not exist
var ErrAssetNotFound = errors.New("audio asset not found")

// AssetLoader resolves a named audio cue to 8 kHz mono PCM16
type AssetLoader interface {
	Load(name string) ([]byte, error)
}

// FileAssets loads WAV cues from FS, or from Dir on local disk when FS is nil.
type FileAssets struct {
	Dir string
	FS  fs.FS
}

// WAVHeader describes the format of a decoded WAV file
type WAVHeader struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Load reads name and returns its audio as 8 kHz mono PCM16
func (a FileAssets) Load(name string) ([]byte, error) {
	fsys := a.FS
	if fsys == nil {
		dir := a.Dir
		if dir == "" {
			dir = "."
		}
		fsys = os.DirFS(dir)
	}

	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, name)
		}
		return nil, fmt.Errorf("failed to read audio asset %s: %w", name, err)
	}

	header, pcm, err := DecodeWAV(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio asset %s: %w", name, err)
	}

	if header.NumChannels == 2 {
		pcm = downmixStereo(pcm)
	}
	return Resample(pcm, int(header.SampleRate), SampleRate), nil
}

// DecodeWAV parses a RIFF/WAVE buffer holding 16-bit PCM and returns the
// header and the raw sample data.
func DecodeWAV(data []byte) (WAVHeader, []byte, error) {
	var header WAVHeader
	r := bytes.NewReader(data)

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return header, nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return header, nil, fmt.Errorf("not a valid RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return header, nil, fmt.Errorf("not a valid WAVE file")
	}

	haveFmt := false
	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			return header, nil, fmt.Errorf("failed to read chunk header: %w", err)
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return header, nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			fmtData := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, fmtData); err != nil {
				return header, nil, fmt.Errorf("failed to read fmt data: %w", err)
			}
			if format := binary.LittleEndian.Uint16(fmtData[0:2]); format != 1 {
				return header, nil, fmt.Errorf("only PCM format is supported, got format %d", format)
			}
			header.NumChannels = binary.LittleEndian.Uint16(fmtData[2:4])
			header.SampleRate = binary.LittleEndian.Uint32(fmtData[4:8])
			header.BitsPerSample = binary.LittleEndian.Uint16(fmtData[14:16])
			haveFmt = true

		case "data":
			if !haveFmt {
				return header, nil, fmt.Errorf("data chunk before fmt chunk")
			}
			if header.BitsPerSample != 16 {
				return header, nil, fmt.Errorf("only 16-bit samples are supported, got %d-bit", header.BitsPerSample)
			}
			if header.NumChannels != 1 && header.NumChannels != 2 {
				return header, nil, fmt.Errorf("only mono and stereo are supported, got %d channels", header.NumChannels)
			}
			if header.SampleRate == 0 {
				return header, nil, fmt.Errorf("invalid sample rate 0")
			}

			// tolerate a truncated data chunk
			size := int(chunkSize)
			if size > r.Len() {
				size = r.Len()
			}
			pcm := make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return header, nil, fmt.Errorf("failed to read audio data: %w", err)
			}
			header.DataSize = uint32(size)
			return header, pcm, nil

		default:
			skip := int64(chunkSize)
			if chunkSize%2 == 1 {
				skip++ // RIFF chunks are word aligned
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return header, nil, fmt.Errorf("failed to skip chunk %q: %w", chunkID, err)
			}
		}
	}
}

// downmixStereo averages interleaved left/right PCM16 samples into mono
func downmixStereo(pcm []byte) []byte {
	samples := BytesToSamples(pcm)
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
	}
	return SamplesToBytes(mono)
}
