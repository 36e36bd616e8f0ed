package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	targetSampleRate = 16000 // Rate required by the recognition backend
	targetChannels   = 1     // Mono audio
	targetBits       = 16    // Using int16 for samples
)

// wavHeader is the 44-byte RIFF header written in front of normalized PCM
// data.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func writeWAVHeader(w io.Writer, dataSize uint32, sampleRate, channels, bitsPerSample int) error {
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * bitsPerSample / 8),
		BlockAlign:    uint16(channels * bitsPerSample / 8),
		BitsPerSample: uint16(bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(w, binary.LittleEndian, header)
}

// EncodeWAV serializes mono 16-bit PCM samples into a complete WAV file.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm)*2)
	writeWAVHeader(&buf, uint32(len(pcm)*2), sampleRate, targetChannels, targetBits)

	frame := make([]byte, 2)
	for _, s := range pcm {
		binary.LittleEndian.PutUint16(frame, uint16(s))
		buf.Write(frame)
	}
	return buf.Bytes()
}

// Header describes the format block of a WAV file.
type Header struct {
	AudioFormat   int
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataBytes     int
}

// Duration returns the play time of the PCM data described by the header.
func (h Header) Duration() time.Duration {
	if h.SampleRate == 0 || h.Channels == 0 || h.BitsPerSample == 0 {
		return 0
	}
	frames := h.DataBytes / (h.Channels * h.BitsPerSample / 8)
	return time.Duration(frames) * time.Second / time.Duration(h.SampleRate)
}

// ParseHeader reads the 44-byte header at the front of a WAV file, as
// produced by EncodeWAV.
func ParseHeader(b []byte) (Header, error) {
	var h wavHeader
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("reading wav header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return Header{}, fmt.Errorf("not a RIFF/WAVE file")
	}
	if string(h.Subchunk1ID[:]) != "fmt " {
		return Header{}, fmt.Errorf("unexpected first chunk %q", h.Subchunk1ID)
	}
	return Header{
		AudioFormat:   int(h.AudioFormat),
		Channels:      int(h.NumChannels),
		SampleRate:    int(h.SampleRate),
		BitsPerSample: int(h.BitsPerSample),
		DataBytes:     int(h.Subchunk2Size),
	}, nil
}

func looksLikeWAV(b []byte) bool {
	return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}
