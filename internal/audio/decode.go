package audio

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/zaf/g711"
)

// G.711 streams are 8 kHz mono (RFC 3551).
const g711SampleRate = 8000

func decodeUlaw(raw []byte) []float64 {
	out := make([]float64, len(raw))
	for i, b := range raw {
		out[i] = float64(g711.DecodeUlawFrame(b)) / 32768
	}
	return out
}

func decodeAlaw(raw []byte) []float64 {
	out := make([]float64, len(raw))
	for i, b := range raw {
		out[i] = float64(g711.DecodeAlawFrame(b)) / 32768
	}
	return out
}

// decodeL16 parses raw big-endian 16-bit PCM (RFC 2586). Sample rate and
// channel count come from the MIME parameters, defaulting to 8 kHz mono.
// Multi-channel input is averaged down to one channel.
func decodeL16(raw []byte, params map[string]string) ([]float64, int, error) {
	rate := 8000
	channels := 1
	if v, ok := params["rate"]; ok {
		r, err := strconv.Atoi(v)
		if err != nil || r <= 0 {
			return nil, 0, fmt.Errorf("invalid L16 rate %q", v)
		}
		rate = r
	}
	if v, ok := params["channels"]; ok {
		c, err := strconv.Atoi(v)
		if err != nil || c <= 0 {
			return nil, 0, fmt.Errorf("invalid L16 channel count %q", v)
		}
		channels = c
	}

	if len(raw)%(2*channels) != 0 {
		return nil, 0, fmt.Errorf("L16 payload of %d bytes is not whole %d-channel frames", len(raw), channels)
	}

	frames := len(raw) / (2 * channels)
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			v := int16(binary.BigEndian.Uint16(raw[(i*channels+c)*2:]))
			sum += float64(v) / 32768
		}
		out[i] = sum / float64(channels)
	}
	return out, rate, nil
}
