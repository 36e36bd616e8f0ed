package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"os/exec"
	"strings"
	"time"

	"github.com/youpy/go-wav"
)

// Normalized is audio converted to the canonical recognition format:
// WAV, 16-bit little-endian PCM, mono, 16 kHz. SourceMime is the declared
// type of the input; Converted is false when the input was already canonical
// and Bytes is the input unchanged.
type Normalized struct {
	Bytes         []byte
	SampleRate    int
	Channels      int
	BitsPerSample int
	Mime          string
	SourceMime    string
	Converted     bool
	Duration      time.Duration
}

// ConversionError reports a failure to turn incoming audio into the
// canonical format. OriginalFormat carries the declared MIME type of the
// input so callers can surface what was rejected.
type ConversionError struct {
	OriginalFormat string
	Err            error
}

func (e *ConversionError) Error() string {
	if e.OriginalFormat == "" {
		return fmt.Sprintf("audio conversion failed: %v", e.Err)
	}
	return fmt.Sprintf("audio conversion failed for %s: %v", e.OriginalFormat, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

const (
	// Peaks below this are treated as silence and never amplified.
	noiseFloor = 0.001
	// Gain this close to unity is not worth re-quantizing for.
	minUsefulGain = 1.1
	// Clips shorter than this are usually accidental taps and rarely
	// carry recognizable speech.
	shortClip = time.Second
)

// Normalizer converts incoming audio payloads into the canonical format.
type Normalizer struct {
	ffmpegPath string
}

// NewNormalizer creates a Normalizer. It looks up ffmpeg for the
// compressed-format fallback; without it only PCM inputs (WAV, u-law,
// a-law, L16) are accepted.
func NewNormalizer() *Normalizer {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		slog.Debug("audio: ffmpeg not found, compressed formats disabled")
		path = ""
	}
	return &Normalizer{ffmpegPath: path}
}

// Normalize converts raw audio with the given declared MIME type into the
// canonical format. Input that is already canonical is validated and passed
// through unchanged.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, declaredMime string) (*Normalized, error) {
	if len(raw) == 0 {
		return nil, &ConversionError{OriginalFormat: declaredMime, Err: errors.New("empty audio payload")}
	}

	format, params := splitMime(declaredMime)
	switch {
	case looksLikeWAV(raw) || format == "audio/wav" || format == "audio/x-wav" || format == "audio/wave":
		return n.normalizeWAV(ctx, raw, declaredMime, false)
	case format == "audio/basic" || format == "audio/pcmu" || format == "audio/x-mulaw":
		return n.finish(decodeUlaw(raw), g711SampleRate, declaredMime)
	case format == "audio/pcma" || format == "audio/x-alaw":
		return n.finish(decodeAlaw(raw), g711SampleRate, declaredMime)
	case format == "audio/l16":
		samples, rate, err := decodeL16(raw, params)
		if err != nil {
			return nil, &ConversionError{OriginalFormat: declaredMime, Err: err}
		}
		return n.finish(samples, rate, declaredMime)
	default:
		converted, err := n.convertWithFFmpeg(ctx, raw, declaredMime)
		if err != nil {
			return nil, &ConversionError{OriginalFormat: declaredMime, Err: err}
		}
		return n.normalizeWAV(ctx, converted, declaredMime, true)
	}
}

// normalizeWAV handles RIFF/WAVE input. viaConversion records that the bytes
// already went through a format conversion upstream, so even a canonical
// result must not claim to be the caller's original payload.
func (n *Normalizer) normalizeWAV(ctx context.Context, raw []byte, declaredMime string, viaConversion bool) (*Normalized, error) {
	r := wav.NewReader(bytes.NewReader(raw))
	f, err := r.Format()
	if err != nil {
		return nil, &ConversionError{OriginalFormat: declaredMime, Err: fmt.Errorf("reading wav format: %w", err)}
	}

	decodable := f.AudioFormat == 1 &&
		(f.BitsPerSample == 8 || f.BitsPerSample == 16) &&
		f.NumChannels >= 1 && f.NumChannels <= 2
	if !decodable {
		// Unusual layout (float PCM, 24-bit, more than two channels):
		// let ffmpeg flatten it to something the decoder understands.
		converted, err := n.convertWithFFmpeg(ctx, raw, declaredMime)
		if err != nil {
			return nil, &ConversionError{OriginalFormat: declaredMime, Err: err}
		}
		raw = converted
		viaConversion = true
		r = wav.NewReader(bytes.NewReader(raw))
		if f, err = r.Format(); err != nil {
			return nil, &ConversionError{OriginalFormat: declaredMime, Err: fmt.Errorf("reading converted wav format: %w", err)}
		}
	}

	samples, err := readFloats(r, f)
	if err != nil {
		return nil, &ConversionError{OriginalFormat: declaredMime, Err: err}
	}

	if f.NumChannels == targetChannels && int(f.SampleRate) == targetSampleRate && f.BitsPerSample == targetBits {
		// Already canonical: check levels and return the input untouched.
		out := &Normalized{
			Bytes:         raw,
			SampleRate:    targetSampleRate,
			Channels:      targetChannels,
			BitsPerSample: targetBits,
			Mime:          "audio/wav",
			SourceMime:    declaredMime,
			Converted:     viaConversion,
			Duration:      frameDuration(len(samples), targetSampleRate),
		}
		checkLevels(samples, out.Duration)
		return out, nil
	}

	return n.finish(samples, int(f.SampleRate), declaredMime)
}

// finish takes downmixed float samples at sampleRate and produces canonical
// output: resample to 16 kHz, lift quiet recordings, clip, serialize.
func (n *Normalizer) finish(samples []float64, sampleRate int, declaredMime string) (*Normalized, error) {
	if len(samples) == 0 {
		return nil, &ConversionError{OriginalFormat: declaredMime, Err: errors.New("no audio samples decoded")}
	}

	if sampleRate != targetSampleRate {
		samples = resampleLinear(samples, sampleRate, targetSampleRate)
	}
	samples = amplifyQuiet(samples)

	pcm := make([]int16, len(samples))
	for i, v := range samples {
		s := int(math.Round(v * 32768))
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		pcm[i] = int16(s)
	}

	out := &Normalized{
		Bytes:         EncodeWAV(pcm, targetSampleRate),
		SampleRate:    targetSampleRate,
		Channels:      targetChannels,
		BitsPerSample: targetBits,
		Mime:          "audio/wav",
		SourceMime:    declaredMime,
		Converted:     true,
		Duration:      frameDuration(len(pcm), targetSampleRate),
	}
	checkLevels(samples, out.Duration)
	return out, nil
}

// readFloats reads all samples, converting to float in [-1, 1] and
// averaging stereo down to mono.
func readFloats(r *wav.Reader, f *wav.WavFormat) ([]float64, error) {
	div := float64(int(1) << (f.BitsPerSample - 1))
	var out []float64
	for {
		samples, err := r.ReadSamples(2048)
		for _, s := range samples {
			var v float64
			if f.BitsPerSample == 8 {
				// 8-bit WAV stores unsigned bytes with a 128 midpoint.
				v = (float64(s.Values[0]) - 128) / 128
				if f.NumChannels == 2 {
					v = (v + (float64(s.Values[1])-128)/128) / 2
				}
			} else {
				v = float64(s.Values[0]) / div
				if f.NumChannels == 2 {
					v = (v + float64(s.Values[1])/div) / 2
				}
			}
			out = append(out, v)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading wav samples: %w", err)
		}
	}
	return out, nil
}

// resampleLinear converts between sample rates by linear interpolation.
// Good enough for speech headed to a recognizer; not for music.
func resampleLinear(in []float64, fromRate, toRate int) []float64 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		outLen = 1
	}
	step := float64(fromRate) / float64(toRate)
	out := make([]float64, outLen)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j+1 < len(in) {
			frac := pos - float64(j)
			out[i] = in[j]*(1-frac) + in[j+1]*frac
		} else {
			out[i] = in[len(in)-1]
		}
	}
	return out
}

// amplifyQuiet lifts quiet recordings toward a target peak. The quieter the
// input, the higher the target, so faint speech still reaches usable
// levels. Loud input and near-silence are left alone.
func amplifyQuiet(samples []float64) []float64 {
	peak := peakOf(samples)
	if peak <= noiseFloor {
		return samples
	}

	var target float64
	switch {
	case peak <= 0.05:
		target = 0.90
	case peak <= 0.20:
		target = 0.80
	default:
		target = 0.70
	}

	gain := target / peak
	if gain <= minUsefulGain {
		return samples
	}

	out := make([]float64, len(samples))
	for i, v := range samples {
		out[i] = v * gain
	}
	return out
}

func peakOf(samples []float64) float64 {
	var peak float64
	for _, v := range samples {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}

// checkLevels logs suspicious clips. Nothing here fails the conversion:
// silent and very short clips still go to recognition, which reports
// no_match on its own.
func checkLevels(samples []float64, d time.Duration) {
	peak := peakOf(samples)
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	var rms float64
	if len(samples) > 0 {
		rms = math.Sqrt(sum / float64(len(samples)))
	}

	if peak <= noiseFloor {
		slog.Warn("audio: clip is near silent", "peak", peak, "rms", rms)
	}
	if d < shortClip {
		slog.Warn("audio: clip shorter than one second", "duration", d)
	}
}

func frameDuration(frames, rate int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(rate)
}

// splitMime returns the lowercased media type and its parameters,
// tolerating malformed input.
func splitMime(declared string) (string, map[string]string) {
	mt, params, err := mime.ParseMediaType(declared)
	if err != nil {
		base, _, _ := strings.Cut(declared, ";")
		return strings.ToLower(strings.TrimSpace(base)), nil
	}
	return mt, params
}
