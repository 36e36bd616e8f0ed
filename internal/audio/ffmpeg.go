package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

var errNoFFmpeg = errors.New("format requires ffmpeg, which is not installed")

// mimeExtensions maps declared types to file extensions so ffmpeg can pick
// the right demuxer.
var mimeExtensions = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/m4a":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/aac":   ".aac",
	"audio/ogg":   ".ogg",
	"audio/opus":  ".opus",
	"audio/webm":  ".webm",
	"audio/flac":  ".flac",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
}

// convertWithFFmpeg shells out to ffmpeg to transcode input the PCM
// decoders cannot handle into 16 kHz mono WAV.
func (n *Normalizer) convertWithFFmpeg(ctx context.Context, raw []byte, declaredMime string) ([]byte, error) {
	if n.ffmpegPath == "" {
		return nil, errNoFFmpeg
	}

	format, _ := splitMime(declaredMime)
	ext := mimeExtensions[format]
	if ext == "" {
		ext = ".bin"
	}

	in, err := os.CreateTemp("", "audio-in-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("creating temp input: %w", err)
	}
	defer os.Remove(in.Name())

	if _, err := in.Write(raw); err != nil {
		in.Close()
		return nil, fmt.Errorf("writing temp input: %w", err)
	}
	in.Close()

	outPath := in.Name() + ".wav"
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, n.ffmpegPath,
		"-i", in.Name(),
		"-ar", strconv.Itoa(targetSampleRate),
		"-ac", "1",
		"-y", // Overwrite output file
		outPath)

	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %v: %s", err, tail(out, 200))
	}

	converted, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("reading converted output: %w", err)
	}
	return converted, nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
