package audio

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

// ErrNotWAV is returned when decoding a payload that is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("not a wav file")

// SpeechConfig controls energy based speech detection.
type SpeechConfig struct {
	// SilenceThreshold is the frame RMS (0..1) below which audio counts as silence.
	SilenceThreshold float64
	MinSilence       float64 // seconds of silence that close a block
	MinSpeech        float64 // shorter blocks are dropped
	MaxBlock         float64 // longer blocks are split
	FrameSize        int     // samples per RMS frame; 0 means 30ms
}

// DefaultSpeechConfig mirrors the stt defaults.
func DefaultSpeechConfig() SpeechConfig {
	return SpeechConfig{
		SilenceThreshold: 0.01,
		MinSilence:       0.3,
		MinSpeech:        0.1,
		MaxBlock:         15,
	}
}

// Block is a detected region of sound, in seconds.
type Block struct {
	Start float64
	End   float64
}

// PCM holds decoded mono samples normalised to [-1, 1].
type PCM struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the length of the decoded audio in seconds.
func (p PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// DecodeMono reads a WAV file and downmixes it to mono.
func DecodeMono(path string) (PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return PCM{}, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return PCM{}, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := math.Pow(2, float64(bitDepth-1))

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c]) / scale
		}
		samples[i] = sum / float64(channels)
	}
	return PCM{Samples: samples, SampleRate: int(dec.SampleRate)}, nil
}

// DetectSpeech splits pcm into non-overlapping, time-ordered blocks of sound.
// Pure silence yields no blocks.
func DetectSpeech(pcm PCM, cfg SpeechConfig) []Block {
	if pcm.SampleRate <= 0 || len(pcm.Samples) == 0 {
		return nil
	}
	frameSize := cfg.FrameSize
	if frameSize <= 0 {
		frameSize = pcm.SampleRate * 30 / 1000
		if frameSize <= 0 {
			frameSize = 1
		}
	}

	var frames []float64
	for start := 0; start < len(pcm.Samples); start += frameSize {
		end := start + frameSize
		if end > len(pcm.Samples) {
			end = len(pcm.Samples)
		}
		frames = append(frames, rms(pcm.Samples[start:end]))
	}

	frameDuration := float64(frameSize) / float64(pcm.SampleRate)
	minSilenceFrames := int(cfg.MinSilence / frameDuration)
	if minSilenceFrames < 1 {
		minSilenceFrames = 1
	}
	minSpeechFrames := int(cfg.MinSpeech / frameDuration)
	total := pcm.Duration()

	var blocks []Block
	inSpeech := false
	speechStart := 0
	silenceCount := 0
	closeBlock := func(endFrame int) {
		if endFrame-speechStart >= minSpeechFrames {
			end := float64(endFrame) * frameDuration
			if end > total {
				end = total
			}
			blocks = append(blocks, Block{Start: float64(speechStart) * frameDuration, End: end})
		}
	}

	for i, level := range frames {
		silent := level < cfg.SilenceThreshold
		if !inSpeech {
			if !silent {
				inSpeech = true
				speechStart = i
				silenceCount = 0
			}
			continue
		}
		if !silent {
			silenceCount = 0
			continue
		}
		silenceCount++
		if silenceCount >= minSilenceFrames {
			closeBlock(i - silenceCount + 1)
			inSpeech = false
			silenceCount = 0
		}
	}
	if inSpeech {
		closeBlock(len(frames))
	}

	return splitLongBlocks(blocks, cfg.MaxBlock)
}

func splitLongBlocks(blocks []Block, maxDuration float64) []Block {
	if maxDuration <= 0 {
		return blocks
	}
	var out []Block
	for _, b := range blocks {
		for start := b.Start; start < b.End; start += maxDuration {
			end := start + maxDuration
			if end > b.End {
				end = b.End
			}
			out = append(out, Block{Start: start, End: end})
		}
	}
	return out
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
