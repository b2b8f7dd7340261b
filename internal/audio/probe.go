package audio

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"
)

const MimeWAV = "audio/wav"

// canonical maps common aliases onto the names used in configuration.
var canonical = map[string]string{
	"audio/x-wav":     MimeWAV,
	"audio/wave":      MimeWAV,
	"audio/vnd.wave":  MimeWAV,
	"audio/mp3":       "audio/mpeg",
	"audio/x-mp3":     "audio/mpeg",
	"audio/x-flac":    "audio/flac",
	"audio/m4a":       "audio/mp4",
	"audio/x-m4a":     "audio/mp4",
	"audio/aac":       "audio/mp4",
	"audio/opus":      "audio/ogg",
	"application/ogg": "audio/ogg",
	"video/webm":      "audio/webm",
}

// equivalents lists sniffed types accepted for a declared type. Browsers
// record into containers that sniff as video even when only audio is present.
var equivalents = map[string][]string{
	MimeWAV:      {MimeWAV},
	"audio/mpeg": {"audio/mpeg"},
	"audio/flac": {"audio/flac"},
	"audio/mp4":  {"audio/mp4", "audio/x-m4a", "video/mp4"},
	"audio/ogg":  {"audio/ogg", "application/ogg"},
	"audio/webm": {"audio/webm", "video/webm"},
}

// NormalizeMimeType strips parameters and folds known aliases.
func NormalizeMimeType(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		mediaType = strings.ToLower(strings.SplitN(declared, ";", 2)[0])
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if c, ok := canonical[mediaType]; ok {
		return c
	}
	return mediaType
}

// Extension returns the file extension used when persisting a payload.
func Extension(mimeType string) string {
	switch NormalizeMimeType(mimeType) {
	case MimeWAV:
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	case "audio/flac":
		return ".flac"
	case "audio/mp4":
		return ".m4a"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	default:
		return ".bin"
	}
}

var byExtension = map[string]string{
	".wav":  MimeWAV,
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/mp4",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".webm": "audio/webm",
	".flac": "audio/flac",
}

// TypeByExtension guesses the media type of an audio file name.
func TypeByExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if m, ok := byExtension[ext]; ok {
		return m
	}
	return NormalizeMimeType(mime.TypeByExtension(ext))
}

// Info describes a probed audio file.
type Info struct {
	Detected   string
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Probe sniffs the content of path and, for WAV payloads, reads the header.
func Probe(path string) (Info, error) {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("detect content type: %w", err)
	}
	info := Info{Detected: detected.String()}
	if !detected.Is(MimeWAV) {
		return info, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return info, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return info, fmt.Errorf("invalid wav header")
	}
	info.SampleRate = int(dec.SampleRate)
	info.Channels = int(dec.NumChans)
	info.BitDepth = int(dec.BitDepth)
	bytesPerSec := info.SampleRate * info.Channels * info.BitDepth / 8
	if bytesPerSec > 0 && dec.FwdToPCM() == nil {
		info.Duration = time.Duration(float64(dec.PCMSize) / float64(bytesPerSec) * float64(time.Second))
	}
	return info, nil
}

// Compatible reports whether content sniffed at path matches the declared type.
func Compatible(path, declared string) (bool, string, error) {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return false, "", fmt.Errorf("detect content type: %w", err)
	}
	declared = NormalizeMimeType(declared)
	accepted, ok := equivalents[declared]
	if !ok {
		accepted = []string{declared}
	}
	for m := detected; m != nil; m = m.Parent() {
		for _, candidate := range accepted {
			if m.Is(candidate) {
				return true, detected.String(), nil
			}
		}
	}
	return false, detected.String(), nil
}
