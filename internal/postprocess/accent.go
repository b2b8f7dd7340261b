package postprocess

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/whisperlens/internal/domain"
)

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"ja": "Japanese",
	"zh": "Chinese",
	"hi": "Hindi",
}

// Accent renders the accent annotation from the detected language, recognizer
// confidence and speaker count.
func Accent(tr domain.Transcript, speakers []domain.SpeakerShare) string {
	if tr.Empty() {
		return "No speech detected; accent analysis unavailable."
	}
	language := languageName(tr.Language)
	confidence := "unavailable"
	if tr.Confidence > 0 {
		confidence = fmt.Sprintf("%d%%", int(math.Round(tr.Confidence*100)))
	}
	return fmt.Sprintf("Detected language: %s. Speakers: %d. Confidence: %s.", language, len(speakers), confidence)
}

// SpeakerAccents fills in the accent of each share. A speaker's accent is the
// one covering most of their speech time among segments that carry one;
// otherwise it is the transcript language.
func SpeakerAccents(tr domain.Transcript, shares []domain.SpeakerShare) []domain.SpeakerShare {
	heard := map[string]map[string]float64{}
	for _, seg := range tr.Segments {
		if seg.Accent == "" {
			continue
		}
		label := seg.Speaker
		if label == "" {
			label = "Unknown"
		}
		if heard[label] == nil {
			heard[label] = map[string]float64{}
		}
		heard[label][seg.Accent] += max(seg.Duration(), 0)
	}

	fallback := ""
	if strings.TrimSpace(tr.Language) != "" {
		fallback = languageName(tr.Language)
	}
	out := make([]domain.SpeakerShare, len(shares))
	for i, share := range shares {
		share.Accent = fallback
		best := -1.0
		for accent, secs := range heard[share.Label] {
			if secs > best || (secs == best && accent < share.Accent) {
				best, share.Accent = secs, accent
			}
		}
		out[i] = share
	}
	return out
}

func languageName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "unknown"
	}
	if name, ok := languageNames[code]; ok {
		return name
	}
	r, size := utf8.DecodeRuneInString(code)
	return string(unicode.ToUpper(r)) + code[size:]
}
