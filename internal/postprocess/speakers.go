package postprocess

import (
	"math"
	"sort"
	"strings"

	"github.com/loqalabs/whisperlens/internal/domain"
)

// speakerGap is the pause, in seconds, after which the fallback diarizer
// assumes the other speaker took over.
const speakerGap = 1.5

// AssignSpeakers returns a copy of segments with speaker labels. Labels from
// the recognizer are kept; otherwise speakers alternate on long pauses.
func AssignSpeakers(segments []domain.Segment) []domain.Segment {
	out := append([]domain.Segment(nil), segments...)
	if len(out) == 0 {
		return out
	}
	for _, s := range out {
		if s.Speaker != "" {
			return out
		}
	}

	speaker := 1
	for i := range out {
		if i > 0 && out[i].Start-out[i-1].End > speakerGap {
			speaker = 3 - speaker
		}
		out[i].Speaker = speakerLabel(speaker)
	}
	return out
}

func speakerLabel(n int) string {
	if n == 2 {
		return "Speaker 2"
	}
	return "Speaker 1"
}

// SpeakerShares computes the share of speech per speaker as whole
// percentages. Values are floored so the total never exceeds 100. Shares are
// weighted by duration, or by word count when segments carry no timing.
func SpeakerShares(segments []domain.Segment) []domain.SpeakerShare {
	weights := map[string]float64{}
	var order []string
	var total float64
	byWords := true
	for _, s := range segments {
		if s.Duration() > 0 {
			byWords = false
			break
		}
	}
	for _, s := range segments {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		label := s.Speaker
		if label == "" {
			label = "Unknown"
		}
		w := s.Duration()
		if byWords {
			w = float64(len(strings.Fields(s.Text)))
		}
		if w <= 0 {
			continue
		}
		if _, ok := weights[label]; !ok {
			order = append(order, label)
		}
		weights[label] += w
		total += w
	}

	shares := make([]domain.SpeakerShare, 0, len(order))
	if total <= 0 {
		return shares
	}
	for _, label := range order {
		pct := int(math.Floor(weights[label] / total * 100))
		shares = append(shares, domain.SpeakerShare{Label: label, Percentage: pct})
	}
	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].Percentage != shares[j].Percentage {
			return shares[i].Percentage > shares[j].Percentage
		}
		return shares[i].Label < shares[j].Label
	})
	return shares
}
