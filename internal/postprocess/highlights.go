package postprocess

import (
	"strings"

	"github.com/loqalabs/whisperlens/internal/domain"
)

// Highlights returns up to limit sentences that mention figures, in
// transcript order, without duplicates.
func Highlights(tr domain.Transcript, limit int) []string {
	out := []string{}
	if limit <= 0 {
		return out
	}
	seen := map[string]struct{}{}
	for _, sentence := range Sentences(tr.Text()) {
		if !figure.MatchString(sentence) {
			continue
		}
		key := strings.ToLower(sentence)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sentence)
		if len(out) == limit {
			break
		}
	}
	return out
}
