package postprocess

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
	"github.com/loqalabs/whisperlens/internal/llm"
)

var (
	sentenceEnd = regexp.MustCompile(`([.!?])\s+`)
	wordPattern = regexp.MustCompile(`[\p{L}\p{N}']+`)
	figure      = regexp.MustCompile(`\d|%|\$|€|£`)
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "so": {}, "that": {}, "the": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "will": {}, "with": {}, "you": {},
}

// Sentences splits text into trimmed sentences, keeping terminal punctuation.
func Sentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(strings.TrimSpace(text), "$1\n")
	var out []string
	for _, line := range strings.Split(marked, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func words(sentence string) []string {
	return wordPattern.FindAllString(strings.ToLower(sentence), -1)
}

// ExtractiveSummarizer picks the highest scoring sentences by term frequency
// and returns them in transcript order as bullet lines.
type ExtractiveSummarizer struct {
	maxSentences int
}

func NewExtractiveSummarizer(maxSentences int) *ExtractiveSummarizer {
	if maxSentences <= 0 {
		maxSentences = 5
	}
	return &ExtractiveSummarizer{maxSentences: maxSentences}
}

func (s *ExtractiveSummarizer) Summarize(_ context.Context, tr domain.Transcript) (string, error) {
	sentences := Sentences(tr.Text())
	if len(sentences) == 0 {
		return NoSpeechSummary, nil
	}

	freq := map[string]int{}
	for _, sentence := range sentences {
		for _, w := range words(sentence) {
			if _, stop := stopWords[w]; !stop {
				freq[w]++
			}
		}
	}

	type scored struct {
		index int
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, sentence := range sentences {
		ws := words(sentence)
		if len(ws) == 0 {
			continue
		}
		var total int
		for _, w := range ws {
			total += freq[w]
		}
		score := float64(total) / float64(len(ws))
		if figure.MatchString(sentence) {
			score += 1
		}
		ranked = append(ranked, scored{index: i, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].index < ranked[j].index
	})
	if len(ranked) > s.maxSentences {
		ranked = ranked[:s.maxSentences]
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].index < ranked[j].index })

	lines := make([]string, 0, len(ranked))
	for _, r := range ranked {
		lines = append(lines, "• "+sentences[r.index])
	}
	return strings.Join(lines, "\n"), nil
}

// LLMSummarizer asks a language model for the summary. Temperature is pinned
// to zero so identical transcripts produce identical prompts and output.
type LLMSummarizer struct {
	gen          llm.Generator
	opts         llm.Request
	maxSentences int
}

func NewLLMSummarizer(gen llm.Generator, cfg config.LLMConfig, maxSentences int) *LLMSummarizer {
	opts := llm.OptionsFromConfig(cfg)
	opts.Temperature = 0
	if maxSentences <= 0 {
		maxSentences = 5
	}
	return &LLMSummarizer{gen: gen, opts: opts, maxSentences: maxSentences}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, tr domain.Transcript) (string, error) {
	var b strings.Builder
	for _, seg := range tr.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.Speaker != "" {
			fmt.Fprintf(&b, "%s: %s\n", seg.Speaker, text)
		} else {
			b.WriteString(text + "\n")
		}
	}

	req := s.opts
	req.System = fmt.Sprintf("Summarize the following transcript in at most %d short bullet points. Use only facts from the transcript.", s.maxSentences)
	req.Prompt = b.String()
	out, err := llm.Collect(ctx, s.gen, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var fatal *domain.FatalProcessingError
		if errors.As(err, &fatal) || domain.IsRetryable(err) {
			return "", err
		}
		return "", domain.Transient("llm", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", domain.Fatal("summarize", fmt.Errorf("model returned an empty summary"))
	}
	return out, nil
}
