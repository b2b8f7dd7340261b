package llm

import (
	"context"
	"fmt"
	"strings"
)

// mockGenerator answers without a model so the pipeline can run offline.
type mockGenerator struct{}

func NewMockGenerator() Generator { return mockGenerator{} }

func (mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	words := len(strings.Fields(req.Prompt))
	return consumer(Chunk{
		JobID:   req.JobID,
		Content: fmt.Sprintf("[mock summary of %d words]", words),
	})
}
