// Package llm holds the contracts for the external analysis and generation
// collaborators and the guard that every call to them goes through.
// The memory hierarchy treats both as black boxes: a call either returns in
// time or becomes an ordinary failure.
package llm

import (
	"context"

	"github.com/scrypster/loom/pkg/types"
)

// Analyzer is the external text/quality analysis service. It returns the
// collaborator's raw response for the requested kind; callers decode it with
// types.DecodeAnalysis.
type Analyzer interface {
	Analyze(ctx context.Context, kind types.AnalysisKind, chapter *types.Chapter) ([]byte, error)
}

// GenerateOptions tune a single generation call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
}

// Generator is the external generative-text client.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, kind types.AnalysisKind, chapter *types.Chapter) ([]byte, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, kind types.AnalysisKind, chapter *types.Chapter) ([]byte, error) {
	return f(ctx, kind, chapter)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f(ctx, prompt, opts)
}
