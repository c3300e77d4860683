package llm

import (
	"context"
	"fmt"

	"github.com/scrypster/loom/pkg/types"
)

// GuardedAnalyzer calls an external Analyzer through a Guard and decodes the
// raw response into a typed result at the boundary.
type GuardedAnalyzer struct {
	analyzer Analyzer
	guard    *Guard
	kind     types.AnalysisKind
}

// NewGuardedAnalyzer returns an analyzer for one analysis kind.
func NewGuardedAnalyzer(analyzer Analyzer, guard *Guard, kind types.AnalysisKind) *GuardedAnalyzer {
	return &GuardedAnalyzer{analyzer: analyzer, guard: guard, kind: kind}
}

// Name identifies the analyzer in fan-out results.
func (a *GuardedAnalyzer) Name() string { return "external-" + string(a.kind) }

// Analyze requests and decodes one analysis of chapter.
func (a *GuardedAnalyzer) Analyze(ctx context.Context, chapter *types.Chapter) (*types.AnalysisResult, error) {
	raw, err := Call(ctx, a.guard, func(ctx context.Context) ([]byte, error) {
		return a.analyzer.Analyze(ctx, a.kind, chapter)
	})
	if err != nil {
		return nil, fmt.Errorf("analyze chapter %d (%s): %w", chapter.ID, a.kind, err)
	}
	return types.DecodeAnalysis(a.kind, chapter.ID, raw)
}

// Guard exposes the underlying guard for diagnostics.
func (a *GuardedAnalyzer) Guard() *Guard { return a.guard }

// GuardedGenerator calls an external Generator through a Guard.
type GuardedGenerator struct {
	generator Generator
	guard     *Guard
}

// NewGuardedGenerator wraps generator.
func NewGuardedGenerator(generator Generator, guard *Guard) *GuardedGenerator {
	return &GuardedGenerator{generator: generator, guard: guard}
}

// Generate produces text for prompt.
func (g *GuardedGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return Call(ctx, g.guard, func(ctx context.Context) (string, error) {
		return g.generator.Generate(ctx, prompt, opts)
	})
}
