package qa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modeleval/modeleval/app/llm"
)

// stubCompleter fakes the LLM by pattern-matching on the prompt text.
type stubCompleter struct {
	densityByTitle map[string]float64
	failSections   map[string]bool
	calls          int
}

func (s *stubCompleter) CompleteJSON(_ context.Context, req llm.Request, out any) error {
	s.calls++
	prompt := req.Messages[len(req.Messages)-1].Content

	switch {
	case strings.Contains(prompt, "density_score"):
		title := extractLine(prompt, "Title: ")
		if s.failSections[title] {
			return fmt.Errorf("simulated failure")
		}
		density := 8.0
		if d, ok := s.densityByTitle[title]; ok {
			density = d
		}
		return json.Unmarshal(fmt.Appendf(nil,
			`{"density_score": %v, "quality_score": 8, "suggested_qa_count": 2, "reason": "ok"}`, density),
			out)
	case strings.Contains(prompt, "qa_pairs"):
		return json.Unmarshal([]byte(
			`{"qa_pairs": [{"question": "q1?", "answer": "a1"}, {"question": "q2?", "answer": "a2"}]}`), out)
	case strings.Contains(prompt, "factual_score"):
		score := 9.0
		if strings.Contains(prompt, "q2?") {
			score = 4.0 // below threshold
		}
		return json.Unmarshal(fmt.Appendf(nil,
			`{"factual_score": %v, "completeness_score": 8, "overall_score": %v, "reason": "ok"}`, score, score),
			out)
	}
	return fmt.Errorf("unexpected prompt: %s", prompt)
}

func extractLine(text, prefix string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

const testDoc = `# Setup Guide

Install the service and configure the database connection before first start.

# Release Notes

Minor fixes.
`

func TestExtractSections(t *testing.T) {
	t.Run("markdown headings", func(t *testing.T) {
		sections := ExtractSections(testDoc)
		require.Len(t, sections, 2)
		assert.Equal(t, "Setup Guide", sections[0].Title)
		assert.Contains(t, sections[0].Content, "database connection")
		assert.Equal(t, "Release Notes", sections[1].Title)
	})

	t.Run("preamble before first heading", func(t *testing.T) {
		sections := ExtractSections("intro text\n\n# First\n\nbody")
		require.Len(t, sections, 2)
		assert.Equal(t, "Introduction", sections[0].Title)
		assert.Equal(t, "First", sections[1].Title)
	})

	t.Run("no headings chunks by paragraphs", func(t *testing.T) {
		long := strings.Repeat("word ", 500) // ~2500 chars, splits into two chunks
		sections := ExtractSections(strings.TrimSpace(long) + "\n\n" + strings.TrimSpace(long))
		require.Len(t, sections, 2)
		assert.Equal(t, "Section 1", sections[0].Title)
		assert.Equal(t, "Section 2", sections[1].Title)
	})

	t.Run("empty document", func(t *testing.T) {
		assert.Empty(t, ExtractSections(""))
		assert.Empty(t, ExtractSections("   \n\n  "))
	})
}

func TestParams_SetDefaults(t *testing.T) {
	p := Params{}
	p.SetDefaults()
	assert.Equal(t, 5, p.PairsPerSection)
	assert.InDelta(t, 6.0, p.MinDensityScore, 0.001)
	assert.InDelta(t, 7.0, p.MinFactualScore, 0.001)

	p = Params{PairsPerSection: 50}
	p.SetDefaults()
	assert.Equal(t, 20, p.PairsPerSection, "capped at maximum")

	p = Params{PairsPerSection: 3, MinDensityScore: 4}
	p.SetDefaults()
	assert.Equal(t, 3, p.PairsPerSection)
	assert.InDelta(t, 4.0, p.MinDensityScore, 0.001)
}

func TestPipeline_Process(t *testing.T) {
	stub := &stubCompleter{densityByTitle: map[string]float64{"Release Notes": 2.0}}
	p := NewPipeline(stub)

	var reports []Progress
	result, err := p.Process(context.Background(), Document{Name: "guide.md", Content: testDoc}, Params{},
		func(pr Progress) { reports = append(reports, pr) })
	require.NoError(t, err)

	assert.Equal(t, "guide.md", result.SourceFile)
	require.Len(t, result.Sections, 2)
	assert.True(t, result.Sections[0].Kept)
	assert.False(t, result.Sections[1].Kept, "low density section filtered out")
	assert.Equal(t, 1, result.KeptSections)

	require.Len(t, result.Pairs, 2)
	assert.Equal(t, "Setup Guide", result.Pairs[0].Section)
	assert.True(t, result.Pairs[0].Passed)
	assert.False(t, result.Pairs[1].Passed, "low factual score fails evaluation")
	assert.Equal(t, 1, result.PassedPairs)

	// progress reports only move forward
	require.NotEmpty(t, reports)
	last := 0
	for _, pr := range reports {
		assert.GreaterOrEqual(t, pr.Percent, last, "stage %s", pr.Stage)
		last = pr.Percent
	}
	assert.Equal(t, 100, reports[len(reports)-1].Percent)
	assert.Equal(t, "complete", reports[len(reports)-1].Stage)
}

func TestPipeline_ProcessSkipEvaluation(t *testing.T) {
	stub := &stubCompleter{}
	p := NewPipeline(stub)

	result, err := p.Process(context.Background(), Document{Name: "d.md", Content: testDoc},
		Params{SkipEvaluation: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, len(result.Pairs), result.PassedPairs, "all pairs pass without evaluation")
	for _, pair := range result.Pairs {
		assert.Nil(t, pair.Score)
		assert.True(t, pair.Passed)
	}
}

func TestPipeline_ProcessEmptyDocument(t *testing.T) {
	p := NewPipeline(&stubCompleter{})
	_, err := p.Process(context.Background(), Document{Name: "empty.txt", Content: ""}, Params{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content sections")
}

func TestPipeline_ProcessAllSectionsFiltered(t *testing.T) {
	stub := &stubCompleter{densityByTitle: map[string]float64{"Setup Guide": 1, "Release Notes": 1}}
	p := NewPipeline(stub)
	_, err := p.Process(context.Background(), Document{Name: "d.md", Content: testDoc}, Params{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sections passed content evaluation")
}

func TestPipeline_ProcessSectionFailureNotFatal(t *testing.T) {
	stub := &stubCompleter{failSections: map[string]bool{"Release Notes": true}}
	p := NewPipeline(stub)

	result, err := p.Process(context.Background(), Document{Name: "d.md", Content: testDoc}, Params{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.KeptSections, "failed section dropped, pipeline continues")
}

func TestPipeline_ProcessCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(&stubCompleter{})
	_, err := p.Process(ctx, Document{Name: "d.md", Content: testDoc}, Params{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteOutputs(t *testing.T) {
	dir := t.TempDir()
	score := &PairScore{FactualScore: 9, CompletenessScore: 8, OverallScore: 9}
	result := &Result{
		SourceFile: "guide.md",
		Pairs: []EvaluatedPair{
			{QAPair: QAPair{Question: "q1?", Answer: "a1", Section: "Setup"}, Score: score, Passed: true},
			{QAPair: QAPair{Question: "q2?", Answer: "a2", Section: "Setup"}},
		},
		PassedPairs: 1,
	}

	require.NoError(t, WriteOutputs(result, dir))
	require.Contains(t, result.OutputFiles, "csv")
	require.Contains(t, result.OutputFiles, "json")

	f, err := os.Open(result.OutputFiles["csv"])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "question", rows[0][1])
	assert.Equal(t, "q1?", rows[1][1])
	assert.Equal(t, "9.0", rows[1][3])
	assert.Equal(t, "false", rows[2][6])

	data, err := os.ReadFile(result.OutputFiles["json"])
	require.NoError(t, err)
	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "guide.md", back.SourceFile)
	assert.Len(t, back.Pairs, 2)

	assert.Equal(t, filepath.Join(dir, "guide_qa_pairs.csv"), result.OutputFiles["csv"])
}
