package qa

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/modeleval/modeleval/app/llm"
	"github.com/modeleval/modeleval/app/store"
)

// parameter defaults and limits
const (
	defaultPairsPerSection = 5
	maxPairsPerSection     = 20
	defaultMinDensity      = 6.0
	defaultMinQuality      = 6.0
	defaultMinFactual      = 7.0
	defaultMinOverall      = 7.0
)

// progress percentages per pipeline stage
const (
	pctExtractStart = 5
	pctExtractDone  = 25
	pctContentDone  = 50
	pctGenerateDone = 75
	pctEvaluateDone = 95
	pctComplete     = 100
)

// Completer is the LLM call interface the pipeline needs.
type Completer interface {
	CompleteJSON(ctx context.Context, req llm.Request, out any) error
}

// Params controls generation and filtering. Zero values are replaced
// with defaults by SetDefaults.
type Params struct {
	PairsPerSection   int     `json:"qa_count,omitempty"`
	UseSuggestedCount bool    `json:"use_suggested_count,omitempty"`
	MinDensityScore   float64 `json:"min_density_score,omitempty"`
	MinQualityScore   float64 `json:"min_quality_score,omitempty"`
	MinFactualScore   float64 `json:"min_factual_score,omitempty"`
	MinOverallScore   float64 `json:"min_overall_score,omitempty"`
	SkipEvaluation    bool    `json:"skip_evaluation,omitempty"`
	SamplePercent     int     `json:"sample_percent,omitempty"` // share of pairs scored in evaluate-only mode
}

// SetDefaults fills zero fields with default values.
func (p *Params) SetDefaults() {
	if p.PairsPerSection <= 0 {
		p.PairsPerSection = defaultPairsPerSection
	}
	if p.PairsPerSection > maxPairsPerSection {
		p.PairsPerSection = maxPairsPerSection
	}
	if p.MinDensityScore <= 0 {
		p.MinDensityScore = defaultMinDensity
	}
	if p.MinQualityScore <= 0 {
		p.MinQualityScore = defaultMinQuality
	}
	if p.MinFactualScore <= 0 {
		p.MinFactualScore = defaultMinFactual
	}
	if p.MinOverallScore <= 0 {
		p.MinOverallScore = defaultMinOverall
	}
}

// Document is a single input file with its extracted text content.
type Document struct {
	Name    string
	Content string
}

// ContentScore is the model's quality assessment of one section.
type ContentScore struct {
	DensityScore     float64 `json:"density_score"`
	QualityScore     float64 `json:"quality_score"`
	SuggestedQACount int     `json:"suggested_qa_count,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

// QAPair is a generated question with its answer.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Section  string `json:"section,omitempty"`
}

// PairScore is the model's assessment of one generated pair.
type PairScore struct {
	FactualScore      float64 `json:"factual_score"`
	CompletenessScore float64 `json:"completeness_score"`
	OverallScore      float64 `json:"overall_score"`
	Reason            string  `json:"reason,omitempty"`
}

// EvaluatedPair bundles a pair with its evaluation outcome.
type EvaluatedPair struct {
	QAPair
	Score  *PairScore `json:"score,omitempty"`
	Passed bool       `json:"passed"`
}

// SectionResult is the per-section outcome of content evaluation.
type SectionResult struct {
	Section Section      `json:"section"`
	Score   ContentScore `json:"score"`
	Kept    bool         `json:"kept"`
}

// Result is the full outcome of processing one document.
type Result struct {
	SourceFile   string            `json:"source_file"`
	Sections     []SectionResult   `json:"sections"`
	KeptSections int               `json:"kept_sections"`
	Pairs        []EvaluatedPair   `json:"pairs"`
	PassedPairs  int               `json:"passed_pairs"`
	Params       Params            `json:"params"`
	OutputFiles  map[string]string `json:"output_files,omitempty"`
}

// Progress is a single progress report from the pipeline.
type Progress struct {
	Stage   string
	Percent int
	Message string
	Step    *store.StepProgress
}

// ProgressFunc receives progress reports. May be nil.
type ProgressFunc func(Progress)

// Pipeline runs the QA generation workflow against an LLM client.
type Pipeline struct {
	client Completer
}

// NewPipeline creates a pipeline using the given LLM client.
func NewPipeline(client Completer) *Pipeline {
	return &Pipeline{client: client}
}

// Process runs the full pipeline on one document: extract sections,
// score content, generate pairs, evaluate pairs.
func (p *Pipeline) Process(ctx context.Context, doc Document, params Params, report ProgressFunc) (Result, error) {
	params.SetDefaults()
	if report == nil {
		report = func(Progress) {}
	}

	result := Result{SourceFile: doc.Name, Params: params}

	report(Progress{Stage: "extract", Percent: pctExtractStart, Message: "extracting document content"})
	sections := ExtractSections(doc.Content)
	if len(sections) == 0 {
		return result, fmt.Errorf("no content sections found in %s", doc.Name)
	}
	report(Progress{Stage: "extract", Percent: pctExtractDone,
		Message: fmt.Sprintf("extracted %d sections", len(sections))})

	kept, err := p.evaluateContent(ctx, sections, params, &result, report)
	if err != nil {
		return result, err
	}
	if len(kept) == 0 {
		return result, fmt.Errorf("no sections passed content evaluation in %s", doc.Name)
	}

	if err := p.generatePairs(ctx, kept, &result, params, report); err != nil {
		return result, err
	}
	if len(result.Pairs) == 0 {
		return result, fmt.Errorf("no qa pairs generated for %s", doc.Name)
	}

	if params.SkipEvaluation {
		for i := range result.Pairs {
			result.Pairs[i].Passed = true
		}
		result.PassedPairs = len(result.Pairs)
	} else if err := p.evaluatePairs(ctx, &result, params, report); err != nil {
		return result, err
	}

	report(Progress{Stage: "complete", Percent: pctComplete,
		Message: fmt.Sprintf("generated %d pairs, %d passed evaluation", len(result.Pairs), result.PassedPairs)})
	return result, nil
}

func (p *Pipeline) evaluateContent(ctx context.Context, sections []Section, params Params,
	result *Result, report ProgressFunc) ([]SectionResult, error) {

	kept := []SectionResult{}
	for i, section := range sections {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		score, err := p.scoreContent(ctx, section)
		if err != nil {
			// a failed section is dropped, not fatal for the document
			log.Printf("[WARN] content evaluation failed for section %q: %v", section.Title, err)
			result.Sections = append(result.Sections, SectionResult{Section: section})
			continue
		}

		sr := SectionResult{
			Section: section,
			Score:   score,
			Kept:    score.DensityScore >= params.MinDensityScore && score.QualityScore >= params.MinQualityScore,
		}
		result.Sections = append(result.Sections, sr)
		if sr.Kept {
			kept = append(kept, sr)
		}

		percent := pctExtractDone + (pctContentDone-pctExtractDone)*(i+1)/len(sections)
		report(Progress{Stage: "content_evaluation", Percent: percent,
			Message: fmt.Sprintf("evaluated section %d of %d", i+1, len(sections)),
			Step:    &store.StepProgress{Current: i + 1, Total: len(sections), Label: "sections"}})
	}
	result.KeptSections = len(kept)
	return kept, nil
}

func (p *Pipeline) scoreContent(ctx context.Context, section Section) (ContentScore, error) {
	prompt := fmt.Sprintf(`Assess the quality of the following titled content and score its information density and information quality.

Title: %s
Content: %s

Scoring rules:
1. density_score (1-10): how much substantive information the content carries. Low scores for empty text, bare tables of contents or heading lists.
2. quality_score (1-10): professionalism, accuracy and practical value of the content.
3. suggested_qa_count: how many question-answer pairs this content can reasonably support.
4. reason: a short justification of the scores.

Return a JSON object:
{"density_score": n, "quality_score": n, "suggested_qa_count": n, "reason": "..."}`, section.Title, section.Content)

	var score ContentScore
	err := p.client.CompleteJSON(ctx, llm.Request{Messages: []llm.Message{
		{Role: "system", Content: "You are a content quality assessor judging information density and quality of text. Be objective and consistent."},
		{Role: "user", Content: prompt},
	}}, &score)
	if err != nil {
		return ContentScore{}, err
	}
	if score.DensityScore < 1 || score.DensityScore > 10 || score.QualityScore < 1 || score.QualityScore > 10 {
		return ContentScore{}, fmt.Errorf("scores out of range [1-10]: density=%v quality=%v",
			score.DensityScore, score.QualityScore)
	}
	return score, nil
}

func (p *Pipeline) generatePairs(ctx context.Context, kept []SectionResult, result *Result,
	params Params, report ProgressFunc) error {

	for i, sr := range kept {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		count := params.PairsPerSection
		if params.UseSuggestedCount && sr.Score.SuggestedQACount > 0 {
			count = min(sr.Score.SuggestedQACount, maxPairsPerSection)
		}

		pairs, err := p.generateForSection(ctx, sr.Section, count)
		if err != nil {
			log.Printf("[WARN] qa generation failed for section %q: %v", sr.Section.Title, err)
			continue
		}
		for _, pair := range pairs {
			pair.Section = sr.Section.Title
			result.Pairs = append(result.Pairs, EvaluatedPair{QAPair: pair})
		}

		percent := pctContentDone + (pctGenerateDone-pctContentDone)*(i+1)/len(kept)
		report(Progress{Stage: "qa_generation", Percent: percent,
			Message: fmt.Sprintf("generated pairs for section %d of %d", i+1, len(kept)),
			Step:    &store.StepProgress{Current: i + 1, Total: len(kept), Label: "sections"}})
	}
	return nil
}

func (p *Pipeline) generateForSection(ctx context.Context, section Section, count int) ([]QAPair, error) {
	prompt := fmt.Sprintf(`Generate %d high-quality question-answer pairs based on the following titled content. Questions must target important information, and every answer must be supported by the provided content.

Title: %s
Content: %s

Requirements:
1. Generate exactly %d pairs.
2. Questions must be specific and self-contained.
3. Answers must be grounded in the content, no outside knowledge.

Return a JSON object:
{"qa_pairs": [{"question": "...", "answer": "..."}]}`, count, section.Title, section.Content, count)

	var resp struct {
		Pairs []QAPair `json:"qa_pairs"`
	}
	err := p.client.CompleteJSON(ctx, llm.Request{Messages: []llm.Message{
		{Role: "user", Content: prompt},
	}}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Pairs) == 0 {
		return nil, fmt.Errorf("model returned no pairs")
	}
	return resp.Pairs, nil
}

func (p *Pipeline) evaluatePairs(ctx context.Context, result *Result, params Params, report ProgressFunc) error {
	sectionContent := map[string]string{}
	for _, sr := range result.Sections {
		sectionContent[sr.Section.Title] = sr.Section.Content
	}

	for i := range result.Pairs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pair := &result.Pairs[i]

		score, err := p.scorePair(ctx, pair.QAPair, sectionContent[pair.Section])
		if err != nil {
			// unevaluated pairs stay in the output marked as not passed
			log.Printf("[WARN] qa evaluation failed for question %q: %v", pair.Question, err)
		} else {
			pair.Score = &score
			pair.Passed = score.FactualScore >= params.MinFactualScore && score.OverallScore >= params.MinOverallScore
			if pair.Passed {
				result.PassedPairs++
			}
		}

		percent := pctGenerateDone + (pctEvaluateDone-pctGenerateDone)*(i+1)/len(result.Pairs)
		report(Progress{Stage: "qa_evaluation", Percent: percent,
			Message: fmt.Sprintf("evaluated pair %d of %d", i+1, len(result.Pairs)),
			Step:    &store.StepProgress{Current: i + 1, Total: len(result.Pairs), Label: "pairs"}})
	}
	return nil
}

func (p *Pipeline) scorePair(ctx context.Context, pair QAPair, content string) (PairScore, error) {
	prompt := fmt.Sprintf(`Evaluate the following question-answer pair against its source content.

Question: %s
Answer: %s
Source content: %s

Scoring rules:
1. factual_score (1-10): how well the answer is grounded in the source content.
2. completeness_score (1-10): how completely the answer addresses the question.
3. overall_score (1-10): overall quality of the pair.
4. reason: a short justification of the scores.

Return a JSON object:
{"factual_score": n, "completeness_score": n, "overall_score": n, "reason": "..."}`,
		pair.Question, pair.Answer, content)

	var score PairScore
	err := p.client.CompleteJSON(ctx, llm.Request{Messages: []llm.Message{
		{Role: "system", Content: "You are a strict evaluator of question-answer pairs. Score only based on the provided source content."},
		{Role: "user", Content: prompt},
	}}, &score)
	if err != nil {
		return PairScore{}, err
	}
	if score.FactualScore < 0 || score.FactualScore > 10 || score.OverallScore < 0 || score.OverallScore > 10 {
		return PairScore{}, fmt.Errorf("scores out of range [0-10]: factual=%v overall=%v",
			score.FactualScore, score.OverallScore)
	}
	return score, nil
}
