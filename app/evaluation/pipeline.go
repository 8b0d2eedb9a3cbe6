package evaluation

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/modeleval/modeleval/app/llm"
	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/web/enums"
)

// failure categories assigned by stage 2
const (
	CategoryKnowledgeDeficiency    = "knowledge_deficiency"
	CategoryReasoningError         = "reasoning_error"
	CategoryCapabilityInsufficient = "capability_insufficient"
)

// evaluation types select which stages run
const (
	EvalTypeStage1 = "stage1" // answer and judge only, failures stay unclassified
	EvalTypeStage2 = "stage2" // reference retest over the full question set
	EvalTypeBoth   = "both"
)

// parameter defaults and limits
const (
	defaultThreshold = 60.0
	minRounds        = 1
	maxRounds        = 5
)

// Completer is the LLM call interface the pipeline needs.
type Completer interface {
	CompleteJSON(ctx context.Context, req llm.Request, out any) error
}

// Params controls the evaluation run.
type Params struct {
	Type               string  `json:"evaluation_type,omitempty"` // stage1, stage2 or both
	Rounds             int     `json:"evaluation_rounds,omitempty"`
	AnswerThreshold    float64 `json:"answer_threshold,omitempty"`
	ReasoningThreshold float64 `json:"reasoning_threshold,omitempty"`
}

// SetDefaults fills zero fields and clamps rounds to the allowed range.
func (p *Params) SetDefaults() {
	if p.Type == "" {
		p.Type = EvalTypeBoth
	}
	if p.Rounds < minRounds {
		p.Rounds = minRounds
	}
	if p.Rounds > maxRounds {
		p.Rounds = maxRounds
	}
	if p.AnswerThreshold <= 0 {
		p.AnswerThreshold = defaultThreshold
	}
	if p.ReasoningThreshold <= 0 {
		p.ReasoningThreshold = defaultThreshold
	}
}

// Thresholds is the score cutoff pair recorded with results.
type Thresholds struct {
	Answer    float64 `json:"answer_threshold"`
	Reasoning float64 `json:"reasoning_threshold"`
}

// QuestionResult is the outcome for one question. The retest fields are
// filled by stage 2 for questions that failed stage 1: the model answers
// again with the reference content supplied and gets re-judged.
type QuestionResult struct {
	ID                   string  `json:"id"`
	Question             string  `json:"question"`
	Reference            string  `json:"reference"`
	ModelAnswer          string  `json:"model_answer"`
	Reasoning            string  `json:"reasoning,omitempty"`
	AnswerScore          float64 `json:"answer_score"`
	ReasoningScore       float64 `json:"reasoning_score"`
	Correct              bool    `json:"correct"`
	RetestAnswer         string  `json:"retest_answer,omitempty"`
	RetestAnswerScore    float64 `json:"retest_answer_score,omitempty"`
	RetestReasoningScore float64 `json:"retest_reasoning_score,omitempty"`
	Category             string  `json:"category,omitempty"` // stage 2, failures only
}

// RoundStats aggregates one evaluation round.
type RoundStats struct {
	Round                      int     `json:"round"`
	Total                      int     `json:"total_questions"`
	Correct                    int     `json:"correct"`
	AccuracyRate               float64 `json:"accuracy_rate"`
	KnowledgeDeficiency        int     `json:"knowledge_deficiency"`
	ReasoningErrors            int     `json:"reasoning_errors"`
	CapabilityInsufficient     int     `json:"capability_insufficient"`
	KnowledgeDeficiencyRate    float64 `json:"knowledge_deficiency_rate"`
	ReasoningErrorRate         float64 `json:"reasoning_error_rate"`
	CapabilityInsufficientRate float64 `json:"capability_insufficient_rate"`
}

// Result is the full evaluation outcome across all rounds.
type Result struct {
	SourceFile                      string           `json:"source_file,omitempty"`
	Model                           string           `json:"model"`
	Rounds                          int              `json:"rounds"`
	Thresholds                      Thresholds       `json:"thresholds"`
	RoundStats                      []RoundStats     `json:"round_stats"`
	FinalAccuracyRate               float64          `json:"final_accuracy_rate"`
	FinalReasoningErrorRate         float64          `json:"final_reasoning_error_rate"`
	FinalKnowledgeDeficiencyRate    float64          `json:"final_knowledge_deficiency_rate"`
	FinalCapabilityInsufficientRate float64          `json:"final_capability_insufficient_rate"`
	MostStableMetric                string           `json:"most_stable_metric,omitempty"`
	Questions                       []QuestionResult `json:"questions"`
}

// Progress is a single progress report from the pipeline.
type Progress struct {
	StageKey  string
	Overall   int
	Stages    []store.StageEntry
	Message   string
	Step      *store.StepProgress
}

// ProgressFunc receives progress reports. May be nil.
type ProgressFunc func(Progress)

// Pipeline evaluates a model under test with a separate judge model.
type Pipeline struct {
	testClient Completer // model being evaluated
	evalClient Completer // judge
	modelName  string
}

// NewPipeline creates an evaluation pipeline. testClient answers the
// questions, evalClient scores the answers.
func NewPipeline(testClient, evalClient Completer, modelName string) *Pipeline {
	return &Pipeline{testClient: testClient, evalClient: evalClient, modelName: modelName}
}

// Run executes the full pipeline over the given questions.
func (p *Pipeline) Run(ctx context.Context, questions []Question, params Params, report ProgressFunc) (Result, error) {
	params.SetDefaults()
	if report == nil {
		report = func(Progress) {}
	}
	if len(questions) == 0 {
		return Result{}, fmt.Errorf("no questions to evaluate")
	}
	if params.Type != EvalTypeStage1 && params.Type != EvalTypeStage2 && params.Type != EvalTypeBoth {
		return Result{}, fmt.Errorf("unknown evaluation type %q", params.Type)
	}

	tracker := NewTracker(params.Type)
	emit := func(key string, percent int, status enums.StageStatus, message string, step *store.StepProgress) {
		tracker.Update(key, percent, status, message)
		report(Progress{StageKey: key, Overall: tracker.Overall(),
			Stages: tracker.Entries(), Message: message, Step: step})
	}

	emit(StageInit, 50, enums.StageStatusProcessing,
		fmt.Sprintf("evaluating %d questions over %d rounds", len(questions), params.Rounds), nil)

	result := Result{
		Model:  p.modelName,
		Rounds: params.Rounds,
		Thresholds: Thresholds{
			Answer:    params.AnswerThreshold,
			Reasoning: params.ReasoningThreshold,
		},
	}
	emit(StageInit, 100, enums.StageStatusCompleted, "initialization complete", nil)

	for round := 1; round <= params.Rounds; round++ {
		var roundResults []QuestionResult
		if params.Type == EvalTypeStage2 {
			// stage 2 only: every question goes through the reference retest
			for _, q := range questions {
				roundResults = append(roundResults, QuestionResult{ID: q.ID, Question: q.Question, Reference: q.Reference})
			}
		} else {
			var err error
			roundResults, err = p.runStage1(ctx, questions, params, round, emit)
			if err != nil {
				tracker.Fail(StageOne, err.Error())
				report(Progress{StageKey: StageOne, Overall: tracker.Overall(), Stages: tracker.Entries(), Message: err.Error()})
				return result, err
			}
		}

		if params.Type != EvalTypeStage1 {
			if err := p.runStage2(ctx, roundResults, params, round, emit); err != nil {
				tracker.Fail(StageTwo, err.Error())
				report(Progress{StageKey: StageTwo, Overall: tracker.Overall(), Stages: tracker.Entries(), Message: err.Error()})
				return result, err
			}
		}

		result.RoundStats = append(result.RoundStats, roundStats(round, roundResults))
		result.Questions = roundResults // keep per-question detail of the last round
	}

	emit(StageResult, 30, enums.StageStatusProcessing, "aggregating results", nil)
	aggregate(&result)
	emit(StageResult, 100, enums.StageStatusCompleted,
		fmt.Sprintf("final accuracy %.1f%%", result.FinalAccuracyRate), nil)

	return result, nil
}

// runStage1 answers and judges every question.
func (p *Pipeline) runStage1(ctx context.Context, questions []Question, params Params, round int,
	emit func(string, int, enums.StageStatus, string, *store.StepProgress)) ([]QuestionResult, error) {

	results := make([]QuestionResult, 0, len(questions))
	for i, q := range questions {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		qr := QuestionResult{ID: q.ID, Question: q.Question, Reference: q.Reference}

		answer, reasoning, err := p.askModel(ctx, q)
		if err != nil {
			// an unanswered question counts as failed with zero scores
			log.Printf("[WARN] model answer failed for question %s: %v", q.ID, err)
		} else {
			qr.ModelAnswer = answer
			qr.Reasoning = reasoning
			answerScore, reasoningScore, judgeErr := p.judge(ctx, q, answer, reasoning)
			if judgeErr != nil {
				return nil, fmt.Errorf("judge failed for question %s: %w", q.ID, judgeErr)
			}
			qr.AnswerScore = answerScore
			qr.ReasoningScore = reasoningScore
			qr.Correct = answerScore >= params.AnswerThreshold && reasoningScore >= params.ReasoningThreshold
		}
		results = append(results, qr)

		percent := 100 * (i + 1) / len(questions)
		emit(StageOne, percent, enums.StageStatusProcessing,
			fmt.Sprintf("round %d: judged question %d of %d", round, i+1, len(questions)),
			&store.StepProgress{Current: i + 1, Total: len(questions), Label: "questions"})
	}

	emit(StageOne, 100, enums.StageStatusCompleted, fmt.Sprintf("round %d: stage 1 complete", round), nil)
	return results, nil
}

// runStage2 retests stage 1 failures with the reference content supplied
// and classifies them on the retest scores.
func (p *Pipeline) runStage2(ctx context.Context, results []QuestionResult, params Params, round int,
	emit func(string, int, enums.StageStatus, string, *store.StepProgress)) error {

	failures := []int{}
	for i, qr := range results {
		if !qr.Correct {
			failures = append(failures, i)
		}
	}

	if len(failures) == 0 {
		emit(StageTwo, 100, enums.StageStatusCompleted,
			fmt.Sprintf("round %d: no failures to retest", round), nil)
		return nil
	}

	for n, idx := range failures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		qr := &results[idx]
		q := Question{ID: qr.ID, Question: qr.Question, Reference: qr.Reference}

		answer, reasoning, err := p.askModelWithReference(ctx, q)
		if err != nil {
			// a failed retest keeps zero scores and lands in the capability bucket
			log.Printf("[WARN] retest failed for question %s: %v", qr.ID, err)
		} else {
			qr.RetestAnswer = answer
			answerScore, reasoningScore, judgeErr := p.judge(ctx, q, answer, reasoning)
			if judgeErr != nil {
				return fmt.Errorf("judge failed for retest of question %s: %w", qr.ID, judgeErr)
			}
			qr.RetestAnswerScore = answerScore
			qr.RetestReasoningScore = reasoningScore
		}
		qr.Category = classify(qr.RetestAnswerScore, qr.RetestReasoningScore, params)

		percent := 100 * (n + 1) / len(failures)
		emit(StageTwo, percent, enums.StageStatusProcessing,
			fmt.Sprintf("round %d: retested question %d of %d", round, n+1, len(failures)),
			&store.StepProgress{Current: n + 1, Total: len(failures), Label: "retests"})
	}

	emit(StageTwo, 100, enums.StageStatusCompleted,
		fmt.Sprintf("round %d: retested %d failed questions", round, len(failures)), nil)
	return nil
}

// classify maps the retest scores to a failure category: answering
// correctly once the reference content is at hand means the knowledge
// was missing, a correct answer with broken reasoning means the
// reasoning failed, and a wrong answer even with the content supplied
// means the capability itself is lacking.
func classify(answerScore, reasoningScore float64, params Params) string {
	switch {
	case answerScore >= params.AnswerThreshold && reasoningScore >= params.ReasoningThreshold:
		return CategoryKnowledgeDeficiency
	case answerScore >= params.AnswerThreshold:
		return CategoryReasoningError
	default:
		return CategoryCapabilityInsufficient
	}
}

func (p *Pipeline) askModel(ctx context.Context, q Question) (answer, reasoning string, err error) {
	prompt := fmt.Sprintf(`Answer the following question. Think through the problem and show your reasoning.

Question: %s

Return a JSON object:
{"answer": "your final answer", "reasoning": "your step-by-step reasoning"}`, q.Question)

	var resp struct {
		Answer    string `json:"answer"`
		Reasoning string `json:"reasoning"`
	}
	if err := p.testClient.CompleteJSON(ctx, llm.Request{Messages: []llm.Message{
		{Role: "user", Content: prompt},
	}}, &resp); err != nil {
		return "", "", err
	}
	if resp.Answer == "" {
		return "", "", fmt.Errorf("model returned empty answer")
	}
	return resp.Answer, resp.Reasoning, nil
}

// askModelWithReference re-asks a failed question with the reference
// content included in the prompt, unlike the stage 1 ask which gives the
// model only the question.
func (p *Pipeline) askModelWithReference(ctx context.Context, q Question) (answer, reasoning string, err error) {
	prompt := fmt.Sprintf(`Answer the following question using the reference content provided. Think through the problem and show your reasoning.

Question: %s

Reference content:
%s

Return a JSON object:
{"answer": "your final answer", "reasoning": "your step-by-step reasoning"}`, q.Question, q.Reference)

	var resp struct {
		Answer    string `json:"answer"`
		Reasoning string `json:"reasoning"`
	}
	if err := p.testClient.CompleteJSON(ctx, llm.Request{Messages: []llm.Message{
		{Role: "user", Content: prompt},
	}}, &resp); err != nil {
		return "", "", err
	}
	if resp.Answer == "" {
		return "", "", fmt.Errorf("model returned empty answer")
	}
	return resp.Answer, resp.Reasoning, nil
}

func (p *Pipeline) judge(ctx context.Context, q Question, answer, reasoning string) (answerScore, reasoningScore float64, err error) {
	prompt := fmt.Sprintf(`Score a model's answer against the reference answer.

Question: %s
Reference answer: %s
Model answer: %s
Model reasoning: %s

Scoring rules:
1. answer_score (0-100): correctness of the final answer against the reference.
2. reasoning_score (0-100): soundness of the reasoning that led to the answer.

Return a JSON object:
{"answer_score": n, "reasoning_score": n}`, q.Question, q.Reference, answer, reasoning)

	var resp struct {
		AnswerScore    float64 `json:"answer_score"`
		ReasoningScore float64 `json:"reasoning_score"`
	}
	if err := p.evalClient.CompleteJSON(ctx, llm.Request{Messages: []llm.Message{
		{Role: "system", Content: "You are a strict and consistent evaluation judge."},
		{Role: "user", Content: prompt},
	}}, &resp); err != nil {
		return 0, 0, err
	}
	if resp.AnswerScore < 0 || resp.AnswerScore > 100 || resp.ReasoningScore < 0 || resp.ReasoningScore > 100 {
		return 0, 0, fmt.Errorf("scores out of range [0-100]: answer=%v reasoning=%v",
			resp.AnswerScore, resp.ReasoningScore)
	}
	return resp.AnswerScore, resp.ReasoningScore, nil
}

func roundStats(round int, results []QuestionResult) RoundStats {
	stats := RoundStats{Round: round, Total: len(results)}
	for _, qr := range results {
		if qr.Correct {
			stats.Correct++
			continue
		}
		switch qr.Category {
		case CategoryKnowledgeDeficiency:
			stats.KnowledgeDeficiency++
		case CategoryReasoningError:
			stats.ReasoningErrors++
		default:
			// failures never retested against the content count as capability gaps
			stats.CapabilityInsufficient++
		}
	}
	if stats.Total > 0 {
		stats.AccuracyRate = 100 * float64(stats.Correct) / float64(stats.Total)
		stats.KnowledgeDeficiencyRate = 100 * float64(stats.KnowledgeDeficiency) / float64(stats.Total)
		stats.ReasoningErrorRate = 100 * float64(stats.ReasoningErrors) / float64(stats.Total)
		stats.CapabilityInsufficientRate = 100 * float64(stats.CapabilityInsufficient) / float64(stats.Total)
	}
	return stats
}

// aggregate averages round stats into the final rates and finds the
// metric with the lowest variance across rounds.
func aggregate(result *Result) {
	if len(result.RoundStats) == 0 {
		return
	}

	metrics := map[string][]float64{}
	for _, rs := range result.RoundStats {
		metrics["accuracy_rate"] = append(metrics["accuracy_rate"], rs.AccuracyRate)
		metrics["knowledge_deficiency_rate"] = append(metrics["knowledge_deficiency_rate"], rs.KnowledgeDeficiencyRate)
		metrics["reasoning_error_rate"] = append(metrics["reasoning_error_rate"], rs.ReasoningErrorRate)
		metrics["capability_insufficient_rate"] = append(metrics["capability_insufficient_rate"], rs.CapabilityInsufficientRate)
	}

	result.FinalAccuracyRate = mean(metrics["accuracy_rate"])
	result.FinalKnowledgeDeficiencyRate = mean(metrics["knowledge_deficiency_rate"])
	result.FinalReasoningErrorRate = mean(metrics["reasoning_error_rate"])
	result.FinalCapabilityInsufficientRate = mean(metrics["capability_insufficient_rate"])

	if len(result.RoundStats) > 1 {
		best, bestVar := "", -1.0
		for _, name := range []string{"accuracy_rate", "knowledge_deficiency_rate",
			"reasoning_error_rate", "capability_insufficient_rate"} {
			v := variance(metrics[name])
			if bestVar < 0 || v < bestVar {
				best, bestVar = name, v
			}
		}
		result.MostStableMetric = best
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func variance(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	sum := 0.0
	for _, v := range vals {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(vals))
}
