package qa

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"strings"
)

// ParsePairsCSV reads question-answer pairs from a CSV produced by a previous
// generation task. Requires question and answer columns, section is optional.
func ParsePairsCSV(r io.Reader) ([]QAPair, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	qIdx, aIdx, sIdx := -1, -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "question":
			qIdx = i
		case "answer":
			aIdx = i
		case "section":
			sIdx = i
		}
	}
	if qIdx < 0 || aIdx < 0 {
		return nil, fmt.Errorf("csv header must contain question and answer columns")
	}

	var pairs []QAPair
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv record: %w", err)
		}
		if qIdx >= len(rec) || aIdx >= len(rec) {
			continue
		}
		pair := QAPair{Question: strings.TrimSpace(rec[qIdx]), Answer: strings.TrimSpace(rec[aIdx])}
		if pair.Question == "" || pair.Answer == "" {
			continue
		}
		if sIdx >= 0 && sIdx < len(rec) {
			pair.Section = strings.TrimSpace(rec[sIdx])
		}
		pairs = append(pairs, pair)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no usable pairs found in csv")
	}
	return pairs, nil
}

// EvaluateExisting scores previously generated pairs without regenerating them.
// SamplePercent limits evaluation to a random subset, unsampled pairs are dropped
// from the result.
func (p *Pipeline) EvaluateExisting(ctx context.Context, name string, pairs []QAPair, params Params, report ProgressFunc) (Result, error) {
	params.SetDefaults()
	if report == nil {
		report = func(Progress) {}
	}
	if len(pairs) == 0 {
		return Result{}, fmt.Errorf("no pairs to evaluate in %s", name)
	}

	sampled := samplePairs(pairs, params.SamplePercent)
	result := Result{SourceFile: name, Params: params}
	for _, pair := range sampled {
		result.Pairs = append(result.Pairs, EvaluatedPair{QAPair: pair})
	}

	report(Progress{Stage: "qa_evaluation", Percent: pctGenerateDone,
		Message: fmt.Sprintf("evaluating %d of %d pairs", len(sampled), len(pairs))})

	if err := p.evaluatePairs(ctx, &result, params, report); err != nil {
		return result, err
	}

	report(Progress{Stage: "complete", Percent: pctComplete,
		Message: fmt.Sprintf("evaluated %d pairs, %d passed", len(result.Pairs), result.PassedPairs)})
	return result, nil
}

// samplePairs picks a random subset sized by percent, at least one pair.
func samplePairs(pairs []QAPair, percent int) []QAPair {
	if percent <= 0 || percent >= 100 {
		return pairs
	}
	n := len(pairs) * percent / 100
	if n < 1 {
		n = 1
	}
	idx := rand.Perm(len(pairs))[:n] //nolint:gosec // sampling, not crypto
	res := make([]QAPair, 0, n)
	for _, i := range idx {
		res = append(res, pairs[i])
	}
	return res
}
