package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/go-pkgz/lgr"

	"github.com/modeleval/modeleval/app/evaluation"
	"github.com/modeleval/modeleval/app/llm"
	"github.com/modeleval/modeleval/app/qa"
	"github.com/modeleval/modeleval/app/store"
)

// Completer is the LLM call used by pipelines.
type Completer interface {
	CompleteJSON(ctx context.Context, req llm.Request, out any) error
}

// ClientMaker builds a completer for a named model, empty name resolves to the default.
type ClientMaker func(name string) (Completer, error)

// QAExecutor turns uploaded documents into evaluated question-answer pairs.
type QAExecutor struct {
	Client    ClientMaker
	UploadDir string
	OutputDir string
}

// Execute processes every source file of the task through the QA pipeline.
// Overall progress spreads file pipelines evenly over 0-100.
func (e *QAExecutor) Execute(ctx context.Context, task store.Task, report func(store.ProgressUpdate)) (json.RawMessage, string, error) {
	if len(task.SourceFiles) == 0 {
		return nil, "", fmt.Errorf("no source files in task %s", task.ID)
	}

	client, err := e.Client(task.Model)
	if err != nil {
		return nil, "", fmt.Errorf("can't make client for model %q: %w", task.Model, err)
	}

	var params qa.Params
	if err = decodeParams(task.Params, &params); err != nil {
		return nil, "", fmt.Errorf("bad task params: %w", err)
	}

	mode, _ := task.Params["mode"].(string)

	total := len(task.SourceFiles)
	results := make([]qa.Result, 0, total)
	pairs, passed := 0, 0

	pipeline := qa.NewPipeline(client)
	for i, name := range task.SourceFiles {
		path := filepath.Join(e.UploadDir, filepath.Base(name)) // nolint gosec // name sanitized on upload
		fp := &store.FileProgress{Current: i + 1, Total: total, Name: name}
		progressFn := func(p qa.Progress) {
			report(store.ProgressUpdate{
				Progress: (i*100 + p.Percent) / total,
				Stage:    p.Stage,
				Message:  p.Message,
				Files:    fp,
				Steps:    p.Step,
			})
		}

		var res qa.Result
		var perr error
		if mode == "evaluate" {
			// score pairs from a previous generation task's CSV
			f, oerr := os.Open(path)
			if oerr != nil {
				return nil, "", fmt.Errorf("can't read source file %s: %w", name, oerr)
			}
			existing, cerr := qa.ParsePairsCSV(f)
			_ = f.Close()
			if cerr != nil {
				return nil, "", fmt.Errorf("can't parse pairs from %s: %w", name, cerr)
			}
			res, perr = pipeline.EvaluateExisting(ctx, name, existing, params, progressFn)
		} else {
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil, "", fmt.Errorf("can't read source file %s: %w", name, rerr)
			}
			res, perr = pipeline.Process(ctx, qa.Document{Name: name, Content: string(data)}, params, progressFn)
		}
		if perr != nil {
			return nil, "", fmt.Errorf("failed to process %s: %w", name, perr)
		}

		if e.OutputDir != "" {
			if werr := qa.WriteOutputs(&res, e.OutputDir); werr != nil {
				log.Printf("[WARN] failed to write outputs for %s, %v", name, werr)
			}
		}
		pairs += len(res.Pairs)
		passed += res.PassedPairs
		results = append(results, res)
	}

	data, err := json.Marshal(results)
	if err != nil {
		return nil, "", fmt.Errorf("can't marshal result: %w", err)
	}
	message := fmt.Sprintf("generated %d pairs from %d files, %d passed evaluation", pairs, total, passed)
	return data, message, nil
}

// EvalExecutor runs the two-stage model evaluation over a questions file.
type EvalExecutor struct {
	Client    ClientMaker // model under test
	Judge     ClientMaker // judge model, empty name resolves to evaluation default
	UploadDir string
}

// Execute evaluates the task's model against every questions file of the task.
// Overall progress spreads file pipelines evenly over 0-100, like the QA executor.
func (e *EvalExecutor) Execute(ctx context.Context, task store.Task, report func(store.ProgressUpdate)) (json.RawMessage, string, error) {
	if len(task.SourceFiles) == 0 {
		return nil, "", fmt.Errorf("no questions file in task %s", task.ID)
	}

	var params evaluation.Params
	if err := decodeParams(task.Params, &params); err != nil {
		return nil, "", fmt.Errorf("bad task params: %w", err)
	}

	testClient, err := e.Client(task.Model)
	if err != nil {
		return nil, "", fmt.Errorf("can't make client for model %q: %w", task.Model, err)
	}
	judgeName, _ := task.Params["judge_model"].(string)
	judgeClient, err := e.Judge(judgeName)
	if err != nil {
		return nil, "", fmt.Errorf("can't make judge client for model %q: %w", judgeName, err)
	}

	total := len(task.SourceFiles)
	results := make([]evaluation.Result, 0, total)
	questionCount := 0
	accuracySum := 0.0

	pipeline := evaluation.NewPipeline(testClient, judgeClient, task.Model)
	for i, name := range task.SourceFiles {
		path := filepath.Join(e.UploadDir, filepath.Base(name)) // nolint gosec // name sanitized on upload
		f, oerr := os.Open(path)
		if oerr != nil {
			return nil, "", fmt.Errorf("can't open questions file %s: %w", name, oerr)
		}
		questions, cerr := evaluation.ParseQuestionsCSV(f)
		_ = f.Close()
		if cerr != nil {
			return nil, "", fmt.Errorf("can't parse questions from %s: %w", name, cerr)
		}

		fp := &store.FileProgress{Current: i + 1, Total: total, Name: name}
		res, perr := pipeline.Run(ctx, questions, params, func(p evaluation.Progress) {
			report(store.ProgressUpdate{
				Progress: (i*100 + p.Overall) / total,
				Stage:    p.StageKey,
				Message:  p.Message,
				Files:    fp,
				Stages:   p.Stages,
				Steps:    p.Step,
			})
		})
		if perr != nil {
			return nil, "", fmt.Errorf("evaluation of %s failed: %w", name, perr)
		}

		res.SourceFile = name
		questionCount += len(questions)
		accuracySum += res.FinalAccuracyRate
		results = append(results, res)
	}

	data, err := json.Marshal(results)
	if err != nil {
		return nil, "", fmt.Errorf("can't marshal result: %w", err)
	}
	message := fmt.Sprintf("accuracy %.1f%% over %d rounds, %d questions from %d files",
		accuracySum/float64(total), results[0].Rounds, questionCount, total)
	return data, message, nil
}

// decodeParams converts the loosely typed task params into a pipeline params struct.
func decodeParams(src map[string]any, dst any) error {
	if len(src) == 0 {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
