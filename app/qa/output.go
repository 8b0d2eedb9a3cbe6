package qa

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// WriteOutputs saves the result as CSV and JSON files in the given
// directory and records the paths in result.OutputFiles.
func WriteOutputs(result *Result, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	base := result.SourceFile
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}

	csvPath := filepath.Join(dir, base+"_qa_pairs.csv")
	if err := writeCSV(result, csvPath); err != nil {
		return err
	}
	jsonPath := filepath.Join(dir, base+"_qa_result.json")
	if err := writeJSON(result, jsonPath); err != nil {
		return err
	}

	result.OutputFiles = map[string]string{"csv": csvPath, "json": jsonPath}
	return nil
}

func writeCSV(result *Result, path string) error {
	f, err := os.Create(path) //nolint:gosec // path built from task output dir
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}

	w := csv.NewWriter(f)
	header := []string{"section", "question", "answer", "factual_score", "completeness_score", "overall_score", "passed"}
	rows := [][]string{header}
	for _, pair := range result.Pairs {
		row := []string{pair.Section, pair.Question, pair.Answer, "", "", "", strconv.FormatBool(pair.Passed)}
		if pair.Score != nil {
			row[3] = strconv.FormatFloat(pair.Score.FactualScore, 'f', 1, 64)
			row[4] = strconv.FormatFloat(pair.Score.CompletenessScore, 'f', 1, 64)
			row[5] = strconv.FormatFloat(pair.Score.OverallScore, 'f', 1, 64)
		}
		rows = append(rows, row)
	}

	if err := w.WriteAll(rows); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			return fmt.Errorf("failed to write csv: %w (also failed to close file: %v)", err, closeErr)
		}
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return f.Close()
}

func writeJSON(result *Result, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write json result: %w", err)
	}
	return nil
}
