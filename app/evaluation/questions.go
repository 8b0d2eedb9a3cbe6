package evaluation

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Question is a single evaluation item with its reference answer.
type Question struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Reference string `json:"reference"`
}

// ParseQuestionsCSV reads questions from a CSV stream. The header must
// contain question and answer columns, extra columns are ignored. This
// accepts the QA pipeline output files directly.
func ParseQuestionsCSV(r io.Reader) ([]Question, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	qIdx, aIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "question":
			qIdx = i
		case "answer", "reference", "reference_answer":
			if aIdx < 0 {
				aIdx = i
			}
		}
	}
	if qIdx < 0 || aIdx < 0 {
		return nil, fmt.Errorf("csv must have question and answer columns, got %v", header)
	}

	questions := []Question{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}
		if qIdx >= len(record) || aIdx >= len(record) {
			continue
		}
		question := strings.TrimSpace(record[qIdx])
		answer := strings.TrimSpace(record[aIdx])
		if question == "" || answer == "" {
			continue
		}
		questions = append(questions, Question{
			ID:        "q" + strconv.Itoa(len(questions)+1),
			Question:  question,
			Reference: answer,
		})
	}

	if len(questions) == 0 {
		return nil, fmt.Errorf("no usable questions found in csv")
	}
	return questions, nil
}
