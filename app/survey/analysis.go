package survey

import (
	"fmt"
	"math"
)

// QuestionStats is the answer distribution of one question.
type QuestionStats struct {
	QuestionID   string         `json:"question_id"`
	Text         string         `json:"text"`
	Dimension    string         `json:"dimension,omitempty"`
	Counts       map[string]int `json:"answer_distribution"` // option label -> count
	Responses    int            `json:"responses"`
	Expectation  float64        `json:"expectation"` // mean score in [1, 5]
}

// Rating is one of the five capability ratings.
type Rating struct {
	Score       int                `json:"score"` // 1-5, 0 when not computable
	Description string             `json:"description"`
	Details     map[string]float64 `json:"details,omitempty"` // question id -> expectation
}

// Analysis is the aggregated outcome of all responses to a project.
type Analysis struct {
	ProjectID      string            `json:"project_id"`
	TotalResponses int               `json:"total_responses"`
	Questions      []QuestionStats   `json:"questions"`
	Ratings        map[string]Rating `json:"ratings"`
}

// levelDescriptions characterize the 1-5 capability levels.
var levelDescriptions = map[int]string{
	1: "Recognizes basic needs, but accuracy and relevance are low",
	2: "Handles moderately complex needs with some accuracy and relevance",
	3: "Accurately handles complex needs, output is highly relevant and correct",
	4: "Beyond accurate handling, provides personalized suggestions and solutions",
	5: "Excellent capability, adapts to changing needs in real time with optimal results",
}

// Analyze aggregates responses into per-question distributions and the
// five capability ratings. Each rating is the minimum of the floored
// mean scores over the dimension's questions; a dimension without any
// answered question gets score 0.
func Analyze(p Project, responses []Response) (Analysis, error) {
	if len(responses) == 0 {
		return Analysis{}, fmt.Errorf("no responses to analyze")
	}

	analysis := Analysis{
		ProjectID:      p.ID,
		TotalResponses: len(responses),
		Ratings:        map[string]Rating{},
	}

	dimExpectations := map[string]map[string]float64{} // dimension -> question id -> expectation
	for _, q := range p.Questions {
		stats := QuestionStats{
			QuestionID: q.ID,
			Text:       q.Text,
			Dimension:  q.Dimension,
			Counts:     map[string]int{},
		}

		total := 0
		for _, r := range responses {
			score, ok := r.Answers[q.ID]
			if !ok || score < 1 || score > 5 {
				continue
			}
			stats.Counts[q.Options[score-1]]++
			total += score
			stats.Responses++
		}
		if stats.Responses > 0 {
			stats.Expectation = float64(total) / float64(stats.Responses)
			if q.Dimension != "" {
				if dimExpectations[q.Dimension] == nil {
					dimExpectations[q.Dimension] = map[string]float64{}
				}
				dimExpectations[q.Dimension][q.ID] = stats.Expectation
			}
		}
		analysis.Questions = append(analysis.Questions, stats)
	}

	for _, dim := range Dimensions {
		expectations := dimExpectations[dim]
		if len(expectations) == 0 {
			analysis.Ratings[dim] = Rating{Description: "not enough data"}
			continue
		}
		score := 5
		for _, e := range expectations {
			if s := int(math.Floor(e)); s < score {
				score = s
			}
		}
		if score < 1 {
			score = 1
		}
		analysis.Ratings[dim] = Rating{
			Score:       score,
			Description: levelDescriptions[score],
			Details:     expectations,
		}
	}

	return analysis, nil
}
