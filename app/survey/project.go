package survey

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProjectSpec is the user input for creating a survey project. Items
// selects capability items by name, empty means the whole framework.
type ProjectSpec struct {
	Name      string   `json:"name"`
	Company   string   `json:"company"`
	Scenario  string   `json:"scenario"`
	Functions []string `json:"functions"`
	Items     []string `json:"items,omitempty"`
}

// ProjectQuestion is a framework question expanded for a concrete project.
type ProjectQuestion struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Domain    string   `json:"domain,omitempty"`
	Subdomain string   `json:"subdomain,omitempty"`
	Item      string   `json:"item,omitempty"`
	Dimension string   `json:"dimension,omitempty"`
	Options   []string `json:"options"`
}

// Account is the auto-generated login handed out with a new project so
// respondents can be pointed at the questionnaire.
type Account struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Project is a concrete questionnaire built from the framework for one
// company scenario.
type Project struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Company   string            `json:"company"`
	Scenario  string            `json:"scenario"`
	Functions []string          `json:"functions"`
	Items     []string          `json:"items,omitempty"`
	Questions []ProjectQuestion `json:"questions"`
	Account   Account           `json:"account"`
	CreatedAt time.Time         `json:"created_at"`
}

// Response is one filled questionnaire. Answers map question ids to the
// selected option score in [1, 5].
type Response struct {
	Respondent string         `json:"respondent,omitempty"`
	Answers    map[string]int `json:"answers"`
}

// NewProject expands the framework into a project questionnaire.
// Questions scoped to a function module get one copy per function, the
// rest have their placeholders expanded in place.
func NewProject(id string, spec ProjectSpec, fw *Framework, now time.Time) (Project, error) {
	if spec.Name == "" {
		return Project{}, fmt.Errorf("project name is required")
	}
	if len(spec.Functions) == 0 {
		return Project{}, fmt.Errorf("at least one function is required")
	}

	placed, err := fw.QuestionsFor(spec.Items)
	if err != nil {
		return Project{}, err
	}

	project := Project{
		ID:        id,
		Name:      spec.Name,
		Company:   spec.Company,
		Scenario:  spec.Scenario,
		Functions: spec.Functions,
		Items:     spec.Items,
		Account:   newAccount(id, spec.Company),
		CreatedAt: now,
	}

	for _, pq := range placed {
		options := pq.Options
		if len(options) == 0 {
			options = LikertOptions
		}
		base := ProjectQuestion{
			ID:        pq.ID,
			Domain:    pq.Domain,
			Subdomain: pq.Subdomain,
			Item:      pq.Item,
			Dimension: pq.Dimension,
			Options:   options,
		}
		if !strings.Contains(pq.Text, "{function1}") && !strings.Contains(pq.Text, "{function}") {
			base.Text = ExpandPlaceholders(pq.Text, spec.Functions)
			project.Questions = append(project.Questions, base)
			continue
		}
		// one copy per function, the first keeps the original id
		for i, fn := range spec.Functions {
			q := base
			if i > 0 {
				q.ID = fmt.Sprintf("%s-f%d", pq.ID, i+1)
			}
			text := strings.ReplaceAll(pq.Text, "{function}", fn)
			text = strings.ReplaceAll(text, "{function1}", fn)
			q.Text = ExpandPlaceholders(text, spec.Functions)
			project.Questions = append(project.Questions, q)
		}
	}
	return project, nil
}

// newAccount derives a respondent login from the company name and the
// project id, with a random throwaway password.
func newAccount(id, company string) Account {
	prefix := []rune(company)
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	idPart := id
	if len(idPart) > 8 {
		idPart = idPart[:8]
	}
	return Account{
		Username: fmt.Sprintf("user_%s_%s", string(prefix), idPart),
		Password: uuid.NewString()[:12],
	}
}

// ExpandPlaceholders replaces {function} and {functionN} placeholders
// with the given function names. {function} maps to the first one,
// out-of-range indices keep the placeholder as-is.
func ExpandPlaceholders(text string, functions []string) string {
	if len(functions) == 0 {
		return text
	}
	text = strings.ReplaceAll(text, "{function}", functions[0])
	for i, fn := range functions {
		text = strings.ReplaceAll(text, "{function"+strconv.Itoa(i+1)+"}", fn)
	}
	return text
}

// WriteCSV writes the questionnaire artifact: one row per question with
// its place in the hierarchy and an empty answer column for collection.
func (p Project) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"domain", "subdomain", "item", "question_id", "question", "options", "answer"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, q := range p.Questions {
		row := []string{q.Domain, q.Subdomain, q.Item, q.ID, q.Text, strings.Join(q.Options, "|"), ""}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write question %s: %w", q.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ValidateResponse checks a response against the project questions:
// every answered question must exist and scores must be in [1, 5].
func (p Project) ValidateResponse(r Response) error {
	if len(r.Answers) == 0 {
		return fmt.Errorf("response has no answers")
	}
	known := map[string]bool{}
	for _, q := range p.Questions {
		known[q.ID] = true
	}
	for qid, score := range r.Answers {
		if !known[qid] {
			return fmt.Errorf("answer references unknown question %q", qid)
		}
		if score < 1 || score > 5 {
			return fmt.Errorf("answer for question %q out of range [1-5]: %d", qid, score)
		}
	}
	return nil
}
