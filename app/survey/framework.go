// Package survey implements questionnaire-based capability scoring:
// a capability framework expands into per-project questionnaires, and
// collected responses aggregate into distributions and five capability
// ratings.
package survey

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rating dimension names
const (
	DimUserDemandMatching    = "user_demand_matching"
	DimAutomationImprovement = "automation_improvement"
	DimDecisionSupport       = "decision_support"
	DimCustomerLoyalty       = "customer_loyalty"
	DimTimeCostSaving        = "time_cost_saving"
)

// Dimensions lists all rating dimensions in display order.
var Dimensions = []string{
	DimUserDemandMatching,
	DimAutomationImprovement,
	DimDecisionSupport,
	DimCustomerLoyalty,
	DimTimeCostSaving,
}

// LikertOptions are the default five answer options, ordered from
// lowest (score 1) to highest (score 5).
var LikertOptions = []string{
	"Completely disagree",
	"Disagree",
	"Neutral",
	"Agree",
	"Completely agree",
}

// Question is one framework question. Text may contain {function} and
// {functionN} placeholders expanded at project creation. Dimension ties
// the question to one of the five capability ratings.
type Question struct {
	ID        string   `yaml:"id" json:"id"`
	Text      string   `yaml:"text" json:"text"`
	Dimension string   `yaml:"dimension,omitempty" json:"dimension,omitempty"`
	Options   []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Item groups questions under a capability item.
type Item struct {
	Name      string     `yaml:"name" json:"name"`
	Questions []Question `yaml:"questions" json:"questions"`
}

// Subdomain groups items under a capability subdomain.
type Subdomain struct {
	Name  string `yaml:"name" json:"name"`
	Items []Item `yaml:"items" json:"items"`
}

// Domain is a top-level capability area.
type Domain struct {
	Name       string      `yaml:"name" json:"name"`
	Subdomains []Subdomain `yaml:"subdomains" json:"subdomains"`
}

// Framework is the full capability question hierarchy.
type Framework struct {
	Name    string   `yaml:"name" json:"name"`
	Domains []Domain `yaml:"domains" json:"domains"`
}

// LoadFramework reads and validates a framework YAML file.
func LoadFramework(path string) (*Framework, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read framework file: %w", err)
	}
	fw := &Framework{}
	if err := yaml.Unmarshal(data, fw); err != nil {
		return nil, fmt.Errorf("failed to parse framework file: %w", err)
	}
	if err := fw.Validate(); err != nil {
		return nil, fmt.Errorf("framework validation failed: %w", err)
	}
	return fw, nil
}

// Validate checks question ids are present and unique and dimensions are known.
func (f *Framework) Validate() error {
	if len(f.Domains) == 0 {
		return fmt.Errorf("at least one domain is required")
	}

	dims := map[string]bool{}
	for _, d := range Dimensions {
		dims[d] = true
	}

	seen := map[string]bool{}
	for _, q := range f.AllQuestions() {
		if q.ID == "" {
			return fmt.Errorf("question %q: id is required", q.Text)
		}
		if seen[q.ID] {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
		if q.Text == "" {
			return fmt.Errorf("question %s: text is required", q.ID)
		}
		if q.Dimension != "" && !dims[q.Dimension] {
			return fmt.Errorf("question %s: unknown dimension %q", q.ID, q.Dimension)
		}
		if len(q.Options) != 0 && len(q.Options) != 5 {
			return fmt.Errorf("question %s: options must have exactly 5 entries", q.ID)
		}
	}
	if len(seen) == 0 {
		return fmt.Errorf("framework has no questions")
	}
	return nil
}

// AllQuestions flattens the hierarchy into a single ordered question list.
func (f *Framework) AllQuestions() []Question {
	questions := []Question{}
	for _, d := range f.Domains {
		for _, s := range d.Subdomains {
			for _, item := range s.Items {
				questions = append(questions, item.Questions...)
			}
		}
	}
	return questions
}

// PlacedQuestion is a framework question with its position in the hierarchy.
type PlacedQuestion struct {
	Domain    string
	Subdomain string
	Item      string
	Question
}

// ItemNames lists capability item names in framework order.
func (f *Framework) ItemNames() []string {
	names := []string{}
	for _, d := range f.Domains {
		for _, s := range d.Subdomains {
			for _, item := range s.Items {
				names = append(names, item.Name)
			}
		}
	}
	return names
}

// QuestionsFor flattens questions for the selected capability items,
// keeping hierarchy positions. An empty selection means all items, an
// unknown item name is an error.
func (f *Framework) QuestionsFor(items []string) ([]PlacedQuestion, error) {
	selected := map[string]bool{}
	for _, name := range items {
		selected[name] = true
	}

	matched := map[string]bool{}
	questions := []PlacedQuestion{}
	for _, d := range f.Domains {
		for _, s := range d.Subdomains {
			for _, item := range s.Items {
				if len(selected) > 0 && !selected[item.Name] {
					continue
				}
				matched[item.Name] = true
				for _, q := range item.Questions {
					questions = append(questions, PlacedQuestion{
						Domain: d.Name, Subdomain: s.Name, Item: item.Name, Question: q})
				}
			}
		}
	}
	for name := range selected {
		if !matched[name] {
			return nil, fmt.Errorf("unknown capability item %q", name)
		}
	}
	return questions, nil
}

// DefaultFramework returns the built-in capability framework used when
// no framework file is configured.
func DefaultFramework() *Framework {
	return &Framework{
		Name: "llm-capability-assessment",
		Domains: []Domain{
			{
				Name: "Functional Capability",
				Subdomains: []Subdomain{
					{
						Name: "Demand Understanding",
						Items: []Item{{
							Name: "Query handling",
							Questions: []Question{
								{ID: "fc-1", Text: "The system accurately understands basic queries about {function1}.", Dimension: DimUserDemandMatching},
								{ID: "fc-2", Text: "Information provided for {function1} is accurate.", Dimension: DimUserDemandMatching},
								{ID: "fc-3", Text: "Responses to {function1} requests are satisfying.", Dimension: DimUserDemandMatching},
							},
						}},
					},
					{
						Name: "Automation",
						Items: []Item{{
							Name: "Process automation",
							Questions: []Question{
								{ID: "au-1", Text: "The system automates routine steps of {function1} without manual intervention.", Dimension: DimAutomationImprovement},
								{ID: "au-2", Text: "Automated handling of {function1} reduces the manual workload.", Dimension: DimAutomationImprovement},
							},
						}},
					},
				},
			},
			{
				Name: "Business Impact",
				Subdomains: []Subdomain{
					{
						Name: "Decision and Retention",
						Items: []Item{{
							Name: "Decision support",
							Questions: []Question{
								{ID: "bi-1", Text: "The system provides useful input for decisions related to {function1}.", Dimension: DimDecisionSupport},
								{ID: "bi-2", Text: "Using the system increases willingness to keep using the service.", Dimension: DimCustomerLoyalty},
								{ID: "bi-3", Text: "The system saves time and cost on {function1}.", Dimension: DimTimeCostSaving},
							},
						}},
					},
				},
			},
		},
	}
}
