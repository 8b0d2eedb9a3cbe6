// Package evaluation implements the two-stage model evaluation pipeline:
// stage 1 answers and judges every question, stage 2 re-asks the failed
// ones with the reference content supplied and classifies them into
// knowledge deficiency, reasoning error or capability insufficiency, and
// the result processor aggregates rates over rounds.
package evaluation

import (
	"time"

	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/web/enums"
)

// stage keys in pipeline order
const (
	StageInit   = "init"
	StageOne    = "stage1"
	StageTwo    = "stage2"
	StageResult = "result"
)

// StageRange maps a stage onto its slice of the overall percentage.
type StageRange struct {
	Start int
	End   int
}

// stageRanges allocates the overall progress bar between stages. Stage 1
// dominates because it touches every question, stage 2 only the failures.
var stageRanges = map[string]StageRange{
	StageInit:   {0, 5},
	StageOne:    {5, 65},
	StageTwo:    {65, 90},
	StageResult: {90, 100},
}

// stageOrder is the canonical display order of stages.
var stageOrder = []string{StageInit, StageOne, StageTwo, StageResult}

var stageLabels = map[string]string{
	StageInit:   "Initialization",
	StageOne:    "Stage 1: Answer Evaluation",
	StageTwo:    "Stage 2: Reference Retest",
	StageResult: "Result Aggregation",
}

// stagesFor returns the stage keys an evaluation type runs through.
func stagesFor(evalType string) []string {
	switch evalType {
	case EvalTypeStage1:
		return []string{StageInit, StageOne, StageResult}
	case EvalTypeStage2:
		return []string{StageInit, StageTwo, StageResult}
	}
	return stageOrder
}

// Tracker maintains per-stage progress entries and the derived overall
// percentage. Activating a stage forces all earlier stages to completed
// at 100%, so the per-stage view can never show an earlier stage behind
// a later one.
type Tracker struct {
	entries []store.StageEntry
	ranges  map[string]StageRange
	current int
	now     func() time.Time
}

// NewTracker creates a tracker for the given evaluation type with its
// stages pending. The canonical stage ranges of the included stages are
// stretched to cover the full 0-100 span.
func NewTracker(evalType string) *Tracker {
	keys := stagesFor(evalType)
	t := &Tracker{now: time.Now, ranges: map[string]StageRange{}}

	width := 0
	for _, key := range keys {
		width += stageRanges[key].End - stageRanges[key].Start
	}
	pos := 0
	for i, key := range keys {
		end := pos + (stageRanges[key].End-stageRanges[key].Start)*100/width
		if i == len(keys)-1 {
			end = 100
		}
		t.ranges[key] = StageRange{Start: pos, End: end}
		pos = end

		t.entries = append(t.entries, store.StageEntry{
			Key:    key,
			Label:  stageLabels[key],
			Status: enums.StageStatusPending,
		})
	}
	return t
}

func (t *Tracker) index(key string) int {
	for i, e := range t.entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

// Update sets the progress of one stage. Earlier stages are forced to
// 100% completed, the stage percentage itself only moves forward.
func (t *Tracker) Update(key string, percent int, status enums.StageStatus, message string) {
	idx := t.index(key)
	if idx < 0 {
		return
	}
	now := t.now()

	for i := 0; i < idx; i++ {
		if t.entries[i].Progress != 100 || t.entries[i].Status != enums.StageStatusCompleted {
			t.entries[i].Progress = 100
			t.entries[i].Status = enums.StageStatusCompleted
			t.entries[i].UpdatedAt = now
		}
	}

	entry := &t.entries[idx]
	if percent > entry.Progress {
		entry.Progress = percent
	}
	entry.Status = status
	entry.Message = message
	entry.UpdatedAt = now
	t.current = idx
}

// Fail marks the given stage failed without touching its progress.
func (t *Tracker) Fail(key, message string) {
	if idx := t.index(key); idx >= 0 {
		t.entries[idx].Status = enums.StageStatusFailed
		t.entries[idx].Message = message
		t.entries[idx].UpdatedAt = t.now()
		t.current = idx
	}
}

// Overall maps the current stage progress into the overall percentage
// using the stage ranges.
func (t *Tracker) Overall() int {
	entry := t.entries[t.current]
	r := t.ranges[entry.Key]
	return r.Start + (r.End-r.Start)*entry.Progress/100
}

// Entries returns a copy of the stage entries for storage.
func (t *Tracker) Entries() []store.StageEntry {
	out := make([]store.StageEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
