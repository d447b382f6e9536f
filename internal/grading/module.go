package grading

import (
	"github.com/SAP-F-2025/exam-session/internal/models"
)

type QuestionOutcome struct {
	SubSectionID string  `json:"sub_section_id"`
	QuestionRef  string  `json:"question_ref"`
	Answered     bool    `json:"answered"`
	Marks        float64 `json:"marks"`
	Result
}

type ModuleGrade struct {
	ModuleType    models.ModuleType `json:"module_type"`
	AutoGraded    bool              `json:"auto_graded"`
	TotalScore    float64           `json:"total_score"`
	MaxScore      float64           `json:"max_score"`
	BandScore     *float64          `json:"band_score"`
	PendingManual int               `json:"pending_manual"`
	Outcomes      []QuestionOutcome `json:"outcomes"`
}

// GradeModule grades every keyed question of a module. responses is keyed by
// models.CacheKey. Questions without a reference answer are left for manual
// grading and do not count towards MaxScore; unanswered keyed questions count
// with zero marks. Non-objective module types are never auto-graded.
func GradeModule(moduleType models.ModuleType, keys []models.QuestionAnswerKey, responses map[string]models.Response) ModuleGrade {
	grade := ModuleGrade{
		ModuleType: moduleType,
		AutoGraded: moduleType.IsObjective(),
		Outcomes:   make([]QuestionOutcome, 0, len(keys)),
	}

	for _, key := range keys {
		response, answered := responses[models.CacheKey(key.SubSectionID, key.QuestionRef)]
		outcome := QuestionOutcome{
			SubSectionID: key.SubSectionID,
			QuestionRef:  key.QuestionRef,
			Answered:     answered && !response.IsEmpty(),
			Marks:        key.Marks,
		}

		if !grade.AutoGraded {
			grade.PendingManual++
			grade.Outcomes = append(grade.Outcomes, outcome)
			continue
		}

		outcome.Result = Validate(response, key.CorrectAnswers, key.Marks)
		if outcome.IsManual() {
			grade.PendingManual++
		} else {
			grade.MaxScore += key.Marks
			grade.TotalScore += *outcome.MarksAwarded
		}
		grade.Outcomes = append(grade.Outcomes, outcome)
	}

	if grade.AutoGraded {
		grade.BandScore = BandScore(grade.TotalScore, grade.MaxScore)
	}
	return grade
}

// Score converts the grade into the shape stored on the attempt module.
// Totals stay nil for modules that are not auto-graded.
func (g ModuleGrade) Score() models.ModuleScore {
	score := models.ModuleScore{PendingManual: g.PendingManual}
	if !g.AutoGraded {
		return score
	}
	total := g.TotalScore
	maxScore := g.MaxScore
	score.TotalScore = &total
	score.MaxScore = &maxScore
	score.BandScore = g.BandScore
	return score
}
