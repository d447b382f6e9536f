// Package grading normalizes responses, checks them against reference answers
// and maps raw scores onto the band scale. Everything here is pure.
package grading

import (
	"math"
	"sort"
	"strings"

	"github.com/SAP-F-2025/exam-session/internal/models"
)

// Result is the outcome of grading one response. Both fields are nil when the
// question has no reference answer and must be graded by hand.
type Result struct {
	IsCorrect    *bool    `json:"is_correct"`
	MarksAwarded *float64 `json:"marks_awarded"`
}

func (r Result) IsManual() bool {
	return r.IsCorrect == nil
}

// Normalize trims, lowercases and collapses internal whitespace runs to one space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Validate grades a response against the reference answer of a question.
func Validate(response models.Response, correct models.CorrectAnswers, marks float64) Result {
	if correct.IsManual() {
		return Result{}
	}
	return graded(isCorrect(response, correct), marks)
}

func isCorrect(response models.Response, correct models.CorrectAnswers) bool {
	if response.IsList {
		// order-independent: only a list reference can match a list response
		if correct.Kind != models.AnswerAnySet {
			return false
		}
		return sameMultiset(response.Values, correct.AnyOf)
	}

	given := Normalize(response.Text)
	switch correct.Kind {
	case models.AnswerAnySet:
		for _, v := range correct.AnyOf {
			if given == Normalize(v) {
				return true
			}
		}
		return false
	case models.AnswerPrimaryWithAlternatives:
		if correct.Primary != nil && given == Normalize(*correct.Primary) {
			return true
		}
		for _, alt := range correct.Alternatives {
			if given == Normalize(alt) {
				return true
			}
		}
		return false
	default:
		return given == Normalize(correct.Literal)
	}
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	na := normalizedSorted(a)
	nb := normalizedSorted(b)
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

func normalizedSorted(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Normalize(v)
	}
	sort.Strings(out)
	return out
}

func graded(correct bool, marks float64) Result {
	awarded := 0.0
	if correct {
		awarded = marks
	}
	return Result{IsCorrect: &correct, MarksAwarded: &awarded}
}

// bandThresholds maps the minimum percentage to a band, highest first.
var bandThresholds = []struct {
	minPercent float64
	band       float64
}{
	{90, 9.0},
	{85, 8.5},
	{80, 8.0},
	{75, 7.5},
	{70, 7.0},
	{65, 6.5},
	{60, 6.0},
	{55, 5.5},
	{50, 5.0},
	{45, 4.5},
	{40, 4.0},
	{35, 3.5},
	{30, 3.0},
	{25, 2.5},
	{20, 2.0},
	{15, 1.5},
}

const minimumBand = 1.0

// BandScore maps score/maxScore onto the 1.0-9.0 half-step scale. Nil when maxScore is zero.
func BandScore(score, maxScore float64) *float64 {
	if maxScore == 0 {
		return nil
	}
	percentage := 100 * score / maxScore
	for _, t := range bandThresholds {
		if percentage >= t.minPercent {
			band := t.band
			return &band
		}
	}
	band := minimumBand
	return &band
}

// OverallBand averages the non-nil module bands and rounds to the nearest 0.5.
// Nil when no module has a band.
func OverallBand(bands []*float64) *float64 {
	sum := 0.0
	n := 0
	for _, b := range bands {
		if b == nil {
			continue
		}
		sum += *b
		n++
	}
	if n == 0 {
		return nil
	}
	overall := RoundHalf(sum / float64(n))
	return &overall
}

// RoundHalf rounds to the nearest 0.5, halves rounding up.
func RoundHalf(v float64) float64 {
	return math.Floor(v*2+0.5) / 2
}
