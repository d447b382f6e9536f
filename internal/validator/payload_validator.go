package validator

import (
	"fmt"

	"github.com/SAP-F-2025/exam-session/internal/errors"
	"github.com/SAP-F-2025/exam-session/internal/models"
)

// PayloadValidator checks the structure rules tags cannot express: unique
// module types, and answer keys that do not collide once concatenated.
type PayloadValidator struct{}

// NewPayloadValidator creates a new payload validator
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{}
}

// ValidatePayload validates an attempt payload
func (v *PayloadValidator) ValidatePayload(p *models.AttemptPayload) ValidationErrors {
	var errs ValidationErrors

	if p.Attempt.ID == "" {
		errs = append(errs, *errors.NewValidationErrorWithRule("attempt.id", "is required", "required", nil))
	}

	seenTypes := make(map[models.ModuleType]string)
	for i, m := range p.Modules {
		field := fmt.Sprintf("modules[%d]", i)
		if other, ok := seenTypes[m.Type]; ok {
			errs = append(errs, *errors.NewValidationErrorWithRule(field+".type",
				fmt.Sprintf("duplicates the %s module %s", m.Type, other), "unique", m.Type))
		}
		seenTypes[m.Type] = m.ID

		errs = append(errs, v.ValidateModule(field, &m)...)
	}

	return errs
}

// ValidateModule checks that every (sub-section, question) pair of a module
// maps to a distinct cache key.
func (v *PayloadValidator) ValidateModule(field string, m *models.Module) ValidationErrors {
	var errs ValidationErrors

	keys := make(map[string]bool)
	sections := make(map[string]bool)
	for si, section := range m.Sections {
		if sections[section.ID] {
			errs = append(errs, *errors.NewValidationErrorWithRule(
				fmt.Sprintf("%s.sections[%d].id", field, si), "must be unique within the module", "unique", section.ID))
		}
		sections[section.ID] = true

		for _, sub := range section.SubSections {
			for _, q := range sub.Questions {
				key := models.CacheKey(sub.ID, q.Ref)
				if keys[key] {
					errs = append(errs, *errors.NewValidationErrorWithRule(
						fmt.Sprintf("%s.questions[%s]", field, key), "must address a single question", "unique", key))
				}
				keys[key] = true
			}
		}
	}

	return errs
}

// ValidateAnswerKeys validates answer keys before they are stored
func (v *PayloadValidator) ValidateAnswerKeys(keys []models.QuestionAnswerKey) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool)
	for i, k := range keys {
		field := fmt.Sprintf("keys[%d]", i)
		if k.ModuleID == "" {
			errs = append(errs, *errors.NewValidationErrorWithRule(field+".module_id", "is required", "required", nil))
		}
		if k.SubSectionID == "" || k.QuestionRef == "" {
			errs = append(errs, *errors.NewValidationErrorWithRule(field, "needs a sub-section id and a question ref", "required", nil))
			continue
		}
		if k.Marks < 0 {
			errs = append(errs, *errors.NewValidationErrorWithRule(field+".marks", "must be at least 0", "min", k.Marks))
		}
		if k.CorrectAnswers.Kind == models.AnswerAnySet && len(k.CorrectAnswers.AnyOf) == 0 {
			errs = append(errs, *errors.NewValidationErrorWithRule(field+".correct_answers", "must list at least one answer", "required", nil))
		}

		key := k.ModuleID + "/" + models.CacheKey(k.SubSectionID, k.QuestionRef)
		if seen[key] {
			errs = append(errs, *errors.NewValidationErrorWithRule(field, "duplicates an earlier key", "unique", key))
		}
		seen[key] = true
	}

	return errs
}
