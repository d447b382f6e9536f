package validator

import (
	"testing"

	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func module(id string, moduleType models.ModuleType, sections ...models.Section) models.Module {
	return models.Module{ID: id, Type: moduleType, Sections: datatypes.JSONSlice[models.Section](sections)}
}

func section(id, subID string, refs ...string) models.Section {
	var questions []models.Question
	for _, ref := range refs {
		questions = append(questions, models.Question{Ref: ref})
	}
	return models.Section{ID: id, SubSections: []models.SubSection{{ID: subID, Questions: questions}}}
}

func validPayload() *models.AttemptPayload {
	return &models.AttemptPayload{
		Attempt: models.Attempt{ID: "att-1"},
		Modules: []models.Module{
			module("mod-l", models.ModuleListening, section("l1", "lsub", "q1", "q2")),
			module("mod-r", models.ModuleReading, section("r1", "rsub", "q1")),
		},
	}
}

func TestValidatePayload_Valid(t *testing.T) {
	assert.NoError(t, New().ValidatePayload(validPayload()))
}

func TestValidatePayload_UnknownModuleType(t *testing.T) {
	p := validPayload()
	p.Modules[0].Type = "maths"

	err := New().ValidatePayload(p)
	require.Error(t, err)

	errs, ok := err.(ValidationErrors)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "module_type", errs[0].Rule)
	assert.Equal(t, "type", errs[0].Field)
}

func TestValidatePayload_DuplicateModuleType(t *testing.T) {
	p := validPayload()
	p.Modules[1].Type = models.ModuleListening

	err := New().ValidatePayload(p)
	require.Error(t, err)
	errs := err.(ValidationErrors)
	assert.Equal(t, "modules[1].type", errs[0].Field)
	assert.Equal(t, "unique", errs[0].Rule)
}

func TestValidateModule_KeyCollision(t *testing.T) {
	// "a_b" + "c" and "a" + "b_c" share the cache key "a_b_c"
	m := module("mod-r", models.ModuleReading,
		section("s1", "a_b", "c"),
		section("s2", "a", "b_c"))

	errs := NewPayloadValidator().ValidateModule("modules[0]", &m)
	require.Len(t, errs, 1)
	assert.Equal(t, "a_b_c", errs[0].Value)
}

func TestValidateModule_DuplicateSection(t *testing.T) {
	m := module("mod-r", models.ModuleReading,
		section("s1", "sub1", "q1"),
		section("s1", "sub2", "q1"))

	errs := NewPayloadValidator().ValidateModule("modules[0]", &m)
	require.Len(t, errs, 1)
	assert.Equal(t, "modules[0].sections[1].id", errs[0].Field)
}

func TestValidateAnswerKeys(t *testing.T) {
	keys := []models.QuestionAnswerKey{
		{ModuleID: "mod-r", SubSectionID: "sub1", QuestionRef: "q1", CorrectAnswers: models.Literal("a"), Marks: 1},
		{ModuleID: "mod-r", SubSectionID: "sub1", QuestionRef: "q2", Marks: 1},
	}
	assert.Empty(t, NewPayloadValidator().ValidateAnswerKeys(keys))

	keys = append(keys,
		models.QuestionAnswerKey{ModuleID: "mod-r", SubSectionID: "sub1", QuestionRef: "q1", Marks: 1},
		models.QuestionAnswerKey{ModuleID: "mod-r", SubSectionID: "sub1", QuestionRef: "q3", Marks: -1},
		models.QuestionAnswerKey{ModuleID: "mod-r", SubSectionID: "sub1", QuestionRef: "q4", CorrectAnswers: models.AnySet()},
		models.QuestionAnswerKey{ModuleID: "mod-r", QuestionRef: "q5"},
	)
	errs := NewPayloadValidator().ValidateAnswerKeys(keys)
	require.Len(t, errs, 4)
	assert.Equal(t, "unique", errs[0].Rule)
	assert.Equal(t, "min", errs[1].Rule)
	assert.Equal(t, "keys[4].correct_answers", errs[2].Field)
	assert.Equal(t, "keys[5]", errs[3].Field)
}

func TestModuleStatusTag(t *testing.T) {
	type statusRequest struct {
		Status string `json:"status" validate:"required,module_status"`
	}
	v := New()

	assert.NoError(t, v.Validate(statusRequest{Status: "in_progress"}))

	err := v.Validate(statusRequest{Status: "paused"})
	require.Error(t, err)
	errs := err.(ValidationErrors)
	assert.Equal(t, "status", errs[0].Field)
}
