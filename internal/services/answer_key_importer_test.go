package services

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func answerKeySheet(t *testing.T, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue("Sheet1", cell, v))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func TestAnswerKeyImporter_Excel(t *testing.T) {
	store := newMemoryStore(testPayload())
	importer := NewAnswerKeyImporter(store, nil, nil)

	sheet := answerKeySheet(t, [][]interface{}{
		{"sub_section_id", "question_ref", "answer", "alternatives", "marks", "any_of"},
		{"sub1", "q1", "Paris", "", 1, ""},
		{"sub1", "q2", "colour", "color|colours", 2, ""},
		{"sub1", "q3", "a|b", "c", "", "true"},
		{"sub2", "q4", "", "", "", ""},
	})

	summary, err := importer.ImportFile(context.Background(), "mod-reading", sheet, "keys.xlsx")
	require.NoError(t, err)

	assert.Equal(t, 4, summary.TotalRows)
	assert.Equal(t, 4, summary.SuccessCount)
	assert.Equal(t, 1, summary.ManualCount)
	assert.Zero(t, summary.ErrorCount)

	keys, err := store.FetchAnswerKeys(context.Background(), "mod-reading")
	require.NoError(t, err)
	require.Len(t, keys, 4)

	assert.Equal(t, models.Literal("Paris"), keys[0].CorrectAnswers)
	assert.Equal(t, models.PrimaryWithAlternatives("colour", "color", "colours"), keys[1].CorrectAnswers)
	assert.Equal(t, 2.0, keys[1].Marks)
	assert.Equal(t, models.AnySet("a", "b", "c"), keys[2].CorrectAnswers)
	assert.Equal(t, 1.0, keys[2].Marks)
	assert.True(t, keys[3].CorrectAnswers.IsManual())
}

func TestAnswerKeyImporter_CSVRowErrors(t *testing.T) {
	store := newMemoryStore(testPayload())
	importer := NewAnswerKeyImporter(store, nil, nil)

	csv := strings.Join([]string{
		"sub_section_id,question_ref,answer,marks",
		"sub1,q1,paris,1",
		",q2,london,1",
		"sub1,q3,rome,lots",
		"",
	}, "\n")

	summary, err := importer.ImportFile(context.Background(), "mod-reading", strings.NewReader(csv), "keys.csv")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 2, summary.ErrorCount)
	require.Len(t, summary.Errors, 2)
	assert.Equal(t, 3, summary.Errors[0].Row)
	assert.Equal(t, "sub_section_id", summary.Errors[0].Column)
	assert.Equal(t, "marks", summary.Errors[1].Column)
}

func TestAnswerKeyImporter_RejectsMissingColumns(t *testing.T) {
	importer := NewAnswerKeyImporter(newMemoryStore(testPayload()), nil, nil)

	_, err := importer.ImportCSV(context.Background(), "mod-reading", strings.NewReader("answer,marks\nparis,1\n"))
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestAnswerKeyImporter_RejectsDuplicateKeys(t *testing.T) {
	store := newMemoryStore(testPayload())
	importer := NewAnswerKeyImporter(store, nil, nil)

	csv := "sub_section_id,question_ref,answer\nsub1,q1,paris\nsub1,q1,rome\n"
	_, err := importer.ImportCSV(context.Background(), "mod-reading", strings.NewReader(csv))
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	keys, _ := store.FetchAnswerKeys(context.Background(), "mod-reading")
	assert.Empty(t, keys)
}

func TestAnswerKeyImporter_UnsupportedFormat(t *testing.T) {
	importer := NewAnswerKeyImporter(newMemoryStore(testPayload()), nil, nil)
	_, err := importer.ImportFile(context.Background(), "mod-reading", strings.NewReader(""), "keys.pdf")
	assert.True(t, IsValidation(err))
}

func TestAnswerKeyImporter_ExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(testPayload())
	_, err := store.UpsertAnswerKeys(ctx, []models.QuestionAnswerKey{
		{ModuleID: "mod-reading", SubSectionID: "sub1", QuestionRef: "q1", CorrectAnswers: models.AnySet("a", "b"), Marks: 1},
		{ModuleID: "mod-reading", SubSectionID: "sub1", QuestionRef: "q2", CorrectAnswers: models.PrimaryWithAlternatives("x", "y"), Marks: 2},
	})
	require.NoError(t, err)

	importer := NewAnswerKeyImporter(store, nil, nil)
	data, err := importer.ExportExcel(ctx, "mod-reading")
	require.NoError(t, err)

	other := newMemoryStore(testPayload())
	summary, err := NewAnswerKeyImporter(other, nil, nil).ImportExcel(ctx, "mod-reading", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SuccessCount)

	keys, err := other.FetchAnswerKeys(ctx, "mod-reading")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, models.AnySet("a", "b"), keys[0].CorrectAnswers)
	assert.Equal(t, models.PrimaryWithAlternatives("x", "y"), keys[1].CorrectAnswers)
	assert.Equal(t, 2.0, keys[1].Marks)
}
