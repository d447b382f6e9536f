package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/SAP-F-2025/exam-session/internal/repositories"
	"github.com/SAP-F-2025/exam-session/internal/validator"
	"github.com/xuri/excelize/v2"
)

// AnswerKeyImporter loads grading references from spreadsheets. Columns:
// sub_section_id, question_ref, answer, alternatives ("|" separated), marks
// and any_of. A row without answer and alternatives is graded manually.
type AnswerKeyImporter struct {
	store     repositories.SessionStore
	logger    *slog.Logger
	validator *validator.Validator
}

func NewAnswerKeyImporter(store repositories.SessionStore, logger *slog.Logger, v *validator.Validator) *AnswerKeyImporter {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = validator.New()
	}
	return &AnswerKeyImporter{
		store:     store,
		logger:    logger,
		validator: v,
	}
}

var answerKeyColumns = []string{"sub_section_id", "question_ref", "answer", "alternatives", "marks", "any_of"}

const alternativesSeparator = "|"

// ImportFile picks the parser from the file extension.
func (s *AnswerKeyImporter) ImportFile(ctx context.Context, moduleID string, reader io.Reader, filename string) (*models.ImportSummary, error) {
	s.logger.Info("Starting answer key import", "module_id", moduleID, "filename", filename)

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".csv":
		return s.ImportCSV(ctx, moduleID, reader)
	case ".xlsx":
		return s.ImportExcel(ctx, moduleID, reader)
	default:
		return nil, NewValidationError("file", "unsupported file format", ext)
	}
}

func (s *AnswerKeyImporter) ImportCSV(ctx context.Context, moduleID string, reader io.Reader) (*models.ImportSummary, error) {
	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	return s.importRows(ctx, moduleID, records)
}

func (s *AnswerKeyImporter) ImportExcel(ctx context.Context, moduleID string, reader io.Reader) (*models.ImportSummary, error) {
	f, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, NewValidationError("file", "Excel file has no sheets", nil)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read Excel rows: %w", err)
	}
	return s.importRows(ctx, moduleID, rows)
}

func (s *AnswerKeyImporter) importRows(ctx context.Context, moduleID string, rows [][]string) (*models.ImportSummary, error) {
	start := time.Now()
	if moduleID == "" {
		return nil, NewValidationError("module_id", "is required", moduleID)
	}
	if len(rows) < 2 {
		return nil, NewValidationError("file", "sheet must have header row and at least one data row", len(rows))
	}

	headerMap := make(map[string]int)
	for i, header := range rows[0] {
		headerMap[strings.ToLower(strings.TrimSpace(header))] = i
	}
	for _, col := range []string{"sub_section_id", "question_ref"} {
		if _, exists := headerMap[col]; !exists {
			return nil, NewValidationError("headers", fmt.Sprintf("missing required column: %s", col), col)
		}
	}

	summary := &models.ImportSummary{
		ModuleID:  moduleID,
		TotalRows: len(rows) - 1,
	}

	var keys []models.QuestionAnswerKey
	for rowIndex, row := range rows[1:] {
		summary.ProcessedRows++
		key, rowErrors := parseAnswerKeyRow(moduleID, row, headerMap, rowIndex+2)
		if len(rowErrors) > 0 {
			summary.Errors = append(summary.Errors, rowErrors...)
			summary.ErrorCount++
			continue
		}
		if key == nil {
			// blank row
			continue
		}
		if key.CorrectAnswers.IsManual() {
			summary.ManualCount++
		}
		keys = append(keys, *key)
	}

	if errs := s.validator.Payload().ValidateAnswerKeys(keys); len(errs) > 0 {
		return nil, errs
	}

	if len(keys) > 0 {
		saved, err := s.store.UpsertAnswerKeys(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to save answer keys: %w", err)
		}
		summary.SuccessCount = saved
	}
	summary.ProcessingTime = time.Since(start)

	s.logger.Info("Answer key import completed",
		"module_id", moduleID,
		"total_rows", summary.TotalRows,
		"success_count", summary.SuccessCount,
		"manual_count", summary.ManualCount,
		"error_count", summary.ErrorCount)

	return summary, nil
}

func parseAnswerKeyRow(moduleID string, row []string, headerMap map[string]int, rowNum int) (*models.QuestionAnswerKey, []models.ImportValidationError) {
	cell := func(col string) string {
		i, ok := headerMap[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	blank := true
	for _, col := range answerKeyColumns {
		if cell(col) != "" {
			blank = false
			break
		}
	}
	if blank {
		return nil, nil
	}

	var errors []models.ImportValidationError
	key := &models.QuestionAnswerKey{
		ModuleID:     moduleID,
		SubSectionID: cell("sub_section_id"),
		QuestionRef:  cell("question_ref"),
		Marks:        1,
	}
	if key.SubSectionID == "" {
		errors = append(errors, models.ImportValidationError{
			Row: rowNum, Column: "sub_section_id", Message: "sub_section_id is required", Code: "REQUIRED",
		})
	}
	if key.QuestionRef == "" {
		errors = append(errors, models.ImportValidationError{
			Row: rowNum, Column: "question_ref", Message: "question_ref is required", Code: "REQUIRED",
		})
	}

	if raw := cell("marks"); raw != "" {
		marks, err := strconv.ParseFloat(raw, 64)
		if err != nil || marks < 0 {
			errors = append(errors, models.ImportValidationError{
				Row: rowNum, Column: "marks", Message: "marks must be a non-negative number", Value: raw, Code: "INVALID_NUMBER",
			})
		} else {
			key.Marks = marks
		}
	}

	anyOf := false
	if raw := cell("any_of"); raw != "" {
		v, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			errors = append(errors, models.ImportValidationError{
				Row: rowNum, Column: "any_of", Message: "any_of must be true or false", Value: raw, Code: "INVALID_BOOL",
			})
		}
		anyOf = v
	}

	if len(errors) > 0 {
		return nil, errors
	}
	key.CorrectAnswers = correctAnswersFromCells(cell("answer"), splitAlternatives(cell("alternatives")), anyOf)
	return key, nil
}

func correctAnswersFromCells(answer string, alternatives []string, anyOf bool) models.CorrectAnswers {
	switch {
	case anyOf:
		values := append(splitAlternatives(answer), alternatives...)
		return models.AnySet(values...)
	case answer == "" && len(alternatives) == 0:
		return models.CorrectAnswers{}
	case len(alternatives) > 0:
		return models.PrimaryWithAlternatives(answer, alternatives...)
	default:
		return models.Literal(answer)
	}
}

func splitAlternatives(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, alternativesSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ===== EXPORT =====

// ExportExcel writes the answer keys of a module in the import layout.
func (s *AnswerKeyImporter) ExportExcel(ctx context.Context, moduleID string) ([]byte, error) {
	keys, err := s.store.FetchAnswerKeys(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch answer keys: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	sheetName := "AnswerKeys"

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}

	for i, header := range answerKeyColumns {
		cellName, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cellName, header)
	}

	for r, key := range keys {
		answer, alternatives, anyOf := answerKeyCells(key.CorrectAnswers)
		values := []interface{}{key.SubSectionID, key.QuestionRef, answer, alternatives, key.Marks, anyOf}
		for c, v := range values {
			cellName, _ := excelize.CoordinatesToCellName(c+1, r+2)
			f.SetCellValue(sheetName, cellName, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write Excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func answerKeyCells(c models.CorrectAnswers) (answer, alternatives string, anyOf bool) {
	switch c.Kind {
	case models.AnswerLiteral:
		return c.Literal, "", false
	case models.AnswerAnySet:
		return strings.Join(c.AnyOf, alternativesSeparator), "", true
	case models.AnswerPrimaryWithAlternatives:
		if c.Primary != nil {
			answer = *c.Primary
		}
		return answer, strings.Join(c.Alternatives, alternativesSeparator), false
	default:
		return "", "", false
	}
}
