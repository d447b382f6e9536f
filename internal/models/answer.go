package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Response is a student response: either a single text value or a list of values.
type Response struct {
	Text   string
	Values []string
	IsList bool
}

func TextResponse(text string) Response {
	return Response{Text: text}
}

func ListResponse(values ...string) Response {
	if values == nil {
		values = []string{}
	}
	return Response{Values: values, IsList: true}
}

func (r Response) IsEmpty() bool {
	if r.IsList {
		return len(r.Values) == 0
	}
	return r.Text == ""
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.IsList {
		values := r.Values
		if values == nil {
			values = []string{}
		}
		return json.Marshal(values)
	}
	return json.Marshal(r.Text)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Response{}
		return nil
	}
	if data[0] == '[' {
		var values []string
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("response list must contain strings: %w", err)
		}
		*r = ListResponse(values...)
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("response must be a string or a list of strings: %w", err)
	}
	*r = TextResponse(text)
	return nil
}

// Value implements driver.Valuer so responses are stored as jsonb.
func (r Response) Value() (driver.Value, error) {
	b, err := r.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (r *Response) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*r = Response{}
		return nil
	case []byte:
		return r.UnmarshalJSON(v)
	case string:
		return r.UnmarshalJSON([]byte(v))
	default:
		return errors.New("unsupported response column type")
	}
}

// Answer is one cached answer keyed by (SubSectionID, QuestionRef).
type Answer struct {
	SubSectionID    string    `json:"sub_section_id"`
	QuestionRef     string    `json:"question_ref"`
	StudentResponse Response  `json:"student_response"`
	IsFlagged       bool      `json:"is_flagged"`
	Timestamp       time.Time `json:"timestamp"`
}

// AnswerUpsert is one row of an idempotent batch write, keyed by
// (AttemptModuleID, ReferenceID, QuestionRef).
type AnswerUpsert struct {
	AttemptModuleID string   `json:"attempt_module_id" validate:"required"`
	ReferenceID     string   `json:"reference_id" validate:"required"`
	QuestionRef     string   `json:"question_ref" validate:"required"`
	StudentResponse Response `json:"student_response"`
	IsFlagged       bool     `json:"is_flagged"`
}

// StudentAnswer is the remote row behind an answer.
type StudentAnswer struct {
	ID              uint     `json:"id" gorm:"primaryKey"`
	AttemptModuleID string   `json:"attempt_module_id" gorm:"not null;type:uuid;uniqueIndex:idx_student_answer_key"`
	ReferenceID     string   `json:"reference_id" gorm:"not null;size:100;uniqueIndex:idx_student_answer_key"`
	QuestionRef     string   `json:"question_ref" gorm:"not null;size:100;uniqueIndex:idx_student_answer_key"`
	StudentResponse Response `json:"student_response" gorm:"type:jsonb"`
	IsFlagged       bool     `json:"is_flagged" gorm:"default:false"`

	// Grading; nil while manual grading is pending
	IsCorrect    *bool    `json:"is_correct"`
	MarksAwarded *float64 `json:"marks_awarded"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StudentAnswer) TableName() string {
	return "student_answers"
}

func (sa *StudentAnswer) ToAnswer() Answer {
	return Answer{
		SubSectionID:    sa.ReferenceID,
		QuestionRef:     sa.QuestionRef,
		StudentResponse: sa.StudentResponse,
		IsFlagged:       sa.IsFlagged,
		Timestamp:       sa.UpdatedAt,
	}
}

// CacheKey is the local key of an answer. The concatenation is part of the
// persisted snapshot format and must not change.
func CacheKey(subSectionID, questionRef string) string {
	return subSectionID + "_" + questionRef
}

func (a Answer) Key() string {
	return CacheKey(a.SubSectionID, a.QuestionRef)
}
