package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type AnswerKind string

const (
	// AnswerManual means no reference answer exists; the question is graded by hand.
	AnswerManual                  AnswerKind = ""
	AnswerLiteral                 AnswerKind = "literal"
	AnswerAnySet                  AnswerKind = "any_set"
	AnswerPrimaryWithAlternatives AnswerKind = "primary_with_alternatives"
)

// CorrectAnswers is the reference answer of a question.
type CorrectAnswers struct {
	Kind         AnswerKind
	Literal      string
	AnyOf        []string
	Primary      *string
	Alternatives []string
}

func Literal(value string) CorrectAnswers {
	return CorrectAnswers{Kind: AnswerLiteral, Literal: value}
}

func AnySet(values ...string) CorrectAnswers {
	if values == nil {
		values = []string{}
	}
	return CorrectAnswers{Kind: AnswerAnySet, AnyOf: values}
}

func PrimaryWithAlternatives(primary string, alternatives ...string) CorrectAnswers {
	return CorrectAnswers{Kind: AnswerPrimaryWithAlternatives, Primary: &primary, Alternatives: alternatives}
}

func (c CorrectAnswers) IsManual() bool {
	return c.Kind == AnswerManual
}

type primaryWithAlternativesJSON struct {
	Answer       json.RawMessage   `json:"answer,omitempty"`
	Value        json.RawMessage   `json:"value,omitempty"`
	Alternatives []json.RawMessage `json:"alternatives,omitempty"`
}

func (c CorrectAnswers) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case AnswerLiteral:
		return json.Marshal(c.Literal)
	case AnswerAnySet:
		return json.Marshal(c.AnyOf)
	case AnswerPrimaryWithAlternatives:
		out := struct {
			Answer       *string  `json:"answer,omitempty"`
			Alternatives []string `json:"alternatives"`
		}{Answer: c.Primary, Alternatives: c.Alternatives}
		if out.Alternatives == nil {
			out.Alternatives = []string{}
		}
		return json.Marshal(out)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a scalar, an array of scalars, or {answer|value, alternatives}.
func (c *CorrectAnswers) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = CorrectAnswers{}
		return nil
	}

	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		values := make([]string, 0, len(raw))
		for _, item := range raw {
			v, ok, err := scalarString(item)
			if err != nil {
				return err
			}
			if ok {
				values = append(values, v)
			}
		}
		*c = AnySet(values...)
		return nil
	case '{':
		var obj primaryWithAlternativesJSON
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		out := CorrectAnswers{Kind: AnswerPrimaryWithAlternatives}
		// answer wins over value unless it is missing or null
		for _, candidate := range []json.RawMessage{obj.Answer, obj.Value} {
			v, ok, err := scalarString(candidate)
			if err != nil {
				return err
			}
			if ok {
				out.Primary = &v
				break
			}
		}
		for _, alt := range obj.Alternatives {
			v, ok, err := scalarString(alt)
			if err != nil {
				return err
			}
			if ok {
				out.Alternatives = append(out.Alternatives, v)
			}
		}
		*c = out
		return nil
	default:
		v, ok, err := scalarString(data)
		if err != nil {
			return err
		}
		if !ok {
			*c = CorrectAnswers{}
			return nil
		}
		*c = Literal(v)
		return nil
	}
}

// scalarString renders a JSON string, number or bool as text. ok is false for null or empty input.
func scalarString(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", false, err
		}
		return strconv.FormatBool(b), true, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false, fmt.Errorf("unsupported correct answer value %s: %w", string(raw), err)
		}
		return n.String(), true, nil
	}
}

func (c CorrectAnswers) Value() (driver.Value, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *CorrectAnswers) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*c = CorrectAnswers{}
		return nil
	case []byte:
		return c.UnmarshalJSON(v)
	case string:
		return c.UnmarshalJSON([]byte(v))
	default:
		return errors.New("unsupported correct_answers column type")
	}
}

// QuestionAnswerKey is the grading reference of one question.
type QuestionAnswerKey struct {
	ID             uint           `json:"id" gorm:"primaryKey"`
	ModuleID       string         `json:"module_id" gorm:"not null;type:uuid;uniqueIndex:idx_answer_key"`
	SubSectionID   string         `json:"sub_section_id" gorm:"not null;size:100;uniqueIndex:idx_answer_key" validate:"required"`
	QuestionRef    string         `json:"question_ref" gorm:"not null;size:100;uniqueIndex:idx_answer_key" validate:"required"`
	CorrectAnswers CorrectAnswers `json:"correct_answers" gorm:"type:jsonb"`
	Marks          float64        `json:"marks" gorm:"not null;default:1" validate:"min=0"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (QuestionAnswerKey) TableName() string {
	return "question_answer_keys"
}
