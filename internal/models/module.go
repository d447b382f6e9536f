package models

import (
	"time"

	"gorm.io/datatypes"
)

type ModuleType string

const (
	ModuleListening ModuleType = "listening"
	ModuleReading   ModuleType = "reading"
	ModuleWriting   ModuleType = "writing"
	ModuleSpeaking  ModuleType = "speaking"
)

// ModuleOrder is the fixed order in which modules of an attempt are taken.
var ModuleOrder = []ModuleType{ModuleListening, ModuleReading, ModuleWriting, ModuleSpeaking}

// IsObjective reports whether answers of this module type are graded automatically.
func (t ModuleType) IsObjective() bool {
	return t == ModuleListening || t == ModuleReading
}

func (t ModuleType) IsValid() bool {
	for _, mt := range ModuleOrder {
		if mt == t {
			return true
		}
	}
	return false
}

type Module struct {
	ID              string                       `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	PaperID         string                       `json:"paper_id" gorm:"not null;index;type:uuid"`
	Type            ModuleType                   `json:"type" gorm:"not null;size:20" validate:"required,module_type"`
	Heading         string                       `json:"heading" gorm:"size:200"`
	Instruction     string                       `json:"instruction" gorm:"type:text"`
	DurationSeconds int                          `json:"duration_seconds" gorm:"not null;default:3600" validate:"min=0"`
	Sections        datatypes.JSONSlice[Section] `json:"sections" gorm:"type:jsonb" validate:"dive"`
	CreatedAt       time.Time                    `json:"created_at"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

type Section struct {
	ID          string       `json:"id" validate:"required"`
	Heading     string       `json:"heading,omitempty"`
	Instruction string       `json:"instruction,omitempty"`
	SubSections []SubSection `json:"sub_sections" validate:"dive"`
}

type SubSection struct {
	ID        string     `json:"id" validate:"required"`
	Heading   string     `json:"heading,omitempty"`
	Questions []Question `json:"questions" validate:"dive"`
}

// Question only carries what the session needs to route and count answers;
// rendering content lives with the content service.
type Question struct {
	Ref   string  `json:"ref" validate:"required"`
	Marks float64 `json:"marks,omitempty"`
}

// QuestionCount counts the questions of every sub-section of the module.
func (m *Module) QuestionCount() int {
	total := 0
	for _, section := range m.Sections {
		for _, sub := range section.SubSections {
			total += len(sub.Questions)
		}
	}
	return total
}

// HasQuestion reports whether (subSectionID, questionRef) addresses a question of the module.
func (m *Module) HasQuestion(subSectionID, questionRef string) bool {
	for _, section := range m.Sections {
		for _, sub := range section.SubSections {
			if sub.ID != subSectionID {
				continue
			}
			for _, q := range sub.Questions {
				if q.Ref == questionRef {
					return true
				}
			}
		}
	}
	return false
}

func (m *Module) HasSection(sectionID string) bool {
	for _, section := range m.Sections {
		if section.ID == sectionID {
			return true
		}
	}
	return false
}

func (Module) TableName() string {
	return "modules"
}

// AttemptPayload is the bulk read the session starts from.
type AttemptPayload struct {
	Attempt Attempt  `json:"attempt"`
	Paper   Paper    `json:"paper"`
	Modules []Module `json:"modules" validate:"dive"`
}

// IsComplete reports whether the payload carries at least one module with at least one section.
// Cached copies that fail this check are discarded.
func (p *AttemptPayload) IsComplete() bool {
	if p == nil {
		return false
	}
	for _, m := range p.Modules {
		if len(m.Sections) > 0 {
			return true
		}
	}
	return false
}

type Paper struct {
	ID        string    `json:"id" gorm:"primaryKey;type:uuid"`
	Title     string    `json:"title" gorm:"not null;size:200"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Paper) TableName() string {
	return "papers"
}
