package services

import (
	"time"

	"github.com/SAP-F-2025/exam-session/internal/answercache"
	"github.com/SAP-F-2025/exam-session/internal/config"
	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/SAP-F-2025/exam-session/internal/timer"
)

// ===== OPTIONS =====

type SessionOptions struct {
	TickInterval     time.Duration
	SyncInterval     time.Duration
	WarningThreshold time.Duration
	SafetyThreshold  time.Duration
	AnswerDebounce   time.Duration

	LoadMaxAttempts int
	LoadBackoffBase time.Duration

	// ProctorWindow bounds the global deadline when the attempt has no window end.
	ProctorWindow time.Duration

	Clock func() time.Time
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		TickInterval:     timer.DefaultTickInterval,
		SyncInterval:     timer.DefaultSyncInterval,
		WarningThreshold: timer.DefaultWarningThreshold,
		SafetyThreshold:  timer.DefaultSafetyThreshold,
		AnswerDebounce:   answercache.DefaultDebounce,
		LoadMaxAttempts:  5,
		LoadBackoffBase:  300 * time.Millisecond,
		ProctorWindow:    4 * time.Hour,
		Clock:            time.Now,
	}
}

func SessionOptionsFromConfig(cfg config.SessionConfig) SessionOptions {
	opts := DefaultSessionOptions()
	opts.TickInterval = cfg.TimerTickInterval
	opts.SyncInterval = cfg.TimerSyncInterval
	opts.WarningThreshold = cfg.TimerWarningThreshold
	opts.SafetyThreshold = cfg.TimerSafetyThreshold
	opts.AnswerDebounce = cfg.AnswerSyncDebounce
	opts.LoadMaxAttempts = cfg.LoadMaxAttempts
	opts.LoadBackoffBase = cfg.LoadBackoffBase
	opts.ProctorWindow = cfg.ProctorWindow
	return opts
}

func (o SessionOptions) withDefaults() SessionOptions {
	def := DefaultSessionOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = def.SyncInterval
	}
	if o.WarningThreshold <= 0 {
		o.WarningThreshold = def.WarningThreshold
	}
	if o.SafetyThreshold <= 0 {
		o.SafetyThreshold = def.SafetyThreshold
	}
	if o.AnswerDebounce <= 0 {
		o.AnswerDebounce = def.AnswerDebounce
	}
	if o.LoadMaxAttempts <= 0 {
		o.LoadMaxAttempts = def.LoadMaxAttempts
	}
	if o.LoadBackoffBase <= 0 {
		o.LoadBackoffBase = def.LoadBackoffBase
	}
	if o.ProctorWindow <= 0 {
		o.ProctorWindow = def.ProctorWindow
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}

// ===== STATE =====

type ModuleSummary struct {
	ID              string            `json:"id"`
	Type            models.ModuleType `json:"type"`
	Heading         string            `json:"heading"`
	Instruction     string            `json:"instruction"`
	DurationSeconds int               `json:"duration_seconds"`
	QuestionCount   int               `json:"question_count"`
}

// SessionState is an immutable view of a session, handed to State callers and subscribers.
type SessionState struct {
	AttemptID        string                `json:"attempt_id"`
	Modules          []ModuleSummary       `json:"modules"`
	CurrentModuleID  string                `json:"current_module_id,omitempty"`
	CurrentModule    *models.Module        `json:"current_module,omitempty"`
	AttemptModule    *models.AttemptModule `json:"attempt_module,omitempty"`
	CurrentSectionID string                `json:"current_section_id,omitempty"`
	Answers          []models.Answer       `json:"answers"`
	TotalQuestions   int                   `json:"total_questions"`
	AnsweredCount    int                   `json:"answered_count"`
	FlaggedCount     int                   `json:"flagged_count"`
	Timer            *timer.Snapshot       `json:"timer,omitempty"`
	ReadOnly         bool                  `json:"read_only"`
	IsLoading        bool                  `json:"is_loading"`
	Submitting       bool                  `json:"submitting"`
	Sync             *answercache.Status   `json:"sync,omitempty"`
	LastSubmission   *SubmissionResult     `json:"last_submission,omitempty"`
}

// SubmissionResult is returned by SubmitModule.
type SubmissionResult struct {
	AttemptModuleID string              `json:"attempt_module_id"`
	ModuleID        string              `json:"module_id"`
	AutoSubmit      bool                `json:"auto_submit"`
	Score           *models.ModuleScore `json:"score"`
	NextModuleID    string              `json:"next_module_id,omitempty"`
	Message         string              `json:"message"`
	SubmittedAt     time.Time           `json:"submitted_at"`
}

const (
	MessageAutoSubmitted   = "Time is up. Your answers were submitted automatically."
	MessageManualSubmitted = "Module submitted successfully."
)

func submissionMessage(autoSubmit bool) string {
	if autoSubmit {
		return MessageAutoSubmitted
	}
	return MessageManualSubmitted
}

// NextModule returns the module after currentID in the fixed order
// listening, reading, writing, speaking, skipping types the attempt lacks.
// It returns nil after the last module.
func NextModule(modules []models.Module, currentID string) *models.Module {
	byType := make(map[models.ModuleType]*models.Module, len(modules))
	var current *models.Module
	for i := range modules {
		m := &modules[i]
		if _, ok := byType[m.Type]; !ok {
			byType[m.Type] = m
		}
		if m.ID == currentID {
			current = m
		}
	}
	if current == nil {
		return nil
	}

	passed := false
	for _, t := range models.ModuleOrder {
		if t == current.Type {
			passed = true
			continue
		}
		if !passed {
			continue
		}
		if m, ok := byType[t]; ok {
			return m
		}
	}
	return nil
}

// orderedModules sorts modules into the fixed module order, keeping unknown types last.
func orderedModules(modules []models.Module) []models.Module {
	out := make([]models.Module, 0, len(modules))
	for _, t := range models.ModuleOrder {
		for _, m := range modules {
			if m.Type == t {
				out = append(out, m)
			}
		}
	}
	for _, m := range modules {
		if !m.Type.IsValid() {
			out = append(out, m)
		}
	}
	return out
}
