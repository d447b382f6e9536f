package models

import (
	"time"
)

type AttemptModuleStatus string

const (
	AttemptModulePending    AttemptModuleStatus = "pending"
	AttemptModuleInProgress AttemptModuleStatus = "in_progress"
	AttemptModuleCompleted  AttemptModuleStatus = "completed"
)

// CanTransitionTo enforces pending -> in_progress -> completed with no regression.
func (s AttemptModuleStatus) CanTransitionTo(next AttemptModuleStatus) bool {
	switch s {
	case AttemptModulePending:
		return next == AttemptModuleInProgress
	case AttemptModuleInProgress:
		return next == AttemptModuleCompleted
	default:
		return false
	}
}

type Attempt struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	PaperID     string `json:"paper_id" gorm:"not null;index;type:uuid"`
	CandidateID string `json:"candidate_id" gorm:"not null;index;size:255"`

	// Proctoring window. WindowEndsAt is the global deadline layered under every module timer.
	WindowStartsAt *time.Time `json:"window_starts_at"`
	WindowEndsAt   *time.Time `json:"window_ends_at"`

	OverallBandScore *float64   `json:"overall_band_score"`
	CompletedAt      *time.Time `json:"completed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Attempt) TableName() string {
	return "attempts"
}

type AttemptModule struct {
	ID        string              `json:"id" gorm:"primaryKey;type:uuid"`
	AttemptID string              `json:"attempt_id" gorm:"not null;type:uuid;uniqueIndex:idx_attempt_module"`
	ModuleID  string              `json:"module_id" gorm:"not null;type:uuid;uniqueIndex:idx_attempt_module"`
	Status    AttemptModuleStatus `json:"status" gorm:"not null;default:pending;size:20;index"`

	// Timing, in seconds
	StartedAt            *time.Time `json:"started_at"`
	TimeRemainingSeconds int        `json:"time_remaining_seconds"`
	TimeSpentSeconds     int        `json:"time_spent_seconds"`
	CompletedAt          *time.Time `json:"completed_at"`

	// Scoring
	ScoreObtained *float64 `json:"score_obtained"`
	MaxScore      *float64 `json:"max_score"`
	BandScore     *float64 `json:"band_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AttemptModule) TableName() string {
	return "attempt_modules"
}

// Deadline is started_at + time_remaining_seconds. Zero when the module never started.
func (am *AttemptModule) Deadline() time.Time {
	if am.StartedAt == nil {
		return time.Time{}
	}
	return am.StartedAt.Add(time.Duration(am.TimeRemainingSeconds) * time.Second)
}

func (am *AttemptModule) IsCompleted() bool {
	return am.Status == AttemptModuleCompleted
}

// AttemptModuleUpdate is a partial update; nil fields are left untouched.
type AttemptModuleUpdate struct {
	Status               *AttemptModuleStatus `json:"status,omitempty"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	TimeRemainingSeconds *int                 `json:"time_remaining_seconds,omitempty"`
	TimeSpentSeconds     *int                 `json:"time_spent_seconds,omitempty"`
	ScoreObtained        *float64             `json:"score_obtained,omitempty"`
	MaxScore             *float64             `json:"max_score,omitempty"`
	BandScore            *float64             `json:"band_score,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
}

// Columns renders the update as a gorm column map.
func (u AttemptModuleUpdate) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.StartedAt != nil {
		cols["started_at"] = *u.StartedAt
	}
	if u.TimeRemainingSeconds != nil {
		cols["time_remaining_seconds"] = *u.TimeRemainingSeconds
	}
	if u.TimeSpentSeconds != nil {
		cols["time_spent_seconds"] = *u.TimeSpentSeconds
	}
	if u.ScoreObtained != nil {
		cols["score_obtained"] = *u.ScoreObtained
	}
	if u.MaxScore != nil {
		cols["max_score"] = *u.MaxScore
	}
	if u.BandScore != nil {
		cols["band_score"] = *u.BandScore
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	return cols
}

// Apply copies the non-nil fields onto am.
func (u AttemptModuleUpdate) Apply(am *AttemptModule) {
	if u.Status != nil {
		am.Status = *u.Status
	}
	if u.StartedAt != nil {
		am.StartedAt = u.StartedAt
	}
	if u.TimeRemainingSeconds != nil {
		am.TimeRemainingSeconds = *u.TimeRemainingSeconds
	}
	if u.TimeSpentSeconds != nil {
		am.TimeSpentSeconds = *u.TimeSpentSeconds
	}
	if u.ScoreObtained != nil {
		am.ScoreObtained = u.ScoreObtained
	}
	if u.MaxScore != nil {
		am.MaxScore = u.MaxScore
	}
	if u.BandScore != nil {
		am.BandScore = u.BandScore
	}
	if u.CompletedAt != nil {
		am.CompletedAt = u.CompletedAt
	}
}

// ModuleScore is what grading returns for one attempt module.
type ModuleScore struct {
	TotalScore    *float64 `json:"total_score"`
	MaxScore      *float64 `json:"max_score"`
	BandScore     *float64 `json:"band_score"`
	PendingManual int      `json:"pending_manual"`
}
