package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/grading"
	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/SAP-F-2025/exam-session/internal/repositories"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionPostgreSQL struct {
	db *gorm.DB
}

func NewSessionPostgreSQL(db *gorm.DB) *SessionPostgreSQL {
	return &SessionPostgreSQL{db: db}
}

// Migrate creates or updates the tables the session store uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Paper{},
		&models.Module{},
		&models.Attempt{},
		&models.AttemptModule{},
		&models.StudentAnswer{},
		&models.QuestionAnswerKey{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repositories.ErrNotFound
	}
	return err
}

// FetchAttemptPayload loads the attempt, its paper and the paper's modules.
func (s *SessionPostgreSQL) FetchAttemptPayload(ctx context.Context, attemptID string) (*models.AttemptPayload, error) {
	var payload models.AttemptPayload
	db := s.db.WithContext(ctx)

	if err := db.First(&payload.Attempt, "id = ?", attemptID).Error; err != nil {
		return nil, fmt.Errorf("failed to load attempt %s: %w", attemptID, notFound(err))
	}
	if err := db.First(&payload.Paper, "id = ?", payload.Attempt.PaperID).Error; err != nil {
		return nil, fmt.Errorf("failed to load paper %s: %w", payload.Attempt.PaperID, notFound(err))
	}
	if err := db.Where("paper_id = ?", payload.Paper.ID).
		Order("created_at ASC").
		Find(&payload.Modules).Error; err != nil {
		return nil, fmt.Errorf("failed to load modules: %w", err)
	}

	return &payload, nil
}

// EnsureAttemptModule is an idempotent get-or-create keyed by (attempt_id, module_id).
func (s *SessionPostgreSQL) EnsureAttemptModule(ctx context.Context, attemptID, moduleID string) (*models.AttemptModule, error) {
	var am models.AttemptModule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("attempt_id = ? AND module_id = ?", attemptID, moduleID).First(&am).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load attempt module: %w", err)
		}

		var attempt models.Attempt
		if err := tx.First(&attempt, "id = ?", attemptID).Error; err != nil {
			return fmt.Errorf("failed to load attempt %s: %w", attemptID, notFound(err))
		}
		var module models.Module
		if err := tx.First(&module, "id = ? AND paper_id = ?", moduleID, attempt.PaperID).Error; err != nil {
			return fmt.Errorf("failed to load module %s: %w", moduleID, notFound(err))
		}

		created := models.AttemptModule{
			ID:                   uuid.NewString(),
			AttemptID:            attemptID,
			ModuleID:             moduleID,
			Status:               models.AttemptModulePending,
			TimeRemainingSeconds: module.DurationSeconds,
		}
		// a concurrent create wins; read back whichever row exists
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "module_id"}},
			DoNothing: true,
		}).Create(&created).Error; err != nil {
			return fmt.Errorf("failed to create attempt module: %w", err)
		}

		return tx.Where("attempt_id = ? AND module_id = ?", attemptID, moduleID).First(&am).Error
	})
	if err != nil {
		return nil, err
	}
	return &am, nil
}

// UpdateAttemptModule applies a partial update under a row lock. Status moves
// forward only, time remaining never grows while in progress, and a completed
// row is frozen. Completing a module recomputes the attempt's overall band in
// the same transaction.
func (s *SessionPostgreSQL) UpdateAttemptModule(ctx context.Context, attemptModuleID string, update models.AttemptModuleUpdate) (*models.AttemptModule, error) {
	var am models.AttemptModule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&am, "id = ?", attemptModuleID).Error; err != nil {
			return fmt.Errorf("failed to load attempt module %s: %w", attemptModuleID, notFound(err))
		}

		if am.IsCompleted() {
			return repositories.ErrAttemptModuleCompleted
		}
		if update.Status != nil && *update.Status != am.Status && !am.Status.CanTransitionTo(*update.Status) {
			return fmt.Errorf("%w: %s -> %s", repositories.ErrInvalidTransition, am.Status, *update.Status)
		}
		if update.TimeRemainingSeconds != nil && am.Status == models.AttemptModuleInProgress &&
			*update.TimeRemainingSeconds > am.TimeRemainingSeconds {
			update.TimeRemainingSeconds = nil
		}

		cols := update.Columns()
		if len(cols) == 0 {
			return nil
		}
		if err := tx.Model(&models.AttemptModule{}).Where("id = ?", am.ID).Updates(cols).Error; err != nil {
			return fmt.Errorf("failed to update attempt module: %w", err)
		}
		update.Apply(&am)

		if am.IsCompleted() {
			if err := s.refreshOverallBand(tx, am.AttemptID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &am, nil
}

// refreshOverallBand sets the attempt's overall band from its completed modules
// and stamps completed_at once every module of the paper is completed.
func (s *SessionPostgreSQL) refreshOverallBand(tx *gorm.DB, attemptID string) error {
	var attempt models.Attempt
	if err := tx.First(&attempt, "id = ?", attemptID).Error; err != nil {
		return fmt.Errorf("failed to load attempt %s: %w", attemptID, notFound(err))
	}

	var completed []models.AttemptModule
	if err := tx.Where("attempt_id = ? AND status = ?", attemptID, models.AttemptModuleCompleted).
		Find(&completed).Error; err != nil {
		return fmt.Errorf("failed to load completed modules: %w", err)
	}
	bands := make([]*float64, 0, len(completed))
	for _, m := range completed {
		bands = append(bands, m.BandScore)
	}

	var moduleCount int64
	if err := tx.Model(&models.Module{}).Where("paper_id = ?", attempt.PaperID).Count(&moduleCount).Error; err != nil {
		return fmt.Errorf("failed to count modules: %w", err)
	}

	cols := map[string]interface{}{"overall_band_score": grading.OverallBand(bands)}
	if int64(len(completed)) >= moduleCount && attempt.CompletedAt == nil {
		cols["completed_at"] = time.Now()
	}
	if err := tx.Model(&models.Attempt{}).Where("id = ?", attemptID).Updates(cols).Error; err != nil {
		return fmt.Errorf("failed to update overall band: %w", err)
	}
	return nil
}

// UpsertAnswers writes a batch keyed by (attempt_module_id, reference_id, question_ref).
func (s *SessionPostgreSQL) UpsertAnswers(ctx context.Context, answers []models.AnswerUpsert) (int, error) {
	if len(answers) == 0 {
		return 0, nil
	}

	rows := make([]models.StudentAnswer, 0, len(answers))
	for _, a := range answers {
		rows = append(rows, models.StudentAnswer{
			AttemptModuleID: a.AttemptModuleID,
			ReferenceID:     a.ReferenceID,
			QuestionRef:     a.QuestionRef,
			StudentResponse: a.StudentResponse,
			IsFlagged:       a.IsFlagged,
		})
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "attempt_module_id"},
			{Name: "reference_id"},
			{Name: "question_ref"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"student_response", "is_flagged", "updated_at"}),
	}).Create(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to upsert answers: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (s *SessionPostgreSQL) FetchAnswers(ctx context.Context, attemptModuleID string) ([]models.Answer, error) {
	var rows []models.StudentAnswer
	if err := s.db.WithContext(ctx).
		Where("attempt_module_id = ?", attemptModuleID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch answers: %w", err)
	}

	answers := make([]models.Answer, 0, len(rows))
	for i := range rows {
		answers = append(answers, rows[i].ToAnswer())
	}
	return answers, nil
}

// GradeModule scores the stored answers against the module's answer keys and
// records per-answer correctness. The attempt module itself is not changed.
func (s *SessionPostgreSQL) GradeModule(ctx context.Context, attemptModuleID string) (*models.ModuleScore, error) {
	var score models.ModuleScore
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var am models.AttemptModule
		if err := tx.First(&am, "id = ?", attemptModuleID).Error; err != nil {
			return fmt.Errorf("failed to load attempt module %s: %w", attemptModuleID, notFound(err))
		}
		var module models.Module
		if err := tx.First(&module, "id = ?", am.ModuleID).Error; err != nil {
			return fmt.Errorf("failed to load module %s: %w", am.ModuleID, notFound(err))
		}

		var keys []models.QuestionAnswerKey
		if err := tx.Where("module_id = ?", module.ID).
			Order("sub_section_id ASC, question_ref ASC").
			Find(&keys).Error; err != nil {
			return fmt.Errorf("failed to load answer keys: %w", err)
		}
		var answers []models.StudentAnswer
		if err := tx.Where("attempt_module_id = ?", attemptModuleID).Find(&answers).Error; err != nil {
			return fmt.Errorf("failed to load answers: %w", err)
		}

		responses := make(map[string]models.Response, len(answers))
		for _, a := range answers {
			responses[models.CacheKey(a.ReferenceID, a.QuestionRef)] = a.StudentResponse
		}

		grade := grading.GradeModule(module.Type, keys, responses)
		for _, outcome := range grade.Outcomes {
			if !outcome.Answered {
				continue
			}
			if err := tx.Model(&models.StudentAnswer{}).
				Where("attempt_module_id = ? AND reference_id = ? AND question_ref = ?",
					attemptModuleID, outcome.SubSectionID, outcome.QuestionRef).
				Updates(map[string]interface{}{
					"is_correct":    outcome.IsCorrect,
					"marks_awarded": outcome.MarksAwarded,
				}).Error; err != nil {
				return fmt.Errorf("failed to record grading result: %w", err)
			}
		}

		score = grade.Score()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &score, nil
}

func (s *SessionPostgreSQL) FetchAnswerKeys(ctx context.Context, moduleID string) ([]models.QuestionAnswerKey, error) {
	var keys []models.QuestionAnswerKey
	if err := s.db.WithContext(ctx).
		Where("module_id = ?", moduleID).
		Order("sub_section_id ASC, question_ref ASC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch answer keys: %w", err)
	}
	return keys, nil
}

// UpsertAnswerKeys writes keys by (module_id, sub_section_id, question_ref).
func (s *SessionPostgreSQL) UpsertAnswerKeys(ctx context.Context, keys []models.QuestionAnswerKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "module_id"},
			{Name: "sub_section_id"},
			{Name: "question_ref"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"correct_answers", "marks", "updated_at"}),
	}).Create(&keys)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to upsert answer keys: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

var _ repositories.SessionStore = (*SessionPostgreSQL)(nil)
