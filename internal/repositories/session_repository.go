package repositories

import (
	"context"
	"errors"

	"github.com/SAP-F-2025/exam-session/internal/models"
)

var (
	// ErrNotFound is returned when the attempt, module or attempt module does not exist.
	ErrNotFound = errors.New("record not found")

	ErrAttemptModuleCompleted = errors.New("attempt module is already completed")
	ErrInvalidTransition      = errors.New("invalid attempt module status transition")
)

// SessionStore is the remote, authoritative side of an exam session.
type SessionStore interface {
	// FetchAttemptPayload is the single bulk read a session starts from.
	FetchAttemptPayload(ctx context.Context, attemptID string) (*models.AttemptPayload, error)

	// EnsureAttemptModule gets or creates the attempt module row. A new row is
	// pending with the module's full duration remaining.
	EnsureAttemptModule(ctx context.Context, attemptID, moduleID string) (*models.AttemptModule, error)
	UpdateAttemptModule(ctx context.Context, attemptModuleID string, update models.AttemptModuleUpdate) (*models.AttemptModule, error)

	// Answer operations
	UpsertAnswers(ctx context.Context, answers []models.AnswerUpsert) (int, error)
	FetchAnswers(ctx context.Context, attemptModuleID string) ([]models.Answer, error)

	// GradeModule scores the stored answers of an attempt module. Call it once per submission.
	GradeModule(ctx context.Context, attemptModuleID string) (*models.ModuleScore, error)

	// Answer key operations
	FetchAnswerKeys(ctx context.Context, moduleID string) ([]models.QuestionAnswerKey, error)
	UpsertAnswerKeys(ctx context.Context, keys []models.QuestionAnswerKey) (int, error)
}
