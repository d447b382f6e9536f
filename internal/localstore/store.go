// Package localstore keeps per-attempt session state on the local machine so a
// restart or crash can resume where the candidate left off.
package localstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/models"
)

var ErrNotFound = errors.New("local record not found")

// Snapshot is the durable copy of an attempt's in-progress answers.
type Snapshot struct {
	AttemptModuleID string          `json:"attemptModuleId"`
	Answers         []models.Answer `json:"answers"`
}

// Store is keyed by attempt id. Load methods return ErrNotFound when nothing is stored.
type Store interface {
	SaveSnapshot(ctx context.Context, attemptID string, snap Snapshot) error
	LoadSnapshot(ctx context.Context, attemptID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, attemptID string) error

	SaveWatermark(ctx context.Context, attemptID string, watermark time.Time) error
	LoadWatermark(ctx context.Context, attemptID string) (time.Time, error)
	DeleteWatermark(ctx context.Context, attemptID string) error

	SavePayload(ctx context.Context, attemptID string, payload *models.AttemptPayload) error
	LoadPayload(ctx context.Context, attemptID string) (*models.AttemptPayload, error)
	DeletePayload(ctx context.Context, attemptID string) error

	Close() error
}

// MemoryStore is a process-local Store, used by tests and by kiosks that do not
// need to survive a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	snapshots  map[string]Snapshot
	watermarks map[string]time.Time
	payloads   map[string]models.AttemptPayload
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:  make(map[string]Snapshot),
		watermarks: make(map[string]time.Time),
		payloads:   make(map[string]models.AttemptPayload),
	}
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, attemptID string, snap Snapshot) error {
	answers := make([]models.Answer, len(snap.Answers))
	copy(answers, snap.Answers)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[attemptID] = Snapshot{AttemptModuleID: snap.AttemptModuleID, Answers: answers}
	return nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, attemptID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[attemptID]
	if !ok {
		return nil, ErrNotFound
	}
	answers := make([]models.Answer, len(snap.Answers))
	copy(answers, snap.Answers)
	return &Snapshot{AttemptModuleID: snap.AttemptModuleID, Answers: answers}, nil
}

func (m *MemoryStore) DeleteSnapshot(_ context.Context, attemptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, attemptID)
	return nil
}

func (m *MemoryStore) SaveWatermark(_ context.Context, attemptID string, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[attemptID] = watermark
	return nil
}

func (m *MemoryStore) LoadWatermark(_ context.Context, attemptID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wm, ok := m.watermarks[attemptID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return wm, nil
}

func (m *MemoryStore) DeleteWatermark(_ context.Context, attemptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watermarks, attemptID)
	return nil
}

func (m *MemoryStore) SavePayload(_ context.Context, attemptID string, payload *models.AttemptPayload) error {
	if payload == nil {
		return errors.New("nil payload")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[attemptID] = *payload
	return nil
}

func (m *MemoryStore) LoadPayload(_ context.Context, attemptID string) (*models.AttemptPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.payloads[attemptID]
	if !ok {
		return nil, ErrNotFound
	}
	return &payload, nil
}

func (m *MemoryStore) DeletePayload(_ context.Context, attemptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.payloads, attemptID)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
