package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/grading"
	"github.com/SAP-F-2025/exam-session/internal/localstore"
	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/SAP-F-2025/exam-session/internal/repositories"
	"github.com/stretchr/testify/mock"
	"gorm.io/datatypes"
)

// MockSessionStore is a mock implementation of SessionStore
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) FetchAttemptPayload(ctx context.Context, attemptID string) (*models.AttemptPayload, error) {
	args := m.Called(ctx, attemptID)
	payload, _ := args.Get(0).(*models.AttemptPayload)
	return payload, args.Error(1)
}

func (m *MockSessionStore) EnsureAttemptModule(ctx context.Context, attemptID, moduleID string) (*models.AttemptModule, error) {
	args := m.Called(ctx, attemptID, moduleID)
	record, _ := args.Get(0).(*models.AttemptModule)
	return record, args.Error(1)
}

func (m *MockSessionStore) UpdateAttemptModule(ctx context.Context, attemptModuleID string, update models.AttemptModuleUpdate) (*models.AttemptModule, error) {
	args := m.Called(ctx, attemptModuleID, update)
	record, _ := args.Get(0).(*models.AttemptModule)
	return record, args.Error(1)
}

func (m *MockSessionStore) UpsertAnswers(ctx context.Context, answers []models.AnswerUpsert) (int, error) {
	args := m.Called(ctx, answers)
	return args.Int(0), args.Error(1)
}

func (m *MockSessionStore) FetchAnswers(ctx context.Context, attemptModuleID string) ([]models.Answer, error) {
	args := m.Called(ctx, attemptModuleID)
	answers, _ := args.Get(0).([]models.Answer)
	return answers, args.Error(1)
}

func (m *MockSessionStore) GradeModule(ctx context.Context, attemptModuleID string) (*models.ModuleScore, error) {
	args := m.Called(ctx, attemptModuleID)
	score, _ := args.Get(0).(*models.ModuleScore)
	return score, args.Error(1)
}

func (m *MockSessionStore) FetchAnswerKeys(ctx context.Context, moduleID string) ([]models.QuestionAnswerKey, error) {
	args := m.Called(ctx, moduleID)
	keys, _ := args.Get(0).([]models.QuestionAnswerKey)
	return keys, args.Error(1)
}

func (m *MockSessionStore) UpsertAnswerKeys(ctx context.Context, keys []models.QuestionAnswerKey) (int, error) {
	args := m.Called(ctx, keys)
	return args.Int(0), args.Error(1)
}

// memoryStore is an in-memory SessionStore following the postgres rules.
type memoryStore struct {
	mu sync.Mutex

	payload *models.AttemptPayload
	records map[string]*models.AttemptModule // by module id
	answers map[string]map[string]models.StudentAnswer
	keys    map[string][]models.QuestionAnswerKey

	upsertErr error
	gradeErr  error

	ensureCalls       int
	fetchAnswersCalls int
	gradeCalls        int
	upserts           [][]models.AnswerUpsert
	updates           []models.AttemptModuleUpdate
}

func newMemoryStore(payload *models.AttemptPayload) *memoryStore {
	return &memoryStore{
		payload: payload,
		records: make(map[string]*models.AttemptModule),
		answers: make(map[string]map[string]models.StudentAnswer),
		keys:    make(map[string][]models.QuestionAnswerKey),
	}
}

func attemptModuleID(moduleID string) string {
	return "am-" + moduleID
}

func (s *memoryStore) module(moduleID string) *models.Module {
	for i := range s.payload.Modules {
		if s.payload.Modules[i].ID == moduleID {
			return &s.payload.Modules[i]
		}
	}
	return nil
}

func (s *memoryStore) recordByID(id string) (*models.AttemptModule, *models.Module) {
	for moduleID, r := range s.records {
		if r.ID == id {
			return r, s.module(moduleID)
		}
	}
	return nil, nil
}

func (s *memoryStore) FetchAttemptPayload(ctx context.Context, attemptID string) (*models.AttemptPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payload == nil || s.payload.Attempt.ID != attemptID {
		return nil, repositories.ErrNotFound
	}
	p := *s.payload
	return &p, nil
}

func (s *memoryStore) EnsureAttemptModule(ctx context.Context, attemptID, moduleID string) (*models.AttemptModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCalls++
	m := s.module(moduleID)
	if m == nil {
		return nil, repositories.ErrNotFound
	}
	r, ok := s.records[moduleID]
	if !ok {
		r = &models.AttemptModule{
			ID:                   attemptModuleID(moduleID),
			AttemptID:            attemptID,
			ModuleID:             moduleID,
			Status:               models.AttemptModulePending,
			TimeRemainingSeconds: m.DurationSeconds,
		}
		s.records[moduleID] = r
	}
	out := *r
	return &out, nil
}

func (s *memoryStore) UpdateAttemptModule(ctx context.Context, id string, update models.AttemptModuleUpdate) (*models.AttemptModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.recordByID(id)
	if r == nil {
		return nil, repositories.ErrNotFound
	}
	if r.IsCompleted() {
		return nil, repositories.ErrAttemptModuleCompleted
	}
	if update.Status != nil && *update.Status != r.Status && !r.Status.CanTransitionTo(*update.Status) {
		return nil, repositories.ErrInvalidTransition
	}
	if update.TimeRemainingSeconds != nil && r.Status == models.AttemptModuleInProgress &&
		*update.TimeRemainingSeconds > r.TimeRemainingSeconds {
		update.TimeRemainingSeconds = nil
	}
	s.updates = append(s.updates, update)
	update.Apply(r)
	out := *r
	return &out, nil
}

func (s *memoryStore) UpsertAnswers(ctx context.Context, answers []models.AnswerUpsert) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	batch := make([]models.AnswerUpsert, len(answers))
	copy(batch, answers)
	s.upserts = append(s.upserts, batch)
	for _, a := range answers {
		rows, ok := s.answers[a.AttemptModuleID]
		if !ok {
			rows = make(map[string]models.StudentAnswer)
			s.answers[a.AttemptModuleID] = rows
		}
		rows[models.CacheKey(a.ReferenceID, a.QuestionRef)] = models.StudentAnswer{
			AttemptModuleID: a.AttemptModuleID,
			ReferenceID:     a.ReferenceID,
			QuestionRef:     a.QuestionRef,
			StudentResponse: a.StudentResponse,
			IsFlagged:       a.IsFlagged,
			UpdatedAt:       time.Now(),
		}
	}
	return len(answers), nil
}

func (s *memoryStore) FetchAnswers(ctx context.Context, id string) ([]models.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchAnswersCalls++
	out := make([]models.Answer, 0)
	for _, row := range s.answers[id] {
		out = append(out, row.ToAnswer())
	}
	return out, nil
}

func (s *memoryStore) GradeModule(ctx context.Context, id string) (*models.ModuleScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gradeCalls++
	if s.gradeErr != nil {
		return nil, s.gradeErr
	}
	r, m := s.recordByID(id)
	if r == nil {
		return nil, repositories.ErrNotFound
	}
	responses := make(map[string]models.Response)
	for key, row := range s.answers[id] {
		responses[key] = row.StudentResponse
	}
	score := grading.GradeModule(m.Type, s.keys[m.ID], responses).Score()
	return &score, nil
}

func (s *memoryStore) FetchAnswerKeys(ctx context.Context, moduleID string) ([]models.QuestionAnswerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[moduleID], nil
}

func (s *memoryStore) UpsertAnswerKeys(ctx context.Context, keys []models.QuestionAnswerKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.keys[k.ModuleID] = append(s.keys[k.ModuleID], k)
	}
	return len(keys), nil
}

func (s *memoryStore) record(moduleID string) models.AttemptModule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[moduleID]
}

func (s *memoryStore) setRecord(r models.AttemptModule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ModuleID] = &r
}

func (s *memoryStore) setGradeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gradeErr = err
}

func (s *memoryStore) grades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gradeCalls
}

func (s *memoryStore) storedAnswer(amID, subSectionID, questionRef string) (models.StudentAnswer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.answers[amID][models.CacheKey(subSectionID, questionRef)]
	return row, ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedLocalStore blocks the first snapshot write after arm until the gate opens.
type gatedLocalStore struct {
	*localstore.MemoryStore

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	gate    chan struct{}
}

func newGatedLocalStore() *gatedLocalStore {
	return &gatedLocalStore{MemoryStore: localstore.NewMemoryStore()}
}

func (s *gatedLocalStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.entered = make(chan struct{})
	s.gate = make(chan struct{})
}

func (s *gatedLocalStore) SaveSnapshot(ctx context.Context, attemptID string, snap localstore.Snapshot) error {
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	entered, gate := s.entered, s.gate
	s.mu.Unlock()

	if armed {
		close(entered)
		<-gate
	}
	return s.MemoryStore.SaveSnapshot(ctx, attemptID, snap)
}

// ===== FIXTURES =====

const testAttemptID = "att-1"

func section(id string, subID string, refs ...string) models.Section {
	questions := make([]models.Question, 0, len(refs))
	for _, ref := range refs {
		questions = append(questions, models.Question{Ref: ref, Marks: 1})
	}
	return models.Section{
		ID:          id,
		SubSections: []models.SubSection{{ID: subID, Questions: questions}},
	}
}

func testModule(id string, moduleType models.ModuleType, sections ...models.Section) models.Module {
	return models.Module{
		ID:              id,
		PaperID:         "paper-1",
		Type:            moduleType,
		Heading:         fmt.Sprintf("%s module", moduleType),
		DurationSeconds: 3600,
		Sections:        datatypes.JSONSlice[models.Section](sections),
	}
}

// testPayload holds listening, reading and writing in shuffled order.
func testPayload() *models.AttemptPayload {
	return &models.AttemptPayload{
		Attempt: models.Attempt{ID: testAttemptID, PaperID: "paper-1", CandidateID: "cand-1"},
		Paper:   models.Paper{ID: "paper-1", Title: "Academic practice test"},
		Modules: []models.Module{
			testModule("mod-writing", models.ModuleWriting, section("w1", "wsub", "essay")),
			testModule("mod-reading", models.ModuleReading,
				section("s1", "sub1", "q1", "q2"),
				section("s2", "sub2", "q3")),
			testModule("mod-listening", models.ModuleListening, section("l1", "lsub", "q1")),
		},
	}
}

func readingKeys() []models.QuestionAnswerKey {
	return []models.QuestionAnswerKey{
		{ModuleID: "mod-reading", SubSectionID: "sub1", QuestionRef: "q1", CorrectAnswers: models.Literal("paris"), Marks: 1},
		{ModuleID: "mod-reading", SubSectionID: "sub1", QuestionRef: "q2", CorrectAnswers: models.AnySet("a", "b"), Marks: 1},
	}
}
