package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/SAP-F-2025/exam-session/internal/answercache"
	"github.com/SAP-F-2025/exam-session/internal/events"
	"github.com/SAP-F-2025/exam-session/internal/grading"
	"github.com/SAP-F-2025/exam-session/internal/localstore"
	"github.com/SAP-F-2025/exam-session/internal/metrics"
	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/SAP-F-2025/exam-session/internal/repositories"
	"github.com/SAP-F-2025/exam-session/internal/timer"
	"github.com/SAP-F-2025/exam-session/internal/validator"
)

type SessionDeps struct {
	Store     repositories.SessionStore
	Local     localstore.Store
	Publisher events.EventPublisher
	Validator *validator.Validator
	Logger    *slog.Logger
}

// activeModule is the module currently owned by the controller. Timer
// callbacks hold on to it and check it is still current before acting.
type activeModule struct {
	module         *models.Module
	record         models.AttemptModule
	globalDeadline time.Time
	cache          *answercache.Cache
	engine         *timer.Engine
	readOnly       bool
	answers        []models.Answer
	phase          timer.Phase

	telemetryBusy atomic.Bool
}

// SessionController runs one attempt: it loads the exam, owns the answer
// cache and the timer of the current module, and submits modules.
type SessionController struct {
	attemptID string
	store     repositories.SessionStore
	local     localstore.Store
	publisher events.EventPublisher
	validator *validator.Validator
	opts      SessionOptions
	logger    *slog.Logger
	svcLogger *ServiceLogger

	// lifetime of the session; timer loops and background tasks run under it
	ctx    context.Context
	cancel context.CancelFunc

	loads singleflight.Group
	// serializes LoadModule, SubmitModule and Release
	lifecycleMu sync.Mutex
	// answer writes hold it shared; submit takes it exclusively to raise
	// submitting, so no write lands in the cache after the final flush
	answerMu sync.RWMutex

	mu             sync.Mutex
	attempt        models.Attempt
	modules        []models.Module
	content        map[string]*models.Module
	active         *activeModule
	currentSection string
	loading        int
	submitting     bool
	closed         bool
	lastSubmission *SubmissionResult

	subMu       sync.Mutex
	subscribers map[int]chan SessionState
	nextSubID   int
}

func NewSessionController(attemptID string, deps SessionDeps, opts SessionOptions) (*SessionController, error) {
	if attemptID == "" {
		return nil, NewValidationError("attempt_id", "is required", attemptID)
	}
	if deps.Store == nil {
		return nil, errors.New("session controller needs a session store")
	}
	if deps.Local == nil {
		return nil, errors.New("session controller needs a local store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NewMockEventPublisher(logger)
	}
	v := deps.Validator
	if v == nil {
		v = validator.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SessionController{
		attemptID: attemptID,
		store:     deps.Store,
		local:     deps.Local,
		publisher: publisher,
		validator: v,
		opts:      opts.withDefaults(),
		logger:    logger.With("attempt_id", attemptID),
		svcLogger: NewServiceLogger(logger, LogConfig{
			Service:   "exam-session",
			Component: "session_controller",
		}),
		ctx:         ctx,
		cancel:      cancel,
		content:     make(map[string]*models.Module),
		subscribers: make(map[int]chan SessionState),
	}, nil
}

func (c *SessionController) AttemptID() string {
	return c.attemptID
}

// ===== EXAM LOADING =====

// LoadExam loads the attempt payload once. Concurrent calls share one load,
// and a loaded exam is never fetched again.
func (c *SessionController) LoadExam(ctx context.Context) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.examLoaded() {
		return nil
	}

	log := c.svcLogger.WithOperation(ctx, "load_exam", c.attemptID)
	defer func() { log.LogResult(err) }()

	_, err, _ = c.loads.Do("exam", func() (interface{}, error) {
		if c.examLoaded() {
			return nil, nil
		}
		c.setLoading(1)
		defer c.setLoading(-1)

		payload, err := c.loadPayload(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.attempt = payload.Attempt
		c.modules = orderedModules(payload.Modules)
		c.content = make(map[string]*models.Module, len(c.modules))
		for i := range c.modules {
			c.content[c.modules[i].ID] = &c.modules[i]
		}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

func (c *SessionController) examLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.modules) > 0
}

// loadPayload prefers a structurally complete local copy, then the remote
// store with backoff.
func (c *SessionController) loadPayload(ctx context.Context) (*models.AttemptPayload, error) {
	cached, err := c.local.LoadPayload(ctx, c.attemptID)
	switch {
	case err == nil && cached.IsComplete() && cached.Attempt.ID == c.attemptID:
		c.logger.Debug("Using locally cached attempt payload")
		return cached, nil
	case err == nil:
		c.logger.Warn("Discarding incomplete local attempt payload")
		if err := c.local.DeletePayload(ctx, c.attemptID); err != nil {
			c.logger.Warn("Failed to delete local attempt payload", "error", err)
		}
	case !errors.Is(err, localstore.ErrNotFound):
		c.logger.Warn("Failed to read local attempt payload", "error", err)
	}

	payload, err := c.fetchPayloadWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	if !payload.IsComplete() {
		return nil, ErrEmptyExam
	}
	if err := c.validator.ValidatePayload(payload); err != nil {
		return nil, err
	}

	if err := c.local.SavePayload(ctx, c.attemptID, payload); err != nil {
		c.logger.Warn("Failed to cache attempt payload locally", "error", err)
	}
	return payload, nil
}

// fetchPayloadWithRetry waits LoadBackoffBase * 2^n after the n-th failure.
// A missing attempt is not retried.
func (c *SessionController) fetchPayloadWithRetry(ctx context.Context) (*models.AttemptPayload, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.LoadMaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.opts.LoadBackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("failed to fetch attempt payload: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		payload, err := c.store.FetchAttemptPayload(ctx, c.attemptID)
		if err == nil {
			return payload, nil
		}
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, c.attemptID)
		}
		lastErr = err
		c.logger.Warn("Failed to fetch attempt payload",
			"try", attempt+1,
			"max_tries", c.opts.LoadMaxAttempts,
			"error", err)
	}
	return nil, transient("fetch attempt payload",
		fmt.Errorf("gave up after %d tries: %w", c.opts.LoadMaxAttempts, lastErr))
}

// ===== MODULE LIFECYCLE =====

// LoadModule makes moduleID the current module. Loading the current module
// again is a no-op. Any other current module is released first.
func (c *SessionController) LoadModule(ctx context.Context, moduleID string) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.mu.Lock()
	if len(c.modules) == 0 {
		c.mu.Unlock()
		return ErrExamNotLoaded
	}
	module, ok := c.content[moduleID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	if c.active != nil && c.active.module.ID == moduleID {
		c.mu.Unlock()
		return nil
	}
	if c.submitting {
		c.mu.Unlock()
		return ErrSubmissionInProgress
	}
	c.mu.Unlock()

	log := c.svcLogger.WithOperation(ctx, "load_module", c.attemptID).WithModule(moduleID)
	defer func() { log.LogResult(err) }()

	_, err, _ = c.loads.Do("module:"+moduleID, func() (interface{}, error) {
		c.lifecycleMu.Lock()
		defer c.lifecycleMu.Unlock()

		if c.isCurrent(moduleID) {
			return nil, nil
		}
		c.setLoading(1)
		defer c.setLoading(-1)

		// answers of the released module stay in the local snapshot and are
		// recovered below if this flush fails
		if err := c.release(ctx); err != nil {
			c.logger.Warn("Released previous module with unsynced answers", "error", err)
		}

		am, err := c.openModule(ctx, module)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.active = am
		c.currentSection = ""
		if len(module.Sections) > 0 {
			c.currentSection = module.Sections[0].ID
		}
		c.mu.Unlock()
		metrics.ActiveSessions.Inc()

		if am.engine != nil {
			am.engine.Start(c.ctx)
		}
		c.notify()
		return nil, nil
	})
	return err
}

func (c *SessionController) openModule(ctx context.Context, module *models.Module) (*activeModule, error) {
	record, err := c.store.EnsureAttemptModule(ctx, c.attemptID, module.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, module.ID)
		}
		return nil, transient("ensure attempt module", err)
	}

	if record.IsCompleted() {
		answers, err := c.store.FetchAnswers(ctx, record.ID)
		if err != nil {
			return nil, transient("fetch answers", err)
		}
		c.logger.Info("Module already completed, loaded for review", "module_id", module.ID)
		return &activeModule{module: module, record: *record, readOnly: true, answers: answers}, nil
	}

	if record.Status == models.AttemptModulePending || record.StartedAt == nil {
		record, err = c.startModule(ctx, module, record)
		if err != nil {
			return nil, err
		}
	}

	if err := c.recoverForeignSnapshot(ctx, record.ID); err != nil {
		return nil, err
	}

	cache, err := answercache.New(answercache.Options{
		AttemptID:       c.attemptID,
		AttemptModuleID: record.ID,
		Local:           c.local,
		Remote:          c.store,
		Debounce:        c.opts.AnswerDebounce,
		Clock:           c.opts.Clock,
		Logger:          c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create answer cache: %w", err)
	}

	answers, err := cache.LoadAll(ctx)
	if err != nil {
		c.logger.Warn("Local answer snapshot unreadable, using remote answers", "error", err)
		answers = nil
	}
	if len(answers) == 0 {
		remote, err := c.store.FetchAnswers(ctx, record.ID)
		if err != nil {
			cache.Close()
			return nil, transient("fetch answers", err)
		}
		if err := cache.Seed(ctx, remote); err != nil {
			c.logger.Warn("Failed to persist remote answers locally", "error", err)
		}
	}

	am := &activeModule{
		module:         module,
		record:         *record,
		globalDeadline: c.globalDeadline(record),
		cache:          cache,
		phase:          timer.PhaseNormal,
	}
	engine, err := timer.New(c.timerConfig(am))
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to create module timer: %w", err)
	}
	am.engine = engine
	return am, nil
}

func (c *SessionController) startModule(ctx context.Context, module *models.Module, record *models.AttemptModule) (*models.AttemptModule, error) {
	now := c.opts.Clock()
	update := models.AttemptModuleUpdate{StartedAt: &now}
	if record.Status == models.AttemptModulePending {
		status := models.AttemptModuleInProgress
		update.Status = &status
	}

	started, err := c.store.UpdateAttemptModule(ctx, record.ID, update)
	if err != nil {
		return nil, transient("start attempt module", err)
	}

	event := events.NewModuleStartedEvent(c.attemptID, events.ModuleStartedEvent{
		AttemptModuleID:      started.ID,
		ModuleID:             module.ID,
		ModuleType:           string(module.Type),
		StartedAt:            now,
		TimeRemainingSeconds: started.TimeRemainingSeconds,
	})
	c.publish(ctx, event)
	return started, nil
}

// recoverForeignSnapshot pushes answers left in the local snapshot by another
// module of the attempt, so the new module's cache can take the slot.
func (c *SessionController) recoverForeignSnapshot(ctx context.Context, attemptModuleID string) error {
	snap, err := c.local.LoadSnapshot(ctx, c.attemptID)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		c.logger.Warn("Failed to read local answer snapshot", "error", err)
		return nil
	}
	if snap.AttemptModuleID == attemptModuleID {
		return nil
	}

	if len(snap.Answers) > 0 {
		upserts := make([]models.AnswerUpsert, 0, len(snap.Answers))
		for _, a := range snap.Answers {
			upserts = append(upserts, models.AnswerUpsert{
				AttemptModuleID: snap.AttemptModuleID,
				ReferenceID:     a.SubSectionID,
				QuestionRef:     a.QuestionRef,
				StudentResponse: a.StudentResponse,
				IsFlagged:       a.IsFlagged,
			})
		}
		if _, err := c.store.UpsertAnswers(ctx, upserts); err != nil {
			return transient("recover answers of previous module", err)
		}
		c.logger.Info("Recovered unsynced answers of previous module",
			"attempt_module_id", snap.AttemptModuleID,
			"answers", len(upserts))
	}

	if err := c.local.DeleteSnapshot(ctx, c.attemptID); err != nil {
		c.logger.Warn("Failed to delete recovered answer snapshot", "error", err)
	}
	if err := c.local.DeleteWatermark(ctx, c.attemptID); err != nil {
		c.logger.Warn("Failed to delete recovered sync watermark", "error", err)
	}
	return nil
}

// globalDeadline is the window end of the attempt, else the proctoring window
// counted from the window start or from the module start.
func (c *SessionController) globalDeadline(record *models.AttemptModule) time.Time {
	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()
	switch {
	case attempt.WindowEndsAt != nil:
		return *attempt.WindowEndsAt
	case attempt.WindowStartsAt != nil:
		return attempt.WindowStartsAt.Add(c.opts.ProctorWindow)
	default:
		return record.StartedAt.Add(c.opts.ProctorWindow)
	}
}

func (c *SessionController) timerConfig(am *activeModule) timer.Config {
	return timer.Config{
		ModuleDeadline:   am.record.Deadline(),
		GlobalDeadline:   am.globalDeadline,
		TickInterval:     c.opts.TickInterval,
		SyncInterval:     c.opts.SyncInterval,
		WarningThreshold: c.opts.WarningThreshold,
		SafetyThreshold:  c.opts.SafetyThreshold,
		Clock:            c.opts.Clock,
		Logger:           c.logger,
		OnPhaseChange: func(phase timer.Phase, _ timer.Snapshot) {
			metrics.TimerPhases.WithLabelValues(string(phase)).Inc()
			c.mu.Lock()
			current := c.active == am
			if current {
				am.phase = phase
			}
			c.mu.Unlock()
			if current {
				c.notify()
			}
		},
		OnAutoSave: func(context.Context) error {
			if !c.isActiveModule(am) {
				return nil
			}
			// never block the tick on remote I/O
			go func() {
				if _, err := am.cache.Sync(c.ctx); err != nil {
					c.logger.Warn("Auto-save before the window closes failed", "error", err)
				}
			}()
			return nil
		},
		OnForceSubmit: func(context.Context) error {
			if !c.isActiveModule(am) {
				return nil
			}
			go func() {
				if _, err := c.submit(c.ctx, am, true); err != nil {
					c.logger.Error("Automatic submission failed",
						"module_id", am.module.ID,
						"error", err)
				}
			}()
			return nil
		},
		OnBackgroundSync: func(_ context.Context, _ timer.Snapshot) {
			c.reportTimeSpent(am)
		},
	}
}

// reportTimeSpent writes elapsed time as advisory telemetry. A report is
// skipped while the previous one is still in flight.
func (c *SessionController) reportTimeSpent(am *activeModule) {
	if !c.isActiveModule(am) || !am.telemetryBusy.CompareAndSwap(false, true) {
		return
	}
	id := am.record.ID
	spent := elapsedSeconds(am.record.StartedAt, c.opts.Clock())
	go func() {
		defer am.telemetryBusy.Store(false)
		update := models.AttemptModuleUpdate{TimeSpentSeconds: &spent}
		if _, err := c.store.UpdateAttemptModule(c.ctx, id, update); err != nil {
			c.logger.Debug("Time telemetry not saved", "attempt_module_id", id, "error", err)
		}
	}()
}

// ===== ANSWERS AND NAVIGATION =====

func (c *SessionController) SubmitAnswer(ctx context.Context, subSectionID, questionRef string, response models.Response) (models.Answer, error) {
	c.answerMu.RLock()
	defer c.answerMu.RUnlock()

	am, err := c.writableModule()
	if err != nil {
		return models.Answer{}, err
	}
	if !am.module.HasQuestion(subSectionID, questionRef) {
		return models.Answer{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, models.CacheKey(subSectionID, questionRef))
	}

	answer, err := am.cache.Put(ctx, subSectionID, questionRef, response)
	if err != nil {
		return answer, transient("save answer locally", err)
	}
	c.notify()
	return answer, nil
}

func (c *SessionController) ToggleFlag(ctx context.Context, subSectionID, questionRef string) (models.Answer, error) {
	c.answerMu.RLock()
	defer c.answerMu.RUnlock()

	am, err := c.writableModule()
	if err != nil {
		return models.Answer{}, err
	}
	if !am.module.HasQuestion(subSectionID, questionRef) {
		return models.Answer{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, models.CacheKey(subSectionID, questionRef))
	}

	answer, err := am.cache.ToggleFlag(ctx, subSectionID, questionRef)
	if err != nil {
		return answer, transient("save flag locally", err)
	}
	c.notify()
	return answer, nil
}

// SetCurrentSection moves the candidate to another section. It is allowed on
// read-only modules.
func (c *SessionController) SetCurrentSection(sectionID string) error {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return ErrNoModuleLoaded
	}
	if !c.active.module.HasSection(sectionID) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSection, sectionID)
	}
	c.currentSection = sectionID
	c.mu.Unlock()

	c.notify()
	return nil
}

// SaveNow sends the answers changed since the last sync and returns how many were saved.
func (c *SessionController) SaveNow(ctx context.Context) (int, error) {
	am, err := c.writableModule()
	if err != nil {
		return 0, err
	}
	saved, err := am.cache.Sync(ctx)
	c.notify()
	if err != nil {
		return 0, transient("save answers", err)
	}
	return saved, nil
}

// ===== SUBMISSION =====

// SubmitModule grades and completes the current module. A module is
// submitted at most once; failures before completion leave it in progress.
func (c *SessionController) SubmitModule(ctx context.Context, autoSubmit bool) (*SubmissionResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	am := c.active
	c.mu.Unlock()
	if am == nil {
		return nil, ErrNoModuleLoaded
	}
	return c.submit(ctx, am, autoSubmit)
}

func (c *SessionController) submit(ctx context.Context, am *activeModule, autoSubmit bool) (result *SubmissionResult, err error) {
	trigger := "manual"
	if autoSubmit {
		trigger = "auto"
	}
	log := c.svcLogger.WithOperation(ctx, "submit_module", c.attemptID).WithModule(am.module.ID)
	defer func() {
		log.LogResult(err)
		outcome := "success"
		switch {
		case IsConflict(err):
			outcome = "rejected"
		case err != nil:
			outcome = "failure"
		}
		metrics.Submissions.WithLabelValues(trigger, outcome).Inc()
	}()

	if err := c.beginSubmit(am); err != nil {
		return nil, err
	}
	c.notify()
	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
		c.notify()
	}()

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.isActiveModule(am) {
		return nil, ErrNoModuleLoaded
	}

	id := am.record.ID
	now := c.opts.Clock()
	_, _, effective := timer.Remaining(am.record.Deadline(), am.globalDeadline, now)
	remaining := ceilSeconds(effective)
	spent := elapsedSeconds(am.record.StartedAt, now)

	// 1. elapsed time; remaining time is written with the completion so a
	// failed submission keeps the original deadline
	if _, err := c.store.UpdateAttemptModule(ctx, id, models.AttemptModuleUpdate{TimeSpentSeconds: &spent}); err != nil {
		return nil, c.submitError("save module time", err)
	}

	// 2. every cached answer, synced or not
	if _, err := am.cache.FlushAll(ctx); err != nil {
		return nil, transient("flush answers", err)
	}

	// 3.
	score, err := c.store.GradeModule(ctx, id)
	if err != nil {
		return nil, transient("grade module", err)
	}

	// 4.
	completed := models.AttemptModuleCompleted
	completedAt := c.opts.Clock()
	record, err := c.store.UpdateAttemptModule(ctx, id, models.AttemptModuleUpdate{
		Status:               &completed,
		CompletedAt:          &completedAt,
		TimeRemainingSeconds: &remaining,
		ScoreObtained:        score.TotalScore,
		MaxScore:             score.MaxScore,
		BandScore:            score.BandScore,
	})
	if err != nil {
		return nil, c.submitError("complete module", err)
	}

	// 5.
	am.engine.Stop()

	// 6.
	answers := am.cache.All()
	if err := am.cache.Clear(ctx); err != nil {
		c.logger.Warn("Failed to clear local answers of submitted module", "error", err)
	}

	// 7.
	c.mu.Lock()
	next := NextModule(c.modules, am.module.ID)
	c.mu.Unlock()

	result = &SubmissionResult{
		AttemptModuleID: id,
		ModuleID:        am.module.ID,
		AutoSubmit:      autoSubmit,
		Score:           score,
		Message:         submissionMessage(autoSubmit),
		SubmittedAt:     completedAt,
	}
	if next != nil {
		result.NextModuleID = next.ID
	}

	c.mu.Lock()
	am.record = *record
	am.readOnly = true
	am.answers = answers
	c.lastSubmission = result
	c.mu.Unlock()

	c.publish(ctx, events.NewModuleSubmittedEvent(c.attemptID, events.ModuleSubmittedEvent{
		AttemptModuleID: id,
		ModuleID:        am.module.ID,
		ModuleType:      string(am.module.Type),
		AutoSubmit:      autoSubmit,
		Score:           score.TotalScore,
		MaxScore:        score.MaxScore,
		BandScore:       score.BandScore,
		PendingManual:   score.PendingManual,
		NextModuleID:    result.NextModuleID,
		SubmittedAt:     completedAt,
	}))
	if next == nil {
		c.publishAttemptScored(ctx, am.module.ID, score.BandScore)
	}

	c.logger.Info("Module submitted",
		"module_id", am.module.ID,
		"auto_submit", autoSubmit,
		"answers", len(answers),
		"next_module_id", result.NextModuleID)
	return result, nil
}

func (c *SessionController) beginSubmit(am *activeModule) error {
	// waits out answer writes already past the writable check
	c.answerMu.Lock()
	defer c.answerMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrSessionClosed
	case c.active != am:
		return ErrNoModuleLoaded
	case am.readOnly || am.record.IsCompleted():
		return ErrModuleAlreadySubmitted
	case c.submitting:
		return ErrSubmissionInProgress
	}
	c.submitting = true
	return nil
}

func (c *SessionController) submitError(op string, err error) error {
	if errors.Is(err, repositories.ErrAttemptModuleCompleted) {
		return fmt.Errorf("%w: %v", ErrModuleAlreadySubmitted, err)
	}
	return transient(op, err)
}

// publishAttemptScored reports the bands of every module once the last module is in.
func (c *SessionController) publishAttemptScored(ctx context.Context, lastModuleID string, lastBand *float64) {
	c.mu.Lock()
	modules := make([]models.Module, len(c.modules))
	copy(modules, c.modules)
	c.mu.Unlock()

	bands := make(map[string]*float64, len(modules))
	values := make([]*float64, 0, len(modules))
	for _, m := range modules {
		if m.ID == lastModuleID {
			bands[m.ID] = lastBand
			values = append(values, lastBand)
			continue
		}
		record, err := c.store.EnsureAttemptModule(ctx, c.attemptID, m.ID)
		if err != nil {
			c.logger.Warn("Failed to read module band", "module_id", m.ID, "error", err)
			continue
		}
		if record.IsCompleted() {
			bands[m.ID] = record.BandScore
			values = append(values, record.BandScore)
		}
	}

	c.publish(ctx, events.NewAttemptScoredEvent(c.attemptID, events.AttemptScoredEvent{
		ModuleBands: bands,
		OverallBand: grading.OverallBand(values),
	}))
}

// ===== RELEASE AND CLOSE =====

// Release stops the current module's timer and flushes its pending answers
// before forgetting it. The module stays in progress remotely.
func (c *SessionController) Release(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.release(ctx)
}

// release needs lifecycleMu.
func (c *SessionController) release(ctx context.Context) error {
	c.mu.Lock()
	am := c.active
	c.mu.Unlock()
	if am == nil {
		return nil
	}

	if am.engine != nil {
		am.engine.Stop()
	}
	var err error
	if am.cache != nil && !am.readOnly {
		am.cache.Close()
		if _, syncErr := am.cache.Sync(ctx); syncErr != nil {
			err = transient("flush answers on release", syncErr)
		}
	}

	c.mu.Lock()
	c.active = nil
	c.currentSection = ""
	c.mu.Unlock()
	metrics.ActiveSessions.Dec()

	c.logger.Info("Module released", "module_id", am.module.ID)
	c.notify()
	return err
}

// Close releases the current module and ends the session. Subscriptions are closed.
func (c *SessionController) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Release(ctx)
	c.cancel()

	c.subMu.Lock()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.subMu.Unlock()
	return err
}

// ===== STATE =====

func (c *SessionController) State() SessionState {
	c.mu.Lock()
	state := SessionState{
		AttemptID:        c.attemptID,
		Modules:          make([]ModuleSummary, 0, len(c.modules)),
		CurrentSectionID: c.currentSection,
		IsLoading:        c.loading > 0,
		Submitting:       c.submitting,
		LastSubmission:   c.lastSubmission,
		Answers:          []models.Answer{},
	}
	for _, m := range c.modules {
		state.Modules = append(state.Modules, ModuleSummary{
			ID:              m.ID,
			Type:            m.Type,
			Heading:         m.Heading,
			Instruction:     m.Instruction,
			DurationSeconds: m.DurationSeconds,
			QuestionCount:   m.QuestionCount(),
		})
	}
	am := c.active
	var (
		cache    *answercache.Cache
		engine   *timer.Engine
		readOnly bool
		answers  []models.Answer
	)
	if am != nil {
		record := am.record
		state.CurrentModuleID = am.module.ID
		state.CurrentModule = am.module
		state.AttemptModule = &record
		state.TotalQuestions = am.module.QuestionCount()
		readOnly = am.readOnly
		answers = am.answers
		if !readOnly {
			cache = am.cache
		}
		engine = am.engine
	}
	c.mu.Unlock()

	// cache and engine take their own locks
	state.ReadOnly = readOnly
	if cache != nil {
		answers = cache.All()
		status := cache.Status()
		state.Sync = &status
	}
	if engine != nil && !readOnly {
		snap := engine.Snapshot()
		state.Timer = &snap
	}
	if answers != nil {
		state.Answers = answers
	}
	for _, a := range state.Answers {
		if !a.StudentResponse.IsEmpty() {
			state.AnsweredCount++
		}
		if a.IsFlagged {
			state.FlaggedCount++
		}
	}
	return state
}

// Subscribe returns a channel carrying the latest state after every
// transition. A slow reader only misses intermediate states. Call the
// returned function to unsubscribe.
func (c *SessionController) Subscribe() (<-chan SessionState, func()) {
	ch := make(chan SessionState, 1)

	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(ch)
		}
	}
}

func (c *SessionController) notify() {
	c.subMu.Lock()
	if len(c.subscribers) == 0 {
		c.subMu.Unlock()
		return
	}
	c.subMu.Unlock()

	state := c.State()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- state:
		default:
			// drop the stale state, keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// ===== HELPERS =====

func (c *SessionController) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	return nil
}

func (c *SessionController) setLoading(delta int) {
	c.mu.Lock()
	c.loading += delta
	c.mu.Unlock()
	c.notify()
}

func (c *SessionController) isCurrent(moduleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.module.ID == moduleID
}

func (c *SessionController) isActiveModule(am *activeModule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == am
}

// writableModule returns the current module if answers may still change.
func (c *SessionController) writableModule() (*activeModule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrSessionClosed
	case c.active == nil:
		return nil, ErrNoModuleLoaded
	case c.active.readOnly:
		return nil, ErrModuleAlreadySubmitted
	case c.submitting || c.active.phase == timer.PhaseExpired:
		return nil, ErrSubmissionInProgress
	}
	return c.active, nil
}

func (c *SessionController) publish(ctx context.Context, event *events.SessionEvent) {
	if err := c.publisher.PublishSessionEvent(ctx, event); err != nil {
		c.logger.Warn("Failed to publish session event",
			"event_type", event.Type,
			"error", err)
	}
}

func elapsedSeconds(startedAt *time.Time, now time.Time) int {
	if startedAt == nil || now.Before(*startedAt) {
		return 0
	}
	return int(now.Sub(*startedAt) / time.Second)
}

func ceilSeconds(d time.Duration) int {
	secs := d / time.Second
	if d%time.Second > 0 {
		secs++
	}
	return int(secs)
}
