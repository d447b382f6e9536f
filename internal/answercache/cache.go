// Package answercache holds the in-progress answers of the active module. Every
// edit is written to the local store at once; the remote store is updated by a
// debounced batch upsert guarded by a last-sync watermark.
package answercache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/localstore"
	"github.com/SAP-F-2025/exam-session/internal/metrics"
	"github.com/SAP-F-2025/exam-session/internal/models"
)

const DefaultDebounce = 2 * time.Second

// AnswerWriter is the remote side of a sync: an idempotent batch upsert that
// reports how many rows it saved.
type AnswerWriter interface {
	UpsertAnswers(ctx context.Context, answers []models.AnswerUpsert) (int, error)
}

type Options struct {
	AttemptID       string
	AttemptModuleID string
	Local           localstore.Store
	Remote          AnswerWriter
	Debounce        time.Duration
	Clock           func() time.Time
	Logger          *slog.Logger
}

// Status is what the UI needs for a "saved / not saved" indicator.
type Status struct {
	Pending      int       `json:"pending"`
	Syncing      bool      `json:"syncing"`
	Scheduled    bool      `json:"scheduled"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	LastError    string    `json:"last_error,omitempty"`
}

type entry struct {
	answer    models.Answer
	rev       uint64
	syncedRev uint64
}

func (e *entry) dirty() bool {
	return e.rev > e.syncedRev
}

type Cache struct {
	attemptID       string
	attemptModuleID string
	local           localstore.Store
	remote          AnswerWriter
	clock           func() time.Time
	logger          *slog.Logger
	debouncer       *Debouncer

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string
	seq       uint64
	watermark time.Time
	syncing   bool
	lastErr   error

	// one batch in flight at a time
	syncMu sync.Mutex
	// keeps snapshot writes in mutation order
	persistMu sync.Mutex
}

func New(opts Options) (*Cache, error) {
	if opts.AttemptID == "" || opts.AttemptModuleID == "" {
		return nil, errors.New("answer cache needs an attempt id and an attempt module id")
	}
	if opts.Local == nil {
		return nil, errors.New("answer cache needs a local store")
	}
	if opts.Remote == nil {
		return nil, errors.New("answer cache needs a remote writer")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		attemptID:       opts.AttemptID,
		attemptModuleID: opts.AttemptModuleID,
		local:           opts.Local,
		remote:          opts.Remote,
		clock:           opts.Clock,
		logger:          logger.With("component", "answer_cache", "attempt_id", opts.AttemptID),
		entries:         make(map[string]*entry),
	}
	c.debouncer = NewDebouncer(opts.Debounce, c.backgroundSync)
	return c, nil
}

func (c *Cache) AttemptModuleID() string {
	return c.attemptModuleID
}

// LoadAll restores the local snapshot and watermark of the attempt. Only
// entries stamped strictly before the watermark come back clean: an edit
// stamped at the watermark may have raced the batch that set it. A snapshot
// left by another module of the attempt is ignored.
func (c *Cache) LoadAll(ctx context.Context) ([]models.Answer, error) {
	watermark, err := c.local.LoadWatermark(ctx, c.attemptID)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return nil, fmt.Errorf("failed to load sync watermark: %w", err)
	}
	snap, err := c.local.LoadSnapshot(ctx, c.attemptID)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return nil, fmt.Errorf("failed to load answer snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.watermark = watermark
	if snap == nil {
		return []models.Answer{}, nil
	}
	if snap.AttemptModuleID != c.attemptModuleID {
		c.logger.Info("Ignoring answer snapshot of another module",
			"snapshot_module", snap.AttemptModuleID, "attempt_module_id", c.attemptModuleID)
		return []models.Answer{}, nil
	}

	for _, a := range snap.Answers {
		c.seq++
		e := &entry{answer: a, rev: c.seq}
		if a.Timestamp.Before(watermark) {
			e.syncedRev = e.rev
		}
		c.set(a.Key(), e)
	}
	return c.allLocked(), nil
}

// Seed adds answers already held by the remote store. They are clean, and a
// local entry for the same key wins.
func (c *Cache) Seed(ctx context.Context, answers []models.Answer) error {
	c.mu.Lock()
	added := 0
	for _, a := range answers {
		key := a.Key()
		if _, ok := c.entries[key]; ok {
			continue
		}
		c.seq++
		c.set(key, &entry{answer: a, rev: c.seq, syncedRev: c.seq})
		added++
	}
	c.mu.Unlock()

	if added == 0 {
		return nil
	}
	return c.Persist(ctx)
}

func (c *Cache) set(key string, e *entry) {
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = e
}

// Put records a response, keeping the current flag. The snapshot is persisted
// before Put returns and a remote sync is scheduled.
func (c *Cache) Put(ctx context.Context, subSectionID, questionRef string, response models.Response) (models.Answer, error) {
	return c.mutate(ctx, subSectionID, questionRef, func(a *models.Answer) {
		a.StudentResponse = response
	})
}

// ToggleFlag flips the review flag of a question, creating an empty answer if needed.
func (c *Cache) ToggleFlag(ctx context.Context, subSectionID, questionRef string) (models.Answer, error) {
	return c.mutate(ctx, subSectionID, questionRef, func(a *models.Answer) {
		a.IsFlagged = !a.IsFlagged
	})
}

func (c *Cache) mutate(ctx context.Context, subSectionID, questionRef string, apply func(*models.Answer)) (models.Answer, error) {
	key := models.CacheKey(subSectionID, questionRef)

	c.mu.Lock()
	var answer models.Answer
	if e, ok := c.entries[key]; ok {
		answer = e.answer
	} else {
		answer = models.Answer{SubSectionID: subSectionID, QuestionRef: questionRef}
	}
	apply(&answer)
	answer.Timestamp = c.clock()

	c.seq++
	if e, ok := c.entries[key]; ok {
		e.answer = answer
		e.rev = c.seq
	} else {
		c.set(key, &entry{answer: answer, rev: c.seq})
	}
	c.mu.Unlock()

	if err := c.Persist(ctx); err != nil {
		return answer, err
	}
	c.debouncer.Trigger()
	return answer, nil
}

func (c *Cache) Get(subSectionID, questionRef string) (models.Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[models.CacheKey(subSectionID, questionRef)]
	if !ok {
		return models.Answer{}, false
	}
	return e.answer, true
}

// All returns every cached answer in first-seen order.
func (c *Cache) All() []models.Answer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allLocked()
}

func (c *Cache) allLocked() []models.Answer {
	out := make([]models.Answer, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.entries[key].answer)
	}
	return out
}

// AllDirtySince returns the answers stamped after watermark.
func (c *Cache) AllDirtySince(watermark time.Time) []models.Answer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Answer
	for _, key := range c.order {
		if a := c.entries[key].answer; a.Timestamp.After(watermark) {
			out = append(out, a)
		}
	}
	return out
}

// MarkSynced marks keys stamped at or before watermark as synced and advances
// the watermark. The watermark never moves backwards.
func (c *Cache) MarkSynced(ctx context.Context, keys []string, watermark time.Time) error {
	c.mu.Lock()
	for _, key := range keys {
		e, ok := c.entries[key]
		if !ok || e.answer.Timestamp.After(watermark) {
			continue
		}
		e.syncedRev = e.rev
	}
	advanced := c.advanceLocked(watermark)
	c.mu.Unlock()

	if !advanced {
		return nil
	}
	if err := c.local.SaveWatermark(ctx, c.attemptID, watermark); err != nil {
		return fmt.Errorf("failed to persist sync watermark: %w", err)
	}
	return nil
}

func (c *Cache) advanceLocked(watermark time.Time) bool {
	if !watermark.After(c.watermark) {
		return false
	}
	c.watermark = watermark
	return true
}

func (c *Cache) Watermark() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// Persist writes the full snapshot to the local store.
func (c *Cache) Persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	snap := localstore.Snapshot{AttemptModuleID: c.attemptModuleID, Answers: c.allLocked()}
	c.mu.Unlock()

	if err := c.local.SaveSnapshot(ctx, c.attemptID, snap); err != nil {
		return fmt.Errorf("failed to persist answer snapshot: %w", err)
	}
	return nil
}

type pendingWrite struct {
	key string
	rev uint64
}

// Sync sends the dirty answers stamped at or before now and returns how many
// the remote store saved. On failure nothing is marked synced and the
// watermark stays put.
func (c *Cache) Sync(ctx context.Context) (int, error) {
	return c.sync(ctx, false)
}

// FlushAll cancels the pending debounce and sends every cached answer,
// ignoring the watermark.
func (c *Cache) FlushAll(ctx context.Context) (int, error) {
	c.debouncer.Cancel()
	return c.sync(ctx, true)
}

func (c *Cache) sync(ctx context.Context, all bool) (int, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	batchStart := c.clock()
	var (
		writes  []pendingWrite
		upserts []models.AnswerUpsert
	)
	for _, key := range c.order {
		e := c.entries[key]
		if !all && (!e.dirty() || e.answer.Timestamp.After(batchStart)) {
			continue
		}
		writes = append(writes, pendingWrite{key: key, rev: e.rev})
		upserts = append(upserts, models.AnswerUpsert{
			AttemptModuleID: c.attemptModuleID,
			ReferenceID:     e.answer.SubSectionID,
			QuestionRef:     e.answer.QuestionRef,
			StudentResponse: e.answer.StudentResponse,
			IsFlagged:       e.answer.IsFlagged,
		})
	}
	if len(upserts) == 0 {
		c.mu.Unlock()
		metrics.AnswerSyncs.WithLabelValues("empty").Inc()
		return 0, nil
	}
	c.syncing = true
	c.mu.Unlock()

	saved, err := c.remote.UpsertAnswers(ctx, upserts)

	c.mu.Lock()
	c.syncing = false
	if err != nil {
		c.lastErr = err
		pending := c.pendingLocked()
		c.mu.Unlock()

		metrics.AnswerSyncs.WithLabelValues("failure").Inc()
		c.logger.Warn("Answer sync failed, answers stay queued",
			"attempt_module_id", c.attemptModuleID,
			"pending", pending,
			"error", err)
		return 0, fmt.Errorf("failed to sync answers: %w", err)
	}

	for _, w := range writes {
		// an entry edited while the batch was in flight stays dirty
		if e, ok := c.entries[w.key]; ok && e.rev == w.rev {
			e.syncedRev = w.rev
		}
	}
	c.lastErr = nil
	advanced := c.advanceLocked(batchStart)
	c.mu.Unlock()

	metrics.AnswerSyncs.WithLabelValues("success").Inc()
	metrics.AnswersSynced.Add(float64(saved))

	if advanced {
		if err := c.local.SaveWatermark(ctx, c.attemptID, batchStart); err != nil {
			// the in-memory watermark still guards this process
			c.logger.Warn("Failed to persist sync watermark", "error", err)
		}
	}
	c.logger.Debug("Answers synced", "saved", saved, "batch", len(upserts), "force", all)
	return saved, nil
}

func (c *Cache) backgroundSync() {
	// errors are logged and surfaced through Status
	_, _ = c.sync(context.Background(), false)
}

func (c *Cache) pendingLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.dirty() {
			n++
		}
	}
	return n
}

func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Pending:      c.pendingLocked(),
		Syncing:      c.syncing,
		LastSyncedAt: c.watermark,
	}
	// debouncer has its own lock and never takes c.mu
	s.Scheduled = c.debouncer.Pending()
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Clear drops every entry and removes the attempt's snapshot and watermark
// from the local store. Pending syncs are cancelled.
func (c *Cache) Clear(ctx context.Context) error {
	c.debouncer.Stop()

	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.order = nil
	c.watermark = time.Time{}
	c.lastErr = nil
	c.mu.Unlock()

	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.local.DeleteSnapshot(ctx, c.attemptID); err != nil {
		return fmt.Errorf("failed to clear answer snapshot: %w", err)
	}
	if err := c.local.DeleteWatermark(ctx, c.attemptID); err != nil {
		return fmt.Errorf("failed to clear sync watermark: %w", err)
	}
	return nil
}

// Close stops the debouncer without flushing.
func (c *Cache) Close() {
	c.debouncer.Stop()
}
