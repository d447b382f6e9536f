package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu           sync.Mutex
	phases       []Phase
	autoSaves    int
	forceSubmits int
	syncs        int
}

func (r *recorder) config(clock *fakeClock, module, global time.Duration) Config {
	return Config{
		ModuleDeadline: clock.Now().Add(module),
		GlobalDeadline: clock.Now().Add(global),
		Clock:          clock.Now,
		OnAutoSave: func(ctx context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.autoSaves++
			return nil
		},
		OnForceSubmit: func(ctx context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.forceSubmits++
			return nil
		},
		OnPhaseChange: func(p Phase, _ Snapshot) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.phases = append(r.phases, p)
		},
		OnBackgroundSync: func(ctx context.Context, _ Snapshot) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.syncs++
		},
	}
}

func TestRemaining_EffectiveTimeLaw(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	offsets := []time.Duration{-2 * time.Hour, -time.Second, 0, time.Millisecond, 59 * time.Second, 10 * time.Minute, 3 * time.Hour}

	for _, m := range offsets {
		for _, g := range offsets {
			for _, n := range offsets {
				now := base.Add(n)
				moduleDeadline := base.Add(m)
				globalDeadline := base.Add(g)

				module, global, effective := Remaining(moduleDeadline, globalDeadline, now)

				wantModule := max(0, moduleDeadline.Sub(now))
				wantGlobal := max(0, globalDeadline.Sub(now))
				assert.Equal(t, wantModule, module)
				assert.Equal(t, wantGlobal, global)
				assert.Equal(t, min(wantModule, wantGlobal), effective)
			}
		}
	}
}

func TestNew_RequiresDeadlines(t *testing.T) {
	_, err := New(Config{ModuleDeadline: time.Now()})
	assert.ErrorIs(t, err, ErrNoDeadline)
}

func TestEngine_PhasesInOrderWithFineTicks(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	e, err := New(rec.config(clock, 2*time.Hour, 10*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, PhaseNormal, e.Tick().Phase)

	for i := 0; i < 700; i++ {
		clock.Advance(time.Second)
		e.Tick()
	}

	assert.Equal(t, []Phase{PhaseWarning, PhaseSafety, PhaseExpired}, rec.phases)
	assert.Equal(t, 1, rec.autoSaves)
	assert.Equal(t, 1, rec.forceSubmits)
	assert.Equal(t, PhaseExpired, e.Snapshot().Phase)
	assert.Equal(t, time.Duration(0), e.Snapshot().EffectiveRemaining)
	assert.True(t, e.Stopped())
}

func TestEngine_CoarseTickStillFiresEachCallbackOnce(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	e, err := New(rec.config(clock, 2*time.Hour, 10*time.Minute))
	require.NoError(t, err)

	// one tick jumps straight past the global deadline
	clock.Advance(time.Hour)
	snap := e.Tick()

	assert.Equal(t, PhaseExpired, snap.Phase)
	assert.Equal(t, []Phase{PhaseWarning, PhaseSafety, PhaseExpired}, rec.phases)
	assert.Equal(t, 1, rec.autoSaves)
	assert.Equal(t, 1, rec.forceSubmits)

	clock.Advance(time.Hour)
	e.Tick()
	assert.Equal(t, 1, rec.autoSaves)
	assert.Equal(t, 1, rec.forceSubmits)
}

func TestEngine_ModuleDeadlineExpiresWithoutSafetyPhase(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	e, err := New(rec.config(clock, 5*time.Minute, 3*time.Hour))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	snap := e.Tick()

	assert.Equal(t, PhaseExpired, snap.Phase)
	assert.Equal(t, []Phase{PhaseExpired}, rec.phases)
	assert.Equal(t, 0, rec.autoSaves)
	assert.Equal(t, 1, rec.forceSubmits)
	assert.Equal(t, 3*time.Hour-5*time.Minute, snap.GlobalRemaining)
}

func TestEngine_WarningIsDrivenByGlobalWindow(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	e, err := New(rec.config(clock, 4*time.Minute, 3*time.Hour))
	require.NoError(t, err)

	// module has under five minutes left but the global window does not
	assert.Equal(t, PhaseNormal, e.Tick().Phase)
	assert.Empty(t, rec.phases)
}

func TestEngine_PhaseNeverRegresses(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	e, err := New(rec.config(clock, 2*time.Hour, 4*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, PhaseWarning, e.Tick().Phase)

	// a clock stepping backwards does not move the phase back
	clock.Advance(-10 * time.Minute)
	assert.Equal(t, PhaseWarning, e.Tick().Phase)
	assert.Equal(t, []Phase{PhaseWarning}, rec.phases)
}

func TestEngine_AutoSaveFailureIsNotRetried(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	cfg := Config{
		ModuleDeadline: clock.Now().Add(time.Hour),
		GlobalDeadline: clock.Now().Add(30 * time.Second),
		Clock:          clock.Now,
		OnAutoSave: func(ctx context.Context) error {
			calls++
			return errors.New("network down")
		},
	}
	e, err := New(cfg)
	require.NoError(t, err)

	e.Tick()
	clock.Advance(time.Second)
	e.Tick()

	assert.Equal(t, 1, calls)
	assert.Equal(t, PhaseSafety, e.Snapshot().Phase)
}

func TestEngine_ForceSubmitFailureStillTerminal(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	cfg := Config{
		ModuleDeadline: clock.Now().Add(time.Second),
		GlobalDeadline: clock.Now().Add(time.Hour),
		Clock:          clock.Now,
		OnForceSubmit: func(ctx context.Context) error {
			calls++
			return errors.New("grading unavailable")
		},
	}
	e, err := New(cfg)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	e.Tick()
	clock.Advance(2 * time.Second)
	e.Tick()

	assert.Equal(t, 1, calls)
	assert.True(t, e.Stopped())
	assert.Equal(t, PhaseExpired, e.Snapshot().Phase)
}

func TestEngine_StopSuppressesCallbacks(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	e, err := New(rec.config(clock, 2*time.Hour, 10*time.Minute))
	require.NoError(t, err)

	e.Stop()
	clock.Advance(time.Hour)
	e.Tick()

	assert.Empty(t, rec.phases)
	assert.Equal(t, 0, rec.forceSubmits)
}

func TestEngine_BackgroundSyncInterval(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	e, err := New(rec.config(clock, 2*time.Hour, 2*time.Hour))
	require.NoError(t, err)

	for i := 0; i < 95; i++ {
		clock.Advance(time.Second)
		e.Tick()
	}

	assert.Equal(t, 3, rec.syncs)
}

func TestEngine_StartRunsLoopUntilExpiry(t *testing.T) {
	rec := &recorder{}
	now := time.Now()
	cfg := Config{
		ModuleDeadline: now.Add(150 * time.Millisecond),
		GlobalDeadline: now.Add(time.Hour),
		TickInterval:   10 * time.Millisecond,
		OnForceSubmit: func(ctx context.Context) error {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.forceSubmits++
			return nil
		},
	}
	e, err := New(cfg)
	require.NoError(t, err)

	e.Start(context.Background())

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timer loop did not exit after expiry")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.forceSubmits)
}

func TestEngine_StopEndsLoop(t *testing.T) {
	now := time.Now()
	e, err := New(Config{
		ModuleDeadline: now.Add(time.Hour),
		GlobalDeadline: now.Add(time.Hour),
		TickInterval:   5 * time.Millisecond,
	})
	require.NoError(t, err)

	e.Start(context.Background())
	e.Stop()

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("timer loop did not exit after Stop")
	}
}

func TestSnapshot_EffectiveSeconds(t *testing.T) {
	assert.Equal(t, 0, Snapshot{}.EffectiveSeconds())
	assert.Equal(t, 1, Snapshot{EffectiveRemaining: time.Millisecond}.EffectiveSeconds())
	assert.Equal(t, 60, Snapshot{EffectiveRemaining: time.Minute}.EffectiveSeconds())
}
