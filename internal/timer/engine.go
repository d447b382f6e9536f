// Package timer drives the module countdown against two wall-clock deadlines:
// the module deadline and the global proctoring deadline.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type Phase string

const (
	PhaseNormal  Phase = "normal"
	PhaseWarning Phase = "warning"
	PhaseSafety  Phase = "safety"
	PhaseExpired Phase = "expired"
)

func (p Phase) rank() int {
	switch p {
	case PhaseWarning:
		return 1
	case PhaseSafety:
		return 2
	case PhaseExpired:
		return 3
	default:
		return 0
	}
}

const (
	DefaultTickInterval     = 100 * time.Millisecond
	DefaultSyncInterval     = 30 * time.Second
	DefaultWarningThreshold = 300 * time.Second
	DefaultSafetyThreshold  = 60 * time.Second
)

var ErrNoDeadline = errors.New("timer needs a module deadline and a global deadline")

// Clock returns the current wall-clock time.
type Clock func() time.Time

type Config struct {
	ModuleDeadline time.Time
	GlobalDeadline time.Time

	// OnAutoSave fires once when the global window enters the safety phase.
	// Errors are logged; retrying is up to the caller.
	OnAutoSave func(ctx context.Context) error
	// OnForceSubmit fires once on expiry. The engine is terminal afterwards
	// whatever it returns.
	OnForceSubmit func(ctx context.Context) error
	// OnPhaseChange is told about every phase entry, in order.
	OnPhaseChange func(phase Phase, snap Snapshot)
	// OnBackgroundSync fires every SyncInterval regardless of phase.
	OnBackgroundSync func(ctx context.Context, snap Snapshot)

	TickInterval     time.Duration
	SyncInterval     time.Duration
	WarningThreshold time.Duration
	SafetyThreshold  time.Duration

	Clock  Clock
	Logger *slog.Logger
}

// Snapshot is the state after the latest tick.
type Snapshot struct {
	ModuleRemaining    time.Duration `json:"module_remaining"`
	GlobalRemaining    time.Duration `json:"global_remaining"`
	EffectiveRemaining time.Duration `json:"effective_remaining"`
	Phase              Phase         `json:"phase"`
	At                 time.Time     `json:"at"`
}

// EffectiveSeconds rounds the effective remaining time up to whole seconds.
func (s Snapshot) EffectiveSeconds() int {
	secs := s.EffectiveRemaining / time.Second
	if s.EffectiveRemaining%time.Second > 0 {
		secs++
	}
	return int(secs)
}

// Remaining computes both clamped remainders and the effective one.
func Remaining(moduleDeadline, globalDeadline, now time.Time) (module, global, effective time.Duration) {
	module = clamp(moduleDeadline.Sub(now))
	global = clamp(globalDeadline.Sub(now))
	effective = min(module, global)
	return module, global, effective
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	snap     Snapshot
	entered  map[Phase]bool
	lastSync time.Time
	stopped  bool

	// serializes tick evaluation between the loop and direct Tick calls
	tickMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	started  bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.ModuleDeadline.IsZero() || cfg.GlobalDeadline.IsZero() {
		return nil, ErrNoDeadline
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.SafetyThreshold <= 0 {
		cfg.SafetyThreshold = DefaultSafetyThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "timer"),
		entered: map[Phase]bool{PhaseNormal: true},
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	now := cfg.Clock()
	module, global, effective := Remaining(cfg.ModuleDeadline, cfg.GlobalDeadline, now)
	e.snap = Snapshot{ModuleRemaining: module, GlobalRemaining: global, EffectiveRemaining: effective, Phase: PhaseNormal, At: now}
	e.lastSync = now
	return e, nil
}

// Start runs the tick loop until Stop is called, ctx is cancelled or the module expires.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	if snap := e.tick(ctx); snap.Phase == PhaseExpired {
		return
	}
	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			// time.Ticker drops ticks a slow receiver misses, so a late tick
			// never causes a burst of recomputation
			if snap := e.tick(ctx); snap.Phase == PhaseExpired {
				return
			}
		}
	}
}

// Tick evaluates the engine once at the current clock time. The loop calls it
// on every tick; tests call it directly with a fake clock.
func (e *Engine) Tick() Snapshot {
	return e.tick(context.Background())
}

func (e *Engine) tick(ctx context.Context) Snapshot {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.mu.Lock()
	if e.stopped {
		snap := e.snap
		e.mu.Unlock()
		return snap
	}

	now := e.cfg.Clock()
	module, global, effective := Remaining(e.cfg.ModuleDeadline, e.cfg.GlobalDeadline, now)
	target := e.phaseFor(global, effective)
	current := e.snap.Phase

	e.snap.ModuleRemaining = module
	e.snap.GlobalRemaining = global
	e.snap.EffectiveRemaining = effective
	e.snap.At = now

	// phases never regress; skipped entries fire in order
	var entering []Phase
	for _, p := range []Phase{PhaseWarning, PhaseSafety, PhaseExpired} {
		if p.rank() <= current.rank() || p.rank() > target.rank() || e.entered[p] {
			continue
		}
		if p != PhaseExpired && p != target && !e.passedThrough(p, global) {
			continue
		}
		entering = append(entering, p)
	}

	syncDue := now.Sub(e.lastSync) >= e.cfg.SyncInterval
	if syncDue {
		e.lastSync = now
	}
	e.mu.Unlock()

	for _, p := range entering {
		e.enter(ctx, p)
	}

	e.mu.Lock()
	snap := e.snap
	stopped := e.stopped
	e.mu.Unlock()

	if syncDue && !stopped && e.cfg.OnBackgroundSync != nil {
		e.cfg.OnBackgroundSync(ctx, snap)
	}
	return snap
}

func (e *Engine) phaseFor(global, effective time.Duration) Phase {
	switch {
	case effective == 0:
		return PhaseExpired
	case global <= e.cfg.SafetyThreshold:
		return PhaseSafety
	case global <= e.cfg.WarningThreshold:
		return PhaseWarning
	default:
		return PhaseNormal
	}
}

// passedThrough reports whether a skipped intermediate phase was really crossed:
// warning and safety belong to the global window, so they only count when the
// global remainder is inside their threshold.
func (e *Engine) passedThrough(p Phase, global time.Duration) bool {
	switch p {
	case PhaseWarning:
		return global <= e.cfg.WarningThreshold
	case PhaseSafety:
		return global <= e.cfg.SafetyThreshold
	default:
		return true
	}
}

func (e *Engine) enter(ctx context.Context, p Phase) {
	e.mu.Lock()
	if e.stopped || e.entered[p] {
		e.mu.Unlock()
		return
	}
	e.entered[p] = true
	e.snap.Phase = p
	snap := e.snap
	if p == PhaseExpired {
		// terminal locally even if the forced submission fails
		e.stopped = true
		e.stopOnce.Do(func() { close(e.stopCh) })
	}
	e.mu.Unlock()

	e.logger.Info("Timer phase entered",
		"phase", p,
		"effective_remaining", snap.EffectiveRemaining,
		"global_remaining", snap.GlobalRemaining)

	if e.cfg.OnPhaseChange != nil {
		e.cfg.OnPhaseChange(p, snap)
	}

	switch p {
	case PhaseSafety:
		if e.cfg.OnAutoSave != nil {
			if err := e.cfg.OnAutoSave(ctx); err != nil {
				e.logger.Warn("Auto-save on safety phase failed", "error", err)
			}
		}
	case PhaseExpired:
		if e.cfg.OnForceSubmit != nil {
			if err := e.cfg.OnForceSubmit(ctx); err != nil {
				e.logger.Error("Forced submission failed", "error", err)
			}
		}
	}
}

// Snapshot returns the state computed by the latest tick.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// Stop cancels the engine. No callback fires after Stop returns, except one
// already running. Safe to call from inside a callback.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Done is closed when the tick loop has exited. It never closes if Start was not called.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}
