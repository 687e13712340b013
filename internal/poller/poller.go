// Package poller schedules periodic reconciliation of every enabled account,
// one independent loop per scope.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/deltadesk/internal/engine"
)

// Reconciler runs one reconciliation pass for one account and scope.
type Reconciler interface {
	Reconcile(ctx context.Context, account string, scope engine.Scope) ([]engine.Action, error)
}

// AccountSource lists the accounts eligible for polling.
type AccountSource interface {
	EnabledAccounts() []string
}

// Config tunes the two loops.
type Config struct {
	PositionInterval time.Duration
	OrderInterval    time.Duration
	// OrderPollingEnabled turns the order loop on. The position loop always
	// runs while the manager is started.
	OrderPollingEnabled bool
	// MaxConsecutiveErrors disables a loop once this many cycles in a row
	// fail. Zero means never disable.
	MaxConsecutiveErrors int
	// AccountConcurrency caps how many accounts one cycle reconciles in
	// parallel. Zero means a sensible default.
	AccountConcurrency int
}

// PollResult is the outcome of a manually triggered poll.
type PollResult struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// LoopStatus is a snapshot of one loop's health.
type LoopStatus struct {
	Scope        engine.Scope  `json:"scope"`
	Interval     time.Duration `json:"interval"`
	Enabled      bool          `json:"enabled"`
	Disabled     bool          `json:"disabled"`
	PollCount    int64         `json:"poll_count"`
	ErrorCount   int           `json:"consecutive_errors"`
	LastPollTime time.Time     `json:"last_poll_time"`
}

// Status is a snapshot of the whole manager.
type Status struct {
	Running bool                        `json:"running"`
	Loops   map[engine.Scope]LoopStatus `json:"loops"`
}

// loopState holds the mutable per-loop bookkeeping. The busy channel is a
// one-slot semaphore shared by the scheduled loop and PollOnce, so the same
// scope never reconciles concurrently with itself.
type loopState struct {
	scope    engine.Scope
	interval time.Duration
	enabled  bool

	busy chan struct{}

	mu        sync.Mutex
	disabled  bool
	errCount  int
	pollCount int64
	lastPoll  time.Time
}

// Manager owns the two reconciliation loops. Start and Stop are safe to call
// repeatedly and from multiple goroutines.
type Manager struct {
	reconciler Reconciler
	accounts   AccountSource
	logger     *logrus.Logger
	cfg        Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	loops map[engine.Scope]*loopState
}

// NewManager wires a polling manager. Intervals default to 5m (positions)
// and 1m (orders) when unset.
func NewManager(rec Reconciler, accounts AccountSource, logger *logrus.Logger, cfg Config) *Manager {
	if rec == nil || accounts == nil {
		panic("poller.NewManager: reconciler and accounts must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 5 * time.Minute
	}
	if cfg.OrderInterval <= 0 {
		cfg.OrderInterval = time.Minute
	}
	if cfg.AccountConcurrency <= 0 {
		cfg.AccountConcurrency = 4
	}
	m := &Manager{
		reconciler: rec,
		accounts:   accounts,
		logger:     logger,
		cfg:        cfg,
		loops:      make(map[engine.Scope]*loopState),
	}
	m.loops[engine.ScopePositions] = newLoopState(engine.ScopePositions, cfg.PositionInterval, true)
	m.loops[engine.ScopeOrders] = newLoopState(engine.ScopeOrders, cfg.OrderInterval, cfg.OrderPollingEnabled)
	return m
}

func newLoopState(scope engine.Scope, interval time.Duration, enabled bool) *loopState {
	return &loopState{
		scope:    scope,
		interval: interval,
		enabled:  enabled,
		busy:     make(chan struct{}, 1),
	}
}

// Start launches the enabled loops. Calling Start on a running manager is a
// no-op. Error budgets and disabled flags reset on every start, and each
// enabled loop polls once immediately before settling into its interval.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	for _, loop := range m.loops {
		loop.reset()
		if !loop.enabled {
			continue
		}
		m.wg.Add(1)
		go m.run(ctx, loop)
	}
	m.logger.WithFields(logrus.Fields{
		"position_interval": m.cfg.PositionInterval,
		"order_interval":    m.cfg.OrderInterval,
		"order_polling":     m.cfg.OrderPollingEnabled,
	}).Info("polling started")
}

// Stop halts the loops and waits for in-flight cycles to drain. Stopping a
// stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("polling stopped")
}

func (m *Manager) run(ctx context.Context, loop *loopState) {
	defer m.wg.Done()

	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()

	// Poll immediately on start.
	m.cycle(ctx, loop)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if loop.isDisabled() {
				continue
			}
			m.cycle(ctx, loop)
		}
	}
}

// cycle runs one reconciliation pass for the loop, first waiting for any
// in-flight pass for the same scope to drain. A slow cycle therefore delays
// the next tick rather than overlapping it.
func (m *Manager) cycle(ctx context.Context, loop *loopState) {
	select {
	case loop.busy <- struct{}{}:
		defer func() { <-loop.busy }()
	case <-ctx.Done():
		return
	}

	err := m.pollAll(ctx, loop.scope)
	loop.record(err)

	if err != nil {
		log := m.logger.WithField("scope", loop.scope).WithError(err)
		if budget := m.cfg.MaxConsecutiveErrors; budget > 0 && loop.consecutiveErrors() >= budget {
			loop.disable()
			log.WithField("consecutive_errors", loop.consecutiveErrors()).
				Error("error budget exhausted, loop disabled until restart")
		} else {
			log.Warn("poll cycle failed")
		}
	}
}

// pollAll reconciles every enabled account for one scope. A panic in a pass
// is recovered here so a single bad cycle never kills the loop.
func (m *Manager) pollAll(ctx context.Context, scope engine.Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll cycle panic: %v", r)
		}
	}()

	accounts := m.accounts.EnabledAccounts()
	if len(accounts) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.AccountConcurrency)
	for _, account := range accounts {
		account := account
		g.Go(func() (err error) {
			// Each account runs in its own goroutine, so the recover in
			// pollAll cannot reach a panic raised here.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("account %s: poll cycle panic: %v", account, r)
				}
			}()
			actions, err := m.reconciler.Reconcile(gctx, account, scope)
			if err != nil {
				return fmt.Errorf("account %s: %w", account, err)
			}
			if len(actions) > 0 {
				m.logger.WithFields(logrus.Fields{
					"account": account,
					"scope":   scope,
					"actions": len(actions),
				}).Info("reconciliation applied corrections")
			}
			return nil
		})
	}
	return g.Wait()
}

// PollOnce triggers one immediate reconciliation pass, independent of the
// schedule. An empty scope runs both scopes, orders first so fresh fills are
// promoted before the position pass inspects them. It respects the same
// mutual exclusion as the loops: a pass already in flight for a scope makes
// PollOnce report failure without running it.
func (m *Manager) PollOnce(ctx context.Context, scope engine.Scope) PollResult {
	if scope == "" {
		start := time.Now()
		orders := m.PollOnce(ctx, engine.ScopeOrders)
		positions := m.PollOnce(ctx, engine.ScopePositions)
		return PollResult{
			Success:  orders.Success && positions.Success,
			Message:  fmt.Sprintf("orders: %s; positions: %s", orders.Message, positions.Message),
			Duration: time.Since(start),
		}
	}

	loop, ok := m.loops[scope]
	if !ok {
		return PollResult{Message: fmt.Sprintf("unknown scope %q", scope)}
	}

	select {
	case loop.busy <- struct{}{}:
		defer func() { <-loop.busy }()
	default:
		return PollResult{Message: fmt.Sprintf("%s poll already in progress", scope)}
	}

	start := time.Now()
	err := m.pollAll(ctx, scope)
	loop.record(err)
	res := PollResult{Duration: time.Since(start)}
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Success = true
	res.Message = fmt.Sprintf("%s poll completed", scope)
	return res
}

// Status reports the manager and per-loop state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	st := Status{Running: running, Loops: make(map[engine.Scope]LoopStatus, len(m.loops))}
	for scope, loop := range m.loops {
		st.Loops[scope] = loop.status()
	}
	return st
}

func (l *loopState) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled = false
	l.errCount = 0
}

func (l *loopState) record(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pollCount++
	l.lastPoll = time.Now()
	if err != nil {
		l.errCount++
	} else {
		l.errCount = 0
	}
}

func (l *loopState) disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled = true
}

func (l *loopState) isDisabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled
}

func (l *loopState) consecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errCount
}

func (l *loopState) status() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoopStatus{
		Scope:        l.scope,
		Interval:     l.interval,
		Enabled:      l.enabled,
		Disabled:     l.disabled,
		PollCount:    l.pollCount,
		ErrorCount:   l.errCount,
		LastPollTime: l.lastPoll,
	}
}
