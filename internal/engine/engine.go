// Package engine implements the MedWatch batch orchestrator: the run
// lifecycle, the processing cadence, the fan-out to rule and model
// detectors, and the threshold-gated alert dispatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the engine lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateInitializing
	StateReady
	StateRunning
	StateFailed // Initialization failed; the engine is non-operational
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Dependencies are the collaborators the engine drives. Rules is required
// when the rule engine is enabled, Models when model detection is enabled.
// Preprocessor and Observer are optional.
type Dependencies struct {
	Source       DataSource
	Preprocessor Preprocessor
	Rules        RuleDetector
	Models       ModelDetector
	Sink         AnomalySink
	Alerts       AlertDispatcher
	Observer     Observer
	Logger       *zap.Logger
}

// Engine is the batch orchestrator. It owns its lifecycle state and ticker
// exclusively; callers interact only through Init, Start, Stop and the
// status accessors.
type Engine struct {
	cfg    Config
	source DataSource
	acker  BatchAcknowledger // nil when the source does not lease
	prep   Preprocessor
	rules  RuleDetector
	models ModelDetector
	sink   AnomalySink
	alerts AlertDispatcher
	obs    Observer
	logger *zap.Logger

	// Batches and pending saves run under baseCtx so that Stop never aborts
	// work already in flight.
	baseCtx   context.Context
	now       func() time.Time
	newID     func() string
	newTicker func(time.Duration) *time.Ticker

	mu          sync.Mutex
	state       State
	initialized bool
	stopCh      chan struct{}
	loopDone    chan struct{}

	inFlight atomic.Bool
	batches  sync.WaitGroup
	pending  sync.WaitGroup

	lastMu sync.RWMutex
	last   *BatchResult
}

// New creates a stopped engine. Collaborator load failures are not
// reported here; they surface from Init and through Observer.Error.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if deps.Source == nil {
		return nil, errors.New("engine: data source is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("engine: anomaly sink is required")
	}
	if deps.Alerts == nil {
		return nil, errors.New("engine: alert dispatcher is required")
	}
	if cfg.EnableRuleEngine && deps.Rules == nil {
		return nil, errors.New("engine: rule engine enabled without a rule detector")
	}
	if cfg.EnableMLModels && deps.Models == nil {
		return nil, errors.New("engine: model detection enabled without a model detector")
	}

	e := &Engine{
		cfg:       cfg,
		source:    deps.Source,
		prep:      deps.Preprocessor,
		rules:     deps.Rules,
		models:    deps.Models,
		sink:      deps.Sink,
		alerts:    deps.Alerts,
		obs:       deps.Observer,
		logger:    deps.Logger,
		baseCtx:   context.Background(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		newTicker: time.NewTicker,
		state:     StateStopped,
	}
	if ack, ok := deps.Source.(BatchAcknowledger); ok {
		e.acker = ack
	}
	if e.prep == nil {
		e.prep = passThrough{}
	}
	if e.obs == nil {
		e.obs = NopObserver{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Init loads rule definitions and, when model detection is enabled, model
// artifacts. On failure the engine stays non-operational (StateFailed);
// there is no automatic retry. Calling Init on an initialized engine is a
// no-op.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized || e.state == StateInitializing {
		e.mu.Unlock()
		return nil
	}
	e.state = StateInitializing
	e.mu.Unlock()

	e.logger.Info("initializing anomaly detection engine",
		zap.Bool("rule_engine", e.cfg.EnableRuleEngine),
		zap.Bool("ml_models", e.cfg.EnableMLModels),
	)

	err := e.load(ctx)

	e.mu.Lock()
	if err != nil {
		e.state = StateFailed
	} else {
		e.state = StateReady
		e.initialized = true
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("failed to initialize anomaly detection engine", zap.Error(err))
		e.obs.Error(err)
		return err
	}

	e.logger.Info("anomaly detection engine initialized")
	e.obs.Initialized()
	return nil
}

func (e *Engine) load(ctx context.Context) error {
	if e.cfg.EnableRuleEngine {
		if err := e.rules.LoadRules(ctx); err != nil {
			return fmt.Errorf("%w: load rules: %w", ErrInitialization, err)
		}
	}
	if e.cfg.EnableMLModels {
		if err := e.models.LoadModels(ctx); err != nil {
			return fmt.Errorf("%w: load models: %w", ErrInitialization, err)
		}
	}
	return nil
}

// Start arms the processing ticker. The first batch runs one interval
// after Start, never immediately. Starting a running engine is a logged
// no-op; starting an engine that has not been initialized returns
// ErrNotReady.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		e.logger.Info("anomaly detection engine is already running")
		return nil
	}
	if !e.initialized {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}

	ticker := e.newTicker(e.cfg.ProcessingInterval)
	stop := make(chan struct{})
	done := make(chan struct{})
	e.stopCh = stop
	e.loopDone = done
	e.state = StateRunning
	e.mu.Unlock()

	go e.loop(ticker, stop, done)

	e.logger.Info("anomaly detection engine started",
		zap.Duration("interval", e.cfg.ProcessingInterval),
		zap.Float64("alert_threshold", e.cfg.AlertThreshold),
	)
	e.obs.Started()
	return nil
}

// Stop cancels future ticks. A batch already in flight runs to completion;
// use Wait or Shutdown to block on it. Stopping an engine that is not
// running is a no-op and emits nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	done := e.loopDone
	e.stopCh = nil
	e.loopDone = nil
	e.state = StateStopped
	e.mu.Unlock()

	<-done

	e.logger.Info("anomaly detection engine stopped")
	e.obs.Stopped()
}

// Wait blocks until in-flight batches and pending anomaly saves finish.
func (e *Engine) Wait() {
	e.batches.Wait()
	e.pending.Wait()
}

// Shutdown stops the engine and waits for outstanding work, giving up when
// ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()

	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight batches: %w", ctx.Err())
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Ready reports whether the engine initialized successfully and can run.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// LastBatch returns the result of the most recent non-skipped batch.
func (e *Engine) LastBatch() (BatchResult, bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return BatchResult{}, false
	}
	return *e.last, true
}

func (e *Engine) loop(ticker *time.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick starts a batch on its own goroutine unless one is still in flight,
// in which case the tick is skipped.
func (e *Engine) tick() {
	if !e.begin() {
		e.skipped()
		return
	}
	go func() {
		defer e.end()
		e.processBatch(e.baseCtx)
	}()
}

// begin claims the single in-flight slot.
func (e *Engine) begin() bool {
	if !e.inFlight.CompareAndSwap(false, true) {
		return false
	}
	e.batches.Add(1)
	return true
}

func (e *Engine) end() {
	e.inFlight.Store(false)
	e.batches.Done()
}

func (e *Engine) skipped() {
	e.logger.Warn("previous batch still in flight, skipping tick")
	e.obs.TickSkipped()
}

func (e *Engine) setLast(r BatchResult) {
	e.lastMu.Lock()
	e.last = &r
	e.lastMu.Unlock()
}
