package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// -- fakes --

type fakeSource struct {
	mu      sync.Mutex
	batches [][]supply.DataPoint
	err     error
	calls   atomic.Int64
	entered chan struct{} // signalled on each fetch when non-nil
	release chan struct{} // fetch blocks until closed when non-nil
}

func (s *fakeSource) FetchPending(ctx context.Context) ([]supply.DataPoint, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next, nil
}

type failingPreprocessor struct{}

func (failingPreprocessor) Preprocess(context.Context, []supply.DataPoint) ([]supply.DataPoint, error) {
	return nil, errors.New("bad batch")
}

type fakeRules struct {
	loadErr  error
	loads    atomic.Int64
	evaluate func(supply.DataPoint) ([]supply.RawFinding, error)
}

func (r *fakeRules) LoadRules(context.Context) error {
	r.loads.Add(1)
	return r.loadErr
}

func (r *fakeRules) Evaluate(_ context.Context, p supply.DataPoint) ([]supply.RawFinding, error) {
	if r.evaluate == nil {
		return nil, nil
	}
	return r.evaluate(p)
}

type fakeModels struct {
	loadErr error
	loads   atomic.Int64
	predict func([]supply.DataPoint) ([]supply.Prediction, error)
}

func (m *fakeModels) LoadModels(context.Context) error {
	m.loads.Add(1)
	return m.loadErr
}

func (m *fakeModels) Predict(_ context.Context, pts []supply.DataPoint) ([]supply.Prediction, error) {
	if m.predict == nil {
		return make([]supply.Prediction, len(pts)), nil
	}
	return m.predict(pts)
}

type fakeSink struct {
	mu    sync.Mutex
	saved []*supply.Anomaly
	err   error
}

func (s *fakeSink) SaveAnomaly(_ context.Context, a *supply.Anomaly) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, a)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fakeAlerts struct {
	mu   sync.Mutex
	sent []*supply.Anomaly
	send func(*supply.Anomaly) error
}

func (d *fakeAlerts) SendAlert(_ context.Context, a *supply.Anomaly) error {
	if d.send != nil {
		if err := d.send(a); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, a)
	return nil
}

func (d *fakeAlerts) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type recordingObserver struct {
	mu          sync.Mutex
	initialized int
	started     int
	stopped     int
	skipped     int
	errs        []error
	batches     []BatchResult
	anomalies   []*supply.Anomaly
}

func (o *recordingObserver) Initialized() { o.mu.Lock(); o.initialized++; o.mu.Unlock() }
func (o *recordingObserver) Started()     { o.mu.Lock(); o.started++; o.mu.Unlock() }
func (o *recordingObserver) Stopped()     { o.mu.Lock(); o.stopped++; o.mu.Unlock() }
func (o *recordingObserver) TickSkipped() { o.mu.Lock(); o.skipped++; o.mu.Unlock() }

func (o *recordingObserver) Error(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) BatchProcessed(r BatchResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, r)
}

func (o *recordingObserver) AnomalyDetected(a *supply.Anomaly) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.anomalies = append(o.anomalies, a)
}

func (o *recordingObserver) hasError(target error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, err := range o.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (o *recordingObserver) counts() (batches, anomalies, stopped, skipped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.batches), len(o.anomalies), o.stopped, o.skipped
}

// -- harness --

type harness struct {
	engine *Engine
	source *fakeSource
	rules  *fakeRules
	models *fakeModels
	sink   *fakeSink
	alerts *fakeAlerts
	obs    *recordingObserver
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		source: &fakeSource{},
		rules:  &fakeRules{},
		models: &fakeModels{},
		sink:   &fakeSink{},
		alerts: &fakeAlerts{},
		obs:    &recordingObserver{},
	}
	e, err := New(cfg, Dependencies{
		Source:   h.source,
		Rules:    h.rules,
		Models:   h.models,
		Sink:     h.sink,
		Alerts:   h.alerts,
		Observer: h.obs,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = e
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	if err := h.engine.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func (h *harness) process(t *testing.T) BatchResult {
	t.Helper()
	res, err := h.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	h.engine.Wait()
	return res
}

func points(ids ...string) []supply.DataPoint {
	out := make([]supply.DataPoint, len(ids))
	for i, id := range ids {
		out[i] = supply.DataPoint{MedicineID: id, MedicineName: "med " + id, CurrentStock: 10}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProcessingInterval = 50 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// -- construction and lifecycle --

func TestNew_Validation(t *testing.T) {
	valid := Dependencies{
		Source: &fakeSource{}, Rules: &fakeRules{}, Models: &fakeModels{},
		Sink: &fakeSink{}, Alerts: &fakeAlerts{},
	}

	tests := []struct {
		name   string
		mutate func(*Config, *Dependencies)
	}{
		{"zero interval", func(c *Config, _ *Dependencies) { c.ProcessingInterval = 0 }},
		{"threshold above one", func(c *Config, _ *Dependencies) { c.AlertThreshold = 1.5 }},
		{"negative threshold", func(c *Config, _ *Dependencies) { c.AlertThreshold = -0.1 }},
		{"missing source", func(_ *Config, d *Dependencies) { d.Source = nil }},
		{"missing sink", func(_ *Config, d *Dependencies) { d.Sink = nil }},
		{"missing alerts", func(_ *Config, d *Dependencies) { d.Alerts = nil }},
		{"rules enabled without detector", func(_ *Config, d *Dependencies) { d.Rules = nil }},
		{"models enabled without detector", func(_ *Config, d *Dependencies) { d.Models = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			deps := valid
			tt.mutate(&cfg, &deps)
			if _, err := New(cfg, deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}

	t.Run("models disabled without detector", func(t *testing.T) {
		cfg := testConfig()
		cfg.EnableMLModels = false
		deps := valid
		deps.Models = nil
		if _, err := New(cfg, deps); err != nil {
			t.Errorf("New() error = %v, want nil", err)
		}
	})
}

func TestInit_LoadsEnabledDetectorsOnly(t *testing.T) {
	cfg := testConfig()
	cfg.EnableMLModels = false
	h := newHarness(t, cfg)
	h.init(t)

	if got := h.rules.loads.Load(); got != 1 {
		t.Errorf("LoadRules calls = %d, want 1", got)
	}
	if got := h.models.loads.Load(); got != 0 {
		t.Errorf("LoadModels calls = %d, want 0", got)
	}
	if h.engine.State() != StateReady {
		t.Errorf("State() = %s, want ready", h.engine.State())
	}
	if h.obs.initialized != 1 {
		t.Errorf("Initialized notifications = %d, want 1", h.obs.initialized)
	}
}

func TestInit_FailureLeavesEngineNonOperational(t *testing.T) {
	h := newHarness(t, testConfig())
	h.models.loadErr = errors.New("artifact missing")

	err := h.engine.Init(context.Background())
	if !errors.Is(err, ErrInitialization) {
		t.Fatalf("Init() error = %v, want ErrInitialization", err)
	}
	if h.engine.State() != StateFailed {
		t.Errorf("State() = %s, want failed", h.engine.State())
	}
	if !h.obs.hasError(ErrInitialization) {
		t.Error("observer did not receive the initialization error")
	}
	if err := h.engine.Start(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Start() error = %v, want ErrNotReady", err)
	}
	if _, err := h.engine.ProcessBatch(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("ProcessBatch() error = %v, want ErrNotReady", err)
	}
}

func TestStart_BeforeInit(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.engine.Start(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Start() error = %v, want ErrNotReady", err)
	}
}

func TestStart_TwiceArmsOneTicker(t *testing.T) {
	h := newHarness(t, testConfig())
	h.init(t)

	var tickers atomic.Int64
	h.engine.newTicker = func(d time.Duration) *time.Ticker {
		tickers.Add(1)
		return time.NewTicker(d)
	}

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer h.engine.Stop()

	if got := tickers.Load(); got != 1 {
		t.Errorf("tickers armed = %d, want 1", got)
	}
	if h.obs.started != 1 {
		t.Errorf("Started notifications = %d, want 1", h.obs.started)
	}
	if h.engine.State() != StateRunning {
		t.Errorf("State() = %s, want running", h.engine.State())
	}
}

func TestStop_WhenNotRunningIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.Stop()
	h.init(t)
	h.engine.Stop()

	if _, _, stopped, _ := h.obs.counts(); stopped != 0 {
		t.Errorf("Stopped notifications = %d, want 0", stopped)
	}
	if h.engine.State() != StateReady {
		t.Errorf("State() = %s, want ready", h.engine.State())
	}
}

func TestStartStop_Restart(t *testing.T) {
	h := newHarness(t, testConfig())
	h.init(t)

	for i := range 2 {
		if err := h.engine.Start(); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		h.engine.Stop()
	}

	if _, _, stopped, _ := h.obs.counts(); stopped != 2 {
		t.Errorf("Stopped notifications = %d, want 2", stopped)
	}
	if h.engine.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", h.engine.State())
	}
}

func TestStart_FirstBatchAfterOneInterval(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessingInterval = 150 * time.Millisecond
	h := newHarness(t, cfg)
	h.init(t)

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.engine.Stop()

	time.Sleep(30 * time.Millisecond)
	if got := h.source.calls.Load(); got != 0 {
		t.Fatalf("fetches right after Start = %d, want 0", got)
	}

	waitFor(t, 2*time.Second, func() bool { return h.source.calls.Load() >= 1 })
}

func TestStop_DoesNotAbortInFlightBatch(t *testing.T) {
	h := newHarness(t, testConfig())
	h.init(t)
	h.source.entered = make(chan struct{}, 16)
	h.source.release = make(chan struct{})
	h.source.batches = [][]supply.DataPoint{points("m1")}
	h.models.predict = func(pts []supply.DataPoint) ([]supply.Prediction, error) {
		return []supply.Prediction{{IsAnomaly: true, Confidence: 0.9}}, nil
	}

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-h.source.entered
	h.engine.Stop()
	close(h.source.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := h.sink.count(); got != 1 {
		t.Errorf("saved anomalies = %d, want 1", got)
	}
}

// -- batch procedure --

func TestProcessBatch_EmptyBatch(t *testing.T) {
	h := newHarness(t, testConfig())
	h.init(t)

	res := h.process(t)

	if res.Outcome != OutcomeEmpty {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeEmpty)
	}
	batches, anomalies, _, _ := h.obs.counts()
	if batches != 0 {
		t.Errorf("BatchProcessed notifications = %d, want 0", batches)
	}
	if anomalies != 0 {
		t.Errorf("AnomalyDetected notifications = %d, want 0", anomalies)
	}
}

func TestProcessBatch_RuleConfidenceFromSeverity(t *testing.T) {
	cfg := testConfig()
	cfg.EnableMLModels = false
	h := newHarness(t, cfg)
	h.init(t)
	h.source.batches = [][]supply.DataPoint{points("m1")}
	h.rules.evaluate = func(supply.DataPoint) ([]supply.RawFinding, error) {
		return []supply.RawFinding{
			{Severity: supply.SeverityCritical, Type: "stockout_risk", Confidence: 0.1},
			{Severity: supply.SeverityHigh, Type: "price_spike"},
			{Type: "supplier_delay"},
		}, nil
	}

	res := h.process(t)

	if res.Anomalies != 3 || res.RuleFindings != 3 {
		t.Fatalf("Anomalies = %d, RuleFindings = %d, want 3, 3", res.Anomalies, res.RuleFindings)
	}
	want := []struct {
		severity   string
		confidence float64
	}{
		{supply.SeverityCritical, 1.0},
		{supply.SeverityHigh, 0.8},
		{supply.SeverityMedium, 0.8},
	}
	for i, a := range h.obs.anomalies {
		if a.Severity != want[i].severity || a.Confidence != want[i].confidence {
			t.Errorf("anomaly[%d] = (%s, %v), want (%s, %v)",
				i, a.Severity, a.Confidence, want[i].severity, want[i].confidence)
		}
		if a.DetectionType != supply.DetectionRuleBased {
			t.Errorf("anomaly[%d].DetectionType = %q, want rule-based", i, a.DetectionType)
		}
		if a.MedicineID() != "m1" {
			t.Errorf("anomaly[%d].MedicineID() = %q, want m1", i, a.MedicineID())
		}
	}
	if got := h.alerts.count(); got != 3 {
		t.Errorf("alerts = %d, want 3", got)
	}
}

func TestProcessBatch_AlertThresholdInclusive(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float64
		confidence float64
		wantAlerts int
	}{
		{"at threshold", 0.8, 0.8, 1},
		{"above threshold", 0.7, 0.95, 1},
		{"below threshold", 0.8, 0.79, 0},
		{"zero threshold alerts everything", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.EnableRuleEngine = false
			cfg.AlertThreshold = tt.threshold
			h := newHarness(t, cfg)
			h.init(t)
			h.source.batches = [][]supply.DataPoint{points("m1")}
			h.models.predict = func([]supply.DataPoint) ([]supply.Prediction, error) {
				return []supply.Prediction{{IsAnomaly: true, Confidence: tt.confidence}}, nil
			}

			res := h.process(t)

			if got := h.alerts.count(); got != tt.wantAlerts {
				t.Errorf("alerts = %d, want %d", got, tt.wantAlerts)
			}
			if res.Alerts != tt.wantAlerts {
				t.Errorf("BatchResult.Alerts = %d, want %d", res.Alerts, tt.wantAlerts)
			}
			if got := h.sink.count(); got != 1 {
				t.Errorf("saved = %d, want 1 regardless of threshold", got)
			}
		})
	}
}

func TestProcessBatch_ModelFindings(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRuleEngine = false
	h := newHarness(t, cfg)
	h.init(t)
	h.source.batches = [][]supply.DataPoint{points("m1", "m2", "m3")}
	h.models.predict = func(pts []supply.DataPoint) ([]supply.Prediction, error) {
		return []supply.Prediction{
			{IsAnomaly: false, Confidence: 0.2},
			{IsAnomaly: true, Confidence: 0.9, Severity: supply.SeverityHigh, Details: `{"z":3.4}`},
			{IsAnomaly: false, Confidence: 0.95},
		}, nil
	}

	res := h.process(t)

	if res.Size != 3 || res.Anomalies != 1 || res.ModelFindings != 1 || res.Alerts != 1 {
		t.Fatalf("result = %+v, want size 3 with 1 anomaly and 1 alert", res)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", res.Outcome)
	}

	a := h.obs.anomalies[0]
	if a.DetectionType != supply.DetectionModelBased {
		t.Errorf("DetectionType = %q, want model-based", a.DetectionType)
	}
	if a.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", a.Confidence)
	}
	if a.MedicineID() != "m2" {
		t.Errorf("MedicineID() = %q, want m2", a.MedicineID())
	}
	if a.Details["z"] != 3.4 {
		t.Errorf("Details[z] = %v, want 3.4", a.Details["z"])
	}
	if a.Details[supply.DetailsKeyCauses] != supply.CausesNotSpecified {
		t.Errorf("Details[causes] = %v, want %q", a.Details[supply.DetailsKeyCauses], supply.CausesNotSpecified)
	}
	if a.ID == "" || a.Status != supply.StatusActive {
		t.Errorf("ID = %q, Status = %q, want assigned id and active", a.ID, a.Status)
	}
	if len(h.obs.batches) != 1 {
		t.Errorf("BatchProcessed notifications = %d, want 1", len(h.obs.batches))
	}
}

func TestProcessBatch_RuleFailureIsIsolated(t *testing.T) {
	h := newHarness(t, testConfig())
	h.init(t)
	h.source.batches = [][]supply.DataPoint{points("m1", "m2")}
	h.rules.evaluate = func(p supply.DataPoint) ([]supply.RawFinding, error) {
		if p.MedicineID == "m1" {
			return nil, errors.New("rule blew up")
		}
		return []supply.RawFinding{{Severity: supply.SeverityHigh}}, nil
	}
	h.models.predict = func(pts []supply.DataPoint) ([]supply.Prediction, error) {
		return []supply.Prediction{{IsAnomaly: true, Confidence: 0.75}, {}}, nil
	}

	res := h.process(t)

	if res.Outcome != OutcomePartial {
		t.Errorf("Outcome = %q, want partial", res.Outcome)
	}
	if res.Anomalies != 2 {
		t.Errorf("Anomalies = %d, want 2 (one rule, one model)", res.Anomalies)
	}
	if !h.obs.hasError(ErrEvaluate) {
		t.Error("observer did not receive ErrEvaluate")
	}

	var se *StageError
	for _, err := range h.obs.errs {
		if errors.As(err, &se) {
			break
		}
	}
	if se == nil || se.MedicineID != "m1" {
		t.Errorf("StageError = %+v, want medicine m1", se)
	}
}

func TestProcessBatch_ModelFailureIsIsolated(t *testing.T) {
	h := newHarness(t, testConfig())
	h.init(t)
	h.source.batches = [][]supply.DataPoint{points("m1")}
	h.rules.evaluate = func(supply.DataPoint) ([]supply.RawFinding, error) {
		return []supply.RawFinding{{Severity: supply.SeverityLow}}, nil
	}
	h.models.predict = func([]supply.DataPoint) ([]supply.Prediction, error) {
		return nil, errors.New("model unavailable")
	}

	res := h.process(t)

	if res.Anomalies != 1 {
		t.Errorf("Anomalies = %d, want 1 rule anomaly", res.Anomalies)
	}
	if !h.obs.hasError(ErrPredict) {
		t.Error("observer did not receive ErrPredict")
	}
	if res.Outcome != OutcomePartial {
		t.Errorf("Outcome = %q, want partial", res.Outcome)
	}
}

func TestProcessBatch_MisalignedPredictionsDiscarded(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRuleEngine = false
	h := newHarness(t, cfg)
	h.init(t)
	h.source.batches = [][]supply.DataPoint{points("m1", "m2", "m3")}
	h.models.predict = func([]supply.DataPoint) ([]supply.Prediction, error) {
		return []supply.Prediction{{IsAnomaly: true, Confidence: 1}, {IsAnomaly: true, Confidence: 1}}, nil
	}

	res := h.process(t)

	if res.Anomalies != 0 {
		t.Errorf("Anomalies = %d, want 0", res.Anomalies)
	}
	if !h.obs.hasError(ErrPredict) {
		t.Error("observer did not receive ErrPredict")
	}
}

func TestProcessBatch_StageFailuresEndBatch(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.init(t)
		h.source.err = errors.New("db down")

		res := h.process(t)

		if res.Outcome != OutcomeFailed {
			t.Errorf("Outcome = %q, want failed", res.Outcome)
		}
		if !h.obs.hasError(ErrFetch) {
			t.Error("observer did not receive ErrFetch")
		}
		if batches, _, _, _ := h.obs.counts(); batches != 0 {
			t.Errorf("BatchProcessed notifications = %d, want 0", batches)
		}
	})

	t.Run("preprocess", func(t *testing.T) {
		src := &fakeSource{batches: [][]supply.DataPoint{points("m1")}}
		rules := &fakeRules{evaluate: func(supply.DataPoint) ([]supply.RawFinding, error) {
			t.Error("rules evaluated after preprocess failure")
			return nil, nil
		}}
		obs := &recordingObserver{}
		e, err := New(testConfig(), Dependencies{
			Source: src, Preprocessor: failingPreprocessor{}, Rules: rules, Models: &fakeModels{},
			Sink: &fakeSink{}, Alerts: &fakeAlerts{}, Observer: obs,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := e.Init(context.Background()); err != nil {
			t.Fatalf("Init: %v", err)
		}

		res, err := e.ProcessBatch(context.Background())
		if err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if res.Outcome != OutcomeFailed {
			t.Errorf("Outcome = %q, want failed", res.Outcome)
		}
		if !obs.hasError(ErrPreprocess) {
			t.Error("observer did not receive ErrPreprocess")
		}
	})
}

func TestProcessBatch_PersistFailureIsObserved(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRuleEngine = false
	h := newHarness(t, cfg)
	h.init(t)
	h.sink.err = errors.New("disk full")
	h.source.batches = [][]supply.DataPoint{points("m1")}
	h.models.predict = func([]supply.DataPoint) ([]supply.Prediction, error) {
		return []supply.Prediction{{IsAnomaly: true, Confidence: 0.9}}, nil
	}

	res := h.process(t)

	if !h.obs.hasError(ErrPersist) {
		t.Error("observer did not receive ErrPersist")
	}
	if res.Anomalies != 1 || h.alerts.count() != 1 {
		t.Errorf("Anomalies = %d, alerts = %d, want 1, 1", res.Anomalies, h.alerts.count())
	}
}

func TestProcessBatch_DispatchFailureIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRuleEngine = false
	h := newHarness(t, cfg)
	h.init(t)
	h.source.batches = [][]supply.DataPoint{points("m1", "m2")}
	h.models.predict = func([]supply.DataPoint) ([]supply.Prediction, error) {
		return []supply.Prediction{{IsAnomaly: true, Confidence: 0.9}, {IsAnomaly: true, Confidence: 0.9}}, nil
	}
	h.alerts.send = func(a *supply.Anomaly) error {
		if a.MedicineID() == "m1" {
			return errors.New("webhook 500")
		}
		return nil
	}

	res := h.process(t)

	if res.Alerts != 1 || res.Anomalies != 2 {
		t.Errorf("Alerts = %d, Anomalies = %d, want 1, 2", res.Alerts, res.Anomalies)
	}
	if got := h.sink.count(); got != 2 {
		t.Errorf("saved = %d, want 2", got)
	}
	if !h.obs.hasError(ErrDispatch) {
		t.Error("observer did not receive ErrDispatch")
	}
}

func TestProcessBatch_PanicIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRuleEngine = false
	h := newHarness(t, cfg)
	h.init(t)
	h.source.batches = [][]supply.DataPoint{points("m1", "m2")}
	h.models.predict = func([]supply.DataPoint) ([]supply.Prediction, error) {
		return []supply.Prediction{{IsAnomaly: true, Confidence: 0.9}, {IsAnomaly: true, Confidence: 0.9}}, nil
	}
	h.alerts.send = func(a *supply.Anomaly) error {
		if a.MedicineID() == "m1" {
			panic("nil channel")
		}
		return nil
	}

	res := h.process(t)

	if res.Alerts != 1 {
		t.Errorf("Alerts = %d, want 1", res.Alerts)
	}
	if !h.obs.hasError(ErrFinding) {
		t.Error("observer did not receive ErrFinding")
	}
}

func TestProcessBatch_SkipsWhileInFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	h.init(t)
	h.source.entered = make(chan struct{}, 1)
	h.source.release = make(chan struct{})

	done := make(chan BatchResult)
	go func() {
		res, _ := h.engine.ProcessBatch(context.Background())
		done <- res
	}()
	<-h.source.entered

	res, err := h.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("Outcome = %q, want skipped", res.Outcome)
	}
	if _, _, _, skipped := h.obs.counts(); skipped != 1 {
		t.Errorf("TickSkipped notifications = %d, want 1", skipped)
	}

	close(h.source.release)
	if first := <-done; first.Outcome != OutcomeEmpty {
		t.Errorf("first Outcome = %q, want empty", first.Outcome)
	}
	if got := h.source.calls.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestLastBatch(t *testing.T) {
	h := newHarness(t, testConfig())
	h.init(t)

	if _, ok := h.engine.LastBatch(); ok {
		t.Fatal("LastBatch() ok = true before any batch")
	}

	h.source.batches = [][]supply.DataPoint{points("m1", "m2")}
	h.process(t)

	last, ok := h.engine.LastBatch()
	if !ok {
		t.Fatal("LastBatch() ok = false after a batch")
	}
	if last.Size != 2 || last.Outcome != OutcomeSuccess {
		t.Errorf("LastBatch() = %+v, want size 2 success", last)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateStopped, "stopped"},
		{StateInitializing, "initializing"},
		{StateReady, "ready"},
		{StateRunning, "running"},
		{StateFailed, "failed"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.s), got, tt.want)
		}
	}
}
