package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/internal/normalizer"
	"github.com/HerbHall/medwatch/pkg/supply"
)

// Rule findings carry no confidence of their own.
const (
	ruleConfidenceCritical = 1.0
	ruleConfidenceDefault  = 0.8
)

// ProcessBatch runs one batch synchronously, outside the ticker cadence.
// It shares the in-flight guard with the ticker, so a call made while a
// ticked batch is running returns an OutcomeSkipped result. Persistence of
// the batch's anomalies may still be pending on return; call Wait to block
// on it.
func (e *Engine) ProcessBatch(ctx context.Context) (BatchResult, error) {
	if !e.Ready() {
		return BatchResult{}, ErrNotReady
	}
	if !e.begin() {
		e.skipped()
		return BatchResult{Outcome: OutcomeSkipped, StartedAt: e.now().UTC()}, nil
	}
	defer e.end()
	return e.processBatch(ctx), nil
}

// batch carries the per-run counters. It is confined to the batch goroutine.
type batch struct {
	BatchResult
	logger *zap.Logger
}

func (e *Engine) processBatch(ctx context.Context) BatchResult {
	started := e.now()
	b := &batch{
		BatchResult: BatchResult{ID: e.newID(), StartedAt: started.UTC()},
	}
	b.logger = e.logger.With(zap.String("batch_id", b.ID))

	finish := func(outcome Outcome) BatchResult {
		b.Outcome = outcome
		b.Duration = e.now().Sub(started)
		e.setLast(b.BatchResult)
		return b.BatchResult
	}

	points, err := e.source.FetchPending(ctx)
	if err != nil {
		e.report(b, stageErr(ErrFetch, "", err))
		return finish(OutcomeFailed)
	}
	if len(points) == 0 {
		b.logger.Debug("no new data to process")
		return finish(OutcomeEmpty)
	}
	b.Size = len(points)
	fetched := medicineIDs(points)

	points, err = e.prep.Preprocess(ctx, points)
	if err != nil {
		e.report(b, stageErr(ErrPreprocess, "", err))
		e.settle(ctx, b, fetched, false)
		return finish(OutcomeFailed)
	}

	b.logger.Info("processing batch", zap.Int("points", len(points)))

	if e.cfg.EnableRuleEngine {
		e.runRules(ctx, b, points)
	}
	if e.cfg.EnableMLModels {
		e.runModels(ctx, b, points)
	}
	e.settle(ctx, b, fetched, true)

	outcome := OutcomeSuccess
	if b.Failures > 0 {
		outcome = OutcomePartial
	}
	result := finish(outcome)

	b.logger.Info("batch processed",
		zap.Int("batch_size", result.Size),
		zap.Int("anomalies", result.Anomalies),
		zap.Int("alerts", result.Alerts),
		zap.Int("failures", result.Failures),
		zap.Duration("duration", result.Duration),
	)
	e.obs.BatchProcessed(result)
	return result
}

// runRules evaluates every point independently. A failing point does not
// prevent evaluation of the others.
func (e *Engine) runRules(ctx context.Context, b *batch, points []supply.DataPoint) {
	for i := range points {
		point := &points[i]
		findings, err := e.rules.Evaluate(ctx, *point)
		if err != nil {
			b.Failures++
			e.report(b, stageErr(ErrEvaluate, point.MedicineID, err))
			continue
		}
		for _, f := range findings {
			b.RuleFindings++
			f.DataPoint = point
			if f.Severity == supply.SeverityCritical {
				f.Confidence = ruleConfidenceCritical
			} else {
				f.Confidence = ruleConfidenceDefault
			}
			e.handleFinding(ctx, b, supply.DetectionRuleBased, f)
		}
	}
}

// runModels scores the whole batch in one call. Predictions that do not
// align one-to-one with the batch are discarded as a model-stage failure.
func (e *Engine) runModels(ctx context.Context, b *batch, points []supply.DataPoint) {
	preds, err := e.models.Predict(ctx, points)
	if err != nil {
		b.Failures++
		e.report(b, stageErr(ErrPredict, "", err))
		return
	}
	if len(preds) != len(points) {
		b.Failures++
		e.report(b, stageErr(ErrPredict, "",
			fmt.Errorf("got %d predictions for %d data points", len(preds), len(points))))
		return
	}

	for i, p := range preds {
		if !p.IsAnomaly {
			continue
		}
		b.ModelFindings++
		e.handleFinding(ctx, b, supply.DetectionModelBased, supply.RawFinding{
			Severity:          p.Severity,
			Message:           p.Message,
			Description:       p.Description,
			Type:              p.Type,
			Details:           p.Details,
			CausesOfShortages: p.CausesOfShortages,
			Confidence:        p.Confidence,
			DataPoint:         &points[i],
		})
	}
}

// handleFinding normalizes a finding, emits it, schedules its persistence
// and dispatches an alert when it clears the threshold. Any failure,
// including a panic in a collaborator, is confined to this finding.
func (e *Engine) handleFinding(ctx context.Context, b *batch, detectionType string, f supply.RawFinding) {
	medicineID := ""
	if f.DataPoint != nil {
		medicineID = f.DataPoint.MedicineID
	}
	defer func() {
		if r := recover(); r != nil {
			b.Failures++
			e.report(b, stageErr(ErrFinding, medicineID, fmt.Errorf("panic: %v", r)))
		}
	}()

	a := normalizer.Normalize(detectionType, f, e.now())
	a.ID = e.newID()
	anomaly := &a

	e.persist(anomaly)

	b.Anomalies++
	e.obs.AnomalyDetected(anomaly)

	if anomaly.Confidence < e.cfg.AlertThreshold {
		return
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()
	if err := e.alerts.SendAlert(actx, anomaly); err != nil {
		b.Failures++
		e.report(b, stageErr(ErrDispatch, medicineID, err))
		return
	}
	b.Alerts++
}

// persist saves the anomaly in the background. Detection does not wait for
// the store; failures are logged and reported to the observer.
func (e *Engine) persist(a *supply.Anomaly) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()

		ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.PersistTimeout)
		defer cancel()

		if err := e.sink.SaveAnomaly(ctx, a); err != nil {
			err = stageErr(ErrPersist, a.MedicineID(), err)
			e.logger.Error("failed to save anomaly",
				zap.String("anomaly_id", a.ID),
				zap.Error(err),
			)
			e.obs.Error(err)
		}
	}()
}

// settle acknowledges or releases the fetched points when the source
// leases them. A failed acknowledgement counts against the batch; the
// points become pending again when their lease expires.
func (e *Engine) settle(ctx context.Context, b *batch, ids []string, processed bool) {
	if e.acker == nil {
		return
	}
	var err error
	if processed {
		err = e.acker.Acknowledge(ctx, ids)
	} else {
		err = e.acker.Release(ctx, ids)
	}
	if err != nil {
		if processed {
			b.Failures++
		}
		e.report(b, stageErr(ErrSettle, "", err))
	}
}

func medicineIDs(points []supply.DataPoint) []string {
	ids := make([]string, len(points))
	for i := range points {
		ids[i] = points[i].MedicineID
	}
	return ids
}

func (e *Engine) report(b *batch, err error) {
	b.logger.Error("batch stage failed", zap.Error(err))
	e.obs.Error(err)
}
