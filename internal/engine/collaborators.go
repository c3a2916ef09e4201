package engine

import (
	"context"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// DataSource supplies the unprocessed data points for a batch.
type DataSource interface {
	FetchPending(ctx context.Context) ([]supply.DataPoint, error)
}

// BatchAcknowledger is implemented by data sources that lease fetched points
// until the batch that fetched them settles. A batch that fails before
// detection releases its points so the next tick fetches them again; any
// other batch acknowledges them once detection has run.
type BatchAcknowledger interface {
	Acknowledge(ctx context.Context, medicineIDs []string) error
	Release(ctx context.Context, medicineIDs []string) error
}

// Preprocessor cleans a fetched batch before detection.
type Preprocessor interface {
	Preprocess(ctx context.Context, points []supply.DataPoint) ([]supply.DataPoint, error)
}

// RuleDetector evaluates declarative rules one data point at a time.
// Findings need not carry a confidence; the engine derives it from severity.
type RuleDetector interface {
	LoadRules(ctx context.Context) error
	Evaluate(ctx context.Context, point supply.DataPoint) ([]supply.RawFinding, error)
}

// ModelDetector scores a whole batch at once. Predict must return exactly
// one prediction per input point, in input order.
type ModelDetector interface {
	LoadModels(ctx context.Context) error
	Predict(ctx context.Context, points []supply.DataPoint) ([]supply.Prediction, error)
}

// AnomalySink durably stores canonical anomalies.
type AnomalySink interface {
	SaveAnomaly(ctx context.Context, a *supply.Anomaly) error
}

// AlertDispatcher delivers notifications for anomalies that clear the
// alert threshold.
type AlertDispatcher interface {
	SendAlert(ctx context.Context, a *supply.Anomaly) error
}

// passThrough is used when no Preprocessor is configured.
type passThrough struct{}

func (passThrough) Preprocess(_ context.Context, points []supply.DataPoint) ([]supply.DataPoint, error) {
	return points, nil
}
