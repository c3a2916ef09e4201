// Package model implements the statistical anomaly scorer: an EWMA baseline
// with Z-score checks over price and stock history, and a linear stock-out
// forecast.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// Signal names reported as the prediction Type.
const (
	SignalPrice    = "price_deviation"
	SignalStock    = "stock_drop"
	SignalStockout = "stockout_forecast"
)

// Forecast hits are at least this confident.
const forecastConfidence = 0.75

// Params are the scorer parameters stored in the model artifact.
type Params struct {
	EWMAAlpha           float64 `json:"ewma_alpha"`
	ZScoreThreshold     float64 `json:"zscore_threshold"`
	MinSamples          int     `json:"min_samples"`
	StockoutHorizonDays float64 `json:"stockout_horizon_days"`
	Workers             int     `json:"workers"`
}

// DefaultParams returns the parameters used when no artifact is configured.
func DefaultParams() Params {
	return Params{
		EWMAAlpha:           0.3,
		ZScoreThreshold:     3.0,
		MinSamples:          4,
		StockoutHorizonDays: 14,
		Workers:             4,
	}
}

// Validate rejects parameters the scorer cannot use.
func (p Params) Validate() error {
	if p.EWMAAlpha <= 0 || p.EWMAAlpha > 1 {
		return fmt.Errorf("ewma_alpha must be within (0,1], got %v", p.EWMAAlpha)
	}
	if p.ZScoreThreshold <= 0 {
		return fmt.Errorf("zscore_threshold must be positive, got %v", p.ZScoreThreshold)
	}
	if p.MinSamples < 2 {
		return fmt.Errorf("min_samples must be at least 2, got %d", p.MinSamples)
	}
	if p.StockoutHorizonDays < 0 {
		return fmt.Errorf("stockout_horizon_days must not be negative, got %v", p.StockoutHorizonDays)
	}
	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", p.Workers)
	}
	return nil
}

// Detector scores data points against their own history.
type Detector struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	params *Params
}

// NewDetector creates a Detector that loads parameters from path, or uses
// DefaultParams when path is empty.
func NewDetector(path string, logger *zap.Logger) *Detector {
	return &Detector{path: path, logger: logger}
}

// LoadModels reads the model artifact. Fields absent from the artifact keep
// their default values.
func (d *Detector) LoadModels(_ context.Context) error {
	p := DefaultParams()
	if d.path != "" {
		data, err := os.ReadFile(d.path)
		if err != nil {
			return fmt.Errorf("read model artifact: %w", err)
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parse model artifact %s: %w", d.path, err)
		}
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("model artifact: %w", err)
	}

	d.mu.Lock()
	d.params = &p
	d.mu.Unlock()

	d.logger.Info("model parameters loaded",
		zap.String("path", d.path),
		zap.Float64("zscore_threshold", p.ZScoreThreshold),
		zap.Float64("stockout_horizon_days", p.StockoutHorizonDays),
	)
	return nil
}

// Params returns the loaded parameters.
func (d *Detector) Params() (Params, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.params == nil {
		return Params{}, false
	}
	return *d.params, true
}

// Predict scores every point and returns one prediction per point in input
// order.
func (d *Detector) Predict(ctx context.Context, points []supply.DataPoint) ([]supply.Prediction, error) {
	p, ok := d.Params()
	if !ok {
		return nil, fmt.Errorf("models not loaded")
	}

	preds := make([]supply.Prediction, len(points))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for i := range points {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			preds[i] = Score(p, &points[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return preds, nil
}

// Score evaluates a single point.
func Score(p Params, dp *supply.DataPoint) supply.Prediction {
	if len(dp.StockHistory) < p.MinSamples && len(dp.PriceHistory) < p.MinSamples {
		return supply.Prediction{}
	}

	details := supply.Details{}
	var (
		maxZ   float64
		signal string
	)

	if len(dp.PriceHistory) >= p.MinSamples {
		b := baseline(p.EWMAAlpha, dp.PriceHistory)
		details["price_baseline"] = round2(b.mean)
		if z, ok := zScore(dp.CurrentPrice, b); ok {
			details["price_zscore"] = round2(z)
			if a := math.Abs(z); a >= p.ZScoreThreshold && a > maxZ {
				maxZ, signal = a, SignalPrice
			}
		}
	}

	var daysLeft float64
	forecastHit := false
	if len(dp.StockHistory) >= p.MinSamples {
		b := baseline(p.EWMAAlpha, dp.StockHistory)
		details["stock_baseline"] = round2(b.mean)
		if z, ok := zScore(dp.CurrentStock, b); ok {
			details["stock_zscore"] = round2(z)
			if z <= -p.ZScoreThreshold && -z > maxZ {
				maxZ, signal = -z, SignalStock
			}
		}

		if t := fitTrend(stockSeries(dp)); t != nil {
			details["stock_trend_per_day"] = round2(t.slope)
			details["trend_r_squared"] = round2(t.rSquared)
			if days, ok := t.daysToZero(); ok {
				details["days_to_stockout"] = round2(days)
				if days <= p.StockoutHorizonDays {
					forecastHit, daysLeft = true, days
				}
			}
		}
	}

	if signal == "" && !forecastHit {
		return supply.Prediction{Details: details}
	}

	confidence := clamp01(maxZ / (p.ZScoreThreshold + 2))
	if forecastHit && confidence < forecastConfidence {
		confidence = forecastConfidence
		signal = SignalStockout
	}

	severity := supply.SeverityHigh
	if maxZ >= p.ZScoreThreshold+1 {
		severity = supply.SeverityCritical
	}

	return supply.Prediction{
		IsAnomaly:         true,
		Confidence:        confidence,
		Severity:          severity,
		Type:              signal,
		Message:           message(signal, dp, maxZ, daysLeft),
		Details:           details,
		CausesOfShortages: dp.CausesOfShortage,
	}
}

// stockSeries returns stock history oldest first, followed by the current
// stock level.
func stockSeries(dp *supply.DataPoint) []float64 {
	out := make([]float64, 0, len(dp.StockHistory)+1)
	for i := len(dp.StockHistory) - 1; i >= 0; i-- {
		out = append(out, dp.StockHistory[i])
	}
	return append(out, dp.CurrentStock)
}

func message(signal string, dp *supply.DataPoint, z, days float64) string {
	name := dp.MedicineName
	if name == "" {
		name = dp.MedicineID
	}
	switch signal {
	case SignalPrice:
		return fmt.Sprintf("Price of %s deviates %.1f standard deviations from its baseline", name, z)
	case SignalStock:
		return fmt.Sprintf("Stock of %s dropped %.1f standard deviations below its baseline", name, z)
	case SignalStockout:
		return fmt.Sprintf("%s is projected to run out of stock in %.1f days", name, days)
	}
	return ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
