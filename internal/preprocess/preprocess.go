// Package preprocess cleans fetched supply data before detection.
package preprocess

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// DefaultDescription is assigned to points that arrive without one.
const DefaultDescription = "No description provided."

// Step transforms a batch. Steps may drop points but must keep the
// relative order of the survivors.
type Step func(ctx context.Context, points []supply.DataPoint) ([]supply.DataPoint, error)

// Chain runs its steps in order. Any step error stops the chain.
type Chain struct {
	steps  []Step
	logger *zap.Logger
}

// New creates a Chain from explicit steps.
func New(logger *zap.Logger, steps ...Step) *Chain {
	return &Chain{steps: steps, logger: logger}
}

// Default returns the standard cleaning chain.
func Default(logger *zap.Logger) *Chain {
	c := &Chain{logger: logger}
	c.steps = []Step{
		c.dropMissingID,
		DedupeLatest,
		ClampNegative,
		DefaultDescriptions,
		FillAveragePrice,
		FillDailyConsumption,
	}
	return c
}

// Preprocess implements engine.Preprocessor. The input slice is not
// modified.
func (c *Chain) Preprocess(ctx context.Context, points []supply.DataPoint) ([]supply.DataPoint, error) {
	out := clonePoints(points)
	for i, step := range c.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		out, err = step(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("preprocess step %d: %w", i, err)
		}
	}
	return out, nil
}

func (c *Chain) dropMissingID(ctx context.Context, points []supply.DataPoint) ([]supply.DataPoint, error) {
	kept, dropped := DropMissingID(points)
	if dropped > 0 {
		c.logger.Warn("dropped data points without medicine id", zap.Int("count", dropped))
	}
	return kept, nil
}

// DropMissingID removes points whose MedicineID is blank and returns how
// many were removed.
func DropMissingID(points []supply.DataPoint) ([]supply.DataPoint, int) {
	kept := points[:0]
	for i := range points {
		points[i].MedicineID = strings.TrimSpace(points[i].MedicineID)
		if points[i].MedicineID == "" {
			continue
		}
		kept = append(kept, points[i])
	}
	return kept, len(points) - len(kept)
}

// DedupeLatest keeps one point per medicine: the one with the latest
// LastUpdatedAt, at the position of that medicine's first occurrence.
// Ties keep the later point in the batch.
func DedupeLatest(_ context.Context, points []supply.DataPoint) ([]supply.DataPoint, error) {
	index := make(map[string]int, len(points))
	out := make([]supply.DataPoint, 0, len(points))
	for _, p := range points {
		i, seen := index[p.MedicineID]
		if !seen {
			index[p.MedicineID] = len(out)
			out = append(out, p)
			continue
		}
		if !p.LastUpdatedAt.Before(out[i].LastUpdatedAt) {
			out[i] = p
		}
	}
	return out, nil
}

// ClampNegative zeroes negative quantities and removes negative history
// samples.
func ClampNegative(_ context.Context, points []supply.DataPoint) ([]supply.DataPoint, error) {
	for i := range points {
		p := &points[i]
		p.CurrentStock = nonNegative(p.CurrentStock)
		p.CurrentPrice = nonNegative(p.CurrentPrice)
		p.CriticalThreshold = nonNegative(p.CriticalThreshold)
		p.AverageMarketPrice = nonNegative(p.AverageMarketPrice)
		p.DailyConsumption = nonNegative(p.DailyConsumption)
		p.SupplierDelay = nonNegative(p.SupplierDelay)
		p.StockHistory = dropNegative(p.StockHistory)
		p.PriceHistory = dropNegative(p.PriceHistory)
	}
	return points, nil
}

// DefaultDescriptions fills empty descriptions with DefaultDescription.
func DefaultDescriptions(_ context.Context, points []supply.DataPoint) ([]supply.DataPoint, error) {
	for i := range points {
		if strings.TrimSpace(points[i].Description) == "" {
			points[i].Description = DefaultDescription
		}
	}
	return points, nil
}

// FillAveragePrice derives a missing average market price from the mean of
// the price history.
func FillAveragePrice(_ context.Context, points []supply.DataPoint) ([]supply.DataPoint, error) {
	for i := range points {
		p := &points[i]
		if p.AverageMarketPrice > 0 || len(p.PriceHistory) == 0 {
			continue
		}
		var sum float64
		for _, v := range p.PriceHistory {
			sum += v
		}
		p.AverageMarketPrice = sum / float64(len(p.PriceHistory))
	}
	return points, nil
}

// FillDailyConsumption derives a missing consumption rate from the stock
// history decline.
func FillDailyConsumption(_ context.Context, points []supply.DataPoint) ([]supply.DataPoint, error) {
	for i := range points {
		p := &points[i]
		if p.DailyConsumption > 0 {
			continue
		}
		if rate, ok := DeclineRate(p.StockHistory); ok && rate > 0 {
			p.DailyConsumption = rate
		}
	}
	return points, nil
}

// DeclineRate is the average per-period stock decline over the three most
// recent history samples (most recent first). ok is false with fewer than
// three samples. A rising stock yields a negative rate.
func DeclineRate(history []float64) (rate float64, ok bool) {
	if len(history) < 3 {
		return 0, false
	}
	return (history[2] - history[0]) / 2, true
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func dropNegative(vs []float64) []float64 {
	if vs == nil {
		return nil
	}
	out := vs[:0]
	for _, v := range vs {
		if v >= 0 {
			out = append(out, v)
		}
	}
	return out
}

func clonePoints(points []supply.DataPoint) []supply.DataPoint {
	out := make([]supply.DataPoint, len(points))
	for i, p := range points {
		out[i] = p
		if p.StockHistory != nil {
			out[i].StockHistory = append([]float64(nil), p.StockHistory...)
		}
		if p.PriceHistory != nil {
			out[i].PriceHistory = append([]float64(nil), p.PriceHistory...)
		}
	}
	return out
}
