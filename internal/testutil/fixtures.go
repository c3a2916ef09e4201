// Package testutil provides supply fixtures for tests.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// NewDataPoint returns a healthy DataPoint with sensible defaults.
// Override individual fields with options.
func NewDataPoint(opts ...func(*supply.DataPoint)) supply.DataPoint {
	p := supply.DataPoint{
		MedicineID:         uuid.New().String(),
		MedicineName:       "Amlodipine",
		GenericName:        "Amlodipine Besylate",
		Company:            "Acme Pharma",
		Disease:            "Hypertension",
		CurrentStock:       500,
		CurrentPrice:       12.5,
		Location:           "Central Pharmacy",
		Supplier:           "MedSupply Co",
		CriticalThreshold:  100,
		AverageMarketPrice: 12,
		DailyConsumption:   20,
		StockHistory:       []float64{500, 520, 540, 560},
		PriceHistory:       []float64{12.5, 12.2, 12.4, 12.1},
		LastUpdatedAt:      time.Now().UTC(),
		Description:        "Calcium channel blocker",
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithMedicineID sets the medicine identity.
func WithMedicineID(id string) func(*supply.DataPoint) {
	return func(p *supply.DataPoint) { p.MedicineID = id }
}

// WithStock sets the current stock and its critical threshold.
func WithStock(current, critical float64) func(*supply.DataPoint) {
	return func(p *supply.DataPoint) {
		p.CurrentStock = current
		p.CriticalThreshold = critical
	}
}

// WithStockHistory sets the stock history, most recent first.
func WithStockHistory(h ...float64) func(*supply.DataPoint) {
	return func(p *supply.DataPoint) { p.StockHistory = h }
}

// WithPrice sets the current price and market average.
func WithPrice(current, average float64) func(*supply.DataPoint) {
	return func(p *supply.DataPoint) {
		p.CurrentPrice = current
		p.AverageMarketPrice = average
	}
}

// WithSupplierDelay sets the supplier delay in days.
func WithSupplierDelay(days float64) func(*supply.DataPoint) {
	return func(p *supply.DataPoint) { p.SupplierDelay = days }
}

// WithCauses sets the shortage cause.
func WithCauses(c string) func(*supply.DataPoint) {
	return func(p *supply.DataPoint) { p.CausesOfShortage = c }
}

// WithUpdatedAt sets LastUpdatedAt.
func WithUpdatedAt(t time.Time) func(*supply.DataPoint) {
	return func(p *supply.DataPoint) { p.LastUpdatedAt = t }
}

// NewAnomaly returns an active rule-based anomaly for medicineID.
func NewAnomaly(medicineID string, opts ...func(*supply.Anomaly)) supply.Anomaly {
	disease := "Hypertension"
	a := supply.Anomaly{
		ID:             uuid.New().String(),
		DetectionType:  supply.DetectionRuleBased,
		Type:           "low_stock",
		Severity:       supply.SeverityHigh,
		Message:        "Anomaly detected for medicine ID: " + medicineID,
		Description:    "General anomaly for medicine ID: " + medicineID + ".",
		Confidence:     0.8,
		Details:        supply.Details{supply.DetailsKeyCauses: supply.CausesNotSpecified},
		MedicineDataID: &medicineID,
		Disease:        &disease,
		Status:         supply.StatusActive,
		Timestamp:      time.Now().UTC().Truncate(time.Second),
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// WithSeverity sets the anomaly severity.
func WithSeverity(s string) func(*supply.Anomaly) {
	return func(a *supply.Anomaly) { a.Severity = s }
}

// WithTimestamp sets the anomaly creation time.
func WithTimestamp(t time.Time) func(*supply.Anomaly) {
	return func(a *supply.Anomaly) { a.Timestamp = t }
}

// WithConfidence sets the anomaly confidence.
func WithConfidence(c float64) func(*supply.Anomaly) {
	return func(a *supply.Anomaly) { a.Confidence = c }
}
