// Package supply provides the public data model for MedWatch: observed
// medicine supply data points, raw detector findings, and the canonical
// anomaly record persisted by the detection engine.
package supply

import (
	"encoding/json"
	"time"
)

// Detection types recorded on every anomaly.
const (
	DetectionRuleBased  = "rule-based"
	DetectionModelBased = "model-based"
)

// Severity levels. Detectors may emit any of these; the normalizer
// defaults an empty severity to SeverityMedium.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly lifecycle statuses. The engine only ever creates StatusActive;
// the others are set by the review workflow.
const (
	StatusActive       = "active"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
	StatusDismissed    = "dismissed"
)

// CausesNotSpecified is stored under DetailsKeyCauses when a finding
// carries no shortage cause.
const CausesNotSpecified = "Not specified"

// Well-known keys inside Details.
const (
	DetailsKeyCauses   = "causesOfShortages"
	DetailsKeyOriginal = "originalDetails"
)

// ValidSeverity reports whether s is one of the known severity levels.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SeverityRank orders severities from low (1) to critical (4). Unknown
// values rank 0.
func SeverityRank(s string) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ValidStatus reports whether s is one of the known anomaly statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved, StatusDismissed:
		return true
	}
	return false
}

// DataPoint is one medicine's observed supply state at a point in time.
// Histories are ordered most recent first.
type DataPoint struct {
	MedicineID         string    `json:"medicine_id"`
	MedicineName       string    `json:"medicine_name"`
	GenericName        string    `json:"generic_name,omitempty"`
	Company            string    `json:"company,omitempty"`
	Disease            string    `json:"disease,omitempty"`
	CurrentStock       float64   `json:"current_stock"`
	CurrentPrice       float64   `json:"current_price"`
	Location           string    `json:"location,omitempty"`
	Supplier           string    `json:"supplier,omitempty"`
	CriticalThreshold  float64   `json:"critical_threshold"`
	AverageMarketPrice float64   `json:"average_market_price"`
	DailyConsumption   float64   `json:"daily_consumption"`
	StockHistory       []float64 `json:"stock_history,omitempty"`
	PriceHistory       []float64 `json:"price_history,omitempty"`
	SupplierDelay      float64   `json:"supplier_delay"` // days
	LastUpdatedAt      time.Time `json:"last_updated_at"`
	Description        string    `json:"description,omitempty"`
	CausesOfShortage   string    `json:"causes_of_shortage,omitempty"`
}

// RawFinding is a detector-specific result before normalization.
// Details may be a structured map, JSON text, any other value, or nil.
type RawFinding struct {
	Severity          string     `json:"severity,omitempty"`
	Message           string     `json:"message,omitempty"`
	Description       string     `json:"description,omitempty"`
	Type              string     `json:"type,omitempty"`
	Details           any        `json:"details,omitempty"`
	CausesOfShortages string     `json:"causes_of_shortages,omitempty"`
	AssignedTo        string     `json:"assigned_to,omitempty"`
	Confidence        float64    `json:"confidence"`
	DataPoint         *DataPoint `json:"-"`
}

// Prediction is one model score, index-aligned with the batch it was
// computed for.
type Prediction struct {
	IsAnomaly   bool    `json:"is_anomaly"`
	Confidence  float64 `json:"confidence"`
	Severity    string  `json:"severity,omitempty"`
	Type        string  `json:"type,omitempty"`
	Message     string  `json:"message,omitempty"`
	Description string  `json:"description,omitempty"`
	Details     any     `json:"details,omitempty"`

	CausesOfShortages string `json:"causes_of_shortages,omitempty"`
}

// Details is the normalized, always-structured details payload of an anomaly.
type Details map[string]any

// Anomaly is the canonical record of a detected supply irregularity.
type Anomaly struct {
	ID             string     `json:"id"`
	DetectionType  string     `json:"detection_type"`
	Type           string     `json:"type"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	Description    string     `json:"description"`
	Confidence     float64    `json:"confidence"`
	Details        Details    `json:"details"`
	MedicineDataID *string    `json:"medicine_data_id"`
	Disease        *string    `json:"disease"`
	AssignedTo     string     `json:"assigned_to"`
	Status         string     `json:"status"`
	Timestamp      time.Time  `json:"timestamp"`
	ReviewedAt     *time.Time `json:"reviewed_at"`
}

// MedicineID returns the source data point identity, or "" when absent.
func (a *Anomaly) MedicineID() string {
	if a.MedicineDataID == nil {
		return ""
	}
	return *a.MedicineDataID
}

// DetailsJSON serializes Details for stores that keep it as text.
func (a *Anomaly) DetailsJSON() (string, error) {
	if a.Details == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a.Details)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
