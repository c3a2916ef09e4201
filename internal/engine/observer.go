package engine

import (
	"time"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// Outcome classifies how a batch ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial" // At least one isolated detector or finding failure
	OutcomeEmpty   Outcome = "empty"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped" // Another batch was still in flight
)

// BatchResult summarizes one batch run.
type BatchResult struct {
	ID            string        `json:"id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Size          int           `json:"batch_size"`
	Outcome       Outcome       `json:"outcome"`
	RuleFindings  int           `json:"rule_findings"`
	ModelFindings int           `json:"model_findings"`
	Anomalies     int           `json:"anomalies"`
	Alerts        int           `json:"alerts"`
	Failures      int           `json:"failures"`
}

// Observer receives engine lifecycle and processing notifications.
// Methods are called synchronously from engine goroutines, possibly
// concurrently (persistence failures are reported from their own
// goroutine), so implementations must be safe for concurrent use and must
// not block. Anomalies passed to AnomalyDetected are shared and read-only.
type Observer interface {
	Initialized()
	Error(err error)
	Started()
	Stopped()
	TickSkipped()
	BatchProcessed(result BatchResult)
	AnomalyDetected(a *supply.Anomaly)
}

// NopObserver ignores every notification. Embed it to implement only the
// methods of interest.
type NopObserver struct{}

func (NopObserver) Initialized() {}
func (NopObserver) Error(error) {}
func (NopObserver) Started() {}
func (NopObserver) Stopped() {}
func (NopObserver) TickSkipped() {}
func (NopObserver) BatchProcessed(BatchResult) {}
func (NopObserver) AnomalyDetected(*supply.Anomaly) {}

// Observers fans each notification out to every member in order.
type Observers []Observer

func (o Observers) Initialized() {
	for _, ob := range o {
		ob.Initialized()
	}
}

func (o Observers) Error(err error) {
	for _, ob := range o {
		ob.Error(err)
	}
}

func (o Observers) Started() {
	for _, ob := range o {
		ob.Started()
	}
}

func (o Observers) Stopped() {
	for _, ob := range o {
		ob.Stopped()
	}
}

func (o Observers) TickSkipped() {
	for _, ob := range o {
		ob.TickSkipped()
	}
}

func (o Observers) BatchProcessed(result BatchResult) {
	for _, ob := range o {
		ob.BatchProcessed(result)
	}
}

func (o Observers) AnomalyDetected(a *supply.Anomaly) {
	for _, ob := range o {
		ob.AnomalyDetected(a)
	}
}
