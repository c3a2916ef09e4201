package event

import (
	"context"
	"time"

	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/pkg/plugin"
	"github.com/HerbHall/medwatch/pkg/supply"
)

// Topics published by the engine observer.
const (
	TopicInitialized     = "engine.initialized"
	TopicStarted         = "engine.started"
	TopicStopped         = "engine.stopped"
	TopicError           = "engine.error"
	TopicTickSkipped     = "engine.tick_skipped"
	TopicBatchProcessed  = "batch.processed"
	TopicAnomalyDetected = "anomaly.detected"
)

// Source is the Event.Source of everything the engine observer publishes.
const Source = "engine"

// ErrorPayload is the payload of TopicError events.
type ErrorPayload struct {
	Message string `json:"message"`
}

var _ engine.Observer = (*Observer)(nil)

// Observer republishes engine notifications as bus events. Anomaly and batch
// events are published asynchronously so slow subscribers never hold up a
// batch; lifecycle events are synchronous.
type Observer struct {
	bus plugin.EventBus
	now func() time.Time
}

// NewObserver creates an Observer publishing onto bus.
func NewObserver(bus plugin.EventBus) *Observer {
	return &Observer{bus: bus, now: time.Now}
}

func (o *Observer) Initialized() { o.sync(TopicInitialized, nil) }
func (o *Observer) Started()     { o.sync(TopicStarted, nil) }
func (o *Observer) Stopped()     { o.sync(TopicStopped, nil) }
func (o *Observer) TickSkipped() { o.async(TopicTickSkipped, nil) }

func (o *Observer) Error(err error) {
	o.async(TopicError, ErrorPayload{Message: err.Error()})
}

// BatchProcessed publishes a copy of result.
func (o *Observer) BatchProcessed(result engine.BatchResult) {
	o.async(TopicBatchProcessed, result)
}

// AnomalyDetected publishes the anomaly pointer; subscribers must treat it
// as read-only.
func (o *Observer) AnomalyDetected(a *supply.Anomaly) {
	o.async(TopicAnomalyDetected, a)
}

func (o *Observer) event(topic string, payload any) plugin.Event {
	return plugin.Event{Topic: topic, Source: Source, Timestamp: o.now().UTC(), Payload: payload}
}

func (o *Observer) sync(topic string, payload any) {
	_ = o.bus.Publish(context.Background(), o.event(topic, payload))
}

func (o *Observer) async(topic string, payload any) {
	o.bus.PublishAsync(context.Background(), o.event(topic, payload))
}
