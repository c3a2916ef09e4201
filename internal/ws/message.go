package ws

import (
	"time"

	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/pkg/supply"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageAnomalyDetected MessageType = "anomaly.detected"
	MessageBatchProcessed  MessageType = "batch.processed"
	MessageEngineError     MessageType = "engine.error"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// AnomalyData is the payload for anomaly.detected messages.
type AnomalyData struct {
	Anomaly *supply.Anomaly `json:"anomaly"`
}

// BatchData is the payload for batch.processed messages.
type BatchData struct {
	Batch engine.BatchResult `json:"batch"`
}

// ErrorData is the payload for engine.error messages.
type ErrorData struct {
	Error string `json:"error"`
}

// severity returns the anomaly severity carried by msg, or "" for messages
// that are not anomalies.
func (m Message) severity() string {
	if d, ok := m.Data.(AnomalyData); ok && d.Anomaly != nil {
		return d.Anomaly.Severity
	}
	return ""
}
