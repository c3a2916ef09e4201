package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/pkg/supply"
)

var _ Notifier = (*LogNotifier)(nil)

// LogNotifier writes alerts to the log. It is the default channel when no
// other notifier is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, a *supply.Anomaly) error {
	n.logger.Warn("anomaly alert",
		zap.String("anomaly_id", a.ID),
		zap.String("medicine_id", a.MedicineID()),
		zap.String("type", a.Type),
		zap.String("severity", a.Severity),
		zap.Float64("confidence", a.Confidence),
		zap.String("message", a.Message),
	)
	return nil
}

func (n *LogNotifier) Type() string {
	return "log"
}
