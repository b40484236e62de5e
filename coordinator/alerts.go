package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/events"
	"github.com/songzhibin97/tool-orchestrator/monitoring"
	"github.com/songzhibin97/tool-orchestrator/types"
)

// AlertPublisher returns a monitoring.AlertHandler that publishes raised and
// resolved alerts on bus.
func AlertPublisher(bus *events.EventBus, logger *zap.Logger) monitoring.AlertHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(alert types.Alert) {
		eventType := events.AlertRaised
		if alert.Resolved {
			eventType = events.AlertResolved
		}
		err := bus.Publish(context.Background(), events.NewEvent(eventType, "", alertData(alert)))
		if err != nil && !errors.Is(err, events.ErrNoHandler) {
			logger.Warn("failed to publish alert",
				zap.String("alert_id", alert.ID),
				zap.String("event_type", eventType),
				zap.Error(err),
			)
		}
	}
}

func alertData(a types.Alert) map[string]any {
	data := map[string]any{
		"alert_id":   a.ID,
		"alert_type": string(a.AlertType),
		"severity":   string(a.Severity),
		"tool_id":    a.ToolID,
		"message":    a.Message,
		"raised_at":  a.Timestamp,
	}
	if a.ResolvedAt != nil {
		data["resolved_at"] = *a.ResolvedAt
	}
	return data
}
