package audit

import (
	"context"

	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
)

// LogSink writes audit events as structured log lines
type LogSink struct {
	logger *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.WithComponent("audit")}
}

func (s *LogSink) Record(ctx context.Context, event Event) error {
	e := s.logger.Logger.Info()
	if event.Outcome != OutcomeSuccess {
		e = s.logger.Logger.Warn()
	}
	e.Str("type", string(event.Type)).
		Str("outcome", string(event.Outcome)).
		Str("device_id", event.DeviceID).
		Str("project_id", event.ProjectID).
		Str("owner_id", event.OwnerID).
		Str("broker_username", event.BrokerUsername).
		Str("reason", event.Reason).
		Str("request_id", event.RequestID).
		Time("occurred_at", event.OccurredAt).
		Msg("audit event")
	return nil
}
