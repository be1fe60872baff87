// Package notify delivers fire-and-forget operator notifications.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindProfilePushFailed           Kind = "smart_charging.profile_push_failed"
	KindCertificateEnrollmentFailed Kind = "certificate.enrollment_failed"
	KindConnectorFaulted            Kind = "connector.faulted"
	KindSessionStarted              Kind = "session.started"
	KindEndOfSession                Kind = "session.ended"
	KindRemoteStopFailed            Kind = "session.remote_stop_failed"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notification struct {
	Kind              Kind              `json:"kind"`
	Severity          Severity          `json:"severity"`
	ChargingStationID string            `json:"chargingStationId,omitempty"`
	ConnectorID       int               `json:"connectorId,omitempty"`
	TransactionID     int               `json:"transactionId,omitempty"`
	SiteAreaID        string            `json:"siteAreaId,omitempty"`
	Message           string            `json:"message"`
	Data              map[string]string `json:"data,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// Sink never blocks the caller on delivery and never reports failures back.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

type LogSink struct{ logger *zap.Logger }

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Notify(_ context.Context, n Notification) {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("charge_point_id", n.ChargingStationID),
	}
	if n.ConnectorID != 0 {
		fields = append(fields, zap.Int("connector_id", n.ConnectorID))
	}
	if n.TransactionID != 0 {
		fields = append(fields, zap.Int("transaction_id", n.TransactionID))
	}
	if n.SiteAreaID != "" {
		fields = append(fields, zap.String("site_area_id", n.SiteAreaID))
	}
	for k, v := range n.Data {
		fields = append(fields, zap.String(k, v))
	}
	switch n.Severity {
	case SeverityError:
		s.logger.Error(n.Message, fields...)
	case SeverityWarning:
		s.logger.Warn(n.Message, fields...)
	default:
		s.logger.Info(n.Message, fields...)
	}
}
