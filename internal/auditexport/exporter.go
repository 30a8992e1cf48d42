package auditexport

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/animus-labs/runengine/internal/platform/auditlog"
)

// Exporter copies committed audit records to external systems.
type Exporter interface {
	Export(ctx context.Context, record auditlog.Record) error
}

type NoopExporter struct{}

func (NoopExporter) Export(ctx context.Context, record auditlog.Record) error {
	return nil
}

type exportEvent struct {
	EventID         int64           `json:"event_id"`
	OccurredAt      string          `json:"occurred_at"`
	Actor           string          `json:"actor"`
	Action          string          `json:"action"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id"`
	RequestID       string          `json:"request_id,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

func exportEventFromRecord(record auditlog.Record) exportEvent {
	payload := record.PayloadJSON
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return exportEvent{
		EventID:         record.EventID,
		OccurredAt:      record.OccurredAt.UTC().Format(time.RFC3339Nano),
		Actor:           record.Actor,
		Action:          record.Action,
		ResourceType:    record.ResourceType,
		ResourceID:      record.ResourceID,
		RequestID:       record.RequestID,
		IP:              ipString(record.IP),
		UserAgent:       record.UserAgent,
		Payload:         payload,
		IntegritySHA256: record.IntegritySHA256,
	}
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
