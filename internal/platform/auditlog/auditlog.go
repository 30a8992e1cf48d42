package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Payload      any
}

// Record is an event as persisted: its assigned id, canonical payload and integrity digest.
type Record struct {
	Event
	EventID         int64
	PayloadJSON     json.RawMessage
	IntegritySHA256 string
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertEventQuery = `INSERT INTO audit_events (
	occurred_at,
	actor,
	action,
	resource_type,
	resource_id,
	request_id,
	ip,
	user_agent,
	payload,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING event_id`

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("ResourceType is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("ResourceID is required")
	}
	return nil
}

// Prepare fills defaults, validates the event and computes its canonical payload and digest.
func Prepare(event Event) (Record, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	if err := event.Validate(); err != nil {
		return Record{}, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return Record{}, err
	}
	return Record{Event: event, PayloadJSON: payloadJSON, IntegritySHA256: integrity}, nil
}

func Insert(ctx context.Context, q QueryRower, event Event) (Record, error) {
	if q == nil {
		return Record{}, errors.New("queryer is required")
	}
	record, err := Prepare(event)
	if err != nil {
		return Record{}, err
	}

	var requestID sql.NullString
	if strings.TrimSpace(record.RequestID) != "" {
		requestID = sql.NullString{String: strings.TrimSpace(record.RequestID), Valid: true}
	}
	var ip sql.NullString
	if s := ipString(record.IP); s != "" {
		ip = sql.NullString{String: s, Valid: true}
	}
	var userAgent sql.NullString
	if strings.TrimSpace(record.UserAgent) != "" {
		userAgent = sql.NullString{String: strings.TrimSpace(record.UserAgent), Valid: true}
	}

	err = q.QueryRowContext(
		ctx,
		insertEventQuery,
		record.OccurredAt,
		strings.TrimSpace(record.Actor),
		strings.TrimSpace(record.Action),
		strings.TrimSpace(record.ResourceType),
		strings.TrimSpace(record.ResourceID),
		requestID,
		ip,
		userAgent,
		[]byte(record.PayloadJSON),
		record.IntegritySHA256,
	).Scan(&record.EventID)
	if err != nil {
		return Record{}, fmt.Errorf("insert audit event: %w", err)
	}
	return record, nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		IP           string          `json:"ip,omitempty"`
		UserAgent    string          `json:"user_agent,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		RequestID:    strings.TrimSpace(event.RequestID),
		IP:           ipString(event.IP),
		UserAgent:    strings.TrimSpace(event.UserAgent),
		Payload:      payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// RequestIP extracts the host part of an http.Request RemoteAddr.
func RequestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	s := strings.TrimSpace(ip.String())
	if s == "<nil>" {
		return ""
	}
	return s
}
