package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/runengine/internal/platform/auditlog"
)

// AuditAppender writes audit events inside the caller's transaction. Export happens after commit.
type AuditAppender struct {
	db  auditlog.QueryRower
	now func() time.Time
}

func NewAuditAppender(db auditlog.QueryRower) *AuditAppender {
	if db == nil {
		return nil
	}
	return &AuditAppender{db: db, now: time.Now}
}

func (a *AuditAppender) Append(ctx context.Context, event auditlog.Event) (auditlog.Record, error) {
	if a == nil || a.db == nil {
		return auditlog.Record{}, errors.New("audit appender not initialized")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now().UTC()
	}
	record, err := auditlog.Insert(ctx, a.db, event)
	if err != nil {
		return auditlog.Record{}, fmt.Errorf("append audit event: %w", classify(err))
	}
	return record, nil
}
