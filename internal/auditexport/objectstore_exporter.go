package auditexport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"path"

	"github.com/oklog/ulid/v2"

	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/platform/objectstore"
)

// ObjectStoreExporter writes one JSON object per record under <prefix>/YYYY/MM/DD/<ulid>.json.
// The ULID carries the event time so a prefix listing is chronological.
type ObjectStoreExporter struct {
	store  objectstore.Putter
	prefix string
}

func NewObjectStoreExporter(store objectstore.Putter, prefix string) *ObjectStoreExporter {
	if prefix == "" {
		prefix = "audit"
	}
	return &ObjectStoreExporter{store: store, prefix: prefix}
}

func (e *ObjectStoreExporter) Export(ctx context.Context, record auditlog.Record) error {
	body, err := json.Marshal(exportEventFromRecord(record))
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	key := e.Key(record)
	if err := e.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return fmt.Errorf("export audit record %d: %w", record.EventID, err)
	}
	return nil
}

func (e *ObjectStoreExporter) Key(record auditlog.Record) string {
	at := record.OccurredAt.UTC()
	id := ulid.MustNew(ulid.Timestamp(at), rand.Reader)
	return path.Join(e.prefix, at.Format("2006"), at.Format("01"), at.Format("02"), id.String()+".json")
}
