package auditexport

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/animus-labs/runengine/internal/platform/auditlog"
)

// NDJSONExporter writes audit records as newline-delimited JSON. Safe for concurrent use.
type NDJSONExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewNDJSONExporter(w io.Writer) *NDJSONExporter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONExporter{enc: enc}
}

func (e *NDJSONExporter) Export(ctx context.Context, record auditlog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(exportEventFromRecord(record))
}
