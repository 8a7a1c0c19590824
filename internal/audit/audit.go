// Package audit records ownership decisions and exports the trail for operators.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/types"
)

// Appender is the part of the store the writer needs
type Appender interface {
	AppendAudit(ctx context.Context, rec types.AuditRecord) error
	ListAudit(ctx context.Context, filter types.AuditFilter) ([]types.AuditRecord, error)
}

// Writer appends audit records. Failures are logged and never returned:
// losing an audit row must not undo the decision it describes.
// A nil *Writer discards everything.
type Writer struct {
	store  Appender
	logger *zerolog.Logger
	now    func() time.Time
}

// NewWriter creates a writer over the given store
func NewWriter(store Appender, logger *zerolog.Logger) *Writer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "audit").Logger()
	return &Writer{store: store, logger: &l, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends rec, stamping CreatedAt when unset
func (w *Writer) Record(ctx context.Context, rec types.AuditRecord) {
	if w == nil || w.store == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now()
	}
	if err := w.store.AppendAudit(ctx, rec); err != nil {
		w.logger.Error().
			Err(err).
			Str("kind", string(rec.Kind)).
			Str("task_id", rec.TaskID).
			Str("peer_id", rec.PeerID).
			Str("lease_id", rec.LeaseID).
			Msg("Failed to append audit record")
	}
}

// List returns audit records matching filter, newest first
func (w *Writer) List(ctx context.Context, filter types.AuditFilter) ([]types.AuditRecord, error) {
	if w == nil || w.store == nil {
		return nil, nil
	}
	return w.store.ListAudit(ctx, filter)
}

// Details marshals v for AuditRecord.Details, returning nil on failure
func Details(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
