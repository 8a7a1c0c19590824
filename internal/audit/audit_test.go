package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

type failingAppender struct{ calls int }

func (f *failingAppender) AppendAudit(context.Context, types.AuditRecord) error {
	f.calls++
	return errors.New("db down")
}

func (f *failingAppender) ListAudit(context.Context, types.AuditFilter) ([]types.AuditRecord, error) {
	return nil, nil
}

func TestWriter_RecordStampsTime(t *testing.T) {
	st := store.NewMemoryStore()
	w := NewWriter(st, nil)
	ctx := context.Background()

	w.Record(ctx, types.AuditRecord{
		Kind:    types.AuditLeaseRejected,
		TaskID:  "t1",
		PeerID:  "p1",
		Reason:  string(types.RejectLeaseExpired),
		Details: Details(map[string]string{"lease": "l1"}),
	})

	recs, err := w.List(ctx, types.AuditFilter{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].CreatedAt.IsZero())
	assert.JSONEq(t, `{"lease":"l1"}`, string(recs[0].Details))
}

func TestWriter_FailuresAreSwallowed(t *testing.T) {
	f := &failingAppender{}
	w := NewWriter(f, nil)
	assert.NotPanics(t, func() { w.Record(context.Background(), types.AuditRecord{Kind: types.AuditRecovery}) })
	assert.Equal(t, 1, f.calls)

	var nilWriter *Writer
	assert.NotPanics(t, func() { nilWriter.Record(context.Background(), types.AuditRecord{}) })
}

func TestWriteXLSX(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []types.AuditRecord{
		{ID: 2, Kind: types.AuditLeaseRevoked, TaskID: "t1", PeerID: "p1", LeaseID: "l1", Reason: "node crash", CreatedAt: at},
		{ID: 1, Kind: types.AuditTaskRequeued, TaskID: "t1", Details: Details(map[string]int{"retry": 1}), CreatedAt: at},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, records))

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeaders, rows[0])
	assert.Equal(t, "lease_revoked", rows[1][2])
	assert.Equal(t, "node crash", rows[1][6])
	assert.Equal(t, "2026-03-01T12:00:00Z", rows[2][1])
	assert.Equal(t, `{"retry":1}`, rows[2][7])
}
