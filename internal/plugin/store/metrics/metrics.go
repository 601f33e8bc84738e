package metrics

import (
	"context"
	"time"

	"github.com/chirino/notesync/internal/metrics"
	"github.com/chirino/notesync/internal/model"
	"github.com/chirino/notesync/internal/registry/store"
)

// Wrap returns a NoteStore that records StoreLatency for every operation.
func Wrap(inner store.NoteStore) store.NoteStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.NoteStore
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) QueryNotes(ctx context.Context, ownerID string, filter store.NoteFilter, limit int, afterCursor *string) (*store.NotePage, error) {
	defer observe("query_notes", time.Now())
	return m.inner.QueryNotes(ctx, ownerID, filter, limit, afterCursor)
}

func (m *metricsStore) CreateNote(ctx context.Context, ownerID string, note model.Note) (*model.Note, error) {
	defer observe("create_note", time.Now())
	return m.inner.CreateNote(ctx, ownerID, note)
}

func (m *metricsStore) UpdateNote(ctx context.Context, ownerID string, noteID string, patch store.NotePatch) (*model.Note, error) {
	defer observe("update_note", time.Now())
	return m.inner.UpdateNote(ctx, ownerID, noteID, patch)
}

func (m *metricsStore) DeleteNote(ctx context.Context, ownerID string, noteID string) error {
	defer observe("delete_note", time.Now())
	return m.inner.DeleteNote(ctx, ownerID, noteID)
}

func (m *metricsStore) QueryGroups(ctx context.Context, ownerID string, limit int, afterCursor *string) (*store.GroupPage, error) {
	defer observe("query_groups", time.Now())
	return m.inner.QueryGroups(ctx, ownerID, limit, afterCursor)
}

func (m *metricsStore) CreateGroup(ctx context.Context, ownerID string, name string) (*model.Group, error) {
	defer observe("create_group", time.Now())
	return m.inner.CreateGroup(ctx, ownerID, name)
}

func (m *metricsStore) UpdateGroup(ctx context.Context, ownerID string, groupID string, patch store.GroupPatch) (*model.Group, error) {
	defer observe("update_group", time.Now())
	return m.inner.UpdateGroup(ctx, ownerID, groupID, patch)
}

func (m *metricsStore) DeleteGroup(ctx context.Context, ownerID string, groupID string) error {
	defer observe("delete_group", time.Now())
	return m.inner.DeleteGroup(ctx, ownerID, groupID)
}

func (m *metricsStore) CountNotes(ctx context.Context, ownerID string, filter store.NoteFilter) (int64, error) {
	defer observe("count_notes", time.Now())
	return m.inner.CountNotes(ctx, ownerID, filter)
}

func (m *metricsStore) DisableNetwork() {
	m.inner.DisableNetwork()
}

func (m *metricsStore) EnableNetwork(ctx context.Context) error {
	defer observe("enable_network", time.Now())
	return m.inner.EnableNetwork(ctx)
}
