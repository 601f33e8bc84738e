package offline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chirino/notesync/internal/model"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory RemoteStore that records every update it
// receives so tests can assert what gets flushed.
type memStore struct {
	mu      sync.Mutex
	notes   map[string]model.Note
	updates []string
	failIDs map[string]bool
}

func newMemStore(notes ...model.Note) *memStore {
	s := &memStore{notes: map[string]model.Note{}, failIDs: map[string]bool{}}
	for _, n := range notes {
		s.notes[n.ID] = n
	}
	return s
}

func (s *memStore) QueryNotes(ctx context.Context, ownerID string, filter registrystore.NoteFilter, limit int, afterCursor *string) (*registrystore.NotePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Note
	for _, n := range s.notes {
		out = append(out, n)
	}
	page := &registrystore.NotePage{Notes: out, RawCount: len(out)}
	if len(out) > 0 {
		last := out[len(out)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func (s *memStore) CreateNote(ctx context.Context, ownerID string, note model.Note) (*model.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.ID] = note
	return &note, nil
}

func (s *memStore) UpdateNote(ctx context.Context, ownerID string, noteID string, patch registrystore.NotePatch) (*model.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[noteID] {
		return nil, fmt.Errorf("memstore: update %s: remote unavailable", noteID)
	}
	n, ok := s.notes[noteID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "note", ID: noteID}
	}
	if patch.Title != nil {
		n.Title = *patch.Title
	}
	if patch.Images != nil {
		n.Images = *patch.Images
	}
	if patch.Synced != nil {
		n.Synced = *patch.Synced
	}
	s.notes[noteID] = n
	s.updates = append(s.updates, noteID)
	return &n, nil
}

func (s *memStore) DeleteNote(ctx context.Context, ownerID string, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, noteID)
	return nil
}

func (s *memStore) QueryGroups(ctx context.Context, ownerID string, limit int, afterCursor *string) (*registrystore.GroupPage, error) {
	return &registrystore.GroupPage{}, nil
}

func (s *memStore) CreateGroup(ctx context.Context, ownerID string, name string) (*model.Group, error) {
	return &model.Group{ID: "g1", OwnerID: ownerID, Name: name}, nil
}

func (s *memStore) UpdateGroup(ctx context.Context, ownerID string, groupID string, patch registrystore.GroupPatch) (*model.Group, error) {
	return &model.Group{ID: groupID, OwnerID: ownerID}, nil
}

func (s *memStore) DeleteGroup(ctx context.Context, ownerID string, groupID string) error {
	return nil
}

func (s *memStore) CountNotes(ctx context.Context, ownerID string, filter registrystore.NoteFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.notes)), nil
}

func note(id string, createdAt time.Time) model.Note {
	return model.Note{ID: id, OwnerID: "u1", Title: "note " + id, CreatedAt: createdAt, UpdatedAt: createdAt}
}

func TestDisabledNetworkServesSnapshot(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inner := newMemStore(note("a", base.Add(2*time.Hour)), note("b", base.Add(time.Hour)), note("c", base))
	store := Wrap(inner)

	// Populate the snapshot with an online read first.
	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	store.DisableNetwork()

	page, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 2, nil)
	require.NoError(t, err)
	require.Len(t, page.Notes, 2)
	assert.Equal(t, "a", page.Notes[0].ID)
	assert.Equal(t, "b", page.Notes[1].ID)
	require.NotNil(t, page.NextCursor)

	page, err = store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Notes, 1)
	assert.Equal(t, "c", page.Notes[0].ID)

	n, err := store.CountNotes(ctx, "u1", registrystore.NoteFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestDisabledNetworkRejectsStructuralWrites(t *testing.T) {
	ctx := context.Background()
	store := Wrap(newMemStore())
	store.DisableNetwork()

	_, err := store.CreateNote(ctx, "u1", model.Note{ID: "x"})
	assert.ErrorIs(t, err, registrystore.ErrNetworkDisabled)
	assert.ErrorIs(t, store.DeleteNote(ctx, "u1", "x"), registrystore.ErrNetworkDisabled)
	_, err = store.CreateGroup(ctx, "u1", "work")
	assert.ErrorIs(t, err, registrystore.ErrNetworkDisabled)
	_, err = store.UpdateGroup(ctx, "u1", "g1", registrystore.GroupPatch{})
	assert.ErrorIs(t, err, registrystore.ErrNetworkDisabled)
	assert.ErrorIs(t, store.DeleteGroup(ctx, "u1", "g1"), registrystore.ErrNetworkDisabled)
}

func TestBufferedUpdatesFlushLastWriteWins(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inner := newMemStore(note("a", base))
	store := Wrap(inner)

	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	store.DisableNetwork()

	first := "first"
	_, err = store.UpdateNote(ctx, "u1", "a", registrystore.NotePatch{Title: &first})
	require.NoError(t, err)
	second := "second"
	synced := true
	updated, err := store.UpdateNote(ctx, "u1", "a", registrystore.NotePatch{Title: &second, Synced: &synced})
	require.NoError(t, err)
	assert.Equal(t, "second", updated.Title)
	assert.True(t, updated.Synced)

	// Nothing reached the remote yet.
	assert.Empty(t, inner.updates)

	require.NoError(t, store.EnableNetwork(ctx))

	// One coalesced write carrying the final field values.
	require.Equal(t, []string{"a"}, inner.updates)
	assert.Equal(t, "second", inner.notes["a"].Title)
	assert.True(t, inner.notes["a"].Synced)
}

func TestEnableNetworkReportsFlushFailures(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inner := newMemStore(note("a", base), note("b", base))
	store := Wrap(inner)

	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	store.DisableNetwork()
	title := "t"
	_, err = store.UpdateNote(ctx, "u1", "a", registrystore.NotePatch{Title: &title})
	require.NoError(t, err)
	_, err = store.UpdateNote(ctx, "u1", "b", registrystore.NotePatch{Title: &title})
	require.NoError(t, err)

	inner.failIDs["a"] = true
	err = store.EnableNetwork(ctx)
	require.Error(t, err)

	// The surviving update still flushed and the queue drained.
	assert.Equal(t, []string{"b"}, inner.updates)
	require.NoError(t, store.EnableNetwork(ctx))
	assert.Equal(t, []string{"b"}, inner.updates)
}

func TestUpdateUnknownNoteWhileDisabled(t *testing.T) {
	ctx := context.Background()
	store := Wrap(newMemStore())
	store.DisableNetwork()

	title := "t"
	_, err := store.UpdateNote(ctx, "u1", "ghost", registrystore.NotePatch{Title: &title})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "note", notFound.Resource)
}

func TestSnapshotFiltering(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pinned := note("p", base.Add(time.Hour))
	pinned.Pinned = true
	tagged := note("g", base)
	gid := "g1"
	tagged.GroupID = &gid
	tagged.Content = "remember the milk"
	inner := newMemStore(pinned, tagged, note("plain", base.Add(2*time.Hour)))
	store := Wrap(inner)

	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)
	store.DisableNetwork()

	isTrue := true
	page, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{Pinned: &isTrue}, 10, nil)
	require.NoError(t, err)
	require.Len(t, page.Notes, 1)
	assert.Equal(t, "p", page.Notes[0].ID)

	page, err = store.QueryNotes(ctx, "u1", registrystore.NoteFilter{GroupID: &gid}, 10, nil)
	require.NoError(t, err)
	require.Len(t, page.Notes, 1)
	assert.Equal(t, "g", page.Notes[0].ID)

	page, err = store.QueryNotes(ctx, "u1", registrystore.NoteFilter{Keyword: "MILK"}, 10, nil)
	require.NoError(t, err)
	require.Len(t, page.Notes, 1)
	assert.Equal(t, "g", page.Notes[0].ID)
}
