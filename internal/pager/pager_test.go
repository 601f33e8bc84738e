package pager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chirino/notesync/internal/model"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	"github.com/stretchr/testify/require"
)

// pageStore serves a fixed, ordered list of notes page by page, the way the
// remote store does: cursor is the id of the last returned note.
type pageStore struct {
	mu      sync.Mutex
	notes   []model.Note
	queries int
	failing bool
	block   chan struct{} // when set, QueryNotes waits on it
	entered chan struct{} // signalled when a blocked query has started
}

func (s *pageStore) QueryNotes(ctx context.Context, ownerID string, filter registrystore.NoteFilter, limit int, afterCursor *string) (*registrystore.NotePage, error) {
	if s.block != nil {
		s.entered <- struct{}{}
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.failing {
		return nil, errors.New("boom")
	}
	start := 0
	if afterCursor != nil {
		for i, n := range s.notes {
			if n.ID == *afterCursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(s.notes) {
		end = len(s.notes)
	}
	items := append([]model.Note(nil), s.notes[start:end]...)
	page := &registrystore.NotePage{Notes: items, RawCount: len(items)}
	if len(items) > 0 {
		last := items[len(items)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func (s *pageStore) CreateNote(context.Context, string, model.Note) (*model.Note, error) {
	panic("not used")
}

func (s *pageStore) UpdateNote(context.Context, string, string, registrystore.NotePatch) (*model.Note, error) {
	panic("not used")
}

func (s *pageStore) DeleteNote(context.Context, string, string) error { panic("not used") }

func (s *pageStore) QueryGroups(ctx context.Context, ownerID string, limit int, afterCursor *string) (*registrystore.GroupPage, error) {
	return &registrystore.GroupPage{}, nil
}

func (s *pageStore) CreateGroup(context.Context, string, string) (*model.Group, error) {
	panic("not used")
}

func (s *pageStore) UpdateGroup(context.Context, string, string, registrystore.GroupPatch) (*model.Group, error) {
	panic("not used")
}

func (s *pageStore) DeleteGroup(context.Context, string, string) error { panic("not used") }

func (s *pageStore) CountNotes(context.Context, string, registrystore.NoteFilter) (int64, error) {
	panic("not used")
}

func storeWithNotes(n int) *pageStore {
	s := &pageStore{}
	for i := 0; i < n; i++ {
		s.notes = append(s.notes, model.Note{ID: fmt.Sprintf("n-%03d", i)})
	}
	return s
}

func TestThreePagesAreNonOverlappingAndOrdered(t *testing.T) {
	s := storeWithNotes(25)
	p := New(s, "user-1")
	key := FilterKey{Group: model.VirtualAll}

	var got []model.Note
	page, err := p.FetchPage(context.Background(), key, 10, true)
	require.NoError(t, err)
	require.Len(t, page.Notes, 10)
	require.True(t, page.HasMore)
	got = append(got, page.Notes...)

	page, err = p.FetchPage(context.Background(), key, 10, false)
	require.NoError(t, err)
	require.Len(t, page.Notes, 10)
	require.True(t, page.HasMore)
	got = append(got, page.Notes...)

	page, err = p.FetchPage(context.Background(), key, 10, false)
	require.NoError(t, err)
	require.Len(t, page.Notes, 5)
	// hasMore flips exactly when a short page comes back.
	require.False(t, page.HasMore)
	got = append(got, page.Notes...)

	require.Len(t, got, 25)
	for i, n := range got {
		require.Equal(t, fmt.Sprintf("n-%03d", i), n.ID, "pages must concatenate in order")
	}
}

func TestResetDiscardsCursor(t *testing.T) {
	s := storeWithNotes(15)
	p := New(s, "user-1")
	key := FilterKey{}

	page, err := p.FetchPage(context.Background(), key, 10, true)
	require.NoError(t, err)
	require.Equal(t, "n-000", page.Notes[0].ID)

	page, err = p.FetchPage(context.Background(), key, 10, true)
	require.NoError(t, err)
	require.Equal(t, "n-000", page.Notes[0].ID, "reset must start from the beginning")
}

func TestKeyChangeInvalidatesCursor(t *testing.T) {
	s := storeWithNotes(30)
	p := New(s, "user-1")
	a := FilterKey{Group: model.VirtualAll}
	b := FilterKey{Group: model.VirtualAll, Keyword: "x"}

	page, err := p.FetchPage(context.Background(), a, 10, true)
	require.NoError(t, err)
	require.Equal(t, "n-000", page.Notes[0].ID)

	// A different keyword is a different key and starts from the top.
	page, err = p.FetchPage(context.Background(), b, 10, false)
	require.NoError(t, err)
	require.Equal(t, "n-000", page.Notes[0].ID)

	// Coming back to the first key is also a key change: its stored
	// cursor is discarded rather than resumed mid-list.
	page, err = p.FetchPage(context.Background(), a, 10, false)
	require.NoError(t, err)
	require.Equal(t, "n-000", page.Notes[0].ID)

	// Consecutive requests for the same key do continue.
	page, err = p.FetchPage(context.Background(), a, 10, false)
	require.NoError(t, err)
	require.Equal(t, "n-010", page.Notes[0].ID)
}

func TestOverlappingFetchIsDropped(t *testing.T) {
	s := storeWithNotes(10)
	s.block = make(chan struct{})
	s.entered = make(chan struct{}, 1)
	p := New(s, "user-1")
	key := FilterKey{}

	done := make(chan error, 1)
	go func() {
		_, err := p.FetchPage(context.Background(), key, 10, true)
		done <- err
	}()

	// Wait until the first fetch reaches the store, then issue a second.
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first fetch never reached the store")
	}
	_, err := p.FetchPage(context.Background(), key, 10, false)
	require.ErrorIs(t, err, ErrFetchInFlight)

	close(s.block)
	require.NoError(t, <-done)
}

func TestQueryErrorKeepsCursorForRetry(t *testing.T) {
	s := storeWithNotes(25)
	p := New(s, "user-1")
	key := FilterKey{}

	_, err := p.FetchPage(context.Background(), key, 10, true)
	require.NoError(t, err)

	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()

	_, err = p.FetchPage(context.Background(), key, 10, false)
	var qe *registrystore.QueryError
	require.ErrorAs(t, err, &qe)
	require.True(t, p.HasMore(key), "failed fetch must not flip hasMore")

	s.mu.Lock()
	s.failing = false
	s.mu.Unlock()

	// Retry resumes at the same page.
	page, err := p.FetchPage(context.Background(), key, 10, false)
	require.NoError(t, err)
	require.Equal(t, "n-010", page.Notes[0].ID)
}

func TestFilterKeyMapping(t *testing.T) {
	f := FilterKey{Group: model.VirtualPinned, Keyword: "milk"}.Filter()
	require.NotNil(t, f.Pinned)
	require.True(t, *f.Pinned)
	require.Nil(t, f.GroupID)
	require.Equal(t, "milk", f.Keyword)

	f = FilterKey{Group: "g1"}.Filter()
	require.NotNil(t, f.GroupID)
	require.Equal(t, "g1", *f.GroupID)

	f = FilterKey{Group: model.VirtualAll}.Filter()
	require.Nil(t, f.GroupID)
	require.Nil(t, f.Pinned)
	require.Nil(t, f.Locked)
}
