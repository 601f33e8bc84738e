// Package offline wraps a RemoteStore with the process-wide network toggle
// the image sync engine relies on. While the network is disabled, queries are
// served from an id-keyed snapshot of everything seen through earlier reads
// and writes, and note updates are buffered last-write-wins per note id.
// EnableNetwork flushes the buffered updates. Offline writes are tolerated
// only for note updates (image rewrites); creates, deletes, and group CRUD
// fail with ErrNetworkDisabled while the toggle is off.
package offline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/notesync/internal/model"
	registrystore "github.com/chirino/notesync/internal/registry/store"
)

// Wrap decorates inner with the network toggle.
func Wrap(inner registrystore.RemoteStore) registrystore.NoteStore {
	return &offlineStore{
		inner:   inner,
		notes:   map[string]map[string]model.Note{},
		groups:  map[string]map[string]model.Group{},
		pending: map[pendingKey]registrystore.NotePatch{},
	}
}

type pendingKey struct {
	ownerID string
	noteID  string
}

type offlineStore struct {
	inner registrystore.RemoteStore

	mu       sync.Mutex
	disabled bool
	notes    map[string]map[string]model.Note
	groups   map[string]map[string]model.Group
	pending  map[pendingKey]registrystore.NotePatch
	order    []pendingKey
}

var _ registrystore.NoteStore = (*offlineStore)(nil)

func (s *offlineStore) DisableNetwork() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
}

// EnableNetwork flushes buffered note updates in arrival order and restores
// passthrough. Each flush is keyed by note id and last-write-wins, so a flush
// interleaved with another sync pass cannot corrupt the note list. Flush
// failures are joined into the returned error; the queue is drained either way.
func (s *offlineStore) EnableNetwork(ctx context.Context) error {
	s.mu.Lock()
	s.disabled = false
	order := s.order
	pending := s.pending
	s.order = nil
	s.pending = map[pendingKey]registrystore.NotePatch{}
	s.mu.Unlock()

	var errs []error
	for _, key := range order {
		patch := pending[key]
		if _, err := s.inner.UpdateNote(ctx, key.ownerID, key.noteID, patch); err != nil {
			log.Error("Flushing buffered note update failed", "noteId", key.noteID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- snapshot maintenance ---

func (s *offlineStore) rememberNote(ownerID string, n model.Note) {
	owner, ok := s.notes[ownerID]
	if !ok {
		owner = map[string]model.Note{}
		s.notes[ownerID] = owner
	}
	owner[n.ID] = n
}

func (s *offlineStore) rememberGroup(ownerID string, g model.Group) {
	owner, ok := s.groups[ownerID]
	if !ok {
		owner = map[string]model.Group{}
		s.groups[ownerID] = owner
	}
	owner[g.ID] = g
}

func matchFilter(n model.Note, f registrystore.NoteFilter) bool {
	if f.GroupID != nil && (n.GroupID == nil || *n.GroupID != *f.GroupID) {
		return false
	}
	if f.Pinned != nil && n.Pinned != *f.Pinned {
		return false
	}
	if f.Locked != nil && n.Locked != *f.Locked {
		return false
	}
	if f.Synced != nil && n.Synced != *f.Synced {
		return false
	}
	if f.Keyword != "" {
		kw := strings.ToLower(f.Keyword)
		if !strings.Contains(strings.ToLower(n.Title), kw) &&
			!strings.Contains(strings.ToLower(n.Content), kw) {
			return false
		}
	}
	return true
}

// snapshotQuery pages the snapshot the same way the remote store pages its
// collection: created-at descending, cursor is the last note's id.
func (s *offlineStore) snapshotQuery(ownerID string, filter registrystore.NoteFilter, limit int, afterCursor *string) *registrystore.NotePage {
	var matched []model.Note
	for _, n := range s.notes[ownerID] {
		if matchFilter(n, filter) {
			matched = append(matched, n)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	start := 0
	if afterCursor != nil {
		for i, n := range matched {
			if n.ID == *afterCursor {
				start = i + 1
				break
			}
		}
	}
	if start > len(matched) {
		start = len(matched)
	}
	matched = matched[start:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	page := &registrystore.NotePage{Notes: matched, RawCount: len(matched)}
	if len(matched) > 0 {
		last := matched[len(matched)-1].ID
		page.NextCursor = &last
	}
	return page
}

func applyPatch(n model.Note, patch registrystore.NotePatch) model.Note {
	if patch.Title != nil {
		n.Title = *patch.Title
	}
	if patch.Content != nil {
		n.Content = *patch.Content
	}
	if patch.Images != nil {
		n.Images = append([]string(nil), (*patch.Images)...)
	}
	if patch.ClearGroupID {
		n.GroupID = nil
	} else if patch.GroupID != nil {
		g := *patch.GroupID
		n.GroupID = &g
	}
	if patch.Pinned != nil {
		n.Pinned = *patch.Pinned
	}
	if patch.Locked != nil {
		n.Locked = *patch.Locked
	}
	if patch.Synced != nil {
		n.Synced = *patch.Synced
	}
	n.UpdatedAt = time.Now().UTC()
	return n
}

// mergePatch overlays next onto prev so the flushed write carries the final
// value of every field touched while offline.
func mergePatch(prev, next registrystore.NotePatch) registrystore.NotePatch {
	if next.Title != nil {
		prev.Title = next.Title
	}
	if next.Content != nil {
		prev.Content = next.Content
	}
	if next.Images != nil {
		prev.Images = next.Images
	}
	if next.ClearGroupID {
		prev.ClearGroupID = true
		prev.GroupID = nil
	} else if next.GroupID != nil {
		prev.GroupID = next.GroupID
		prev.ClearGroupID = false
	}
	if next.Pinned != nil {
		prev.Pinned = next.Pinned
	}
	if next.Locked != nil {
		prev.Locked = next.Locked
	}
	if next.Synced != nil {
		prev.Synced = next.Synced
	}
	return prev
}

// --- RemoteStore surface ---

func (s *offlineStore) QueryNotes(ctx context.Context, ownerID string, filter registrystore.NoteFilter, limit int, afterCursor *string) (*registrystore.NotePage, error) {
	s.mu.Lock()
	if s.disabled {
		defer s.mu.Unlock()
		return s.snapshotQuery(ownerID, filter, limit, afterCursor), nil
	}
	s.mu.Unlock()

	page, err := s.inner.QueryNotes(ctx, ownerID, filter, limit, afterCursor)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, n := range page.Notes {
		s.rememberNote(ownerID, n)
	}
	s.mu.Unlock()
	return page, nil
}

func (s *offlineStore) CreateNote(ctx context.Context, ownerID string, note model.Note) (*model.Note, error) {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return nil, registrystore.ErrNetworkDisabled
	}
	s.mu.Unlock()

	created, err := s.inner.CreateNote(ctx, ownerID, note)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rememberNote(ownerID, *created)
	s.mu.Unlock()
	return created, nil
}

func (s *offlineStore) UpdateNote(ctx context.Context, ownerID string, noteID string, patch registrystore.NotePatch) (*model.Note, error) {
	s.mu.Lock()
	if s.disabled {
		defer s.mu.Unlock()
		owner := s.notes[ownerID]
		n, ok := owner[noteID]
		if !ok {
			return nil, &registrystore.NotFoundError{Resource: "note", ID: noteID}
		}
		key := pendingKey{ownerID: ownerID, noteID: noteID}
		if prev, ok := s.pending[key]; ok {
			s.pending[key] = mergePatch(prev, patch)
		} else {
			s.pending[key] = patch
			s.order = append(s.order, key)
		}
		n = applyPatch(n, patch)
		owner[noteID] = n
		return &n, nil
	}
	s.mu.Unlock()

	updated, err := s.inner.UpdateNote(ctx, ownerID, noteID, patch)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rememberNote(ownerID, *updated)
	s.mu.Unlock()
	return updated, nil
}

func (s *offlineStore) DeleteNote(ctx context.Context, ownerID string, noteID string) error {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return registrystore.ErrNetworkDisabled
	}
	s.mu.Unlock()

	if err := s.inner.DeleteNote(ctx, ownerID, noteID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.notes[ownerID], noteID)
	s.mu.Unlock()
	return nil
}

func (s *offlineStore) QueryGroups(ctx context.Context, ownerID string, limit int, afterCursor *string) (*registrystore.GroupPage, error) {
	s.mu.Lock()
	if s.disabled {
		defer s.mu.Unlock()
		var matched []model.Group
		for _, g := range s.groups[ownerID] {
			matched = append(matched, g)
		}
		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].CreatedAt.Before(matched[j].CreatedAt)
			}
			return matched[i].ID < matched[j].ID
		})
		start := 0
		if afterCursor != nil {
			for i, g := range matched {
				if g.ID == *afterCursor {
					start = i + 1
					break
				}
			}
		}
		matched = matched[start:]
		if limit > 0 && len(matched) > limit {
			matched = matched[:limit]
		}
		page := &registrystore.GroupPage{Groups: matched}
		if len(matched) > 0 {
			last := matched[len(matched)-1].ID
			page.NextCursor = &last
		}
		return page, nil
	}
	s.mu.Unlock()

	page, err := s.inner.QueryGroups(ctx, ownerID, limit, afterCursor)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, g := range page.Groups {
		s.rememberGroup(ownerID, g)
	}
	s.mu.Unlock()
	return page, nil
}

func (s *offlineStore) CreateGroup(ctx context.Context, ownerID string, name string) (*model.Group, error) {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return nil, registrystore.ErrNetworkDisabled
	}
	s.mu.Unlock()

	created, err := s.inner.CreateGroup(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rememberGroup(ownerID, *created)
	s.mu.Unlock()
	return created, nil
}

func (s *offlineStore) UpdateGroup(ctx context.Context, ownerID string, groupID string, patch registrystore.GroupPatch) (*model.Group, error) {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return nil, registrystore.ErrNetworkDisabled
	}
	s.mu.Unlock()

	updated, err := s.inner.UpdateGroup(ctx, ownerID, groupID, patch)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rememberGroup(ownerID, *updated)
	s.mu.Unlock()
	return updated, nil
}

func (s *offlineStore) DeleteGroup(ctx context.Context, ownerID string, groupID string) error {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return registrystore.ErrNetworkDisabled
	}
	s.mu.Unlock()

	if err := s.inner.DeleteGroup(ctx, ownerID, groupID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.groups[ownerID], groupID)
	for id, n := range s.notes[ownerID] {
		if n.GroupID != nil && *n.GroupID == groupID {
			n.GroupID = nil
			s.notes[ownerID][id] = n
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *offlineStore) CountNotes(ctx context.Context, ownerID string, filter registrystore.NoteFilter) (int64, error) {
	s.mu.Lock()
	if s.disabled {
		defer s.mu.Unlock()
		var n int64
		for _, note := range s.notes[ownerID] {
			if matchFilter(note, filter) {
				n++
			}
		}
		return n, nil
	}
	s.mu.Unlock()
	return s.inner.CountNotes(ctx, ownerID, filter)
}
