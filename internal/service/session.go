// Package service wires the note list, group list, counter aggregator, and
// pagination cursors into one session object owned by the composition root.
// All dependencies are injected; there are no package-level singletons.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/notesync/internal/metrics"
	"github.com/chirino/notesync/internal/model"
	"github.com/chirino/notesync/internal/pager"
	registrycache "github.com/chirino/notesync/internal/registry/cache"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	"github.com/chirino/notesync/internal/state"
)

// Session holds the per-owner reconciliation state and mediates every user
// operation: paginated loads, optimistic mutations with compensation, and
// authoritative recounts.
type Session struct {
	store    registrystore.NoteStore
	cache    registrycache.CountsCache
	ownerID  string
	pageSize int
	cacheTTL time.Duration

	Notes    *state.NoteList
	Groups   *state.GroupList
	Counters *state.Counters

	notePager  *pager.Pager
	groupPager *pager.GroupPager
}

// NewSession constructs a session for one owner. pageSize applies to both
// note and group pagination.
func NewSession(store registrystore.NoteStore, cache registrycache.CountsCache, ownerID string, pageSize int, cacheTTL time.Duration) *Session {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Session{
		store:      store,
		cache:      cache,
		ownerID:    ownerID,
		pageSize:   pageSize,
		cacheTTL:   cacheTTL,
		Notes:      state.NewNoteList(),
		Groups:     state.NewGroupList(),
		Counters:   state.NewCounters(),
		notePager:  pager.New(store, ownerID),
		groupPager: pager.NewGroupPager(store, ownerID),
	}
}

// LoadNotes fetches the next page for the filter key and merges it into the
// note list: a reset replaces the list, a continuation appends with id
// de-duplication. Returns the fetched page so callers can drive infinite
// scroll off HasMore.
func (s *Session) LoadNotes(ctx context.Context, key pager.FilterKey, reset bool) (*pager.Page, error) {
	page, err := s.notePager.FetchPage(ctx, key, s.pageSize, reset)
	if err != nil {
		return nil, err
	}
	if reset {
		s.Notes.Replace(page.Notes)
	} else {
		s.Notes.Append(page.Notes)
	}
	return page, nil
}

// HasMoreNotes reports whether another page may exist for key.
func (s *Session) HasMoreNotes(key pager.FilterKey) bool {
	return s.notePager.HasMore(key)
}

// LoadGroups fetches the next page of groups, merges it, and seeds the
// per-group counters from the server-side note counts.
func (s *Session) LoadGroups(ctx context.Context, reset bool) (bool, error) {
	groups, hasMore, err := s.groupPager.FetchPage(ctx, s.pageSize, reset)
	if err != nil {
		return false, err
	}
	if reset {
		s.Groups.Replace(groups)
	} else {
		s.Groups.Append(groups)
	}
	for _, g := range groups {
		s.Counters.Set(g.ID, g.NoteCount)
	}
	return hasMore, nil
}

// GroupView returns the presented group list: virtual categories first with
// aggregator counts, then the real groups.
func (s *Session) GroupView() []model.Group {
	return s.Groups.View(s.Counters)
}

// SortedNotes returns the presentation ordering of the loaded notes.
func (s *Session) SortedNotes() []model.Note {
	return s.Notes.Sorted()
}

// countDeltas applies the optimistic counter effect of adding (+1) or
// removing (-1) the note.
func (s *Session) countDeltas(n model.Note, sign int64) {
	s.Counters.Adjust(model.VirtualAll, sign)
	if n.Pinned {
		s.Counters.Adjust(model.VirtualPinned, sign)
	}
	if n.Locked {
		s.Counters.Adjust(model.VirtualLocked, sign)
	}
	if n.GroupID != nil {
		s.Counters.Adjust(*n.GroupID, sign)
	}
}

// CreateNote persists the note remotely, then merges the confirmed result.
// Creation is not optimistic: the server assigns identity and timestamps.
func (s *Session) CreateNote(ctx context.Context, note model.Note) (*model.Note, error) {
	created, err := s.store.CreateNote(ctx, s.ownerID, note)
	if err != nil {
		s.recordWriteFailure("create_note")
		return nil, err
	}
	s.Notes.Upsert(*created)
	s.countDeltas(*created, 1)
	s.invalidateCachedCounts(ctx)
	return created, nil
}

// DeleteNote removes the note optimistically, then confirms with the remote
// store. On remote failure the note and its counter effects are restored.
// Deleting the selected note clears selection.
func (s *Session) DeleteNote(ctx context.Context, noteID string) error {
	prior, ok := s.Notes.Get(noteID)
	if !ok {
		return &registrystore.NotFoundError{Resource: "note", ID: noteID}
	}
	selected, wasSelected := s.Notes.Selected()

	s.Notes.Remove(noteID)
	s.countDeltas(prior, -1)

	if err := s.store.DeleteNote(ctx, s.ownerID, noteID); err != nil {
		s.recordWriteFailure("delete_note")
		s.Notes.Upsert(prior)
		s.countDeltas(prior, 1)
		if wasSelected && selected.ID == noteID {
			s.Notes.Select(noteID)
		}
		return err
	}
	s.invalidateCachedCounts(ctx)
	return nil
}

// mutateNote applies an optimistic in-place note mutation and reverts it if
// the remote write fails. apply transforms the in-memory copy; patch is what
// gets sent to the store.
func (s *Session) mutateNote(ctx context.Context, op string, noteID string, apply func(model.Note) model.Note, patch registrystore.NotePatch) (*model.Note, error) {
	prior, ok := s.Notes.Get(noteID)
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "note", ID: noteID}
	}

	next := apply(prior)
	next.UpdatedAt = time.Now().UTC()
	s.Notes.Upsert(next)
	s.countDeltas(prior, -1)
	s.countDeltas(next, 1)

	confirmed, err := s.store.UpdateNote(ctx, s.ownerID, noteID, patch)
	if err != nil {
		s.recordWriteFailure(op)
		// Compensate: undo the optimistic mutation and its counter effect.
		s.Notes.Upsert(prior)
		s.countDeltas(next, -1)
		s.countDeltas(prior, 1)
		return nil, err
	}
	s.Notes.Upsert(*confirmed)
	s.invalidateCachedCounts(ctx)
	return confirmed, nil
}

// TogglePin flips the note's pinned flag.
func (s *Session) TogglePin(ctx context.Context, noteID string) (*model.Note, error) {
	prior, ok := s.Notes.Get(noteID)
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "note", ID: noteID}
	}
	pinned := !prior.Pinned
	return s.mutateNote(ctx, "toggle_pin", noteID,
		func(n model.Note) model.Note {
			n.Pinned = pinned
			return n
		},
		registrystore.NotePatch{Pinned: &pinned})
}

// ToggleLock flips the note's locked flag.
func (s *Session) ToggleLock(ctx context.Context, noteID string) (*model.Note, error) {
	prior, ok := s.Notes.Get(noteID)
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "note", ID: noteID}
	}
	locked := !prior.Locked
	return s.mutateNote(ctx, "toggle_lock", noteID,
		func(n model.Note) model.Note {
			n.Locked = locked
			return n
		},
		registrystore.NotePatch{Locked: &locked})
}

// MoveNote reassigns the note's group; a nil groupID moves it to unassigned.
// The source and destination counts change immediately, before the remote
// round-trip completes.
func (s *Session) MoveNote(ctx context.Context, noteID string, groupID *string) (*model.Note, error) {
	if groupID != nil && model.IsVirtualGroup(*groupID) {
		return nil, registrystore.ErrVirtualGroup
	}
	patch := registrystore.NotePatch{}
	if groupID == nil {
		patch.ClearGroupID = true
	} else {
		patch.GroupID = groupID
	}
	return s.mutateNote(ctx, "move_note", noteID,
		func(n model.Note) model.Note {
			n.GroupID = groupID
			return n
		},
		patch)
}

// UpdateNote edits the note's text content optimistically.
func (s *Session) UpdateNote(ctx context.Context, noteID string, title, content *string) (*model.Note, error) {
	return s.mutateNote(ctx, "update_note", noteID,
		func(n model.Note) model.Note {
			if title != nil {
				n.Title = *title
			}
			if content != nil {
				n.Content = *content
			}
			return n
		},
		registrystore.NotePatch{Title: title, Content: content})
}

// CreateGroup persists a new group remotely, then merges it. Group CRUD is
// remote-first: no compensation list needed.
func (s *Session) CreateGroup(ctx context.Context, name string) (*model.Group, error) {
	created, err := s.store.CreateGroup(ctx, s.ownerID, name)
	if err != nil {
		s.recordWriteFailure("create_group")
		return nil, err
	}
	s.Groups.Upsert(*created)
	s.Counters.Set(created.ID, created.NoteCount)
	return created, nil
}

// RenameGroup renames a real group. Virtual categories cannot be renamed.
func (s *Session) RenameGroup(ctx context.Context, groupID, name string) (*model.Group, error) {
	if model.IsVirtualGroup(groupID) {
		return nil, registrystore.ErrVirtualGroup
	}
	updated, err := s.store.UpdateGroup(ctx, s.ownerID, groupID, registrystore.GroupPatch{Name: &name})
	if err != nil {
		s.recordWriteFailure("rename_group")
		return nil, err
	}
	s.Groups.Upsert(*updated)
	return updated, nil
}

// DeleteGroup deletes a real group. Its notes survive as unassigned, so the
// loaded copies are detached rather than removed.
func (s *Session) DeleteGroup(ctx context.Context, groupID string) error {
	if model.IsVirtualGroup(groupID) {
		return registrystore.ErrVirtualGroup
	}
	if err := s.store.DeleteGroup(ctx, s.ownerID, groupID); err != nil {
		s.recordWriteFailure("delete_group")
		return err
	}
	s.Groups.Remove(groupID)
	s.Counters.Forget(groupID)
	for _, n := range s.Notes.Items() {
		if n.GroupID != nil && *n.GroupID == groupID {
			n.GroupID = nil
			s.Notes.Upsert(n)
		}
	}
	return nil
}

// RefreshCounts replaces the virtual-category counts from authoritative
// server-side count queries, consulting the counts cache first. Called when
// returning to a list screen to correct optimistic drift.
func (s *Session) RefreshCounts(ctx context.Context) (*model.OwnerStats, error) {
	if s.cache != nil && s.cache.Available() {
		if cached, err := s.cache.Get(ctx, s.ownerID); err != nil {
			log.Warn("Counts cache read failed", "err", err)
		} else if cached != nil {
			s.Counters.Recount(*cached)
			return cached, nil
		}
	}

	stats, err := s.countAll(ctx)
	if err != nil {
		return nil, err
	}
	s.Counters.Recount(*stats)
	if metrics.RecountsTotal != nil {
		metrics.RecountsTotal.Inc()
	}

	if s.cache != nil && s.cache.Available() {
		if err := s.cache.Set(ctx, s.ownerID, *stats, s.cacheTTL); err != nil {
			log.Warn("Counts cache write failed", "err", err)
		}
	}
	return stats, nil
}

func (s *Session) countAll(ctx context.Context) (*model.OwnerStats, error) {
	all, err := s.store.CountNotes(ctx, s.ownerID, registrystore.NoteFilter{})
	if err != nil {
		return nil, fmt.Errorf("service: count all notes: %w", err)
	}
	isTrue := true
	pinned, err := s.store.CountNotes(ctx, s.ownerID, registrystore.NoteFilter{Pinned: &isTrue})
	if err != nil {
		return nil, fmt.Errorf("service: count pinned notes: %w", err)
	}
	locked, err := s.store.CountNotes(ctx, s.ownerID, registrystore.NoteFilter{Locked: &isTrue})
	if err != nil {
		return nil, fmt.Errorf("service: count locked notes: %w", err)
	}
	return &model.OwnerStats{All: all, Pinned: pinned, Locked: locked}, nil
}

// invalidateCachedCounts drops the cached counts after a confirmed mutation
// so the next recount sees fresh numbers.
func (s *Session) invalidateCachedCounts(ctx context.Context) {
	if s.cache == nil || !s.cache.Available() {
		return
	}
	if err := s.cache.Remove(ctx, s.ownerID); err != nil {
		log.Warn("Counts cache invalidation failed", "err", err)
	}
}

func (s *Session) recordWriteFailure(op string) {
	if metrics.RemoteWriteFailuresTotal != nil {
		metrics.RemoteWriteFailuresTotal.WithLabelValues(op).Inc()
	}
}
