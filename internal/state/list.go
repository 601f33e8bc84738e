package state

import (
	"sort"
	"sync"

	"github.com/chirino/notesync/internal/model"
)

// NoteList is the in-memory source of truth for the currently loaded notes.
// It merges paginated fetch results with optimistic local mutations and
// de-duplicates by id. All operations are idempotent with respect to id, so
// interleaved refresh results and optimistic updates converge without locks
// beyond the internal mutex.
type NoteList struct {
	mu         sync.Mutex
	notes      []model.Note
	index      map[string]int
	selectedID string
}

// NewNoteList returns an empty NoteList.
func NewNoteList() *NoteList {
	return &NoteList{index: map[string]int{}}
}

// Replace swaps the whole list for items, de-duplicating by id while keeping
// the insertion order of the new list. Used on full refresh.
func (l *NoteList) Replace(items []model.Note) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = l.notes[:0]
	l.index = map[string]int{}
	for _, n := range items {
		if i, ok := l.index[n.ID]; ok {
			l.notes[i] = n
			continue
		}
		l.index[n.ID] = len(l.notes)
		l.notes = append(l.notes, n)
	}
	if l.selectedID != "" {
		if _, ok := l.index[l.selectedID]; !ok {
			l.selectedID = ""
		}
	}
}

// Append adds a pagination continuation, filtering out any item whose id is
// already present and preserving current order.
func (l *NoteList) Append(items []model.Note) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range items {
		if _, ok := l.index[n.ID]; ok {
			continue
		}
		l.index[n.ID] = len(l.notes)
		l.notes = append(l.notes, n)
	}
}

// Upsert replaces the note with the same id if present, else appends it.
func (l *NoteList) Upsert(n model.Note) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[n.ID]; ok {
		l.notes[i] = n
		return
	}
	l.index[n.ID] = len(l.notes)
	l.notes = append(l.notes, n)
}

// Remove deletes the note by id. Removing the selected note clears selection.
func (l *NoteList) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return
	}
	l.notes = append(l.notes[:i], l.notes[i+1:]...)
	delete(l.index, id)
	for j := i; j < len(l.notes); j++ {
		l.index[l.notes[j].ID] = j
	}
	if l.selectedID == id {
		l.selectedID = ""
	}
}

// Get returns the note by id.
func (l *NoteList) Get(id string) (model.Note, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return model.Note{}, false
	}
	return l.notes[i], true
}

// Select marks a note as selected. Selecting an unknown id clears selection.
func (l *NoteList) Select(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; !ok {
		l.selectedID = ""
		return
	}
	l.selectedID = id
}

// Selected returns the selected note, if any.
func (l *NoteList) Selected() (model.Note, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[l.selectedID]
	if !ok {
		return model.Note{}, false
	}
	return l.notes[i], true
}

// Len returns the number of notes in the canonical list.
func (l *NoteList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.notes)
}

// Items returns a copy of the canonical list in insertion order.
func (l *NoteList) Items() []model.Note {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Note, len(l.notes))
	copy(out, l.notes)
	return out
}

// sortRank orders pinned first, then plain, then locked.
func sortRank(n model.Note) int {
	switch {
	case n.Pinned:
		return 0
	case n.Locked:
		return 2
	}
	return 1
}

// Sorted returns the presentation view: pinned first, locked last among
// unpinned, then by updated timestamp descending. The view is recomputed
// from the canonical list; canonical order is never mutated.
func (l *NoteList) Sorted() []model.Note {
	out := l.Items()
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := sortRank(out[i]), sortRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// GroupList is the in-memory source of truth for the currently loaded groups.
type GroupList struct {
	mu     sync.Mutex
	groups []model.Group
	index  map[string]int
}

// NewGroupList returns an empty GroupList.
func NewGroupList() *GroupList {
	return &GroupList{index: map[string]int{}}
}

// Replace swaps the whole list for items, de-duplicating by id.
func (l *GroupList) Replace(items []model.Group) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups = l.groups[:0]
	l.index = map[string]int{}
	for _, g := range items {
		if i, ok := l.index[g.ID]; ok {
			l.groups[i] = g
			continue
		}
		l.index[g.ID] = len(l.groups)
		l.groups = append(l.groups, g)
	}
}

// Append adds a pagination continuation, skipping ids already present.
func (l *GroupList) Append(items []model.Group) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range items {
		if _, ok := l.index[g.ID]; ok {
			continue
		}
		l.index[g.ID] = len(l.groups)
		l.groups = append(l.groups, g)
	}
}

// Upsert replaces the group with the same id if present, else appends it.
func (l *GroupList) Upsert(g model.Group) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[g.ID]; ok {
		l.groups[i] = g
		return
	}
	l.index[g.ID] = len(l.groups)
	l.groups = append(l.groups, g)
}

// Remove deletes the group by id.
func (l *GroupList) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return
	}
	l.groups = append(l.groups[:i], l.groups[i+1:]...)
	delete(l.index, id)
	for j := i; j < len(l.groups); j++ {
		l.index[l.groups[j].ID] = j
	}
}

// Get returns the group by id.
func (l *GroupList) Get(id string) (model.Group, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return model.Group{}, false
	}
	return l.groups[i], true
}

// Items returns a copy of the real groups in insertion order.
func (l *GroupList) Items() []model.Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Group, len(l.groups))
	copy(out, l.groups)
	return out
}

// View returns the presented group list: the three virtual groups first with
// counts taken from the aggregator, then the real groups with their counts
// overridden by the aggregator where it has seen them.
func (l *GroupList) View(counters *Counters) []model.Group {
	real := l.Items()
	out := make([]model.Group, 0, len(real)+3)
	out = append(out,
		model.Group{ID: model.VirtualAll, Name: "All", NoteCount: counters.Get(model.VirtualAll)},
		model.Group{ID: model.VirtualPinned, Name: "Pinned", NoteCount: counters.Get(model.VirtualPinned)},
		model.Group{ID: model.VirtualLocked, Name: "Locked", NoteCount: counters.Get(model.VirtualLocked)},
	)
	for _, g := range real {
		if n, ok := counters.Lookup(g.ID); ok {
			g.NoteCount = n
		}
		out = append(out, g)
	}
	return out
}
