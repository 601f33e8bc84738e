package store

import (
	"context"
	"fmt"

	"github.com/chirino/notesync/internal/model"
)

// NoteFilter selects notes for query and count operations. Nil pointer
// fields mean "no constraint". Keyword matches title or content,
// case-insensitively.
type NoteFilter struct {
	GroupID *string
	Pinned  *bool
	Locked  *bool
	Synced  *bool
	Keyword string
}

// NotePage is one page of a paginated note query. NextCursor is the opaque
// sort key of the last returned note, nil when the page is empty. RawCount
// is the raw result size reported by the provider.
type NotePage struct {
	Notes      []model.Note `json:"items"`
	NextCursor *string      `json:"nextCursor,omitempty"`
	RawCount   int          `json:"rawCount"`
}

// GroupPage is one page of a paginated group query.
type GroupPage struct {
	Groups     []model.Group `json:"items"`
	NextCursor *string       `json:"nextCursor,omitempty"`
}

// NotePatch defines mutable note fields. Nil fields are left unchanged.
// ClearGroupID moves the note back to unassigned; it takes precedence over
// GroupID.
type NotePatch struct {
	Title        *string
	Content      *string
	Images       *[]string
	GroupID      *string
	ClearGroupID bool
	Pinned       *bool
	Locked       *bool
	Synced       *bool
}

// GroupPatch defines mutable group fields.
type GroupPatch struct {
	Name *string
}

// RemoteStore is the narrow contract this core requires from the hosted
// document store. All collections are scoped by owner. Create operations
// assign identity and server timestamps; update operations bump the
// updated timestamp.
type RemoteStore interface {
	QueryNotes(ctx context.Context, ownerID string, filter NoteFilter, limit int, afterCursor *string) (*NotePage, error)
	CreateNote(ctx context.Context, ownerID string, note model.Note) (*model.Note, error)
	UpdateNote(ctx context.Context, ownerID string, noteID string, patch NotePatch) (*model.Note, error)
	DeleteNote(ctx context.Context, ownerID string, noteID string) error

	QueryGroups(ctx context.Context, ownerID string, limit int, afterCursor *string) (*GroupPage, error)
	CreateGroup(ctx context.Context, ownerID string, name string) (*model.Group, error)
	UpdateGroup(ctx context.Context, ownerID string, groupID string, patch GroupPatch) (*model.Group, error)
	DeleteGroup(ctx context.Context, ownerID string, groupID string) error

	CountNotes(ctx context.Context, ownerID string, filter NoteFilter) (int64, error)
}

// NoteStore extends RemoteStore with the process-wide network toggle used by
// the image sync engine. While the network is disabled, reads are served from
// the local snapshot and note updates are buffered; EnableNetwork flushes
// buffered writes.
type NoteStore interface {
	RemoteStore
	DisableNetwork()
	EnableNetwork(ctx context.Context) error
}

// Loader creates a RemoteStore from config.
type Loader func(ctx context.Context) (RemoteStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
