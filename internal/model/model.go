package model

import (
	"strings"
	"time"
)

// Virtual group identifiers. These are synthesized, non-persisted views over
// the notes collection and are never valid targets for group CRUD.
const (
	VirtualAll    = "all"
	VirtualPinned = "pinned"
	VirtualLocked = "locked"
)

// IsVirtualGroup reports whether id names one of the synthesized groups.
func IsVirtualGroup(id string) bool {
	switch id {
	case VirtualAll, VirtualPinned, VirtualLocked:
		return true
	}
	return false
}

// IsLocalImage reports whether an image reference points at the local
// filesystem rather than at remote object storage.
func IsLocalImage(ref string) bool {
	return strings.HasPrefix(ref, "file://") || strings.HasPrefix(ref, "/")
}

// LocalImagePath strips the local scheme prefix from a local image reference.
func LocalImagePath(ref string) string {
	return strings.TrimPrefix(ref, "file://")
}

// Note is a single user note. Images holds an ordered list of image
// references, each either a remote URL or a pending local file reference.
// Synced is true iff every image reference is a remote URL.
type Note struct {
	ID        string    `json:"id"                gorm:"primaryKey"`
	OwnerID   string    `json:"ownerId"           gorm:"not null;index"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Images    []string  `json:"images"            gorm:"serializer:json"`
	GroupID   *string   `json:"groupId,omitempty" gorm:"index"`
	Pinned    bool      `json:"pinned"            gorm:"not null;default:false"`
	Locked    bool      `json:"locked"            gorm:"not null;default:false"`
	Synced    bool      `json:"isSynced"          gorm:"not null;default:false"`
	CreatedAt time.Time `json:"createdAt"         gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt"         gorm:"not null"`
}

func (Note) TableName() string { return "notes" }

// HasLocalImages reports whether any image reference still points at the
// local filesystem.
func (n Note) HasLocalImages() bool {
	for _, ref := range n.Images {
		if IsLocalImage(ref) {
			return true
		}
	}
	return false
}

// Group is a persisted, user-created note group. NoteCount is denormalized:
// the store maintains it on note create/delete/move, and the client corrects
// local drift through recounts.
type Group struct {
	ID        string    `json:"id"        gorm:"primaryKey"`
	OwnerID   string    `json:"ownerId"   gorm:"not null;index"`
	Name      string    `json:"name"      gorm:"not null"`
	NoteCount int64     `json:"noteCount" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (Group) TableName() string { return "groups" }

// OwnerStats carries authoritative note counts for the virtual categories,
// produced by server-side count queries.
type OwnerStats struct {
	All    int64 `json:"all"`
	Pinned int64 `json:"pinned"`
	Locked int64 `json:"locked"`
}
