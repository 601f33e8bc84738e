// Package postgres implements the note store using GORM + PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/notesync/internal/config"
	"github.com/chirino/notesync/internal/model"
	registrymigrate "github.com/chirino/notesync/internal/registry/migrate"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.RemoteStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			return New(db), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DatastoreType != "postgres" || cfg.DBURL == "" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(&model.Note{}, &model.Group{}); err != nil {
		return fmt.Errorf("migration: failed to migrate schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// New wraps an already-open gorm connection. Exposed so tests can run the
// store against an in-memory sqlite database.
func New(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// SQLStore implements the note store on any gorm-supported SQL database.
type SQLStore struct {
	db *gorm.DB
}

var _ registrystore.RemoteStore = (*SQLStore)(nil)

func applyNoteFilter(q *gorm.DB, f registrystore.NoteFilter) *gorm.DB {
	if f.GroupID != nil {
		q = q.Where("group_id = ?", *f.GroupID)
	}
	if f.Pinned != nil {
		q = q.Where("pinned = ?", *f.Pinned)
	}
	if f.Locked != nil {
		q = q.Where("locked = ?", *f.Locked)
	}
	if f.Synced != nil {
		q = q.Where("synced = ?", *f.Synced)
	}
	if f.Keyword != "" {
		// lower() keeps the match case-insensitive on both postgres and sqlite.
		kw := "%" + f.Keyword + "%"
		q = q.Where("lower(title) LIKE lower(?) OR lower(content) LIKE lower(?)", kw, kw)
	}
	return q
}

func (s *SQLStore) QueryNotes(ctx context.Context, ownerID string, f registrystore.NoteFilter, limit int, afterCursor *string) (*registrystore.NotePage, error) {
	q := applyNoteFilter(s.db.WithContext(ctx).Where("owner_id = ?", ownerID), f)

	if afterCursor != nil {
		var cursorNote model.Note
		err := s.db.WithContext(ctx).
			Where("id = ? AND owner_id = ?", *afterCursor, ownerID).
			First(&cursorNote).Error
		if err == nil {
			q = q.Where("created_at < ?", cursorNote.CreatedAt)
		}
	}

	q = q.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var notes []model.Note
	if err := q.Find(&notes).Error; err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	page := &registrystore.NotePage{Notes: notes, RawCount: len(notes)}
	if len(notes) > 0 {
		last := notes[len(notes)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func (s *SQLStore) CreateNote(ctx context.Context, ownerID string, note model.Note) (*model.Note, error) {
	now := time.Now().UTC()
	note.OwnerID = ownerID
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	note.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&note).Error; err != nil {
			return err
		}
		if note.GroupID != nil {
			return adjustGroupCount(tx, ownerID, *note.GroupID, 1)
		}
		return nil
	})
	if err != nil {
		return nil, &registrystore.RemoteWriteError{Op: "create-note", ID: note.ID, Err: err}
	}
	return &note, nil
}

func (s *SQLStore) UpdateNote(ctx context.Context, ownerID string, noteID string, patch registrystore.NotePatch) (*model.Note, error) {
	var updated model.Note
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var before model.Note
		if err := tx.Where("id = ? AND owner_id = ?", noteID, ownerID).First(&before).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "note", ID: noteID}
			}
			return err
		}

		updates := map[string]any{"updated_at": time.Now().UTC()}
		if patch.Title != nil {
			updates["title"] = *patch.Title
		}
		if patch.Content != nil {
			updates["content"] = *patch.Content
		}
		if patch.ClearGroupID {
			updates["group_id"] = nil
		} else if patch.GroupID != nil {
			updates["group_id"] = *patch.GroupID
		}
		if patch.Pinned != nil {
			updates["pinned"] = *patch.Pinned
		}
		if patch.Locked != nil {
			updates["locked"] = *patch.Locked
		}
		if patch.Synced != nil {
			updates["synced"] = *patch.Synced
		}
		if err := tx.Model(&model.Note{}).
			Where("id = ? AND owner_id = ?", noteID, ownerID).
			Updates(updates).Error; err != nil {
			return err
		}
		// The serializer column needs a struct update, not a map one.
		if patch.Images != nil {
			if err := tx.Model(&model.Note{}).
				Where("id = ? AND owner_id = ?", noteID, ownerID).
				Select("images").
				Updates(model.Note{Images: *patch.Images}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("id = ? AND owner_id = ?", noteID, ownerID).First(&updated).Error; err != nil {
			return err
		}
		return reconcileGroupCounts(tx, ownerID, before.GroupID, updated.GroupID)
	})
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, &registrystore.RemoteWriteError{Op: "update-note", ID: noteID, Err: err}
	}
	return &updated, nil
}

func (s *SQLStore) DeleteNote(ctx context.Context, ownerID string, noteID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note model.Note
		if err := tx.Where("id = ? AND owner_id = ?", noteID, ownerID).First(&note).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "note", ID: noteID}
			}
			return err
		}
		if err := tx.Delete(&model.Note{}, "id = ? AND owner_id = ?", noteID, ownerID).Error; err != nil {
			return err
		}
		if note.GroupID != nil {
			return adjustGroupCount(tx, ownerID, *note.GroupID, -1)
		}
		return nil
	})
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		return &registrystore.RemoteWriteError{Op: "delete-note", ID: noteID, Err: err}
	}
	return nil
}

func (s *SQLStore) QueryGroups(ctx context.Context, ownerID string, limit int, afterCursor *string) (*registrystore.GroupPage, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)

	if afterCursor != nil {
		var cursorGroup model.Group
		err := s.db.WithContext(ctx).
			Where("id = ? AND owner_id = ?", *afterCursor, ownerID).
			First(&cursorGroup).Error
		if err == nil {
			q = q.Where("created_at > ?", cursorGroup.CreatedAt)
		}
	}

	q = q.Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var groups []model.Group
	if err := q.Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	page := &registrystore.GroupPage{Groups: groups}
	if len(groups) > 0 {
		last := groups[len(groups)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func (s *SQLStore) CreateGroup(ctx context.Context, ownerID string, name string) (*model.Group, error) {
	group := model.Group{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&group).Error; err != nil {
		return nil, &registrystore.RemoteWriteError{Op: "create-group", ID: group.ID, Err: err}
	}
	return &group, nil
}

func (s *SQLStore) UpdateGroup(ctx context.Context, ownerID string, groupID string, patch registrystore.GroupPatch) (*model.Group, error) {
	if patch.Name != nil {
		res := s.db.WithContext(ctx).Model(&model.Group{}).
			Where("id = ? AND owner_id = ?", groupID, ownerID).
			Update("name", *patch.Name)
		if res.Error != nil {
			return nil, &registrystore.RemoteWriteError{Op: "update-group", ID: groupID, Err: res.Error}
		}
		if res.RowsAffected == 0 {
			return nil, &registrystore.NotFoundError{Resource: "group", ID: groupID}
		}
	}
	var group model.Group
	if err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", groupID, ownerID).First(&group).Error; err != nil {
		return nil, &registrystore.NotFoundError{Resource: "group", ID: groupID}
	}
	return &group, nil
}

func (s *SQLStore) DeleteGroup(ctx context.Context, ownerID string, groupID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&model.Group{}, "id = ? AND owner_id = ?", groupID, ownerID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "group", ID: groupID}
		}
		return tx.Model(&model.Note{}).
			Where("owner_id = ? AND group_id = ?", ownerID, groupID).
			Updates(map[string]any{"group_id": nil, "updated_at": time.Now().UTC()}).Error
	})
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		return &registrystore.RemoteWriteError{Op: "delete-group", ID: groupID, Err: err}
	}
	return nil
}

func (s *SQLStore) CountNotes(ctx context.Context, ownerID string, f registrystore.NoteFilter) (int64, error) {
	var n int64
	q := applyNoteFilter(s.db.WithContext(ctx).Model(&model.Note{}).Where("owner_id = ?", ownerID), f)
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count notes: %w", err)
	}
	return n, nil
}

func adjustGroupCount(tx *gorm.DB, ownerID, groupID string, delta int64) error {
	return tx.Model(&model.Group{}).
		Where("id = ? AND owner_id = ?", groupID, ownerID).
		Update("note_count", gorm.Expr("note_count + ?", delta)).Error
}

func reconcileGroupCounts(tx *gorm.DB, ownerID string, before, after *string) error {
	if before != nil && (after == nil || *after != *before) {
		if err := adjustGroupCount(tx, ownerID, *before, -1); err != nil {
			return err
		}
	}
	if after != nil && (before == nil || *before != *after) {
		if err := adjustGroupCount(tx, ownerID, *after, 1); err != nil {
			return err
		}
	}
	return nil
}
